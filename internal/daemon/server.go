package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/matheus3301/wpphook/internal/bus"
	"github.com/matheus3301/wpphook/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "wpphook"

// AdminServer serves the gRPC health service on the instance's Unix domain
// socket. The reported status follows the state machine.
type AdminServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	machine    *status.Machine
	logger     *zap.Logger

	events      <-chan bus.Event
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewAdminServer binds the admin socket.
func NewAdminServer(socketPath string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*AdminServer, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &AdminServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		machine:    machine,
		logger:     logger,
	}
	s.events, s.unsubscribe = b.Subscribe(bus.KindStatusChanged, 16)
	s.sync()
	return s, nil
}

// Start follows state changes and serves requests. Blocks until stopped.
func (s *AdminServer) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for range s.events {
			s.sync()
		}
	}()

	s.logger.Info("admin server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *AdminServer) Stop(_ context.Context) {
	s.logger.Info("admin server stopping")
	s.health.Shutdown()
	s.unsubscribe()
	s.wg.Wait()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

func (s *AdminServer) sync() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.machine.Serving() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
