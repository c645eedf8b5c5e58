// Package httpapi is the HTTP boundary of the daemon.
package httpapi

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Router wires the routes and wraps them with CORS and request logging.
func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", h.ReceiveWebhook)
	mux.HandleFunc("GET /webhook", h.VerifyWebhook)

	mux.HandleFunc("GET /api/chats", h.ListChats)
	mux.HandleFunc("GET /api/chats/{waId}", h.GetChat)
	mux.HandleFunc("GET /api/chats/{waId}/messages", h.ListMessages)
	mux.HandleFunc("POST /api/messages", h.SendMessage)
	mux.HandleFunc("GET /api/stats", h.Stats)

	mux.Handle("GET /ws", h.hub)
	mux.HandleFunc("GET /{$}", h.Root)

	return logRequests(h.logger, cors(h.opts.Origin, mux))
}

func cors(allowed string, next http.Handler) http.Handler {
	allowAll := allowed == "" || allowed == "*"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || strings.EqualFold(origin, allowed)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func logRequests(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}
