// Package client talks to a running wpphookd: the HTTP API for data and the
// admin socket for health.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wpphook/internal/httpapi"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/summary"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the daemon's HTTP API and its admin gRPC connection.
type Client struct {
	baseURL string
	http    *http.Client
	conn    *grpc.ClientConn
	Health  healthpb.HealthClient
}

// APIError is returned for non-2xx HTTP responses.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Code)
}

// New prepares a client for the daemon serving baseURL with its admin socket
// at socketPath. No connection is made until the first call.
func New(baseURL, socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		conn:    conn,
		Health:  healthpb.NewHealthClient(conn),
	}, nil
}

// BaseURL derives the API URL from a listen address such as ":3000".
func BaseURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, "http://") || strings.HasPrefix(listenAddr, "https://") {
		return listenAddr
	}
	if strings.HasPrefix(listenAddr, ":") {
		listenAddr = "127.0.0.1" + listenAddr
	}
	return "http://" + listenAddr
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status probes the admin health service.
func (c *Client) Status(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
	return c.Health.Check(ctx, &healthpb.HealthCheckRequest{})
}

// Stats fetches daemon state and counters.
func (c *Client) Stats(ctx context.Context) (*httpapi.StatsResponse, error) {
	var out httpapi.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chats lists conversation summaries, most recent first.
func (c *Client) Chats(ctx context.Context) ([]summary.Summary, error) {
	var out []summary.Summary
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns a conversation's history, oldest first. limit <= 0 uses
// the server default.
func (c *Client) Messages(ctx context.Context, waID string, limit int) ([]store.Message, error) {
	path := "/api/chats/" + url.PathEscape(waID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []store.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send submits an outbound text message.
func (c *Client) Send(ctx context.Context, waID, text string) (*store.Message, error) {
	body, err := json.Marshal(map[string]string{"waId": waID, "text": text})
	if err != nil {
		return nil, err
	}
	var out store.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostWebhook delivers one raw provider payload.
func (c *Client) PostWebhook(ctx context.Context, payload []byte) error {
	return c.do(ctx, http.MethodPost, "/webhook", payload, nil)
}

// LoadResult reports the outcome of one file posted by LoadDir.
type LoadResult struct {
	File  string `json:"file"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LoadDir posts every *.json file in dir to the webhook, in name order.
// A failing file does not stop the rest.
func (c *Client) LoadDir(ctx context.Context, dir string) ([]LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	results := make([]LoadResult, 0, len(names))
	for _, name := range names {
		res := LoadResult{File: name}
		payload, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			err = c.PostWebhook(ctx, payload)
		}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Code: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
