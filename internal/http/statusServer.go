package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"palaver/internal/metrics"
	"palaver/internal/transport"
)

// Status reports the health of the realtime session.
type Status interface {
	State() transport.State
}

// Backlog reports frames waiting for a connection.
type Backlog interface {
	Len() (int, error)
}

type healthResponse struct {
	State  string `json:"state"`
	Outbox int    `json:"outbox"`
}

// StatusServer serves Prometheus metrics and a health probe.
type StatusServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewStatusServer(status Status, backlog Backlog, addr string) *StatusServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", HealthHandler(status, backlog))

	if addr == "" {
		addr = "localhost:9090"
	}

	return &StatusServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// HealthHandler answers 200 while the session is connected and 503
// otherwise.
func HealthHandler(status Status, backlog Backlog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := status.State()
		resp := healthResponse{State: state.String()}
		if backlog != nil {
			if n, err := backlog.Len(); err == nil {
				resp.Outbox = n
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if state != transport.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	}
}

func (s *StatusServer) Start() error {
	slog.Info("status server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
