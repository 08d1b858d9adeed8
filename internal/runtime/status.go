package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/events"
)

// StatusServer exposes liveness, readiness, job progress and metrics over
// HTTP while a job runs.
type StatusServer struct {
	httpServer *http.Server
	listener   net.Listener
	snapshot   func() events.Snapshot
	metrics    http.Handler
	log        *slog.Logger
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func NewStatusServer(snapshot func() events.Snapshot, metrics http.Handler, log *slog.Logger) *StatusServer {
	return &StatusServer{
		snapshot: snapshot,
		metrics:  metrics,
		log:      log.With(slog.String("component", "status")),
	}
}

// Handler returns the routes served by the status server.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/progress", s.handleProgress)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start listens on bind and serves in the background.
func (s *StatusServer) Start(bind string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	s.log.Info("status server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *StatusServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetReady flips the readiness probe.
func (s *StatusServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *StatusServer) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("http shutdown error", slog.String("error", err.Error()))
	}
	s.wg.Wait()
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *StatusServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *StatusServer) handleProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Debug("encode progress", slog.String("error", err.Error()))
	}
}
