// Package server exposes tag builds over a WebSocket. Clients send build
// requests and receive the run's graph, node states, logs and progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/acheong08/deptags/internal/app"
	"github.com/acheong08/deptags/internal/ctxlog"
)

// Server handles health checks and WebSocket build sessions. Identical
// builds requested concurrently share one run.
type Server struct {
	app      *app.App
	ctx      context.Context
	logger   *slog.Logger
	upgrader websocket.Upgrader

	group singleflight.Group
	mu    sync.Mutex
	runs  map[string]*broadcast
}

// New creates a server. Builds run under ctx, not under the requesting
// connection, since other connections may be waiting for the same run.
func New(ctx context.Context, a *app.App) *Server {
	return &Server{
		app:    a,
		ctx:    ctx,
		logger: ctxlog.FromContext(ctx),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		runs: make(map[string]*broadcast),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.serveWs)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := newClient(conn, s)

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// build runs req, or joins the identical run already in flight. The sender
// receives the run's messages from the moment it joins.
func (s *Server) build(req app.Request, sender ProgressSender) (*app.Report, bool, error) {
	if abs, err := filepath.Abs(req.Dir); err == nil {
		req.Dir = abs
	}
	key := req.Key()

	b := s.subscribe(key, sender)
	defer s.unsubscribe(key, b, sender)

	v, err, shared := s.group.Do(key, func() (any, error) {
		runID := uuid.NewString()
		logger := s.logger.With("run", runID)
		logger.Info("build started", "dir", req.Dir, "force", req.Force)

		b.SendMessage(NewRunMessage(runID, req.Dir))
		report, err := NewPipeline(s.app, b).Run(ctxlog.WithLogger(s.ctx, logger), req)
		if err != nil {
			logger.Error("build failed", "error", err)
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*app.Report), shared, nil
}

func (s *Server) subscribe(key string, sender ProgressSender) *broadcast {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.runs[key]
	if b == nil {
		b = &broadcast{}
		s.runs[key] = b
	}
	b.add(sender)
	return b
}

func (s *Server) unsubscribe(key string, b *broadcast, sender ProgressSender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.remove(sender) == 0 && s.runs[key] == b {
		delete(s.runs, key)
	}
}

// subscribers returns the number of senders attached to the run for key.
func (s *Server) subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.runs[key]; b != nil {
		return b.len()
	}
	return 0
}

// broadcast fans the messages of one run out to every waiting client.
type broadcast struct {
	mu      sync.Mutex
	senders []ProgressSender
}

func (b *broadcast) add(sender ProgressSender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders = append(b.senders, sender)
}

func (b *broadcast) remove(sender ProgressSender) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.senders {
		if s == sender {
			b.senders = append(b.senders[:i], b.senders[i+1:]...)
			break
		}
	}
	return len(b.senders)
}

func (b *broadcast) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.senders)
}

func (b *broadcast) each(fn func(ProgressSender)) {
	b.mu.Lock()
	senders := append([]ProgressSender(nil), b.senders...)
	b.mu.Unlock()
	for _, s := range senders {
		fn(s)
	}
}

func (b *broadcast) SendMessage(msg Message) {
	b.each(func(s ProgressSender) { s.SendMessage(msg) })
}

func (b *broadcast) SendLog(message, level string) {
	b.each(func(s ProgressSender) { s.SendLog(message, level) })
}

func (b *broadcast) SendProgress(finished, total int) {
	b.each(func(s ProgressSender) { s.SendProgress(finished, total) })
}

func (b *broadcast) SendError(message string, err error) {
	b.each(func(s ProgressSender) { s.SendError(message, err) })
}
