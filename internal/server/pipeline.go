package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/acheong08/deptags/internal/app"
	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/graph"
	"github.com/acheong08/deptags/internal/orchestrator"
)

// ProgressSender interface for sending progress updates
type ProgressSender interface {
	SendMessage(msg Message)
	SendLog(message, level string)
	SendProgress(finished, total int)
	SendError(message string, err error)
}

// Pipeline runs one tags build and reports its progress to a sender. It is
// the build's orchestrator.Observer.
type Pipeline struct {
	app    *app.App
	sender ProgressSender

	mu       sync.Mutex
	total    int
	finished int
}

// NewPipeline creates a new pipeline instance
func NewPipeline(a *app.App, sender ProgressSender) *Pipeline {
	return &Pipeline{app: a, sender: sender}
}

// Run executes the build. Log records of the run are forwarded to the sender
// as well as written to the context's logger.
func (p *Pipeline) Run(ctx context.Context, req app.Request) (*app.Report, error) {
	base := ctxlog.FromContext(ctx)
	logger := slog.New(newForwardHandler(base.Handler(), p.sender))
	ctx = ctxlog.WithLogger(ctx, logger)

	logger.Info(fmt.Sprintf("Starting tags build for %s", req.Dir))
	report, err := p.app.Run(ctx, req, p)
	if err != nil {
		return report, err
	}

	logger.Info(fmt.Sprintf("Tags build finished: %d done, %d skipped, %d failed",
		report.Counts[orchestrator.Done.String()],
		report.Counts[orchestrator.Skipped.String()],
		len(report.Failed())))
	return report, nil
}

// RunStarted sends the graph and resets the progress counters.
func (p *Pipeline) RunStarted(levels [][]*graph.Tree) {
	total := 0
	for _, level := range levels {
		total += len(level)
	}

	p.mu.Lock()
	p.total = total
	p.finished = 0
	p.mu.Unlock()

	p.sender.SendMessage(NewGraphMessage(levels))
	p.sender.SendProgress(0, total)
}

// NodeStateChanged forwards node states and advances the progress bar when
// a node reaches a terminal state.
func (p *Pipeline) NodeStateChanged(node *graph.Node, state orchestrator.State, err error) {
	p.sender.SendMessage(NewNodeStatusMessage(node, state, err))
	if !state.Terminal() {
		return
	}

	p.mu.Lock()
	// the standard library pass reports before the run starts
	if p.total == 0 {
		p.mu.Unlock()
		return
	}
	p.finished++
	finished, total := p.finished, p.total
	p.mu.Unlock()

	p.sender.SendProgress(finished, total)
}

// forwardHandler passes records to the wrapped handler and sends them to the
// client as log messages.
type forwardHandler struct {
	next   slog.Handler
	sender ProgressSender
	attrs  []slog.Attr
}

func newForwardHandler(next slog.Handler, sender ProgressSender) *forwardHandler {
	return &forwardHandler{next: next, sender: sender}
}

func (h *forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		h.sender.SendLog(formatRecord(r, h.attrs), levelName(r.Level))
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &forwardHandler{
		next:   h.next.WithAttrs(attrs),
		sender: h.sender,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *forwardHandler) WithGroup(name string) slog.Handler {
	return &forwardHandler{next: h.next.WithGroup(name), sender: h.sender, attrs: h.attrs}
}

func formatRecord(r slog.Record, attrs []slog.Attr) string {
	msg := r.Message
	for _, a := range attrs {
		msg += " " + a.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.String()
		return true
	})
	return msg
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warning"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
