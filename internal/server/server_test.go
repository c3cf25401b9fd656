package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acheong08/deptags/internal/app"
	"github.com/acheong08/deptags/internal/config"
	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/metadata"
	"github.com/acheong08/deptags/internal/tags"
)

// gatedIndexer writes one symbol per path. When gate is set every call
// blocks until it is closed.
type gatedIndexer struct {
	gate    chan struct{}
	started chan struct{}

	mu    sync.Mutex
	calls int
	err   error
}

func (g *gatedIndexer) Index(_ context.Context, req tags.Request) error {
	g.mu.Lock()
	g.calls++
	err := g.err
	g.mu.Unlock()

	if g.started != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
	}
	if g.gate != nil {
		<-g.gate
	}
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, p := range req.Paths {
		b.WriteString("sym_" + filepath.Base(p) + "\tlib.rs\t1;\"\tf\n")
	}
	return os.WriteFile(req.Output, []byte(b.String()), 0o644)
}

func (g *gatedIndexer) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	dir     string
	indexer *gatedIndexer
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T, indexer *gatedIndexer) *fixture {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"app", "lib"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, "lib.rs"), []byte("fn "+name+"() {}\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "graph.json"), []byte(`{
  "roots": ["app"],
  "nodes": {
    "app": {"source_paths": ["app"], "dependencies": ["lib"]},
    "lib": {"source_paths": ["lib"]}
  }
}`), 0o644))

	cfg := config.Default()
	cfg.LockDir = filepath.Join(t.TempDir(), "locks")
	cfg.TempDir = t.TempDir()

	ctx := ctxlog.WithLogger(context.Background(), ctxlog.Discard())
	s := New(ctx, app.New(cfg, app.WithIndexer(indexer)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{dir: dir, indexer: indexer, server: s, http: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) buildMessage(force bool) Message {
	payload, _ := json.Marshal(BuildPayload{
		Dir:           f.dir,
		ForceRecreate: force,
		Graph:         filepath.Join(f.dir, "graph.json"),
	})
	return Message{Type: TypeBuild, Payload: payload}
}

// readUntil reads messages until one of type stop arrives.
func readUntil(t *testing.T, conn *websocket.Conn, stop MessageType) []Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var msgs []Message
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type == stop {
			return msgs
		}
	}
}

func ofType(msgs []Message, t MessageType) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func decode[T any](t *testing.T, msg Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &gatedIndexer{})

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, &gatedIndexer{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	msgs := readUntil(t, conn, TypePong)
	assert.Len(t, msgs, 1)
}

func TestBuildStreamsProgress(t *testing.T) {
	f := newFixture(t, &gatedIndexer{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(f.buildMessage(false)))
	msgs := readUntil(t, conn, TypeComplete)

	require.NotEmpty(t, msgs)
	assert.Equal(t, TypeRun, msgs[0].Type, "the run is announced first")
	run := decode[RunPayload](t, msgs[0])
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, f.dir, run.Dir)

	graphs := ofType(msgs, TypeGraph)
	require.Len(t, graphs, 1)
	g := decode[GraphPayload](t, graphs[0])
	assert.Equal(t, 2, g.Levels)
	assert.Equal(t, 1, g.EdgeCount)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "lib", g.Nodes[0].Name)
	assert.True(t, g.Nodes[1].IsRoot)

	var states []string
	for _, m := range ofType(msgs, TypeNodeStatus) {
		s := decode[NodeStatusPayload](t, m)
		states = append(states, s.Name+":"+s.State)
	}
	assert.Equal(t, []string{"lib:building", "lib:done", "app:building", "app:done"}, states)

	progress := ofType(msgs, TypeProgress)
	require.NotEmpty(t, progress)
	last := decode[ProgressPayload](t, progress[len(progress)-1])
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 2, last.Finished)

	assert.NotEmpty(t, ofType(msgs, TypeLog), "log records are forwarded")

	complete := decode[CompletePayload](t, msgs[len(msgs)-1])
	assert.True(t, complete.Success)
	assert.Equal(t, 2, complete.Counts["done"])
	assert.False(t, complete.Shared)

	assert.FileExists(t, filepath.Join(f.dir, "app", "deptags.vi"))

	// A second build on the same connection finds everything up to date.
	require.NoError(t, conn.WriteJSON(f.buildMessage(false)))
	msgs = readUntil(t, conn, TypeComplete)
	complete = decode[CompletePayload](t, msgs[len(msgs)-1])
	assert.Equal(t, 2, complete.Counts["skipped"])
}

func TestBuildReportsNodeFailures(t *testing.T) {
	f := newFixture(t, &gatedIndexer{err: &tags.GenerationError{Paths: []string{"lib"}, ExitCode: 1, Output: "boom"}})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(f.buildMessage(false)))
	msgs := readUntil(t, conn, TypeComplete)

	complete := decode[CompletePayload](t, msgs[len(msgs)-1])
	assert.True(t, complete.Success, "node failures do not fail the build")
	assert.ElementsMatch(t, []string{"lib", "app"}, complete.Failed)
	assert.Contains(t, complete.Message, "2 failed")
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{"unknown type", Message{Type: "analyze"}, "Unknown message type: analyze"},
		{"bad payload", Message{Type: TypeBuild, Payload: json.RawMessage(`"nope"`)}, "Failed to parse build request"},
		{"missing dir", Message{Type: TypeBuild, Payload: json.RawMessage(`{}`)}, "dir is required"},
		{"bad source", Message{Type: TypeBuild, Payload: json.RawMessage(`{"dir": "/x", "source": "maven"}`)}, "unknown metadata source"},
		{"bad graph", Message{Type: TypeBuild, Payload: json.RawMessage(`{"dir": "/x", "graph": "/x/missing.json"}`)}, "Build failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &gatedIndexer{})
			conn := f.dial(t)

			require.NoError(t, conn.WriteJSON(tt.msg))
			msgs := readUntil(t, conn, TypeError)
			e := decode[ErrorPayload](t, msgs[len(msgs)-1])
			assert.Contains(t, e.Message, tt.wantErr)
		})
	}
}

func TestOneBuildPerConnection(t *testing.T) {
	indexer := &gatedIndexer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, indexer)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(f.buildMessage(false)))
	<-indexer.started

	require.NoError(t, conn.WriteJSON(f.buildMessage(true)))
	msgs := readUntil(t, conn, TypeError)
	e := decode[ErrorPayload](t, msgs[len(msgs)-1])
	assert.Equal(t, "Build already in progress", e.Message)

	close(indexer.gate)
	readUntil(t, conn, TypeComplete)
}

func TestIdenticalBuildsAreCoalesced(t *testing.T) {
	indexer := &gatedIndexer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, indexer)
	first := f.dial(t)
	second := f.dial(t)

	require.NoError(t, first.WriteJSON(f.buildMessage(false)))
	<-indexer.started

	require.NoError(t, second.WriteJSON(f.buildMessage(false)))
	key := app.Request{Dir: f.dir, Source: metadata.KindAuto, Graph: filepath.Join(f.dir, "graph.json")}.Key()
	require.Eventually(t, func() bool {
		return f.server.subscribers(key) == 2
	}, 5*time.Second, 10*time.Millisecond)

	close(indexer.gate)

	msgs := readUntil(t, first, TypeComplete)
	assert.Equal(t, 2, decode[CompletePayload](t, msgs[len(msgs)-1]).Counts["done"])

	msgs = readUntil(t, second, TypeComplete)
	complete := decode[CompletePayload](t, msgs[len(msgs)-1])
	assert.True(t, complete.Shared)
	assert.Equal(t, 2, complete.Counts["done"])
	assert.NotEmpty(t, ofType(msgs, TypeNodeStatus), "joined clients receive the remaining events")

	assert.Equal(t, 2, indexer.count(), "the shared run indexes each node once")
	assert.Equal(t, 0, f.server.subscribers(key))
}

func TestForwardHandler(t *testing.T) {
	sender := &recordingSender{}
	logger := ctxlog.Discard()
	h := newForwardHandler(logger.Handler(), sender)

	l := slog.New(h).With("node", "serde")
	l.Debug("hidden")
	l.Info("creating tags", "path", "/x")
	l.Warn("careful")
	l.Error("broken", "error", errors.New("boom"))

	assert.Equal(t, []string{
		"info: creating tags node=serde path=/x",
		"warning: careful node=serde",
		"error: broken node=serde error=boom",
	}, sender.logs)
}

type recordingSender struct {
	mu   sync.Mutex
	logs []string
}

func (r *recordingSender) SendMessage(Message) {}

func (r *recordingSender) SendLog(message, level string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, level+": "+message)
}

func (r *recordingSender) SendProgress(int, int)   {}
func (r *recordingSender) SendError(string, error) {}

func TestProgressMessage(t *testing.T) {
	tests := []struct {
		finished, total, percent int
	}{
		{0, 4, 0},
		{1, 3, 33},
		{3, 3, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		p := decode[ProgressPayload](t, NewProgressMessage(tt.finished, tt.total))
		assert.Equal(t, tt.percent, p.Percent)
	}
}
