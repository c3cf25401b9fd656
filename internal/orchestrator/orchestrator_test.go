package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/graph"
	"github.com/acheong08/deptags/internal/identity"
	"github.com/acheong08/deptags/internal/lock"
	"github.com/acheong08/deptags/internal/tags"
)

// fakeGenerator emits one vi tag line per call, named after the first
// source directory.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	recurse map[string]bool
	fail    map[string]error
	hook    func(name string)
	running atomic.Int32
	peak    atomic.Int32
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: map[string]int{}, recurse: map[string]bool{}, fail: map[string]error{}}
}

func symbol(name string) string {
	return name + "_sym\t" + name + ".rs\t1;\"\tf\n"
}

func (f *fakeGenerator) Generate(_ context.Context, paths []string, recurse bool) (*tags.Buffer, error) {
	name := filepath.Base(paths[0])

	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[name]++
	f.recurse[name] = recurse
	err := f.fail[name]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	if err != nil {
		return nil, err
	}
	return tags.NewBuffer(tags.KindVi, []byte(symbol(name))), nil
}

func (f *fakeGenerator) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeGenerator) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fixture struct {
	t      *testing.T
	dir    string
	locker *lock.Locker
	gen    *fakeGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	locker, err := lock.New(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)
	return &fixture{t: t, dir: t.TempDir(), locker: locker, gen: newFakeGenerator()}
}

func (f *fixture) tree(name string, deps ...*graph.Tree) *graph.Tree {
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.MkdirAll(path, 0o755))
	return &graph.Tree{
		Node: &graph.Node{
			ID:          name,
			Name:        name,
			Hash:        identity.Sum(name),
			SourcePaths: []string{path},
			TagsPath:    filepath.Join(path, "deptags.vi"),
		},
		Deps: deps,
	}
}

func (f *fixture) orchestrator(opts Options, options ...Option) *Orchestrator {
	options = append([]Option{WithLogger(ctxlog.Discard())}, options...)
	return New(f.gen, f.locker, opts, options...)
}

func (f *fixture) assertNoLocks() {
	f.t.Helper()
	entries, err := f.locker.List()
	require.NoError(f.t, err)
	assert.Empty(f.t, entries, "no lock may outlive its build")
}

func readTags(t *testing.T, tree *graph.Tree) string {
	t.Helper()
	data, err := os.ReadFile(tree.Node.TagsPath)
	require.NoError(t, err)
	return string(data)
}

func stateOf(summary *Summary, node *graph.Node) State {
	for _, r := range summary.Results {
		if r.Node == node {
			return r.State
		}
	}
	return Pending
}

func tracking() Options {
	return Options{TrackChanges: true, Jobs: 4}
}

func TestSingleRootProducesRawIndexerOutput(t *testing.T) {
	f := newFixture(t)
	root := f.tree("app")

	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{root})
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, Done, summary.Results[0].State)
	assert.Equal(t, 1, f.gen.total())
	assert.Equal(t, symbol("app"), readTags(t, root))
	assert.FileExists(t, tags.StampPath(root.Node.TagsPath))
	f.assertNoLocks()
}

func TestMergeOrderOwnThenDependencies(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	b := f.tree("b")
	r := f.tree("r", a, b)

	_, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	assert.Equal(t, symbol("r")+symbol("a")+symbol("b"), readTags(t, r))
}

func TestTransitiveDependenciesAreIncluded(t *testing.T) {
	f := newFixture(t)
	c := f.tree("c")
	a := f.tree("a", c)
	r := f.tree("r", a)

	_, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	assert.Equal(t, symbol("a")+symbol("c"), readTags(t, a))
	assert.Equal(t, symbol("r")+symbol("a")+symbol("c"), readTags(t, r))
}

func TestSharedDependencyBuiltOnce(t *testing.T) {
	f := newFixture(t)
	c := f.tree("c")
	a := f.tree("a", c)
	b := f.tree("b", c)
	r := f.tree("r", a, b)
	s := f.tree("s", c)

	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r, s})
	require.NoError(t, err)

	assert.Len(t, summary.Results, 5)
	for _, name := range []string{"a", "b", "c", "r", "s"} {
		assert.Equal(t, 1, f.gen.callsFor(name), name)
	}
}

func TestSecondRunDoesNoWork(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	forest := []*graph.Tree{r}

	_, err := f.orchestrator(tracking()).Run(context.Background(), forest)
	require.NoError(t, err)
	before := readTags(t, r)

	summary, err := f.orchestrator(tracking()).Run(context.Background(), forest)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Count(Skipped))
	assert.Equal(t, 2, f.gen.total(), "the second run generates nothing")
	assert.Equal(t, before, readTags(t, r))
}

func TestFreshDependencySkippedRootBuilt(t *testing.T) {
	f := newFixture(t)
	d := f.tree("d")
	_, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{d})
	require.NoError(t, err)

	r := f.tree("r", d)
	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	assert.Equal(t, Skipped, stateOf(summary, d.Node))
	assert.Equal(t, Done, stateOf(summary, r.Node))
	assert.Equal(t, 1, f.gen.callsFor("d"))
	assert.Equal(t, symbol("r")+symbol("d"), readTags(t, r))
}

func TestForceRebuildsEverything(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	forest := []*graph.Tree{r}

	_, err := f.orchestrator(tracking()).Run(context.Background(), forest)
	require.NoError(t, err)

	opts := tracking()
	opts.Force = true
	summary, err := f.orchestrator(opts).Run(context.Background(), forest)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Count(Done))
	assert.Equal(t, 2, f.gen.callsFor("a"))
	assert.Equal(t, 2, f.gen.callsFor("r"))
}

func TestChangedDependencyInvalidatesDependents(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	_, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	// a new version of a, same root project
	a.Node.Hash = identity.Sum("a", "2.0")
	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	assert.Equal(t, Done, stateOf(summary, a.Node))
	assert.Equal(t, Done, stateOf(summary, r.Node), "the root's build key covers its dependencies")
}

func TestSaltChangeInvalidates(t *testing.T) {
	f := newFixture(t)
	r := f.tree("r")
	_, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	opts := tracking()
	opts.Salt = "emacs"
	summary, err := f.orchestrator(opts).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(Done))
}

func TestRecursiveNodesAreIndexedRecursively(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	a.Node.Recursive = true
	r := f.tree("r", a)

	opts := tracking()
	opts.Recurse = tags.RecurseAuto
	_, err := f.orchestrator(opts).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.True(t, f.gen.recurse["a"])
	assert.False(t, f.gen.recurse["r"])

	// the same sources indexed another way need new tags
	a.Node.Recursive = false
	summary, err := f.orchestrator(opts).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.Equal(t, Done, stateOf(summary, a.Node))
	assert.False(t, f.gen.recurse["a"])
}

func TestWithoutTrackingOnlyExistenceCounts(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	opts := Options{Jobs: 2}

	_, err := f.orchestrator(opts).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	a.Node.Hash = identity.Sum("a", "2.0")
	summary, err := f.orchestrator(opts).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count(Skipped))
}

func TestLockedElsewhereLeavesArtifactAlone(t *testing.T) {
	f := newFixture(t)
	d := f.tree("d")
	r := f.tree("r", d)

	token, ok, err := f.locker.TryAcquire(d.Node.Hash, "other process")
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	assert.Equal(t, LockedElsewhere, stateOf(summary, d.Node))
	assert.Zero(t, f.gen.callsFor("d"))
	assert.NoFileExists(t, d.Node.TagsPath)
	assert.FileExists(t, f.locker.Path(d.Node.Hash), "a foreign lock is never removed")

	require.Equal(t, Done, stateOf(summary, r.Node))
	assert.True(t, summary.Results[1].Incomplete)
	assert.Equal(t, symbol("r"), readTags(t, r))
	assert.NoFileExists(t, tags.StampPath(r.Node.TagsPath), "incomplete merges are not stamped")

	require.NoError(t, token.Release())

	summary, err = f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count(Done), "the unstamped root is rebuilt with its dependency")
	assert.Equal(t, symbol("r")+symbol("d"), readTags(t, r))
	f.assertNoLocks()
}

func TestConcurrentRunsBuildNodeOnce(t *testing.T) {
	f := newFixture(t)
	node := f.tree("shared")

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.gen.hook = func(string) {
		close(started)
		<-proceed
	}

	var wg sync.WaitGroup
	var first *Summary
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		first, err = f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{node})
		assert.NoError(t, err)
	}()
	<-started

	other := newFakeGenerator()
	second, err := New(other, f.locker, tracking(), WithLogger(ctxlog.Discard())).Run(context.Background(), []*graph.Tree{node})
	require.NoError(t, err)
	assert.Equal(t, LockedElsewhere, second.Results[0].State)
	assert.Zero(t, other.total())
	assert.NoFileExists(t, node.Node.TagsPath)

	close(proceed)
	wg.Wait()
	assert.Equal(t, Done, first.Results[0].State)
	assert.Equal(t, symbol("shared"), readTags(t, node))
	f.assertNoLocks()
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	b := f.tree("b")
	r := f.tree("r", a, b)
	u := f.tree("unrelated")
	f.gen.fail["a"] = &tags.GenerationError{Paths: a.Node.SourcePaths, ExitCode: 1, Output: "boom"}

	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r, u})
	require.NoError(t, err)

	failed := summary.Failed()
	require.Len(t, failed, 1)
	assert.Same(t, a.Node, failed[0].Node)
	var genErr *tags.GenerationError
	assert.ErrorAs(t, failed[0].Err, &genErr)

	assert.Equal(t, Done, stateOf(summary, b.Node))
	assert.Equal(t, Done, stateOf(summary, u.Node))
	assert.Equal(t, Done, stateOf(summary, r.Node))
	assert.Equal(t, symbol("r")+symbol("b"), readTags(t, r))
	assert.NoFileExists(t, tags.StampPath(r.Node.TagsPath))
	f.assertNoLocks()
}

func TestStaleDependencyArtifactDoesNotStampDependent(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	_, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	a.Node.Hash = identity.Sum("a", "2.0")
	f.gen.fail["a"] = errors.New("indexer crashed")
	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)

	assert.Equal(t, Failed, stateOf(summary, a.Node))
	assert.Equal(t, Done, stateOf(summary, r.Node))
	assert.Equal(t, symbol("r")+symbol("a"), readTags(t, r), "the previous artifact of a is still merged")
	assert.NoFileExists(t, tags.StampPath(r.Node.TagsPath))
}

func TestMissingIndexerAbortsRun(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	f.gen.fail["a"] = &tags.ToolNotFoundError{Tool: "ctags"}

	summary, err := f.orchestrator(tracking()).Run(context.Background(), []*graph.Tree{r})
	var notFound *tags.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.Zero(t, f.gen.callsFor("r"), "no later level is started")
	assert.Len(t, summary.Results, 1)
	f.assertNoLocks()
}

func TestCancelledContextStartsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.orchestrator(tracking()).Run(ctx, []*graph.Tree{f.tree("r")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Results)
	assert.Zero(t, f.gen.total())
}

func TestPoolIsBounded(t *testing.T) {
	f := newFixture(t)
	var leaves []*graph.Tree
	for _, name := range []string{"l1", "l2", "l3", "l4", "l5", "l6"} {
		leaves = append(leaves, f.tree(name))
	}
	f.gen.hook = func(string) { time.Sleep(20 * time.Millisecond) }

	summary, err := f.orchestrator(Options{Jobs: 2}).Run(context.Background(), leaves)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Count(Done))
	assert.LessOrEqual(t, f.gen.peak.Load(), int32(2))
}

func TestDependentsSeeFinishedDependencies(t *testing.T) {
	f := newFixture(t)
	c := f.tree("c")
	a := f.tree("a", c)
	b := f.tree("b", c)
	r := f.tree("r", a, b)

	f.gen.hook = func(name string) {
		switch name {
		case "a", "b":
			assert.FileExists(t, c.Node.TagsPath)
		case "r":
			assert.FileExists(t, a.Node.TagsPath)
			assert.FileExists(t, b.Node.TagsPath)
		}
	}

	summary, err := f.orchestrator(Options{TrackChanges: true, Jobs: 8}).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	for _, res := range summary.Results {
		assert.False(t, res.Incomplete, res.Node.Name)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	levels  int
	history map[string][]State
}

func (o *recordingObserver) RunStarted(levels [][]*graph.Tree) { o.levels = len(levels) }

func (o *recordingObserver) NodeStateChanged(node *graph.Node, state State, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.history == nil {
		o.history = map[string][]State{}
	}
	o.history[node.Name] = append(o.history[node.Name], state)
}

func TestObserverSeesTransitions(t *testing.T) {
	f := newFixture(t)
	a := f.tree("a")
	r := f.tree("r", a)
	observer := &recordingObserver{}

	_, err := f.orchestrator(tracking(), WithObserver(observer)).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.Equal(t, 2, observer.levels)
	assert.Equal(t, []State{Building, Done}, observer.history["a"])
	assert.Equal(t, []State{Building, Done}, observer.history["r"])

	observer.history = nil
	_, err = f.orchestrator(tracking(), WithObserver(observer)).Run(context.Background(), []*graph.Tree{r})
	require.NoError(t, err)
	assert.Equal(t, []State{Skipped}, observer.history["r"])
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Pending:         "pending",
		Skipped:         "skipped",
		LockedElsewhere: "locked",
		Building:        "building",
		Done:            "done",
		Failed:          "failed",
		State(42):       "unknown",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
	assert.True(t, Failed.Terminal())
	assert.False(t, Building.Terminal())
}
