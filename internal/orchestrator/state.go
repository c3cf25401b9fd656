package orchestrator

import (
	"time"

	"github.com/acheong08/deptags/internal/graph"
)

// State is the build state of one node during a run.
type State int

const (
	Pending State = iota
	Skipped
	LockedElsewhere
	Building
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Skipped:
		return "skipped"
	case LockedElsewhere:
		return "locked"
	case Building:
		return "building"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a node in this state is finished for the run.
func (s State) Terminal() bool {
	switch s {
	case Skipped, LockedElsewhere, Done, Failed:
		return true
	default:
		return false
	}
}

// Result holds the outcome of a single node.
type Result struct {
	Node     *graph.Node
	State    State
	Err      error
	Duration time.Duration
	// Incomplete is set when the node was built but one of its dependency
	// artifacts was missing or stale, so no build stamp was recorded.
	Incomplete bool
}

// Summary holds the results of a run, dependencies before dependents.
type Summary struct {
	Results []Result
}

// Count returns the number of results in the given state.
func (s *Summary) Count(state State) int {
	n := 0
	for _, r := range s.Results {
		if r.State == state {
			n++
		}
	}
	return n
}

// Failed returns the results of nodes that failed.
func (s *Summary) Failed() []Result {
	var failed []Result
	for _, r := range s.Results {
		if r.State == Failed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Observer is notified as a run progresses. NodeStateChanged is called from
// worker goroutines and must be safe for concurrent use.
type Observer interface {
	RunStarted(levels [][]*graph.Tree)
	NodeStateChanged(node *graph.Node, state State, err error)
}

type nopObserver struct{}

func (nopObserver) RunStarted([][]*graph.Tree)                 {}
func (nopObserver) NodeStateChanged(*graph.Node, State, error) {}
