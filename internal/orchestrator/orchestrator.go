package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/graph"
	"github.com/acheong08/deptags/internal/identity"
	"github.com/acheong08/deptags/internal/lock"
	"github.com/acheong08/deptags/internal/tags"
)

// TagGenerator runs the indexer over a node's source paths.
type TagGenerator interface {
	Generate(ctx context.Context, paths []string, recurse bool) (*tags.Buffer, error)
}

// LockCoordinator hands out the cross-process per-node locks.
type LockCoordinator interface {
	TryAcquire(h identity.Hash, name string) (*lock.Token, bool, error)
	With(h identity.Hash, name string, fn func() error) (bool, error)
	Path(h identity.Hash) string
}

// Options configures a run.
type Options struct {
	Force        bool // rebuild every node regardless of existing artifacts
	Jobs         int  // worker limit, <= 0 means runtime.NumCPU()
	TrackChanges bool // compare build stamps in addition to artifact existence
	Salt         string
	Recurse      tags.RecursePolicy
}

// Orchestrator builds the tags of a dependency forest bottom-up.
type Orchestrator struct {
	gen      TagGenerator
	locker   LockCoordinator
	opts     Options
	observer Observer
	logger   *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers an observer for state changes.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithLogger sets the logger. Without it the logger is taken from the
// context passed to Run.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator.
func New(gen TagGenerator, locker LockCoordinator, opts Options, options ...Option) *Orchestrator {
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	o := &Orchestrator{
		gen:      gen,
		locker:   locker,
		opts:     opts,
		observer: nopObserver{},
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// Run builds every node of the forest. Levels are processed in height order:
// all nodes of a level run on the bounded pool, and the next level starts
// only once the previous one finished, so a dependency's artifact is final
// before any dependent merges it.
//
// Per-node failures are recorded in the summary and never stop other nodes.
// The returned error is non-nil only for failures that make the whole run
// pointless: a missing indexer or a cancelled context. Nodes already
// building finish first; no further level is started.
func (o *Orchestrator) Run(ctx context.Context, forest []*graph.Tree) (*Summary, error) {
	logger := o.loggerFor(ctx)
	levels := graph.Levels(forest)
	o.observer.RunStarted(levels)

	keys := buildKeys(levels, o.opts.Salt)
	states := make(map[*graph.Tree]State, len(keys))
	summary := &Summary{Results: make([]Result, 0, len(keys))}

	logger.Debug("starting tags build", "nodes", len(keys), "levels", len(levels), "jobs", o.opts.Jobs)

	for height, level := range levels {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		g := new(errgroup.Group)
		g.SetLimit(o.opts.Jobs)
		results := make([]Result, len(level))

		for i, tree := range level {
			i, tree := i, tree
			g.Go(func() error {
				results[i] = o.buildNode(ctx, logger, tree, keys[tree], states)
				var notFound *tags.ToolNotFoundError
				if errors.As(results[i].Err, &notFound) {
					return notFound
				}
				return nil
			})
		}

		err := g.Wait()
		for i, tree := range level {
			states[tree] = results[i].State
		}
		summary.Results = append(summary.Results, results...)
		if err != nil {
			return summary, err
		}
		logger.Debug("level finished", "level", height, "nodes", len(level))
	}

	return summary, nil
}

// buildKeys derives the build key of every tree from its own hash and the
// keys of its dependencies. Levels are in height order, so dependency keys
// are always computed first.
func buildKeys(levels [][]*graph.Tree, salt string) map[*graph.Tree]identity.Hash {
	keys := make(map[*graph.Tree]identity.Hash)
	for _, level := range levels {
		for _, tree := range level {
			deps := make([]identity.Hash, 0, len(tree.Deps))
			for _, dep := range tree.Deps {
				deps = append(deps, keys[dep])
			}
			nodeSalt := salt
			if tree.Node.Recursive {
				nodeSalt += "\x00recursive"
			}
			keys[tree] = identity.Combine(tree.Node.Hash, nodeSalt, deps...)
		}
	}
	return keys
}

// buildNode runs the per-node pipeline. states holds the final states of all
// lower levels and is only read here.
func (o *Orchestrator) buildNode(ctx context.Context, logger *slog.Logger, tree *graph.Tree, key identity.Hash, states map[*graph.Tree]State) Result {
	node := tree.Node
	logger = logger.With("node", node.Name, "hash", node.Hash.String())
	start := time.Now()

	result := func(state State, err error) Result {
		o.observer.NodeStateChanged(node, state, err)
		return Result{Node: node, State: state, Err: err, Duration: time.Since(start)}
	}

	if o.upToDate(logger, node.TagsPath, key) {
		logger.Debug("tags up to date", "path", node.TagsPath)
		return result(Skipped, nil)
	}

	token, ok, err := o.locker.TryAcquire(node.Hash, node.Name)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		return result(Failed, fmt.Errorf("failed to acquire lock: %w", err))
	}
	if !ok {
		logger.Info(fmt.Sprintf("Already creating tags for '%s', if this isn't the case remove the lock file '%s'",
			node.Name, o.locker.Path(node.Hash)))
		return result(LockedElsewhere, nil)
	}
	defer func() {
		if err := token.Release(); err != nil {
			logger.Warn("failed to release lock", "path", token.Path(), "error", err)
		}
	}()

	o.observer.NodeStateChanged(node, Building, nil)
	logger.Info("creating tags", "path", node.TagsPath)

	incomplete, err := o.generateAndPublish(ctx, logger, tree, key, states)
	if err != nil {
		logger.Error("failed to create tags", "error", err)
		return result(Failed, err)
	}

	res := result(Done, nil)
	res.Incomplete = incomplete
	return res
}

func (o *Orchestrator) generateAndPublish(ctx context.Context, logger *slog.Logger, tree *graph.Tree, key identity.Hash, states map[*graph.Tree]State) (incomplete bool, err error) {
	node := tree.Node

	own, err := o.gen.Generate(ctx, node.SourcePaths, o.opts.Recurse.Recurse(node.SourcePaths, node.Recursive))
	if err != nil {
		return false, err
	}

	depPaths := make([]string, 0, len(tree.Deps))
	for _, dep := range tree.Deps {
		switch states[dep] {
		case Failed, LockedElsewhere:
			incomplete = true
		}
		if !fileExists(dep.Node.TagsPath) {
			incomplete = true
			logger.Warn("dependency tags missing, merging without them",
				"dependency", dep.Node.Name, "path", dep.Node.TagsPath)
			continue
		}
		depPaths = append(depPaths, dep.Node.TagsPath)
	}

	merged, err := tags.Merge(own, depPaths)
	if err != nil {
		return incomplete, err
	}
	if err := tags.Promote(merged, node.TagsPath); err != nil {
		return incomplete, err
	}

	if incomplete {
		if err := tags.RemoveStamp(node.TagsPath); err != nil {
			logger.Warn("failed to remove build stamp", "error", err)
		}
		return incomplete, nil
	}
	if err := tags.WriteStamp(node.TagsPath, key); err != nil {
		logger.Warn("failed to write build stamp", "error", err)
	}
	return false, nil
}

// upToDate reports whether a node's published artifact can be reused.
func (o *Orchestrator) upToDate(logger *slog.Logger, tagsPath string, key identity.Hash) bool {
	if o.opts.Force || !fileExists(tagsPath) {
		return false
	}
	if !o.opts.TrackChanges {
		return true
	}

	stamp, ok, err := tags.ReadStamp(tagsPath)
	if err != nil {
		logger.Debug("unreadable build stamp", "error", err)
		return false
	}
	return ok && stamp == key
}

func (o *Orchestrator) loggerFor(ctx context.Context) *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return ctxlog.FromContext(ctx)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
