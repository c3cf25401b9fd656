// Package app wires the metadata sources, the graph model, the lock
// coordinator, the indexer and the orchestrator into one tag build. Both
// binaries run builds through it.
package app

import (
	"context"
	"fmt"

	"github.com/acheong08/deptags/internal/config"
	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/graph"
	"github.com/acheong08/deptags/internal/identity"
	"github.com/acheong08/deptags/internal/lock"
	"github.com/acheong08/deptags/internal/metadata"
	"github.com/acheong08/deptags/internal/orchestrator"
	"github.com/acheong08/deptags/internal/tags"
)

// Request describes one build.
type Request struct {
	Dir    string        `json:"dir"`
	Force  bool          `json:"force_recreate"`
	Source metadata.Kind `json:"source,omitempty"`
	Graph  string        `json:"graph,omitempty"`
}

// Key identifies requests that would do the same work.
func (r Request) Key() string {
	return fmt.Sprintf("%s|%t|%s|%s", r.Dir, r.Force, r.Source, r.Graph)
}

// App runs tag builds with a fixed configuration.
type App struct {
	cfg     *config.Config
	indexer tags.Indexer
}

// Option customises an App.
type Option func(*App)

// WithIndexer replaces the ctags lookup with the given indexer.
func WithIndexer(indexer tags.Indexer) Option {
	return func(a *App) {
		a.indexer = indexer
	}
}

// New creates an App. The configuration is expected to be validated.
func New(cfg *config.Config, options ...Option) *App {
	a := &App{cfg: cfg}
	for _, option := range options {
		option(a)
	}
	return a
}

// Config returns the configuration the App runs with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Plan loads the dependency graph of the project and builds its tree model.
func (a *App) Plan(ctx context.Context, req Request) ([]*graph.Tree, error) {
	logger := ctxlog.FromContext(ctx)

	src, err := metadata.Resolve(req.Source, req.Graph, req.Dir)
	if err != nil {
		return nil, err
	}
	raw, err := src.Load(ctx, req.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency graph: %w", err)
	}
	logger.Debug("loaded dependency graph", "nodes", len(raw.Nodes), "edges", raw.EdgeCount(), "roots", len(raw.Roots))

	hasher := identity.NewHasher(a.cfg.HashExcludes()...)
	forest, err := graph.Build(raw, hasher, a.cfg.TagsFileName())
	if err != nil {
		return nil, err
	}
	for _, n := range graph.Nodes(forest) {
		logger.Debug("planned node", "node", n.Name, "hash", n.Hash.String(), "sources", len(n.SourcePaths), "recursive", n.Recursive)
	}
	return forest, nil
}

// Run builds the tags of the project described by req: the standard library
// pass first when configured, then every node of the dependency forest.
// Per-node failures are part of the report; the error is reserved for
// failures that stop the run.
func (a *App) Run(ctx context.Context, req Request, observer orchestrator.Observer) (*Report, error) {
	logger := ctxlog.FromContext(ctx)

	forest, err := a.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	orch, err := a.orchestrator(ctx, req, observer)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if a.cfg.StdlibSrc != "" {
		res, err := orch.BuildStdlib(ctx, orchestrator.StdlibPass{
			Root:         a.cfg.StdlibSrc,
			Subdirs:      a.cfg.StdlibDirs,
			TagsFileName: a.cfg.TagsFileName(),
		})
		report.Stdlib = newNodeReport(res)
		if err != nil {
			return report, err
		}
	}

	logger.Info("creating tags", "nodes", graph.Count(forest), "force", req.Force)
	summary, err := orch.Run(ctx, forest)
	report.add(summary)
	return report, err
}

func (a *App) orchestrator(ctx context.Context, req Request, observer orchestrator.Observer) (*orchestrator.Orchestrator, error) {
	indexer := a.indexer
	if indexer == nil {
		ctags, err := tags.FindCtags(a.cfg.CtagsExe, a.cfg.CtagsOptions)
		if err != nil {
			return nil, err
		}
		indexer = ctags
	}

	locker, err := lock.New(a.cfg.LockDir)
	if err != nil {
		return nil, err
	}

	gen := tags.NewGenerator(indexer, a.cfg.Kind(), a.cfg.TempDir, a.cfg.IndexerExcludes())
	return orchestrator.New(gen, locker, orchestrator.Options{
		Force:        req.Force,
		Jobs:         a.cfg.Jobs,
		TrackChanges: a.cfg.TrackChanges,
		Salt:         a.cfg.Salt(),
		Recurse:      a.cfg.RecursePolicy(),
	},
		orchestrator.WithObserver(observer),
		orchestrator.WithLogger(ctxlog.FromContext(ctx)),
	), nil
}
