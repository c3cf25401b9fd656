package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/acheong08/deptags/internal/graph"
	"github.com/acheong08/deptags/internal/identity"
	"github.com/acheong08/deptags/internal/tags"
)

// StdlibPass describes the standard library tags build. Its artifact lives
// next to the library source and is not merged into any node.
type StdlibPass struct {
	Root         string
	Subdirs      []string // candidate dirs relative to Root; empty means every immediate subdirectory
	TagsFileName string
}

// Node returns the pseudo node used for locking and reporting.
func (p StdlibPass) Node() (*graph.Node, error) {
	paths, err := p.sourcePaths()
	if err != nil {
		return nil, err
	}
	return &graph.Node{
		ID:          "stdlib:" + p.Root,
		Name:        "standard library",
		Hash:        identity.Sum("stdlib", p.Root),
		SourcePaths: paths,
		TagsPath:    filepath.Join(p.Root, p.TagsFileName),
	}, nil
}

func (p StdlibPass) sourcePaths() ([]string, error) {
	if len(p.Subdirs) > 0 {
		// library layouts differ between releases; only the dirs present count
		var paths []string
		for _, sub := range p.Subdirs {
			path := filepath.Join(p.Root, sub)
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				paths = append(paths, path)
			}
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("none of the standard library directories %v exist in '%s'", p.Subdirs, p.Root)
		}
		return paths, nil
	}

	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read standard library source: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			paths = append(paths, filepath.Join(p.Root, entry.Name()))
		}
	}
	if len(paths) == 0 {
		paths = []string{p.Root}
	}
	return paths, nil
}

// BuildStdlib builds the standard library tags. A failure is reported in the
// result like any node failure; only a missing indexer is returned as error.
func (o *Orchestrator) BuildStdlib(ctx context.Context, pass StdlibPass) (Result, error) {
	logger := o.loggerFor(ctx)
	start := time.Now()

	node, err := pass.Node()
	if err != nil {
		return Result{Node: &graph.Node{Name: "standard library", TagsPath: filepath.Join(pass.Root, pass.TagsFileName)}, State: Failed, Err: err}, nil
	}
	logger = logger.With("node", node.Name, "path", node.TagsPath)

	finish := func(state State, err error) Result {
		o.observer.NodeStateChanged(node, state, err)
		return Result{Node: node, State: state, Err: err, Duration: time.Since(start)}
	}

	if !o.opts.Force && fileExists(node.TagsPath) {
		logger.Debug("standard library tags exist")
		return finish(Skipped, nil), nil
	}

	var buildErr error
	ok, err := o.locker.With(node.Hash, node.Name, func() error {
		o.observer.NodeStateChanged(node, Building, nil)
		logger.Info("creating standard library tags", "dirs", len(node.SourcePaths))

		buf, err := o.gen.Generate(ctx, node.SourcePaths, o.opts.Recurse.Recurse(node.SourcePaths, false))
		if err == nil {
			err = tags.Promote(buf, node.TagsPath)
		}
		buildErr = err
		return nil
	})
	if err != nil && !ok {
		return finish(Failed, fmt.Errorf("failed to acquire lock: %w", err)), nil
	}
	if err != nil {
		logger.Warn("failed to release lock", "error", err)
	}
	if !ok {
		logger.Info(fmt.Sprintf("Already creating tags for '%s', if this isn't the case remove the lock file '%s'",
			node.Name, o.locker.Path(node.Hash)))
		return finish(LockedElsewhere, nil), nil
	}
	if buildErr != nil {
		logger.Error("failed to create standard library tags", "error", buildErr)
		var notFound *tags.ToolNotFoundError
		if errors.As(buildErr, &notFound) {
			return finish(Failed, buildErr), buildErr
		}
		return finish(Failed, buildErr), nil
	}
	return finish(Done, nil), nil
}
