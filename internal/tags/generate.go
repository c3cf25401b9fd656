package tags

import (
	"context"
	"fmt"
	"os"
)

// RecursePolicy decides whether the indexer descends into subdirectories.
type RecursePolicy string

const (
	// RecurseAuto recurses when the node asks for it, or when more than
	// one source directory is given, as for a standard library scanned in
	// one pass.
	RecurseAuto   RecursePolicy = "auto"
	RecurseAlways RecursePolicy = "always"
	RecurseNever  RecursePolicy = "never"
)

// ParseRecursePolicy validates a recurse policy name.
func ParseRecursePolicy(s string) (RecursePolicy, error) {
	switch p := RecursePolicy(s); p {
	case "":
		return RecurseAuto, nil
	case RecurseAuto, RecurseAlways, RecurseNever:
		return p, nil
	default:
		return "", fmt.Errorf("unknown recurse policy %q (expected auto, always or never)", s)
	}
}

// Recurse applies the policy to a node's source paths. nested is set for
// nodes whose code lives in subdirectories, such as a crate's modules.
func (p RecursePolicy) Recurse(paths []string, nested bool) bool {
	switch p {
	case RecurseAlways:
		return true
	case RecurseNever:
		return false
	default:
		return nested || len(paths) > 1
	}
}

// Generator runs the indexer into a fresh temporary file and returns the
// result as a Buffer. It never writes to a node's published tags file.
type Generator struct {
	Indexer  Indexer
	Kind     Kind
	TempDir  string // "" means os.TempDir()
	Excludes []string
}

// NewGenerator creates a generator for the given indexer and tags format.
func NewGenerator(indexer Indexer, kind Kind, tempDir string, excludes []string) *Generator {
	return &Generator{
		Indexer:  indexer,
		Kind:     kind,
		TempDir:  tempDir,
		Excludes: excludes,
	}
}

// Generate indexes the source paths. Indexer failures are returned as
// *GenerationError or *ToolNotFoundError; filesystem failures as *IOError.
func (g *Generator) Generate(ctx context.Context, paths []string, recurse bool) (*Buffer, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no source paths to index")
	}

	tmp, err := os.CreateTemp(g.TempDir, "deptags-*.tags")
	if err != nil {
		return nil, ioErr("create temporary file in", g.tempDir(), err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	err = g.Indexer.Index(ctx, Request{
		Paths:    paths,
		Recurse:  recurse,
		Output:   tmpPath,
		Kind:     g.Kind,
		Excludes: g.Excludes,
	})
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, ioErr("read", tmpPath, err)
	}
	return NewBuffer(g.Kind, data), nil
}

func (g *Generator) tempDir() string {
	if g.TempDir == "" {
		return os.TempDir()
	}
	return g.TempDir
}
