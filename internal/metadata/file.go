package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/acheong08/deptags/pkg/models"
)

// File reads a serialized DependencyGraph from a local path or any URL the
// afs storage service can download (file://, http(s)://, s3://, ...).
type File struct {
	URL string
	fs  afs.Service
}

// NewFile creates a file source for the graph at location.
func NewFile(location string) *File {
	return &File{URL: location, fs: afs.New()}
}

// Load downloads and decodes the graph. YAML is used for .yaml and .yml
// locations, JSON otherwise. Relative source paths and roots are resolved
// against the graph file's directory for local files and against dir for
// remote ones.
func (f *File) Load(ctx context.Context, dir string) (*models.DependencyGraph, error) {
	data, err := f.fs.DownloadWithURL(ctx, f.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", f.URL, err)
	}

	graph, err := DecodeGraph(data, f.URL)
	if err != nil {
		return nil, err
	}

	base := dir
	if local, ok := localPath(f.URL); ok {
		base = filepath.Dir(local)
	}
	if base, err = filepath.Abs(base); err != nil {
		return nil, err
	}
	resolveRelative(graph, base)
	return graph, nil
}

// DecodeGraph decodes a serialized graph, choosing the format from the
// location's extension.
func DecodeGraph(data []byte, location string) (*models.DependencyGraph, error) {
	graph := models.NewDependencyGraph()

	switch strings.ToLower(path.Ext(location)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, graph); err != nil {
			return nil, fmt.Errorf("failed to parse graph file %s: %w", location, err)
		}
	default:
		if err := json.Unmarshal(data, graph); err != nil {
			return nil, fmt.Errorf("failed to parse graph file %s: %w", location, err)
		}
	}

	// map keys are authoritative for node IDs
	for id, node := range graph.Nodes {
		if node == nil {
			return nil, fmt.Errorf("graph file %s: node %q is empty", location, id)
		}
		if node.ID == "" {
			node.ID = id
		}
		if node.ID != id {
			return nil, fmt.Errorf("graph file %s: node key %q does not match id %q", location, id, node.ID)
		}
		if node.Name == "" {
			node.Name = id
		}
	}
	return graph, nil
}

func localPath(location string) (string, bool) {
	if strings.HasPrefix(location, "file://") {
		return strings.TrimPrefix(location, "file://"), true
	}
	if strings.Contains(location, "://") {
		return "", false
	}
	return location, true
}

func resolveRelative(graph *models.DependencyGraph, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, filepath.FromSlash(p))
	}
	for _, node := range graph.Nodes {
		node.Root = abs(node.Root)
		for i, p := range node.SourcePaths {
			node.SourcePaths[i] = abs(p)
		}
	}
}
