package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/acheong08/deptags/pkg/models"
)

// Cargo reads the dependency graph from `cargo metadata`.
type Cargo struct {
	Exe string
}

// NewCargo creates a cargo source using the cargo binary on PATH.
func NewCargo() *Cargo {
	return &Cargo{Exe: "cargo"}
}

// Load runs cargo metadata in dir and parses its output.
func (c *Cargo) Load(ctx context.Context, dir string) (*models.DependencyGraph, error) {
	cmd := exec.CommandContext(ctx, c.Exe, "metadata", "--format-version=1")
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("'%s' execution failed: %w; is '%s' correctly installed?", c.Exe, err, c.Exe)
		}
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("'%s metadata' failed: %s", c.Exe, output)
	}

	return ParseCargoMetadata(stdout.Bytes())
}

// ParseCargoMetadata builds a dependency graph from cargo metadata JSON
// (format version 1). Workspace members become the roots. Dev-only
// dependency edges are dropped: they may point back into the workspace.
func ParseCargoMetadata(data []byte) (*models.DependencyGraph, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse cargo metadata: invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if v := doc.Get("version"); v.Exists() && v.Int() != 1 {
		return nil, fmt.Errorf("unsupported cargo metadata version: %d (expected 1)", v.Int())
	}

	graph := models.NewDependencyGraph()

	// First pass: collect all packages
	for _, pkg := range doc.Get("packages").Array() {
		node, err := cargoNode(pkg)
		if err != nil {
			return nil, err
		}
		graph.AddNode(node)
	}

	// Second pass: dependency edges from the resolve graph
	for _, n := range doc.Get("resolve.nodes").Array() {
		node := graph.Node(n.Get("id").String())
		if node == nil {
			continue
		}
		node.Dependencies = cargoDeps(n)
	}

	for _, member := range doc.Get("workspace_members").Array() {
		graph.AddRoot(member.String())
	}
	if len(graph.Roots) == 0 {
		return nil, fmt.Errorf("cargo metadata lists no workspace members")
	}

	return graph, nil
}

func cargoNode(pkg gjson.Result) (*models.PackageNode, error) {
	id := pkg.Get("id").String()
	manifest := pkg.Get("manifest_path").String()
	if id == "" || manifest == "" {
		return nil, fmt.Errorf("failed to parse cargo metadata: package without id or manifest_path")
	}
	root := filepath.Dir(manifest)

	var dirs []string
	for _, target := range pkg.Get("targets").Array() {
		if !indexedTarget(target) {
			continue
		}
		dirs = append(dirs, filepath.Dir(target.Get("src_path").String()))
	}
	// Modules and src/bin targets sit below the lib dir; the node recurses.
	dirs = outermost(dirs)
	if len(dirs) == 0 {
		dirs = []string{root}
	}

	return &models.PackageNode{
		Package: models.Package{
			ID:      id,
			Name:    pkg.Get("name").String(),
			Version: pkg.Get("version").String(),
			Source:  pkg.Get("source").String(), // null for path dependencies
		},
		Root:        root,
		SourcePaths: dirs,
		Recursive:   true,
	}, nil
}

// indexedTarget reports whether a target holds library or binary code.
// Tests, benches, examples and build scripts are left out.
func indexedTarget(target gjson.Result) bool {
	if !target.Get("src_path").Exists() {
		return false
	}
	for _, kind := range target.Get("kind").Array() {
		switch kind.String() {
		case "test", "bench", "example", "custom-build":
			return false
		}
	}
	return true
}

func cargoDeps(node gjson.Result) []string {
	deps := node.Get("deps")
	if !deps.Exists() {
		// older cargo only reports plain ids
		var ids []string
		for _, id := range node.Get("dependencies").Array() {
			ids = append(ids, id.String())
		}
		return ids
	}

	var ids []string
	for _, dep := range deps.Array() {
		if devOnly(dep) {
			continue
		}
		ids = append(ids, dep.Get("pkg").String())
	}
	return ids
}

func devOnly(dep gjson.Result) bool {
	kinds := dep.Get("dep_kinds").Array()
	if len(kinds) == 0 {
		return false
	}
	for _, k := range kinds {
		if k.Get("kind").String() != "dev" {
			return false
		}
	}
	return true
}

// outermost drops duplicate directories and directories nested inside
// another listed one, keeping first-seen order.
func outermost(dirs []string) []string {
	var out []string
	for i, dir := range dirs {
		keep := true
		for j, other := range dirs {
			if i == j {
				continue
			}
			if other == dir && j < i {
				keep = false
				break
			}
			if other != dir && isWithin(dir, other) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, dir)
		}
	}
	return out
}

func isWithin(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != "." && !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
