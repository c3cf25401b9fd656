package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/acheong08/deptags/pkg/models"
)

// RootID is the node ID of the project itself in npm graphs.
const RootID = "."

// PackageLock represents the package-lock.json structure of lockfile
// versions 2 and 3.
type PackageLock struct {
	Name            string                        `json:"name"`
	Version         string                        `json:"version"`
	LockfileVersion int                           `json:"lockfileVersion"`
	Packages        map[string]PackageLockPackage `json:"packages"`
}

// PackageLockPackage represents a single package entry in lockfile
type PackageLockPackage struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Resolved             string            `json:"resolved"`
	Integrity            string            `json:"integrity"`
	Link                 bool              `json:"link"`
	Dev                  bool              `json:"dev"`
	Optional             bool              `json:"optional"`
	DevOptional          bool              `json:"devOptional"`
	Dependencies         map[string]string `json:"dependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
}

// NPM reads the dependency graph from package-lock.json and the installed
// node_modules tree.
type NPM struct{}

// NewNPM creates an npm source.
func NewNPM() *NPM {
	return &NPM{}
}

// Load finds the closest package-lock.json at or above dir and parses it.
func (n *NPM) Load(_ context.Context, dir string) (*models.DependencyGraph, error) {
	root, err := findUp(dir, "package-lock.json")
	if err != nil {
		return nil, err
	}
	return ParseLockfile(filepath.Join(root, "package-lock.json"))
}

// ParseLockfile parses a package-lock.json file into a DependencyGraph. Each
// lockfile path key ("node_modules/a/node_modules/b") is one node; the
// project itself is RootID. Dependencies are resolved the way Node resolves
// them: the nearest enclosing node_modules wins.
func ParseLockfile(lockfilePath string) (*models.DependencyGraph, error) {
	data, err := os.ReadFile(lockfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}

	var lockfile PackageLock
	if err := json.Unmarshal(data, &lockfile); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}
	if lockfile.LockfileVersion < 2 {
		return nil, fmt.Errorf("unsupported lockfile version: %d (expected 2 or 3)", lockfile.LockfileVersion)
	}

	rootPkg, ok := lockfile.Packages[""]
	if !ok {
		return nil, fmt.Errorf("root package not found in lockfile")
	}

	projectDir := filepath.Dir(lockfilePath)
	dropped := droppedPackages(projectDir, lockfile.Packages)
	graph := models.NewDependencyGraph()

	// First pass: collect all packages
	for path, pkg := range lockfile.Packages {
		if path == "" || pkg.Link || dropped[path] {
			continue
		}
		name := pkg.Name
		if name == "" {
			name = extractPackageName(path)
		}
		if name == "" {
			continue
		}

		dir := filepath.Join(projectDir, filepath.FromSlash(path))
		graph.AddNode(&models.PackageNode{
			Package: models.Package{
				ID:      path,
				Name:    name,
				Version: pkg.Version,
				Source:  pkg.Resolved,
			},
			SourcePaths: []string{dir},
		})
	}

	// Root node: the project, with its dev dependencies
	root := models.Package{ID: RootID, Name: rootPkg.Name, Version: rootPkg.Version}
	if root.Name == "" {
		root.Name = lockfile.Name
	}
	if pj, err := ParsePackageJSON(filepath.Join(projectDir, "package.json")); err == nil && pj.Name != "" {
		root = pj.ToPackage()
	}
	if root.Name == "" {
		root.Name = filepath.Base(projectDir)
	}
	graph.AddNode(&models.PackageNode{
		Package:     root,
		SourcePaths: []string{projectDir},
	})
	graph.AddRoot(RootID)

	// Second pass: dependency edges
	for _, node := range graph.Nodes {
		key := node.ID
		if key == RootID {
			key = ""
		}
		pkg := lockfile.Packages[key]

		names := depNames(pkg.Dependencies, pkg.OptionalDependencies)
		if key == "" {
			names = depNames(pkg.Dependencies, pkg.OptionalDependencies, pkg.DevDependencies)
		}

		for _, name := range names {
			target, ok := resolvePackage(lockfile.Packages, key, name)
			if !ok || dropped[target] {
				continue
			}
			if graph.Node(target) == nil {
				continue
			}
			node.Dependencies = append(node.Dependencies, target)
		}
	}

	breakCycles(graph, RootID)
	return graph, nil
}

// breakCycles removes the edges that close a dependency cycle, which npm
// allows between packages. The first edge reached by a depth-first walk from
// root is kept.
func breakCycles(graph *models.DependencyGraph, root string) {
	const (
		onStack = 1
		done    = 2
	)
	type frame struct {
		id   string
		next int
	}

	marks := map[string]int{root: onStack}
	stack := []frame{{id: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		node := graph.Node(top.id)
		if top.next >= len(node.Dependencies) {
			marks[top.id] = done
			stack = stack[:len(stack)-1]
			continue
		}

		dep := node.Dependencies[top.next]
		switch marks[dep] {
		case onStack:
			node.Dependencies = append(node.Dependencies[:top.next], node.Dependencies[top.next+1:]...)
		case done:
			top.next++
		default:
			top.next++
			marks[dep] = onStack
			stack = append(stack, frame{id: dep})
		}
	}
}

// droppedPackages returns the lockfile entries that are optional or dev
// packages not present on disk, such as platform specific binaries.
func droppedPackages(projectDir string, packages map[string]PackageLockPackage) map[string]bool {
	dropped := make(map[string]bool)
	for path, pkg := range packages {
		if path == "" || !(pkg.Optional || pkg.DevOptional || pkg.Dev) {
			continue
		}
		if _, err := os.Stat(filepath.Join(projectDir, filepath.FromSlash(path))); err != nil {
			dropped[path] = true
		}
	}
	return dropped
}

// resolvePackage finds the lockfile key a package at from sees for name,
// following workspace links.
func resolvePackage(packages map[string]PackageLockPackage, from, name string) (string, bool) {
	base := from
	for {
		candidate := "node_modules/" + name
		if base != "" {
			candidate = base + "/node_modules/" + name
		}
		if pkg, ok := packages[candidate]; ok {
			if pkg.Link && pkg.Resolved != "" {
				return pkg.Resolved, true
			}
			return candidate, true
		}
		if base == "" {
			return "", false
		}

		i := strings.LastIndex(base, "node_modules/")
		if i < 0 {
			base = ""
		} else {
			base = strings.TrimSuffix(base[:i], "/")
		}
	}
}

func depNames(maps ...map[string]string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range maps {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// extractPackageName extracts the package name from a node_modules path
func extractPackageName(path string) string {
	// Handle scoped packages: node_modules/@scope/name
	parts := strings.Split(path, "node_modules/")
	if len(parts) < 2 {
		return ""
	}

	// Get the last part after node_modules/
	name := parts[len(parts)-1]

	// Remove any trailing node_modules references
	if idx := strings.Index(name, "/node_modules/"); idx != -1 {
		name = name[:idx]
	}

	return name
}
