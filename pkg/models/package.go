package models

// Package identifies a single dependency (or the root project) as reported
// by the build tool's metadata.
type Package struct {
	ID      string `json:"id" yaml:"id"`                               // "serde 1.0.188 (registry+https://...)"
	Name    string `json:"name" yaml:"name"`                           // "serde"
	Version string `json:"version,omitempty" yaml:"version,omitempty"` // "1.0.188"
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`   // registry/git locator, empty for local paths
}

// Versioned reports whether the package comes from an immutable, versioned
// source (registry or pinned git) rather than a local path.
func (p Package) Versioned() bool {
	return p.Version != "" && p.Source != ""
}

// PackageNode represents a package in the dependency graph
type PackageNode struct {
	Package      `yaml:",inline"`
	Root         string   `json:"root,omitempty" yaml:"root,omitempty"`           // directory holding the tags file
	SourcePaths  []string `json:"source_paths" yaml:"source_paths"`               // directories/files to index
	Recursive    bool     `json:"recursive,omitempty" yaml:"recursive,omitempty"` // source paths hold nested modules
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// TagsRoot returns the directory owning the node's tags file.
func (n *PackageNode) TagsRoot() string {
	if n.Root != "" {
		return n.Root
	}
	if len(n.SourcePaths) > 0 {
		return n.SourcePaths[0]
	}
	return ""
}

// DependencyGraph represents the complete dependency tree
type DependencyGraph struct {
	Roots []string                `json:"roots" yaml:"roots"`
	Nodes map[string]*PackageNode `json:"nodes" yaml:"nodes"` // keyed by ID
}

// NewDependencyGraph creates a new empty graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		Nodes: make(map[string]*PackageNode),
	}
}

// AddNode adds a package node to the graph
func (g *DependencyGraph) AddNode(node *PackageNode) {
	if g.Nodes == nil {
		g.Nodes = make(map[string]*PackageNode)
	}
	g.Nodes[node.ID] = node
}

// AddRoot marks an already added node as a requested project.
func (g *DependencyGraph) AddRoot(id string) {
	for _, root := range g.Roots {
		if root == id {
			return
		}
	}
	g.Roots = append(g.Roots, id)
}

// Node returns the node with the given ID, or nil.
func (g *DependencyGraph) Node(id string) *PackageNode {
	if g.Nodes == nil {
		return nil
	}
	return g.Nodes[id]
}

// EdgeCount returns the number of dependency edges in the graph.
func (g *DependencyGraph) EdgeCount() int {
	count := 0
	for _, node := range g.Nodes {
		count += len(node.Dependencies)
	}
	return count
}
