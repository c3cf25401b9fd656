// Package graph turns the raw dependency graph reported by a metadata source
// into the collapsed tree the orchestrator walks.
//
// Nodes sharing an identity hash are modelled once: a library reached along
// several paths is a single *Tree referenced by every dependent. Validation
// happens up front, so a returned forest is acyclic, every node has at least
// one existing source path and every dependency edge resolves.
package graph

import (
	"os"
	"path/filepath"

	"github.com/acheong08/deptags/internal/identity"
	"github.com/acheong08/deptags/pkg/models"
)

// Node is one buildable unit. It is immutable once Build returns.
type Node struct {
	ID          string
	Name        string // display name, not unique
	Version     string
	Hash        identity.Hash
	SourcePaths []string
	TagsPath    string
	IsRoot      bool
	Recursive   bool // index subdirectories of SourcePaths
}

// Tree is a node together with its direct dependencies in declared order.
type Tree struct {
	Node *Node
	Deps []*Tree
}

// Hasher computes the identity hash of a raw node.
type Hasher interface {
	Hash(node *models.PackageNode) (identity.Hash, error)
}

type color uint8

const (
	white color = iota // unvisited
	gray               // on the DFS stack
	black              // finished
)

type frame struct {
	id   string
	next int
}

// Build validates raw and returns one tree per distinct root, in the order the
// roots are listed. tagsFileName is joined to each node's tags root to form
// Node.TagsPath.
func Build(raw *models.DependencyGraph, hasher Hasher, tagsFileName string) ([]*Tree, error) {
	if raw == nil || len(raw.Roots) == 0 {
		return nil, graphErrorf(ErrInvalidGraph, "no root nodes")
	}
	if tagsFileName == "" {
		return nil, graphErrorf(ErrInvalidGraph, "empty tags file name")
	}

	roots := make(map[string]bool, len(raw.Roots))
	for _, id := range raw.Roots {
		roots[id] = true
	}

	colors := make(map[string]color, len(raw.Nodes))
	byID := make(map[string]*Tree, len(raw.Nodes))
	byHash := make(map[identity.Hash]*Tree, len(raw.Nodes))

	var forest []*Tree
	seenRoots := make(map[*Tree]bool, len(raw.Roots))

	for _, rootID := range raw.Roots {
		if raw.Node(rootID) == nil {
			return nil, graphErrorf(ErrUnknownNode, "root %q", rootID)
		}

		var stack []frame
		if colors[rootID] == white {
			stack = append(stack, frame{id: rootID})
		}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]

			if top.next == 0 && colors[top.id] == white {
				if err := validateNode(raw.Node(top.id)); err != nil {
					return nil, err
				}
				colors[top.id] = gray
			}

			node := raw.Node(top.id)
			if top.next < len(node.Dependencies) {
				depID := node.Dependencies[top.next]
				top.next++

				if raw.Node(depID) == nil {
					return nil, graphErrorf(ErrUnknownNode, "%q depends on %q", top.id, depID)
				}
				switch colors[depID] {
				case white:
					stack = append(stack, frame{id: depID})
				case gray:
					return nil, cycleError(cyclePath(stack, depID))
				}
				continue
			}

			tree, err := finish(node, hasher, tagsFileName, roots[top.id], byID, byHash)
			if err != nil {
				return nil, err
			}
			byID[top.id] = tree
			colors[top.id] = black
			stack = stack[:len(stack)-1]
		}

		if tree := byID[rootID]; !seenRoots[tree] {
			seenRoots[tree] = true
			forest = append(forest, tree)
		}
	}

	return forest, nil
}

func validateNode(node *models.PackageNode) error {
	if len(node.SourcePaths) == 0 {
		return graphErrorf(ErrNoSourcePath, "%q", node.ID)
	}
	for _, path := range node.SourcePaths {
		if _, err := os.Stat(path); err != nil {
			return graphErrorf(ErrNoSourcePath, "%q: %v", node.ID, err)
		}
	}
	return nil
}

// finish builds the tree of a node whose dependencies are all done, reusing
// an existing tree when another node already has the same hash.
func finish(node *models.PackageNode, hasher Hasher, tagsFileName string, isRoot bool, byID map[string]*Tree, byHash map[identity.Hash]*Tree) (*Tree, error) {
	hash, err := hasher.Hash(node)
	if err != nil {
		return nil, graphErrorf(ErrInvalidGraph, "hashing %q: %v", node.ID, err)
	}

	if existing, ok := byHash[hash]; ok {
		if isRoot {
			existing.Node.IsRoot = true
		}
		return existing, nil
	}

	tree := &Tree{
		Node: &Node{
			ID:          node.ID,
			Name:        node.Name,
			Version:     node.Version,
			Hash:        hash,
			SourcePaths: append([]string(nil), node.SourcePaths...),
			TagsPath:    filepath.Join(node.TagsRoot(), tagsFileName),
			IsRoot:      isRoot,
			Recursive:   node.Recursive,
		},
	}

	seen := make(map[*Tree]bool, len(node.Dependencies))
	for _, depID := range node.Dependencies {
		dep := byID[depID]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		tree.Deps = append(tree.Deps, dep)
	}

	byHash[hash] = tree
	return tree, nil
}

func cyclePath(stack []frame, target string) []string {
	start := 0
	for i, f := range stack {
		if f.id == target {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	return append(path, target)
}
