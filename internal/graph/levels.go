package graph

// Levels groups the distinct trees of a forest by height: leaves are level 0
// and every tree sits one level above its tallest dependency. Within a level
// trees appear in post-order of a depth-first walk of the forest, so the
// result is the same for the same input.
func Levels(forest []*Tree) [][]*Tree {
	heights := make(map[*Tree]int)
	var levels [][]*Tree

	postOrder(forest, func(t *Tree) {
		h := 0
		for _, dep := range t.Deps {
			if dh := heights[dep] + 1; dh > h {
				h = dh
			}
		}
		heights[t] = h
		for len(levels) <= h {
			levels = append(levels, nil)
		}
		levels[h] = append(levels[h], t)
	})

	return levels
}

// Count returns the number of distinct nodes in a forest.
func Count(forest []*Tree) int {
	n := 0
	postOrder(forest, func(*Tree) { n++ })
	return n
}

// Nodes returns the distinct nodes of a forest, dependencies first.
func Nodes(forest []*Tree) []*Node {
	var nodes []*Node
	postOrder(forest, func(t *Tree) { nodes = append(nodes, t.Node) })
	return nodes
}

type treeFrame struct {
	tree *Tree
	next int
}

// postOrder calls visit once per distinct tree, after all of its
// dependencies. The walk uses an explicit stack.
func postOrder(forest []*Tree, visit func(*Tree)) {
	done := make(map[*Tree]bool)
	for _, root := range forest {
		if done[root] {
			continue
		}
		stack := []treeFrame{{tree: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.tree.Deps) {
				dep := top.tree.Deps[top.next]
				top.next++
				if !done[dep] {
					stack = append(stack, treeFrame{tree: dep})
				}
				continue
			}
			if !done[top.tree] {
				done[top.tree] = true
				visit(top.tree)
			}
			stack = stack[:len(stack)-1]
		}
	}
}
