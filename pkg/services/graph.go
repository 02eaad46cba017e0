package services

import (
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
)

// Colour markers for the dependency walk.
const (
	colourWhite = iota // not visited
	colourGrey         // on the current path
	colourBlack        // fully explored
)

// dependencyGraph holds a user's blocks-edges as an arena of task ids plus
// an index map; walks work on integer indexes, never on pointers.
type dependencyGraph struct {
	ids   []uuid.UUID
	index map[uuid.UUID]int
	edges [][]int
}

// newDependencyGraph builds the graph from a per-task dependency listing.
// Edges point from a task to the tasks it depends on.
func newDependencyGraph(deps map[uuid.UUID][]*models.TaskDependency) *dependencyGraph {
	g := &dependencyGraph{index: make(map[uuid.UUID]int)}
	for taskID, list := range deps {
		from := g.node(taskID)
		for _, d := range list {
			if d.DependencyType != models.DependencyBlocks {
				continue
			}
			g.edges[from] = append(g.edges[from], g.node(d.DependsOnTaskID))
		}
	}
	return g
}

func (g *dependencyGraph) node(id uuid.UUID) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.edges = append(g.edges, nil)
	return i
}

// reaches reports whether `to` is reachable from `from` along dependency
// edges. An edge a→b is refused when b already reaches a.
func (g *dependencyGraph) reaches(from, to uuid.UUID) bool {
	start, ok := g.index[from]
	if !ok {
		return false
	}
	target, ok := g.index[to]
	if !ok {
		return false
	}
	seen := make([]bool, len(g.ids))
	stack := []int{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.edges[n]...)
	}
	return false
}

// findCycle scans the whole graph with a colour-marking depth-first walk
// and returns the task ids of one cycle, or nil when the graph is acyclic.
func (g *dependencyGraph) findCycle() []uuid.UUID {
	colour := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []uuid.UUID
	var walk func(n int) bool
	walk = func(n int) bool {
		colour[n] = colourGrey
		for _, m := range g.edges[n] {
			switch colour[m] {
			case colourWhite:
				parent[m] = n
				if walk(m) {
					return true
				}
			case colourGrey:
				// Back edge n→m closes a cycle through m.
				cycle = append(cycle, g.ids[m])
				for v := n; v != m && v != -1; v = parent[v] {
					cycle = append(cycle, g.ids[v])
				}
				return true
			}
		}
		colour[n] = colourBlack
		return false
	}

	for i := range g.ids {
		if colour[i] == colourWhite && walk(i) {
			return cycle
		}
	}
	return nil
}
