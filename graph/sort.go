package graph

import (
	"container/heap"
	"slices"

	fv "github.com/gofhir/uploader"
)

// Plan is a dependency-respecting upload order.
type Plan struct {
	// Order lists every node; dependencies always come first.
	Order []fv.Key

	// Depth is 0 for nodes without dependencies, else 1 + the deepest dependency.
	Depth map[fv.Key]int

	// Deps are the internal dependencies of each node, in key order.
	Deps map[fv.Key][]fv.Key

	position map[fv.Key]int
}

// Len returns the number of planned resources.
func (p *Plan) Len() int { return len(p.Order) }

// Position returns the 1-based position of k in the plan, or 0.
func (p *Plan) Position(k fv.Key) int {
	return p.position[k]
}

// MaxDepth returns the largest depth in the plan.
func (p *Plan) MaxDepth() int {
	maxDepth := 0
	for _, d := range p.Depth {
		maxDepth = max(maxDepth, d)
	}
	return maxDepth
}

// Sort returns the upload plan, or the *fv.CycleError found by FindCycle.
//
// Among nodes whose dependencies are all placed, the smallest key goes next.
// The result therefore depends only on the graph, never on input order.
func (g *Graph) Sort() (*Plan, error) {
	if err := g.FindCycle(); err != nil {
		return nil, err
	}

	plan := &Plan{
		Order:    make([]fv.Key, 0, len(g.keys)),
		Depth:    make(map[fv.Key]int, len(g.keys)),
		Deps:     make(map[fv.Key][]fv.Key, len(g.keys)),
		position: make(map[fv.Key]int, len(g.keys)),
	}

	pending := make(map[fv.Key]int, len(g.keys))
	ready := &keyHeap{}
	for _, k := range g.keys {
		pending[k] = len(g.deps[k])
		if pending[k] == 0 {
			heap.Push(ready, k)
		}
	}

	for ready.Len() > 0 {
		k := heap.Pop(ready).(fv.Key)
		plan.Order = append(plan.Order, k)
		plan.position[k] = len(plan.Order)
		plan.Deps[k] = slices.Clone(g.deps[k])

		depth := 0
		for _, d := range g.deps[k] {
			depth = max(depth, plan.Depth[d]+1)
		}
		plan.Depth[k] = depth

		for _, dependent := range g.dependents[k] {
			pending[dependent]--
			if pending[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
	return plan, nil
}

// keyHeap is a min-heap of keys.
type keyHeap []fv.Key

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *keyHeap) Push(x any) { *h = append(*h, x.(fv.Key)) }

func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	k := old[n-1]
	*h = old[:n-1]
	return k
}
