package graph

import (
	"slices"

	fv "github.com/gofhir/uploader"
)

type color uint8

const (
	white color = iota
	grey
	black
)

type frame struct {
	key  fv.Key
	next int
}

// FindCycle returns the first cycle found by a depth-first search over nodes
// and edges in key order, or nil. Members are rotated so the smallest key
// leads; a self reference yields a single member.
//
// The search keeps its own stack, so deep dependency chains cannot exhaust
// the goroutine stack.
func (g *Graph) FindCycle() *fv.CycleError {
	colors := make(map[fv.Key]color, len(g.keys))

	for _, root := range g.keys {
		if colors[root] != white {
			continue
		}
		colors[root] = grey
		stack := []frame{{key: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.deps[top.key]
			if top.next >= len(deps) {
				colors[top.key] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := deps[top.next]
			top.next++

			switch colors[next] {
			case white:
				colors[next] = grey
				stack = append(stack, frame{key: next})
			case grey:
				return &fv.CycleError{Members: cycleMembers(stack, next)}
			}
		}
	}
	return nil
}

// cycleMembers cuts the stack at the back edge target and rotates the cycle
// so that its smallest key comes first.
func cycleMembers(stack []frame, target fv.Key) []fv.Key {
	start := slices.IndexFunc(stack, func(f frame) bool { return f.key == target })
	members := make([]fv.Key, 0, len(stack)-start)
	for _, f := range stack[start:] {
		members = append(members, f.key)
	}

	lowest := 0
	for i, k := range members {
		if k.Less(members[lowest]) {
			lowest = i
		}
	}
	return slices.Concat(members[lowest:], members[:lowest])
}
