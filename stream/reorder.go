package stream

import (
	"slices"
	"sync"
)

// Reorder releases events in position order when they are produced out of
// order. It is safe for concurrent use.
type Reorder struct {
	mu      sync.Mutex
	next    int
	pending map[int]Event
	emit    func(Event) error
}

// NewReorder creates a buffer whose first expected position is first.
func NewReorder(first int, emit func(Event) error) *Reorder {
	return &Reorder{next: first, pending: make(map[int]Event), emit: emit}
}

// Add buffers e at position and emits every consecutive event from the
// next expected position on.
func (r *Reorder) Add(position int, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if position < r.next {
		return r.emit(e)
	}
	r.pending[position] = e
	for {
		ev, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)
		r.next++
		if err := r.emit(ev); err != nil {
			return err
		}
	}
}

// Pending returns the number of buffered events.
func (r *Reorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush emits the buffered events in position order, skipping gaps.
func (r *Reorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	positions := make([]int, 0, len(r.pending))
	for p := range r.pending {
		positions = append(positions, p)
	}
	slices.Sort(positions)
	for _, p := range positions {
		ev := r.pending[p]
		delete(r.pending, p)
		r.next = p + 1
		if err := r.emit(ev); err != nil {
			return err
		}
	}
	return nil
}
