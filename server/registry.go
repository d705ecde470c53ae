package server

import (
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/pipeline"
	"github.com/gofhir/uploader/stream"
)

// tracked drains the events of a run into a history that any number of
// websocket subscribers can replay and follow.
type tracked struct {
	run *pipeline.Run

	mu      sync.Mutex
	events  []stream.Event
	summary *fv.RunSummary
	changed chan struct{}
}

func newTracked(run *pipeline.Run) *tracked {
	return &tracked{run: run, changed: make(chan struct{})}
}

// drain consumes the run events until the stream is closed.
func (t *tracked) drain() {
	for e := range t.run.Events() {
		t.mu.Lock()
		t.events = append(t.events, e)
		if e.Terminal() {
			t.summary = e.Summary
		}
		close(t.changed)
		t.changed = make(chan struct{})
		t.mu.Unlock()
	}
}

// snapshot returns the events from index from on, the summary once the run
// has finished, and a channel closed on the next change.
func (t *tracked) snapshot(from int) ([]stream.Event, *fv.RunSummary, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var events []stream.Event
	if from < len(t.events) {
		events = append(events, t.events[from:]...)
	}
	return events, t.summary, t.changed
}

// registry remembers the most recent runs. Evicted runs keep going; they
// can no longer be looked up.
type registry struct {
	runs *lru.Cache[string, *tracked]
}

func newRegistry(size int) (*registry, error) {
	if size <= 0 {
		size = DefaultRunHistory
	}
	runs, err := lru.New[string, *tracked](size)
	if err != nil {
		return nil, errors.Wrap(err, "create run registry")
	}
	return &registry{runs: runs}, nil
}

func (r *registry) track(run *pipeline.Run, log *zap.SugaredLogger) *tracked {
	t := newTracked(run)
	r.runs.Add(run.ID(), t)
	go func() {
		t.drain()
		s := run.Wait()
		log.Infow("run finished", "run", run.ID(), "state", s.State, "processed", s.Processed())
	}()
	return t
}

func (r *registry) get(id string) (*tracked, bool) {
	return r.runs.Get(id)
}

// cancelAll cancels every remembered run.
func (r *registry) cancelAll() {
	for _, id := range r.runs.Keys() {
		if t, ok := r.runs.Peek(id); ok {
			t.run.Cancel()
		}
	}
}
