package stream

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
)

// ErrClosed is returned when emitting on a closed stream.
var ErrClosed = errors.New("stream closed")

// Stream is the single-consumer event channel of one run.
// Emit and Close are safe for concurrent use.
type Stream struct {
	runID string
	ch    chan Event

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// New creates a stream for runID with the given channel buffer.
func New(runID string, buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{runID: runID, ch: make(chan Event, buffer)}
}

// RunID returns the run the stream belongs to.
func (s *Stream) RunID() string {
	return s.runID
}

// Events returns the receive side of the stream. It is closed after the
// terminal event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Emit stamps e and delivers it. It blocks while the buffer is full and
// gives up when ctx is done.
func (s *Stream) Emit(ctx context.Context, e Event) error {
	if e.Summary != nil {
		return errors.New("terminal events are emitted by Close")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stamp(&e)
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close emits the terminal event carrying summary and closes the channel.
// Only the first call has an effect.
func (s *Stream) Close(summary *fv.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	e := Event{Summary: summary, Status: string(summary.State)}
	if summary.AbortReason != "" {
		e.Detail = summary.AbortReason
	}
	s.stamp(&e)
	s.ch <- e
	close(s.ch)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) stamp(e *Event) {
	s.seq++
	e.Seq = s.seq
	e.RunID = s.runID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}

// Collect drains ch and returns every event together with the summary of
// the terminal event, if one arrived.
func Collect(ch <-chan Event) ([]Event, *fv.RunSummary) {
	var (
		events  []Event
		summary *fv.RunSummary
	)
	for e := range ch {
		events = append(events, e)
		if e.Terminal() {
			summary = e.Summary
		}
	}
	return events, summary
}

// Pump forwards every event of ch to sink until ch is closed. Delivery
// continues after a sink error so the producer never blocks; the first
// error is returned.
func Pump(ch <-chan Event, sink Sink) error {
	var first error
	for e := range ch {
		if first != nil {
			continue
		}
		if err := sink.Send(e); err != nil {
			first = errors.Wrapf(err, "deliver event %d", e.Seq)
		}
	}
	return first
}
