package stream

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
)

// Sink consumes events.
type Sink interface {
	Send(e Event) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(Event) error

// Send calls f.
func (f FuncSink) Send(e Event) error { return f(e) }

// ChannelSink forwards events to a channel. The channel is not closed.
type ChannelSink chan<- Event

// Send delivers e to the channel.
func (c ChannelSink) Send(e Event) error {
	c <- e
	return nil
}

// Discard drops every event.
var Discard Sink = FuncSink(func(Event) error { return nil })

// Multi fans events out to several sinks. All sinks receive every event;
// the first error is returned.
func Multi(sinks ...Sink) Sink {
	return FuncSink(func(e Event) error {
		var first error
		for _, s := range sinks {
			if err := s.Send(e); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// wireEvent is the NDJSON line layout.
type wireEvent struct {
	Type string `json:"type"`
	Event
}

// Marshal encodes e as one NDJSON line without the trailing newline.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(wireEvent{Type: e.Type(), Event: e})
}

// NDJSONSink writes one JSON object per line and flushes after each line
// when the writer is an http.Flusher.
type NDJSONSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewNDJSONSink creates a sink writing to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	s := &NDJSONSink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Send writes e.
func (s *NDJSONSink) Send(e Event) error {
	line, err := Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return errors.Wrap(err, "write event")
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
