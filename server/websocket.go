package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/gofhir/uploader/stream"
)

// WebSocketSink sends every event as one text message in the NDJSON line
// layout.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink writing to conn.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send writes e.
func (s *WebSocketSink) Send(e stream.Event) error {
	msg, err := stream.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return errors.Wrap(err, "write event")
	}
	return nil
}

func (s *WebSocketSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a normal closure frame.
func (s *WebSocketSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleEvents replays the events of a run from the start and follows it
// until the terminal event, then closes the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.Newf("run %s not found", r.PathValue("id")))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "run", t.run.ID(), "error", err)
		return
	}
	defer conn.Close()

	// The reader only notices the peer going away; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debugw("websocket read error", "run", t.run.ID(), "error", err)
				}
				return
			}
		}
	}()

	sink := NewWebSocketSink(conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	next := 0
	for {
		events, summary, changed := t.snapshot(next)
		for _, e := range events {
			if err := sink.Send(e); err != nil {
				s.log.Debugw("websocket subscriber dropped", "run", t.run.ID(), "error", err)
				return
			}
		}
		next += len(events)
		if summary != nil {
			sink.close()
			return
		}

		select {
		case <-changed:
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
