// Package stream carries the progress of an upload run to its consumer.
//
// A run emits one Event per decoded unit, graph build, validated resource
// and upload, then exactly one terminal Event holding the RunSummary. The
// Stream owning a run's channel assigns sequence numbers and guarantees the
// terminal event is the last one delivered.
package stream

import (
	"time"

	fv "github.com/gofhir/uploader"
)

// Event statuses outside the upload outcomes.
const (
	StatusDecoded   = "decoded"
	StatusBuilt     = "built"
	StatusPlanned   = "planned"
	StatusValid     = "valid"
	StatusInvalid   = "invalid"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Event is one progress notification.
type Event struct {
	Seq   uint64    `json:"seq"`
	RunID string    `json:"runId"`
	Time  time.Time `json:"time"`

	Phase fv.Phase `json:"phase,omitempty"`

	// Ref is the resource key for resource events, or the source ref for
	// decode events.
	Ref    string `json:"ref,omitempty"`
	Source string `json:"source,omitempty"`

	// Position is the 1-based plan position of upload events.
	Position int `json:"position,omitempty"`
	Total    int `json:"total,omitempty"`

	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`

	Graph *fv.GraphStats `json:"graph,omitempty"`

	// Summary is set on the terminal event only.
	Summary *fv.RunSummary `json:"summary,omitempty"`
}

// Terminal reports whether e is the final event of a run.
func (e Event) Terminal() bool {
	return e.Summary != nil
}

// Type returns the wire type of the event: progress or complete.
func (e Event) Type() string {
	if e.Terminal() {
		return "complete"
	}
	return "progress"
}

// ResultEvent builds the upload event for a result.
func ResultEvent(r fv.UploadResult, total int) Event {
	return Event{
		Phase:    fv.PhaseUpload,
		Ref:      r.Key.String(),
		Source:   r.SourceRef,
		Position: r.Position,
		Total:    total,
		Status:   r.Label(),
		Detail:   r.Detail,
	}
}
