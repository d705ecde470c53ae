package fhiruploader

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Outcome is the per-resource result of a run.
type Outcome string

// Outcomes.
const (
	OutcomeCreated          Outcome = "created"
	OutcomeUpdated          Outcome = "updated"
	OutcomeSkippedIdentical Outcome = "skipped-identical"
	OutcomeSkippedByPolicy  Outcome = "skipped-by-policy"
	OutcomeFailed           Outcome = "failed"
	OutcomeNotAttempted     Outcome = "not-attempted"
)

// FailureReason qualifies a failed outcome.
type FailureReason string

// Failure reasons.
const (
	ReasonConflict    FailureReason = "conflict"
	ReasonTimeout     FailureReason = "timeout"
	ReasonServer      FailureReason = "server"
	ReasonNetwork     FailureReason = "network"
	ReasonValidation  FailureReason = "validation"
	ReasonDecode      FailureReason = "decode"
	ReasonCanceled    FailureReason = "canceled"
	ReasonUnsupported FailureReason = "unsupported"
)

// Phase names a pipeline stage.
type Phase string

// Pipeline phases.
const (
	PhaseDecode   Phase = "decode"
	PhaseGraph    Phase = "graph"
	PhaseValidate Phase = "validate"
	PhaseUpload   Phase = "upload"
)

// UploadResult is the outcome for one resource.
type UploadResult struct {
	Key       Key           `json:"key"`
	SourceRef string        `json:"sourceRef,omitempty"`
	Position  int           `json:"position"`
	Outcome   Outcome       `json:"outcome"`
	Reason    FailureReason `json:"reason,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Status    int           `json:"status,omitempty"`
	DryRun    bool          `json:"dryRun,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Err is the underlying error of a failed outcome.
	Err error `json:"-"`
}

// Failed reports whether the outcome is a failure.
func (r UploadResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Label renders the outcome with its reason, e.g. failed(conflict).
func (r UploadResult) Label() string {
	if r.Outcome == OutcomeFailed && r.Reason != "" {
		return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
	}
	return string(r.Outcome)
}

func (r UploadResult) String() string {
	s := r.Key.String() + ": " + r.Label()
	if r.Detail != "" {
		s += " - " + r.Detail
	}
	return s
}

// FailedResult builds a failed UploadResult classified from err.
func FailedResult(r *Resource, position int, err error) UploadResult {
	res := UploadResult{
		Key:       r.Key(),
		SourceRef: r.SourceRef,
		Position:  position,
		Outcome:   OutcomeFailed,
		Reason:    ReasonFor(err),
		Err:       err,
	}
	if err != nil {
		res.Detail = err.Error()
	}
	var uf *UploadFailure
	if errors.As(err, &uf) {
		res.Status = uf.Status
	}
	return res
}

// RunState is the state of a run.
type RunState string

// Run states.
const (
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateAborted   RunState = "aborted"
)

// Failure is one entry of the summary failure list.
type Failure struct {
	Ref    string        `json:"ref"`
	Key    Key           `json:"key,omitempty"`
	Phase  Phase         `json:"phase"`
	Reason FailureReason `json:"reason,omitempty"`
	Error  string        `json:"error"`
}

// GraphStats describes the dependency graph of a run.
type GraphStats struct {
	Nodes      int `json:"nodes"`
	Edges      int `json:"edges"`
	External   int `json:"external"`
	Duplicates int `json:"duplicates"`
}

// Counts holds the number of results per outcome.
type Counts struct {
	Created          int `json:"created"`
	Updated          int `json:"updated"`
	SkippedIdentical int `json:"skippedIdentical"`
	SkippedByPolicy  int `json:"skippedByPolicy"`
	Failed           int `json:"failed"`
	NotAttempted     int `json:"notAttempted"`
}

// Add increments the counter for o.
func (c *Counts) Add(o Outcome) {
	switch o {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeSkippedIdentical:
		c.SkippedIdentical++
	case OutcomeSkippedByPolicy:
		c.SkippedByPolicy++
	case OutcomeFailed:
		c.Failed++
	case OutcomeNotAttempted:
		c.NotAttempted++
	}
}

// Get returns the counter for o.
func (c Counts) Get(o Outcome) int {
	switch o {
	case OutcomeCreated:
		return c.Created
	case OutcomeUpdated:
		return c.Updated
	case OutcomeSkippedIdentical:
		return c.SkippedIdentical
	case OutcomeSkippedByPolicy:
		return c.SkippedByPolicy
	case OutcomeFailed:
		return c.Failed
	case OutcomeNotAttempted:
		return c.NotAttempted
	default:
		return 0
	}
}

// RunSummary is the terminal artifact of a run.
type RunSummary struct {
	RunID  string      `json:"runId"`
	State  RunState    `json:"state"`
	Policy ErrorPolicy `json:"policy"`
	Mode   UploadMode  `json:"mode"`
	DryRun bool        `json:"dryRun,omitempty"`
	Force  bool        `json:"force,omitempty"`

	Counts       Counts         `json:"counts"`
	Results      []UploadResult `json:"results"`
	Failures     []Failure      `json:"failures,omitempty"`
	NotAttempted []string       `json:"notAttempted,omitempty"`
	AbortReason  string         `json:"abortReason,omitempty"`

	Graph GraphStats `json:"graph"`
	Plan  []Key      `json:"plan,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Metrics    *Snapshot `json:"metrics,omitempty"`

	// Err is the error that aborted the run.
	Err error `json:"-"`
}

// NewRunSummary starts a summary in the running state.
func NewRunSummary(runID string, opts *Options) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		State:     StateRunning,
		Policy:    opts.Policy,
		Mode:      opts.Mode,
		DryRun:    opts.DryRun,
		Force:     opts.Force,
		StartedAt: time.Now(),
	}
}

// AddResult records a per-resource result.
func (s *RunSummary) AddResult(r UploadResult) {
	s.Results = append(s.Results, r)
	s.Counts.Add(r.Outcome)
	switch r.Outcome {
	case OutcomeFailed:
		phase := PhaseUpload
		if r.Reason == ReasonValidation {
			phase = PhaseValidate
		}
		s.Failures = append(s.Failures, Failure{
			Ref:    r.SourceRef,
			Key:    r.Key,
			Phase:  phase,
			Reason: r.Reason,
			Error:  r.Detail,
		})
	case OutcomeNotAttempted:
		s.NotAttempted = append(s.NotAttempted, r.Key.String())
	}
}

// AddDecodeFailure records an input unit that produced no resources.
func (s *RunSummary) AddDecodeFailure(err *DecodeError) {
	s.Failures = append(s.Failures, Failure{
		Ref:    err.SourceRef,
		Phase:  PhaseDecode,
		Reason: ReasonDecode,
		Error:  err.Cause.Error(),
	})
}

// AddNotAttemptedSource records an input unit that was never decoded.
func (s *RunSummary) AddNotAttemptedSource(sourceRef string) {
	s.NotAttempted = append(s.NotAttempted, sourceRef)
	s.Counts.NotAttempted++
}

// Processed returns the number of resources that reached an outcome.
func (s *RunSummary) Processed() int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome != OutcomeNotAttempted {
			n++
		}
	}
	return n
}

// DecodeFailures returns the failures recorded during decoding.
func (s *RunSummary) DecodeFailures() []Failure {
	var out []Failure
	for _, f := range s.Failures {
		if f.Phase == PhaseDecode {
			out = append(out, f)
		}
	}
	return out
}

// Abort moves the run to the aborted state.
func (s *RunSummary) Abort(err error) {
	s.State = StateAborted
	s.Err = err
	if err != nil {
		s.AbortReason = err.Error()
	}
	s.FinishedAt = time.Now()
}

// Complete moves a running run to the completed state.
func (s *RunSummary) Complete() {
	if s.State == StateRunning {
		s.State = StateCompleted
	}
	if s.FinishedAt.IsZero() {
		s.FinishedAt = time.Now()
	}
}

// Duration returns the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// OK reports whether the run completed without failures.
func (s *RunSummary) OK() bool {
	return s.State == StateCompleted && len(s.Failures) == 0
}
