package fhiruploader

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks run counters using lock-free atomic operations.
// All methods are safe for concurrent use.
type Metrics struct {
	runsTotal   atomic.Uint64
	runsAborted atomic.Uint64

	resourcesDecoded atomic.Uint64
	decodeFailures   atomic.Uint64

	// HTTP
	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64

	// Outcomes
	created          atomic.Uint64
	updated          atomic.Uint64
	skippedIdentical atomic.Uint64
	skippedByPolicy  atomic.Uint64
	failed           atomic.Uint64
	notAttempted     atomic.Uint64

	// Validation cache
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	phaseTiming sync.Map // map[Phase]*phaseMetrics
}

type phaseMetrics struct {
	invocations atomic.Uint64
	totalTime   atomic.Uint64 // nanoseconds
	items       atomic.Uint64
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// --- Recording Methods ---

// RecordRun records a finished run.
func (m *Metrics) RecordRun(state RunState) {
	m.runsTotal.Add(1)
	if state == StateAborted {
		m.runsAborted.Add(1)
	}
}

// RecordDecoded records decoded resources.
func (m *Metrics) RecordDecoded(n int) {
	m.resourcesDecoded.Add(uint64(n)) //nolint:gosec // n is a non-negative count
}

// RecordDecodeFailure records an input unit that failed to decode.
func (m *Metrics) RecordDecodeFailure() {
	m.decodeFailures.Add(1)
}

// RecordRequest records one outbound HTTP request.
func (m *Metrics) RecordRequest(failed bool) {
	m.requestsTotal.Add(1)
	if failed {
		m.requestsFailed.Add(1)
	}
}

// RecordOutcome records a per-resource outcome.
func (m *Metrics) RecordOutcome(o Outcome) {
	switch o {
	case OutcomeCreated:
		m.created.Add(1)
	case OutcomeUpdated:
		m.updated.Add(1)
	case OutcomeSkippedIdentical:
		m.skippedIdentical.Add(1)
	case OutcomeSkippedByPolicy:
		m.skippedByPolicy.Add(1)
	case OutcomeFailed:
		m.failed.Add(1)
	case OutcomeNotAttempted:
		m.notAttempted.Add(1)
	}
}

// RecordCacheHit records a validation cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss records a validation cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordPhase records the time spent in a phase and how many items it handled.
func (m *Metrics) RecordPhase(phase Phase, duration time.Duration, items int) {
	pm := m.getOrCreatePhaseMetrics(phase)
	pm.invocations.Add(1)
	pm.totalTime.Add(uint64(duration.Nanoseconds())) //nolint:gosec // durations are positive
	pm.items.Add(uint64(items))                      //nolint:gosec // items is a non-negative count
}

func (m *Metrics) getOrCreatePhaseMetrics(p Phase) *phaseMetrics {
	if v, ok := m.phaseTiming.Load(p); ok {
		return v.(*phaseMetrics)
	}
	pm := &phaseMetrics{}
	actual, _ := m.phaseTiming.LoadOrStore(p, pm)
	return actual.(*phaseMetrics)
}

// --- Query Methods ---

// RunsTotal returns the number of finished runs.
func (m *Metrics) RunsTotal() uint64 {
	return m.runsTotal.Load()
}

// RequestsTotal returns the number of outbound requests.
func (m *Metrics) RequestsTotal() uint64 {
	return m.requestsTotal.Load()
}

// Outcome returns the counter for o.
func (m *Metrics) Outcome(o Outcome) uint64 {
	switch o {
	case OutcomeCreated:
		return m.created.Load()
	case OutcomeUpdated:
		return m.updated.Load()
	case OutcomeSkippedIdentical:
		return m.skippedIdentical.Load()
	case OutcomeSkippedByPolicy:
		return m.skippedByPolicy.Load()
	case OutcomeFailed:
		return m.failed.Load()
	case OutcomeNotAttempted:
		return m.notAttempted.Load()
	default:
		return 0
	}
}

// CacheHitRate returns the validation cache hit rate (0.0 to 1.0).
func (m *Metrics) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// PhaseStats holds statistics for a phase.
type PhaseStats struct {
	Name        Phase         `json:"name"`
	Invocations uint64        `json:"invocations"`
	TotalTime   time.Duration `json:"totalTime"`
	Items       uint64        `json:"items"`
}

// PhaseStats returns statistics for a specific phase.
func (m *Metrics) PhaseStats(p Phase) (PhaseStats, bool) {
	v, ok := m.phaseTiming.Load(p)
	if !ok {
		return PhaseStats{Name: p}, false
	}
	return v.(*phaseMetrics).stats(p), true
}

func (pm *phaseMetrics) stats(p Phase) PhaseStats {
	return PhaseStats{
		Name:        p,
		Invocations: pm.invocations.Load(),
		TotalTime:   time.Duration(pm.totalTime.Load()), //nolint:gosec // nanoseconds within int64 range
		Items:       pm.items.Load(),
	}
}

// AllPhaseStats returns statistics for all phases in pipeline order.
func (m *Metrics) AllPhaseStats() []PhaseStats {
	var stats []PhaseStats
	for _, p := range []Phase{PhaseDecode, PhaseGraph, PhaseValidate, PhaseUpload} {
		if s, ok := m.PhaseStats(p); ok {
			stats = append(stats, s)
		}
	}
	return stats
}

// --- Export Methods ---

// Snapshot represents a point-in-time snapshot of all metrics.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	RunsTotal   uint64 `json:"runs_total"`
	RunsAborted uint64 `json:"runs_aborted"`

	ResourcesDecoded uint64 `json:"resources_decoded"`
	DecodeFailures   uint64 `json:"decode_failures"`

	RequestsTotal  uint64 `json:"requests_total"`
	RequestsFailed uint64 `json:"requests_failed"`

	Created          uint64 `json:"created"`
	Updated          uint64 `json:"updated"`
	SkippedIdentical uint64 `json:"skipped_identical"`
	SkippedByPolicy  uint64 `json:"skipped_by_policy"`
	Failed           uint64 `json:"failed"`
	NotAttempted     uint64 `json:"not_attempted"`

	CacheHits    uint64  `json:"cache_hits"`
	CacheMisses  uint64  `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	Phases []PhaseStats `json:"phases,omitempty"`
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:        time.Now(),
		RunsTotal:        m.runsTotal.Load(),
		RunsAborted:      m.runsAborted.Load(),
		ResourcesDecoded: m.resourcesDecoded.Load(),
		DecodeFailures:   m.decodeFailures.Load(),
		RequestsTotal:    m.requestsTotal.Load(),
		RequestsFailed:   m.requestsFailed.Load(),
		Created:          m.created.Load(),
		Updated:          m.updated.Load(),
		SkippedIdentical: m.skippedIdentical.Load(),
		SkippedByPolicy:  m.skippedByPolicy.Load(),
		Failed:           m.failed.Load(),
		NotAttempted:     m.notAttempted.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		CacheHitRate:     m.CacheHitRate(),
		Phases:           m.AllPhaseStats(),
	}
}

// Merge adds the counters of other into m.
func (m *Metrics) Merge(other *Metrics) {
	m.runsTotal.Add(other.runsTotal.Load())
	m.runsAborted.Add(other.runsAborted.Load())
	m.resourcesDecoded.Add(other.resourcesDecoded.Load())
	m.decodeFailures.Add(other.decodeFailures.Load())
	m.requestsTotal.Add(other.requestsTotal.Load())
	m.requestsFailed.Add(other.requestsFailed.Load())
	m.created.Add(other.created.Load())
	m.updated.Add(other.updated.Load())
	m.skippedIdentical.Add(other.skippedIdentical.Load())
	m.skippedByPolicy.Add(other.skippedByPolicy.Load())
	m.failed.Add(other.failed.Load())
	m.notAttempted.Add(other.notAttempted.Load())
	m.cacheHits.Add(other.cacheHits.Load())
	m.cacheMisses.Add(other.cacheMisses.Load())

	other.phaseTiming.Range(func(key, val any) bool {
		src := val.(*phaseMetrics)
		dst := m.getOrCreatePhaseMetrics(key.(Phase))
		dst.invocations.Add(src.invocations.Load())
		dst.totalTime.Add(src.totalTime.Load())
		dst.items.Add(src.items.Load())
		return true
	})
}

// Export returns metrics as a flat map suitable for external systems.
func (m *Metrics) Export() map[string]any {
	s := m.Snapshot()
	return map[string]any{
		"runs_total":        s.RunsTotal,
		"runs_aborted":      s.RunsAborted,
		"resources_decoded": s.ResourcesDecoded,
		"decode_failures":   s.DecodeFailures,
		"requests_total":    s.RequestsTotal,
		"requests_failed":   s.RequestsFailed,
		"created":           s.Created,
		"updated":           s.Updated,
		"skipped_identical": s.SkippedIdentical,
		"skipped_by_policy": s.SkippedByPolicy,
		"failed":            s.Failed,
		"not_attempted":     s.NotAttempted,
		"cache_hits":        s.CacheHits,
		"cache_misses":      s.CacheMisses,
		"cache_hit_rate":    s.CacheHitRate,
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.runsTotal, &m.runsAborted, &m.resourcesDecoded, &m.decodeFailures,
		&m.requestsTotal, &m.requestsFailed, &m.created, &m.updated,
		&m.skippedIdentical, &m.skippedByPolicy, &m.failed, &m.notAttempted,
		&m.cacheHits, &m.cacheMisses,
	} {
		c.Store(0)
	}
	m.phaseTiming.Range(func(key, _ any) bool {
		m.phaseTiming.Delete(key)
		return true
	})
}
