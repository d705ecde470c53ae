package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/graph"
	"github.com/gofhir/uploader/stream"
	"github.com/gofhir/uploader/validate"
	"github.com/gofhir/uploader/worker"
)

// Run is an upload in progress. Its events must be drained for the run to
// finish.
type Run struct {
	id      string
	events  *stream.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	summary *fv.RunSummary
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Events returns the event channel. It is closed after the terminal event.
func (r *Run) Events() <-chan stream.Event { return r.events.Events() }

// Cancel asks the run to stop. Resources not yet started are reported as
// not attempted.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run has finished and returns its summary.
func (r *Run) Wait() *fv.RunSummary {
	<-r.done
	return r.summary
}

// Start launches a run in the background.
func (c *Controller) Start(ctx context.Context, inputs []decode.Input) *Run {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	run := &Run{
		id:     id,
		events: stream.New(id, c.opts.EventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer cancel()
		r := &runner{
			Controller: c,
			ctx:        ctx,
			emitCtx:    context.WithoutCancel(ctx),
			events:     run.events,
			summary:    fv.NewRunSummary(id, c.opts),
			log:        c.log.With("run", id),
		}
		r.execute(inputs)
		run.summary = r.summary
		run.events.Close(r.summary)
	}()
	return run
}

// runner holds the state of one run.
type runner struct {
	*Controller
	ctx     context.Context
	emitCtx context.Context
	events  *stream.Stream
	summary *fv.RunSummary
	log     *zap.SugaredLogger
}

func (r *runner) emit(e stream.Event) {
	if err := r.events.Emit(r.emitCtx, e); err != nil {
		r.log.Debugw("event dropped", "error", err)
	}
}

func (r *runner) execute(inputs []decode.Input) {
	r.log.Infow("run started", "inputs", len(inputs), "mode", r.opts.Mode, "policy", r.opts.Policy, "dryRun", r.opts.DryRun)
	defer func() {
		r.summary.Complete()
		r.metrics.RecordRun(r.summary.State)
		snap := r.metrics.Snapshot()
		r.summary.Metrics = &snap
		r.log.Infow("run finished",
			"state", r.summary.State,
			"created", r.summary.Counts.Created,
			"updated", r.summary.Counts.Updated,
			"failed", r.summary.Counts.Failed,
			"duration", r.summary.Duration(),
		)
	}()

	resources, ok := r.decode(inputs)
	if !ok {
		return
	}
	plan, ok := r.plan(resources)
	if !ok {
		return
	}

	ordered := make([]*fv.Resource, len(plan.Order))
	for i, k := range plan.Order {
		ordered[i] = plan.Resources[k]
	}
	verdicts := r.validateAll(ordered)

	start := time.Now()
	switch {
	case r.opts.Mode == fv.ModeTransaction:
		r.transaction(ordered, verdicts)
	case r.opts.UploadWorkers > 1:
		r.concurrent(ordered, plan, verdicts)
	default:
		r.sequential(ordered, verdicts)
	}
	r.metrics.RecordPhase(fv.PhaseUpload, time.Since(start), len(ordered))
}

// decode expands and decodes every input. Units are consulted in input
// order so stop-on-first-error aborts at the first failing unit.
func (r *runner) decode(inputs []decode.Input) ([]*fv.Resource, bool) {
	start := time.Now()
	units, err := r.decoder.All(r.ctx, inputs, r.opts.WorkerCount)
	r.metrics.RecordPhase(fv.PhaseDecode, time.Since(start), len(units))
	if err != nil || r.ctx.Err() != nil {
		for _, u := range units {
			r.summary.AddNotAttemptedSource(u.SourceRef)
		}
		r.abort(canceled(err))
		return nil, false
	}

	var resources []*fv.Resource
	for i, u := range units {
		if u.Failed() {
			r.metrics.RecordDecodeFailure()
			r.summary.AddDecodeFailure(u.Err)
			r.emit(stream.Event{Phase: fv.PhaseDecode, Ref: u.SourceRef, Status: stream.StatusFailed, Detail: u.Err.Cause.Error()})
			if Decide(r.opts.Policy, true) == Abort {
				r.skipAll(resources)
				for _, rest := range units[i+1:] {
					r.summary.AddNotAttemptedSource(rest.SourceRef)
				}
				r.abort(u.Err)
				return nil, false
			}
			continue
		}

		kept := 0
		for _, res := range u.Resources {
			if r.keep != nil && !r.keep(res) {
				continue
			}
			resources = append(resources, res)
			kept++
		}
		r.metrics.RecordDecoded(kept)
		r.emit(stream.Event{Phase: fv.PhaseDecode, Ref: u.SourceRef, Status: stream.StatusDecoded, Detail: strconv.Itoa(kept) + " resources"})
	}
	return resources, true
}

// builtPlan is a sorted plan with the resources it orders.
type builtPlan struct {
	*graph.Plan
	Resources map[fv.Key]*fv.Resource
}

// plan builds the dependency graph and sorts it. Duplicate identities and
// cycles abort the run under every policy, after the graph event.
func (r *runner) plan(resources []*fv.Resource) (*builtPlan, bool) {
	start := time.Now()
	nodes := make([]graph.Node, len(resources))
	for i, res := range resources {
		nodes[i] = graph.Node{Resource: res, References: r.extractor.Extract(res)}
	}

	g, err := graph.Build(nodes)
	if g != nil {
		stats := g.Stats()
		r.summary.Graph = stats
		r.emit(stream.Event{Phase: fv.PhaseGraph, Status: stream.StatusBuilt, Graph: &stats})
	}
	if err != nil {
		r.emit(stream.Event{Phase: fv.PhaseGraph, Status: stream.StatusFailed, Detail: err.Error()})
		r.skipAll(resources)
		r.abort(err)
		return nil, false
	}

	plan, err := g.Sort()
	r.metrics.RecordPhase(fv.PhaseGraph, time.Since(start), g.Len())
	if err != nil {
		r.emit(stream.Event{Phase: fv.PhaseGraph, Status: stream.StatusFailed, Detail: err.Error()})
		r.skipAll(resources)
		r.abort(err)
		return nil, false
	}

	r.summary.Plan = plan.Order
	r.emit(stream.Event{
		Phase:  fv.PhaseGraph,
		Status: stream.StatusPlanned,
		Total:  plan.Len(),
		Detail: strconv.Itoa(plan.Len()) + " resources, depth " + strconv.Itoa(plan.MaxDepth()),
	})

	byKey := make(map[fv.Key]*fv.Resource, g.Len())
	for _, k := range plan.Order {
		byKey[k] = g.Resource(k)
	}
	return &builtPlan{Plan: plan, Resources: byKey}, true
}

// validateAll runs the validator over the plan in parallel. The verdicts are
// consulted in plan order when each resource's turn comes. It returns nil
// when validation is disabled.
func (r *runner) validateAll(ordered []*fv.Resource) []error {
	if !r.opts.ValidationEnabled || r.validator == nil {
		return nil
	}
	start := time.Now()
	verdicts, _ := worker.Map(r.ctx, r.opts.WorkerCount, ordered, func(ctx context.Context, res *fv.Resource) error {
		v, err := r.validator.Validate(ctx, res, r.opts.ValidationProfile)
		if err != nil {
			return &fv.ValidationFailure{
				Key:       res.Key(),
				SourceRef: res.SourceRef,
				Issues: fv.Issues{{
					Severity:    fv.SeverityError,
					Code:        "exception",
					Diagnostics: "validator failed: " + err.Error(),
				}},
			}
		}
		return validate.Failure(res, v)
	})
	r.metrics.RecordPhase(fv.PhaseValidate, time.Since(start), len(ordered))
	return verdicts
}

// check reports the verdict of the resource at position and returns its
// validation failure, if any.
func (r *runner) check(res *fv.Resource, position int, verdicts []error) error {
	if verdicts == nil {
		return nil
	}
	e := stream.Event{
		Phase:    fv.PhaseValidate,
		Ref:      res.Key().String(),
		Source:   res.SourceRef,
		Position: position,
		Total:    len(verdicts),
		Status:   stream.StatusValid,
	}
	err := verdicts[position-1]
	if err != nil {
		e.Status = stream.StatusInvalid
		e.Detail = err.Error()
	}
	r.emit(e)
	return err
}

// process validates and uploads the resource at position.
func (r *runner) process(ctx context.Context, res *fv.Resource, position int, verdicts []error) fv.UploadResult {
	if err := r.check(res, position, verdicts); err != nil {
		return fv.FailedResult(res, position, err)
	}
	return r.executor.Upload(ctx, res, position)
}

func (r *runner) sequential(ordered []*fv.Resource, verdicts []error) {
	results := make([]fv.UploadResult, len(ordered))
	for i := range results {
		results[i] = notAttempted(ordered[i], i+1)
	}
	defer r.record(results)

	for i, res := range ordered {
		if err := r.ctx.Err(); err != nil {
			r.abort(canceled(err))
			return
		}
		results[i] = r.process(r.ctx, res, i+1, verdicts)
		r.metrics.RecordOutcome(results[i].Outcome)
		r.emit(stream.ResultEvent(results[i], len(ordered)))
		if Decide(r.opts.Policy, results[i].Failed()) == Abort {
			r.abort(abortCause(results[i]))
			return
		}
	}
}

// concurrent uploads resources whose dependencies have all finished, at
// most UploadWorkers at a time, launching in plan order. Upload events are
// re-ordered to plan order.
func (r *runner) concurrent(ordered []*fv.Resource, plan *builtPlan, verdicts []error) {
	results := make([]fv.UploadResult, len(ordered))
	tasks := make([]worker.Task, len(ordered))
	reorder := stream.NewReorder(1, func(e stream.Event) error {
		r.emit(e)
		return nil
	})
	sched := worker.NewScheduler(r.opts.UploadWorkers)

	var (
		once  sync.Once
		cause error
	)
	for i, res := range ordered {
		results[i] = notAttempted(res, i+1)
		deps := plan.Deps[res.Key()]
		idx := make([]int, 0, len(deps))
		for _, d := range deps {
			idx = append(idx, plan.Position(d)-1)
		}
		tasks[i] = worker.Task{
			Deps: idx,
			Run: func(ctx context.Context) {
				out := r.process(ctx, res, i+1, verdicts)
				results[i] = out
				r.metrics.RecordOutcome(out.Outcome)
				_ = reorder.Add(i+1, stream.ResultEvent(out, len(ordered)))
				if Decide(r.opts.Policy, out.Failed()) == Abort {
					once.Do(func() { cause = abortCause(out) })
					sched.Stop()
				}
			},
		}
	}

	sched.Run(r.ctx, tasks)
	_ = reorder.Flush()
	r.record(results)

	switch {
	case cause != nil:
		r.abort(cause)
	case r.ctx.Err() != nil:
		r.abort(canceled(r.ctx.Err()))
	}
	r.log.Debugw("upload scheduler finished", "stats", sched.Stats())
}

// transaction submits the valid resources of the plan as one bundle.
// Under stop-on-first-error an invalid resource aborts before submission.
func (r *runner) transaction(ordered []*fv.Resource, verdicts []error) {
	results := make([]fv.UploadResult, len(ordered))
	for i := range results {
		results[i] = notAttempted(ordered[i], i+1)
	}
	defer r.record(results)

	var (
		members   []*fv.Resource
		positions []int
	)
	for i, res := range ordered {
		if verdicts == nil {
			members = append(members, res)
			positions = append(positions, i+1)
			continue
		}
		err := r.check(res, i+1, verdicts)
		if err == nil {
			members = append(members, res)
			positions = append(positions, i+1)
			continue
		}
		out := fv.FailedResult(res, i+1, err)
		results[i] = out
		r.metrics.RecordOutcome(out.Outcome)
		r.emit(stream.ResultEvent(out, len(ordered)))
		if Decide(r.opts.Policy, true) == Abort {
			r.abort(abortCause(out))
			return
		}
	}
	if err := r.ctx.Err(); err != nil {
		r.abort(canceled(err))
		return
	}

	var first *fv.UploadResult
	for j, out := range r.executor.Transaction(r.ctx, members) {
		out.Position = positions[j]
		results[positions[j]-1] = out
		r.metrics.RecordOutcome(out.Outcome)
		r.emit(stream.ResultEvent(out, len(ordered)))
		if out.Failed() && first == nil {
			first = &out
		}
	}
	if first != nil && Decide(r.opts.Policy, true) == Abort {
		r.abort(abortCause(*first))
	}
}

func (r *runner) record(results []fv.UploadResult) {
	for _, res := range results {
		if res.Outcome == fv.OutcomeNotAttempted {
			r.metrics.RecordOutcome(res.Outcome)
		}
		r.summary.AddResult(res)
	}
}

// skipAll records resources that never reached the plan as not attempted.
func (r *runner) skipAll(resources []*fv.Resource) {
	for _, res := range resources {
		out := notAttempted(res, 0)
		r.metrics.RecordOutcome(out.Outcome)
		r.summary.AddResult(out)
	}
}

func (r *runner) abort(err error) {
	if r.summary.State != fv.StateRunning {
		return
	}
	r.log.Warnw("run aborted", "error", err)
	r.summary.Abort(err)
}

func notAttempted(res *fv.Resource, position int) fv.UploadResult {
	return fv.UploadResult{
		Key:       res.Key(),
		SourceRef: res.SourceRef,
		Position:  position,
		Outcome:   fv.OutcomeNotAttempted,
	}
}

func abortCause(res fv.UploadResult) error {
	if res.Err != nil {
		return res.Err
	}
	return errors.Newf("%s: %s", res.Key, res.Label())
}

func canceled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return errors.Mark(errors.Wrap(err, "run canceled"), fv.ErrCanceled)
}
