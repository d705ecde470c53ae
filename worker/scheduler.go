package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of scheduled work.
type Task struct {
	// Deps are indices of tasks that must finish before this one starts.
	// Every dependency must have a lower index than the task itself.
	Deps []int

	// Run does the work. It is not called when the scheduler was stopped
	// while the task waited for its dependencies.
	Run func(ctx context.Context)
}

// Scheduler runs dependent tasks on a bounded number of goroutines.
type Scheduler struct {
	workers int
	stopped atomic.Bool

	// Metrics
	tasksStarted   atomic.Uint64
	tasksCompleted atomic.Uint64
	totalDuration  atomic.Uint64
}

// NewScheduler creates a scheduler with the given number of workers.
// If workers <= 0, it defaults to runtime.NumCPU().
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{workers: workers}
}

// Workers returns the concurrency limit.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Stop prevents tasks that have not started their work from running.
// Tasks already running finish normally.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Run launches tasks in index order and blocks until every launched task has
// returned. The result reports which tasks had their Run function called.
// Launching stops early when ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) []bool {
	ran := make([]bool, len(tasks))
	done := make([]chan struct{}, len(tasks))
	for i := range done {
		done[i] = make(chan struct{})
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

launch:
	for i, task := range tasks {
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break launch
		}
		if s.stopped.Load() {
			<-sem
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer close(done[i])

			for _, d := range task.Deps {
				<-done[d]
			}
			if s.stopped.Load() || ctx.Err() != nil {
				return
			}

			s.tasksStarted.Add(1)
			start := time.Now()
			task.Run(ctx)
			ran[i] = true
			s.tasksCompleted.Add(1)
			s.totalDuration.Add(uint64(time.Since(start))) //nolint:gosec // durations are positive
		}()
	}

	wg.Wait()
	return ran
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	completed := s.tasksCompleted.Load()
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(s.totalDuration.Load() / completed) //nolint:gosec // nanoseconds within int64 range
	}
	return Stats{
		Workers:        s.workers,
		TasksStarted:   s.tasksStarted.Load(),
		TasksCompleted: completed,
		AvgDuration:    avg,
	}
}

// Stats contains scheduler statistics.
type Stats struct {
	Workers        int
	TasksStarted   uint64
	TasksCompleted uint64
	AvgDuration    time.Duration
}
