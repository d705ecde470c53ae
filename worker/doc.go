// Package worker runs pipeline work on bounded goroutine pools.
//
// Map fans independent items out to a fixed number of workers and returns the
// results in input order. Scheduler runs tasks that depend on earlier tasks:
// tasks are launched in order, a task starts only after its dependencies
// finished, and at most Workers tasks are in flight.
//
//	results, err := worker.Map(ctx, 4, inputs, func(ctx context.Context, in decode.Input) decode.Result {
//	    return dec.Unit(in)
//	})
//
//	s := worker.NewScheduler(4)
//	ran := s.Run(ctx, tasks)
package worker
