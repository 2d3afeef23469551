// Package worker runs fire-and-forget background jobs (balance probes,
// proxy verification) on a small fixed pool. Failures are logged, never
// returned to the producer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is a unit of background work. Execute should honor ctx cancellation.
type Job interface {
	Execute(ctx context.Context) error
}

// Spawn starts numWorkers goroutines consuming jobs until ctx is cancelled
// or the queue is closed. Buffered jobs still in the queue at cancellation
// are executed before the workers exit. A panicking job takes down neither
// the worker nor the process.
func Spawn(ctx context.Context, numWorkers int, jobs <-chan Job, logger *slog.Logger) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			executeJob := func(job Job) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("background job panicked",
							"worker_id", workerID,
							"panic", fmt.Sprintf("%v", r),
						)
					}
				}()

				if err := job.Execute(ctx); err != nil {
					logger.Warn("background job failed",
						"worker_id", workerID,
						"error", err,
					)
				}
			}

			for {
				select {
				case <-ctx.Done():
					for {
						select {
						case job, ok := <-jobs:
							if !ok {
								return
							}
							executeJob(job)
						default:
							return
						}
					}

				case job, ok := <-jobs:
					if !ok {
						return
					}
					executeJob(job)
				}
			}
		}(i)
	}

	logger.Debug("worker pool spawned", "num_workers", numWorkers)
	return wg
}
