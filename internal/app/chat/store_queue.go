package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// storeJob is one unit of identity store work.
type storeJob func(ctx context.Context)

// storeQueue runs store jobs one at a time in submission order.
//
// The relay loop never blocks on push, so a slow store cannot stall routing, and
// FIFO execution keeps the persisted presence flag in the order the loop decided it.
type storeQueue struct {
	mu     sync.Mutex
	jobs   []storeJob
	signal chan struct{}
	logger zerolog.Logger
}

func newStoreQueue(logger zerolog.Logger) *storeQueue {
	return &storeQueue{
		signal: make(chan struct{}, 1),
		logger: logger,
	}
}

// push appends a job. It never blocks.
func (q *storeQueue) push(job storeJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *storeQueue) pop() storeJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job
}

// Len returns the number of jobs waiting to run.
func (q *storeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// run executes jobs until ctx is done. Jobs still queued at that point are dropped.
func (q *storeQueue) run(ctx context.Context) {
	for {
		job := q.pop()
		if job == nil {
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				if n := q.Len(); n > 0 {
					q.logger.Warn().Int("dropped_jobs", n).Msg("Store queue stopped with pending jobs.")
				}
				return
			}
		}

		if ctx.Err() != nil {
			q.logger.Warn().Int("dropped_jobs", q.Len()+1).Msg("Store queue stopped with pending jobs.")
			return
		}

		q.exec(ctx, job)
	}
}

func (q *storeQueue) exec(ctx context.Context, job storeJob) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error().Interface("panic", rec).Msg("Store job panic recovered.")
		}
	}()

	job(ctx)
}
