package engine

import (
	"context"
	"log/slog"
	"sync"
)

// workQueue bounds how many steps of a frontier wave execute at once. The
// engine dispatches one wave, drains it, then computes the next wave from the
// recorded results, so the queue needs no shutdown state of its own.
type workQueue struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newWorkQueue(size int, logger *slog.Logger) *workQueue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &workQueue{
		slots:  make(chan struct{}, size),
		logger: logger,
	}
}

// Dispatch runs fn on its own goroutine once a slot frees up. It blocks while
// the queue is full so cancellation is observed before the work starts.
func (q *workQueue) Dispatch(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				// Step-level panics are recovered in runStep; this guards the
				// bookkeeping around it so one bad job cannot crash the run.
				q.logger.Error("work queue job panicked", "panic", r)
			}
			<-q.slots
			q.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Drain blocks until every dispatched job has finished.
func (q *workQueue) Drain() {
	q.wg.Wait()
}
