package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(size int) *workQueue {
	return newWorkQueue(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWorkQueue_RunsDispatchedWork(t *testing.T) {
	queue := newTestQueue(4)

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, queue.Dispatch(context.Background(), func(ctx context.Context) {
			count.Add(1)
		}))
	}
	queue.Drain()

	assert.Equal(t, int64(10), count.Load())
}

func TestWorkQueue_BoundsConcurrency(t *testing.T) {
	queue := newTestQueue(2)

	var active, peak atomic.Int64
	for i := 0; i < 8; i++ {
		require.NoError(t, queue.Dispatch(context.Background(), func(ctx context.Context) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
		}))
	}
	queue.Drain()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestWorkQueue_SurvivesPanickingJob(t *testing.T) {
	queue := newTestQueue(1)

	require.NoError(t, queue.Dispatch(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))
	queue.Drain()

	// The slot is released, so the queue keeps accepting work.
	var ran atomic.Bool
	require.NoError(t, queue.Dispatch(context.Background(), func(ctx context.Context) {
		ran.Store(true)
	}))
	queue.Drain()

	assert.True(t, ran.Load())
}

func TestWorkQueue_DispatchRespectsCancellation(t *testing.T) {
	queue := newTestQueue(1)

	block := make(chan struct{})
	require.NoError(t, queue.Dispatch(context.Background(), func(ctx context.Context) {
		<-block
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := queue.Dispatch(ctx, func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	queue.Drain()
}

func TestWorkQueue_DrainOnEmptyQueueReturns(t *testing.T) {
	queue := newTestQueue(2)

	done := make(chan struct{})
	go func() {
		queue.Drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain blocked on an empty queue")
	}
}
