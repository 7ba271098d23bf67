package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	started []string
	ended   []string
	failed  map[string]error
}

func newRecorder() *recorder {
	return &recorder{failed: make(map[string]error)}
}

func (r *recorder) TaskStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recorder) TaskEnded(id string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, id)
}

func (r *recorder) TaskFailed(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = err
}

func TestTaskEvents(t *testing.T) {
	rec := newRecorder()
	p := New(4, 0, rec)

	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), Func(fmt.Sprintf("ok-%d", i), func(ctx context.Context) error {
			return nil
		})))
	}
	require.NoError(t, p.Submit(context.Background(), Func("err", func(ctx context.Context) error {
		return errors.New("boom")
	})))
	require.NoError(t, p.Submit(context.Background(), Func("panic", func(ctx context.Context) error {
		panic("worker exploded")
	})))

	require.NoError(t, p.Stop(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.started, 10)
	assert.Len(t, rec.ended, 8)
	require.Len(t, rec.failed, 2)
	assert.EqualError(t, rec.failed["err"], "boom")

	var pe *PanicError
	require.ErrorAs(t, rec.failed["panic"], &pe)
	assert.Equal(t, "worker exploded", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	stats := p.Stats()
	assert.Equal(t, uint64(8), stats.Completed)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Queued)
}

func TestConcurrencyIsBounded(t *testing.T) {
	p := New(3, 0, newRecorder())

	var current, peak int32
	for i := 0; i < 12; i++ {
		require.NoError(t, p.Submit(context.Background(), Func("t", func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})))
	}

	require.NoError(t, p.Stop(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, uint64(12), p.Stats().Completed)
}

func TestBoundedQueueBlocksSubmit(t *testing.T) {
	p := New(1, 1, newRecorder())
	release := make(chan struct{})
	blocker := Func("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	require.NoError(t, p.Submit(context.Background(), blocker))
	require.NoError(t, p.Submit(context.Background(), blocker))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, blocker)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, uint64(2), p.Stats().Completed)
}

func TestStopLetsRunningTasksFinish(t *testing.T) {
	p := New(2, 0, newRecorder())
	started := make(chan struct{})
	var finished atomic.Bool

	require.NoError(t, p.Submit(context.Background(), Func("slow", func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})))
	<-started

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, finished.Load())

	assert.ErrorIs(t, p.Submit(context.Background(), Func("late", func(ctx context.Context) error { return nil })), ErrStopped)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestStopDeadlineCancelsTasks(t *testing.T) {
	p := New(1, 0, newRecorder())
	started := make(chan struct{})
	cancelled := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), Func("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestBlockedSubmitReturnsOnStop(t *testing.T) {
	p := New(1, 1, newRecorder())
	release := make(chan struct{})
	blocker := Func("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, p.Submit(context.Background(), blocker))
	require.NoError(t, p.Submit(context.Background(), blocker))

	errc := make(chan error, 1)
	go func() {
		errc <- p.Submit(context.Background(), blocker)
	}()

	time.Sleep(10 * time.Millisecond)
	stopped := make(chan error, 1)
	go func() {
		stopped <- p.Stop(context.Background())
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("blocked submit did not return")
	}
	close(release)
	require.NoError(t, <-stopped)
}
