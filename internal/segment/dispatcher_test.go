package segment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/segment"
)

type recordingPanicHandler struct {
	mu     sync.Mutex
	values []any
}

func (h *recordingPanicHandler) HandlePanic(_, _ string, panicValue any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, panicValue)
}

func TestDispatcher_RunsJobsInOrder(t *testing.T) {
	d := segment.NewDispatcher(segment.DispatcherConfig{Workers: 1, QueueDepth: 10})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var (
		mu    sync.Mutex
		order []int
	)
	var jobs []*segment.Job
	for i := range 5 {
		job := segment.NewJob(context.Background(), "s", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, d.Submit(job))
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		require.NoError(t, job.Wait())
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	stats := d.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Completed)
	assert.Equal(t, 1, stats.Workers)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := segment.NewDispatcher(segment.DispatcherConfig{Workers: 1, QueueDepth: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker := segment.NewJob(context.Background(), "a", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	require.NoError(t, d.Submit(blocker))
	<-started

	waiting := segment.NewJob(context.Background(), "b", func(context.Context) error { return nil })
	require.NoError(t, d.Submit(waiting))

	err := d.Submit(segment.NewJob(context.Background(), "c", func(context.Context) error { return nil }))
	assert.True(t, apperr.Is(err, apperr.ResourceExhausted))
	assert.Equal(t, int64(1), d.Stats().Rejected)

	close(gate)
	require.NoError(t, blocker.Wait())
	require.NoError(t, waiting.Wait())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	handler := &recordingPanicHandler{}
	d := segment.NewDispatcher(segment.DispatcherConfig{Workers: 1, PanicHandler: handler})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	bad := segment.NewJob(context.Background(), "s", func(context.Context) error { panic("kaboom") })
	require.NoError(t, d.Submit(bad))
	err := bad.Wait()
	assert.True(t, apperr.Is(err, apperr.InferenceFailure))

	// The worker survives.
	good := segment.NewJob(context.Background(), "s", func(context.Context) error { return nil })
	require.NoError(t, d.Submit(good))
	assert.NoError(t, good.Wait())

	assert.Equal(t, []any{"kaboom"}, handler.values)
	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestDispatcher_SkipsCanceledJobs(t *testing.T) {
	d := segment.NewDispatcher(segment.DispatcherConfig{Workers: 1})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	job := segment.NewJob(ctx, "s", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, d.Submit(job))
	assert.ErrorIs(t, job.Wait(), context.Canceled)
	assert.False(t, ran.Load())
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d := segment.NewDispatcher(segment.DispatcherConfig{})

	err := d.Submit(segment.NewJob(context.Background(), "s", func(context.Context) error { return nil }))
	assert.True(t, apperr.Is(err, apperr.ResourceExhausted), "not started")

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, segment.DefaultWorkers, d.Stats().Workers)
	assert.Equal(t, segment.DefaultQueueDepth, d.Stats().QueueDepth)

	d.Stop()
	d.Stop()

	err = d.Submit(segment.NewJob(context.Background(), "s", func(context.Context) error { return nil }))
	assert.True(t, apperr.Is(err, apperr.ResourceExhausted))
	assert.Error(t, d.Start(context.Background()))
}

func TestDispatcher_StopFailsQueuedJobs(t *testing.T) {
	d := segment.NewDispatcher(segment.DispatcherConfig{Workers: 1, QueueDepth: 4})
	require.NoError(t, d.Start(context.Background()))

	gate := make(chan struct{})
	started := make(chan struct{})
	running := segment.NewJob(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-gate
		return errors.New("interrupted")
	})
	require.NoError(t, d.Submit(running))
	<-started

	queued := segment.NewJob(context.Background(), "b", func(context.Context) error { return nil })
	require.NoError(t, d.Submit(queued))

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	close(gate)
	<-stopped

	assert.EqualError(t, running.Wait(), "interrupted")
	err := queued.Wait()
	// The queued job either ran before the worker saw the stop or was failed by Stop.
	if err != nil {
		assert.True(t, apperr.Is(err, apperr.ResourceExhausted))
	}
}

func TestDispatcher_ParallelWorkers(t *testing.T) {
	d := segment.NewDispatcher(segment.DispatcherConfig{Workers: 3, QueueDepth: 3})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var active, peak atomic.Int32
	gate := make(chan struct{})
	var jobs []*segment.Job
	for range 3 {
		job := segment.NewJob(context.Background(), "s", func(context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			active.Add(-1)
			return nil
		})
		require.NoError(t, d.Submit(job))
		jobs = append(jobs, job)
	}

	assert.Eventually(t, func() bool { return peak.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(gate)
	for _, job := range jobs {
		require.NoError(t, job.Wait())
	}
}
