package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testVolume(slices int) *volume.Volume {
	v := &volume.Volume{
		Kind:       volume.KindVolumetric,
		Filename:   "test.nii",
		Dimensions: []int{4, 4, slices},
	}
	for range slices {
		v.Slices = append(v.Slices, volume.NewPlane(4, 4))
	}
	return v
}

func testResult(slices int) *session.Result {
	r := &session.Result{Duration: time.Millisecond}
	for range slices {
		r.Masks = append(r.Masks, volume.NewMask(8, 8))
	}
	return r
}

func TestStore_CreateAndGet(t *testing.T) {
	store := session.NewStore(session.Options{})

	a, err := store.Create(testVolume(3))
	require.NoError(t, err)
	b, err := store.Create(testVolume(3))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, session.StateCreated, a.State())
	assert.Nil(t, a.Result())

	got, err := store.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = store.Get("does-not-exist")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = store.Create(&volume.Volume{})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestStore_RunLifecycle(t *testing.T) {
	store := session.NewStore(session.Options{})
	sess, err := store.Create(testVolume(2))
	require.NoError(t, err)

	_, err = store.BeginRun(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateSegmenting, sess.State())

	_, err = store.BeginRun(sess.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	// Mask count must match the volume.
	err = store.AttachResult(sess.ID, testResult(1))
	require.Error(t, err)
	assert.Equal(t, session.StateSegmenting, sess.State())

	require.NoError(t, store.AttachResult(sess.ID, testResult(2)))
	assert.Equal(t, session.StateSegmented, sess.State())
	first := sess.Result()
	require.NotNil(t, first)

	err = store.AttachResult(sess.ID, testResult(2))
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Same(t, first, sess.Result())

	_, err = store.BeginRun(sess.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Contains(t, apperr.Message(err), "already completed")
}

func TestStore_AbortRunAllowsRetry(t *testing.T) {
	store := session.NewStore(session.Options{})
	sess, err := store.Create(testVolume(1))
	require.NoError(t, err)

	_, err = store.BeginRun(sess.ID)
	require.NoError(t, err)
	store.AbortRun(sess.ID)
	assert.Equal(t, session.StateCreated, sess.State())
	assert.Nil(t, sess.Result())

	_, err = store.BeginRun(sess.ID)
	require.NoError(t, err)

	// Aborting an unknown id is harmless.
	store.AbortRun("nope")
}

func TestStore_ConcurrentBeginRun(t *testing.T) {
	store := session.NewStore(session.Options{})
	sess, err := store.Create(testVolume(1))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.BeginRun(sess.ID)
			switch {
			case err == nil:
				succeeded.Add(1)
			case apperr.Is(err, apperr.Conflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(15), conflicts.Load())
}

func TestStore_Delete(t *testing.T) {
	store := session.NewStore(session.Options{})
	sess, err := store.Create(testVolume(1))
	require.NoError(t, err)

	assert.True(t, store.Delete(sess.ID))
	assert.False(t, store.Delete(sess.ID))
	assert.Equal(t, session.StateDestroyed, sess.State())

	_, err = store.Get(sess.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	// A run finishing after deletion cannot resurrect the session.
	err = store.AttachResult(sess.ID, testResult(1))
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, 0, store.Len())
}

func TestStore_IdleExpiry(t *testing.T) {
	clock := newFakeClock()
	store := session.NewStore(session.Options{Retention: time.Minute, Clock: clock.Now})

	idle, err := store.Create(testVolume(1))
	require.NoError(t, err)
	busy, err := store.Create(testVolume(1))
	require.NoError(t, err)
	fresh, err := store.Create(testVolume(1))
	require.NoError(t, err)

	_, err = store.BeginRun(busy.ID)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	_, err = store.Get(fresh.ID)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	removed := store.CleanupExpired()
	assert.Equal(t, 1, removed)

	_, err = store.Get(idle.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, session.StateDestroyed, idle.State())

	// Segmenting sessions survive the reaper.
	assert.Equal(t, session.StateSegmenting, busy.State())
	_, err = store.Get(fresh.ID)
	require.NoError(t, err)
}

func TestStore_GetExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	store := session.NewStore(session.Options{Retention: time.Minute, Clock: clock.Now})

	sess, err := store.Create(testVolume(1))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = store.Get(sess.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, 0, store.Len())
}

func TestStore_Capacity(t *testing.T) {
	t.Run("evicts least recently used", func(t *testing.T) {
		clock := newFakeClock()
		store := session.NewStore(session.Options{MaxSessions: 2, EvictLRU: true, Clock: clock.Now})

		first, err := store.Create(testVolume(1))
		require.NoError(t, err)
		clock.Advance(time.Second)
		second, err := store.Create(testVolume(1))
		require.NoError(t, err)
		clock.Advance(time.Second)

		// Touching first makes second the eviction candidate.
		_, err = store.Get(first.ID)
		require.NoError(t, err)
		clock.Advance(time.Second)

		_, err = store.Create(testVolume(1))
		require.NoError(t, err)

		_, err = store.Get(second.ID)
		assert.True(t, apperr.Is(err, apperr.NotFound))
		_, err = store.Get(first.ID)
		assert.NoError(t, err)
		assert.Equal(t, 2, store.Len())
	})

	t.Run("never evicts a running session", func(t *testing.T) {
		store := session.NewStore(session.Options{MaxSessions: 1, EvictLRU: true})

		sess, err := store.Create(testVolume(1))
		require.NoError(t, err)
		_, err = store.BeginRun(sess.ID)
		require.NoError(t, err)

		_, err = store.Create(testVolume(1))
		assert.True(t, apperr.Is(err, apperr.ResourceExhausted))
	})

	t.Run("rejects when eviction disabled", func(t *testing.T) {
		store := session.NewStore(session.Options{MaxSessions: 1})

		_, err := store.Create(testVolume(1))
		require.NoError(t, err)
		_, err = store.Create(testVolume(1))
		assert.True(t, apperr.Is(err, apperr.ResourceExhausted))
	})

	t.Run("purges expired before rejecting", func(t *testing.T) {
		clock := newFakeClock()
		store := session.NewStore(session.Options{MaxSessions: 1, Retention: time.Minute, Clock: clock.Now})

		_, err := store.Create(testVolume(1))
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		_, err = store.Create(testVolume(1))
		assert.NoError(t, err)
	})
}

func TestStore_Stats(t *testing.T) {
	store := session.NewStore(session.Options{MaxSessions: 10})

	a, _ := store.Create(testVolume(1))
	b, _ := store.Create(testVolume(1))
	_, _ = store.Create(testVolume(1))

	_, err := store.BeginRun(a.ID)
	require.NoError(t, err)
	_, err = store.BeginRun(b.ID)
	require.NoError(t, err)
	require.NoError(t, store.AttachResult(b.ID, testResult(1)))

	assert.Equal(t, session.Stats{Total: 3, Created: 1, Segmenting: 1, Segmented: 1, Capacity: 10}, store.Stats())

	store.Close()
	assert.Equal(t, 0, store.Stats().Total)
	assert.Equal(t, session.StateDestroyed, a.State())
}

func TestReaper_StartStop(t *testing.T) {
	clock := newFakeClock()
	store := session.NewStore(session.Options{Retention: time.Minute, Clock: clock.Now})
	_, err := store.Create(testVolume(1))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	reaper := session.NewReaper(store, 10*time.Millisecond)
	require.NoError(t, reaper.Start(context.Background()))
	// A second start is a no-op.
	require.NoError(t, reaper.Start(context.Background()))
	assert.True(t, reaper.IsRunning())

	// The initial reap runs immediately.
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	reaper.Stop()
	assert.False(t, reaper.IsRunning())
	reaper.Stop()
}

func TestReaper_StopsWithContext(t *testing.T) {
	store := session.NewStore(session.Options{})
	reaper := session.NewReaper(store, 0)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, reaper.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !reaper.IsRunning() }, time.Second, 5*time.Millisecond)
}
