package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCleanupInterval is the default interval at which expired sessions are reaped.
	DefaultCleanupInterval = 5 * time.Minute
)

// Reaper periodically destroys idle-expired sessions.
type Reaper struct {
	store    *Store
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewReaper creates a reaper for store. A non-positive interval uses DefaultCleanupInterval.
func NewReaper(store *Store, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Reaper{
		store:    store,
		interval: interval,
	}
}

// Start begins periodic reaping until ctx is canceled or Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	reapCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.run(reapCtx)

	return nil
}

// Stop halts the reaper and waits for its goroutine to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}

	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning reports whether the reaper goroutine is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		if r.done != nil {
			close(r.done)
		}
		r.mu.Unlock()
	}()

	logger := slog.Default().With(
		slog.String("component", "session.reaper"),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reap(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "Session reaper stopping")
			return

		case <-ticker.C:
			r.reap(ctx, logger)
		}
	}
}

func (r *Reaper) reap(ctx context.Context, logger *slog.Logger) {
	startTime := time.Now()
	removed := r.store.CleanupExpired()
	duration := time.Since(startTime)

	if removed > 0 {
		logger.InfoContext(ctx, "Reaped expired sessions",
			slog.Int("removed", removed),
			slog.Duration("duration", duration),
		)
	}

	stats := r.store.Stats()
	logger.DebugContext(ctx, "Session stats after reap",
		slog.Int("total", stats.Total),
		slog.Int("segmenting", stats.Segmenting),
		slog.Int("segmented", stats.Segmented),
	)
}
