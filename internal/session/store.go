package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/volume"
)

const (
	// DefaultRetention is how long an idle session survives.
	DefaultRetention = time.Hour

	// DefaultMaxSessions bounds the number of live sessions.
	DefaultMaxSessions = 64
)

// Options configures a Store.
type Options struct {
	Retention   time.Duration    // Idle time before a session expires
	MaxSessions int              // Maximum live sessions
	EvictLRU    bool             // Evict the least-recently-used session when full
	Clock       func() time.Time // Defaults to time.Now
}

// Stats is a snapshot of session counts by state.
type Stats struct {
	Total      int `json:"total"`
	Created    int `json:"created"`
	Segmenting int `json:"segmenting"`
	Segmented  int `json:"segmented"`
	Capacity   int `json:"capacity"`
}

// Store holds every live session.
type Store struct {
	sessions map[string]*Session
	states   *stateMachine
	opts     Options
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewStore creates an empty session store.
func NewStore(opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Store{
		sessions: make(map[string]*Session),
		states:   newStateMachine(),
		opts:     opts,
		logger:   slog.Default().With(slog.String("component", "session.store")),
	}
}

// Retention returns the idle window after which sessions expire.
func (s *Store) Retention() time.Duration {
	return s.opts.Retention
}

// Create stores vol under a fresh session id.
func (s *Store) Create(vol *volume.Volume) (*Session, error) {
	if vol == nil || vol.NumSlices() == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "session.Create", "Volume has no slices")
	}

	now := s.opts.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.opts.MaxSessions {
		s.purgeExpiredLocked(now)
	}
	if len(s.sessions) >= s.opts.MaxSessions {
		if !s.opts.EvictLRU || !s.evictLRULocked() {
			return nil, apperr.New(apperr.ResourceExhausted, "session.Create",
				"Session limit reached (%d). Try again later", s.opts.MaxSessions)
		}
	}

	sess := newSession(uuid.NewString(), vol, now)
	s.sessions[sess.ID] = sess

	s.logger.Debug("Session created",
		slog.String("session_id", sess.ID),
		slog.String("filename", vol.Filename),
		slog.Int("slices", vol.NumSlices()),
	)

	return sess, nil
}

// Get returns the session for id and refreshes its last access time.
// Unknown and expired ids are NotFound; an expired session is destroyed.
func (s *Store) Get(id string) (*Session, error) {
	sess, err := s.lookup("session.Get", id)
	if err != nil {
		return nil, err
	}
	sess.touch(s.opts.Clock())
	return sess, nil
}

func (s *Store) lookup(op, id string) (*Session, error) {
	s.mu.RLock()
	sess, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, notFound(op)
	}

	if s.expired(sess, s.opts.Clock()) {
		s.Delete(id)
		return nil, notFound(op)
	}

	return sess, nil
}

// BeginRun marks the session as segmenting. Exactly one concurrent caller
// succeeds; the rest receive Conflict.
func (s *Store) BeginRun(id string) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.state {
	case StateSegmented:
		return nil, apperr.New(apperr.Conflict, "session.BeginRun",
			"Segmentation already completed for this session")
	case StateSegmenting:
		return nil, apperr.New(apperr.Conflict, "session.BeginRun",
			"Segmentation already in progress for this session")
	case StateDestroyed:
		return nil, notFound("session.BeginRun")
	}

	if err := s.states.Transition(sess, StateSegmenting); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "session.BeginRun", err, "Failed to start segmentation")
	}
	return sess, nil
}

// AbortRun returns a segmenting session to created so it can be retried.
func (s *Store) AbortRun(id string) {
	s.mu.RLock()
	sess, exists := s.sessions[id]
	s.mu.RUnlock()
	if !exists {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateSegmenting {
		_ = s.states.Transition(sess, StateCreated)
	}
}

// AttachResult stores result on the session. It fails with Conflict if a
// result is already attached and with NotFound if the session is gone.
func (s *Store) AttachResult(id string, result *Result) error {
	if result == nil || result.NumSlices() == 0 {
		return apperr.New(apperr.Internal, "session.AttachResult", "Segmentation produced no masks")
	}

	s.mu.RLock()
	sess, exists := s.sessions[id]
	s.mu.RUnlock()
	if !exists {
		return notFound("session.AttachResult")
	}

	if result.NumSlices() != sess.Volume.NumSlices() {
		return apperr.New(apperr.Internal, "session.AttachResult",
			"Segmentation produced %d masks for %d slices", result.NumSlices(), sess.Volume.NumSlices())
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.result != nil {
		return apperr.New(apperr.Conflict, "session.AttachResult",
			"Segmentation already completed for this session")
	}
	if err := s.states.Transition(sess, StateSegmented); err != nil {
		if sess.state == StateDestroyed {
			return notFound("session.AttachResult")
		}
		return apperr.Wrap(apperr.Internal, "session.AttachResult", err, "Failed to store segmentation")
	}
	sess.result = result
	sess.touch(s.opts.Clock())
	return nil
}

// Delete destroys the session. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	if exists {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !exists {
		return false
	}

	s.destroy(sess)
	s.logger.Debug("Session deleted", slog.String("session_id", id))
	return true
}

// CleanupExpired destroys every idle-expired session that is not segmenting
// and returns how many were removed.
func (s *Store) CleanupExpired() int {
	now := s.opts.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.purgeExpiredLocked(now)
}

// Close destroys every session.
func (s *Store) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.destroy(sess)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns session counts by state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Total:    len(s.sessions),
		Capacity: s.opts.MaxSessions,
	}
	for _, sess := range s.sessions {
		switch sess.State() {
		case StateCreated:
			stats.Created++
		case StateSegmenting:
			stats.Segmenting++
		case StateSegmented:
			stats.Segmented++
		}
	}
	return stats
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return sess.idleSince(now) > s.opts.Retention && sess.State() != StateSegmenting
}

// purgeExpiredLocked requires s.mu held for writing.
func (s *Store) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			s.destroy(sess)
			removed++
		}
	}
	return removed
}

// evictLRULocked requires s.mu held for writing. Segmenting sessions are never evicted.
func (s *Store) evictLRULocked() bool {
	var oldest *Session
	for _, sess := range s.sessions {
		if sess.State() == StateSegmenting {
			continue
		}
		if oldest == nil || sess.LastAccess().Before(oldest.LastAccess()) {
			oldest = sess
		}
	}
	if oldest == nil {
		return false
	}

	delete(s.sessions, oldest.ID)
	s.destroy(oldest)
	s.logger.Info("Evicted least recently used session",
		slog.String("session_id", oldest.ID),
		slog.Time("last_access", oldest.LastAccess()),
	)
	return true
}

func (s *Store) destroy(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_ = s.states.Transition(sess, StateDestroyed)
	sess.result = nil
}

func notFound(op string) error {
	return apperr.New(apperr.NotFound, op, "Session not found")
}
