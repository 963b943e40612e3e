// Package session owns uploaded volumes and their one-time segmentation results.
//
// A Store maps opaque session ids to sessions. Each session moves through
// created → segmenting → segmented, and is destroyed by deletion or by the
// Reaper once idle longer than the retention window.
package session

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/mriseg/internal/classes"
	"github.com/Veraticus/mriseg/internal/volume"
)

// Result is the output of one segmentation run. It is immutable once attached.
type Result struct {
	Masks      []*volume.Mask // One per slice, display size
	Display    []*image.Gray  // One per slice, display size
	Statistics []classes.Stat // Whole-volume tally, every class id
	Duration   time.Duration  // Wall-clock run time
}

// NumSlices returns the number of segmented slices.
func (r *Result) NumSlices() int {
	return len(r.Masks)
}

// Session is the server-held state for one uploaded volume.
type Session struct {
	ID        string
	CreatedAt time.Time
	Volume    *volume.Volume

	lastAccess atomic.Int64 // Unix nanoseconds
	mu         sync.RWMutex
	state      State
	result     *Result
}

func newSession(id string, vol *volume.Volume, now time.Time) *Session {
	s := &Session{
		ID:        id,
		CreatedAt: now,
		Volume:    vol,
		state:     StateCreated,
	}
	s.lastAccess.Store(now.UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Result returns the attached result, or nil before segmentation completes.
func (s *Session) Result() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// LastAccess returns the time of the most recent successful lookup.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(s.LastAccess())
}
