// Package automation owns the running/stopped lifecycle: it drains the watch folder,
// watches it for new files and drives the scheduling and collection ticks.
package automation

import (
	"sync"
	"time"

	"github.com/jonathan/threads-autopost/internal/types"
)

// isoLayout renders snapshot timestamps as ISO-8601 in UTC with milliseconds.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// State is the in-memory runtime state shared by the controller and its loops.
// It is safe for concurrent use.
type State struct {
	mu            sync.RWMutex
	running       bool
	todayPosts    int
	queuedPosts   int
	lastProcessed *time.Time
	nextScheduled *time.Time
	lastScraping  *time.Time
	nextScraping  *time.Time
}

// NewState returns a stopped State.
func NewState() *State {
	return &State{}
}

// IsRunning reports whether automation is running.
func (s *State) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *State) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// TodayPosts is the number of posts dispatched since the last daily reset.
func (s *State) TodayPosts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.todayPosts
}

// RecordDispatch counts a dispatched post.
func (s *State) RecordDispatch(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todayPosts++
	if s.queuedPosts > 0 {
		s.queuedPosts--
	}
}

// ResetDaily zeroes the daily counter.
func (s *State) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todayPosts = 0
}

// SetQueued replaces the cached pending count.
func (s *State) SetQueued(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedPosts = n
}

// SetNextScheduled stores the earliest pending scheduled time.
func (s *State) SetNextScheduled(next *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextScheduled = copyTime(next)
}

// RecordIngestion stores the time of the last successful ingestion.
func (s *State) RecordIngestion(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessed = &at
}

// RecordCollection stores the last and next collection run times.
func (s *State) RecordCollection(last, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScraping = &last
	s.nextScraping = &next
}

// SetNextScraping stores the next planned collection run; nil clears it.
func (s *State) SetNextScraping(next *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextScraping = copyTime(next)
}

// Snapshot returns the status exposed to presentation layers.
func (s *State) Snapshot() types.AutomationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.AutomationStatus{
		IsRunning:     s.running,
		LastProcessed: isoString(s.lastProcessed),
		TodayPosts:    s.todayPosts,
		QueuedPosts:   s.queuedPosts,
		NextScheduled: isoString(s.nextScheduled),
		LastScraping:  isoString(s.lastScraping),
		NextScraping:  isoString(s.nextScraping),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func isoString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(isoLayout)
	return &s
}
