package domain

import (
	"sync"
	"time"
)

// ReadingStore keeps the most recent accepted reading plus poll counters
// for the status API. Safe for concurrent use.
type ReadingStore struct {
	mu          sync.RWMutex
	last        *Reading
	polls       int64
	successes   int64
	failures    int64
	lastSuccess time.Time
	lastFailure time.Time
}

// NewReadingStore creates an empty reading store.
func NewReadingStore() *ReadingStore {
	return &ReadingStore{}
}

// RecordSuccess stores an accepted reading.
func (s *ReadingStore) RecordSuccess(reading *Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = reading
	s.polls++
	s.successes++
	s.lastSuccess = reading.Timestamp
}

// RecordFailure counts a poll cycle that produced no data.
func (s *ReadingStore) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	s.failures++
	s.lastFailure = time.Now()
}

// Last returns the most recent accepted reading, if any.
func (s *ReadingStore) Last() (*Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.last != nil
}

// StoreStats is a snapshot of the store counters.
type StoreStats struct {
	Polls       int64     `json:"polls"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Stats returns a snapshot of the poll counters.
func (s *ReadingStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Polls:       s.polls,
		Successes:   s.successes,
		Failures:    s.failures,
		LastSuccess: s.lastSuccess,
		LastFailure: s.lastFailure,
	}
}
