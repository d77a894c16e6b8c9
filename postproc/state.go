package postproc

import (
	"sync"
	"time"
)

// ResultStore holds the latest run result for the HTTP endpoints
type ResultStore struct {
	mu       sync.RWMutex
	result   *Result
	summary  *RunSummary
	geometry *ChannelGeometry
	updated  time.Time
}

// NewResultStore creates an empty store
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// Update replaces the stored result
func (s *ResultStore) Update(runID string, r *Result, geom *ChannelGeometry) {
	summary := Summarize(runID, r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
	s.summary = summary
	s.geometry = geom
	s.updated = time.Now()
}

// HasResult returns true once a run has been stored
func (s *ResultStore) HasResult() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result != nil
}

// Result returns the stored result and probe geometry. Callers must treat
// both as read-only.
func (s *ResultStore) Result() (*Result, *ChannelGeometry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.geometry, s.result != nil
}

// Summary returns a copy of the stored run summary
func (s *ResultStore) Summary() (*RunSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.summary == nil {
		return nil, false
	}
	cp := *s.summary
	return &cp, true
}

// Updated returns when the result was last replaced
func (s *ResultStore) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}
