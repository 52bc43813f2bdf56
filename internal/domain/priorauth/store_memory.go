package priorauth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe, in-memory StatusStore. It backs unit tests
// and the development profile; production uses PGStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*WorkflowRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*WorkflowRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec *WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.RequestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.RequestID)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.RequestID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, requestID string, expected, next Status, cause string) (*WorkflowRecord, error) {
	if !CanTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if rec.Status != expected {
		return nil, fmt.Errorf("%w: expected %s, stored %s", ErrStaleTransition, expected, rec.Status)
	}

	now := time.Now().UTC()
	rec.Status = next
	rec.UpdatedAt = now
	rec.History = append(rec.History, StatusTransition{
		From:  expected,
		To:    next,
		At:    now,
		Cause: cause,
	})
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (*WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ListOpen(_ context.Context) ([]*WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*WorkflowRecord
	for _, rec := range s.records {
		if !rec.Status.IsTerminal() {
			open = append(open, cloneRecord(rec))
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open, nil
}

func (s *MemoryStore) IncrementPoll(_ context.Context, requestID string, consecutiveErrs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	rec.PollCount++
	rec.ConsecutivePollErr = consecutiveErrs
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetTracking(_ context.Context, requestID, trackingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	rec.ExternalTrackingID = trackingID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// cloneRecord deep-copies a record so callers never share the stored slices.
func cloneRecord(rec *WorkflowRecord) *WorkflowRecord {
	out := *rec
	out.History = append([]StatusTransition(nil), rec.History...)
	out.Risk.Factors = append([]RiskFactor(nil), rec.Risk.Factors...)
	out.Request.DiagnosisCodes = append([]string(nil), rec.Request.DiagnosisCodes...)
	out.Request.SupportingDocs = append([]string(nil), rec.Request.SupportingDocs...)
	return &out
}
