// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// DefaultCapacity bounds how many preview rows are retained.
const DefaultCapacity = 1000

// PreviewStore keeps the most recent preview records in a ring.
type PreviewStore struct {
	mu       sync.RWMutex
	records  []edge.PreviewRecord
	capacity int
}

// NewPreviewStore constructs a PreviewStore. A non-positive capacity uses DefaultCapacity.
func NewPreviewStore(capacity int) *PreviewStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PreviewStore{capacity: capacity}
}

// RecordPreview appends a record, evicting the oldest beyond capacity.
func (s *PreviewStore) RecordPreview(_ context.Context, record edge.PreviewRecord) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]edge.PreviewRecord(nil), s.records[over:]...)
	}
	return nil
}

// RecentPreviews returns up to limit records, newest first.
func (s *PreviewStore) RecentPreviews(_ context.Context, limit int) ([]edge.PreviewRecord, error) {
	s.mu.RLock()
	out := append([]edge.PreviewRecord(nil), s.records...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ServedAt.After(out[j].ServedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *PreviewStore) Ping(context.Context) error {
	return nil
}
