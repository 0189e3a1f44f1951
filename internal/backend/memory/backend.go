// Package memory provides an in-process result backend for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

// Backend keeps job records in a map guarded by a RWMutex.
type Backend struct {
	mu      sync.RWMutex
	records map[string]crawler.Record
	history map[string][]crawler.State
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{
		records: make(map[string]crawler.Record),
		history: make(map[string][]crawler.State),
	}
}

// StoreResult upserts record. A terminal record is never replaced.
func (b *Backend) StoreResult(_ context.Context, record crawler.Record) error {
	if record.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[record.JobID]; ok && existing.State.Terminal() {
		return nil
	}
	b.records[record.JobID] = record
	b.history[record.JobID] = append(b.history[record.JobID], record.State)
	return nil
}

// GetResult returns the record for jobID or crawler.ErrNotFound.
func (b *Backend) GetResult(_ context.Context, jobID string) (crawler.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.records[jobID]
	if !ok {
		return crawler.Record{}, crawler.ErrNotFound
	}
	return record, nil
}

// History returns every state stored for jobID, oldest first.
func (b *Backend) History(jobID string) []crawler.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]crawler.State(nil), b.history[jobID]...)
}
