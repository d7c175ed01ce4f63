package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ddobak/contract-gateway/internal/analysis"
)

// Memory is a process-local Repository used when no database is configured.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) SaveResult(_ context.Context, userID string, res *analysis.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	rec := m.records[res.ContractID]
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ContractID = res.ContractID
	rec.UserID = userID
	rec.ClientID = res.ClientID
	rec.Status = StatusAnalyzed
	rec.StorageKeys = append([]string(nil), res.StorageKeys...)
	rec.FailedState, rec.Error = "", ""
	rec.UpdatedAt = now
	copied := *res
	rec.Result = &copied
	m.records[res.ContractID] = rec
	return nil
}

func (m *Memory) SaveFailure(_ context.Context, userID string, failure *analysis.SubmissionError) error {
	if failure.ContractID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	rec := m.records[failure.ContractID]
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ContractID = failure.ContractID
	rec.UserID = userID
	rec.Status = StatusFailed
	if !needsCleanup(failure) {
		rec.Status = StatusCleaned
	}
	rec.StorageKeys = append([]string(nil), failure.StorageKeys...)
	rec.FailedState = failure.State.String()
	rec.Error = failureMessage(failure)
	rec.UpdatedAt = now
	rec.Result = nil
	m.records[failure.ContractID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, contractID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) PendingCleanup(_ context.Context, before time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Status == StatusFailed && len(rec.StorageKeys) > 0 && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkCleaned(_ context.Context, contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[contractID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusCleaned
	rec.UpdatedAt = m.now().UTC()
	m.records[contractID] = rec
	return nil
}
