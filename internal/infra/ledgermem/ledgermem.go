package ledgermem

import (
	"context"
	"sort"
	"sync"

	"equiaudit/internal/domain"
)

// Store keeps the ledger in process memory. It is used by tests and by the
// memory ledger backend.
type Store struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, build func(prev *domain.AuditRecord) (domain.AuditRecord, error)) (domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *domain.AuditRecord
	if n := len(s.records); n > 0 {
		last := s.records[n-1].Clone()
		prev = &last
	}
	record, err := build(prev)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	s.records = append(s.records, record.Clone())
	return record, nil
}

func (s *Store) List(ctx context.Context) ([]domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditRecord, len(s.records))
	for i, record := range s.records {
		out[i] = record.Clone()
	}
	return out, nil
}

func (s *Store) Head(ctx context.Context) (*domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	head := s.records[len(s.records)-1].Clone()
	return &head, nil
}

// RunIndex is an in-memory export run index.
type RunIndex struct {
	mu   sync.RWMutex
	runs map[string]domain.ExportRun
}

func NewRunIndex() *RunIndex {
	return &RunIndex{runs: make(map[string]domain.ExportRun)}
}

func (r *RunIndex) Save(ctx context.Context, run domain.ExportRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run.Kinds = append([]string(nil), run.Kinds...)
	r.runs[run.RunID] = run
	return nil
}

func (r *RunIndex) Get(ctx context.Context, runID string) (*domain.ExportRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	run.Kinds = append([]string(nil), run.Kinds...)
	return &run, nil
}

// List returns runs ordered by creation time, newest first.
func (r *RunIndex) List(ctx context.Context) ([]domain.ExportRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ExportRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
