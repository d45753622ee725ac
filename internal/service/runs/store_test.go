package runs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

// fakeStore is an in-memory run store with the same transition rules the
// SQL layer enforces: conditional insert against active keys, claim only
// from pending, outcomes only from running.
type fakeStore struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]*model.Run
	order []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[uuid.UUID]*model.Run{}}
}

func (s *fakeStore) seed(run model.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := run
	s.runs[r.ID] = &r
	s.order = append(s.order, r.ID)
}

func (s *fakeStore) get(id uuid.UUID) model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func (s *fakeStore) InsertRunIfAbsent(_ context.Context, run model.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Kind == run.Kind && r.IdempotencyKey == run.IdempotencyKey && !r.Status.Terminal() {
			return false, nil
		}
	}
	r := run
	s.runs[r.ID] = &r
	s.order = append(s.order, r.ID)
	return true, nil
}

func (s *fakeStore) GetActiveRun(_ context.Context, kind model.RunKind, key string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Kind == kind && r.IdempotencyKey == key && !r.Status.Terminal() {
			return *r, nil
		}
	}
	return model.Run{}, storage.ErrNotFound
}

func (s *fakeStore) GetLatestRun(_ context.Context, kind model.RunKind, key string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.runs[s.order[i]]
		if r.Kind == kind && r.IdempotencyKey == key {
			return *r, nil
		}
	}
	return model.Run{}, storage.ErrNotFound
}

func (s *fakeStore) ClaimNextPending(_ context.Context, now time.Time) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		r := s.runs[id]
		if r.Status == model.RunStatusPending {
			r.Status = model.RunStatusRunning
			r.StartedAt = &now
			r.UpdatedAt = now
			return *r, nil
		}
	}
	return model.Run{}, storage.ErrNotFound
}

func (s *fakeStore) CompleteRun(_ context.Context, id uuid.UUID, output map[string]any, now time.Time) error {
	return s.finish(id, model.RunStatusCompleted, output, nil, "", now)
}

func (s *fakeStore) MarkRunPendingReview(_ context.Context, id uuid.UUID, output map[string]any, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != model.RunStatusRunning {
		return storage.ErrInvalidTransition
	}
	r.Status = model.RunStatusPendingReview
	r.Output = output
	r.UpdatedAt = now
	return nil
}

func (s *fakeStore) FailRun(_ context.Context, id uuid.UUID, kind model.ErrorKind, message string, now time.Time) error {
	return s.finish(id, model.RunStatusFailed, nil, &kind, message, now)
}

func (s *fakeStore) finish(id uuid.UUID, status model.RunStatus, output map[string]any, errKind *model.ErrorKind, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != model.RunStatusRunning {
		return storage.ErrInvalidTransition
	}
	r.Status = status
	r.Output = output
	r.ErrorKind = errKind
	if message != "" {
		r.ErrorMessage = &message
	}
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *fakeStore) ReapTimedOut(_ context.Context, kind model.RunKind, cutoff, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	timeout := model.ErrKindTimeout
	for _, id := range s.order {
		r := s.runs[id]
		if r.Kind == kind && r.Status == model.RunStatusRunning && r.StartedAt != nil && r.StartedAt.Before(cutoff) {
			r.Status = model.RunStatusFailed
			r.ErrorKind = &timeout
			r.CompletedAt = &now
			r.UpdatedAt = now
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func testPolicies() PolicyTable {
	return PolicyTable{
		model.RunKindAnalysis: {Reuse: ReuseTerminal, Timeout: time.Minute},
		model.RunKindReport:   {Reuse: ReuseActiveOnly, Timeout: time.Minute, ApprovalGate: true},
		model.RunKindExport:   {Reuse: ReuseActiveOnly, Timeout: time.Minute},
		model.RunKindIncidentEvaluation: {
			Reuse: ReuseActiveOnly, Timeout: time.Minute,
		},
	}
}
