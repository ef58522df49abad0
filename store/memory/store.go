// Package memory implements run.Store entirely in process memory: a single
// process's map of Runs, Steps, and Approvals guarded by one mutex. It is
// the default store for tests and single-process deployments; store/mongo
// is the durable, multi-process-safe implementation for production.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/runctl/engine/run"
)

// Store is an in-memory run.Store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]run.Run
	steps     map[string]map[int]run.Step
	approvals map[string]run.Approval
	byRunStep map[string]string // "runID/index" -> approvalID, only while pending
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]run.Run),
		steps:     make(map[string]map[int]run.Step),
		approvals: make(map[string]run.Approval),
		byRunStep: make(map[string]string),
	}
}

func (s *Store) CreateRun(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return run.ErrConflict
	}
	s.runs[r.ID] = r
	s.steps[r.ID] = make(map[int]run.Step)
	return nil
}

func (s *Store) LoadRun(_ context.Context, tenantID, runID string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok || r.TenantID != tenantID {
		return run.Run{}, run.ErrNotFound
	}
	return r, nil
}

func (s *Store) SaveRun(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *Store) SaveStep(_ context.Context, step run.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.steps[step.RunID]
	if !ok {
		byIndex = make(map[int]run.Step)
		s.steps[step.RunID] = byIndex
	}
	byIndex[step.Index] = step
	return nil
}

func (s *Store) LoadStep(_ context.Context, runID string, index int) (run.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex, ok := s.steps[runID]
	if !ok {
		return run.Step{}, run.ErrNotFound
	}
	step, ok := byIndex[index]
	if !ok {
		return run.Step{}, run.ErrNotFound
	}
	return step, nil
}

func (s *Store) ListSteps(_ context.Context, runID string) ([]run.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex, ok := s.steps[runID]
	if !ok {
		return nil, nil
	}
	out := make([]run.Step, 0, len(byIndex))
	for _, step := range byIndex {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) SaveApproval(_ context.Context, a run.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.ID] = a
	key := runStepKey(a.RunID, a.StepIndex)
	if a.State == run.ApprovalPending {
		s.byRunStep[key] = a.ID
	} else if s.byRunStep[key] == a.ID {
		delete(s.byRunStep, key)
	}
	return nil
}

func (s *Store) LoadApproval(_ context.Context, id string) (run.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return run.Approval{}, run.ErrNotFound
	}
	return a, nil
}

func (s *Store) PendingApprovalFor(_ context.Context, runID string, stepIndex int) (run.Approval, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRunStep[runStepKey(runID, stepIndex)]
	if !ok {
		return run.Approval{}, false, nil
	}
	a, ok := s.approvals[id]
	return a, ok, nil
}

// CompareAndSwapApproval writes next only while the stored Approval's State
// still equals expected, under the same lock SaveApproval uses, so a
// concurrent Decide and expiry sweep over the same Approval can never both
// succeed (spec §8).
func (s *Store) CompareAndSwapApproval(_ context.Context, next run.Approval, expected run.ApprovalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.approvals[next.ID]
	if !ok {
		return run.ErrNotFound
	}
	if current.State != expected {
		return run.ErrConflict
	}
	s.approvals[next.ID] = next
	key := runStepKey(next.RunID, next.StepIndex)
	if next.State == run.ApprovalPending {
		s.byRunStep[key] = next.ID
	} else if s.byRunStep[key] == next.ID {
		delete(s.byRunStep, key)
	}
	return nil
}

// ListPendingApprovals satisfies approval/cron.Lister so Store can back a
// periodic expiry sweep directly, with no separate index to keep in sync.
func (s *Store) ListPendingApprovals(_ context.Context) ([]run.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]run.Approval, 0, len(s.byRunStep))
	for _, id := range s.byRunStep {
		if a, ok := s.approvals[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func runStepKey(runID string, stepIndex int) string {
	return runID + "/" + strconv.Itoa(stepIndex)
}
