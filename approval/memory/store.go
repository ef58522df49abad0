// Package memory implements approval.Store in-process for tests and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/runctl/engine/approval"
	"github.com/runctl/engine/run"
)

// Store is an in-memory, process-local approval.Store.
type Store struct {
	mu        sync.RWMutex
	approvals map[string]run.Approval
	byStep    map[string]string // "runID/stepIndex" -> approval id, pending only
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		approvals: make(map[string]run.Approval),
		byStep:    make(map[string]string),
	}
}

func key(runID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", runID, stepIndex)
}

func (s *Store) SaveApproval(_ context.Context, a run.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.ID] = a
	k := key(a.RunID, a.StepIndex)
	if a.State == run.ApprovalPending {
		s.byStep[k] = a.ID
	} else if s.byStep[k] == a.ID {
		delete(s.byStep, k)
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

// CompareAndSwapApproval writes next only while the currently stored
// Approval's State still equals expected, all under the same lock SaveApproval
// uses, so a concurrent Decide/expire pair can never both observe success.
func (s *Store) CompareAndSwapApproval(_ context.Context, next run.Approval, expected run.ApprovalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.approvals[next.ID]
	if !ok {
		return run.ErrNotFound
	}
	if current.State != expected {
		return approval.ErrApprovalConflict
	}
	s.approvals[next.ID] = next
	k := key(next.RunID, next.StepIndex)
	if next.State == run.ApprovalPending {
		s.byStep[k] = next.ID
	} else if s.byStep[k] == next.ID {
		delete(s.byStep, k)
	}
	return nil
}

func (s *Store) PendingApprovalFor(_ context.Context, runID string, stepIndex int) (run.Approval, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byStep[key(runID, stepIndex)]
	if !ok {
		return run.Approval{}, false, nil
	}
	return s.approvals[id], true, nil
}
