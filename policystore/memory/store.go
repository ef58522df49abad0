// Package memory holds the active Policy document per tenant in process
// memory, satisfying executor.PolicyProvider. Activation is atomic per
// spec §5: a new version becomes visible to subsequent Run starts, while
// Runs already in flight keep the Document they captured at submission.
package memory

import (
	"context"
	"sync"

	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/runerr"
)

// Store holds one active policydoc.Document per tenant.
type Store struct {
	mu     sync.RWMutex
	active map[string]policydoc.Document
}

// New builds an empty Store.
func New() *Store {
	return &Store{active: make(map[string]policydoc.Document)}
}

// Activate replaces tenantID's active Document.
func (s *Store) Activate(tenantID string, doc policydoc.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[tenantID] = doc
}

// ActivePolicy implements executor.PolicyProvider.
func (s *Store) ActivePolicy(_ context.Context, tenantID string) (policydoc.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.active[tenantID]
	if !ok {
		return policydoc.Document{}, runerr.New(runerr.Validation, "no active policy for tenant")
	}
	return doc, nil
}
