package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runctl/engine/runerr"
)

// Chain appends events to a tenant-scoped hash chain and verifies it.
// Append is serialized per tenant with an in-process mutex; this is
// sufficient for a single executor process and composes with a Store that
// adds its own durability guarantees (store/mongo uses a per-tenant
// optimistic-concurrency document so a second process computes the same
// serialization independently).
type Chain struct {
	store    Store
	redactor *Redactor

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	lockMu  sync.Mutex
}

// NewChain builds a Chain backed by store, redacting payloads with redactor
// before hashing and persisting.
func NewChain(store Store, redactor *Redactor) *Chain {
	return &Chain{store: store, redactor: redactor, locks: make(map[string]*sync.Mutex)}
}

// Append redacts e.Payload, links it to the tenant's current head, assigns
// the next Seq, computes ThisHash, and persists it. If append fails durably, the caller must treat
// the side effect it was about to record as not having happened (spec
// §4.3): callers invoke Append *before* relying on its side effect being
// logged, never after-the-fact as a best-effort note.
func (c *Chain) Append(ctx context.Context, e Event) (Event, error) {
	if e.TenantID == "" {
		return Event{}, runerr.New(runerr.Validation, "audit event missing tenant")
	}
	lock := c.tenantLock(e.TenantID)
	lock.Lock()
	defer lock.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if c.redactor != nil {
		e.Payload = c.redactor.Redact(e.Payload)
	}

	prevHash := ""
	var nextSeq int64
	if last, ok, err := c.store.Last(ctx, e.TenantID); err != nil {
		return Event{}, runerr.Wrap(runerr.Store, "audit: load chain head", err)
	} else if ok {
		prevHash = last.ThisHash
		nextSeq = last.Seq + 1
	}

	e.Seq = nextSeq
	e.PrevHash = prevHash
	e.ThisHash = hashChain(e, prevHash)

	persisted, err := c.store.Append(ctx, e)
	if err != nil {
		return Event{}, runerr.Wrap(runerr.Store, "audit: append", err)
	}
	return persisted, nil
}

func (c *Chain) tenantLock(tenantID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[tenantID] = l
	}
	return l
}

// Range exposes the backing Store's Range query directly, so callers like
// runctl.Service.StreamRunEvents can read a tenant's chain without
// depending on the Store interface themselves.
func (c *Chain) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]Event, error) {
	return c.store.Range(ctx, tenantID, fromSeq, toSeq)
}

// Divergence describes the first point at which a chain fails to verify.
type Divergence struct {
	Seq    int64
	Reason string
}

// Verify recomputes hashes for tenantID's entire chain and reports the
// first divergence, or ok=true if the chain verifies end-to-end (spec
// §4.3, §8).
func (c *Chain) Verify(ctx context.Context, tenantID string) (ok bool, div Divergence, err error) {
	events, err := c.store.Range(ctx, tenantID, 0, -1)
	if err != nil {
		return false, Divergence{}, runerr.Wrap(runerr.Store, "audit: range", err)
	}
	prevHash := ""
	var prevSeq int64 = -1
	for _, e := range events {
		if prevSeq >= 0 && e.Seq != prevSeq+1 {
			return false, Divergence{Seq: e.Seq, Reason: fmt.Sprintf("sequence gap after %d", prevSeq)}, nil
		}
		if e.PrevHash != prevHash {
			return false, Divergence{Seq: e.Seq, Reason: "prev_hash mismatch"}, nil
		}
		want := hashChain(e, prevHash)
		if want != e.ThisHash {
			return false, Divergence{Seq: e.Seq, Reason: "this_hash mismatch"}, nil
		}
		prevHash = e.ThisHash
		prevSeq = e.Seq
	}
	return true, Divergence{}, nil
}
