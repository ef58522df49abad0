package audit

import "context"

// Store persists the chain. Implementations must assign Seq themselves
// (dense, gap-free, per tenant) and must serialize concurrent Append calls
// for the same tenant — via a per-tenant lock, a single-writer queue, or
// optimistic concurrency with retry (spec §4.3). Store does not compute
// hashes; Chain does, immediately before calling Append, so every Store
// implementation gets identical hashing behavior for free.
type Store interface {
	// Append persists e, which already has PrevHash/ThisHash set by Chain,
	// assigning Seq and returning the persisted copy. Must fail atomically:
	// a failed Append must not have partially applied.
	Append(ctx context.Context, e Event) (Event, error)

	// Last returns the most recently appended event for tenantID, or the
	// zero Event with ok=false if the tenant has no chain yet.
	Last(ctx context.Context, tenantID string) (e Event, ok bool, err error)

	// Range returns events for tenantID with Seq in [fromSeq, toSeq], both
	// inclusive. toSeq of -1 means "through the latest".
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]Event, error)

	// ForResource returns every event tagged with the given resource, in
	// Seq order. Used to build a Run's or Step's audit trail for GetRun.
	ForResource(ctx context.Context, tenantID, resourceKind, resourceID string) ([]Event, error)
}
