// Package redis implements approval.Store on Redis so a fleet of executor
// processes shares one pending-approval rendezvous, grounded on the same
// Set/Get/Del key-value usage the toolset registry uses its Redis client
// for (github.com/redis/go-redis/v9).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runctl/engine/approval"
	"github.com/runctl/engine/run"
)

const defaultTTL = 72 * time.Hour

// Store is a Redis-backed approval.Store. Approval rows live at
// "approval:<id>"; the pending-per-step index lives at
// "approval:step:<runID>:<stepIndex>" and is deleted once the Approval
// leaves the pending state.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Store. ttl is set on every key the Store writes, pending or
// terminal, so a key expires from Redis ttl after its last write; it
// defaults to 72h and has no bearing on the Approval's own ExpiryAt field.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func approvalKey(id string) string { return "approval:" + id }
func stepKey(runID string, stepIndex int) string {
	return fmt.Sprintf("approval:step:%s:%d", runID, stepIndex)
}

func (s *Store) SaveApproval(ctx context.Context, a run.Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("approval/redis: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, approvalKey(a.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("approval/redis: set: %w", err)
	}
	sk := stepKey(a.RunID, a.StepIndex)
	if a.State == run.ApprovalPending {
		if err := s.rdb.Set(ctx, sk, a.ID, s.ttl).Err(); err != nil {
			return fmt.Errorf("approval/redis: set step index: %w", err)
		}
		return nil
	}
	current, err := s.rdb.Get(ctx, sk).Result()
	if err == nil && current == a.ID {
		_ = s.rdb.Del(ctx, sk).Err()
	}
	return nil
}

// casScript atomically checks the stored Approval's "State" field against
// ARGV[2] before overwriting the key with ARGV[1], so two racing
// CompareAndSwapApproval calls against the same pending Approval can never
// both report success. Returns 1 on a successful swap, 0 on a conflict (key
// missing or State mismatch).
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local decoded = cjson.decode(current)
if decoded["State"] ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[3])
return 1
`)

func (s *Store) CompareAndSwapApproval(ctx context.Context, next run.Approval, expected run.ApprovalState) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("approval/redis: marshal: %w", err)
	}
	res, err := casScript.Run(ctx, s.rdb, []string{approvalKey(next.ID)}, string(data), string(expected), int(s.ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("approval/redis: compare-and-swap: %w", err)
	}
	if res == 0 {
		return approval.ErrApprovalConflict
	}
	sk := stepKey(next.RunID, next.StepIndex)
	if next.State == run.ApprovalPending {
		if err := s.rdb.Set(ctx, sk, next.ID, s.ttl).Err(); err != nil {
			return fmt.Errorf("approval/redis: set step index: %w", err)
		}
		return nil
	}
	current, err := s.rdb.Get(ctx, sk).Result()
	if err == nil && current == next.ID {
		_ = s.rdb.Del(ctx, sk).Err()
	}
	return nil
}

func (s *Store) LoadApproval(ctx context.Context, id string) (run.Approval, error) {
	data, err := s.rdb.Get(ctx, approvalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return run.Approval{}, run.ErrNotFound
	}
	if err != nil {
		return run.Approval{}, fmt.Errorf("approval/redis: get: %w", err)
	}
	var a run.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return run.Approval{}, fmt.Errorf("approval/redis: unmarshal: %w", err)
	}
	return a, nil
}

func (s *Store) PendingApprovalFor(ctx context.Context, runID string, stepIndex int) (run.Approval, bool, error) {
	id, err := s.rdb.Get(ctx, stepKey(runID, stepIndex)).Result()
	if errors.Is(err, redis.Nil) {
		return run.Approval{}, false, nil
	}
	if err != nil {
		return run.Approval{}, false, fmt.Errorf("approval/redis: get step index: %w", err)
	}
	a, err := s.LoadApproval(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return run.Approval{}, false, nil
	}
	if err != nil {
		return run.Approval{}, false, err
	}
	return a, true, nil
}
