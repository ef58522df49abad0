package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runctl/engine/run"
)

func (s *Store) SaveApproval(ctx context.Context, a run.Approval) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromApproval(a)
	filter := bson.M{"_id": doc.ID}
	update := bson.M{"$set": doc}
	_, err := s.approvals.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store/mongo: save approval: %w", err)
	}
	return nil
}

func (s *Store) LoadApproval(ctx context.Context, id string) (run.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc approvalDocument
	if err := s.approvals.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Approval{}, run.ErrNotFound
		}
		return run.Approval{}, fmt.Errorf("store/mongo: load approval: %w", err)
	}
	return doc.toApproval(), nil
}

func (s *Store) PendingApprovalFor(ctx context.Context, runID string, stepIndex int) (run.Approval, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc approvalDocument
	filter := bson.M{"run_id": runID, "step_index": stepIndex, "state": run.ApprovalPending}
	if err := s.approvals.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Approval{}, false, nil
		}
		return run.Approval{}, false, fmt.Errorf("store/mongo: pending approval: %w", err)
	}
	return doc.toApproval(), true, nil
}

// CompareAndSwapApproval writes next only if the document currently stored
// under next.ID has state == expected. A zero MatchedCount is ambiguous
// between "no such approval" and "state no longer matches expected", so a
// second read disambiguates which error to return (spec §8: "exactly one
// succeeds" when a human decision races an expiry sweep).
func (s *Store) CompareAndSwapApproval(ctx context.Context, next run.Approval, expected run.ApprovalState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromApproval(next)
	filter := bson.M{"_id": doc.ID, "state": expected}
	update := bson.M{"$set": doc}
	res, err := s.approvals.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("store/mongo: compare-and-swap approval: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	var existing approvalDocument
	if err := s.approvals.FindOne(ctx, bson.M{"_id": doc.ID}).Decode(&existing); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.ErrNotFound
		}
		return fmt.Errorf("store/mongo: compare-and-swap approval lookup: %w", err)
	}
	return run.ErrConflict
}
