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

func (s *Store) SaveStep(ctx context.Context, step run.Step) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromStep(step)
	filter := bson.M{"_id": doc.ID}
	update := bson.M{"$set": doc}
	_, err := s.steps.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store/mongo: save step: %w", err)
	}
	return nil
}

func (s *Store) LoadStep(ctx context.Context, runID string, index int) (run.Step, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	if err := s.steps.FindOne(ctx, bson.M{"_id": stepDocID(runID, index)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Step{}, run.ErrNotFound
		}
		return run.Step{}, fmt.Errorf("store/mongo: load step: %w", err)
	}
	return doc.toStep(), nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.steps.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: list steps: %w", err)
	}
	var docs []stepDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store/mongo: decode steps: %w", err)
	}
	out := make([]run.Step, len(docs))
	for i, d := range docs {
		out[i] = d.toStep()
	}
	return out, nil
}
