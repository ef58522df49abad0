// Package mongo implements run.Store on MongoDB so a fleet of executor
// processes shares one durable projection of Run, Step, and Approval rows,
// grounded on the same collection-wrapping-for-testability pattern the
// teacher's session store client uses (features/run/mongo/clients/mongo).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runctl/engine/run"
)

const (
	defaultRunsCollection      = "runs"
	defaultStepsCollection     = "steps"
	defaultApprovalsCollection = "approvals"
	defaultOpTimeout           = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Client      *mongodriver.Client
	Database    string
	Collections CollectionNames // zero value uses the defaults
	Timeout     time.Duration
}

// CollectionNames overrides the default collection names within Database.
type CollectionNames struct {
	Runs      string
	Steps     string
	Approvals string
}

// Store is a MongoDB-backed run.Store. One Run lives at runs._id == Run.ID;
// its Steps live at steps._id == "<runID>/<index>"; its Approvals live at
// approvals._id == Approval.ID. Safe for concurrent use across processes.
type Store struct {
	runs      collection
	steps     collection
	approvals collection
	timeout   time.Duration
}

// New builds a Store, creating the indexes CreateRun and
// CompareAndSwapApproval rely on for uniqueness and scoped lookups.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("store/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("store/mongo: database is required")
	}
	runsName := opts.Collections.Runs
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	stepsName := opts.Collections.Steps
	if stepsName == "" {
		stepsName = defaultStepsCollection
	}
	approvalsName := opts.Collections.Approvals
	if approvalsName == "" {
		approvalsName = defaultApprovalsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	runs := mongoCollection{coll: db.Collection(runsName)}
	steps := mongoCollection{coll: db.Collection(stepsName)}
	approvals := mongoCollection{coll: db.Collection(approvalsName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, runs, steps, approvals); err != nil {
		return nil, fmt.Errorf("store/mongo: ensure indexes: %w", err)
	}

	return &Store{runs: runs, steps: steps, approvals: approvals, timeout: timeout}, nil
}

func newWithCollections(runs, steps, approvals collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{runs: runs, steps: steps, approvals: approvals, timeout: timeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, runs, steps, approvals collection) error {
	if _, err := runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := steps.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := approvals.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "step_index", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{{Key: "state", Value: "pending"}}),
	}); err != nil {
		return err
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, r run.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.runs.InsertOne(ctx, fromRun(r))
	if mongodriver.IsDuplicateKeyError(err) {
		return run.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store/mongo: create run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, tenantID, runID string) (run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	filter := bson.M{"_id": runID, "tenant_id": tenantID}
	if err := s.runs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Run{}, run.ErrNotFound
		}
		return run.Run{}, fmt.Errorf("store/mongo: load run: %w", err)
	}
	return doc.toRun(), nil
}

func (s *Store) SaveRun(ctx context.Context, r run.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": r.ID}
	update := bson.M{"$set": fromRun(r)}
	_, err := s.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store/mongo: save run: %w", err)
	}
	return nil
}
