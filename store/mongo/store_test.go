package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runctl/engine/run"
)

func TestCreateRunRejectsDuplicateID(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	r := run.Run{ID: "run-1", TenantID: "acme", Status: run.StatusPending}

	require.NoError(t, s.CreateRun(ctx, r))
	err := s.CreateRun(ctx, r)
	require.ErrorIs(t, err, run.ErrConflict)
}

func TestLoadRunScopesByTenant(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, run.Run{ID: "run-1", TenantID: "acme"}))

	_, err := s.LoadRun(ctx, "other-tenant", "run-1")
	require.ErrorIs(t, err, run.ErrNotFound)

	loaded, err := s.LoadRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", loaded.ID)
}

func TestSaveRunUpserts(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	r := run.Run{ID: "run-1", TenantID: "acme", Status: run.StatusRunning, Metrics: run.Usage{TokensIn: 10}}
	require.NoError(t, s.SaveRun(ctx, r))

	loaded, err := s.LoadRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, loaded.Status)
	require.Equal(t, int64(10), loaded.Metrics.TokensIn)
}

func TestStepRoundTripAndOrdering(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.SaveStep(ctx, run.Step{RunID: "run-1", Index: 1, Name: "second", Status: run.StepPending}))
	require.NoError(t, s.SaveStep(ctx, run.Step{RunID: "run-1", Index: 0, Name: "first", Status: run.StepPending}))

	steps, err := s.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "first", steps[0].Name)
	require.Equal(t, "second", steps[1].Name)

	step, err := s.LoadStep(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, "first", step.Name)

	_, err = s.LoadStep(ctx, "run-1", 5)
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestApprovalLifecycleAndPendingIndex(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	a := run.Approval{ID: "appr-1", RunID: "run-1", StepIndex: 2, State: run.ApprovalPending, RequestedAt: time.Now()}
	require.NoError(t, s.SaveApproval(ctx, a))

	pending, ok, err := s.PendingApprovalFor(ctx, "run-1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "appr-1", pending.ID)

	a.State = run.ApprovalApproved
	require.NoError(t, s.SaveApproval(ctx, a))

	_, ok, err = s.PendingApprovalFor(ctx, "run-1", 2)
	require.NoError(t, err)
	require.False(t, ok)

	loaded, err := s.LoadApproval(ctx, "appr-1")
	require.NoError(t, err)
	require.Equal(t, run.ApprovalApproved, loaded.State)
}

func TestCompareAndSwapApprovalConflict(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	a := run.Approval{ID: "appr-1", RunID: "run-1", StepIndex: 0, State: run.ApprovalPending, RequestedAt: time.Now()}
	require.NoError(t, s.SaveApproval(ctx, a))

	approved := a
	approved.State = run.ApprovalApproved
	approved.Decider = "alice"
	require.NoError(t, s.CompareAndSwapApproval(ctx, approved, run.ApprovalPending))

	expired := a
	expired.State = run.ApprovalExpired
	err := s.CompareAndSwapApproval(ctx, expired, run.ApprovalPending)
	require.ErrorIs(t, err, run.ErrConflict)
}

func TestCompareAndSwapApprovalNotFound(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	err := s.CompareAndSwapApproval(ctx, run.Approval{ID: "missing"}, run.ApprovalPending)
	require.ErrorIs(t, err, run.ErrNotFound)
}

func newTestStore() *Store {
	return newWithCollections(newFakeRunCollection(), newFakeStepCollection(), newFakeApprovalCollection(), time.Second)
}

// --- fake run collection ---

type fakeRunCollection struct {
	mu   sync.Mutex
	docs map[string]runDocument
}

func newFakeRunCollection() *fakeRunCollection {
	return &fakeRunCollection{docs: make(map[string]runDocument)}
}

func (c *fakeRunCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(runDocument)
	if _, exists := c.docs[doc.ID]; exists {
		return nil, mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000, Message: "duplicate key"}}}
	}
	c.docs[doc.ID] = doc
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeRunCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	doc, ok := c.docs[f["_id"].(string)]
	if ok {
		if tenant, hasTenant := f["tenant_id"]; hasTenant && doc.TenantID != tenant {
			ok = false
		}
	}
	if !ok {
		return fakeSingleResult[runDocument]{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult[runDocument]{doc: &copyDoc}
}

func (c *fakeRunCollection) UpdateOne(_ context.Context, filter, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	set := update.(bson.M)["$set"].(runDocument)
	c.docs[id] = set
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeRunCollection) Find(context.Context, any, ...options.Lister[options.FindOptions]) (cursor, error) {
	return nil, errors.New("not used by runs collection")
}

func (c *fakeRunCollection) Indexes() indexView { return fakeIndexView{} }

// --- fake step collection ---

type fakeStepCollection struct {
	mu   sync.Mutex
	docs map[string]stepDocument
}

func newFakeStepCollection() *fakeStepCollection {
	return &fakeStepCollection{docs: make(map[string]stepDocument)}
}

func (c *fakeStepCollection) InsertOne(context.Context, any, ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return nil, errors.New("not used by steps collection")
}

func (c *fakeStepCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult[stepDocument]{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult[stepDocument]{doc: &copyDoc}
}

func (c *fakeStepCollection) UpdateOne(_ context.Context, filter, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	set := update.(bson.M)["$set"].(stepDocument)
	c.docs[id] = set
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeStepCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	var out []stepDocument
	for _, d := range c.docs {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return fakeCursor[stepDocument]{docs: out, less: func(a, b stepDocument) bool { return a.Index < b.Index }}, nil
}

func (c *fakeStepCollection) Indexes() indexView { return fakeIndexView{} }

// --- fake approval collection ---

type fakeApprovalCollection struct {
	mu   sync.Mutex
	docs map[string]approvalDocument
}

func newFakeApprovalCollection() *fakeApprovalCollection {
	return &fakeApprovalCollection{docs: make(map[string]approvalDocument)}
}

func (c *fakeApprovalCollection) InsertOne(context.Context, any, ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return nil, errors.New("not used by approvals collection")
}

func (c *fakeApprovalCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	if id, ok := f["_id"]; ok {
		doc, found := c.docs[id.(string)]
		if !found {
			return fakeSingleResult[approvalDocument]{err: mongodriver.ErrNoDocuments}
		}
		copyDoc := doc
		return fakeSingleResult[approvalDocument]{doc: &copyDoc}
	}
	runID, _ := f["run_id"].(string)
	stepIndex, _ := f["step_index"].(int)
	state, _ := f["state"].(run.ApprovalState)
	for _, d := range c.docs {
		if d.RunID == runID && d.StepIndex == stepIndex && d.State == state {
			copyDoc := d
			return fakeSingleResult[approvalDocument]{doc: &copyDoc}
		}
	}
	return fakeSingleResult[approvalDocument]{err: mongodriver.ErrNoDocuments}
}

func (c *fakeApprovalCollection) UpdateOne(_ context.Context, filter, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	id := f["_id"].(string)
	set := update.(bson.M)["$set"].(approvalDocument)
	if expected, ok := f["state"]; ok {
		current, exists := c.docs[id]
		if !exists || current.State != expected {
			return &mongodriver.UpdateResult{MatchedCount: 0}, nil
		}
	}
	c.docs[id] = set
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeApprovalCollection) Find(context.Context, any, ...options.Lister[options.FindOptions]) (cursor, error) {
	return nil, errors.New("not used by approvals collection")
}

func (c *fakeApprovalCollection) Indexes() indexView { return fakeIndexView{} }

// --- shared fakes ---

type fakeSingleResult[T any] struct {
	doc *T
	err error
}

func (r fakeSingleResult[T]) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*T)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*target = *r.doc
	return nil
}

type fakeCursor[T any] struct {
	docs []T
	less func(a, b T) bool
}

func (c fakeCursor[T]) All(_ context.Context, results any) error {
	out := make([]T, len(c.docs))
	copy(out, c.docs)
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if c.less(out[j], out[i]) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	target, ok := results.(*[]T)
	if !ok {
		return errors.New("unsupported cursor target")
	}
	*target = out
	return nil
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "idx", nil
}
