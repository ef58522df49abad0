package mongo

import (
	"context"
	"strconv"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runctl/engine/run"
)

type usageDocument struct {
	TokensIn  int64   `bson:"tokens_in"`
	TokensOut int64   `bson:"tokens_out"`
	CostUSD   float64 `bson:"cost_usd"`
	WallMS    int64   `bson:"wall_ms"`
}

func fromUsage(u run.Usage) usageDocument {
	return usageDocument{TokensIn: u.TokensIn, TokensOut: u.TokensOut, CostUSD: u.CostUSD, WallMS: u.WallMS}
}

func (d usageDocument) toUsage() run.Usage {
	return run.Usage{TokensIn: d.TokensIn, TokensOut: d.TokensOut, CostUSD: d.CostUSD, WallMS: d.WallMS}
}

type subjectDocument struct {
	ID    string   `bson:"id"`
	Roles []string `bson:"roles,omitempty"`
}

func fromSubject(s run.Subject) subjectDocument {
	return subjectDocument{ID: s.ID, Roles: s.Roles}
}

func (d subjectDocument) toSubject() run.Subject {
	return run.Subject{ID: d.ID, Roles: d.Roles}
}

type contextDocument struct {
	RunID     string            `bson:"run_id"`
	TenantID  string            `bson:"tenant_id"`
	Caller    subjectDocument   `bson:"caller"`
	Mode      run.Mode          `bson:"mode"`
	Labels    map[string]string `bson:"labels,omitempty"`
	Vars      map[string]any    `bson:"vars,omitempty"`
	Totals    usageDocument     `bson:"totals"`
	StartedAt time.Time         `bson:"started_at"`
	Deadline  time.Time         `bson:"deadline,omitempty"`
}

func fromContext(c run.Context) contextDocument {
	return contextDocument{
		RunID:     c.RunID,
		TenantID:  c.TenantID,
		Caller:    fromSubject(c.Caller),
		Mode:      c.Mode,
		Labels:    c.Labels,
		Vars:      c.Vars,
		Totals:    fromUsage(c.Totals),
		StartedAt: c.StartedAt,
		Deadline:  c.Deadline,
	}
}

func (d contextDocument) toContext() run.Context {
	return run.Context{
		RunID:     d.RunID,
		TenantID:  d.TenantID,
		Caller:    d.Caller.toSubject(),
		Mode:      d.Mode,
		Labels:    d.Labels,
		Vars:      d.Vars,
		Totals:    d.Totals.toUsage(),
		StartedAt: d.StartedAt,
		Deadline:  d.Deadline,
	}
}

type runDocument struct {
	ID             string          `bson:"_id"`
	TenantID       string          `bson:"tenant_id"`
	RunbookID      string          `bson:"runbook_id"`
	RunbookVersion string          `bson:"runbook_version"`
	PolicyName     string          `bson:"policy_name"`
	PolicyVersion  string          `bson:"policy_version"`
	Mode           run.Mode        `bson:"mode"`
	Status         run.Status      `bson:"status"`
	Context        contextDocument `bson:"context"`
	Caller         subjectDocument `bson:"caller"`
	CreatedAt      time.Time       `bson:"created_at"`
	CompletedAt    time.Time       `bson:"completed_at,omitempty"`
	Metrics        usageDocument   `bson:"metrics"`
	FailureReason  string          `bson:"failure_reason,omitempty"`
	FailedStep     int             `bson:"failed_step"`
	Cancelled      bool            `bson:"cancelled"`
}

func fromRun(r run.Run) runDocument {
	return runDocument{
		ID:             r.ID,
		TenantID:       r.TenantID,
		RunbookID:      r.RunbookID,
		RunbookVersion: r.RunbookVersion,
		PolicyName:     r.PolicyName,
		PolicyVersion:  r.PolicyVersion,
		Mode:           r.Mode,
		Status:         r.Status,
		Context:        fromContext(r.Context),
		Caller:         fromSubject(r.Caller),
		CreatedAt:      r.CreatedAt,
		CompletedAt:    r.CompletedAt,
		Metrics:        fromUsage(r.Metrics),
		FailureReason:  r.FailureReason,
		FailedStep:     r.FailedStep,
		Cancelled:      r.Cancelled,
	}
}

func (d runDocument) toRun() run.Run {
	return run.Run{
		ID:             d.ID,
		TenantID:       d.TenantID,
		RunbookID:      d.RunbookID,
		RunbookVersion: d.RunbookVersion,
		PolicyName:     d.PolicyName,
		PolicyVersion:  d.PolicyVersion,
		Mode:           d.Mode,
		Status:         d.Status,
		Context:        d.Context.toContext(),
		Caller:         d.Caller.toSubject(),
		CreatedAt:      d.CreatedAt,
		CompletedAt:    d.CompletedAt,
		Metrics:        d.Metrics.toUsage(),
		FailureReason:  d.FailureReason,
		FailedStep:     d.FailedStep,
		Cancelled:      d.Cancelled,
	}
}

type stepDocument struct {
	ID                   string         `bson:"_id"`
	RunID                string         `bson:"run_id"`
	Index                int            `bson:"index"`
	Name                 string         `bson:"name"`
	Tool                 string         `bson:"tool"`
	Args                 map[string]any `bson:"args,omitempty"`
	Status               run.Status     `bson:"status"`
	StartedAt            time.Time      `bson:"started_at,omitempty"`
	FinishedAt           time.Time      `bson:"finished_at,omitempty"`
	Output               map[string]any `bson:"output,omitempty"`
	Error                string         `bson:"error,omitempty"`
	ErrorKind            string         `bson:"error_kind,omitempty"`
	Usage                usageDocument  `bson:"usage"`
	AttemptCount         int            `bson:"attempt_count"`
	CompensatesStepIndex int            `bson:"compensates_step_index"`
	ContinueOnError      bool           `bson:"continue_on_error"`
}

func stepDocID(runID string, index int) string {
	return runID + "/" + strconv.Itoa(index)
}

func fromStep(s run.Step) stepDocument {
	return stepDocument{
		ID:                   stepDocID(s.RunID, s.Index),
		RunID:                s.RunID,
		Index:                s.Index,
		Name:                 s.Name,
		Tool:                 s.Tool,
		Args:                 s.Args,
		Status:               s.Status,
		StartedAt:            s.StartedAt,
		FinishedAt:           s.FinishedAt,
		Output:               s.Output,
		Error:                s.Error,
		ErrorKind:            s.ErrorKind,
		Usage:                fromUsage(s.Usage),
		AttemptCount:         s.AttemptCount,
		CompensatesStepIndex: s.CompensatesStepIndex,
		ContinueOnError:      s.ContinueOnError,
	}
}

func (d stepDocument) toStep() run.Step {
	return run.Step{
		ID:                   d.ID,
		RunID:                d.RunID,
		Index:                d.Index,
		Name:                 d.Name,
		Tool:                 d.Tool,
		Args:                 d.Args,
		Status:               d.Status,
		StartedAt:            d.StartedAt,
		FinishedAt:           d.FinishedAt,
		Output:               d.Output,
		Error:                d.Error,
		ErrorKind:            d.ErrorKind,
		Usage:                d.Usage.toUsage(),
		AttemptCount:         d.AttemptCount,
		CompensatesStepIndex: d.CompensatesStepIndex,
		ContinueOnError:      d.ContinueOnError,
	}
}

type approvalDocument struct {
	ID          string          `bson:"_id"`
	RunID       string          `bson:"run_id"`
	StepIndex   int             `bson:"step_index"`
	RequestedBy subjectDocument `bson:"requested_by"`
	Reason      string          `bson:"reason,omitempty"`
	State       run.ApprovalState `bson:"state"`
	Decider     string          `bson:"decider,omitempty"`
	DecidedAt   time.Time       `bson:"decided_at,omitempty"`
	Comment     string          `bson:"comment,omitempty"`
	RequestedAt time.Time       `bson:"requested_at"`
	ExpiryAt    time.Time       `bson:"expiry_at,omitempty"`
}

func fromApproval(a run.Approval) approvalDocument {
	return approvalDocument{
		ID:          a.ID,
		RunID:       a.RunID,
		StepIndex:   a.StepIndex,
		RequestedBy: fromSubject(a.RequestedBy),
		Reason:      a.Reason,
		State:       a.State,
		Decider:     a.Decider,
		DecidedAt:   a.DecidedAt,
		Comment:     a.Comment,
		RequestedAt: a.RequestedAt,
		ExpiryAt:    a.ExpiryAt,
	}
}

func (d approvalDocument) toApproval() run.Approval {
	return run.Approval{
		ID:          d.ID,
		RunID:       d.RunID,
		StepIndex:   d.StepIndex,
		RequestedBy: d.RequestedBy.toSubject(),
		Reason:      d.Reason,
		State:       d.State,
		Decider:     d.Decider,
		DecidedAt:   d.DecidedAt,
		Comment:     d.Comment,
		RequestedAt: d.RequestedAt,
		ExpiryAt:    d.ExpiryAt,
	}
}

// collection is the subset of *mongodriver.Collection the Store uses,
// narrowed so tests can substitute an in-memory fake (grounded on
// features/run/mongo/clients/mongo's collection/indexView/singleResult
// wrapper split).
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
