// Command runctl wires a minimal in-process runbook execution engine and
// submits one demo Run, the way cmd/demo wires a minimal goa-ai runtime: a
// memory-backed store and policy, a stub agent pipeline, one registered
// tool adapter, the default engine, and the executor and runctl.Service
// built on top of them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/approval"
	approvalmem "github.com/runctl/engine/approval/memory"
	"github.com/runctl/engine/audit"
	auditmem "github.com/runctl/engine/audit/memory"
	"github.com/runctl/engine/engine/inproc"
	"github.com/runctl/engine/executor"
	"github.com/runctl/engine/policy"
	"github.com/runctl/engine/policydoc"
	policymem "github.com/runctl/engine/policystore/memory"
	"github.com/runctl/engine/run"
	runctl "github.com/runctl/engine"
	storemem "github.com/runctl/engine/store/memory"
	"github.com/runctl/engine/telemetry"
	telemetryotel "github.com/runctl/engine/telemetry/otel"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	// 0) Telemetry: an OTLP/gRPC endpoint is optional; OTEL_EXPORTER_OTLP_ENDPOINT
	// unset means spans and metrics are built but never exported, matching the
	// teacher pack's own "no endpoint, no-op provider" convention.
	providers, err := telemetryotel.InitProviders(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "runctl", "dev")
	if err != nil {
		panic(err)
	}
	defer func() { _ = providers.Shutdown(ctx) }()
	zapLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := telemetry.NewLogrLogger(zapr.NewLogger(zapLog))
	metrics := telemetryotel.NewMetrics(providers.MeterProvider.Meter("github.com/runctl/engine"))
	tracer := telemetryotel.New(providers.TracerProvider.Tracer("github.com/runctl/engine"))

	// 1) Stores: run/step/approval state, audit chain, active policy.
	runStore := storemem.New()
	auditStore := auditmem.New()
	chain := audit.NewChain(auditStore, audit.NewRedactor(""))
	policies := policymem.New()
	policies.Activate("acme", policydoc.Document{
		Name:    "default",
		Version: "v1",
		Roles:   []string{"operator"},
		Tools:   map[string][]string{"operator": {"echo.*"}},
		Budgets: policydoc.Budgets{MaxCostPerRunUSD: 5, MaxTokensPerRun: 100000, MaxWallMSPerRun: 60000},
	})

	// 2) Adapter Registry: one trivial tool so the demo runbook has
	// something to invoke. EstimatedUsage is non-zero so the Policy
	// Evaluator's budget check has something real to compare Totals
	// against instead of a permanently-satisfied zero bound.
	adapters := adapter.NewRegistry()
	if err := adapters.Register(adapter.Adapter{
		Spec: adapter.Spec{
			ID:             "echo.say",
			Classification: adapter.ClassRead,
			Schema:         []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
			EstimatedUsage: run.Usage{TokensOut: 32, CostUSD: 0.0001, WallMS: 5},
		},
		Invoke: func(_ context.Context, args map[string]any, _ run.Context) (adapter.Result, error) {
			return adapter.Result{Output: map[string]any{"echoed": args["message"]}}, nil
		},
	}); err != nil {
		panic(err)
	}

	// 3) Agent Pipeline: stub mode, since this demo runbook carries an
	// explicit tool+args step rather than a natural-language prompt. The
	// Reviewer's stub delegates every decision straight to the Policy
	// Evaluator (spec §4.4), so it shares the same evaluator instance the
	// executor would otherwise have held onto directly.
	evaluator := policy.NewDefault()
	planner := agentpipeline.StubPlanner{}
	toolcaller := agentpipeline.StubToolcaller{}
	reviewer := agentpipeline.StubReviewer{Evaluator: evaluator}

	// 4) Approval Service, in case a future step requires one.
	approvals := approval.New(approvalmem.New())

	// 5) Engine + Executor + Service.
	eng := inproc.New()
	exec := executor.New(runStore, policies, adapters, planner, toolcaller, reviewer, approvals, chain, eng,
		executor.WithLogger(logger), executor.WithMetrics(metrics), executor.WithTracer(tracer))
	svc := runctl.New(exec, chain)

	// 6) Submit a one-step demo runbook.
	runbookDoc := []byte(`
name: demo
version: v1
steps:
  - name: say-hello
    tool: echo.say
    args:
      message: "hello from runctl"
`)

	r, err := svc.SubmitRun(ctx, runbookDoc, run.ModeExecute, run.Context{TenantID: "acme"}, run.Subject{ID: "operator-1", Roles: []string{"operator"}})
	if err != nil {
		panic(err)
	}
	fmt.Println("run id:", r.ID)

	// Poll GetRun until terminal; a real caller would use StreamRunEvents.
	for {
		current, steps, err := svc.GetRun(ctx, "acme", r.ID)
		if err != nil {
			panic(err)
		}
		if current.Status.IsRunTerminal() {
			fmt.Println("status:", current.Status)
			for _, s := range steps {
				out, _ := json.Marshal(s.Output)
				fmt.Printf("  step %d (%s): %s -> %s\n", s.Index, s.Name, s.Status, out)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
