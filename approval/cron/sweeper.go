// Package cron runs a periodic sweep that expires pending Approvals past
// their ExpiryAt even when nothing is actively waiting on them, using
// github.com/robfig/cron/v3 the way the control-plane job scheduler uses it
// for schedule parsing — here driving cron.Cron's own recurring scheduler
// rather than just ParseStandard, since the sweep itself is the whole job.
package cron

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/runctl/engine/approval"
	"github.com/runctl/engine/run"
)

// Lister enumerates pending Approvals a Sweeper should check. store/memory
// implements it directly; store/mongo and a minimal approval.Store do not,
// so it is a separate interface.
type Lister interface {
	ListPendingApprovals(ctx context.Context) ([]run.Approval, error)
}

// Sweeper periodically calls approval.Service.Sweep over every pending
// Approval a Lister reports.
type Sweeper struct {
	svc    *approval.Service
	lister Lister
	cron   *cron.Cron
	onErr  func(error)
}

// New builds a Sweeper that runs on schedule (six-field cron syntax with a
// leading seconds field, since the parser uses cron.WithSeconds, e.g.
// "*/30 * * * * *", or a descriptor such as "@every 30s").
func New(svc *approval.Service, lister Lister, schedule string, onErr func(error)) (*Sweeper, error) {
	if onErr == nil {
		onErr = func(error) {}
	}
	s := &Sweeper{svc: svc, lister: lister, cron: cron.New(cron.WithSeconds()), onErr: onErr}
	if _, err := s.cron.AddFunc(schedule, s.sweepOnce); err != nil {
		return nil, fmt.Errorf("approval/cron: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the recurring sweep. Stop must be called to release the
// background goroutine.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the recurring sweep, waiting for any in-flight run to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

func (s *Sweeper) sweepOnce() {
	ctx := context.Background()
	pending, err := s.lister.ListPendingApprovals(ctx)
	if err != nil {
		s.onErr(fmt.Errorf("approval/cron: list pending: %w", err))
		return
	}
	if _, err := s.svc.Sweep(ctx, pending); err != nil {
		s.onErr(fmt.Errorf("approval/cron: sweep: %w", err))
	}
}
