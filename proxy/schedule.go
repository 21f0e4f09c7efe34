package proxy

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field cron expression; used both by
// Config.Validate to reject a bad -curfew value early and by
// NewCurfewScheduler to build the schedule itself.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CurfewScheduler forces the group to stop on a fixed cron schedule,
// independent of traffic. It gives the teacher's robfig/cron/v3 dependency
// (present in go.mod but unused by the teacher's own gateway) a concrete
// purpose: a supplemental feature noted in SPEC_FULL.md §4.6, absent from
// spec.md's distillation but not excluded by any of its Non-goals.
type CurfewScheduler struct {
	cron *cron.Cron
}

// NewCurfewScheduler builds a scheduler that calls manager.ForceStop() each
// time schedule fires. schedule must already have passed cronParser.Parse
// (Config.Validate enforces this before a manager is ever constructed).
func NewCurfewScheduler(schedule string, manager *LifecycleManager) (*CurfewScheduler, error) {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(schedule, func() {
		slog.Info("curfew schedule fired, forcing stop")
		manager.ForceStop()
	})
	if err != nil {
		return nil, err
	}
	return &CurfewScheduler{cron: c}, nil
}

// Run starts the schedule and blocks until ctx is cancelled.
func (s *CurfewScheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
