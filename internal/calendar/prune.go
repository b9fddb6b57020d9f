package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

// PruneSchedule runs Service.Prune on a cron schedule.
type PruneSchedule struct {
	// Spec is a standard five-field cron expression.
	Spec string
	// RetentionDays keeps overrides and ghosts of the last N days.
	RetentionDays int
	// Location evaluates both the schedule and "today". Nil means time.Local.
	Location *time.Location
	// Now is replaceable in tests.
	Now func() time.Time
}

// Horizon is the first date whose occurrences are still retained.
func (p PruneSchedule) Horizon() model.Date {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	return model.DateOf(now().In(loc)).AddDays(-p.RetentionDays)
}

// ValidateSpec reports whether spec is a valid standard cron expression.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

// StartPruner schedules pruning until ctx is cancelled. A non-positive
// RetentionDays disables it.
func (s *Service) StartPruner(ctx context.Context, p PruneSchedule) error {
	_, err := s.startPruner(ctx, p)
	return err
}

// startPruner returns a channel closed once the scheduler has stopped after
// ctx is cancelled. For a disabled pruner it is already closed.
func (s *Service) startPruner(ctx context.Context, p PruneSchedule) (<-chan struct{}, error) {
	stopped := make(chan struct{})
	if p.RetentionDays <= 0 {
		appLog.Info("prune disabled", "retention_days", p.RetentionDays)
		close(stopped)
		return stopped, nil
	}
	if err := ValidateSpec(p.Spec); err != nil {
		return nil, err
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}

	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(p.Spec, func() {
		horizon := p.Horizon()
		res, err := s.Prune(ctx, horizon)
		if err != nil {
			appLog.Error("prune failed", err, "horizon", horizon)
			return
		}
		appLog.Info("prune completed", "horizon", horizon, "expired", res.Expired, "orphans", res.Orphans)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	appLog.Info("prune scheduled", "schedule", p.Spec, "retention_days", p.RetentionDays)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(stopped)
	}()
	return stopped, nil
}
