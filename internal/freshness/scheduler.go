package freshness

import (
	"context"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Logger is the logging the scheduler needs.
type Logger interface {
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Scheduler periodically requests navigation and every category whose
// product listing has gone stale.
type Scheduler struct {
	policy   *Policy
	interval time.Duration
	logger   Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(policy *Policy, interval time.Duration, logger Logger) *Scheduler {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Scheduler{policy: policy, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("Scheduled refresh disabled")
		return nil
	}
	s.logger.Info("Scheduled refresh every %v (stale after %v)", s.interval, s.policy.StaleAfter())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Scheduled refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep requests every stale target and returns the decisions that
// queued a new job.
func (s *Scheduler) Sweep(ctx context.Context) ([]*Decision, error) {
	targets := []types.Target{types.NavigationTarget()}

	cutoff := s.policy.now().Add(-s.policy.staleAfter)
	slugs, err := s.policy.store.ListStaleCategories(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, slug := range slugs {
		targets = append(targets, types.CategoryTarget(slug))
	}

	var queued []*Decision
	for _, target := range targets {
		d, err := s.policy.Request(ctx, target, false)
		if err != nil {
			if ctx.Err() != nil {
				return queued, ctx.Err()
			}
			s.logger.Warn("Failed to request %s: %v", target, err)
			continue
		}
		if d.Queued {
			queued = append(queued, d)
		}
	}
	if len(queued) > 0 {
		s.logger.Info("Scheduled refresh queued %d jobs", len(queued))
	}
	return queued, nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{}) {}
