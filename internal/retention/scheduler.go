package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
)

// SystemUser is the actor recorded for scheduled sweeps.
const SystemUser = "system:retention-scheduler"

// Sweeper runs one retention check.
type Sweeper interface {
	RunRetentionCheck(ctx context.Context, userID string, dryRun bool, opts ...RunOption) (map[domain.ResourceType]*models.Job, error)
}

// SchedulerConfig controls periodic sweeps.
type SchedulerConfig struct {
	Interval time.Duration
	DryRun   bool
	// ApprovedBy pre-approves live sweeps of policies that require approval.
	// Empty leaves those policies failing with "approval required".
	ApprovedBy string
	// ResourceTypes limits sweeps to these types. Empty sweeps every policy.
	ResourceTypes []domain.ResourceType
}

// Scheduler triggers sweeps on a fixed interval. Each Manager sweep carries
// its own deadline, so a stuck store cannot wedge the loop.
type Scheduler struct {
	sweeper Sweeper
	cfg     SchedulerConfig
	logger  *slog.Logger
}

func NewScheduler(sweeper Sweeper, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, cfg: cfg, logger: logger}, nil
}

// Start runs sweeps every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single sweep and logs per-type outcomes.
func (s *Scheduler) RunOnce(ctx context.Context) map[domain.ResourceType]*models.Job {
	var opts []RunOption
	if s.cfg.ApprovedBy != "" {
		opts = append(opts, WithApproval(s.cfg.ApprovedBy))
	}
	if len(s.cfg.ResourceTypes) > 0 {
		opts = append(opts, WithResourceTypes(s.cfg.ResourceTypes...))
	}
	jobs, err := s.sweeper.RunRetentionCheck(ctx, SystemUser, s.cfg.DryRun, opts...)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled retention check failed", "error", err)
		return nil
	}
	failed := 0
	for _, job := range jobs {
		if job.Status == models.JobFailed {
			failed++
		}
	}
	if failed > 0 {
		s.logger.WarnContext(ctx, "scheduled retention check had failed jobs",
			"failed", failed,
			"total", len(jobs),
		)
	}
	return jobs
}
