package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
	"phiguard/pkg/platform/sentinel"
)

// GenerateReport summarizes policies, holds, the latest job per resource type
// and the records that become eligible within horizon (DefaultReportHorizon
// when zero). A projection that cannot be computed is reported inline rather
// than failing the report.
func (m *Manager) GenerateReport(ctx context.Context, userID string, horizon time.Duration) (*models.Report, error) {
	if horizon <= 0 {
		horizon = models.DefaultReportHorizon
	}
	now := m.now()
	holds, err := m.holds.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	held := make(map[string]bool, len(holds))
	for _, h := range holds {
		held[h.ResourceID] = true
	}

	policies := m.Policies()
	report := &models.Report{
		GeneratedAt: now,
		GeneratedBy: userID,
		Policies:    policies,
		HoldCount:   len(holds),
		LatestJobs:  make(map[domain.ResourceType]*models.Job, len(policies)),
		Horizon:     horizon,
	}
	for _, p := range policies {
		job, err := m.jobs.Latest(ctx, p.ResourceType)
		switch {
		case err == nil:
			report.LatestJobs[p.ResourceType] = job
		case !errors.Is(err, sentinel.ErrNotFound):
			return nil, fmt.Errorf("latest job for %s: %w", p.ResourceType, err)
		}
		report.UpcomingDeletions = append(report.UpcomingDeletions, m.project(ctx, p, now.Add(horizon), held))
	}

	m.logger.InfoContext(ctx, "retention report generated",
		"user_id", userID,
		"policies", len(policies),
		"holds", len(holds),
	)
	return report, nil
}

// project counts records that will be past the policy window at the given
// instant. Exemptions are not evaluated; they depend on state at sweep time.
func (m *Manager) project(ctx context.Context, p models.Policy, at time.Time, held map[string]bool) models.UpcomingDeletion {
	cutoff := p.Cutoff(at)
	out := models.UpcomingDeletion{ResourceType: p.ResourceType, Cutoff: cutoff}

	if p.ResourceType == domain.ResourceAuditLog {
		n, err := m.auditLog.CountOlderThan(ctx, cutoff)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Eligible = int(n)
		return out
	}

	store, ok := m.stores[p.ResourceType]
	if !ok {
		out.Error = "no resource store registered"
		return out
	}
	records, err := store.FindExpired(ctx, cutoff)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	for _, rec := range records {
		if held[rec.RecordID()] {
			out.Held++
			continue
		}
		out.Eligible++
	}
	return out
}
