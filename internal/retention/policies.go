package retention

import (
	"context"
	"fmt"

	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
)

// DefaultPolicies are the retention windows applied when configuration names
// none. PHI records keep HIPAA's six-year floor or longer; authorizations and
// clinical notes keep seven years.
func DefaultPolicies() []models.Policy {
	activeTreatment := []models.Exemption{{
		Condition:   models.ExemptActiveTreatment,
		Description: "patient still receiving services",
	}}
	return []models.Policy{
		{
			ResourceType:        domain.ResourcePatient,
			RetentionDays:       2555,
			ArchiveBeforeDelete: true,
			RequiresApproval:    true,
			Exemptions:          activeTreatment,
		},
		{
			ResourceType:        domain.ResourceAuthorization,
			RetentionDays:       2555,
			ArchiveBeforeDelete: true,
		},
		{
			ResourceType:        domain.ResourceProgressReport,
			RetentionDays:       2555,
			ArchiveBeforeDelete: true,
			Exemptions:          activeTreatment,
		},
		{
			ResourceType:        domain.ResourceAppointment,
			RetentionDays:       2190,
			ArchiveBeforeDelete: true,
		},
		{
			ResourceType:  domain.ResourceSchedule,
			RetentionDays: 365,
		},
		{
			ResourceType:  domain.ResourceFAQ,
			RetentionDays: 730,
		},
		{
			ResourceType:  domain.ResourceAuditLog,
			RetentionDays: 2190,
		},
	}
}

// Policies returns the configured policies ordered by resource type.
func (m *Manager) Policies() []models.Policy {
	m.policyMu.RLock()
	out := make([]models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p.Clone())
	}
	m.policyMu.RUnlock()
	sortPolicies(out)
	return out
}

// Policy returns the policy for rt.
//
// Errors: CodeNotFound when rt has no policy.
func (m *Manager) Policy(rt domain.ResourceType) (models.Policy, error) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	p, ok := m.policies[rt]
	if !ok {
		return models.Policy{}, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("no retention policy for %s", rt))
	}
	return p.Clone(), nil
}

// SetPolicy validates p and installs it, replacing any policy for the same
// resource type. The change is audited.
//
// Errors: CodeInvalidInput for a malformed policy, including exemptions that
// cannot be enforced (errors.Is ErrUnenforceableExemption).
func (m *Manager) SetPolicy(ctx context.Context, p models.Policy) error {
	if err := m.validatePolicy(p); err != nil {
		return err
	}
	m.policyMu.Lock()
	prev, replaced := m.policies[p.ResourceType]
	m.policies[p.ResourceType] = p.Clone()
	m.policyMu.Unlock()

	change := "create"
	if replaced {
		change = "replace"
	}
	return m.recordPolicyChange(ctx, p.ResourceType, change, policyDiff(prev, p))
}

func policyDiff(prev, next models.Policy) map[string]audit.Change {
	diff := make(map[string]audit.Change)
	if prev.RetentionDays != next.RetentionDays {
		diff["retentionDays"] = audit.Change{Old: prev.RetentionDays, New: next.RetentionDays}
	}
	if prev.ArchiveBeforeDelete != next.ArchiveBeforeDelete {
		diff["archiveBeforeDelete"] = audit.Change{Old: prev.ArchiveBeforeDelete, New: next.ArchiveBeforeDelete}
	}
	if prev.RequiresApproval != next.RequiresApproval {
		diff["requiresApproval"] = audit.Change{Old: prev.RequiresApproval, New: next.RequiresApproval}
	}
	if len(prev.Exemptions) != len(next.Exemptions) {
		diff["exemptions"] = audit.Change{Old: len(prev.Exemptions), New: len(next.Exemptions)}
	}
	return diff
}

// RemovePolicy stops retention for rt. Returns false if rt had no policy.
func (m *Manager) RemovePolicy(ctx context.Context, rt domain.ResourceType) (bool, error) {
	m.policyMu.Lock()
	_, ok := m.policies[rt]
	delete(m.policies, rt)
	m.policyMu.Unlock()
	if !ok {
		return false, nil
	}
	return true, m.recordPolicyChange(ctx, rt, "remove", nil)
}

func (m *Manager) validatePolicy(p models.Policy) error {
	if err := m.validate.Struct(p); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid retention policy")
	}
	if !p.ResourceType.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown resource type %q", p.ResourceType))
	}
	if err := m.exemptions.Validate(p.Exemptions); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid retention exemption")
	}
	return nil
}

func (m *Manager) recordPolicyChange(ctx context.Context, rt domain.ResourceType, change string, changes map[string]audit.Change) error {
	actorID := actingUser(ctx)
	meta := map[string]any{"policyChange": change}
	if _, err := m.auditLog.Log(ctx, audit.Input{
		Actor:    m.actor(ctx, actorID),
		Action:   domain.ActionUpdate,
		Resource: audit.Resource{Type: domain.ResourceAuditLog, ID: "retention-policy/" + string(rt)},
		Changes:  changes,
		Metadata: meta,
	}); err != nil {
		return fmt.Errorf("audit policy change: %w", err)
	}
	m.logger.InfoContext(ctx, "retention policy changed",
		"resource_type", rt,
		"change", change,
		"actor_id", actorID,
	)
	return nil
}
