package models

import (
	"time"

	"phiguard/pkg/domain"
)

// DefaultReportHorizon is how far ahead GenerateReport projects deletions.
const DefaultReportHorizon = 30 * 24 * time.Hour

// ExemptionCondition names a reason a record outlives its retention window.
type ExemptionCondition string

const (
	ExemptActiveTreatment   ExemptionCondition = "active-treatment"
	ExemptPendingLitigation ExemptionCondition = "pending-litigation"
	ExemptAuditHold         ExemptionCondition = "audit-hold"
	ExemptResearch          ExemptionCondition = "research"
)

// IsValid reports whether c is a known condition.
func (c ExemptionCondition) IsValid() bool {
	switch c {
	case ExemptActiveTreatment, ExemptPendingLitigation, ExemptAuditHold, ExemptResearch:
		return true
	}
	return false
}

// Exemption skips otherwise eligible records. Expression, when set, is a CEL
// boolean over `record` (the record attributes) and `now`; it is evaluated in
// addition to any checker registered for Condition.
type Exemption struct {
	Condition   ExemptionCondition `json:"condition" mapstructure:"condition" validate:"required"`
	Description string             `json:"description,omitempty" mapstructure:"description"`
	Expression  string             `json:"expression,omitempty" mapstructure:"expression"`
}

// Policy is the retention rule for one resource type.
type Policy struct {
	ResourceType        domain.ResourceType `json:"resourceType" mapstructure:"resource_type" validate:"required"`
	RetentionDays       int                 `json:"retentionDays" mapstructure:"retention_days" validate:"gt=0"`
	ArchiveBeforeDelete bool                `json:"archiveBeforeDelete" mapstructure:"archive_before_delete"`
	RequiresApproval    bool                `json:"requiresApproval" mapstructure:"requires_approval"`
	Exemptions          []Exemption         `json:"exemptions,omitempty" mapstructure:"exemptions" validate:"dive"`
	Description         string              `json:"description,omitempty" mapstructure:"description"`
}

// Cutoff is the instant before which a record's last modification makes it
// eligible for action.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}

// Clone returns a copy that shares no slices with p.
func (p Policy) Clone() Policy {
	p.Exemptions = append([]Exemption(nil), p.Exemptions...)
	return p
}

// Hold blocks archive and delete of one resource id under every policy.
type Hold struct {
	ResourceID string    `json:"resourceId"`
	Reason     string    `json:"reason"`
	PlacedBy   string    `json:"placedBy"`
	PlacedAt   time.Time `json:"placedAt"`
}

// JobStatus is the lifecycle state of a retention job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Stage identifies where in the per-record pipeline an error surfaced.
type Stage string

const (
	StageQuery       Stage = "query"
	StageEligibility Stage = "eligibility"
	StageHold        Stage = "hold"
	StageExemption   Stage = "exemption"
	StageArchive     Stage = "archive"
	StageDelete      Stage = "delete"
	StageAudit       Stage = "audit"
	StageApproval    Stage = "approval"
)

// JobError is one structured failure recorded on a job.
type JobError struct {
	RecordID string `json:"recordId,omitempty"`
	Stage    Stage  `json:"stage"`
	Message  string `json:"message"`
}

// Job is one sweep over one resource type.
//
// Invariant: RecordsHeld and RecordsExempt records are never archived or
// deleted, so RecordsDeleted <= RecordsProcessed - RecordsHeld - RecordsExempt.
type Job struct {
	ID               string              `json:"id"`
	ResourceType     domain.ResourceType `json:"resourceType"`
	Status           JobStatus           `json:"status"`
	DryRun           bool                `json:"dryRun"`
	TriggeredBy      string              `json:"triggeredBy"`
	ApprovedBy       string              `json:"approvedBy,omitempty"`
	StartedAt        time.Time           `json:"startedAt"`
	CompletedAt      time.Time           `json:"completedAt"`
	RecordsProcessed int                 `json:"recordsProcessed"`
	RecordsArchived  int                 `json:"recordsArchived"`
	RecordsDeleted   int                 `json:"recordsDeleted"`
	RecordsHeld      int                 `json:"recordsHeld"`
	RecordsExempt    int                 `json:"recordsExempt"`
	Errors           []JobError          `json:"errors,omitempty"`
}

// Start moves a pending job to running.
func (j *Job) Start(now time.Time) {
	j.Status = JobRunning
	j.StartedAt = now
}

// Complete moves a running job to completed. Per-record errors do not change
// the outcome.
func (j *Job) Complete(now time.Time) {
	j.Status = JobCompleted
	j.CompletedAt = now
}

// Fail moves the job to failed, recording the fatal error.
func (j *Job) Fail(now time.Time, stage Stage, err error) {
	j.Status = JobFailed
	j.CompletedAt = now
	j.AddError("", stage, err)
}

// AddError appends a structured error.
func (j *Job) AddError(recordID string, stage Stage, err error) {
	j.Errors = append(j.Errors, JobError{RecordID: recordID, Stage: stage, Message: err.Error()})
}

// Duration is the wall time between start and completion.
func (j *Job) Duration() time.Duration {
	if j.CompletedAt.IsZero() || j.StartedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Errors = append([]JobError(nil), j.Errors...)
	return &out
}

// UpcomingDeletion projects how many records of one type become eligible
// within the report horizon.
type UpcomingDeletion struct {
	ResourceType domain.ResourceType `json:"resourceType"`
	Cutoff       time.Time           `json:"cutoff"`
	Eligible     int                 `json:"eligible"`
	Held         int                 `json:"held"`
	Error        string              `json:"error,omitempty"`
}

// Report summarizes retention state for operators.
type Report struct {
	GeneratedAt       time.Time                    `json:"generatedAt"`
	GeneratedBy       string                       `json:"generatedBy"`
	Policies          []Policy                     `json:"policies"`
	HoldCount         int                          `json:"holdCount"`
	LatestJobs        map[domain.ResourceType]*Job `json:"latestJobs"`
	UpcomingDeletions []UpcomingDeletion           `json:"upcomingDeletions"`
	Horizon           time.Duration                `json:"horizon"`
}
