// Package retention enforces per-resource-type retention policies: it sweeps
// external record stores for expired records and archives and deletes them,
// honoring holds and exemptions, with every mutation written to the audit log.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"phiguard/internal/notify"
	"phiguard/internal/retention/archive"
	"phiguard/internal/retention/metrics"
	"phiguard/internal/retention/models"
	"phiguard/internal/retention/ports"
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/requestcontext"
)

const (
	tracerName = "phiguard/internal/retention"

	defaultConcurrency  = 4
	defaultSweepTimeout = 30 * time.Minute
)

var (
	errApprovalRequired = errors.New("approval required for live run")
	errMissingUpdatedAt = errors.New("record has no updatedAt timestamp")
)

// Manager runs retention sweeps and administers policies and holds.
type Manager struct {
	auditLog   ports.AuditLogger
	holds      ports.HoldStore
	jobs       ports.JobStore
	archiver   ports.Archiver
	exemptions *Exemptions

	policyMu sync.RWMutex
	policies map[domain.ResourceType]models.Policy
	initial  []models.Policy

	stores map[domain.ResourceType]ports.ResourceStore

	observer     notify.Observer
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	validate     *validator.Validate
	limiter      *rate.Limiter
	concurrency  int
	sweepTimeout time.Duration
	now          func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithObserver sets the receiver of job and hold events.
func WithObserver(o notify.Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

func WithArchiver(a ports.Archiver) Option {
	return func(m *Manager) {
		m.archiver = a
	}
}

// WithExemptions replaces the default registry, which only knows the
// active-treatment condition.
func WithExemptions(e *Exemptions) Option {
	return func(m *Manager) {
		m.exemptions = e
	}
}

// WithResourceStore registers the store swept for rt.
func WithResourceStore(rt domain.ResourceType, store ports.ResourceStore) Option {
	return func(m *Manager) {
		m.stores[rt] = store
	}
}

// WithPolicies sets the startup policies. They are validated by New.
func WithPolicies(policies ...models.Policy) Option {
	return func(m *Manager) {
		m.initial = append(m.initial, policies...)
	}
}

// WithDeleteRate sets one delete budget shared by every resource type a run
// sweeps, so concurrent sweeps together stay under perSecond. perSecond <= 0
// disables throttling.
func WithDeleteRate(perSecond float64, burst int) Option {
	return func(m *Manager) {
		if perSecond <= 0 {
			m.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithConcurrency bounds how many resource types sweep at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithSweepTimeout bounds one resource type's sweep.
func WithSweepTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(auditLog ports.AuditLogger, holds ports.HoldStore, jobs ports.JobStore, opts ...Option) (*Manager, error) {
	if auditLog == nil {
		return nil, errors.New("audit log is required")
	}
	if holds == nil {
		return nil, errors.New("hold store is required")
	}
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	m := &Manager{
		auditLog:     auditLog,
		holds:        holds,
		jobs:         jobs,
		policies:     make(map[domain.ResourceType]models.Policy),
		stores:       make(map[domain.ResourceType]ports.ResourceStore),
		observer:     notify.Nop{},
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		validate:     validator.New(),
		concurrency:  defaultConcurrency,
		sweepTimeout: defaultSweepTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.archiver == nil {
		m.archiver = archive.NewLoggedArchiver(m.logger)
	}
	if m.exemptions == nil {
		ex, err := NewExemptions(nil)
		if err != nil {
			return nil, err
		}
		m.exemptions = ex
	}
	for _, p := range m.initial {
		if err := m.validatePolicy(p); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ResourceType, err)
		}
		m.policies[p.ResourceType] = p.Clone()
	}
	m.initial = nil
	return m, nil
}

// RunOption adjusts a single sweep.
type RunOption func(*runConfig)

type runConfig struct {
	approvedBy string
	types      []domain.ResourceType
}

// WithApproval authorizes live runs of policies that require approval.
func WithApproval(approverID string) RunOption {
	return func(c *runConfig) {
		c.approvedBy = approverID
	}
}

// WithResourceTypes restricts a sweep to the given types.
func WithResourceTypes(types ...domain.ResourceType) RunOption {
	return func(c *runConfig) {
		c.types = append(c.types, types...)
	}
}

func newRunConfig(opts []RunOption) runConfig {
	var c runConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// RunRetentionCheck sweeps every configured policy and returns one terminal
// job per resource type. Types sweep concurrently; one type failing does not
// affect the others.
func (m *Manager) RunRetentionCheck(ctx context.Context, userID string, dryRun bool, opts ...RunOption) (map[domain.ResourceType]*models.Job, error) {
	if userID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "retention run requires a user id")
	}
	cfg := newRunConfig(opts)
	policies := m.Policies()
	if len(cfg.types) > 0 {
		policies = filterPolicies(policies, cfg.types)
	}

	var (
		mu   sync.Mutex
		jobs = make(map[domain.ResourceType]*models.Job, len(policies))
		g    errgroup.Group
	)
	g.SetLimit(m.concurrency)
	for _, p := range policies {
		g.Go(func() error {
			job := m.ProcessResourceType(ctx, p, userID, dryRun, opts...)
			mu.Lock()
			jobs[p.ResourceType] = job
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.logger.InfoContext(ctx, "retention check finished",
		"user_id", userID,
		"dry_run", dryRun,
		"resource_types", len(jobs),
	)
	return jobs, nil
}

// ProcessResourceType sweeps one policy. The returned job is always terminal:
// failed when the sweep itself could not proceed, completed otherwise, with
// per-record problems listed in Errors.
func (m *Manager) ProcessResourceType(ctx context.Context, policy models.Policy, userID string, dryRun bool, opts ...RunOption) *models.Job {
	cfg := newRunConfig(opts)
	job := &models.Job{
		ID:           uuid.NewString(),
		ResourceType: policy.ResourceType,
		Status:       models.JobPending,
		DryRun:       dryRun,
		TriggeredBy:  userID,
		ApprovedBy:   cfg.approvedBy,
	}

	ctx, span := m.tracer.Start(ctx, "retention.ProcessResourceType", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("resource.type", string(policy.ResourceType)),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.sweepTimeout)
	defer cancel()

	job.Start(m.now())
	m.saveJob(ctx, job)

	m.sweep(ctx, job, policy, dryRun)

	span.SetAttributes(
		attribute.String("job.status", string(job.Status)),
		attribute.Int("records.processed", job.RecordsProcessed),
		attribute.Int("records.deleted", job.RecordsDeleted),
	)
	if job.Status == models.JobFailed {
		span.SetStatus(codes.Error, job.Errors[len(job.Errors)-1].Message)
	}
	m.finish(context.WithoutCancel(ctx), job)
	return job
}

func (m *Manager) sweep(ctx context.Context, job *models.Job, policy models.Policy, dryRun bool) {
	if policy.RequiresApproval && !dryRun && job.ApprovedBy == "" {
		job.Fail(m.now(), models.StageApproval, errApprovalRequired)
		return
	}
	if policy.ResourceType == domain.ResourceAuditLog {
		m.purgeAuditLog(ctx, job, policy, dryRun)
		return
	}

	store, ok := m.stores[policy.ResourceType]
	if !ok {
		job.Fail(m.now(), models.StageQuery, fmt.Errorf("no resource store registered for %s", policy.ResourceType))
		return
	}
	now := m.now()
	cutoff := policy.Cutoff(now)
	records, err := store.FindExpired(ctx, cutoff)
	if err != nil {
		job.Fail(m.now(), models.StageQuery, fmt.Errorf("find expired records: %w", err))
		return
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			job.Fail(m.now(), models.StageQuery, fmt.Errorf("sweep interrupted: %w", err))
			return
		}
		m.processRecord(ctx, job, policy, store, rec, now, cutoff)
	}
	job.Complete(m.now())
}

// processRecord runs the hold, exemption, archive and delete pipeline for one
// record. Any error skips the rest of the pipeline for that record only.
func (m *Manager) processRecord(ctx context.Context, job *models.Job, policy models.Policy, store ports.ResourceStore, rec models.Record, now, cutoff time.Time) {
	id := rec.RecordID()
	rt := string(policy.ResourceType)
	modified := rec.ModifiedAt()
	if !modified.IsZero() && !modified.Before(cutoff) {
		return
	}
	job.RecordsProcessed++

	recordErr := func(stage models.Stage, err error) {
		job.AddError(id, stage, err)
		m.metrics.IncRecord(rt, metrics.OutcomeError, job.DryRun)
		m.logger.WarnContext(ctx, "retention record skipped",
			"job_id", job.ID,
			"resource_type", rt,
			"resource_id", id,
			"stage", stage,
			"error", err,
		)
	}

	if modified.IsZero() {
		recordErr(models.StageEligibility, errMissingUpdatedAt)
		return
	}

	held, err := m.holds.IsHeld(ctx, id)
	if err != nil {
		recordErr(models.StageHold, err)
		return
	}
	if held {
		job.RecordsHeld++
		m.metrics.IncRecord(rt, metrics.OutcomeHeld, job.DryRun)
		return
	}

	exemption, err := m.exemptions.Match(ctx, rec, policy.Exemptions, now)
	if err != nil {
		recordErr(models.StageExemption, err)
		return
	}
	if exemption != nil {
		job.RecordsExempt++
		m.metrics.IncRecord(rt, metrics.OutcomeExempt, job.DryRun)
		return
	}

	if job.DryRun {
		if policy.ArchiveBeforeDelete {
			job.RecordsArchived++
			m.metrics.IncRecord(rt, metrics.OutcomeArchived, true)
		}
		job.RecordsDeleted++
		m.metrics.IncRecord(rt, metrics.OutcomeDeleted, true)
		return
	}

	if policy.ArchiveBeforeDelete {
		location, err := m.archiver.Archive(ctx, rec)
		if err != nil {
			recordErr(models.StageArchive, err)
			return
		}
		if err := m.auditRecord(ctx, job, rec, domain.ActionExport, map[string]any{
			"archive_location": location,
		}); err != nil {
			recordErr(models.StageAudit, err)
			return
		}
		job.RecordsArchived++
		m.metrics.IncRecord(rt, metrics.OutcomeArchived, false)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			recordErr(models.StageDelete, err)
			return
		}
	}
	if err := store.Delete(ctx, id); err != nil {
		recordErr(models.StageDelete, err)
		return
	}
	job.RecordsDeleted++
	m.metrics.IncRecord(rt, metrics.OutcomeDeleted, false)

	if err := m.auditRecord(ctx, job, rec, domain.ActionDelete, nil); err != nil {
		m.logger.ErrorContext(ctx, "CRITICAL: retention delete could not be audited",
			"job_id", job.ID,
			"resource_type", rt,
			"resource_id", id,
			"error", err,
		)
		job.AddError(id, models.StageAudit, err)
	}
}

func (m *Manager) auditRecord(ctx context.Context, job *models.Job, rec models.Record, action domain.Action, extra map[string]any) error {
	meta := map[string]any{
		"retention_job_id": job.ID,
		"last_modified":    rec.ModifiedAt().UTC().Format(time.RFC3339),
	}
	if job.ApprovedBy != "" {
		meta["approved_by"] = job.ApprovedBy
	}
	for k, v := range extra {
		meta[k] = v
	}
	_, err := m.auditLog.Log(ctx, audit.Input{
		Actor:  m.actor(ctx, job.TriggeredBy),
		Action: action,
		Resource: audit.Resource{
			Type:      rec.ResourceType(),
			ID:        rec.RecordID(),
			PatientID: rec.PatientID(),
		},
		PHIAccessed: rec.ResourceType().IsPHI(),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// purgeAuditLog applies the audit-log policy. Audit entries are not held
// individually; the purge is a single range delete.
func (m *Manager) purgeAuditLog(ctx context.Context, job *models.Job, policy models.Policy, dryRun bool) {
	cutoff := policy.Cutoff(m.now())
	var (
		n   int64
		err error
	)
	if dryRun {
		n, err = m.auditLog.CountOlderThan(ctx, cutoff)
	} else {
		n, err = m.auditLog.DeleteOlderThan(ctx, cutoff)
	}
	if err != nil {
		stage := models.StageDelete
		if dryRun {
			stage = models.StageQuery
		}
		job.Fail(m.now(), stage, fmt.Errorf("purge audit log: %w", err))
		return
	}
	job.RecordsProcessed = int(n)
	job.RecordsDeleted = int(n)

	if !dryRun && n > 0 {
		if _, err := m.auditLog.Log(ctx, audit.Input{
			Actor:    m.actor(ctx, job.TriggeredBy),
			Action:   domain.ActionDelete,
			Resource: audit.Resource{Type: domain.ResourceAuditLog},
			Metadata: map[string]any{
				"retention_job_id": job.ID,
				"cutoff":           cutoff.UTC().Format(time.RFC3339),
				"entries_deleted":  n,
			},
		}); err != nil {
			job.AddError("", models.StageAudit, err)
		}
	}
	job.Complete(m.now())
}

func (m *Manager) actor(ctx context.Context, userID string) audit.ActorInput {
	return audit.ActorInput{
		UserID:    userID,
		Role:      requestcontext.Role(ctx),
		IP:        requestcontext.ClientIP(ctx),
		SessionID: requestcontext.SessionID(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
	}
}

func (m *Manager) saveJob(ctx context.Context, job *models.Job) {
	if err := m.jobs.Save(ctx, job); err != nil {
		m.logger.ErrorContext(ctx, "failed to save retention job",
			"job_id", job.ID,
			"error", err,
		)
	}
}

func (m *Manager) finish(ctx context.Context, job *models.Job) {
	m.saveJob(ctx, job)
	m.metrics.ObserveJob(string(job.ResourceType), string(job.Status), job.Duration().Seconds())

	level := slog.LevelInfo
	if job.Status == models.JobFailed {
		level = slog.LevelError
	}
	m.logger.Log(ctx, level, "retention job finished",
		"job_id", job.ID,
		"resource_type", job.ResourceType,
		"status", job.Status,
		"dry_run", job.DryRun,
		"processed", job.RecordsProcessed,
		"archived", job.RecordsArchived,
		"deleted", job.RecordsDeleted,
		"held", job.RecordsHeld,
		"exempt", job.RecordsExempt,
		"errors", len(job.Errors),
	)

	m.observer.Notify(ctx, notify.Event{
		Type:         notify.EventRetentionJobComplete,
		Timestamp:    job.CompletedAt,
		ActorID:      job.TriggeredBy,
		ResourceType: job.ResourceType,
		Data: map[string]any{
			"jobId":            job.ID,
			"status":           string(job.Status),
			"dryRun":           job.DryRun,
			"recordsProcessed": job.RecordsProcessed,
			"recordsArchived":  job.RecordsArchived,
			"recordsDeleted":   job.RecordsDeleted,
			"errors":           len(job.Errors),
		},
	})
}

// Jobs returns job history for rt, newest first.
func (m *Manager) Jobs(ctx context.Context, rt domain.ResourceType, limit int) ([]*models.Job, error) {
	return m.jobs.List(ctx, rt, limit)
}

func filterPolicies(policies []models.Policy, types []domain.ResourceType) []models.Policy {
	want := make(map[domain.ResourceType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := policies[:0]
	for _, p := range policies {
		if want[p.ResourceType] {
			out = append(out, p)
		}
	}
	return out
}

func sortPolicies(policies []models.Policy) {
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].ResourceType < policies[j].ResourceType
	})
}
