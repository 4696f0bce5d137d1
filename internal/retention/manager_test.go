package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	auditsvc "phiguard/internal/audit"
	"phiguard/internal/notify"
	"phiguard/internal/retention/metrics"
	"phiguard/internal/retention/mocks"
	"phiguard/internal/retention/models"
	"phiguard/internal/retention/store/hold"
	"phiguard/internal/retention/store/job"
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/platform/audit/store/memory"
	"phiguard/pkg/testutil"
)

// =============================================================================
// Retention Manager Test Suite
// =============================================================================
// Justification: retention is the only code path that destroys PHI. Tests
// pin hold and exemption precedence, dry-run parity, archive-then-delete
// ordering in the audit trail and the job state machine.

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return fixedNow.AddDate(0, 0, -n) }

type ManagerSuite struct {
	suite.Suite
	auditStore *memory.InMemoryStore
	auditLog   *auditsvc.Service
	holds      *hold.InMemoryStore
	jobs       *job.InMemoryStore
	events     *testutil.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditStore = memory.NewInMemoryStore()
	var (
		mu   sync.Mutex
		tick = fixedNow
	)
	auditLog, err := auditsvc.New(s.auditStore,
		auditsvc.WithLogger(s.logger),
		auditsvc.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick = tick.Add(time.Millisecond)
			return tick
		}),
	)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = auditLog.Close(context.Background()) })
	s.auditLog = auditLog
	s.holds = hold.NewInMemoryStore()
	s.jobs = job.NewInMemoryStore(0)
	s.events = &testutil.Recorder{}
	s.metrics = metrics.New(prometheus.NewRegistry())
}

// SetupSubTest isolates s.Run cases; they share nothing with their parent.
func (s *ManagerSuite) SetupSubTest() {
	s.SetupTest()
}

func (s *ManagerSuite) newManager(opts ...Option) *Manager {
	base := []Option{
		WithLogger(s.logger),
		WithMetrics(s.metrics),
		WithObserver(s.events),
		WithClock(func() time.Time { return fixedNow }),
	}
	m, err := New(s.auditLog, s.holds, s.jobs, append(base, opts...)...)
	s.Require().NoError(err)
	return m
}

// fakeStore is an in-memory external record store.
type fakeStore struct {
	mu         sync.Mutex
	records    []models.Record
	deleted    []string
	findErr    error
	deleteErrs map[string]error
}

func newFakeStore(records ...models.Record) *fakeStore {
	return &fakeStore{records: records, deleteErrs: map[string]error{}}
}

func (f *fakeStore) FindExpired(_ context.Context, cutoff time.Time) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []models.Record
	for _, r := range f.records {
		if r.ModifiedAt().IsZero() || r.ModifiedAt().Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErrs[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	f.records = slices.DeleteFunc(f.records, func(r models.Record) bool { return r.RecordID() == id })
	return nil
}

func (f *fakeStore) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func authorization(id string, updated time.Time) models.AuthorizationRecord {
	return models.AuthorizationRecord{Base: models.Base{ID: id, UpdatedAt: updated}, Patient: "patient-" + id, Status: "expired"}
}

var authPolicy = models.Policy{
	ResourceType:        domain.ResourceAuthorization,
	RetentionDays:       2555,
	ArchiveBeforeDelete: true,
}

func (s *ManagerSuite) auditActions(resourceID string) []domain.Action {
	entries, err := s.auditLog.Export(context.Background(), audit.Filter{ResourceID: resourceID})
	s.Require().NoError(err)
	actions := make([]domain.Action, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *ManagerSuite) TestNew() {
	s.Run("requires collaborators", func() {
		_, err := New(nil, s.holds, s.jobs)
		s.Require().Error(err)
		_, err = New(s.auditLog, nil, s.jobs)
		s.Require().Error(err)
		_, err = New(s.auditLog, s.holds, nil)
		s.Require().Error(err)
	})

	s.Run("accepts the default policies", func() {
		m := s.newManager(WithPolicies(DefaultPolicies()...))
		s.Len(m.Policies(), len(DefaultPolicies()))
	})

	s.Run("rejects invalid startup policy", func() {
		_, err := New(s.auditLog, s.holds, s.jobs, WithPolicies(models.Policy{
			ResourceType:  domain.ResourceFAQ,
			RetentionDays: 0,
		}))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

// TestArchiveThenDelete covers a seven-year authorization policy against a
// record last touched 2600 days ago.
func (s *ManagerSuite) TestArchiveThenDelete() {
	store := newFakeStore(authorization("auth-1", daysAgo(2600)))
	m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))

	j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

	s.Equal(models.JobCompleted, j.Status)
	s.Equal(1, j.RecordsProcessed)
	s.Equal(1, j.RecordsArchived)
	s.Equal(1, j.RecordsDeleted)
	s.Empty(j.Errors)
	s.Equal([]string{"auth-1"}, store.Deleted())
	s.Equal([]domain.Action{domain.ActionExport, domain.ActionDelete}, s.auditActions("auth-1"))

	entries, err := s.auditLog.Export(context.Background(), audit.Filter{
		ResourceID: "auth-1",
		Actions:    []domain.Action{domain.ActionExport},
	})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("archive://authorization/2017/auth-1", entries[0].Metadata["archive_location"])
	s.Equal(j.ID, entries[0].Metadata["retention_job_id"])
	s.Equal("patient-auth-1", entries[0].Resource.PatientID)
	s.True(entries[0].PHIAccessed)
}

func (s *ManagerSuite) TestRecentRecordsAreUntouched() {
	store := newFakeStore(authorization("auth-new", daysAgo(10)))
	m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))

	j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

	s.Equal(models.JobCompleted, j.Status)
	s.Zero(j.RecordsProcessed)
	s.Empty(store.Deleted())
}

func (s *ManagerSuite) TestHoldBlocksArchiveAndDelete() {
	store := newFakeStore(authorization("auth-1", daysAgo(2600)))
	archiver := mocks.NewMockArchiver(gomock.NewController(s.T()))
	archiver.EXPECT().Archive(gomock.Any(), gomock.Any()).Times(0)
	m := s.newManager(
		WithResourceStore(domain.ResourceAuthorization, store),
		WithArchiver(archiver),
	)
	ctx := testutil.ActorContext("compliance-1", domain.RoleAdmin)
	_, err := m.PlaceHold(ctx, "auth-1", "litigation")
	s.Require().NoError(err)

	for range 3 {
		j := m.ProcessResourceType(ctx, authPolicy, "admin-1", false)
		s.Equal(models.JobCompleted, j.Status)
		s.Equal(1, j.RecordsProcessed)
		s.Equal(1, j.RecordsHeld)
		s.Zero(j.RecordsArchived)
		s.Zero(j.RecordsDeleted)
	}
	s.Empty(store.Deleted())
	s.Equal(3.0, promtest.ToFloat64(s.metrics.Records.WithLabelValues("authorization", metrics.OutcomeHeld, "false")))
}

func (s *ManagerSuite) TestDryRunParity() {
	records := []models.Record{
		authorization("auth-1", daysAgo(2600)),
		authorization("auth-2", daysAgo(3000)),
		authorization("auth-held", daysAgo(2700)),
		authorization("auth-new", daysAgo(30)),
	}
	store := newFakeStore(records...)
	m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))
	_, err := m.PlaceHold(context.Background(), "auth-held", "audit")
	s.Require().NoError(err)
	entriesBefore := s.auditStore.Len()

	dry := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", true)

	s.Equal(models.JobCompleted, dry.Status)
	s.True(dry.DryRun)
	s.Empty(store.Deleted(), "dry run must not delete")
	s.Equal(entriesBefore, s.auditStore.Len(), "dry run must not write audit entries")

	live := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

	s.Equal(dry.RecordsProcessed, live.RecordsProcessed)
	s.Equal(dry.RecordsArchived, live.RecordsArchived)
	s.Equal(dry.RecordsDeleted, live.RecordsDeleted)
	s.Equal(dry.RecordsHeld, live.RecordsHeld)
	s.Equal(3, live.RecordsProcessed)
	s.Equal(2, live.RecordsDeleted)
	s.ElementsMatch([]string{"auth-1", "auth-2"}, store.Deleted())
}

func (s *ManagerSuite) TestPerRecordErrors() {
	s.Run("delete failure is recorded and the sweep continues", func() {
		store := newFakeStore(
			authorization("auth-1", daysAgo(2600)),
			authorization("auth-2", daysAgo(2600)),
		)
		store.deleteErrs["auth-1"] = errors.New("row locked")
		m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))

		j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

		s.Equal(models.JobCompleted, j.Status)
		s.Equal(2, j.RecordsProcessed)
		s.Equal(2, j.RecordsArchived)
		s.Equal(1, j.RecordsDeleted)
		s.Require().Len(j.Errors, 1)
		s.Equal(models.JobError{RecordID: "auth-1", Stage: models.StageDelete, Message: "row locked"}, j.Errors[0])
		s.Equal([]string{"auth-2"}, store.Deleted())
	})

	s.Run("archive failure prevents delete", func() {
		store := newFakeStore(authorization("auth-1", daysAgo(2600)))
		archiver := mocks.NewMockArchiver(gomock.NewController(s.T()))
		archiver.EXPECT().Archive(gomock.Any(), gomock.Any()).Return("", errors.New("bucket unavailable"))
		m := s.newManager(
			WithResourceStore(domain.ResourceAuthorization, store),
			WithArchiver(archiver),
		)

		j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

		s.Equal(models.JobCompleted, j.Status)
		s.Zero(j.RecordsArchived)
		s.Zero(j.RecordsDeleted)
		s.Require().Len(j.Errors, 1)
		s.Equal(models.StageArchive, j.Errors[0].Stage)
		s.Empty(store.Deleted())
		s.Empty(s.auditActions("auth-1"))
	})

	s.Run("missing updatedAt is an eligibility error", func() {
		store := newFakeStore(authorization("auth-undated", time.Time{}))
		m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))

		j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

		s.Equal(models.JobCompleted, j.Status)
		s.Equal(1, j.RecordsProcessed)
		s.Require().Len(j.Errors, 1)
		s.Equal(models.StageEligibility, j.Errors[0].Stage)
		s.Empty(store.Deleted())
	})

	s.Run("hold lookup failure skips the record", func() {
		store := newFakeStore(authorization("auth-1", daysAgo(2600)))
		ctrl := gomock.NewController(s.T())
		holds := mocks.NewMockHoldStore(ctrl)
		holds.EXPECT().IsHeld(gomock.Any(), "auth-1").Return(false, errors.New("redis down"))
		m, err := New(s.auditLog, holds, s.jobs,
			WithLogger(s.logger),
			WithClock(func() time.Time { return fixedNow }),
			WithResourceStore(domain.ResourceAuthorization, store),
		)
		s.Require().NoError(err)

		j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

		s.Equal(models.JobCompleted, j.Status)
		s.Require().Len(j.Errors, 1)
		s.Equal(models.StageHold, j.Errors[0].Stage)
		s.Empty(store.Deleted())
	})
}

func (s *ManagerSuite) TestSweepFatalErrors() {
	s.Run("candidate query failure fails the job", func() {
		store := newFakeStore()
		store.findErr = errors.New("connection refused")
		m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))

		j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)

		s.Equal(models.JobFailed, j.Status)
		s.False(j.CompletedAt.IsZero())
		s.Require().Len(j.Errors, 1)
		s.Equal(models.StageQuery, j.Errors[0].Stage)
	})

	s.Run("missing store fails the job", func() {
		m := s.newManager()
		j := m.ProcessResourceType(context.Background(), authPolicy, "admin-1", false)
		s.Equal(models.JobFailed, j.Status)
	})

	s.Run("cancelled context fails the job", func() {
		store := newFakeStore(authorization("auth-1", daysAgo(2600)))
		m := s.newManager(WithResourceStore(domain.ResourceAuthorization, store))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		j := m.ProcessResourceType(ctx, authPolicy, "admin-1", false)

		s.Equal(models.JobFailed, j.Status)
		s.Empty(store.Deleted())
	})

	s.Run("failure in one type does not affect others", func() {
		broken := newFakeStore()
		broken.findErr = errors.New("timeout")
		healthy := newFakeStore(models.FAQRecord{Base: models.Base{ID: "faq-1", UpdatedAt: daysAgo(800)}})
		m := s.newManager(
			WithResourceStore(domain.ResourceAuthorization, broken),
			WithResourceStore(domain.ResourceFAQ, healthy),
			WithPolicies(authPolicy, models.Policy{ResourceType: domain.ResourceFAQ, RetentionDays: 730}),
		)

		jobs, err := m.RunRetentionCheck(context.Background(), "admin-1", false)

		s.Require().NoError(err)
		s.Require().Len(jobs, 2)
		s.Equal(models.JobFailed, jobs[domain.ResourceAuthorization].Status)
		s.Equal(models.JobCompleted, jobs[domain.ResourceFAQ].Status)
		s.Equal([]string{"faq-1"}, healthy.Deleted())
		s.Equal([]domain.Action{domain.ActionDelete}, s.auditActions("faq-1"))
	})
}

func (s *ManagerSuite) TestApproval() {
	patientPolicy := models.Policy{
		ResourceType:        domain.ResourcePatient,
		RetentionDays:       2555,
		ArchiveBeforeDelete: true,
		RequiresApproval:    true,
	}
	discharged := models.PatientRecord{Base: models.Base{ID: "p-1", UpdatedAt: daysAgo(2600)}, Status: "discharged"}

	s.Run("live run without approval fails", func() {
		store := newFakeStore(discharged)
		m := s.newManager(WithResourceStore(domain.ResourcePatient, store))

		j := m.ProcessResourceType(context.Background(), patientPolicy, "admin-1", false)

		s.Equal(models.JobFailed, j.Status)
		s.Equal(models.StageApproval, j.Errors[0].Stage)
		s.Empty(store.Deleted())
	})

	s.Run("dry run needs no approval", func() {
		store := newFakeStore(discharged)
		m := s.newManager(WithResourceStore(domain.ResourcePatient, store))

		j := m.ProcessResourceType(context.Background(), patientPolicy, "admin-1", true)

		s.Equal(models.JobCompleted, j.Status)
		s.Equal(1, j.RecordsDeleted)
	})

	s.Run("approved live run deletes", func() {
		store := newFakeStore(discharged)
		m := s.newManager(WithResourceStore(domain.ResourcePatient, store))

		j := m.ProcessResourceType(context.Background(), patientPolicy, "admin-1", false, WithApproval("privacy-officer"))

		s.Equal(models.JobCompleted, j.Status)
		s.Equal("privacy-officer", j.ApprovedBy)
		s.Equal([]string{"p-1"}, store.Deleted())
	})
}

func (s *ManagerSuite) TestExemptions() {
	s.Run("active patients are exempt", func() {
		store := newFakeStore(
			models.PatientRecord{Base: models.Base{ID: "p-active", UpdatedAt: daysAgo(3000)}, Status: "active"},
			models.PatientRecord{Base: models.Base{ID: "p-gone", UpdatedAt: daysAgo(3000)}, Status: "discharged"},
		)
		m := s.newManager(WithResourceStore(domain.ResourcePatient, store))
		policy := models.Policy{
			ResourceType:  domain.ResourcePatient,
			RetentionDays: 2555,
			Exemptions:    []models.Exemption{{Condition: models.ExemptActiveTreatment}},
		}

		j := m.ProcessResourceType(context.Background(), policy, "admin-1", false)

		s.Equal(2, j.RecordsProcessed)
		s.Equal(1, j.RecordsExempt)
		s.Equal([]string{"p-gone"}, store.Deleted())
	})

	s.Run("expression exemption", func() {
		store := newFakeStore(
			models.AppointmentRecord{Base: models.Base{ID: "a-1", UpdatedAt: daysAgo(2500)}, Status: "disputed"},
			models.AppointmentRecord{Base: models.Base{ID: "a-2", UpdatedAt: daysAgo(2500)}, Status: "completed"},
		)
		m := s.newManager(WithResourceStore(domain.ResourceAppointment, store))
		policy := models.Policy{
			ResourceType:  domain.ResourceAppointment,
			RetentionDays: 2190,
			Exemptions: []models.Exemption{{
				Condition:  models.ExemptPendingLitigation,
				Expression: `record.status == "disputed"`,
			}},
		}
		s.Require().NoError(m.SetPolicy(context.Background(), policy))

		j := m.ProcessResourceType(context.Background(), policy, "admin-1", false)

		s.Equal(1, j.RecordsExempt)
		s.Equal([]string{"a-2"}, store.Deleted())
	})

	s.Run("unenforceable exemption is rejected", func() {
		m := s.newManager()
		err := m.SetPolicy(context.Background(), models.Policy{
			ResourceType:  domain.ResourceProgressReport,
			RetentionDays: 2555,
			Exemptions:    []models.Exemption{{Condition: models.ExemptResearch}},
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		s.ErrorIs(err, ErrUnenforceableExemption)
	})
}

func (s *ManagerSuite) TestAuditLogPolicy() {
	ctx := context.Background()
	s.Require().NoError(s.auditStore.AppendBatch(ctx, []audit.Entry{
		{ID: "old", Timestamp: daysAgo(2500), Actor: audit.Actor{UserID: "u1"}, Action: domain.ActionRead, Resource: audit.Resource{Type: domain.ResourcePatient}, Outcome: audit.OutcomeSuccess},
		{ID: "recent", Timestamp: daysAgo(5), Actor: audit.Actor{UserID: "u1"}, Action: domain.ActionRead, Resource: audit.Resource{Type: domain.ResourcePatient}, Outcome: audit.OutcomeSuccess},
	}))
	policy := models.Policy{ResourceType: domain.ResourceAuditLog, RetentionDays: 2190}
	m := s.newManager()

	dry := m.ProcessResourceType(ctx, policy, "admin-1", true)
	s.Equal(models.JobCompleted, dry.Status)
	s.Equal(1, dry.RecordsDeleted)
	s.Equal(2, s.auditStore.Len())

	live := m.ProcessResourceType(ctx, policy, "admin-1", false)
	s.Equal(models.JobCompleted, live.Status)
	s.Equal(dry.RecordsProcessed, live.RecordsProcessed)
	s.Equal(1, live.RecordsDeleted)

	entries, err := s.auditLog.Export(ctx, audit.Filter{})
	s.Require().NoError(err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	s.NotContains(ids, "old")
	s.Contains(ids, "recent")
	s.Equal([]domain.Action{domain.ActionDelete}, s.auditActionsOfType(domain.ResourceAuditLog))
}

func (s *ManagerSuite) auditActionsOfType(rt domain.ResourceType) []domain.Action {
	entries, err := s.auditLog.Export(context.Background(), audit.Filter{ResourceType: rt})
	s.Require().NoError(err)
	var actions []domain.Action
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *ManagerSuite) TestHolds() {
	ctx := testutil.ActorContext("compliance-1", domain.RoleAdmin)
	m := s.newManager()

	h, err := m.PlaceHold(ctx, "p-9", "subpoena 24-118")
	s.Require().NoError(err)
	s.Equal("compliance-1", h.PlacedBy)
	s.Equal(fixedNow, h.PlacedAt)

	held, err := m.IsOnHold(ctx, "p-9")
	s.Require().NoError(err)
	s.True(held)

	_, err = m.PlaceHold(ctx, "p-9", "again")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = m.PlaceHold(ctx, "p-10", " ")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	holds, err := m.Holds(ctx)
	s.Require().NoError(err)
	s.Len(holds, 1)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.ActiveHolds))

	released, err := m.ReleaseHold(ctx, "p-9")
	s.Require().NoError(err)
	s.True(released)
	released, err = m.ReleaseHold(ctx, "p-9")
	s.Require().NoError(err)
	s.False(released)

	entries, err := s.auditLog.Export(ctx, audit.Filter{ResourceType: domain.ResourceAuditLog, ResourceID: "p-9"})
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(domain.ActionUpdate, entries[0].Action)
	s.Equal("placed", entries[0].Metadata["holdChange"])
	s.Equal("released", entries[1].Metadata["holdChange"])
	s.Equal("compliance-1", entries[0].Actor.UserID)

	s.Len(s.events.OfType(notify.EventHoldPlaced), 1)
	s.Len(s.events.OfType(notify.EventHoldReleased), 1)
}

func (s *ManagerSuite) TestJobLifecycle() {
	store := newFakeStore(authorization("auth-1", daysAgo(2600)))
	m := s.newManager(
		WithResourceStore(domain.ResourceAuthorization, store),
		WithPolicies(authPolicy),
	)

	jobs, err := m.RunRetentionCheck(context.Background(), "admin-1", false)
	s.Require().NoError(err)
	j := jobs[domain.ResourceAuthorization]
	s.Require().NotNil(j)
	s.True(j.Status.IsTerminal())
	s.Equal("admin-1", j.TriggeredBy)

	history, err := m.Jobs(context.Background(), domain.ResourceAuthorization, 10)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(j.ID, history[0].ID)
	s.Equal(models.JobCompleted, history[0].Status)

	completed := s.events.OfType(notify.EventRetentionJobComplete)
	s.Require().Len(completed, 1)
	s.Equal(j.ID, completed[0].Data["jobId"])
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Jobs.WithLabelValues("authorization", "completed")))

	_, err = m.RunRetentionCheck(context.Background(), "", false)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ManagerSuite) TestRestrictToResourceTypes() {
	auth := newFakeStore(authorization("auth-1", daysAgo(2600)))
	faq := newFakeStore(models.FAQRecord{Base: models.Base{ID: "faq-1", UpdatedAt: daysAgo(800)}})
	m := s.newManager(
		WithResourceStore(domain.ResourceAuthorization, auth),
		WithResourceStore(domain.ResourceFAQ, faq),
		WithPolicies(authPolicy, models.Policy{ResourceType: domain.ResourceFAQ, RetentionDays: 730}),
	)

	jobs, err := m.RunRetentionCheck(context.Background(), "admin-1", false, WithResourceTypes(domain.ResourceFAQ))

	s.Require().NoError(err)
	s.Len(jobs, 1)
	s.Contains(jobs, domain.ResourceFAQ)
	s.Empty(auth.Deleted())
}

func (s *ManagerSuite) TestDeleteRateIsSharedAcrossTypes() {
	faq := newFakeStore(models.FAQRecord{Base: models.Base{ID: "faq-1", UpdatedAt: daysAgo(800)}})
	appt := newFakeStore(models.AppointmentRecord{Base: models.Base{ID: "a-1", UpdatedAt: daysAgo(2500)}})
	// One token for the whole run; refilling takes far longer than the sweep
	// deadline, so the limiter refuses the second delete immediately.
	m := s.newManager(
		WithResourceStore(domain.ResourceFAQ, faq),
		WithResourceStore(domain.ResourceAppointment, appt),
		WithPolicies(
			models.Policy{ResourceType: domain.ResourceFAQ, RetentionDays: 730},
			models.Policy{ResourceType: domain.ResourceAppointment, RetentionDays: 2190},
		),
		WithConcurrency(2),
		WithSweepTimeout(time.Minute),
		WithDeleteRate(0.001, 1),
	)

	jobs, err := m.RunRetentionCheck(context.Background(), "admin-1", false,
		WithResourceTypes(domain.ResourceFAQ, domain.ResourceAppointment))
	s.Require().NoError(err)
	s.Require().Len(jobs, 2)

	deleted := jobs[domain.ResourceFAQ].RecordsDeleted + jobs[domain.ResourceAppointment].RecordsDeleted
	s.Equal(1, deleted)
	s.Equal(1, len(faq.Deleted())+len(appt.Deleted()))

	var throttled []models.JobError
	for _, j := range jobs {
		throttled = append(throttled, j.Errors...)
	}
	s.Require().Len(throttled, 1)
	s.Equal(models.StageDelete, throttled[0].Stage)
}

func (s *ManagerSuite) TestPolicyAdministration() {
	ctx := testutil.ActorContext("admin-1", domain.RoleAdmin)
	m := s.newManager(WithPolicies(authPolicy))

	_, err := m.Policy(domain.ResourceFAQ)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	updated := authPolicy
	updated.RetentionDays = 3650
	s.Require().NoError(m.SetPolicy(ctx, updated))
	got, err := m.Policy(domain.ResourceAuthorization)
	s.Require().NoError(err)
	s.Equal(3650, got.RetentionDays)

	entries, err := s.auditLog.Export(ctx, audit.Filter{ResourceID: "retention-policy/authorization"})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(audit.Change{Old: 2555, New: 3650}, entries[0].Changes["retentionDays"])

	err = m.SetPolicy(ctx, models.Policy{ResourceType: "invoices", RetentionDays: 10})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	removed, err := m.RemovePolicy(ctx, domain.ResourceAuthorization)
	s.Require().NoError(err)
	s.True(removed)
	s.Empty(m.Policies())
}

func (s *ManagerSuite) TestGenerateReport() {
	store := newFakeStore(
		authorization("auth-due", daysAgo(2540)),
		authorization("auth-held", daysAgo(2550)),
		authorization("auth-later", daysAgo(100)),
	)
	m := s.newManager(
		WithResourceStore(domain.ResourceAuthorization, store),
		WithPolicies(authPolicy),
	)
	_, err := m.PlaceHold(context.Background(), "auth-held", "audit")
	s.Require().NoError(err)
	_, err = m.RunRetentionCheck(context.Background(), "admin-1", true)
	s.Require().NoError(err)

	report, err := m.GenerateReport(context.Background(), "admin-1", 0)

	s.Require().NoError(err)
	s.Equal(1, report.HoldCount)
	s.Equal(models.DefaultReportHorizon, report.Horizon)
	s.Len(report.Policies, 1)
	s.Require().Contains(report.LatestJobs, domain.ResourceAuthorization)
	s.True(report.LatestJobs[domain.ResourceAuthorization].DryRun)
	s.Require().Len(report.UpcomingDeletions, 1)
	s.Equal(1, report.UpcomingDeletions[0].Eligible)
	s.Equal(1, report.UpcomingDeletions[0].Held)
}
