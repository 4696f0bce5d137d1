//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"phiguard/pkg/domain"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/platform/audit/store/postgres"
	"phiguard/pkg/platform/ids"
	"phiguard/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_entries"))
}

func (s *PostgresStoreSuite) entry(userID, patientID string, outcome audit.Outcome, ts time.Time) audit.Entry {
	return audit.Entry{
		ID:          ids.NewAt(ts),
		Timestamp:   ts.UTC().Truncate(time.Microsecond),
		Actor:       audit.Actor{UserID: userID, Role: domain.RoleRBT, IPHash: "h"},
		Action:      domain.ActionRead,
		Resource:    audit.Resource{Type: domain.ResourcePatient, ID: patientID, PatientID: patientID},
		Outcome:     outcome,
		PHIAccessed: true,
		Changes:     map[string]audit.Change{"status": {Old: "active", New: "discharged"}},
	}
}

func (s *PostgresStoreSuite) TestRoundTripAndFilters() {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	batch := []audit.Entry{
		s.entry("rbt-1", "p-1", audit.OutcomeSuccess, base),
		s.entry("rbt-1", "p-2", audit.OutcomeSuccess, base.Add(time.Minute)),
		s.entry("rbt-2", "p-1", audit.OutcomeDenied, base.Add(2*time.Minute)),
	}
	s.Require().NoError(s.store.AppendBatch(ctx, batch))

	entries, total, err := s.store.Query(ctx, audit.Filter{PatientID: "p-1"}, audit.Page{Limit: 10})
	s.Require().NoError(err)
	s.Equal(2, total)
	s.Require().Len(entries, 2)
	s.Equal("rbt-2", entries[0].Actor.UserID, "newest first")
	s.Equal("discharged", entries[0].Changes["status"].New)

	denied, total, err := s.store.Query(ctx, audit.Filter{Outcome: audit.OutcomeDenied}, audit.Page{})
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal(batch[2].ID, denied[0].ID)
}

func (s *PostgresStoreSuite) TestBatchIsAllOrNothing() {
	ctx := context.Background()
	e := s.entry("rbt-1", "p-1", audit.OutcomeSuccess, time.Now())

	err := s.store.AppendBatch(ctx, []audit.Entry{e, e})
	s.Require().Error(err)

	_, total, err := s.store.Query(ctx, audit.Filter{}, audit.Page{})
	s.Require().NoError(err)
	s.Zero(total)
}

func (s *PostgresStoreSuite) TestDeleteOlderThan() {
	ctx := context.Background()
	now := time.Now()
	s.Require().NoError(s.store.AppendBatch(ctx, []audit.Entry{
		s.entry("rbt-1", "p-1", audit.OutcomeSuccess, now.AddDate(-8, 0, 0)),
		s.entry("rbt-1", "p-1", audit.OutcomeSuccess, now),
	}))

	n, err := s.store.DeleteOlderThan(ctx, now.AddDate(-7, 0, 0))
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}
