package retention

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"phiguard/internal/retention/mocks"
	"phiguard/internal/retention/models"
)

func TestExemptionsValidate(t *testing.T) {
	e, err := NewExemptions(nil)
	require.NoError(t, err)

	t.Run("built-in condition needs no expression", func(t *testing.T) {
		assert.NoError(t, e.Validate([]models.Exemption{{Condition: models.ExemptActiveTreatment}}))
	})

	t.Run("condition without checker or expression is unenforceable", func(t *testing.T) {
		for _, cond := range []models.ExemptionCondition{models.ExemptPendingLitigation, models.ExemptAuditHold, models.ExemptResearch} {
			err := e.Validate([]models.Exemption{{Condition: cond}})
			assert.ErrorIs(t, err, ErrUnenforceableExemption, string(cond))
		}
	})

	t.Run("unknown condition", func(t *testing.T) {
		assert.Error(t, e.Validate([]models.Exemption{{Condition: "vip"}}))
	})

	t.Run("expression must compile", func(t *testing.T) {
		err := e.Validate([]models.Exemption{{Condition: models.ExemptResearch, Expression: "record.status =="}})
		assert.Error(t, err)
	})

	t.Run("expression must be boolean", func(t *testing.T) {
		err := e.Validate([]models.Exemption{{Condition: models.ExemptResearch, Expression: `"research"`}})
		assert.Error(t, err)
	})

	t.Run("registered checker makes condition enforceable", func(t *testing.T) {
		e.Register(models.ExemptPendingLitigation, ExemptionCheckerFunc(func(context.Context, models.Record) (bool, error) {
			return false, nil
		}))
		assert.NoError(t, e.Validate([]models.Exemption{{Condition: models.ExemptPendingLitigation}}))
	})
}

func TestExemptionsMatch(t *testing.T) {
	ctx := context.Background()
	patient := models.PatientRecord{Base: models.Base{ID: "p-1", UpdatedAt: daysAgo(3000)}, Status: "discharged", ResearchConsent: true}
	report := models.ProgressReportRecord{Base: models.Base{ID: "r-1", UpdatedAt: daysAgo(3000)}, Patient: "p-2"}

	t.Run("expression over record attributes", func(t *testing.T) {
		e, err := NewExemptions(nil)
		require.NoError(t, err)
		rules := []models.Exemption{{Condition: models.ExemptResearch, Expression: "record.researchConsent == true"}}

		matched, err := e.Match(ctx, patient, rules, fixedNow)
		require.NoError(t, err)
		require.NotNil(t, matched)
		assert.Equal(t, models.ExemptResearch, matched.Condition)
	})

	t.Run("expression can compare timestamps", func(t *testing.T) {
		e, err := NewExemptions(nil)
		require.NoError(t, err)
		rules := []models.Exemption{{
			Condition:  models.ExemptAuditHold,
			Expression: `now - record.updatedAt < duration("87600h")`,
		}}

		matched, err := e.Match(ctx, patient, rules, fixedNow)
		require.NoError(t, err)
		assert.NotNil(t, matched)
	})

	t.Run("active treatment consults the treatment checker", func(t *testing.T) {
		tc := mocks.NewMockTreatmentChecker(gomock.NewController(t))
		tc.EXPECT().InActiveTreatment(gomock.Any(), "p-2").Return(true, nil)
		e, err := NewExemptions(tc)
		require.NoError(t, err)

		matched, err := e.Match(ctx, report, []models.Exemption{{Condition: models.ExemptActiveTreatment}}, fixedNow)
		require.NoError(t, err)
		assert.NotNil(t, matched)
	})

	t.Run("treatment checker failure surfaces", func(t *testing.T) {
		tc := mocks.NewMockTreatmentChecker(gomock.NewController(t))
		tc.EXPECT().InActiveTreatment(gomock.Any(), "p-2").Return(false, errors.New("ehr offline"))
		e, err := NewExemptions(tc)
		require.NoError(t, err)

		_, err = e.Match(ctx, report, []models.Exemption{{Condition: models.ExemptActiveTreatment}}, fixedNow)
		assert.Error(t, err)
	})

	t.Run("no match", func(t *testing.T) {
		e, err := NewExemptions(nil)
		require.NoError(t, err)

		matched, err := e.Match(ctx, patient, []models.Exemption{{Condition: models.ExemptActiveTreatment}}, fixedNow)
		require.NoError(t, err)
		assert.Nil(t, matched)
	})

	t.Run("unenforceable condition at evaluation is an error", func(t *testing.T) {
		e, err := NewExemptions(nil)
		require.NoError(t, err)

		_, err = e.Match(ctx, patient, []models.Exemption{{Condition: models.ExemptResearch}}, fixedNow)
		assert.ErrorIs(t, err, ErrUnenforceableExemption)
	})
}
