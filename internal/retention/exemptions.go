package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"phiguard/internal/retention/models"
	"phiguard/internal/retention/ports"
)

// ErrUnenforceableExemption is returned for a policy exemption whose condition
// has no registered checker and no expression. Such a policy would claim
// protection it does not provide.
var ErrUnenforceableExemption = errors.New("exemption condition has no checker and no expression")

// ExemptionChecker decides whether rec is covered by an exemption condition.
type ExemptionChecker interface {
	Exempt(ctx context.Context, rec models.Record) (bool, error)
}

// ExemptionCheckerFunc adapts a function to ExemptionChecker.
type ExemptionCheckerFunc func(ctx context.Context, rec models.Record) (bool, error)

func (f ExemptionCheckerFunc) Exempt(ctx context.Context, rec models.Record) (bool, error) {
	return f(ctx, rec)
}

// Exemptions evaluates policy exemptions. An exemption matches when its
// condition checker reports true or its expression evaluates to true.
//
// Only active-treatment has a built-in checker. Litigation, audit-hold and
// research state live in systems this package cannot see; callers register
// checkers for them or give the exemption an expression.
type Exemptions struct {
	mu       sync.RWMutex
	checkers map[models.ExemptionCondition]ExemptionChecker

	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewExemptions builds a registry with the active-treatment checker. A nil
// treatment checker limits that condition to patient records.
func NewExemptions(treatment ports.TreatmentChecker) (*Exemptions, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create exemption expression env: %w", err)
	}
	e := &Exemptions{
		checkers: make(map[models.ExemptionCondition]ExemptionChecker),
		env:      env,
	}
	e.Register(models.ExemptActiveTreatment, activeTreatment(treatment))
	return e, nil
}

// Register installs or replaces the checker for cond.
func (e *Exemptions) Register(cond models.ExemptionCondition, checker ExemptionChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkers[cond] = checker
}

func (e *Exemptions) checker(cond models.ExemptionCondition) ExemptionChecker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkers[cond]
}

// Validate rejects exemptions that cannot be enforced and expressions that do
// not compile to a boolean.
func (e *Exemptions) Validate(exemptions []models.Exemption) error {
	for _, ex := range exemptions {
		if !ex.Condition.IsValid() {
			return fmt.Errorf("unknown exemption condition %q", ex.Condition)
		}
		if strings.TrimSpace(ex.Expression) != "" {
			if _, err := e.program(ex.Expression); err != nil {
				return fmt.Errorf("exemption %s: %w", ex.Condition, err)
			}
			continue
		}
		if e.checker(ex.Condition) == nil {
			return fmt.Errorf("exemption %s: %w", ex.Condition, ErrUnenforceableExemption)
		}
	}
	return nil
}

// Match returns the first exemption covering rec, or nil.
func (e *Exemptions) Match(ctx context.Context, rec models.Record, exemptions []models.Exemption, now time.Time) (*models.Exemption, error) {
	for i := range exemptions {
		ex := exemptions[i]
		ok, err := e.matches(ctx, rec, ex, now)
		if err != nil {
			return nil, fmt.Errorf("evaluate exemption %s: %w", ex.Condition, err)
		}
		if ok {
			return &ex, nil
		}
	}
	return nil, nil
}

func (e *Exemptions) matches(ctx context.Context, rec models.Record, ex models.Exemption, now time.Time) (bool, error) {
	checker := e.checker(ex.Condition)
	expr := strings.TrimSpace(ex.Expression)
	if checker == nil && expr == "" {
		return false, ErrUnenforceableExemption
	}
	if checker != nil {
		ok, err := checker.Exempt(ctx, rec)
		if err != nil || ok {
			return ok, err
		}
	}
	if expr == "" {
		return false, nil
	}
	return e.eval(expr, rec, now)
}

func (e *Exemptions) eval(expr string, rec models.Record, now time.Time) (bool, error) {
	program, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{
		"record": rec.Attributes(),
		"now":    now,
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not yield a bool", expr)
	}
	return v, nil
}

func (e *Exemptions) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if cached, ok := e.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q must be boolean, got %s", expr, out)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.programs.Store(expr, program)
	return program, nil
}

// activeTreatment exempts patients whose status is active, and records whose
// patient is in active treatment according to tc.
func activeTreatment(tc ports.TreatmentChecker) ExemptionChecker {
	return ExemptionCheckerFunc(func(ctx context.Context, rec models.Record) (bool, error) {
		if p, ok := rec.(models.PatientRecord); ok && strings.EqualFold(p.Status, "active") {
			return true, nil
		}
		if tc == nil || rec.PatientID() == "" {
			return false, nil
		}
		return tc.InActiveTreatment(ctx, rec.PatientID())
	})
}
