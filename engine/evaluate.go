/*
evaluate.go - Compliance evaluation of expenses against active policies

PURPOSE:
  Determines an expense's compliance status against the active policy set:
  COMPLIANT, SOFT_VIOLATION, HARD_VIOLATION, or EXCEPTION (manual
  override). Evaluation is pure given (expense, policy snapshot); the only
  side effect performed by callers is caching the resulting status on the
  expense row.

AGGREGATION:
  Any well-formed HARD rule firing wins over any number of SOFT rules.
  All violated policies are still recorded for the audit trail even after
  a HARD hit is found; the short-circuit is for the verdict only.

FAIL-OPEN PER POLICY:
  A malformed policy (payload missing required fields for its type) is
  skipped with a logged warning. It is never treated as a pass-through
  HARD violation. The aggregate fails closed only if at least one
  well-formed HARD rule fires.

OVERRIDE:
  An authorized approver can stamp an expense EXCEPTION. The override
  wins over any computed status until the expense is edited again, at
  which point it is cleared and evaluation reruns.

SEE ALSO:
  - policy.go: Rule payload semantics
  - api/handlers.go: Where evaluation results are cached on the expense
*/
package engine

import (
	"context"
	"math"

	"github.com/rs/zerolog"
)

// =============================================================================
// EVALUATION RESULT
// =============================================================================

// Violation records one policy the expense broke, snapshotting the policy
// identity and version so the audit trail survives later policy edits.
type Violation struct {
	PolicyID      PolicyID
	PolicyName    string
	PolicyType    PolicyType
	PolicyVersion int
	Severity      Severity
}

// Evaluation is the full verdict for one expense.
type Evaluation struct {
	Status     PolicyStatus
	Violations []Violation
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Log zerolog.Logger
}

// Evaluate computes the compliance status of an expense against the given
// policies. Inactive and soft-deleted policies are ignored. A manual
// override in force on the expense takes precedence over everything.
func (ev *Evaluator) Evaluate(expense Expense, policies []Policy) Evaluation {
	if expense.HasException() {
		return Evaluation{Status: StatusException}
	}

	result := Evaluation{Status: StatusCompliant}
	hard := false

	for _, p := range policies {
		if !p.IsActive || p.Deleted() {
			continue
		}
		if err := p.Validate(); err != nil {
			// Fail open per policy: skip, never a silent HARD violation.
			ev.Log.Warn().
				Str("policy_id", string(p.ID)).
				Str("policy_type", string(p.Type)).
				Err(err).
				Msg("skipping malformed policy during evaluation")
			continue
		}
		if !p.Rule.AppliesTo(expense) {
			continue
		}
		if !p.Rule.Violated(expense) {
			continue
		}

		result.Violations = append(result.Violations, Violation{
			PolicyID:      p.ID,
			PolicyName:    p.Name,
			PolicyType:    p.Type,
			PolicyVersion: p.Version,
			Severity:      p.Severity,
		})
		if p.Severity == SeverityHard {
			hard = true
		}
	}

	switch {
	case hard:
		result.Status = StatusHardViolation
	case len(result.Violations) > 0:
		result.Status = StatusSoftViolation
	}
	return result
}

// EvaluateAndStamp evaluates an expense against the active policy set and
// caches the resulting status on the expense row.
func (ev *Evaluator) EvaluateAndStamp(ctx context.Context, store Store, expense *Expense) (Evaluation, error) {
	policies, err := store.ActivePolicies(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	result := ev.Evaluate(*expense, policies)
	expense.PolicyStatus = result.Status
	if err := store.SaveExpense(ctx, *expense); err != nil {
		return Evaluation{}, err
	}
	return result, nil
}

// ApplyException stamps a manual override on the expense. The caller is an
// authorized approver; authorization itself is outside this core.
func ApplyException(ctx context.Context, store Store, id ExpenseID, approver, note string) (*Expense, error) {
	if approver == "" {
		return nil, Invalid("approver", "exception requires an approver")
	}
	e, err := store.GetExpense(ctx, id)
	if err != nil {
		return nil, err
	}
	e.ExceptionBy = approver
	e.ExceptionNote = note
	e.PolicyStatus = StatusException
	if err := store.SaveExpense(ctx, *e); err != nil {
		return nil, err
	}
	return e, nil
}

// =============================================================================
// COMPLIANCE SCORE
// =============================================================================

// ComplianceScore returns round(100 * compliant / total) for a set of
// expenses, and exactly 100 for the empty set (vacuous compliance).
// EXCEPTION counts as compliant: an authorized override is an accepted
// state, and counting it against the score would let approver actions
// lower it.
func ComplianceScore(expenses []Expense) int {
	if len(expenses) == 0 {
		return 100
	}
	compliant := 0
	for _, e := range expenses {
		if e.PolicyStatus == StatusCompliant || e.PolicyStatus == StatusException {
			compliant++
		}
	}
	return int(math.Round(100 * float64(compliant) / float64(len(expenses))))
}
