/*
store.go - Persistence interfaces for the compliance engine

PURPOSE:
  Defines the interface between the domain logic and the database. The
  engine is written against these interfaces only, so it is testable
  without a live database; implementations exist for SQLite and memory.

KEY INTERFACES:
  PolicyStore:        Versioned policy persistence
  ChainRuleStore:     Approval chain rule persistence
  ExpenseStore:       Expense and report aggregates
  WorkflowStore:      Workflow requests
  ReimbursementStore: Settlement records
  ActionStore:        Scheduled card actions (append-only occurrences)
  CardDirectory:      Card control state with optimistic versioning

APPEND-ONLY OCCURRENCES:
  Scheduled actions never reschedule in place. A recurring action that
  fires is marked EXECUTED and a new PENDING row is appended referencing
  its predecessor, preserving the full audit history of every firing.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - engine/store/memory.go: In-memory for testing

SEE ALSO:
  - evaluate.go, approval.go, settlement.go, schedule.go: consumers
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// POLICY STORE
// =============================================================================

type PolicyStore interface {
	// SavePolicy inserts or replaces a policy row by ID.
	SavePolicy(ctx context.Context, p Policy) error

	// GetPolicy returns the policy or NotFoundError.
	GetPolicy(ctx context.Context, id PolicyID) (*Policy, error)

	// ListPolicies returns all policies, soft-deleted included.
	ListPolicies(ctx context.Context) ([]Policy, error)

	// ActivePolicies returns non-deleted, active policies.
	ActivePolicies(ctx context.Context) ([]Policy, error)
}

// =============================================================================
// CHAIN RULE STORE
// =============================================================================

type ChainRuleStore interface {
	SaveChainRule(ctx context.Context, r ApprovalChainRule) error
	GetChainRule(ctx context.Context, id ChainRuleID) (*ApprovalChainRule, error)
	ListChainRules(ctx context.Context) ([]ApprovalChainRule, error)
	ActiveChainRules(ctx context.Context) ([]ApprovalChainRule, error)
}

// =============================================================================
// EXPENSE STORE
// =============================================================================

type ExpenseStore interface {
	SaveExpense(ctx context.Context, e Expense) error
	GetExpense(ctx context.Context, id ExpenseID) (*Expense, error)
	ListExpenses(ctx context.Context, employeeID EmployeeID) ([]Expense, error)

	SaveReport(ctx context.Context, r ExpenseReport) error
	GetReport(ctx context.Context, id ReportID) (*ExpenseReport, error)
}

// =============================================================================
// WORKFLOW STORE
// =============================================================================

type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w WorkflowRequest) error
	GetWorkflow(ctx context.Context, id WorkflowID) (*WorkflowRequest, error)
	ListWorkflows(ctx context.Context) ([]WorkflowRequest, error)
}

// =============================================================================
// REIMBURSEMENT STORE
// =============================================================================

type ReimbursementStore interface {
	SaveReimbursement(ctx context.Context, r Reimbursement) error
	GetReimbursement(ctx context.Context, id ReimbursementID) (*Reimbursement, error)
	ListReimbursements(ctx context.Context) ([]Reimbursement, error)

	// GetReimbursementByReport enforces one reimbursement per report.
	GetReimbursementByReport(ctx context.Context, reportID ReportID) (*Reimbursement, error)
}

// =============================================================================
// ACTION STORE
// =============================================================================

type ActionStore interface {
	SaveAction(ctx context.Context, a ScheduledCardAction) error
	GetAction(ctx context.Context, id ActionID) (*ScheduledCardAction, error)
	ListActions(ctx context.Context, cardID CardID) ([]ScheduledCardAction, error)

	// DueActions returns PENDING actions with ScheduledAt <= now, ordered
	// by ScheduledAt ascending then ID ascending. Stable and deterministic.
	DueActions(ctx context.Context, now time.Time) ([]ScheduledCardAction, error)
}

// =============================================================================
// CARD DIRECTORY - Card control state owned by the issuing platform
// =============================================================================

type CardDirectory interface {
	SaveCard(ctx context.Context, c Card) error
	GetCard(ctx context.Context, id CardID) (*Card, error)
	ListCards(ctx context.Context) ([]Card, error)

	// UpdateCard applies a patch iff the stored version still matches
	// expectedVersion, bumping the version. Returns ErrVersionMismatch when
	// a concurrent writer won; callers re-read and retry.
	UpdateCard(ctx context.Context, id CardID, expectedVersion int, patch CardPatch) (*Card, error)
}

// =============================================================================
// COMPOSED STORE
// =============================================================================

// Store is the full persistence surface the engine and API wire against.
type Store interface {
	PolicyStore
	ChainRuleStore
	ExpenseStore
	WorkflowStore
	ReimbursementStore
	ActionStore
	CardDirectory
}
