/*
Package engine provides the policy and approval compliance core.

PURPOSE:
  This package contains the domain types and algorithms behind the expense
  console: policy evaluation, approval chain routing, reimbursement
  settlement, and scheduled card actions. The UI layer only displays the
  state transitions produced here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A currency amount backed by decimal.Decimal
  - Expense / ExpenseReport: The aggregates every component consumes
  - Card: Control state mutated by scheduled actions
  - Typed identifiers for every aggregate

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount, never float64
  2. Type Safety: Strong typing for IDs prevents mixing aggregate IDs
  3. Derived State: policyStatus and workflow status are computed, cached,
     and recomputable from their inputs

SEE ALSO:
  - policy.go: Policy definitions with typed rule payloads
  - evaluate.go: Compliance evaluation
  - approval.go: Approval chain routing
  - settlement.go: Reimbursement settlement
  - schedule.go: Scheduled card actions
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Currency amount helpers
// =============================================================================

// Money is a currency amount in rupees with paise precision.
type Money = decimal.Decimal

func NewMoney(value float64) Money     { return decimal.NewFromFloat(value) }
func NewMoneyFromInt(value int64) Money { return decimal.NewFromInt(value) }

// MustParseMoney parses a decimal string, returning zero on failure.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PolicyID string
type ChainRuleID string
type ExpenseID string
type ReportID string
type WorkflowID string
type ReimbursementID string
type ActionID string
type CardID string
type EmployeeID string

// =============================================================================
// EXPENSE - The aggregate all components consume
// =============================================================================

// PolicyStatus is the cached compliance verdict on an expense.
type PolicyStatus string

const (
	StatusCompliant     PolicyStatus = "COMPLIANT"
	StatusSoftViolation PolicyStatus = "SOFT_VIOLATION"
	StatusHardViolation PolicyStatus = "HARD_VIOLATION"
	StatusException     PolicyStatus = "EXCEPTION"
)

// GSTDetails carries the Indian GST breakdown captured on an expense.
type GSTDetails struct {
	GSTIN string
	CGST  Money
	SGST  Money
	IGST  Money
}

// Expense is a single card transaction or manual entry.
// Owned by the employee until submitted into a report, read-mostly after.
type Expense struct {
	ID              ExpenseID
	EmployeeID      EmployeeID
	Amount          Money
	Category        string
	MCC             string // four-digit merchant category code, may be empty
	Country         string // merchant country, may be empty
	PolicyStatus    PolicyStatus
	HasReceipt      bool
	GLCode          string
	CostCenterID    string
	BusinessPurpose string
	GST             GSTDetails
	Date            time.Time

	// ExceptionBy records who applied a manual override. Cleared whenever
	// the expense is edited, at which point evaluation reruns.
	ExceptionBy   string
	ExceptionNote string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClearException removes a manual override so evaluation can rerun.
func (e *Expense) ClearException() {
	e.ExceptionBy = ""
	e.ExceptionNote = ""
}

// HasException reports whether a manual override is in force.
func (e *Expense) HasException() bool { return e.ExceptionBy != "" }

// =============================================================================
// EXPENSE REPORT - Grouping submitted for approval
// =============================================================================

type ReportStatus string

const (
	ReportDraft     ReportStatus = "DRAFT"
	ReportSubmitted ReportStatus = "SUBMITTED"
	ReportApproved  ReportStatus = "APPROVED"
	ReportRejected  ReportStatus = "REJECTED"
)

// ExpenseReport groups expenses for approval and settlement.
// TotalAmount is computed by the report collaborator, not recomputed here.
type ExpenseReport struct {
	ID          ReportID
	EmployeeID  EmployeeID
	Title       string
	ExpenseIDs  []ExpenseID
	TotalAmount Money
	Status      ReportStatus
	BankAccount BankAccount
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// CARD - Control state mutated by scheduled actions
// =============================================================================

type CardStatus string

const (
	CardActive CardStatus = "ACTIVE"
	CardFrozen CardStatus = "FROZEN"
)

// Card holds the control state the scheduled executor mutates.
// Version supports optimistic locking: user-initiated freezes race with
// scheduled ones, and a stale write must not be lost.
type Card struct {
	ID         CardID
	EmployeeID EmployeeID
	Last4      string
	Status     CardStatus
	SpendLimit Money
	Version    int
	UpdatedAt  time.Time
}

// CardPatch describes a partial card control update.
type CardPatch struct {
	Status     *CardStatus
	SpendLimit *Money
}

// =============================================================================
// BANK ACCOUNT - Payment destination for reimbursements
// =============================================================================

type BankAccount struct {
	HolderName    string
	AccountNumber string
	IFSC          string
	BankName      string
}
