/*
settlement.go - Reimbursement settlement computation and payment lifecycle

PURPOSE:
  Turns an approved expense report into a payment-ready reimbursement:
  gross amount, TDS withholding, net amount, and a forward-only payment
  state machine. Also produces the NEFT payment-file projection.

TDS:
  The applicable section is derived from the report's category; each
  section has a statutory threshold below which the rate is zero. Above
  the threshold, tds = gross * rate, rounded half-up to the nearest paise.
  net = gross - tds, always. A negative net indicates a configuration bug
  (rate >= 100%), never a valid business state: the amount clamps to zero
  and the computation is rejected.

STATE MACHINE:
  PENDING -> INITIATED -> PROCESSING -> {PAID | FAILED}
  Transitions are forward only; nothing regresses from PAID. FAILED is
  terminal-but-recoverable: it requires explicit re-initiation, never an
  automatic retry.

IDEMPOTENCE:
  Initiate on an already-INITIATED-or-later record is a no-op returning
  the current state, so UI retries are always safe. BulkInitiate reports a
  per-id outcome; one failure never blocks the others.

SEE ALSO:
  - approval.go: APPROVED workflows feed Compute
  - api/handlers.go: NEFT export endpoint
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REIMBURSEMENT
// =============================================================================

type ReimbursementStatus string

const (
	ReimbPending    ReimbursementStatus = "PENDING"
	ReimbInitiated  ReimbursementStatus = "INITIATED"
	ReimbProcessing ReimbursementStatus = "PROCESSING"
	ReimbPaid       ReimbursementStatus = "PAID"
	ReimbFailed     ReimbursementStatus = "FAILED"
)

// rank orders statuses along the forward-only state machine.
var reimbRank = map[ReimbursementStatus]int{
	ReimbPending:    0,
	ReimbInitiated:  1,
	ReimbProcessing: 2,
	ReimbPaid:       3,
	ReimbFailed:     3,
}

// Reimbursement is a payment-ready settlement record.
// Invariant: NetAmount = GrossAmount - TDSAmount, exactly.
type Reimbursement struct {
	ID          ReimbursementID
	ReportID    ReportID
	GrossAmount Money
	TDSAmount   Money
	TDSSection  string
	NetAmount   Money
	Status      ReimbursementStatus
	PaymentRef  string
	BankAccount BankAccount
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// TDS SECTIONS
// =============================================================================

// TDSSection is one withholding section: zero below Threshold, Rate above.
type TDSSection struct {
	Section   string
	Threshold Money
	Rate      decimal.Decimal // fraction, e.g. 0.02 for 2%
}

// TDSTable maps expense categories to sections, with a default section
// for everything unmapped.
type TDSTable struct {
	ByCategory     map[string]TDSSection
	DefaultSection TDSSection
}

// SectionFor resolves the applicable section for a category.
func (t TDSTable) SectionFor(category string) TDSSection {
	if s, ok := t.ByCategory[category]; ok {
		return s
	}
	return t.DefaultSection
}

// DefaultTDSTable mirrors the statutory defaults the console ships with:
// professional services under 194J, contractor payments under 194C, and
// a 194C default of 2% above 30,000.
func DefaultTDSTable() TDSTable {
	return TDSTable{
		ByCategory: map[string]TDSSection{
			"Professional Services": {Section: "194J", Threshold: NewMoneyFromInt(30000), Rate: decimal.NewFromFloat(0.10)},
			"Contract Work":         {Section: "194C", Threshold: NewMoneyFromInt(30000), Rate: decimal.NewFromFloat(0.02)},
		},
		DefaultSection: TDSSection{Section: "194C", Threshold: NewMoneyFromInt(30000), Rate: decimal.NewFromFloat(0.02)},
	}
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	Store Store
	TDS   TDSTable
	Log   zerolog.Logger
}

// Compute creates the reimbursement for an approved report. One
// reimbursement per report; recomputing returns the existing record.
func (c *Calculator) Compute(ctx context.Context, reportID ReportID) (*Reimbursement, error) {
	report, err := c.Store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.Status != ReportApproved {
		return nil, &ConflictError{Op: "compute", Message: "report has not been approved"}
	}
	if existing, err := c.Store.GetReimbursementByReport(ctx, reportID); err == nil {
		return existing, nil
	} else if !IsNotFound(err) {
		return nil, err
	}

	category := ""
	if len(report.ExpenseIDs) > 0 {
		if e, err := c.Store.GetExpense(ctx, report.ExpenseIDs[0]); err == nil {
			category = e.Category
		}
	}

	gross := report.TotalAmount
	section := c.TDS.SectionFor(category)
	tds := decimal.Zero
	if gross.GreaterThan(section.Threshold) {
		// Half-up to the nearest paise.
		tds = gross.Mul(section.Rate).Round(2)
	}
	net := gross.Sub(tds)
	if net.IsNegative() {
		// A rate that eats the whole gross is a configuration bug.
		c.Log.Error().
			Str("report_id", string(reportID)).
			Str("section", section.Section).
			Str("gross", gross.String()).
			Str("tds", tds.String()).
			Msg("settlement produced negative net amount")
		return nil, Invalid("tdsRate", "computed net amount is negative; TDS configuration is broken")
	}

	now := time.Now().UTC()
	r := Reimbursement{
		ID:          ReimbursementID(uuid.NewString()),
		ReportID:    reportID,
		GrossAmount: gross,
		TDSAmount:   tds,
		TDSSection:  section.Section,
		NetAmount:   net,
		Status:      ReimbPending,
		BankAccount: report.BankAccount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Store.SaveReimbursement(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Initiate moves PENDING -> INITIATED. Idempotent: an already-INITIATED
// or later record is returned unchanged so UI retries are always safe.
func (c *Calculator) Initiate(ctx context.Context, id ReimbursementID) (*Reimbursement, error) {
	r, err := c.Store.GetReimbursement(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == ReimbFailed {
		return nil, &ConflictError{Op: "initiate", Message: "failed reimbursement requires explicit re-initiation"}
	}
	if reimbRank[r.Status] >= reimbRank[ReimbInitiated] {
		return r, nil
	}
	r.Status = ReimbInitiated
	r.UpdatedAt = time.Now().UTC()
	if err := c.Store.SaveReimbursement(ctx, *r); err != nil {
		return nil, err
	}
	return r, nil
}

// BulkOutcome is the per-id result of a BulkInitiate call.
type BulkOutcome struct {
	ID     ReimbursementID
	Status ReimbursementStatus
	Err    error
}

// BulkInitiate initiates each id independently. One failure never blocks
// initiation of the others.
func (c *Calculator) BulkInitiate(ctx context.Context, ids []ReimbursementID) []BulkOutcome {
	outcomes := make([]BulkOutcome, 0, len(ids))
	for _, id := range ids {
		r, err := c.Initiate(ctx, id)
		o := BulkOutcome{ID: id, Err: err}
		if r != nil {
			o.Status = r.Status
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// MarkProcessing moves INITIATED -> PROCESSING.
func (c *Calculator) MarkProcessing(ctx context.Context, id ReimbursementID) (*Reimbursement, error) {
	return c.transition(ctx, id, ReimbInitiated, ReimbProcessing, "")
}

// MarkPaid moves PROCESSING -> PAID with the bank's payment reference.
func (c *Calculator) MarkPaid(ctx context.Context, id ReimbursementID, paymentRef string) (*Reimbursement, error) {
	if paymentRef == "" {
		return nil, Invalid("paymentRef", "payment reference is required")
	}
	return c.transition(ctx, id, ReimbProcessing, ReimbPaid, paymentRef)
}

// MarkFailed moves INITIATED or PROCESSING -> FAILED.
func (c *Calculator) MarkFailed(ctx context.Context, id ReimbursementID) (*Reimbursement, error) {
	r, err := c.Store.GetReimbursement(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != ReimbInitiated && r.Status != ReimbProcessing {
		return nil, &ConflictError{Op: "fail",
			Message: fmt.Sprintf("cannot fail from %s", r.Status)}
	}
	r.Status = ReimbFailed
	r.UpdatedAt = time.Now().UTC()
	if err := c.Store.SaveReimbursement(ctx, *r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reinitiate recovers a FAILED record back to INITIATED. This is the only
// path out of FAILED; nothing retries automatically.
func (c *Calculator) Reinitiate(ctx context.Context, id ReimbursementID) (*Reimbursement, error) {
	r, err := c.Store.GetReimbursement(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != ReimbFailed {
		return nil, &ConflictError{Op: "reinitiate", Message: "only failed reimbursements can be re-initiated"}
	}
	r.Status = ReimbInitiated
	r.PaymentRef = ""
	r.UpdatedAt = time.Now().UTC()
	if err := c.Store.SaveReimbursement(ctx, *r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Calculator) transition(ctx context.Context, id ReimbursementID, from, to ReimbursementStatus, paymentRef string) (*Reimbursement, error) {
	r, err := c.Store.GetReimbursement(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, &ConflictError{Op: strings.ToLower(string(to)),
			Message: fmt.Sprintf("cannot move from %s to %s", r.Status, to)}
	}
	r.Status = to
	if paymentRef != "" {
		r.PaymentRef = paymentRef
	}
	r.UpdatedAt = time.Now().UTC()
	if err := c.Store.SaveReimbursement(ctx, *r); err != nil {
		return nil, err
	}
	return r, nil
}

// =============================================================================
// NEFT EXPORT - read-only payment file projection
// =============================================================================

// neft file columns: bank name (24), account number (20), IFSC (11),
// net amount (14, right-aligned). Pure formatting, not part of the state
// machine.
const neftHeader = "BANK NAME               ACCOUNT NUMBER      IFSC CODE       NET AMOUNT"

// NEFTExport renders all INITIATED/PROCESSING reimbursements into the
// fixed-column payment-file format the bank ingests.
func NEFTExport(reimbursements []Reimbursement) string {
	var b strings.Builder
	b.WriteString(neftHeader)
	b.WriteByte('\n')
	for _, r := range reimbursements {
		if r.Status != ReimbInitiated && r.Status != ReimbProcessing {
			continue
		}
		b.WriteString(fmt.Sprintf("%-24s%-20s%-11s%14s\n",
			truncate(r.BankAccount.BankName, 24),
			truncate(r.BankAccount.AccountNumber, 20),
			truncate(r.BankAccount.IFSC, 11),
			r.NetAmount.StringFixed(2),
		))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
