package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/engine"
	memstore "github.com/warp/compliance-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newCalculator(t *testing.T) (*engine.Calculator, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	return &engine.Calculator{Store: store, TDS: engine.DefaultTDSTable(), Log: zerolog.Nop()}, store
}

func approvedReport(t *testing.T, store *memstore.Memory, id string, total float64, category string) engine.ReportID {
	t.Helper()
	ctx := context.Background()

	expense := engine.Expense{
		ID:         engine.ExpenseID("exp-" + id),
		EmployeeID: "emp-1",
		Amount:     engine.NewMoney(total),
		Category:   category,
	}
	require.NoError(t, store.SaveExpense(ctx, expense))

	report := engine.ExpenseReport{
		ID:          engine.ReportID(id),
		EmployeeID:  "emp-1",
		Title:       "Settlement " + id,
		ExpenseIDs:  []engine.ExpenseID{expense.ID},
		TotalAmount: engine.NewMoney(total),
		Status:      engine.ReportApproved,
		BankAccount: engine.BankAccount{
			HolderName:    "A Kumar",
			AccountNumber: "000123456789",
			IFSC:          "HDFC0001234",
			BankName:      "HDFC Bank",
		},
	}
	require.NoError(t, store.SaveReport(ctx, report))
	return report.ID
}

// =============================================================================
// TDS COMPUTATION TESTS
// =============================================================================

func TestCompute_TDSAboveThreshold(t *testing.T) {
	// GIVEN: An approved report of 40,000 in a 2% / 30,000-threshold section
	// WHEN: Computing the settlement
	// THEN: tds = 800.00, net = 39,200.00

	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 40000, "Contract Work")

	r, err := calc.Compute(context.Background(), reportID)
	require.NoError(t, err)

	assert.Equal(t, "800", r.TDSAmount.String())
	assert.Equal(t, "39200", r.NetAmount.String())
	assert.Equal(t, "194C", r.TDSSection)
	assert.Equal(t, engine.ReimbPending, r.Status)
	assert.True(t, r.NetAmount.Equal(r.GrossAmount.Sub(r.TDSAmount)))
}

func TestCompute_BelowThreshold_NoTDS(t *testing.T) {
	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 25000, "Contract Work")

	r, err := calc.Compute(context.Background(), reportID)
	require.NoError(t, err)

	assert.True(t, r.TDSAmount.IsZero())
	assert.True(t, r.NetAmount.Equal(r.GrossAmount))
}

func TestCompute_ExactlyAtThreshold_NoTDS(t *testing.T) {
	// Withholding applies strictly above the threshold.

	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 30000, "Contract Work")

	r, err := calc.Compute(context.Background(), reportID)
	require.NoError(t, err)
	assert.True(t, r.TDSAmount.IsZero())
}

func TestCompute_ProfessionalServicesSection(t *testing.T) {
	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 50000, "Professional Services")

	r, err := calc.Compute(context.Background(), reportID)
	require.NoError(t, err)

	assert.Equal(t, "194J", r.TDSSection)
	assert.Equal(t, "5000", r.TDSAmount.String())
}

func TestCompute_RoundsHalfUpToPaise(t *testing.T) {
	// 33,333.33 * 2% = 666.6666 -> 666.67

	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 33333.33, "Contract Work")

	r, err := calc.Compute(context.Background(), reportID)
	require.NoError(t, err)
	assert.Equal(t, "666.67", r.TDSAmount.StringFixed(2))
}

func TestCompute_UnapprovedReport_Conflict(t *testing.T) {
	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 40000, "Contract Work")

	ctx := context.Background()
	report, err := store.GetReport(ctx, reportID)
	require.NoError(t, err)
	report.Status = engine.ReportSubmitted
	require.NoError(t, store.SaveReport(ctx, *report))

	_, err = calc.Compute(ctx, reportID)
	assert.True(t, engine.IsConflict(err))
}

func TestCompute_OncePerReport(t *testing.T) {
	calc, store := newCalculator(t)
	reportID := approvedReport(t, store, "rep-1", 40000, "Contract Work")
	ctx := context.Background()

	first, err := calc.Compute(ctx, reportID)
	require.NoError(t, err)
	second, err := calc.Compute(ctx, reportID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	all, err := store.ListReimbursements(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCompute_BrokenRateRejected(t *testing.T) {
	// A rate that consumes the whole gross is a configuration bug; the
	// computation is rejected rather than persisting a negative net.

	calc, store := newCalculator(t)
	calc.TDS = engine.TDSTable{
		DefaultSection: engine.TDSSection{
			Section:   "194X",
			Threshold: engine.NewMoneyFromInt(0),
			Rate:      decimal.NewFromFloat(1.5),
		},
	}
	reportID := approvedReport(t, store, "rep-1", 40000, "Contract Work")

	_, err := calc.Compute(context.Background(), reportID)
	assert.True(t, engine.IsValidation(err))
}

// =============================================================================
// PAYMENT STATE MACHINE TESTS
// =============================================================================

func settle(t *testing.T, calc *engine.Calculator, store *memstore.Memory) engine.ReimbursementID {
	t.Helper()
	reportID := approvedReport(t, store, "rep-sm", 40000, "Contract Work")
	r, err := calc.Compute(context.Background(), reportID)
	require.NoError(t, err)
	return r.ID
}

func TestInitiate_Idempotent(t *testing.T) {
	// GIVEN: An initiated reimbursement
	// WHEN: Initiating again (UI retry)
	// THEN: No-op returning the current state

	calc, store := newCalculator(t)
	id := settle(t, calc, store)
	ctx := context.Background()

	r, err := calc.Initiate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.ReimbInitiated, r.Status)

	r, err = calc.Initiate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.ReimbInitiated, r.Status)
}

func TestPaymentLifecycle_ForwardOnly(t *testing.T) {
	calc, store := newCalculator(t)
	id := settle(t, calc, store)
	ctx := context.Background()

	_, err := calc.Initiate(ctx, id)
	require.NoError(t, err)
	_, err = calc.MarkProcessing(ctx, id)
	require.NoError(t, err)

	// Paid requires the bank's reference.
	_, err = calc.MarkPaid(ctx, id, "")
	assert.True(t, engine.IsValidation(err))

	r, err := calc.MarkPaid(ctx, id, "NEFT-20260828-001")
	require.NoError(t, err)
	assert.Equal(t, engine.ReimbPaid, r.Status)
	assert.Equal(t, "NEFT-20260828-001", r.PaymentRef)

	// Nothing regresses from PAID.
	_, err = calc.MarkProcessing(ctx, id)
	assert.True(t, engine.IsConflict(err))
	_, err = calc.MarkFailed(ctx, id)
	assert.True(t, engine.IsConflict(err))
}

func TestFailed_RequiresExplicitReinitiation(t *testing.T) {
	calc, store := newCalculator(t)
	id := settle(t, calc, store)
	ctx := context.Background()

	_, err := calc.Initiate(ctx, id)
	require.NoError(t, err)
	_, err = calc.MarkFailed(ctx, id)
	require.NoError(t, err)

	// Plain initiate refuses a failed record.
	_, err = calc.Initiate(ctx, id)
	assert.True(t, engine.IsConflict(err))

	r, err := calc.Reinitiate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.ReimbInitiated, r.Status)
	assert.Empty(t, r.PaymentRef)
}

func TestBulkInitiate_IndependentOutcomes(t *testing.T) {
	// GIVEN: One pending, one failed, one unknown id
	// WHEN: Bulk initiating
	// THEN: Per-id outcomes; the failures never block the success

	calc, store := newCalculator(t)
	ctx := context.Background()

	okID := settle(t, calc, store)

	failedReportID := approvedReport(t, store, "rep-failed", 10000, "Meals")
	failed, err := calc.Compute(ctx, failedReportID)
	require.NoError(t, err)
	_, err = calc.Initiate(ctx, failed.ID)
	require.NoError(t, err)
	_, err = calc.MarkFailed(ctx, failed.ID)
	require.NoError(t, err)

	outcomes := calc.BulkInitiate(ctx, []engine.ReimbursementID{okID, failed.ID, "missing"})
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, engine.ReimbInitiated, outcomes[0].Status)
	assert.True(t, engine.IsConflict(outcomes[1].Err))
	assert.True(t, engine.IsNotFound(outcomes[2].Err))
}

// =============================================================================
// NEFT EXPORT TESTS
// =============================================================================

func TestNEFTExport_OnlyInFlightRecords(t *testing.T) {
	reimbs := []engine.Reimbursement{
		{Status: engine.ReimbPending, NetAmount: engine.NewMoneyFromInt(100),
			BankAccount: engine.BankAccount{BankName: "SBI", AccountNumber: "1", IFSC: "SBIN0000001"}},
		{Status: engine.ReimbInitiated, NetAmount: engine.NewMoney(39200),
			BankAccount: engine.BankAccount{BankName: "HDFC Bank", AccountNumber: "000123456789", IFSC: "HDFC0001234"}},
		{Status: engine.ReimbPaid, NetAmount: engine.NewMoneyFromInt(500),
			BankAccount: engine.BankAccount{BankName: "ICICI", AccountNumber: "2", IFSC: "ICIC0000002"}},
	}

	out := engine.NEFTExport(reimbs)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	require.Len(t, lines, 2) // header + one INITIATED row
	assert.Contains(t, lines[1], "HDFC Bank")
	assert.Contains(t, lines[1], "39200.00")
	assert.NotContains(t, out, "SBI ")
	assert.NotContains(t, out, "ICICI")
}

func TestNEFTExport_FixedColumns(t *testing.T) {
	reimbs := []engine.Reimbursement{
		{Status: engine.ReimbProcessing, NetAmount: engine.NewMoney(39200),
			BankAccount: engine.BankAccount{BankName: "HDFC Bank", AccountNumber: "000123456789", IFSC: "HDFC0001234"}},
	}

	out := engine.NEFTExport(reimbs)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)

	// bank(24) + account(20) + ifsc(11) + amount(14)
	assert.Len(t, lines[1], 69)
	assert.Equal(t, "HDFC Bank", strings.TrimSpace(lines[1][:24]))
	assert.Equal(t, "000123456789", strings.TrimSpace(lines[1][24:44]))
	assert.Equal(t, "HDFC0001234", strings.TrimSpace(lines[1][44:55]))
	assert.Equal(t, "39200.00", strings.TrimSpace(lines[1][55:]))
}
