package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/engine"
	memstore "github.com/warp/compliance-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newRouterWithRules(t *testing.T, rules ...engine.ApprovalChainRule) (*engine.Router, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	ctx := context.Background()
	for _, r := range rules {
		require.NoError(t, store.SaveChainRule(ctx, r))
	}
	return engine.NewRouter(store, zerolog.Nop()), store
}

func chainRule(id string, min, max int64, category string, roles ...string) engine.ApprovalChainRule {
	r := engine.ApprovalChainRule{
		ID:        engine.ChainRuleID(id),
		Name:      id,
		AmountMin: engine.NewMoneyFromInt(min),
		AmountMax: engine.NewMoneyFromInt(max),
		Category:  category,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	for i, role := range roles {
		r.Chain = append(r.Chain, engine.ChainStep{Role: role, Level: i + 1})
	}
	return r
}

func submittedReport(t *testing.T, store *memstore.Memory, total int64, category string) *engine.ExpenseReport {
	t.Helper()
	ctx := context.Background()

	expense := engine.Expense{
		ID:         "exp-r1",
		EmployeeID: "emp-1",
		Amount:     engine.NewMoneyFromInt(total),
		Category:   category,
	}
	require.NoError(t, store.SaveExpense(ctx, expense))

	report := engine.ExpenseReport{
		ID:          "rep-1",
		EmployeeID:  "emp-1",
		Title:       "Trip",
		ExpenseIDs:  []engine.ExpenseID{expense.ID},
		TotalAmount: engine.NewMoneyFromInt(total),
		Status:      engine.ReportSubmitted,
	}
	require.NoError(t, store.SaveReport(ctx, report))
	return &report
}

// =============================================================================
// CHAIN RESOLUTION TESTS
// =============================================================================

func TestResolveChain_HighValueGetsTwoSteps(t *testing.T) {
	// GIVEN: A single-approver rule up to 50,000 and a two-step rule above
	// WHEN: Resolving a 60,000 report
	// THEN: The two-step MANAGER -> FINANCE chain is selected

	router, _ := newRouterWithRules(t,
		chainRule("low", 0, 50000, engine.CategoryAll, "MANAGER"),
		chainRule("high", 50000, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)

	steps, rule, err := router.ResolveChain(context.Background(), engine.NewMoneyFromInt(60000), "Travel")
	require.NoError(t, err)
	assert.Equal(t, engine.ChainRuleID("high"), rule.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, "MANAGER", steps[0].Role)
	assert.Equal(t, "FINANCE", steps[1].Role)
}

func TestResolveChain_HalfOpenRange(t *testing.T) {
	// Ranges are amountMin <= amount < amountMax: exactly 50,000 falls in
	// the upper rule, never both.

	router, _ := newRouterWithRules(t,
		chainRule("low", 0, 50000, engine.CategoryAll, "MANAGER"),
		chainRule("high", 50000, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)

	_, rule, err := router.ResolveChain(context.Background(), engine.NewMoneyFromInt(50000), "Travel")
	require.NoError(t, err)
	assert.Equal(t, engine.ChainRuleID("high"), rule.ID)
}

func TestResolveChain_SpecificCategoryBeatsAll(t *testing.T) {
	router, _ := newRouterWithRules(t,
		chainRule("fallback", 0, 100000, engine.CategoryAll, "MANAGER"),
		chainRule("travel", 0, 100000, "Travel", "TRAVEL_DESK", "MANAGER"),
	)

	_, rule, err := router.ResolveChain(context.Background(), engine.NewMoneyFromInt(10000), "Travel")
	require.NoError(t, err)
	assert.Equal(t, engine.ChainRuleID("travel"), rule.ID)
}

func TestResolveChain_NarrowestRangeWins(t *testing.T) {
	router, _ := newRouterWithRules(t,
		chainRule("wide", 0, 1000000, engine.CategoryAll, "MANAGER"),
		chainRule("narrow", 0, 20000, engine.CategoryAll, "TEAM_LEAD"),
	)

	_, rule, err := router.ResolveChain(context.Background(), engine.NewMoneyFromInt(10000), "Meals")
	require.NoError(t, err)
	assert.Equal(t, engine.ChainRuleID("narrow"), rule.ID)
}

func TestResolveChain_NoMatch_ConfigurationError(t *testing.T) {
	// A deployment with no matching rule (missing ALL fallback) is a
	// configuration bug, not a user error.

	router, _ := newRouterWithRules(t,
		chainRule("travel-only", 0, 100000, "Travel", "MANAGER"),
	)

	_, _, err := router.ResolveChain(context.Background(), engine.NewMoneyFromInt(500), "Meals")
	assert.True(t, engine.IsConfiguration(err))
}

// =============================================================================
// WORKFLOW LIFECYCLE TESTS
// =============================================================================

func TestSubmit_FirstStepActive(t *testing.T) {
	router, store := newRouterWithRules(t,
		chainRule("high", 0, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)
	report := submittedReport(t, store, 60000, "Travel")

	w, err := router.Submit(context.Background(), report)
	require.NoError(t, err)

	assert.Equal(t, engine.WorkflowInReview, w.Status())
	assert.Equal(t, "MANAGER", w.CurrentApprover())
	assert.Equal(t, engine.StepInReview, w.Chain[0].Status)
	assert.Equal(t, engine.StepPending, w.Chain[1].Status)
}

func TestSubmit_RequiresSubmittedReport(t *testing.T) {
	router, store := newRouterWithRules(t,
		chainRule("all", 0, 10000000, engine.CategoryAll, "MANAGER"),
	)
	report := submittedReport(t, store, 1000, "Meals")
	report.Status = engine.ReportDraft

	_, err := router.Submit(context.Background(), report)
	assert.True(t, engine.IsConflict(err))
}

func TestAdvance_ApproveThroughChain(t *testing.T) {
	// GIVEN: A two-step workflow
	// WHEN: MANAGER approves, then FINANCE approves
	// THEN: The request becomes APPROVED; status round-trips from the chain

	ctx := context.Background()
	router, store := newRouterWithRules(t,
		chainRule("high", 0, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)
	report := submittedReport(t, store, 60000, "Travel")
	w, err := router.Submit(ctx, report)
	require.NoError(t, err)

	w, err = router.Advance(ctx, w.ID, engine.ApproverAction{Role: "MANAGER", Actor: "mgr@corp", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowInReview, w.Status())
	assert.Equal(t, "FINANCE", w.CurrentApprover())

	w, err = router.Advance(ctx, w.ID, engine.ApproverAction{Role: "FINANCE", Actor: "fin@corp", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowApproved, w.Status())
	assert.Equal(t, "", w.CurrentApprover())

	// Derived status equals the stored chain's reconstruction.
	assert.Equal(t, w.Status(), engine.DeriveStatus(w.Chain))
}

func TestAdvance_RejectCancelsRemainingSteps(t *testing.T) {
	ctx := context.Background()
	router, store := newRouterWithRules(t,
		chainRule("high", 0, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)
	report := submittedReport(t, store, 60000, "Travel")
	w, err := router.Submit(ctx, report)
	require.NoError(t, err)

	w, err = router.Advance(ctx, w.ID, engine.ApproverAction{
		Role: "MANAGER", Actor: "mgr@corp", Approve: false, Comment: "missing invoices",
	})
	require.NoError(t, err)

	assert.Equal(t, engine.WorkflowRejected, w.Status())
	assert.Equal(t, engine.StepRejected, w.Chain[0].Status)
	assert.Equal(t, engine.StepCancelled, w.Chain[1].Status)
	require.Len(t, w.Comments, 1)
	assert.Equal(t, "missing invoices", w.Comments[0].Body)
}

func TestAdvance_WrongRole_Conflict(t *testing.T) {
	ctx := context.Background()
	router, store := newRouterWithRules(t,
		chainRule("high", 0, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)
	report := submittedReport(t, store, 60000, "Travel")
	w, err := router.Submit(ctx, report)
	require.NoError(t, err)

	// FINANCE tries to act before MANAGER.
	_, err = router.Advance(ctx, w.ID, engine.ApproverAction{Role: "FINANCE", Actor: "fin@corp", Approve: true})
	assert.True(t, engine.IsConflict(err))

	// State unchanged.
	reloaded, err := store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "MANAGER", reloaded.CurrentApprover())
}

func TestAdvance_ResolvedWorkflow_Conflict(t *testing.T) {
	ctx := context.Background()
	router, store := newRouterWithRules(t,
		chainRule("low", 0, 10000000, engine.CategoryAll, "MANAGER"),
	)
	report := submittedReport(t, store, 1000, "Meals")
	w, err := router.Submit(ctx, report)
	require.NoError(t, err)

	_, err = router.Advance(ctx, w.ID, engine.ApproverAction{Role: "MANAGER", Actor: "mgr@corp", Approve: true})
	require.NoError(t, err)

	// Re-approval of a resolved request changes nothing.
	_, err = router.Advance(ctx, w.ID, engine.ApproverAction{Role: "MANAGER", Actor: "mgr@corp", Approve: true})
	assert.True(t, engine.IsConflict(err))
}

func TestWithdraw_RequestorOnly_NonTerminal(t *testing.T) {
	ctx := context.Background()
	router, store := newRouterWithRules(t,
		chainRule("high", 0, 10000000, engine.CategoryAll, "MANAGER", "FINANCE"),
	)
	report := submittedReport(t, store, 60000, "Travel")
	w, err := router.Submit(ctx, report)
	require.NoError(t, err)

	_, err = router.Withdraw(ctx, w.ID, "someone-else")
	assert.True(t, engine.IsConflict(err))

	w, err = router.Withdraw(ctx, w.ID, report.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowCancelled, w.Status())

	// Terminal now; a second withdrawal is a conflict.
	_, err = router.Withdraw(ctx, w.ID, report.EmployeeID)
	assert.True(t, engine.IsConflict(err))
}

// =============================================================================
// DERIVED STATUS TESTS
// =============================================================================

func TestDeriveStatus_RejectionShortCircuits(t *testing.T) {
	chain := []engine.WorkflowStep{
		{Role: "MANAGER", Level: 1, Status: engine.StepApproved},
		{Role: "FINANCE", Level: 2, Status: engine.StepRejected},
		{Role: "CFO", Level: 3, Status: engine.StepCancelled},
	}
	assert.Equal(t, engine.WorkflowRejected, engine.DeriveStatus(chain))
}

func TestDeriveStatus_EmptyChainIsPending(t *testing.T) {
	assert.Equal(t, engine.WorkflowPending, engine.DeriveStatus(nil))
}

func TestChainRuleValidate(t *testing.T) {
	bad := chainRule("r", 100, 100, engine.CategoryAll, "MANAGER")
	assert.True(t, engine.IsValidation(bad.Validate()))

	dup := chainRule("r", 0, 100, engine.CategoryAll, "MANAGER")
	dup.Chain = append(dup.Chain, engine.ChainStep{Role: "FINANCE", Level: 1})
	assert.True(t, engine.IsValidation(dup.Validate()))

	ok := chainRule("r", 0, 100, engine.CategoryAll, "MANAGER")
	assert.NoError(t, ok.Validate())
}
