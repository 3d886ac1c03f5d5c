package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/engine"
	"github.com/warp/compliance-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// POLICY PERSISTENCE TESTS
// =============================================================================

func TestPolicy_RoundTrip(t *testing.T) {
	// The typed rule payload survives serialization into the rules_json
	// column and back.

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := engine.Policy{
		ID:        "meals-cap",
		Name:      "Meals cap",
		Type:      engine.PolicyAmount,
		Rule:      engine.AmountRule{Category: "Meals", MaxAmount: engine.NewMoneyFromInt(5000)},
		Severity:  engine.SeveritySoft,
		IsActive:  true,
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.SavePolicy(ctx, p))

	got, err := store.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, 3, got.Version)

	rule, ok := got.Rule.(engine.AmountRule)
	require.True(t, ok)
	assert.Equal(t, "Meals", rule.Category)
	assert.True(t, rule.MaxAmount.Equal(engine.NewMoneyFromInt(5000)))
}

func TestPolicy_ActiveFiltersDeletedAndInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	active := engine.Policy{
		ID: "a", Name: "active", Type: engine.PolicyReceipt,
		Rule:     engine.ReceiptRule{Threshold: engine.NewMoneyFromInt(500)},
		Severity: engine.SeverityHard, IsActive: true, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	inactive := active
	inactive.ID = "b"
	inactive.Name = "inactive"
	inactive.IsActive = false

	deleted := active
	deleted.ID = "c"
	deleted.Name = "deleted"
	deleted.DeletedAt = &now

	for _, p := range []engine.Policy{active, inactive, deleted} {
		require.NoError(t, store.SavePolicy(ctx, p))
	}

	got, err := store.ActivePolicies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.PolicyID("a"), got[0].ID)

	all, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPolicy_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetPolicy(context.Background(), "ghost")
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// WORKFLOW PERSISTENCE TESTS
// =============================================================================

func TestWorkflow_ChainSurvivesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acted := now.Add(-time.Minute)

	w := engine.WorkflowRequest{
		ID:          "wf-1",
		ReportID:    "rep-1",
		RequestorID: "emp-1",
		RuleID:      "rule-1",
		Amount:      engine.NewMoneyFromInt(60000),
		Category:    "Travel",
		Chain: []engine.WorkflowStep{
			{Role: "MANAGER", Level: 1, Status: engine.StepApproved, ActedBy: "mgr@corp", ActedAt: &acted},
			{Role: "FINANCE", Level: 2, Status: engine.StepInReview},
		},
		Comments:  []engine.Comment{{ID: "c1", Author: "mgr@corp", Body: "ok", CreatedAt: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.SaveWorkflow(ctx, w))

	got, err := store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)

	assert.Equal(t, engine.WorkflowInReview, got.Status())
	assert.Equal(t, "FINANCE", got.CurrentApprover())
	require.Len(t, got.Chain, 2)
	assert.Equal(t, "mgr@corp", got.Chain[0].ActedBy)
	require.NotNil(t, got.Chain[0].ActedAt)
	require.Len(t, got.Comments, 1)
	assert.True(t, got.Amount.Equal(w.Amount))
}

// =============================================================================
// REIMBURSEMENT PERSISTENCE TESTS
// =============================================================================

func TestReimbursement_LookupByReport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := engine.Reimbursement{
		ID:          "reimb-1",
		ReportID:    "rep-1",
		GrossAmount: engine.NewMoneyFromInt(40000),
		TDSAmount:   engine.NewMoneyFromInt(800),
		TDSSection:  "194C",
		NetAmount:   engine.NewMoneyFromInt(39200),
		Status:      engine.ReimbPending,
		BankAccount: engine.BankAccount{BankName: "HDFC Bank", AccountNumber: "1", IFSC: "HDFC0001234"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.SaveReimbursement(ctx, r))

	got, err := store.GetReimbursementByReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ReimbursementID("reimb-1"), got.ID)
	assert.True(t, got.NetAmount.Equal(got.GrossAmount.Sub(got.TDSAmount)))
	assert.Equal(t, "HDFC Bank", got.BankAccount.BankName)

	_, err = store.GetReimbursementByReport(ctx, "rep-other")
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// ACTION QUEUE TESTS
// =============================================================================

func TestDueActions_OrderedAndFiltered(t *testing.T) {
	// Due actions come back in scheduledAt-then-ID order; future, executed
	// and cancelled rows stay out of the queue.

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	base := engine.ScheduledCardAction{
		CardID:     "card-1",
		Type:       engine.ActionFreeze,
		Recurrence: engine.RecurOnce,
		Status:     engine.ActionPending,
		CreatedAt:  now,
	}

	later := base
	later.ID = "b-later"
	later.ScheduledAt = now.Add(-time.Hour)

	earlier := base
	earlier.ID = "a-earlier"
	earlier.ScheduledAt = now.Add(-2 * time.Hour)

	sameTimeAsLater := base
	sameTimeAsLater.ID = "a-tie"
	sameTimeAsLater.ScheduledAt = later.ScheduledAt

	future := base
	future.ID = "future"
	future.ScheduledAt = now.Add(time.Hour)

	done := base
	done.ID = "done"
	done.ScheduledAt = now.Add(-3 * time.Hour)
	done.Status = engine.ActionExecuted

	for _, a := range []engine.ScheduledCardAction{later, earlier, sameTimeAsLater, future, done} {
		require.NoError(t, store.SaveAction(ctx, a))
	}

	due, err := store.DueActions(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, engine.ActionID("a-earlier"), due[0].ID)
	assert.Equal(t, engine.ActionID("a-tie"), due[1].ID)
	assert.Equal(t, engine.ActionID("b-later"), due[2].ID)
}

// =============================================================================
// CARD OPTIMISTIC LOCKING TESTS
// =============================================================================

func TestUpdateCard_VersionDiscipline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	card := engine.Card{
		ID:         "card-1",
		EmployeeID: "emp-1",
		Status:     engine.CardActive,
		SpendLimit: engine.NewMoneyFromInt(100000),
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveCard(ctx, card))

	frozen := engine.CardFrozen
	updated, err := store.UpdateCard(ctx, card.ID, 1, engine.CardPatch{Status: &frozen})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, engine.CardFrozen, updated.Status)

	// A stale writer loses without clobbering the first update.
	limit := engine.NewMoneyFromInt(1)
	_, err = store.UpdateCard(ctx, card.ID, 1, engine.CardPatch{SpendLimit: &limit})
	assert.True(t, engine.IsRetryable(err))

	got, err := store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.CardFrozen, got.Status)
	assert.True(t, got.SpendLimit.Equal(engine.NewMoneyFromInt(100000)))

	_, err = store.UpdateCard(ctx, "ghost", 1, engine.CardPatch{Status: &frozen})
	assert.True(t, engine.IsNotFound(err))
}
