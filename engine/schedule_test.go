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

func newExecutor(t *testing.T) (*engine.Executor, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	card := engine.Card{
		ID:         "card-1",
		EmployeeID: "emp-1",
		Last4:      "4821",
		Status:     engine.CardActive,
		SpendLimit: engine.NewMoneyFromInt(100000),
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveCard(context.Background(), card))
	return &engine.Executor{Store: store, Log: zerolog.Nop()}, store
}

// =============================================================================
// SCHEDULING AND CANCELLATION TESTS
// =============================================================================

func TestSchedule_UnknownCard_NotFound(t *testing.T) {
	ex, _ := newExecutor(t)
	_, err := ex.Schedule(context.Background(), "ghost", engine.ActionFreeze,
		time.Now(), engine.RecurOnce, engine.ActionDetails{})
	assert.True(t, engine.IsNotFound(err))
}

func TestSchedule_LimitChangeNeedsPositiveLimit(t *testing.T) {
	ex, _ := newExecutor(t)
	_, err := ex.Schedule(context.Background(), "card-1", engine.ActionLimitChange,
		time.Now(), engine.RecurOnce, engine.ActionDetails{})
	assert.True(t, engine.IsValidation(err))
}

func TestCancel_PendingOnly(t *testing.T) {
	// GIVEN: One executed action and one pending action
	// WHEN: Cancelling each
	// THEN: Pending cancels; executed is a conflict (its effect happened)

	ex, _ := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fired, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, now.Add(-time.Hour), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)
	_, err = ex.Tick(ctx, now)
	require.NoError(t, err)

	_, err = ex.Cancel(ctx, fired.ID)
	assert.True(t, engine.IsConflict(err))

	pending, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, now.Add(time.Hour), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)
	cancelled, err := ex.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionCancelled, cancelled.Status)
}

// =============================================================================
// TICK EXECUTION TESTS
// =============================================================================

func TestTick_AppliesDueActionsInOrder(t *testing.T) {
	// GIVEN: A FREEZE due at 09:00 and an UNFREEZE due at 10:00, both past
	// WHEN: One tick runs
	// THEN: Both fire in scheduledAt order and the card nets to ACTIVE

	ex, store := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, now.Add(-2*time.Hour), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)
	_, err = ex.Schedule(ctx, "card-1", engine.ActionUnfreeze, now.Add(-1*time.Hour), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)

	executed, err := ex.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 2)
	assert.Equal(t, engine.ActionFreeze, executed[0].Action.Type)
	assert.Equal(t, engine.ActionUnfreeze, executed[1].Action.Type)

	card, err := store.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, engine.CardActive, card.Status)
}

func TestTick_ExecutedActionNeverRefires(t *testing.T) {
	ex, _ := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, now.Add(-time.Hour), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)

	executed, err := ex.Tick(ctx, now)
	require.NoError(t, err)
	assert.Len(t, executed, 1)
	assert.Nil(t, executed[0].Successor)

	executed, err = ex.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, executed)
}

func TestTick_FutureActionsLeftAlone(t *testing.T) {
	ex, store := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, now.Add(time.Hour), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)

	executed, err := ex.Tick(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, executed)

	reloaded, err := store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionPending, reloaded.Status)
}

func TestTick_LimitChangeAppliesToCard(t *testing.T) {
	ex, store := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := ex.Schedule(ctx, "card-1", engine.ActionLimitChange, now.Add(-time.Minute),
		engine.RecurOnce, engine.ActionDetails{NewLimit: engine.NewMoneyFromInt(25000)})
	require.NoError(t, err)

	_, err = ex.Tick(ctx, now)
	require.NoError(t, err)

	card, err := store.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, card.SpendLimit.Equal(engine.NewMoneyFromInt(25000)))
	assert.Equal(t, 2, card.Version) // optimistic version bumped by the update
}

// =============================================================================
// RECURRENCE TESTS
// =============================================================================

func TestTick_MonthlyActionSpawnsSuccessor(t *testing.T) {
	// GIVEN: A MONTHLY FREEZE whose scheduled date has passed
	// WHEN: One tick runs
	// THEN: The occurrence is EXECUTED and a new PENDING occurrence exists
	//       one month later, linked back to the firing that spawned it

	ex, store := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scheduledAt := now.Add(-time.Hour)

	a, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, scheduledAt, engine.RecurMonthly, engine.ActionDetails{})
	require.NoError(t, err)

	executed, err := ex.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 1)

	fired := executed[0].Action
	assert.Equal(t, engine.ActionExecuted, fired.Status)
	require.NotNil(t, fired.ExecutedAt)

	successor := executed[0].Successor
	require.NotNil(t, successor)
	assert.Equal(t, engine.ActionPending, successor.Status)
	assert.Equal(t, a.ID, successor.PredecessorID)
	assert.Equal(t, engine.RecurMonthly, successor.Recurrence)
	assert.True(t, successor.ScheduledAt.Equal(fired.ScheduledAt.AddDate(0, 1, 0)))

	// Both occurrences are in the card's history; nothing was rescheduled
	// in place.
	history, err := store.ListActions(ctx, "card-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTick_WeeklySuccessorOneWeekLater(t *testing.T) {
	ex, _ := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, err := ex.Schedule(ctx, "card-1", engine.ActionUnfreeze, now.Add(-time.Minute), engine.RecurWeekly, engine.ActionDetails{})
	require.NoError(t, err)

	executed, err := ex.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	require.NotNil(t, executed[0].Successor)
	assert.True(t, executed[0].Successor.ScheduledAt.Equal(a.ScheduledAt.AddDate(0, 0, 7)))
}

// =============================================================================
// OPTIMISTIC LOCKING TESTS
// =============================================================================

func TestUpdateCard_StaleVersionRejected(t *testing.T) {
	_, store := newExecutor(t)
	ctx := context.Background()

	frozen := engine.CardFrozen
	_, err := store.UpdateCard(ctx, "card-1", 1, engine.CardPatch{Status: &frozen})
	require.NoError(t, err)

	// A second writer still holding version 1 loses.
	active := engine.CardActive
	_, err = store.UpdateCard(ctx, "card-1", 1, engine.CardPatch{Status: &active})
	assert.True(t, engine.IsRetryable(err))
}

func TestTick_RetriesVersionRaceOnce(t *testing.T) {
	// GIVEN: A due FREEZE on a card already bumped past its initial version
	//        by a user-initiated update
	// WHEN: The tick runs
	// THEN: The executor reads the current version and applies cleanly

	ex, store := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := ex.Schedule(ctx, "card-1", engine.ActionFreeze, now.Add(-time.Minute), engine.RecurOnce, engine.ActionDetails{})
	require.NoError(t, err)

	// Concurrent user-initiated update bumps the version first.
	active := engine.CardActive
	_, err = store.UpdateCard(ctx, "card-1", 1, engine.CardPatch{Status: &active})
	require.NoError(t, err)

	executed, err := ex.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 1)

	card, err := store.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, engine.CardFrozen, card.Status)
}
