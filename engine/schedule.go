/*
schedule.go - Scheduled card actions and the due-date executor

PURPOSE:
  Applies time-driven card control changes: freeze, unfreeze, and limit
  changes, one-shot or recurring. Tick is the only mutating entry point
  driven by time; it is invoked by a single periodic driver.

APPEND-ONLY OCCURRENCES:
  A ONCE action that executes transitions to EXECUTED and is never
  touched again. A recurring action that executes spawns a new PENDING
  action one interval later carrying the same card/type/details and a
  PredecessorID back-reference, so every firing stays auditable instead
  of one row being mutated in place.

ORDERING:
  Due actions apply in ascending scheduledAt then ascending ID, so a
  FREEZE scheduled before an UNFREEZE on the same tick always nets to
  UNFROZEN, never the reverse.

CONCURRENCY:
  Overlapping ticks are excluded by a mutex on the executor itself - two
  ticks racing on the same due action could double-apply a LIMIT_CHANGE
  or double-spawn a recurring successor. Card mutation goes through the
  directory's optimistic version check so a user-initiated freeze racing
  with a scheduled one never loses an update.

SEE ALSO:
  - store.go: ActionStore and CardDirectory contracts
  - api/scheduler.go: The periodic driver
*/
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// SCHEDULED CARD ACTION
// =============================================================================

type ActionType string

const (
	ActionFreeze      ActionType = "FREEZE"
	ActionUnfreeze    ActionType = "UNFREEZE"
	ActionLimitChange ActionType = "LIMIT_CHANGE"
)

type Recurrence string

const (
	RecurOnce    Recurrence = "ONCE"
	RecurWeekly  Recurrence = "WEEKLY"
	RecurMonthly Recurrence = "MONTHLY"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionExecuted  ActionStatus = "EXECUTED"
	ActionCancelled ActionStatus = "CANCELLED"
)

// ActionDetails carries the payload of a LIMIT_CHANGE.
type ActionDetails struct {
	NewLimit Money
}

// ScheduledCardAction is one occurrence in the due-date queue.
type ScheduledCardAction struct {
	ID          ActionID
	CardID      CardID
	Type        ActionType
	ScheduledAt time.Time
	Recurrence  Recurrence
	Status      ActionStatus
	Details     ActionDetails

	// PredecessorID links a recurring occurrence back to the firing that
	// spawned it, preserving lineage for audit continuity.
	PredecessorID ActionID

	ExecutedAt *time.Time
	CreatedAt  time.Time
}

// Validate rejects malformed schedule requests before any state change.
func (a *ScheduledCardAction) Validate() error {
	switch a.Type {
	case ActionFreeze, ActionUnfreeze:
	case ActionLimitChange:
		if a.Details.NewLimit.IsZero() || a.Details.NewLimit.IsNegative() {
			return Invalid("details.newLimit", "limit change requires a positive new limit")
		}
	default:
		return Invalid("actionType", "unknown action type")
	}
	switch a.Recurrence {
	case RecurOnce, RecurWeekly, RecurMonthly:
	default:
		return Invalid("recurrence", "recurrence must be ONCE, WEEKLY or MONTHLY")
	}
	if a.ScheduledAt.IsZero() {
		return Invalid("scheduledDate", "scheduled date is required")
	}
	return nil
}

// next returns the successor occurrence date for a recurring action.
func (a *ScheduledCardAction) next() time.Time {
	switch a.Recurrence {
	case RecurWeekly:
		return a.ScheduledAt.AddDate(0, 0, 7)
	case RecurMonthly:
		return a.ScheduledAt.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

// ExecutedAction reports one applied action from a tick.
type ExecutedAction struct {
	Action    ScheduledCardAction
	Successor *ScheduledCardAction // non-nil for recurring actions
}

// =============================================================================
// EXECUTOR
// =============================================================================

type Executor struct {
	Store Store
	Log   zerolog.Logger

	// Serializes ticks. Two overlapping ticks racing on the same due
	// action could double-apply a limit change.
	tickMu sync.Mutex
}

// Schedule enqueues a card action after validating it and the card.
func (ex *Executor) Schedule(ctx context.Context, cardID CardID, actionType ActionType, at time.Time, recurrence Recurrence, details ActionDetails) (*ScheduledCardAction, error) {
	if _, err := ex.Store.GetCard(ctx, cardID); err != nil {
		return nil, err
	}
	a := ScheduledCardAction{
		ID:          ActionID(uuid.NewString()),
		CardID:      cardID,
		Type:        actionType,
		ScheduledAt: at.UTC(),
		Recurrence:  recurrence,
		Status:      ActionPending,
		Details:     details,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := ex.Store.SaveAction(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Cancel is only valid on PENDING actions. An EXECUTED action's effect
// already happened and cannot be rolled back here - that would take a
// compensating Schedule call.
func (ex *Executor) Cancel(ctx context.Context, id ActionID) (*ScheduledCardAction, error) {
	a, err := ex.Store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != ActionPending {
		return nil, &ConflictError{Op: "cancel",
			Message: "only pending actions can be cancelled (status: " + string(a.Status) + ")"}
	}
	a.Status = ActionCancelled
	if err := ex.Store.SaveAction(ctx, *a); err != nil {
		return nil, err
	}
	return a, nil
}

// Tick executes every PENDING action due at or before now, in ascending
// scheduledAt-then-ID order, and spawns successors for recurring ones.
// Idempotent per action instance: an executed occurrence never fires again.
func (ex *Executor) Tick(ctx context.Context, now time.Time) ([]ExecutedAction, error) {
	ex.tickMu.Lock()
	defer ex.tickMu.Unlock()

	due, err := ex.Store.DueActions(ctx, now)
	if err != nil {
		return nil, err
	}

	var executed []ExecutedAction
	for _, a := range due {
		if err := ex.applyToCard(ctx, a); err != nil {
			// Leave the action PENDING; the next tick retries it.
			ex.Log.Error().
				Str("action_id", string(a.ID)).
				Str("card_id", string(a.CardID)).
				Err(err).
				Msg("failed to apply scheduled action, will retry next tick")
			continue
		}

		firedAt := now.UTC()
		a.Status = ActionExecuted
		a.ExecutedAt = &firedAt
		if err := ex.Store.SaveAction(ctx, a); err != nil {
			return executed, err
		}

		result := ExecutedAction{Action: a}
		if a.Recurrence != RecurOnce {
			successor := ScheduledCardAction{
				ID:            ActionID(uuid.NewString()),
				CardID:        a.CardID,
				Type:          a.Type,
				ScheduledAt:   a.next(),
				Recurrence:    a.Recurrence,
				Status:        ActionPending,
				Details:       a.Details,
				PredecessorID: a.ID,
				CreatedAt:     firedAt,
			}
			if err := ex.Store.SaveAction(ctx, successor); err != nil {
				return executed, err
			}
			result.Successor = &successor
		}
		executed = append(executed, result)
	}

	if len(executed) > 0 {
		ex.Log.Info().Int("executed", len(executed)).Time("now", now).Msg("tick completed")
	}
	return executed, nil
}

// applyToCard mutates card control state under the directory's optimistic
// version check, retrying once when a concurrent writer wins.
func (ex *Executor) applyToCard(ctx context.Context, a ScheduledCardAction) error {
	for attempt := 0; attempt < 2; attempt++ {
		card, err := ex.Store.GetCard(ctx, a.CardID)
		if err != nil {
			return err
		}

		var patch CardPatch
		switch a.Type {
		case ActionFreeze:
			st := CardFrozen
			patch.Status = &st
		case ActionUnfreeze:
			st := CardActive
			patch.Status = &st
		case ActionLimitChange:
			limit := a.Details.NewLimit
			patch.SpendLimit = &limit
		}

		_, err = ex.Store.UpdateCard(ctx, a.CardID, card.Version, patch)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return ErrVersionMismatch
}
