/*
approval.go - Approval chain routing and workflow advancement

PURPOSE:
  Resolves which approvers must sign off on an expense report (by amount
  and category) and drives the resulting workflow request through that
  chain, one step at a time.

RULE SELECTION:
  A rule matches when amountMin <= amount < amountMax and its category
  equals the expense category, falling back to the 'ALL' category rule.
  Ties break by most specific category, then narrowest amount range, then
  most recently created rule. The system requires an 'ALL' fallback to
  always exist; its absence is a deployment bug (ConfigurationError), not
  a user error.

SINGLE SOURCE OF TRUTH:
  WorkflowRequest.status and the current approver are pure functions of
  the approvalChain array. They are recomputed on every read rather than
  stored redundantly, eliminating a class of consistency bugs.

STEP DISCIPLINE:
  Only the active step can be acted on, and only by its assigned role.
  Re-approval of a resolved step or action out of turn is a ConflictError
  with no state change. Advance calls are serialized per request.

SEE ALSO:
  - settlement.go: Triggered when a request reaches APPROVED
*/
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// APPROVAL CHAIN RULE
// =============================================================================

// CategoryAll is the fallback category every deployment must configure.
const CategoryAll = "ALL"

// ChainStep is one approver slot in a rule's chain definition.
type ChainStep struct {
	Role  string
	Level int
}

// ApprovalChainRule selects an approver chain by amount range and category.
// Ranges are half-open: amountMin <= amount < amountMax.
type ApprovalChainRule struct {
	ID        ChainRuleID
	Name      string
	AmountMin Money
	AmountMax Money
	Category  string
	Chain     []ChainStep
	IsActive  bool
	CreatedAt time.Time
}

// Validate rejects malformed rule definitions before any state change.
func (r *ApprovalChainRule) Validate() error {
	if r.Name == "" {
		return Invalid("name", "chain rule name is required")
	}
	if r.AmountMax.LessThanOrEqual(r.AmountMin) {
		return Invalid("amountMax", "amountMax must exceed amountMin")
	}
	if r.Category == "" {
		return Invalid("category", "category is required (use ALL for the fallback)")
	}
	if len(r.Chain) == 0 {
		return Invalid("approverChain", "at least one approver step is required")
	}
	seen := make(map[int]bool, len(r.Chain))
	for _, s := range r.Chain {
		if s.Role == "" {
			return Invalid("approverChain", "every step needs a role")
		}
		if seen[s.Level] {
			return Invalid("approverChain", "duplicate step level")
		}
		seen[s.Level] = true
	}
	return nil
}

// contains reports range containment for the half-open interval.
func (r *ApprovalChainRule) contains(amount Money) bool {
	return amount.GreaterThanOrEqual(r.AmountMin) && amount.LessThan(r.AmountMax)
}

// =============================================================================
// WORKFLOW REQUEST
// =============================================================================

type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowInReview  WorkflowStatus = "IN_REVIEW"
	WorkflowApproved  WorkflowStatus = "APPROVED"
	WorkflowRejected  WorkflowStatus = "REJECTED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepInReview  StepStatus = "IN_REVIEW"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepCancelled StepStatus = "CANCELLED"
)

// WorkflowStep is one materialized entry of a request's approval chain.
type WorkflowStep struct {
	Role    string
	Level   int
	Status  StepStatus
	ActedBy string
	ActedAt *time.Time
	Comment string
}

// Comment is free-form discussion attached to a request.
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
}

// WorkflowRequest tracks an expense report through its approval chain.
// Status and the current approver are derived from Chain on read; the
// stored status column is a cache kept in sync by Advance.
type WorkflowRequest struct {
	ID          WorkflowID
	ReportID    ReportID
	RequestorID EmployeeID
	RuleID      ChainRuleID
	Amount      Money
	Category    string
	Chain       []WorkflowStep
	Comments    []Comment
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Status derives the request status purely from the chain.
func (w *WorkflowRequest) Status() WorkflowStatus {
	return DeriveStatus(w.Chain)
}

// CurrentApprover returns the role of the active step, or "" when the
// request is terminal.
func (w *WorkflowRequest) CurrentApprover() string {
	for _, s := range w.Chain {
		if s.Status == StepInReview {
			return s.Role
		}
	}
	return ""
}

// DeriveStatus reconstructs the request status from a chain.
// APPROVED only when every entry is APPROVED in order; REJECTED as soon
// as any entry is REJECTED; CANCELLED when the chain was withdrawn.
func DeriveStatus(chain []WorkflowStep) WorkflowStatus {
	if len(chain) == 0 {
		return WorkflowPending
	}
	approved := 0
	for _, s := range chain {
		switch s.Status {
		case StepRejected:
			return WorkflowRejected
		case StepApproved:
			approved++
		}
	}
	if approved == len(chain) {
		return WorkflowApproved
	}
	// A withdrawn request has its unresolved steps CANCELLED with no
	// rejection anywhere.
	for _, s := range chain {
		if s.Status == StepCancelled {
			return WorkflowCancelled
		}
	}
	for _, s := range chain {
		if s.Status == StepInReview {
			return WorkflowInReview
		}
	}
	return WorkflowPending
}

// =============================================================================
// ROUTER
// =============================================================================

// ApproverAction is one approve/reject decision on the active step.
type ApproverAction struct {
	Role    string
	Actor   string
	Approve bool
	Comment string
}

// Router resolves chains and advances workflow requests.
type Router struct {
	Store Store
	Log   zerolog.Logger

	// Advance must be serialized per request: two approvers racing on the
	// same step would otherwise both observe it IN_REVIEW.
	mu    sync.Mutex
	locks map[WorkflowID]*sync.Mutex
}

func NewRouter(store Store, log zerolog.Logger) *Router {
	return &Router{
		Store: store,
		Log:   log,
		locks: make(map[WorkflowID]*sync.Mutex),
	}
}

func (rt *Router) lockFor(id WorkflowID) *sync.Mutex {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	l, ok := rt.locks[id]
	if !ok {
		l = &sync.Mutex{}
		rt.locks[id] = l
	}
	return l
}

// ResolveChain picks the chain rule for (amount, category) and returns its
// steps in ascending level order.
//
// Selection order: category-specific rules beat the ALL fallback; among
// equals the narrowest amount range wins; remaining ties go to the most
// recently created rule (last-write-priority).
func (rt *Router) ResolveChain(ctx context.Context, amount Money, category string) ([]ChainStep, *ApprovalChainRule, error) {
	rules, err := rt.Store.ActiveChainRules(ctx)
	if err != nil {
		return nil, nil, err
	}

	var candidates []ApprovalChainRule
	for _, r := range rules {
		if !r.contains(amount) {
			continue
		}
		if r.Category == category || r.Category == CategoryAll {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		err := &ConfigurationError{Message: "no approval chain rule matches amount " +
			amount.String() + " category " + category + "; an ALL fallback rule must exist"}
		rt.Log.Error().
			Str("amount", amount.String()).
			Str("category", category).
			Msg("approval chain resolution failed: missing ALL fallback rule")
		return nil, nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		// Specific category beats ALL.
		aSpecific := a.Category != CategoryAll
		bSpecific := b.Category != CategoryAll
		if aSpecific != bSpecific {
			return aSpecific
		}
		// Narrowest amount range.
		aWidth := a.AmountMax.Sub(a.AmountMin)
		bWidth := b.AmountMax.Sub(b.AmountMin)
		if !aWidth.Equal(bWidth) {
			return aWidth.LessThan(bWidth)
		}
		// Most recently created wins.
		return a.CreatedAt.After(b.CreatedAt)
	})

	winner := candidates[0]
	steps := append([]ChainStep(nil), winner.Chain...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Level < steps[j].Level })
	return steps, &winner, nil
}

// Submit materializes a workflow request for a submitted report. The first
// chain entry becomes the active step; the rest wait PENDING.
func (rt *Router) Submit(ctx context.Context, report *ExpenseReport) (*WorkflowRequest, error) {
	if report.Status != ReportSubmitted {
		return nil, &ConflictError{Op: "submit", Message: "report is not in SUBMITTED state"}
	}

	// Category of the report follows its first expense; amount is the
	// collaborator-computed total.
	category := CategoryAll
	if len(report.ExpenseIDs) > 0 {
		if e, err := rt.Store.GetExpense(ctx, report.ExpenseIDs[0]); err == nil {
			category = e.Category
		}
	}

	steps, rule, err := rt.ResolveChain(ctx, report.TotalAmount, category)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	chain := make([]WorkflowStep, len(steps))
	for i, s := range steps {
		chain[i] = WorkflowStep{Role: s.Role, Level: s.Level, Status: StepPending}
	}
	chain[0].Status = StepInReview

	w := WorkflowRequest{
		ID:          WorkflowID(uuid.NewString()),
		ReportID:    report.ID,
		RequestorID: report.EmployeeID,
		RuleID:      rule.ID,
		Amount:      report.TotalAmount,
		Category:    category,
		Chain:       chain,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := rt.Store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}

	rt.Log.Info().
		Str("workflow_id", string(w.ID)).
		Str("report_id", string(report.ID)).
		Int("steps", len(chain)).
		Str("rule", rule.Name).
		Msg("approval workflow created")
	return &w, nil
}

// Advance applies one approve/reject decision to the active step.
//
// APPROVE stamps the step and activates the next PENDING entry, or
// completes the request when none remain. REJECT stamps the step and
// cancels every remaining PENDING entry - they are never left dangling.
func (rt *Router) Advance(ctx context.Context, id WorkflowID, action ApproverAction) (*WorkflowRequest, error) {
	l := rt.lockFor(id)
	l.Lock()
	defer l.Unlock()

	w, err := rt.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	switch w.Status() {
	case WorkflowApproved, WorkflowRejected, WorkflowCancelled:
		return nil, &ConflictError{Op: "advance", Message: "workflow is already resolved"}
	}

	active := -1
	for i, s := range w.Chain {
		if s.Status == StepInReview {
			active = i
			break
		}
	}
	if active == -1 {
		return nil, &ConflictError{Op: "advance", Message: "no active step to act on"}
	}
	if w.Chain[active].Role != action.Role {
		return nil, &ConflictError{Op: "advance",
			Message: "step is assigned to role " + w.Chain[active].Role + ", not " + action.Role}
	}

	now := time.Now().UTC()
	w.Chain[active].ActedBy = action.Actor
	w.Chain[active].ActedAt = &now
	w.Chain[active].Comment = action.Comment

	if action.Approve {
		w.Chain[active].Status = StepApproved
		if active+1 < len(w.Chain) {
			w.Chain[active+1].Status = StepInReview
		}
	} else {
		w.Chain[active].Status = StepRejected
		for i := active + 1; i < len(w.Chain); i++ {
			if w.Chain[i].Status == StepPending {
				w.Chain[i].Status = StepCancelled
			}
		}
	}

	if action.Comment != "" {
		w.Comments = append(w.Comments, Comment{
			ID:        uuid.NewString(),
			Author:    action.Actor,
			Body:      action.Comment,
			CreatedAt: now,
		})
	}
	w.UpdatedAt = now

	if err := rt.Store.SaveWorkflow(ctx, *w); err != nil {
		return nil, err
	}

	rt.Log.Info().
		Str("workflow_id", string(w.ID)).
		Str("role", action.Role).
		Bool("approved", action.Approve).
		Str("status", string(w.Status())).
		Msg("workflow advanced")
	return w, nil
}

// Withdraw cancels a request at the requestor's initiative. Valid from
// PENDING/IN_REVIEW only, never from a terminal state.
func (rt *Router) Withdraw(ctx context.Context, id WorkflowID, requestor EmployeeID) (*WorkflowRequest, error) {
	l := rt.lockFor(id)
	l.Lock()
	defer l.Unlock()

	w, err := rt.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.RequestorID != requestor {
		return nil, &ConflictError{Op: "withdraw", Message: "only the requestor can withdraw"}
	}
	switch w.Status() {
	case WorkflowApproved, WorkflowRejected, WorkflowCancelled:
		return nil, &ConflictError{Op: "withdraw", Message: "workflow is already resolved"}
	}

	for i := range w.Chain {
		if w.Chain[i].Status == StepPending || w.Chain[i].Status == StepInReview {
			w.Chain[i].Status = StepCancelled
		}
	}
	w.UpdatedAt = time.Now().UTC()
	if err := rt.Store.SaveWorkflow(ctx, *w); err != nil {
		return nil, err
	}
	return w, nil
}
