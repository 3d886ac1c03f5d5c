// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/compliance-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.Store with maps under a single RWMutex.
type Memory struct {
	mu             sync.RWMutex
	policies       map[engine.PolicyID]engine.Policy
	chainRules     map[engine.ChainRuleID]engine.ApprovalChainRule
	expenses       map[engine.ExpenseID]engine.Expense
	reports        map[engine.ReportID]engine.ExpenseReport
	workflows      map[engine.WorkflowID]engine.WorkflowRequest
	reimbursements map[engine.ReimbursementID]engine.Reimbursement
	actions        map[engine.ActionID]engine.ScheduledCardAction
	cards          map[engine.CardID]engine.Card
}

func NewMemory() *Memory {
	return &Memory{
		policies:       make(map[engine.PolicyID]engine.Policy),
		chainRules:     make(map[engine.ChainRuleID]engine.ApprovalChainRule),
		expenses:       make(map[engine.ExpenseID]engine.Expense),
		reports:        make(map[engine.ReportID]engine.ExpenseReport),
		workflows:      make(map[engine.WorkflowID]engine.WorkflowRequest),
		reimbursements: make(map[engine.ReimbursementID]engine.Reimbursement),
		actions:        make(map[engine.ActionID]engine.ScheduledCardAction),
		cards:          make(map[engine.CardID]engine.Card),
	}
}

// =============================================================================
// POLICIES
// =============================================================================

func (m *Memory) SavePolicy(_ context.Context, p engine.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, id engine.PolicyID) (*engine.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, engine.NotFound("policy", string(id))
	}
	return &p, nil
}

func (m *Memory) ListPolicies(_ context.Context) ([]engine.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActivePolicies(_ context.Context) ([]engine.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Policy
	for _, p := range m.policies {
		if p.IsActive && !p.Deleted() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// CHAIN RULES
// =============================================================================

func (m *Memory) SaveChainRule(_ context.Context, r engine.ApprovalChainRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainRules[r.ID] = r
	return nil
}

func (m *Memory) GetChainRule(_ context.Context, id engine.ChainRuleID) (*engine.ApprovalChainRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.chainRules[id]
	if !ok {
		return nil, engine.NotFound("chain rule", string(id))
	}
	return &r, nil
}

func (m *Memory) ListChainRules(_ context.Context) ([]engine.ApprovalChainRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.ApprovalChainRule, 0, len(m.chainRules))
	for _, r := range m.chainRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveChainRules(_ context.Context) ([]engine.ApprovalChainRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.ApprovalChainRule
	for _, r := range m.chainRules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// EXPENSES AND REPORTS
// =============================================================================

func (m *Memory) SaveExpense(_ context.Context, e engine.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expenses[e.ID] = e
	return nil
}

func (m *Memory) GetExpense(_ context.Context, id engine.ExpenseID) (*engine.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.expenses[id]
	if !ok {
		return nil, engine.NotFound("expense", string(id))
	}
	return &e, nil
}

func (m *Memory) ListExpenses(_ context.Context, employeeID engine.EmployeeID) ([]engine.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Expense
	for _, e := range m.expenses {
		if employeeID == "" || e.EmployeeID == employeeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveReport(_ context.Context, r engine.ExpenseReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
	return nil
}

func (m *Memory) GetReport(_ context.Context, id engine.ReportID) (*engine.ExpenseReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, engine.NotFound("report", string(id))
	}
	return &r, nil
}

// =============================================================================
// WORKFLOWS
// =============================================================================

func (m *Memory) SaveWorkflow(_ context.Context, w engine.WorkflowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Deep-copy the chain so callers can't mutate stored state through
	// the slice they passed in.
	w.Chain = append([]engine.WorkflowStep(nil), w.Chain...)
	w.Comments = append([]engine.Comment(nil), w.Comments...)
	m.workflows[w.ID] = w
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id engine.WorkflowID) (*engine.WorkflowRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, engine.NotFound("workflow", string(id))
	}
	w.Chain = append([]engine.WorkflowStep(nil), w.Chain...)
	w.Comments = append([]engine.Comment(nil), w.Comments...)
	return &w, nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]engine.WorkflowRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.WorkflowRequest, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// REIMBURSEMENTS
// =============================================================================

func (m *Memory) SaveReimbursement(_ context.Context, r engine.Reimbursement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reimbursements[r.ID] = r
	return nil
}

func (m *Memory) GetReimbursement(_ context.Context, id engine.ReimbursementID) (*engine.Reimbursement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reimbursements[id]
	if !ok {
		return nil, engine.NotFound("reimbursement", string(id))
	}
	return &r, nil
}

func (m *Memory) ListReimbursements(_ context.Context) ([]engine.Reimbursement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Reimbursement, 0, len(m.reimbursements))
	for _, r := range m.reimbursements {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetReimbursementByReport(_ context.Context, reportID engine.ReportID) (*engine.Reimbursement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reimbursements {
		if r.ReportID == reportID {
			return &r, nil
		}
	}
	return nil, engine.NotFound("reimbursement for report", string(reportID))
}

// =============================================================================
// SCHEDULED ACTIONS
// =============================================================================

func (m *Memory) SaveAction(_ context.Context, a engine.ScheduledCardAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
	return nil
}

func (m *Memory) GetAction(_ context.Context, id engine.ActionID) (*engine.ScheduledCardAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, engine.NotFound("scheduled action", string(id))
	}
	return &a, nil
}

func (m *Memory) ListActions(_ context.Context, cardID engine.CardID) ([]engine.ScheduledCardAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.ScheduledCardAction
	for _, a := range m.actions {
		if cardID == "" || a.CardID == cardID {
			out = append(out, a)
		}
	}
	sortActions(out)
	return out, nil
}

func (m *Memory) DueActions(_ context.Context, now time.Time) ([]engine.ScheduledCardAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.ScheduledCardAction
	for _, a := range m.actions {
		if a.Status == engine.ActionPending && !a.ScheduledAt.After(now) {
			out = append(out, a)
		}
	}
	sortActions(out)
	return out, nil
}

// sortActions orders by scheduledAt then ID: the deterministic ordering
// the executor relies on.
func sortActions(actions []engine.ScheduledCardAction) {
	sort.Slice(actions, func(i, j int) bool {
		if !actions[i].ScheduledAt.Equal(actions[j].ScheduledAt) {
			return actions[i].ScheduledAt.Before(actions[j].ScheduledAt)
		}
		return actions[i].ID < actions[j].ID
	})
}

// =============================================================================
// CARDS
// =============================================================================

func (m *Memory) SaveCard(_ context.Context, c engine.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Version == 0 {
		c.Version = 1
	}
	m.cards[c.ID] = c
	return nil
}

func (m *Memory) GetCard(_ context.Context, id engine.CardID) (*engine.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, engine.NotFound("card", string(id))
	}
	return &c, nil
}

func (m *Memory) ListCards(_ context.Context) ([]engine.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Card, 0, len(m.cards))
	for _, c := range m.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCard(_ context.Context, id engine.CardID, expectedVersion int, patch engine.CardPatch) (*engine.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, engine.NotFound("card", string(id))
	}
	if c.Version != expectedVersion {
		return nil, engine.ErrVersionMismatch
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.SpendLimit != nil {
		c.SpendLimit = *patch.SpendLimit
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	m.cards[id] = c
	return &c, nil
}
