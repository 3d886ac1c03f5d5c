/*
handlers.go - HTTP API handlers for the compliance engine

PURPOSE:
  Exposes the compliance engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Policies:
    GET    /api/policies                    List all policies
    POST   /api/policies                    Create policy
    GET    /api/policies/{id}               Get policy
    PUT    /api/policies/{id}               Update (version bump)
    POST   /api/policies/{id}/toggle        Flip active flag
    DELETE /api/policies/{id}               Soft remove

  Expenses:
    POST   /api/expenses                    Create + evaluate
    GET    /api/expenses?employee_id=       List for employee
    GET    /api/expenses/score?employee_id= Compliance score
    GET    /api/expenses/{id}               Get expense
    PUT    /api/expenses/{id}               Edit (clears override, re-evaluates)
    POST   /api/expenses/{id}/evaluate      Re-run evaluation
    POST   /api/expenses/{id}/exception     Grant manual override

  Reports and workflows:
    POST   /api/reports                     Create report (DRAFT)
    GET    /api/reports/{id}                Get report
    POST   /api/reports/{id}/submit         Submit; creates workflow
    POST   /api/reports/{id}/reimbursement  Compute settlement
    GET    /api/workflows                   List workflows
    GET    /api/workflows/{id}              Get workflow
    POST   /api/workflows/{id}/approve      Approve active step
    POST   /api/workflows/{id}/reject       Reject active step
    POST   /api/workflows/{id}/withdraw     Requestor withdrawal

  Chain rules:
    GET    /api/chain-rules                 List rules
    POST   /api/chain-rules                 Create rule
    GET    /api/chain-rules/{id}            Get rule
    DELETE /api/chain-rules/{id}            Deactivate rule

  Settlement:
    GET    /api/reimbursements              List
    GET    /api/reimbursements/neft-export  NEFT payment file (text)
    POST   /api/reimbursements/bulk-initiate
    GET    /api/reimbursements/{id}
    POST   /api/reimbursements/{id}/initiate
    POST   /api/reimbursements/{id}/processing
    POST   /api/reimbursements/{id}/paid
    POST   /api/reimbursements/{id}/failed
    POST   /api/reimbursements/{id}/reinitiate

  Cards and scheduled actions:
    POST   /api/cards                       Register card
    GET    /api/cards                       List cards
    GET    /api/cards/{id}                  Get card
    PUT    /api/cards/{id}                  Manual control (versioned)
    POST   /api/cards/{id}/actions          Schedule action
    GET    /api/cards/{id}/actions          List card actions
    DELETE /api/actions/{id}                Cancel pending action
    POST   /api/admin/tick                  Run executor tick now

ERROR HANDLING:
  Engine error kinds map to HTTP status:
  - ValidationError    -> 400
  - NotFoundError      -> 404
  - ConflictError      -> 409
  - ConfigurationError -> 500 (logged loudly; a deployment bug)

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - seed.go: Demo data loader
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/engine"
	"github.com/warp/compliance-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     engine.Store
	Evaluator *engine.Evaluator
	Router    *engine.Router
	Calc      *engine.Calculator
	Executor  *engine.Executor
	RuleSet   *engine.RuleSet
	Factory   *factory.PolicyFactory
	Log       zerolog.Logger
}

// NewHandler creates a new handler wired against the given store.
func NewHandler(store engine.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Store:     store,
		Evaluator: &engine.Evaluator{Log: log},
		Router:    engine.NewRouter(store, log),
		Calc:      &engine.Calculator{Store: store, TDS: engine.DefaultTDSTable(), Log: log},
		Executor:  &engine.Executor{Store: store, Log: log},
		RuleSet:   &engine.RuleSet{Policies: store},
		Factory:   factory.NewPolicyFactory(),
		Log:       log,
	}
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns all policies, soft-deleted included.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		h.writeEngineError(w, err, "Failed to list policies")
		return
	}
	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy creates a new policy from a JSON rule definition.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	policy, err := h.Factory.FromJSON(factory.PolicyJSON{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Type:     req.Type,
		Severity: req.Severity,
		IsActive: req.IsActive,
		Rules:    req.Rules,
	})
	if err != nil {
		h.writeEngineError(w, err, "Invalid policy definition")
		return
	}

	created, err := h.RuleSet.Create(r.Context(), *policy)
	if err != nil {
		h.writeEngineError(w, err, "Failed to create policy")
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(*created))
}

// GetPolicy returns a single policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := engine.PolicyID(chi.URLParam(r, "id"))
	p, err := h.Store.GetPolicy(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get policy")
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(*p))
}

// UpdatePolicy supersedes a policy definition, bumping its version.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := engine.PolicyID(chi.URLParam(r, "id"))

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	next, err := h.Factory.FromJSON(factory.PolicyJSON{
		ID:       string(id),
		Name:     req.Name,
		Type:     req.Type,
		Severity: req.Severity,
		IsActive: req.IsActive,
		Rules:    req.Rules,
	})
	if err != nil {
		h.writeEngineError(w, err, "Invalid policy definition")
		return
	}

	updated, err := h.RuleSet.Update(r.Context(), id, *next)
	if err != nil {
		h.writeEngineError(w, err, "Failed to update policy")
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(*updated))
}

// TogglePolicy flips the active flag without a version bump.
func (h *Handler) TogglePolicy(w http.ResponseWriter, r *http.Request) {
	id := engine.PolicyID(chi.URLParam(r, "id"))
	p, err := h.RuleSet.Toggle(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to toggle policy")
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(*p))
}

// DeletePolicy soft-removes a policy. Idempotent.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := engine.PolicyID(chi.URLParam(r, "id"))
	if err := h.RuleSet.Remove(r.Context(), id); err != nil {
		h.writeEngineError(w, err, "Failed to remove policy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// CreateExpense records an expense and immediately evaluates it.
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	var req CreateExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.expenseFromRequest(engine.ExpenseID(uuid.NewString()), req)
	if err != nil {
		h.writeEngineError(w, err, "Invalid expense")
		return
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	eval, err := h.Evaluator.EvaluateAndStamp(r.Context(), h.Store, e)
	if err != nil {
		h.writeEngineError(w, err, "Failed to save expense")
		return
	}
	evaluationsTotal.WithLabelValues(string(eval.Status)).Inc()

	writeJSON(w, http.StatusCreated, struct {
		Expense    ExpenseDTO    `json:"expense"`
		Evaluation EvaluationDTO `json:"evaluation"`
	}{toExpenseDTO(*e), toEvaluationDTO(e.ID, eval)})
}

// ListExpenses returns an employee's expenses.
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	employeeID := r.URL.Query().Get("employee_id")
	if employeeID == "" {
		writeError(w, http.StatusBadRequest, "employee_id query parameter is required", nil)
		return
	}
	expenses, err := h.Store.ListExpenses(r.Context(), engine.EmployeeID(employeeID))
	if err != nil {
		h.writeEngineError(w, err, "Failed to list expenses")
		return
	}
	dtos := make([]ExpenseDTO, len(expenses))
	for i, e := range expenses {
		dtos[i] = toExpenseDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetExpense returns a single expense.
func (h *Handler) GetExpense(w http.ResponseWriter, r *http.Request) {
	id := engine.ExpenseID(chi.URLParam(r, "id"))
	e, err := h.Store.GetExpense(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get expense")
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(*e))
}

// UpdateExpense edits an expense. Any manual override in force is cleared
// and evaluation reruns against the current policy set.
func (h *Handler) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	id := engine.ExpenseID(chi.URLParam(r, "id"))

	current, err := h.Store.GetExpense(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get expense")
		return
	}

	var req CreateExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.expenseFromRequest(id, req)
	if err != nil {
		h.writeEngineError(w, err, "Invalid expense")
		return
	}
	e.CreatedAt = current.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	e.ClearException()

	eval, err := h.Evaluator.EvaluateAndStamp(r.Context(), h.Store, e)
	if err != nil {
		h.writeEngineError(w, err, "Failed to save expense")
		return
	}
	evaluationsTotal.WithLabelValues(string(eval.Status)).Inc()

	writeJSON(w, http.StatusOK, struct {
		Expense    ExpenseDTO    `json:"expense"`
		Evaluation EvaluationDTO `json:"evaluation"`
	}{toExpenseDTO(*e), toEvaluationDTO(e.ID, eval)})
}

// EvaluateExpense re-runs evaluation for one expense and returns the full
// verdict including every violated policy.
func (h *Handler) EvaluateExpense(w http.ResponseWriter, r *http.Request) {
	id := engine.ExpenseID(chi.URLParam(r, "id"))
	e, err := h.Store.GetExpense(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get expense")
		return
	}
	eval, err := h.Evaluator.EvaluateAndStamp(r.Context(), h.Store, e)
	if err != nil {
		h.writeEngineError(w, err, "Failed to evaluate expense")
		return
	}
	evaluationsTotal.WithLabelValues(string(eval.Status)).Inc()
	writeJSON(w, http.StatusOK, toEvaluationDTO(id, eval))
}

// GrantException stamps a manual compliance override on an expense.
func (h *Handler) GrantException(w http.ResponseWriter, r *http.Request) {
	id := engine.ExpenseID(chi.URLParam(r, "id"))

	var req ExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := engine.ApplyException(r.Context(), h.Store, id, req.Approver, req.Note)
	if err != nil {
		h.writeEngineError(w, err, "Failed to grant exception")
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(*e))
}

// GetComplianceScore returns the aggregate score for an employee's expenses.
func (h *Handler) GetComplianceScore(w http.ResponseWriter, r *http.Request) {
	employeeID := r.URL.Query().Get("employee_id")
	if employeeID == "" {
		writeError(w, http.StatusBadRequest, "employee_id query parameter is required", nil)
		return
	}
	expenses, err := h.Store.ListExpenses(r.Context(), engine.EmployeeID(employeeID))
	if err != nil {
		h.writeEngineError(w, err, "Failed to list expenses")
		return
	}
	writeJSON(w, http.StatusOK, ScoreDTO{
		EmployeeID: employeeID,
		Score:      engine.ComplianceScore(expenses),
		Expenses:   len(expenses),
	})
}

func (h *Handler) expenseFromRequest(id engine.ExpenseID, req CreateExpenseRequest) (*engine.Expense, error) {
	if req.EmployeeID == "" {
		return nil, engine.Invalid("employee_id", "employee_id is required")
	}
	if req.Amount <= 0 {
		return nil, engine.Invalid("amount", "amount must be positive")
	}
	if req.Category == "" {
		return nil, engine.Invalid("category", "category is required")
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return nil, engine.Invalid("date", "date must be YYYY-MM-DD")
	}

	e := &engine.Expense{
		ID:              id,
		EmployeeID:      engine.EmployeeID(req.EmployeeID),
		Amount:          decimal.NewFromFloat(req.Amount),
		Category:        req.Category,
		MCC:             req.MCC,
		Country:         req.Country,
		HasReceipt:      req.HasReceipt,
		GLCode:          req.GLCode,
		CostCenterID:    req.CostCenterID,
		BusinessPurpose: req.BusinessPurpose,
		Date:            date,
	}
	if req.GST != nil {
		e.GST = engine.GSTDetails{
			GSTIN: req.GST.GSTIN,
			CGST:  decimal.NewFromFloat(req.GST.CGST),
			SGST:  decimal.NewFromFloat(req.GST.SGST),
			IGST:  decimal.NewFromFloat(req.GST.IGST),
		}
	}
	return e, nil
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// CreateReport groups expenses into a DRAFT report. The total is computed
// here from the member expenses.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var req CreateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EmployeeID == "" {
		writeError(w, http.StatusBadRequest, "employee_id is required", nil)
		return
	}
	if len(req.ExpenseIDs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one expense is required", nil)
		return
	}

	total := decimal.Zero
	ids := make([]engine.ExpenseID, len(req.ExpenseIDs))
	for i, raw := range req.ExpenseIDs {
		id := engine.ExpenseID(raw)
		e, err := h.Store.GetExpense(r.Context(), id)
		if err != nil {
			h.writeEngineError(w, err, "Unknown expense in report")
			return
		}
		ids[i] = id
		total = total.Add(e.Amount)
	}

	now := time.Now().UTC()
	report := engine.ExpenseReport{
		ID:          engine.ReportID(uuid.NewString()),
		EmployeeID:  engine.EmployeeID(req.EmployeeID),
		Title:       req.Title,
		ExpenseIDs:  ids,
		TotalAmount: total,
		Status:      engine.ReportDraft,
		BankAccount: fromBankDTO(req.BankAccount),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.Store.SaveReport(r.Context(), report); err != nil {
		h.writeEngineError(w, err, "Failed to save report")
		return
	}
	writeJSON(w, http.StatusCreated, toReportDTO(report))
}

// GetReport returns a single report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := engine.ReportID(chi.URLParam(r, "id"))
	report, err := h.Store.GetReport(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get report")
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(*report))
}

// SubmitReport moves a DRAFT report to SUBMITTED and routes it through the
// approval chain. A report containing any HARD_VIOLATION expense cannot be
// submitted; the violation must be fixed or overridden first.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	id := engine.ReportID(chi.URLParam(r, "id"))
	ctx := r.Context()

	report, err := h.Store.GetReport(ctx, id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get report")
		return
	}
	if report.Status != engine.ReportDraft {
		writeError(w, http.StatusConflict, "Report has already been submitted", nil)
		return
	}

	for _, eid := range report.ExpenseIDs {
		e, err := h.Store.GetExpense(ctx, eid)
		if err != nil {
			h.writeEngineError(w, err, "Unknown expense in report")
			return
		}
		if e.PolicyStatus == engine.StatusHardViolation {
			writeError(w, http.StatusConflict,
				"Report contains a hard policy violation (expense "+string(eid)+")", nil)
			return
		}
	}

	report.Status = engine.ReportSubmitted
	report.UpdatedAt = time.Now().UTC()
	if err := h.Store.SaveReport(ctx, *report); err != nil {
		h.writeEngineError(w, err, "Failed to save report")
		return
	}

	workflow, err := h.Router.Submit(ctx, report)
	if err != nil {
		// Roll the report back to DRAFT so the submit can be retried once
		// the chain rules are fixed.
		report.Status = engine.ReportDraft
		_ = h.Store.SaveReport(ctx, *report)
		h.writeEngineError(w, err, "Failed to route report for approval")
		return
	}

	writeJSON(w, http.StatusCreated, toWorkflowDTO(*workflow))
}

// =============================================================================
// WORKFLOW HANDLERS
// =============================================================================

// ListWorkflows returns all workflow requests.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.Store.ListWorkflows(r.Context())
	if err != nil {
		h.writeEngineError(w, err, "Failed to list workflows")
		return
	}
	dtos := make([]WorkflowDTO, len(workflows))
	for i, wf := range workflows {
		dtos[i] = toWorkflowDTO(wf)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWorkflow returns a single workflow with its derived status.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := engine.WorkflowID(chi.URLParam(r, "id"))
	wf, err := h.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get workflow")
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowDTO(*wf))
}

// ApproveWorkflow approves the active step. When the chain completes, the
// report is marked APPROVED and its settlement is computed.
func (h *Handler) ApproveWorkflow(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// RejectWorkflow rejects the active step, cancelling the rest of the chain.
func (h *Handler) RejectWorkflow(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id := engine.WorkflowID(chi.URLParam(r, "id"))
	ctx := r.Context()

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wf, err := h.Router.Advance(ctx, id, engine.ApproverAction{
		Role:    req.Role,
		Actor:   req.Actor,
		Approve: approve,
		Comment: req.Comment,
	})
	if err != nil {
		h.writeEngineError(w, err, "Failed to advance workflow")
		return
	}

	switch wf.Status() {
	case engine.WorkflowApproved:
		workflowDecisionsTotal.WithLabelValues("approved").Inc()
		h.settleApprovedReport(ctx, wf.ReportID)
	case engine.WorkflowRejected:
		workflowDecisionsTotal.WithLabelValues("rejected").Inc()
		h.markReport(ctx, wf.ReportID, engine.ReportRejected)
	default:
		workflowDecisionsTotal.WithLabelValues("advanced").Inc()
	}

	writeJSON(w, http.StatusOK, toWorkflowDTO(*wf))
}

// settleApprovedReport marks the report APPROVED and computes its
// reimbursement. Settlement failure does not undo the approval; the
// reimbursement can be recomputed explicitly.
func (h *Handler) settleApprovedReport(ctx context.Context, reportID engine.ReportID) {
	h.markReport(ctx, reportID, engine.ReportApproved)
	if _, err := h.Calc.Compute(ctx, reportID); err != nil {
		h.Log.Error().
			Str("report_id", string(reportID)).
			Err(err).
			Msg("settlement computation failed after approval")
	}
}

func (h *Handler) markReport(ctx context.Context, id engine.ReportID, status engine.ReportStatus) {
	report, err := h.Store.GetReport(ctx, id)
	if err != nil {
		h.Log.Error().Str("report_id", string(id)).Err(err).Msg("failed to load report for status update")
		return
	}
	report.Status = status
	report.UpdatedAt = time.Now().UTC()
	if err := h.Store.SaveReport(ctx, *report); err != nil {
		h.Log.Error().Str("report_id", string(id)).Err(err).Msg("failed to update report status")
	}
}

// WithdrawWorkflow cancels a workflow at the requestor's initiative.
func (h *Handler) WithdrawWorkflow(w http.ResponseWriter, r *http.Request) {
	id := engine.WorkflowID(chi.URLParam(r, "id"))

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wf, err := h.Router.Withdraw(r.Context(), id, engine.EmployeeID(req.RequestorID))
	if err != nil {
		h.writeEngineError(w, err, "Failed to withdraw workflow")
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowDTO(*wf))
}

// =============================================================================
// CHAIN RULE HANDLERS
// =============================================================================

// ListChainRules returns all approval chain rules.
func (h *Handler) ListChainRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListChainRules(r.Context())
	if err != nil {
		h.writeEngineError(w, err, "Failed to list chain rules")
		return
	}
	dtos := make([]ChainRuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toChainRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateChainRule defines a new approver chain selection rule.
func (h *Handler) CreateChainRule(w http.ResponseWriter, r *http.Request) {
	var req ChainRuleDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule := engine.ApprovalChainRule{
		ID:        engine.ChainRuleID(uuid.NewString()),
		Name:      req.Name,
		AmountMin: decimal.NewFromFloat(req.AmountMin),
		AmountMax: decimal.NewFromFloat(req.AmountMax),
		Category:  req.Category,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	for _, s := range req.Chain {
		rule.Chain = append(rule.Chain, engine.ChainStep{Role: s.Role, Level: s.Level})
	}
	if err := rule.Validate(); err != nil {
		h.writeEngineError(w, err, "Invalid chain rule")
		return
	}
	if err := h.Store.SaveChainRule(r.Context(), rule); err != nil {
		h.writeEngineError(w, err, "Failed to save chain rule")
		return
	}
	writeJSON(w, http.StatusCreated, toChainRuleDTO(rule))
}

// DeactivateChainRule retires a chain rule from future routing. Existing
// workflows keep their snapshotted chains.
func (h *Handler) DeactivateChainRule(w http.ResponseWriter, r *http.Request) {
	id := engine.ChainRuleID(chi.URLParam(r, "id"))
	rule, err := h.Store.GetChainRule(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get chain rule")
		return
	}
	rule.IsActive = false
	if err := h.Store.SaveChainRule(r.Context(), *rule); err != nil {
		h.writeEngineError(w, err, "Failed to save chain rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetChainRule returns a single chain rule.
func (h *Handler) GetChainRule(w http.ResponseWriter, r *http.Request) {
	id := engine.ChainRuleID(chi.URLParam(r, "id"))
	rule, err := h.Store.GetChainRule(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get chain rule")
		return
	}
	writeJSON(w, http.StatusOK, toChainRuleDTO(*rule))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ComputeReimbursement computes the settlement for an approved report.
// Idempotent: recomputing returns the existing record.
func (h *Handler) ComputeReimbursement(w http.ResponseWriter, r *http.Request) {
	reportID := engine.ReportID(chi.URLParam(r, "id"))
	reimb, err := h.Calc.Compute(r.Context(), reportID)
	if err != nil {
		h.writeEngineError(w, err, "Failed to compute reimbursement")
		return
	}
	writeJSON(w, http.StatusCreated, toReimbursementDTO(*reimb))
}

// ListReimbursements returns all settlement records.
func (h *Handler) ListReimbursements(w http.ResponseWriter, r *http.Request) {
	reimbs, err := h.Store.ListReimbursements(r.Context())
	if err != nil {
		h.writeEngineError(w, err, "Failed to list reimbursements")
		return
	}
	dtos := make([]ReimbursementDTO, len(reimbs))
	for i, reimb := range reimbs {
		dtos[i] = toReimbursementDTO(reimb)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReimbursement returns a single settlement record.
func (h *Handler) GetReimbursement(w http.ResponseWriter, r *http.Request) {
	id := engine.ReimbursementID(chi.URLParam(r, "id"))
	reimb, err := h.Store.GetReimbursement(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get reimbursement")
		return
	}
	writeJSON(w, http.StatusOK, toReimbursementDTO(*reimb))
}

// InitiateReimbursement moves PENDING -> INITIATED. Idempotent.
func (h *Handler) InitiateReimbursement(w http.ResponseWriter, r *http.Request) {
	h.settlementTransition(w, r, func(id engine.ReimbursementID) (*engine.Reimbursement, error) {
		return h.Calc.Initiate(r.Context(), id)
	})
}

// BulkInitiateReimbursements initiates a batch, reporting per-id outcomes.
func (h *Handler) BulkInitiateReimbursements(w http.ResponseWriter, r *http.Request) {
	var req BulkInitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]engine.ReimbursementID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = engine.ReimbursementID(id)
	}

	outcomes := h.Calc.BulkInitiate(r.Context(), ids)
	dtos := make([]BulkOutcomeDTO, len(outcomes))
	for i, o := range outcomes {
		dto := BulkOutcomeDTO{ID: string(o.ID), Status: string(o.Status)}
		if o.Err != nil {
			dto.Error = o.Err.Error()
		} else {
			settlementTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
		}
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkReimbursementProcessing moves INITIATED -> PROCESSING.
func (h *Handler) MarkReimbursementProcessing(w http.ResponseWriter, r *http.Request) {
	h.settlementTransition(w, r, func(id engine.ReimbursementID) (*engine.Reimbursement, error) {
		return h.Calc.MarkProcessing(r.Context(), id)
	})
}

// MarkReimbursementPaid completes the payment with the bank's reference.
func (h *Handler) MarkReimbursementPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.settlementTransition(w, r, func(id engine.ReimbursementID) (*engine.Reimbursement, error) {
		return h.Calc.MarkPaid(r.Context(), id, req.PaymentRef)
	})
}

// MarkReimbursementFailed records a bank-side failure.
func (h *Handler) MarkReimbursementFailed(w http.ResponseWriter, r *http.Request) {
	h.settlementTransition(w, r, func(id engine.ReimbursementID) (*engine.Reimbursement, error) {
		return h.Calc.MarkFailed(r.Context(), id)
	})
}

// ReinitiateReimbursement recovers a FAILED record back to INITIATED.
func (h *Handler) ReinitiateReimbursement(w http.ResponseWriter, r *http.Request) {
	h.settlementTransition(w, r, func(id engine.ReimbursementID) (*engine.Reimbursement, error) {
		return h.Calc.Reinitiate(r.Context(), id)
	})
}

func (h *Handler) settlementTransition(w http.ResponseWriter, r *http.Request, fn func(engine.ReimbursementID) (*engine.Reimbursement, error)) {
	id := engine.ReimbursementID(chi.URLParam(r, "id"))
	reimb, err := fn(id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to transition reimbursement")
		return
	}
	settlementTransitionsTotal.WithLabelValues(string(reimb.Status)).Inc()
	writeJSON(w, http.StatusOK, toReimbursementDTO(*reimb))
}

// ExportNEFT renders the fixed-column NEFT payment file for all
// INITIATED/PROCESSING reimbursements.
func (h *Handler) ExportNEFT(w http.ResponseWriter, r *http.Request) {
	reimbs, err := h.Store.ListReimbursements(r.Context())
	if err != nil {
		h.writeEngineError(w, err, "Failed to list reimbursements")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(engine.NEFTExport(reimbs)))
}

// =============================================================================
// CARD AND ACTION HANDLERS
// =============================================================================

// CreateCard registers a card in the directory.
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.EmployeeID == "" {
		writeError(w, http.StatusBadRequest, "id and employee_id are required", nil)
		return
	}

	card := engine.Card{
		ID:         engine.CardID(req.ID),
		EmployeeID: engine.EmployeeID(req.EmployeeID),
		Last4:      req.Last4,
		Status:     engine.CardActive,
		SpendLimit: decimal.NewFromFloat(req.SpendLimit),
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := h.Store.SaveCard(r.Context(), card); err != nil {
		h.writeEngineError(w, err, "Failed to save card")
		return
	}
	writeJSON(w, http.StatusCreated, toCardDTO(card))
}

// ListCards returns all cards.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.Store.ListCards(r.Context())
	if err != nil {
		h.writeEngineError(w, err, "Failed to list cards")
		return
	}
	dtos := make([]CardDTO, len(cards))
	for i, c := range cards {
		dtos[i] = toCardDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCard returns a single card.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	id := engine.CardID(chi.URLParam(r, "id"))
	card, err := h.Store.GetCard(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to get card")
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(*card))
}

// UpdateCard applies a manual freeze/unfreeze or limit change under the
// optimistic version check. A stale version is a conflict; the client
// re-reads and retries.
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	id := engine.CardID(chi.URLParam(r, "id"))

	var req UpdateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var patch engine.CardPatch
	if req.Status != nil {
		status := engine.CardStatus(*req.Status)
		if status != engine.CardActive && status != engine.CardFrozen {
			writeError(w, http.StatusBadRequest, "status must be ACTIVE or FROZEN", nil)
			return
		}
		patch.Status = &status
	}
	if req.SpendLimit != nil {
		if *req.SpendLimit <= 0 {
			writeError(w, http.StatusBadRequest, "spend_limit must be positive", nil)
			return
		}
		limit := decimal.NewFromFloat(*req.SpendLimit)
		patch.SpendLimit = &limit
	}

	card, err := h.Store.UpdateCard(r.Context(), id, req.Version, patch)
	if err != nil {
		h.writeEngineError(w, err, "Failed to update card")
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(*card))
}

// ScheduleAction enqueues a card action.
func (h *Handler) ScheduleAction(w http.ResponseWriter, r *http.Request) {
	cardID := engine.CardID(chi.URLParam(r, "id"))

	var req ScheduleActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduled_at must be RFC3339", err)
		return
	}

	action, err := h.Executor.Schedule(r.Context(), cardID,
		engine.ActionType(req.Type), at, engine.Recurrence(req.Recurrence),
		engine.ActionDetails{NewLimit: decimal.NewFromFloat(req.NewLimit)})
	if err != nil {
		h.writeEngineError(w, err, "Failed to schedule action")
		return
	}
	writeJSON(w, http.StatusCreated, toActionDTO(*action))
}

// ListActions returns a card's scheduled actions, full history included.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	cardID := engine.CardID(chi.URLParam(r, "id"))
	actions, err := h.Store.ListActions(r.Context(), cardID)
	if err != nil {
		h.writeEngineError(w, err, "Failed to list actions")
		return
	}
	dtos := make([]ActionDTO, len(actions))
	for i, a := range actions {
		dtos[i] = toActionDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelAction cancels a PENDING action.
func (h *Handler) CancelAction(w http.ResponseWriter, r *http.Request) {
	id := engine.ActionID(chi.URLParam(r, "id"))
	action, err := h.Executor.Cancel(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "Failed to cancel action")
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(*action))
}

// RunTick executes all currently due actions (admin/testing).
func (h *Handler) RunTick(w http.ResponseWriter, r *http.Request) {
	executed, err := h.Executor.Tick(r.Context(), time.Now().UTC())
	if err != nil {
		h.writeEngineError(w, err, "Tick failed")
		return
	}
	dtos := make([]ActionDTO, len(executed))
	for i, ex := range executed {
		scheduledActionsExecutedTotal.WithLabelValues(string(ex.Action.Type)).Inc()
		dtos[i] = toActionDTO(ex.Action)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine error kinds to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error, message string) {
	switch {
	case engine.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case engine.IsConflict(err), engine.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case engine.IsConfiguration(err):
		h.Log.Error().Err(err).Msg("configuration error surfaced to API")
		writeError(w, http.StatusInternalServerError, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
