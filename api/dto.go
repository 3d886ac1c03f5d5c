/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Policy:
    PolicyDTO (wraps factory.PolicyJSON), CreatePolicyRequest

  Expense:
    ExpenseDTO, CreateExpenseRequest, EvaluationDTO, ExceptionRequest

  Report / Workflow:
    ReportDTO, CreateReportRequest, WorkflowDTO, DecisionRequest

  Settlement:
    ReimbursementDTO, BulkInitiateRequest, MarkPaidRequest

  Cards / Actions:
    CardDTO, CreateCardRequest, ActionDTO, ScheduleActionRequest

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/compliance-engine/engine"
	"github.com/warp/compliance-engine/factory"
)

// =============================================================================
// POLICY TYPES
// =============================================================================

// PolicyDTO represents a policy in API responses.
type PolicyDTO struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	IsActive  bool              `json:"is_active"`
	Version   int               `json:"version"`
	Rules     factory.RulesJSON `json:"rules"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
	DeletedAt *string           `json:"deleted_at,omitempty"`
}

// CreatePolicyRequest is the request to create or update a policy.
type CreatePolicyRequest struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Severity string            `json:"severity"`
	IsActive bool              `json:"is_active"`
	Rules    factory.RulesJSON `json:"rules"`
}

// =============================================================================
// EXPENSE TYPES
// =============================================================================

// GSTDTO carries the GST breakdown on an expense.
type GSTDTO struct {
	GSTIN string  `json:"gstin,omitempty"`
	CGST  float64 `json:"cgst,omitempty"`
	SGST  float64 `json:"sgst,omitempty"`
	IGST  float64 `json:"igst,omitempty"`
}

// ExpenseDTO represents an expense in API responses.
type ExpenseDTO struct {
	ID              string  `json:"id"`
	EmployeeID      string  `json:"employee_id"`
	Amount          float64 `json:"amount"`
	Category        string  `json:"category"`
	MCC             string  `json:"mcc,omitempty"`
	Country         string  `json:"country,omitempty"`
	PolicyStatus    string  `json:"policy_status"`
	HasReceipt      bool    `json:"has_receipt"`
	GLCode          string  `json:"gl_code,omitempty"`
	CostCenterID    string  `json:"cost_center_id,omitempty"`
	BusinessPurpose string  `json:"business_purpose,omitempty"`
	GST             *GSTDTO `json:"gst,omitempty"`
	Date            string  `json:"date"`
	ExceptionBy     string  `json:"exception_by,omitempty"`
	ExceptionNote   string  `json:"exception_note,omitempty"`
	CreatedAt       string  `json:"created_at,omitempty"`
}

// CreateExpenseRequest is the request to create or edit an expense.
type CreateExpenseRequest struct {
	EmployeeID      string  `json:"employee_id"`
	Amount          float64 `json:"amount"`
	Category        string  `json:"category"`
	MCC             string  `json:"mcc,omitempty"`
	Country         string  `json:"country,omitempty"`
	HasReceipt      bool    `json:"has_receipt"`
	GLCode          string  `json:"gl_code,omitempty"`
	CostCenterID    string  `json:"cost_center_id,omitempty"`
	BusinessPurpose string  `json:"business_purpose,omitempty"`
	GST             *GSTDTO `json:"gst,omitempty"`
	Date            string  `json:"date"` // YYYY-MM-DD
}

// ViolationDTO is one policy hit in an evaluation result.
type ViolationDTO struct {
	PolicyID      string `json:"policy_id"`
	PolicyName    string `json:"policy_name"`
	PolicyType    string `json:"policy_type"`
	PolicyVersion int    `json:"policy_version"`
	Severity      string `json:"severity"`
}

// EvaluationDTO is the compliance verdict for one expense.
type EvaluationDTO struct {
	ExpenseID  string         `json:"expense_id"`
	Status     string         `json:"status"`
	Violations []ViolationDTO `json:"violations"`
}

// ExceptionRequest grants a manual compliance override.
type ExceptionRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note,omitempty"`
}

// ScoreDTO is the aggregate compliance score for a set of expenses.
type ScoreDTO struct {
	EmployeeID string `json:"employee_id,omitempty"`
	Score      int    `json:"score"`
	Expenses   int    `json:"expenses"`
}

// =============================================================================
// REPORT AND WORKFLOW TYPES
// =============================================================================

// BankAccountDTO is the payment destination on a report.
type BankAccountDTO struct {
	HolderName    string `json:"holder_name"`
	AccountNumber string `json:"account_number"`
	IFSC          string `json:"ifsc"`
	BankName      string `json:"bank_name"`
}

// ReportDTO represents an expense report.
type ReportDTO struct {
	ID          string          `json:"id"`
	EmployeeID  string          `json:"employee_id"`
	Title       string          `json:"title"`
	ExpenseIDs  []string        `json:"expense_ids"`
	TotalAmount float64         `json:"total_amount"`
	Status      string          `json:"status"`
	BankAccount *BankAccountDTO `json:"bank_account,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

// CreateReportRequest is the request to create a report.
type CreateReportRequest struct {
	EmployeeID  string          `json:"employee_id"`
	Title       string          `json:"title"`
	ExpenseIDs  []string        `json:"expense_ids"`
	BankAccount *BankAccountDTO `json:"bank_account,omitempty"`
}

// StepDTO is one entry of a workflow's approval chain.
type StepDTO struct {
	Role    string  `json:"role"`
	Level   int     `json:"level"`
	Status  string  `json:"status"`
	ActedBy string  `json:"acted_by,omitempty"`
	ActedAt *string `json:"acted_at,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

// CommentDTO is free-form discussion on a workflow.
type CommentDTO struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// WorkflowDTO represents a workflow request with its derived status.
type WorkflowDTO struct {
	ID              string       `json:"id"`
	ReportID        string       `json:"report_id"`
	RequestorID     string       `json:"requestor_id"`
	RuleID          string       `json:"rule_id"`
	Amount          float64      `json:"amount"`
	Category        string       `json:"category"`
	Status          string       `json:"status"`
	CurrentApprover string       `json:"current_approver,omitempty"`
	Chain           []StepDTO    `json:"approval_chain"`
	Comments        []CommentDTO `json:"comments,omitempty"`
	CreatedAt       string       `json:"created_at,omitempty"`
}

// DecisionRequest is one approve/reject action on the active step.
type DecisionRequest struct {
	Role    string `json:"role"`
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty"`
}

// WithdrawRequest cancels a workflow at the requestor's initiative.
type WithdrawRequest struct {
	RequestorID string `json:"requestor_id"`
}

// ChainStepDTO is one approver slot in a chain rule.
type ChainStepDTO struct {
	Role  string `json:"role"`
	Level int    `json:"level"`
}

// ChainRuleDTO represents an approval chain rule.
type ChainRuleDTO struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	AmountMin float64        `json:"amount_min"`
	AmountMax float64        `json:"amount_max"`
	Category  string         `json:"category"`
	Chain     []ChainStepDTO `json:"approver_chain"`
	IsActive  bool           `json:"is_active"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// =============================================================================
// SETTLEMENT TYPES
// =============================================================================

// ReimbursementDTO represents a settlement record.
type ReimbursementDTO struct {
	ID          string          `json:"id"`
	ReportID    string          `json:"report_id"`
	GrossAmount float64         `json:"gross_amount"`
	TDSAmount   float64         `json:"tds_amount"`
	TDSSection  string          `json:"tds_section"`
	NetAmount   float64         `json:"net_amount"`
	Status      string          `json:"status"`
	PaymentRef  string          `json:"payment_ref,omitempty"`
	BankAccount *BankAccountDTO `json:"bank_account,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

// BulkInitiateRequest initiates a batch of reimbursements.
type BulkInitiateRequest struct {
	IDs []string `json:"ids"`
}

// BulkOutcomeDTO is the per-id result of a bulk initiation.
type BulkOutcomeDTO struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MarkPaidRequest completes a payment with the bank's reference.
type MarkPaidRequest struct {
	PaymentRef string `json:"payment_ref"`
}

// =============================================================================
// CARD AND ACTION TYPES
// =============================================================================

// CardDTO represents card control state.
type CardDTO struct {
	ID         string  `json:"id"`
	EmployeeID string  `json:"employee_id"`
	Last4      string  `json:"last4,omitempty"`
	Status     string  `json:"status"`
	SpendLimit float64 `json:"spend_limit"`
	Version    int     `json:"version"`
}

// CreateCardRequest registers a card in the directory.
type CreateCardRequest struct {
	ID         string  `json:"id"`
	EmployeeID string  `json:"employee_id"`
	Last4      string  `json:"last4,omitempty"`
	SpendLimit float64 `json:"spend_limit"`
}

// UpdateCardRequest applies a manual card control change. Version must
// match the current card version or the update is rejected.
type UpdateCardRequest struct {
	Status     *string  `json:"status,omitempty"`
	SpendLimit *float64 `json:"spend_limit,omitempty"`
	Version    int      `json:"version"`
}

// ActionDTO represents a scheduled card action.
type ActionDTO struct {
	ID            string  `json:"id"`
	CardID        string  `json:"card_id"`
	Type          string  `json:"type"`
	ScheduledAt   string  `json:"scheduled_at"`
	Recurrence    string  `json:"recurrence"`
	Status        string  `json:"status"`
	NewLimit      float64 `json:"new_limit,omitempty"`
	PredecessorID string  `json:"predecessor_id,omitempty"`
	ExecutedAt    *string `json:"executed_at,omitempty"`
}

// ScheduleActionRequest enqueues a card action.
type ScheduleActionRequest struct {
	Type        string  `json:"type"`
	ScheduledAt string  `json:"scheduled_at"` // RFC3339
	Recurrence  string  `json:"recurrence"`
	NewLimit    float64 `json:"new_limit,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(m engine.Money) float64 {
	v, _ := m.Float64()
	return v
}

func toPolicyDTO(p engine.Policy) PolicyDTO {
	rules, _ := factory.RuleToJSON(p.Rule)
	var rj factory.RulesJSON
	_ = json.Unmarshal([]byte(rules), &rj)
	dto := PolicyDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Type:      string(p.Type),
		Severity:  string(p.Severity),
		IsActive:  p.IsActive,
		Version:   p.Version,
		Rules:     rj,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
	if p.DeletedAt != nil {
		s := p.DeletedAt.Format(time.RFC3339)
		dto.DeletedAt = &s
	}
	return dto
}

func toExpenseDTO(e engine.Expense) ExpenseDTO {
	dto := ExpenseDTO{
		ID:              string(e.ID),
		EmployeeID:      string(e.EmployeeID),
		Amount:          money(e.Amount),
		Category:        e.Category,
		MCC:             e.MCC,
		Country:         e.Country,
		PolicyStatus:    string(e.PolicyStatus),
		HasReceipt:      e.HasReceipt,
		GLCode:          e.GLCode,
		CostCenterID:    e.CostCenterID,
		BusinessPurpose: e.BusinessPurpose,
		Date:            e.Date.Format("2006-01-02"),
		ExceptionBy:     e.ExceptionBy,
		ExceptionNote:   e.ExceptionNote,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
	if e.GST.GSTIN != "" {
		dto.GST = &GSTDTO{
			GSTIN: e.GST.GSTIN,
			CGST:  money(e.GST.CGST),
			SGST:  money(e.GST.SGST),
			IGST:  money(e.GST.IGST),
		}
	}
	return dto
}

func toEvaluationDTO(id engine.ExpenseID, ev engine.Evaluation) EvaluationDTO {
	dto := EvaluationDTO{
		ExpenseID:  string(id),
		Status:     string(ev.Status),
		Violations: make([]ViolationDTO, len(ev.Violations)),
	}
	for i, v := range ev.Violations {
		dto.Violations[i] = ViolationDTO{
			PolicyID:      string(v.PolicyID),
			PolicyName:    v.PolicyName,
			PolicyType:    string(v.PolicyType),
			PolicyVersion: v.PolicyVersion,
			Severity:      string(v.Severity),
		}
	}
	return dto
}

func toBankDTO(b engine.BankAccount) *BankAccountDTO {
	if b.AccountNumber == "" {
		return nil
	}
	return &BankAccountDTO{
		HolderName:    b.HolderName,
		AccountNumber: b.AccountNumber,
		IFSC:          b.IFSC,
		BankName:      b.BankName,
	}
}

func fromBankDTO(b *BankAccountDTO) engine.BankAccount {
	if b == nil {
		return engine.BankAccount{}
	}
	return engine.BankAccount{
		HolderName:    b.HolderName,
		AccountNumber: b.AccountNumber,
		IFSC:          b.IFSC,
		BankName:      b.BankName,
	}
}

func toReportDTO(r engine.ExpenseReport) ReportDTO {
	ids := make([]string, len(r.ExpenseIDs))
	for i, id := range r.ExpenseIDs {
		ids[i] = string(id)
	}
	return ReportDTO{
		ID:          string(r.ID),
		EmployeeID:  string(r.EmployeeID),
		Title:       r.Title,
		ExpenseIDs:  ids,
		TotalAmount: money(r.TotalAmount),
		Status:      string(r.Status),
		BankAccount: toBankDTO(r.BankAccount),
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
}

func toWorkflowDTO(w engine.WorkflowRequest) WorkflowDTO {
	dto := WorkflowDTO{
		ID:              string(w.ID),
		ReportID:        string(w.ReportID),
		RequestorID:     string(w.RequestorID),
		RuleID:          string(w.RuleID),
		Amount:          money(w.Amount),
		Category:        w.Category,
		Status:          string(w.Status()),
		CurrentApprover: w.CurrentApprover(),
		Chain:           make([]StepDTO, len(w.Chain)),
		CreatedAt:       w.CreatedAt.Format(time.RFC3339),
	}
	for i, s := range w.Chain {
		step := StepDTO{
			Role:    s.Role,
			Level:   s.Level,
			Status:  string(s.Status),
			ActedBy: s.ActedBy,
			Comment: s.Comment,
		}
		if s.ActedAt != nil {
			t := s.ActedAt.Format(time.RFC3339)
			step.ActedAt = &t
		}
		dto.Chain[i] = step
	}
	for _, c := range w.Comments {
		dto.Comments = append(dto.Comments, CommentDTO{
			ID:        c.ID,
			Author:    c.Author,
			Body:      c.Body,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		})
	}
	return dto
}

func toChainRuleDTO(r engine.ApprovalChainRule) ChainRuleDTO {
	dto := ChainRuleDTO{
		ID:        string(r.ID),
		Name:      r.Name,
		AmountMin: money(r.AmountMin),
		AmountMax: money(r.AmountMax),
		Category:  r.Category,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		Chain:     make([]ChainStepDTO, len(r.Chain)),
	}
	for i, s := range r.Chain {
		dto.Chain[i] = ChainStepDTO{Role: s.Role, Level: s.Level}
	}
	return dto
}

func toReimbursementDTO(r engine.Reimbursement) ReimbursementDTO {
	return ReimbursementDTO{
		ID:          string(r.ID),
		ReportID:    string(r.ReportID),
		GrossAmount: money(r.GrossAmount),
		TDSAmount:   money(r.TDSAmount),
		TDSSection:  r.TDSSection,
		NetAmount:   money(r.NetAmount),
		Status:      string(r.Status),
		PaymentRef:  r.PaymentRef,
		BankAccount: toBankDTO(r.BankAccount),
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
}

func toCardDTO(c engine.Card) CardDTO {
	return CardDTO{
		ID:         string(c.ID),
		EmployeeID: string(c.EmployeeID),
		Last4:      c.Last4,
		Status:     string(c.Status),
		SpendLimit: money(c.SpendLimit),
		Version:    c.Version,
	}
}

func toActionDTO(a engine.ScheduledCardAction) ActionDTO {
	dto := ActionDTO{
		ID:            string(a.ID),
		CardID:        string(a.CardID),
		Type:          string(a.Type),
		ScheduledAt:   a.ScheduledAt.Format(time.RFC3339),
		Recurrence:    string(a.Recurrence),
		Status:        string(a.Status),
		NewLimit:      money(a.Details.NewLimit),
		PredecessorID: string(a.PredecessorID),
	}
	if a.ExecutedAt != nil {
		t := a.ExecutedAt.Format(time.RFC3339)
		dto.ExecutedAt = &t
	}
	return dto
}
