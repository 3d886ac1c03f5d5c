/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the full engine.Store surface using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  engine.PolicyStore:        Versioned policy persistence
  engine.ChainRuleStore:     Approval chain rule persistence
  engine.ExpenseStore:       Expenses and reports
  engine.WorkflowStore:      Workflow requests
  engine.ReimbursementStore: Settlement records
  engine.ActionStore:        Scheduled card actions (append-only occurrences)
  engine.CardDirectory:      Card control state with optimistic versioning

KEY TABLES:
  policies:       Versioned rule definitions, rule payload stored as JSON
  chain_rules:    Approver chain selection rules
  expenses:       Expense records with cached policy status
  reports:        Expense report aggregates
  workflows:      Approval workflow requests, chain stored as JSON
  reimbursements: Settlement records, one per report (UNIQUE report_id)
  actions:        Scheduled card actions, never rescheduled in place
  cards:          Card control state with a version column

OPTIMISTIC LOCKING:
  cards.version guards concurrent control changes. UpdateCard only applies
  when the stored version matches the caller's expectation; a zero-row
  UPDATE on an existing card means a concurrent writer won.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/compliance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/compliance-engine/engine"
	"github.com/warp/compliance-engine/factory"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Policies (versioned, soft-deleted)
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		rules_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_policies_active
		ON policies(is_active) WHERE deleted_at IS NULL;

	-- Approval chain rules
	CREATE TABLE IF NOT EXISTS chain_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		amount_min TEXT NOT NULL,
		amount_max TEXT NOT NULL,
		category TEXT NOT NULL,
		chain_json TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chain_rules_category
		ON chain_rules(category) WHERE is_active = 1;

	-- Expenses
	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		mcc TEXT,
		country TEXT,
		policy_status TEXT NOT NULL,
		has_receipt INTEGER NOT NULL DEFAULT 0,
		gl_code TEXT,
		cost_center_id TEXT,
		business_purpose TEXT,
		gst_json TEXT,
		date TEXT NOT NULL,
		exception_by TEXT,
		exception_note TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_employee
		ON expenses(employee_id, date DESC);

	-- Expense reports
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		title TEXT NOT NULL,
		expense_ids_json TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		bank_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Approval workflows
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL,
		requestor_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		chain_json TEXT NOT NULL,
		comments_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_report
		ON workflows(report_id);

	-- Reimbursements (one per report)
	CREATE TABLE IF NOT EXISTS reimbursements (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL UNIQUE,
		gross_amount TEXT NOT NULL,
		tds_amount TEXT NOT NULL,
		tds_section TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_ref TEXT,
		bank_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Scheduled card actions (append-only occurrences)
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		card_id TEXT NOT NULL,
		type TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		status TEXT NOT NULL,
		new_limit TEXT,
		predecessor_id TEXT,
		executed_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Due-queue hot path: pending actions in firing order
	CREATE INDEX IF NOT EXISTS idx_actions_due
		ON actions(scheduled_at, id) WHERE status = 'PENDING';
	CREATE INDEX IF NOT EXISTS idx_actions_card
		ON actions(card_id);

	-- Cards (optimistically versioned control state)
	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		last4 TEXT,
		status TEXT NOT NULL,
		spend_limit TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TIME HELPERS - RFC3339 text columns
// =============================================================================

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// =============================================================================
// POLICY STORE
// =============================================================================

func (s *Store) SavePolicy(ctx context.Context, p engine.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := factory.RuleToJSON(p.Rule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO policies
			(id, name, type, severity, is_active, version, rules_json, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), p.Name, string(p.Type), string(p.Severity),
		boolToInt(p.IsActive), p.Version, rules,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt), fmtTimePtr(p.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id engine.PolicyID) (*engine.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, severity, is_active, version, rules_json, created_at, updated_at, deleted_at
		FROM policies WHERE id = ?`, string(id))

	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("policy", string(id))
	}
	return p, err
}

func (s *Store) ListPolicies(ctx context.Context) ([]engine.Policy, error) {
	return s.queryPolicies(ctx, `
		SELECT id, name, type, severity, is_active, version, rules_json, created_at, updated_at, deleted_at
		FROM policies ORDER BY created_at`)
}

func (s *Store) ActivePolicies(ctx context.Context) ([]engine.Policy, error) {
	return s.queryPolicies(ctx, `
		SELECT id, name, type, severity, is_active, version, rules_json, created_at, updated_at, deleted_at
		FROM policies WHERE is_active = 1 AND deleted_at IS NULL ORDER BY created_at`)
}

func (s *Store) queryPolicies(ctx context.Context, query string) ([]engine.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var out []engine.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*engine.Policy, error) {
	var (
		p                            engine.Policy
		id, ptype, severity          string
		active                       int
		rulesJSON, created, updated  string
		deleted                      sql.NullString
	)
	err := row.Scan(&id, &p.Name, &ptype, &severity, &active, &p.Version,
		&rulesJSON, &created, &updated, &deleted)
	if err != nil {
		return nil, err
	}

	rule, err := factory.RuleFromJSON(engine.PolicyType(ptype), rulesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rule payload for policy %s: %w", id, err)
	}

	p.ID = engine.PolicyID(id)
	p.Type = engine.PolicyType(ptype)
	p.Severity = engine.Severity(severity)
	p.IsActive = active == 1
	p.Rule = rule
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	p.DeletedAt = parseTimePtr(deleted)
	return &p, nil
}

// =============================================================================
// CHAIN RULE STORE
// =============================================================================

func (s *Store) SaveChainRule(ctx context.Context, r engine.ApprovalChainRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := json.Marshal(r.Chain)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chain_rules
			(id, name, amount_min, amount_max, category, chain_json, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), r.Name, r.AmountMin.String(), r.AmountMax.String(),
		r.Category, string(chain), boolToInt(r.IsActive), fmtTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save chain rule: %w", err)
	}
	return nil
}

func (s *Store) GetChainRule(ctx context.Context, id engine.ChainRuleID) (*engine.ApprovalChainRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, amount_min, amount_max, category, chain_json, is_active, created_at
		FROM chain_rules WHERE id = ?`, string(id))

	r, err := scanChainRule(row)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("chain rule", string(id))
	}
	return r, err
}

func (s *Store) ListChainRules(ctx context.Context) ([]engine.ApprovalChainRule, error) {
	return s.queryChainRules(ctx, `
		SELECT id, name, amount_min, amount_max, category, chain_json, is_active, created_at
		FROM chain_rules ORDER BY created_at`)
}

func (s *Store) ActiveChainRules(ctx context.Context) ([]engine.ApprovalChainRule, error) {
	return s.queryChainRules(ctx, `
		SELECT id, name, amount_min, amount_max, category, chain_json, is_active, created_at
		FROM chain_rules WHERE is_active = 1 ORDER BY created_at`)
}

func (s *Store) queryChainRules(ctx context.Context, query string) ([]engine.ApprovalChainRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain rules: %w", err)
	}
	defer rows.Close()

	var out []engine.ApprovalChainRule
	for rows.Next() {
		r, err := scanChainRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanChainRule(row scanner) (*engine.ApprovalChainRule, error) {
	var (
		r                        engine.ApprovalChainRule
		id, amin, amax           string
		chainJSON, created       string
		active                   int
	)
	err := row.Scan(&id, &r.Name, &amin, &amax, &r.Category, &chainJSON, &active, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(chainJSON), &r.Chain); err != nil {
		return nil, fmt.Errorf("failed to decode chain for rule %s: %w", id, err)
	}
	r.ID = engine.ChainRuleID(id)
	r.AmountMin = engine.MustParseMoney(amin)
	r.AmountMax = engine.MustParseMoney(amax)
	r.IsActive = active == 1
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// =============================================================================
// EXPENSE STORE
// =============================================================================

func (s *Store) SaveExpense(ctx context.Context, e engine.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gst, err := json.Marshal(e.GST)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO expenses
			(id, employee_id, amount, category, mcc, country, policy_status, has_receipt,
			 gl_code, cost_center_id, business_purpose, gst_json, date,
			 exception_by, exception_note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.EmployeeID), e.Amount.String(), e.Category, e.MCC, e.Country,
		string(e.PolicyStatus), boolToInt(e.HasReceipt),
		e.GLCode, e.CostCenterID, e.BusinessPurpose, string(gst), fmtTime(e.Date),
		e.ExceptionBy, e.ExceptionNote, fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save expense: %w", err)
	}
	return nil
}

func (s *Store) GetExpense(ctx context.Context, id engine.ExpenseID) (*engine.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, employee_id, amount, category, mcc, country, policy_status, has_receipt,
		       gl_code, cost_center_id, business_purpose, gst_json, date,
		       exception_by, exception_note, created_at, updated_at
		FROM expenses WHERE id = ?`, string(id))

	e, err := scanExpense(row)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("expense", string(id))
	}
	return e, err
}

func (s *Store) ListExpenses(ctx context.Context, employeeID engine.EmployeeID) ([]engine.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, amount, category, mcc, country, policy_status, has_receipt,
		       gl_code, cost_center_id, business_purpose, gst_json, date,
		       exception_by, exception_note, created_at, updated_at
		FROM expenses WHERE employee_id = ? ORDER BY date DESC`, string(employeeID))
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var out []engine.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanExpense(row scanner) (*engine.Expense, error) {
	var (
		e                                engine.Expense
		id, empID, amount, status        string
		receipt                          int
		gstJSON, date, created, updated  string
	)
	err := row.Scan(&id, &empID, &amount, &e.Category, &e.MCC, &e.Country, &status, &receipt,
		&e.GLCode, &e.CostCenterID, &e.BusinessPurpose, &gstJSON, &date,
		&e.ExceptionBy, &e.ExceptionNote, &created, &updated)
	if err != nil {
		return nil, err
	}
	if gstJSON != "" {
		if err := json.Unmarshal([]byte(gstJSON), &e.GST); err != nil {
			return nil, fmt.Errorf("failed to decode gst for expense %s: %w", id, err)
		}
	}
	e.ID = engine.ExpenseID(id)
	e.EmployeeID = engine.EmployeeID(empID)
	e.Amount = engine.MustParseMoney(amount)
	e.PolicyStatus = engine.PolicyStatus(status)
	e.HasReceipt = receipt == 1
	e.Date = parseTime(date)
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

func (s *Store) SaveReport(ctx context.Context, r engine.ExpenseReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := json.Marshal(r.ExpenseIDs)
	if err != nil {
		return err
	}
	bank, err := json.Marshal(r.BankAccount)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reports
			(id, employee_id, title, expense_ids_json, total_amount, status, bank_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.EmployeeID), r.Title, string(ids),
		r.TotalAmount.String(), string(r.Status), string(bank),
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id engine.ReportID) (*engine.ExpenseReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                               engine.ExpenseReport
		rid, empID, idsJSON, amount     string
		status, bankJSON                string
		created, updated                string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, employee_id, title, expense_ids_json, total_amount, status, bank_json, created_at, updated_at
		FROM reports WHERE id = ?`, string(id)).
		Scan(&rid, &empID, &r.Title, &idsJSON, &amount, &status, &bankJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("report", string(id))
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &r.ExpenseIDs); err != nil {
		return nil, fmt.Errorf("failed to decode expense ids for report %s: %w", rid, err)
	}
	if bankJSON != "" {
		if err := json.Unmarshal([]byte(bankJSON), &r.BankAccount); err != nil {
			return nil, fmt.Errorf("failed to decode bank account for report %s: %w", rid, err)
		}
	}
	r.ID = engine.ReportID(rid)
	r.EmployeeID = engine.EmployeeID(empID)
	r.TotalAmount = engine.MustParseMoney(amount)
	r.Status = engine.ReportStatus(status)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// =============================================================================
// WORKFLOW STORE
// =============================================================================

func (s *Store) SaveWorkflow(ctx context.Context, w engine.WorkflowRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := json.Marshal(w.Chain)
	if err != nil {
		return err
	}
	comments, err := json.Marshal(w.Comments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflows
			(id, report_id, requestor_id, rule_id, amount, category, chain_json, comments_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(w.ID), string(w.ReportID), string(w.RequestorID), string(w.RuleID),
		w.Amount.String(), w.Category, string(chain), string(comments),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id engine.WorkflowID) (*engine.WorkflowRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, report_id, requestor_id, rule_id, amount, category, chain_json, comments_json, created_at, updated_at
		FROM workflows WHERE id = ?`, string(id))

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("workflow", string(id))
	}
	return w, err
}

func (s *Store) ListWorkflows(ctx context.Context) ([]engine.WorkflowRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, requestor_id, rule_id, amount, category, chain_json, comments_json, created_at, updated_at
		FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var out []engine.WorkflowRequest
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWorkflow(row scanner) (*engine.WorkflowRequest, error) {
	var (
		w                                 engine.WorkflowRequest
		id, reportID, reqID, ruleID       string
		amount, chainJSON, commentsJSON   string
		created, updated                  string
	)
	err := row.Scan(&id, &reportID, &reqID, &ruleID, &amount, &w.Category,
		&chainJSON, &commentsJSON, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(chainJSON), &w.Chain); err != nil {
		return nil, fmt.Errorf("failed to decode chain for workflow %s: %w", id, err)
	}
	if commentsJSON != "" {
		if err := json.Unmarshal([]byte(commentsJSON), &w.Comments); err != nil {
			return nil, fmt.Errorf("failed to decode comments for workflow %s: %w", id, err)
		}
	}
	w.ID = engine.WorkflowID(id)
	w.ReportID = engine.ReportID(reportID)
	w.RequestorID = engine.EmployeeID(reqID)
	w.RuleID = engine.ChainRuleID(ruleID)
	w.Amount = engine.MustParseMoney(amount)
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

// =============================================================================
// REIMBURSEMENT STORE
// =============================================================================

func (s *Store) SaveReimbursement(ctx context.Context, r engine.Reimbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bank, err := json.Marshal(r.BankAccount)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reimbursements
			(id, report_id, gross_amount, tds_amount, tds_section, net_amount,
			 status, payment_ref, bank_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.ReportID), r.GrossAmount.String(), r.TDSAmount.String(),
		r.TDSSection, r.NetAmount.String(), string(r.Status), r.PaymentRef,
		string(bank), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reimbursement: %w", err)
	}
	return nil
}

func (s *Store) GetReimbursement(ctx context.Context, id engine.ReimbursementID) (*engine.Reimbursement, error) {
	return s.getReimbursement(ctx, "id", string(id))
}

func (s *Store) GetReimbursementByReport(ctx context.Context, reportID engine.ReportID) (*engine.Reimbursement, error) {
	return s.getReimbursement(ctx, "report_id", string(reportID))
}

func (s *Store) getReimbursement(ctx context.Context, column, value string) (*engine.Reimbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, report_id, gross_amount, tds_amount, tds_section, net_amount,
		       status, payment_ref, bank_json, created_at, updated_at
		FROM reimbursements WHERE `+column+` = ?`, value)

	r, err := scanReimbursement(row)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("reimbursement", value)
	}
	return r, err
}

func (s *Store) ListReimbursements(ctx context.Context) ([]engine.Reimbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, gross_amount, tds_amount, tds_section, net_amount,
		       status, payment_ref, bank_json, created_at, updated_at
		FROM reimbursements ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reimbursements: %w", err)
	}
	defer rows.Close()

	var out []engine.Reimbursement
	for rows.Next() {
		r, err := scanReimbursement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanReimbursement(row scanner) (*engine.Reimbursement, error) {
	var (
		r                               engine.Reimbursement
		id, reportID                    string
		gross, tds, net, status         string
		bankJSON, created, updated      string
	)
	err := row.Scan(&id, &reportID, &gross, &tds, &r.TDSSection, &net,
		&status, &r.PaymentRef, &bankJSON, &created, &updated)
	if err != nil {
		return nil, err
	}
	if bankJSON != "" {
		if err := json.Unmarshal([]byte(bankJSON), &r.BankAccount); err != nil {
			return nil, fmt.Errorf("failed to decode bank account for reimbursement %s: %w", id, err)
		}
	}
	r.ID = engine.ReimbursementID(id)
	r.ReportID = engine.ReportID(reportID)
	r.GrossAmount = engine.MustParseMoney(gross)
	r.TDSAmount = engine.MustParseMoney(tds)
	r.NetAmount = engine.MustParseMoney(net)
	r.Status = engine.ReimbursementStatus(status)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// =============================================================================
// ACTION STORE
// =============================================================================

func (s *Store) SaveAction(ctx context.Context, a engine.ScheduledCardAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newLimit := ""
	if !a.Details.NewLimit.IsZero() {
		newLimit = a.Details.NewLimit.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO actions
			(id, card_id, type, scheduled_at, recurrence, status, new_limit,
			 predecessor_id, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.CardID), string(a.Type), fmtTime(a.ScheduledAt),
		string(a.Recurrence), string(a.Status), newLimit,
		string(a.PredecessorID), fmtTimePtr(a.ExecutedAt), fmtTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save action: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id engine.ActionID) (*engine.ScheduledCardAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_id, type, scheduled_at, recurrence, status, new_limit,
		       predecessor_id, executed_at, created_at
		FROM actions WHERE id = ?`, string(id))

	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("action", string(id))
	}
	return a, err
}

func (s *Store) ListActions(ctx context.Context, cardID engine.CardID) ([]engine.ScheduledCardAction, error) {
	return s.queryActions(ctx, `
		SELECT id, card_id, type, scheduled_at, recurrence, status, new_limit,
		       predecessor_id, executed_at, created_at
		FROM actions WHERE card_id = ? ORDER BY scheduled_at, id`, string(cardID))
}

func (s *Store) DueActions(ctx context.Context, now time.Time) ([]engine.ScheduledCardAction, error) {
	return s.queryActions(ctx, `
		SELECT id, card_id, type, scheduled_at, recurrence, status, new_limit,
		       predecessor_id, executed_at, created_at
		FROM actions WHERE status = 'PENDING' AND scheduled_at <= ?
		ORDER BY scheduled_at, id`, fmtTime(now))
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]engine.ScheduledCardAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []engine.ScheduledCardAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAction(row scanner) (*engine.ScheduledCardAction, error) {
	var (
		a                             engine.ScheduledCardAction
		id, cardID, atype, sched      string
		recurrence, status, newLimit  string
		predecessor                   string
		executed                      sql.NullString
		created                       string
	)
	err := row.Scan(&id, &cardID, &atype, &sched, &recurrence, &status,
		&newLimit, &predecessor, &executed, &created)
	if err != nil {
		return nil, err
	}
	a.ID = engine.ActionID(id)
	a.CardID = engine.CardID(cardID)
	a.Type = engine.ActionType(atype)
	a.ScheduledAt = parseTime(sched)
	a.Recurrence = engine.Recurrence(recurrence)
	a.Status = engine.ActionStatus(status)
	if newLimit != "" {
		a.Details.NewLimit = engine.MustParseMoney(newLimit)
	}
	a.PredecessorID = engine.ActionID(predecessor)
	a.ExecutedAt = parseTimePtr(executed)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// =============================================================================
// CARD DIRECTORY
// =============================================================================

func (s *Store) SaveCard(ctx context.Context, c engine.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Version == 0 {
		c.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cards
			(id, employee_id, last4, status, spend_limit, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.EmployeeID), c.Last4, string(c.Status),
		c.SpendLimit.String(), c.Version, fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save card: %w", err)
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, id engine.CardID) (*engine.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCardLocked(ctx, id)
}

func (s *Store) getCardLocked(ctx context.Context, id engine.CardID) (*engine.Card, error) {
	var (
		c                    engine.Card
		cid, status, limit   string
		empID, updated       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, employee_id, last4, status, spend_limit, version, updated_at
		FROM cards WHERE id = ?`, string(id)).
		Scan(&cid, &empID, &c.Last4, &status, &limit, &c.Version, &updated)
	if err == sql.ErrNoRows {
		return nil, engine.NotFound("card", string(id))
	}
	if err != nil {
		return nil, err
	}
	c.ID = engine.CardID(cid)
	c.EmployeeID = engine.EmployeeID(empID)
	c.Status = engine.CardStatus(status)
	c.SpendLimit = engine.MustParseMoney(limit)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *Store) ListCards(ctx context.Context) ([]engine.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, last4, status, spend_limit, version, updated_at
		FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var out []engine.Card
	for rows.Next() {
		var (
			c                  engine.Card
			cid, empID         string
			status, limit      string
			updated            string
		)
		if err := rows.Scan(&cid, &empID, &c.Last4, &status, &limit, &c.Version, &updated); err != nil {
			return nil, err
		}
		c.ID = engine.CardID(cid)
		c.EmployeeID = engine.EmployeeID(empID)
		c.Status = engine.CardStatus(status)
		c.SpendLimit = engine.MustParseMoney(limit)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCard applies the patch only when the stored version still matches
// expectedVersion. A zero-row UPDATE on an existing card means a concurrent
// writer bumped the version first; the caller re-reads and retries.
func (s *Store) UpdateCard(ctx context.Context, id engine.CardID, expectedVersion int, patch engine.CardPatch) (*engine.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getCardLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.SpendLimit != nil {
		next.SpendLimit = *patch.SpendLimit
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cards SET status = ?, spend_limit = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status), next.SpendLimit.String(), next.Version,
		fmtTime(next.UpdatedAt), string(id), expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update card: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, engine.ErrVersionMismatch
	}
	return &next, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
