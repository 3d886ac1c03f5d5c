/*
policy.go - Policy definitions with typed rule payloads

PURPOSE:
  Defines the versioned policies the evaluator checks expenses against.
  The original console stored rule payloads as loosely-typed JSON blobs
  probed per policy type; here each type carries a concrete rule struct so
  evaluation is exhaustive and compiler-checked.

KEY CONCEPTS:
  - Policy: versioned, toggleable ruleset entry
  - PolicyRule: sealed union - AmountRule, CategoryRule, ReceiptRule,
    MCCRule, GeoRule
  - Severity: SOFT warns-but-allows, HARD blocks submission

LIFECYCLE:
  Created by an admin action, toggled active/inactive, superseded by a
  version bump on edit, never hard-deleted while referenced. Deletion is a
  soft remove affecting future evaluations only; historical evaluations
  keep a snapshot of the rule they ran against.

EXAMPLE:
  p := engine.Policy{
      Name:     "Meals cap",
      Type:     engine.PolicyAmount,
      Rule:     engine.AmountRule{Category: "Meals", MaxAmount: engine.NewMoney(5000)},
      Severity: engine.SeveritySoft,
      IsActive: true,
  }

SEE ALSO:
  - evaluate.go: How rules are checked
  - factory/policy.go: JSON config to typed rule
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// POLICY - Versioned compliance rule
// =============================================================================

type PolicyType string

const (
	PolicyCategory PolicyType = "CATEGORY"
	PolicyReceipt  PolicyType = "RECEIPT"
	PolicyMCC      PolicyType = "MCC"
	PolicyAmount   PolicyType = "AMOUNT"
	PolicyGeo      PolicyType = "GEO"
)

type Severity string

const (
	SeveritySoft Severity = "SOFT"
	SeverityHard Severity = "HARD"
)

// Policy is a single compliance rule. Version increments monotonically on
// every update; evaluations snapshot the rule payload, not a live reference.
type Policy struct {
	ID       PolicyID
	Name     string
	Type     PolicyType
	Rule     PolicyRule
	Severity Severity
	IsActive bool
	Version  int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time // soft remove; future evaluations only
}

// Validate checks the policy shell and its rule payload.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return Invalid("name", "policy name is required")
	}
	if p.Severity != SeveritySoft && p.Severity != SeverityHard {
		return Invalid("severity", "severity must be SOFT or HARD")
	}
	if p.Rule == nil {
		return Invalid("rules", "policy has no rule payload")
	}
	if p.Rule.RuleType() != p.Type {
		return Invalid("type", "rule payload does not match policy type")
	}
	return p.Rule.Validate()
}

// Deleted reports whether the policy has been soft-removed.
func (p *Policy) Deleted() bool { return p.DeletedAt != nil }

// =============================================================================
// POLICY RULE - Sealed union, one concrete type per PolicyType
// =============================================================================

// PolicyRule is the typed rule payload of a Policy.
type PolicyRule interface {
	RuleType() PolicyType

	// AppliesTo reports whether this rule should be checked against the
	// expense at all (category scoping, restriction-set intersection).
	AppliesTo(e Expense) bool

	// Violated reports whether the expense breaks this rule.
	// Only meaningful when AppliesTo is true.
	Violated(e Expense) bool

	// Validate rejects malformed rule definitions.
	Validate() error
}

// AmountRule caps spend, optionally scoped to a category.
type AmountRule struct {
	Category  string // empty = all categories
	MaxAmount Money
}

func (r AmountRule) RuleType() PolicyType { return PolicyAmount }

func (r AmountRule) AppliesTo(e Expense) bool {
	return r.Category == "" || r.Category == e.Category
}

func (r AmountRule) Violated(e Expense) bool {
	return e.Amount.GreaterThan(r.MaxAmount)
}

func (r AmountRule) Validate() error {
	if r.MaxAmount.IsZero() || r.MaxAmount.IsNegative() {
		return Invalid("maxAmount", "amount rule requires a positive maxAmount")
	}
	return nil
}

// CategoryRule caps spend in one named category. Same check as AmountRule
// but the category is mandatory.
type CategoryRule struct {
	Category  string
	MaxAmount Money
}

func (r CategoryRule) RuleType() PolicyType { return PolicyCategory }

func (r CategoryRule) AppliesTo(e Expense) bool { return r.Category == e.Category }

func (r CategoryRule) Violated(e Expense) bool {
	return e.Amount.GreaterThan(r.MaxAmount)
}

func (r CategoryRule) Validate() error {
	if r.Category == "" {
		return Invalid("category", "category rule requires a category")
	}
	if r.MaxAmount.IsZero() || r.MaxAmount.IsNegative() {
		return Invalid("maxAmount", "category rule requires a positive maxAmount")
	}
	return nil
}

// ReceiptRule requires a receipt above a threshold amount.
type ReceiptRule struct {
	Threshold Money
}

func (r ReceiptRule) RuleType() PolicyType { return PolicyReceipt }

func (r ReceiptRule) AppliesTo(Expense) bool { return true }

func (r ReceiptRule) Violated(e Expense) bool {
	return !e.HasReceipt && e.Amount.GreaterThan(r.Threshold)
}

func (r ReceiptRule) Validate() error {
	if r.Threshold.IsNegative() {
		return Invalid("threshold", "receipt threshold cannot be negative")
	}
	return nil
}

// MCCRule blocks a set of merchant category codes.
type MCCRule struct {
	Blocked []string
}

func (r MCCRule) RuleType() PolicyType { return PolicyMCC }

// AppliesTo: MCC rules only matter when the expense carries merchant data.
func (r MCCRule) AppliesTo(e Expense) bool { return e.MCC != "" }

func (r MCCRule) Violated(e Expense) bool {
	for _, mcc := range r.Blocked {
		if mcc == e.MCC {
			return true
		}
	}
	return false
}

func (r MCCRule) Validate() error {
	if len(r.Blocked) == 0 {
		return Invalid("blockedMCCs", "mcc rule requires at least one blocked code")
	}
	for _, mcc := range r.Blocked {
		if len(mcc) != 4 {
			return Invalid("blockedMCCs", "mcc codes are four digits")
		}
	}
	return nil
}

// GeoRule blocks merchant countries.
type GeoRule struct {
	BlockedCountries []string
}

func (r GeoRule) RuleType() PolicyType { return PolicyGeo }

func (r GeoRule) AppliesTo(e Expense) bool { return e.Country != "" }

func (r GeoRule) Violated(e Expense) bool {
	for _, c := range r.BlockedCountries {
		if c == e.Country {
			return true
		}
	}
	return false
}

func (r GeoRule) Validate() error {
	if len(r.BlockedCountries) == 0 {
		return Invalid("blockedCountries", "geo rule requires at least one country")
	}
	return nil
}

// =============================================================================
// RULESET SERVICE - CRUD with version discipline
// =============================================================================

// RuleSet wraps the PolicyStore with version-bump and soft-delete rules.
type RuleSet struct {
	Policies PolicyStore
}

// Create validates and stores a new policy at version 1.
func (rs *RuleSet) Create(ctx context.Context, p Policy) (*Policy, error) {
	p.Version = 1
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := rs.Policies.SavePolicy(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Update supersedes the stored policy, bumping the version. The previous
// payload survives in evaluation snapshots, so this is safe for history.
func (rs *RuleSet) Update(ctx context.Context, id PolicyID, next Policy) (*Policy, error) {
	current, err := rs.Policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted() {
		return nil, &ConflictError{Op: "update", Message: "policy has been removed"}
	}

	next.ID = id
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := rs.Policies.SavePolicy(ctx, next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Toggle flips the active flag without a version bump.
func (rs *RuleSet) Toggle(ctx context.Context, id PolicyID) (*Policy, error) {
	p, err := rs.Policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Deleted() {
		return nil, &ConflictError{Op: "toggle", Message: "policy has been removed"}
	}
	p.IsActive = !p.IsActive
	p.UpdatedAt = time.Now().UTC()
	if err := rs.Policies.SavePolicy(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

// Remove soft-deletes the policy. Historical evaluations are untouched.
func (rs *RuleSet) Remove(ctx context.Context, id PolicyID) error {
	p, err := rs.Policies.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if p.Deleted() {
		return nil // already removed, idempotent
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	p.IsActive = false
	p.UpdatedAt = now
	return rs.Policies.SavePolicy(ctx, *p)
}
