/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts the JSON rule payloads admins submit into typed engine rules
  and back. The console stores and transmits policies as JSON; the engine
  only ever sees the typed union, so "stringly-typed field probing" stops
  at this boundary.

JSON SCHEMA:
  {
    "id": "meals-cap",
    "name": "Meals cap",
    "type": "AMOUNT",
    "severity": "SOFT",
    "is_active": true,
    "rules": {
      "category": "Meals",
      "max_amount": 5000
    }
  }

  Per-type rule fields:
    AMOUNT:   category (optional), max_amount
    CATEGORY: category, max_amount
    RECEIPT:  threshold
    MCC:      blocked_mccs
    GEO:      blocked_countries

KEY FEATURES:
  - Rejects unknown types and missing required fields with a
    ValidationError before anything is stored
  - Serializes typed rules back to JSON for storage snapshots

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(jsonStr)

SEE ALSO:
  - engine/policy.go: The typed rule union
  - store/sqlite/sqlite.go: Stores the serialized payload
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/compliance-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy.
type PolicyJSON struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	IsActive bool      `json:"is_active"`
	Version  int       `json:"version,omitempty"`
	Rules    RulesJSON `json:"rules"`
}

// RulesJSON is the union of every rule payload's fields. Which fields are
// required depends on the policy type.
type RulesJSON struct {
	Category         string   `json:"category,omitempty"`
	MaxAmount        *float64 `json:"max_amount,omitempty"`
	Threshold        *float64 `json:"threshold,omitempty"`
	BlockedMCCs      []string `json:"blocked_mccs,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to engine structs and back.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into an engine.Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*engine.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to engine.Policy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*engine.Policy, error) {
	rule, err := f.ruleFromJSON(engine.PolicyType(pj.Type), pj.Rules)
	if err != nil {
		return nil, err
	}

	policy := &engine.Policy{
		ID:       engine.PolicyID(pj.ID),
		Name:     pj.Name,
		Type:     engine.PolicyType(pj.Type),
		Rule:     rule,
		Severity: engine.Severity(pj.Severity),
		IsActive: pj.IsActive,
		Version:  pj.Version,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (f *PolicyFactory) ruleFromJSON(t engine.PolicyType, rj RulesJSON) (engine.PolicyRule, error) {
	switch t {
	case engine.PolicyAmount:
		if rj.MaxAmount == nil {
			return nil, engine.Invalid("rules.max_amount", "AMOUNT policy requires max_amount")
		}
		return engine.AmountRule{
			Category:  rj.Category,
			MaxAmount: decimal.NewFromFloat(*rj.MaxAmount),
		}, nil
	case engine.PolicyCategory:
		if rj.MaxAmount == nil {
			return nil, engine.Invalid("rules.max_amount", "CATEGORY policy requires max_amount")
		}
		return engine.CategoryRule{
			Category:  rj.Category,
			MaxAmount: decimal.NewFromFloat(*rj.MaxAmount),
		}, nil
	case engine.PolicyReceipt:
		if rj.Threshold == nil {
			return nil, engine.Invalid("rules.threshold", "RECEIPT policy requires threshold")
		}
		return engine.ReceiptRule{
			Threshold: decimal.NewFromFloat(*rj.Threshold),
		}, nil
	case engine.PolicyMCC:
		return engine.MCCRule{Blocked: rj.BlockedMCCs}, nil
	case engine.PolicyGeo:
		return engine.GeoRule{BlockedCountries: rj.BlockedCountries}, nil
	default:
		return nil, engine.Invalid("type", fmt.Sprintf("unknown policy type %q", t))
	}
}

// =============================================================================
// SERIALIZATION - typed rule back to storage JSON
// =============================================================================

// RuleToJSON serializes a typed rule payload for storage.
func RuleToJSON(rule engine.PolicyRule) (string, error) {
	var rj RulesJSON
	switch r := rule.(type) {
	case engine.AmountRule:
		v, _ := r.MaxAmount.Float64()
		rj = RulesJSON{Category: r.Category, MaxAmount: &v}
	case engine.CategoryRule:
		v, _ := r.MaxAmount.Float64()
		rj = RulesJSON{Category: r.Category, MaxAmount: &v}
	case engine.ReceiptRule:
		v, _ := r.Threshold.Float64()
		rj = RulesJSON{Threshold: &v}
	case engine.MCCRule:
		rj = RulesJSON{BlockedMCCs: r.Blocked}
	case engine.GeoRule:
		rj = RulesJSON{BlockedCountries: r.BlockedCountries}
	default:
		return "", engine.Invalid("rules", "unknown rule payload type")
	}
	b, err := json.Marshal(rj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RuleFromJSON deserializes a stored rule payload for the given type.
func RuleFromJSON(t engine.PolicyType, payload string) (engine.PolicyRule, error) {
	var rj RulesJSON
	if err := json.Unmarshal([]byte(payload), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse stored rule payload: %w", err)
	}
	return (&PolicyFactory{}).ruleFromJSON(t, rj)
}
