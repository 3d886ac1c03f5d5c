/*
seed.go - Demo data loader

PURPOSE:
  Populates a fresh database with a realistic starter configuration so
  the console is usable immediately: a handful of compliance policies,
  the mandatory ALL-fallback approval chain plus an escalation chain,
  and two demo cards.

USAGE:
  Loaded at startup with the -seed flag, or on demand:
    POST /api/admin/seed

  Seeding is idempotent by ID: reloading overwrites the same demo rows
  instead of duplicating them.

SEE ALSO:
  - cmd/server/main.go: -seed flag
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/engine"
)

// LoadSeed populates demo configuration data.
func (h *Handler) LoadSeed(w http.ResponseWriter, r *http.Request) {
	if err := Seed(r.Context(), h.Store); err != nil {
		h.writeEngineError(w, err, "Failed to load seed data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seeded"})
}

// Seed writes the demo policies, chain rules and cards.
func Seed(ctx context.Context, store engine.Store) error {
	now := time.Now().UTC()

	policies := []engine.Policy{
		{
			ID:       "seed-meals-cap",
			Name:     "Meals cap",
			Type:     engine.PolicyAmount,
			Rule:     engine.AmountRule{Category: "Meals", MaxAmount: engine.NewMoneyFromInt(5000)},
			Severity: engine.SeveritySoft,
			IsActive: true,
			Version:  1,
		},
		{
			ID:       "seed-receipt-required",
			Name:     "Receipt required above 500",
			Type:     engine.PolicyReceipt,
			Rule:     engine.ReceiptRule{Threshold: engine.NewMoneyFromInt(500)},
			Severity: engine.SeverityHard,
			IsActive: true,
			Version:  1,
		},
		{
			ID:       "seed-blocked-mccs",
			Name:     "Blocked merchant categories",
			Type:     engine.PolicyMCC,
			Rule:     engine.MCCRule{Blocked: []string{"7995", "7273"}},
			Severity: engine.SeverityHard,
			IsActive: true,
			Version:  1,
		},
	}
	for _, p := range policies {
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := store.SavePolicy(ctx, p); err != nil {
			return err
		}
	}

	rules := []engine.ApprovalChainRule{
		{
			ID:        "seed-chain-default",
			Name:      "Default single approver",
			AmountMin: decimal.Zero,
			AmountMax: engine.NewMoneyFromInt(50000),
			Category:  engine.CategoryAll,
			Chain:     []engine.ChainStep{{Role: "MANAGER", Level: 1}},
			IsActive:  true,
			CreatedAt: now,
		},
		{
			ID:        "seed-chain-escalation",
			Name:      "High value escalation",
			AmountMin: engine.NewMoneyFromInt(50000),
			AmountMax: engine.NewMoneyFromInt(10000000),
			Category:  engine.CategoryAll,
			Chain: []engine.ChainStep{
				{Role: "MANAGER", Level: 1},
				{Role: "FINANCE", Level: 2},
			},
			IsActive:  true,
			CreatedAt: now,
		},
	}
	for _, rule := range rules {
		if err := store.SaveChainRule(ctx, rule); err != nil {
			return err
		}
	}

	cards := []engine.Card{
		{ID: "seed-card-1", EmployeeID: "emp-1", Last4: "4821", Status: engine.CardActive,
			SpendLimit: engine.NewMoneyFromInt(100000), Version: 1, UpdatedAt: now},
		{ID: "seed-card-2", EmployeeID: "emp-2", Last4: "9034", Status: engine.CardActive,
			SpendLimit: engine.NewMoneyFromInt(50000), Version: 1, UpdatedAt: now},
	}
	for _, c := range cards {
		if err := store.SaveCard(ctx, c); err != nil {
			return err
		}
	}

	return nil
}
