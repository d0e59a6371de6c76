// Package plans defines the Glowdesk pricing catalogue and operation costs.
//
// The catalogue is immutable after construction. Stripe price IDs are
// injected from configuration at startup; everything else is hardcoded.
package plans

import "errors"

var ErrPlanNotFound = errors.New("plans: plan not found")

// Plan identifies a pricing tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanProPlus Plan = "pro_plus"
)

// Unlimited is the credit allowance sentinel meaning "do not meter".
// It is a mode, not a number: it is never decremented and never compared
// against ordinary balances.
const Unlimited = -1

// Operation identifies a metered feature.
type Operation string

const (
	OpBioRadar    Operation = "bio-radar-analysis"
	OpImagePrompt Operation = "image-prompt"
	OpAdCopy      Operation = "ad-generation"
	OpEbook       Operation = "ebook-generation"
)

// costs maps each metered operation to its credit cost.
var costs = map[Operation]int{
	OpBioRadar:    1,
	OpImagePrompt: 1,
	OpAdCopy:      2,
	OpEbook:       10,
}

// Config describes one pricing tier.
type Config struct {
	Plan              Plan        `json:"plan"`
	Name              string      `json:"name"`
	MonthlyPriceCents int64       `json:"monthlyPriceCents"`
	StripePriceID     string      `json:"-"`
	CreditAllowance   int         `json:"creditAllowance"` // -1 = unlimited
	Features          []Operation `json:"features"`
}

// HasFeature reports whether the plan is entitled to the operation.
func (c Config) HasFeature(op Operation) bool {
	for _, f := range c.Features {
		if f == op {
			return true
		}
	}
	return false
}

// Catalog exposes immutable plan metadata, ordered by ascending tier.
type Catalog struct {
	ordered []Config
	byPlan  map[Plan]Config
	rank    map[Plan]int
}

// PriceIDs carries the Stripe price references for the paid tiers.
type PriceIDs struct {
	Pro     string
	ProPlus string
}

// NewCatalog builds the catalogue with the given Stripe price IDs.
// Empty price IDs are allowed; checkout for those tiers will fail with a
// configuration error rather than a user error.
func NewCatalog(prices PriceIDs) *Catalog {
	ordered := []Config{
		{
			Plan:            PlanFree,
			Name:            "Free",
			CreditAllowance: 3,
			Features:        []Operation{OpBioRadar},
		},
		{
			Plan:              PlanPro,
			Name:              "Pro",
			MonthlyPriceCents: 4900,
			StripePriceID:     prices.Pro,
			CreditAllowance:   100,
			Features:          []Operation{OpBioRadar, OpImagePrompt, OpAdCopy, OpEbook},
		},
		{
			Plan:              PlanProPlus,
			Name:              "Pro Plus",
			MonthlyPriceCents: 9900,
			StripePriceID:     prices.ProPlus,
			CreditAllowance:   Unlimited,
			Features:          []Operation{OpBioRadar, OpImagePrompt, OpAdCopy, OpEbook},
		},
	}

	byPlan := make(map[Plan]Config, len(ordered))
	rank := make(map[Plan]int, len(ordered))
	for i, cfg := range ordered {
		byPlan[cfg.Plan] = cfg
		rank[cfg.Plan] = i
	}
	return &Catalog{ordered: ordered, byPlan: byPlan, rank: rank}
}

// Get returns the config for a plan.
func (c *Catalog) Get(p Plan) (Config, error) {
	cfg, ok := c.byPlan[p]
	if !ok {
		return Config{}, ErrPlanNotFound
	}
	return cfg, nil
}

// List returns all plans in ascending tier order.
func (c *Catalog) List() []Config {
	out := make([]Config, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// TierRank returns the plan's position in the tier ordering (0 = free).
// Unknown plans rank below free so an upgrade check against them fails closed.
func (c *Catalog) TierRank(p Plan) int {
	if r, ok := c.rank[p]; ok {
		return r
	}
	return -1
}

// ByStripePrice resolves a Stripe price ID back to its plan.
func (c *Catalog) ByStripePrice(priceID string) (Config, bool) {
	if priceID == "" {
		return Config{}, false
	}
	for _, cfg := range c.ordered {
		if cfg.StripePriceID == priceID {
			return cfg, true
		}
	}
	return Config{}, false
}

// Valid reports whether the plan name is recognised.
func (c *Catalog) Valid(p Plan) bool {
	_, ok := c.byPlan[p]
	return ok
}

// CostOf returns the credit cost of an operation.
func CostOf(op Operation) (int, bool) {
	cost, ok := costs[op]
	return cost, ok
}

// Operations returns all metered operations.
func Operations() []Operation {
	out := make([]Operation, 0, len(costs))
	for op := range costs {
		out = append(out, op)
	}
	return out
}
