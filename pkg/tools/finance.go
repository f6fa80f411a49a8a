package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

func number(input map[string]any, key string, required bool) (float64, error) {
	v, ok := input[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("argument '%s' is required", key)
		}
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("argument '%s' must be a number", key)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("argument '%s' must be a non-negative number", key)
	}
	return f, nil
}

func fraction(input map[string]any, key string, def float64) (float64, error) {
	if _, ok := input[key]; !ok {
		return def, nil
	}
	f, err := number(input, key, true)
	if err != nil {
		return 0, err
	}
	if f > 1 {
		return 0, fmt.Errorf("argument '%s' must be between 0 and 1", key)
	}
	return f, nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func numberSchema(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

// --- Market Size Tool ---

// MarketSizeTool estimates TAM, SAM and SOM bottom-up.
type MarketSizeTool struct{}

func (t *MarketSizeTool) Name() string { return "market_size" }

func (t *MarketSizeTool) Description() string {
	return "Estimate total, serviceable and obtainable market (TAM/SAM/SOM) from a customer count and an annual price."
}

func (t *MarketSizeTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"customers":         numberSchema("Number of potential customers in the total market."),
			"annual_price":      numberSchema("Annual revenue per customer."),
			"serviceable_share": numberSchema("Share of the market the product can serve (0-1, default 1)."),
			"obtainable_share":  numberSchema("Share of the serviceable market that can realistically be won (0-1, default 0.05)."),
		},
		"required": []string{"customers", "annual_price"},
	}
}

// MarketSize is the market_size result.
type MarketSize struct {
	TAM float64 `json:"tam"`
	SAM float64 `json:"sam"`
	SOM float64 `json:"som"`
}

func (t *MarketSizeTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	customers, err := number(input, "customers", true)
	if err != nil {
		return nil, err
	}
	price, err := number(input, "annual_price", true)
	if err != nil {
		return nil, err
	}
	serviceable, err := fraction(input, "serviceable_share", 1)
	if err != nil {
		return nil, err
	}
	obtainable, err := fraction(input, "obtainable_share", 0.05)
	if err != nil {
		return nil, err
	}

	slog.Debug("Sizing market", "customers", customers, "annualPrice", price)
	tam := customers * price
	sam := tam * serviceable
	return MarketSize{TAM: round2(tam), SAM: round2(sam), SOM: round2(sam * obtainable)}, nil
}

// --- Unit Economics Tool ---

// UnitEconomicsTool computes margin, lifetime value and CAC payback.
type UnitEconomicsTool struct{}

func (t *UnitEconomicsTool) Name() string { return "unit_economics" }

func (t *UnitEconomicsTool) Description() string {
	return "Compute gross margin, customer lifetime value, LTV/CAC ratio and CAC payback from monthly price, cost, churn and acquisition cost."
}

func (t *UnitEconomicsTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"monthly_price": numberSchema("Monthly revenue per customer."),
			"monthly_cost":  numberSchema("Monthly cost to serve one customer."),
			"monthly_churn": numberSchema("Share of customers lost per month (0-1)."),
			"cac":           numberSchema("Cost to acquire one customer."),
		},
		"required": []string{"monthly_price", "monthly_churn", "cac"},
	}
}

// UnitEconomics is the unit_economics result. Values that are unbounded
// (zero churn, zero margin) are reported as -1.
type UnitEconomics struct {
	GrossMargin   float64 `json:"gross_margin"`
	LTV           float64 `json:"ltv"`
	LTVToCAC      float64 `json:"ltv_to_cac"`
	PaybackMonths float64 `json:"payback_months"`
}

func (t *UnitEconomicsTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	price, err := number(input, "monthly_price", true)
	if err != nil {
		return nil, err
	}
	cost, err := number(input, "monthly_cost", false)
	if err != nil {
		return nil, err
	}
	churn, err := fraction(input, "monthly_churn", 0)
	if err != nil {
		return nil, err
	}
	cac, err := number(input, "cac", true)
	if err != nil {
		return nil, err
	}
	if price == 0 {
		return nil, fmt.Errorf("argument 'monthly_price' must be positive")
	}

	contribution := price - cost
	out := UnitEconomics{GrossMargin: round2(contribution / price), LTV: -1, LTVToCAC: -1, PaybackMonths: -1}
	if churn > 0 {
		out.LTV = round2(contribution / churn)
		if cac > 0 {
			out.LTVToCAC = round2(out.LTV / cac)
		}
	}
	if contribution > 0 {
		out.PaybackMonths = round2(cac / contribution)
	}
	return out, nil
}

// --- Break Even Tool ---

// BreakEvenTool finds the sales volume that covers fixed costs.
type BreakEvenTool struct{}

func (t *BreakEvenTool) Name() string { return "break_even" }

func (t *BreakEvenTool) Description() string {
	return "Compute the number of units that must be sold to cover fixed costs."
}

func (t *BreakEvenTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fixed_costs":   numberSchema("Fixed costs for the period."),
			"unit_price":    numberSchema("Price per unit."),
			"variable_cost": numberSchema("Variable cost per unit."),
		},
		"required": []string{"fixed_costs", "unit_price", "variable_cost"},
	}
}

// BreakEven is the break_even result.
type BreakEven struct {
	Units   float64 `json:"units"`
	Revenue float64 `json:"revenue"`
}

func (t *BreakEvenTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	fixed, err := number(input, "fixed_costs", true)
	if err != nil {
		return nil, err
	}
	price, err := number(input, "unit_price", true)
	if err != nil {
		return nil, err
	}
	variable, err := number(input, "variable_cost", true)
	if err != nil {
		return nil, err
	}
	if price <= variable {
		return nil, fmt.Errorf("unit price %.2f does not exceed variable cost %.2f: no break-even point", price, variable)
	}
	units := math.Ceil(fixed / (price - variable))
	return BreakEven{Units: units, Revenue: round2(units * price)}, nil
}
