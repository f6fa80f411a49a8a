package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryList(t *testing.T) {
	r := Default()
	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"break_even", "market_size", "unit_economics"}, names)

	_, ok := r.Get("market_size")
	assert.True(t, ok)
	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestCall(t *testing.T) {
	r := Default()

	out, err := r.Call(context.Background(), "market_size", json.RawMessage(`{"customers":5000,"annual_price":200}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tam":1000000,"sam":1000000,"som":50000}`, string(out))

	_, err = r.Call(context.Background(), "nope", nil)
	assert.ErrorContains(t, err, `unknown tool "nope"`)

	_, err = r.Call(context.Background(), "market_size", json.RawMessage(`[1,2]`))
	assert.ErrorContains(t, err, "decoding market_size arguments")
}

func TestMarketSize(t *testing.T) {
	tool := &MarketSizeTool{}
	tests := []struct {
		name    string
		input   map[string]any
		want    MarketSize
		wantErr string
	}{
		{
			name:  "shares",
			input: map[string]any{"customers": 1000.0, "annual_price": 120.0, "serviceable_share": 0.25, "obtainable_share": 0.1},
			want:  MarketSize{TAM: 120000, SAM: 30000, SOM: 3000},
		},
		{
			name:    "missing price",
			input:   map[string]any{"customers": 10.0},
			wantErr: "argument 'annual_price' is required",
		},
		{
			name:    "share out of range",
			input:   map[string]any{"customers": 10.0, "annual_price": 1.0, "serviceable_share": 1.5},
			wantErr: "between 0 and 1",
		},
		{
			name:    "wrong type",
			input:   map[string]any{"customers": "many", "annual_price": 1.0},
			wantErr: "must be a number",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tool.Execute(context.Background(), tt.input)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnitEconomics(t *testing.T) {
	tool := &UnitEconomicsTool{}

	got, err := tool.Execute(context.Background(), map[string]any{
		"monthly_price": 50.0, "monthly_cost": 10.0, "monthly_churn": 0.05, "cac": 200.0,
	})
	require.NoError(t, err)
	assert.Equal(t, UnitEconomics{GrossMargin: 0.8, LTV: 800, LTVToCAC: 4, PaybackMonths: 5}, got)

	got, err = tool.Execute(context.Background(), map[string]any{
		"monthly_price": 10.0, "monthly_cost": 12.0, "monthly_churn": 0.0, "cac": 100.0,
	})
	require.NoError(t, err)
	assert.Equal(t, UnitEconomics{GrossMargin: -0.2, LTV: -1, LTVToCAC: -1, PaybackMonths: -1}, got)

	_, err = tool.Execute(context.Background(), map[string]any{"monthly_price": 0.0, "monthly_churn": 0.1, "cac": 1.0})
	assert.ErrorContains(t, err, "must be positive")
}

func TestBreakEven(t *testing.T) {
	tool := &BreakEvenTool{}

	got, err := tool.Execute(context.Background(), map[string]any{
		"fixed_costs": 1000.0, "unit_price": 30.0, "variable_cost": 13.0,
	})
	require.NoError(t, err)
	assert.Equal(t, BreakEven{Units: 59, Revenue: 1770}, got)

	_, err = tool.Execute(context.Background(), map[string]any{
		"fixed_costs": 1000.0, "unit_price": 10.0, "variable_cost": 10.0,
	})
	assert.ErrorContains(t, err, "no break-even point")
}
