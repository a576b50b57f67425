package safety

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/models"
)

type staticMeta map[string]models.SymbolMetadata

func (m staticMeta) Get(ctx context.Context, symbol string, force bool) (models.SymbolMetadata, error) {
	md, ok := m[symbol]
	if !ok {
		return models.SymbolMetadata{}, errors.New("unknown symbol")
	}
	return md, nil
}

func newTestValidator(md ...models.SymbolMetadata) *Validator {
	m := staticMeta{}
	for _, x := range md {
		m[x.Symbol] = x
	}
	return NewValidator(m, DefaultConfig(), nil)
}

var xMeta = models.SymbolMetadata{Symbol: "X", ContractSize: 100, AmountStep: 1, MinAmount: 1, MaxAmount: 1e6, Active: true}

func TestAdjustKeepsOrderThatFits(t *testing.T) {
	v := newTestValidator(xMeta)
	adj := v.AdjustForMargin(context.Background(), "X", 100, 0.0001, 3, 47.75)
	require.True(t, adj.Feasible)
	assert.Equal(t, 100.0, adj.Amount)
	assert.Equal(t, 3, adj.Leverage)
	assert.InDelta(t, 0.3333, RequiredMargin(adj.Amount, 0.0001, 100, adj.Leverage), 1e-4)
}

func TestAdjustWithNoMarginIsInfeasible(t *testing.T) {
	v := newTestValidator(xMeta)
	for _, amount := range []float64{1, 100, 5000} {
		adj := v.AdjustForMargin(context.Background(), "X", amount, 2.5, 10, 0)
		assert.False(t, adj.Feasible)
		assert.Equal(t, 0.0, adj.Amount)
		assert.Equal(t, 1, adj.Leverage)
		assert.False(t, v.IsViable(context.Background(), "X", adj.Amount, 2.5, adj.Leverage).OK)
	}
}

func TestAdjustRejectsUnknownPrice(t *testing.T) {
	v := newTestValidator(xMeta)
	adj := v.AdjustForMargin(context.Background(), "X", 10, 0, 5, 100)
	assert.False(t, adj.Feasible)
	assert.Equal(t, Adjustment{Amount: 0, Leverage: 1}, adj)
}

func TestAdjustShrinksToUsableMargin(t *testing.T) {
	v := newTestValidator(xMeta)
	// 10 contracts of 100 units at 1.0 with 5x needs 200; only 90 usable.
	adj := v.AdjustForMargin(context.Background(), "X", 10, 1.0, 5, 100)
	require.True(t, adj.Feasible)
	assert.Equal(t, 4.0, adj.Amount)
	assert.Equal(t, 5, adj.Leverage)
}

func TestAdjustCapsLeverageAtExchangeMax(t *testing.T) {
	md := xMeta
	md.MaxLeverage = 20
	v := newTestValidator(md)
	adj := v.AdjustForMargin(context.Background(), "X", 1, 1.0, 50, 1000)
	assert.Equal(t, 20, adj.Leverage)
}

func TestAdjustMarginInvariantHolds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	metas := []models.SymbolMetadata{
		{Symbol: "A", ContractSize: 0.001, AmountStep: 1},
		{Symbol: "B", ContractSize: 10, AmountStep: 0.1, MaxAmount: 500},
		{Symbol: "C"},
	}
	v := newTestValidator(metas...)
	for i := 0; i < 2000; i++ {
		md := metas[rng.Intn(len(metas))]
		amount := rng.Float64() * 1000
		price := 0.00001 + rng.Float64()*60000
		leverage := rng.Intn(30) - 2
		available := 0.011 + rng.Float64()*5000

		adj := v.AdjustForMargin(context.Background(), md.Symbol, amount, price, leverage, available)
		assert.LessOrEqual(t, adj.Amount, amount)
		required := RequiredMargin(adj.Amount, price, md.Multiplier(), adj.Leverage)
		if !assert.LessOrEqual(t, required, 0.9*available, "case %d: %+v", i, adj) {
			return
		}
		if md.MaxAmount > 0 {
			assert.LessOrEqual(t, adj.Amount, md.MaxAmount)
		}
	}
}

func TestRequiredMarginGuards(t *testing.T) {
	assert.Equal(t, 0.0, RequiredMargin(0, 10, 1, 5))
	assert.Equal(t, 0.0, RequiredMargin(5, -1, 1, 5))
	assert.Equal(t, 50.0, RequiredMargin(5, 10, 1, 0))
	assert.Equal(t, 10.0, RequiredMargin(5, 10, 1, 5))
	assert.Equal(t, 1.0, RequiredMargin(5, 10, 0.1, 5))
}

func TestIsViableFloors(t *testing.T) {
	v := newTestValidator(models.SymbolMetadata{Symbol: "S", ContractSize: 1, Active: true})
	ctx := context.Background()

	assert.True(t, v.IsViable(ctx, "S", 1, 2, 1).OK)
	assert.False(t, v.IsViable(ctx, "S", 1, 0.5, 1).OK, "value below $1")
	assert.False(t, v.IsViable(ctx, "S", 1, 2, 25).OK, "margin below $0.10")
	assert.False(t, v.IsViable(ctx, "S", 0, 2, 1).OK)
}

func TestValidateLocally(t *testing.T) {
	md := models.SymbolMetadata{Symbol: "S", MinAmount: 1, MaxAmount: 100, MinCost: 5, MaxCost: 1000, ContractSize: 1, Active: true}
	inactive := models.SymbolMetadata{Symbol: "OFF", Active: false}
	v := newTestValidator(md, inactive)
	ctx := context.Background()

	cases := []struct {
		name   string
		symbol string
		amount float64
		price  float64
		ok     bool
	}{
		{"within bounds", "S", 10, 10, true},
		{"below min amount", "S", 0.5, 10, false},
		{"above max amount", "S", 101, 1, false},
		{"below min cost", "S", 2, 1, false},
		{"above max cost", "S", 50, 100, false},
		{"market order skips cost", "S", 2, 0, true},
		{"inactive", "OFF", 10, 10, false},
		{"non-positive amount", "S", 0, 10, false},
		{"missing metadata passes", "NOPE", 10, 10, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := v.ValidateLocally(ctx, tc.symbol, tc.amount, tc.price)
			assert.Equal(t, tc.ok, got.OK, got.Reason)
			if !tc.ok {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestCheckAvailableMargin(t *testing.T) {
	v := newTestValidator(models.SymbolMetadata{Symbol: "S", ContractSize: 1, Active: true})
	ctx := context.Background()
	balance := func(free float64) AvailableFunc {
		return func(context.Context) (float64, error) { return free, nil }
	}

	// 10 * 10 / 2 = 50, plus 5% = 52.5
	mc := v.CheckAvailableMargin(ctx, "S", 10, 10, 2, balance(52.5))
	assert.True(t, mc.Sufficient)
	assert.InDelta(t, 52.5, mc.Required, 1e-9)

	mc = v.CheckAvailableMargin(ctx, "S", 10, 10, 2, balance(52))
	assert.False(t, mc.Sufficient)
	assert.Contains(t, mc.Reason, "insufficient margin")

	mc = v.CheckAvailableMargin(ctx, "S", 10, 10, 2, func(context.Context) (float64, error) {
		return 0, errors.New("timeout")
	})
	assert.True(t, mc.Sufficient, "unknown balance fails open")
}

func book() models.OrderBook {
	return models.OrderBook{
		Symbol: "S",
		Asks: []models.PriceLevel{
			{Price: 100, Size: 5},
			{Price: 100.2, Size: 5},
			{Price: 103, Size: 50},
		},
		Bids: []models.PriceLevel{{Price: 99.9, Size: 100}},
	}
}

func TestProtectLiquidityLeavesSmallOrders(t *testing.T) {
	v := newTestValidator()
	res := v.ProtectLiquidity(book(), models.SideBuy, 8)
	assert.False(t, res.Adjusted)
	assert.Equal(t, 8.0, res.Amount)
	assert.Empty(t, res.Warning)
}

func TestProtectLiquidityShrinksTowardDepth(t *testing.T) {
	v := newTestValidator()
	// 12 lots reach the 103 level; only the first 10 sit within 0.5%.
	res := v.ProtectLiquidity(book(), models.SideBuy, 12)
	assert.True(t, res.Adjusted)
	assert.Equal(t, 10.0, res.Amount)
	assert.Empty(t, res.Warning)
	assert.LessOrEqual(t, res.Slippage, 0.005)
}

func TestProtectLiquidityHonoursFloor(t *testing.T) {
	v := newTestValidator()
	res := v.ProtectLiquidity(book(), models.SideBuy, 40)
	assert.True(t, res.Adjusted)
	assert.InDelta(t, 28.0, res.Amount, 1e-9)
	assert.NotEmpty(t, res.Warning)
}

func TestIsLarge(t *testing.T) {
	v := newTestValidator()
	assert.True(t, v.IsLarge(1, 10000, 1))
	assert.False(t, v.IsLarge(1, 9999, 1))
	assert.True(t, v.IsLarge(1000, 50000, 0.001))
	assert.False(t, v.IsLarge(100, 50000, 0.001))
	assert.False(t, v.IsLarge(100, 0, 1))
}
