package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/config"
	"tradegate/internal/errclass"
	"tradegate/internal/kucoin"
	"tradegate/internal/schedule"
	"tradegate/models"
)

type fakeVenue struct {
	mu sync.Mutex

	contracts []models.SymbolMetadata
	tickers   map[string]models.Ticker
	tickerErr map[string]error
	candles   []models.Candle
	book      models.OrderBook
	balance   models.Balance
	positions []models.Position
	serverAt  time.Duration

	// placeErrs are returned by successive PlaceOrder calls until exhausted.
	placeErrs []error

	placed         []kucoin.OrderParams
	calls          map[string]int
	marginModeSets int
	leverageSets   int
	offset         time.Duration
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		contracts: []models.SymbolMetadata{{
			Symbol:       "XBTUSDTM",
			MinAmount:    1,
			MaxAmount:    1000000,
			AmountStep:   1,
			PriceTick:    0.1,
			ContractSize: 0.001,
			MaxLeverage:  100,
			Active:       true,
		}},
		tickers: map[string]models.Ticker{
			"XBTUSDTM": {Symbol: "XBTUSDTM", Last: 50000, Bid: 49999, Ask: 50001},
		},
		tickerErr: map[string]error{},
		balance:   models.Balance{Currency: "USDT", Available: 100000},
		calls:     map[string]int{},
	}
}

func (v *fakeVenue) count(name string) {
	v.mu.Lock()
	v.calls[name]++
	v.mu.Unlock()
}

func (v *fakeVenue) callCount(name string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[name]
}

func (v *fakeVenue) ServerTime(ctx context.Context) (time.Time, error) {
	v.count("server_time")
	return time.Now().Add(v.serverAt), nil
}

func (v *fakeVenue) Contracts(ctx context.Context) ([]models.SymbolMetadata, error) {
	v.count("contracts")
	return v.contracts, nil
}

func (v *fakeVenue) Ticker(ctx context.Context, symbol string) (models.Ticker, error) {
	v.count("ticker")
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.tickerErr[symbol]; err != nil {
		return models.Ticker{}, err
	}
	t, ok := v.tickers[symbol]
	if !ok {
		t = models.Ticker{Symbol: symbol, Last: 1, Bid: 1, Ask: 1}
	}
	return t, nil
}

func (v *fakeVenue) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	v.count("klines")
	rows := v.candles
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

func (v *fakeVenue) OrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	v.count("order_book")
	return v.book, nil
}

func (v *fakeVenue) Balance(ctx context.Context, currency string) (models.Balance, error) {
	v.count("balance")
	return v.balance, nil
}

func (v *fakeVenue) Positions(ctx context.Context) ([]models.Position, error) {
	v.count("positions")
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.Position(nil), v.positions...), nil
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, p kucoin.OrderParams) (kucoin.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, p)
	if len(v.placeErrs) > 0 {
		err := v.placeErrs[0]
		v.placeErrs = v.placeErrs[1:]
		if err != nil {
			return kucoin.OrderAck{}, err
		}
	}
	return kucoin.OrderAck{OrderID: fmt.Sprintf("oid-%d", len(v.placed)), ClientOID: p.ClientOID}, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, orderID string) error {
	v.count("cancel")
	return nil
}

func (v *fakeVenue) SetCrossLeverage(ctx context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	v.leverageSets++
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) SetMarginMode(ctx context.Context, symbol, mode string) error {
	v.mu.Lock()
	v.marginModeSets++
	v.mu.Unlock()
	return nil
}

func (v *fakeVenue) SetTimeOffset(d time.Duration) {
	v.mu.Lock()
	v.offset = d
	v.mu.Unlock()
}

func (v *fakeVenue) orders() []kucoin.OrderParams {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]kucoin.OrderParams(nil), v.placed...)
}

type fakeFeed struct {
	mu      sync.Mutex
	tickers map[string]models.Ticker
	candles map[string][]models.Candle
	seeded  map[string][]models.Candle
	subs    []string
	closed  bool
	// refuse makes candle subscriptions fail as they do at the cap.
	refuse bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		tickers: map[string]models.Ticker{},
		candles: map[string][]models.Candle{},
		seeded:  map[string][]models.Candle{},
	}
}

func (f *fakeFeed) SubscribeTicker(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, "ticker:"+symbol)
	return true
}

func (f *fakeFeed) SubscribeCandles(symbol, timeframe string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.subs = append(f.subs, "candles:"+symbol+":"+timeframe)
	return true
}

func (f *fakeFeed) SubscribeOrderBook(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, "book:"+symbol)
	return true
}

func (f *fakeFeed) Ticker(symbol string) (models.Ticker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[symbol]
	return t, ok
}

func (f *fakeFeed) OHLCV(symbol, timeframe string, limit int) ([]models.Candle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.candles[symbol+":"+timeframe]
	if len(rows) < limit {
		return nil, false
	}
	return rows[len(rows)-limit:], true
}

func (f *fakeFeed) OrderBook(symbol string) (models.OrderBook, bool) {
	return models.OrderBook{}, false
}

func (f *fakeFeed) SeedCandles(symbol, timeframe string, history []models.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded[symbol+":"+timeframe] = history
}

func (f *fakeFeed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []models.OrderResult
}

func (r *fakeRecorder) Record(res models.OrderResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *fakeRecorder) all() []models.OrderResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderResult(nil), r.results...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SchedulerMaxWait = 50 * time.Millisecond
	cfg.Retry = errclass.Settings{BaseAttempts: 2, CriticalMultiplier: 2, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	cfg.CallTimeout = time.Second
	cfg.CloseBackoff = time.Millisecond
	cfg.CloseAttempts = 3
	return cfg
}

func newTestClient(t *testing.T, v *fakeVenue, opts ...Option) (*Client, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	c := New(v, testConfig(), append([]Option{WithRecorder(rec)}, opts...)...)
	t.Cleanup(c.Close)
	return c, rec
}

func apiErr(code, msg string) error {
	return errclass.NewAPIError("kucoin", errclass.WithHTTP(200), errclass.WithCode(code), errclass.WithMessage(msg))
}

func TestReduceOnlyOrderSkipsMarginAndSettings(t *testing.T) {
	v := newFakeVenue()
	v.balance.Available = 0
	c, rec := newTestClient(t, v)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideSell, 3, 10, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaced, res.Status)
	assert.Equal(t, 0, v.callCount("balance"))
	assert.Zero(t, v.marginModeSets)
	assert.Zero(t, v.leverageSets)

	orders := v.orders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, "3", orders[0].Size.String())
	assert.Len(t, rec.all(), 1)
}

func TestSettingsAppliedOncePerSymbol(t *testing.T) {
	v := newFakeVenue()
	c, _ := newTestClient(t, v)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.PlaceMarketOrder(ctx, "BTCUSDT", models.SideBuy, 2, 5, false)
		require.NoError(t, err)
		require.Equal(t, models.StatusPlaced, res.Status, res.Reason)
		assert.Equal(t, "XBTUSDTM", res.Symbol)
	}
	assert.Equal(t, 1, v.marginModeSets)
	assert.Equal(t, 1, v.leverageSets)

	_, err := c.PlaceMarketOrder(ctx, "XBTUSDTM", models.SideBuy, 2, 8, false)
	require.NoError(t, err)
	assert.Equal(t, 1, v.marginModeSets)
	assert.Equal(t, 2, v.leverageSets)
}

func TestOrderBelowMinimumRejectedLocally(t *testing.T) {
	v := newFakeVenue()
	v.contracts[0].MinAmount = 5
	c, rec := newTestClient(t, v)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 2, 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "below minimum")
	assert.Empty(t, v.orders())

	recorded := rec.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, models.StatusRejected, recorded[0].Status)
}

func TestOrderInfeasibleWithoutMargin(t *testing.T) {
	v := newFakeVenue()
	v.balance.Available = 0
	c, _ := newTestClient(t, v)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 10, 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInfeasible, res.Status)
	assert.NotEmpty(t, res.Reason)
	assert.Empty(t, v.orders())
}

func TestOrderShrunkToAvailableMargin(t *testing.T) {
	v := newFakeVenue()
	v.tickers["XBTUSDTM"] = models.Ticker{Symbol: "XBTUSDTM", Last: 50000, Bid: 50000, Ask: 50000}
	v.balance.Available = 103
	c, _ := newTestClient(t, v)

	// Each lot needs 50000*0.001/5 = 10 USDT; 90% of 103 affords 9 lots.
	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 100, 5, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaced, res.Status, res.Reason)
	assert.Equal(t, 9.0, res.Amount)

	orders := v.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "9", orders[0].Size.String())
	assert.Equal(t, 5, orders[0].Leverage)
}

func TestLimitOrderPriceRoundedToTick(t *testing.T) {
	v := newFakeVenue()
	c, _ := newTestClient(t, v)

	res, err := c.PlaceLimitOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 49999.87, 5, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaced, res.Status, res.Reason)

	orders := v.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "limit", orders[0].Type)
	assert.Equal(t, "49999.9", orders[0].Price.String())
	assert.NotEmpty(t, orders[0].ClientOID)
	assert.Equal(t, orders[0].ClientOID, res.ClientOrderID)
}

func TestLimitOrderWithoutPriceRejected(t *testing.T) {
	c, _ := newTestClient(t, newFakeVenue())
	res, err := c.PlaceLimitOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 0, 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
}

func TestExchangeRejectionIsAResult(t *testing.T) {
	v := newFakeVenue()
	v.placeErrs = []error{apiErr("300003", "Balance insufficient")}
	c, _ := newTestClient(t, v)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "Balance insufficient")
	assert.Len(t, v.orders(), 1, "non-retryable rejections are not retried")
}

func TestTransientFailuresRetriedWithSameClientOID(t *testing.T) {
	v := newFakeVenue()
	v.placeErrs = []error{apiErr("500000", "system busy"), apiErr("500000", "system busy")}
	c, _ := newTestClient(t, v)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaced, res.Status)

	orders := v.orders()
	require.Len(t, orders, 3)
	assert.Equal(t, orders[0].ClientOID, orders[2].ClientOID)
}

func TestFatalErrorPropagates(t *testing.T) {
	v := newFakeVenue()
	v.placeErrs = []error{apiErr("400003", "KC-API-KEY not exists")}
	c, rec := newTestClient(t, v)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 5, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrFatal)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Len(t, rec.all(), 1)
}

func TestClosePositionAlreadyFlat(t *testing.T) {
	v := newFakeVenue()
	c, _ := newTestClient(t, v)

	res, err := c.ClosePosition(context.Background(), "XBTUSDTM", CloseOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, models.StatusClosed, res.Status)
	assert.True(t, res.AlreadyFlat)
	assert.Empty(t, v.orders())
}

func TestClosePositionNoPositionCodeIsSuccess(t *testing.T) {
	v := newFakeVenue()
	v.positions = []models.Position{{Symbol: "XBTUSDTM", Quantity: 4, Leverage: 5}}
	v.placeErrs = []error{apiErr("300009", "No open positions to close.")}
	c, _ := newTestClient(t, v)

	res, err := c.ClosePosition(context.Background(), "XBTUSDTM", CloseOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Status)
	assert.True(t, res.AlreadyFlat)
	assert.Len(t, v.orders(), 1)
	assert.Equal(t, 1, v.callCount("positions"))
}

func TestClosePositionRetriesWholeSequence(t *testing.T) {
	v := newFakeVenue()
	v.positions = []models.Position{{Symbol: "XBTUSDTM", Quantity: -4, Leverage: 5}}
	v.placeErrs = []error{apiErr("300003", "Balance insufficient")}
	c, _ := newTestClient(t, v)

	res, err := c.ClosePosition(context.Background(), "XBTUSDTM", CloseOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Status)
	assert.False(t, res.AlreadyFlat)
	assert.Equal(t, models.SideBuy, res.Side)
	assert.Equal(t, 2, v.callCount("positions"))

	orders := v.orders()
	require.Len(t, orders, 2)
	assert.True(t, orders[1].CloseOrder)
	assert.NotEqual(t, orders[0].ClientOID, orders[1].ClientOID)
}

func TestClosePositionGivesUpAfterAttempts(t *testing.T) {
	v := newFakeVenue()
	v.positions = []models.Position{{Symbol: "XBTUSDTM", Quantity: 2}}
	rejected := apiErr("300003", "Balance insufficient")
	v.placeErrs = []error{rejected, rejected, rejected}
	c, rec := newTestClient(t, v)

	res, err := c.ClosePosition(context.Background(), "XBTUSDTM", CloseOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Len(t, v.orders(), 3)
	assert.Len(t, rec.all(), 1, "only the final outcome is journaled")
}

func TestClosePositionWithLimitPrice(t *testing.T) {
	v := newFakeVenue()
	v.positions = []models.Position{{Symbol: "XBTUSDTM", Quantity: 3, Leverage: 5}}
	v.tickers["XBTUSDTM"] = models.Ticker{Symbol: "XBTUSDTM", Last: 100, Bid: 100, Ask: 101}
	c, _ := newTestClient(t, v)

	res, err := c.ClosePosition(context.Background(), "XBTUSDTM", CloseOptions{UseLimit: true, SlippageTolerance: 0.01})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Status)

	orders := v.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "sell", orders[0].Side)
	assert.Equal(t, "limit", orders[0].Type)
	assert.Equal(t, "99", orders[0].Price.String())
	assert.Equal(t, "3", orders[0].Size.String())
	assert.True(t, orders[0].ReduceOnly)
	assert.False(t, orders[0].CloseOrder)
}

func TestGetTickerPrefersFreshStream(t *testing.T) {
	v := newFakeVenue()
	feed := newFakeFeed()
	feed.tickers["XBTUSDTM"] = models.Ticker{Symbol: "XBTUSDTM", Last: 1}
	c, _ := newTestClient(t, v, WithFeed(feed))
	ctx := context.Background()

	tk, ok, err := c.GetTicker(ctx, "BTCUSDT", schedule.Normal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, tk.Last)
	assert.Equal(t, 0, v.callCount("ticker"))

	_, ok, err = c.GetTicker(ctx, "ETHUSDTM", schedule.Normal)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v.callCount("ticker"))
	assert.Contains(t, feed.subs, "ticker:ETHUSDTM")
}

func TestGetOHLCVFallsBackAndSeedsStream(t *testing.T) {
	v := newFakeVenue()
	for i := int64(1); i <= 30; i++ {
		v.candles = append(v.candles, models.Candle{Timestamp: i * 60000, Close: float64(i)})
	}
	feed := newFakeFeed()
	c, _ := newTestClient(t, v, WithFeed(feed))

	rows, ok, err := c.GetOHLCV(context.Background(), "XBTUSDTM", "1m", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, 10)
	assert.Equal(t, int64(30*60000), rows[9].Timestamp)
	assert.Contains(t, feed.subs, "candles:XBTUSDTM:1m")
	assert.Len(t, feed.seeded["XBTUSDTM:1m"], 10)

	feed.candles["XBTUSDTM:1m"] = rows
	before := v.callCount("klines")
	_, ok, err = c.GetOHLCV(context.Background(), "XBTUSDTM", "1m", 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before, v.callCount("klines"))
}

func TestScanTickersSkipsMissingSymbols(t *testing.T) {
	v := newFakeVenue()
	v.tickerErr["BADUSDTM"] = apiErr("400100", "contract does not exist")
	c, _ := newTestClient(t, v)

	got, err := c.ScanTickers(context.Background(), []string{"XBTUSDTM", "ETHUSDTM", "SOLUSDTM", "BADUSDTM"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Contains(t, got, "XBTUSDTM")
	assert.NotContains(t, got, "BADUSDTM")
}

func TestScanTickersStopsOnFatal(t *testing.T) {
	v := newFakeVenue()
	v.tickerErr["ETHUSDTM"] = errclass.Fatal(errors.New("bad key"))
	c, _ := newTestClient(t, v)

	_, err := c.ScanTickers(context.Background(), []string{"XBTUSDTM", "ETHUSDTM"})
	assert.ErrorIs(t, err, errclass.ErrFatal)
}

func TestCheckClockSyncAppliesOffset(t *testing.T) {
	v := newFakeVenue()
	v.serverAt = 2 * time.Second
	c, _ := newTestClient(t, v)

	r := c.CheckClockSync(context.Background())
	assert.True(t, r.InSync)
	assert.InDelta(t, float64(2*time.Second), float64(v.offset), float64(200*time.Millisecond))

	c.CheckClockSync(context.Background())
	assert.Equal(t, 1, v.callCount("server_time"), "second check within the interval is cached")
}

func TestClosedClientRefusesOrders(t *testing.T) {
	v := newFakeVenue()
	feed := newFakeFeed()
	c, _ := newTestClient(t, v, WithFeed(feed))
	c.Close()
	assert.True(t, feed.closed)

	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 5, false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, models.StatusFailed, res.Status)

	_, ok, err := c.GetTicker(context.Background(), "XBTUSDTM", schedule.Normal)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v.orders())
}

func TestConfigFromOverridesDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Exchange.DefaultLeverage = 3
	cfg.Retry.MaxAttempts = 4
	cfg.Retry.CircuitBreaker.Enabled = true
	cfg.Positions.CloseAttempts = 7
	cfg.Scanner.MaxWorkers = 2
	cfg.Safety.MaxSlippage = 0.01

	got := ConfigFrom(cfg)
	assert.Equal(t, 3, got.DefaultLeverage)
	assert.Equal(t, 4, got.Retry.BaseAttempts)
	assert.True(t, got.Breaker.Enabled)
	assert.Equal(t, 5, got.Breaker.Threshold)
	assert.Equal(t, 7, got.CloseAttempts)
	assert.Equal(t, 2, got.ScanWorkers)
	assert.Equal(t, 0.01, got.Safety.MaxSlippage)
	assert.Equal(t, "CROSS", got.MarginMode)
}

func TestAccountReadsAndCancel(t *testing.T) {
	v := newFakeVenue()
	v.positions = []models.Position{{Symbol: "XBTUSDTM", Quantity: -4}}
	c, _ := newTestClient(t, v)
	ctx := context.Background()

	b, ok, err := c.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100000.0, b.Available)

	ps, ok, err := c.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, ps, 1)
	assert.Equal(t, -4.0, ps[0].Quantity)

	md, err := c.Metadata(ctx, "XBTUSDTM")
	require.NoError(t, err)
	assert.Equal(t, 0.1, md.PriceTick)

	cancelled, err := c.CancelOrder(ctx, "oid-1", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, 1, v.callCount("cancel"))
}

func TestGetOrderBookUsesStreamOnlyForShallowDepth(t *testing.T) {
	v := newFakeVenue()
	v.book = models.OrderBook{
		Symbol: "XBTUSDTM",
		Bids:   []models.PriceLevel{{Price: 49999, Size: 10}},
		Asks:   []models.PriceLevel{{Price: 50001, Size: 10}},
	}
	feed := newFakeFeed()
	c, _ := newTestClient(t, v, WithFeed(feed))
	ctx := context.Background()

	b, ok, err := c.GetOrderBook(ctx, "XBTUSDTM", 20, schedule.Normal)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, b.Asks, 1)
	assert.Empty(t, feed.subs)

	_, ok, err = c.GetOrderBook(ctx, "XBTUSDTM", 5, schedule.Normal)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"book:XBTUSDTM"}, feed.subs)
	assert.Equal(t, 2, v.callCount("order_book"))
}

func TestOrderPreflightDoesNotWaitBehindCriticalWork(t *testing.T) {
	v := newFakeVenue()
	cfg := testConfig()
	cfg.SchedulerMaxWait = 2 * time.Second
	c := New(v, cfg)
	t.Cleanup(c.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.sched.Execute(context.Background(), schedule.Critical, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	begin := time.Now()
	res, err := c.PlaceMarketOrder(context.Background(), "XBTUSDTM", models.SideBuy, 1, 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaced, res.Status)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, 1, v.callCount("contracts"))
	assert.Equal(t, 1, v.callCount("ticker"))
	assert.Equal(t, 1, v.callCount("balance"))

	v.positions = []models.Position{{Symbol: "XBTUSDTM", Quantity: 2}}
	begin = time.Now()
	res, err = c.ClosePosition(context.Background(), "XBTUSDTM", CloseOptions{UseLimit: true, SlippageTolerance: 0.001})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Status)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
}

func TestGetOHLCVRefusedSubscriptionStaysOnREST(t *testing.T) {
	v := newFakeVenue()
	for i := int64(1); i <= 30; i++ {
		v.candles = append(v.candles, models.Candle{Timestamp: i * 60000, Close: float64(i)})
	}
	feed := newFakeFeed()
	feed.refuse = true
	c, _ := newTestClient(t, v, WithFeed(feed))

	_, ok, err := c.GetOHLCV(context.Background(), "XBTUSDTM", "1m", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, feed.seeded)

	v.mu.Lock()
	v.candles[29].Close = 30.5
	v.candles = append(v.candles, models.Candle{Timestamp: 31 * 60000, Close: 31})
	v.mu.Unlock()

	before := v.callCount("klines")
	rows, ok, err := c.GetOHLCV(context.Background(), "XBTUSDTM", "1m", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before+1, v.callCount("klines"))
	require.Len(t, rows, 10)
	assert.Equal(t, 30.5, rows[8].Close)
	assert.Equal(t, int64(31*60000), rows[9].Timestamp)
}

func TestScanWatchlistSkipsMissingSymbols(t *testing.T) {
	v := newFakeVenue()
	v.tickerErr["BADUSDTM"] = apiErr("400100", "contract does not exist")
	c, _ := newTestClient(t, v)
	wl := &config.Watchlist{Items: []config.WatchItem{
		{Symbol: "XBTUSDTM", Timeframes: []string{"1m"}},
		{Symbol: "BADUSDTM"},
	}}

	n, err := c.ScanWatchlist(context.Background(), wl)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, v.callCount("klines"))
}

func TestRunScannerHaltsOnFatal(t *testing.T) {
	v := newFakeVenue()
	v.tickerErr["ETHUSDTM"] = errclass.Fatal(errors.New("bad key"))
	c, _ := newTestClient(t, v)
	wl := &config.Watchlist{Items: []config.WatchItem{
		{Symbol: "XBTUSDTM", Timeframes: []string{"1m"}},
		{Symbol: "ETHUSDTM", Timeframes: []string{"1m"}},
	}}

	done := make(chan error, 1)
	go func() { done <- c.RunScanner(context.Background(), wl, 5*time.Millisecond) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errclass.ErrFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner kept running after a fatal error")
	}
	assert.Zero(t, v.callCount("klines"))
}

func TestRunScannerStopsWithContext(t *testing.T) {
	v := newFakeVenue()
	c, _ := newTestClient(t, v)
	wl := &config.Watchlist{Items: []config.WatchItem{{Symbol: "XBTUSDTM"}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunScanner(ctx, wl, time.Hour) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner ignored cancellation")
	}
}
