package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algobridge/internal/broker"
	"algobridge/internal/cache"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

func testResolver(t *testing.T) *symbols.Resolver {
	t.Helper()
	ns := cache.NewNamespace(cache.NewMemory(1000), cache.NSSymbols)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := symbols.NewResolver(ns, logger)
	require.NoError(t, r.Rotate(context.Background(), "zerodha", []types.SymbolRecord{
		{Symbol: "RELIANCE", Exchange: types.ExchNSE, BrokerSymbol: "RELIANCE-EQ", Token: "2885", Instrument: types.InstrumentEquity, LotSize: 1},
		{Symbol: "NIFTY27JAN26FUT", Exchange: types.ExchNFO, BrokerSymbol: "NIFTY26JANFUT", Token: "53001", Instrument: types.InstrumentFuture, LotSize: 75, Expiry: "27JAN26", FreezeQty: 900},
		{Symbol: "NIFTY27JAN2624000CE", Exchange: types.ExchNFO, BrokerSymbol: "NIFTY26JAN24000CE", Token: "53002", Instrument: types.InstrumentOption, LotSize: 75, Expiry: "27JAN26", Strike: decimal.NewFromInt(24000), FreezeQty: 1800},
	}))
	return r
}

func testRouter(t *testing.T, live, sandbox Backend) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(live, sandbox, testResolver(t), Options{
		RatePerSecond: 1000,
		RateBurst:     1000,
		QueueTimeout:  time.Second,
		DedupWindow:   2 * time.Second,
	}, logger)
}

func intent(symbol string, exchange types.Exchange, qty int) types.OrderIntent {
	return types.OrderIntent{
		ClientOrderID: "c1",
		UserID:        "u1",
		Symbol:        symbol,
		Exchange:      exchange,
		Action:        types.ActionBuy,
		Product:       types.ProductMIS,
		PriceType:     types.PriceMarket,
		Quantity:      qty,
	}
}

func TestSplitLegs(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []int{900, 900, 400}, splitLegs(2200, 900))
	assert.Equal(t, []int{900}, splitLegs(900, 900))
	assert.Equal(t, []int{500}, splitLegs(500, 900))
	assert.Equal(t, []int{100}, splitLegs(100, 0))
}

func TestPlaceFreezeSplit(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)

	res, err := r.Place(context.Background(), intent("NIFTY27JAN26FUT", types.ExchNFO, 2200))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	require.Len(t, res.OrderIDs, 3)
	require.Len(t, paper.Placed, 3)
	assert.Equal(t, 900, paper.Placed[0].Quantity)
	assert.Equal(t, 900, paper.Placed[1].Quantity)
	assert.Equal(t, 400, paper.Placed[2].Quantity)
}

func TestEquityNeverSplits(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)

	res, err := r.Place(context.Background(), intent("RELIANCE", types.ExchNSE, 100000))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Len(t, res.OrderIDs, 1)
}

// flaky fails scripted calls by sequence number.
type flaky struct {
	Backend
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *flaky) PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failOn[f.calls]
	f.mu.Unlock()
	if fail {
		return "", types.NewAPIError(types.ErrUpstream, "scripted rejection")
	}
	return f.Backend.PlaceOrder(ctx, intent)
}

func TestPlacePartialSuccess(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	live := &flaky{Backend: paper, failOn: map[int]bool{2: true}}
	r := testRouter(t, live, nil)

	res, err := r.Place(context.Background(), intent("NIFTY27JAN26FUT", types.ExchNFO, 2200))
	require.NoError(t, err)
	assert.Equal(t, "partial_success", res.Status)
	assert.Len(t, res.OrderIDs, 2)
	require.Len(t, res.LegErrors, 1)
	assert.Equal(t, 2, res.LegErrors[0].Leg)
	assert.Equal(t, 900, res.LegErrors[0].Quantity)
}

func TestPlaceAllLegsFail(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	paper.FailAlways = true
	r := testRouter(t, paper, nil)

	res, err := r.Place(context.Background(), intent("RELIANCE", types.ExchNSE, 10))
	require.Error(t, err)
	assert.Equal(t, "error", res.Status)
}

func TestDedupReturnsOriginalResult(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)
	ctx := context.Background()

	first, err := r.Place(ctx, intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)

	second, err := r.Place(ctx, intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)

	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)
	assert.Len(t, paper.Placed, 1, "replay must not reach the broker")
}

func TestDedupWindowExpires(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(paper, nil, testResolver(t), Options{
		RatePerSecond: 1000, RateBurst: 1000, QueueTimeout: time.Second,
		DedupWindow: 10 * time.Millisecond,
	}, logger)
	ctx := context.Background()

	_, err := r.Place(ctx, intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = r.Place(ctx, intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)
	assert.Len(t, paper.Placed, 2)
}

func TestSmartClose(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)
	ctx := context.Background()

	// Build a long 100 position.
	_, err := r.Place(ctx, intent("RELIANCE", types.ExchNSE, 100))
	require.NoError(t, err)

	res, err := r.SmartClose(ctx, "u1", "close-1", "RELIANCE", types.ExchNSE, types.ProductMIS, "")
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)

	last := paper.Placed[len(paper.Placed)-1]
	assert.Equal(t, types.ActionSell, last.Action)
	assert.Equal(t, 100, last.Quantity)
	assert.Equal(t, types.PriceMarket, last.PriceType)

	net, _ := paper.NetPosition(ctx, "u1", "RELIANCE", types.ExchNSE, types.ProductMIS)
	assert.Equal(t, 0, net)
}

func TestSmartCloseFlatIsNoop(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)

	res, err := r.SmartClose(context.Background(), "u1", "close-2", "RELIANCE", types.ExchNSE, types.ProductMIS, "")
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Empty(t, paper.Placed)
}

func TestHaltRejectsNewFlow(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)
	ctx := context.Background()

	r.Halt()
	_, err := r.Place(ctx, intent("RELIANCE", types.ExchNSE, 10))
	assert.Equal(t, types.ErrRiskRejected, types.CodeOf(err))

	// Cancels still pass so the panic can unwind open orders.
	_, err = r.CancelAll(ctx, "u1", nil)
	require.NoError(t, err)

	r.Resume()
	_, err = r.Place(ctx, intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)
}

// sbWrap makes a Paper look like the sandbox engine for routing tests.
type sbWrap struct{ *broker.Paper }

func (s sbWrap) PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	id, err := s.Paper.PlaceOrder(ctx, intent)
	if err != nil {
		return "", err
	}
	return SandboxPrefix + id, nil
}

func TestAnalyzeModeRoutesToSandbox(t *testing.T) {
	t.Parallel()
	live := broker.NewPaper()
	sb := broker.NewPaper()
	r := testRouter(t, live, sbWrap{sb})

	r.SetAnalyzeMode(true)
	res, err := r.Place(context.Background(), intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)
	assert.Equal(t, types.ModeAnalyze, res.Mode)
	assert.True(t, len(res.BrokerOrderID) > 3 && res.BrokerOrderID[:3] == SandboxPrefix)
	assert.Empty(t, live.Placed)
	assert.Len(t, sb.Placed, 1)
}

func TestModifyRoutesByPrefix(t *testing.T) {
	t.Parallel()
	live := broker.NewPaper()
	sb := broker.NewPaper()
	r := testRouter(t, live, sbWrap{sb})
	ctx := context.Background()

	id, err := live.PlaceOrder(ctx, intent("RELIANCE", types.ExchNSE, 10))
	require.NoError(t, err)
	require.NoError(t, r.Modify(ctx, "u1", id, broker.OrderChanges{Quantity: 20}))

	err = r.Modify(ctx, "u1", SandboxPrefix+"X1", broker.OrderChanges{Quantity: 20})
	require.Error(t, err) // unknown sandbox order, but it reached the sandbox backend
}

func TestRateLimitQueueTimeout(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1, 1, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx)) // consumes the only token
	err := l.Wait(ctx)              // next token is 1s away, queue cap is 50ms
	assert.Equal(t, types.ErrRateLimited, types.CodeOf(err))
}

func TestRateLimitQueuesWithinTimeout(t *testing.T) {
	t.Parallel()
	l := NewLimiter(100, 1, time.Second)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	// 10ms to the next token, well inside the queue budget.
	require.NoError(t, l.Wait(ctx))
}

func TestPlaceBasketIndependentLegs(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)

	bad := intent("NOPE", types.ExchNSE, 10)
	bad.ClientOrderID = "c-bad"
	good := intent("RELIANCE", types.ExchNSE, 10)
	good.ClientOrderID = "c-good"

	results := r.PlaceBasket(context.Background(), []types.OrderIntent{bad, good})
	require.Len(t, results, 2)
	assert.Equal(t, "error", results[0].Status)
	assert.Equal(t, "success", results[1].Status)
}

func TestPlaceSplitUserRequested(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)

	in := intent("RELIANCE", types.ExchNSE, 250)
	res, err := r.PlaceSplit(context.Background(), in, 100)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Len(t, res.OrderIDs, 3)
	assert.Equal(t, 100, paper.Placed[0].Quantity)
	assert.Equal(t, 50, paper.Placed[2].Quantity)
}

func TestPlaceOptionsBuildsSymbol(t *testing.T) {
	t.Parallel()
	paper := broker.NewPaper()
	r := testRouter(t, paper, nil)

	res, err := r.PlaceOptions(context.Background(), OptionsOrderRequest{
		UserID:     "u1",
		Underlying: "NIFTY",
		Exchange:   types.ExchNFO,
		Expiry:     "27JAN26",
		Strike:     decimal.NewFromInt(24000),
		OptionType: "CE",
		Action:     types.ActionBuy,
		Product:    types.ProductNRML,
		PriceType:  types.PriceMarket,
		Quantity:   75,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "NIFTY27JAN2624000CE", paper.Placed[0].Symbol)
}

func TestPlaceOptionsUnknownContract(t *testing.T) {
	t.Parallel()
	r := testRouter(t, broker.NewPaper(), nil)

	_, err := r.PlaceOptions(context.Background(), OptionsOrderRequest{
		UserID:     "u1",
		Underlying: "NIFTY",
		Exchange:   types.ExchNFO,
		Expiry:     "27JAN26",
		Strike:     decimal.NewFromInt(99999),
		OptionType: "PE",
		Action:     types.ActionBuy,
		Product:    types.ProductNRML,
		PriceType:  types.PriceMarket,
		Quantity:   75,
	})
	assert.Equal(t, types.ErrSymbolNotFound, types.CodeOf(err))
}

func TestIndexSymbolRejected(t *testing.T) {
	t.Parallel()
	r := testRouter(t, broker.NewPaper(), nil)

	in := intent("NIFTY", types.ExchNSEIndex, 10)
	_, err := r.Place(context.Background(), in)
	assert.Equal(t, types.ErrInvalidParameters, types.CodeOf(err))
}
