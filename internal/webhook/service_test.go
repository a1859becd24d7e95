package webhook

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
	"algobridge/internal/strategy"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// sink records order calls.
type sink struct {
	mu      sync.Mutex
	placed  []types.OrderIntent
	closed  []string
	cancels int
}

func (s *sink) Place(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, intent)
	return types.OrderResult{Status: "success", BrokerOrderID: "B1"}, nil
}

func (s *sink) SmartClose(ctx context.Context, userID, clientOrderID, symbol string, exchange types.Exchange, product types.Product, strategyName string) (types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, types.SymbolKey(symbol, exchange))
	return types.OrderResult{Status: "success"}, nil
}

func (s *sink) CancelAll(ctx context.Context, userID string, filter *broker.CancelFilter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil, nil
}

type noTrades struct{}

func (noTrades) ActiveTradesFor(string) []strategy.TradeRef { return nil }

type someTrades struct{ refs []strategy.TradeRef }

func (t someTrades) ActiveTradesFor(string) []strategy.TradeRef { return t.refs }

func fixture(t *testing.T, trades strategy.TradeSource) (*Service, *strategy.Store, *sink, strategy.Instance) {
	t.Helper()
	backend := cache.NewMemory(1000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := symbols.NewResolver(cache.NewNamespace(backend, cache.NSSymbols), logger)
	require.NoError(t, resolver.Rotate(context.Background(), "zerodha", []types.SymbolRecord{
		{Symbol: "SBIN", Exchange: types.ExchNSE, BrokerSymbol: "SBIN-EQ", Token: "3045", Instrument: types.InstrumentEquity, LotSize: 1},
		{Symbol: "INFY", Exchange: types.ExchNSE, BrokerSymbol: "INFY-EQ", Token: "1594", Instrument: types.InstrumentEquity, LotSize: 1},
	}))

	store := strategy.NewStore(cache.NewNamespace(backend, cache.NSStrategies), logger)
	inst := &strategy.Instance{
		UserID:   "u1",
		Name:     "scanner-long",
		Type:     strategy.TypeChartink,
		Intraday: true,
		Schedule: strategy.Schedule{
			Start: "09:20", End: "15:00", SquareOff: "15:15",
			Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		},
		Exchange:         types.ExchNSE,
		Product:          types.ProductMIS,
		Symbols:          map[string]bool{"SBIN:NSE": true, "INFY:NSE": true},
		AllocatedFunds:   dec("500000"),
		Sizing:           strategy.SizeFixedQty,
		SizingValue:      dec("10"),
		MaxOpenPositions: 2,
		DailyLossLimit:   dec("10000"),
		Active:           true,
	}
	require.NoError(t, store.Create(context.Background(), inst))

	snk := &sink{}
	quote := func(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, error) {
		return dec("800"), nil
	}
	svc := New(store, resolver, snk, quote, trades, nil, logger)
	// Monday 10:00, inside the schedule.
	svc.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	return svc, store, snk, *inst
}

func TestChartinkBuySignal(t *testing.T) {
	t.Parallel()
	svc, _, snk, inst := fixture(t, noTrades{})

	body := []byte(`{"scan_name":"Breakout BUY scan","stocks":"SBIN,INFY","trigger_prices":"800.5,1500.25","triggered_at":"10:00 am"}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Accepted, "outcome %+v", o)
	}
	require.Len(t, snk.placed, 2)
	assert.Equal(t, types.ActionBuy, snk.placed[0].Action)
	assert.Equal(t, 10, snk.placed[0].Quantity)
	assert.Equal(t, types.ProductMIS, snk.placed[0].Product)
}

func TestKeywordRuleExactlyOne(t *testing.T) {
	t.Parallel()
	svc, _, _, inst := fixture(t, noTrades{})
	ctx := context.Background()

	// No keyword.
	_, err := svc.Handle(ctx, inst.WebhookID, "", []byte(`{"scan_name":"momentum scan","stocks":"SBIN"}`))
	assert.Equal(t, types.ErrInvalidParameters, types.CodeOf(err))

	// Two keywords.
	_, err = svc.Handle(ctx, inst.WebhookID, "", []byte(`{"scan_name":"BUY or SELL scan","stocks":"SBIN"}`))
	assert.Equal(t, types.ErrInvalidParameters, types.CodeOf(err))

	// COVERAGE must not read as COVER.
	_, err = svc.Handle(ctx, inst.WebhookID, "", []byte(`{"scan_name":"COVERAGE BUY scan","stocks":"SBIN"}`))
	require.NoError(t, err)
}

func TestSellSignalUsesSmartClose(t *testing.T) {
	t.Parallel()
	svc, _, snk, inst := fixture(t, noTrades{})

	body := []byte(`{"scan_name":"exit SELL scan","stocks":"SBIN"}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Accepted)
	assert.Empty(t, snk.placed)
	assert.Equal(t, []string{"SBIN:NSE"}, snk.closed)
}

func TestTradingViewSignal(t *testing.T) {
	t.Parallel()
	svc, _, snk, inst := fixture(t, noTrades{})

	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"SHORT","quantity":25}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Accepted)
	assert.Equal(t, types.ActionSell, snk.placed[0].Action)
	assert.Equal(t, 25, snk.placed[0].Quantity)
}

func TestUnknownWebhookID(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := fixture(t, noTrades{})
	_, err := svc.Handle(context.Background(), "nope", "", []byte(`{}`))
	assert.Equal(t, types.ErrInvalidParameters, types.CodeOf(err))
}

func TestHMACValidation(t *testing.T) {
	t.Parallel()
	svc, _, _, inst := fixture(t, noTrades{})
	ctx := context.Background()
	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"BUY","quantity":5}`)

	_, err := svc.Handle(ctx, inst.WebhookID, "deadbeef", body)
	assert.Equal(t, types.ErrAuthRequired, types.CodeOf(err))

	_, err = svc.Handle(ctx, inst.WebhookID, Sign(inst.WebhookSecret, body), body)
	require.NoError(t, err)
}

func TestInactiveStrategyRejects(t *testing.T) {
	t.Parallel()
	svc, store, snk, inst := fixture(t, noTrades{})
	ctx := context.Background()
	require.NoError(t, store.SetActive(ctx, inst.ID, false))

	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"BUY","quantity":5}`)
	outcomes, err := svc.Handle(ctx, inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.False(t, outcomes[0].Accepted)
	assert.Empty(t, snk.placed)
}

func TestGlobalPanicRejects(t *testing.T) {
	t.Parallel()
	svc, _, snk, inst := fixture(t, noTrades{})
	svc.halted = func() bool { return true }

	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"BUY","quantity":5}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.False(t, outcomes[0].Accepted)
	assert.Empty(t, snk.placed)
}

func TestScheduleGateRejects(t *testing.T) {
	t.Parallel()
	svc, _, _, inst := fixture(t, noTrades{})
	// Monday 15:30, after the window.
	svc.now = func() time.Time { return time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC) }

	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"BUY","quantity":5}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.False(t, outcomes[0].Accepted)
}

func TestSymbolMapGate(t *testing.T) {
	t.Parallel()
	svc, _, _, inst := fixture(t, noTrades{})

	body := []byte(`{"symbol":"RELIANCE","exchange":"NSE","action":"BUY","quantity":5}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.False(t, outcomes[0].Accepted)
	assert.Equal(t, "symbol not in strategy map", outcomes[0].Reason)
}

func TestDuplicateSuppression(t *testing.T) {
	t.Parallel()
	svc, _, snk, inst := fixture(t, noTrades{})
	ctx := context.Background()
	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"BUY","quantity":5}`)

	first, err := svc.Handle(ctx, inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.True(t, first[0].Accepted)

	second, err := svc.Handle(ctx, inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.False(t, second[0].Accepted)
	assert.Equal(t, "duplicate signal inside dedup window", second[0].Reason)
	assert.Len(t, snk.placed, 1)
}

func TestMaxOpenPositionsGate(t *testing.T) {
	t.Parallel()
	trades := someTrades{refs: []strategy.TradeRef{
		{TradeID: "t1", Symbol: "SBIN", Exchange: types.ExchNSE},
		{TradeID: "t2", Symbol: "INFY", Exchange: types.ExchNSE},
	}}
	svc, _, snk, inst := fixture(t, trades)

	body := []byte(`{"symbol":"SBIN","exchange":"NSE","action":"BUY","quantity":5}`)
	outcomes, err := svc.Handle(context.Background(), inst.WebhookID, "", body)
	require.NoError(t, err)
	assert.False(t, outcomes[0].Accepted)
	assert.Equal(t, "max open positions reached", outcomes[0].Reason)
	assert.Empty(t, snk.placed)
}

func TestSquareOffDue(t *testing.T) {
	t.Parallel()
	trades := someTrades{refs: []strategy.TradeRef{
		{TradeID: "t1", Symbol: "SBIN", Exchange: types.ExchNSE, Qty: 10},
	}}
	svc, _, snk, _ := fixture(t, trades)
	ctx := context.Background()

	// Wrong minute: nothing happens.
	svc.SquareOffDue(ctx, time.Date(2026, 8, 24, 15, 14, 0, 0, time.UTC))
	assert.Empty(t, snk.closed)

	// Square-off minute: close the trade's symbol and cancel pending orders.
	svc.SquareOffDue(ctx, time.Date(2026, 8, 24, 15, 15, 0, 0, time.UTC))
	assert.Equal(t, []string{"SBIN:NSE"}, snk.closed)
	assert.Equal(t, 1, snk.cancels)
}
