package sandbox

import (
	"context"
	"io"
	"log/slog"
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

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testEngine(t *testing.T, lots LotMarginFunc) (*Engine, cache.Backend) {
	t.Helper()
	backend := cache.NewMemory(10000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ns := cache.NewNamespace(backend, cache.NSSymbols)
	resolver := symbols.NewResolver(ns, logger)
	require.NoError(t, resolver.Rotate(context.Background(), "zerodha", []types.SymbolRecord{
		{Symbol: "SBIN", Exchange: types.ExchNSE, BrokerSymbol: "SBIN-EQ", Token: "3045", Instrument: types.InstrumentEquity, LotSize: 1},
		{Symbol: "RELIANCE", Exchange: types.ExchNSE, BrokerSymbol: "RELIANCE-EQ", Token: "2885", Instrument: types.InstrumentEquity, LotSize: 1},
		{Symbol: "NIFTY27JAN26FUT", Exchange: types.ExchNFO, BrokerSymbol: "NIFTY26JANFUT", Token: "53001", Instrument: types.InstrumentFuture, LotSize: 75, Expiry: "27JAN26", FreezeQty: 1800},
	}))

	e := New(resolver, lots, Options{
		StartingCapital: dec("1000000"),
		EquityLeverage:  dec("5"),
		FNOMarginPct:    dec("15"),
	},
		cache.NewNamespace(backend, cache.NSSandboxFunds),
		cache.NewNamespace(backend, cache.NSSandboxPositions),
		cache.NewNamespace(backend, cache.NSSandboxOrders),
		cache.NewNamespace(backend, cache.NSSandboxTrades),
		logger)
	return e, backend
}

func tick(symbol string, exchange types.Exchange, ltp string) types.Tick {
	return types.Tick{Symbol: symbol, Exchange: exchange, Mode: types.ModeLTP, LTP: dec(ltp), Timestamp: time.Now()}
}

func marketBuy(symbol string, exchange types.Exchange, qty int, product types.Product) types.OrderIntent {
	return types.OrderIntent{
		ClientOrderID: "c-" + symbol,
		UserID:        "u1",
		Symbol:        symbol,
		Exchange:      exchange,
		Action:        types.ActionBuy,
		Product:       product,
		PriceType:     types.PriceMarket,
		Quantity:      qty,
	}
}

// conserved checks the wallet invariant: cash + margin = capital + realised.
func conserved(t *testing.T, e *Engine, userID string) {
	t.Helper()
	f, err := e.FundsFor(context.Background(), userID)
	require.NoError(t, err)
	lhs := f.AvailableCash.Add(f.UsedMargin)
	rhs := f.StartingCapital.Add(f.RealizedPnL)
	assert.True(t, lhs.Equal(rhs), "conservation broken: cash %s + margin %s != capital %s + realised %s",
		f.AvailableCash, f.UsedMargin, f.StartingCapital, f.RealizedPnL)
}

func TestMarketOrderFillsAtLTP(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	id, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	require.NoError(t, err)
	assert.Contains(t, id, OrderIDPrefix)

	rec, err := e.OrderStatus(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)
	assert.True(t, rec.AvgPrice.Equal(dec("800")))

	// MIS equity margin: 800*10/5 = 1600.
	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.Equal(dec("1600")), "margin = %s", f.UsedMargin)
	conserved(t, e, "u1")
}

func TestMarketOrderWithoutDataRejected(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)

	_, err := e.PlaceOrder(context.Background(), marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	assert.Equal(t, types.ErrUpstream, types.CodeOf(err))
}

func TestLimitOrderRestsThenFills(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	in := marketBuy("SBIN", types.ExchNSE, 10, types.ProductCNC)
	in.PriceType = types.PriceLimit
	in.Price = dec("790")
	id, err := e.PlaceOrder(ctx, in)
	require.NoError(t, err)

	rec, _ := e.OrderStatus(ctx, "u1", id)
	assert.Equal(t, types.StatusOpen, rec.Status)

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "795"))
	rec, _ = e.OrderStatus(ctx, "u1", id)
	assert.Equal(t, types.StatusOpen, rec.Status, "LTP above limit must not fill a buy")

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "789.5"))
	rec, _ = e.OrderStatus(ctx, "u1", id)
	assert.Equal(t, types.StatusComplete, rec.Status)
	assert.True(t, rec.AvgPrice.Equal(dec("790")), "limit orders fill at the limit price")
	conserved(t, e, "u1")
}

func TestStopMarketTriggers(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	// Long 10 first, then a protective SELL SL-M below.
	_, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	require.NoError(t, err)

	stop := marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS)
	stop.ClientOrderID = "c-stop"
	stop.Action = types.ActionSell
	stop.PriceType = types.PriceSLM
	stop.TriggerPrice = dec("795")
	id, err := e.PlaceOrder(ctx, stop)
	require.NoError(t, err)

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "797"))
	rec, _ := e.OrderStatus(ctx, "u1", id)
	assert.Equal(t, types.StatusOpen, rec.Status)

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "794"))
	rec, _ = e.OrderStatus(ctx, "u1", id)
	assert.Equal(t, types.StatusComplete, rec.Status)
	assert.True(t, rec.AvgPrice.Equal(dec("794")), "SL-M fills at the crossing LTP")

	net, _ := e.NetPosition(ctx, "u1", "SBIN", types.ExchNSE, types.ProductMIS)
	assert.Equal(t, 0, net)

	// Realised loss: (794-800)*10 = -60.
	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.RealizedPnL.Equal(dec("-60")), "pnl = %s", f.RealizedPnL)
	conserved(t, e, "u1")
}

func TestInsufficientFundsRejected(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("RELIANCE", types.ExchNSE, "2500"))
	// CNC blocks full value: 2500 * 1000 = 2.5M > 1M capital.
	in := marketBuy("RELIANCE", types.ExchNSE, 1000, types.ProductCNC)
	_, err := e.PlaceOrder(ctx, in)
	assert.Equal(t, types.ErrRiskRejected, types.CodeOf(err))
	conserved(t, e, "u1")
}

func TestCloseRealisesProfit(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	_, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	require.NoError(t, err)

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "810"))
	sell := marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS)
	sell.ClientOrderID = "c-sell"
	sell.Action = types.ActionSell
	_, err = e.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.RealizedPnL.Equal(dec("100")), "pnl = %s", f.RealizedPnL)
	assert.True(t, f.UsedMargin.IsZero(), "flat book must hold no margin, got %s", f.UsedMargin)
	conserved(t, e, "u1")
}

func TestFNOMarginUsesBrokerLot(t *testing.T) {
	t.Parallel()
	lots := func(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, bool, error) {
		return dec("120000"), true, nil
	}
	e, _ := testEngine(t, lots)
	ctx := context.Background()

	e.HandleTick(ctx, tick("NIFTY27JAN26FUT", types.ExchNFO, "24000"))
	_, err := e.PlaceOrder(ctx, marketBuy("NIFTY27JAN26FUT", types.ExchNFO, 75, types.ProductNRML))
	require.NoError(t, err)

	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.Equal(dec("120000")), "margin = %s", f.UsedMargin)
}

func TestFNOMarginPercentFallback(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("NIFTY27JAN26FUT", types.ExchNFO, "24000"))
	_, err := e.PlaceOrder(ctx, marketBuy("NIFTY27JAN26FUT", types.ExchNFO, 75, types.ProductNRML))
	require.NoError(t, err)

	// 15% of 24000*75 = 270000.
	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.Equal(dec("270000")), "margin = %s", f.UsedMargin)
}

func TestAutoSquareOffMIS(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	e.HandleTick(ctx, tick("RELIANCE", types.ExchNSE, "2500"))

	// Open MIS +5 in SBIN, a CNC position, and a pending MIS limit order.
	_, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 5, types.ProductMIS))
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, marketBuy("RELIANCE", types.ExchNSE, 2, types.ProductCNC))
	require.NoError(t, err)
	pending := marketBuy("SBIN", types.ExchNSE, 5, types.ProductMIS)
	pending.ClientOrderID = "c-pending"
	pending.PriceType = types.PriceLimit
	pending.Price = dec("780")
	pendingID, err := e.PlaceOrder(ctx, pending)
	require.NoError(t, err)

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "805"))
	e.SquareOff(ctx, []types.Exchange{types.ExchNSE, types.ExchNFO})

	net, _ := e.NetPosition(ctx, "u1", "SBIN", types.ExchNSE, types.ProductMIS)
	assert.Equal(t, 0, net, "MIS position must be flat after square-off")

	rec, _ := e.OrderStatus(ctx, "u1", pendingID)
	assert.Equal(t, types.StatusCancelled, rec.Status, "pending MIS orders are cancelled")

	cnc, _ := e.NetPosition(ctx, "u1", "RELIANCE", types.ExchNSE, types.ProductCNC)
	assert.Equal(t, 2, cnc, "CNC positions are untouched")

	// Exit filled at 805: realised (805-800)*5 = 25, credited to cash.
	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.RealizedPnL.Equal(dec("25")), "pnl = %s", f.RealizedPnL)
	conserved(t, e, "u1")
}

func TestWeeklyReset(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	_, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	require.NoError(t, err)

	require.NoError(t, e.Reset(ctx))

	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.AvailableCash.Equal(dec("1000000")))
	assert.True(t, f.UsedMargin.IsZero())

	positions, _ := e.Positions(ctx, "u1")
	assert.Empty(t, positions)

	// Trade history survives the reset.
	trades, err := e.Tradebook(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, trades)
}

func TestRecoveryFromCache(t *testing.T) {
	t.Parallel()
	e, backend := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	_, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	require.NoError(t, err)
	resting := marketBuy("SBIN", types.ExchNSE, 5, types.ProductMIS)
	resting.ClientOrderID = "c-rest"
	resting.PriceType = types.PriceLimit
	resting.Price = dec("780")
	restID, err := e.PlaceOrder(ctx, resting)
	require.NoError(t, err)

	// Fresh engine over the same backend: books must come back.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := symbols.NewResolver(cache.NewNamespace(backend, cache.NSSymbols), logger)
	fresh := New(resolver, nil, Options{StartingCapital: dec("1000000"), EquityLeverage: dec("5"), FNOMarginPct: dec("15")},
		cache.NewNamespace(backend, cache.NSSandboxFunds),
		cache.NewNamespace(backend, cache.NSSandboxPositions),
		cache.NewNamespace(backend, cache.NSSandboxOrders),
		cache.NewNamespace(backend, cache.NSSandboxTrades),
		logger)
	require.NoError(t, fresh.Load(ctx))

	net, _ := fresh.NetPosition(ctx, "u1", "SBIN", types.ExchNSE, types.ProductMIS)
	assert.Equal(t, 10, net)

	// The recovered limit order still fills on a crossing tick.
	fresh.HandleTick(ctx, tick("SBIN", types.ExchNSE, "779"))
	rec, err := fresh.OrderStatus(ctx, "u1", restID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)
}

func TestSessionTagOnTrades(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.SetSession("wf-2026-08")
	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	_, err := e.PlaceOrder(ctx, marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS))
	require.NoError(t, err)

	trades, err := e.Tradebook(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "wf-2026-08", trades[0].Session)
}

func TestCancelReleasesMargin(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	in := marketBuy("SBIN", types.ExchNSE, 10, types.ProductCNC)
	in.PriceType = types.PriceLimit
	in.Price = dec("790")
	id, err := e.PlaceOrder(ctx, in)
	require.NoError(t, err)

	f, _ := e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.Equal(dec("7900")))

	require.NoError(t, e.CancelOrder(ctx, "u1", id))
	f, _ = e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.IsZero())
	conserved(t, e, "u1")
}

func TestModifyRejectionLeavesOrderUntouched(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.HandleTick(ctx, tick("SBIN", types.ExchNSE, "800"))
	in := marketBuy("SBIN", types.ExchNSE, 10, types.ProductMIS)
	in.PriceType = types.PriceLimit
	in.Price = dec("790")
	id, err := e.PlaceOrder(ctx, in)
	require.NoError(t, err)

	f, _ := e.FundsFor(ctx, "u1")
	require.True(t, f.UsedMargin.Equal(dec("1580")), "margin = %s", f.UsedMargin)

	err = e.ModifyOrder(ctx, "u1", id, broker.OrderChanges{Quantity: 10000000})
	assert.Equal(t, types.ErrRiskRejected, types.CodeOf(err))

	rec, err := e.OrderStatus(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, rec.Status)
	assert.Equal(t, 10, rec.Quantity, "rejected modification must not resize the order")
	assert.True(t, rec.Price.Equal(dec("790")))

	f, _ = e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.Equal(dec("1580")), "margin stays blocked at the original size, got %s", f.UsedMargin)
	conserved(t, e, "u1")

	// A modification that fits re-blocks at the new size.
	require.NoError(t, e.ModifyOrder(ctx, "u1", id, broker.OrderChanges{Quantity: 20}))
	f, _ = e.FundsFor(ctx, "u1")
	assert.True(t, f.UsedMargin.Equal(dec("3160")), "margin = %s", f.UsedMargin)
	conserved(t, e, "u1")
}
