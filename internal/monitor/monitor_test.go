package monitor

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

	"algobridge/internal/cache"
	"algobridge/internal/strategy"
	"algobridge/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeBroker struct {
	mu     sync.Mutex
	orders map[string]types.OrderRecord
	nets   map[string]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{orders: make(map[string]types.OrderRecord), nets: make(map[string]int)}
}

func (b *fakeBroker) setOrder(id string, status types.OrderStatus, avg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[id] = types.OrderRecord{BrokerOrderID: id, Status: status, AvgPrice: dec(avg)}
}

func (b *fakeBroker) setNet(symbol string, exchange types.Exchange, qty int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nets[types.SymbolKey(symbol, exchange)] = qty
}

func (b *fakeBroker) OrderStatus(ctx context.Context, userID, id string) (types.OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.orders[id]
	if !ok {
		return types.OrderRecord{}, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown order %s", id)
	}
	return rec, nil
}

func (b *fakeBroker) NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nets[types.SymbolKey(symbol, exchange)], nil
}

type fakeCloser struct {
	mu    sync.Mutex
	calls []string // symbol keys closed
}

func (c *fakeCloser) SmartClose(ctx context.Context, userID, clientOrderID, symbol string, exchange types.Exchange, product types.Product, strategyName string) (types.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, types.SymbolKey(symbol, exchange))
	return types.OrderResult{Status: "success", BrokerOrderID: "X-1"}, nil
}

func (c *fakeCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type stratStub struct {
	mu    sync.Mutex
	insts map[string]strategy.Instance
	pnl   map[string]decimal.Decimal
}

func newStratStub() *stratStub {
	return &stratStub{insts: make(map[string]strategy.Instance), pnl: make(map[string]decimal.Decimal)}
}

func (s *stratStub) Get(id string) (strategy.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.insts[id]
	return inst, ok
}

func (s *stratStub) AddDayPnL(ctx context.Context, id string, pnl decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pnl[id] = s.pnl[id].Add(pnl)
	return nil
}

type fixture struct {
	monitor *Monitor
	broker  *fakeBroker
	closer  *fakeCloser
	strats  *stratStub
	backend cache.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		broker:  newFakeBroker(),
		closer:  &fakeCloser{},
		strats:  newStratStub(),
		backend: cache.NewMemory(10000),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.monitor = New(cache.NewNamespace(f.backend, cache.NSActiveTrades), f.broker, f.closer, f.strats, logger)
	return f
}

// seed tracks a LONG trade and fills its entry so it is actively monitored.
func (f *fixture) seed(t *testing.T, id, symbol string, side types.TradeSide, qty int, entry string, risk strategy.TradeRisk, strategyID string) {
	t.Helper()
	ctx := context.Background()
	tr := &Trade{
		ID:           id,
		StrategyID:   strategyID,
		StrategyName: "s-" + strategyID,
		UserID:       "u1",
		Symbol:       symbol,
		Exchange:     types.ExchNSE,
		Product:      types.ProductMIS,
		Side:         side,
		Qty:          qty,
		EntryOrderID: "E-" + id,
		Risk:         risk,
	}
	require.NoError(t, f.monitor.Track(ctx, tr))
	f.broker.setOrder("E-"+id, types.StatusComplete, entry)
	f.monitor.Poll(ctx)
	got, ok := f.monitor.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusActive, got.Status)
}

func ltpTick(symbol, ltp string) types.Tick {
	return types.Tick{Symbol: symbol, Exchange: types.ExchNSE, Mode: types.ModeLTP, LTP: dec(ltp), Timestamp: time.Now()}
}

func TestEntryFillArmsRiskLevels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	risk := strategy.TradeRisk{
		Enabled:  true,
		StopLoss: strategy.RiskLeg{Value: dec("10")},
		Target:   strategy.RiskLeg{Value: dec("20")},
	}
	f.seed(t, "t1", "INFY", types.SideLong, 10, "1400", risk, "s1")

	got, _ := f.monitor.Get("t1")
	assert.True(t, got.EntryPrice.Equal(dec("1400")))
	assert.True(t, got.StopLoss.Equal(dec("1390")), "sl %s", got.StopLoss)
	assert.True(t, got.Target.Equal(dec("1420")), "target %s", got.Target)
	assert.Contains(t, f.monitor.WatchedKeys(), "INFY:NSE")
}

func TestRejectedEntryCancelsTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	tr := &Trade{ID: "t1", UserID: "u1", Symbol: "INFY", Exchange: types.ExchNSE,
		Product: types.ProductMIS, Side: types.SideLong, Qty: 10, EntryOrderID: "E-t1"}
	require.NoError(t, f.monitor.Track(ctx, tr))
	f.broker.setOrder("E-t1", types.StatusRejected, "0")
	f.monitor.Poll(ctx)

	got, _ := f.monitor.Get("t1")
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, f.monitor.ActiveTradesFor(""))
}

func TestTrailingStopTracksThenExitsLong(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	risk := strategy.TradeRisk{
		Enabled:    true,
		Trailing:   strategy.TrailPercent,
		TrailValue: dec("0.5"),
	}
	f.seed(t, "t1", "INFY", types.SideLong, 10, "1400", risk, "s1")

	steps := []struct{ ltp, wantLevel string }{
		{"1405", "1397.975"},
		{"1410", "1402.95"},
		{"1415", "1407.925"},
		{"1412", "1407.925"},
		{"1408", "1407.925"},
	}
	for _, st := range steps {
		f.monitor.HandleTick(ctx, ltpTick("INFY", st.ltp))
		got, _ := f.monitor.Get("t1")
		require.Equal(t, StatusActive, got.Status, "ltp %s", st.ltp)
		require.True(t, got.TrailLevel.Equal(dec(st.wantLevel)),
			"ltp %s: trail level %s, want %s", st.ltp, got.TrailLevel, st.wantLevel)
	}

	f.monitor.HandleTick(ctx, ltpTick("INFY", "1407.425"))
	got, _ := f.monitor.Get("t1")
	assert.Equal(t, StatusSLHit, got.Status)
	assert.Equal(t, ReasonTrailing, got.ExitReason)
	assert.Equal(t, 1, f.closer.count())

	// Further ticks never fire a second close.
	f.monitor.HandleTick(ctx, ltpTick("INFY", "1400"))
	assert.Equal(t, 1, f.closer.count())
}

func TestTrailingLevelNeverLoosens(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	risk := strategy.TradeRisk{Enabled: true, Trailing: strategy.TrailPoints, TrailValue: dec("5")}
	f.seed(t, "t1", "INFY", types.SideShort, 10, "1400", risk, "s1")

	f.monitor.HandleTick(ctx, ltpTick("INFY", "1390")) // level 1395
	got, _ := f.monitor.Get("t1")
	require.True(t, got.TrailLevel.Equal(dec("1395")))

	f.monitor.HandleTick(ctx, ltpTick("INFY", "1393")) // above low, level holds
	got, _ = f.monitor.Get("t1")
	require.True(t, got.TrailLevel.Equal(dec("1395")))
	require.Equal(t, StatusActive, got.Status)

	f.monitor.HandleTick(ctx, ltpTick("INFY", "1396")) // ltp >= level, exit
	got, _ = f.monitor.Get("t1")
	assert.Equal(t, StatusSLHit, got.Status)
	assert.Equal(t, ReasonTrailing, got.ExitReason)
}

func TestStopLossAndTargetExits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	longRisk := strategy.TradeRisk{Enabled: true, StopLoss: strategy.RiskLeg{Value: dec("10")}}
	f.seed(t, "lng", "INFY", types.SideLong, 10, "1400", longRisk, "s1")
	f.monitor.HandleTick(ctx, ltpTick("INFY", "1389"))
	got, _ := f.monitor.Get("lng")
	assert.Equal(t, StatusSLHit, got.Status)
	assert.Equal(t, ReasonSL, got.ExitReason)

	shortRisk := strategy.TradeRisk{Enabled: true, Target: strategy.RiskLeg{Value: dec("20")}}
	f.seed(t, "sht", "TCS", types.SideShort, 5, "3500", shortRisk, "s1")
	f.monitor.HandleTick(ctx, ltpTick("TCS", "3479"))
	got, _ = f.monitor.Get("sht")
	assert.Equal(t, StatusTargetHit, got.Status)
	assert.Equal(t, ReasonTarget, got.ExitReason)
}

func TestExitFillBooksRealisedPnL(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	risk := strategy.TradeRisk{Enabled: true, StopLoss: strategy.RiskLeg{Value: dec("10")}}
	f.seed(t, "t1", "INFY", types.SideLong, 10, "1400", risk, "s1")

	f.monitor.HandleTick(ctx, ltpTick("INFY", "1389"))
	got, _ := f.monitor.Get("t1")
	require.Equal(t, "X-1", got.ExitOrderID)

	f.broker.setOrder("X-1", types.StatusComplete, "1389.5")
	f.monitor.Poll(ctx)

	got, _ = f.monitor.Get("t1")
	assert.Equal(t, StatusClosed, got.Status)
	assert.True(t, got.RealizedPnL.Equal(dec("-105")), "pnl %s", got.RealizedPnL)

	f.strats.mu.Lock()
	defer f.strats.mu.Unlock()
	assert.True(t, f.strats.pnl["s1"].Equal(dec("-105")))
}

func TestPortfolioSLClosesAllAndPreemptsIndividual(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.strats.mu.Lock()
	f.strats.insts["s1"] = strategy.Instance{
		ID:             "s1",
		AllocatedFunds: dec("500000"),
		PortfolioRisk: strategy.PortfolioRisk{
			Enabled:  true,
			StopLoss: strategy.RiskLeg{Value: dec("2"), IsPercent: true}, // 10000
		},
	}
	f.strats.mu.Unlock()

	// Per-trade SL of 37 points: only SBIN's final tick breaches it, at the
	// same moment the portfolio SL fires.
	risk := strategy.TradeRisk{Enabled: true, StopLoss: strategy.RiskLeg{Value: dec("37")}}
	f.seed(t, "a", "INFY", types.SideLong, 100, "1000", risk, "s1")
	f.seed(t, "b", "TCS", types.SideLong, 100, "1000", risk, "s1")
	f.seed(t, "c", "SBIN", types.SideLong, 100, "1000", risk, "s1")

	f.monitor.HandleTick(ctx, ltpTick("INFY", "970")) // aggregate -3000
	f.monitor.HandleTick(ctx, ltpTick("TCS", "966"))  // aggregate -6400
	require.Equal(t, 0, f.closer.count())

	// SBIN at 963: aggregate -10100 breaches the portfolio SL; SBIN's own
	// SL (level 963) is breached on the same tick but must not be the
	// recorded reason.
	f.monitor.HandleTick(ctx, ltpTick("SBIN", "963"))

	assert.Equal(t, 3, f.closer.count())
	for _, id := range []string{"a", "b", "c"} {
		got, _ := f.monitor.Get(id)
		assert.Equal(t, StatusSLHit, got.Status, "trade %s", id)
		assert.Equal(t, ReasonPortfolioSL, got.ExitReason, "trade %s", id)
	}
}

func TestRecoveryKeepsBackedTradeRetiresFlatOne(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	risk := strategy.TradeRisk{Enabled: true, StopLoss: strategy.RiskLeg{Value: dec("50")}}
	f.seed(t, "kept", "TCS", types.SideLong, 10, "3500", risk, "s1")
	f.seed(t, "gone", "INFY", types.SideLong, 10, "1400", risk, "s1")
	f.monitor.HandleTick(ctx, ltpTick("TCS", "3520"))
	f.monitor.Flush(ctx)

	// Restart over the same backend: broker backs TCS with +10, INFY flat.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.broker.setNet("TCS", types.ExchNSE, 10)
	second := New(cache.NewNamespace(f.backend, cache.NSActiveTrades), f.broker, f.closer, f.strats, logger)
	require.NoError(t, second.Load(ctx))

	kept, ok := second.Get("kept")
	require.True(t, ok)
	assert.Equal(t, StatusActive, kept.Status)
	assert.Contains(t, second.WatchedKeys(), "TCS:NSE")

	gone, ok := second.Get("gone")
	require.True(t, ok)
	assert.Equal(t, StatusClosed, gone.Status)
	assert.Equal(t, ReasonExternallyClosed, gone.ExitReason)
	assert.NotContains(t, second.WatchedKeys(), "INFY:NSE")

	// The retired trade never re-arms: its ticks are ignored.
	before := f.closer.count()
	second.HandleTick(ctx, ltpTick("INFY", "1300"))
	assert.Equal(t, before, f.closer.count())
}

func TestStopMonitoringKeepsPositions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	risk := strategy.TradeRisk{Enabled: true, StopLoss: strategy.RiskLeg{Value: dec("10")}}
	f.seed(t, "t1", "INFY", types.SideLong, 10, "1400", risk, "s1")

	require.Len(t, f.monitor.ActiveTradesFor("s1"), 1)
	n := f.monitor.StopMonitoring(ctx, "s1")
	assert.Equal(t, 1, n)
	assert.Empty(t, f.monitor.ActiveTradesFor("s1"))
	// No close order went out: the position stays with the broker.
	assert.Equal(t, 0, f.closer.count())

	f.monitor.HandleTick(ctx, ltpTick("INFY", "1000"))
	assert.Equal(t, 0, f.closer.count())
}

func TestCloseAllFiresOnePerTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	risk := strategy.TradeRisk{Enabled: true}
	f.seed(t, "t1", "INFY", types.SideLong, 10, "1400", risk, "s1")
	f.seed(t, "t2", "TCS", types.SideShort, 5, "3500", risk, "s1")
	f.seed(t, "t3", "SBIN", types.SideLong, 20, "800", risk, "other")

	n := f.monitor.CloseAll(ctx, "s1")
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.closer.count())

	got, _ := f.monitor.Get("t3")
	assert.Equal(t, StatusActive, got.Status)

	n = f.monitor.CloseEverything(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.closer.count())
}
