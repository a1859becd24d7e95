// Package monitor tracks active trades: entry-fill polling, per-tick
// stop-loss / target / trailing evaluation, strategy-level portfolio risk,
// and crash recovery reconciled against broker positions.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"algobridge/internal/cache"
	"algobridge/internal/strategy"
	"algobridge/pkg/types"
)

// Status is the trade lifecycle state.
type Status string

const (
	StatusPendingEntry Status = "pending_entry"
	StatusActive       Status = "active"
	StatusSLHit        Status = "sl_hit"
	StatusTargetHit    Status = "target_hit"
	StatusClosed       Status = "closed"
	StatusCancelled    Status = "cancelled"
)

// Exit reasons recorded on close.
const (
	ReasonSL               = "SL_HIT"
	ReasonTarget           = "TARGET_HIT"
	ReasonTrailing         = "TRAILING_SL_HIT"
	ReasonPortfolioSL      = "PORTFOLIO_SL"
	ReasonPortfolioTarget  = "PORTFOLIO_TARGET"
	ReasonPortfolioTrail   = "PORTFOLIO_TRAILING_SL"
	ReasonManual           = "MANUAL"
	ReasonExternallyClosed = "externally_closed"
)

// Trade is one monitored position.
type Trade struct {
	ID           string          `json:"id" msgpack:"id"`
	StrategyID   string          `json:"strategy_id" msgpack:"strategy_id"`
	StrategyName string          `json:"strategy_name" msgpack:"strategy_name"`
	UserID       string          `json:"user_id" msgpack:"user_id"`
	Symbol       string          `json:"symbol" msgpack:"symbol"`
	Exchange     types.Exchange  `json:"exchange" msgpack:"exchange"`
	Product      types.Product   `json:"product" msgpack:"product"`
	Side         types.TradeSide `json:"side" msgpack:"side"`
	Qty          int             `json:"quantity" msgpack:"quantity"`

	EntryOrderID string          `json:"entry_order_id" msgpack:"entry_order_id"`
	EntryPrice   decimal.Decimal `json:"entry_price" msgpack:"entry_price"`

	Risk strategy.TradeRisk `json:"risk" msgpack:"risk"`

	Status     Status          `json:"status" msgpack:"status"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty" msgpack:"stop_loss"` // effective, ratcheted by trailing
	Target     decimal.Decimal `json:"target,omitempty" msgpack:"target"`
	TrailLevel decimal.Decimal `json:"trail_level,omitempty" msgpack:"trail_level"`
	Extreme    decimal.Decimal `json:"extreme,omitempty" msgpack:"extreme"` // highest seen LONG, lowest SHORT

	LTP           decimal.Decimal `json:"ltp,omitempty" msgpack:"ltp"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty" msgpack:"unrealized_pnl"`

	ExitOrderID string          `json:"exit_order_id,omitempty" msgpack:"exit_order_id"`
	ExitReason  string          `json:"exit_reason,omitempty" msgpack:"exit_reason"`
	ExitPrice   decimal.Decimal `json:"exit_price,omitempty" msgpack:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty" msgpack:"realized_pnl"`

	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty" msgpack:"closed_at"`
}

// Key returns the symbol key the trade is monitored under.
func (t *Trade) Key() string { return types.SymbolKey(t.Symbol, t.Exchange) }

// open reports whether the trade still needs monitoring or safety-gating.
func (t *Trade) open() bool {
	switch t.Status {
	case StatusPendingEntry, StatusActive, StatusSLHit, StatusTargetHit:
		return true
	}
	return false
}

// pnl is the mark-to-market P&L at the given price.
func (t *Trade) pnl(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(t.EntryPrice)
	if t.Side == types.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(int64(t.Qty)))
}

// Broker is the order-status and position slice the monitor polls.
type Broker interface {
	OrderStatus(ctx context.Context, userID, brokerOrderID string) (types.OrderRecord, error)
	NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error)
}

// Closer issues exit orders through the order router.
type Closer interface {
	SmartClose(ctx context.Context, userID, clientOrderID, symbol string, exchange types.Exchange, product types.Product, strategyName string) (types.OrderResult, error)
}

// StrategySource looks up the owning strategy for portfolio risk config.
type StrategySource interface {
	Get(id string) (strategy.Instance, bool)
	AddDayPnL(ctx context.Context, id string, pnl decimal.Decimal) error
}

// Notifier delivers exit notifications to the trade owner. Optional.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// Monitor owns the active-trade table.
type Monitor struct {
	ns         *cache.Namespace
	broker     Broker
	closer     Closer
	strategies StrategySource
	notifier   Notifier
	logger     *slog.Logger

	mu    sync.Mutex
	byID  map[string]*Trade
	byKey map[string]map[string]struct{}
	dirty map[string]struct{}
	peaks map[string]decimal.Decimal // strategy id -> peak aggregate P&L

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now func() time.Time
}

// New builds the monitor. Call Load to recover, then Start.
func New(ns *cache.Namespace, b Broker, closer Closer, strategies StrategySource, logger *slog.Logger) *Monitor {
	return &Monitor{
		ns:         ns,
		broker:     b,
		closer:     closer,
		strategies: strategies,
		logger:     logger.With("component", "monitor"),
		byID:       make(map[string]*Trade),
		byKey:      make(map[string]map[string]struct{}),
		dirty:      make(map[string]struct{}),
		peaks:      make(map[string]decimal.Decimal),
		now:        time.Now,
	}
}

// SetNotifier attaches an exit notifier. Call before Start.
func (m *Monitor) SetNotifier(n Notifier) { m.notifier = n }

// Track seeds a trade in pending_entry for a just-placed order. The entry
// price stays unknown until the broker reports the order complete.
func (m *Monitor) Track(ctx context.Context, t *Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = StatusPendingEntry
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt

	m.mu.Lock()
	m.byID[t.ID] = t
	cp := *t
	m.mu.Unlock()
	return m.persist(ctx, &cp)
}

// Start launches the entry/exit poller and the periodic flush.
func (m *Monitor) Start(ctx context.Context, pollEvery, flushEvery time.Duration) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		tk := time.NewTicker(pollEvery)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				m.Poll(ctx)
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		tk := time.NewTicker(flushEvery)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				m.Flush(ctx)
			}
		}
	}()
}

// Close stops background work and flushes pending state.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.Flush(context.Background())
}

// Poll advances trades waiting on a broker order: pending entries activate
// on fill, exit legs book realised P&L on fill.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	var pending []string
	for id, t := range m.byID {
		if t.Status == StatusPendingEntry || ((t.Status == StatusSLHit || t.Status == StatusTargetHit) && t.ExitOrderID != "") {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	for _, id := range pending {
		m.pollOne(ctx, id)
	}
}

func (m *Monitor) pollOne(ctx context.Context, id string) {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	snap := *t
	m.mu.Unlock()

	switch snap.Status {
	case StatusPendingEntry:
		rec, err := m.broker.OrderStatus(ctx, snap.UserID, snap.EntryOrderID)
		if err != nil {
			m.logger.Warn("entry poll failed", "trade", id, "err", err)
			return
		}
		switch rec.Status {
		case types.StatusComplete:
			m.activate(ctx, id, rec.AvgPrice)
		case types.StatusRejected, types.StatusCancelled:
			m.transition(ctx, id, func(t *Trade) {
				t.Status = StatusCancelled
				t.ClosedAt = m.now()
			})
			m.logger.Info("entry order dead, trade cancelled", "trade", id, "status", rec.Status)
		}
	default:
		rec, err := m.broker.OrderStatus(ctx, snap.UserID, snap.ExitOrderID)
		if err != nil {
			m.logger.Warn("exit poll failed", "trade", id, "err", err)
			return
		}
		if rec.Status != types.StatusComplete {
			return
		}
		m.settle(ctx, id, rec.AvgPrice)
	}
}

// activate fills in the entry and arms the risk levels.
func (m *Monitor) activate(ctx context.Context, id string, entry decimal.Decimal) {
	m.transition(ctx, id, func(t *Trade) {
		t.Status = StatusActive
		t.EntryPrice = entry
		t.Extreme = entry
		if t.Risk.Enabled {
			if sl := t.Risk.StopLoss.Amount(entry); sl.Sign() > 0 {
				if t.Side == types.SideLong {
					t.StopLoss = entry.Sub(sl)
				} else {
					t.StopLoss = entry.Add(sl)
				}
			}
			if tg := t.Risk.Target.Amount(entry); tg.Sign() > 0 {
				if t.Side == types.SideLong {
					t.Target = entry.Add(tg)
				} else {
					t.Target = entry.Sub(tg)
				}
			}
		}
	})

	m.mu.Lock()
	if t, ok := m.byID[id]; ok {
		key := t.Key()
		if m.byKey[key] == nil {
			m.byKey[key] = make(map[string]struct{})
		}
		m.byKey[key][id] = struct{}{}
	}
	m.mu.Unlock()
	m.logger.Info("trade active", "trade", id, "entry", entry)
}

// settle books the exit fill.
func (m *Monitor) settle(ctx context.Context, id string, exitPrice decimal.Decimal) {
	var strategyID string
	var realized decimal.Decimal
	m.transition(ctx, id, func(t *Trade) {
		t.ExitPrice = exitPrice
		t.RealizedPnL = t.pnl(exitPrice)
		t.Status = StatusClosed
		t.ClosedAt = m.now()
		strategyID = t.StrategyID
		realized = t.RealizedPnL
	})
	if strategyID != "" && m.strategies != nil {
		if err := m.strategies.AddDayPnL(ctx, strategyID, realized); err != nil {
			m.logger.Warn("day pnl update failed", "strategy", strategyID, "err", err)
		}
	}
	m.logger.Info("trade closed", "trade", id, "exit", exitPrice, "pnl", realized)
}

// HandleTick evaluates every active trade on the tick's symbol. Portfolio
// risk is checked first: when it fires, every trade of the strategy closes
// and individual exits for this tick are suppressed.
func (m *Monitor) HandleTick(ctx context.Context, tick types.Tick) {
	key := tick.Key()
	m.mu.Lock()
	var ids []string
	for id := range m.byKey[key] {
		if t, ok := m.byID[id]; ok && t.Status == StatusActive {
			t.LTP = tick.LTP
			t.UnrealizedPnL = t.pnl(tick.LTP)
			m.dirty[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	closedByPortfolio := make(map[string]bool) // strategy id -> fired this tick
	for _, id := range ids {
		m.mu.Lock()
		t, ok := m.byID[id]
		if !ok || t.Status != StatusActive {
			m.mu.Unlock()
			continue
		}
		snap := *t
		m.mu.Unlock()

		if closedByPortfolio[snap.StrategyID] {
			continue
		}
		if fired, reason := m.portfolioBreach(snap.StrategyID); fired {
			closedByPortfolio[snap.StrategyID] = true
			m.closeStrategy(ctx, snap.StrategyID, reason)
			continue
		}
		m.evaluate(ctx, id, tick.LTP)
	}
}

// evaluate runs the per-trade risk table for one price.
func (m *Monitor) evaluate(ctx context.Context, id string, ltp decimal.Decimal) {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok || t.Status != StatusActive {
		m.mu.Unlock()
		return
	}

	long := t.Side == types.SideLong

	// Fixed stop-loss and target first.
	if t.StopLoss.Sign() > 0 {
		if (long && ltp.Cmp(t.StopLoss) <= 0) || (!long && ltp.Cmp(t.StopLoss) >= 0) {
			reason := ReasonSL
			if t.TrailLevel.Sign() > 0 && t.StopLoss.Equal(t.TrailLevel) {
				reason = ReasonTrailing
			}
			m.mu.Unlock()
			m.exit(ctx, id, reason)
			return
		}
	}
	if t.Target.Sign() > 0 {
		if (long && ltp.Cmp(t.Target) >= 0) || (!long && ltp.Cmp(t.Target) <= 0) {
			m.mu.Unlock()
			m.exit(ctx, id, ReasonTarget)
			return
		}
	}

	// Trailing ratchet: recompute from a new extreme; the level only ever
	// tightens.
	if t.Risk.Enabled && t.Risk.Trailing != strategy.TrailNone && t.Risk.TrailValue.Sign() > 0 {
		moved := (long && ltp.Cmp(t.Extreme) > 0) || (!long && ltp.Cmp(t.Extreme) < 0)
		if moved {
			t.Extreme = ltp
			level := trailLevel(ltp, t.Risk, long)
			better := t.TrailLevel.Sign() == 0 ||
				(long && level.Cmp(t.TrailLevel) > 0) ||
				(!long && level.Cmp(t.TrailLevel) < 0)
			if better {
				t.TrailLevel = level
				// The trailing level becomes the effective stop once it is
				// tighter than the fixed one.
				if t.StopLoss.Sign() == 0 ||
					(long && level.Cmp(t.StopLoss) > 0) ||
					(!long && level.Cmp(t.StopLoss) < 0) {
					t.StopLoss = level
				}
				m.dirty[id] = struct{}{}
			}
		}
		if t.TrailLevel.Sign() > 0 {
			if (long && ltp.Cmp(t.TrailLevel) <= 0) || (!long && ltp.Cmp(t.TrailLevel) >= 0) {
				m.mu.Unlock()
				m.exit(ctx, id, ReasonTrailing)
				return
			}
		}
	}
	m.mu.Unlock()
}

func trailLevel(ltp decimal.Decimal, risk strategy.TradeRisk, long bool) decimal.Decimal {
	var dist decimal.Decimal
	switch risk.Trailing {
	case strategy.TrailPoints:
		dist = risk.TrailValue
	case strategy.TrailPercent:
		dist = ltp.Mul(risk.TrailValue).Div(decimal.NewFromInt(100))
	default:
		return decimal.Zero
	}
	if long {
		return ltp.Sub(dist)
	}
	return ltp.Add(dist)
}

// exit fires the close order once. The status flip guards against a second
// smart_close for the same trade.
func (m *Monitor) exit(ctx context.Context, id, reason string) {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok || t.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	switch reason {
	case ReasonTarget, ReasonPortfolioTarget:
		t.Status = StatusTargetHit
	default:
		t.Status = StatusSLHit
	}
	t.ExitReason = reason
	t.UpdatedAt = m.now()
	m.byKey[t.Key()] = deleteID(m.byKey[t.Key()], id)
	snap := *t
	m.mu.Unlock()

	m.persistLogged(ctx, &snap)

	result, err := m.closer.SmartClose(ctx, snap.UserID, "", snap.Symbol, snap.Exchange, snap.Product, snap.StrategyName)
	if err != nil {
		m.logger.Error("exit close failed", "trade", id, "reason", reason, "err", err)
		return
	}
	m.transition(ctx, id, func(t *Trade) {
		if result.BrokerOrderID != "" {
			t.ExitOrderID = result.BrokerOrderID
		} else if len(result.OrderIDs) > 0 {
			t.ExitOrderID = result.OrderIDs[0]
		}
	})
	m.logger.Info("trade exit fired", "trade", id, "reason", reason)

	if m.notifier != nil {
		text := fmt.Sprintf("Exit fired: %s %s x%d (%s)", snap.Symbol, snap.Exchange, snap.Qty, reason)
		if err := m.notifier.Notify(ctx, snap.UserID, text); err != nil {
			m.logger.Warn("exit notification failed", "trade", id, "err", err)
		}
	}
}

// portfolioBreach evaluates the strategy's aggregate P&L against its
// portfolio risk, in order: stop-loss, target, trailing.
func (m *Monitor) portfolioBreach(strategyID string) (bool, string) {
	if m.strategies == nil {
		return false, ""
	}
	inst, ok := m.strategies.Get(strategyID)
	if !ok || !inst.PortfolioRisk.Enabled {
		return false, ""
	}

	m.mu.Lock()
	agg := decimal.Zero
	for _, t := range m.byID {
		if t.StrategyID == strategyID && t.Status == StatusActive {
			agg = agg.Add(t.UnrealizedPnL)
		}
	}
	peak, hadPeak := m.peaks[strategyID]
	if !hadPeak || agg.Cmp(peak) > 0 {
		peak = agg
		m.peaks[strategyID] = peak
	}
	m.mu.Unlock()

	base := inst.AllocatedFunds
	if sl := inst.PortfolioRisk.StopLoss.Amount(base); sl.Sign() > 0 && agg.Cmp(sl.Neg()) <= 0 {
		return true, ReasonPortfolioSL
	}
	if tg := inst.PortfolioRisk.Target.Amount(base); tg.Sign() > 0 && agg.Cmp(tg) >= 0 {
		return true, ReasonPortfolioTarget
	}
	if tr := inst.PortfolioRisk.Trailing.Amount(base); tr.Sign() > 0 && peak.Sign() > 0 {
		if agg.Cmp(peak.Sub(tr)) <= 0 {
			return true, ReasonPortfolioTrail
		}
	}
	return false, ""
}

// closeStrategy exits every active trade of the strategy with one reason.
func (m *Monitor) closeStrategy(ctx context.Context, strategyID, reason string) {
	m.mu.Lock()
	var ids []string
	for id, t := range m.byID {
		if t.StrategyID == strategyID && t.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	delete(m.peaks, strategyID)
	m.mu.Unlock()

	m.logger.Warn("portfolio risk fired", "strategy", strategyID, "reason", reason, "trades", len(ids))
	for _, id := range ids {
		m.exit(ctx, id, reason)
	}
}

// CloseAll manually exits every open trade of a strategy. Used by the
// panic path and the delete safety gate.
func (m *Monitor) CloseAll(ctx context.Context, strategyID string) int {
	m.mu.Lock()
	var ids []string
	for id, t := range m.byID {
		if t.StrategyID == strategyID && t.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.exit(ctx, id, ReasonManual)
	}
	return len(ids)
}

// CloseEverything exits every active trade across all strategies.
func (m *Monitor) CloseEverything(ctx context.Context) int {
	m.mu.Lock()
	var ids []string
	for id, t := range m.byID {
		if t.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.exit(ctx, id, ReasonManual)
	}
	return len(ids)
}

// StopMonitoring orphans a strategy's trades without touching positions.
// Backs the keep-positions choice of the delete safety gate.
func (m *Monitor) StopMonitoring(ctx context.Context, strategyID string) int {
	m.mu.Lock()
	var snaps []Trade
	for id, t := range m.byID {
		if t.StrategyID == strategyID && t.open() {
			t.Status = StatusClosed
			t.ExitReason = ReasonManual
			t.ClosedAt = m.now()
			t.UpdatedAt = t.ClosedAt
			m.byKey[t.Key()] = deleteID(m.byKey[t.Key()], id)
			snaps = append(snaps, *t)
		}
	}
	m.mu.Unlock()
	for i := range snaps {
		m.persistLogged(ctx, &snaps[i])
	}
	return len(snaps)
}

// ActiveTradesFor implements strategy.TradeSource for the safety gate.
func (m *Monitor) ActiveTradesFor(strategyID string) []strategy.TradeRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []strategy.TradeRef
	for _, t := range m.byID {
		if t.StrategyID == strategyID && t.open() {
			out = append(out, strategy.TradeRef{
				TradeID:  t.ID,
				Symbol:   t.Symbol,
				Exchange: t.Exchange,
				Side:     t.Side,
				Qty:      t.Qty,
			})
		}
	}
	return out
}

// Trades returns the user's trades, open and closed.
func (m *Monitor) Trades(userID string) []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Trade
	for _, t := range m.byID {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

// Get returns a copy of one trade.
func (m *Monitor) Get(id string) (Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// WatchedKeys lists the symbol keys with at least one active trade, for
// feed subscription by the orchestrator.
func (m *Monitor) WatchedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byKey))
	for key, ids := range m.byKey {
		if len(ids) > 0 {
			out = append(out, key)
		}
	}
	return out
}

// Subscriptions lists, per user, the symbol keys with at least one open
// trade. The orchestrator reconciles feed subscriptions off it.
func (m *Monitor) Subscriptions() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]map[string]struct{})
	for _, t := range m.byID {
		if !t.open() {
			continue
		}
		if wanted[t.UserID] == nil {
			wanted[t.UserID] = make(map[string]struct{})
		}
		wanted[t.UserID][t.Key()] = struct{}{}
	}
	out := make(map[string][]string, len(wanted))
	for userID, keys := range wanted {
		for key := range keys {
			out[userID] = append(out[userID], key)
		}
	}
	return out
}

// Load recovers open trades from the cache and reconciles each against the
// broker's net position. A flat broker position means the trade was closed
// outside the engine; it is retired, not re-armed.
func (m *Monitor) Load(ctx context.Context) error {
	items, err := m.ns.Items(ctx)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}

	var recovered []*Trade
	m.mu.Lock()
	for id, raw := range items {
		var t Trade
		if err := msgpack.Unmarshal(raw, &t); err != nil {
			m.logger.Warn("skipping corrupt trade record", "id", id, "err", err)
			continue
		}
		m.byID[t.ID] = &t
		if t.Status == StatusActive {
			key := t.Key()
			if m.byKey[key] == nil {
				m.byKey[key] = make(map[string]struct{})
			}
			m.byKey[key][t.ID] = struct{}{}
			recovered = append(recovered, &t)
		}
	}
	m.mu.Unlock()

	for _, t := range recovered {
		net, err := m.broker.NetPosition(ctx, t.UserID, t.Symbol, t.Exchange, t.Product)
		if err != nil {
			m.logger.Warn("recovery position check failed, keeping trade armed", "trade", t.ID, "err", err)
			continue
		}
		if net == 0 {
			m.logger.Warn("RECONCILIATION_WARNING: broker flat for recovered trade, retiring",
				"trade", t.ID, "symbol", t.Symbol)
			m.mu.Lock()
			if live, ok := m.byID[t.ID]; ok {
				live.Status = StatusClosed
				live.ExitReason = ReasonExternallyClosed
				live.ClosedAt = m.now()
				live.UpdatedAt = live.ClosedAt
				m.byKey[live.Key()] = deleteID(m.byKey[live.Key()], t.ID)
				snap := *live
				m.mu.Unlock()
				m.persistLogged(ctx, &snap)
				continue
			}
			m.mu.Unlock()
		}
	}
	m.logger.Info("trades recovered", "total", len(items), "active", len(recovered))
	return nil
}

// Flush persists every trade whose mutable fields changed since the last
// flush.
func (m *Monitor) Flush(ctx context.Context) {
	m.mu.Lock()
	snaps := make([]Trade, 0, len(m.dirty))
	for id := range m.dirty {
		if t, ok := m.byID[id]; ok {
			snaps = append(snaps, *t)
		}
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	for i := range snaps {
		m.persistLogged(ctx, &snaps[i])
	}
}

// transition mutates under the lock and flushes synchronously.
func (m *Monitor) transition(ctx context.Context, id string, f func(*Trade)) {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	f(t)
	t.UpdatedAt = m.now()
	snap := *t
	m.mu.Unlock()
	m.persistLogged(ctx, &snap)
}

func (m *Monitor) persist(ctx context.Context, t *Trade) error {
	if err := m.ns.SetObject(ctx, t.ID, t, cache.NoTTL); err != nil {
		return fmt.Errorf("persist trade %s: %w", t.ID, err)
	}
	return nil
}

func (m *Monitor) persistLogged(ctx context.Context, t *Trade) {
	if err := m.persist(ctx, t); err != nil {
		m.logger.Error("persist trade failed", "trade", t.ID, "err", err)
	}
}

func deleteID(ids map[string]struct{}, id string) map[string]struct{} {
	if ids != nil {
		delete(ids, id)
	}
	return ids
}
