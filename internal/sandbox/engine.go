// Package sandbox is the virtual execution engine: real market data, fake
// money. It keeps per-user books of funds, positions, resting orders and
// trade history, fills orders off the live tick stream, and persists every
// mutation so a restart resumes the same books.
//
// The accounting invariant is conservation: available cash plus used margin
// always equals starting capital plus realised P&L.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"algobridge/internal/broker"
	"algobridge/internal/cache"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

func decodeMsgpack(raw []byte, out any) error { return msgpack.Unmarshal(raw, out) }

// OrderIDPrefix marks sandbox order ids on the wire.
const OrderIDPrefix = "SB-"

// Options tunes the margin model.
type Options struct {
	StartingCapital decimal.Decimal
	EquityLeverage  decimal.Decimal
	FNOMarginPct    decimal.Decimal
}

// Funds is one user's virtual wallet.
type Funds struct {
	UserID          string          `msgpack:"user_id" json:"-"`
	StartingCapital decimal.Decimal `msgpack:"starting_capital" json:"starting_capital"`
	AvailableCash   decimal.Decimal `msgpack:"available_cash" json:"availablecash"`
	UsedMargin      decimal.Decimal `msgpack:"used_margin" json:"utiliseddebits"`
	RealizedPnL     decimal.Decimal `msgpack:"realized_pnl" json:"realized_pnl"`
}

// Trade is one fill, recorded with the session tag active at fill time so
// walk-forward runs can be sliced out of the same book.
type Trade struct {
	TradeID  string          `msgpack:"trade_id" json:"trade_id"`
	OrderID  string          `msgpack:"order_id" json:"orderid"`
	UserID   string          `msgpack:"user_id" json:"-"`
	Session  string          `msgpack:"session" json:"session,omitempty"`
	Strategy string          `msgpack:"strategy" json:"strategy,omitempty"`
	Symbol   string          `msgpack:"symbol" json:"symbol"`
	Exchange types.Exchange  `msgpack:"exchange" json:"exchange"`
	Product  types.Product   `msgpack:"product" json:"product"`
	Action   types.Action    `msgpack:"action" json:"action"`
	Quantity int             `msgpack:"quantity" json:"quantity"`
	Price    decimal.Decimal `msgpack:"price" json:"average_price"`
	PnL      decimal.Decimal `msgpack:"pnl" json:"pnl"`
	At       time.Time       `msgpack:"at" json:"timestamp"`
}

// order is a record plus the margin blocked for its opening portion.
type order struct {
	types.OrderRecord
	Margin    decimal.Decimal `msgpack:"margin"`
	Triggered bool            `msgpack:"triggered"` // SL/SL-M trigger crossed
}

// position carries the margin blocked against the open quantity.
type position struct {
	types.Position
	Margin decimal.Decimal `msgpack:"margin"`
}

// Engine is the virtual broker. It satisfies the router's Backend contract.
type Engine struct {
	opts      Options
	resolver  *symbols.Resolver
	lotMargin LotMarginFunc
	logger    *slog.Logger

	fundsNS, posNS, ordNS, tradeNS *cache.Namespace

	mu        sync.Mutex
	seq       int
	session   string
	funds     map[string]*Funds
	orders    map[string]*order
	resting   map[string][]string // symbol key -> resting order ids
	positions map[string]*position
	ltp       map[string]decimal.Decimal

	now func() time.Time
}

// New builds an empty engine. Call Load to recover persisted books.
func New(resolver *symbols.Resolver, lotMargin LotMarginFunc, opts Options, fundsNS, posNS, ordNS, tradeNS *cache.Namespace, logger *slog.Logger) *Engine {
	return &Engine{
		opts:      opts,
		resolver:  resolver,
		lotMargin: lotMargin,
		logger:    logger.With("component", "sandbox"),
		fundsNS:   fundsNS,
		posNS:     posNS,
		ordNS:     ordNS,
		tradeNS:   tradeNS,
		funds:     make(map[string]*Funds),
		orders:    make(map[string]*order),
		resting:   make(map[string][]string),
		positions: make(map[string]*position),
		ltp:       make(map[string]decimal.Decimal),
		now:       time.Now,
	}
}

// SetSession tags subsequent trades, e.g. a walk-forward run id. Empty
// reverts to untagged live-sandbox trading.
func (e *Engine) SetSession(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = tag
}

// Load recovers books from the cache after a restart.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := e.fundsNS.Items(ctx)
	if err != nil {
		return fmt.Errorf("load sandbox funds: %w", err)
	}
	for k, raw := range items {
		var f Funds
		if err := decodeMsgpack(raw, &f); err != nil {
			e.logger.Warn("skipping corrupt funds record", "key", k, "err", err)
			continue
		}
		e.funds[k] = &f
	}

	items, err = e.posNS.Items(ctx)
	if err != nil {
		return fmt.Errorf("load sandbox positions: %w", err)
	}
	for k, raw := range items {
		var p position
		if err := decodeMsgpack(raw, &p); err != nil {
			e.logger.Warn("skipping corrupt position record", "key", k, "err", err)
			continue
		}
		e.positions[k] = &p
	}

	items, err = e.ordNS.Items(ctx)
	if err != nil {
		return fmt.Errorf("load sandbox orders: %w", err)
	}
	for id, raw := range items {
		var o order
		if err := decodeMsgpack(raw, &o); err != nil {
			e.logger.Warn("skipping corrupt order record", "key", id, "err", err)
			continue
		}
		e.orders[id] = &o
		if !o.Status.Terminal() {
			key := types.SymbolKey(o.Symbol, o.Exchange)
			e.resting[key] = append(e.resting[key], id)
		}
		// Resume the id sequence past every recovered order.
		var n int
		if _, err := fmt.Sscanf(id, OrderIDPrefix+"%d", &n); err == nil && n > e.seq {
			e.seq = n
		}
	}

	e.logger.Info("sandbox books recovered", "users", len(e.funds), "positions", len(e.positions), "orders", len(e.orders))
	return nil
}

func (e *Engine) fundsFor(userID string) *Funds {
	f, ok := e.funds[userID]
	if !ok {
		f = &Funds{
			UserID:          userID,
			StartingCapital: e.opts.StartingCapital,
			AvailableCash:   e.opts.StartingCapital,
		}
		e.funds[userID] = f
	}
	return f
}

func posKey(userID, symbol string, exchange types.Exchange, product types.Product) string {
	return userID + "|" + types.SymbolKey(symbol, exchange) + "|" + string(product)
}

// PlaceOrder accepts an intent into the virtual book. MARKET fills at the
// current LTP; LIMIT/SL/SL-M rest until the tick stream crosses them.
func (e *Engine) PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}
	rec, err := e.resolver.Resolve(ctx, intent.Symbol, intent.Exchange)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := types.SymbolKey(intent.Symbol, intent.Exchange)
	ltp, haveLTP := e.ltp[key]
	if intent.PriceType == types.PriceMarket && !haveLTP {
		return "", types.NewAPIErrorf(types.ErrUpstream, "no market data yet for %s", key)
	}

	// Margin is blocked only for the quantity that increases exposure.
	refPrice := e.referencePrice(intent, ltp, haveLTP)
	openQty := e.openingQty(intent)
	var margin decimal.Decimal
	if openQty > 0 {
		m := intent
		m.Quantity = openQty
		margin = e.marginFor(ctx, m, rec, refPrice)
	}

	f := e.fundsFor(intent.UserID)
	if f.AvailableCash.LessThan(margin) {
		return "", types.NewAPIErrorf(types.ErrRiskRejected,
			"insufficient sandbox funds: need %s, have %s", margin.StringFixed(2), f.AvailableCash.StringFixed(2))
	}
	f.AvailableCash = f.AvailableCash.Sub(margin)
	f.UsedMargin = f.UsedMargin.Add(margin)

	e.seq++
	id := fmt.Sprintf("%s%06d", OrderIDPrefix, e.seq)
	intent.Mode = types.ModeAnalyze
	o := &order{
		OrderRecord: types.OrderRecord{
			OrderIntent:   intent,
			BrokerOrderID: id,
			Status:        types.StatusOpen,
			UpdatedAt:     e.now(),
		},
		Margin: margin,
	}
	e.orders[id] = o

	switch intent.PriceType {
	case types.PriceMarket:
		e.fill(ctx, o, ltp)
	case types.PriceLimit:
		if haveLTP && limitCrossed(intent.Action, ltp, intent.Price) {
			e.fill(ctx, o, intent.Price)
		} else {
			e.rest(key, id)
		}
	default: // SL, SL-M arm on the trigger
		e.rest(key, id)
	}

	e.persistFunds(ctx, f)
	e.persistOrder(ctx, o)
	return id, nil
}

func (e *Engine) rest(key, id string) {
	e.resting[key] = append(e.resting[key], id)
}

// referencePrice picks the price margin is computed against.
func (e *Engine) referencePrice(intent types.OrderIntent, ltp decimal.Decimal, haveLTP bool) decimal.Decimal {
	switch intent.PriceType {
	case types.PriceLimit, types.PriceSL:
		return intent.Price
	case types.PriceSLM:
		return intent.TriggerPrice
	default:
		if haveLTP {
			return ltp
		}
		return intent.Price
	}
}

// openingQty is the part of the order that increases |net position|.
func (e *Engine) openingQty(intent types.OrderIntent) int {
	p, ok := e.positions[posKey(intent.UserID, intent.Symbol, intent.Exchange, intent.Product)]
	if !ok {
		return intent.Quantity
	}
	net := p.NetQty
	if (intent.Action == types.ActionBuy && net >= 0) || (intent.Action == types.ActionSell && net <= 0) {
		return intent.Quantity
	}
	closing := min(intent.Quantity, abs(net))
	return intent.Quantity - closing
}

// limitCrossed reports whether a resting limit order fills at ltp.
func limitCrossed(action types.Action, ltp, limit decimal.Decimal) bool {
	if action == types.ActionBuy {
		return ltp.LessThanOrEqual(limit)
	}
	return ltp.GreaterThanOrEqual(limit)
}

// triggerCrossed reports whether a stop order arms at ltp. Symmetric by
// action: a BUY stop arms above the trigger, a SELL stop below.
func triggerCrossed(action types.Action, ltp, trigger decimal.Decimal) bool {
	if action == types.ActionBuy {
		return ltp.GreaterThanOrEqual(trigger)
	}
	return ltp.LessThanOrEqual(trigger)
}

// fill executes an order at price: nets the position, realises P&L on the
// closing portion and moves blocked margin between order and position.
// Caller holds e.mu.
func (e *Engine) fill(ctx context.Context, o *order, price decimal.Decimal) {
	f := e.fundsFor(o.UserID)
	key := posKey(o.UserID, o.Symbol, o.Exchange, o.Product)
	p, ok := e.positions[key]
	if !ok {
		p = &position{Position: types.Position{
			UserID: o.UserID, Symbol: o.Symbol, Exchange: o.Exchange, Product: o.Product,
		}}
		e.positions[key] = p
	}

	dir := 1
	if o.Action == types.ActionSell {
		dir = -1
	}
	qty := o.Quantity
	pnl := decimal.Zero

	if p.NetQty != 0 && (p.NetQty > 0) != (dir > 0) {
		// Opposite direction: close first, open the remainder.
		closing := min(qty, abs(p.NetQty))
		sign := decimal.NewFromInt(1)
		if p.NetQty < 0 {
			sign = decimal.NewFromInt(-1)
		}
		pnl = price.Sub(p.AvgPrice).Mul(decimal.NewFromInt(int64(closing))).Mul(sign)

		released := decimal.Zero
		if abs(p.NetQty) > 0 {
			released = p.Margin.Mul(decimal.NewFromInt(int64(closing))).Div(decimal.NewFromInt(int64(abs(p.NetQty))))
		}
		p.Margin = p.Margin.Sub(released)
		f.AvailableCash = f.AvailableCash.Add(released).Add(pnl)
		f.UsedMargin = f.UsedMargin.Sub(released)
		f.RealizedPnL = f.RealizedPnL.Add(pnl)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)

		p.NetQty += dir * closing
		remainder := qty - closing
		if remainder > 0 {
			p.NetQty = dir * remainder
			p.AvgPrice = price
		}
	} else {
		// Same direction or flat: weighted average entry.
		oldAbs := decimal.NewFromInt(int64(abs(p.NetQty)))
		addAbs := decimal.NewFromInt(int64(qty))
		total := oldAbs.Add(addAbs)
		p.AvgPrice = p.AvgPrice.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total)
		p.NetQty += dir * qty
	}

	// The order's blocked margin now backs the position.
	p.Margin = p.Margin.Add(o.Margin)
	o.Margin = decimal.Zero
	p.LTP = price

	o.Status = types.StatusComplete
	o.FilledQty = qty
	o.AvgPrice = price
	o.UpdatedAt = e.now()

	trade := Trade{
		TradeID:  fmt.Sprintf("T%06d", e.seq),
		OrderID:  o.BrokerOrderID,
		UserID:   o.UserID,
		Session:  e.session,
		Strategy: o.Strategy,
		Symbol:   o.Symbol,
		Exchange: o.Exchange,
		Product:  o.Product,
		Action:   o.Action,
		Quantity: qty,
		Price:    price,
		PnL:      pnl,
		At:       e.now(),
	}
	e.persistTrade(ctx, trade)
	e.persistPosition(ctx, key, p)
	e.persistFunds(ctx, f)
	e.persistOrder(ctx, o)

	e.logger.Info("sandbox fill", "user", o.UserID, "symbol", o.Symbol,
		"action", o.Action, "qty", qty, "price", price, "pnl", pnl)
}

// HandleTick advances the book: records the LTP, updates open-position
// marks, and fills any resting order the tick crossed.
func (e *Engine) HandleTick(ctx context.Context, tick types.Tick) {
	key := tick.Key()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ltp[key] = tick.LTP

	for _, p := range e.positions {
		if types.SymbolKey(p.Symbol, p.Exchange) == key && p.NetQty != 0 {
			p.LTP = tick.LTP
			sign := decimal.NewFromInt(1)
			if p.NetQty < 0 {
				sign = decimal.NewFromInt(-1)
			}
			p.UnrealizedPnL = tick.LTP.Sub(p.AvgPrice).Mul(decimal.NewFromInt(int64(abs(p.NetQty)))).Mul(sign)
		}
	}

	ids := e.resting[key]
	if len(ids) == 0 {
		return
	}
	var still []string
	for _, id := range ids {
		o, ok := e.orders[id]
		if !ok || o.Status.Terminal() {
			continue
		}
		if e.step(ctx, o, tick.LTP) {
			still = append(still, id)
		}
	}
	if len(still) == 0 {
		delete(e.resting, key)
	} else {
		e.resting[key] = still
	}
}

// step advances one resting order against ltp. Returns true if it is still
// resting. Caller holds e.mu.
func (e *Engine) step(ctx context.Context, o *order, ltp decimal.Decimal) bool {
	switch o.PriceType {
	case types.PriceLimit:
		if limitCrossed(o.Action, ltp, o.Price) {
			e.fill(ctx, o, o.Price)
			return false
		}
	case types.PriceSLM:
		if triggerCrossed(o.Action, ltp, o.TriggerPrice) {
			e.fill(ctx, o, ltp)
			return false
		}
	case types.PriceSL:
		if !o.Triggered && triggerCrossed(o.Action, ltp, o.TriggerPrice) {
			o.Triggered = true
			e.persistOrder(ctx, o)
		}
		if o.Triggered && limitCrossed(o.Action, ltp, o.Price) {
			e.fill(ctx, o, o.Price)
			return false
		}
	}
	return true
}

// ModifyOrder adjusts a resting order. Margin is re-blocked at the new size.
func (e *Engine) ModifyOrder(ctx context.Context, userID, orderID string, changes broker.OrderChanges) error {
	return e.modify(ctx, userID, orderID, changes.Quantity, changes.Price, changes.TriggerPrice, changes.PriceType)
}

func (e *Engine) modify(ctx context.Context, userID, orderID string, qty int, price, trigger decimal.Decimal, pt types.PriceType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.UserID != userID {
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown sandbox order %s", orderID)
	}
	if o.Status.Terminal() {
		return types.NewAPIErrorf(types.ErrInvalidParameters, "order %s is %s", orderID, o.Status)
	}

	// Evaluate the modification on a copy; the order and the wallet change
	// only after every check has passed, so a rejected modification leaves
	// the resting order exactly as it was.
	intent := o.OrderIntent
	if qty > 0 {
		intent.Quantity = qty
	}
	if price.Sign() > 0 {
		intent.Price = price
	}
	if trigger.Sign() > 0 {
		intent.TriggerPrice = trigger
	}
	if pt != "" {
		intent.PriceType = pt
	}

	rec, err := e.resolver.Resolve(ctx, o.Symbol, o.Exchange)
	if err != nil {
		return err
	}
	key := types.SymbolKey(o.Symbol, o.Exchange)
	ltp, haveLTP := e.ltp[key]

	f := e.fundsFor(userID)
	margin := decimal.Zero
	if openQty := e.openingQty(intent); openQty > 0 {
		m := intent
		m.Quantity = openQty
		margin = e.marginFor(ctx, m, rec, e.referencePrice(intent, ltp, haveLTP))
		// The old block comes back before the new one is taken.
		if f.AvailableCash.Add(o.Margin).LessThan(margin) {
			return types.NewAPIError(types.ErrRiskRejected, "insufficient sandbox funds for modification")
		}
	}

	f.AvailableCash = f.AvailableCash.Add(o.Margin).Sub(margin)
	f.UsedMargin = f.UsedMargin.Sub(o.Margin).Add(margin)
	o.Margin = margin
	o.OrderIntent = intent
	o.UpdatedAt = e.now()
	e.persistFunds(ctx, f)
	e.persistOrder(ctx, o)
	return nil
}

// CancelOrder releases the order's blocked margin and marks it cancelled.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelLocked(ctx, userID, orderID)
}

func (e *Engine) cancelLocked(ctx context.Context, userID, orderID string) error {
	o, ok := e.orders[orderID]
	if !ok || o.UserID != userID {
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown sandbox order %s", orderID)
	}
	if o.Status.Terminal() {
		return types.NewAPIErrorf(types.ErrInvalidParameters, "order %s is %s", orderID, o.Status)
	}

	f := e.fundsFor(userID)
	f.AvailableCash = f.AvailableCash.Add(o.Margin)
	f.UsedMargin = f.UsedMargin.Sub(o.Margin)
	o.Margin = decimal.Zero
	o.Status = types.StatusCancelled
	o.UpdatedAt = e.now()

	e.persistFunds(ctx, f)
	e.persistOrder(ctx, o)
	return nil
}

// CancelAll cancels every resting order for a user, optionally filtered.
func (e *Engine) CancelAll(ctx context.Context, userID string, filter *broker.CancelFilter) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var cancelled []string
	for id, o := range e.orders {
		if o.UserID != userID || o.Status.Terminal() {
			continue
		}
		if filter != nil {
			if filter.Symbol != "" && o.Symbol != filter.Symbol {
				continue
			}
			if filter.Exchange != "" && o.Exchange != filter.Exchange {
				continue
			}
			if filter.Product != "" && o.Product != filter.Product {
				continue
			}
			if filter.Strategy != "" && o.Strategy != filter.Strategy {
				continue
			}
		}
		if err := e.cancelLocked(ctx, userID, id); err == nil {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

// NetPosition reports the virtual net quantity for one book row.
func (e *Engine) NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[posKey(userID, symbol, exchange, product)]; ok {
		return p.NetQty, nil
	}
	return 0, nil
}

// Positions lists the user's book rows, closed rows included for the day.
func (e *Engine) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.Position
	for _, p := range e.positions {
		if p.UserID == userID {
			out = append(out, p.Position)
		}
	}
	return out, nil
}

// Orderbook lists every sandbox order for the user.
func (e *Engine) Orderbook(ctx context.Context, userID string) ([]types.OrderRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.OrderRecord
	for _, o := range e.orders {
		if o.UserID == userID {
			out = append(out, o.OrderRecord)
		}
	}
	return out, nil
}

// OrderStatus returns one sandbox order.
func (e *Engine) OrderStatus(ctx context.Context, userID, orderID string) (types.OrderRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.UserID != userID {
		return types.OrderRecord{}, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown sandbox order %s", orderID)
	}
	return o.OrderRecord, nil
}

// Tradebook lists the user's fills, most recent last.
func (e *Engine) Tradebook(ctx context.Context, userID string) ([]Trade, error) {
	items, err := e.tradeNS.Items(ctx)
	if err != nil {
		return nil, err
	}
	var out []Trade
	for _, raw := range items {
		var t Trade
		if err := decodeMsgpack(raw, &t); err != nil {
			continue
		}
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// FundsFor returns the user's wallet snapshot.
func (e *Engine) FundsFor(ctx context.Context, userID string) (Funds, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.fundsFor(userID), nil
}

// Subscriptions lists, per user, the symbol keys the engine needs live
// ticks for: resting orders waiting to cross and open positions being
// marked to market. The orchestrator reconciles feed subscriptions off it.
func (e *Engine) Subscriptions() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	wanted := make(map[string]map[string]struct{})
	add := func(userID, key string) {
		if wanted[userID] == nil {
			wanted[userID] = make(map[string]struct{})
		}
		wanted[userID][key] = struct{}{}
	}
	for _, ids := range e.resting {
		for _, id := range ids {
			if o, ok := e.orders[id]; ok {
				add(o.UserID, types.SymbolKey(o.Symbol, o.Exchange))
			}
		}
	}
	for _, p := range e.positions {
		if p.NetQty != 0 {
			add(p.UserID, types.SymbolKey(p.Symbol, p.Exchange))
		}
	}
	out := make(map[string][]string, len(wanted))
	for userID, keys := range wanted {
		for key := range keys {
			out[userID] = append(out[userID], key)
		}
	}
	return out
}

// SquareOff force-closes every open MIS position on the given exchanges at
// the prevailing LTP and cancels the owners' pending MIS orders. CNC and
// NRML books are untouched.
func (e *Engine) SquareOff(ctx context.Context, exchanges []types.Exchange) {
	inSegment := make(map[types.Exchange]bool, len(exchanges))
	for _, x := range exchanges {
		inSegment[x] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Pending MIS orders first so a cancel cannot race its own square-off fill.
	for id, o := range e.orders {
		if o.Status.Terminal() || o.Product != types.ProductMIS || !inSegment[o.Exchange] {
			continue
		}
		if err := e.cancelLocked(ctx, o.UserID, id); err != nil {
			e.logger.Warn("square-off cancel failed", "order", id, "err", err)
		}
	}

	for _, p := range e.positions {
		if p.NetQty == 0 || p.Product != types.ProductMIS || !inSegment[p.Exchange] {
			continue
		}
		ltp, ok := e.ltp[types.SymbolKey(p.Symbol, p.Exchange)]
		if !ok {
			ltp = p.LTP
		}
		if ltp.Sign() <= 0 {
			e.logger.Warn("square-off skipped, no price", "user", p.UserID, "symbol", p.Symbol)
			continue
		}

		action := types.ActionSell
		if p.NetQty < 0 {
			action = types.ActionBuy
		}
		e.seq++
		o := &order{OrderRecord: types.OrderRecord{
			OrderIntent: types.OrderIntent{
				ClientOrderID: fmt.Sprintf("squareoff-%d", e.seq),
				UserID:        p.UserID,
				Symbol:        p.Symbol,
				Exchange:      p.Exchange,
				Action:        action,
				Product:       types.ProductMIS,
				PriceType:     types.PriceMarket,
				Quantity:      abs(p.NetQty),
				Mode:          types.ModeAnalyze,
			},
			BrokerOrderID: fmt.Sprintf("%s%06d", OrderIDPrefix, e.seq),
			Status:        types.StatusOpen,
			UpdatedAt:     e.now(),
		}}
		e.orders[o.BrokerOrderID] = o
		e.fill(ctx, o, ltp)
		e.logger.Info("auto square-off", "user", p.UserID, "symbol", p.Symbol, "qty", o.Quantity)
	}
}

// Reset restores every wallet to starting capital and clears positions and
// orders. Trade history survives; that is the point of the sandbox.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range e.funds {
		f.AvailableCash = e.opts.StartingCapital
		f.StartingCapital = e.opts.StartingCapital
		f.UsedMargin = decimal.Zero
		f.RealizedPnL = decimal.Zero
		e.persistFunds(ctx, f)
	}
	e.positions = make(map[string]*position)
	e.orders = make(map[string]*order)
	e.resting = make(map[string][]string)

	if err := e.posNS.Clear(ctx); err != nil {
		return err
	}
	if err := e.ordNS.Clear(ctx); err != nil {
		return err
	}
	e.logger.Info("sandbox reset complete")
	return nil
}

func (e *Engine) persistFunds(ctx context.Context, f *Funds) {
	if err := e.fundsNS.SetObject(ctx, f.UserID, f, cache.NoTTL); err != nil {
		e.logger.Error("persist funds failed", "user", f.UserID, "err", err)
	}
}

func (e *Engine) persistPosition(ctx context.Context, key string, p *position) {
	if err := e.posNS.SetObject(ctx, key, p, cache.NoTTL); err != nil {
		e.logger.Error("persist position failed", "key", key, "err", err)
	}
}

func (e *Engine) persistOrder(ctx context.Context, o *order) {
	if err := e.ordNS.SetObject(ctx, o.BrokerOrderID, o, cache.NoTTL); err != nil {
		e.logger.Error("persist order failed", "order", o.BrokerOrderID, "err", err)
	}
}

func (e *Engine) persistTrade(ctx context.Context, t Trade) {
	if err := e.tradeNS.SetObject(ctx, t.TradeID+"-"+t.OrderID, t, cache.NoTTL); err != nil {
		e.logger.Error("persist trade failed", "trade", t.TradeID, "err", err)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
