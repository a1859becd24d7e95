package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// Paper is an in-memory Client used by tests and local development. Orders
// fill instantly at the scripted quote; positions net by
// (symbol, exchange, product).
type Paper struct {
	mu      sync.Mutex
	seq     int
	orders  map[string]types.OrderRecord
	pos     map[string]*types.Position // userID|symbol:exchange|product
	quotes  map[string]Quote           // symbol key
	candles map[string][]Candle
	margins map[string]decimal.Decimal

	contracts []types.SymbolRecord

	// FailNext makes the next PlaceOrder return an error, for split-order
	// partial failure tests.
	FailNext   bool
	FailAlways bool

	// Placed records every intent accepted, in order.
	Placed []types.OrderIntent
}

// NewPaper builds an empty paper broker.
func NewPaper() *Paper {
	return &Paper{
		orders:  make(map[string]types.OrderRecord),
		pos:     make(map[string]*types.Position),
		quotes:  make(map[string]Quote),
		candles: make(map[string][]Candle),
		margins: make(map[string]decimal.Decimal),
	}
}

// SetQuote scripts the market for a symbol.
func (p *Paper) SetQuote(symbol string, exchange types.Exchange, q Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.Symbol, q.Exchange = symbol, exchange
	p.quotes[types.SymbolKey(symbol, exchange)] = q
}

// SetHistory scripts candle history for a symbol.
func (p *Paper) SetHistory(symbol string, exchange types.Exchange, bars []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[types.SymbolKey(symbol, exchange)] = bars
}

// SetLotMargin scripts a broker-published lot margin.
func (p *Paper) SetLotMargin(symbol string, exchange types.Exchange, m decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.margins[types.SymbolKey(symbol, exchange)] = m
}

func (p *Paper) posKey(userID, symbol string, exchange types.Exchange, product types.Product) string {
	return userID + "|" + types.SymbolKey(symbol, exchange) + "|" + string(product)
}

func (p *Paper) PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailAlways || p.FailNext {
		p.FailNext = false
		return "", types.NewAPIError(types.ErrUpstream, "paper broker: scripted failure")
	}

	p.seq++
	id := fmt.Sprintf("P%06d", p.seq)
	p.Placed = append(p.Placed, intent)

	fill := intent.Price
	if q, ok := p.quotes[types.SymbolKey(intent.Symbol, intent.Exchange)]; ok {
		fill = q.LTP
	}

	p.orders[id] = types.OrderRecord{
		OrderIntent:   intent,
		BrokerOrderID: id,
		Status:        types.StatusComplete,
		FilledQty:     intent.Quantity,
		AvgPrice:      fill,
	}

	key := p.posKey(intent.UserID, intent.Symbol, intent.Exchange, intent.Product)
	ps, ok := p.pos[key]
	if !ok {
		ps = &types.Position{UserID: intent.UserID, Symbol: intent.Symbol, Exchange: intent.Exchange, Product: intent.Product}
		p.pos[key] = ps
	}
	delta := intent.Quantity
	if intent.Action == types.ActionSell {
		delta = -delta
	}
	ps.NetQty += delta
	ps.AvgPrice = fill
	ps.LTP = fill
	return id, nil
}

func (p *Paper) ModifyOrder(ctx context.Context, userID, brokerOrderID string, changes OrderChanges) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.orders[brokerOrderID]
	if !ok {
		return types.NewAPIErrorf(types.ErrUpstream, "unknown order %s", brokerOrderID)
	}
	if changes.Quantity > 0 {
		rec.Quantity = changes.Quantity
	}
	if changes.Price.Sign() > 0 {
		rec.Price = changes.Price
	}
	p.orders[brokerOrderID] = rec
	return nil
}

func (p *Paper) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.orders[brokerOrderID]
	if !ok {
		return types.NewAPIErrorf(types.ErrUpstream, "unknown order %s", brokerOrderID)
	}
	if !rec.Status.Terminal() {
		rec.Status = types.StatusCancelled
		p.orders[brokerOrderID] = rec
	}
	return nil
}

func (p *Paper) CancelAll(ctx context.Context, userID string, filter *CancelFilter) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cancelled []string
	for id, rec := range p.orders {
		if rec.UserID != userID || rec.Status.Terminal() {
			continue
		}
		if filter != nil {
			if filter.Symbol != "" && rec.Symbol != filter.Symbol {
				continue
			}
			if filter.Strategy != "" && rec.Strategy != filter.Strategy {
				continue
			}
		}
		rec.Status = types.StatusCancelled
		p.orders[id] = rec
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

func (p *Paper) OrderStatus(ctx context.Context, userID, brokerOrderID string) (types.OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.orders[brokerOrderID]
	if !ok {
		return types.OrderRecord{}, types.NewAPIErrorf(types.ErrUpstream, "unknown order %s", brokerOrderID)
	}
	return rec, nil
}

func (p *Paper) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Position
	for _, ps := range p.pos {
		if ps.UserID == userID {
			out = append(out, *ps)
		}
	}
	return out, nil
}

func (p *Paper) NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.pos[p.posKey(userID, symbol, exchange, product)]; ok {
		return ps.NetQty, nil
	}
	return 0, nil
}

func (p *Paper) Holdings(ctx context.Context, userID string) ([]types.Position, error) {
	return nil, nil
}

func (p *Paper) Orderbook(ctx context.Context, userID string) ([]types.OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.OrderRecord
	for _, rec := range p.orders {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *Paper) Tradebook(ctx context.Context, userID string) ([]types.OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.OrderRecord
	for _, rec := range p.orders {
		if rec.UserID == userID && rec.Status == types.StatusComplete {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *Paper) Funds(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"availablecash": decimal.NewFromInt(1000000)}, nil
}

func (p *Paper) Quote(ctx context.Context, symbol string, exchange types.Exchange) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.quotes[types.SymbolKey(symbol, exchange)]; ok {
		return q, nil
	}
	return Quote{}, types.NewAPIErrorf(types.ErrSymbolNotFound, "no quote for %s:%s", symbol, exchange)
}

func (p *Paper) Depth(ctx context.Context, symbol string, exchange types.Exchange) (types.Depth, error) {
	return types.Depth{}, nil
}

func (p *Paper) History(ctx context.Context, symbol string, exchange types.Exchange, interval string, bars int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.candles[types.SymbolKey(symbol, exchange)]
	if bars > 0 && len(cs) > bars {
		cs = cs[len(cs)-bars:]
	}
	out := make([]Candle, len(cs))
	copy(out, cs)
	return out, nil
}

func (p *Paper) LotMargin(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.margins[types.SymbolKey(symbol, exchange)]; ok {
		return m, true, nil
	}
	return decimal.Zero, false, nil
}

var _ Client = (*Paper)(nil)

// SetContracts scripts the master-contract dump.
func (p *Paper) SetContracts(records []types.SymbolRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts = append([]types.SymbolRecord(nil), records...)
}

func (p *Paper) MasterContracts(ctx context.Context) ([]types.SymbolRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.SymbolRecord(nil), p.contracts...), nil
}
