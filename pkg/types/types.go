// Package types defines the domain types shared across the trading bridge:
// symbols, subscriptions, normalised ticks, order intents and records,
// positions, and the typed error codes every component surfaces.
//
// Everything that crosses a component boundary lives here. Component-private
// state (active trades, alerts, strategy instances) lives with its owner.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is one of the enumerated exchange codes on the wire.
type Exchange string

const (
	ExchNSE      Exchange = "NSE"
	ExchBSE      Exchange = "BSE"
	ExchNFO      Exchange = "NFO"
	ExchBFO      Exchange = "BFO"
	ExchCDS      Exchange = "CDS"
	ExchBCD      Exchange = "BCD"
	ExchMCX      Exchange = "MCX"
	ExchNSEIndex Exchange = "NSE_INDEX"
	ExchBSEIndex Exchange = "BSE_INDEX"
)

// ValidExchange reports whether e is one of the enumerated exchange codes.
func ValidExchange(e Exchange) bool {
	switch e {
	case ExchNSE, ExchBSE, ExchNFO, ExchBFO, ExchCDS, ExchBCD, ExchMCX, ExchNSEIndex, ExchBSEIndex:
		return true
	}
	return false
}

// IsIndex reports whether the exchange carries index symbols (not tradeable).
func (e Exchange) IsIndex() bool {
	return e == ExchNSEIndex || e == ExchBSEIndex
}

// IsDerivative reports whether the exchange lists F&O contracts subject to
// freeze-quantity limits.
func (e Exchange) IsDerivative() bool {
	switch e {
	case ExchNFO, ExchBFO, ExchCDS, ExchBCD, ExchMCX:
		return true
	}
	return false
}

// SubMode is the market-data subscription detail level.
type SubMode int

const (
	ModeLTP   SubMode = 1
	ModeQuote SubMode = 2
	ModeDepth SubMode = 4
)

// ValidSubMode reports whether m is 1, 2 or 4.
func ValidSubMode(m SubMode) bool {
	return m == ModeLTP || m == ModeQuote || m == ModeDepth
}

func (m SubMode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "QUOTE"
	case ModeDepth:
		return "DEPTH"
	}
	return fmt.Sprintf("MODE(%d)", int(m))
}

// DepthLevels are the depth sizes a client may request. Brokers support a
// subset per exchange; the feed downgrades to the highest supported level.
var DepthLevels = []int{5, 20, 30, 50}

// ValidDepthLevel reports whether lvl is one of 5, 20, 30, 50.
func ValidDepthLevel(lvl int) bool {
	for _, l := range DepthLevels {
		if lvl == l {
			return true
		}
	}
	return false
}

// InstrumentType classifies a symbol record.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQ"
	InstrumentFuture InstrumentType = "FUT"
	InstrumentOption InstrumentType = "OPT"
	InstrumentIndex  InstrumentType = "INDEX"
)

// SymbolRecord is one row of the per-broker symbol table, keyed by
// (Symbol, Exchange). Records are immutable; the resolver swaps whole tables.
type SymbolRecord struct {
	Symbol       string          `json:"symbol"`
	Exchange     Exchange        `json:"exchange"`
	BrokerSymbol string          `json:"brsymbol"`
	Token        string          `json:"token"`
	Instrument   InstrumentType  `json:"instrumenttype"`
	LotSize      int             `json:"lotsize"`
	TickSize     decimal.Decimal `json:"ticksize"`
	Expiry       string          `json:"expiry,omitempty"` // DDMMMYY, derivatives only
	Strike       decimal.Decimal `json:"strike,omitempty"`
	FreezeQty    int             `json:"freezeqty,omitempty"` // 0 = no exchange freeze limit
}

// / Key returns the canonical "SYMBOL:EXCHANGE" lookup key.
func (r SymbolRecord) Key() string { return SymbolKey(r.Symbol, r.Exchange) }

// SymbolKey builds the canonical lookup key used by the resolver, feed hub,
// alert index and trade monitor alike.
func SymbolKey(symbol string, exchange Exchange) string {
	return strings.ToUpper(symbol) + ":" + string(exchange)
}

// SplitSymbolKey breaks a "SYMBOL:EXCHANGE" key back into its parts. The
// exchange is the segment after the last colon; symbols never contain one.
func SplitSymbolKey(key string) (string, Exchange, bool) {
	i := strings.LastIndex(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], Exchange(key[i+1:]), true
}

// Action is the order direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Opposite returns the reverse direction, used by smart-close.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// Product is the product type an order is booked under.
type Product string

const (
	ProductMIS  Product = "MIS"  // intraday, auto squared off
	ProductCNC  Product = "CNC"  // delivery
	ProductNRML Product = "NRML" // F&O carry-forward
)

// PriceType selects the order execution style.
type PriceType string

const (
	PriceMarket PriceType = "MARKET"
	PriceLimit  PriceType = "LIMIT"
	PriceSL     PriceType = "SL"
	PriceSLM    PriceType = "SL-M"
)

// OrderMode distinguishes live broker routing from the sandbox engine.
type OrderMode string

const (
	ModeLive    OrderMode = "live"
	ModeAnalyze OrderMode = "analyze"
)

// OrderIntent is the unified order shape accepted by the router.
// ClientOrderID is the idempotency key: replays inside the dedup window
// return the original result without resubmitting.
type OrderIntent struct {
	ClientOrderID string          `json:"client_order_id"`
	UserID        string          `json:"user_id"`
	Broker        string          `json:"broker"`
	Symbol        string          `json:"symbol"`
	Exchange      Exchange        `json:"exchange"`
	Action        Action          `json:"action"`
	Product       Product         `json:"product"`
	PriceType     PriceType       `json:"pricetype"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Strategy      string          `json:"strategy,omitempty"`
	Mode          OrderMode       `json:"-"`
	CreatedAt     time.Time       `json:"-"`
}

// Validate rejects intents that must never reach a broker.
func (o OrderIntent) Validate() error {
	if !ValidExchange(o.Exchange) {
		return NewAPIError(ErrInvalidParameters, fmt.Sprintf("unknown exchange %q", o.Exchange))
	}
	if o.Exchange.IsIndex() {
		return NewAPIError(ErrInvalidParameters, "index symbols are not tradeable")
	}
	if o.Symbol == "" {
		return NewAPIError(ErrInvalidParameters, "symbol is required")
	}
	if o.Action != ActionBuy && o.Action != ActionSell {
		return NewAPIError(ErrInvalidParameters, fmt.Sprintf("action must be BUY or SELL, got %q", o.Action))
	}
	switch o.Product {
	case ProductMIS, ProductCNC, ProductNRML:
	default:
		return NewAPIError(ErrInvalidParameters, fmt.Sprintf("unknown product %q", o.Product))
	}
	switch o.PriceType {
	case PriceMarket, PriceLimit, PriceSL, PriceSLM:
	default:
		return NewAPIError(ErrInvalidParameters, fmt.Sprintf("unknown price type %q", o.PriceType))
	}
	if o.Quantity <= 0 {
		return NewAPIError(ErrInvalidParameters, "quantity must be > 0")
	}
	if (o.PriceType == PriceLimit || o.PriceType == PriceSL) && o.Price.Sign() <= 0 {
		return NewAPIError(ErrInvalidParameters, "limit price must be > 0")
	}
	if (o.PriceType == PriceSL || o.PriceType == PriceSLM) && o.TriggerPrice.Sign() <= 0 {
		return NewAPIError(ErrInvalidParameters, "trigger price must be > 0")
	}
	return nil
}

// OrderStatus is the lifecycle state of a placed order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusOpen      OrderStatus = "open"
	StatusComplete  OrderStatus = "complete"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusPartial   OrderStatus = "partial"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusRejected
}

// OrderRecord is an intent plus broker outcome. Immutable once terminal.
type OrderRecord struct {
	OrderIntent
	BrokerOrderID string          `json:"orderid"`
	Status        OrderStatus     `json:"order_status"`
	FilledQty     int             `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"average_price"`
	ParentID      string          `json:"parent_id,omitempty"`
	UpdatedAt     time.Time       `json:"-"`
}

// LegError describes one failed leg of a split order.
type LegError struct {
	Leg      int    `json:"leg"`
	Quantity int    `json:"quantity"`
	Error    string `json:"error"`
}

// OrderResult is the router's response to a place call. For split orders
// OrderIDs carries every succeeded leg under the parent client-order-id.
type OrderResult struct {
	Status        string     `json:"status"` // success | partial_success | error
	ClientOrderID string     `json:"client_order_id"`
	BrokerOrderID string     `json:"orderid,omitempty"`
	OrderIDs      []string   `json:"orderids,omitempty"`
	Mode          OrderMode  `json:"mode,omitempty"` // present only for sandbox responses
	LegErrors     []LegError `json:"leg_errors,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Position is a broker-reported (or sandbox) net position row.
type Position struct {
	UserID        string          `json:"-"`
	Symbol        string          `json:"symbol"`
	Exchange      Exchange        `json:"exchange"`
	Product       Product         `json:"product"`
	NetQty        int             `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"average_price"`
	LTP           decimal.Decimal `json:"ltp"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// DepthEntry is one level of the order book.
type DepthEntry struct {
	Price  decimal.Decimal `json:"price"`
	Qty    int             `json:"quantity"`
	Orders int             `json:"orders"`
}

// Depth is the two-sided book carried by mode-4 ticks.
type Depth struct {
	Buy  []DepthEntry `json:"buy"`
	Sell []DepthEntry `json:"sell"`
}

// Tick is the normalised market-data event fanned out by the feed hub.
// LTP fields are always set; quote fields from ModeQuote up; depth fields
// only in ModeDepth. All prices are display units, never broker paise.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Exchange  Exchange        `json:"exchange"`
	Mode      SubMode         `json:"mode"`
	LTP       decimal.Decimal `json:"ltp"`
	Timestamp time.Time       `json:"timestamp"`

	Open         decimal.Decimal `json:"open,omitempty"`
	High         decimal.Decimal `json:"high,omitempty"`
	Low          decimal.Decimal `json:"low,omitempty"`
	Close        decimal.Decimal `json:"close,omitempty"`
	Volume       int64           `json:"volume,omitempty"`
	LastTradeQty int             `json:"last_trade_qty,omitempty"`
	AvgPrice     decimal.Decimal `json:"avg_price,omitempty"`

	Depth          *Depth `json:"depth,omitempty"`
	RequestedDepth int    `json:"requested_depth,omitempty"`
	ActualDepth    int    `json:"actual_depth,omitempty"`
	IsFallback     bool   `json:"is_fallback,omitempty"`
	BrokerMessage  string `json:"broker_message,omitempty"`
}

// Key returns the symbol key the tick belongs to.
func (t Tick) Key() string { return SymbolKey(t.Symbol, t.Exchange) }

// Topic returns the "symbol.exchange.mode" routing topic for external clients.
func (t Tick) Topic() string {
	return fmt.Sprintf("%s.%s.%d", strings.ToUpper(t.Symbol), t.Exchange, int(t.Mode))
}

// TradeSide is the direction of a supervised trade.
type TradeSide string

const (
	SideLong  TradeSide = "LONG"
	SideShort TradeSide = "SHORT"
)

// EntryAction returns the order action that opens a trade on this side.
func (s TradeSide) EntryAction() Action {
	if s == SideLong {
		return ActionBuy
	}
	return ActionSell
}
