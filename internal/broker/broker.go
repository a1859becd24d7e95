// Package broker defines the contracts the engine demands of its broker
// collaborators. Per-broker REST encoding and WS wire formats live outside
// this repository; the engine talks to them through these interfaces only.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// OrderChanges is the modifiable subset of a resting order.
type OrderChanges struct {
	Quantity     int             `json:"quantity,omitempty"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
	PriceType    types.PriceType `json:"pricetype,omitempty"`
}

// CancelFilter narrows a cancel-all to a symbol, product or strategy.
type CancelFilter struct {
	Symbol   string
	Exchange types.Exchange
	Product  types.Product
	Strategy string
}

// Candle is one OHLCV bar used by indicator evaluation and the history API.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Quote is a point-in-time snapshot from the broker REST API.
type Quote struct {
	Symbol   string
	Exchange types.Exchange
	LTP      decimal.Decimal
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   int64
}

// Client is the REST surface of one broker, scoped per user by the
// credentials the caller resolved through auth.
type Client interface {
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (brokerOrderID string, err error)
	ModifyOrder(ctx context.Context, userID, brokerOrderID string, changes OrderChanges) error
	CancelOrder(ctx context.Context, userID, brokerOrderID string) error
	// CancelAll cancels every open order matching the filter (nil = all) and
	// returns the cancelled broker order ids.
	CancelAll(ctx context.Context, userID string, filter *CancelFilter) ([]string, error)
	OrderStatus(ctx context.Context, userID, brokerOrderID string) (types.OrderRecord, error)

	Positions(ctx context.Context, userID string) ([]types.Position, error)
	// NetPosition reports the broker's view of the net quantity in one
	// (symbol, exchange, product). Smart-close and recovery reconciliation
	// trust this over any tracked quantity.
	NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error)
	Holdings(ctx context.Context, userID string) ([]types.Position, error)
	Orderbook(ctx context.Context, userID string) ([]types.OrderRecord, error)
	Tradebook(ctx context.Context, userID string) ([]types.OrderRecord, error)
	Funds(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	Quote(ctx context.Context, symbol string, exchange types.Exchange) (Quote, error)
	Depth(ctx context.Context, symbol string, exchange types.Exchange) (types.Depth, error)
	History(ctx context.Context, symbol string, exchange types.Exchange, interval string, bars int) ([]Candle, error)
	// LotMargin returns the broker-supplied margin per lot for an F&O
	// contract, or false if the broker does not publish one.
	LotMargin(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, bool, error)

	// MasterContracts downloads the broker's full tradable-symbol dump,
	// normalised into symbol records. Feeds the daily table rotation.
	MasterContracts(ctx context.Context) ([]types.SymbolRecord, error)
}

// StreamEvent is one raw upstream market-data event, already normalised by
// the per-broker adapter into the engine tick shape.
type StreamEvent struct {
	Tick types.Tick
	Err  error
}

// Stream is one live upstream market-data session for a (user, broker)
// pair. Implementations push normalised ticks; the feed hub owns
// reconnection and re-subscription.
type Stream interface {
	// Subscribe registers (token, mode, depth) upstream. depthLevel is
	// meaningful only for depth mode.
	Subscribe(ctx context.Context, token string, mode types.SubMode, depthLevel int) error
	Unsubscribe(ctx context.Context, token string, mode types.SubMode) error
	// Events yields normalised ticks until the session dies.
	Events() <-chan StreamEvent
	Close() error
}

// Dialer opens upstream market-data sessions.
type Dialer interface {
	Dial(ctx context.Context, userID string) (Stream, error)
	// SupportedDepths lists the depth levels the broker supports on an
	// exchange, ascending. The feed downgrades unsupported requests.
	SupportedDepths(exchange types.Exchange) []int
}
