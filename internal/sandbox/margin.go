package sandbox

import (
	"context"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// LotMarginFunc asks the broker for a published per-lot margin. ok=false
// means the broker does not publish one and the percentage fallback applies.
type LotMarginFunc func(ctx context.Context, symbol string, exchange types.Exchange) (margin decimal.Decimal, ok bool, err error)

// / marginFor approximates the margin blocked for an opening order:
// equity MIS divides notional by the configured leverage, CNC blocks full
// value, F&O uses the broker lot margin when published, else a percentage
// of notional.
func (e *Engine) marginFor(ctx context.Context, intent types.OrderIntent, rec types.SymbolRecord, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(int64(intent.Quantity)))

	if !intent.Exchange.IsDerivative() {
		if intent.Product == types.ProductMIS && e.opts.EquityLeverage.Sign() > 0 {
			return notional.Div(e.opts.EquityLeverage)
		}
		return notional
	}

	if e.lotMargin != nil && rec.LotSize > 0 {
		if perLot, ok, err := e.lotMargin(ctx, intent.Symbol, intent.Exchange); err == nil && ok {
			lots := (intent.Quantity + rec.LotSize - 1) / rec.LotSize
			return perLot.Mul(decimal.NewFromInt(int64(lots)))
		}
	}
	return notional.Mul(e.opts.FNOMarginPct).Div(decimal.NewFromInt(100))
}
