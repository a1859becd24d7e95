package router

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

// PlaceBasket executes a list of intents independently. One rejected leg
// never blocks the rest; the caller gets a result per intent, in order.
func (r *Router) PlaceBasket(ctx context.Context, intents []types.OrderIntent) []types.OrderResult {
	results := make([]types.OrderResult, 0, len(intents))
	for _, intent := range intents {
		res, err := r.Place(ctx, intent)
		if err != nil && res.Status == "" {
			res = types.OrderResult{Status: "error", ClientOrderID: intent.ClientOrderID, Message: err.Error()}
		}
		results = append(results, res)
	}
	return results
}

// PlaceSplit breaks an intent into legs of at most splitSize and places each
// as its own order. Unlike freeze splitting this is caller-requested, so
// every leg gets its own client order id under the parent's.
func (r *Router) PlaceSplit(ctx context.Context, intent types.OrderIntent, splitSize int) (types.OrderResult, error) {
	if splitSize <= 0 {
		return types.OrderResult{}, types.NewAPIError(types.ErrInvalidParameters, "split size must be > 0")
	}
	if err := intent.Validate(); err != nil {
		return types.OrderResult{}, err
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}

	result := types.OrderResult{ClientOrderID: intent.ClientOrderID}
	for i, qty := range splitLegs(intent.Quantity, splitSize) {
		leg := intent
		leg.Quantity = qty
		leg.ClientOrderID = intent.ClientOrderID + "-" + uuid.NewString()[:8]
		res, err := r.Place(ctx, leg)
		if err != nil {
			result.LegErrors = append(result.LegErrors, types.LegError{Leg: i + 1, Quantity: qty, Error: err.Error()})
			continue
		}
		result.OrderIDs = append(result.OrderIDs, res.OrderIDs...)
		if result.Mode == "" {
			result.Mode = res.Mode
		}
	}

	switch {
	case len(result.OrderIDs) == 0:
		result.Status = "error"
		result.Message = "all legs failed"
	case len(result.LegErrors) > 0:
		result.Status = "partial_success"
		result.BrokerOrderID = result.OrderIDs[0]
	default:
		result.Status = "success"
		result.BrokerOrderID = result.OrderIDs[0]
	}
	return result, nil
}

// OptionsOrderRequest places an option order by its components instead of a
// pre-built contract symbol.
type OptionsOrderRequest struct {
	UserID        string
	ClientOrderID string
	Underlying    string
	Exchange      types.Exchange
	Expiry        string // DDMMMYY
	Strike        decimal.Decimal
	OptionType    string // CE | PE
	Action        types.Action
	Product       types.Product
	PriceType     types.PriceType
	Quantity      int
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	Strategy      string
}

// PlaceOptions builds the contract symbol from the request components,
// verifies it exists in the current table, and places it.
func (r *Router) PlaceOptions(ctx context.Context, req OptionsOrderRequest) (types.OrderResult, error) {
	symbol, err := symbols.Option(req.Underlying, req.Expiry, req.Strike, req.OptionType)
	if err != nil {
		return types.OrderResult{}, err
	}
	if _, err := r.resolver.Resolve(ctx, symbol, req.Exchange); err != nil {
		return types.OrderResult{}, err
	}
	return r.Place(ctx, types.OrderIntent{
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		Symbol:        symbol,
		Exchange:      req.Exchange,
		Action:        req.Action,
		Product:       req.Product,
		PriceType:     req.PriceType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		Strategy:      req.Strategy,
	})
}
