package restapi

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"algobridge/internal/broker"
	"algobridge/internal/router"
	"algobridge/pkg/types"
)

type orderRequest struct {
	keyed
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Action        string          `json:"action"`
	Product       string          `json:"product"`
	PriceType     string          `json:"pricetype"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Strategy      string          `json:"strategy"`
	ClientOrderID string          `json:"client_order_id"`
}

func (q orderRequest) intent(userID string) types.OrderIntent {
	return types.OrderIntent{
		ClientOrderID: q.ClientOrderID,
		UserID:        userID,
		Symbol:        strings.ToUpper(q.Symbol),
		Exchange:      types.Exchange(strings.ToUpper(q.Exchange)),
		Action:        types.Action(strings.ToUpper(q.Action)),
		Product:       types.Product(strings.ToUpper(q.Product)),
		PriceType:     types.PriceType(strings.ToUpper(q.PriceType)),
		Quantity:      q.Quantity,
		Price:         q.Price,
		TriggerPrice:  q.TriggerPrice,
		Strategy:      q.Strategy,
	}
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	result, err := s.Orders.Place(r.Context(), req.intent(ac.UserID))
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, result)
}

type smartOrderRequest struct {
	keyed
	Symbol        string `json:"symbol"`
	Exchange      string `json:"exchange"`
	Product       string `json:"product"`
	Strategy      string `json:"strategy"`
	ClientOrderID string `json:"client_order_id"`
}

func (s *Server) placeSmartOrder(w http.ResponseWriter, r *http.Request) {
	var req smartOrderRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	result, err := s.Orders.SmartClose(r.Context(), ac.UserID, req.ClientOrderID,
		strings.ToUpper(req.Symbol), types.Exchange(strings.ToUpper(req.Exchange)),
		types.Product(strings.ToUpper(req.Product)), req.Strategy)
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, result)
}

type modifyRequest struct {
	keyed
	OrderID      string          `json:"orderid"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	PriceType    string          `json:"pricetype"`
}

func (s *Server) modifyOrder(w http.ResponseWriter, r *http.Request) {
	var req modifyRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	changes := broker.OrderChanges{
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		PriceType:    types.PriceType(strings.ToUpper(req.PriceType)),
	}
	if err := s.Orders.Modify(r.Context(), ac.UserID, req.OrderID, changes); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"orderid": req.OrderID})
}

type orderIDRequest struct {
	keyed
	OrderID string `json:"orderid"`
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req orderIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.Orders.Cancel(r.Context(), ac.UserID, req.OrderID); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"orderid": req.OrderID})
}

type cancelAllRequest struct {
	keyed
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Product  string `json:"product"`
	Strategy string `json:"strategy"`
}

func (s *Server) cancelAllOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelAllRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	var filter *broker.CancelFilter
	if req.Symbol != "" || req.Product != "" || req.Strategy != "" {
		filter = &broker.CancelFilter{
			Symbol:   strings.ToUpper(req.Symbol),
			Exchange: types.Exchange(strings.ToUpper(req.Exchange)),
			Product:  types.Product(strings.ToUpper(req.Product)),
			Strategy: req.Strategy,
		}
	}
	ids, err := s.Orders.CancelAll(r.Context(), ac.UserID, filter)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"canceled_orders": ids})
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req smartOrderRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	ctx := r.Context()
	product := types.Product(strings.ToUpper(req.Product))

	// A named symbol closes one position; otherwise every open position
	// goes.
	if req.Symbol != "" {
		result, err := s.Orders.SmartClose(ctx, ac.UserID, req.ClientOrderID,
			strings.ToUpper(req.Symbol), types.Exchange(strings.ToUpper(req.Exchange)), product, req.Strategy)
		if err != nil {
			fail(w, err)
			return
		}
		writeResult(w, result)
		return
	}

	positions, err := s.positionsFor(ctx, ac.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	closed := make([]types.OrderResult, 0, len(positions))
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		result, err := s.Orders.SmartClose(ctx, ac.UserID, "", p.Symbol, p.Exchange, p.Product, req.Strategy)
		if err != nil {
			s.logger.Error("close position failed", "symbol", p.Symbol, "err", err)
			continue
		}
		closed = append(closed, result)
	}
	ok(w, map[string]any{"closed": closed})
}

func (s *Server) orderStatus(w http.ResponseWriter, r *http.Request) {
	var req orderIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	var rec types.OrderRecord
	if strings.HasPrefix(req.OrderID, router.SandboxPrefix) {
		rec, err = s.Sandbox.OrderStatus(r.Context(), ac.UserID, req.OrderID)
	} else {
		rec, err = s.Live.OrderStatus(r.Context(), ac.UserID, req.OrderID)
	}
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": rec})
}

type basketRequest struct {
	keyed
	Orders []orderRequest `json:"orders"`
}

func (s *Server) basketOrder(w http.ResponseWriter, r *http.Request) {
	var req basketRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if len(req.Orders) == 0 {
		fail(w, types.NewAPIError(types.ErrInvalidParameters, "empty basket"))
		return
	}
	intents := make([]types.OrderIntent, len(req.Orders))
	for i, o := range req.Orders {
		intents[i] = o.intent(ac.UserID)
	}
	results := s.Orders.PlaceBasket(r.Context(), intents)
	ok(w, map[string]any{"results": results})
}

type splitRequest struct {
	orderRequest
	SplitSize int `json:"splitsize"`
}

func (s *Server) splitOrder(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	result, err := s.Orders.PlaceSplit(r.Context(), req.intent(ac.UserID), req.SplitSize)
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, result)
}

type optionsRequest struct {
	keyed
	Underlying    string          `json:"underlying"`
	Exchange      string          `json:"exchange"`
	Expiry        string          `json:"expiry"`
	Strike        decimal.Decimal `json:"strike"`
	OptionType    string          `json:"option_type"`
	Action        string          `json:"action"`
	Product       string          `json:"product"`
	PriceType     string          `json:"pricetype"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Strategy      string          `json:"strategy"`
	ClientOrderID string          `json:"client_order_id"`
}

func (s *Server) optionsOrder(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	result, err := s.Orders.PlaceOptions(r.Context(), router.OptionsOrderRequest{
		UserID:        ac.UserID,
		ClientOrderID: req.ClientOrderID,
		Underlying:    strings.ToUpper(req.Underlying),
		Exchange:      types.Exchange(strings.ToUpper(req.Exchange)),
		Expiry:        strings.ToUpper(req.Expiry),
		Strike:        req.Strike,
		OptionType:    strings.ToUpper(req.OptionType),
		Action:        types.Action(strings.ToUpper(req.Action)),
		Product:       types.Product(strings.ToUpper(req.Product)),
		PriceType:     types.PriceType(strings.ToUpper(req.PriceType)),
		Quantity:      req.Quantity,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		Strategy:      req.Strategy,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, result)
}

// writeResult renders an order result, keeping partial successes visible.
// The analyze-mode marker rides on the result itself.
func writeResult(w http.ResponseWriter, result types.OrderResult) {
	writeJSON(w, http.StatusOK, result)
}
