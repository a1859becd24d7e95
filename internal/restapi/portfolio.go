package restapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// The portfolio endpoints are mode-aware: in analyze mode they read the
// sandbox books, otherwise the live broker's.

func (s *Server) positionsFor(ctx context.Context, userID string) ([]types.Position, error) {
	if s.Controls.AnalyzeMode() {
		return s.Sandbox.Positions(ctx, userID)
	}
	return s.Live.Positions(ctx, userID)
}

func (s *Server) orderbook(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	var orders []types.OrderRecord
	if s.Controls.AnalyzeMode() {
		orders, err = s.Sandbox.Orderbook(r.Context(), ac.UserID)
	} else {
		orders, err = s.Live.Orderbook(r.Context(), ac.UserID)
	}
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"mode": s.modeName(), "data": orders})
}

func (s *Server) tradebook(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if s.Controls.AnalyzeMode() {
		trades, err := s.Sandbox.Tradebook(r.Context(), ac.UserID)
		if err != nil {
			fail(w, err)
			return
		}
		ok(w, map[string]any{"mode": s.modeName(), "data": trades})
		return
	}
	trades, err := s.Live.Tradebook(r.Context(), ac.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"mode": s.modeName(), "data": trades})
}

func (s *Server) positionbook(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	positions, err := s.positionsFor(r.Context(), ac.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"mode": s.modeName(), "data": positions})
}

func (s *Server) holdings(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	// The sandbox carries no demat book; analyze mode reports none.
	if s.Controls.AnalyzeMode() {
		ok(w, map[string]any{"mode": s.modeName(), "data": []types.Position{}})
		return
	}
	holdings, err := s.Live.Holdings(r.Context(), ac.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"mode": s.modeName(), "data": holdings})
}

func (s *Server) funds(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if s.Controls.AnalyzeMode() {
		f, err := s.Sandbox.FundsFor(r.Context(), ac.UserID)
		if err != nil {
			fail(w, err)
			return
		}
		ok(w, map[string]any{"mode": s.modeName(), "data": f})
		return
	}
	f, err := s.Live.Funds(r.Context(), ac.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"mode": s.modeName(), "data": f})
}

func (s *Server) modeName() string {
	if s.Controls.AnalyzeMode() {
		return "analyze"
	}
	return "live"
}

type marginRequest struct {
	keyed
	Orders []orderRequest `json:"orders"`
}

type marginLeg struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Quantity int             `json:"quantity"`
	Margin   decimal.Decimal `json:"margin"`
	Source   string          `json:"source"` // "broker" or "notional"
}

// margin approximates the basket requirement leg by leg: broker lot
// margin for F&O contracts that publish one, notional value otherwise.
func (s *Server) margin(w http.ResponseWriter, r *http.Request) {
	var req marginRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	if len(req.Orders) == 0 {
		fail(w, types.NewAPIError(types.ErrInvalidParameters, "empty basket"))
		return
	}
	ctx := r.Context()
	legs := make([]marginLeg, 0, len(req.Orders))
	total := decimal.Zero
	for _, o := range req.Orders {
		sym := strings.ToUpper(o.Symbol)
		exch := types.Exchange(strings.ToUpper(o.Exchange))
		rec, err := s.Resolver.Resolve(ctx, sym, exch)
		if err != nil {
			fail(w, err)
			return
		}
		leg := marginLeg{Symbol: sym, Exchange: string(exch), Quantity: o.Quantity}

		if perLot, has, err := s.Live.LotMargin(ctx, sym, exch); err == nil && has && rec.LotSize > 0 {
			lots := o.Quantity / rec.LotSize
			if o.Quantity%rec.LotSize != 0 {
				lots++
			}
			leg.Margin = perLot.Mul(decimal.NewFromInt(int64(lots)))
			leg.Source = "broker"
		} else {
			price := o.Price
			if price.Sign() <= 0 {
				quote, err := s.Live.Quote(ctx, sym, exch)
				if err != nil {
					fail(w, err)
					return
				}
				price = quote.LTP
			}
			leg.Margin = price.Mul(decimal.NewFromInt(int64(o.Quantity)))
			leg.Source = "notional"
		}
		legs = append(legs, leg)
		total = total.Add(leg.Margin)
	}
	ok(w, map[string]any{"total_margin": total, "legs": legs})
}
