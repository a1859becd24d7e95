package restapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"algobridge/internal/sandbox"
	"algobridge/internal/strategy"
	"algobridge/pkg/types"
)

// signalRequest injects one signal into an owned strategy, bypassing the
// webhook transport but not the gate chain.
type signalRequest struct {
	keyed
	StrategyID string         `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	Exchange   types.Exchange `json:"exchange"`
	Action     string         `json:"action"`
	Quantity   int            `json:"quantity,omitempty"`
	Price      string         `json:"price,omitempty"`
}

func (s *Server) signalEmit(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	inst, err := s.ownedStrategy(ac.UserID, req.StrategyID)
	if err != nil {
		fail(w, err)
		return
	}
	body, err := json.Marshal(map[string]any{
		"symbol":   strings.ToUpper(req.Symbol),
		"exchange": strings.ToUpper(string(req.Exchange)),
		"action":   req.Action,
		"quantity": req.Quantity,
		"price":    req.Price,
	})
	if err != nil {
		fail(w, types.NewAPIError(types.ErrInvalidParameters, "cannot encode signal"))
		return
	}
	// Ownership is already proven by the apikey, so no signature is sent.
	outcomes, err := s.Webhooks.Handle(r.Context(), inst.WebhookID, "", body)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"outcomes": outcomes})
}

// algoList is a discovery endpoint: the signal formats and keywords a
// strategy can be configured with.
func (s *Server) algoList(w http.ResponseWriter, r *http.Request) {
	var req keyed
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"algos": []map[string]any{
			{
				"type":      strategy.TypeTradingView,
				"transport": "webhook",
				"payload":   "symbol, exchange, action, quantity, price",
				"actions":   []string{"BUY", "SELL", "SHORT", "COVER"},
			},
			{
				"type":      strategy.TypeChartink,
				"transport": "webhook",
				"payload":   "scan_name (exactly one keyword), stocks, trigger_prices",
				"actions":   []string{"BUY", "SELL", "SHORT", "COVER"},
			},
			{
				"type":      strategy.TypeWebhook,
				"transport": "webhook",
				"payload":   "either of the above shapes",
				"actions":   []string{"BUY", "SELL", "SHORT", "COVER"},
			},
			{
				"type":      strategy.TypeScheduled,
				"transport": "alert",
				"payload":   "scheduled alert with an attached order",
			},
		},
	})
}

func (s *Server) walkforwardStart(w http.ResponseWriter, r *http.Request) {
	s.setWalkforward(w, r, true)
}

func (s *Server) walkforwardStop(w http.ResponseWriter, r *http.Request) {
	s.setWalkforward(w, r, false)
}

func (s *Server) setWalkforward(w http.ResponseWriter, r *http.Request, on bool) {
	var req strategyIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	inst, err := s.ownedStrategy(ac.UserID, req.ID)
	if err != nil {
		fail(w, err)
		return
	}
	inst.Walkforward = on
	if err := s.Strategies.Update(r.Context(), &inst); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"strategy_id": inst.ID, "walkforward": on})
}

// walkforwardResults slices the sandbox tradebook down to one strategy's
// fills and totals their realised P&L.
func (s *Server) walkforwardResults(w http.ResponseWriter, r *http.Request) {
	var req strategyIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	inst, err := s.ownedStrategy(ac.UserID, req.ID)
	if err != nil {
		fail(w, err)
		return
	}
	trades, err := s.Sandbox.Tradebook(r.Context(), ac.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	mine := make([]sandbox.Trade, 0, len(trades))
	total := decimal.Zero
	for _, t := range trades {
		if t.Strategy != inst.Name {
			continue
		}
		mine = append(mine, t)
		total = total.Add(t.PnL)
	}
	ok(w, map[string]any{
		"strategy_id": inst.ID,
		"walkforward": inst.Walkforward,
		"trades":      mine,
		"total_pnl":   total,
	})
}
