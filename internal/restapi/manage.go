package restapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"algobridge/internal/alerts"
	"algobridge/internal/broker"
	"algobridge/internal/strategy"
	"algobridge/pkg/types"
)

type strategyRequest struct {
	keyed
	Strategy strategy.Instance `json:"strategy"`
}

func (s *Server) strategyCreate(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	inst := req.Strategy
	inst.UserID = ac.UserID
	if inst.Name == "" {
		fail(w, types.NewAPIError(types.ErrInvalidParameters, "strategy name is required"))
		return
	}
	if err := s.Strategies.Create(r.Context(), &inst); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"strategy":    inst,
		"webhook_url": "/webhooks/custom/" + inst.WebhookID,
		// The secret is shown once, at creation.
		"webhook_secret": inst.WebhookSecret,
	})
}

func (s *Server) strategyUpdate(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedStrategy(ac.UserID, req.Strategy.ID); err != nil {
		fail(w, err)
		return
	}
	inst := req.Strategy
	inst.UserID = ac.UserID
	if err := s.Strategies.Update(r.Context(), &inst); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"strategy": inst})
}

type strategyIDRequest struct {
	keyed
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
}

func (s *Server) strategyDelete(w http.ResponseWriter, r *http.Request) {
	var req strategyIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedStrategy(ac.UserID, req.ID); err != nil {
		fail(w, err)
		return
	}
	ctx := r.Context()

	switch req.Action {
	case "", strategy.ActionCancel:
		if req.Action == strategy.ActionCancel {
			ok(w, map[string]any{"deleted": false})
			return
		}
		err := s.Strategies.Delete(ctx, req.ID, s.Monitor, false)
		if dc, isConflict := errAsConflict(err); isConflict {
			conflict(w, dc)
			return
		}
		if err != nil {
			fail(w, err)
			return
		}
	case strategy.ActionCloseAllThenDelete:
		closed := s.Monitor.CloseAll(ctx, req.ID)
		s.logger.Info("strategy trades closed before delete", "strategy", req.ID, "closed", closed)
		if err := s.Strategies.Delete(ctx, req.ID, nil, true); err != nil {
			fail(w, err)
			return
		}
	case strategy.ActionStopMonitoring:
		orphaned := s.Monitor.StopMonitoring(ctx, req.ID)
		s.logger.Info("strategy trades orphaned before delete", "strategy", req.ID, "orphaned", orphaned)
		if err := s.Strategies.Delete(ctx, req.ID, nil, true); err != nil {
			fail(w, err)
			return
		}
	default:
		fail(w, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown delete action %q", req.Action))
		return
	}
	ok(w, map[string]any{"deleted": true})
}

func (s *Server) strategyList(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": s.Strategies.List(ac.UserID)})
}

func (s *Server) strategyGet(w http.ResponseWriter, r *http.Request) {
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
	ok(w, map[string]any{"strategy": inst})
}

type strategyActivateRequest struct {
	keyed
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

func (s *Server) strategyActivate(w http.ResponseWriter, r *http.Request) {
	var req strategyActivateRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedStrategy(ac.UserID, req.ID); err != nil {
		fail(w, err)
		return
	}
	if err := s.Strategies.SetActive(r.Context(), req.ID, req.Active); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"id": req.ID, "active": req.Active})
}

// strategyPanic halts one strategy: no new signals, pending orders
// cancelled, monitored trades closed at market.
func (s *Server) strategyPanic(w http.ResponseWriter, r *http.Request) {
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
	ctx := r.Context()
	if err := s.Strategies.SetPanic(ctx, req.ID, true); err != nil {
		fail(w, err)
		return
	}
	cancelled, err := s.Orders.CancelAll(ctx, ac.UserID, &broker.CancelFilter{Strategy: inst.Name})
	if err != nil {
		s.logger.Error("panic cancel failed", "strategy", req.ID, "err", err)
	}
	closed := s.Monitor.CloseAll(ctx, req.ID)
	s.logger.Warn("strategy panic", "strategy", req.ID, "cancelled", len(cancelled), "closed", closed)
	ok(w, map[string]any{"id": req.ID, "cancelled_orders": cancelled, "closed_trades": closed})
}

func (s *Server) strategyTrades(w http.ResponseWriter, r *http.Request) {
	var req strategyIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedStrategy(ac.UserID, req.ID); err != nil {
		fail(w, err)
		return
	}
	all := s.Monitor.Trades(ac.UserID)
	out := all[:0]
	for _, tr := range all {
		if tr.StrategyID == req.ID {
			out = append(out, tr)
		}
	}
	ok(w, map[string]any{"data": out})
}

func (s *Server) ownedStrategy(userID, id string) (strategy.Instance, error) {
	inst, found := s.Strategies.Get(id)
	if !found || inst.UserID != userID {
		return strategy.Instance{}, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown strategy %s", id)
	}
	return inst, nil
}

type alertRequest struct {
	keyed
	Alert alerts.Alert `json:"alert"`
}

func (s *Server) alertCreate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	a := req.Alert
	a.UserID = ac.UserID
	a.Symbol = strings.ToUpper(a.Symbol)
	a.Exchange = types.Exchange(strings.ToUpper(string(a.Exchange)))
	if err := s.Alerts.Create(r.Context(), &a); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"alert": a})
}

func (s *Server) alertUpdate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedAlert(ac.UserID, req.Alert.ID); err != nil {
		fail(w, err)
		return
	}
	a := req.Alert
	a.Symbol = strings.ToUpper(a.Symbol)
	a.Exchange = types.Exchange(strings.ToUpper(string(a.Exchange)))
	if err := s.Alerts.Update(r.Context(), &a); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"alert": a})
}

type alertIDRequest struct {
	keyed
	ID string `json:"id"`
}

func (s *Server) alertDelete(w http.ResponseWriter, r *http.Request) {
	s.alertOp(w, r, s.Alerts.Delete)
}

func (s *Server) alertPause(w http.ResponseWriter, r *http.Request) {
	s.alertOp(w, r, s.Alerts.Pause)
}

func (s *Server) alertResume(w http.ResponseWriter, r *http.Request) {
	s.alertOp(w, r, s.Alerts.Resume)
}

func (s *Server) alertOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	var req alertIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedAlert(ac.UserID, req.ID); err != nil {
		fail(w, err)
		return
	}
	if err := op(r.Context(), req.ID); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"id": req.ID})
}

func (s *Server) alertList(w http.ResponseWriter, r *http.Request) {
	var req keyed
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": s.Alerts.List(ac.UserID)})
}

func (s *Server) alertGet(w http.ResponseWriter, r *http.Request) {
	var req alertIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	a, err := s.ownedAlert(ac.UserID, req.ID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"alert": a})
}

type alertTestRequest struct {
	keyed
	ID  string          `json:"id"`
	LTP decimal.Decimal `json:"ltp"`
}

func (s *Server) alertTest(w http.ResponseWriter, r *http.Request) {
	var req alertTestRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	a, err := s.ownedAlert(ac.UserID, req.ID)
	if err != nil {
		fail(w, err)
		return
	}
	tick := types.Tick{
		Symbol:    a.Symbol,
		Exchange:  a.Exchange,
		Mode:      a.RequiredMode(),
		LTP:       req.LTP,
		Timestamp: time.Now(),
	}
	fired, msg, err := s.Alerts.Test(r.Context(), req.ID, tick)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"fired": fired, "message": msg})
}

func (s *Server) alertHistory(w http.ResponseWriter, r *http.Request) {
	var req alertIDRequest
	ac, err := s.authed(r, &req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, err := s.ownedAlert(ac.UserID, req.ID); err != nil {
		fail(w, err)
		return
	}
	triggers, err := s.Alerts.Triggers(r.Context(), req.ID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": triggers})
}

func (s *Server) ownedAlert(userID, id string) (alerts.Alert, error) {
	a, found := s.Alerts.Get(id)
	if !found || a.UserID != userID {
		return alerts.Alert{}, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown alert %s", id)
	}
	return a, nil
}

func (s *Server) panicAll(w http.ResponseWriter, r *http.Request) {
	var req keyed
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	if err := s.Controls.PanicAll(r.Context()); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"halted": true})
}

func (s *Server) resumeAll(w http.ResponseWriter, r *http.Request) {
	var req keyed
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	s.Controls.ClearPanic(r.Context())
	ok(w, map[string]any{"halted": false})
}

type analyzerRequest struct {
	keyed
	Mode string `json:"mode"` // "analyze" or "live"
}

func (s *Server) analyzer(w http.ResponseWriter, r *http.Request) {
	var req analyzerRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	switch req.Mode {
	case "analyze":
		s.Controls.SetAnalyzeMode(true)
	case "live":
		s.Controls.SetAnalyzeMode(false)
	case "":
		// No mode is a query.
	default:
		fail(w, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown mode %q", req.Mode))
		return
	}
	ok(w, map[string]any{"mode": s.modeName()})
}

// inboundWebhook receives strategy signals. The opaque path id is the
// credential; the optional X-Signature header carries the HMAC.
func (s *Server) inboundWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		fail(w, types.NewAPIErrorf(types.ErrInvalidParameters, "unreadable body: %v", err))
		return
	}
	outcomes, err := s.Webhooks.Handle(r.Context(), webhookID, r.Header.Get("X-Signature"), body)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"outcomes": outcomes})
}
