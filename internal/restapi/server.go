// Package restapi serves the unified REST surface: every endpoint is a
// POST with a JSON body whose first field is the caller's apikey, and
// every response is {"status": "success"|"error", ...}.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"algobridge/internal/alerts"
	"algobridge/internal/auth"
	"algobridge/internal/broker"
	"algobridge/internal/market"
	"algobridge/internal/monitor"
	"algobridge/internal/router"
	"algobridge/internal/sandbox"
	"algobridge/internal/strategy"
	"algobridge/internal/symbols"
	"algobridge/internal/webhook"
	"algobridge/pkg/types"
)

// Controls is the engine-level switchboard: global panic and the
// live/analyze mode toggle.
type Controls interface {
	PanicAll(ctx context.Context) error
	ClearPanic(ctx context.Context)
	Halted() bool
	SetAnalyzeMode(on bool)
	AnalyzeMode() bool
}

// Deps carries every collaborator the API fronts.
type Deps struct {
	Auth       *auth.Service
	Orders     *router.Router
	Live       broker.Client
	Sandbox    *sandbox.Engine
	Resolver   *symbols.Resolver
	Strategies *strategy.Store
	Webhooks   *webhook.Service
	Alerts     *alerts.Engine
	Monitor    *monitor.Monitor
	Calendar   *market.Calendar
	Controls   Controls

	// AllowedOrigins restricts CORS; empty means any origin.
	AllowedOrigins []string
}

// Server is the REST front.
type Server struct {
	Deps
	logger *slog.Logger
}

// New builds the server.
func New(deps Deps, logger *slog.Logger) *Server {
	return &Server{Deps: deps, logger: logger.With("component", "restapi")}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Signature"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Orders.
		r.Post("/placeorder", s.placeOrder)
		r.Post("/placesmartorder", s.placeSmartOrder)
		r.Post("/modifyorder", s.modifyOrder)
		r.Post("/cancelorder", s.cancelOrder)
		r.Post("/cancelallorder", s.cancelAllOrder)
		r.Post("/closeposition", s.closePosition)
		r.Post("/orderstatus", s.orderStatus)
		r.Post("/basketorder", s.basketOrder)
		r.Post("/splitorder", s.splitOrder)
		r.Post("/optionsorder", s.optionsOrder)

		// Data.
		r.Post("/quotes", s.quotes)
		r.Post("/depth", s.depth)
		r.Post("/history", s.history)
		r.Post("/ticker", s.ticker)
		r.Post("/intervals", s.intervals)
		r.Post("/search", s.search)

		// Portfolio.
		r.Post("/orderbook", s.orderbook)
		r.Post("/tradebook", s.tradebook)
		r.Post("/positionbook", s.positionbook)
		r.Post("/holdings", s.holdings)
		r.Post("/funds", s.funds)

		// Market.
		r.Post("/margin", s.margin)
		r.Post("/market/timings", s.marketTimings)

		// Management.
		r.Route("/strategies", func(r chi.Router) {
			r.Post("/create", s.strategyCreate)
			r.Post("/update", s.strategyUpdate)
			r.Post("/delete", s.strategyDelete)
			r.Post("/list", s.strategyList)
			r.Post("/get", s.strategyGet)
			r.Post("/activate", s.strategyActivate)
			r.Post("/panic", s.strategyPanic)
			r.Post("/trades", s.strategyTrades)
		})
		r.Route("/signals", func(r chi.Router) {
			r.Post("/emit", s.signalEmit)
		})
		r.Route("/algos", func(r chi.Router) {
			r.Post("/list", s.algoList)
		})
		r.Route("/walkforward", func(r chi.Router) {
			r.Post("/start", s.walkforwardStart)
			r.Post("/stop", s.walkforwardStop)
			r.Post("/results", s.walkforwardResults)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Post("/create", s.alertCreate)
			r.Post("/update", s.alertUpdate)
			r.Post("/delete", s.alertDelete)
			r.Post("/list", s.alertList)
			r.Post("/get", s.alertGet)
			r.Post("/pause", s.alertPause)
			r.Post("/resume", s.alertResume)
			r.Post("/test", s.alertTest)
			r.Post("/history", s.alertHistory)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Post("/panic", s.panicAll)
			r.Post("/resume", s.resumeAll)
			r.Post("/analyzer", s.analyzer)
		})
	})

	// Inbound webhooks authenticate by opaque id, not apikey.
	r.Post("/webhooks/custom/{id}", s.inboundWebhook)
	r.Post("/webhooks/tradingview/{id}", s.inboundWebhook)

	return r
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("rest listen: %w", err)
	}
	srv := &http.Server{Handler: s.Routes()}
	s.logger.Info("rest api listening", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// decode reads the JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unparseable request body: %v", err)
	}
	return nil
}

// authed decodes the body into v (which must carry an `apikey` field via
// keyed) and resolves the caller.
func (s *Server) authed(r *http.Request, v interface{ key() string }) (auth.Context, error) {
	if err := decode(r, v); err != nil {
		return auth.Context{}, err
	}
	return s.Auth.Validate(r.Context(), v.key())
}

// keyed is embedded by every request struct; apikey is the first field of
// every request body.
type keyed struct {
	APIKey string `json:"apikey"`
}

func (k keyed) key() string { return k.APIKey }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ok writes {"status":"success"} merged with extra fields.
func ok(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"status": "success"}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// fail maps engine error codes onto HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case types.ErrAuthRequired, types.ErrInvalidAPIKey:
		status = http.StatusForbidden
	case types.ErrInvalidParameters, types.ErrSymbolNotFound, types.ErrNotSubscribed, types.ErrSubscription:
		status = http.StatusBadRequest
	case types.ErrRateLimited:
		status = http.StatusTooManyRequests
	case types.ErrUpstreamTimeout:
		status = http.StatusGatewayTimeout
	case types.ErrUpstream, types.ErrBrokerLimitation:
		status = http.StatusBadGateway
	case types.ErrDuplicateOrder, types.ErrRiskRejected:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"status":  "error",
		"code":    string(code),
		"message": err.Error(),
	})
}

// conflictBody renders the strategy-delete safety gate.
func conflict(w http.ResponseWriter, dc *strategy.DeleteConflictError) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"status":          "error",
		"code":            "ACTIVE_TRADES",
		"message":         dc.Error(),
		"active_trades":   dc.Trades,
		"offered_actions": dc.Actions,
	})
}

func errAsConflict(err error) (*strategy.DeleteConflictError, bool) {
	var dc *strategy.DeleteConflictError
	if errors.As(err, &dc) {
		return dc, true
	}
	return nil, false
}
