package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"algobridge/internal/broker"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

// SandboxPrefix marks order ids issued by the sandbox engine. Modify and
// cancel calls route on it, so a client never has to say which mode an
// order was placed in.
const SandboxPrefix = "SB-"

// Backend is the execution surface the router drives. The live broker
// client and the sandbox engine both satisfy it.
type Backend interface {
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error)
	ModifyOrder(ctx context.Context, userID, brokerOrderID string, changes broker.OrderChanges) error
	CancelOrder(ctx context.Context, userID, brokerOrderID string) error
	CancelAll(ctx context.Context, userID string, filter *broker.CancelFilter) ([]string, error)
	NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error)
}

// Options tunes the router.
type Options struct {
	RatePerSecond float64
	RateBurst     float64
	QueueTimeout  time.Duration
	DedupWindow   time.Duration
}

// dedupEntry parks duplicate submissions until the first one resolves.
type dedupEntry struct {
	done   chan struct{}
	result types.OrderResult
	at     time.Time
}

// Router is the single entry point for order flow.
type Router struct {
	live     Backend
	sandbox  Backend
	resolver *symbols.Resolver
	limiter  *Limiter
	logger   *slog.Logger

	analyze  atomic.Bool // global analyzer switch: route everything to the sandbox
	halted   atomic.Bool // panic mode: reject all new flow
	dedupWin time.Duration

	mu    sync.Mutex
	dedup map[string]*dedupEntry
}

// New builds the router. sandbox may be nil when the analyzer is disabled
// at deployment level.
func New(live, sandbox Backend, resolver *symbols.Resolver, opts Options, logger *slog.Logger) *Router {
	return &Router{
		live:     live,
		sandbox:  sandbox,
		resolver: resolver,
		limiter:  NewLimiter(opts.RatePerSecond, opts.RateBurst, opts.QueueTimeout),
		logger:   logger.With("component", "router"),
		dedupWin: opts.DedupWindow,
		dedup:    make(map[string]*dedupEntry),
	}
}

// SetAnalyzeMode flips the global analyzer switch.
func (r *Router) SetAnalyzeMode(on bool) { r.analyze.Store(on) }

// AnalyzeMode reports the global analyzer switch.
func (r *Router) AnalyzeMode() bool { return r.analyze.Load() }

// Halt rejects all new order flow until Resume. Cancels and closes still
// pass, so a panic can be unwound.
func (r *Router) Halt() { r.halted.Store(true) }

// Resume lifts a halt.
func (r *Router) Resume() { r.halted.Store(false) }

// Halted reports whether new flow is being rejected.
func (r *Router) Halted() bool { return r.halted.Load() }

// modeFor resolves the effective execution mode for an intent.
func (r *Router) modeFor(intent types.OrderIntent) types.OrderMode {
	if intent.Mode != "" {
		return intent.Mode
	}
	if r.analyze.Load() {
		return types.ModeAnalyze
	}
	return types.ModeLive
}

func (r *Router) backend(mode types.OrderMode) (Backend, error) {
	if mode == types.ModeAnalyze {
		if r.sandbox == nil {
			return nil, types.NewAPIError(types.ErrInvalidParameters, "analyzer mode is not enabled")
		}
		return r.sandbox, nil
	}
	return r.live, nil
}

// backendForOrder routes modify/cancel by the order id prefix.
func (r *Router) backendForOrder(orderID string) (Backend, error) {
	if strings.HasPrefix(orderID, SandboxPrefix) {
		if r.sandbox == nil {
			return nil, types.NewAPIError(types.ErrInvalidParameters, "analyzer mode is not enabled")
		}
		return r.sandbox, nil
	}
	return r.live, nil
}

// claim registers a client order id in the dedup window. The second return
// is false when another submission holds the id; the caller must then wait
// on the entry for the original result.
func (r *Router) claim(userID, clientOrderID string) (*dedupEntry, bool) {
	key := userID + "|" + clientOrderID
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Lazy sweep of expired entries.
	for k, e := range r.dedup {
		if now.Sub(e.at) > r.dedupWin {
			delete(r.dedup, k)
		}
	}

	if e, ok := r.dedup[key]; ok {
		return e, false
	}
	e := &dedupEntry{done: make(chan struct{}), at: now}
	r.dedup[key] = e
	return e, true
}

func (r *Router) resolve(e *dedupEntry, result types.OrderResult) types.OrderResult {
	r.mu.Lock()
	e.result = result
	r.mu.Unlock()
	close(e.done)
	return result
}

func awaitOriginal(ctx context.Context, e *dedupEntry) (types.OrderResult, error) {
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return types.OrderResult{}, types.NewAPIErrorf(types.ErrDuplicateOrder, "duplicate order, original still in flight: %v", ctx.Err())
	}
}

// Place validates, deduplicates and executes one order intent. Quantities
// above the exchange freeze limit are split into sequential legs; a leg
// failure downgrades the result to partial_success with per-leg errors.
func (r *Router) Place(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if r.halted.Load() {
		return types.OrderResult{}, types.NewAPIError(types.ErrRiskRejected, "trading is halted")
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}
	if err := intent.Validate(); err != nil {
		return types.OrderResult{}, err
	}

	entry, first := r.claim(intent.UserID, intent.ClientOrderID)
	if !first {
		r.logger.Info("duplicate order suppressed", "user", intent.UserID, "client_order_id", intent.ClientOrderID)
		return awaitOriginal(ctx, entry)
	}

	rec, err := r.resolver.Resolve(ctx, intent.Symbol, intent.Exchange)
	if err != nil {
		res := types.OrderResult{Status: "error", ClientOrderID: intent.ClientOrderID, Message: err.Error()}
		return r.resolve(entry, res), err
	}

	mode := r.modeFor(intent)
	intent.Mode = mode
	backend, err := r.backend(mode)
	if err != nil {
		res := types.OrderResult{Status: "error", ClientOrderID: intent.ClientOrderID, Message: err.Error()}
		return r.resolve(entry, res), err
	}

	legs := splitLegs(intent.Quantity, freezeFor(rec, intent.Exchange))
	result := r.placeLegs(ctx, backend, intent, legs)
	if mode == types.ModeAnalyze {
		result.Mode = types.ModeAnalyze
	}
	r.resolve(entry, result)
	if result.Status == "error" {
		return result, types.NewAPIError(types.ErrUpstream, result.Message)
	}
	return result, nil
}

// freezeFor returns the per-order quantity cap, 0 meaning uncapped.
func freezeFor(rec types.SymbolRecord, exchange types.Exchange) int {
	if !exchange.IsDerivative() {
		return 0
	}
	return rec.FreezeQty
}

// splitLegs breaks qty into freeze-sized legs, largest first, remainder last.
func splitLegs(qty, freeze int) []int {
	if freeze <= 0 || qty <= freeze {
		return []int{qty}
	}
	var legs []int
	for qty > 0 {
		n := min(qty, freeze)
		legs = append(legs, n)
		qty -= n
	}
	return legs
}

func (r *Router) placeLegs(ctx context.Context, backend Backend, intent types.OrderIntent, legs []int) types.OrderResult {
	result := types.OrderResult{ClientOrderID: intent.ClientOrderID}

	for i, qty := range legs {
		leg := intent
		leg.Quantity = qty
		leg.CreatedAt = time.Now()

		if leg.Mode == types.ModeLive {
			if err := r.limiter.Wait(ctx); err != nil {
				result.LegErrors = append(result.LegErrors, types.LegError{Leg: i + 1, Quantity: qty, Error: err.Error()})
				continue
			}
		}

		id, err := backend.PlaceOrder(ctx, leg)
		if err != nil {
			r.logger.Warn("order leg failed", "user", intent.UserID, "symbol", intent.Symbol, "leg", i+1, "qty", qty, "err", err)
			result.LegErrors = append(result.LegErrors, types.LegError{Leg: i + 1, Quantity: qty, Error: err.Error()})
			continue
		}
		result.OrderIDs = append(result.OrderIDs, id)
	}

	switch {
	case len(result.OrderIDs) == 0:
		result.Status = "error"
		result.Message = "all legs failed"
		if len(result.LegErrors) > 0 {
			result.Message = result.LegErrors[0].Error
		}
	case len(result.LegErrors) > 0:
		result.Status = "partial_success"
		result.BrokerOrderID = result.OrderIDs[0]
	default:
		result.Status = "success"
		result.BrokerOrderID = result.OrderIDs[0]
		if len(legs) > 1 {
			r.logger.Info("order split", "user", intent.UserID, "symbol", intent.Symbol, "legs", len(legs))
		}
	}
	return result
}

// SmartClose flattens one (symbol, exchange, product) with a market order
// sized from the broker's own net position. Flat positions are a no-op
// success, which makes the call safe to fire from schedules and panics.
func (r *Router) SmartClose(ctx context.Context, userID, clientOrderID, symbol string, exchange types.Exchange, product types.Product, strategy string) (types.OrderResult, error) {
	if clientOrderID == "" {
		// Deterministic key: a monitor double-fire and an operator
		// double-click collapse into one close inside the window.
		clientOrderID = "close|" + types.SymbolKey(symbol, exchange) + "|" + string(product)
	}
	entry, first := r.claim(userID, clientOrderID)
	if !first {
		return awaitOriginal(ctx, entry)
	}

	mode := types.ModeLive
	if r.analyze.Load() {
		mode = types.ModeAnalyze
	}
	backend, err := r.backend(mode)
	if err != nil {
		res := types.OrderResult{Status: "error", ClientOrderID: clientOrderID, Message: err.Error()}
		return r.resolve(entry, res), err
	}

	net, err := backend.NetPosition(ctx, userID, symbol, exchange, product)
	if err != nil {
		res := types.OrderResult{Status: "error", ClientOrderID: clientOrderID, Message: err.Error()}
		return r.resolve(entry, res), err
	}
	if net == 0 {
		res := types.OrderResult{Status: "success", ClientOrderID: clientOrderID, Message: "position is already flat"}
		return r.resolve(entry, res), nil
	}

	action := types.ActionSell
	qty := net
	if net < 0 {
		action = types.ActionBuy
		qty = -net
	}

	intent := types.OrderIntent{
		ClientOrderID: clientOrderID,
		UserID:        userID,
		Symbol:        symbol,
		Exchange:      exchange,
		Action:        action,
		Product:       product,
		PriceType:     types.PriceMarket,
		Quantity:      qty,
		Strategy:      strategy,
		Mode:          mode,
	}

	rec, err := r.resolver.Resolve(ctx, symbol, exchange)
	if err != nil {
		res := types.OrderResult{Status: "error", ClientOrderID: clientOrderID, Message: err.Error()}
		return r.resolve(entry, res), err
	}
	legs := splitLegs(qty, freezeFor(rec, exchange))
	result := r.placeLegs(ctx, backend, intent, legs)
	if mode == types.ModeAnalyze {
		result.Mode = types.ModeAnalyze
	}
	r.resolve(entry, result)
	if result.Status == "error" {
		return result, types.NewAPIError(types.ErrUpstream, result.Message)
	}
	r.logger.Info("position closed", "user", userID, "symbol", symbol, "qty", qty, "action", action)
	return result, nil
}

// Modify forwards an order modification, routed by the order id prefix.
func (r *Router) Modify(ctx context.Context, userID, orderID string, changes broker.OrderChanges) error {
	backend, err := r.backendForOrder(orderID)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(orderID, SandboxPrefix) {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return backend.ModifyOrder(ctx, userID, orderID, changes)
}

// Cancel forwards an order cancel, routed by the order id prefix. Cancels
// pass even while halted.
func (r *Router) Cancel(ctx context.Context, userID, orderID string) error {
	backend, err := r.backendForOrder(orderID)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(orderID, SandboxPrefix) {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return backend.CancelOrder(ctx, userID, orderID)
}

// CancelAll cancels every open order matching the filter, in the effective
// mode. Passes even while halted; panic handling depends on it.
func (r *Router) CancelAll(ctx context.Context, userID string, filter *broker.CancelFilter) ([]string, error) {
	mode := types.ModeLive
	if r.analyze.Load() {
		mode = types.ModeAnalyze
	}
	backend, err := r.backend(mode)
	if err != nil {
		return nil, err
	}
	if mode == types.ModeLive {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return backend.CancelAll(ctx, userID, filter)
}
