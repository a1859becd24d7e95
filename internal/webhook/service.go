package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algobridge/internal/broker"
	"algobridge/internal/strategy"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

// OrderSink is the slice of the order router the webhook service drives.
type OrderSink interface {
	Place(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error)
	SmartClose(ctx context.Context, userID, clientOrderID, symbol string, exchange types.Exchange, product types.Product, strategyName string) (types.OrderResult, error)
	CancelAll(ctx context.Context, userID string, filter *broker.CancelFilter) ([]string, error)
}

// QuoteFunc supplies the LTP position sizing runs against.
type QuoteFunc func(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, error)

// Outcome is the per-signal verdict returned to the webhook caller.
type Outcome struct {
	Symbol   string            `json:"symbol"`
	Accepted bool              `json:"accepted"`
	Reason   string            `json:"reason,omitempty"`
	Result   types.OrderResult `json:"result,omitempty"`
}

// Service runs the gate chain over inbound signals.
type Service struct {
	strategies *strategy.Store
	resolver   *symbols.Resolver
	orders     OrderSink
	quote      QuoteFunc
	trades     strategy.TradeSource
	halted     func() bool
	logger     *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

// New wires the service. halted reports the global panic flag.
func New(strategies *strategy.Store, resolver *symbols.Resolver, orders OrderSink, quote QuoteFunc, trades strategy.TradeSource, halted func() bool, logger *slog.Logger) *Service {
	if halted == nil {
		halted = func() bool { return false }
	}
	return &Service{
		strategies: strategies,
		resolver:   resolver,
		orders:     orders,
		quote:      quote,
		trades:     trades,
		halted:     halted,
		logger:     logger.With("component", "webhook"),
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// Handle authenticates and processes one webhook POST. signature, when
// non-empty, must be the hex HMAC-SHA256 of body under the strategy secret.
// Unknown webhook ids are non-retryable errors.
func (s *Service) Handle(ctx context.Context, webhookID, signature string, body []byte) ([]Outcome, error) {
	inst, ok := s.strategies.GetByWebhook(webhookID)
	if !ok {
		return nil, types.NewAPIError(types.ErrInvalidParameters, "unknown webhook id")
	}
	if signature != "" && !validSignature(inst.WebhookSecret, body, signature) {
		s.logger.Warn("webhook signature mismatch", "strategy", inst.ID)
		return nil, types.NewAPIError(types.ErrAuthRequired, "invalid webhook signature")
	}

	signals, err := Parse(body, inst.Exchange)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(signals))
	for _, sig := range signals {
		outcomes = append(outcomes, s.process(ctx, &inst, sig))
	}
	return outcomes, nil
}

// process runs the ordered gate chain for one signal.
func (s *Service) process(ctx context.Context, inst *strategy.Instance, sig Signal) Outcome {
	reject := func(reason string) Outcome {
		s.logger.Info("signal rejected", "strategy", inst.ID, "symbol", sig.Symbol, "keyword", sig.Keyword, "reason", reason)
		return Outcome{Symbol: sig.Symbol, Reason: reason}
	}

	// Gate 1: strategy live, no panic anywhere.
	if !inst.AcceptsSignals() {
		return reject("strategy inactive or panicked")
	}
	if s.halted() {
		return reject("global panic engaged")
	}

	// Gate 2: schedule window.
	if !inst.WithinSchedule(s.now()) {
		return reject("outside strategy schedule")
	}

	// Gate 3: symbol allowed and resolvable.
	if !inst.AllowsSymbol(sig.Symbol, sig.Exchange) {
		return reject("symbol not in strategy map")
	}
	rec, err := s.resolver.Resolve(ctx, sig.Symbol, sig.Exchange)
	if err != nil {
		return reject("unresolvable symbol")
	}

	// Gate 4: duplicate suppression inside the strategy's dedup window.
	if s.duplicate(inst, sig) {
		return reject("duplicate signal inside dedup window")
	}

	// Exits skip sizing: smart_close uses the broker's own net quantity.
	if !sig.Keyword.IsEntry() {
		product := inst.Product
		result, err := s.orders.SmartClose(ctx, inst.UserID, "", sig.Symbol, sig.Exchange, product, inst.Name)
		if err != nil {
			return reject("close failed: " + err.Error())
		}
		return Outcome{Symbol: sig.Symbol, Accepted: true, Result: result}
	}

	// Gate 5: sizing and risk limits.
	if inst.MaxOpenPositions > 0 && s.trades != nil {
		if len(s.trades.ActiveTradesFor(inst.ID)) >= inst.MaxOpenPositions {
			return reject("max open positions reached")
		}
	}
	if inst.DailyLossBreached() {
		return reject("daily loss limit breached")
	}

	qty := sig.Quantity
	if qty <= 0 {
		ltp := sig.Price
		if s.quote != nil {
			if q, err := s.quote(ctx, sig.Symbol, sig.Exchange); err == nil && q.Sign() > 0 {
				ltp = q
			}
		}
		if ltp.Sign() <= 0 {
			return reject("no price available for sizing")
		}
		qty = inst.Qty(ltp, rec.LotSize)
	}
	if qty <= 0 {
		return reject("sizing rule produced zero quantity")
	}

	var mode types.OrderMode
	if inst.Walkforward {
		mode = types.ModeAnalyze
	}
	result, err := s.orders.Place(ctx, types.OrderIntent{
		UserID:    inst.UserID,
		Symbol:    sig.Symbol,
		Exchange:  sig.Exchange,
		Action:    sig.Keyword.Action(),
		Product:   inst.Product,
		PriceType: types.PriceMarket,
		Quantity:  qty,
		Strategy:  inst.Name,
		Mode:      mode,
	})
	if err != nil {
		return reject("order failed: " + err.Error())
	}
	s.logger.Info("signal accepted", "strategy", inst.ID, "symbol", sig.Symbol, "keyword", sig.Keyword, "qty", qty)
	return Outcome{Symbol: sig.Symbol, Accepted: true, Result: result}
}

// duplicate records and checks the (strategy, symbol, keyword, bucket)
// tuple, where bucket is the signal time rounded to the dedup window.
func (s *Service) duplicate(inst *strategy.Instance, sig Signal) bool {
	window := inst.DedupWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	now := s.now()
	bucket := now.Truncate(window)
	key := inst.ID + "|" + types.SymbolKey(sig.Symbol, sig.Exchange) + "|" + string(sig.Keyword) + "|" + bucket.Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Sweep stale entries so the map stays bounded.
	for k, at := range s.seen {
		if now.Sub(at) > 2*window {
			delete(s.seen, k)
		}
	}
	if _, dup := s.seen[key]; dup {
		return true
	}
	s.seen[key] = now
	return false
}

// SquareOffDue closes out every intraday strategy whose square-off time
// matches the current minute: smart_close per active-trade symbol, then
// cancel the strategy's pending orders. Runs from a once-a-minute cron.
func (s *Service) SquareOffDue(ctx context.Context, now time.Time) {
	hhmm := now.Format("15:04")
	for _, inst := range s.strategies.All() {
		if !inst.Intraday || inst.Schedule.SquareOff != hhmm {
			continue
		}
		s.squareOff(ctx, &inst)
	}
}

func (s *Service) squareOff(ctx context.Context, inst *strategy.Instance) {
	if s.trades != nil {
		for _, tr := range s.trades.ActiveTradesFor(inst.ID) {
			if _, err := s.orders.SmartClose(ctx, inst.UserID, "", tr.Symbol, tr.Exchange, inst.Product, inst.Name); err != nil {
				s.logger.Error("square-off close failed", "strategy", inst.ID, "symbol", tr.Symbol, "err", err)
			}
		}
	}
	if _, err := s.orders.CancelAll(ctx, inst.UserID, &broker.CancelFilter{Strategy: inst.Name}); err != nil {
		s.logger.Error("square-off cancel failed", "strategy", inst.ID, "err", err)
	}
	s.logger.Info("strategy squared off", "strategy", inst.ID)
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign computes the signature a caller should send. Exported for clients
// and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
