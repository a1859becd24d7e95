// Package engine is the central orchestrator of the trading bridge.
//
// It wires together all subsystems:
//
//  1. The cache backend (memory/disk/redis, auto-selected) and its
//     encrypted credential namespaces.
//  2. The symbol resolver, auth service and market calendar.
//  3. The feed hub over the broker's market-data transport; when the
//     broker exposes no WebSocket the hub runs on the quote-polling
//     fallback stream.
//  4. The order router over the live broker client and the sandbox
//     engine, plus the strategy store, webhook service, alert engine,
//     trade monitor and telegram notifier around them.
//  5. The external REST and WebSocket surfaces.
//  6. The cron schedule: square-off sweeps, alert clock sweeps, the
//     sandbox weekly reset and the daily forced logout.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"algobridge/internal/alerts"
	"algobridge/internal/auth"
	"algobridge/internal/broker"
	"algobridge/internal/cache"
	"algobridge/internal/config"
	"algobridge/internal/feed"
	"algobridge/internal/market"
	"algobridge/internal/monitor"
	"algobridge/internal/restapi"
	"algobridge/internal/router"
	"algobridge/internal/sandbox"
	"algobridge/internal/strategy"
	"algobridge/internal/symbols"
	"algobridge/internal/telegram"
	"algobridge/internal/webhook"
	"algobridge/internal/wsapi"
	"algobridge/pkg/types"
)

// reconcileEvery is how often feed subscriptions are reconciled against
// the monitor's and sandbox's watch lists.
const reconcileEvery = 2 * time.Second

// subRef identifies one feed subscription the engine holds on behalf of
// the sandbox and the monitor.
type subRef struct {
	userID string
	key    string
}

// Engine owns the lifecycle of every subsystem.
type Engine struct {
	cfg    *config.Config
	loc    *time.Location
	logger *slog.Logger

	backend    cache.Backend
	resolver   *symbols.Resolver
	authSvc    *auth.Service
	calendar   *market.Calendar
	live       broker.Client
	hub        *feed.Hub
	sandbox    *sandbox.Engine
	orders     *router.Router
	strategies *strategy.Store
	monitor    *monitor.Monitor
	webhooks   *webhook.Service
	alerts     *alerts.Engine
	notifier   *telegram.Notifier
	rest       *restapi.Server
	ws         *wsapi.Server
	cron       *cron.Cron

	tap  chan feed.Message
	subs map[subRef]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. dialer may be nil; the engine
// then falls back to polling quotes through the live client.
func New(cfg *config.Config, live broker.Client, dialer broker.Dialer, logger *slog.Logger) (*Engine, error) {
	loc := cfg.Location()

	backend, err := cache.Open(context.Background(), cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	resolver := symbols.NewResolver(cache.NewNamespace(backend, cache.NSSymbols), logger)

	calendar, err := market.New(loc, cfg.Market.Sessions)
	if err != nil {
		backend.Close()
		return nil, err
	}

	logoutAt, err := config.ClockMinutes(cfg.Auth.ForcedLogoutAt)
	if err != nil {
		backend.Close()
		return nil, err
	}
	authSvc := auth.New(
		cache.NewNamespace(backend, cache.NSAPIKeys),
		cache.NewNamespace(backend, cache.NSTokens),
		logoutAt, loc, cfg.Auth.NegativeTTL, logger)

	if dialer == nil {
		lookup := func(token string) (types.SymbolRecord, bool) {
			for _, exch := range calendar.Exchanges() {
				if rec, ok := resolver.Reverse(token, string(exch)); ok {
					return rec, true
				}
			}
			return types.SymbolRecord{}, false
		}
		dialer = broker.NewPollDialer(live, lookup, cfg.Broker.PollInterval)
		logger.Info("no stream transport configured, polling quotes", "interval", cfg.Broker.PollInterval)
	}
	hub := feed.NewHub(dialer, feed.Options{
		ReconnectInitial: cfg.Feed.ReconnectInitial,
		ReconnectMax:     cfg.Feed.ReconnectMax,
		MaxReconnects:    cfg.Feed.MaxReconnects,
		DownAfter:        cfg.Feed.DownAfter,
	}, logger)

	sb := sandbox.New(resolver, live.LotMargin, sandbox.Options{
		StartingCapital: decimal.NewFromFloat(cfg.Sandbox.StartingCapital),
		EquityLeverage:  decimal.NewFromFloat(cfg.Sandbox.EquityLeverage),
		FNOMarginPct:    decimal.NewFromFloat(cfg.Sandbox.FNOMarginPct),
	},
		cache.NewNamespace(backend, cache.NSSandboxFunds),
		cache.NewNamespace(backend, cache.NSSandboxPositions),
		cache.NewNamespace(backend, cache.NSSandboxOrders),
		cache.NewNamespace(backend, cache.NSSandboxTrades),
		logger)

	orders := router.New(live, sb, resolver, router.Options{
		RatePerSecond: cfg.Router.RatePerSecond,
		RateBurst:     cfg.Router.RateBurst,
		QueueTimeout:  cfg.Router.QueueTimeout,
		DedupWindow:   cfg.Router.DedupWindow,
	}, logger)

	strategies := strategy.NewStore(cache.NewNamespace(backend, cache.NSStrategies), logger)

	mon := monitor.New(
		cache.NewNamespace(backend, cache.NSActiveTrades),
		&statusRouter{live: live, sandbox: sb, analyze: orders.AnalyzeMode},
		orders, strategies, logger)

	quoteFn := func(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, error) {
		q, err := live.Quote(ctx, symbol, exchange)
		return q.LTP, err
	}
	webhooks := webhook.New(strategies, resolver, orders, quoteFn, mon, orders.Halted, logger)

	notifier := telegram.New(cfg.Telegram.BotToken, cfg.Telegram.BaseURL, cache.NewNamespace(backend, cache.NSSettings), logger)
	mon.SetNotifier(notifier)

	alertEngine := alerts.New(alerts.Options{
		Alerts:   cache.NewNamespace(backend, cache.NSAlerts),
		Triggers: cache.NewNamespace(backend, cache.NSTriggers),
		Resolver: resolver,
		Feed:     hub,
		Notifier: notifier,
		Orders:   orders,
		History:  live.History,
		Clock:    calendar,
		Workers:  cfg.Alerts.Workers,
	}, logger)

	e := &Engine{
		cfg:        cfg,
		loc:        loc,
		logger:     logger.With("component", "engine"),
		backend:    backend,
		resolver:   resolver,
		authSvc:    authSvc,
		calendar:   calendar,
		live:       live,
		hub:        hub,
		sandbox:    sb,
		orders:     orders,
		strategies: strategies,
		monitor:    mon,
		webhooks:   webhooks,
		alerts:     alertEngine,
		notifier:   notifier,
		cron:       cron.New(cron.WithLocation(loc)),
		tap:        make(chan feed.Message, 1024),
		subs:       make(map[subRef]struct{}),
	}

	e.rest = restapi.New(restapi.Deps{
		Auth:       authSvc,
		Orders:     orders,
		Live:       live,
		Sandbox:    sb,
		Resolver:   resolver,
		Strategies: strategies,
		Webhooks:   webhooks,
		Alerts:     alertEngine,
		Monitor:    mon,
		Calendar:   calendar,
		Controls:   e,

		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	e.ws = wsapi.New(authSvc, hub, resolver, logger)

	return e, nil
}

// Start recovers persisted state and brings every subsystem up.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	ctx := e.ctx

	// A fresh install has no symbol table until the first scheduled
	// download; fetch one now so resolution works from the start.
	if e.resolver.Count() == 0 {
		e.rotateContracts(ctx)
	}

	if err := e.strategies.Load(ctx); err != nil {
		return err
	}
	if err := e.sandbox.Load(ctx); err != nil {
		return err
	}
	if err := e.monitor.Load(ctx); err != nil {
		return err
	}
	if err := e.alerts.Load(ctx); err != nil {
		return err
	}
	e.alerts.Start(ctx)
	e.monitor.Start(ctx, e.cfg.Monitor.PollInterval, e.cfg.Monitor.FlushInterval)

	if err := e.schedule(); err != nil {
		return err
	}
	e.cron.Start()

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		if err := e.rest.Listen(ctx, "", e.cfg.Server.RESTPort); err != nil {
			e.logger.Error("rest server stopped", "err", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.ws.Listen(ctx, "", e.cfg.Server.WSPort); err != nil {
			e.logger.Error("ws server stopped", "err", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		e.pump(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileLoop(ctx)
	}()

	e.logger.Info("engine started",
		"rest_port", e.cfg.Server.RESTPort,
		"ws_port", e.cfg.Server.WSPort,
		"symbols", e.resolver.Count(),
	)
	return nil
}

// Stop shuts everything down and flushes dirty state.
func (e *Engine) Stop() {
	e.cancel()
	cronCtx := e.cron.Stop()
	<-cronCtx.Done()
	e.alerts.Close()
	e.hub.Close()
	e.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.monitor.Flush(flushCtx)
	if err := e.backend.Close(); err != nil {
		e.logger.Error("cache close failed", "err", err)
	}
	e.logger.Info("engine stopped")
}

// schedule registers the cron jobs.
func (e *Engine) schedule() error {
	// Minute sweeps: strategy square-off windows and time-based alerts.
	if _, err := e.cron.AddFunc("* * * * *", func() {
		now := time.Now().In(e.loc)
		e.webhooks.SquareOffDue(e.ctx, now)
		e.alerts.ClockSweep(e.ctx, now)
	}); err != nil {
		return err
	}

	// Sandbox intraday square-off per segment, weekdays only.
	for segment, at := range e.cfg.Market.SquareOff {
		minutes, err := config.ClockMinutes(at)
		if err != nil {
			return err
		}
		exchanges := segmentExchanges(segment)
		spec := cronAt(minutes) + " * * 1-5"
		seg := segment
		if _, err := e.cron.AddFunc(spec, func() {
			e.logger.Info("sandbox square-off", "segment", seg)
			e.sandbox.SquareOff(e.ctx, exchanges)
		}); err != nil {
			return err
		}
	}

	// Weekly sandbox reset.
	if _, err := e.cron.AddFunc(e.cfg.Sandbox.ResetSchedule, func() {
		if err := e.sandbox.Reset(e.ctx); err != nil {
			e.logger.Error("sandbox reset failed", "err", err)
		}
	}); err != nil {
		return err
	}

	// Daily forced logout: every session token expires, clients must
	// re-authenticate with the broker.
	logoutAt, _ := config.ClockMinutes(e.cfg.Auth.ForcedLogoutAt)
	if _, err := e.cron.AddFunc(cronAt(logoutAt)+" * * *", func() {
		if err := e.authSvc.ExpireAll(e.ctx); err != nil {
			e.logger.Error("forced logout sweep failed", "err", err)
		}
	}); err != nil {
		return err
	}

	// Daily master-contract download before the open.
	contractsAt, _ := config.ClockMinutes(e.cfg.Broker.ContractsAt)
	if _, err := e.cron.AddFunc(cronAt(contractsAt)+" * * *", func() {
		e.rotateContracts(e.ctx)
	}); err != nil {
		return err
	}
	return nil
}

// rotateContracts downloads the broker's master contracts and swaps the
// symbol table in. The previous table stays active on any failure.
func (e *Engine) rotateContracts(ctx context.Context) {
	records, err := e.live.MasterContracts(ctx)
	if err != nil {
		e.logger.Error("master contract download failed", "broker", e.cfg.Broker.Name, "err", err)
		return
	}
	if err := e.resolver.Rotate(ctx, e.cfg.Broker.Name, records); err != nil {
		e.logger.Error("symbol table rotation failed", "broker", e.cfg.Broker.Name, "err", err)
		return
	}
	e.logger.Info("symbol table rotated", "broker", e.cfg.Broker.Name, "records", len(records))
}

// pump fans hub ticks into the sandbox fill engine and the trade monitor.
func (e *Engine) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.tap:
			if msg.Kind != feed.KindTick {
				continue
			}
			e.sandbox.HandleTick(ctx, msg.Tick)
			e.monitor.HandleTick(ctx, msg.Tick)
		}
	}
}

// reconcileLoop keeps the engine's feed subscriptions matched to what the
// sandbox and monitor currently watch.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	wanted := make(map[subRef]struct{})
	for userID, keys := range e.monitor.Subscriptions() {
		for _, key := range keys {
			wanted[subRef{userID: userID, key: key}] = struct{}{}
		}
	}
	for userID, keys := range e.sandbox.Subscriptions() {
		for _, key := range keys {
			wanted[subRef{userID: userID, key: key}] = struct{}{}
		}
	}

	for ref := range wanted {
		if _, held := e.subs[ref]; held {
			continue
		}
		symbol, exch, ok := types.SplitSymbolKey(ref.key)
		if !ok {
			continue
		}
		rec, err := e.resolver.Resolve(ctx, symbol, exch)
		if err != nil {
			e.logger.Warn("cannot subscribe watched symbol", "key", ref.key, "err", err)
			continue
		}
		if _, err := e.hub.Subscribe(ctx, ref.userID, rec, types.ModeLTP, 0, e.tap); err != nil {
			e.logger.Warn("feed subscribe failed", "key", ref.key, "err", err)
			continue
		}
		e.subs[ref] = struct{}{}
	}

	for ref := range e.subs {
		if _, still := wanted[ref]; still {
			continue
		}
		symbol, exch, ok := types.SplitSymbolKey(ref.key)
		if ok {
			if rec, err := e.resolver.Resolve(ctx, symbol, exch); err == nil {
				_ = e.hub.Unsubscribe(ctx, ref.userID, rec, types.ModeLTP, e.tap)
			}
		}
		delete(e.subs, ref)
	}
}

// PanicAll halts new order flow, cancels every user's pending orders and
// closes every monitored trade at market.
func (e *Engine) PanicAll(ctx context.Context) error {
	e.orders.Halt()

	users := make(map[string]struct{})
	for _, inst := range e.strategies.All() {
		users[inst.UserID] = struct{}{}
	}
	for userID := range e.monitor.Subscriptions() {
		users[userID] = struct{}{}
	}
	for userID := range users {
		if _, err := e.orders.CancelAll(ctx, userID, nil); err != nil {
			e.logger.Error("panic cancel-all failed", "user", userID, "err", err)
		}
	}
	closed := e.monitor.CloseEverything(ctx)
	for userID := range users {
		if err := e.notifier.Notify(ctx, userID, "PANIC: trading halted, pending orders cancelled, open trades closing at market"); err != nil {
			e.logger.Warn("panic notification failed", "user", userID, "err", err)
		}
	}
	e.logger.Warn("global panic", "users", len(users), "closed_trades", closed)
	return nil
}

// ClearPanic lifts a global halt.
func (e *Engine) ClearPanic(ctx context.Context) {
	e.orders.Resume()
	e.logger.Info("global panic cleared")
}

// Halted reports the global halt flag.
func (e *Engine) Halted() bool { return e.orders.Halted() }

// SetAnalyzeMode flips the global live/analyze switch.
func (e *Engine) SetAnalyzeMode(on bool) { e.orders.SetAnalyzeMode(on) }

// AnalyzeMode reports the global live/analyze switch.
func (e *Engine) AnalyzeMode() bool { return e.orders.AnalyzeMode() }

// statusRouter routes monitor order-status polls by order id prefix, so
// sandbox trades are supervised the same way live ones are. Position
// checks follow the global analyze switch, matching where new orders go.
type statusRouter struct {
	live    broker.Client
	sandbox *sandbox.Engine
	analyze func() bool
}

func (s *statusRouter) OrderStatus(ctx context.Context, userID, brokerOrderID string) (types.OrderRecord, error) {
	if strings.HasPrefix(brokerOrderID, router.SandboxPrefix) {
		return s.sandbox.OrderStatus(ctx, userID, brokerOrderID)
	}
	return s.live.OrderStatus(ctx, userID, brokerOrderID)
}

func (s *statusRouter) NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error) {
	if s.analyze() {
		return s.sandbox.NetPosition(ctx, userID, symbol, exchange, product)
	}
	return s.live.NetPosition(ctx, userID, symbol, exchange, product)
}

// segmentExchanges maps a square-off segment name onto exchange codes. A
// name that is not a known segment is treated as a single exchange code.
func segmentExchanges(segment string) []types.Exchange {
	switch strings.ToLower(segment) {
	case "equity":
		return []types.Exchange{types.ExchNSE, types.ExchBSE}
	case "fno":
		return []types.Exchange{types.ExchNFO, types.ExchBFO}
	case "currency":
		return []types.Exchange{types.ExchCDS}
	case "commodity":
		return []types.Exchange{types.ExchMCX}
	}
	return []types.Exchange{types.Exchange(strings.ToUpper(segment))}
}

// cronAt renders "M H" for a minutes-since-midnight clock value.
func cronAt(minutes int) string {
	return strconv.Itoa(minutes%60) + " " + strconv.Itoa(minutes/60)
}
