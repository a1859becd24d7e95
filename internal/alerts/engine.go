package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"algobridge/internal/cache"
	"algobridge/internal/feed"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

// NumWorkers is the default evaluation pool size. Evaluation can block
// on a history fetch, so ticks fan out to workers instead of running
// inline.
const NumWorkers = 10

// Notifier delivers trigger messages to the user.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// OrderSink places the optional order attached to an alert.
type OrderSink interface {
	Place(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error)
}

// Feed is the slice of the market-data hub the engine subscribes through.
type Feed interface {
	Subscribe(ctx context.Context, userID string, rec types.SymbolRecord, mode types.SubMode, depthLevel int, sink chan<- feed.Message) (int, error)
	Unsubscribe(ctx context.Context, userID string, rec types.SymbolRecord, mode types.SubMode, sink chan<- feed.Message) error
}

// MarketClock gates market-hours-only schedules.
type MarketClock interface {
	IsOpen(exchange types.Exchange, t time.Time) bool
}

type subRef struct {
	userID string
	key    string
	mode   types.SubMode
}

type job struct {
	id   string
	tick types.Tick
}

// Engine owns the alert table, the evaluation pool and the trigger path.
type Engine struct {
	ns       *cache.Namespace
	trigNS   *cache.Namespace
	resolver *symbols.Resolver
	feed     Feed
	notifier Notifier
	orders   OrderSink
	history  HistoryFunc
	clock    MarketClock
	workers  int
	logger   *slog.Logger

	mu     sync.Mutex
	byID   map[string]*Alert
	byKey  map[string]map[string]struct{} // symbol key -> alert ids
	states map[string]*state
	busy   map[string]bool
	subs   map[subRef]int

	jobs    chan job
	sink    chan feed.Message
	dropped int64

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now func() time.Time
}

// Options carries the engine's collaborators. Feed, Notifier and Orders
// may be nil; the matching behaviour is then skipped.
type Options struct {
	Alerts   *cache.Namespace
	Triggers *cache.Namespace
	Resolver *symbols.Resolver
	Feed     Feed
	Notifier Notifier
	Orders   OrderSink
	History  HistoryFunc
	Clock    MarketClock
	Workers  int // 0 means NumWorkers
}

// New builds the engine. Call Load then Start.
func New(opts Options, logger *slog.Logger) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = NumWorkers
	}
	return &Engine{
		ns:       opts.Alerts,
		trigNS:   opts.Triggers,
		resolver: opts.Resolver,
		feed:     opts.Feed,
		notifier: opts.Notifier,
		orders:   opts.Orders,
		history:  opts.History,
		clock:    opts.Clock,
		workers:  workers,
		logger:   logger.With("component", "alerts"),
		byID:     make(map[string]*Alert),
		byKey:    make(map[string]map[string]struct{}),
		states:   make(map[string]*state),
		busy:     make(map[string]bool),
		subs:     make(map[subRef]int),
		jobs:     make(chan job, workers*4),
		sink:     make(chan feed.Message, 1024),
		now:      time.Now,
	}
}

// Load rebuilds the table from the cache and re-indexes active alerts.
func (e *Engine) Load(ctx context.Context) error {
	items, err := e.ns.Items(ctx)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, raw := range items {
		var a Alert
		if err := msgpack.Unmarshal(raw, &a); err != nil {
			e.logger.Warn("skipping corrupt alert record", "id", id, "err", err)
			continue
		}
		e.byID[a.ID] = &a
	}
	active := 0
	for _, a := range e.byID {
		if a.Status != StatusActive {
			continue
		}
		active++
		e.indexLocked(a)
		if !a.TimeBased() {
			e.subscribeLocked(ctx, a)
		}
	}
	e.logger.Info("alerts loaded", "total", len(e.byID), "active", active)
	return nil
}

// Start launches the worker pool and the feed pump.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.pump(ctx)
}

// Close stops the pool after in-flight evaluations finish.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) pump(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.sink:
			if msg.Kind == feed.KindTick {
				e.HandleTick(msg.Tick)
			}
		}
	}
}

// HandleTick fans the tick out to every alert watching its symbol. An
// alert already being evaluated drops the new tick; the next one catches
// up. Other alerts on the same symbol are unaffected.
func (e *Engine) HandleTick(tick types.Tick) {
	key := tick.Key()
	e.mu.Lock()
	ids := e.byKey[key]
	for id := range ids {
		if e.busy[id] {
			e.dropped++
			continue
		}
		e.busy[id] = true
		select {
		case e.jobs <- job{id: id, tick: tick}:
		default:
			e.busy[id] = false
			e.dropped++
		}
	}
	e.mu.Unlock()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.process(ctx, j)
			e.mu.Lock()
			delete(e.busy, j.id)
			e.mu.Unlock()
		}
	}
}

// process evaluates one alert against one tick. The busy flag guarantees
// a single worker per alert; the worker runs on a snapshot of the state
// and writes it back under the table lock, so Test's dry-run copies never
// race an in-flight evaluation.
func (e *Engine) process(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	e.mu.Lock()
	a, ok := e.byID[j.id]
	if !ok || a.Status != StatusActive {
		e.mu.Unlock()
		return
	}
	st, okSt := e.states[j.id]
	if !okSt {
		st = &state{}
		e.states[j.id] = st
	}
	snap := *a
	stCopy := *st
	e.mu.Unlock()

	store := func() {
		e.mu.Lock()
		if cur, ok := e.states[j.id]; ok {
			*cur = stCopy
		}
		e.mu.Unlock()
	}

	now := e.now()
	if snap.Schedule.expired(now) {
		e.transition(ctx, j.id, StatusExpired)
		return
	}
	if !snap.Schedule.covers(now) {
		stCopy.observe(j.tick)
		store()
		return
	}
	if snap.Schedule.MarketHoursOnly && e.clock != nil && !e.clock.IsOpen(snap.Exchange, now) {
		stCopy.observe(j.tick)
		store()
		return
	}
	if snap.Mode == ModeCooldown && !snap.LastTriggeredAt.IsZero() {
		if now.Sub(snap.LastTriggeredAt) < time.Duration(snap.Cooldown)*time.Minute {
			stCopy.observe(j.tick)
			store()
			return
		}
	}

	// Arm the baseline for move conditions on first sight of a price.
	if snap.Baseline.Sign() <= 0 && isMove(snap.Condition.Type) {
		e.mutate(ctx, j.id, func(a *Alert) { a.Baseline = j.tick.LTP })
		stCopy.observe(j.tick)
		store()
		return
	}

	fired, msg, err := evaluate(ctx, &snap, &stCopy, j.tick, e.history)
	stCopy.observe(j.tick)
	store()
	if err != nil {
		e.logger.Warn("alert evaluation failed", "alert", j.id, "err", err)
		return
	}
	if fired {
		e.trigger(ctx, j.id, j.tick, msg, false)
	}
}

// trigger runs the fire path: record, notify, optional order, state update.
func (e *Engine) trigger(ctx context.Context, id string, tick types.Tick, msg string, test bool) {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	snap := *a
	e.mu.Unlock()

	rec := TriggerRecord{
		ID:        uuid.NewString(),
		AlertID:   snap.ID,
		UserID:    snap.UserID,
		Symbol:    snap.Symbol,
		Exchange:  snap.Exchange,
		Condition: snap.Condition.Type,
		LTP:       tick.LTP,
		Message:   msg,
		At:        e.now(),
		Test:      test,
	}

	if !test && snap.Order != nil && e.orders != nil {
		result, err := e.orders.Place(ctx, types.OrderIntent{
			UserID:    snap.UserID,
			Symbol:    snap.Symbol,
			Exchange:  snap.Exchange,
			Action:    snap.Order.Action,
			Product:   snap.Order.Product,
			PriceType: snap.Order.PriceType,
			Price:     snap.Order.Price,
			Quantity:  snap.Order.Quantity,
			Strategy:  "alert:" + snap.Name,
		})
		if err != nil {
			e.logger.Error("alert order failed", "alert", id, "err", err)
		} else if result.BrokerOrderID != "" {
			rec.OrderID = result.BrokerOrderID
		} else if len(result.OrderIDs) > 0 {
			rec.OrderID = result.OrderIDs[0]
		}
	}

	if snap.Notify && e.notifier != nil {
		text := msg
		if test {
			text = "[TEST] " + text
		}
		if err := e.notifier.Notify(ctx, snap.UserID, text); err != nil {
			e.logger.Warn("alert notification failed", "alert", id, "err", err)
		}
	}

	if err := e.trigNS.SetObject(ctx, rec.ID, rec, cache.NoTTL); err != nil {
		e.logger.Error("persist trigger failed", "alert", id, "err", err)
	}
	if test {
		return
	}

	e.mutate(ctx, id, func(a *Alert) {
		a.TriggerCount++
		a.LastTriggeredAt = rec.At
		if isMove(a.Condition.Type) {
			a.Baseline = tick.LTP
		}
		if a.Mode == ModeOnce || (a.MaxTriggers > 0 && a.TriggerCount >= a.MaxTriggers) {
			a.Status = StatusTriggered
		}
	})
	e.logger.Info("alert triggered", "alert", id, "symbol", snap.Symbol, "condition", snap.Condition.Type, "ltp", tick.LTP)
}

func isMove(t ConditionType) bool {
	switch t {
	case CondMovingUp, CondMovingDown, CondMovingUpPct, CondMovingDownPct:
		return true
	}
	return false
}

// ClockSweep fires due time-based alerts. Run once a minute from cron.
func (e *Engine) ClockSweep(ctx context.Context, now time.Time) {
	type firing struct {
		id  string
		msg string
	}
	e.mu.Lock()
	var due []firing
	for id, a := range e.byID {
		if a.Status != StatusActive || !a.TimeBased() {
			continue
		}
		if !a.Schedule.covers(now) || a.Schedule.expired(now) {
			continue
		}
		// One fire per matching minute.
		if !a.LastTriggeredAt.IsZero() && now.Sub(a.LastTriggeredAt) < time.Minute {
			continue
		}
		msg, fire := e.clockDue(a, now)
		if !fire {
			continue
		}
		due = append(due, firing{id: id, msg: msg})
	}
	e.mu.Unlock()

	for _, d := range due {
		e.mu.Lock()
		a, ok := e.byID[d.id]
		if !ok {
			e.mu.Unlock()
			continue
		}
		tick := types.Tick{Symbol: a.Symbol, Exchange: a.Exchange, Timestamp: now}
		e.mu.Unlock()
		e.trigger(ctx, d.id, tick, d.msg, false)
	}
}

// clockDue decides whether a time-based alert fires on this sweep minute.
// Caller holds e.mu.
func (e *Engine) clockDue(a *Alert, now time.Time) (string, bool) {
	switch a.Condition.Type {
	case CondTimeAt:
		if a.Condition.At != now.Format("15:04") {
			return "", false
		}
		return fmt.Sprintf("%s time alert at %s", a.Symbol, a.Condition.At), true

	case CondMarketOpen:
		// Open edge: the market is open this minute but was not the last.
		if e.clock == nil || !e.clock.IsOpen(a.Exchange, now) || e.clock.IsOpen(a.Exchange, now.Add(-time.Minute)) {
			return "", false
		}
		return fmt.Sprintf("%s market open on %s", a.Symbol, a.Exchange), true

	case CondMarketClose:
		if e.clock == nil || e.clock.IsOpen(a.Exchange, now) || !e.clock.IsOpen(a.Exchange, now.Add(-time.Minute)) {
			return "", false
		}
		return fmt.Sprintf("%s market close on %s", a.Symbol, a.Exchange), true

	case CondInterval:
		step, err := intervalMinutes(a.Condition.Interval)
		if err != nil {
			return "", false
		}
		// Anchored to the alert's creation minute.
		elapsed := int(now.Truncate(time.Minute).Sub(a.CreatedAt.Truncate(time.Minute)) / time.Minute)
		if elapsed <= 0 || elapsed%step != 0 {
			return "", false
		}
		return fmt.Sprintf("%s interval alert every %s", a.Symbol, a.Condition.Interval), true

	case CondCandleClose:
		step, err := intervalMinutes(a.Condition.Interval)
		if err != nil {
			return "", false
		}
		// Candles close on clock-aligned boundaries; the candle that just
		// closed must have been inside market hours.
		if (now.Hour()*60+now.Minute())%step != 0 {
			return "", false
		}
		if e.clock != nil && !e.clock.IsOpen(a.Exchange, now.Add(-time.Minute)) {
			return "", false
		}
		return fmt.Sprintf("%s %s candle closed", a.Symbol, a.Condition.Interval), true
	}
	return "", false
}

// Test dry-runs the alert against the given tick: it evaluates with a
// copy of the live state, sends a marked notification and records a test
// trigger, but touches no counters, baselines or subscriptions.
func (e *Engine) Test(ctx context.Context, id string, tick types.Tick) (bool, string, error) {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return false, "", types.NewAPIErrorf(types.ErrInvalidParameters, "unknown alert %s", id)
	}
	snap := *a
	var stCopy state
	if st, okSt := e.states[id]; okSt {
		stCopy = *st
	}
	e.mu.Unlock()

	fired, msg, err := evaluate(ctx, &snap, &stCopy, tick, e.history)
	if err != nil {
		return false, "", err
	}
	if fired {
		e.trigger(ctx, id, tick, msg, true)
	}
	return fired, msg, nil
}

// Create validates, resolves the symbol, persists and indexes the alert.
func (e *Engine) Create(ctx context.Context, a *Alert) error {
	if err := a.Condition.Validate(); err != nil {
		return err
	}
	if !a.TimeBased() {
		if _, err := e.resolver.Resolve(ctx, a.Symbol, a.Exchange); err != nil {
			return err
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Mode == "" {
		a.Mode = ModeOnce
	}
	if a.Mode == ModeCooldown && a.Cooldown <= 0 {
		a.Cooldown = 5
	}
	a.Status = StatusActive
	a.TriggerCount = 0
	a.CreatedAt = e.now()
	a.UpdatedAt = a.CreatedAt

	e.mu.Lock()
	e.byID[a.ID] = a
	e.indexLocked(a)
	if !a.TimeBased() {
		e.subscribeLocked(ctx, a)
	}
	cp := *a
	e.mu.Unlock()

	return e.persist(ctx, &cp)
}

// Update replaces the condition and schedule of an existing alert. The
// edge-detection state resets so the new condition starts fresh.
func (e *Engine) Update(ctx context.Context, a *Alert) error {
	if err := a.Condition.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	old, ok := e.byID[a.ID]
	if !ok {
		e.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown alert %s", a.ID)
	}
	a.UserID = old.UserID
	a.CreatedAt = old.CreatedAt
	a.TriggerCount = old.TriggerCount
	a.Status = old.Status
	a.UpdatedAt = e.now()

	if old.Status == StatusActive {
		e.deindexLocked(old)
		if !old.TimeBased() {
			e.unsubscribeLocked(ctx, old)
		}
	}
	e.byID[a.ID] = a
	delete(e.states, a.ID)
	if a.Status == StatusActive {
		e.indexLocked(a)
		if !a.TimeBased() {
			e.subscribeLocked(ctx, a)
		}
	}
	cp := *a
	e.mu.Unlock()

	return e.persist(ctx, &cp)
}

// Delete removes the alert. Its trigger history stays.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown alert %s", id)
	}
	if a.Status == StatusActive {
		e.deindexLocked(a)
		if !a.TimeBased() {
			e.unsubscribeLocked(ctx, a)
		}
	}
	delete(e.byID, id)
	delete(e.states, id)
	e.mu.Unlock()

	return e.ns.Delete(ctx, id)
}

// Pause stops evaluation without losing the alert.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.transition(ctx, id, StatusPaused)
}

// Resume re-activates a paused or triggered alert.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.transition(ctx, id, StatusActive)
}

// transition moves the alert between statuses, maintaining the symbol
// index and feed subscriptions.
func (e *Engine) transition(ctx context.Context, id string, to Status) error {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown alert %s", id)
	}
	from := a.Status
	if from == to {
		e.mu.Unlock()
		return nil
	}
	a.Status = to
	a.UpdatedAt = e.now()
	if from == StatusActive {
		e.deindexLocked(a)
		if !a.TimeBased() {
			e.unsubscribeLocked(ctx, a)
		}
	}
	if to == StatusActive {
		e.indexLocked(a)
		delete(e.states, id)
		if !a.TimeBased() {
			e.subscribeLocked(ctx, a)
		}
	}
	cp := *a
	e.mu.Unlock()

	return e.persist(ctx, &cp)
}

// Get returns a copy of one alert.
func (e *Engine) Get(id string) (Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.byID[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// List returns the user's alerts sorted by creation time.
func (e *Engine) List(userID string) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for _, a := range e.byID {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Triggers returns the alert's fire history, newest first.
func (e *Engine) Triggers(ctx context.Context, alertID string) ([]TriggerRecord, error) {
	items, err := e.trigNS.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	var out []TriggerRecord
	for _, raw := range items {
		var rec TriggerRecord
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.AlertID == alertID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

// Dropped reports ticks skipped because their alert was mid-evaluation.
func (e *Engine) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Engine) indexLocked(a *Alert) {
	if a.TimeBased() {
		return
	}
	key := a.Key()
	if e.byKey[key] == nil {
		e.byKey[key] = make(map[string]struct{})
	}
	e.byKey[key][a.ID] = struct{}{}
}

func (e *Engine) deindexLocked(a *Alert) {
	key := a.Key()
	if ids, ok := e.byKey[key]; ok {
		delete(ids, a.ID)
		if len(ids) == 0 {
			delete(e.byKey, key)
		}
	}
}

func (e *Engine) subscribeLocked(ctx context.Context, a *Alert) {
	if e.feed == nil {
		return
	}
	ref := subRef{userID: a.UserID, key: a.Key(), mode: a.RequiredMode()}
	e.subs[ref]++
	if e.subs[ref] > 1 {
		return
	}
	rec, err := e.resolver.Resolve(ctx, a.Symbol, a.Exchange)
	if err != nil {
		e.logger.Warn("alert subscribe resolve failed", "alert", a.ID, "err", err)
		return
	}
	if _, err := e.feed.Subscribe(ctx, a.UserID, rec, ref.mode, 0, e.sink); err != nil {
		e.logger.Warn("alert feed subscribe failed", "alert", a.ID, "err", err)
	}
}

func (e *Engine) unsubscribeLocked(ctx context.Context, a *Alert) {
	if e.feed == nil {
		return
	}
	ref := subRef{userID: a.UserID, key: a.Key(), mode: a.RequiredMode()}
	e.subs[ref]--
	if e.subs[ref] > 0 {
		return
	}
	delete(e.subs, ref)
	rec, err := e.resolver.Resolve(ctx, a.Symbol, a.Exchange)
	if err != nil {
		return
	}
	if err := e.feed.Unsubscribe(ctx, a.UserID, rec, ref.mode, e.sink); err != nil {
		e.logger.Warn("alert feed unsubscribe failed", "alert", a.ID, "err", err)
	}
}

// mutate applies f under the lock and persists the result.
func (e *Engine) mutate(ctx context.Context, id string, f func(*Alert)) {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	wasActive := a.Status == StatusActive
	f(a)
	a.UpdatedAt = e.now()
	if wasActive && a.Status != StatusActive {
		e.deindexLocked(a)
		if !a.TimeBased() {
			e.unsubscribeLocked(ctx, a)
		}
	}
	cp := *a
	e.mu.Unlock()

	if err := e.persist(ctx, &cp); err != nil {
		e.logger.Error("persist alert failed", "alert", id, "err", err)
	}
}

func (e *Engine) persist(ctx context.Context, a *Alert) error {
	if err := e.ns.SetObject(ctx, a.ID, a, cache.NoTTL); err != nil {
		return fmt.Errorf("persist alert %s: %w", a.ID, err)
	}
	return nil
}
