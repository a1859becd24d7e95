package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"algobridge/internal/broker"
	"algobridge/pkg/types"
)

type subKey struct {
	key  string // SYMBOL:EXCHANGE
	mode types.SubMode
}

// subEntry is one upstream subscription with its local consumers.
type subEntry struct {
	rec            types.SymbolRecord
	mode           types.SubMode
	requestedDepth int
	actualDepth    int
	isFallback     bool
	sinks          map[chan<- Message]struct{}
}

// session is one user's upstream connection. A single goroutine reads the
// stream and dispatches inline, which preserves per-(symbol, mode) ordering.
type session struct {
	userID string
	dialer broker.Dialer
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[subKey]*subEntry
	stream broker.Stream // nil while disconnected
	dead   bool

	downSent bool
	dropped  uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(userID string, dialer broker.Dialer, opts Options, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		userID: userID,
		dialer: dialer,
		opts:   opts,
		logger: logger.With("user", userID),
		subs:   make(map[subKey]*subEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// depthFor picks the highest supported level at or below the request, or the
// broker's minimum when the request undercuts everything it offers.
func depthFor(supported []int, requested int) int {
	best := 0
	for _, d := range supported {
		if d <= requested && d > best {
			best = d
		}
	}
	if best == 0 {
		if len(supported) > 0 {
			return supported[0]
		}
		return requested
	}
	return best
}

func (s *session) subscribe(ctx context.Context, rec types.SymbolRecord, mode types.SubMode, depthLevel int, sink chan<- Message) (int, error) {
	k := subKey{key: rec.Key(), mode: mode}

	s.mu.Lock()
	e, ok := s.subs[k]
	if ok {
		e.sinks[sink] = struct{}{}
		actual := e.actualDepth
		s.mu.Unlock()
		return actual, nil
	}

	actual := 0
	fallback := false
	if mode == types.ModeDepth {
		actual = depthFor(s.dialer.SupportedDepths(rec.Exchange), depthLevel)
		fallback = actual != depthLevel
	}
	e = &subEntry{
		rec:            rec,
		mode:           mode,
		requestedDepth: depthLevel,
		actualDepth:    actual,
		isFallback:     fallback,
		sinks:          map[chan<- Message]struct{}{sink: {}},
	}
	s.subs[k] = e
	stream := s.stream
	s.mu.Unlock()

	if fallback {
		s.logger.Info("depth fallback", "symbol", rec.Symbol, "requested", depthLevel, "actual", actual)
	}

	// First consumer: subscribe upstream if the session is live. If not,
	// the reconnect path replays the whole table.
	if stream != nil {
		if err := stream.Subscribe(ctx, rec.Token, mode, actual); err != nil {
			s.mu.Lock()
			var joined []chan<- Message
			if cur, ok := s.subs[k]; ok {
				for snk := range cur.sinks {
					if snk != sink {
						joined = append(joined, snk)
					}
				}
				delete(s.subs, k)
			}
			s.mu.Unlock()
			// Consumers that joined while the upstream call was in flight
			// get the failure as a status message; the caller gets the error.
			fail := Message{Kind: KindStatus, Status: StatusSubscribeFailed, Tick: types.Tick{Symbol: rec.Symbol, Exchange: rec.Exchange, Mode: mode}}
			for _, snk := range joined {
				select {
				case snk <- fail:
				default:
				}
			}
			return 0, types.NewAPIErrorf(types.ErrSubscription, "upstream subscribe %s: %v", rec.Symbol, err)
		}
	}
	return actual, nil
}

func (s *session) unsubscribe(ctx context.Context, rec types.SymbolRecord, mode types.SubMode, sink chan<- Message) error {
	k := subKey{key: rec.Key(), mode: mode}

	s.mu.Lock()
	e, ok := s.subs[k]
	if !ok {
		s.mu.Unlock()
		return types.NewAPIError(types.ErrNotSubscribed, "not subscribed")
	}
	if _, ok := e.sinks[sink]; !ok {
		s.mu.Unlock()
		return types.NewAPIError(types.ErrNotSubscribed, "not subscribed")
	}
	delete(e.sinks, sink)
	last := len(e.sinks) == 0
	if last {
		delete(s.subs, k)
	}
	stream := s.stream
	s.mu.Unlock()

	if last && stream != nil {
		if err := stream.Unsubscribe(ctx, rec.Token, mode); err != nil {
			s.logger.Warn("upstream unsubscribe failed", "symbol", rec.Symbol, "err", err)
		}
	}
	return nil
}

// dropSink removes one consumer from every subscription, tearing down any
// upstream legs it was the last consumer of.
func (s *session) dropSink(ctx context.Context, sink chan<- Message) {
	s.mu.Lock()
	var orphaned []*subEntry
	for k, e := range s.subs {
		if _, ok := e.sinks[sink]; !ok {
			continue
		}
		delete(e.sinks, sink)
		if len(e.sinks) == 0 {
			delete(s.subs, k)
			orphaned = append(orphaned, e)
		}
	}
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return
	}
	for _, e := range orphaned {
		if err := stream.Unsubscribe(ctx, e.rec.Token, e.mode); err != nil {
			s.logger.Warn("upstream unsubscribe failed", "symbol", e.rec.Symbol, "err", err)
		}
	}
}

func (s *session) stop() {
	s.cancel()
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// run is the session lifecycle: dial, replay subscriptions, pump events,
// reconnect with exponential backoff. Gives up after MaxReconnects
// consecutive failures.
func (s *session) run() {
	backoff := s.opts.ReconnectInitial
	attempts := 0
	var disconnectedAt time.Time

	for {
		if s.ctx.Err() != nil {
			return
		}

		stream, err := s.dialer.Dial(s.ctx, s.userID)
		if err != nil {
			attempts++
			s.logger.Warn("upstream dial failed", "attempt", attempts, "err", err)
			if !disconnectedAt.IsZero() && time.Since(disconnectedAt) >= s.opts.DownAfter {
				s.notifyDown()
			}
			if attempts >= s.opts.MaxReconnects {
				s.logger.Error("upstream unreachable, giving up", "attempts", attempts)
				s.notifyDown()
				s.mu.Lock()
				s.dead = true
				s.mu.Unlock()
				return
			}
			if disconnectedAt.IsZero() {
				disconnectedAt = time.Now()
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.opts.ReconnectMax)
			continue
		}

		attempts = 0
		backoff = s.opts.ReconnectInitial
		disconnectedAt = time.Time{}

		s.mu.Lock()
		s.stream = stream
		entries := make([]*subEntry, 0, len(s.subs))
		for _, e := range s.subs {
			entries = append(entries, e)
		}
		wasDown := s.downSent
		s.downSent = false
		s.mu.Unlock()

		// Replay the subscription table; the upstream remembers nothing.
		replayed := 0
		for _, e := range entries {
			if err := stream.Subscribe(s.ctx, e.rec.Token, e.mode, e.actualDepth); err != nil {
				s.logger.Warn("resubscribe failed", "symbol", e.rec.Symbol, "err", err)
				continue
			}
			replayed++
		}
		s.logger.Info("upstream connected", "subscriptions", replayed)
		if wasDown {
			s.broadcast(Message{Kind: KindStatus, Status: StatusUpstreamRestored})
		}

		s.pump(stream)

		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
		stream.Close()
		disconnectedAt = time.Now()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("upstream disconnected, reconnecting")
	}
}

// pump reads stream events until the stream dies.
func (s *session) pump(stream broker.Stream) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				s.logger.Warn("upstream error", "err", ev.Err)
				return
			}
			s.dispatch(ev.Tick)
		}
	}
}

// dispatch fans one tick out to the consumers of its (symbol, mode). A full
// consumer channel drops the tick for that consumer only.
func (s *session) dispatch(tick types.Tick) {
	k := subKey{key: tick.Key(), mode: tick.Mode}

	s.mu.Lock()
	e, ok := s.subs[k]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.mode == types.ModeDepth {
		tick.RequestedDepth = e.requestedDepth
		tick.ActualDepth = e.actualDepth
		tick.IsFallback = e.isFallback
	}
	sinks := make([]chan<- Message, 0, len(e.sinks))
	for sink := range e.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	msg := Message{Kind: KindTick, Tick: tick}
	for _, sink := range sinks {
		select {
		case sink <- msg:
		default:
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			if n%1000 == 1 {
				s.logger.Warn("slow consumer, dropping ticks", "dropped", n)
			}
		}
	}
}

func (s *session) notifyDown() {
	s.mu.Lock()
	if s.downSent {
		s.mu.Unlock()
		return
	}
	s.downSent = true
	s.mu.Unlock()
	s.broadcast(Message{Kind: KindStatus, Status: StatusUpstreamDown})
}

// broadcast sends a status message to every consumer of every subscription.
func (s *session) broadcast(msg Message) {
	s.mu.Lock()
	seen := make(map[chan<- Message]struct{})
	for _, e := range s.subs {
		for sink := range e.sinks {
			seen[sink] = struct{}{}
		}
	}
	s.mu.Unlock()

	for sink := range seen {
		select {
		case sink <- msg:
		default:
		}
	}
}
