// Package feed owns upstream market data: one broker WS session per user,
// refcounted subscriptions, and fanout to any number of local consumers
// (external WS clients, the trade monitor, the alert engine, the sandbox).
//
// Invariants:
//   - at most one upstream subscription exists per (user, symbol, mode),
//     no matter how many consumers asked for it;
//   - ticks for one (symbol, mode) are delivered to each consumer in
//     upstream order;
//   - a slow consumer loses ticks, never stalls the session.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"algobridge/internal/broker"
	"algobridge/pkg/types"
)

// MessageKind discriminates fanout messages.
type MessageKind int

const (
	KindTick MessageKind = iota
	KindStatus
)

// Status strings sent on KindStatus messages.
const (
	StatusUpstreamDown     = "upstream_down"
	StatusUpstreamRestored = "upstream_restored"
	StatusSubscribeFailed  = "subscribe_failed"
)

// Message is one fanout event: a market tick or a session status change.
type Message struct {
	Kind   MessageKind
	Tick   types.Tick
	Status string
}

// Options tunes reconnection and outage notification.
type Options struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxReconnects    int
	DownAfter        time.Duration
}

// Hub multiplexes upstream sessions across users.
type Hub struct {
	dialer broker.Dialer
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	wg sync.WaitGroup
}

// NewHub builds the hub. Sessions are dialed lazily on first subscribe.
func NewHub(dialer broker.Dialer, opts Options, logger *slog.Logger) *Hub {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 5 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 10
	}
	return &Hub{
		dialer:   dialer,
		opts:     opts,
		logger:   logger.With("component", "feed"),
		sessions: make(map[string]*session),
	}
}

// Subscribe attaches sink to (symbol, mode) market data for a user's broker
// session. depthLevel applies to ModeDepth only; unsupported levels downgrade
// to the highest level the broker supports at or below the request, and the
// downgrade is stamped on every delivered tick.
//
// The returned ActualDepth tells the caller what it will really receive.
func (h *Hub) Subscribe(ctx context.Context, userID string, rec types.SymbolRecord, mode types.SubMode, depthLevel int, sink chan<- Message) (actualDepth int, err error) {
	if !types.ValidSubMode(mode) {
		return 0, types.NewAPIErrorf(types.ErrInvalidParameters, "invalid mode %d", int(mode))
	}
	if mode == types.ModeDepth && !types.ValidDepthLevel(depthLevel) {
		return 0, types.NewAPIErrorf(types.ErrInvalidParameters, "invalid depth level %d", depthLevel)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, types.NewAPIError(types.ErrUpstream, "feed hub is shut down")
	}
	s, ok := h.sessions[userID]
	if !ok {
		s = newSession(userID, h.dialer, h.opts, h.logger)
		h.sessions[userID] = s
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			s.run()
		}()
	}
	h.mu.Unlock()

	return s.subscribe(ctx, rec, mode, depthLevel, sink)
}

// Unsubscribe detaches sink from (symbol, mode). The upstream subscription is
// torn down only when the last consumer leaves.
func (h *Hub) Unsubscribe(ctx context.Context, userID string, rec types.SymbolRecord, mode types.SubMode, sink chan<- Message) error {
	h.mu.Lock()
	s, ok := h.sessions[userID]
	h.mu.Unlock()
	if !ok {
		return types.NewAPIError(types.ErrNotSubscribed, "no active subscription")
	}
	return s.unsubscribe(ctx, rec, mode, sink)
}

// UnsubscribeAll detaches sink from everything it subscribed to for a user.
// Used when an external WS client disconnects.
func (h *Hub) UnsubscribeAll(ctx context.Context, userID string, sink chan<- Message) {
	h.mu.Lock()
	s, ok := h.sessions[userID]
	h.mu.Unlock()
	if ok {
		s.dropSink(ctx, sink)
	}
}

// Close tears down every session and waits for their loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	h.wg.Wait()
}
