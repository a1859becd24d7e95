package broker

import (
	"context"
	"sync"
	"time"

	"algobridge/pkg/types"
)

// LookupFunc resolves an upstream token back to its symbol record.
type LookupFunc func(token string) (types.SymbolRecord, bool)

// PollDialer synthesizes a market-data stream by polling the REST quote
// endpoint. It is the fallback transport for brokers that expose no
// WebSocket feed; depth mode downgrades to the snapshot the REST depth
// call returns.
type PollDialer struct {
	client   Client
	lookup   LookupFunc
	interval time.Duration
}

// NewPollDialer builds the dialer. interval is the per-token poll period.
func NewPollDialer(client Client, lookup LookupFunc, interval time.Duration) *PollDialer {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollDialer{client: client, lookup: lookup, interval: interval}
}

func (d *PollDialer) Dial(ctx context.Context, userID string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &pollStream{
		client:   d.client,
		lookup:   d.lookup,
		interval: d.interval,
		subs:     make(map[string]types.SubMode),
		events:   make(chan StreamEvent, 256),
		cancel:   cancel,
	}
	go s.run(ctx)
	return s, nil
}

// SupportedDepths reports the REST depth snapshot size.
func (d *PollDialer) SupportedDepths(exchange types.Exchange) []int { return []int{5} }

type pollStream struct {
	client   Client
	lookup   LookupFunc
	interval time.Duration

	mu     sync.Mutex
	subs   map[string]types.SubMode
	closed bool

	events chan StreamEvent
	cancel context.CancelFunc
}

func (s *pollStream) Subscribe(ctx context.Context, token string, mode types.SubMode, depthLevel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The highest requested mode wins; LTP is contained in QUOTE and DEPTH.
	if cur, ok := s.subs[token]; !ok || mode > cur {
		s.subs[token] = mode
	}
	return nil
}

func (s *pollStream) Unsubscribe(ctx context.Context, token string, mode types.SubMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, token)
	return nil
}

func (s *pollStream) Events() <-chan StreamEvent { return s.events }

func (s *pollStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *pollStream) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *pollStream) pollOnce(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]types.SubMode, len(s.subs))
	for token, mode := range s.subs {
		snapshot[token] = mode
	}
	s.mu.Unlock()

	for token, mode := range snapshot {
		rec, ok := s.lookup(token)
		if !ok {
			continue
		}
		tick, err := s.fetch(ctx, rec, mode)
		if err != nil {
			continue
		}
		s.emit(StreamEvent{Tick: tick})
	}
}

func (s *pollStream) fetch(ctx context.Context, rec types.SymbolRecord, mode types.SubMode) (types.Tick, error) {
	q, err := s.client.Quote(ctx, rec.Symbol, rec.Exchange)
	if err != nil {
		return types.Tick{}, err
	}
	tick := types.Tick{
		Symbol:    rec.Symbol,
		Exchange:  rec.Exchange,
		Mode:      mode,
		LTP:       q.LTP,
		Timestamp: time.Now(),
	}
	if mode >= types.ModeQuote {
		tick.Open, tick.High, tick.Low, tick.Close = q.Open, q.High, q.Low, q.Close
		tick.Volume = q.Volume
	}
	if mode == types.ModeDepth {
		d, err := s.client.Depth(ctx, rec.Symbol, rec.Exchange)
		if err == nil {
			tick.Depth = &d
		}
	}
	return tick, nil
}

// emit drops on a full channel; a stalled consumer must not park the poll
// loop behind a send.
func (s *pollStream) emit(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

var _ Dialer = (*PollDialer)(nil)
