package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algobridge/internal/broker"
	"algobridge/pkg/types"
)

// fakeStream is a scripted upstream session.
type fakeStream struct {
	mu      sync.Mutex
	subs    map[string]types.SubMode // token -> mode
	depths  map[string]int
	events  chan broker.StreamEvent
	closed  bool
	subGate chan struct{} // non-nil blocks Subscribe until closed
	subErr  error         // non-nil fails Subscribe
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		subs:   make(map[string]types.SubMode),
		depths: make(map[string]int),
		events: make(chan broker.StreamEvent, 64),
	}
}

func (f *fakeStream) Subscribe(ctx context.Context, token string, mode types.SubMode, depthLevel int) error {
	f.mu.Lock()
	gate, errv := f.subGate, f.subErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if errv != nil {
		return errv
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[token] = mode
	f.depths[token] = depthLevel
	return nil
}

func (f *fakeStream) Unsubscribe(ctx context.Context, token string, mode types.SubMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, token)
	return nil
}

func (f *fakeStream) Events() <-chan broker.StreamEvent { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) push(t types.Tick) { f.events <- broker.StreamEvent{Tick: t} }

func (f *fakeStream) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// fakeDialer hands out streams in sequence, so tests can observe reconnects.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	dials   int
	depths  []int
}

func (d *fakeDialer) Dial(ctx context.Context, userID string) (broker.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.streams) {
		return nil, types.NewAPIError(types.ErrUpstream, "no more streams")
	}
	s := d.streams[d.dials]
	d.dials++
	return s, nil
}

func (d *fakeDialer) SupportedDepths(exchange types.Exchange) []int {
	if d.depths != nil {
		return d.depths
	}
	return []int{5, 20}
}

func testHub(t *testing.T, d *fakeDialer) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(d, Options{
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		MaxReconnects:    3,
		DownAfter:        10 * time.Millisecond,
	}, logger)
	t.Cleanup(h.Close)
	return h
}

func rec(symbol string, exchange types.Exchange, token string) types.SymbolRecord {
	return types.SymbolRecord{Symbol: symbol, Exchange: exchange, Token: token, Instrument: types.InstrumentEquity, LotSize: 1}
}

func waitTick(t *testing.T, ch chan Message) types.Tick {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-ch:
			if m.Kind == KindTick {
				return m.Tick
			}
		case <-deadline:
			t.Fatal("timed out waiting for tick")
		}
	}
}

func TestFanoutSharedSubscription(t *testing.T) {
	t.Parallel()
	st := newFakeStream()
	d := &fakeDialer{streams: []*fakeStream{st}}
	h := testHub(t, d)
	ctx := context.Background()

	a := make(chan Message, 16)
	b := make(chan Message, 16)
	r := rec("RELIANCE", types.ExchNSE, "2885")

	_, err := h.Subscribe(ctx, "u1", r, types.ModeLTP, 0, a)
	require.NoError(t, err)
	_, err = h.Subscribe(ctx, "u1", r, types.ModeLTP, 0, b)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.subCount() == 1 }, time.Second, 5*time.Millisecond)

	st.push(types.Tick{Symbol: "RELIANCE", Exchange: types.ExchNSE, Mode: types.ModeLTP, LTP: decimal.NewFromInt(2500)})

	for _, ch := range []chan Message{a, b} {
		tick := waitTick(t, ch)
		assert.Equal(t, "2500", tick.LTP.String())
	}

	// One consumer leaving keeps the upstream leg alive.
	require.NoError(t, h.Unsubscribe(ctx, "u1", r, types.ModeLTP, a))
	assert.Equal(t, 1, st.subCount())

	// The last one tears it down.
	require.NoError(t, h.Unsubscribe(ctx, "u1", r, types.ModeLTP, b))
	assert.Equal(t, 0, st.subCount())
}

func TestTickOrderingPerSymbol(t *testing.T) {
	t.Parallel()
	st := newFakeStream()
	d := &fakeDialer{streams: []*fakeStream{st}}
	h := testHub(t, d)

	sink := make(chan Message, 64)
	r := rec("INFY", types.ExchNSE, "1594")
	_, err := h.Subscribe(context.Background(), "u1", r, types.ModeLTP, 0, sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.subCount() == 1 }, time.Second, 5*time.Millisecond)

	for i := 1; i <= 10; i++ {
		st.push(types.Tick{Symbol: "INFY", Exchange: types.ExchNSE, Mode: types.ModeLTP, LTP: decimal.NewFromInt(int64(1500 + i))})
	}
	for i := 1; i <= 10; i++ {
		tick := waitTick(t, sink)
		assert.Equal(t, decimal.NewFromInt(int64(1500+i)).String(), tick.LTP.String())
	}
}

func TestDepthFallback(t *testing.T) {
	t.Parallel()
	st := newFakeStream()
	d := &fakeDialer{streams: []*fakeStream{st}, depths: []int{5, 20}}
	h := testHub(t, d)

	sink := make(chan Message, 16)
	r := rec("RELIANCE", types.ExchNSE, "2885")

	actual, err := h.Subscribe(context.Background(), "u1", r, types.ModeDepth, 50, sink)
	require.NoError(t, err)
	assert.Equal(t, 20, actual)
	require.Eventually(t, func() bool { return st.subCount() == 1 }, time.Second, 5*time.Millisecond)

	st.push(types.Tick{Symbol: "RELIANCE", Exchange: types.ExchNSE, Mode: types.ModeDepth, LTP: decimal.NewFromInt(2500), Depth: &types.Depth{}})
	tick := waitTick(t, sink)
	assert.Equal(t, 50, tick.RequestedDepth)
	assert.Equal(t, 20, tick.ActualDepth)
	assert.True(t, tick.IsFallback)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	t.Parallel()
	first := newFakeStream()
	second := newFakeStream()
	d := &fakeDialer{streams: []*fakeStream{first, second}}
	h := testHub(t, d)

	sink := make(chan Message, 16)
	r := rec("RELIANCE", types.ExchNSE, "2885")
	_, err := h.Subscribe(context.Background(), "u1", r, types.ModeQuote, 0, sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.subCount() == 1 }, time.Second, 5*time.Millisecond)

	// Kill the first stream; the session must redial and replay the table.
	first.Close()
	require.Eventually(t, func() bool { return second.subCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	second.push(types.Tick{Symbol: "RELIANCE", Exchange: types.ExchNSE, Mode: types.ModeQuote, LTP: decimal.NewFromInt(2501)})
	tick := waitTick(t, sink)
	assert.Equal(t, "2501", tick.LTP.String())
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	t.Parallel()
	st := newFakeStream()
	d := &fakeDialer{streams: []*fakeStream{st}}
	h := testHub(t, d)

	slow := make(chan Message) // unbuffered and never read
	fast := make(chan Message, 64)
	r := rec("INFY", types.ExchNSE, "1594")
	ctx := context.Background()
	_, err := h.Subscribe(ctx, "u1", r, types.ModeLTP, 0, slow)
	require.NoError(t, err)
	_, err = h.Subscribe(ctx, "u1", r, types.ModeLTP, 0, fast)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.subCount() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		st.push(types.Tick{Symbol: "INFY", Exchange: types.ExchNSE, Mode: types.ModeLTP, LTP: decimal.NewFromInt(1500)})
	}
	// The fast consumer still gets ticks despite the stuck one.
	waitTick(t, fast)
}

func TestInvalidSubscriptionParams(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{streams: []*fakeStream{newFakeStream()}}
	h := testHub(t, d)
	sink := make(chan Message, 1)
	r := rec("X", types.ExchNSE, "1")

	_, err := h.Subscribe(context.Background(), "u1", r, types.SubMode(3), 0, sink)
	assert.Equal(t, types.ErrInvalidParameters, types.CodeOf(err))

	_, err = h.Subscribe(context.Background(), "u1", r, types.ModeDepth, 7, sink)
	assert.Equal(t, types.ErrInvalidParameters, types.CodeOf(err))
}

func TestSubscribeFailureReachesJoinedConsumers(t *testing.T) {
	t.Parallel()
	st := newFakeStream()
	d := &fakeDialer{streams: []*fakeStream{st}}
	h := testHub(t, d)
	ctx := context.Background()

	// Establish the session with a working subscription first.
	first := make(chan Message, 8)
	_, err := h.Subscribe(ctx, "u1", rec("SBIN", types.ExchNSE, "3045"), types.ModeLTP, 0, first)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.subCount() == 1 }, 2*time.Second, time.Millisecond)

	// The next upstream subscribe stalls until released, then fails.
	gate := make(chan struct{})
	st.mu.Lock()
	st.subGate = gate
	st.subErr = errors.New("upstream refused")
	st.mu.Unlock()

	reliance := rec("RELIANCE", types.ExchNSE, "2885")
	a := make(chan Message, 8)
	b := make(chan Message, 8)
	done := make(chan error, 1)
	go func() {
		_, err := h.Subscribe(ctx, "u1", reliance, types.ModeLTP, 0, a)
		done <- err
	}()

	// Wait for the pending entry, then join it while the upstream call is
	// still in flight.
	k := subKey{key: reliance.Key(), mode: types.ModeLTP}
	require.Eventually(t, func() bool {
		h.mu.Lock()
		sess := h.sessions["u1"]
		h.mu.Unlock()
		if sess == nil {
			return false
		}
		sess.mu.Lock()
		defer sess.mu.Unlock()
		_, pending := sess.subs[k]
		return pending
	}, 2*time.Second, time.Millisecond)
	_, err = h.Subscribe(ctx, "u1", reliance, types.ModeLTP, 0, b)
	require.NoError(t, err)

	close(gate)
	require.Error(t, <-done)

	// The late joiner is told the subscription died rather than waiting on
	// a feed that will never come.
	select {
	case m := <-b:
		assert.Equal(t, KindStatus, m.Kind)
		assert.Equal(t, StatusSubscribeFailed, m.Status)
		assert.Equal(t, "RELIANCE", m.Tick.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("joined consumer never saw the failure")
	}
}
