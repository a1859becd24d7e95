package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algobridge/internal/broker"
	"algobridge/internal/config"
	"algobridge/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.RESTPort = 0
	cfg.Server.WSPort = 0
	cfg.Broker.Name = "paper"
	cfg.Broker.PollInterval = time.Second
	cfg.Broker.ContractsAt = "08:30"
	cfg.Market.Timezone = "UTC"
	cfg.Market.Sessions = map[string]string{"NSE": "09:15-15:30"}
	cfg.Cache.Backend = "memory"
	cfg.Cache.MemoryMaxKeys = 1000
	cfg.Cache.KeyFile = filepath.Join(t.TempDir(), "cache.key")
	cfg.Auth.ForcedLogoutAt = "03:00"
	cfg.Auth.NegativeTTL = time.Minute
	cfg.Feed.ReconnectInitial = time.Second
	cfg.Feed.ReconnectMax = time.Second
	cfg.Feed.MaxReconnects = 1
	cfg.Feed.DownAfter = time.Second
	cfg.Router.RatePerSecond = 100
	cfg.Router.RateBurst = 100
	cfg.Router.QueueTimeout = time.Second
	cfg.Router.DedupWindow = time.Minute
	cfg.Sandbox.StartingCapital = 1000000
	cfg.Sandbox.EquityLeverage = 5
	cfg.Sandbox.FNOMarginPct = 15
	cfg.Sandbox.ResetSchedule = "0 0 * * 0"
	cfg.Alerts.Workers = 2
	cfg.Monitor.FlushInterval = time.Minute
	cfg.Monitor.PollInterval = time.Second
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(testConfig(t), broker.NewPaper(), nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { e.backend.Close() })
	return e
}

func TestNewWiresEverything(t *testing.T) {
	e := newTestEngine(t)

	require.NotNil(t, e.rest)
	require.NotNil(t, e.ws)
	require.NotNil(t, e.hub)
	assert.False(t, e.AnalyzeMode())

	e.SetAnalyzeMode(true)
	assert.True(t, e.AnalyzeMode())
}

func TestPanicAllHaltsRouting(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.PanicAll(ctx))
	assert.True(t, e.Halted())

	e.ClearPanic(ctx)
	assert.False(t, e.Halted())
}

func TestSegmentExchanges(t *testing.T) {
	assert.Equal(t, []types.Exchange{types.ExchNSE, types.ExchBSE}, segmentExchanges("equity"))
	assert.Equal(t, []types.Exchange{types.ExchNFO, types.ExchBFO}, segmentExchanges("fno"))
	assert.Equal(t, []types.Exchange{types.ExchMCX}, segmentExchanges("commodity"))
	// Unknown segment names pass through as an exchange code.
	assert.Equal(t, []types.Exchange{types.ExchMCX}, segmentExchanges("mcx"))
}

func TestCronAt(t *testing.T) {
	assert.Equal(t, "15 3", cronAt(3*60+15))
	assert.Equal(t, "0 0", cronAt(0))
	assert.Equal(t, "59 23", cronAt(23*60+59))
}

func TestContractRotationRefreshesResolver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	paper := broker.NewPaper()
	paper.SetContracts([]types.SymbolRecord{
		{Symbol: "SBIN", Exchange: types.ExchNSE, BrokerSymbol: "SBIN-EQ", Token: "3045", Instrument: types.InstrumentEquity, LotSize: 1},
	})
	e, err := New(testConfig(t), paper, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { e.backend.Close() })
	ctx := context.Background()

	_, err = e.resolver.Resolve(ctx, "SBIN", types.ExchNSE)
	require.Error(t, err, "no table before the first download")

	e.rotateContracts(ctx)
	rec, err := e.resolver.Resolve(ctx, "SBIN", types.ExchNSE)
	require.NoError(t, err)
	assert.Equal(t, "3045", rec.Token)

	// A failed or empty download never wipes the live table.
	paper.SetContracts(nil)
	e.rotateContracts(ctx)
	assert.Equal(t, 1, e.resolver.Count())
}
