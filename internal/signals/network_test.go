package signals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenquant/confluence/internal/domain"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results [][]domain.RawSignal
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]domain.RawSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

func TestNetworkSource_InitialPollPopulatesLatestView(t *testing.T) {
	m := newTestMapper(t)
	fetcher := &fakeFetcher{results: [][]domain.RawSignal{
		{{SourceSymbol: "BTCUSDT.P", Depth: 0.4, Timestamp: time.Now()}},
	}}

	src, err := NewNetworkSource(Config{
		SourceID: "tradingview",
		Fetcher:  fetcher,
		Mapper:   m,
		Cadence:  "@every 1h",
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer src.Close()

	out, err := src.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.CanonicalSymbol("BTC-PERP"), out[0].Symbol)
	assert.Equal(t, 0.4, out[0].Depth)
}

func TestNetworkSource_SourceId(t *testing.T) {
	m := newTestMapper(t)
	fetcher := &fakeFetcher{results: [][]domain.RawSignal{{}}}

	src, err := NewNetworkSource(Config{
		SourceID: "tradingview",
		Fetcher:  fetcher,
		Mapper:   m,
		Cadence:  "@every 1h",
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, domain.SourceId("tradingview"), src.SourceId())
}

func TestNetworkSource_StalePollNeverOverwritesNewerSignal(t *testing.T) {
	m := newTestMapper(t)
	now := time.Now()
	fetcher := &fakeFetcher{results: [][]domain.RawSignal{
		{{SourceSymbol: "BTCUSDT.P", Depth: 0.9, Timestamp: now}},
	}}

	src, err := NewNetworkSource(Config{
		SourceID: "tradingview",
		Fetcher:  fetcher,
		Mapper:   m,
		Cadence:  "@every 1h",
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer src.Close()

	src.ingest([]domain.RawSignal{{SourceSymbol: "BTCUSDT.P", Depth: 0.1, Timestamp: now.Add(-time.Minute)}})

	out, err := src.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0.9, out[0].Depth)
}
