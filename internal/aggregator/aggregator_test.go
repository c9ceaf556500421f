package aggregator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenquant/confluence/internal/domain"
	"github.com/lumenquant/confluence/internal/weights"
)

type fakeSource struct {
	id      domain.SourceId
	signals []domain.CanonicalSignal
	delay   time.Duration
}

func (f *fakeSource) SourceId() domain.SourceId { return f.id }

func (f *fakeSource) FetchCurrent(ctx context.Context) ([]domain.CanonicalSignal, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.signals, nil
}

func newTestWeights(t *testing.T, body string) *weights.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signal_weight_config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := weights.New(path, zerolog.Nop())
	require.NoError(t, err)
	return cfg
}

func TestAggregator_BlendsWeightedDepthClampedToRange(t *testing.T) {
	wc := newTestWeights(t, `[
		{
			"symbol": "BTCUSDT",
			"leverage": 3,
			"sources": [
				{"source": "tradingview", "weight": 0.6},
				{"source": "bittensor", "weight": 0.4}
			]
		}
	]`)

	now := time.Now()
	tv := &fakeSource{id: "tradingview", signals: []domain.CanonicalSignal{
		{Source: "tradingview", Symbol: "BTCUSDT", Depth: 0.8, Price: 65000, Timestamp: now},
	}}
	bt := &fakeSource{id: "bittensor", signals: []domain.CanonicalSignal{
		{Source: "bittensor", Symbol: "BTCUSDT", Depth: 1.5, Price: 65010, Timestamp: now},
	}}

	agg := New([]domain.SignalSource{tv, bt}, wc, time.Second, zerolog.Nop())
	out := agg.Compute(context.Background())

	require.Contains(t, out, domain.CanonicalSymbol("BTCUSDT"))
	target := out["BTCUSDT"]
	// raw = 0.6*0.8 + 0.4*1.5 = 1.08, clamped to 1.0
	assert.Equal(t, 1.0, target.Depth)
	assert.Equal(t, 3.0, target.Leverage)
	assert.Len(t, target.ContributingTimestamps, 2)
	assert.Equal(t, 65000.0, target.ReferencePrice, "tradingview has the higher configured weight")
}

func TestAggregator_MissingSourceContributesNothing(t *testing.T) {
	wc := newTestWeights(t, `[
		{
			"symbol": "ETHUSDT",
			"leverage": 2,
			"sources": [{"source": "tradingview", "weight": 0.5}]
		}
	]`)

	agg := New([]domain.SignalSource{}, wc, time.Second, zerolog.Nop())
	out := agg.Compute(context.Background())

	target := out["ETHUSDT"]
	assert.Equal(t, 0.0, target.Depth)
	assert.Empty(t, target.ContributingTimestamps)
}

func TestAggregator_TimedOutSourceDoesNotFailCycle(t *testing.T) {
	wc := newTestWeights(t, `[
		{
			"symbol": "BTCUSDT",
			"leverage": 3,
			"sources": [{"source": "tradingview", "weight": 0.5}]
		}
	]`)

	slow := &fakeSource{id: "tradingview", delay: 50 * time.Millisecond, signals: []domain.CanonicalSignal{
		{Source: "tradingview", Symbol: "BTCUSDT", Depth: 0.5, Timestamp: time.Now()},
	}}

	agg := New([]domain.SignalSource{slow}, wc, 5*time.Millisecond, zerolog.Nop())
	out := agg.Compute(context.Background())

	target := out["BTCUSDT"]
	assert.Equal(t, 0.0, target.Depth)
}

func TestIsClean(t *testing.T) {
	now := time.Now()
	target := domain.TargetDepth{
		Depth:                  0.5,
		ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": now},
	}

	t.Run("no previous cache is always dirty", func(t *testing.T) {
		assert.False(t, IsClean(target, domain.ExecutionCacheEntry{}, false))
	})

	t.Run("identical depth and timestamps is clean", func(t *testing.T) {
		cached := domain.ExecutionCacheEntry{
			TargetDepth:            0.5,
			ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": now},
		}
		assert.True(t, IsClean(target, cached, true))
	})

	t.Run("changed depth is dirty", func(t *testing.T) {
		cached := domain.ExecutionCacheEntry{
			TargetDepth:            0.4,
			ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": now},
		}
		assert.False(t, IsClean(target, cached, true))
	})

	t.Run("changed contributing timestamp is dirty", func(t *testing.T) {
		cached := domain.ExecutionCacheEntry{
			TargetDepth:            0.5,
			ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": now.Add(time.Second)},
		}
		assert.False(t, IsClean(target, cached, true))
	})
}
