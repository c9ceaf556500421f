// Package aggregator implements the Signal Aggregator (§4.4): it blends
// every configured source's latest signal for a symbol into one target
// allocation, and judges whether that target is unchanged enough from the
// last committed cycle to skip reconciliation.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/lumenquant/confluence/internal/domain"
)

const depthEqualTolerance = 1e-9

// Aggregator fetches every registered source concurrently under a shared
// per-source deadline and blends the results per symbol.
type Aggregator struct {
	sources      []domain.SignalSource
	weights      domain.WeightProvider
	fetchTimeout time.Duration
	log          zerolog.Logger
}

// New constructs an Aggregator. fetchTimeout bounds each source's
// FetchCurrent call individually; a source that times out contributes
// nothing to the cycle but never fails it.
func New(sources []domain.SignalSource, weights domain.WeightProvider, fetchTimeout time.Duration, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		sources:      sources,
		weights:      weights,
		fetchTimeout: fetchTimeout,
		log:          log.With().Str("component", "aggregator").Logger(),
	}
}

type sourceSymbolKey struct {
	source domain.SourceId
	symbol domain.CanonicalSymbol
}

// Compute fetches every source's current signals, then for every symbol
// named in the weight config, blends the weighted contributions into one
// TargetDepth clamped to [-1, 1], with provenance of which source
// timestamps fed it.
func (a *Aggregator) Compute(ctx context.Context) map[domain.CanonicalSymbol]domain.TargetDepth {
	bySourceSymbol := a.fetchAll(ctx)

	out := make(map[domain.CanonicalSymbol]domain.TargetDepth)
	for _, entry := range a.weights.All() {
		depth := 0.0
		contributing := make(map[domain.SourceId]time.Time)
		referencePrice := 0.0
		bestWeight := -1.0

		for _, sw := range entry.Sources {
			signal, ok := bySourceSymbol[sourceSymbolKey{sw.Source, entry.Symbol}]
			if !ok {
				continue
			}
			depth += sw.Weight * signal.Depth
			contributing[sw.Source] = signal.Timestamp
			if sw.Weight > bestWeight {
				bestWeight = sw.Weight
				referencePrice = signal.Price
			}
		}

		out[entry.Symbol] = domain.TargetDepth{
			Symbol:                 entry.Symbol,
			Depth:                  clamp(depth, -1, 1),
			Leverage:               entry.Leverage,
			ReferencePrice:         referencePrice,
			ContributingTimestamps: contributing,
		}
	}
	return out
}

func (a *Aggregator) fetchAll(ctx context.Context) map[sourceSymbolKey]domain.CanonicalSignal {
	var mu sync.Mutex
	out := make(map[sourceSymbolKey]domain.CanonicalSignal)

	var wg sync.WaitGroup
	for _, src := range a.sources {
		wg.Add(1)
		go func(src domain.SignalSource) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
			defer cancel()

			signals, err := src.FetchCurrent(fetchCtx)
			if err != nil {
				a.log.Warn().Err(err).Str("source", string(src.SourceId())).Msg("signal source fetch failed, continuing without it")
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, s := range signals {
				out[sourceSymbolKey{s.Source, s.Symbol}] = s
			}
		}(src)
	}
	wg.Wait()
	return out
}

// IsClean reports whether target matches the previously committed cache
// entry closely enough — both the blended depth and every contributing
// source's timestamp — that reconciliation can be skipped for this symbol.
func IsClean(target domain.TargetDepth, cached domain.ExecutionCacheEntry, hadCache bool) bool {
	if !hadCache {
		return false
	}
	if !floats.EqualWithinAbs(target.Depth, cached.TargetDepth, depthEqualTolerance) {
		return false
	}
	if len(target.ContributingTimestamps) != len(cached.ContributingTimestamps) {
		return false
	}
	for source, ts := range target.ContributingTimestamps {
		cachedTs, ok := cached.ContributingTimestamps[source]
		if !ok || !ts.Equal(cachedTs) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
