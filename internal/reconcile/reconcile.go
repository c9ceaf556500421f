// Package reconcile implements the Reconciliation Engine (§4.7): per
// account, a bounded-concurrency fan-out over dirty symbols, each driven
// through the INSPECT -> (ADJUST_MARGIN? -> ADJUST_LEVERAGE? ->
// RESIZE|FLIP|CLOSE|NOOP) -> VERIFY -> DONE|FAIL state machine.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/aggregator"
	"github.com/lumenquant/confluence/internal/domain"
)

// desiredMarginMode is always isolated unless the venue only supports
// cross, discovered only by a rejected set_margin_mode call (§4.7).
const desiredMarginMode = domain.MarginModeIsolated

// marginKey identifies one (account, symbol) pair for the
// marginModeUnsupported memo below.
type marginKey struct {
	account domain.AccountId
	symbol  domain.CanonicalSymbol
}

// tickerPricer is the optional capability an AccountProcessor may offer for
// the last rung of mark_price resolution: a venue ticker lookup.
type tickerPricer interface {
	TickerPrice(symbol domain.CanonicalSymbol) (float64, bool)
}

// Engine coordinates symbol reconciliation for one account at a time;
// callers fan out across accounts themselves (L1 is unbounded, per §5).
type Engine struct {
	specCache    domain.SpecCache
	cacheStore   domain.ExecutionCacheStore
	concurrency  int
	maxRetries   int
	orderTimeout time.Duration
	log          zerolog.Logger

	marginModeMu          sync.Mutex
	marginModeUnsupported map[marginKey]bool
}

// New constructs an Engine. concurrency bounds L2 (symbols per account,
// default 10); maxRetries is the INSPECT retry budget after a VERIFY
// mismatch (default 2); orderTimeout bounds each reconcile action.
func New(specCache domain.SpecCache, cacheStore domain.ExecutionCacheStore, concurrency, maxRetries int, orderTimeout time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		specCache:             specCache,
		cacheStore:            cacheStore,
		concurrency:           concurrency,
		maxRetries:            maxRetries,
		orderTimeout:          orderTimeout,
		log:                   log.With().Str("component", "reconcile-engine").Logger(),
		marginModeUnsupported: make(map[marginKey]bool),
	}
}

// marginModeKnownUnsupported reports whether a prior SetMarginMode call for
// (account, symbol) was already rejected by the venue, per §9: once learned,
// the engine stops retrying the change every cycle and treats the venue's
// reported mode as satisfying the margin-mode gate instead.
func (e *Engine) marginModeKnownUnsupported(account domain.AccountId, symbol domain.CanonicalSymbol) bool {
	e.marginModeMu.Lock()
	defer e.marginModeMu.Unlock()
	return e.marginModeUnsupported[marginKey{account, symbol}]
}

func (e *Engine) markMarginModeUnsupported(account domain.AccountId, symbol domain.CanonicalSymbol) {
	e.marginModeMu.Lock()
	defer e.marginModeMu.Unlock()
	e.marginModeUnsupported[marginKey{account, symbol}] = true
}

// AccountResult summarizes one account's reconciliation pass.
type AccountResult struct {
	Account       domain.AccountId
	SymbolsClean  int
	SymbolsDirty  int
	SymbolsFailed int
	OrdersPlaced  int
}

// ReconcileAccount snapshots the account's equity and positions exactly
// once, fans dirty symbols out to up to e.concurrency concurrent workers,
// and commits the execution cache exactly once for the account. Symbols
// that FAIL keep their previous cache entry so they remain dirty next cycle
// (per-symbol failure isolation, §4.7).
func (e *Engine) ReconcileAccount(ctx context.Context, processor domain.AccountProcessor, targets map[domain.CanonicalSymbol]domain.TargetDepth) (AccountResult, error) {
	account := processor.Account()
	result := AccountResult{Account: account}

	totalEquity, err := processor.GetTotalEquity(ctx)
	if err != nil {
		return result, fmt.Errorf("snapshot total equity for %s: %w", account, err)
	}
	positions, err := processor.GetPositions(ctx)
	if err != nil {
		return result, fmt.Errorf("snapshot positions for %s: %w", account, err)
	}
	snapshot := domain.AccountSnapshot{
		Account:     account,
		TotalEquity: totalEquity,
		Positions:   positions,
		SnapshotAt:  time.Now(),
	}

	prevCache, err := e.cacheStore.Load()
	if err != nil {
		e.log.Warn().Err(err).Msg("execution cache unreadable, treating every symbol as dirty")
	}
	prevEntries := prevCache.Accounts[account]

	finalEntries := make(map[domain.CanonicalSymbol]domain.ExecutionCacheEntry, len(targets))
	sem := make(chan struct{}, e.concurrency)
	results := make(chan symbolOutcome, len(targets))

	for symbol, target := range targets {
		cached, hadCache := prevEntries[symbol]
		if aggregator.IsClean(target, cached, hadCache) {
			result.SymbolsClean++
			finalEntries[symbol] = cached
			continue
		}

		result.SymbolsDirty++
		sem <- struct{}{}
		go func(symbol domain.CanonicalSymbol, target domain.TargetDepth) {
			defer func() { <-sem }()
			results <- e.reconcileSymbol(ctx, processor, account, snapshot, symbol, target)
		}(symbol, target)
	}

	for i := 0; i < result.SymbolsDirty; i++ {
		outcome := <-results
		result.OrdersPlaced += outcome.ordersPlaced

		if outcome.failed {
			result.SymbolsFailed++
			if cached, ok := prevEntries[outcome.symbol]; ok {
				finalEntries[outcome.symbol] = cached
			}
			continue
		}
		finalEntries[outcome.symbol] = domain.ExecutionCacheEntry{
			TargetDepth:            outcome.target.Depth,
			ContributingTimestamps: outcome.target.ContributingTimestamps,
		}
	}

	if err := e.cacheStore.Commit(account, finalEntries); err != nil {
		return result, fmt.Errorf("commit execution cache for %s: %w", account, err)
	}
	return result, nil
}

type symbolOutcome struct {
	symbol       domain.CanonicalSymbol
	target       domain.TargetDepth
	failed       bool
	ordersPlaced int
}

// reconcileSymbol runs reconcile_symbol (§4.7) to completion: up to
// 1+maxRetries passes through INSPECT, each followed by an action and a
// re-read VERIFY, strictly sequential (L3).
func (e *Engine) reconcileSymbol(ctx context.Context, processor domain.AccountProcessor, account domain.AccountId, snapshot domain.AccountSnapshot, symbol domain.CanonicalSymbol, target domain.TargetDepth) symbolOutcome {
	outcome := symbolOutcome{symbol: symbol, target: target}
	pos, hasPos := snapshot.Positions[symbol]

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		spec, err := e.getSpec(ctx, processor, account, symbol)
		if err != nil {
			e.log.Warn().Err(err).Str("account", string(account)).Str("symbol", string(symbol)).Msg("symbol spec unavailable, failing symbol")
			outcome.failed = true
			return outcome
		}

		markPrice := resolveMarkPrice(processor, target, pos, hasPos)
		if markPrice <= 0 {
			e.log.Warn().Str("account", string(account)).Str("symbol", string(symbol)).Msg("no mark price available, failing symbol")
			outcome.failed = true
			return outcome
		}

		qCurrent, lCurrent, mCurrent := 0.0, target.Leverage, domain.MarginMode(desiredMarginMode)
		if hasPos {
			qCurrent, lCurrent, mCurrent = pos.Size, pos.Leverage, pos.MarginMode
		}
		qTarget := target.Depth * snapshot.TotalEquity * target.Leverage / markPrice

		marginSatisfied := mCurrent == desiredMarginMode || e.marginModeKnownUnsupported(account, symbol)
		if math.Abs(qCurrent-qTarget) < spec.SizeStep && lCurrent == target.Leverage && marginSatisfied {
			return outcome // NOOP -> DONE
		}

		actCtx, cancel := context.WithTimeout(ctx, e.orderTimeout)
		placed, err := e.act(actCtx, processor, account, symbol, qCurrent, qTarget, lCurrent, mCurrent, target.Leverage, spec)
		cancel()
		outcome.ordersPlaced += placed
		if err != nil {
			e.log.Warn().Err(err).Str("account", string(account)).Str("symbol", string(symbol)).Int("attempt", attempt).Msg("reconcile action failed, retrying from inspect")
			continue
		}

		refreshed, err := processor.GetPositions(ctx)
		if err != nil {
			e.log.Warn().Err(err).Str("account", string(account)).Str("symbol", string(symbol)).Msg("verify re-read failed, retrying from inspect")
			continue
		}
		pos, hasPos = refreshed[symbol]

		verifiedQty := 0.0
		if hasPos {
			verifiedQty = pos.Size
		}
		if math.Abs(verifiedQty-qTarget) < spec.SizeStep {
			return outcome // VERIFY -> DONE
		}
	}

	outcome.failed = true
	return outcome
}

// act performs the ADJUST_MARGIN?/ADJUST_LEVERAGE?/RESIZE|FLIP branch of
// the state machine for one INSPECT pass, returning how many orders it placed.
func (e *Engine) act(ctx context.Context, processor domain.AccountProcessor, account domain.AccountId, symbol domain.CanonicalSymbol, qCurrent, qTarget, lCurrent float64, mCurrent domain.MarginMode, leverage float64, spec domain.SymbolSpec) (int, error) {
	placed := 0

	marginUnsupported := e.marginModeKnownUnsupported(account, symbol)
	marginNeedsChange := mCurrent != desiredMarginMode && !marginUnsupported

	switch {
	case qCurrent != 0 && qTarget != 0 && sign(qCurrent) != sign(qTarget):
		// FLIP: close to flat, then resize from flat.
		if _, err := processor.ClosePosition(ctx, symbol); err != nil {
			return placed, fmt.Errorf("flip close position: %w", err)
		}
		placed++
		qCurrent = 0

	case lCurrent != leverage || marginNeedsChange:
		leverageErr, marginErr := error(nil), error(nil)
		if lCurrent != leverage {
			leverageErr = processor.SetLeverage(ctx, symbol, leverage)
		}
		if marginNeedsChange {
			marginErr = processor.SetMarginMode(ctx, symbol, desiredMarginMode)
		}

		if leverageErr != nil || marginErr != nil {
			// Venue requires a flat position for this change.
			if qCurrent != 0 {
				if _, err := processor.ClosePosition(ctx, symbol); err != nil {
					return placed, fmt.Errorf("close to flat before leverage/margin change: %w", err)
				}
				placed++
				qCurrent = 0
			}
			if lCurrent != leverage {
				if err := processor.SetLeverage(ctx, symbol, leverage); err != nil {
					return placed, fmt.Errorf("adjust leverage: %w", err)
				}
			}
			if marginNeedsChange {
				if err := processor.SetMarginMode(ctx, symbol, desiredMarginMode); err != nil {
					e.log.Debug().Err(err).Str("symbol", string(symbol)).Msg("venue rejected margin mode change, leaving as reported")
					e.markMarginModeUnsupported(account, symbol)
				}
			}
		}
		e.specCache.Invalidate(account, symbol)
	}

	delta := qTarget - qCurrent
	if math.Abs(delta) < spec.SizeStep {
		return placed, nil
	}

	if _, err := processor.PlaceMarket(ctx, symbol, delta, false); err != nil {
		return placed, fmt.Errorf("resize: %w", err)
	}
	placed++
	return placed, nil
}

func (e *Engine) getSpec(ctx context.Context, processor domain.AccountProcessor, account domain.AccountId, symbol domain.CanonicalSymbol) (domain.SymbolSpec, error) {
	if spec, ok := e.specCache.GetIfFresh(account, symbol); ok {
		return spec, nil
	}
	spec, err := processor.GetSymbolSpec(ctx, symbol)
	if err != nil {
		return domain.SymbolSpec{}, err
	}
	e.specCache.Store(account, symbol, spec)
	return spec, nil
}

// resolveMarkPrice implements §4.7's mark_price resolution order: the
// contributing signal's price, then the position's entry_price, then a
// venue ticker lookup.
func resolveMarkPrice(processor domain.AccountProcessor, target domain.TargetDepth, pos domain.Position, hasPos bool) float64 {
	if target.ReferencePrice > 0 {
		return target.ReferencePrice
	}
	if hasPos && pos.EntryPrice > 0 {
		return pos.EntryPrice
	}
	if tp, ok := processor.(tickerPricer); ok {
		if price, ok := tp.TickerPrice(target.Symbol); ok {
			return price
		}
	}
	return 0
}

func sign(v float64) float64 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}
