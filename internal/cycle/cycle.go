// Package cycle implements the Cycle Driver (§4.9): the outermost loop that
// reloads configuration, blends signals, and fans reconciliation out across
// every configured account once per CYCLE_PERIOD, with no self-overlap.
package cycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/aggregator"
	"github.com/lumenquant/confluence/internal/domain"
	"github.com/lumenquant/confluence/internal/reconcile"
	"github.com/lumenquant/confluence/internal/utils"
)

// softDeadline is the per-cycle duration past which a cycle is logged as
// slow but never aborted (§5).
const softDeadline = 60 * time.Second

// Driver owns the `while running: run_cycle(); sleep(CYCLE_PERIOD)` loop.
type Driver struct {
	mapper     domain.AssetMapper
	weights    domain.WeightProvider
	aggregator *aggregator.Aggregator
	engine     *reconcile.Engine
	processors map[domain.AccountId]domain.AccountProcessor
	audit      domain.AuditSink
	period     time.Duration
	log        zerolog.Logger

	mu          sync.RWMutex
	lastSummary domain.CycleSummary
	haveSummary bool
}

// Config wires a Driver's dependencies.
type Config struct {
	Mapper     domain.AssetMapper
	Weights    domain.WeightProvider
	Aggregator *aggregator.Aggregator
	Engine     *reconcile.Engine
	Processors map[domain.AccountId]domain.AccountProcessor
	Audit      domain.AuditSink // may be nil; a nil sink must never affect reconciliation outcomes
	Period     time.Duration
	Log        zerolog.Logger
}

// New constructs a Driver.
func New(cfg Config) *Driver {
	return &Driver{
		mapper:     cfg.Mapper,
		weights:    cfg.Weights,
		aggregator: cfg.Aggregator,
		engine:     cfg.Engine,
		processors: cfg.Processors,
		audit:      cfg.Audit,
		period:     cfg.Period,
		log:        cfg.Log.With().Str("component", "cycle-driver").Logger(),
	}
}

// Run blocks, executing cycles until ctx is cancelled. A cycle that overruns
// CYCLE_PERIOD is followed immediately by the next one, never accumulating a
// backlog of skipped sleeps.
func (d *Driver) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		summary := d.runCycle(ctx)
		elapsed := time.Since(start)

		if elapsed > softDeadline {
			d.log.Warn().Dur("elapsed", elapsed).Dur("soft_deadline", softDeadline).Msg("cycle exceeded soft deadline")
		}

		d.mu.Lock()
		d.lastSummary = summary
		d.haveSummary = true
		d.mu.Unlock()

		if d.audit != nil {
			if err := d.audit.RecordCycleSummary(summary); err != nil {
				d.log.Warn().Err(err).Msg("failed to record cycle summary")
			}
		}

		remaining := d.period - elapsed
		if remaining <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

// LastSummary returns the most recently completed cycle's summary, served by
// the status HTTP surface.
func (d *Driver) LastSummary() (domain.CycleSummary, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSummary, d.haveSummary
}

func (d *Driver) runCycle(ctx context.Context) domain.CycleSummary {
	cycleID := uuid.NewString()
	started := time.Now()
	log := d.log.With().Str("cycle_id", cycleID).Logger()

	if err := d.mapper.Reload(); err != nil {
		log.Warn().Err(err).Msg("asset mapping reload failed, continuing with previous mapping")
	}
	if err := d.weights.Reload(); err != nil {
		log.Warn().Err(err).Msg("weight config reload failed, continuing with previous weights")
	}

	stopTimer := utils.OperationTimer("aggregator.Compute", log)
	targets := d.aggregator.Compute(ctx)
	stopTimer()

	type accountOutcome struct {
		account domain.AccountId
		result  reconcile.AccountResult
		err     error
	}
	results := make(chan accountOutcome, len(d.processors))

	for account, processor := range d.processors {
		go func(account domain.AccountId, processor domain.AccountProcessor) {
			result, err := d.engine.ReconcileAccount(ctx, processor, targets)
			results <- accountOutcome{account: account, result: result, err: err}
		}(account, processor)
	}

	summary := domain.CycleSummary{CycleID: cycleID, StartedAt: started}
	for i := 0; i < len(d.processors); i++ {
		outcome := <-results
		if outcome.err != nil {
			log.Error().Err(outcome.err).Str("account", string(outcome.account)).Msg("account reconciliation failed")
			continue
		}
		summary.AccountsProcessed++
		summary.SymbolsDirty += outcome.result.SymbolsDirty
		summary.SymbolsClean += outcome.result.SymbolsClean
		summary.SymbolsFailed += outcome.result.SymbolsFailed
		summary.OrdersPlaced += outcome.result.OrdersPlaced
	}

	summary.Duration = time.Since(started)
	log.Info().
		Int("accounts_processed", summary.AccountsProcessed).
		Int("symbols_dirty", summary.SymbolsDirty).
		Int("symbols_clean", summary.SymbolsClean).
		Int("symbols_failed", summary.SymbolsFailed).
		Int("orders_placed", summary.OrdersPlaced).
		Dur("duration", summary.Duration).
		Msg("cycle complete")
	return summary
}
