// Package domain holds the canonical data model shared by every component
// of the signal router: raw and canonicalized signals, weight entries,
// target depths, account snapshots, symbol specs and the execution cache.
package domain

import "time"

// CanonicalSymbol identifies a tradable instrument in the router's own
// namespace, independent of any one source's or venue's naming convention
// (e.g. "BTCUSDT"). The Asset Mapper is the only component allowed to
// produce one from a source-specific symbol string.
type CanonicalSymbol string

// SourceId identifies a signal source (a copy-trading feed, a webhook
// producer, a distributed-network signal source, ...).
type SourceId string

// AccountId identifies one exchange account. Copy-trading sub-accounts are
// distinct AccountIds even when they share venue credentials.
type AccountId string

// MarginMode is a venue's margin accounting mode for a position.
type MarginMode string

const (
	MarginModeCross    MarginMode = "cross"
	MarginModeIsolated MarginMode = "isolated"
)

// RawSignal is a source's opinion about one symbol's position depth before
// canonicalization, exactly as received (source-native symbol, source-native
// timestamp). Depth is a signed fraction of account equity: +1 maximally
// long, -1 maximally short, 0 flat. Leverage is optional; a zero value
// means the source expressed no opinion on leverage.
type RawSignal struct {
	SourceSymbol string
	Depth        float64
	Price        float64
	Timestamp    time.Time
	Leverage     float64
}

// CanonicalSignal is a RawSignal after asset mapping and, where the source
// requires it, TradingView race-reorder adjustment.
type CanonicalSignal struct {
	Source    SourceId
	Symbol    CanonicalSymbol
	Depth     float64
	Price     float64
	Timestamp time.Time // authoritative ordering timestamp (may differ from the raw source timestamp, see RaceAdjustment)
}

// SourceWeight is one source's contribution to a symbol's target depth.
type SourceWeight struct {
	Source SourceId
	Weight float64 // in [0, 1]
}

// WeightEntry is the per-symbol weight table: how much each source
// contributes to this symbol's blended target, and the leverage to trade
// it at. Invariant: sum of Sources' weights <= 1.0.
type WeightEntry struct {
	Symbol   CanonicalSymbol
	Leverage float64 // in [1, 20]
	Sources  []SourceWeight
}

// TargetDepth is the aggregator's output for one (account, symbol): the
// blended target allocation fraction plus the provenance needed for
// clean/dirty comparison against the execution cache. ReferencePrice is the
// price quoted by the highest-weighted contributing signal, the first rung
// of the mark_price resolution order the reconciliation engine uses (§4.7).
type TargetDepth struct {
	Symbol                 CanonicalSymbol
	Depth                  float64 // clamped to [-1, 1]
	Leverage               float64
	ReferencePrice         float64
	ContributingTimestamps map[SourceId]time.Time
}

// Position is one open position on one account/symbol. Size is signed:
// positive is long, negative is short, zero is flat.
type Position struct {
	Size       float64
	EntryPrice float64
	Leverage   float64
	MarginMode MarginMode
}

// AccountSnapshot is an account's state as observed exactly once at the
// start of a cycle, before any symbol task runs for that account.
type AccountSnapshot struct {
	Account     AccountId
	TotalEquity float64 // includes unrealized PnL of open positions
	Positions   map[CanonicalSymbol]Position
	SnapshotAt  time.Time
}

// SymbolSpec is venue-reported trading constraints for one symbol, cached
// with a TTL because they rarely change within a cycle (§4.8).
type SymbolSpec struct {
	MinSize            float64
	SizeStep           float64
	PriceStep          float64
	MaxSingleOrderSize float64
	ContractMultiplier float64
	MaxLeverage        float64
}

// ExecutionCacheEntry is the last confirmed state the router committed for
// one (account, symbol) pair, used to detect clean vs. dirty symbols on the
// next cycle and to resume after a crash.
type ExecutionCacheEntry struct {
	TargetDepth            float64
	ContributingTimestamps map[SourceId]time.Time
}

// ExecutionCache is the full persisted state: one entry per (account, symbol).
type ExecutionCache struct {
	Accounts map[AccountId]map[CanonicalSymbol]ExecutionCacheEntry
}

// RaceAdjustment is the audit record produced whenever the TradingView
// race-reorder rule rewrites a signal's ordering timestamp (§4.2).
type RaceAdjustment struct {
	Source            SourceId
	Symbol            CanonicalSymbol
	OriginalTimestamp time.Time
	Adjusted          time.Time
	Reason            string
}

// CycleSummary is the post-cycle rollup served by the status endpoint and
// persisted to the audit store. [EXPANSION] observability convenience, not
// part of the core contract.
type CycleSummary struct {
	CycleID           string
	StartedAt         time.Time
	Duration          time.Duration
	AccountsProcessed int
	SymbolsDirty      int
	SymbolsClean      int
	SymbolsFailed     int
	OrdersPlaced      int
}
