package domain

import "context"

// SignalSource defines the contract every Signal Processor Adapter
// implements, whether file-backed or network-polled (§4.2). It abstracts
// away how a source's signals are fetched so the aggregator never depends
// on a concrete transport.
type SignalSource interface {
	// SourceId returns the stable identifier this source is registered
	// under in the Weight & Leverage Config.
	SourceId() SourceId

	// FetchCurrent returns the freshest CanonicalSignal per CanonicalSymbol.
	// Must not block longer than ctx's deadline; a timeout yields an empty
	// result and error, never panics, and must not fail the cycle.
	FetchCurrent(ctx context.Context) ([]CanonicalSignal, error)
}

// AssetMapper translates between a source's native symbol strings and the
// router's CanonicalSymbol namespace (§4.1).
type AssetMapper interface {
	// ToCanonical maps a (source, source-native symbol) pair to a
	// CanonicalSymbol. Returns false if the combination is not mapped
	// (the signal must be dropped, not guessed at).
	ToCanonical(source SourceId, sourceSymbol string) (CanonicalSymbol, bool)

	// FromCanonical is the reverse lookup: given a source and a
	// CanonicalSymbol, returns that source's native symbol string. Required
	// by adapters whose polling is source-symbol-scoped rather than
	// bulk-fetched (§4.1). Returns false if no mapping exists, or if more
	// than one source symbol maps to the same canonical symbol for this
	// source (ambiguous, so refuses to guess).
	FromCanonical(source SourceId, symbol CanonicalSymbol) (string, bool)

	// Reload re-reads the backing asset_mapping_config.json file. Callers
	// that fail to reload keep serving the previously loaded mapping.
	Reload() error
}

// WeightProvider exposes the hot-reloaded per-symbol weight and leverage
// configuration to the aggregator (§4.3).
type WeightProvider interface {
	// EntryFor returns the WeightEntry for symbol, and false if the symbol
	// has no configured entry.
	EntryFor(symbol CanonicalSymbol) (WeightEntry, bool)

	// All returns every configured WeightEntry.
	All() []WeightEntry

	// Reload re-reads the backing signal_weight_config.json file.
	Reload() error
}

// AccountProcessor is the uniform venue contract every exchange adapter
// implements (§4.6). Every method is scoped to a single AccountId supplied
// at construction time; the reconciliation engine never touches
// venue-specific types directly.
type AccountProcessor interface {
	Account() AccountId

	// GetTotalEquity returns the account's total equity including
	// unrealized PnL, snapshotted once per cycle by the caller.
	GetTotalEquity(ctx context.Context) (float64, error)

	// GetPositions returns every open position on the account, keyed by
	// canonical symbol. Size is signed.
	GetPositions(ctx context.Context) (map[CanonicalSymbol]Position, error)

	// GetSymbolSpec returns venue trading constraints for symbol.
	GetSymbolSpec(ctx context.Context, symbol CanonicalSymbol) (SymbolSpec, error)

	// SetLeverage is idempotent; may require a flat position depending on venue.
	SetLeverage(ctx context.Context, symbol CanonicalSymbol, leverage float64) error

	// SetMarginMode is idempotent; may require a flat position depending on venue.
	SetMarginMode(ctx context.Context, symbol CanonicalSymbol, mode MarginMode) error

	// PlaceMarket places a market order of signedQty (sign carries
	// direction). May chunk internally to respect the symbol's
	// MaxSingleOrderSize; returns the aggregate signed fill.
	PlaceMarket(ctx context.Context, symbol CanonicalSymbol, signedQty float64, reduceOnly bool) (OrderResult, error)

	// ClosePosition is a reduce-only market close of the full current position.
	ClosePosition(ctx context.Context, symbol CanonicalSymbol) (OrderResult, error)
}

// OrderResult is the venue's confirmation of a placed or closing order.
type OrderResult struct {
	OrderId    string
	FilledQty  float64 // signed
	FilledPrice float64
}

// ExecutionCacheStore persists and retrieves the Execution Cache (§4.5).
type ExecutionCacheStore interface {
	Load() (ExecutionCache, error)
	Commit(account AccountId, entries map[CanonicalSymbol]ExecutionCacheEntry) error
}

// SpecCache is the Symbol-Spec Cache contract (§4.8): TTL'd, invalidated on
// leverage/margin change.
type SpecCache interface {
	GetIfFresh(account AccountId, symbol CanonicalSymbol) (SymbolSpec, bool)
	Store(account AccountId, symbol CanonicalSymbol, spec SymbolSpec)
	Invalidate(account AccountId, symbol CanonicalSymbol)
}

// AuditSink records TradingView race-reorder adjustments and cycle
// summaries. A nil/no-op AuditSink must never affect reconciliation
// outcomes ([EXPANSION] §2 item 13 is a convenience, not a source of truth).
type AuditSink interface {
	RecordRaceAdjustment(adj RaceAdjustment) error
	RecordCycleSummary(summary CycleSummary) error
}
