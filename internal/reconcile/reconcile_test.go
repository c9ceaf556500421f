package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenquant/confluence/internal/domain"
	"github.com/lumenquant/confluence/internal/executioncache"
	"github.com/lumenquant/confluence/internal/specs"
)

// fakeProcessor is a scriptable domain.AccountProcessor. Positions is
// mutated in place by PlaceMarket/ClosePosition so VERIFY re-reads observe
// the effect of the action just taken.
type fakeProcessor struct {
	account     domain.AccountId
	totalEquity float64
	positions   map[domain.CanonicalSymbol]domain.Position
	spec        domain.SymbolSpec
	ticker      map[domain.CanonicalSymbol]float64

	leverageErr   error
	marginErr     error
	placeErr      error
	closeErr      error
	specErr       error
	equityErr     error
	positionsErr  error

	leverageCalls int
	marginCalls   int
	placeCalls    int
	closeCalls    int
}

func newFakeProcessor(account domain.AccountId) *fakeProcessor {
	return &fakeProcessor{
		account:     account,
		totalEquity: 10000,
		positions:   make(map[domain.CanonicalSymbol]domain.Position),
		spec:        domain.SymbolSpec{MinSize: 0.001, SizeStep: 0.001, MaxSingleOrderSize: 1000},
	}
}

func (f *fakeProcessor) Account() domain.AccountId { return f.account }

func (f *fakeProcessor) GetTotalEquity(ctx context.Context) (float64, error) {
	if f.equityErr != nil {
		return 0, f.equityErr
	}
	return f.totalEquity, nil
}

func (f *fakeProcessor) GetPositions(ctx context.Context) (map[domain.CanonicalSymbol]domain.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	out := make(map[domain.CanonicalSymbol]domain.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeProcessor) GetSymbolSpec(ctx context.Context, symbol domain.CanonicalSymbol) (domain.SymbolSpec, error) {
	if f.specErr != nil {
		return domain.SymbolSpec{}, f.specErr
	}
	return f.spec, nil
}

func (f *fakeProcessor) SetLeverage(ctx context.Context, symbol domain.CanonicalSymbol, leverage float64) error {
	f.leverageCalls++
	pos := f.positions[symbol]
	if f.leverageErr != nil && pos.Size != 0 {
		// Mirrors a venue that only rejects a leverage change while the
		// position is non-flat.
		return f.leverageErr
	}
	pos.Leverage = leverage
	f.positions[symbol] = pos
	return nil
}

func (f *fakeProcessor) SetMarginMode(ctx context.Context, symbol domain.CanonicalSymbol, mode domain.MarginMode) error {
	f.marginCalls++
	if f.marginErr != nil {
		return f.marginErr
	}
	pos := f.positions[symbol]
	pos.MarginMode = mode
	f.positions[symbol] = pos
	return nil
}

func (f *fakeProcessor) PlaceMarket(ctx context.Context, symbol domain.CanonicalSymbol, signedQty float64, reduceOnly bool) (domain.OrderResult, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return domain.OrderResult{}, f.placeErr
	}
	pos := f.positions[symbol]
	pos.Size += signedQty
	if pos.Leverage == 0 {
		pos.Leverage = 1
	}
	if pos.MarginMode == "" {
		pos.MarginMode = domain.MarginModeIsolated
	}
	f.positions[symbol] = pos
	return domain.OrderResult{FilledQty: signedQty}, nil
}

func (f *fakeProcessor) ClosePosition(ctx context.Context, symbol domain.CanonicalSymbol) (domain.OrderResult, error) {
	f.closeCalls++
	if f.closeErr != nil {
		return domain.OrderResult{}, f.closeErr
	}
	pos := f.positions[symbol]
	filled := -pos.Size
	pos.Size = 0
	f.positions[symbol] = pos
	return domain.OrderResult{FilledQty: filled}, nil
}

func (f *fakeProcessor) TickerPrice(symbol domain.CanonicalSymbol) (float64, bool) {
	price, ok := f.ticker[symbol]
	return price, ok
}

var _ domain.AccountProcessor = (*fakeProcessor)(nil)
var _ tickerPricer = (*fakeProcessor)(nil)

func newTestEngine(t *testing.T) (*Engine, *specs.Cache, *executioncache.Store) {
	t.Helper()
	specCache := specs.New()
	store, err := executioncache.New(filepath.Join(t.TempDir(), "account_asset_depths.json"), zerolog.Nop())
	require.NoError(t, err)
	return New(specCache, store, 10, 2, time.Second, zerolog.Nop()), specCache, store
}

func TestEngine_NoopWhenAlreadyAtTarget(t *testing.T) {
	engine, _, store := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.positions["BTC-PERP"] = domain.Position{Size: 0.5, EntryPrice: 10000, Leverage: 5, MarginMode: domain.MarginModeIsolated}

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 5, ReferencePrice: 10000},
	}
	// qTarget = depth*equity*leverage/price; equity=2000 makes qTarget == 0.5,
	// matching the already-open position exactly.
	proc.totalEquity = 2000

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SymbolsDirty)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 0, result.OrdersPlaced)
	assert.Equal(t, 0, proc.placeCalls)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, loaded.Accounts["acct-1"], domain.CanonicalSymbol("BTC-PERP"))
}

func TestEngine_ResizesWhenDepthChanges(t *testing.T) {
	engine, _, store := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 10000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0, Leverage: 3, MarginMode: domain.MarginModeIsolated}

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 3, ReferencePrice: 10000},
	}
	// qTarget = 0.5 * 10000 * 3 / 10000 = 1.5

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 1, proc.placeCalls)
	assert.InDelta(t, 1.5, proc.positions["BTC-PERP"].Size, 0.001)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.5, loaded.Accounts["acct-1"]["BTC-PERP"].TargetDepth)
}

func TestEngine_FlipsWhenSignChanges(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 10000
	proc.positions["BTC-PERP"] = domain.Position{Size: -1.0, Leverage: 2, MarginMode: domain.MarginModeIsolated}

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.4, Leverage: 2, ReferencePrice: 10000},
	}
	// qTarget = 0.4*10000*2/10000 = 0.8, current -1.0 => opposite signs => FLIP

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 1, proc.closeCalls)
	assert.Equal(t, 1, proc.placeCalls)
	assert.InDelta(t, 0.8, proc.positions["BTC-PERP"].Size, 0.001)
}

func TestEngine_AdjustsLeverageAndMarginMode(t *testing.T) {
	engine, specCache, _ := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 2000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0.5, EntryPrice: 10000, Leverage: 3, MarginMode: domain.MarginModeCross}

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 5, ReferencePrice: 10000},
	}

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 1, proc.leverageCalls)
	assert.Equal(t, 1, proc.marginCalls)
	assert.Equal(t, domain.MarginModeIsolated, proc.positions["BTC-PERP"].MarginMode)

	// spec cache was invalidated after the change, not left stale.
	_, fresh := specCache.GetIfFresh("acct-1", "BTC-PERP")
	assert.False(t, fresh)
}

func TestEngine_ClosesToFlatWhenLeverageChangeRequiresIt(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 2000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0.5, EntryPrice: 10000, Leverage: 3, MarginMode: domain.MarginModeIsolated}
	proc.leverageErr = assertError("leverage change requires flat position")

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 5, ReferencePrice: 10000},
	}

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 1, proc.closeCalls)
	// The fake rejects the leverage change only while a position is open, so
	// the retry after closing to flat succeeds.
}

func TestEngine_CrossOnlyVenueLearnsOnceAndStopsReclosingEveryCycle(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 2000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0.5, EntryPrice: 10000, Leverage: 5, MarginMode: domain.MarginModeCross}
	proc.marginErr = assertError("venue only supports cross margin")

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 5, ReferencePrice: 10000},
	}

	// First cycle: the engine doesn't yet know the venue rejects isolated
	// margin, so it closes to flat, retries, fails again, and learns.
	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 1, proc.closeCalls)
	assert.Equal(t, 1, proc.placeCalls)
	assert.Equal(t, domain.MarginModeCross, proc.positions["BTC-PERP"].MarginMode)

	closeCallsAfterFirst := proc.closeCalls
	placeCallsAfterFirst := proc.placeCalls
	marginCallsAfterFirst := proc.marginCalls

	// Second cycle: same depth but a fresh signal timestamp, so the symbol is
	// dirty and goes through reconciliation again against identical venue
	// state. Having already learned this venue can't go isolated, the
	// engine must treat the symbol as already satisfying the margin gate
	// and place zero orders (§8 round-trip / idempotency property).
	targets = map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 5, ReferencePrice: 10000,
			ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": time.Now()}},
	}
	result, err = engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SymbolsDirty)
	assert.Equal(t, 0, result.SymbolsFailed)
	assert.Equal(t, 0, result.OrdersPlaced)
	assert.Equal(t, closeCallsAfterFirst, proc.closeCalls, "no repeated close on the second cycle")
	assert.Equal(t, placeCallsAfterFirst, proc.placeCalls, "no repeated resize on the second cycle")
	assert.Equal(t, marginCallsAfterFirst, proc.marginCalls, "no repeated set_margin_mode call on the second cycle")
}

func TestEngine_FailsSymbolAfterMaxRetriesOnPersistentMismatch(t *testing.T) {
	engine, _, store := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 10000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0, Leverage: 3, MarginMode: domain.MarginModeIsolated}
	proc.placeErr = assertError("order rejected")

	prevEntries := map[domain.CanonicalSymbol]domain.ExecutionCacheEntry{
		"BTC-PERP": {TargetDepth: 0.1, ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": time.Now()}},
	}
	require.NoError(t, store.Commit("acct-1", prevEntries))

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 3, ReferencePrice: 10000},
	}

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SymbolsFailed)

	loaded, err := store.Load()
	require.NoError(t, err)
	// the failed symbol keeps its previous cache entry.
	assert.Equal(t, 0.1, loaded.Accounts["acct-1"]["BTC-PERP"].TargetDepth)
}

func TestEngine_PerSymbolFailureIsolation(t *testing.T) {
	engine, _, store := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 10000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0, Leverage: 3, MarginMode: domain.MarginModeIsolated}
	proc.positions["ETH-PERP"] = domain.Position{Size: 0, Leverage: 3, MarginMode: domain.MarginModeIsolated}

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 3, ReferencePrice: 10000},
		"ETH-PERP": {Symbol: "ETH-PERP", Depth: 0, Leverage: 3}, // no ReferencePrice, no position price, no ticker -> fails
	}

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SymbolsFailed)
	assert.Equal(t, 1, proc.placeCalls, "BTC-PERP still reconciles despite ETH-PERP failing")

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, loaded.Accounts["acct-1"], domain.CanonicalSymbol("BTC-PERP"))
	assert.NotContains(t, loaded.Accounts["acct-1"], domain.CanonicalSymbol("ETH-PERP"), "no previous entry existed to carry forward")
}

func TestEngine_CleanSymbolsPassThroughUnchanged(t *testing.T) {
	engine, _, store := newTestEngine(t)
	proc := newFakeProcessor("acct-1")
	proc.totalEquity = 2000
	proc.positions["BTC-PERP"] = domain.Position{Size: 0.5, EntryPrice: 10000, Leverage: 5, MarginMode: domain.MarginModeIsolated}

	now := time.Now()
	prevEntries := map[domain.CanonicalSymbol]domain.ExecutionCacheEntry{
		"BTC-PERP": {TargetDepth: 0.5, ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": now}},
	}
	require.NoError(t, store.Commit("acct-1", prevEntries))

	targets := map[domain.CanonicalSymbol]domain.TargetDepth{
		"BTC-PERP": {Symbol: "BTC-PERP", Depth: 0.5, Leverage: 5, ReferencePrice: 10000, ContributingTimestamps: map[domain.SourceId]time.Time{"tradingview": now}},
	}

	result, err := engine.ReconcileAccount(context.Background(), proc, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SymbolsClean)
	assert.Equal(t, 0, proc.placeCalls, "clean symbols never touch the processor")
}

func TestResolveMarkPrice_FallsBackToPositionThenTicker(t *testing.T) {
	proc := newFakeProcessor("acct-1")
	proc.ticker = map[domain.CanonicalSymbol]float64{"ETH-PERP": 3000}

	price := resolveMarkPrice(proc, domain.TargetDepth{Symbol: "ETH-PERP"}, domain.Position{}, false)
	assert.Equal(t, 3000.0, price)

	price = resolveMarkPrice(proc, domain.TargetDepth{Symbol: "ETH-PERP"}, domain.Position{EntryPrice: 2900}, true)
	assert.Equal(t, 2900.0, price)

	price = resolveMarkPrice(proc, domain.TargetDepth{Symbol: "ETH-PERP", ReferencePrice: 2950}, domain.Position{EntryPrice: 2900}, true)
	assert.Equal(t, 2950.0, price)
}

func assertError(msg string) error {
	return errors.New(msg)
}
