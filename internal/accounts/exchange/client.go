// Package exchange implements domain.AccountProcessor against a generic
// REST+WebSocket crypto-futures venue. It is the router's one concrete
// Account Processor Adapter (§4.6).
package exchange

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/accounts/exchange/sdk"
	"github.com/lumenquant/confluence/internal/domain"
)

// Client adapts one account's venue credentials to domain.AccountProcessor.
type Client struct {
	account domain.AccountId
	sdk     *sdk.Client
	ticker  *TickerClient // optional mark-price fallback over websocket
	log     zerolog.Logger
}

// Config holds the parameters needed to construct a Client for one account.
type Config struct {
	Account   domain.AccountId
	BaseURL   string
	WSURL     string // empty disables the websocket ticker fallback
	APIKey    string
	APISecret string
	Log       zerolog.Logger
}

// New constructs an exchange Client for one account.
func New(cfg Config) *Client {
	log := cfg.Log.With().Str("account", string(cfg.Account)).Logger()

	c := &Client{
		account: cfg.Account,
		sdk:     sdk.NewClient(cfg.BaseURL, cfg.APIKey, cfg.APISecret, log),
		log:     log,
	}
	if cfg.WSURL != "" {
		c.ticker = NewTickerClient(cfg.WSURL, log)
	}
	return c
}

// Close releases the underlying SDK client and ticker connection.
func (c *Client) Close() {
	c.sdk.Close()
	if c.ticker != nil {
		c.ticker.Close()
	}
}

func (c *Client) Account() domain.AccountId { return c.account }

// GetTotalEquity returns the account's total equity including unrealized PnL.
func (c *Client) GetTotalEquity(ctx context.Context) (float64, error) {
	summary, err := c.sdk.AccountSummary()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrAccountUnreachable, err)
	}
	return summary.TotalEquity, nil
}

// GetPositions returns every open position on the account.
func (c *Client) GetPositions(ctx context.Context) (map[domain.CanonicalSymbol]domain.Position, error) {
	raw, err := c.sdk.Positions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAccountUnreachable, err)
	}

	out := make(map[domain.CanonicalSymbol]domain.Position, len(raw))
	for _, p := range raw {
		out[domain.CanonicalSymbol(p.Symbol)] = transformPosition(p)
	}
	return out, nil
}

// GetSymbolSpec returns venue trading constraints for symbol.
func (c *Client) GetSymbolSpec(ctx context.Context, symbol domain.CanonicalSymbol) (domain.SymbolSpec, error) {
	raw, err := c.sdk.SymbolSpec(string(symbol))
	if err != nil {
		return domain.SymbolSpec{}, fmt.Errorf("%w: %v", domain.ErrSpecNotFound, err)
	}
	return domain.SymbolSpec{
		MinSize:            raw.MinSize,
		SizeStep:           raw.SizeStep,
		PriceStep:          raw.PriceStep,
		MaxSingleOrderSize: raw.MaxSingleOrderSize,
		ContractMultiplier: raw.ContractMultiplier,
		MaxLeverage:        raw.MaxLeverage,
	}, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol domain.CanonicalSymbol, leverage float64) error {
	if err := c.sdk.SetLeverage(string(symbol), leverage); err != nil {
		return fmt.Errorf("set leverage for %s: %w", symbol, err)
	}
	return nil
}

func (c *Client) SetMarginMode(ctx context.Context, symbol domain.CanonicalSymbol, mode domain.MarginMode) error {
	if err := c.sdk.SetMarginMode(string(symbol), string(mode)); err != nil {
		return fmt.Errorf("set margin mode for %s: %w", symbol, err)
	}
	return nil
}

// PlaceMarket places a market order of signedQty, quantizing to the
// symbol's size_step (rounding away from zero) and bumping below-min
// quantities up to min_size, or dropping to zero, per §4.6. Orders larger
// than max_single_order_size are chunked into sequential requests; the
// returned OrderResult aggregates their fills.
func (c *Client) PlaceMarket(ctx context.Context, symbol domain.CanonicalSymbol, signedQty float64, reduceOnly bool) (domain.OrderResult, error) {
	spec, err := c.GetSymbolSpec(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	quantized := quantize(signedQty, spec)
	if quantized == 0 {
		return domain.OrderResult{}, nil
	}

	chunks := chunk(quantized, spec.MaxSingleOrderSize)

	var agg domain.OrderResult
	for _, qty := range chunks {
		result, err := c.sdk.PlaceMarketOrder(string(symbol), qty, reduceOnly, uuid.NewString())
		if err != nil {
			return agg, fmt.Errorf("place market order chunk for %s: %w", symbol, err)
		}
		agg.OrderId = result.OrderID
		agg.FilledQty += result.FilledQty
		agg.FilledPrice = result.FilledPrice
	}
	return agg, nil
}

// ClosePosition submits a reduce-only market order that flattens the
// existing position on symbol.
func (c *Client) ClosePosition(ctx context.Context, symbol domain.CanonicalSymbol) (domain.OrderResult, error) {
	result, err := c.sdk.ClosePosition(string(symbol), uuid.NewString())
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("close position for %s: %w", symbol, err)
	}
	return domain.OrderResult{OrderId: result.OrderID, FilledQty: result.FilledQty, FilledPrice: result.FilledPrice}, nil
}

// TickerPrice is the venue-ticker-lookup fallback in the mark_price
// resolution order (§4.7): contributing signal price, then position
// entry_price (both resolved by the reconciliation engine), then this.
func (c *Client) TickerPrice(symbol domain.CanonicalSymbol) (float64, bool) {
	if c.ticker == nil {
		return 0, false
	}
	return c.ticker.LastPrice(symbol)
}

// quantize rounds the absolute value of qty away from zero to the nearest
// multiple of spec.SizeStep, then bumps up to MinSize if the result would
// otherwise be non-zero but below it, per §4.6's quantization rule.
func quantize(qty float64, spec domain.SymbolSpec) float64 {
	if qty == 0 || spec.SizeStep <= 0 {
		return 0
	}

	sign := 1.0
	if qty < 0 {
		sign = -1.0
	}
	abs := math.Abs(qty)

	steps := math.Ceil(abs/spec.SizeStep - 1e-9)
	rounded := steps * spec.SizeStep

	if rounded == 0 {
		return 0
	}
	if rounded < spec.MinSize {
		rounded = spec.MinSize
	}
	return sign * rounded
}

// chunk splits a signed quantity into sequential pieces no larger in
// magnitude than maxSize (order chunking is the adapter's responsibility
// per §9, because chunk size is venue-specific).
func chunk(qty float64, maxSize float64) []float64 {
	if maxSize <= 0 || math.Abs(qty) <= maxSize {
		return []float64{qty}
	}

	sign := 1.0
	if qty < 0 {
		sign = -1.0
	}
	remaining := math.Abs(qty)

	var chunks []float64
	for remaining > 0 {
		piece := math.Min(remaining, maxSize)
		chunks = append(chunks, sign*piece)
		remaining -= piece
	}
	return chunks
}
