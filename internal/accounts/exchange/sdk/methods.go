package sdk

import (
	"encoding/json"
	"fmt"
)

// AccountSummaryResult is the raw venue response for account equity.
type AccountSummaryResult struct {
	TotalEquity float64 `json:"total_equity"`
}

// AccountSummary returns the account's total equity, including unrealized PnL.
func (c *Client) AccountSummary() (AccountSummaryResult, error) {
	raw, err := c.Do("GET", "/v1/account/summary", nil)
	if err != nil {
		return AccountSummaryResult{}, err
	}
	var out AccountSummaryResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return AccountSummaryResult{}, fmt.Errorf("failed to parse account summary: %w", err)
	}
	return out, nil
}

// PositionResult is one open position as reported by the venue. Size is
// signed: positive long, negative short.
type PositionResult struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	Leverage   float64 `json:"leverage"`
	MarginMode string  `json:"margin_mode"`
}

// Positions returns every open position on the account.
func (c *Client) Positions() ([]PositionResult, error) {
	raw, err := c.Do("GET", "/v1/positions", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Positions []PositionResult `json:"positions"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}
	return out.Positions, nil
}

// SymbolSpecResult is the venue's trading constraints for a symbol.
type SymbolSpecResult struct {
	Symbol             string  `json:"symbol"`
	MinSize            float64 `json:"min_size"`
	SizeStep           float64 `json:"size_step"`
	PriceStep          float64 `json:"price_step"`
	MaxSingleOrderSize float64 `json:"max_single_order_size"`
	ContractMultiplier float64 `json:"contract_multiplier"`
	MaxLeverage        float64 `json:"max_leverage"`
}

// SymbolSpec returns trading constraints for symbol.
func (c *Client) SymbolSpec(symbol string) (SymbolSpecResult, error) {
	raw, err := c.Do("GET", "/v1/symbols/"+symbol, nil)
	if err != nil {
		return SymbolSpecResult{}, err
	}
	var out SymbolSpecResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return SymbolSpecResult{}, fmt.Errorf("failed to parse symbol spec: %w", err)
	}
	return out, nil
}

// SetLeverage sets leverage for symbol.
func (c *Client) SetLeverage(symbol string, leverage float64) error {
	_, err := c.Do("POST", "/v1/positions/leverage", map[string]interface{}{
		"symbol":   symbol,
		"leverage": leverage,
	})
	return err
}

// SetMarginMode sets cross/isolated margin mode for symbol.
func (c *Client) SetMarginMode(symbol, mode string) error {
	_, err := c.Do("POST", "/v1/positions/margin-mode", map[string]interface{}{
		"symbol":      symbol,
		"margin_mode": mode,
	})
	return err
}

// OrderResult is the venue's confirmation of an order. FilledQty is signed.
type OrderResult struct {
	OrderID     string  `json:"order_id"`
	FilledQty   float64 `json:"filled_qty"`
	FilledPrice float64 `json:"filled_price"`
}

// PlaceMarketOrder submits a market order for signedQty (sign carries side).
func (c *Client) PlaceMarketOrder(symbol string, signedQty float64, reduceOnly bool, clientOrderID string) (OrderResult, error) {
	side := "buy"
	if signedQty < 0 {
		side = "sell"
	}

	raw, err := c.Do("POST", "/v1/orders", map[string]interface{}{
		"symbol":          symbol,
		"side":            side,
		"type":            "market",
		"size":            absFloat(signedQty),
		"reduce_only":     reduceOnly,
		"client_order_id": clientOrderID,
	})
	if err != nil {
		return OrderResult{}, err
	}
	var out OrderResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return OrderResult{}, fmt.Errorf("failed to parse order result: %w", err)
	}
	return out, nil
}

// ClosePosition submits a reduce-only market order that flattens the
// existing position on symbol.
func (c *Client) ClosePosition(symbol string, clientOrderID string) (OrderResult, error) {
	raw, err := c.Do("POST", "/v1/positions/close", map[string]interface{}{
		"symbol":          symbol,
		"client_order_id": clientOrderID,
	})
	if err != nil {
		return OrderResult{}, err
	}
	var out OrderResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return OrderResult{}, fmt.Errorf("failed to parse close result: %w", err)
	}
	return out, nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
