package exchange

import (
	"github.com/lumenquant/confluence/internal/accounts/exchange/sdk"
	"github.com/lumenquant/confluence/internal/domain"
)

func transformPosition(p sdk.PositionResult) domain.Position {
	mode := domain.MarginModeCross
	if p.MarginMode == "isolated" {
		mode = domain.MarginModeIsolated
	}

	return domain.Position{
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		Leverage:   p.Leverage,
		MarginMode: mode,
	}
}
