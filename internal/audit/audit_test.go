package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenquant/confluence/internal/domain"
)

func TestSink_RecordRaceAdjustmentAndCycleSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer sink.Close()

	now := time.Now()
	err = sink.RecordRaceAdjustment(domain.RaceAdjustment{
		Source:            "tradingview",
		Symbol:            "BTC-PERP",
		OriginalTimestamp: now,
		Adjusted:          now.Add(time.Millisecond),
		Reason:            "position_to_flat_within_window",
	})
	require.NoError(t, err)

	summary := domain.CycleSummary{
		CycleID:           "cycle-1",
		StartedAt:         now,
		Duration:          250 * time.Millisecond,
		AccountsProcessed: 2,
		SymbolsDirty:      3,
		SymbolsClean:      5,
		SymbolsFailed:     1,
		OrdersPlaced:      4,
	}
	require.NoError(t, sink.RecordCycleSummary(summary))

	var count int
	require.NoError(t, sink.db.QueryRow("SELECT COUNT(*) FROM race_adjustments").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, sink.db.QueryRow("SELECT COUNT(*) FROM cycle_summaries").Scan(&count))
	assert.Equal(t, 1, count)

	// Upserting the same cycle_id again must not create a duplicate row.
	summary.OrdersPlaced = 7
	require.NoError(t, sink.RecordCycleSummary(summary))
	require.NoError(t, sink.db.QueryRow("SELECT COUNT(*) FROM cycle_summaries").Scan(&count))
	assert.Equal(t, 1, count)

	var orders int
	require.NoError(t, sink.db.QueryRow("SELECT orders_placed FROM cycle_summaries WHERE cycle_id = ?", "cycle-1").Scan(&orders))
	assert.Equal(t, 7, orders)
}
