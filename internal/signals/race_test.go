package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenquant/confluence/internal/domain"
)

func sig(depth float64, ts time.Time) domain.CanonicalSignal {
	return domain.CanonicalSignal{Source: "tradingview", Symbol: "BTCUSDT", Depth: depth, Timestamp: ts}
}

func TestApplyRaceReorder_PositionToFlatWithinWindowAdvancesFlatTimestamp(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []domain.CanonicalSignal{
		sig(0.5, base),
		sig(0, base.Add(2*time.Second)),
	}

	out, adjustments := ApplyRaceReorder(in)

	require.Len(t, out, 2)
	assert.Equal(t, 0.5, out[0].Depth)
	assert.Equal(t, base, out[0].Timestamp)
	assert.Equal(t, 0.0, out[1].Depth)
	assert.Equal(t, base.Add(time.Millisecond), out[1].Timestamp)

	require.Len(t, adjustments, 1)
	assert.Equal(t, reasonToFlat, adjustments[0].Reason)
	assert.Equal(t, base.Add(2*time.Second), adjustments[0].OriginalTimestamp)
}

func TestApplyRaceReorder_FlatToPositionWithinWindowKeepsOrderButAdvances(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []domain.CanonicalSignal{
		sig(0, base),
		sig(0.3, base.Add(1*time.Second)),
	}

	out, adjustments := ApplyRaceReorder(in)

	require.Len(t, out, 2)
	assert.Equal(t, 0.0, out[0].Depth)
	assert.Equal(t, 0.3, out[1].Depth)
	assert.Equal(t, base.Add(time.Millisecond), out[1].Timestamp)

	require.Len(t, adjustments, 1)
	assert.Equal(t, reasonToPosition, adjustments[0].Reason)
}

func TestApplyRaceReorder_OutsideWindowIsUntouched(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []domain.CanonicalSignal{
		sig(0.5, base),
		sig(0, base.Add(10*time.Second)),
	}

	out, adjustments := ApplyRaceReorder(in)

	require.Len(t, out, 2)
	assert.Equal(t, 0.5, out[0].Depth)
	assert.Equal(t, 0.0, out[1].Depth)
	assert.Empty(t, adjustments)
}

func TestApplyRaceReorder_SamePolarityPairUntouched(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []domain.CanonicalSignal{
		sig(0.5, base),
		sig(0.7, base.Add(1*time.Second)),
	}

	out, adjustments := ApplyRaceReorder(in)

	require.Len(t, out, 2)
	assert.Equal(t, base, out[0].Timestamp)
	assert.Equal(t, base.Add(1*time.Second), out[1].Timestamp)
	assert.Empty(t, adjustments)
}
