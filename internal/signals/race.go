package signals

import (
	"sort"
	"time"

	"github.com/lumenquant/confluence/internal/domain"
)

const (
	raceWindow      = 5 * time.Second
	raceAdjustStep  = time.Millisecond
	reasonToFlat    = "position-to-flat reordered to flat-to-position"
	reasonToPosition = "flat-to-position timestamp advanced"
)

func isFlat(depth float64) bool { return depth == 0 }

// ApplyRaceReorder implements the TradingView race-reorder rule (§4.2) for
// one source's signal stream on one symbol. If two adjacent signals (by
// timestamp) are within 5s and form the pattern position -> flat, or the
// pattern flat -> position, the later entry's timestamp is advanced to the
// earlier entry's timestamp plus 1ms; the earlier entry and the original
// ordering are both left untouched. This makes the later state win the
// latest-timestamp selection in latestPerSymbol without disturbing which
// entry is "earlier" and which is "later". All other adjacent pairs are
// left untouched. Every adjustment produces a domain.RaceAdjustment.
func ApplyRaceReorder(signals []domain.CanonicalSignal) ([]domain.CanonicalSignal, []domain.RaceAdjustment) {
	out := make([]domain.CanonicalSignal, len(signals))
	copy(out, signals)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	var adjustments []domain.RaceAdjustment
	for i := 0; i+1 < len(out); i++ {
		a, b := out[i], out[i+1]
		if b.Timestamp.Sub(a.Timestamp) > raceWindow {
			continue
		}

		switch {
		case !isFlat(a.Depth) && isFlat(b.Depth):
			original := b.Timestamp
			adjusted := a.Timestamp.Add(raceAdjustStep)
			out[i+1].Timestamp = adjusted
			adjustments = append(adjustments, domain.RaceAdjustment{
				Source:            b.Source,
				Symbol:            b.Symbol,
				OriginalTimestamp: original,
				Adjusted:          adjusted,
				Reason:            reasonToFlat,
			})

		case isFlat(a.Depth) && !isFlat(b.Depth):
			original := b.Timestamp
			adjusted := a.Timestamp.Add(raceAdjustStep)
			out[i+1].Timestamp = adjusted
			adjustments = append(adjustments, domain.RaceAdjustment{
				Source:            b.Source,
				Symbol:            b.Symbol,
				OriginalTimestamp: original,
				Adjusted:          adjusted,
				Reason:            reasonToPosition,
			})
		}
	}
	return out, adjustments
}
