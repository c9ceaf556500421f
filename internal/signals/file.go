package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/domain"
)

type rawSignalEntry struct {
	SourceSymbol string    `json:"source_symbol"`
	Depth        float64   `json:"depth"`
	Price        float64   `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
	Leverage     float64   `json:"leverage,omitempty"`
}

// FileSource implements domain.SignalSource by polling the Raw Signal Store
// for one source: a flat directory of JSON files under
// raw_signals/<source_id>/, one file per received signal. The newest entry
// per canonical symbol wins.
type FileSource struct {
	sourceID    domain.SourceId
	dir         string
	mapper      domain.AssetMapper
	raceReorder bool
	audit       domain.AuditSink
	log         zerolog.Logger
}

// NewFileSource constructs a FileSource reading dir. raceReorder enables
// the TradingView race-reorder rule for this source's stream.
func NewFileSource(sourceID domain.SourceId, dir string, mapper domain.AssetMapper, raceReorder bool, audit domain.AuditSink, log zerolog.Logger) *FileSource {
	return &FileSource{
		sourceID:    sourceID,
		dir:         dir,
		mapper:      mapper,
		raceReorder: raceReorder,
		audit:       audit,
		log:         log.With().Str("component", "file-signal-source").Str("source", string(sourceID)).Logger(),
	}
}

func (f *FileSource) SourceId() domain.SourceId { return f.sourceID }

// FetchCurrent reads every signal file in the source's directory, maps
// source-native symbols to CanonicalSymbol, optionally applies the
// race-reorder rule, and returns the newest signal per symbol. A missing
// directory yields an empty result, not an error, since a source may not
// have produced any signal yet.
func (f *FileSource) FetchCurrent(ctx context.Context) ([]domain.CanonicalSignal, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read raw signal directory %s: %w", f.dir, err)
	}

	raw := make([]rawSignalEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			f.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable raw signal file")
			continue
		}
		var entry rawSignalEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			f.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping malformed raw signal file")
			continue
		}
		raw = append(raw, entry)
	}

	canonical := make([]domain.CanonicalSignal, 0, len(raw))
	for _, r := range raw {
		symbol, ok := f.mapper.ToCanonical(f.sourceID, r.SourceSymbol)
		if !ok {
			continue
		}
		canonical = append(canonical, domain.CanonicalSignal{
			Source:    f.sourceID,
			Symbol:    symbol,
			Depth:     r.Depth,
			Price:     r.Price,
			Timestamp: r.Timestamp,
		})
	}

	if f.raceReorder {
		canonical = applyRaceReorderPerSymbol(canonical, f.audit, f.log)
	}

	return latestPerSymbol(canonical), nil
}

// applyRaceReorderPerSymbol groups signals by symbol before applying the
// race-reorder rule, since "adjacent" is only meaningful within one
// symbol's own timestamp ordering.
func applyRaceReorderPerSymbol(in []domain.CanonicalSignal, audit domain.AuditSink, log zerolog.Logger) []domain.CanonicalSignal {
	bySymbol := make(map[domain.CanonicalSymbol][]domain.CanonicalSignal)
	for _, s := range in {
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}

	out := make([]domain.CanonicalSignal, 0, len(in))
	for _, group := range bySymbol {
		adjusted, adjustments := ApplyRaceReorder(group)
		out = append(out, adjusted...)
		for _, adj := range adjustments {
			if audit == nil {
				continue
			}
			if err := audit.RecordRaceAdjustment(adj); err != nil {
				log.Warn().Err(err).Msg("failed to record race adjustment")
			}
		}
	}
	return out
}

func latestPerSymbol(in []domain.CanonicalSignal) []domain.CanonicalSignal {
	latest := make(map[domain.CanonicalSymbol]domain.CanonicalSignal, len(in))
	for _, s := range in {
		cur, ok := latest[s.Symbol]
		if !ok || s.Timestamp.After(cur.Timestamp) {
			latest[s.Symbol] = s
		}
	}

	out := make([]domain.CanonicalSignal, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	return out
}

var _ domain.SignalSource = (*FileSource)(nil)
