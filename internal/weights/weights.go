// Package weights implements the Weight & Leverage Config (§4.3): a
// hot-reloaded, file-backed per-symbol table of source weights and
// leverage, loaded from signal_weight_config.json.
package weights

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/domain"
)

type sourceWeightEntry struct {
	Source string  `json:"source"`
	Weight float64 `json:"weight"`
}

type weightEntry struct {
	Symbol   string              `json:"symbol"`
	Leverage float64             `json:"leverage"`
	Sources  []sourceWeightEntry `json:"sources"`
}

// Config implements domain.WeightProvider, backed by a JSON file containing
// a top-level array of WeightEntry.
type Config struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	entries map[domain.CanonicalSymbol]domain.WeightEntry
}

// New loads path once at construction time.
func New(path string, log zerolog.Logger) (*Config, error) {
	c := &Config{
		path: path,
		log:  log.With().Str("component", "weight-config").Logger(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file. Entries whose source weights sum to
// more than 1.0, or whose leverage falls outside [1, 20], are rejected
// outright (never clamped), per §3 and §8 — but rejection is per entry,
// not per file: one malformed symbol is dropped with a warning exactly
// like an invalid signal is (§7), it never discards every other, valid
// symbol in the same file. Reload only fails outright, keeping the
// previously loaded configuration, when the file itself can't be read or
// isn't valid JSON.
func (c *Config) Reload() error {
	loaded, err := load(c.path, c.log)
	if err != nil {
		c.log.Warn().Err(err).Str("path", c.path).Msg("failed to reload weight config, keeping previous config")
		return err
	}

	c.mu.Lock()
	c.entries = loaded
	c.mu.Unlock()
	return nil
}

func load(path string, log zerolog.Logger) (map[domain.CanonicalSymbol]domain.WeightEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weight config file: %w", err)
	}

	var parsed []weightEntry
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse weight config file: %w", err)
	}

	out := make(map[domain.CanonicalSymbol]domain.WeightEntry, len(parsed))
	for _, e := range parsed {
		entry, err := validateWeightEntry(e)
		if err != nil {
			log.Warn().Err(err).Str("symbol", e.Symbol).Msg("rejecting invalid weight config entry, other symbols unaffected")
			continue
		}
		out[domain.CanonicalSymbol(e.Symbol)] = entry
	}
	return out, nil
}

func validateWeightEntry(e weightEntry) (domain.WeightEntry, error) {
	if e.Leverage < 1 || e.Leverage > 20 {
		return domain.WeightEntry{}, fmt.Errorf("symbol %q has leverage %.2f outside [1, 20]", e.Symbol, e.Leverage)
	}

	sum := 0.0
	sources := make([]domain.SourceWeight, 0, len(e.Sources))
	for _, s := range e.Sources {
		if s.Weight < 0 {
			return domain.WeightEntry{}, fmt.Errorf("symbol %q source %q has negative weight %.4f", e.Symbol, s.Source, s.Weight)
		}
		sum += s.Weight
		sources = append(sources, domain.SourceWeight{Source: domain.SourceId(s.Source), Weight: s.Weight})
	}
	if sum > 1.0 {
		return domain.WeightEntry{}, fmt.Errorf("symbol %q source weights sum to %.4f, exceeds 1.0", e.Symbol, sum)
	}

	return domain.WeightEntry{
		Symbol:   domain.CanonicalSymbol(e.Symbol),
		Leverage: e.Leverage,
		Sources:  sources,
	}, nil
}

// EntryFor returns the WeightEntry for symbol.
func (c *Config) EntryFor(symbol domain.CanonicalSymbol) (domain.WeightEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[symbol]
	return e, ok
}

// All returns every configured WeightEntry.
func (c *Config) All() []domain.WeightEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.WeightEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

var _ domain.WeightProvider = (*Config)(nil)
