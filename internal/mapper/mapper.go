// Package mapper implements the Asset Mapper (§4.1): translation between a
// source's native symbol strings and the router's CanonicalSymbol
// namespace, loaded from a hot-reloadable JSON file.
package mapper

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/domain"
)

// Mapper implements domain.AssetMapper, backed by a JSON file shaped as
// `{ "<source_id>": { "<source_symbol>": "<canonical_symbol>", ... }, ... }`
// (§6). Reload failures leave the previously loaded mapping in place.
type Mapper struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	byKey   map[string]domain.CanonicalSymbol
	reverse map[string]string // source+canonical -> source_symbol; absent when ambiguous
}

// New loads path once at construction time. A missing file is treated as an
// empty mapping, not an error, so a fresh deployment can start before the
// file exists.
func New(path string, log zerolog.Logger) (*Mapper, error) {
	m := &Mapper{
		path:    path,
		log:     log.With().Str("component", "asset-mapper").Logger(),
		byKey:   make(map[string]domain.CanonicalSymbol),
		reverse: make(map[string]string),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the backing file. On failure, the previously loaded
// mapping is retained and a warning is logged.
func (m *Mapper) Reload() error {
	byKey, reverse, err := load(m.path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.path).Msg("failed to reload asset mapping, keeping previous mapping")
		return err
	}

	m.mu.Lock()
	m.byKey = byKey
	m.reverse = reverse
	m.mu.Unlock()
	return nil
}

func load(path string) (map[string]domain.CanonicalSymbol, map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]domain.CanonicalSymbol), make(map[string]string), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read asset mapping file: %w", err)
	}

	var parsed map[string]map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, nil, fmt.Errorf("parse asset mapping file: %w", err)
	}

	byKey := make(map[string]domain.CanonicalSymbol)
	reverse := make(map[string]string)
	seen := make(map[string]bool)
	for source, bySourceSymbol := range parsed {
		for sourceSymbol, symbol := range bySourceSymbol {
			byKey[key(domain.SourceId(source), sourceSymbol)] = domain.CanonicalSymbol(symbol)

			rKey := reverseKey(domain.SourceId(source), domain.CanonicalSymbol(symbol))
			if seen[rKey] {
				// Two source symbols map to the same canonical symbol for
				// this source: ambiguous, refuse to guess.
				delete(reverse, rKey)
				continue
			}
			seen[rKey] = true
			reverse[rKey] = sourceSymbol
		}
	}
	return byKey, reverse, nil
}

func key(source domain.SourceId, sourceSymbol string) string {
	return string(source) + "\x00" + sourceSymbol
}

func reverseKey(source domain.SourceId, symbol domain.CanonicalSymbol) string {
	return string(source) + "\x00" + string(symbol)
}

// ToCanonical maps a (source, source-native symbol) pair to a CanonicalSymbol.
func (m *Mapper) ToCanonical(source domain.SourceId, sourceSymbol string) (domain.CanonicalSymbol, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbol, ok := m.byKey[key(source, sourceSymbol)]
	return symbol, ok
}

// FromCanonical is the reverse lookup used by adapters that poll
// source-symbol-scoped endpoints rather than bulk-fetching everything.
func (m *Mapper) FromCanonical(source domain.SourceId, symbol domain.CanonicalSymbol) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sourceSymbol, ok := m.reverse[reverseKey(source, symbol)]
	return sourceSymbol, ok
}

var _ domain.AssetMapper = (*Mapper)(nil)
