// Package executioncache implements the Execution Cache (§4.5): the
// last confirmed target depth per (account, symbol), persisted atomically
// so a crash mid-cycle never leaves a half-written file behind.
package executioncache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/domain"
)

type fileEntry struct {
	TargetDepth            float64                       `json:"target_depth"`
	ContributingTimestamps map[domain.SourceId]time.Time `json:"contributing_timestamps"`
}

type fileFormat struct {
	Accounts map[domain.AccountId]map[domain.CanonicalSymbol]fileEntry `json:"accounts"`
}

// Store implements domain.ExecutionCacheStore with a single JSON file,
// written via a temp-file-then-rename so readers never observe a partial
// write. The cache is advisory: a missing or unparseable file is treated as
// "every symbol dirty", not an error.
type Store struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	cache domain.ExecutionCache
}

// New constructs a Store backed by path, loading any existing cache.
func New(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log.With().Str("component", "execution-cache").Logger(),
	}

	cache, err := s.Load()
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("execution cache unreadable, treating all symbols as dirty")
		cache = domain.ExecutionCache{Accounts: make(map[domain.AccountId]map[domain.CanonicalSymbol]domain.ExecutionCacheEntry)}
	}
	s.cache = cache
	return s, nil
}

// Load reads the persisted cache from disk.
func (s *Store) Load() (domain.ExecutionCache, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return domain.ExecutionCache{Accounts: make(map[domain.AccountId]map[domain.CanonicalSymbol]domain.ExecutionCacheEntry)}, nil
	}
	if err != nil {
		return domain.ExecutionCache{}, fmt.Errorf("read execution cache file: %w", err)
	}

	var parsed fileFormat
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.ExecutionCache{}, fmt.Errorf("parse execution cache file: %w", err)
	}

	out := domain.ExecutionCache{Accounts: make(map[domain.AccountId]map[domain.CanonicalSymbol]domain.ExecutionCacheEntry, len(parsed.Accounts))}
	for account, symbols := range parsed.Accounts {
		entries := make(map[domain.CanonicalSymbol]domain.ExecutionCacheEntry, len(symbols))
		for symbol, e := range symbols {
			entries[symbol] = domain.ExecutionCacheEntry{TargetDepth: e.TargetDepth, ContributingTimestamps: e.ContributingTimestamps}
		}
		out.Accounts[account] = entries
	}
	return out, nil
}

// EntryFor returns the in-memory cache entry for (account, symbol): the
// one loaded at construction time, or the one from the latest Commit for
// that account.
func (s *Store) EntryFor(account domain.AccountId, symbol domain.CanonicalSymbol) (domain.ExecutionCacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols, ok := s.cache.Accounts[account]
	if !ok {
		return domain.ExecutionCacheEntry{}, false
	}
	entry, ok := symbols[symbol]
	return entry, ok
}

// Commit persists entries for account, replacing its prior entries
// entirely, and atomically rewrites the whole cache file. Commit is called
// at most once per account per cycle; symbols that failed this cycle are
// carried forward in entries with their previous values.
func (s *Store) Commit(account domain.AccountId, entries map[domain.CanonicalSymbol]domain.ExecutionCacheEntry) error {
	s.mu.Lock()
	if s.cache.Accounts == nil {
		s.cache.Accounts = make(map[domain.AccountId]map[domain.CanonicalSymbol]domain.ExecutionCacheEntry)
	}
	s.cache.Accounts[account] = entries
	// Build the on-disk representation while still holding the lock: every
	// map in cache.Accounts is deep-copied here into out, since
	// s.cache.Accounts is shared with whichever goroutine is the last
	// account to call Commit this cycle and must never be ranged over
	// concurrently with another goroutine's assignment above.
	out := fileFormat{Accounts: make(map[domain.AccountId]map[domain.CanonicalSymbol]fileEntry, len(s.cache.Accounts))}
	for acct, symbols := range s.cache.Accounts {
		copied := make(map[domain.CanonicalSymbol]fileEntry, len(symbols))
		for symbol, e := range symbols {
			copied[symbol] = fileEntry{TargetDepth: e.TargetDepth, ContributingTimestamps: e.ContributingTimestamps}
		}
		out.Accounts[acct] = copied
	}
	s.mu.Unlock()

	return s.writeAtomic(out)
}

func (s *Store) writeAtomic(out fileFormat) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create execution cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".execution_cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp execution cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp execution cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp execution cache file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename execution cache file: %w", err)
	}
	return nil
}

var _ domain.ExecutionCacheStore = (*Store)(nil)
