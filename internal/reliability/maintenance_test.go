package reliability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceJob_RunReplicationUploadsCacheAndRawSignals(t *testing.T) {
	dataDir := t.TempDir()
	cachePath := filepath.Join(dataDir, "account_asset_depths.json")
	require.NoError(t, os.WriteFile(cachePath, []byte(`{}`), 0o644))

	rawDir := filepath.Join(dataDir, "raw_signals", "tradingview")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "signal.json"), []byte(`{}`), 0o644))

	store := newFakeStore()
	replicator := NewReplicator(store, dataDir, zerolog.Nop())

	job := New(Config{
		Replicator:    replicator,
		CachePath:     cachePath,
		RawSignalDirs: []string{rawDir},
		DataDir:       dataDir,
		Log:           zerolog.Nop(),
	})

	job.runReplication(context.Background())

	var cacheArchives, rawArchives int
	for key := range store.objects {
		if len(key) >= len(executionCachePrefix) && key[:len(executionCachePrefix)] == executionCachePrefix {
			cacheArchives++
		}
		if len(key) >= len(rawSignalsPrefix) && key[:len(rawSignalsPrefix)] == rawSignalsPrefix {
			rawArchives++
		}
	}
	assert.Equal(t, 1, cacheArchives)
	assert.Equal(t, 1, rawArchives)
}

func TestMaintenanceJob_RunDailyWithoutReplicatorOrAuditDBIsSafe(t *testing.T) {
	dataDir := t.TempDir()
	job := New(Config{DataDir: dataDir, Log: zerolog.Nop()})
	assert.NotPanics(t, func() { job.runDaily(context.Background()) })
}

func TestMaintenanceJob_CheckDiskSpaceSucceedsForExistingDir(t *testing.T) {
	job := New(Config{DataDir: t.TempDir(), Log: zerolog.Nop()})
	assert.NoError(t, job.checkDiskSpace())
}
