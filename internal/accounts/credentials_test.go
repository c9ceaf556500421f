package accounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenquant/confluence/internal/domain"
)

func TestLoadProcessors_MissingFileReturnsEmptyMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	procs, err := LoadProcessors(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestLoadProcessors_BuildsOneClientPerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	content := `[
		{"account_id": "acct-1", "base_url": "https://exchange.example.com", "ws_url": "wss://exchange.example.com/ws", "api_key": "k1", "api_secret": "s1"},
		{"account_id": "acct-2", "base_url": "https://exchange.example.com", "api_key": "k2", "api_secret": "s2"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	procs, err := LoadProcessors(path, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, procs, 2)

	acct1, ok := procs[domain.AccountId("acct-1")]
	require.True(t, ok)
	assert.Equal(t, domain.AccountId("acct-1"), acct1.Account())

	acct2, ok := procs[domain.AccountId("acct-2")]
	require.True(t, ok)
	assert.Equal(t, domain.AccountId("acct-2"), acct2.Account())
}

func TestLoadProcessors_RejectsRecordMissingRequiredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	content := `[{"account_id": "", "base_url": "https://exchange.example.com"}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadProcessors(path, zerolog.Nop())
	assert.Error(t, err)
}
