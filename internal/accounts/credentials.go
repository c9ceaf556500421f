// Package accounts loads per-account venue credentials (§6's
// credentials.json) and constructs the concrete Account Processor Adapter
// for each account.
package accounts

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/accounts/exchange"
	"github.com/lumenquant/confluence/internal/domain"
)

// credentialRecord is one account's opaque venue credential entry.
type credentialRecord struct {
	AccountId string `json:"account_id"`
	BaseURL   string `json:"base_url"`
	WSURL     string `json:"ws_url"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// LoadProcessors reads path and constructs one exchange.Client per
// credential record. A missing file yields an empty set, not an error, so a
// fresh deployment can start before the file exists.
func LoadProcessors(path string, log zerolog.Logger) (map[domain.AccountId]*exchange.Client, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[domain.AccountId]*exchange.Client), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var records []credentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	out := make(map[domain.AccountId]*exchange.Client, len(records))
	for _, r := range records {
		if r.AccountId == "" || r.BaseURL == "" {
			return nil, fmt.Errorf("credentials record missing account_id or base_url")
		}
		account := domain.AccountId(r.AccountId)
		out[account] = exchange.New(exchange.Config{
			Account:   account,
			BaseURL:   r.BaseURL,
			WSURL:     r.WSURL,
			APIKey:    r.APIKey,
			APISecret: r.APISecret,
			Log:       log,
		})
	}
	return out, nil
}
