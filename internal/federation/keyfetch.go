package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mmmika/construct/internal/keys"
)

// serverKeyResponse is the /_matrix/key/v2/server response shape: a
// server name, its verify_keys keyed by key id, and a validity
// window in valid_until_ts.
type serverKeyResponse struct {
	ServerName string `json:"server_name"`
	VerifyKeys map[string]struct {
		Key string `json:"key"`
	} `json:"verify_keys"`
	ValidUntilTS int64 `json:"valid_until_ts"`
}

// DecodeServerKeys issues /_matrix/key/v2/server against serverName
// and returns the subset of keyIDs it carries, satisfying
// KeyFetcher.Decode. keyIDs is advisory: the endpoint always returns
// every key the server currently publishes, and unrequested ones are
// filtered out here since the cache stores per-key-id entries.
func DecodeServerKeys(ctx context.Context, client *http.Client, serverName string, keyIDs []string) ([]keys.Entry, error) {
	url := fmt.Sprintf("https://%s/_matrix/key/v2/server", serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch keys from %s: %w", serverName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch keys from %s: status %d", serverName, resp.StatusCode)
	}

	var body serverKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode key response from %s: %w", serverName, err)
	}

	wanted := make(map[string]bool, len(keyIDs))
	for _, id := range keyIDs {
		wanted[id] = true
	}

	fetchedAt := time.Now()
	validUntil := time.UnixMilli(body.ValidUntilTS)

	var out []keys.Entry
	for keyID, vk := range body.VerifyKeys {
		if len(wanted) > 0 && !wanted[keyID] {
			continue
		}
		out = append(out, keys.Entry{
			ServerName: serverName,
			KeyID:      keyID,
			PublicKey:  vk.Key,
			FetchedAt:  fetchedAt,
			ValidUntil: validUntil,
		})
	}
	return out, nil
}
