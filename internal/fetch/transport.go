package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPTransport is the default Transport, speaking the federation
// event-retrieval API (GET /_matrix/federation/v1/event/{eventId}).
type HTTPTransport struct{}

type getEventResponse struct {
	Origin string            `json:"origin"`
	PDUs   []json.RawMessage `json:"pdus"`
}

func (HTTPTransport) FetchEvent(ctx context.Context, client *http.Client, origin, roomID, eventID string) (json.RawMessage, error) {
	url := fmt.Sprintf("https://%s/_matrix/federation/v1/event/%s", origin, eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s responded %d: %s", origin, resp.StatusCode, body)
	}

	var parsed getEventResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", origin, err)
	}
	if len(parsed.PDUs) == 0 {
		return nil, fmt.Errorf("%s returned no pdus", origin)
	}
	return parsed.PDUs[0], nil
}
