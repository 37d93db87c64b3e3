// Package history owns the one-shot per-ticker REST history fetch and the
// session-scoped history cache that feeds the merge and window stages.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketboard/internal/model"
)

// Client fetches per-ticker history from the upstream REST endpoint.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a history client for e.g. "http://upstream:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchHistory implements model.HistoryFetcher.
// GET {base}/history?ticker=X → RawRecord[]. An empty array is valid
// ("no history yet"); no pagination contract is assumed.
func (c *Client) FetchHistory(ctx context.Context, ticker string) ([]model.RawRecord, error) {
	url := fmt.Sprintf("%s/history?ticker=%s", c.baseURL, ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: fetch %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("history: fetch %s: unexpected status %d", ticker, resp.StatusCode)
	}

	var records []model.RawRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", ticker, err)
	}
	return records, nil
}
