package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPFetcher is a reference ExchangeBalanceFetcher adapter that calls a
// REST balances endpoint through a retryablehttp client, configured with
// its own bounded-retry schedule distinct from the market-data breaker's
// backoff — grounded on the teacher's download manager, which wraps its
// balance/file fetches in the same retryablehttp.Client pattern.
type HTTPFetcher struct {
	BalancesURL string
	AuthHeader  string

	client *retryablehttp.Client
}

// NewHTTPFetcher builds a fetcher with the given bounded-retry schedule.
func NewHTTPFetcher(balancesURL, authHeader string, retryMax int, waitMin, waitMax time.Duration) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = waitMin
	client.RetryWaitMax = waitMax
	client.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	return &HTTPFetcher{BalancesURL: balancesURL, AuthHeader: authHeader, client: client}
}

type balancesResponse struct {
	Balances []Balance `json:"balances"`
}

// GetBalances implements ExchangeBalanceFetcher.
func (f *HTTPFetcher) GetBalances(ctx context.Context) ([]Balance, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.BalancesURL, nil)
	if err != nil {
		return nil, err
	}
	if f.AuthHeader != "" {
		req.Header.Set("Authorization", f.AuthHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange balances endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed balancesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Balances, nil
}
