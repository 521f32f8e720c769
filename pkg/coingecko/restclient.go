package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"txtracker/pkg/apperr"
)

const opFetchPrice = "fetch price"

// RESTClient fetches the current BTC→USD price from a fixed endpoint.
// Each FetchPrice call is a single request: no retry, no caching.
type RESTClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewRESTClient(endpoint string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchPrice returns the USD price of one BTC. A malformed endpoint yields a
// KindConfiguration error; any network, status or decoding failure yields
// KindTransport.
func (c *RESTClient) FetchPrice(ctx context.Context) (float64, error) {
	endpoint, err := validEndpoint(c.endpoint)
	if err != nil {
		return 0, apperr.New(apperr.KindConfiguration, opFetchPrice, err)
	}

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, apperr.New(apperr.KindConfiguration, opFetchPrice, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.New(apperr.KindTransport, opFetchPrice, fmt.Errorf("making request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, apperr.New(apperr.KindTransport, opFetchPrice,
			fmt.Errorf("price api status %d: %s", resp.StatusCode, body))
	}

	var parsed SimplePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, apperr.New(apperr.KindTransport, opFetchPrice, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Bitcoin == nil || parsed.Bitcoin.USD == nil {
		return 0, apperr.New(apperr.KindTransport, opFetchPrice, errors.New("decode response: missing bitcoin.usd"))
	}

	price := *parsed.Bitcoin.USD
	if price <= 0 {
		return 0, apperr.New(apperr.KindTransport, opFetchPrice, fmt.Errorf("non-positive price %v", price))
	}

	return price, nil
}

func validEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", raw)
	}
	return u.String(), nil
}
