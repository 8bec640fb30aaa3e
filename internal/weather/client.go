// Package weather is the client for the remote forecast provider. One
// GET per location returns current conditions, astronomy and a
// multi-day forecast in imperial units.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nugget/weatherbridge/internal/httpkit"
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// LevelTrace is below Debug, used for logging raw provider bodies.
const LevelTrace = slog.Level(-8) // config.LevelTrace

var (
	// ErrUpstream means the provider answered with an error payload.
	ErrUpstream = errors.New("weather provider error")

	// ErrEmptyResult means the provider answered without results. The
	// upstream does this transiently, so callers should retry.
	ErrEmptyResult = errors.New("weather provider returned no results")
)

// Client fetches forecasts from the provider. Requests are throttled by
// a token bucket shared by every caller of the client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a provider client for baseURL. rps and burst size
// the request budget; rps <= 0 disables throttling. Extra options are
// passed to [httpkit.NewClient].
func NewClient(baseURL string, rps float64, burst int, logger *slog.Logger, opts ...httpkit.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(opts...),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// SelectQuery returns the provider query selecting the forecast for a
// free text location in Fahrenheit.
func SelectQuery(location string) string {
	loc := strings.ReplaceAll(location, `"`, `'`)
	return `select * from weather.forecast where woeid in ` +
		`(select woeid from geo.places(1) where text="` + loc + `") and u='f'`
}

// URL returns the request URL for location.
func (c *Client) URL(location string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse weather base URL: %w", err)
	}
	q := u.Query()
	q.Set("q", SelectQuery(location))
	q.Set("format", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch retrieves and decodes the forecast for location. It returns
// [ErrUpstream] or [ErrEmptyResult] (wrapped) when the provider answers
// successfully at the HTTP level but without usable data.
func (c *Client) Fetch(ctx context.Context, location string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL, err := c.URL(location)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weather for %q: %w", location, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("fetch weather for %q: status %d: %s", location, resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "weather response body",
		"location", location, "body", string(raw))

	return Decode(raw)
}

// Decode parses a provider document and classifies application-level
// failures.
func Decode(raw []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	if r.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, r.Error.Description)
	}
	if r.Query == nil || r.Query.Results == nil || r.Query.Results.Channel == nil {
		return nil, ErrEmptyResult
	}
	return &r, nil
}
