// Package searchapi is the HTTP client of the business search provider.
package searchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
)

const serviceName = "search"

// Place is one business returned by the provider
type Place struct {
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	Phone       string  `json:"phone"`
	Website     string  `json:"website"`
	Email       string  `json:"email"`
	Rating      float64 `json:"rating"`
	ReviewCount int     `json:"review_count"`
}

type searchResponse struct {
	Results []Place `json:"results"`
}

// Client calls GET {base_url}/search. Calls share one rate limiter across all jobs of the
// process; 429 and 5xx replies are retried with exponential backoff.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	limit       int
	logger      *slog.Logger
}

// NewClient creates a search API client
func NewClient(cfg config.SearchConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  httpClient,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		limit:       cfg.ResultsPerPair,
		logger:      logger,
	}
}

// Search returns the places the provider knows for one (service, location) pair
func (c *Client) Search(ctx context.Context, apiKey string, target domain.Target) ([]Place, error) {
	var places []Place

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		result, err := c.do(ctx, apiKey, target)
		if err != nil {
			if domain.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		places = result
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.maxAttempts-1)), ctx)

	notify := func(err error, next time.Duration) {
		c.logger.Warn("Search request failed, retrying",
			slog.String("service", target.Service),
			slog.String("location", target.Location),
			slog.Duration("retry_in", next),
			slog.Any("error", err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		return nil, err
	}
	return places, nil
}

func (c *Client) do(ctx context.Context, apiKey string, target domain.Target) ([]Place, error) {
	query := url.Values{}
	query.Set("service", target.Service)
	query.Set("location", target.Location)
	if c.limit > 0 {
		query.Set("limit", strconv.Itoa(c.limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewUpstreamError(serviceName, 0, isTransientNetErr(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, domain.NewUpstreamError(serviceName, resp.StatusCode, true, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, domain.NewUpstreamError(serviceName, resp.StatusCode, transient, errors.New(snippet(body)))
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, domain.NewUpstreamError(serviceName, resp.StatusCode, false, fmt.Errorf("failed to decode response: %w", err))
	}
	return decoded.Results, nil
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
