// Package enrichapi is the HTTP client of the contact enrichment provider.
package enrichapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
)

const serviceName = "enrichment"

type enrichRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Service  string `json:"service,omitempty"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Website  string `json:"website,omitempty"`
}

type enrichResponse struct {
	Found      bool   `json:"found"`
	OwnerName  string `json:"owner_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Website    string `json:"website"`
	Confidence string `json:"confidence"`
}

// Client calls POST {base_url}/enrich. Retrying is left to the enrichment worker, which
// owns the rate limiter and the backoff policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an enrichment API client
func NewClient(cfg config.EnrichmentConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// Enrich looks up the owner and contact details of a candidate
func (c *Client) Enrich(ctx context.Context, apiKey string, candidate *domain.Candidate) (domain.Enrichment, error) {
	payload, err := json.Marshal(enrichRequest{
		Name:     candidate.Name,
		Location: candidate.Location,
		Service:  candidate.Service,
		Address:  candidate.Address,
		Phone:    candidate.Phone,
		Website:  candidate.Website,
	})
	if err != nil {
		return domain.Enrichment{}, fmt.Errorf("failed to marshal enrich request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrich", bytes.NewReader(payload))
	if err != nil {
		return domain.Enrichment{}, fmt.Errorf("failed to build enrich request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ne net.Error
		transient := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, 0, transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, resp.StatusCode, true, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, resp.StatusCode, false, domain.ErrNoContactFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, resp.StatusCode, transient,
			fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))))
	}

	var decoded enrichResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, resp.StatusCode, false,
			fmt.Errorf("failed to decode response: %w", err))
	}
	if !decoded.Found || strings.TrimSpace(decoded.Email) == "" {
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, resp.StatusCode, false, domain.ErrNoContactFound)
	}

	return domain.Enrichment{
		OwnerName:  strings.TrimSpace(decoded.OwnerName),
		Email:      strings.TrimSpace(decoded.Email),
		Phone:      strings.TrimSpace(decoded.Phone),
		Website:    strings.TrimSpace(decoded.Website),
		Confidence: strings.TrimSpace(decoded.Confidence),
	}, nil
}
