// Package gemini enriches candidates with a Gemini model returning structured JSON.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
)

const serviceName = "gemini"

// Enricher asks the model for the owner and contact details of a business. One genai
// client is kept per account API key.
type Enricher struct {
	model   string
	baseURL string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New creates a Gemini enricher
func New(cfg config.EnrichmentConfig) (*Enricher, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	return &Enricher{
		model:   strings.TrimSpace(cfg.Model),
		baseURL: strings.TrimSpace(cfg.BaseURL),
		clients: make(map[string]*genai.Client),
	}, nil
}

type responseSchema struct {
	Found      bool   `json:"found"`
	OwnerName  string `json:"owner_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Website    string `json:"website"`
	Confidence string `json:"confidence"`
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"found":      {Type: genai.TypeBoolean},
		"owner_name": {Type: genai.TypeString},
		"email":      {Type: genai.TypeString},
		"phone":      {Type: genai.TypeString},
		"website":    {Type: genai.TypeString},
		"confidence": {Type: genai.TypeString, Enum: []string{"low", "medium", "high"}},
	},
	Required: []string{"found", "owner_name", "email", "phone", "website", "confidence"},
}

// Enrich implements the enrichment collaborator
func (e *Enricher) Enrich(ctx context.Context, apiKey string, candidate *domain.Candidate) (domain.Enrichment, error) {
	client, err := e.client(ctx, apiKey)
	if err != nil {
		return domain.Enrichment{}, err
	}

	resp, err := client.Models.GenerateContent(
		ctx,
		e.model,
		genai.Text(buildPrompt(candidate)),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return domain.Enrichment{}, classifyErr(err)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, 0, false, fmt.Errorf("failed to parse structured json: %w", err))
	}
	if !parsed.Found || strings.TrimSpace(parsed.Email) == "" {
		return domain.Enrichment{}, domain.NewUpstreamError(serviceName, 0, false, domain.ErrNoContactFound)
	}

	return domain.Enrichment{
		OwnerName:  strings.TrimSpace(parsed.OwnerName),
		Email:      strings.TrimSpace(parsed.Email),
		Phone:      strings.TrimSpace(parsed.Phone),
		Website:    strings.TrimSpace(parsed.Website),
		Confidence: strings.TrimSpace(parsed.Confidence),
	}, nil
}

func (e *Enricher) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[apiKey]; ok {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if e.baseURL != "" {
		cc.HTTPOptions.BaseURL = e.baseURL
	}

	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	e.clients[apiKey] = c
	return c, nil
}

func buildPrompt(c *domain.Candidate) string {
	var b strings.Builder
	b.WriteString(`You are a lead research tool. Given a local business, find the owner and a direct contact email from public sources.

Return ONLY a single JSON object with these keys:
- found (boolean; false when no contact email can be found)
- owner_name (string)
- email (string)
- phone (string)
- website (string)
- confidence (string; one of: low, medium, high)

Rules:
- If you cannot find a field, set it to an empty string.
- Do not invent email addresses.

`)
	fmt.Fprintf(&b, "Business: %s\n", c.Name)
	fmt.Fprintf(&b, "Location: %s\n", c.Location)
	if c.Service != "" {
		fmt.Fprintf(&b, "Category: %s\n", c.Service)
	}
	if c.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", c.Website)
	}
	if c.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", c.Phone)
	}
	return b.String()
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.Code == 429 || apiErr.Code/100 == 5
		return domain.NewUpstreamError(serviceName, apiErr.Code, transient, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.NewUpstreamError(serviceName, 0, true, err)
	}
	return domain.NewUpstreamError(serviceName, 0, false, err)
}
