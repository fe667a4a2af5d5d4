package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/logging"
)

// exaTextChars caps the page text Exa returns per result.
const exaTextChars = 1000

var errMissingAPIKey = errors.New("missing api key")

// Exa searches the web through the Exa search API.
type Exa struct {
	endpoint   string
	apiKey     string
	searchType string
	client     *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

func NewExa(cfg config.ExaConfig, timeout time.Duration, opts ...Option) *Exa {
	o := applyOptions(timeout, opts)
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.exa.ai"
	}
	e := &Exa{
		endpoint:   base + "/search",
		apiKey:     strings.TrimSpace(cfg.APIKey),
		searchType: cfg.SearchType,
		client:     o.client,
		now:        o.now,
		logger:     o.logger.With().Str("provider", BackendExa).Logger(),
	}
	e.logger.Debug().Str("api_key", logging.Redact(e.apiKey)).Str("endpoint", e.endpoint).Msg("exa search initialized")
	return e
}

func (e *Exa) Name() string { return BackendExa }

type exaRequest struct {
	Query              string      `json:"query"`
	NumResults         int         `json:"numResults"`
	Type               string      `json:"type,omitempty"`
	StartPublishedDate string      `json:"startPublishedDate"`
	EndPublishedDate   string      `json:"endPublishedDate"`
	Contents           exaContents `json:"contents"`
}

type exaContents struct {
	Text exaText `json:"text"`
}

type exaText struct {
	MaxCharacters int `json:"maxCharacters"`
}

type exaResponse struct {
	Results []exaResult `json:"results"`
}

type exaResult struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	PublishedDate string `json:"publishedDate"`
	Author        string `json:"author"`
	Text          string `json:"text"`
	Summary       string `json:"summary"`
}

// Search posts one query restricted to the publication window [now-Recency, now].
func (e *Exa) Search(ctx context.Context, req ports.SearchRequest) ([]ports.SearchResult, error) {
	if e.apiKey == "" {
		return nil, e.fail(0, errMissingAPIKey)
	}
	start, end := window(e.now(), req.Recency)
	body, err := json.Marshal(exaRequest{
		Query:              req.Query,
		NumResults:         maxResults(req.MaxResults),
		Type:               e.searchType,
		StartPublishedDate: start.UTC().Format(time.RFC3339),
		EndPublishedDate:   end.UTC().Format(time.RFC3339),
		Contents:           exaContents{Text: exaText{MaxCharacters: exaTextChars}},
	})
	if err != nil {
		return nil, e.fail(0, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, e.fail(0, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.apiKey)

	started := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.fail(0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := truncate(strings.TrimSpace(string(respBody)), maxErrorBody)
		e.logger.Error().Int("status", resp.StatusCode).Str("error", msg).Msg("exa search failed")
		return nil, e.fail(resp.StatusCode, errors.New(msg))
	}

	var decoded exaResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, e.fail(resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}

	results := make([]ports.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		summary := r.Summary
		if strings.TrimSpace(summary) == "" {
			summary = r.Text
		}
		id := r.ID
		if id == "" {
			id = r.URL
		}
		results = append(results, ports.SearchResult{
			ID:          id,
			Title:       squash(r.Title),
			Summary:     squash(summary),
			URL:         r.URL,
			PublishedAt: parsePublished(r.PublishedDate),
			Source:      BackendExa,
		})
	}
	e.logger.Debug().
		Str("query", req.Query).
		Int("results", len(results)).
		Dur("elapsed", time.Since(started)).
		Msg("exa search completed")
	return results, nil
}

func (e *Exa) fail(status int, err error) error {
	return &ports.ProviderError{Provider: BackendExa, Op: "search", StatusCode: status, Err: err}
}

// parsePublished accepts the timestamp shapes Exa returns; unknown formats yield the zero time.
func parsePublished(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var _ ports.SearchProvider = (*Exa)(nil)
