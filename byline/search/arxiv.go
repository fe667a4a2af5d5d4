package search

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// arxivDateLayout is the minute-resolution timestamp the submittedDate filter expects.
const arxivDateLayout = "200601021504"

// Arxiv searches recent submissions through the arXiv export API.
type Arxiv struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
	logger   zerolog.Logger
}

func NewArxiv(cfg config.ArxivConfig, timeout time.Duration, opts ...Option) *Arxiv {
	o := applyOptions(timeout, opts)
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = "http://export.arxiv.org/api/query"
	}
	return &Arxiv{
		endpoint: endpoint,
		client:   o.client,
		now:      o.now,
		logger:   o.logger.With().Str("provider", BackendArxiv).Logger(),
	}
}

func (a *Arxiv) Name() string { return BackendArxiv }

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Summary   string     `xml:"summary"`
	Published string     `xml:"published"`
	Links     []atomLink `xml:"link"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

// Query renders the search_query parameter for q restricted to [start, end].
func Query(q string, start, end time.Time) string {
	dates := fmt.Sprintf("submittedDate:[%s TO %s]", start.UTC().Format(arxivDateLayout), end.UTC().Format(arxivDateLayout))
	q = strings.TrimSpace(q)
	if q == "" {
		return dates
	}
	return q + " AND " + dates
}

// Search returns the newest submissions matching req inside the recency window.
func (a *Arxiv) Search(ctx context.Context, req ports.SearchRequest) ([]ports.SearchResult, error) {
	start, end := window(a.now(), req.Recency)
	params := url.Values{}
	params.Set("search_query", Query(req.Query, start, end))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults(req.MaxResults)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, a.fail(0, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/atom+xml")

	started := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.fail(0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	var feed atomFeed
	decodeErr := xml.Unmarshal(body, &feed)
	if resp.StatusCode != http.StatusOK {
		msg := truncate(strings.TrimSpace(string(body)), maxErrorBody)
		if decodeErr == nil {
			if apiErr := feedError(feed); apiErr != "" {
				msg = apiErr
			}
		}
		a.logger.Error().Int("status", resp.StatusCode).Str("error", msg).Msg("arxiv search failed")
		return nil, a.fail(resp.StatusCode, errors.New(msg))
	}
	if decodeErr != nil {
		return nil, a.fail(resp.StatusCode, fmt.Errorf("parse feed: %w", decodeErr))
	}
	if apiErr := feedError(feed); apiErr != "" {
		return nil, a.fail(resp.StatusCode, errors.New(apiErr))
	}

	results := make([]ports.SearchResult, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		results = append(results, ports.SearchResult{
			ID:          strings.TrimSpace(entry.ID),
			Title:       squash(entry.Title),
			Summary:     squash(entry.Summary),
			URL:         entry.alternate(),
			PublishedAt: parsePublished(strings.TrimSpace(entry.Published)),
			Source:      BackendArxiv,
		})
	}
	a.logger.Debug().
		Str("query", req.Query).
		Int("results", len(results)).
		Dur("elapsed", time.Since(started)).
		Msg("arxiv search completed")
	return results, nil
}

// feedError reports the message of the single error entry arXiv returns for bad queries.
func feedError(feed atomFeed) string {
	if len(feed.Entries) == 1 && strings.Contains(feed.Entries[0].ID, "/api/errors") {
		return squash(feed.Entries[0].Summary)
	}
	return ""
}

func (e atomEntry) alternate() string {
	for _, l := range e.Links {
		if l.Rel == "alternate" && l.Href != "" {
			return l.Href
		}
	}
	return strings.TrimSpace(e.ID)
}

func (a *Arxiv) fail(status int, err error) error {
	return &ports.ProviderError{Provider: BackendArxiv, Op: "search", StatusCode: status, Err: err}
}

var _ ports.SearchProvider = (*Arxiv)(nil)
