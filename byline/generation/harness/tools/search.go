package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

const (
	WebSearchName   = "search_web"
	PaperSearchName = "search_arxiv_papers"

	maxResultsCap = 10
	maxDaysBack   = 30
)

// SearchSchema defines the JSON schema shared by every search tool.
const SearchSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "minLength": 1,
      "description": "Search query, e.g. a topic or subtopic of the user's interest"
    },
    "max_results": {
      "type": "integer",
      "description": "Maximum number of results to return",
      "minimum": 1,
      "maximum": 10
    },
    "days_back": {
      "type": "integer",
      "description": "Only return items published within this many days",
      "minimum": 1,
      "maximum": 30
    }
  },
  "required": ["query"],
  "additionalProperties": false
}`

// SearchParams are the decoded tool arguments.
type SearchParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
	DaysBack   int    `json:"days_back,omitempty"`
}

// SearchTool exposes a SearchProvider to the model as a callable tool.
type SearchTool struct {
	name        string
	description string
	provider    ports.SearchProvider
	maxResults  int
	recency     time.Duration
}

// NewWebSearchTool wraps a general web/news provider.
func NewWebSearchTool(provider ports.SearchProvider, maxResults int, recency time.Duration) *SearchTool {
	return newSearchTool(WebSearchName,
		"Search the web for recent news and articles on a topic. Returns a JSON array of results with title, summary, url and published_at.",
		provider, maxResults, recency)
}

// NewPaperSearchTool wraps an academic paper provider.
func NewPaperSearchTool(provider ports.SearchProvider, maxResults int, recency time.Duration) *SearchTool {
	return newSearchTool(PaperSearchName,
		"Search recently submitted research papers on a topic. Returns a JSON array of papers with title, summary (abstract), url and published_at.",
		provider, maxResults, recency)
}

func newSearchTool(name, description string, provider ports.SearchProvider, maxResults int, recency time.Duration) *SearchTool {
	if maxResults <= 0 || maxResults > maxResultsCap {
		maxResults = 3
	}
	if recency <= 0 {
		recency = 24 * time.Hour
	}
	return &SearchTool{
		name:        name,
		description: description,
		provider:    provider,
		maxResults:  maxResults,
		recency:     recency,
	}
}

// Name returns the tool name.
func (t *SearchTool) Name() string { return t.name }

// Description returns the model-facing description.
func (t *SearchTool) Description() string { return t.description }

// Schema returns the JSON schema for tool parameters.
func (t *SearchTool) Schema() []byte { return []byte(SearchSchema) }

// Invoke decodes the arguments, applies defaults and runs the search.
func (t *SearchTool) Invoke(ctx context.Context, args json.RawMessage) ([]ports.SearchResult, error) {
	params, err := ParseSearchParams(args)
	if err != nil {
		return nil, err
	}
	req := t.Request(params)
	results, err := t.provider.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []ports.SearchResult{}
	}
	return results, nil
}

// Request turns decoded params into a provider request, filling and clamping defaults.
func (t *SearchTool) Request(p SearchParams) ports.SearchRequest {
	req := ports.SearchRequest{
		Query:      strings.TrimSpace(p.Query),
		MaxResults: t.maxResults,
		Recency:    t.recency,
	}
	if p.MaxResults > 0 {
		req.MaxResults = min(p.MaxResults, maxResultsCap)
	}
	if p.DaysBack > 0 {
		req.Recency = time.Duration(min(p.DaysBack, maxDaysBack)) * 24 * time.Hour
	}
	return req
}

// ParseSearchParams decodes tool arguments. Schema validation happens before this in the
// guardrails; the checks here cover tools invoked without them.
func ParseSearchParams(args json.RawMessage) (SearchParams, error) {
	var params SearchParams
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return SearchParams{}, &ports.MalformedToolArgsError{Field: "arguments", Reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if strings.TrimSpace(params.Query) == "" {
		return SearchParams{}, &ports.MalformedToolArgsError{Field: "query", Reason: "query is required"}
	}
	if params.MaxResults < 0 {
		return SearchParams{}, &ports.MalformedToolArgsError{Field: "max_results", Reason: "must be positive"}
	}
	if params.DaysBack < 0 {
		return SearchParams{}, &ports.MalformedToolArgsError{Field: "days_back", Reason: "must be positive"}
	}
	return params, nil
}

// Ensure SearchTool implements the Tool interface.
var _ ports.Tool = (*SearchTool)(nil)
