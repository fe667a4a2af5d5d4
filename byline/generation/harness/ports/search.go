package harnessports

import (
	"context"
	"time"
)

// SearchRequest is the provider-agnostic query shape.
type SearchRequest struct {
	Query      string
	MaxResults int
	Recency    time.Duration // window is [now-Recency, now]
}

// SearchResult is one record returned by a SearchProvider. The harness only serializes it.
type SearchResult struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
}

// SearchProvider is any backend that returns recency-filtered records for a query.
// An empty slice (not an error) means the search ran and found nothing; errors are
// reserved for transport/auth failures and should be *ProviderError.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}
