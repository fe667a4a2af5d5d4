package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

type stubProvider struct {
	mu      sync.Mutex
	results []ports.SearchResult
	err     error
	calls   []ports.SearchRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Search(ctx context.Context, req ports.SearchRequest) ([]ports.SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return p.results, p.err
}

// mapCache is a minimal ports.Cache.
type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string][]byte)
	}
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func TestSearchTool_Metadata(t *testing.T) {
	web := NewWebSearchTool(&stubProvider{}, 3, 24*time.Hour)
	paper := NewPaperSearchTool(&stubProvider{}, 3, 24*time.Hour)

	assert.Equal(t, WebSearchName, web.Name())
	assert.Equal(t, PaperSearchName, paper.Name())
	assert.NotEqual(t, web.Description(), paper.Description())
	assert.True(t, json.Valid(web.Schema()))

	spec := ports.SpecOf(web)
	assert.Equal(t, WebSearchName, spec.Name)
	assert.JSONEq(t, SearchSchema, string(spec.JSONSchema))
}

func TestSearchTool_InvokeAppliesDefaults(t *testing.T) {
	provider := &stubProvider{}
	tool := NewWebSearchTool(provider, 3, 24*time.Hour)

	results, err := tool.Invoke(context.Background(), json.RawMessage(`{"query":"  robots  "}`))
	require.NoError(t, err)
	assert.NotNil(t, results, "no results is an empty slice")
	assert.Empty(t, results)

	require.Len(t, provider.calls, 1)
	assert.Equal(t, ports.SearchRequest{Query: "robots", MaxResults: 3, Recency: 24 * time.Hour}, provider.calls[0])
}

func TestSearchTool_RequestClamps(t *testing.T) {
	tool := NewWebSearchTool(&stubProvider{}, 0, 0)

	req := tool.Request(SearchParams{Query: "q"})
	assert.Equal(t, 3, req.MaxResults)
	assert.Equal(t, 24*time.Hour, req.Recency)

	req = tool.Request(SearchParams{Query: "q", MaxResults: 50, DaysBack: 90})
	assert.Equal(t, 10, req.MaxResults)
	assert.Equal(t, 30*24*time.Hour, req.Recency)

	req = tool.Request(SearchParams{Query: "q", MaxResults: 5, DaysBack: 2})
	assert.Equal(t, 5, req.MaxResults)
	assert.Equal(t, 48*time.Hour, req.Recency)
}

func TestSearchTool_ProviderErrorPassesThrough(t *testing.T) {
	perr := &ports.ProviderError{Provider: "stub", Op: "search", Err: errors.New("boom")}
	tool := NewPaperSearchTool(&stubProvider{err: perr}, 3, time.Hour)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"query":"q"}`))
	var got *ports.ProviderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "stub", got.Provider)
}

func TestParseSearchParams(t *testing.T) {
	p, err := ParseSearchParams(json.RawMessage(`{"query":"x","max_results":2,"days_back":3}`))
	require.NoError(t, err)
	assert.Equal(t, SearchParams{Query: "x", MaxResults: 2, DaysBack: 3}, p)

	cases := map[string]string{
		`{`:                              "arguments",
		``:                               "query",
		`{"query":"  "}`:                 "query",
		`{"query":"x","max_results":-1}`: "max_results",
		`{"query":"x","days_back":-2}`:   "days_back",
	}
	for args, field := range cases {
		_, err := ParseSearchParams(json.RawMessage(args))
		var mal *ports.MalformedToolArgsError
		require.ErrorAs(t, err, &mal, "args %q", args)
		assert.Equal(t, field, mal.Field, "args %q", args)
	}
}

func TestCachedTool_HitsAndMisses(t *testing.T) {
	provider := &stubProvider{results: []ports.SearchResult{{ID: "1", Title: "t"}}}
	var hits, misses int
	cached := NewCachedTool(NewWebSearchTool(provider, 3, time.Hour), &mapCache{}, 60, func(tool string, hit bool) {
		assert.Equal(t, WebSearchName, tool)
		if hit {
			hits++
		} else {
			misses++
		}
	})

	for i := 0; i < 3; i++ {
		res, err := cached.Invoke(context.Background(), json.RawMessage(`{"query":"q"}`))
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "1", res[0].ID)
	}
	// whitespace differences share a cache entry
	_, err := cached.Invoke(context.Background(), json.RawMessage(`{ "query" : "q" }`))
	require.NoError(t, err)

	assert.Len(t, provider.calls, 1)
	assert.Equal(t, 3, hits)
	assert.Equal(t, 1, misses)
	assert.Equal(t, WebSearchName, cached.Name(), "wrapper keeps the tool identity")
}

func TestCachedTool_CorruptEntryRefetches(t *testing.T) {
	provider := &stubProvider{results: []ports.SearchResult{{ID: "1"}}}
	cache := &mapCache{}
	args := json.RawMessage(`{"query":"q"}`)
	require.NoError(t, cache.Set(context.Background(), CacheKey(WebSearchName, args), []byte("not json"), 60))

	cached := NewCachedTool(NewWebSearchTool(provider, 3, time.Hour), cache, 60, nil)
	res, err := cached.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Len(t, provider.calls, 1)
}

func TestCacheKey(t *testing.T) {
	a := CacheKey(WebSearchName, json.RawMessage(`{"query":"q"}`))
	b := CacheKey(WebSearchName, json.RawMessage("{\n  \"query\": \"q\"\n}"))
	c := CacheKey(PaperSearchName, json.RawMessage(`{"query":"q"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, WebSearchName+":")
}
