package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// CachedTool memoizes a tool's results so users sharing an interest do not repeat
// the same search within one digest run.
type CachedTool struct {
	ports.Tool
	cache   ports.Cache
	ttl     int
	onCache func(tool string, hit bool)
}

// NewCachedTool wraps tool with cache. onLookup may be nil.
func NewCachedTool(tool ports.Tool, cache ports.Cache, ttlSeconds int, onLookup func(tool string, hit bool)) *CachedTool {
	if onLookup == nil {
		onLookup = func(string, bool) {}
	}
	return &CachedTool{Tool: tool, cache: cache, ttl: ttlSeconds, onCache: onLookup}
}

// Invoke serves from cache when possible. Errors are never cached.
func (t *CachedTool) Invoke(ctx context.Context, args json.RawMessage) ([]ports.SearchResult, error) {
	key := CacheKey(t.Name(), args)
	if raw, ok := t.cache.Get(ctx, key); ok {
		var results []ports.SearchResult
		if err := json.Unmarshal(raw, &results); err == nil {
			t.onCache(t.Name(), true)
			return results, nil
		}
		_ = t.cache.Delete(ctx, key)
	}
	t.onCache(t.Name(), false)

	results, err := t.Tool.Invoke(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(results); err == nil {
		_ = t.cache.Set(ctx, key, raw, t.ttl)
	}
	return results, nil
}

// CacheKey is the tool name plus a digest of the compacted arguments.
func CacheKey(name string, args json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		buf.Reset()
		buf.Write(args)
	}
	sum := sha256.Sum256(buf.Bytes())
	return name + ":" + hex.EncodeToString(sum[:12])
}

var _ ports.Tool = (*CachedTool)(nil)
