package harnessports

import "context"

// Cache memoizes serialized search results keyed by tool + normalized arguments.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}
