package harnessports

import "context"

// RateLimiter throttles model round trips shared by concurrent conversations.
// Acquire blocks until a permit is available or ctx is done.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
