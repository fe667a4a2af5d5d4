package harnessports

import "context"

// ModelClient is the abstraction for one round trip to a language model. Given the
// full history and the declared tools it returns the response segments in order.
// Failures must be *ModelError; implementations must be safe for concurrent use.
type ModelClient interface {
	Name() string
	Advance(ctx context.Context, conv *Conversation, tools []ToolSpec) ([]Segment, error)
}
