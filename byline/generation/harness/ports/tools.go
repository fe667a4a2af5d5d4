package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string          // unique logical name
	Description string          // concise doc for model selection
	JSONSchema  json.RawMessage // JSON schema for args
}

// Tool executes a validated tool call. Every tool in this system is backed by a
// SearchProvider, so results are always search records.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) ([]SearchResult, error)
}

// SpecOf builds the declaration sent to the model.
func SpecOf(t Tool) ToolSpec {
	return ToolSpec{Name: t.Name(), Description: t.Description(), JSONSchema: t.Schema()}
}
