package harnessports

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when the model names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ProviderError is a search backend transport or authentication failure.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ModelError is a failed model round trip (transport, auth, rate limit or an unusable response).
type ModelError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s: %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// MalformedToolArgsError reports tool-call arguments that failed to parse or validate.
// Field is the JSON field at fault, or "arguments" when the payload is not valid JSON.
type MalformedToolArgsError struct {
	CallID string
	Tool   string
	Field  string
	Reason string
}

func (e *MalformedToolArgsError) Error() string {
	return fmt.Sprintf("tool %s call %s: malformed field %q: %s", e.Tool, e.CallID, e.Field, e.Reason)
}
