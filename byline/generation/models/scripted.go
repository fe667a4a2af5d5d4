package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// ErrScriptExhausted is returned once a Scripted client runs out of steps.
var ErrScriptExhausted = errors.New("script exhausted")

// Step is one canned model response: segments, or an error.
type Step struct {
	Segments []ports.Segment
	Err      error
}

// Text answers with a single text segment.
func Text(text string) Step {
	return Step{Segments: []ports.Segment{ports.TextSegment(text)}}
}

// Call builds a tool-call segment with JSON-encoded arguments.
func Call(id, name string, args any) ports.Segment {
	var raw json.RawMessage
	switch a := args.(type) {
	case string:
		raw = json.RawMessage(a)
	case json.RawMessage:
		raw = a
	default:
		b, err := json.Marshal(a)
		if err != nil {
			panic(fmt.Sprintf("scripted call %s: %v", id, err))
		}
		raw = b
	}
	return ports.ToolCallSegment(id, name, raw)
}

// Calls answers with the given segments in order.
func Calls(segments ...ports.Segment) Step {
	return Step{Segments: segments}
}

// Fail answers with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Scripted is a deterministic ModelClient for tests and dry runs. It replays steps in
// order, or asks next for each round when built with NewScriptedFunc.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	next  func(round int, conv *ports.Conversation) Step
	calls int
	seen  [][]ports.Turn
	tools [][]ports.ToolSpec
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// NewScriptedFunc answers every round with next(round, conv); round counts from 0.
func NewScriptedFunc(next func(round int, conv *ports.Conversation) Step) *Scripted {
	return &Scripted{next: next}
}

func (s *Scripted) Name() string { return ProviderScripted }

func (s *Scripted) Advance(ctx context.Context, conv *ports.Conversation, tools []ports.ToolSpec) ([]ports.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ports.ModelError{Provider: ProviderScripted, Err: err}
	}

	s.mu.Lock()
	round := s.calls
	s.calls++
	s.seen = append(s.seen, conv.Turns())
	s.tools = append(s.tools, append([]ports.ToolSpec(nil), tools...))
	var step Step
	switch {
	case s.next != nil:
		s.mu.Unlock()
		step = s.next(round, conv)
	case round < len(s.steps):
		step = s.steps[round]
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil, &ports.ModelError{Provider: ProviderScripted, Err: ErrScriptExhausted}
	}

	if step.Err != nil {
		var me *ports.ModelError
		if errors.As(step.Err, &me) {
			return nil, step.Err
		}
		return nil, &ports.ModelError{Provider: ProviderScripted, Err: step.Err}
	}
	return append([]ports.Segment(nil), step.Segments...), nil
}

// CallCount reports how many round trips were made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Seen returns the history snapshot passed on each round trip.
func (s *Scripted) Seen() [][]ports.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]ports.Turn(nil), s.seen...)
}

// ToolsSeen returns the tool declarations passed on each round trip.
func (s *Scripted) ToolsSeen() [][]ports.ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]ports.ToolSpec(nil), s.tools...)
}

var _ ports.ModelClient = (*Scripted)(nil)
