package harnessports

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoUserTurn          = errors.New("conversation must start with exactly one user turn")
	ErrPendingToolCalls    = errors.New("tool calls from the previous model turn are unanswered")
	ErrUnpairedToolResult  = errors.New("tool result does not match any requested call")
	ErrDuplicateToolResult = errors.New("tool call already answered")
	ErrDuplicateCallID     = errors.New("tool call id reused")
	ErrEmptyCallID         = errors.New("tool call id is empty")
)

// SegmentKind tags a Segment.
type SegmentKind int

const (
	SegmentText SegmentKind = iota + 1
	SegmentToolCall
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentText:
		return "text"
	case SegmentToolCall:
		return "function_call"
	default:
		return fmt.Sprintf("segment(%d)", int(k))
	}
}

func (k SegmentKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SegmentKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "text":
		*k = SegmentText
	case "function_call":
		*k = SegmentToolCall
	default:
		return fmt.Errorf("unknown segment kind %q", b)
	}
	return nil
}

// ToolCall is a model-issued request to run a named tool.
type ToolCall struct {
	ID   string          `json:"call_id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments"`
}

// MarshalJSON keeps transcripts encodable when the model sent arguments that are not
// valid JSON; those are recorded as a JSON string instead.
func (c ToolCall) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID   string          `json:"call_id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"arguments"`
	}
	args := c.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	} else if !json.Valid(args) {
		quoted, err := json.Marshal(string(args))
		if err != nil {
			return nil, err
		}
		args = quoted
	}
	return json.Marshal(wire{ID: c.ID, Name: c.Name, Args: args})
}

// Segment is one piece of a model turn: free text or a tool call, never both.
type Segment struct {
	Kind SegmentKind `json:"type"`
	Text string      `json:"text,omitempty"`
	Call *ToolCall   `json:"call,omitempty"`
}

func TextSegment(text string) Segment {
	return Segment{Kind: SegmentText, Text: text}
}

func ToolCallSegment(callID, name string, args json.RawMessage) Segment {
	return Segment{Kind: SegmentToolCall, Call: &ToolCall{ID: callID, Name: name, Args: args}}
}

// ToolResult answers exactly one ToolCall. Payload is a JSON array of SearchResult
// or an error object; Count is the number of results (0 for errors).
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"output"`
	IsError bool            `json:"is_error,omitempty"`
	Count   int             `json:"count"`
}

// TurnKind tags a Turn.
type TurnKind int

const (
	TurnUser TurnKind = iota + 1
	TurnModel
	TurnToolResult
)

func (k TurnKind) String() string {
	switch k {
	case TurnUser:
		return "user"
	case TurnModel:
		return "model"
	case TurnToolResult:
		return "tool_result"
	default:
		return fmt.Sprintf("turn(%d)", int(k))
	}
}

func (k TurnKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *TurnKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "user":
		*k = TurnUser
	case "model":
		*k = TurnModel
	case "tool_result":
		*k = TurnToolResult
	default:
		return fmt.Errorf("unknown turn kind %q", b)
	}
	return nil
}

// Turn is one unit of conversation history.
type Turn struct {
	Kind      TurnKind    `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Segments  []Segment   `json:"segments,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func UserTurn(text string) Turn {
	return Turn{Kind: TurnUser, Text: text, CreatedAt: time.Now().UTC()}
}

func ModelTurn(segments []Segment) Turn {
	return Turn{Kind: TurnModel, Segments: append([]Segment(nil), segments...), CreatedAt: time.Now().UTC()}
}

func ToolResultTurn(callID string, payload json.RawMessage) Turn {
	return Turn{Kind: TurnToolResult, Result: &ToolResult{CallID: callID, Payload: payload}, CreatedAt: time.Now().UTC()}
}

// TextOf concatenates the text segments of a model turn.
func (t Turn) TextOf() string {
	var sb strings.Builder
	for _, s := range t.Segments {
		if s.Kind == SegmentText {
			sb.WriteString(s.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-call segments of a model turn in emission order.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, s := range t.Segments {
		if s.Kind == SegmentToolCall && s.Call != nil {
			calls = append(calls, *s.Call)
		}
	}
	return calls
}

// Conversation is the append-only history for one interest.
type Conversation struct {
	ID       string
	turns    []Turn
	pending  []string // unanswered call ids, emission order
	seen     map[string]bool
	answered map[string]bool
}

// NewConversation starts a conversation with its single user turn.
func NewConversation(id, prompt string) *Conversation {
	return &Conversation{
		ID:       id,
		turns:    []Turn{UserTurn(prompt)},
		seen:     make(map[string]bool),
		answered: make(map[string]bool),
	}
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	return append([]Turn(nil), c.turns...)
}

func (c *Conversation) Len() int { return len(c.turns) }

// Pending returns call ids still awaiting a result, in emission order.
func (c *Conversation) Pending() []string {
	return append([]string(nil), c.pending...)
}

// AppendModelTurn records a model response. It fails if earlier calls are unanswered
// or if a call id is empty or reused.
func (c *Conversation) AppendModelTurn(segments []Segment) error {
	if len(c.pending) > 0 {
		return fmt.Errorf("%w: %s", ErrPendingToolCalls, strings.Join(c.pending, ", "))
	}
	turn := ModelTurn(segments)
	var ids []string
	local := make(map[string]bool)
	for _, call := range turn.ToolCalls() {
		if call.ID == "" {
			return fmt.Errorf("%w: tool %s", ErrEmptyCallID, call.Name)
		}
		if c.seen[call.ID] || local[call.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateCallID, call.ID)
		}
		local[call.ID] = true
		ids = append(ids, call.ID)
	}
	for _, id := range ids {
		c.seen[id] = true
	}
	c.pending = ids
	c.turns = append(c.turns, turn)
	return nil
}

// AppendToolResult records the answer to one pending call.
func (c *Conversation) AppendToolResult(result ToolResult) error {
	if c.answered[result.CallID] {
		return fmt.Errorf("%w: %s", ErrDuplicateToolResult, result.CallID)
	}
	idx := -1
	for i, id := range c.pending {
		if id == result.CallID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnpairedToolResult, result.CallID)
	}
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	c.answered[result.CallID] = true
	r := result
	c.turns = append(c.turns, Turn{Kind: TurnToolResult, Result: &r, CreatedAt: time.Now().UTC()})
	return nil
}

// Validate re-checks the pairing invariants over an arbitrary turn sequence.
func Validate(turns []Turn) error {
	if len(turns) == 0 || turns[0].Kind != TurnUser {
		return ErrNoUserTurn
	}
	pending := make(map[string]bool)
	answered := make(map[string]bool)
	for i, t := range turns[1:] {
		switch t.Kind {
		case TurnUser:
			return fmt.Errorf("turn %d: %w", i+1, ErrNoUserTurn)
		case TurnModel:
			if len(pending) > 0 {
				return fmt.Errorf("turn %d: %w", i+1, ErrPendingToolCalls)
			}
			for _, call := range t.ToolCalls() {
				if pending[call.ID] || answered[call.ID] {
					return fmt.Errorf("turn %d: %w: %s", i+1, ErrDuplicateCallID, call.ID)
				}
				pending[call.ID] = true
			}
		case TurnToolResult:
			if t.Result == nil {
				return fmt.Errorf("turn %d: %w", i+1, ErrUnpairedToolResult)
			}
			id := t.Result.CallID
			if answered[id] {
				return fmt.Errorf("turn %d: %w: %s", i+1, ErrDuplicateToolResult, id)
			}
			if !pending[id] {
				return fmt.Errorf("turn %d: %w: %s", i+1, ErrUnpairedToolResult, id)
			}
			delete(pending, id)
			answered[id] = true
		default:
			return fmt.Errorf("turn %d: unknown kind %v", i+1, t.Kind)
		}
	}
	return nil
}

// Validate checks the conversation's own history.
func (c *Conversation) Validate() error { return Validate(c.turns) }
