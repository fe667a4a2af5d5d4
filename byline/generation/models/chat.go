package models

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// OpenAI-compatible chat completions wire types (unexported).

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatClient talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, Ollama, vLLM, OpenRouter and similar).
type ChatClient struct {
	http        httpClient
	model       string
	temperature *float32
	maxTokens   int
	logger      zerolog.Logger
}

func NewChatClient(baseURL, apiKey, model string, opts ...ClientOption) *ChatClient {
	o := applyOptions(opts)
	logger := o.logger.With().Str("provider", ProviderChat).Str("model", model).Logger()
	return &ChatClient{
		http:        newHTTPClient(ProviderChat, strings.TrimRight(baseURL, "/")+"/chat/completions", apiKey, o.timeout, logger),
		model:       model,
		temperature: o.temperature,
		maxTokens:   o.maxTokens,
		logger:      logger,
	}
}

func (c *ChatClient) Name() string { return ProviderChat }

// Advance sends the history as chat messages. The first choice's content becomes a text
// segment followed by its tool calls in the order the server listed them.
func (c *ChatClient) Advance(ctx context.Context, conv *ports.Conversation, tools []ports.ToolSpec) ([]ports.Segment, error) {
	req := chatRequest{
		Model:       c.model,
		Messages:    chatMessages(conv.Turns()),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: chatToolFunction{Name: t.Name, Description: t.Description, Parameters: t.JSONSchema},
		})
	}

	start := time.Now()
	var resp chatResponse
	if err := c.http.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, c.http.fail(0, errNoChoices)
	}

	msg := resp.Choices[0].Message
	var segments []ports.Segment
	ids := newCallIDs(conv)
	if msg.Content != nil && *msg.Content != "" {
		segments = append(segments, ports.TextSegment(*msg.Content))
	}
	for i, tc := range msg.ToolCalls {
		segments = append(segments, ports.ToolCallSegment(ids.assign(tc.ID, i), tc.Function.Name, rawArguments(tc.Function.Arguments)))
	}

	ev := c.logger.Debug().Dur("elapsed", time.Since(start)).Int("segments", len(segments)).
		Str("finish_reason", resp.Choices[0].FinishReason)
	if resp.Usage != nil {
		ev = ev.Int("tokens", resp.Usage.TotalTokens)
	}
	ev.Msg("chat round trip")
	return segments, nil
}

// chatMessages folds each model turn into one assistant message carrying its tool calls.
func chatMessages(turns []ports.Turn) []chatMessage {
	var msgs []chatMessage
	for _, t := range turns {
		switch t.Kind {
		case ports.TurnUser:
			text := t.Text
			msgs = append(msgs, chatMessage{Role: "user", Content: &text})
		case ports.TurnModel:
			m := chatMessage{Role: "assistant"}
			if text := t.TextOf(); text != "" {
				m.Content = &text
			}
			for _, call := range t.ToolCalls() {
				args, _ := json.Marshal(argumentString(call.Args))
				m.ToolCalls = append(m.ToolCalls, chatToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: chatFunction{Name: call.Name, Arguments: args},
				})
			}
			msgs = append(msgs, m)
		case ports.TurnToolResult:
			if t.Result == nil {
				continue
			}
			out := string(t.Result.Payload)
			msgs = append(msgs, chatMessage{Role: "tool", Content: &out, ToolCallID: t.Result.CallID})
		}
	}
	return msgs
}

var _ ports.ModelClient = (*ChatClient)(nil)
