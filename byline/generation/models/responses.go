package models

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// Wire types for the OpenAI Responses API (unexported).

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           []responsesItem `json:"input"`
	Tools           []responsesTool `json:"tools,omitempty"`
	Temperature     *float32        `json:"temperature,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

// responsesItem is either a role message or a function_call / function_call_output item.
type responsesItem struct {
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responsesResponse struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Output []responsesOutputItem `json:"output"`
	Usage  *responsesUsage       `json:"usage,omitempty"`
}

type responsesOutputItem struct {
	Type      string             `json:"type"`
	Role      string             `json:"role,omitempty"`
	Content   []responsesContent `json:"content,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Arguments json.RawMessage    `json:"arguments,omitempty"`
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ResponsesClient talks to the OpenAI Responses API (POST {base}/responses).
type ResponsesClient struct {
	http        httpClient
	model       string
	temperature *float32
	maxTokens   int
	logger      zerolog.Logger
}

// NewResponsesClient builds a client for model at baseURL (for example https://api.openai.com/v1).
func NewResponsesClient(baseURL, apiKey, model string, opts ...ClientOption) *ResponsesClient {
	o := applyOptions(opts)
	logger := o.logger.With().Str("provider", ProviderResponses).Str("model", model).Logger()
	return &ResponsesClient{
		http:        newHTTPClient(ProviderResponses, strings.TrimRight(baseURL, "/")+"/responses", apiKey, o.timeout, logger),
		model:       model,
		temperature: o.temperature,
		maxTokens:   o.maxTokens,
		logger:      logger,
	}
}

func (c *ResponsesClient) Name() string { return ProviderResponses }

// Advance sends the whole history and returns the output items as segments in order.
func (c *ResponsesClient) Advance(ctx context.Context, conv *ports.Conversation, tools []ports.ToolSpec) ([]ports.Segment, error) {
	req := responsesRequest{
		Model:           c.model,
		Input:           responsesInput(conv.Turns()),
		Temperature:     c.temperature,
		MaxOutputTokens: c.maxTokens,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.JSONSchema,
		})
	}

	start := time.Now()
	var resp responsesResponse
	if err := c.http.post(ctx, req, &resp); err != nil {
		return nil, err
	}

	var segments []ports.Segment
	ids := newCallIDs(conv)
	for i, item := range resp.Output {
		switch item.Type {
		case "message":
			var sb strings.Builder
			for _, part := range item.Content {
				if part.Type == "output_text" || part.Type == "text" {
					sb.WriteString(part.Text)
				}
			}
			if sb.Len() > 0 {
				segments = append(segments, ports.TextSegment(sb.String()))
			}
		case "function_call":
			segments = append(segments, ports.ToolCallSegment(ids.assign(item.CallID, i), item.Name, rawArguments(item.Arguments)))
		default:
			// reasoning and other item types carry nothing the conversation needs
		}
	}
	if len(segments) == 0 && resp.Status == "failed" {
		return nil, c.http.fail(0, fmt.Errorf("response %s failed without output", resp.ID))
	}

	ev := c.logger.Debug().Dur("elapsed", time.Since(start)).Int("segments", len(segments))
	if resp.Usage != nil {
		ev = ev.Int("input_tokens", resp.Usage.InputTokens).Int("output_tokens", resp.Usage.OutputTokens)
	}
	ev.Msg("responses round trip")
	return segments, nil
}

// responsesInput maps the conversation onto Responses API input items.
func responsesInput(turns []ports.Turn) []responsesItem {
	var items []responsesItem
	for _, t := range turns {
		switch t.Kind {
		case ports.TurnUser:
			items = append(items, responsesItem{Role: "user", Content: t.Text})
		case ports.TurnModel:
			for _, s := range t.Segments {
				switch s.Kind {
				case ports.SegmentText:
					if s.Text != "" {
						items = append(items, responsesItem{Role: "assistant", Content: s.Text})
					}
				case ports.SegmentToolCall:
					if s.Call == nil {
						continue
					}
					items = append(items, responsesItem{
						Type:      "function_call",
						CallID:    s.Call.ID,
						Name:      s.Call.Name,
						Arguments: argumentString(s.Call.Args),
					})
				}
			}
		case ports.TurnToolResult:
			if t.Result == nil {
				continue
			}
			items = append(items, responsesItem{
				Type:   "function_call_output",
				CallID: t.Result.CallID,
				Output: string(t.Result.Payload),
			})
		}
	}
	return items
}

var _ ports.ModelClient = (*ResponsesClient)(nil)
