package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// maxErrorBody bounds how much of a failed response ends up in an error message.
const maxErrorBody = 512

// httpClient is the JSON transport shared by the OpenAI-compatible clients.
type httpClient struct {
	provider string
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

func newHTTPClient(provider, endpoint, apiKey string, timeout time.Duration, logger zerolog.Logger) httpClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return httpClient{
		provider: provider,
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// post sends body as JSON and decodes a 200 response into out. Every failure is a *ModelError.
func (h httpClient) post(ctx context.Context, body, out any) error {
	if err := ctx.Err(); err != nil {
		return h.fail(0, fmt.Errorf("request skipped: %w", err))
	}

	data, err := json.Marshal(body)
	if err != nil {
		return h.fail(0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(data))
	if err != nil {
		return h.fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("model request failed")
		return h.fail(0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := extractAPIError(respBody)
		h.logger.Error().Int("status", resp.StatusCode).Str("error", msg).Msg("model API error")
		return h.fail(resp.StatusCode, fmt.Errorf("%s", msg))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return h.fail(resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	h.logger.Debug().Dur("elapsed", time.Since(start)).Int("bytes", len(respBody)).Msg("model request completed")
	return nil
}

func (h httpClient) fail(status int, err error) error {
	return &ports.ModelError{Provider: h.provider, StatusCode: status, Err: err}
}

// extractAPIError pulls the message out of an OpenAI-style error body.
func extractAPIError(body []byte) string {
	var e struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && len(e.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(e.Error, &s) == nil && s != "" {
			return s
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return msg
}

// rawArguments accepts tool-call arguments encoded either as a JSON string or as an
// inline object, which some OpenAI-compatible servers emit.
func rawArguments(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			if strings.TrimSpace(s) == "" {
				return json.RawMessage("{}")
			}
			return json.RawMessage(s)
		}
	}
	return json.RawMessage(trimmed)
}

// callIDs keeps tool-call ids unique within a conversation. Some servers number calls
// per response and hand out call_0 every round; ids already taken are re-keyed.
type callIDs struct {
	turn  int
	taken map[string]bool
}

func newCallIDs(conv *ports.Conversation) *callIDs {
	ids := &callIDs{turn: conv.Len(), taken: make(map[string]bool)}
	for _, t := range conv.Turns() {
		for _, call := range t.ToolCalls() {
			ids.taken[call.ID] = true
		}
	}
	return ids
}

// assign returns id, or a deterministic replacement when id is empty or already used.
func (c *callIDs) assign(id string, idx int) string {
	base := id
	if base == "" {
		base = fmt.Sprintf("call_%d_%d", c.turn, idx)
	}
	out := base
	for n := 1; c.taken[out]; n++ {
		out = fmt.Sprintf("%s_t%d_%d", base, c.turn, n)
	}
	c.taken[out] = true
	return out
}

// argumentString renders stored arguments the way the wire format expects them.
func argumentString(args json.RawMessage) string {
	if len(bytes.TrimSpace(args)) == 0 {
		return "{}"
	}
	return string(args)
}
