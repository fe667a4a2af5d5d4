package harness

import (
	"encoding/json"
	"strings"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// Tool-result error types sent back to the model.
const (
	ErrTypeMalformedArguments = "malformed_arguments"
	ErrTypeUnknownTool        = "unknown_tool"
	ErrTypeProvider           = "provider_error"
)

// Budget caps how much search output is fed back to the model per tool result.
type Budget struct {
	MaxContextTokens int // hard cap for one tool result payload
	MaxSummaryTokens int // per-result summary cap; abstracts are long
}

// DefaultBudget fits three to ten results comfortably.
func DefaultBudget() Budget {
	return Budget{MaxContextTokens: 4000, MaxSummaryTokens: 300}
}

// PayloadEncoder serializes search results into tool-result payloads within a budget.
type PayloadEncoder struct {
	budget Budget
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator func(s string) int
}

func NewPayloadEncoder(b Budget, est func(s string) int) *PayloadEncoder {
	if est == nil {
		est = func(s string) int { // rough heuristic: ~4 chars per token
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	def := DefaultBudget()
	if b.MaxContextTokens <= 0 {
		b.MaxContextTokens = def.MaxContextTokens
	}
	if b.MaxSummaryTokens <= 0 {
		b.MaxSummaryTokens = def.MaxSummaryTokens
	}
	return &PayloadEncoder{budget: b, TokenEstimator: est}
}

// Results encodes results as a JSON array in provider order. Summaries are truncated
// and trailing results dropped once the budget is spent, but the first result is
// always kept. It returns the payload and the number of results it carries.
func (e *PayloadEncoder) Results(results []ports.SearchResult) (json.RawMessage, int) {
	packed := make([]ports.SearchResult, 0, len(results))
	remaining := e.budget.MaxContextTokens
	for _, r := range results {
		r.Summary = e.truncate(normalize(r.Summary))
		r.Title = normalize(r.Title)
		cost := e.TokenEstimator(r.Title) + e.TokenEstimator(r.Summary) + e.TokenEstimator(r.URL) + 16
		if len(packed) > 0 && cost > remaining {
			break
		}
		packed = append(packed, r)
		remaining -= cost
	}
	data, err := json.Marshal(packed)
	if err != nil {
		return ErrorPayload(ErrTypeProvider, "", "could not encode search results"), 0
	}
	return data, len(packed)
}

func (e *PayloadEncoder) truncate(s string) string {
	if e.TokenEstimator(s) <= e.budget.MaxSummaryTokens {
		return s
	}
	limit := e.budget.MaxSummaryTokens * 4
	if limit >= len(s) {
		return s
	}
	cut := strings.LastIndexByte(s[:limit], ' ')
	if cut <= 0 {
		cut = limit
	}
	return strings.TrimSpace(s[:cut]) + "..."
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\r\n", "\n")), " ")
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Field   string `json:"field,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorPayload builds the structured error object returned in place of results.
func ErrorPayload(kind, field, message string) json.RawMessage {
	var body errorBody
	body.Error.Type = kind
	body.Error.Field = field
	body.Error.Message = message
	data, _ := json.Marshal(body)
	return data
}

// DecodeError extracts the error type and field from a payload, or ok=false for results.
func DecodeError(payload json.RawMessage) (kind, field string, ok bool) {
	var body errorBody
	if err := json.Unmarshal(payload, &body); err != nil || body.Error.Type == "" {
		return "", "", false
	}
	return body.Error.Type, body.Error.Field, true
}
