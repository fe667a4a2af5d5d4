package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Guardrails checks tool calls against the allowlist and each tool's JSON schema,
// and masks credentials that leak into model output.
type Guardrails struct {
	mu            sync.RWMutex
	allowlist     map[string]bool // empty means every registered tool is allowed
	schemas       map[string]*gojsonschema.Schema
	outputFilters []*regexp.Regexp
}

// NewGuardrails creates guardrails with default output filters.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[string]bool),
		schemas:   make(map[string]*gojsonschema.Schema),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`),
		},
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowlist[name] = true
}

// Register compiles the tool's schema so later calls can be validated against it.
func (g *Guardrails) Register(tool ports.Tool) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", tool.Name(), err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemas[tool.Name()] = schema
	return nil
}

// Allowed reports whether the named tool may be invoked.
func (g *Guardrails) Allowed(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.allowlist) == 0 || g.allowlist[name]
}

// ValidateToolCall returns nil, an error wrapping ErrUnknownTool for a disallowed tool,
// or a *ports.MalformedToolArgsError naming the offending field.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall) error {
	if call.Name == "" {
		return fmt.Errorf("%w: empty tool name", ports.ErrUnknownTool)
	}
	if !g.Allowed(call.Name) {
		return fmt.Errorf("%w: %s is not in allowlist", ports.ErrUnknownTool, call.Name)
	}

	args := normalizeArgs(call.Args)
	if !json.Valid(args) {
		return &ports.MalformedToolArgsError{
			CallID: call.ID,
			Tool:   call.Name,
			Field:  "arguments",
			Reason: "arguments are not valid JSON",
		}
	}

	g.mu.RLock()
	schema := g.schemas[call.Name]
	g.mu.RUnlock()
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ports.MalformedToolArgsError{CallID: call.ID, Tool: call.Name, Field: "arguments", Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	var reasons []string
	for _, re := range result.Errors() {
		reasons = append(reasons, re.String())
	}
	return &ports.MalformedToolArgsError{
		CallID: call.ID,
		Tool:   call.Name,
		Field:  fieldOf(first),
		Reason: strings.Join(reasons, "; "),
	}
}

// SanitizeOutput masks credential-like fragments in text.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// normalizeArgs treats an empty argument string as an empty object.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

// fieldOf maps a schema error to the JSON field it concerns. Root-level "required"
// errors carry the missing property in their details.
func fieldOf(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" || field == "" {
		if prop, ok := re.Details()["property"].(string); ok && prop != "" {
			return prop
		}
		return "arguments"
	}
	return field
}
