package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/tools"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/models"
)

// fakeProvider returns canned results per query, or def for unknown queries.
type fakeProvider struct {
	mu       sync.Mutex
	byQuery  map[string][]ports.SearchResult
	def      []ports.SearchResult
	err      error
	delay    map[string]time.Duration
	requests []ports.SearchRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Search(ctx context.Context, req ports.SearchRequest) ([]ports.SearchResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	d := p.delay[req.Query]
	p.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, &ports.ProviderError{Provider: "fake", Op: "search", Err: ctx.Err()}
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if r, ok := p.byQuery[req.Query]; ok {
		return r, nil
	}
	return p.def, nil
}

func (p *fakeProvider) Requests() []ports.SearchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.SearchRequest(nil), p.requests...)
}

// recordingStore keeps saved runs in memory.
type recordingStore struct {
	mu   sync.Mutex
	runs []ports.RunRecord
	err  error
}

func (s *recordingStore) SaveRun(ctx context.Context, rec ports.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.runs = append(s.runs, rec)
	return nil
}

func (s *recordingStore) ListRuns(ctx context.Context, topic string, limit int) ([]ports.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.RunRecord(nil), s.runs...), nil
}

// recordingMetrics counts observations.
type recordingMetrics struct {
	mu         sync.Mutex
	finished   []string
	modelCalls int
	toolCalls  map[string]int
}

func (m *recordingMetrics) RunFinished(state string, rounds int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, state)
}

func (m *recordingMetrics) ModelCall(provider string, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCalls++
}

func (m *recordingMetrics) ToolCall(tool, outcome string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.toolCalls == nil {
		m.toolCalls = make(map[string]int)
	}
	m.toolCalls[outcome]++
}

func (m *recordingMetrics) CacheLookup(tool string, hit bool) {}

type failingLimiter struct{}

func (failingLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return nil, adapters.ErrRateLimitExceeded
}

func twoResults() []ports.SearchResult {
	published := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	return []ports.SearchResult{
		{ID: "r1", Title: "Agents learn tools", Summary: "A survey.", URL: "https://example.com/1", PublishedAt: published, Source: "fake"},
		{ID: "r2", Title: "Toolformer follow-up", Summary: "New results.", URL: "https://example.com/2", PublishedAt: published, Source: "fake"},
	}
}

func newTestOrchestrator(t *testing.T, model ports.ModelClient, provider ports.SearchProvider, opts ...Option) *Orchestrator {
	t.Helper()
	tool := tools.NewWebSearchTool(provider, 3, 24*time.Hour)
	base := []Option{WithIDGenerator(func() string { return "run-1" })}
	o, err := NewOrchestrator(model, NewPromptBuilder(DefaultPromptOptions()), []ports.Tool{tool}, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func search(id, query string) ports.Segment {
	return models.Call(id, tools.WebSearchName, map[string]any{"query": query})
}

func countKinds(turns []ports.Turn) map[ports.TurnKind]int {
	counts := make(map[ports.TurnKind]int)
	for _, t := range turns {
		counts[t.Kind]++
	}
	return counts
}

// assertPairing checks that every tool call is answered exactly once, right after its turn.
func assertPairing(t *testing.T, turns []ports.Turn) {
	t.Helper()
	require.NoError(t, ports.Validate(turns))
	for i, turn := range turns {
		if turn.Kind != ports.TurnModel {
			continue
		}
		calls := turn.ToolCalls()
		require.LessOrEqual(t, i+1+len(calls), len(turns))
		for j, call := range calls {
			next := turns[i+1+j]
			require.Equal(t, ports.TurnToolResult, next.Kind)
			assert.Equal(t, call.ID, next.Result.CallID, "results follow emission order")
		}
	}
}

func TestRun_SingleToolRound(t *testing.T) {
	interest := ports.MustInterest("llm agents", "tool use")
	answer := "<h3>llm agents</h3>\n<ul>\n  <li>Agents learn tools</li>\n  <li>Toolformer follow-up</li>\n</ul>"
	model := models.NewScripted(
		models.Calls(search("c1", "llm agents tool use")),
		models.Text(answer),
	)
	provider := &fakeProvider{def: twoResults()}
	o := newTestOrchestrator(t, model, provider)

	res, err := o.Run(context.Background(), interest)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, 2, model.CallCount())
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 2, res.ResultCount)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, answer, res.Text)
	assert.Equal(t, 1, strings.Count(res.Text, "<h3>llm agents</h3>"))
	assert.LessOrEqual(t, strings.Count(res.Text, "<li>"), 4)
	assert.Empty(t, res.Violations)
	assertPairing(t, res.Conversation.Turns())

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "llm agents tool use", reqs[0].Query)
	assert.Equal(t, 3, reqs[0].MaxResults)
	assert.Equal(t, 24*time.Hour, reqs[0].Recency)

	// the declared tool set is the same on every round
	for _, specs := range model.ToolsSeen() {
		require.Len(t, specs, 1)
		assert.Equal(t, tools.WebSearchName, specs[0].Name)
	}
	// the second round sees the tool result
	seen := model.Seen()
	require.Len(t, seen, 2)
	assert.Len(t, seen[0], 1)
	assert.Len(t, seen[1], 3)
	var payload []ports.SearchResult
	require.NoError(t, json.Unmarshal(seen[1][2].Result.Payload, &payload))
	assert.Len(t, payload, 2)
}

func TestRun_TextOnlyIsOneRound(t *testing.T) {
	answer := "<h3>robotics</h3>\n<ul>\n  <li>Nothing new beyond the usual.</li>\n</ul>"
	model := models.NewScripted(models.Text(answer))
	o := newTestOrchestrator(t, model, &fakeProvider{})

	res, err := o.Run(context.Background(), ports.MustInterest("robotics"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.ModelCalls)
	assert.Zero(t, res.Rounds)
	assert.Equal(t, answer, res.Text)
	assert.Equal(t, 2, res.Conversation.Len())
}

func TestRun_EmptyResultsUseFallback(t *testing.T) {
	interest := ports.MustInterest("llm agents", "tool use")
	model := models.NewScripted(
		models.Calls(search("c1", "llm agents")),
		models.Text("<h3>llm agents</h3>\n<ul>\n  <li>A made up breakthrough</li>\n</ul>"),
	)
	o := newTestOrchestrator(t, model, &fakeProvider{def: []ports.SearchResult{}})

	res, err := o.Run(context.Background(), interest)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Zero(t, res.ResultCount)
	assert.Equal(t, "<h3>llm agents</h3>\n<ul>\n  <li>No information available.</li>\n</ul>", res.Text)
	assert.NotContains(t, res.Text, "made up")
	assert.Len(t, res.Violations, 1)
}

func TestRun_ThreeToolRoundsThenAnswer(t *testing.T) {
	final := "<h3>llm agents</h3>\n<ul>\n  <li>Round four answer</li>\n</ul>"
	model := models.NewScripted(
		models.Step{Segments: []ports.Segment{ports.TextSegment("thinking"), search("c1", "a")}},
		models.Calls(search("c2", "b")),
		models.Calls(search("c3", "c")),
		models.Text(final),
	)
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithPolicy(&Policy{MaxRounds: 5, EnforceContract: true}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 4, res.ModelCalls)
	assert.Equal(t, final, res.Text)
	assert.NotContains(t, res.Text, "thinking")

	counts := countKinds(res.Conversation.Turns())
	assert.Equal(t, 1, counts[ports.TurnUser])
	assert.Equal(t, 4, counts[ports.TurnModel])
	assert.Equal(t, 3, counts[ports.TurnToolResult])
	assertPairing(t, res.Conversation.Turns())
}

func TestRun_RoundLimit(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		segs := []ports.Segment{search(fmt.Sprintf("c%d", round), "again")}
		if round == 1 {
			segs = append([]ports.Segment{ports.TextSegment("<h3>llm agents</h3><ul><li>partial</li></ul>")}, segs...)
		}
		return models.Calls(segs...)
	})
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithPolicy(&Policy{MaxRounds: 5}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	assert.Equal(t, StateLimitExceeded, res.State)
	assert.True(t, res.LimitExceeded())
	assert.Equal(t, 5, res.Rounds)
	assert.Equal(t, 5, res.ModelCalls)
	assert.Equal(t, "<h3>llm agents</h3><ul><li>partial</li></ul>", res.Text)
	assertPairing(t, res.Conversation.Turns())
}

func TestRun_RoundLimitWithoutTextReturnsMarker(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		return models.Calls(search(fmt.Sprintf("c%d", round), "again"))
	})
	o := newTestOrchestrator(t, model, &fakeProvider{}, WithPolicy(&Policy{MaxRounds: 2}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	assert.Equal(t, StateLimitExceeded, res.State)
	assert.Equal(t, IncompleteMarker, res.Text)
	assert.Equal(t, 2, res.ModelCalls)
}

func TestRun_RoundLimitRepairsNarration(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		return models.Calls(ports.TextSegment("Let me search a bit more."), search(fmt.Sprintf("c%d", round), "again"))
	})
	policy := &Policy{MaxRounds: 3, ToolConcurrency: 1, ToolTimeout: time.Second, EnforceContract: true}
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithPolicy(policy))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	assert.Equal(t, StateLimitExceeded, res.State)
	assert.True(t, strings.HasPrefix(res.Text, "<h3>llm agents</h3>"), res.Text)
	assert.NotContains(t, res.Text, "Let me search")
	assert.NotEmpty(t, res.Violations)
}

func TestRun_RoundLimitAddsMissingHeading(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		return models.Calls(ports.TextSegment("<ul><li>partial</li></ul>"), search(fmt.Sprintf("c%d", round), "again"))
	})
	policy := &Policy{MaxRounds: 2, ToolConcurrency: 1, ToolTimeout: time.Second, EnforceContract: true}
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithPolicy(policy))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	assert.Equal(t, StateLimitExceeded, res.State)
	assert.True(t, strings.HasPrefix(res.Text, "<h3>llm agents</h3>"), res.Text)
	assert.Contains(t, res.Text, "<li>partial</li>")
	assert.Contains(t, res.Violations, "missing heading for interest")
}

func TestRun_RoundLimitWithoutContractMarksNarration(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		return models.Calls(ports.TextSegment("Let me search a bit more."), search(fmt.Sprintf("c%d", round), "again"))
	})
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithPolicy(&Policy{MaxRounds: 2}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	assert.Equal(t, StateLimitExceeded, res.State)
	assert.Equal(t, IncompleteMarker, res.Text)
	assert.NotEmpty(t, res.Violations)
}

func TestRun_TerminatesWithinBound(t *testing.T) {
	for maxRounds := 1; maxRounds <= 6; maxRounds++ {
		model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
			return models.Calls(search(fmt.Sprintf("c%d", round), "q"))
		})
		o := newTestOrchestrator(t, model, &fakeProvider{}, WithPolicy(&Policy{MaxRounds: maxRounds}))

		res, err := o.Run(context.Background(), ports.MustInterest("topic"))
		require.NoError(t, err)
		assert.True(t, res.State.Terminal())
		assert.LessOrEqual(t, model.CallCount(), maxRounds+1, "max_rounds=%d", maxRounds)
	}
}

func TestRun_MalformedArgumentsContinue(t *testing.T) {
	cases := []struct {
		name  string
		args  string
		field string
	}{
		{"invalid json", `{"query":`, "arguments"},
		{"missing query", `{"max_results":2}`, "query"},
		{"wrong type", `{"query":42}`, "query"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{def: twoResults()}
			model := models.NewScripted(
				models.Calls(models.Call("bad", tools.WebSearchName, tc.args)),
				models.Calls(search("good", "llm agents")),
				models.Text("<h3>llm agents</h3>\n<ul>\n  <li>ok</li>\n</ul>"),
			)
			o := newTestOrchestrator(t, model, provider)

			res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
			require.NoError(t, err)
			assert.Equal(t, StateDone, res.State)
			assert.Equal(t, 3, res.ModelCalls)

			turns := res.Conversation.Turns()
			require.Equal(t, ports.TurnToolResult, turns[2].Kind)
			assert.Equal(t, "bad", turns[2].Result.CallID)
			assert.True(t, turns[2].Result.IsError)
			kind, field, ok := DecodeError(turns[2].Result.Payload)
			require.True(t, ok)
			assert.Equal(t, ErrTypeMalformedArguments, kind)
			assert.Equal(t, tc.field, field)

			// only the valid call reached the provider
			assert.Len(t, provider.Requests(), 1)
			assertPairing(t, turns)
		})
	}
}

func TestRun_UnknownToolBecomesErrorPayload(t *testing.T) {
	model := models.NewScripted(
		models.Calls(models.Call("c1", "search_news", map[string]any{"query": "x"})),
		models.Text("<h3>x</h3>\n<ul>\n  <li>No information available.</li>\n</ul>"),
	)
	o := newTestOrchestrator(t, model, &fakeProvider{})

	res, err := o.Run(context.Background(), ports.MustInterest("x"))
	require.NoError(t, err)

	kind, field, ok := DecodeError(res.Conversation.Turns()[2].Result.Payload)
	require.True(t, ok)
	assert.Equal(t, ErrTypeUnknownTool, kind)
	assert.Equal(t, "name", field)
}

func TestRun_ProviderErrorBecomesErrorPayload(t *testing.T) {
	provider := &fakeProvider{err: &ports.ProviderError{Provider: "fake", Op: "search", StatusCode: 401, Err: errors.New("bad key")}}
	model := models.NewScripted(
		models.Calls(search("c1", "llm agents")),
		models.Text("<h3>llm agents</h3>\n<ul>\n  <li>Something</li>\n</ul>"),
	)
	metrics := &recordingMetrics{}
	o := newTestOrchestrator(t, model, provider, WithMetrics(metrics))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	result := res.Conversation.Turns()[2].Result
	assert.True(t, result.IsError)
	kind, _, ok := DecodeError(result.Payload)
	require.True(t, ok)
	assert.Equal(t, ErrTypeProvider, kind)

	// every search failed, so the answer falls back
	assert.Contains(t, res.Text, "No information available.")
	assert.Equal(t, 1, metrics.toolCalls[ErrTypeProvider])
	assert.Equal(t, []string{"done"}, metrics.finished)
	assert.Equal(t, 2, metrics.modelCalls)
}

func TestRun_ModelErrorFailsRun(t *testing.T) {
	t.Run("first round", func(t *testing.T) {
		model := models.NewScripted(models.Fail(errors.New("503 service unavailable")))
		store := &recordingStore{}
		o := newTestOrchestrator(t, model, &fakeProvider{}, WithStore(store))

		res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
		assert.Nil(t, res)
		var me *ports.ModelError
		require.ErrorAs(t, err, &me)

		require.Len(t, store.runs, 1)
		assert.Equal(t, "failed", store.runs[0].State)
		assert.Contains(t, store.runs[0].Error, "503")
	})

	t.Run("later round", func(t *testing.T) {
		model := models.NewScripted(
			models.Calls(search("c1", "q")),
			models.Fail(&ports.ModelError{Provider: "scripted", StatusCode: 429, Err: errors.New("slow down")}),
		)
		o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()})

		_, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
		var me *ports.ModelError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, 429, me.StatusCode)
	})
}

func TestRun_ProtocolViolationIsModelError(t *testing.T) {
	model := models.NewScripted(models.Calls(search("dup", "a"), search("dup", "b")))
	o := newTestOrchestrator(t, model, &fakeProvider{})

	_, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	var me *ports.ModelError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, ports.ErrDuplicateCallID)
}

func TestRun_LimiterFailureIsModelError(t *testing.T) {
	model := models.NewScripted(models.Text("never"))
	o := newTestOrchestrator(t, model, &fakeProvider{}, WithLimiter(failingLimiter{}))

	_, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	var me *ports.ModelError
	require.ErrorAs(t, err, &me)
	assert.Zero(t, model.CallCount())
}

func TestRun_ParallelToolsKeepEmissionOrder(t *testing.T) {
	provider := &fakeProvider{
		def: twoResults(),
		delay: map[string]time.Duration{
			"slow":   60 * time.Millisecond,
			"medium": 30 * time.Millisecond,
			"fast":   0,
		},
	}
	model := models.NewScripted(
		models.Calls(search("c1", "slow"), search("c2", "medium"), search("c3", "fast")),
		models.Text("<h3>llm agents</h3>\n<ul>\n  <li>ok</li>\n</ul>"),
	)
	o := newTestOrchestrator(t, model, provider, WithPolicy(&Policy{MaxRounds: 5, ToolConcurrency: 3}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	turns := res.Conversation.Turns()
	require.Len(t, turns, 6)
	assert.Equal(t, "c1", turns[2].Result.CallID)
	assert.Equal(t, "c2", turns[3].Result.CallID)
	assert.Equal(t, "c3", turns[4].Result.CallID)
	assert.Equal(t, 6, res.ResultCount)
	assertPairing(t, turns)
}

func TestRun_ToolTimeoutBecomesProviderError(t *testing.T) {
	provider := &fakeProvider{def: twoResults(), delay: map[string]time.Duration{"hang": time.Second}}
	model := models.NewScripted(
		models.Calls(search("c1", "hang")),
		models.Text("done"),
	)
	o := newTestOrchestrator(t, model, provider, WithPolicy(&Policy{MaxRounds: 5, ToolTimeout: 20 * time.Millisecond}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)
	kind, _, ok := DecodeError(res.Conversation.Turns()[2].Result.Payload)
	require.True(t, ok)
	assert.Equal(t, ErrTypeProvider, kind)
}

func TestRun_ContractTrimsBullets(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<h3>llm agents</h3>\n<ul>\n")
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(&sb, "  <li>item %d</li>\n", i)
	}
	sb.WriteString("</ul>")
	model := models.NewScripted(models.Calls(search("c1", "q")), models.Text(sb.String()))
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()})

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(res.Text, "<li>"))
	assert.NotContains(t, res.Text, "item 5")
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0], "trimmed")
}

func TestRun_ContractDisabledKeepsText(t *testing.T) {
	model := models.NewScripted(models.Calls(search("c1", "q")), models.Text("plain text answer"))
	o := newTestOrchestrator(t, model, &fakeProvider{def: []ports.SearchResult{}}, WithPolicy(&Policy{MaxRounds: 3, EnforceContract: false}))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)
	assert.Equal(t, "plain text answer", res.Text)
	assert.Empty(t, res.Violations)
}

func TestRun_PersistsRun(t *testing.T) {
	store := &recordingStore{}
	model := models.NewScripted(models.Calls(search("c1", "q")), models.Text("<h3>llm agents</h3>\n<ul>\n  <li>ok</li>\n</ul>"))
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithStore(store))

	res, err := o.Run(context.Background(), ports.MustInterest("llm agents"))
	require.NoError(t, err)

	require.Len(t, store.runs, 1)
	rec := store.runs[0]
	assert.Equal(t, res.RunID, rec.RunID)
	assert.Equal(t, "llm agents", rec.Topic)
	assert.Equal(t, "done", rec.State)
	assert.Equal(t, 1, rec.Rounds)
	assert.Equal(t, 2, rec.ModelCalls)
	assert.Len(t, rec.Turns, 4)
	assert.Empty(t, rec.Error)
}

func TestRun_StoreFailureDoesNotFailRun(t *testing.T) {
	store := &recordingStore{err: errors.New("disk full")}
	model := models.NewScripted(models.Text("<h3>a</h3>\n<ul>\n  <li>x</li>\n</ul>"))
	o := newTestOrchestrator(t, model, &fakeProvider{}, WithStore(store))

	res, err := o.Run(context.Background(), ports.MustInterest("a"))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
}

func TestRun_InvalidInterest(t *testing.T) {
	model := models.NewScripted(models.Text("x"))
	o := newTestOrchestrator(t, model, &fakeProvider{})

	_, err := o.Run(context.Background(), ports.Interest{})
	assert.Error(t, err)
	assert.Zero(t, model.CallCount())
}

func TestRun_ConcurrentRunsShareOrchestrator(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		if conv.Len() == 1 {
			return models.Calls(search(fmt.Sprintf("c-%s", conv.ID), "q"))
		}
		return models.Text("<h3>topic</h3>\n<ul>\n  <li>ok</li>\n</ul>")
	})
	var n int
	var mu sync.Mutex
	o := newTestOrchestrator(t, model, &fakeProvider{def: twoResults()}, WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("run-%d", n)
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Run(context.Background(), ports.MustInterest("topic"))
			if err == nil && res.State != StateDone {
				err = fmt.Errorf("unexpected state %s", res.State)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 16, model.CallCount())
}

func TestNewOrchestrator_Validation(t *testing.T) {
	provider := &fakeProvider{}
	web := tools.NewWebSearchTool(provider, 3, 24*time.Hour)

	_, err := NewOrchestrator(nil, nil, []ports.Tool{web})
	assert.Error(t, err)

	_, err = NewOrchestrator(models.NewScripted(), nil, []ports.Tool{web, web})
	assert.ErrorContains(t, err, "duplicate tool")

	o, err := NewOrchestrator(models.NewScripted(), nil, []ports.Tool{web, tools.NewPaperSearchTool(provider, 3, 24*time.Hour)},
		WithPolicy(&Policy{MaxRounds: 99, ToolConcurrency: 0}))
	require.NoError(t, err)
	assert.Equal(t, 20, o.Policy().MaxRounds)
	assert.Equal(t, 1, o.Policy().ToolConcurrency)
	assert.Equal(t, 30*time.Second, o.Policy().ToolTimeout)

	specs := o.Tools()
	require.Len(t, specs, 2)
	assert.Equal(t, tools.WebSearchName, specs[0].Name)
	assert.Equal(t, tools.PaperSearchName, specs[1].Name)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "limit_exceeded", StateLimitExceeded.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateToolExecution.Terminal())
}
