package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/tools"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/models"
)

type emptyProvider struct{}

func (emptyProvider) Name() string { return "empty" }
func (emptyProvider) Search(ctx context.Context, req ports.SearchRequest) ([]ports.SearchResult, error) {
	return []ports.SearchResult{}, nil
}

// topicOf pulls the interest name back out of the opening prompt.
func topicOf(conv *ports.Conversation) string {
	prompt := conv.Turns()[0].Text
	start := strings.Index(prompt, `{"interest":"`) + len(`{"interest":"`)
	end := strings.Index(prompt[start:], `"`)
	return prompt[start : start+end]
}

func newGenerator(t *testing.T, model ports.ModelClient, timeout time.Duration) *HarnessGenerator {
	t.Helper()
	tool := tools.NewWebSearchTool(emptyProvider{}, 3, 24*time.Hour)
	o, err := harness.NewOrchestrator(model, nil, []ports.Tool{tool})
	require.NoError(t, err)
	return NewHarnessGenerator(o, timeout, 4, zerolog.Nop())
}

func TestGenerateAll_KeepsInterestOrder(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		topic := topicOf(conv)
		if topic == "A" {
			// make the first interest the slowest
			time.Sleep(30 * time.Millisecond)
		}
		return models.Text(fmt.Sprintf("<h3>%s</h3>\n<ul>\n  <li>item</li>\n</ul>", topic))
	})
	gen := newGenerator(t, model, time.Minute)

	interests := []ports.Interest{ports.MustInterest("A", "z", "a"), ports.MustInterest("B"), ports.MustInterest("C")}
	sections := gen.GenerateAll(context.Background(), interests)
	require.Len(t, sections, 3)
	for i, s := range sections {
		assert.Equal(t, interests[i].Topic, s.Interest.Topic)
		assert.True(t, s.OK())
	}

	digest := Compose(sections)
	a := strings.Index(digest, "<h3>A</h3>")
	b := strings.Index(digest, "<h3>B</h3>")
	c := strings.Index(digest, "<h3>C</h3>")
	assert.True(t, a >= 0 && a < b && b < c, digest)

	contract := harness.NewContract(4, "")
	assert.Empty(t, contract.CheckOrder(digest, interests))
}

func TestGenerateAll_ModelErrorSkipsOnlyThatInterest(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		topic := topicOf(conv)
		if topic == "broken" {
			return models.Fail(errors.New("upstream 500"))
		}
		return models.Text(fmt.Sprintf("<h3>%s</h3>\n<ul>\n  <li>item</li>\n</ul>", topic))
	})
	gen := newGenerator(t, model, time.Minute)

	sections := gen.GenerateAll(context.Background(), []ports.Interest{
		ports.MustInterest("first"), ports.MustInterest("broken"), ports.MustInterest("last"),
	})

	require.Len(t, sections, 3)
	assert.True(t, sections[0].OK())
	assert.False(t, sections[1].OK())
	var me *ports.ModelError
	assert.ErrorAs(t, sections[1].Err, &me)
	assert.True(t, sections[2].OK())

	digest := Compose(sections)
	assert.NotContains(t, digest, "broken")
	assert.Equal(t, []string{"first", "last"}, topics(Succeeded(sections)))
}

func TestGenerate_TimeoutIsModelError(t *testing.T) {
	model := models.NewScriptedFunc(func(round int, conv *ports.Conversation) models.Step {
		time.Sleep(30 * time.Millisecond)
		return models.Calls(models.Call(fmt.Sprintf("c%d", round), tools.WebSearchName, map[string]any{"query": "q"}))
	})
	gen := newGenerator(t, model, 10*time.Millisecond)

	_, err := gen.Generate(context.Background(), ports.MustInterest("slow"))
	var me *ports.ModelError
	require.ErrorAs(t, err, &me)
}

func TestSection_IncompleteMarkerIsNotDeliverable(t *testing.T) {
	s := Section{Interest: ports.MustInterest("x"), Result: &harness.Result{Text: harness.IncompleteMarker, State: harness.StateLimitExceeded}}
	assert.False(t, s.OK())
	assert.Empty(t, Compose([]Section{s}))
}

func topics(in []ports.Interest) []string {
	out := make([]string, len(in))
	for i, x := range in {
		out[i] = x.Topic
	}
	return out
}
