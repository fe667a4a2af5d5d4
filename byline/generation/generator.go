package generation

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// Section is one interest's part of a digest. Err is set when the interest could not
// be summarized; Result is nil in that case.
type Section struct {
	Interest ports.Interest
	Result   *harness.Result
	Err      error
}

// Text is the deliverable HTML for the section, empty when it failed.
func (s Section) Text() string {
	if s.Err != nil || s.Result == nil {
		return ""
	}
	return s.Result.Text
}

// OK reports whether the section produced deliverable text. The incomplete marker
// alone renders as nothing, so it does not count.
func (s Section) OK() bool {
	text := strings.TrimSpace(s.Text())
	return text != "" && text != harness.IncompleteMarker
}

// Generator produces digest sections from interests.
type Generator interface {
	Generate(ctx context.Context, interest ports.Interest) (*harness.Result, error)
	GenerateAll(ctx context.Context, interests []ports.Interest) []Section
}

// Compose joins the sections that produced text with "\n", keeping interest order.
func Compose(sections []Section) string {
	var parts []string
	for _, s := range sections {
		if s.OK() {
			parts = append(parts, strings.TrimSpace(s.Text()))
		}
	}
	return strings.Join(parts, "\n")
}

// Succeeded returns the interests whose sections produced text, in order.
func Succeeded(sections []Section) []ports.Interest {
	var out []ports.Interest
	for _, s := range sections {
		if s.OK() {
			out = append(out, s.Interest)
		}
	}
	return out
}
