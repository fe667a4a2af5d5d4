package harness

import (
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	internal "github.com/ZanzyTHEbar/byline-digest/byline"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// Evidence summarizes what the tools returned during a conversation.
type Evidence struct {
	ToolCalls int
	Results   int
}

// Contract enforces the output format: one <h3> per interest followed by a <ul> of
// 1..MaxBullets items, or the fallback block when searches found nothing.
type Contract struct {
	MaxBullets int
	Fallback   string
}

func NewContract(maxBullets int, fallback string) *Contract {
	if maxBullets < minBullets || maxBullets > maxBulletsCeiling {
		maxBullets = maxBulletsCeiling
	}
	if strings.TrimSpace(fallback) == "" {
		fallback = internal.DefaultFallbackSentence
	}
	return &Contract{MaxBullets: maxBullets, Fallback: fallback}
}

// FallbackBlock is the canonical answer for an interest with no information.
func (c *Contract) FallbackBlock(topic string) string {
	return fmt.Sprintf("<h3>%s</h3>\n<ul>\n  <li>%s</li>\n</ul>", html.EscapeString(topic), html.EscapeString(c.Fallback))
}

// Enforce repairs a single-interest answer and reports what it had to change.
// Answers that already satisfy the format are returned untouched.
func (c *Contract) Enforce(interest ports.Interest, text string, ev Evidence) (string, []string) {
	var violations []string
	text = StripFences(text)

	if ev.ToolCalls > 0 && ev.Results == 0 {
		block := c.FallbackBlock(interest.Topic)
		if strings.TrimSpace(text) != block {
			violations = append(violations, "searches returned no results; answer replaced with fallback")
		}
		return block, violations
	}
	if strings.TrimSpace(text) == "" {
		return c.FallbackBlock(interest.Topic), append(violations, "empty answer; replaced with fallback")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text, append(violations, fmt.Sprintf("unparseable html: %v", err))
	}
	body := doc.Find("body")
	changed := false

	heading := findHeading(body, interest.Topic)
	if heading.Length() == 0 {
		body.PrependHtml("<h3>" + html.EscapeString(interest.Topic) + "</h3>\n")
		heading = body.Find("h3").First()
		violations = append(violations, "missing heading for interest")
		changed = true
	}

	list := heading.NextUntil("h3").Filter("ul").First()
	if list.Length() == 0 {
		list = body.Find("ul").First()
	}
	if list.Length() == 0 {
		heading.AfterHtml("\n<ul>\n  <li>" + html.EscapeString(c.Fallback) + "</li>\n</ul>")
		violations = append(violations, "missing bullet list")
		changed = true
	} else {
		items := list.ChildrenFiltered("li")
		switch {
		case items.Length() > c.MaxBullets:
			items.Slice(c.MaxBullets, goquery.ToEnd).Remove()
			violations = append(violations, fmt.Sprintf("trimmed %d bullets to %d", items.Length(), c.MaxBullets))
			changed = true
		case items.Length() == 0:
			list.AppendHtml("\n  <li>" + html.EscapeString(c.Fallback) + "</li>\n")
			violations = append(violations, "empty bullet list")
			changed = true
		}
	}

	if !changed {
		return strings.TrimSpace(text), violations
	}
	out, err := body.Html()
	if err != nil {
		return text, append(violations, fmt.Sprintf("render html: %v", err))
	}
	return strings.TrimSpace(out), violations
}

// Salvage repairs the best-effort answer of a conversation cut off at the round limit.
// Search evidence is not consulted. Text without any bullet is narration rather than
// an answer and becomes the fallback block.
func (c *Contract) Salvage(interest ports.Interest, text string) (string, []string) {
	text = StripFences(text)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil || doc.Find("li").Length() == 0 {
		return c.FallbackBlock(interest.Topic), []string{"round limit reached without a formatted answer; replaced with fallback"}
	}
	return c.Enforce(interest, text, Evidence{})
}

// CheckOrder verifies that a combined fragment has a heading for every interest in the
// given order. It returns one message per problem found.
func (c *Contract) CheckOrder(fragment string, interests []ports.Interest) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return []string{fmt.Sprintf("unparseable html: %v", err)}
	}
	var headings []string
	doc.Find("h3").Each(func(_ int, s *goquery.Selection) {
		headings = append(headings, s.Text())
	})

	var problems []string
	next := 0
	for _, in := range interests {
		found := false
		for i := next; i < len(headings); i++ {
			if headingMatches(headings[i], in.Topic) {
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			problems = append(problems, fmt.Sprintf("heading for %q missing or out of order", in.Topic))
		}
	}
	return problems
}

// StripFences removes a surrounding markdown code fence, which models add despite instructions.
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		t = strings.TrimPrefix(t, "```")
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func findHeading(body *goquery.Selection, topic string) *goquery.Selection {
	return body.Find("h3").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return headingMatches(s.Text(), topic)
	}).First()
}

// headingMatches accepts a heading equal to the topic, or one that starts with the
// topic as whole words ("LLM agents: tool use"). Case and spacing are ignored.
func headingMatches(heading, topic string) bool {
	h := strings.ToLower(strings.Join(strings.Fields(heading), " "))
	t := strings.ToLower(strings.Join(strings.Fields(topic), " "))
	if t == "" || !strings.HasPrefix(h, t) {
		return false
	}
	if len(h) == len(t) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(h[len(t):])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func hasHeading(text string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	return err == nil && doc.Find("h3").Length() > 0
}
