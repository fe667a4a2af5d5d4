package harness

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/byline-digest/byline"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

const (
	minBullets        = 1
	maxBulletsCeiling = 4
)

// PromptOptions parameterizes the single prompt template for every search backend.
type PromptOptions struct {
	Recency          time.Duration // how far back material counts as recent
	MaxBullets       int           // clamped to 1..4
	MaxResults       int           // per-search result cap suggested to the model
	Corpus           string        // e.g. "news and articles", "research papers"
	ToolNames        []string
	FallbackSentence string
}

// DefaultPromptOptions matches the daily web digest.
func DefaultPromptOptions() PromptOptions {
	return PromptOptions{
		Recency:          24 * time.Hour,
		MaxBullets:       maxBulletsCeiling,
		MaxResults:       3,
		Corpus:           "news and articles",
		ToolNames:        []string{"search_web"},
		FallbackSentence: internal.DefaultFallbackSentence,
	}
}

// PromptBuilder renders interests and the output contract into the opening user turn.
type PromptBuilder struct {
	opts PromptOptions
}

func NewPromptBuilder(opts PromptOptions) *PromptBuilder {
	def := DefaultPromptOptions()
	if opts.Recency <= 0 {
		opts.Recency = def.Recency
	}
	if opts.MaxBullets < minBullets || opts.MaxBullets > maxBulletsCeiling {
		opts.MaxBullets = maxBulletsCeiling
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = def.MaxResults
	}
	if strings.TrimSpace(opts.Corpus) == "" {
		opts.Corpus = def.Corpus
	}
	if len(opts.ToolNames) == 0 {
		opts.ToolNames = def.ToolNames
	}
	if strings.TrimSpace(opts.FallbackSentence) == "" {
		opts.FallbackSentence = def.FallbackSentence
	}
	return &PromptBuilder{opts: opts}
}

func (b *PromptBuilder) Options() PromptOptions { return b.opts }

// Build renders the prompt for a single interest.
func (b *PromptBuilder) Build(interest ports.Interest) string {
	return b.BuildMany([]ports.Interest{interest})
}

// BuildMany renders one prompt covering several interests; headings must follow the given order.
func (b *PromptBuilder) BuildMany(interests []ports.Interest) string {
	window := RecencyLabel(b.opts.Recency)
	tools := strings.Join(b.opts.ToolNames, ", ")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Your job is to provide the user an executive summary of the %s published on their interests in the %s.\n\n", b.opts.Corpus, window)

	sb.WriteString("## Instructions\n")
	fmt.Fprintf(&sb, "1. Use the %s function(s) to search for %s about each interest. Limit your search to the %s; request at most %d results per search.\n", tools, b.opts.Corpus, window, b.opts.MaxResults)
	sb.WriteString("2. Narrow the results down to the items you believe will make the biggest impact.\n")
	fmt.Fprintf(&sb, "3. Keep between %d and %d items per interest and summarize each one in a single bullet.\n", minBullets, b.opts.MaxBullets)
	sb.WriteString("4. Only report items returned by the search functions. Never invent items, links or dates.\n")
	sb.WriteString("5. If a search returns an error object, you may retry with a corrected query.\n\n")

	sb.WriteString("## User Interests\n")
	sb.WriteString("The user is interested in the following areas, listed in order:\n")
	for _, in := range interests {
		sb.WriteString(taxonomyJSON(in))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Output\n")
	sb.WriteString("Your tone should be authoritative and informative. Keep it short and concise.\n\n")

	sb.WriteString("## Output Format\n")
	sb.WriteString("Respond with an HTML fragment only: no <html> or <body> tags and no markdown code fences.\n")
	sb.WriteString("Write exactly one <h3> heading per interest, in exactly the order listed above, each followed by one list:\n")
	sb.WriteString("<h3>TOPIC</h3>\n<ul>\n")
	fmt.Fprintf(&sb, "    <li>%d to %d bullets, one per item. Add <a href=\"URL\">a link</a> when a URL is available.</li>\n", minBullets, b.opts.MaxBullets)
	sb.WriteString("</ul>\n")
	sb.WriteString("When no information is found for an interest, its list must contain exactly one bullet with this sentence, verbatim:\n")
	fmt.Fprintf(&sb, "<li>%s</li>\n", b.opts.FallbackSentence)

	return sb.String()
}

// taxonomyJSON embeds the interest verbatim; json.Marshal keeps subtopic order.
func taxonomyJSON(in ports.Interest) string {
	subs := in.Subtopics
	if subs == nil {
		subs = []string{}
	}
	data, err := json.Marshal(struct {
		Interest     string   `json:"interest"`
		Subinterests []string `json:"subinterests"`
	}{in.Topic, subs})
	if err != nil {
		return fmt.Sprintf("%q", in.Topic)
	}
	return string(data)
}

// RecencyLabel renders a window as "last 1 day", "last 3 days" or "last 6 hours".
func RecencyLabel(d time.Duration) string {
	if d <= 0 {
		d = 24 * time.Hour
	}
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "last 1 day"
		}
		return fmt.Sprintf("last %d days", days)
	}
	hours := int(d.Round(time.Hour) / time.Hour)
	if hours <= 1 {
		return "last 1 hour"
	}
	return fmt.Sprintf("last %d hours", hours)
}
