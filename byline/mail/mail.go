// Package mail renders digests into email and delivers them.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
)

const dateLayout = "2006-01-02"

// Message is one rendered digest email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var bodyTemplate = template.Must(template.New("digest").Parse(`<html>
<body>
    <h2>Executive Summary: {{.Date}}</h2>
    <hr>
    <div style="white-space: pre-wrap; font-family: Arial, sans-serif;">
{{.Body}}
    </div>
    <hr>
    <p><em>This report was automatically generated based on your interests.</em></p>
</body>
</html>
`))

// Subject returns the subject line for a digest sent on date.
func Subject(date time.Time) string {
	return "Your morning report - " + date.Format(dateLayout)
}

// Render wraps a digest fragment in the email document. The fragment is trusted HTML
// produced by the summarizer; only the date is escaped.
func Render(digest string, date time.Time) (string, error) {
	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, struct {
		Date string
		Body template.HTML
	}{date.Format(dateLayout), template.HTML(digest)})
	if err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

// Compose renders a digest into a message for to.
func Compose(to, digest string, date time.Time) (Message, error) {
	html, err := Render(digest, date)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: Subject(date), HTML: html}, nil
}

// New builds the configured sender. Dry runs print to out.
func New(cfg config.MailConfig, out io.Writer, logger zerolog.Logger) (Sender, error) {
	switch cfg.Mode {
	case "dryrun":
		return NewDryRun(out), nil
	case "smtp", "":
		s, err := NewSMTPSender(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("mail: unknown mode %q", cfg.Mode)
	}
}

// DryRun writes messages to a writer instead of sending them.
type DryRun struct {
	mu  sync.Mutex
	out io.Writer
}

func NewDryRun(out io.Writer) *DryRun { return &DryRun{out: out} }

func (d *DryRun) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.out, "To: %s\nSubject: %s\n\n%s\n", msg.To, msg.Subject, msg.HTML)
	return err
}

var _ Sender = (*DryRun)(nil)
