package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
)

// SMTPSender delivers over authenticated SMTP, one connection per message.
type SMTPSender struct {
	client *gomail.Client
	from   string
	logger zerolog.Logger
}

func NewSMTPSender(cfg config.MailConfig, logger zerolog.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("mail: smtp host is required")
	}
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
	}
	if cfg.Port == 465 {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: create smtp client: %w", err)
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPSender{
		client: client,
		from:   from,
		logger: logger.With().Str("component", "mail").Logger(),
	}, nil
}

// BuildMessage converts msg into a MIME message from the configured sender.
func (s *SMTPSender) BuildMessage(msg Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("mail: invalid sender %q: %w", s.from, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail: invalid recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	return m, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.BuildMessage(msg)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		s.logger.Error().Err(err).Str("to", msg.To).Msg("failed to send digest")
		return fmt.Errorf("mail: send to %s: %w", msg.To, err)
	}
	s.logger.Info().Str("to", msg.To).Msg("digest sent")
	return nil
}

var _ Sender = (*SMTPSender)(nil)
