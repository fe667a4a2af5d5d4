// Package models holds the language model clients the harness drives.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

const (
	ProviderResponses = "openai" // OpenAI Responses API
	ProviderChat      = "chat"   // OpenAI-compatible chat completions
	ProviderScripted  = "scripted"
)

var errNoChoices = errors.New("response contained no choices")

type clientOptions struct {
	timeout     time.Duration
	temperature *float32
	maxTokens   int
	logger      zerolog.Logger
}

// ClientOption tunes an HTTP model client.
type ClientOption func(*clientOptions)

func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithTemperature sets the sampling temperature. Unset means the server default.
func WithTemperature(t float32) ClientOption {
	return func(o *clientOptions) { o.temperature = &t }
}

func WithMaxTokens(n int) ClientOption {
	return func(o *clientOptions) { o.maxTokens = n }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func applyOptions(opts []ClientOption) clientOptions {
	o := clientOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the model client named by cfg.Provider.
func New(cfg config.ModelConfig, logger zerolog.Logger) (ports.ModelClient, error) {
	opts := []ClientOption{WithTimeout(cfg.Timeout), WithMaxTokens(cfg.MaxTokens), WithLogger(logger)}
	if cfg.Temperature > 0 {
		opts = append(opts, WithTemperature(cfg.Temperature))
	}
	switch cfg.Provider {
	case ProviderResponses:
		return NewResponsesClient(cfg.BaseURL, cfg.APIKey, cfg.Name, opts...), nil
	case ProviderChat:
		return NewChatClient(cfg.BaseURL, cfg.APIKey, cfg.Name, opts...), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
