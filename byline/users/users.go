// Package users loads digest recipients and their interests.
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// User is one digest recipient. Interests keep the order the user declared them in;
// that order is the heading order of their digest.
type User struct {
	ID        string           `json:"id" validate:"required"`
	Email     string           `json:"email" validate:"required,email"`
	Interests []ports.Interest `json:"interests" validate:"dive"`
}

func (u User) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user %q: %w", u.Email, err)
	}
	return nil
}

// Source lists every user that should receive a digest.
type Source interface {
	List(ctx context.Context) ([]User, error)
}

// New builds the configured source.
func New(cfg config.UsersConfig, logger zerolog.Logger) (Source, error) {
	switch cfg.Source {
	case "file":
		return NewFileSource(cfg.File, logger), nil
	case "supabase", "":
		s, err := NewSupabaseSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("users: unknown source %q", cfg.Source)
	}
}

// normalize cleans raw rows into a valid user. Blank or invalid interests are dropped
// with a warning; an invalid user is an error.
func normalize(id, email string, raw []ports.Interest, logger zerolog.Logger) (User, error) {
	u := User{ID: strings.TrimSpace(id), Email: strings.TrimSpace(email)}
	for _, r := range raw {
		in, err := ports.NewInterest(r.Topic, r.Subtopics...)
		if err != nil {
			logger.Warn().Err(err).Str("email", u.Email).Msg("dropping invalid interest")
			continue
		}
		u.Interests = append(u.Interests, in)
	}
	if err := u.Validate(); err != nil {
		return User{}, err
	}
	return u, nil
}
