package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

var ErrMissingCredentials = errors.New("supabase url and key are required")

// SupabaseSource reads users(id, email) and user_interests(user_id, interest, subinterests).
type SupabaseSource struct {
	client         *supabase.Client
	usersTable     string
	interestsTable string
	logger         zerolog.Logger
}

// NewSupabaseSource connects with the service key; row level security is bypassed.
func NewSupabaseSource(cfg config.UsersConfig, logger zerolog.Logger) (*SupabaseSource, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, ErrMissingCredentials
	}
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create supabase client: %w", err)
	}
	s := &SupabaseSource{
		client:         client,
		usersTable:     cfg.UsersTable,
		interestsTable: cfg.InterestsTable,
		logger:         logger.With().Str("component", "users.supabase").Logger(),
	}
	if s.usersTable == "" {
		s.usersTable = "users"
	}
	if s.interestsTable == "" {
		s.interestsTable = "user_interests"
	}
	return s, nil
}

type userRow struct {
	ID    json.RawMessage `json:"id"`
	Email string          `json:"email"`
}

type interestRow struct {
	UserID       json.RawMessage `json:"user_id"`
	Interest     string          `json:"interest"`
	Subinterests []string        `json:"subinterests"`
}

// List fetches both tables once and joins them in memory. Interests keep row order.
func (s *SupabaseSource) List(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var userRows []userRow
	if _, err := s.client.From(s.usersTable).Select("id,email", "", false).ExecuteTo(&userRows); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.usersTable, err)
	}
	if len(userRows) == 0 {
		s.logger.Warn().Msg("no users found")
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var interestRows []interestRow
	if _, err := s.client.From(s.interestsTable).Select("user_id,interest,subinterests", "", false).ExecuteTo(&interestRows); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.interestsTable, err)
	}

	byUser := make(map[string][]ports.Interest, len(userRows))
	for _, row := range interestRows {
		id := rawID(row.UserID)
		byUser[id] = append(byUser[id], ports.Interest{Topic: row.Interest, Subtopics: row.Subinterests})
	}

	users := make([]User, 0, len(userRows))
	for _, row := range userRows {
		u, err := normalize(rawID(row.ID), row.Email, byUser[rawID(row.ID)], s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping user")
			continue
		}
		users = append(users, u)
	}
	s.logger.Info().Int("users", len(users)).Int("interests", len(interestRows)).Msg("fetched users")
	return users, nil
}

// rawID renders uuid and integer primary keys alike.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

var _ Source = (*SupabaseSource)(nil)
