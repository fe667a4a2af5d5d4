package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// FileSource reads users from a JSON or YAML document keyed by email:
//
//	{"a@example.com": {"interests": [{"interest": "AI", "subinterests": ["agents"]}]}}
//
// Users come back in document order.
type FileSource struct {
	path   string
	logger zerolog.Logger
}

func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger.With().Str("component", "users.file").Logger()}
}

type fileUser struct {
	ID        string           `json:"id" yaml:"id"`
	Interests []ports.Interest `json:"interests" yaml:"interests"`
}

func (s *FileSource) List(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		format = "json"
	}
	return Parse(data, format, s.logger)
}

// Parse decodes a users document in format "json" or "yaml". Invalid users are
// skipped with a warning.
func Parse(data []byte, format string, logger zerolog.Logger) ([]User, error) {
	var (
		emails []string
		rows   []fileUser
		err    error
	)
	switch format {
	case "json":
		emails, rows, err = parseJSON(data)
	case "yaml", "yml":
		emails, rows, err = parseYAML(data)
	default:
		return nil, fmt.Errorf("users: unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	users := make([]User, 0, len(rows))
	for i, row := range rows {
		id := row.ID
		if id == "" {
			id = emails[i]
		}
		u, err := normalize(id, emails[i], row.Interests, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping user")
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// parseJSON walks the top-level object token by token to keep key order.
func parseJSON(data []byte) ([]string, []fileUser, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("parse users json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, errors.New("parse users json: top level must be an object keyed by email")
	}

	var (
		emails []string
		rows   []fileUser
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("parse users json: %w", err)
		}
		email, _ := tok.(string)
		var row fileUser
		if err := dec.Decode(&row); err != nil {
			return nil, nil, fmt.Errorf("parse users json: user %q: %w", email, err)
		}
		emails = append(emails, email)
		rows = append(rows, row)
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("parse users json: %w", err)
	}
	return emails, rows, nil
}

// parseYAML decodes through a yaml.Node to keep key order.
func parseYAML(data []byte) ([]string, []fileUser, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse users yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, nil, errors.New("parse users yaml: top level must be a mapping keyed by email")
	}

	var (
		emails []string
		rows   []fileUser
	)
	for i := 0; i+1 < len(root.Content); i += 2 {
		email := root.Content[i].Value
		var row fileUser
		if err := root.Content[i+1].Decode(&row); err != nil {
			return nil, nil, fmt.Errorf("parse users yaml: user %q: %w", email, err)
		}
		emails = append(emails, email)
		rows = append(rows, row)
	}
	return emails, rows, nil
}

var _ Source = (*FileSource)(nil)
