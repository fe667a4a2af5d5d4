package harnessports

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Interest is one user-declared topic with its subtopics. Treat it as a value:
// NewInterest copies the subtopic slice so callers cannot mutate it afterwards.
type Interest struct {
	Topic     string   `json:"interest" yaml:"interest" validate:"required,max=200"`
	Subtopics []string `json:"subinterests" yaml:"subinterests" validate:"dive,max=200"`
}

// NewInterest trims the topic, drops blank subtopics and validates the result.
func NewInterest(topic string, subtopics ...string) (Interest, error) {
	in := Interest{Topic: strings.TrimSpace(topic)}
	for _, s := range subtopics {
		if s = strings.TrimSpace(s); s != "" {
			in.Subtopics = append(in.Subtopics, s)
		}
	}
	if err := in.Validate(); err != nil {
		return Interest{}, err
	}
	return in, nil
}

// MustInterest is NewInterest for literals in tests and fixtures.
func MustInterest(topic string, subtopics ...string) Interest {
	in, err := NewInterest(topic, subtopics...)
	if err != nil {
		panic(err)
	}
	return in
}

// Validate checks the struct tags.
func (i Interest) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid interest %q: %w", i.Topic, err)
	}
	return nil
}

// Clone returns a deep copy.
func (i Interest) Clone() Interest {
	out := Interest{Topic: i.Topic}
	if len(i.Subtopics) > 0 {
		out.Subtopics = append([]string(nil), i.Subtopics...)
	}
	return out
}

func (i Interest) String() string {
	if len(i.Subtopics) == 0 {
		return i.Topic
	}
	return fmt.Sprintf("%s (%s)", i.Topic, strings.Join(i.Subtopics, ", "))
}
