// Package survey implements the screening survey: its seeded definition,
// answer validation and persistence. Survey answers are stored as raw
// question/value pairs and never feed advisor prompts.
package survey

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/storage"
)

// Question types.
const (
	TypeText     = "text"
	TypeLongText = "longtext"
	TypeRadio    = "radio"
	TypeCheckbox = "checkbox"
	TypeSelect   = "select"
)

//go:embed questions.yaml
var defaultQuestionsYAML []byte

// DefaultQuestions returns the built-in survey definition.
func DefaultQuestions() []storage.SurveyQuestion {
	qs, err := ParseQuestions(defaultQuestionsYAML)
	if err != nil {
		panic(err)
	}
	return qs
}

// ParseQuestions reads a survey definition in the questions.yaml layout.
func ParseQuestions(data []byte) ([]storage.SurveyQuestion, error) {
	var doc struct {
		Questions []storage.SurveyQuestion `yaml:"questions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing survey definition: %w", err)
	}
	seen := make(map[string]bool, len(doc.Questions))
	for _, q := range doc.Questions {
		if q.ID == "" || q.Question == "" {
			return nil, fmt.Errorf("survey question %q is missing an id or text", q.ID)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("duplicate survey question id %s", q.ID)
		}
		seen[q.ID] = true
		switch q.Type {
		case TypeText, TypeLongText:
		case TypeRadio, TypeCheckbox, TypeSelect:
			if len(q.Options) == 0 {
				return nil, fmt.Errorf("survey question %s of type %s has no options", q.ID, q.Type)
			}
		default:
			return nil, fmt.Errorf("survey question %s has unknown type %q", q.ID, q.Type)
		}
	}
	return doc.Questions, nil
}

// Store is the persistence the survey needs.
type Store interface {
	SeedSurveyQuestions(questions []storage.SurveyQuestion) error
	ListSurveyQuestions() ([]storage.SurveyQuestion, error)
	UpsertSurveyAnswers(userID string, answers map[string]string) ([]storage.SurveyAnswer, error)
}

// Service validates and stores survey answers.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Seed replaces the stored survey with the built-in definition.
func (s *Service) Seed() ([]storage.SurveyQuestion, error) {
	qs := DefaultQuestions()
	if err := s.store.SeedSurveyQuestions(qs); err != nil {
		return nil, apperr.Persistence("survey.seed", err)
	}
	return qs, nil
}

// Questions returns the stored survey, or the built-in one when nothing has
// been seeded yet.
func (s *Service) Questions() ([]storage.SurveyQuestion, error) {
	qs, err := s.store.ListSurveyQuestions()
	if err != nil {
		return nil, apperr.Persistence("survey.questions", err)
	}
	if len(qs) == 0 {
		return DefaultQuestions(), nil
	}
	return qs, nil
}

// Submit validates answers against the survey and upserts them for userID.
func (s *Service) Submit(userID string, answers map[string]any) ([]storage.SurveyAnswer, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated("survey.submit")
	}
	qs, err := s.Questions()
	if err != nil {
		return nil, err
	}
	values, err := Validate(qs, answers)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.UpsertSurveyAnswers(userID, values)
	if err != nil {
		return nil, apperr.Persistence("survey.submit", err)
	}
	return saved, nil
}

// Validate checks answers against questions and returns them in stored form.
// Unknown question ids, values of the wrong shape, options outside the
// question's list and missing required answers are rejected.
func Validate(questions []storage.SurveyQuestion, answers map[string]any) (map[string]string, error) {
	if len(answers) == 0 {
		return nil, apperr.InvalidInput("survey", "no answers provided")
	}
	byID := make(map[string]storage.SurveyQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	out := make(map[string]string, len(answers))
	for id, v := range answers {
		q, ok := byID[id]
		if !ok {
			return nil, apperr.InvalidInput("survey", "unknown question %s", id)
		}
		if err := checkValue(q, v); err != nil {
			return nil, err
		}
		text, err := Stringify(v)
		if err != nil {
			return nil, apperr.InvalidInput("survey", "answer to %s: %v", id, err)
		}
		if text != "" {
			out[id] = text
		}
	}
	for _, q := range questions {
		if q.Required && out[q.ID] == "" {
			return nil, apperr.InvalidInput("survey", "question %q is required", q.Question)
		}
	}
	return out, nil
}

func checkValue(q storage.SurveyQuestion, v any) error {
	if v == nil {
		return nil
	}
	switch q.Type {
	case TypeText, TypeLongText:
		if _, ok := v.(string); !ok {
			return apperr.InvalidInput("survey", "answer to %s must be text", q.ID)
		}
	case TypeRadio, TypeSelect:
		s, ok := v.(string)
		if !ok {
			return apperr.InvalidInput("survey", "answer to %s must be one option", q.ID)
		}
		if s != "" && !slices.Contains(q.Options, s) {
			return apperr.InvalidInput("survey", "%q is not an option of %s", s, q.ID)
		}
	case TypeCheckbox:
		items, ok := v.([]any)
		if !ok {
			return apperr.InvalidInput("survey", "answer to %s must be a list of options", q.ID)
		}
		for _, it := range items {
			s, ok := it.(string)
			if !ok || !slices.Contains(q.Options, s) {
				return apperr.InvalidInput("survey", "%v is not an option of %s", it, q.ID)
			}
		}
	}
	return nil
}

// Stringify converts a decoded JSON answer to its stored text. Strings are
// stored as-is; everything else is stored as JSON. An empty list stores "".
func Stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case []any:
		if len(t) == 0 {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
