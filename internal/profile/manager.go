// Package profile builds the compact user-context summary injected into
// council prompts from the user's stored questionnaire and survey answers.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	LatestQuestionnaireResponse(userID string) (storage.QuestionnaireResponse, error)
	ListSurveyAnswers(userID string) ([]storage.SurveyAnswer, error)
	ListSurveyQuestions() ([]storage.SurveyQuestion, error)
}

const (
	defaultCacheSize = 256
	defaultTTL       = 60 * time.Second

	// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
	maxSummaryChars = 2000
)

// Manager provides cached access to per-user context summaries.
type Manager struct {
	store Store
	cache *expirable.LRU[string, string]
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithTTL(store, defaultCacheSize, defaultTTL)
}

// NewManagerWithTTL creates a Manager with a custom cache size and TTL.
func NewManagerWithTTL(store Store, size int, ttl time.Duration) *Manager {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Manager{
		store: store,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Summary returns the user's context summary. A user who has not answered
// anything gets an empty summary, not an error.
func (m *Manager) Summary(userID string) (string, error) {
	if s, ok := m.cache.Get(userID); ok {
		return s, nil
	}

	var parts []string

	resp, err := m.store.LatestQuestionnaireResponse(userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("loading questionnaire response: %w", err)
	default:
		var sections []questionnaire.Section
		if err := json.Unmarshal([]byte(resp.ResponsesJSON), &sections); err != nil {
			slog.Warn("malformed stored questionnaire, skipping", "user_id", userID, "error", err)
		} else if ws := questionnaire.Format(sections); ws != "" {
			parts = append(parts, ws)
		}
	}

	survey, err := m.surveySummary(userID)
	if err != nil {
		return "", err
	}
	if survey != "" {
		parts = append(parts, survey)
	}

	summary := truncate(strings.Join(parts, "\n\n"), maxSummaryChars)
	m.cache.Add(userID, summary)
	return summary, nil
}

// Invalidate drops the cached summary for userID. Call after storing new
// answers.
func (m *Manager) Invalidate(userID string) {
	m.cache.Remove(userID)
}

func (m *Manager) surveySummary(userID string) (string, error) {
	answers, err := m.store.ListSurveyAnswers(userID)
	if err != nil {
		return "", fmt.Errorf("loading survey answers: %w", err)
	}
	if len(answers) == 0 {
		return "", nil
	}
	questions, err := m.store.ListSurveyQuestions()
	if err != nil {
		return "", fmt.Errorf("loading survey questions: %w", err)
	}
	text := make(map[string]string, len(questions))
	for _, q := range questions {
		text[q.ID] = q.Question
	}

	var b strings.Builder
	b.WriteString("### Survey")
	for _, a := range answers {
		if a.ResponseText == "" {
			continue
		}
		q := text[a.QuestionID]
		if q == "" {
			q = a.QuestionID
		}
		fmt.Fprintf(&b, "\n\nQ: %s\nA: %s", q, a.ResponseText)
	}
	if b.Len() == len("### Survey") {
		return "", nil
	}
	return b.String(), nil
}

// truncate cuts s to at most max bytes at a word boundary without
// splitting a multi-byte character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if idx := strings.LastIndexAny(s[:end], " \n"); idx > 0 {
		return s[:idx]
	}
	return s[:end]
}
