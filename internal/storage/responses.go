package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// --- Questionnaire responses ---

// SaveQuestionnaireResponse stores a submitted questionnaire verbatim.
func (s *Store) SaveQuestionnaireResponse(userID, responsesJSON string) (QuestionnaireResponse, error) {
	r := QuestionnaireResponse{
		ID:            uuid.New().String(),
		UserID:        userID,
		ResponsesJSON: responsesJSON,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	_, err := s.db.Exec(`INSERT INTO questionnaire_responses (id, user_id, responses_json, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.UserID, r.ResponsesJSON, formatTime(r.CreatedAt))
	if err != nil {
		return QuestionnaireResponse{}, fmt.Errorf("inserting questionnaire response: %w", err)
	}
	return r, nil
}

// LatestQuestionnaireResponse returns the user's most recent submission.
func (s *Store) LatestQuestionnaireResponse(userID string) (QuestionnaireResponse, error) {
	var r QuestionnaireResponse
	var createdAt string
	err := s.db.QueryRow(`SELECT id, user_id, responses_json, created_at FROM questionnaire_responses
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, userID,
	).Scan(&r.ID, &r.UserID, &r.ResponsesJSON, &createdAt)
	if err == sql.ErrNoRows {
		return QuestionnaireResponse{}, ErrNotFound
	}
	if err != nil {
		return QuestionnaireResponse{}, err
	}
	r.CreatedAt, err = parseTime("created_at", createdAt)
	return r, err
}

// --- Survey ---

// SeedSurveyQuestions replaces the survey definition.
func (s *Store) SeedSurveyQuestions(questions []SurveyQuestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM survey_questions`); err != nil {
		return fmt.Errorf("clearing survey questions: %w", err)
	}
	for _, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO survey_questions (id, category, type, question, description, options_json, required, sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.Category, q.Type, q.Question, q.Description, string(opts), boolToInt(q.Required), q.Sequence); err != nil {
			return fmt.Errorf("inserting survey question %s: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListSurveyQuestions() ([]SurveyQuestion, error) {
	rows, err := s.db.Query(`SELECT id, category, type, question, description, options_json, required, sequence
		FROM survey_questions ORDER BY sequence ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SurveyQuestion
	for rows.Next() {
		var q SurveyQuestion
		var opts string
		var required int
		if err := rows.Scan(&q.ID, &q.Category, &q.Type, &q.Question, &q.Description, &opts, &required, &q.Sequence); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("decoding options of %s: %w", q.ID, err)
		}
		q.Required = required == 1
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpsertSurveyAnswers writes all answers for userID in one transaction,
// replacing earlier answers to the same questions.
func (s *Store) UpsertSurveyAnswers(userID string, answers map[string]string) ([]SurveyAnswer, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning survey transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Second)
	ids := make([]string, 0, len(answers))
	for qid := range answers {
		ids = append(ids, qid)
	}
	sort.Strings(ids)

	out := make([]SurveyAnswer, 0, len(answers))
	for _, qid := range ids {
		text := answers[qid]
		if _, err := tx.Exec(`INSERT INTO user_responses (user_id, question_id, response_text, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, question_id) DO UPDATE SET response_text = excluded.response_text, updated_at = excluded.updated_at`,
			userID, qid, text, formatTime(now)); err != nil {
			return nil, fmt.Errorf("upserting answer %s: %w", qid, err)
		}
		out = append(out, SurveyAnswer{QuestionID: qid, ResponseText: text, UpdatedAt: now})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListSurveyAnswers(userID string) ([]SurveyAnswer, error) {
	rows, err := s.db.Query(`SELECT question_id, response_text, updated_at FROM user_responses
		WHERE user_id = ? ORDER BY question_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SurveyAnswer
	for rows.Next() {
		var a SurveyAnswer
		var updatedAt string
		if err := rows.Scan(&a.QuestionID, &a.ResponseText, &updatedAt); err != nil {
			return nil, err
		}
		if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
