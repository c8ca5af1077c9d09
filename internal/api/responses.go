package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/questionnaire"
)

type storeResponsesRequest struct {
	FormattedAnswers []questionnaire.Answer `json:"formattedAnswers"`
}

type storedResponse struct {
	ID        string                  `json:"id"`
	Sections  []questionnaire.Section `json:"sections"`
	CreatedAt time.Time               `json:"created_at"`
}

func handleStoreResponses(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "responses.store"
		var req storeResponsesRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		sections, err := questionnaire.Prepare(questionnaire.Group(req.FormattedAnswers))
		if err != nil {
			writeError(w, r, err)
			return
		}
		data, err := json.Marshal(sections)
		if err != nil {
			writeError(w, r, apperr.InvalidInput(op, "encoding answers: %v", err))
			return
		}

		userID := UserID(r.Context())
		saved, err := deps.Store.SaveQuestionnaireResponse(userID, string(data))
		if err != nil {
			writeError(w, r, apperr.Persistence(op, err))
			return
		}
		if deps.Profile != nil {
			deps.Profile.Invalidate(userID)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    storedResponse{ID: saved.ID, Sections: sections, CreatedAt: saved.CreatedAt},
		})
	}
}

func handleSurveyQuestions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs, err := deps.Survey.Questions()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
	}
}

type surveySubmitRequest struct {
	Answers map[string]any `json:"answers"`
}

func handleSurveySubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req surveySubmitRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		userID := UserID(r.Context())
		saved, err := deps.Survey.Submit(userID, req.Answers)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if deps.Profile != nil {
			deps.Profile.Invalidate(userID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": saved})
	}
}

// handleSurveySeed is unauthenticated and only exists in development.
func handleSurveySeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.DevMode {
			http.NotFound(w, r)
			return
		}
		qs, err := deps.Survey.Seed()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "questions": qs})
	}
}
