package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

type generateRequest struct {
	QuestionnaireData []questionnaire.Section `json:"questionnaireData"`
}

func handleGenerateAdvisors(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := deps.Generator.Generate(r.Context(), UserID(r.Context()), req.QuestionnaireData)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListCouncil(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		members, err := deps.Store.ListCouncilMembers(UserID(r.Context()), activeOnly)
		if err != nil {
			writeError(w, r, apperr.Persistence("council.list", err))
			return
		}
		if members == nil {
			members = []storage.CouncilMember{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	}
}

type selectRequest struct {
	SelectedAdvisors []string `json:"selectedAdvisors"`
}

// handleSelectCouncil activates exactly MaxActiveMembers distinct members.
// Reselecting the current council is a no-op.
func handleSelectCouncil(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "council.select"
		var req selectRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		ids, err := distinctIDs(req.SelectedAdvisors)
		if err != nil {
			writeError(w, r, err)
			return
		}

		userID := UserID(r.Context())
		err = deps.Store.ActivateCouncilMembers(userID, ids)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, apperr.NotFound(op, "one or more selected advisors do not exist"))
			return
		case errors.Is(err, storage.ErrActiveLimit):
			writeError(w, r, apperr.InvalidInput(op, "a council is already active; reset it before selecting a new one"))
			return
		case err != nil:
			writeError(w, r, apperr.Persistence(op, err))
			return
		}

		enqueueCouncilEnrichment(deps.Store, userID)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func distinctIDs(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) != storage.MaxActiveMembers || len(raw) != storage.MaxActiveMembers {
		return nil, apperr.InvalidInput("council.select", "exactly %d distinct advisors must be selected", storage.MaxActiveMembers)
	}
	return ids, nil
}

// enqueueCouncilEnrichment queues a pass over the active council. Failure is
// logged; the select itself already succeeded.
func enqueueCouncilEnrichment(store *storage.Store, userID string) {
	payload, err := json.Marshal(storage.EnrichCouncilPayload{UserID: userID})
	if err != nil {
		slog.Warn("encoding enrichment payload", "user_id", userID, "error", err)
		return
	}
	if _, err := store.EnqueueJob(storage.Job{Type: storage.JobEnrichCouncil, PayloadJSON: string(payload)}); err != nil {
		slog.Warn("failed to enqueue council enrichment", "user_id", userID, "error", err)
	}
}

func handleResetCouncil(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.DeactivateCouncil(UserID(r.Context()))
		if err != nil {
			writeError(w, r, apperr.Persistence("council.reset", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deactivated": n})
	}
}

func handlePopulateExtraData(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := deps.Enricher.EnrichCouncil(r.Context(), UserID(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		success := true
		for _, res := range results {
			if res.Failed() || res.Skipped {
				success = false
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": success, "results": results})
	}
}

func handleGenerateImage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "council.image"
		if deps.Images == nil {
			writeError(w, r, apperr.InvalidInput(op, "image generation is not configured"))
			return
		}
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			writeError(w, r, apperr.InvalidInput(op, "name is required"))
			return
		}
		url, err := deps.Images.Portrait(r.Context(), name, "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"imageUrl": url})
	}
}

func handleActiveVoices(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		voices, err := deps.Store.ListActiveVoices(UserID(r.Context()))
		if err != nil {
			writeError(w, r, apperr.Persistence("council.voices", err))
			return
		}
		if voices == nil {
			voices = []storage.ActiveVoice{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
	}
}

func handleGenerateVoices(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, results, err := deps.Enricher.GenerateMissingVoices(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": total, "results": results})
	}
}
