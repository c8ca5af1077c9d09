package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/council/internal/advisor"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/enrich"
	"github.com/kalambet/council/internal/metrics"
	"github.com/kalambet/council/internal/profile"
	"github.com/kalambet/council/internal/storage"
	"github.com/kalambet/council/internal/survey"
)

// ImageGenerator produces a hosted portrait URL.
type ImageGenerator interface {
	Portrait(ctx context.Context, name, appearance string) (string, error)
}

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// AppDeps holds everything the HTTP handlers need. Images and Speech may be
// nil when their API keys are not configured.
type AppDeps struct {
	Store        *storage.Store
	Generator    *advisor.Generator
	Enricher     *enrich.Enricher
	Conversation *conversation.Orchestrator
	Profile      *profile.Manager
	Survey       *survey.Service
	Images       ImageGenerator
	Speech       Transcriber
	Gatherer     prometheus.Gatherer
	DevMode      bool
}

// NewAppHandler returns the council HTTP API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Post("/api/survey/seed", handleSurveySeed(deps))

	r.Group(func(r chi.Router) {
		r.Use(UserAuth(deps.Store))

		r.Post("/api/generate-advisors", handleGenerateAdvisors(deps))
		r.Get("/api/council", handleListCouncil(deps))
		r.Post("/api/council/select", handleSelectCouncil(deps))
		r.Post("/api/council/reset", handleResetCouncil(deps))
		r.Post("/api/populate-extra-data", handlePopulateExtraData(deps))
		r.Get("/api/generate-advisor-image", handleGenerateImage(deps))
		r.Get("/api/get-active-voices", handleActiveVoices(deps))
		r.Post("/api/admin/generate-voices", handleGenerateVoices(deps))

		r.Post("/api/chat", handleChat(deps))
		r.Post("/api/council/chat/individual", handleIndividual(deps))
		r.Post("/api/council/speak", handleSpeak(deps))
		r.Post("/api/speech-to-text", handleSpeechToText(deps))

		r.Post("/api/store-user-responses", handleStoreResponses(deps))
		r.Get("/api/survey/questions", handleSurveyQuestions(deps))
		r.Post("/api/survey/submit", handleSurveySubmit(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
