package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/council/internal/advisor"
	"github.com/kalambet/council/internal/api"
	"github.com/kalambet/council/internal/config"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/enrich"
	"github.com/kalambet/council/internal/imagegen"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/metrics"
	"github.com/kalambet/council/internal/profile"
	"github.com/kalambet/council/internal/speech"
	"github.com/kalambet/council/internal/storage"
	"github.com/kalambet/council/internal/survey"
	"github.com/kalambet/council/internal/voice"
)

// services is every component built from one config. Collaborators whose
// API key is missing are left as nil interfaces so components degrade
// instead of calling out.
type services struct {
	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	generator    *advisor.Generator
	enricher     *enrich.Enricher
	conversation *conversation.Orchestrator
	profile      *profile.Manager
	survey       *survey.Service

	images api.ImageGenerator
	speech api.Transcriber
}

func buildServices(cfg config.Config, store *storage.Store) *services {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)

	llmClient := llm.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.BaseURL)

	var (
		genImages    advisor.PortraitGenerator
		enrichImages enrich.PortraitGenerator
		apiImages    api.ImageGenerator
	)
	if c := imagegen.NewClient(cfg.Image.APIKey, cfg.Image.BaseURL, cfg.Image.Model); c.Configured() {
		genImages, enrichImages, apiImages = c, c, c
	}

	var (
		designer    enrich.VoiceDesigner
		synthesizer conversation.Synthesizer
	)
	if c := voice.NewClient(cfg.Voice.APIKey, cfg.Voice.BaseURL, cfg.Voice.TTSModel); c.Configured() {
		designer, synthesizer = c, c
	}

	var transcriber api.Transcriber
	if c := speech.NewClient(cfg.Speech.APIKey, cfg.Speech.BaseURL, cfg.Speech.Model); c.Configured() {
		transcriber = c
	}

	profiles := profile.NewManager(store)
	return &services{
		store:    store,
		registry: reg,
		metrics:  m,
		generator: advisor.NewGenerator(llmClient, genImages, store, advisor.Options{
			Model: cfg.LLM.GenerationModel,
		}, m),
		enricher: enrich.NewEnricher(llmClient, enrichImages, designer, store, enrich.Options{
			Model:       cfg.LLM.ChatModel,
			Concurrency: cfg.Enrichment.Concurrency,
			Lease:       cfg.Enrichment.LeaseDuration(),
			ActiveOnly:  true,
		}, m),
		conversation: conversation.New(llmClient, synthesizer, store, profiles, conversation.Options{
			Model: cfg.LLM.ChatModel,
		}, m),
		profile: profiles,
		survey:  survey.NewService(store),
		images:  apiImages,
		speech:  transcriber,
	}
}

func (s *services) appDeps(cfg config.Config) api.AppDeps {
	return api.AppDeps{
		Store:        s.store,
		Generator:    s.generator,
		Enricher:     s.enricher,
		Conversation: s.conversation,
		Profile:      s.profile,
		Survey:       s.survey,
		Images:       s.images,
		Speech:       s.speech,
		Gatherer:     s.registry,
		DevMode:      cfg.App.IsDevelopment(),
	}
}
