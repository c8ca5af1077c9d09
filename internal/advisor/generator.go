// Package advisor turns a completed questionnaire into a batch of advisor
// personas: one LLM call, strict decoding, portraits and an all-or-nothing
// insert, followed by an enrichment job handoff.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/metrics"
	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

// Completer runs a non-streaming chat completion.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
}

// PortraitGenerator produces a hosted portrait URL for a persona name.
type PortraitGenerator interface {
	Portrait(ctx context.Context, name, appearance string) (string, error)
}

// Store is the persistence the generator needs.
type Store interface {
	InsertCouncilMembers(userID string, members []storage.CouncilMember) error
	EnqueueJob(job storage.Job) (string, error)
}

// Options tune a Generator. Zero values use defaults.
type Options struct {
	Model               string
	MaxTokens           int
	PortraitConcurrency int
}

// Result is what a generation returns to the caller.
type Result struct {
	InitialJustification string                  `json:"initialJustification"`
	Advisors             []Candidate             `json:"advisors"`
	FollowUp             string                  `json:"followUp"`
	CouncilMembers       []storage.CouncilMember `json:"councilMembers"`
}

type Generator struct {
	llm     Completer
	images  PortraitGenerator
	store   Store
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGenerator wires a Generator. images may be nil, in which case portraits
// are left to enrichment.
func NewGenerator(c Completer, images PortraitGenerator, store Store, opts Options, m *metrics.Metrics) *Generator {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	if opts.PortraitConcurrency <= 0 {
		opts.PortraitConcurrency = 4
	}
	return &Generator{
		llm:     c,
		images:  images,
		store:   store,
		opts:    opts,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Generate runs the whole pipeline for userID. Nothing is persisted unless
// every step before the insert succeeds.
func (g *Generator) Generate(ctx context.Context, userID string, sections []questionnaire.Section) (res *Result, err error) {
	start := time.Now()
	defer func() {
		g.metrics.ObserveGeneration(outcome(err), time.Since(start))
	}()

	if userID == "" {
		return nil, apperr.Unauthenticated("advisor.generate")
	}
	sections, err = questionnaire.Prepare(sections)
	if err != nil {
		return nil, err
	}

	raw, err := g.llm.Complete(ctx, llm.ChatRequest{
		Model: g.opts.Model,
		Messages: []llm.Message{
			llm.System(systemPrompt),
			llm.User(BuildPrompt(questionnaire.Format(sections))),
		},
		MaxTokens:      g.opts.MaxTokens,
		ResponseFormat: llm.JSONObject,
	})
	if err != nil {
		g.metrics.IncUpstreamError("llm", apperr.UpstreamStatus(err))
		return nil, err
	}

	gen, err := Decode(raw)
	if err != nil {
		g.logger.Error("advisor output failed validation", "user_id", userID, "error", err, "raw", compact(raw))
		return nil, err
	}

	members := make([]storage.CouncilMember, len(gen.Advisors))
	for i, c := range gen.Advisors {
		members[i] = c.Member()
	}
	if err := g.portraits(ctx, members); err != nil {
		return nil, err
	}

	if err := g.store.InsertCouncilMembers(userID, members); err != nil {
		return nil, apperr.Persistence("advisor.insert", err)
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	g.enqueueEnrichment(userID, ids)

	return &Result{
		InitialJustification: gen.InitialJustification,
		Advisors:             gen.Advisors,
		FollowUp:             gen.FollowUp,
		CouncilMembers:       members,
	}, nil
}

// portraits fills ImageURL on every member concurrently. Any failure cancels
// the rest and fails the batch.
func (g *Generator) portraits(ctx context.Context, members []storage.CouncilMember) error {
	if g.images == nil {
		return nil
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.PortraitConcurrency)
	for i := range members {
		eg.Go(func() error {
			url, err := g.images.Portrait(egCtx, members[i].Name, "")
			if err != nil {
				g.metrics.IncUpstreamError("image", apperr.UpstreamStatus(err))
				return fmt.Errorf("portrait for %s: %w", members[i].Name, err)
			}
			members[i].ImageURL = url
			return nil
		})
	}
	return eg.Wait()
}

// enqueueEnrichment hands the new members to the enrichment worker. Failure
// is logged; the members are still picked up by the next enrichment pass.
func (g *Generator) enqueueEnrichment(userID string, memberIDs []string) {
	payload, err := json.Marshal(storage.EnrichCouncilPayload{UserID: userID, MemberIDs: memberIDs})
	if err != nil {
		g.logger.Warn("encoding enrichment payload", "user_id", userID, "error", err)
		return
	}
	id, err := g.store.EnqueueJob(storage.Job{Type: storage.JobEnrichCouncil, PayloadJSON: string(payload)})
	if err != nil {
		g.logger.Warn("failed to enqueue enrichment", "user_id", userID, "error", err)
		return
	}
	g.logger.Info("enrichment enqueued", "user_id", userID, "job_id", id)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}
