// Package conversation runs council chats: group mode streams a structured
// multi-advisor reply, individual mode asks a single persona.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/metrics"
	"github.com/kalambet/council/internal/storage"
)

// LLM is the chat completion client.
type LLM interface {
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
	Stream(ctx context.Context, req llm.ChatRequest, onDelta func(string) error) error
}

// Synthesizer turns text into audio in a persona's voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// Store is the persona lookup the orchestrator needs.
type Store interface {
	ListCouncilMembers(userID string, activeOnly bool) ([]storage.CouncilMember, error)
	GetCouncilMember(userID, id string) (storage.CouncilMember, error)
}

// ContextSource supplies the user-context summary embedded in group prompts.
type ContextSource interface {
	Summary(userID string) (string, error)
}

// Turn is one entry of the client-held transcript.
type Turn struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"` // SenderUser or a council member id
	Timestamp time.Time `json:"timestamp"`
}

// Options tune an Orchestrator. Zero values use defaults.
type Options struct {
	Model string
	// GroupMaxTokens bounds the group reply.
	GroupMaxTokens int
	// HistoryBudget is the character budget for prior turns; oldest turns
	// are dropped first.
	HistoryBudget int
}

// Orchestrator holds the injected clients.
type Orchestrator struct {
	llm     LLM
	voices  Synthesizer
	store   Store
	context ContextSource
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New wires an Orchestrator. voices and ctxSrc may be nil.
func New(client LLM, voices Synthesizer, store Store, ctxSrc ContextSource, opts Options, m *metrics.Metrics) *Orchestrator {
	if opts.GroupMaxTokens <= 0 {
		opts.GroupMaxTokens = 1500
	}
	if opts.HistoryBudget <= 0 {
		opts.HistoryBudget = 12000
	}
	return &Orchestrator{
		llm:     client,
		voices:  voices,
		store:   store,
		context: ctxSrc,
		opts:    opts,
		metrics: m,
		logger:  slog.Default(),
	}
}

// activeRoster loads the user's active council, failing with NotFound when
// there is none.
func (o *Orchestrator) activeRoster(op, userID string) ([]storage.CouncilMember, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated(op)
	}
	members, err := o.store.ListCouncilMembers(userID, true)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if len(members) == 0 {
		return nil, apperr.NotFound(op, "no active council members")
	}
	return members, nil
}

func (o *Orchestrator) userContext(userID string) string {
	if o.context == nil {
		return ""
	}
	s, err := o.context.Summary(userID)
	if err != nil {
		o.logger.Warn("user context unavailable", "user_id", userID, "error", err)
		return ""
	}
	return s
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}
