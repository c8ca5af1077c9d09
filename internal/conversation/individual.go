package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/storage"
	"github.com/kalambet/council/internal/voice"
)

const (
	individualMaxTokens   = 150
	individualTemperature = 0.7
)

// InlineAudio is synthesized speech carried in a JSON reply.
type InlineAudio struct {
	Data string `json:"data"` // base64
	Type string `json:"type"`
}

// IndividualReply is one persona's answer. Audio is only set when the
// persona has a voice and synthesis succeeded.
type IndividualReply struct {
	Response string       `json:"response"`
	Audio    *InlineAudio `json:"audio,omitempty"`
}

// Individual asks a single persona, synchronously.
func (o *Orchestrator) Individual(ctx context.Context, userID, memberID, question string) (_ *IndividualReply, err error) {
	const op = "conversation.individual"
	start := time.Now()
	defer func() { o.metrics.ObserveChat("individual", outcome(err), time.Since(start)) }()

	m, err := o.member(op, userID, memberID)
	if err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.InvalidInput(op, "question is required")
	}

	raw, err := o.llm.Complete(ctx, llm.ChatRequest{
		Model: o.opts.Model,
		Messages: []llm.Message{
			llm.System(individualPrompt(m)),
			llm.User("Question: " + question),
		},
		MaxTokens:   individualMaxTokens,
		Temperature: llm.Temperature(individualTemperature),
	})
	if err != nil {
		o.metrics.IncUpstreamError("llm", apperr.UpstreamStatus(err))
		return nil, err
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, apperr.Parse(op, raw, errors.New("empty reply"))
	}

	reply := &IndividualReply{Response: text}
	if m.VoiceID != "" && o.voices != nil {
		audio, err := o.voices.Synthesize(ctx, m.VoiceID, text)
		if err != nil {
			o.metrics.IncUpstreamError("voice", apperr.UpstreamStatus(err))
			o.logger.Warn("inline speech failed, returning text only", "member_id", m.ID, "error", err)
		} else {
			reply.Audio = &InlineAudio{
				Data: base64.StdEncoding.EncodeToString(audio),
				Type: voice.MediaType,
			}
		}
	}
	return reply, nil
}

// Speak synthesizes text in a member's voice.
func (o *Orchestrator) Speak(ctx context.Context, userID, memberID, text string) ([]byte, error) {
	const op = "conversation.speak"
	if o.voices == nil {
		return nil, apperr.InvalidInput(op, "voice synthesis is not configured")
	}
	m, err := o.member(op, userID, memberID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.InvalidInput(op, "text is required")
	}
	if m.VoiceID == "" {
		return nil, apperr.NotFound(op, "member %s has no voice yet", m.ID)
	}
	audio, err := o.voices.Synthesize(ctx, m.VoiceID, text)
	if err != nil {
		o.metrics.IncUpstreamError("voice", apperr.UpstreamStatus(err))
		return nil, err
	}
	return audio, nil
}

func (o *Orchestrator) member(op, userID, memberID string) (storage.CouncilMember, error) {
	if userID == "" {
		return storage.CouncilMember{}, apperr.Unauthenticated(op)
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return storage.CouncilMember{}, apperr.InvalidInput(op, "memberId is required")
	}
	m, err := o.store.GetCouncilMember(userID, memberID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.CouncilMember{}, apperr.NotFound(op, "council member %s not found", memberID)
	}
	if err != nil {
		return storage.CouncilMember{}, apperr.Persistence(op, err)
	}
	return m, nil
}
