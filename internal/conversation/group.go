package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/storage"
)

// Message is one advisor reply within a group turn.
type Message struct {
	AdviserID string `json:"adviserId"`
	Message   string `json:"message"`
}

// Snapshot is one view of a streaming group reply. Partial snapshots are for
// display only; the stream ends with exactly one snapshot that is either
// Final or carries Err.
type Snapshot struct {
	Messages []Message
	Final    bool
	Err      error
}

// Converse starts a group turn. Errors detected before the model is called
// are returned directly; later failures arrive as a Snapshot with Err set.
// The channel is closed after the last snapshot or when ctx is done.
func (o *Orchestrator) Converse(ctx context.Context, userID, message string, history []Turn) (<-chan Snapshot, error) {
	const op = "conversation.group"
	message = strings.TrimSpace(message)
	roster, err := o.activeRoster(op, userID)
	if err != nil {
		return nil, err
	}
	if message == "" {
		return nil, apperr.InvalidInput(op, "message is required")
	}

	prompt := buildGroupPrompt(roster, o.userContext(userID), trimHistory(history, o.opts.HistoryBudget), message)
	req := llm.ChatRequest{
		Model:          o.opts.Model,
		Messages:       []llm.Message{llm.User(prompt)},
		MaxTokens:      o.opts.GroupMaxTokens,
		ResponseFormat: llm.JSONObject,
	}

	out := make(chan Snapshot, 8)
	go o.stream(ctx, userID, req, roster, out)
	return out, nil
}

func (o *Orchestrator) stream(ctx context.Context, userID string, req llm.ChatRequest, roster []storage.CouncilMember, out chan<- Snapshot) {
	defer close(out)
	start := time.Now()

	send := func(s Snapshot) bool {
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		buf  strings.Builder
		last []Message
	)
	err := o.llm.Stream(ctx, req, func(delta string) error {
		buf.WriteString(delta)
		msgs, ok := partialMessages(buf.String())
		if !ok || slices.Equal(msgs, last) {
			return nil
		}
		last = msgs
		if !send(Snapshot{Messages: msgs}) {
			return ctx.Err()
		}
		return nil
	})

	var final []Message
	if err == nil {
		final, err = o.decodeFinal(buf.String(), roster)
	}
	o.metrics.ObserveChat("group", outcome(err), time.Since(start))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUpstream {
			o.metrics.IncUpstreamError("llm", apperr.UpstreamStatus(err))
		}
		o.logger.Warn("group turn failed", "user_id", userID, "error", err)
		send(Snapshot{Err: err})
		return
	}
	send(Snapshot{Messages: final, Final: true})
}

// partialMessages repairs an incomplete buffer into the best current view of
// the reply. ok is false when nothing usable has arrived yet.
func partialMessages(buf string) ([]Message, bool) {
	start := strings.IndexByte(buf, '{')
	if start < 0 {
		return nil, false
	}
	fragment := strings.TrimRight(buf[start:], " \t\r\n`")
	repaired, err := jsonrepair.JSONRepair(fragment)
	if err != nil {
		return nil, false
	}
	var r struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(repaired), &r); err != nil {
		return nil, false
	}
	msgs := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.AdviserID == "" && m.Message == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, true
}

// decodeFinal strictly decodes the complete reply and keeps only entries
// from roster members with something to say, in emission order.
func (o *Orchestrator) decodeFinal(raw string, roster []storage.CouncilMember) ([]Message, error) {
	const op = "conversation.decode"
	dec := json.NewDecoder(strings.NewReader(llm.ExtractJSON(raw)))
	dec.DisallowUnknownFields()

	var r struct {
		Messages *[]Message `json:"messages"`
	}
	if err := dec.Decode(&r); err != nil {
		return nil, apperr.Parse(op, raw, fmt.Errorf("decoding council reply: %w", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, apperr.Parse(op, raw, errors.New("trailing data after council reply"))
	}
	if r.Messages == nil {
		return nil, apperr.Parse(op, raw, errors.New("messages is missing"))
	}

	onRoster := make(map[string]bool, len(roster))
	for _, m := range roster {
		onRoster[m.ID] = true
	}
	msgs := make([]Message, 0, len(*r.Messages))
	for _, m := range *r.Messages {
		m.AdviserID = strings.TrimSpace(m.AdviserID)
		m.Message = strings.TrimSpace(m.Message)
		if !onRoster[m.AdviserID] {
			o.logger.Warn("dropping reply from unknown adviser", "adviser_id", m.AdviserID)
			continue
		}
		if m.Message == "" {
			o.logger.Warn("dropping empty reply", "adviser_id", m.AdviserID)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
