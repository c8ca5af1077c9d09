// Package chatview holds the client side of a council chat: the transcript,
// the streaming view of an in-flight reply and the pacing of reveals.
package chatview

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/playback"
)

// Backend is the server API a session talks to. Implemented by
// client.Client.
type Backend interface {
	Chat(ctx context.Context, message string, history []conversation.Turn, onPartial func([]conversation.Message) error) ([]conversation.Message, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Ask(ctx context.Context, memberID, question string) (*conversation.IndividualReply, error)
}

// Renderer displays session state.
type Renderer interface {
	// Partial shows the in-flight reply. It is replaced by later calls and
	// discarded once the turn completes or fails.
	Partial(msgs []conversation.Message)
	// Reveal shows a committed turn.
	Reveal(turn conversation.Turn)
	// Failed reports a failed send.
	Failed(err error)
}

// Playback is the voice queue a session feeds. Implemented by
// playback.Queue.
type Playback interface {
	Enqueue(items ...playback.Item)
	Prefetch(ctx context.Context, items ...playback.Item)
	Enabled() bool
}

// Options tune a Session.
type Options struct {
	// RevealInterval is the minimum spacing between persona reveals when
	// voice is off.
	RevealInterval time.Duration
}

// Session is one chat transcript. History is append-only.
type Session struct {
	backend  Backend
	renderer Renderer
	playback Playback
	opts     Options

	mu       sync.Mutex
	history  []conversation.Turn
	voiced   map[string]bool
	revealed map[int]bool
	now      func() time.Time
}

// New creates a session. pb may be nil for text-only use.
func New(backend Backend, renderer Renderer, pb Playback, opts Options) *Session {
	return &Session{
		backend:  backend,
		renderer: renderer,
		playback: pb,
		opts:     opts,
		voiced:   make(map[string]bool),
		revealed: make(map[int]bool),
		now:      time.Now,
	}
}

// SetVoices records which personas have a voice identity.
func (s *Session) SetVoices(memberIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiced = make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		s.voiced[id] = true
	}
}

// History returns a copy of the transcript.
func (s *Session) History() []conversation.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Send posts a user message and commits the council's reply. On failure the
// partial reply is dropped and only the user turn stays in the history.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.InvalidInput("chatview.send", "message is empty")
	}

	s.mu.Lock()
	prior := make([]conversation.Turn, len(s.history))
	copy(prior, s.history)
	userIdx := s.appendLocked(conversation.Turn{Content: text, SenderID: conversation.SenderUser, Timestamp: s.now()})
	s.mu.Unlock()
	s.reveal(userIdx)

	final, err := s.backend.Chat(ctx, text, prior, func(msgs []conversation.Message) error {
		s.renderer.Partial(msgs)
		return nil
	})
	if err != nil {
		s.renderer.Failed(err)
		return err
	}

	s.mu.Lock()
	first := len(s.history)
	for _, m := range final {
		s.appendLocked(conversation.Turn{Content: m.Message, SenderID: m.AdviserID, Timestamp: s.now()})
	}
	last := len(s.history)
	s.mu.Unlock()

	if s.playback != nil && s.playback.Enabled() {
		s.speak(ctx, first, last)
		return nil
	}
	return s.revealPaced(ctx, first, last)
}

// SendAudio transcribes recorded speech and sends it.
func (s *Session) SendAudio(ctx context.Context, audio []byte) error {
	text, err := s.backend.Transcribe(ctx, audio)
	if err != nil {
		s.renderer.Failed(err)
		return err
	}
	if strings.TrimSpace(text) == "" {
		err := apperr.InvalidInput("chatview.audio", "no speech recognized")
		s.renderer.Failed(err)
		return err
	}
	return s.Send(ctx, text)
}

// Ask puts a question to one member. Individual replies are not part of the
// group transcript.
func (s *Session) Ask(ctx context.Context, memberID, question string) (*conversation.IndividualReply, error) {
	return s.backend.Ask(ctx, memberID, question)
}

// HandleTransition reveals persona turns as playback reaches them. Wire it
// to playback.Options.OnTransition.
func (s *Session) HandleTransition(tr playback.Transition) {
	if tr.To == playback.Pending {
		return
	}
	idx, err := strconv.Atoi(tr.Item.ID)
	if err != nil {
		return
	}
	s.reveal(idx)
}

func (s *Session) appendLocked(t conversation.Turn) int {
	s.history = append(s.history, t)
	return len(s.history) - 1
}

// speak hands the new turns to playback; they are revealed through
// HandleTransition.
func (s *Session) speak(ctx context.Context, first, last int) {
	s.mu.Lock()
	items := make([]playback.Item, 0, last-first)
	for i := first; i < last; i++ {
		t := s.history[i]
		items = append(items, playback.Item{
			ID:        strconv.Itoa(i),
			PersonaID: t.SenderID,
			Text:      t.Content,
			Voiced:    s.voiced[t.SenderID],
		})
	}
	s.mu.Unlock()

	s.playback.Prefetch(ctx, items...)
	s.playback.Enqueue(items...)
}

// revealPaced reveals turns [first, last) no faster than RevealInterval.
func (s *Session) revealPaced(ctx context.Context, first, last int) error {
	for i := first; i < last; i++ {
		if i > first && s.opts.RevealInterval > 0 {
			t := time.NewTimer(s.opts.RevealInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				// Committed turns still show, just without pacing.
				for j := i; j < last; j++ {
					s.reveal(j)
				}
				return ctx.Err()
			case <-t.C:
			}
		}
		s.reveal(i)
	}
	return nil
}

// reveal renders history[idx] once.
func (s *Session) reveal(idx int) {
	s.mu.Lock()
	if idx < 0 || idx >= len(s.history) || s.revealed[idx] {
		s.mu.Unlock()
		return
	}
	s.revealed[idx] = true
	t := s.history[idx]
	s.mu.Unlock()
	s.renderer.Reveal(t)
}
