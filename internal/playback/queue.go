// Package playback speaks advisor replies one at a time. A single consumer
// goroutine drains a FIFO channel; each item moves through a small state
// machine and audio is cached per persona and text.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State of one queued item.
type State int

const (
	Pending State = iota
	Speaking
	Done
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Speaking:
		return "speaking"
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Item is one conversation turn offered for playback.
type Item struct {
	ID        string // caller's turn id, echoed in transitions
	PersonaID string
	Text      string
	User      bool // user turns are never spoken
	Voiced    bool // persona has a voice identity
}

func (it Item) speakable() bool {
	return !it.User && it.Voiced && it.PersonaID != "" && it.Text != ""
}

// Transition reports a state change of an item.
type Transition struct {
	Item Item
	From State
	To   State
}

// Synthesizer fetches audio for a persona's line.
type Synthesizer interface {
	Speak(ctx context.Context, personaID, text string) ([]byte, error)
}

// Player renders decoded audio and returns when playback has finished.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// Options tune a Queue. Zero values use defaults.
type Options struct {
	CacheSize int
	Buffer    int
	// PrefetchConcurrency bounds background synthesis.
	PrefetchConcurrency int
	// OnTransition is called from the consumer goroutine on every state
	// change. It must not block for long.
	OnTransition func(Transition)
}

// ErrRunning is returned when a second consumer is started.
var ErrRunning = errors.New("playback queue already running")

// Queue sequences playback.
type Queue struct {
	synth  Synthesizer
	player Player
	opts   Options
	cache  *lru.Cache[string, []byte]
	group  singleflight.Group

	enabled atomic.Bool
	running atomic.Bool
	items   chan Item
	done    chan struct{}
	closeMu sync.Once

	prefetching sync.WaitGroup
	logger      *slog.Logger
}

// NewQueue creates a queue with voice enabled. Start it with Run.
func NewQueue(synth Synthesizer, player Player, opts Options) (*Queue, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	if opts.PrefetchConcurrency <= 0 {
		opts.PrefetchConcurrency = 2
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating audio cache: %w", err)
	}
	q := &Queue{
		synth:  synth,
		player: player,
		opts:   opts,
		cache:  cache,
		items:  make(chan Item, opts.Buffer),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	q.enabled.Store(true)
	return q, nil
}

// SetEnabled toggles voice. The flag is read when an item is dequeued, so
// items already queued follow the value at their turn.
func (q *Queue) SetEnabled(on bool) { q.enabled.Store(on) }

// Enabled reports the current voice toggle.
func (q *Queue) Enabled() bool { return q.enabled.Load() }

// Enqueue appends items in order. Items offered after the consumer stopped
// are reported as skipped.
func (q *Queue) Enqueue(items ...Item) {
	for _, it := range items {
		select {
		case q.items <- it:
		case <-q.done:
			q.transition(it, Pending, Skipped)
		}
	}
}

// Run consumes the queue until ctx is done. Only one Run may be active.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer q.closeMu.Do(func() { close(q.done) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-q.items:
			q.play(ctx, it)
		}
	}
}

// play drives one item to a terminal state.
func (q *Queue) play(ctx context.Context, it Item) {
	if !it.speakable() || !q.enabled.Load() {
		q.transition(it, Pending, Skipped)
		return
	}

	audio, err := q.audio(ctx, it)
	if err != nil {
		q.logger.Warn("synthesis failed", "persona_id", it.PersonaID, "error", err)
		q.transition(it, Pending, Done)
		return
	}
	if _, err := Detect(audio); err != nil {
		q.logger.Warn("undecodable audio", "persona_id", it.PersonaID, "error", err)
		q.transition(it, Pending, Done)
		return
	}

	q.transition(it, Pending, Speaking)
	if err := q.player.Play(ctx, audio); err != nil {
		q.logger.Warn("playback failed", "persona_id", it.PersonaID, "error", err)
	}
	q.transition(it, Speaking, Done)
}

// audio returns cached audio or synthesizes it. Concurrent requests for the
// same line share one call.
func (q *Queue) audio(ctx context.Context, it Item) ([]byte, error) {
	key := cacheKey(it.PersonaID, it.Text)
	if b, ok := q.cache.Get(key); ok {
		return b, nil
	}
	v, err, _ := q.group.Do(key, func() (any, error) {
		if b, ok := q.cache.Get(key); ok {
			return b, nil
		}
		b, err := q.synth.Speak(ctx, it.PersonaID, it.Text)
		if err != nil {
			return nil, err
		}
		q.cache.Add(key, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Prefetch warms the cache for speakable items in the background.
func (q *Queue) Prefetch(ctx context.Context, items ...Item) {
	var todo []Item
	for _, it := range items {
		if it.speakable() && !q.Cached(it.PersonaID, it.Text) {
			todo = append(todo, it)
		}
	}
	if len(todo) == 0 {
		return
	}

	q.prefetching.Add(1)
	go func() {
		defer q.prefetching.Done()
		var eg errgroup.Group
		eg.SetLimit(q.opts.PrefetchConcurrency)
		for _, it := range todo {
			eg.Go(func() error {
				if _, err := q.audio(ctx, it); err != nil {
					q.logger.Debug("prefetch failed", "persona_id", it.PersonaID, "error", err)
				}
				return nil
			})
		}
		eg.Wait()
	}()
}

// WaitPrefetch blocks until background prefetches finish.
func (q *Queue) WaitPrefetch() { q.prefetching.Wait() }

// Cached reports whether audio for the line is in the cache.
func (q *Queue) Cached(personaID, text string) bool {
	return q.cache.Contains(cacheKey(personaID, text))
}

func (q *Queue) transition(it Item, from, to State) {
	if q.opts.OnTransition != nil {
		q.opts.OnTransition(Transition{Item: it, From: from, To: to})
	}
}

func cacheKey(personaID, text string) string {
	return personaID + "\x00" + text
}
