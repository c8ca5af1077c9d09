// Package enrich fills in the generated media of council members: image and
// voice descriptions, a portrait and a durable voice identity. Every step
// only runs when its field is still empty, so repeated passes are cheap.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/metrics"
	"github.com/kalambet/council/internal/storage"
)

// Completer runs a non-streaming chat completion.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
}

// PortraitGenerator produces a hosted portrait URL.
type PortraitGenerator interface {
	Portrait(ctx context.Context, name, appearance string) (string, error)
}

// VoiceDesigner turns a voice description into a durable voice id. It must
// return an id only when the voice exists upstream.
type VoiceDesigner interface {
	DesignVoice(ctx context.Context, name, description string) (string, error)
}

// Store is the persistence the enricher needs.
type Store interface {
	GetCouncilMember(userID, id string) (storage.CouncilMember, error)
	SetMemberDescriptions(userID, id, imageDesc, voiceDesc string) error
	SetMemberImageURL(userID, id, url string) error
	SetMemberVoiceID(userID, id, voiceID string) error
	ClaimMemberForEnrichment(userID, id string, lease time.Duration) (bool, error)
	ReleaseMemberClaim(userID, id string) error
	ListMembersNeedingEnrichment(userID string) ([]storage.CouncilMember, error)
	ListMembersWithoutVoice() ([]storage.CouncilMember, error)
}

// Step outcomes reported in a Result.
const (
	StepPresent     = "present"     // already filled, nothing done
	StepGenerated   = "generated"   // filled by this pass
	StepFailed      = "failed"      // attempted and failed, retried on a later pass
	StepUnavailable = "unavailable" // collaborator missing or prerequisite absent
)

// Result reports what one pass did to one member.
type Result struct {
	MemberID     string   `json:"member_id"`
	Name         string   `json:"name"`
	Skipped      bool     `json:"skipped,omitempty"`
	Descriptions string   `json:"descriptions,omitempty"`
	Image        string   `json:"image,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Failed reports whether any step failed.
func (r Result) Failed() bool {
	return r.Descriptions == StepFailed || r.Image == StepFailed || r.Voice == StepFailed
}

// Options tune an Enricher. Zero values use defaults.
type Options struct {
	Model       string
	Concurrency int
	Lease       time.Duration
	// ActiveOnly restricts description and voice generation to members of
	// an active council. Portraits are still generated for candidates.
	ActiveOnly bool
}

type Enricher struct {
	llm     Completer
	images  PortraitGenerator
	voices  VoiceDesigner
	store   Store
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEnricher wires an Enricher. images and voices may be nil when the
// corresponding API is not configured.
func NewEnricher(c Completer, images PortraitGenerator, voices VoiceDesigner, store Store, opts Options, m *metrics.Metrics) *Enricher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	return &Enricher{
		llm:     c,
		images:  images,
		voices:  voices,
		store:   store,
		opts:    opts,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Enrich runs one pass over members in parallel and returns a result per
// member in input order. One member's failure never stops the others.
func (e *Enricher) Enrich(ctx context.Context, members []storage.CouncilMember) []Result {
	results := make([]Result, len(members))
	var eg errgroup.Group
	eg.SetLimit(e.opts.Concurrency)
	for i := range members {
		eg.Go(func() error {
			results[i] = e.enrichOne(ctx, members[i])
			return nil
		})
	}
	eg.Wait()
	return results
}

var collaborators = map[string]string{
	"descriptions": "llm",
	"image":        "image",
	"voice":        "voice",
}

func (e *Enricher) complete(m storage.CouncilMember) bool {
	return !m.NeedsDescriptions() && !m.NeedsImage() && !m.NeedsVoice()
}

func (e *Enricher) enrichOne(ctx context.Context, m storage.CouncilMember) Result {
	res := Result{MemberID: m.ID, Name: m.Name}
	if e.complete(m) {
		res.Descriptions, res.Image, res.Voice = StepPresent, StepPresent, StepPresent
		return res
	}

	claimed, err := e.store.ClaimMemberForEnrichment(m.UserID, m.ID, e.opts.Lease)
	if err != nil {
		e.logger.Warn("claiming member for enrichment", "member_id", m.ID, "error", err)
		res.Skipped = true
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if !claimed {
		e.logger.Info("member is being enriched by another pass", "member_id", m.ID)
		res.Skipped = true
		return res
	}
	defer func() {
		if err := e.store.ReleaseMemberClaim(m.UserID, m.ID); err != nil {
			e.logger.Warn("releasing enrichment claim", "member_id", m.ID, "error", err)
		}
	}()

	// The caller's copy may predate another pass that finished meanwhile.
	if fresh, err := e.store.GetCouncilMember(m.UserID, m.ID); err == nil {
		m = fresh
	}
	if e.complete(m) {
		res.Descriptions, res.Image, res.Voice = StepPresent, StepPresent, StepPresent
		return res
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		id  = m.ID
		log = func(step string, err error) {
			mu.Lock()
			res.Errors = append(res.Errors, step+": "+err.Error())
			mu.Unlock()
			if apperr.KindOf(err) == apperr.KindUpstream {
				e.metrics.IncUpstreamError(collaborators[step], apperr.UpstreamStatus(err))
			}
			e.logger.Warn("enrichment step failed", "member_id", id, "step", step, "error", err)
		}
	)

	snapshot := m
	wg.Add(1)
	go func() {
		defer wg.Done()
		res.Image = e.imageStep(ctx, snapshot, log)
		e.metrics.IncEnrichStep("image", res.Image)
	}()

	res.Descriptions = e.descriptionStep(ctx, &m, log)
	e.metrics.IncEnrichStep("descriptions", res.Descriptions)
	res.Voice = e.voiceStep(ctx, m, log)
	e.metrics.IncEnrichStep("voice", res.Voice)

	wg.Wait()
	return res
}

func (e *Enricher) descriptionStep(ctx context.Context, m *storage.CouncilMember, log func(string, error)) string {
	if !m.NeedsDescriptions() {
		return StepPresent
	}
	if e.llm == nil || (e.opts.ActiveOnly && !m.IsActive) {
		return StepUnavailable
	}
	if err := e.describe(ctx, m); err != nil {
		log("descriptions", err)
		return StepFailed
	}
	return StepGenerated
}

func (e *Enricher) imageStep(ctx context.Context, m storage.CouncilMember, log func(string, error)) string {
	if !m.NeedsImage() {
		return StepPresent
	}
	if e.images == nil {
		return StepUnavailable
	}
	url, err := e.images.Portrait(ctx, m.Name, m.ImageDescription)
	if err != nil {
		log("image", err)
		return StepFailed
	}
	if err := e.store.SetMemberImageURL(m.UserID, m.ID, url); err != nil {
		if errors.Is(err, storage.ErrAlreadySet) {
			return StepPresent
		}
		log("image", err)
		return StepFailed
	}
	return StepGenerated
}

// voiceStep runs after descriptionStep because it reads the voice description.
func (e *Enricher) voiceStep(ctx context.Context, m storage.CouncilMember, log func(string, error)) string {
	if !m.NeedsVoice() {
		return StepPresent
	}
	if e.voices == nil || m.VoiceDescription == "" || (e.opts.ActiveOnly && !m.IsActive) {
		return StepUnavailable
	}
	voiceID, err := e.voices.DesignVoice(ctx, m.Name, m.VoiceDescription)
	if err != nil {
		log("voice", err)
		return StepFailed
	}
	if err := e.store.SetMemberVoiceID(m.UserID, m.ID, voiceID); err != nil {
		if errors.Is(err, storage.ErrAlreadySet) {
			return StepPresent
		}
		log("voice", err)
		return StepFailed
	}
	return StepGenerated
}
