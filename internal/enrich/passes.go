package enrich

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/storage"
)

// EnrichCouncil runs a pass over the user's active members that still miss
// some media.
func (e *Enricher) EnrichCouncil(ctx context.Context, userID string) ([]Result, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated("enrich.council")
	}
	members, err := e.store.ListMembersNeedingEnrichment(userID)
	if err != nil {
		return nil, apperr.Persistence("enrich.council", err)
	}
	return e.Enrich(ctx, members), nil
}

// EnrichMembers runs a pass over specific members of userID. Ids that no
// longer exist are skipped.
func (e *Enricher) EnrichMembers(ctx context.Context, userID string, ids []string) ([]Result, error) {
	members := make([]storage.CouncilMember, 0, len(ids))
	for _, id := range ids {
		m, err := e.store.GetCouncilMember(userID, id)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("member to enrich no longer exists", "member_id", id)
			continue
		}
		if err != nil {
			return nil, apperr.Persistence("enrich.members", err)
		}
		members = append(members, m)
	}
	return e.Enrich(ctx, members), nil
}

// VoiceResult is the outcome of designing one member's voice.
type VoiceResult struct {
	MemberID string `json:"memberId"`
	Success  bool   `json:"success"`
	VoiceID  string `json:"voiceId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GenerateMissingVoices designs voices for every member, across all users,
// that has a voice description but no voice id. Active state is ignored.
func (e *Enricher) GenerateMissingVoices(ctx context.Context) (int, []VoiceResult, error) {
	if e.voices == nil {
		return 0, nil, apperr.InvalidInput("enrich.voices", "voice API is not configured")
	}
	members, err := e.store.ListMembersWithoutVoice()
	if err != nil {
		return 0, nil, apperr.Persistence("enrich.voices", err)
	}

	results := make([]VoiceResult, len(members))
	var eg errgroup.Group
	eg.SetLimit(e.opts.Concurrency)
	for i, m := range members {
		eg.Go(func() error {
			results[i] = e.designVoice(ctx, m)
			return nil
		})
	}
	eg.Wait()
	return len(members), results, nil
}

func (e *Enricher) designVoice(ctx context.Context, m storage.CouncilMember) VoiceResult {
	res := VoiceResult{MemberID: m.ID}
	if m.VoiceDescription == "" {
		res.Error = "no voice description"
		return res
	}
	claimed, err := e.store.ClaimMemberForEnrichment(m.UserID, m.ID, e.opts.Lease)
	if err != nil || !claimed {
		res.Error = "member is being enriched"
		if err != nil {
			res.Error = err.Error()
		}
		return res
	}
	defer func() {
		if err := e.store.ReleaseMemberClaim(m.UserID, m.ID); err != nil {
			e.logger.Warn("releasing enrichment claim", "member_id", m.ID, "error", err)
		}
	}()

	voiceID, err := e.voices.DesignVoice(ctx, m.Name, m.VoiceDescription)
	if err == nil {
		err = e.store.SetMemberVoiceID(m.UserID, m.ID, voiceID)
	}
	if err != nil {
		e.metrics.IncEnrichStep("voice", StepFailed)
		e.logger.Warn("voice generation failed", "member_id", m.ID, "error", err)
		res.Error = fmt.Sprintf("voice: %v", err)
		return res
	}
	e.metrics.IncEnrichStep("voice", StepGenerated)
	res.Success = true
	res.VoiceID = voiceID
	return res
}
