package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/storage"
)

type mockLLM struct {
	calls atomic.Int32
	reply string
	err   error
}

func (m *mockLLM) Complete(_ context.Context, req llm.ChatRequest) (string, error) {
	m.calls.Add(1)
	return m.reply, m.err
}

type mockImages struct {
	calls atomic.Int32
	err   error
}

func (m *mockImages) Portrait(_ context.Context, name, _ string) (string, error) {
	m.calls.Add(1)
	if m.err != nil {
		return "", m.err
	}
	return "https://img/" + name, nil
}

type mockVoices struct {
	mu    sync.Mutex
	descs []string
	err   error
}

func (m *mockVoices) DesignVoice(_ context.Context, name, desc string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descs = append(m.descs, desc)
	if m.err != nil {
		return "", m.err
	}
	return "voice-" + name, nil
}

func (m *mockVoices) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.descs)
}

const descriptionsReply = `{"imageDescription": "Weathered face, grey beard.", "voiceDescription": "Deep, calm baritone."}`

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedCouncil inserts n members for userID and activates up to three of them.
func seedCouncil(t *testing.T, s *storage.Store, userID string, n int, activate bool) []storage.CouncilMember {
	t.Helper()
	members := make([]storage.CouncilMember, n)
	for i := range members {
		members[i] = storage.CouncilMember{
			Name:          fmt.Sprintf("Advisor%d", i),
			Description:   "desc",
			CharacterType: storage.TypeHistorical,
			Reason:        "why",
		}
	}
	if err := s.InsertCouncilMembers(userID, members); err != nil {
		t.Fatalf("InsertCouncilMembers: %v", err)
	}
	if activate {
		ids := make([]string, 0, n)
		for _, m := range members[:min(n, storage.MaxActiveMembers)] {
			ids = append(ids, m.ID)
		}
		if err := s.ActivateCouncilMembers(userID, ids); err != nil {
			t.Fatalf("ActivateCouncilMembers: %v", err)
		}
	}
	return reload(t, s, userID, members)
}

func reload(t *testing.T, s *storage.Store, userID string, members []storage.CouncilMember) []storage.CouncilMember {
	t.Helper()
	out := make([]storage.CouncilMember, len(members))
	for i, m := range members {
		got, err := s.GetCouncilMember(userID, m.ID)
		if err != nil {
			t.Fatalf("GetCouncilMember: %v", err)
		}
		out[i] = got
	}
	return out
}

func fullyEnrich(t *testing.T, s *storage.Store, m storage.CouncilMember) {
	t.Helper()
	if err := s.SetMemberDescriptions(m.UserID, m.ID, "img", "voice"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemberImageURL(m.UserID, m.ID, "https://img/existing"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemberVoiceID(m.UserID, m.ID, "voice-existing"); err != nil {
		t.Fatal(err)
	}
}

func TestEnrich_FullPass(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 3, true)
	l := &mockLLM{reply: descriptionsReply}
	img := &mockImages{}
	voices := &mockVoices{}
	e := NewEnricher(l, img, voices, s, Options{ActiveOnly: true}, nil)

	results := e.Enrich(context.Background(), members)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.MemberID != members[i].ID {
			t.Errorf("result %d is for %s, want input order", i, r.MemberID)
		}
		if r.Descriptions != StepGenerated || r.Image != StepGenerated || r.Voice != StepGenerated {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if l.calls.Load() != 3 || img.calls.Load() != 3 || voices.calls() != 3 {
		t.Errorf("calls llm=%d image=%d voice=%d", l.calls.Load(), img.calls.Load(), voices.calls())
	}

	for _, m := range reload(t, s, "u1", members) {
		if m.ImageDescription == "" || m.VoiceDescription == "" || m.ImageURL == "" || m.VoiceID == "" {
			t.Errorf("member %s not enriched: %+v", m.Name, m)
		}
	}
}

func TestEnrich_FullyEnrichedMakesZeroCalls(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 2, true)
	for _, m := range members {
		fullyEnrich(t, s, m)
	}
	before := reload(t, s, "u1", members)

	l := &mockLLM{reply: descriptionsReply}
	img := &mockImages{}
	voices := &mockVoices{}
	e := NewEnricher(l, img, voices, s, Options{}, nil)

	for range 2 {
		for _, r := range e.Enrich(context.Background(), before) {
			if r.Descriptions != StepPresent || r.Image != StepPresent || r.Voice != StepPresent {
				t.Errorf("result = %+v, want all present", r)
			}
		}
	}
	if l.calls.Load() != 0 || img.calls.Load() != 0 || voices.calls() != 0 {
		t.Errorf("calls llm=%d image=%d voice=%d, want 0", l.calls.Load(), img.calls.Load(), voices.calls())
	}
	after := reload(t, s, "u1", members)
	for i := range after {
		if after[i] != before[i] {
			t.Errorf("row changed:\n%+v\n%+v", before[i], after[i])
		}
	}
}

func TestEnrich_VoiceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := seedCouncil(t, s, "u1", 1, true)[0]
	if err := s.SetMemberDescriptions("u1", m.ID, "img", "D"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemberImageURL("u1", m.ID, "https://img/x"); err != nil {
		t.Fatal(err)
	}
	m = reload(t, s, "u1", []storage.CouncilMember{m})[0]

	l := &mockLLM{reply: descriptionsReply}
	voices := &mockVoices{}
	e := NewEnricher(l, &mockImages{}, voices, s, Options{}, nil)

	e.Enrich(context.Background(), []storage.CouncilMember{m})
	got := reload(t, s, "u1", []storage.CouncilMember{m})[0]
	if got.VoiceID == "" {
		t.Fatal("voice id not set after enrichment")
	}
	if voices.descs[0] != "D" {
		t.Errorf("voice designed from %q, want D", voices.descs[0])
	}
	if l.calls.Load() != 0 {
		t.Error("descriptions regenerated although both were present")
	}

	e.Enrich(context.Background(), []storage.CouncilMember{got})
	if voices.calls() != 1 {
		t.Errorf("voice calls = %d after second pass, want 1", voices.calls())
	}
}

func TestEnrich_DescriptionFeedsVoice(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 1, true)
	voices := &mockVoices{}
	e := NewEnricher(&mockLLM{reply: descriptionsReply}, nil, voices, s, Options{}, nil)

	r := e.Enrich(context.Background(), members)[0]
	if r.Image != StepUnavailable {
		t.Errorf("image = %q without an image client", r.Image)
	}
	if len(voices.descs) != 1 || voices.descs[0] != "Deep, calm baritone." {
		t.Errorf("voice designed from %q", voices.descs)
	}
}

func TestEnrich_PartialDescriptionsSkipped(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 2, true)
	l := &mockLLM{reply: `{"imageDescription": "only this"}`}
	img := &mockImages{}
	voices := &mockVoices{}
	e := NewEnricher(l, img, voices, s, Options{}, nil)

	results := e.Enrich(context.Background(), members)
	for _, r := range results {
		if r.Descriptions != StepFailed {
			t.Errorf("descriptions = %q, want failed", r.Descriptions)
		}
		if r.Voice != StepUnavailable {
			t.Errorf("voice = %q, want unavailable without description", r.Voice)
		}
		if r.Image != StepGenerated {
			t.Errorf("image = %q, want generated independently", r.Image)
		}
		if !r.Failed() {
			t.Error("Failed() = false")
		}
	}
	for _, m := range reload(t, s, "u1", members) {
		if m.ImageDescription != "" || m.VoiceDescription != "" {
			t.Errorf("partial descriptions persisted: %+v", m)
		}
	}
	if voices.calls() != 0 {
		t.Error("voice designed without description")
	}
}

func TestEnrich_FailuresLeaveFieldsEmpty(t *testing.T) {
	s := openTestStore(t)
	m := seedCouncil(t, s, "u1", 1, true)[0]
	e := NewEnricher(
		&mockLLM{reply: descriptionsReply},
		&mockImages{err: apperr.Upstream("image", http.StatusInternalServerError, errors.New("boom"))},
		&mockVoices{err: apperr.Upstream("voice.create", http.StatusUnprocessableEntity, errors.New("bad preview"))},
		s, Options{}, nil)

	r := e.Enrich(context.Background(), []storage.CouncilMember{m})[0]
	if r.Image != StepFailed || r.Voice != StepFailed || r.Descriptions != StepGenerated {
		t.Errorf("result = %+v", r)
	}
	if len(r.Errors) != 2 {
		t.Errorf("errors = %v", r.Errors)
	}
	got := reload(t, s, "u1", []storage.CouncilMember{m})[0]
	if got.ImageURL != "" || got.VoiceID != "" {
		t.Errorf("failed steps wrote fields: %+v", got)
	}
	if got.VoiceDescription == "" {
		t.Error("description lost after voice failure")
	}
}

func TestEnrich_LeaseHeldSkips(t *testing.T) {
	s := openTestStore(t)
	m := seedCouncil(t, s, "u1", 1, true)[0]
	ok, err := s.ClaimMemberForEnrichment(m.UserID, m.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}

	l := &mockLLM{reply: descriptionsReply}
	e := NewEnricher(l, &mockImages{}, &mockVoices{}, s, Options{}, nil)
	r := e.Enrich(context.Background(), []storage.CouncilMember{m})[0]
	if !r.Skipped {
		t.Errorf("result = %+v, want skipped", r)
	}
	if l.calls.Load() != 0 {
		t.Error("LLM called for a leased member")
	}

	if err := s.ReleaseMemberClaim(m.UserID, m.ID); err != nil {
		t.Fatal(err)
	}
	if r := e.Enrich(context.Background(), []storage.CouncilMember{m})[0]; r.Skipped {
		t.Error("still skipped after release")
	}
	if ok, _ := s.ClaimMemberForEnrichment(m.UserID, m.ID, time.Minute); !ok {
		t.Error("enricher did not release its claim")
	}
}

func TestEnrich_ActiveOnlySkipsCandidates(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 1, false)
	l := &mockLLM{reply: descriptionsReply}
	img := &mockImages{}
	voices := &mockVoices{}
	e := NewEnricher(l, img, voices, s, Options{ActiveOnly: true}, nil)

	r := e.Enrich(context.Background(), members)[0]
	if r.Descriptions != StepUnavailable || r.Voice != StepUnavailable || r.Image != StepGenerated {
		t.Errorf("result = %+v", r)
	}
	if l.calls.Load() != 0 || voices.calls() != 0 {
		t.Errorf("calls llm=%d voice=%d for an inactive member", l.calls.Load(), voices.calls())
	}
	if img.calls.Load() != 1 {
		t.Errorf("image calls = %d, want 1", img.calls.Load())
	}
}

func TestEnrichMembers_CandidatesGetNoDescriptions(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 10, false)
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	l := &mockLLM{reply: descriptionsReply}
	e := NewEnricher(l, &mockImages{}, &mockVoices{}, s, Options{ActiveOnly: true}, nil)

	results, err := e.EnrichMembers(context.Background(), "u1", ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	if n := l.calls.Load(); n != 0 {
		t.Errorf("description calls = %d, want 0 for unselected candidates", n)
	}
	for _, m := range reload(t, s, "u1", members) {
		if m.ImageDescription != "" || m.VoiceDescription != "" {
			t.Errorf("candidate %s got descriptions", m.Name)
		}
		if m.ImageURL == "" {
			t.Errorf("candidate %s has no portrait", m.Name)
		}
	}
}

func TestEnrichCouncil_ActiveOnly(t *testing.T) {
	s := openTestStore(t)
	seedCouncil(t, s, "u1", 5, true)
	l := &mockLLM{reply: descriptionsReply}
	e := NewEnricher(l, nil, nil, s, Options{}, nil)

	results, err := e.EnrichCouncil(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("enriched %d members, want the 3 active", len(results))
	}
	if _, err := e.EnrichCouncil(context.Background(), ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("err = %v, want unauthenticated", err)
	}
}

func TestEnrichMembers_SkipsMissing(t *testing.T) {
	s := openTestStore(t)
	members := seedCouncil(t, s, "u1", 2, false)
	e := NewEnricher(&mockLLM{reply: descriptionsReply}, nil, nil, s, Options{}, nil)

	results, err := e.EnrichMembers(context.Background(), "u1", []string{members[0].ID, "gone", members[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestGenerateMissingVoices(t *testing.T) {
	s := openTestStore(t)
	a := seedCouncil(t, s, "u1", 2, false)
	b := seedCouncil(t, s, "u2", 1, false)
	if err := s.SetMemberDescriptions("u1", a[0].ID, "img", "Gravelly"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemberDescriptions("u2", b[0].ID, "img", "Bright"); err != nil {
		t.Fatal(err)
	}

	voices := &mockVoices{}
	e := NewEnricher(nil, nil, voices, s, Options{}, nil)
	total, results, err := e.GenerateMissingVoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else if r.Error == "" {
			t.Errorf("failed result without error: %+v", r)
		}
	}
	if succeeded != 2 || voices.calls() != 2 {
		t.Errorf("succeeded = %d, calls = %d, want 2/2", succeeded, voices.calls())
	}

	if _, _, err := NewEnricher(nil, nil, nil, s, Options{}, nil).GenerateMissingVoices(context.Background()); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input without a voice client", err)
	}
}

func TestParseDescriptions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", descriptionsReply, false},
		{"fenced", "```json\n" + descriptionsReply + "\n```", false},
		{"not json", "Sure, here you go", true},
		{"missing voice", `{"imageDescription": "x"}`, true},
		{"blank image", `{"imageDescription": " ", "voiceDescription": "y"}`, true},
		{"extra key", `{"imageDescription": "x", "voiceDescription": "y", "mood": "z"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDescriptions(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
