package advisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

type mockCompleter struct {
	calls      atomic.Int32
	completeFn func(ctx context.Context, req llm.ChatRequest) (string, error)
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	m.calls.Add(1)
	return m.completeFn(ctx, req)
}

func replying(s string) *mockCompleter {
	return &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (string, error) { return s, nil }}
}

type mockPortraits struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (m *mockPortraits) Portrait(_ context.Context, name, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	if m.err != nil {
		return "", m.err
	}
	return "https://img/" + strings.ReplaceAll(name, " ", "_") + ".jpg", nil
}

type failingStore struct {
	insertErr  error
	enqueueErr error
	inserted   []storage.CouncilMember
}

func (f *failingStore) InsertCouncilMembers(userID string, members []storage.CouncilMember) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = members
	return nil
}

func (f *failingStore) EnqueueJob(storage.Job) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	return "job-1", nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testQuestionnaire() []questionnaire.Section {
	return []questionnaire.Section{{
		Section: "Personal Context",
		Responses: []questionnaire.Answer{
			{Question: "What is your occupation?", Answer: "engineer"},
			{Question: "Unanswered?", Answer: ""},
		},
	}}
}

const validOutput = `{
  "initialJustification": "You value craft and candor.",
  "advisors": [
    {"name": "Marcus Aurelius", "description": "Stoic emperor", "type": "historical", "why": "Steadiness", "traditions": "Stoicism", "speakingStyle": "Measured", "bestSuitedFor": "Adversity"},
    {"name": "The Trickster", "description": "Archetypal disruptor", "type": "Archetypal", "why": "Play", "traditions": "Myth", "speakingStyle": "Sly", "bestSuitedFor": "Stuck thinking"},
    {"name": "Hermione Granger", "description": "Diligent witch", "type": "fictional", "why": "Rigor", "traditions": "Scholarship", "speakingStyle": "Precise", "bestSuitedFor": "Preparation"}
  ],
  "followUp": "Which of these feels most alive to you?"
}`

func TestGenerate_PersistsAndEnqueues(t *testing.T) {
	store := openTestStore(t)
	completer := replying(validOutput)
	images := &mockPortraits{}
	g := NewGenerator(completer, images, store, Options{Model: "gen-model"}, nil)

	res, err := g.Generate(context.Background(), "user-1", testQuestionnaire())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Advisors) != 3 || len(res.CouncilMembers) != 3 {
		t.Fatalf("got %d advisors / %d members", len(res.Advisors), len(res.CouncilMembers))
	}
	if res.Advisors[1].Type != "archetypal" {
		t.Errorf("type not normalized: %q", res.Advisors[1].Type)
	}
	if res.FollowUp == "" || res.InitialJustification == "" {
		t.Errorf("result = %+v", res)
	}

	stored, err := store.ListCouncilMembers("user-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d members, want 3", len(stored))
	}
	for _, m := range stored {
		if m.IsActive {
			t.Errorf("member %s created active", m.Name)
		}
		if m.ImageURL == "" {
			t.Errorf("member %s has no portrait", m.Name)
		}
		if m.VoiceID != "" || m.VoiceDescription != "" {
			t.Errorf("member %s not inert: %+v", m.Name, m)
		}
	}
	if res.CouncilMembers[0].ID == "" {
		t.Error("returned members have no ids")
	}

	counts, err := store.CountJobsByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts["pending"] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts["pending"])
	}
	if len(images.names) != 3 {
		t.Errorf("portrait calls = %d, want 3", len(images.names))
	}
}

func TestGenerate_RequestShape(t *testing.T) {
	var got llm.ChatRequest
	completer := &mockCompleter{completeFn: func(_ context.Context, req llm.ChatRequest) (string, error) {
		got = req
		return validOutput, nil
	}}
	g := NewGenerator(completer, nil, &failingStore{}, Options{Model: "gen-model"}, nil)
	if _, err := g.Generate(context.Background(), "user-1", testQuestionnaire()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Model != "gen-model" || got.MaxTokens != 4000 {
		t.Errorf("model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	prompt := got.Messages[len(got.Messages)-1].Content
	if !strings.Contains(prompt, "### Personal Context\n\nQ: What is your occupation?\nA: engineer") {
		t.Errorf("prompt missing formatted worksheet:\n%s", prompt)
	}
	if strings.Contains(prompt, "Unanswered?") {
		t.Error("unanswered question leaked into prompt")
	}
}

func TestGenerate_Unauthenticated(t *testing.T) {
	completer := replying(validOutput)
	g := NewGenerator(completer, nil, &failingStore{}, Options{}, nil)

	_, err := g.Generate(context.Background(), "", testQuestionnaire())
	if !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("err = %v, want unauthenticated", err)
	}
	if completer.calls.Load() != 0 {
		t.Error("LLM called for unauthenticated request")
	}
}

func TestGenerate_InvalidQuestionnaire(t *testing.T) {
	completer := replying(validOutput)
	g := NewGenerator(completer, nil, &failingStore{}, Options{}, nil)

	empty := []questionnaire.Section{{Section: "Personal Context", Responses: []questionnaire.Answer{{Question: "Q", Answer: " "}}}}
	_, err := g.Generate(context.Background(), "user-1", empty)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
	if completer.calls.Load() != 0 {
		t.Error("LLM called for invalid questionnaire")
	}
}

func TestGenerate_ParseErrorPersistsNothing(t *testing.T) {
	store := openTestStore(t)
	g := NewGenerator(replying(`{"advisors": [{"name": "Half"`), nil, store, Options{}, nil)

	_, err := g.Generate(context.Background(), "user-1", testQuestionnaire())
	if !errors.Is(err, apperr.ErrParse) {
		t.Fatalf("err = %v, want parse error", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Raw == "" {
		t.Error("parse error does not carry raw output")
	}
	members, _ := store.ListCouncilMembers("user-1", false)
	if len(members) != 0 {
		t.Errorf("persisted %d members after parse error", len(members))
	}
}

func TestGenerate_UpstreamLLMError(t *testing.T) {
	completer := &mockCompleter{completeFn: func(context.Context, llm.ChatRequest) (string, error) {
		return "", apperr.Upstream("llm", http.StatusServiceUnavailable, errors.New("overloaded"))
	}}
	g := NewGenerator(completer, nil, &failingStore{}, Options{}, nil)

	_, err := g.Generate(context.Background(), "user-1", testQuestionnaire())
	if got := apperr.UpstreamStatus(err); got != http.StatusServiceUnavailable {
		t.Errorf("UpstreamStatus = %d, want 503", got)
	}
}

func TestGenerate_PortraitFailureAbortsBatch(t *testing.T) {
	store := openTestStore(t)
	images := &mockPortraits{err: apperr.Upstream("image", http.StatusForbidden, errors.New("quota"))}
	g := NewGenerator(replying(validOutput), images, store, Options{}, nil)

	_, err := g.Generate(context.Background(), "user-1", testQuestionnaire())
	if got := apperr.UpstreamStatus(err); got != http.StatusForbidden {
		t.Errorf("UpstreamStatus = %d, want 403 (err %v)", got, err)
	}
	members, _ := store.ListCouncilMembers("user-1", false)
	if len(members) != 0 {
		t.Errorf("persisted %d members after portrait failure", len(members))
	}
}

func TestGenerate_InsertFailure(t *testing.T) {
	g := NewGenerator(replying(validOutput), nil, &failingStore{insertErr: errors.New("disk I/O error")}, Options{}, nil)

	_, err := g.Generate(context.Background(), "user-1", testQuestionnaire())
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Errorf("err = %v, want persistence error", err)
	}
}

func TestGenerate_EnqueueFailureDoesNotFail(t *testing.T) {
	store := &failingStore{enqueueErr: errors.New("locked")}
	g := NewGenerator(replying(validOutput), nil, store, Options{}, nil)

	res, err := g.Generate(context.Background(), "user-1", testQuestionnaire())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.CouncilMembers) != 3 || len(store.inserted) != 3 {
		t.Errorf("members = %d, inserted = %d", len(res.CouncilMembers), len(store.inserted))
	}
}

func TestDecode_Tolerates(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain", validOutput},
		{"zero width", "\u200b\ufeff" + validOutput + "\u200d\n"},
		{"fenced", "```json\n" + validOutput + "\n```"},
		{"prose around", "Here you go:\n" + validOutput + "\nEnjoy."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Decode(tt.raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(g.Advisors) != 3 {
				t.Errorf("got %d advisors", len(g.Advisors))
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	advisor := func(override string) string {
		base := map[string]string{
			"name": `"A"`, "description": `"B"`, "type": `"current"`, "why": `"C"`,
			"traditions": `"D"`, "speakingStyle": `"E"`, "bestSuitedFor": `"F"`,
		}
		var parts []string
		for _, k := range []string{"name", "description", "type", "why", "traditions", "speakingStyle", "bestSuitedFor"} {
			v := base[k]
			if strings.HasPrefix(override, k+"=") {
				v = strings.TrimPrefix(override, k+"=")
			}
			parts = append(parts, fmt.Sprintf("%q: %s", k, v))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	wrap := func(adv string) string {
		return `{"initialJustification": "x", "advisors": [` + adv + `], "followUp": "y"}`
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "I cannot help with that."},
		{"empty advisors", `{"initialJustification": "x", "advisors": [], "followUp": "y"}`},
		{"missing justification", `{"advisors": [` + advisor("") + `]}`},
		{"unknown key", `{"initialJustification": "x", "advisors": [` + advisor("") + `], "extra": 1}`},
		{"unknown advisor key", wrap(strings.TrimSuffix(advisor(""), "}") + `, "title": "Dr"}`)},
		{"empty name", wrap(advisor(`name=""`))},
		{"blank why", wrap(advisor(`why="   "`))},
		{"bad type", wrap(advisor(`type="mythical"`))},
		{"type not a string", wrap(advisor(`type=3`))},
		{"trailing object", wrap(advisor("")) + ` {"again": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw); !errors.Is(err, apperr.ErrParse) {
				t.Errorf("err = %v, want parse error", err)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("  ### S\n\nQ: q\nA: a  ")
	if !strings.Contains(p, "list of 10 potential advisors") {
		t.Error("prompt does not ask for 10 advisors")
	}
	if !strings.HasSuffix(p, "### S\n\nQ: q\nA: a") {
		t.Errorf("worksheet not appended verbatim:\n%s", p)
	}
}
