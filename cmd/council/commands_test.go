package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/council/internal/client"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)

	old := newAPIClient
	newAPIClient = func() (*client.Client, error) {
		return client.New(ts.server.URL, "test-token"), nil
	}
	t.Cleanup(func() { newAPIClient = old })
	return ts
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCouncilList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/council": `{"members":[
			{"id":"m1","name":"Marcus Aurelius","character_type":"historical","is_active":true,"voice_id":"v1"},
			{"id":"m2","name":"The Trickster","character_type":"archetypal","is_active":true}
		]}`,
	})
	old := noColor
	defer func() { noColor = old }()

	out, err := execute(t, "--no-color", "council", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(out, "m1  Marcus Aurelius (historical) [voice]") {
		t.Errorf("output missing voiced member:\n%s", out)
	}
	if !strings.Contains(out, "m2  The Trickster (archetypal)\n") {
		t.Errorf("output missing second member:\n%s", out)
	}

	r := ts.last(t)
	if r.Path != "/api/council?active=true" {
		t.Errorf("path = %q, want active filter", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestCouncilSelect(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/council/select": `{"success":true}`,
	})

	if _, err := execute(t, "council", "select", "a", "b", "c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		SelectedAdvisors []string `json:"selectedAdvisors"`
	}
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if strings.Join(body.SelectedAdvisors, ",") != "a,b,c" {
		t.Errorf("selectedAdvisors = %v", body.SelectedAdvisors)
	}
}

func TestCouncilSelect_WrongArgCount(t *testing.T) {
	newTestServer(t, nil)
	_, err := execute(t, "council", "select", "a", "b")
	if err == nil {
		t.Fatal("expected error for two ids")
	}
	if !strings.Contains(err.Error(), "accepts 3 arg(s)") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestCouncilSelect_ServerError(t *testing.T) {
	newTestServer(t, nil)
	_, err := execute(t, "council", "select", "a", "b", "c")
	var apiErr *client.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *client.Error", err)
	}
	if apiErr.Status != 404 || apiErr.Type != "not_found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAsk_WritesAudio(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("ID3-audio"))
	ts := newTestServer(t, map[string]string{
		"POST /api/council/chat/individual": `{"response":"Endure.","audio":{"data":"` + audio + `","type":"audio/mpeg"}}`,
	})

	path := filepath.Join(t.TempDir(), "reply.mp3")
	out, err := execute(t, "ask", "m1", "what", "now?", "--audio-out", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "Endure." {
		t.Errorf("output = %q", out)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audio: %v", err)
	}
	if string(got) != "ID3-audio" {
		t.Errorf("audio = %q", got)
	}

	var body map[string]string
	json.Unmarshal([]byte(ts.last(t).Body), &body)
	if body["memberId"] != "m1" || body["question"] != "what now?" {
		t.Errorf("body = %v", body)
	}
}

func TestQuestionnaireSubmit(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/store-user-responses": `{"success":true}`,
	})

	path := filepath.Join(t.TempDir(), "answers.txt")
	worksheet := "### Goals\n\nQ: What do you want?\nA: A calmer mind\nand more time\n\nQ: Skipped?\nA:\n"
	if err := os.WriteFile(path, []byte(worksheet), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "questionnaire", "submit", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		FormattedAnswers []questionnaire.Answer `json:"formattedAnswers"`
	}
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(body.FormattedAnswers) != 1 {
		t.Fatalf("answers = %+v, want only the answered question", body.FormattedAnswers)
	}
	a := body.FormattedAnswers[0]
	if a.SectionTitle != "Goals" || a.Answer != "A calmer mind\nand more time" {
		t.Errorf("answer = %+v", a)
	}
}

func TestQuestionnaireExport(t *testing.T) {
	out, err := execute(t, "questionnaire", "export")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defs := questionnaire.DefaultSections()
	if !strings.Contains(out, "### "+defs[0].Title) {
		t.Errorf("worksheet missing first section %q", defs[0].Title)
	}

	// A blank worksheet has nothing to import.
	if _, err := questionnaire.ParseWorksheet(out); err == nil {
		t.Error("expected blank worksheet to be rejected")
	}
}

func TestLoadSections_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answers.json")
	data := `[{"section":" Work ","responses":[{"question":"Occupation?","answer":" engineer "},{"question":"Skip","answer":""}]}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	sections, err := loadSections(path)
	if err != nil {
		t.Fatalf("loadSections: %v", err)
	}
	if len(sections) != 1 || len(sections[0].Responses) != 1 {
		t.Fatalf("sections = %+v", sections)
	}
	if got := sections[0].Responses[0]; got.SectionTitle != "Work" || got.Answer != "engineer" {
		t.Errorf("response = %+v", got)
	}
}

func TestFillQuestionnaire(t *testing.T) {
	defs := []questionnaire.Definition{
		{Title: "One", Questions: []string{"First?", "Second?"}},
		{Title: "Two", Questions: []string{"Third?"}},
	}
	in := strings.NewReader("alpha\n\ngamma\n")
	var prompt bytes.Buffer

	sections, err := fillQuestionnaire(in, &prompt, defs)
	if err != nil {
		t.Fatalf("fillQuestionnaire: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("sections = %+v", sections)
	}
	if len(sections[0].Responses) != 1 || sections[0].Responses[0].Answer != "alpha" {
		t.Errorf("first section = %+v", sections[0])
	}
	if sections[1].Responses[0].Answer != "gamma" {
		t.Errorf("second section = %+v", sections[1])
	}
	if !strings.Contains(prompt.String(), "2 questions answered") {
		t.Errorf("prompt = %q", prompt.String())
	}
}

func TestFillQuestionnaire_EarlyEOF(t *testing.T) {
	defs := []questionnaire.Definition{{Title: "One", Questions: []string{"First?", "Second?"}}}
	sections, err := fillQuestionnaire(strings.NewReader("only\n"), &bytes.Buffer{}, defs)
	if err != nil {
		t.Fatalf("fillQuestionnaire: %v", err)
	}
	if len(sections) != 1 || len(sections[0].Responses) != 1 {
		t.Errorf("sections = %+v", sections)
	}
}

func TestCreateUser(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	user, token, err := createUser(store, "  ana ", time.Hour)
	if err != nil {
		t.Fatalf("createUser: %v", err)
	}
	if user.Name != "ana" {
		t.Errorf("name = %q", user.Name)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}
	id, err := store.UserForToken(token)
	if err != nil || id != user.ID {
		t.Errorf("UserForToken = %q, %v; want %q", id, err, user.ID)
	}

	if _, _, err := createUser(store, " ", time.Hour); err == nil {
		t.Error("expected error for empty name")
	}
}

type fakeTokens map[string]string

func (f fakeTokens) UserForToken(token string) (string, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return "", storage.ErrNotFound
}

func TestResolveMCPUser(t *testing.T) {
	tokens := fakeTokens{"tok": "u1"}

	tests := []struct {
		name    string
		userID  string
		token   string
		want    string
		wantErr bool
	}{
		{"explicit user", "u9", "", "u9", false},
		{"from token", "", "tok", "u1", false},
		{"unknown token", "", "nope", "", true},
		{"nothing", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveMCPUser(tokens, tt.userID, tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("user = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTermRenderer(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	r := newTermRenderer(&out, []storage.CouncilMember{
		{ID: "m1", Name: "Marcus"},
		{ID: "m2", Name: "Trickster"},
	})

	r.Reveal(conversation.Turn{SenderID: conversation.SenderUser, Content: "hi"})
	r.Partial([]conversation.Message{{AdviserID: "m1", Message: "He"}})
	r.Partial([]conversation.Message{{AdviserID: "m1", Message: "Hello"}})
	r.Partial([]conversation.Message{{AdviserID: "m1", Message: "Hello"}, {AdviserID: "m2", Message: "Yo"}})
	r.Reveal(conversation.Turn{SenderID: "m1", Content: "Hello there."})
	r.Reveal(conversation.Turn{SenderID: "ghost", Content: "Boo."})

	want := "… Marcus is responding\n" +
		"… Trickster is responding\n" +
		"Marcus: Hello there.\n" +
		"ghost: Boo.\n"
	if out.String() != want {
		t.Errorf("output =\n%q\nwant\n%q", out.String(), want)
	}
}

func TestNewSessionToken(t *testing.T) {
	a, err := newSessionToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := newSessionToken()
	if a == b {
		t.Error("tokens should differ")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret(strings.NewReader("  sk-123  \nignored\n"), "llm.api_key")
	if err != nil {
		t.Fatalf("readSecret: %v", err)
	}
	if got != "sk-123" {
		t.Errorf("readSecret = %q, want sk-123", got)
	}

	if _, err := readSecret(strings.NewReader(""), "llm.api_key"); err == nil {
		t.Error("expected error for empty stdin")
	}
	if _, err := readSecret(strings.NewReader("   \n"), "llm.api_key"); err == nil {
		t.Error("expected error for blank value")
	}
}
