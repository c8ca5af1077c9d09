// Package client talks to a running council server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/council/internal/advisor"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/enrich"
	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

const defaultTimeout = 5 * time.Minute

// Client is an authenticated API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the server at baseURL using a bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is `council serve` running? (%w)", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func (c *Client) postJSON(ctx context.Context, path string, body, v any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readError(resp)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// readError turns an error envelope into *Error. Bodies that are not an
// envelope are reported verbatim.
func readError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	e := &Error{Status: resp.StatusCode}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		e.Message, e.Type = env.Error.Message, env.Error.Type
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

// StoreResponses saves questionnaire answers for the user.
func (c *Client) StoreResponses(ctx context.Context, answers []questionnaire.Answer) error {
	return c.postJSON(ctx, "/api/store-user-responses", map[string]any{"formattedAnswers": answers}, nil)
}

// GenerateAdvisors runs advisor generation for a questionnaire.
func (c *Client) GenerateAdvisors(ctx context.Context, sections []questionnaire.Section) (*advisor.Result, error) {
	var res advisor.Result
	if err := c.postJSON(ctx, "/api/generate-advisors", map[string]any{"questionnaireData": sections}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListCouncil returns the user's council members.
func (c *Client) ListCouncil(ctx context.Context, activeOnly bool) ([]storage.CouncilMember, error) {
	path := "/api/council"
	if activeOnly {
		path += "?active=true"
	}
	var out struct {
		Members []storage.CouncilMember `json:"members"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// SelectCouncil activates exactly three members.
func (c *Client) SelectCouncil(ctx context.Context, ids []string) error {
	return c.postJSON(ctx, "/api/council/select", map[string]any{"selectedAdvisors": ids}, nil)
}

// ResetCouncil deactivates the active council.
func (c *Client) ResetCouncil(ctx context.Context) error {
	return c.postJSON(ctx, "/api/council/reset", struct{}{}, nil)
}

// PopulateExtraData runs a synchronous enrichment pass over the active council.
func (c *Client) PopulateExtraData(ctx context.Context) ([]enrich.Result, error) {
	var out struct {
		Results []enrich.Result `json:"results"`
	}
	if err := c.postJSON(ctx, "/api/populate-extra-data", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// GenerateVoices runs the admin voice backfill.
func (c *Client) GenerateVoices(ctx context.Context) (int, []enrich.VoiceResult, error) {
	var out struct {
		Total   int                  `json:"total"`
		Results []enrich.VoiceResult `json:"results"`
	}
	if err := c.postJSON(ctx, "/api/admin/generate-voices", struct{}{}, &out); err != nil {
		return 0, nil, err
	}
	return out.Total, out.Results, nil
}

// ActiveVoices lists active members that have a voice.
func (c *Client) ActiveVoices(ctx context.Context) ([]storage.ActiveVoice, error) {
	var out struct {
		Voices []storage.ActiveVoice `json:"voices"`
	}
	if err := c.getJSON(ctx, "/api/get-active-voices", &out); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

// GenerateImage requests a portrait for name.
func (c *Client) GenerateImage(ctx context.Context, name string) (string, error) {
	var out struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := c.getJSON(ctx, "/api/generate-advisor-image?name="+url.QueryEscape(name), &out); err != nil {
		return "", err
	}
	return out.ImageURL, nil
}

// Ask puts a question to one member.
func (c *Client) Ask(ctx context.Context, memberID, question string) (*conversation.IndividualReply, error) {
	var out conversation.IndividualReply
	body := map[string]string{"memberId": memberID, "question": question}
	if err := c.postJSON(ctx, "/api/council/chat/individual", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Speak fetches audio for text in a member's voice.
func (c *Client) Speak(ctx context.Context, memberID, text string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/council/speak", map[string]string{"memberId": memberID, "text": text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, readError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Transcribe converts recorded audio to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	body := map[string]string{"audio": base64.StdEncoding.EncodeToString(audio)}
	if err := c.postJSON(ctx, "/api/speech-to-text", body, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// SurveyQuestions returns the screening survey.
func (c *Client) SurveyQuestions(ctx context.Context) ([]storage.SurveyQuestion, error) {
	var out struct {
		Questions []storage.SurveyQuestion `json:"questions"`
	}
	if err := c.getJSON(ctx, "/api/survey/questions", &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

// SubmitSurvey stores survey answers keyed by question id.
func (c *Client) SubmitSurvey(ctx context.Context, answers map[string]any) ([]storage.SurveyAnswer, error) {
	var out struct {
		Data []storage.SurveyAnswer `json:"data"`
	}
	if err := c.postJSON(ctx, "/api/survey/submit", map[string]any{"answers": answers}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ErrStreamEnded is returned when a chat stream closes without a final event.
var ErrStreamEnded = errors.New("chat stream ended without a result")

// Chat sends a group message and reads the event stream. onPartial sees
// every partial snapshot; the final turns are returned.
func (c *Client) Chat(ctx context.Context, message string, history []conversation.Turn, onPartial func([]conversation.Message) error) ([]conversation.Message, error) {
	if history == nil {
		history = []conversation.Turn{}
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", map[string]any{"message": message, "messages": history})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, readError(resp)
	}
	return readChatStream(resp.Body, onPartial)
}

type chatPayload struct {
	Messages []conversation.Message `json:"messages"`
	Error    *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// readChatStream parses the /api/chat event stream: unnamed events carry
// partial snapshots, "done" the final turns and "error" an error envelope.
func readChatStream(r io.Reader, onPartial func([]conversation.Message) error) ([]conversation.Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			continue
		case line != "":
			continue
		}
		if data == "" {
			event = ""
			continue
		}

		var p chatPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("malformed chat event: %w", err)
		}
		switch event {
		case "done":
			if p.Messages == nil {
				p.Messages = []conversation.Message{}
			}
			return p.Messages, nil
		case "error":
			e := &Error{Status: http.StatusInternalServerError, Message: "chat failed"}
			if p.Error != nil {
				e.Message, e.Type = p.Error.Message, p.Error.Type
			}
			return nil, e
		default:
			if onPartial != nil {
				if err := onPartial(p.Messages); err != nil {
					return nil, err
				}
			}
		}
		event, data = "", ""
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading chat stream: %w", err)
	}
	return nil, ErrStreamEnded
}
