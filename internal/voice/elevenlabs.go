// Package voice talks to the ElevenLabs API: speech synthesis for existing
// voices and design of new voices from a text description.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/council/internal/apperr"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModel   = "eleven_multilingual_v2"
	outputFormat   = "mp3_44100_128"
	// MediaType is the content type of synthesized audio.
	MediaType = "audio/mpeg"

	maxDescriptionChars = 500
	minPreviewChars     = 100
	previewPadding      = " This is a detailed description of my vocal qualities suitable for text-to-speech generation."
	maxErrorBody        = 4096
)

// Client is an ElevenLabs API client.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	stability  float64
	similarity float64
	httpClient *http.Client
}

// NewClient creates a client. Empty baseURL or model fall back to defaults.
func NewClient(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		stability:  0.5,
		similarity: 0.75,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Synthesize renders text in the given voice and returns MP3 bytes.
func (c *Client) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	if voiceID == "" {
		return nil, apperr.InvalidInput("voice.synthesize", "voice id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.InvalidInput("voice.synthesize", "text is required")
	}
	payload := map[string]any{
		"text":     text,
		"model_id": c.model,
		"voice_settings": map[string]float64{
			"stability":        c.stability,
			"similarity_boost": c.similarity,
		},
	}
	path := "/text-to-speech/" + url.PathEscape(voiceID) + "?output_format=" + outputFormat
	resp, err := c.post(ctx, path, payload, MediaType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Upstream("voice.synthesize", 0, fmt.Errorf("reading audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, apperr.Upstream("voice.synthesize", resp.StatusCode, errors.New("empty audio"))
	}
	return audio, nil
}

// Preview is an ephemeral generated voice sample.
type Preview struct {
	GeneratedVoiceID string `json:"generated_voice_id"`
	AudioBase64      string `json:"audio_base_64"`
	MediaType        string `json:"media_type"`
}

// CreatePreviews asks for sample voices matching description, spoken over text.
func (c *Client) CreatePreviews(ctx context.Context, text, description string) ([]Preview, error) {
	resp, err := c.post(ctx, "/text-to-voice/create-previews", map[string]string{
		"text":              text,
		"voice_description": description,
	}, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Previews []Preview `json:"previews"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Upstream("voice.previews", resp.StatusCode, fmt.Errorf("decoding previews: %w", err))
	}
	return out.Previews, nil
}

// CreateVoiceFromPreview promotes an ephemeral preview into a durable voice.
func (c *Client) CreateVoiceFromPreview(ctx context.Context, name, description, generatedVoiceID string) (string, error) {
	resp, err := c.post(ctx, "/text-to-voice/create-voice-from-preview", map[string]string{
		"voice_name":         name,
		"voice_description":  description,
		"generated_voice_id": generatedVoiceID,
	}, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Upstream("voice.create", resp.StatusCode, fmt.Errorf("decoding voice: %w", err))
	}
	if out.VoiceID == "" {
		return "", apperr.Upstream("voice.create", resp.StatusCode, errors.New("response has no voice_id"))
	}
	return out.VoiceID, nil
}

// DesignVoice creates a durable voice for a persona from its voice
// description. It returns a voice id only when both the preview and the
// promotion calls succeed.
func (c *Client) DesignVoice(ctx context.Context, name, description string) (string, error) {
	desc := TruncateDescription(description)
	if desc == "" {
		return "", apperr.InvalidInput("voice.design", "voice description is required")
	}
	previews, err := c.CreatePreviews(ctx, PreviewText(name, desc), desc)
	if err != nil {
		return "", err
	}
	if len(previews) == 0 || previews[0].GeneratedVoiceID == "" {
		return "", apperr.Upstream("voice.previews", http.StatusOK, errors.New("no previews generated"))
	}
	return c.CreateVoiceFromPreview(ctx, name, desc, previews[0].GeneratedVoiceID)
}

// TruncateDescription trims a voice description to the API's length limit.
func TruncateDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	r := []rune(desc)
	if len(r) > maxDescriptionChars {
		return string(r[:maxDescriptionChars])
	}
	return desc
}

// PreviewText is the sample sentence a voice preview speaks. The API rejects
// samples under 100 characters, so short ones are padded.
func PreviewText(name, desc string) string {
	text := fmt.Sprintf("Hello, I am %s. %s", name, desc)
	if len([]rune(text)) < minPreviewChars {
		text += previewPadding
	}
	return text
}

func (c *Client) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	op := "voice" + strings.SplitN(path, "?", 2)[0]
	if c.apiKey == "" {
		return nil, apperr.Upstream(op, http.StatusUnauthorized, errors.New("voice API key not configured"))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream(op, 0, fmt.Errorf("request failed: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, apperr.Upstream(op, resp.StatusCode, fmt.Errorf("ElevenLabs API error: %s", strings.TrimSpace(string(msg))))
	}
	return resp, nil
}
