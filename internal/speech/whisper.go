// Package speech transcribes recorded audio with the OpenAI Whisper API.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/council/internal/apperr"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
	// UploadName is the filename sent with every upload.
	UploadName   = "audio.wav"
	maxErrorBody = 4096
)

// Client is a Whisper transcription client.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

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
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Transcribe uploads audio and returns the recognized text. Provider failures
// keep their HTTP status.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	if audio == nil {
		return "", apperr.InvalidInput("speech.transcribe", "no audio provided")
	}
	if c.apiKey == "" {
		return "", apperr.Upstream("speech", http.StatusUnauthorized, errors.New("speech API key not configured"))
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", UploadName)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	n, err := io.Copy(part, audio)
	if err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if n == 0 {
		return "", apperr.InvalidInput("speech.transcribe", "no audio provided")
	}
	if err := w.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Upstream("speech", 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", apperr.Upstream("speech", resp.StatusCode, fmt.Errorf("whisper API error: %s", strings.TrimSpace(string(msg))))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Upstream("speech", resp.StatusCode, fmt.Errorf("decoding response: %w", err))
	}
	return strings.TrimSpace(out.Text), nil
}
