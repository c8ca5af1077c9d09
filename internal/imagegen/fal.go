// Package imagegen generates advisor portraits through the fal.ai API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/council/internal/apperr"
)

const (
	defaultBaseURL = "https://fal.run"
	defaultModel   = "fal-ai/flux-lora"
	maxErrorBody   = 4096
)

// Options control a generation request. Zero values use the portrait defaults.
type Options struct {
	ImageSize         string  `json:"image_size"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	OutputFormat      string  `json:"output_format"`
}

var portraitDefaults = Options{
	ImageSize:         "portrait_4_3",
	NumInferenceSteps: 28,
	GuidanceScale:     3.5,
	OutputFormat:      "jpeg",
}

// Client calls a fal.ai text-to-image model synchronously.
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
		model:      strings.Trim(model, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// PortraitPrompt is the prompt used for an advisor headshot. A non-empty
// appearance description is appended when enrichment has produced one.
func PortraitPrompt(name, appearance string) string {
	p := fmt.Sprintf("Headshot of %s. High-quality, realistic.", name)
	if appearance = strings.TrimSpace(appearance); appearance != "" {
		p += " " + appearance
	}
	return p
}

// Portrait generates a headshot for name and returns the hosted image URL.
func (c *Client) Portrait(ctx context.Context, name, appearance string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", apperr.InvalidInput("image.portrait", "name is required")
	}
	return c.Generate(ctx, PortraitPrompt(name, appearance), Options{})
}

// Generate runs the model on prompt and returns the first image URL.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.apiKey == "" {
		return "", apperr.Upstream("image", http.StatusUnauthorized, errors.New("image API key not configured"))
	}
	if opts.ImageSize == "" {
		opts.ImageSize = portraitDefaults.ImageSize
	}
	if opts.NumInferenceSteps == 0 {
		opts.NumInferenceSteps = portraitDefaults.NumInferenceSteps
	}
	if opts.GuidanceScale == 0 {
		opts.GuidanceScale = portraitDefaults.GuidanceScale
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = portraitDefaults.OutputFormat
	}

	body, err := json.Marshal(map[string]any{
		"prompt":                prompt,
		"image_size":            opts.ImageSize,
		"num_inference_steps":   opts.NumInferenceSteps,
		"guidance_scale":        opts.GuidanceScale,
		"num_images":            1,
		"enable_safety_checker": true,
		"output_format":         opts.OutputFormat,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Upstream("image", 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", apperr.Upstream("image", resp.StatusCode, fmt.Errorf("image API error: %s", strings.TrimSpace(string(msg))))
	}

	var out struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Upstream("image", resp.StatusCode, fmt.Errorf("decoding response: %w", err))
	}
	if len(out.Images) == 0 || out.Images[0].URL == "" {
		return "", apperr.Upstream("image", resp.StatusCode, errors.New("no image generated"))
	}
	return out.Images[0].URL, nil
}
