package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/council/internal/apperr"
)

func TestPortrait(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fal-ai/flux-lora" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Key fal-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"images":[{"url":"https://cdn/1.jpg","width":768,"height":1024}],"seed":1}`))
	}))
	defer srv.Close()

	url, err := NewClient("fal-key", srv.URL, "").Portrait(context.Background(), "Marcus Aurelius", "")
	if err != nil {
		t.Fatalf("Portrait: %v", err)
	}
	if url != "https://cdn/1.jpg" {
		t.Errorf("url = %q", url)
	}
	if body["prompt"] != "Headshot of Marcus Aurelius. High-quality, realistic." {
		t.Errorf("prompt = %v", body["prompt"])
	}
	if body["image_size"] != "portrait_4_3" || body["num_inference_steps"] != float64(28) || body["guidance_scale"] != 3.5 {
		t.Errorf("options = %v", body)
	}
	if body["num_images"] != float64(1) || body["output_format"] != "jpeg" {
		t.Errorf("body = %v", body)
	}
}

func TestPortraitPrompt_WithAppearance(t *testing.T) {
	got := PortraitPrompt("Ada", " Victorian dress, sharp gaze ")
	want := "Headshot of Ada. High-quality, realistic. Victorian dress, sharp gaze"
	if got != want {
		t.Errorf("PortraitPrompt = %q, want %q", got, want)
	}
}

func TestGenerate_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"bad prompt"}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL, "").Portrait(context.Background(), "X", "")
	if got := apperr.UpstreamStatus(err); got != http.StatusUnprocessableEntity {
		t.Errorf("UpstreamStatus = %d, want 422 (err %v)", got, err)
	}
}

func TestGenerate_NoImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL, "").Portrait(context.Background(), "X", "")
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Errorf("err = %v, want upstream", err)
	}
}

func TestPortrait_RequiresName(t *testing.T) {
	_, err := NewClient("k", "http://unused", "").Portrait(context.Background(), "  ", "")
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}
