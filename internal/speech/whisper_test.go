package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/council/internal/apperr"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "audio.wav" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "RIFFfake" {
			t.Errorf("audio = %q", data)
		}
		w.Write([]byte(`{"text":" What should I do next? "}`))
	}))
	defer srv.Close()

	text, err := NewClient("sk-test", srv.URL, "").Transcribe(context.Background(), strings.NewReader("RIFFfake"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "What should I do next?" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribe_UpstreamStatusPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte(`{"error":{"message":"too large"}}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL, "").Transcribe(context.Background(), strings.NewReader("x"))
	if got := apperr.UpstreamStatus(err); got != http.StatusRequestEntityTooLarge {
		t.Errorf("UpstreamStatus = %d, want 413 (err %v)", got, err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	_, err := NewClient("k", "http://unused", "").Transcribe(context.Background(), strings.NewReader(""))
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestTranscribe_NoKey(t *testing.T) {
	c := NewClient("", "http://unused", "")
	if c.Configured() {
		t.Error("Configured() = true without key")
	}
	_, err := c.Transcribe(context.Background(), strings.NewReader("x"))
	if got := apperr.UpstreamStatus(err); got != http.StatusUnauthorized {
		t.Errorf("UpstreamStatus = %d, want 401", got)
	}
}
