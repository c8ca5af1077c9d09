package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthenticated", Unauthenticated("chat"), http.StatusUnauthorized},
		{"invalid", InvalidInput("select", "need %d ids", 3), http.StatusBadRequest},
		{"not found", NotFound("chat", "no active council"), http.StatusNotFound},
		{"upstream", Upstream("llm", 429, errors.New("rate limited")), http.StatusInternalServerError},
		{"parse", Parse("advisors", "{", errors.New("eof")), http.StatusInternalServerError},
		{"persistence", Persistence("insert", errors.New("disk")), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("handler: %w", InvalidInput("x", "bad")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("generate: %w", Parse("decode", "raw", errors.New("bad")))
	if !errors.Is(err, ErrParse) {
		t.Error("errors.Is(err, ErrParse) = false")
	}
	if errors.Is(err, ErrUpstream) {
		t.Error("errors.Is(err, ErrUpstream) = true")
	}
}

func TestUpstreamStatusPreserved(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Upstream("image", 503, errors.New("unavailable")))
	if got := UpstreamStatus(err); got != 503 {
		t.Errorf("UpstreamStatus = %d, want 503", got)
	}
	if got := err.Error(); got != "wrap: image: unavailable (status 503)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("insert", cause)
	if !errors.Is(err, cause) {
		t.Error("Persistence error does not unwrap to cause")
	}
}
