package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/council/internal/apperr"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxAudioBodySize bounds base64 audio uploads.
const maxAudioBodySize = 25 << 20

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(errorEnvelope(msg, errType))
}

func errorEnvelope(msg, errType string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	}
}

// writeError maps a component error onto the error envelope. Upstream
// statuses are logged; the response stays 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	attrs := []any{"path", r.URL.Path, "kind", kind.String(), "error", err}
	if status := apperr.UpstreamStatus(err); status != 0 {
		attrs = append(attrs, "upstream_status", status)
	}
	if code >= 500 {
		slog.Error("request failed", attrs...)
	} else {
		slog.Debug("request rejected", attrs...)
	}
	httpError(w, code, kind.String(), "%s", err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.InvalidInput("api", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.InvalidInput("api", "invalid request body: %v", err)
	}
	return nil
}
