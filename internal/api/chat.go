package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/voice"
)

type chatRequest struct {
	Message  string              `json:"message"`
	Messages []conversation.Turn `json:"messages"`
}

// handleChat streams the council reply as server-sent events: one unnamed
// event per partial snapshot, then either "done" with the final turns or
// "error" with an error envelope.
func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
			return
		}

		snapshots, err := deps.Conversation.Converse(r.Context(), UserID(r.Context()), req.Message, req.Messages)
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for snap := range snapshots {
			switch {
			case snap.Err != nil:
				slog.Warn("chat stream failed", "kind", apperr.KindOf(snap.Err).String(), "error", snap.Err)
				writeEvent(w, "error", errorEnvelope(snap.Err.Error(), apperr.KindOf(snap.Err).String()))
			case snap.Final:
				writeEvent(w, "done", map[string]any{"messages": snap.Messages})
			default:
				writeEvent(w, "", map[string]any{"messages": snap.Messages})
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("encoding chat event", "error", err)
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

type individualRequest struct {
	Question string `json:"question"`
	MemberID string `json:"memberId"`
}

func handleIndividual(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req individualRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		reply, err := deps.Conversation.Individual(r.Context(), UserID(r.Context()), req.MemberID, req.Question)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

type speakRequest struct {
	MemberID string `json:"memberId"`
	Text     string `json:"text"`
}

func handleSpeak(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req speakRequest
		if err := decodeBody(w, r, maxRequestBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		audio, err := deps.Conversation.Speak(r.Context(), UserID(r.Context()), req.MemberID, req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", voice.MediaType)
		w.Write(audio)
	}
}

type speechRequest struct {
	Audio string `json:"audio"`
}

// handleSpeechToText passes the upstream status through instead of
// collapsing it to 500.
func handleSpeechToText(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "speech"
		if deps.Speech == nil {
			writeError(w, r, apperr.InvalidInput(op, "speech-to-text is not configured"))
			return
		}
		var req speechRequest
		if err := decodeBody(w, r, maxAudioBodySize, &req); err != nil {
			writeError(w, r, err)
			return
		}
		encoded := req.Audio
		if i := strings.Index(encoded, ";base64,"); i >= 0 {
			encoded = encoded[i+len(";base64,"):] // data URL
		}
		audio, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			writeError(w, r, apperr.InvalidInput(op, "audio is not valid base64: %v", err))
			return
		}

		text, err := deps.Speech.Transcribe(r.Context(), bytes.NewReader(audio))
		if err != nil {
			if status := apperr.UpstreamStatus(err); status >= 400 {
				slog.Error("transcription failed", "upstream_status", status, "error", err)
				httpError(w, status, apperr.KindUpstream.String(), "%s", err.Error())
				return
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": text})
	}
}
