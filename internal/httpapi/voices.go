package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ent0n29/callcoach/internal/audio"
	"github.com/ent0n29/callcoach/internal/backend"
)

const defaultPreviewText = "Hi, this is who you'll be calling today. Go ahead, I have a few minutes."

type listVoicesResponse struct {
	DefaultVoiceID string          `json:"default_voice_id"`
	Voices         []backend.Voice `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.backend.ListVoices(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "voices_unavailable", err.Error())
		return
	}
	if voices == nil {
		voices = []backend.Voice{}
	}
	sort.SliceStable(voices, func(i, j int) bool {
		return strings.ToLower(voices[i].Name) < strings.ToLower(voices[j].Name)
	})
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: s.cfg.DefaultVoiceID,
		Voices:         voices,
	})
}

type previewVoiceRequest struct {
	VoiceID    string `json:"voice_id"`
	ScenarioID string `json:"scenario_id"`
	Text       string `json:"text"`
}

// handlePreviewVoice synthesizes a short sample so a trainee can pick a
// persona voice before the call.
func (s *Server) handlePreviewVoice(w http.ResponseWriter, r *http.Request) {
	var req previewVoiceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = s.cfg.DefaultVoiceID
	}
	scenarioID := strings.TrimSpace(req.ScenarioID)
	if scenarioID != "" {
		if _, err := s.catalog.Get(scenarioID); err != nil {
			respondError(w, http.StatusNotFound, "scenario_not_found", err.Error())
			return
		}
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = defaultPreviewText
	}
	if len([]rune(text)) > 400 {
		respondError(w, http.StatusBadRequest, "text_too_long", "preview text is limited to 400 characters")
		return
	}

	clip, err := s.backend.TextToSpeech(r.Context(), backend.SpeechRequest{
		Text:     text,
		Scenario: scenarioID,
		Voice:    voiceID,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	contentType := mimeForFormat(clip.Format)
	out := clip.Data
	if sampleRate, ok := pcmSampleRate(clip.Format); ok {
		wav, err := audio.EncodeWAVPCM16LE(out, sampleRate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
			return
		}
		out = wav
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Voice-ID", voiceID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func mimeForFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case strings.HasPrefix(f, "audio/"):
		return strings.TrimSpace(format)
	case strings.Contains(f, "wav"):
		return "audio/wav"
	case strings.Contains(f, "mp3"), strings.Contains(f, "mpeg"):
		return "audio/mpeg"
	case strings.Contains(f, "ogg"):
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// pcmSampleRate recognizes raw PCM formats such as "pcm_24000" or
// "audio/L16;rate=16000".
func pcmSampleRate(format string) (int, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	if rest, ok := strings.CutPrefix(f, "pcm_"); ok {
		n, err := strconv.Atoi(rest)
		return n, err == nil && n > 0
	}
	if strings.HasPrefix(f, "audio/l16") {
		_, params, _ := strings.Cut(f, "rate=")
		if params == "" {
			return 16000, true
		}
		params, _, _ = strings.Cut(params, ";")
		n, err := strconv.Atoi(strings.TrimSpace(params))
		return n, err == nil && n > 0
	}
	return 0, false
}
