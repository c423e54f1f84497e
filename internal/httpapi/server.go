package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/config"
	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/protocol"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/session"
	"github.com/ent0n29/callcoach/internal/store"
)

// Backend is the remote training API as the service uses it.
// *backend.Client and *backend.Mock satisfy it.
type Backend interface {
	GenerateResponse(ctx context.Context, req backend.GenerateRequest) (backend.GenerateResponse, error)
	TextToSpeech(ctx context.Context, req backend.SpeechRequest) (backend.Audio, error)
	ListVoices(ctx context.Context) ([]backend.Voice, error)
}

type Deps struct {
	Catalog   *scenario.Catalog
	Lifecycle *session.Lifecycle
	Backend   Backend
	Journal   store.Store
	StoreMode string
	Metrics   *observability.Metrics
}

type Server struct {
	cfg       config.Config
	catalog   *scenario.Catalog
	lifecycle *session.Lifecycle
	backend   Backend
	journal   store.Store
	storeMode string
	metrics   *observability.Metrics
	surfaces  *surfaceRegistry
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		catalog:   deps.Catalog,
		lifecycle: deps.Lifecycle,
		backend:   deps.Backend,
		journal:   deps.Journal,
		storeMode: deps.StoreMode,
		metrics:   deps.Metrics,
		surfaces:  newSurfaceRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Only the page that served the surface may open the trainee's
				// microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/training", func(r chi.Router) {
		r.Get("/scenarios", s.handleListScenarios)
		r.Get("/scenarios/{id}", s.handleGetScenario)
		r.Get("/voices", s.handleListVoices)
		r.Post("/voices/preview", s.handlePreviewVoice)
		r.Get("/sessions", s.handleRecentSessions)
		r.Get("/session/ws", s.handleTrainingWS)
		r.Get("/session/{id}", s.handleGetSession)
		r.Post("/session/{id}/end", s.handleEndSession)
	})

	return r
}

// ExpireSession tears down the surface running sessionID. It is the
// lifecycle's expire hook and must not block.
func (s *Server) ExpireSession(sess *session.Session) {
	if live := s.surfaces.bySession(sess.ID); live != nil {
		if live.notify != nil {
			live.notify("session_expired", "no activity on this call")
		}
		live.ctrl.End(session.Outcome{})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"voice_provider":  s.cfg.VoiceProvider,
		"store_mode":      s.storeMode,
		"active_sessions": s.lifecycle.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.catalog == nil || s.lifecycle == nil || s.backend == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service dependencies not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"voice_provider": s.cfg.VoiceProvider,
		"store_mode":     s.storeMode,
		"scenarios":      len(s.catalog.List()),
	})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"scenarios": s.catalog.List()})
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "scenario_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.lifecycle.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type endSessionRequest struct {
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
}

// handleEndSession is idempotent. A session still driven by a connected
// surface is ended through its controller so teardown order holds.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	outcome := session.Outcome{Score: req.Score, Feedback: req.Feedback}

	if live := s.surfaces.bySession(id); live != nil {
		live.ctrl.End(outcome)
		select {
		case <-live.ctrl.Done():
		case <-time.After(s.teardownWait()):
		case <-r.Context().Done():
			return
		}
	}

	sess, err := s.lifecycle.End(r.Context(), id, outcome)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSON(w, http.StatusOK, map[string]any{"sessions": []store.SessionRecord{}})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	records, err := s.journal.RecentSessions(r.Context(), strings.TrimSpace(r.URL.Query().Get("scenario_id")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []store.SessionRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) teardownWait() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.MicRequest:
		return m.Type, true
	case protocol.Signal:
		return m.Type, true
	case protocol.PersonaAudio:
		return m.Type, true
	case protocol.PersonaSpeakLocal:
		return m.Type, true
	case protocol.PlaybackStop:
		return m.Type, true
	case protocol.TurnState:
		return m.Type, true
	case protocol.SessionStarted:
		return m.Type, true
	case protocol.SessionEnded:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.Interim:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.MicResult:
		return m.Type, true
	case protocol.Recognition:
		return m.Type, true
	case protocol.RecognitionError:
		return m.Type, true
	case protocol.PlaybackEnded:
		return m.Type, true
	case protocol.Control:
		return m.Type, true
	default:
		return "", false
	}
}
