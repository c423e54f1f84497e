package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcoach/internal/generator"
	"github.com/ent0n29/callcoach/internal/protocol"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/session"
	"github.com/ent0n29/callcoach/internal/turn"
	"github.com/ent0n29/callcoach/internal/voice"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleTrainingWS runs one training call over a websocket. The browser is
// both the trainee's microphone and the persona's loudspeaker; the turn
// controller runs here.
func (s *Server) handleTrainingWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sc, err := s.catalog.Get(q.Get("scenario_id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "scenario_not_found", err.Error())
		return
	}
	surfaceID := strings.TrimSpace(q.Get("surface_id"))
	if surfaceID == "" {
		surfaceID = uuid.NewString()
	}
	voiceCfg := scenario.ResolveVoice(sc, s.cfg.VoiceProvider, q.Get("voice_id"), s.cfg.DefaultVoiceID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	dev := newWSDevice(ctx, outbound)
	handle := s.lifecycle.Handle(surfaceID)

	gate := voice.NewGate(dev, dev, voice.GateConfig{
		MinUtteranceChars: s.cfg.MinUtteranceChars,
		RestartDelay:      s.cfg.RecognitionRestartDelay,
	}, s.metrics)
	speaker := voice.NewSpeaker(s.backend, dev, dev, handle, voice.SpeakerConfig{
		ScenarioID:       sc.ID,
		Voice:            voiceCfg,
		SynthesisTimeout: s.cfg.SynthesisTimeout,
	}, s.metrics)
	gen := generator.New(s.backend, s.catalog, handle, generator.Config{Timeout: s.cfg.GenerationTimeout}, s.metrics)

	lease := s.lifecycle.Lease(surfaceID)
	live := &liveSurface{id: surfaceID}
	live.notify = func(code, detail string) {
		select {
		case outbound <- protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: live.session(),
			Code:      code,
			Detail:    detail,
		}:
		default:
		}
	}
	live.ctrl = turn.New(turn.Config{
		SurfaceID: surfaceID,
		Lease:     lease,
		Scenario:  sc,
		Voice:     voiceCfg,
	}, turn.Deps{
		Capture:   gate,
		Speaker:   speaker,
		Generator: gen,
		Sessions:  s.lifecycle,
		Observer:  s.surfaceObserver(ctx, live, outbound),
		Metrics:   s.metrics,
	})
	defer s.surfaces.release(live)
	if err := s.surfaces.claim(ctx, live); err != nil {
		// Gone before the prior call let go; close out so a later claim
		// does not wait on this controller.
		live.ctrl.End(session.Outcome{})
		_ = live.ctrl.Run(ctx)
		return
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		err := live.ctrl.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrSuperseded) {
			log.Printf("training ws: surface %s: %v", surfaceID, err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				if !s.writeMessage(conn, msg) {
					return
				}
			case <-runDone:
				// Flush what teardown queued, then say goodbye.
				for {
					select {
					case msg := <-outbound:
						if !s.writeMessage(conn, msg) {
							return
						}
					default:
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
							time.Now().Add(wsWriteTimeout))
						return
					}
				}
			}
		}
	}()
	go func() {
		<-writerDone
		_ = conn.Close()
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: live.session(),
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
			}
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}
		if dev.dispatch(parsed) {
			continue
		}
		if ctl, ok := parsed.(protocol.Control); ok {
			s.applyControl(live.ctrl, ctl)
		}
	}

	cancel()
	<-runDone
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) applyControl(ctrl *turn.Controller, ctl protocol.Control) {
	switch ctl.Action {
	case protocol.ActionMute:
		ctrl.SetMuted(true)
	case protocol.ActionUnmute:
		ctrl.SetMuted(false)
	case protocol.ActionResume:
		ctrl.Resume()
	case protocol.ActionEnd:
		ctrl.End(session.Outcome{Score: ctl.Score, Feedback: ctl.Feedback})
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("training ws: write failed: %v", err)
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessage("outbound", string(t))
	}
	return true
}

// surfaceObserver turns controller output into surface messages. Sends give
// up once the connection is gone.
func (s *Server) surfaceObserver(ctx context.Context, live *liveSurface, out chan<- any) turn.Observer {
	send := func(msg any) {
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}
	return turn.Observer{
		OnState: func(_, to turn.State, text string) {
			send(protocol.TurnState{Type: protocol.TypeTurnState, State: to.String(), Text: text})
		},
		OnSession: func(sess session.Session) {
			live.setSession(sess.ID)
			send(protocol.SessionStarted{
				Type:       protocol.TypeSessionStarted,
				SessionID:  sess.ID,
				ScenarioID: sess.ScenarioID,
				VoiceID:    sess.VoiceID,
				Persisted:  sess.Persisted,
			})
		},
		OnTurn: func(t turn.ConversationTurn) {
			send(protocol.Transcript{
				Type:     protocol.TypeTranscript,
				Speaker:  string(t.Speaker),
				Text:     t.Text,
				Fallback: t.Fallback,
				TSMs:     t.Timestamp.UnixMilli(),
			})
		},
		OnInterim: func(text string) {
			// Interims are advisory; never hold the controller for one.
			select {
			case out <- protocol.Interim{Type: protocol.TypeInterim, Text: text}:
			default:
			}
		},
		OnError: func(err error) {
			ev := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: live.session(),
				Code:      "capture_failed",
				Source:    "capture",
				Retryable: true,
				Detail:    err.Error(),
			}
			switch {
			case errors.Is(err, voice.ErrPermissionDenied):
				ev.Code = "mic_permission_denied"
				ev.Retryable = false
			case errors.Is(err, voice.ErrRecognitionFatal):
				ev.Code = "recognition_failed"
				ev.Source = "recognition"
			}
			send(ev)
		},
		OnEnded: func(sess session.Session) {
			send(protocol.SessionEnded{
				Type:          protocol.TypeSessionEnded,
				SessionID:     sess.ID,
				MessageCount:  sess.MessageCount,
				FallbackCount: sess.FallbackCount,
				Score:         sess.Score,
			})
		},
	}
}
