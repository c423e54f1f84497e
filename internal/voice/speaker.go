package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/scenario"
)

type SpeakerConfig struct {
	ScenarioID string
	Voice      scenario.VoiceConfig
	// SynthesisTimeout bounds the remote text-to-speech request, not playback.
	SynthesisTimeout time.Duration
}

// SpeakResult is delivered exactly once per Speak call.
type SpeakResult struct {
	PlaybackID string
	Fallback   bool
	// Stage names the remote step that failed when Fallback is set.
	Stage string
	Err   error
}

// Speaker plays persona lines: remote synthesis through the audio player,
// with the local speech engine as the degraded path. Only one line is
// audible at a time.
type Speaker struct {
	synth   Synthesizer
	player  AudioPlayer
	local   LocalSpeaker
	session SessionRef
	cfg     SpeakerConfig
	metrics *observability.Metrics

	mu      sync.Mutex
	current *utterance
	// last is the most recent utterance, stopped or not. The next one
	// waits for it to go silent.
	last *utterance
}

type utterance struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

type playbackError struct{ err error }

func (e *playbackError) Error() string { return "playback: " + e.err.Error() }
func (e *playbackError) Unwrap() error { return e.err }

func NewSpeaker(synth Synthesizer, player AudioPlayer, local LocalSpeaker, session SessionRef, cfg SpeakerConfig, metrics *observability.Metrics) *Speaker {
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 20 * time.Second
	}
	return &Speaker{
		synth:   synth,
		player:  player,
		local:   local,
		session: session,
		cfg:     cfg,
		metrics: metrics,
	}
}

// Speak stops whatever is playing and speaks text. onDone runs on the
// speaker's goroutine once playback ends, fails, or is stopped.
func (s *Speaker) Speak(ctx context.Context, text string, onDone func(SpeakResult)) string {
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.last
	s.current = u
	s.last = u
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	go s.run(uctx, u, prev, strings.TrimSpace(text), onDone)
	return u.id
}

// Stop cancels in-flight synthesis and playback. The pending completion
// fires with ErrCanceled.
func (s *Speaker) Stop() {
	s.mu.Lock()
	u := s.current
	s.current = nil
	s.mu.Unlock()
	if u != nil {
		u.cancel()
	}
}

func (s *Speaker) run(ctx context.Context, u, prev *utterance, text string, onDone func(SpeakResult)) {
	defer close(u.done)
	defer u.cancel()

	// The previous line must be silent before this one starts.
	if prev != nil {
		<-prev.done
	}

	res := s.speak(ctx, u.id, text)
	res.PlaybackID = u.id

	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	s.mu.Unlock()

	if onDone != nil {
		onDone(res)
	}
}

func (s *Speaker) speak(ctx context.Context, id, text string) SpeakResult {
	if ctx.Err() != nil {
		return SpeakResult{Err: ErrCanceled}
	}

	err := s.playRemote(ctx, id, text)
	if err == nil {
		return SpeakResult{}
	}
	if ctx.Err() != nil || errors.Is(err, ErrCanceled) {
		return SpeakResult{Err: ErrCanceled}
	}

	stage := "synthesis"
	var pe *playbackError
	if errors.As(err, &pe) {
		stage = "playback"
	}
	log.Printf("speech player: remote %s failed, using local speech: %v", stage, err)
	s.metrics.SynthesisFallback(stage)

	if s.local == nil {
		return SpeakResult{Stage: stage, Err: err}
	}
	pb, err := s.local.SpeakLocal(ctx, id, text, s.cfg.Voice)
	if err != nil {
		if ctx.Err() != nil {
			return SpeakResult{Err: ErrCanceled}
		}
		return SpeakResult{Fallback: true, Stage: stage, Err: fmt.Errorf("local speech: %w", err)}
	}
	if err := wait(ctx, pb); err != nil {
		if errors.Is(err, ErrCanceled) {
			return SpeakResult{Err: ErrCanceled}
		}
		return SpeakResult{Fallback: true, Stage: stage, Err: fmt.Errorf("local speech: %w", err)}
	}
	return SpeakResult{Fallback: true, Stage: stage}
}

func (s *Speaker) playRemote(ctx context.Context, id, text string) error {
	if s.synth == nil || s.player == nil {
		return errors.New("remote speech not configured")
	}
	started := time.Now()

	sessionID := ""
	if s.session != nil {
		sessionID = s.session.ID()
	}
	synthCtx, cancel := context.WithTimeout(ctx, s.cfg.SynthesisTimeout)
	audio, err := s.synth.TextToSpeech(synthCtx, backend.SpeechRequest{
		Text:      text,
		Scenario:  s.cfg.ScenarioID,
		Voice:     s.cfg.Voice.VoiceID,
		SessionID: sessionID,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}

	pb, err := s.player.Play(ctx, Clip{ID: id, Text: text, Format: audio.Format, Data: audio.Data})
	if err != nil {
		return &playbackError{err: err}
	}
	s.metrics.ObservePersonaAudioLatency(time.Since(started))

	if err := wait(ctx, pb); err != nil {
		if errors.Is(err, ErrCanceled) {
			return err
		}
		pb.Stop()
		return &playbackError{err: err}
	}
	return nil
}

func wait(ctx context.Context, pb Playback) error {
	select {
	case err, ok := <-pb.Done():
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		pb.Stop()
		return ErrCanceled
	}
}
