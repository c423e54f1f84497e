package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/reliability"
)

type GateConfig struct {
	// MinUtteranceChars is the shortest final transcript treated as speech.
	MinUtteranceChars int
	RestartDelay      time.Duration
}

// GateHandlers receive recognition output. They are called from the gate's
// event goroutine and must not block.
type GateHandlers struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	// OnRestart fires RestartDelay after a no-speech timeout. The owner decides
	// whether it is still the trainee's turn and calls StartListening.
	OnRestart func()
	OnFatal   func(err error)
}

// Gate owns the microphone stream and the recognizer behind a start/stop
// contract. It never decides whose turn it is.
type Gate struct {
	mic     Microphone
	rec     Recognizer
	cfg     GateConfig
	metrics *observability.Metrics

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	handlers  GateHandlers
	stream    MicStream
	listening bool
	muted     bool
	released  bool
	restart   *time.Timer
}

func NewGate(mic Microphone, rec Recognizer, cfg GateConfig, metrics *observability.Metrics) *Gate {
	if cfg.MinUtteranceChars <= 0 {
		cfg.MinUtteranceChars = 3
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 300 * time.Millisecond
	}
	return &Gate{mic: mic, rec: rec, cfg: cfg, metrics: metrics}
}

func (g *Gate) SetHandlers(h GateHandlers) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = h
}

// Acquire requests the microphone with echo cancellation, noise suppression
// and auto gain enabled, then starts consuming recognizer events.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return ErrReleased
	}
	if g.stream != nil {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	stream, err := g.mic.Acquire(ctx, DefaultMicConstraints())
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("acquire microphone: %w", err)
	}

	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		_ = stream.Release()
		return ErrReleased
	}
	g.stream = stream
	g.ctx, g.cancel = context.WithCancel(ctx)
	watchCtx := g.ctx
	g.mu.Unlock()

	go g.watch(watchCtx)
	return nil
}

func (g *Gate) StartListening() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.released:
		return ErrReleased
	case g.stream == nil:
		return ErrNotAcquired
	case g.muted:
		return ErrMuted
	case g.listening:
		return nil
	}
	g.stopRestartLocked()
	if err := g.rec.Start(g.ctx); err != nil {
		return fmt.Errorf("%w: start: %v", ErrRecognitionFatal, err)
	}
	g.listening = true
	return nil
}

func (g *Gate) StopListening() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopRestartLocked()
	if !g.listening {
		return nil
	}
	g.listening = false
	return g.rec.Stop()
}

func (g *Gate) Listening() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listening
}

// SetMuted(true) stops listening at once. Unmuting only clears the flag.
func (g *Gate) SetMuted(muted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = muted
	if !muted {
		return
	}
	g.stopRestartLocked()
	if g.listening {
		g.listening = false
		_ = g.rec.Stop()
	}
}

func (g *Gate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}

// Release stops recognition and releases the microphone tracks. Idempotent.
func (g *Gate) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil
	}
	g.released = true
	g.stopRestartLocked()

	var firstErr error
	if g.listening {
		g.listening = false
		firstErr = g.rec.Stop()
	}
	if g.stream != nil {
		if err := g.stream.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		g.stream = nil
	}
	if g.cancel != nil {
		g.cancel()
	}
	return firstErr
}

func (g *Gate) watch(ctx context.Context) {
	events := g.rec.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				g.recognizerClosed()
				return
			}
			g.handle(ev)
		}
	}
}

func (g *Gate) handle(ev RecognitionEvent) {
	switch ev.Type {
	case RecognitionInterim:
		g.mu.Lock()
		listening, h := g.listening, g.handlers
		g.mu.Unlock()
		if listening && h.OnInterim != nil {
			h.OnInterim(ev.Text)
		}

	case RecognitionFinal:
		text := strings.TrimSpace(ev.Text)
		g.mu.Lock()
		listening, h := g.listening, g.handlers
		g.mu.Unlock()
		if !listening {
			return
		}
		if utf8.RuneCountInString(text) < g.cfg.MinUtteranceChars {
			g.metrics.RecognitionError("noise")
			return
		}
		if h.OnFinal != nil {
			h.OnFinal(text)
		}

	case RecognitionError:
		g.handleError(ev)
	}
}

func (g *Gate) handleError(ev RecognitionEvent) {
	code := strings.TrimSpace(ev.Code)
	if reliability.IsSelfInflictedRecognitionCode(code) {
		return
	}

	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	h := g.handlers
	if reliability.IsTransientRecognitionCode(code) {
		g.listening = false
		g.stopRestartLocked()
		g.restart = time.AfterFunc(g.cfg.RestartDelay, g.fireRestart)
		g.mu.Unlock()
		g.metrics.RecognitionError("transient")
		return
	}
	if g.listening {
		g.listening = false
		_ = g.rec.Stop()
	}
	g.mu.Unlock()

	g.metrics.RecognitionError("fatal")
	if h.OnFatal != nil {
		h.OnFatal(fmt.Errorf("%w: %s %s", ErrRecognitionFatal, code, strings.TrimSpace(ev.Detail)))
	}
}

func (g *Gate) fireRestart() {
	g.mu.Lock()
	if g.released || g.muted {
		g.mu.Unlock()
		return
	}
	h := g.handlers
	g.mu.Unlock()
	if h.OnRestart != nil {
		h.OnRestart()
	}
}

func (g *Gate) recognizerClosed() {
	g.mu.Lock()
	released := g.released
	g.listening = false
	h := g.handlers
	g.mu.Unlock()
	if released || h.OnFatal == nil {
		return
	}
	h.OnFatal(fmt.Errorf("%w: recognizer closed", ErrRecognitionFatal))
}

func (g *Gate) stopRestartLocked() {
	if g.restart != nil {
		g.restart.Stop()
		g.restart = nil
	}
}
