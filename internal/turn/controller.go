package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/callcoach/internal/generator"
	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/policy"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/session"
	"github.com/ent0n29/callcoach/internal/voice"
)

var ErrAlreadyRun = errors.New("controller already ran; start a new one")

// Capture is the microphone and recognizer side. *voice.Gate satisfies it.
type Capture interface {
	SetHandlers(h voice.GateHandlers)
	Acquire(ctx context.Context) error
	StartListening() error
	StopListening() error
	SetMuted(muted bool)
	Release() error
}

// Speaker plays persona lines. *voice.Speaker satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string, onDone func(voice.SpeakResult)) string
	Stop()
}

// Generator produces persona replies. *generator.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, sc scenario.Scenario, utterance string) (generator.Reply, error)
}

// Sessions opens and closes the training record. *session.Lifecycle
// satisfies it.
type Sessions interface {
	Start(ctx context.Context, surfaceID string, lease uint64, sc scenario.Scenario, voice scenario.VoiceConfig) (*session.Session, error)
	End(ctx context.Context, sessionID string, outcome session.Outcome) (*session.Session, error)
	SetMessageCount(sessionID string, n int)
	AddMessages(sessionID string, n int)
	RecordFallback(sessionID string)
	Touch(sessionID string)
}

type Config struct {
	SurfaceID string
	// Lease is the surface lease this call was admitted under; zero skips
	// the check.
	Lease    uint64
	Scenario scenario.Scenario
	Voice    scenario.VoiceConfig
	// EndTimeout bounds closing the session record during teardown.
	EndTimeout time.Duration
}

type Deps struct {
	Capture   Capture
	Speaker   Speaker
	Generator Generator
	Sessions  Sessions
	Observer  Observer
	Metrics   *observability.Metrics
}

type eventKind int

const (
	evInterim eventKind = iota
	evFinal
	evRestart
	evFatal
	evGenerated
	evSpoken
	evMute
	evResume
	evEnd
)

type event struct {
	kind    eventKind
	step    uint64
	text    string
	err     error
	reply   generator.Reply
	spoken  voice.SpeakResult
	muted   bool
	outcome session.Outcome
}

// Controller decides, at every instant, whether the trainee or the persona
// may produce audio. All state lives on the Run goroutine; collaborators
// post events back tagged with the step that launched them, and anything
// tagged with an older step is dropped.
type Controller struct {
	cfg  Config
	deps Deps

	events chan event
	done   chan struct{}
	ran    atomic.Bool
	// ending closes on the first End so a pending microphone request can be
	// abandoned before the event loop is running.
	ending  chan struct{}
	endOnce sync.Once

	// Owned by the Run goroutine.
	state     State
	step      uint64
	muted     bool
	sess      *session.Session
	cancelGen context.CancelFunc

	mu         sync.RWMutex
	snapshot   State
	transcript []ConversationTurn
}

func New(cfg Config, deps Deps) *Controller {
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		events: make(chan event, 64),
		done:   make(chan struct{}),
		ending: make(chan struct{}),
		state:  Idle,
	}
}

// Run acquires the microphone, opens the session, speaks the opening line
// and then drives turns until End is called or ctx is canceled. A controller
// runs once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer close(c.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.deps.Capture.SetHandlers(voice.GateHandlers{
		OnInterim: func(text string) { c.post(event{kind: evInterim, text: text}) },
		OnFinal:   func(text string) { c.post(event{kind: evFinal, text: text}) },
		OnRestart: func() { c.post(event{kind: evRestart}) },
		OnFatal:   func(err error) { c.post(event{kind: evFatal, err: err}) },
	})

	if c.endRequested() {
		c.setState(Ended, "")
		return nil
	}

	err := c.acquire(loopCtx)
	if c.endRequested() {
		// Ended while the permission prompt was open: no record, no greeting.
		_ = c.deps.Capture.Release()
		c.setState(Ended, "")
		return nil
	}
	if err != nil {
		_ = c.deps.Capture.Release()
		c.setState(Ended, "")
		c.reportError(err)
		return fmt.Errorf("acquire microphone: %w", err)
	}

	sess, err := c.deps.Sessions.Start(loopCtx, c.cfg.SurfaceID, c.cfg.Lease, c.cfg.Scenario, c.cfg.Voice)
	if err != nil {
		_ = c.deps.Capture.Release()
		c.setState(Ended, "")
		return fmt.Errorf("start session: %w", err)
	}
	c.sess = sess
	if c.deps.Observer.OnSession != nil {
		c.deps.Observer.OnSession(*sess)
	}
	log.Printf("turn controller: session %s started (scenario=%s persisted=%t)", sess.ID, sess.ScenarioID, sess.Persisted)

	if !c.endRequested() {
		c.speak(loopCtx, c.cfg.Scenario.OpeningLine, false)
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown(context.WithoutCancel(ctx), session.Outcome{})
			return ctx.Err()
		case ev := <-c.events:
			if ev.kind == evEnd {
				c.teardown(context.WithoutCancel(ctx), ev.outcome)
				return nil
			}
			c.handle(loopCtx, ev)
		}
	}
}

// End asks the controller to tear down and close the record. Safe to call
// more than once and from any goroutine.
func (c *Controller) End(outcome session.Outcome) {
	c.endOnce.Do(func() { close(c.ending) })
	c.post(event{kind: evEnd, outcome: outcome})
}

func (c *Controller) endRequested() bool {
	select {
	case <-c.ending:
		return true
	default:
		return false
	}
}

// acquire requests the microphone; End cancels a pending request. The
// capture keeps the context it was acquired with, so it is only canceled
// on failure, on End or when ctx ends.
func (c *Controller) acquire(ctx context.Context) error {
	acquireCtx, cancel := context.WithCancel(ctx)
	settled := make(chan struct{})
	go func() {
		select {
		case <-c.ending:
			cancel()
		case <-settled:
		}
	}()
	err := c.deps.Capture.Acquire(acquireCtx)
	close(settled)
	if err != nil {
		cancel()
	}
	return err
}

func (c *Controller) SetMuted(muted bool) {
	c.post(event{kind: evMute, muted: muted})
}

// Resume retries listening after a recognition failure.
func (c *Controller) Resume() {
	c.post(event{kind: evResume})
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Controller) Transcript() []ConversationTurn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConversationTurn, len(c.transcript))
	copy(out, c.transcript)
	return out
}

func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evInterim:
		if c.state == Listening && c.deps.Observer.OnInterim != nil {
			c.deps.Observer.OnInterim(ev.text)
		}

	case evFinal:
		if c.state != Listening {
			log.Printf("turn controller: ignoring final utterance in state %s", c.state)
			return
		}
		c.record(ConversationTurn{Speaker: PartyHuman, Text: ev.text, Timestamp: time.Now().UTC()})
		c.process(ctx, ev.text)

	case evGenerated:
		if ev.step != c.step || c.state != Processing {
			return
		}
		c.cancelGen = nil
		if ev.err != nil {
			log.Printf("turn controller: generation failed (session=%s): %v", c.sess.ID, ev.err)
			c.listen()
			return
		}
		if ev.reply.Fallback {
			c.deps.Sessions.RecordFallback(c.sess.ID)
		}
		if ev.reply.MessageCount > 0 {
			c.deps.Sessions.SetMessageCount(c.sess.ID, ev.reply.MessageCount)
		} else {
			c.deps.Sessions.AddMessages(c.sess.ID, 2)
		}
		c.speak(ctx, ev.reply.Text, ev.reply.Fallback)

	case evSpoken:
		if ev.step != c.step || c.state != PersonaSpeaking {
			return
		}
		if ev.spoken.Err != nil {
			log.Printf("turn controller: persona line not played (session=%s fallback=%t): %v", c.sess.ID, ev.spoken.Fallback, ev.spoken.Err)
		}
		c.listen()

	case evRestart:
		if c.state == Listening && !c.muted {
			c.startListening()
		}

	case evFatal:
		log.Printf("turn controller: recognition halted (session=%s): %v", c.sess.ID, ev.err)
		c.reportError(ev.err)

	case evMute:
		c.muted = ev.muted
		c.deps.Capture.SetMuted(ev.muted)
		if !ev.muted && c.state == Listening {
			c.startListening()
		}

	case evResume:
		if c.state == Listening && !c.muted {
			c.startListening()
		}
	}
}

func (c *Controller) process(ctx context.Context, utterance string) {
	_ = c.deps.Capture.StopListening()
	c.advance(Processing, utterance)
	token := c.step

	genCtx, cancel := context.WithCancel(ctx)
	c.cancelGen = cancel
	sc := c.cfg.Scenario
	go func() {
		defer cancel()
		reply, err := c.deps.Generator.Generate(genCtx, sc, utterance)
		c.post(event{kind: evGenerated, step: token, reply: reply, err: err})
	}()
	log.Printf("turn controller: processing utterance (session=%s): %q", c.sess.ID, policy.LogSafe(utterance, 80))
}

// speak stops capture before the persona makes any sound.
func (c *Controller) speak(ctx context.Context, text string, fallback bool) {
	_ = c.deps.Capture.StopListening()
	c.advance(PersonaSpeaking, text)
	c.record(ConversationTurn{Speaker: PartyPersona, Text: text, Timestamp: time.Now().UTC(), Fallback: fallback})
	token := c.step
	c.deps.Speaker.Speak(ctx, text, func(res voice.SpeakResult) {
		c.post(event{kind: evSpoken, step: token, spoken: res})
	})
}

func (c *Controller) listen() {
	c.advance(Listening, "")
	if !c.muted {
		c.startListening()
	}
}

func (c *Controller) startListening() {
	err := c.deps.Capture.StartListening()
	if err == nil || errors.Is(err, voice.ErrMuted) {
		return
	}
	log.Printf("turn controller: start listening failed (session=%s): %v", c.sess.ID, err)
	c.reportError(err)
}

// teardown order: recognition, playback, microphone, record.
func (c *Controller) teardown(ctx context.Context, outcome session.Outcome) {
	c.step++
	if c.cancelGen != nil {
		c.cancelGen()
		c.cancelGen = nil
	}
	_ = c.deps.Capture.StopListening()
	c.deps.Speaker.Stop()
	if err := c.deps.Capture.Release(); err != nil {
		log.Printf("turn controller: release microphone: %v", err)
	}
	c.setState(Ended, "")

	if c.sess != nil {
		endCtx, cancel := context.WithTimeout(ctx, c.cfg.EndTimeout)
		ended, err := c.deps.Sessions.End(endCtx, c.sess.ID, outcome)
		cancel()
		if err != nil {
			log.Printf("turn controller: close session %s: %v", c.sess.ID, err)
		} else if c.deps.Observer.OnEnded != nil {
			c.deps.Observer.OnEnded(*ended)
		}
	}

	c.mu.Lock()
	c.transcript = nil
	c.mu.Unlock()
}

// advance moves to a new state and invalidates completions from the old one.
func (c *Controller) advance(to State, text string) {
	c.step++
	c.setState(to, text)
	if c.sess != nil {
		c.deps.Sessions.Touch(c.sess.ID)
	}
}

func (c *Controller) setState(to State, text string) {
	from := c.state
	c.state = to
	c.mu.Lock()
	c.snapshot = to
	c.mu.Unlock()
	c.deps.Metrics.TurnTransition(to.String())
	if c.deps.Observer.OnState != nil {
		c.deps.Observer.OnState(from, to, text)
	}
}

func (c *Controller) record(t ConversationTurn) {
	c.mu.Lock()
	c.transcript = append(c.transcript, t)
	c.mu.Unlock()
	if c.deps.Observer.OnTurn != nil {
		c.deps.Observer.OnTurn(t)
	}
}

func (c *Controller) reportError(err error) {
	if c.deps.Observer.OnError != nil {
		c.deps.Observer.OnError(err)
	}
}
