package turn

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/generator"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/session"
	"github.com/ent0n29/callcoach/internal/voice"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeCapture struct {
	log        *callLog
	acquireErr error
	// acquireHold, when set, keeps Acquire pending until it is closed or
	// the context ends.
	acquireHold chan struct{}
	acquiring   chan struct{}

	mu        sync.Mutex
	handlers  voice.GateHandlers
	listening bool
	muted     bool
	starts    int
}

func (f *fakeCapture) SetHandlers(h voice.GateHandlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeCapture) Acquire(ctx context.Context) error {
	f.log.add("capture.acquire")
	if f.acquireHold != nil {
		close(f.acquiring)
		select {
		case <-f.acquireHold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.acquireErr
}

func (f *fakeCapture) StartListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.muted {
		return voice.ErrMuted
	}
	if !f.listening {
		f.starts++
	}
	f.listening = true
	return nil
}

func (f *fakeCapture) StopListening() error {
	f.log.add("capture.stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	return nil
}

func (f *fakeCapture) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
	if muted {
		f.listening = false
	}
}

func (f *fakeCapture) Release() error {
	f.log.add("capture.release")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	return nil
}

func (f *fakeCapture) isListening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeCapture) gate() voice.GateHandlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

type fakeSpeaker struct {
	log *callLog

	mu      sync.Mutex
	lines   []string
	pending func(voice.SpeakResult)
}

func (f *fakeSpeaker) Speak(_ context.Context, text string, onDone func(voice.SpeakResult)) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, text)
	f.pending = onDone
	return "pb"
}

func (f *fakeSpeaker) Stop() {
	f.log.add("speaker.stop")
	f.mu.Lock()
	done := f.pending
	f.pending = nil
	f.mu.Unlock()
	if done != nil {
		go done(voice.SpeakResult{Err: voice.ErrCanceled})
	}
}

// finish completes the line currently playing, waiting briefly for the
// controller to hand it over.
func (f *fakeSpeaker) finish(res voice.SpeakResult) {
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		done := f.pending
		f.pending = nil
		f.mu.Unlock()
		if done != nil {
			done(res)
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, utterance string) (generator.Reply, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, _ scenario.Scenario, utterance string) (generator.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, utterance)
	f.mu.Unlock()
	if f.fn == nil {
		return generator.Reply{Text: "Tell me more.", MessageCount: 2}, nil
	}
	return f.fn(ctx, utterance)
}

func (f *fakeGenerator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSessions struct {
	log *callLog

	mu        sync.Mutex
	starts    int
	ends      int
	fallbacks int
	messages  int
	outcome   session.Outcome
}

func (f *fakeSessions) Start(_ context.Context, surfaceID string, _ uint64, sc scenario.Scenario, v scenario.VoiceConfig) (*session.Session, error) {
	f.log.add("sessions.start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return &session.Session{ID: "sess-1", SurfaceID: surfaceID, ScenarioID: sc.ID, VoiceID: v.VoiceID, Persisted: true, Status: session.StatusActive}, nil
}

func (f *fakeSessions) End(_ context.Context, id string, outcome session.Outcome) (*session.Session, error) {
	f.log.add("sessions.end")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.outcome = outcome
	now := time.Now().UTC()
	return &session.Session{ID: id, Status: session.StatusEnded, EndedAt: &now}, nil
}

func (f *fakeSessions) SetMessageCount(_ string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = n
}

func (f *fakeSessions) AddMessages(_ string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages += n
}

func (f *fakeSessions) RecordFallback(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks++
}

func (f *fakeSessions) Touch(string) {}

type harness struct {
	ctrl     *Controller
	capture  *fakeCapture
	speaker  *fakeSpeaker
	gen      *fakeGenerator
	sessions *fakeSessions
	log      *callLog
	runErr   chan error

	mu         sync.Mutex
	violations []string
	errs       []error
}

var gatekeeper = scenario.Scenario{
	ID:            "cold-call-gatekeeper",
	Name:          "Cold Call",
	PersonaPrompt: "You are Dana.",
	OpeningLine:   "Northwind Logistics, this is Dana. Who's calling?",
}

func newHarness(t *testing.T, gen Generator) *harness {
	t.Helper()
	h := &harness{log: &callLog{}, runErr: make(chan error, 1)}
	h.capture = &fakeCapture{log: h.log}
	h.speaker = &fakeSpeaker{log: h.log}
	h.sessions = &fakeSessions{log: h.log}
	if fg, ok := gen.(*fakeGenerator); ok {
		h.gen = fg
	}
	if gen == nil {
		h.gen = &fakeGenerator{}
		gen = h.gen
	}
	h.ctrl = New(Config{SurfaceID: "surface-1", Scenario: gatekeeper, Voice: scenario.VoiceConfig{VoiceID: "nova"}}, Deps{
		Capture:   h.capture,
		Speaker:   h.speaker,
		Generator: gen,
		Sessions:  h.sessions,
		Observer: Observer{
			OnState: func(_, to State, _ string) {
				if to == PersonaSpeaking && h.capture.isListening() {
					h.mu.Lock()
					h.violations = append(h.violations, "listening while persona speaking")
					h.mu.Unlock()
				}
			},
			OnError: func(err error) {
				h.mu.Lock()
				h.errs = append(h.errs, err)
				h.mu.Unlock()
			},
		},
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-h.ctrl.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.violations) > 0 {
			t.Errorf("turn invariant violated: %v", h.violations)
		}
	})
	go func() { h.runErr <- h.ctrl.Run(ctx) }()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.ctrl.State() == want })
}

// listening drives the controller through the greeting.
func (h *harness) listening(t *testing.T) {
	t.Helper()
	h.start(t)
	h.waitState(t, PersonaSpeaking)
	h.speaker.finish(voice.SpeakResult{})
	h.waitState(t, Listening)
	waitFor(t, "capture listening", h.capture.isListening)
}

func TestControllerGreetsThenListens(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)
	waitFor(t, "greeting", func() bool { return len(h.speaker.spoken()) == 1 })

	if got := h.speaker.spoken(); len(got) != 1 || got[0] != gatekeeper.OpeningLine {
		t.Fatalf("spoken = %q, want opening line", got)
	}
	if h.capture.isListening() {
		t.Fatalf("capture listening during greeting")
	}
	calls := h.log.snapshot()
	if len(calls) < 2 || calls[0] != "capture.acquire" || calls[1] != "sessions.start" {
		t.Fatalf("startup calls = %v, want acquire then session start", calls)
	}

	h.speaker.finish(voice.SpeakResult{})
	h.waitState(t, Listening)
	waitFor(t, "capture listening", h.capture.isListening)
}

func TestControllerUsesFallbackLineWhenGenerationFails(t *testing.T) {
	catalog := scenario.NewDefaultCatalog()
	remote := failingRemote{err: errors.New("dial tcp: connection refused")}
	gen := generator.New(remote, catalog, nil, generator.Config{}, nil)
	h := newHarness(t, gen)
	h.listening(t)

	h.capture.gate().OnFinal("I'm not interested")
	waitFor(t, "fallback line spoken", func() bool { return len(h.speaker.spoken()) == 2 })
	h.waitState(t, PersonaSpeaking)

	line := h.speaker.spoken()[1]
	if !slices.Contains(catalog.Fallbacks(gatekeeper.ID), line) {
		t.Fatalf("spoken %q is not a %s fallback line", line, gatekeeper.ID)
	}
	h.sessions.mu.Lock()
	fallbacks := h.sessions.fallbacks
	h.sessions.mu.Unlock()
	if fallbacks != 1 {
		t.Fatalf("fallbacks recorded = %d, want 1", fallbacks)
	}

	transcript := h.ctrl.Transcript()
	if len(transcript) != 3 || transcript[1].Speaker != PartyHuman || !transcript[2].Fallback {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
}

type failingRemote struct{ err error }

func (r failingRemote) GenerateResponse(context.Context, backend.GenerateRequest) (backend.GenerateResponse, error) {
	return backend.GenerateResponse{}, r.err
}

func TestControllerEntersProcessingOnFinal(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, _ string) (generator.Reply, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return generator.Reply{Text: "Go on."}, nil
	}}
	h := newHarness(t, gen)
	h.listening(t)

	h.capture.gate().OnFinal("We help logistics teams cut admin time")
	h.waitState(t, Processing)
	if h.capture.isListening() {
		t.Fatalf("capture listening while processing")
	}
	close(release)
	h.waitState(t, PersonaSpeaking)
}

func TestControllerIgnoresStrayFinalWhilePersonaSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)

	h.capture.gate().OnFinal("hello is anyone there")
	time.Sleep(30 * time.Millisecond)

	if h.ctrl.State() != PersonaSpeaking {
		t.Fatalf("State() = %s, want %s", h.ctrl.State(), PersonaSpeaking)
	}
	if h.gen.count() != 0 {
		t.Fatalf("generator called %d times for a stray final", h.gen.count())
	}
}

func TestControllerSynthesisFailureStillListens(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)

	h.speaker.finish(voice.SpeakResult{Fallback: true, Stage: "synthesis", Err: errors.New("local speech unavailable")})
	h.waitState(t, Listening)
	waitFor(t, "capture listening", h.capture.isListening)
}

func TestControllerOutrightGenerationFailureReturnsToListening(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string) (generator.Reply, error) {
		return generator.Reply{}, generator.ErrNoFallback
	}}
	h := newHarness(t, gen)
	h.listening(t)

	h.capture.gate().OnFinal("Can I speak to the owner?")
	waitFor(t, "generator call", func() bool { return gen.count() == 1 })
	h.waitState(t, Listening)
	waitFor(t, "capture listening", h.capture.isListening)
	if got := len(h.speaker.spoken()); got != 1 {
		t.Fatalf("spoken lines = %d, want only the greeting", got)
	}
}

func TestControllerEndTearsDownInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)
	waitFor(t, "greeting", func() bool { return len(h.speaker.spoken()) == 1 })

	h.speaker.mu.Lock()
	greetingDone := h.speaker.pending
	h.speaker.mu.Unlock()

	score := 71.0
	h.ctrl.End(session.Outcome{Score: &score, Feedback: "ask for the meeting"})
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return after End")
	}

	calls := h.log.snapshot()
	tail := calls[len(calls)-4:]
	want := []string{"capture.stop", "speaker.stop", "capture.release", "sessions.end"}
	if !slices.Equal(tail, want) {
		t.Fatalf("teardown calls = %v, want %v", tail, want)
	}
	if h.ctrl.State() != Ended {
		t.Fatalf("State() = %s, want %s", h.ctrl.State(), Ended)
	}
	if h.ctrl.Transcript() != nil && len(h.ctrl.Transcript()) != 0 {
		t.Fatalf("transcript should be discarded at end")
	}

	// Late completion and a second End are no-ops.
	greetingDone(voice.SpeakResult{})
	h.ctrl.End(session.Outcome{})
	if h.ctrl.State() != Ended {
		t.Fatalf("State() = %s after late completion, want %s", h.ctrl.State(), Ended)
	}
	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	if h.sessions.ends != 1 {
		t.Fatalf("session ends = %d, want 1", h.sessions.ends)
	}
	if h.sessions.outcome.Score == nil || *h.sessions.outcome.Score != 71 {
		t.Fatalf("outcome not passed to session end: %+v", h.sessions.outcome)
	}
}

func TestControllerDiscardsGenerationAfterEnd(t *testing.T) {
	entered := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, _ string) (generator.Reply, error) {
		close(entered)
		<-ctx.Done()
		return generator.Reply{Text: "too late"}, nil
	}}
	h := newHarness(t, gen)
	h.listening(t)

	h.capture.gate().OnFinal("Is Mr. Jenkins available?")
	<-entered
	h.ctrl.End(session.Outcome{})
	<-h.ctrl.Done()

	if got := len(h.speaker.spoken()); got != 1 {
		t.Fatalf("spoken lines = %d, want only the greeting", got)
	}
}

func TestControllerMutePausesInPlace(t *testing.T) {
	h := newHarness(t, nil)
	h.listening(t)

	h.ctrl.SetMuted(true)
	waitFor(t, "capture stopped", func() bool { return !h.capture.isListening() })
	if h.ctrl.State() != Listening {
		t.Fatalf("State() = %s, want %s while muted", h.ctrl.State(), Listening)
	}

	// A no-speech restart while muted must not reopen the microphone.
	h.capture.gate().OnRestart()
	time.Sleep(20 * time.Millisecond)
	if h.capture.isListening() {
		t.Fatalf("restart reopened capture while muted")
	}

	h.ctrl.SetMuted(false)
	waitFor(t, "capture resumed", h.capture.isListening)
}

func TestControllerUnmuteDuringPersonaTurnDoesNotListen(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)

	h.ctrl.SetMuted(true)
	h.ctrl.SetMuted(false)
	time.Sleep(20 * time.Millisecond)
	if h.capture.isListening() {
		t.Fatalf("unmute during persona turn started capture")
	}
}

func TestControllerRestartOnlyOnHumanTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)

	h.capture.gate().OnRestart()
	time.Sleep(20 * time.Millisecond)
	if h.capture.isListening() {
		t.Fatalf("restart during persona turn started capture")
	}

	h.speaker.finish(voice.SpeakResult{})
	h.waitState(t, Listening)
	waitFor(t, "capture listening", h.capture.isListening)

	// Simulate the gate stopping itself after a no-speech timeout.
	_ = h.capture.StopListening()
	h.capture.gate().OnRestart()
	waitFor(t, "capture restarted", h.capture.isListening)
}

func TestControllerSurfacesFatalRecognitionError(t *testing.T) {
	h := newHarness(t, nil)
	h.listening(t)

	_ = h.capture.StopListening()
	h.capture.gate().OnFatal(voice.ErrRecognitionFatal)
	waitFor(t, "error surfaced", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errs) == 1
	})
	if h.capture.isListening() {
		t.Fatalf("fatal recognition error must not restart capture")
	}

	h.ctrl.Resume()
	waitFor(t, "capture resumed", h.capture.isListening)
}

func TestControllerPermissionDeniedAbortsBeforeSession(t *testing.T) {
	h := newHarness(t, nil)
	h.capture.acquireErr = voice.ErrPermissionDenied

	err := h.ctrl.Run(context.Background())
	if !errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("Run() error = %v, want ErrPermissionDenied", err)
	}
	if h.sessions.starts != 0 {
		t.Fatalf("session started despite denied microphone")
	}
	if got := h.log.snapshot(); !slices.Contains(got, "capture.release") {
		t.Fatalf("partial capture state not released: %v", got)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], voice.ErrPermissionDenied) {
		t.Fatalf("errors surfaced = %v", h.errs)
	}
	if h.ctrl.State() != Ended {
		t.Fatalf("State() = %s, want %s", h.ctrl.State(), Ended)
	}
}

func TestControllerEndDuringMicPromptSkipsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.capture.acquireHold = make(chan struct{})
	h.capture.acquiring = make(chan struct{})

	go func() { h.runErr <- h.ctrl.Run(context.Background()) }()
	<-h.capture.acquiring
	h.ctrl.End(session.Outcome{})

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() still blocked on the microphone prompt after End")
	}
	select {
	case <-h.ctrl.Done():
	default:
		t.Fatal("Done() not closed after Run returned")
	}
	if h.sessions.starts != 0 {
		t.Fatalf("session started after End")
	}
	if len(h.speaker.lines) != 0 {
		t.Fatalf("persona spoke after End: %v", h.speaker.lines)
	}
	if got := h.log.snapshot(); !slices.Contains(got, "capture.release") {
		t.Fatalf("capture not released: %v", got)
	}
	if h.ctrl.State() != Ended {
		t.Fatalf("State() = %s, want %s", h.ctrl.State(), Ended)
	}
}

func TestControllerEndBeforeRunSkipsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.End(session.Outcome{})

	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if got := h.log.snapshot(); slices.Contains(got, "capture.acquire") || slices.Contains(got, "sessions.start") {
		t.Fatalf("call log = %v, want no acquire or session start", got)
	}
	if h.ctrl.State() != Ended {
		t.Fatalf("State() = %s, want %s", h.ctrl.State(), Ended)
	}
}

func TestControllerRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitState(t, PersonaSpeaking)
	if err := h.ctrl.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run() error = %v, want ErrAlreadyRun", err)
	}
}

func TestControllerRecordsBackendMessageCount(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string) (generator.Reply, error) {
		return generator.Reply{Text: "Who is this?", MessageCount: 4}, nil
	}}
	h := newHarness(t, gen)
	h.listening(t)

	h.capture.gate().OnFinal("Hi Dana, it's Sam from Acme")
	waitFor(t, "reply spoken", func() bool { return len(h.speaker.spoken()) == 2 })
	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	if h.sessions.messages != 4 {
		t.Fatalf("message count = %d, want 4", h.sessions.messages)
	}
}

type gateMic struct{}

func (gateMic) Acquire(context.Context, voice.MicConstraints) (voice.MicStream, error) {
	return gateStream{}, nil
}

type gateStream struct{}

func (gateStream) Release() error { return nil }

type chanRecognizer struct{ events chan voice.RecognitionEvent }

func (r chanRecognizer) Start(context.Context) error           { return nil }
func (r chanRecognizer) Stop() error                           { return nil }
func (r chanRecognizer) Events() <-chan voice.RecognitionEvent { return r.events }

func TestControllerWithGateIgnoresShortUtterances(t *testing.T) {
	rec := chanRecognizer{events: make(chan voice.RecognitionEvent, 4)}
	gate := voice.NewGate(gateMic{}, rec, voice.GateConfig{MinUtteranceChars: 3}, nil)
	gen := &fakeGenerator{}
	speaker := &fakeSpeaker{log: &callLog{}}
	sessions := &fakeSessions{log: &callLog{}}
	ctrl := New(Config{Scenario: gatekeeper}, Deps{Capture: gate, Speaker: speaker, Generator: gen, Sessions: sessions})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-ctrl.Done()
	}()
	go func() { _ = ctrl.Run(ctx) }()

	waitFor(t, "greeting", func() bool { return ctrl.State() == PersonaSpeaking })
	speaker.finish(voice.SpeakResult{})
	waitFor(t, "listening", gate.Listening)

	rec.events <- voice.RecognitionEvent{Type: voice.RecognitionFinal, Text: "um"}
	time.Sleep(30 * time.Millisecond)
	if ctrl.State() != Listening || gen.count() != 0 {
		t.Fatalf("short utterance advanced the turn: state=%s generator calls=%d", ctrl.State(), gen.count())
	}

	rec.events <- voice.RecognitionEvent{Type: voice.RecognitionFinal, Text: "Is Dana available?"}
	waitFor(t, "reply spoken", func() bool { return len(speaker.spoken()) == 2 })
	if gate.Listening() {
		t.Fatalf("gate listening while persona speaks")
	}
}
