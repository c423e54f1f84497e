package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/scenario"
)

type stubSynth struct {
	mu   sync.Mutex
	reqs []backend.SpeechRequest
	fn   func(ctx context.Context, req backend.SpeechRequest) (backend.Audio, error)
}

func (s *stubSynth) TextToSpeech(ctx context.Context, req backend.SpeechRequest) (backend.Audio, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	return backend.Audio{Data: []byte("RIFF"), Format: "audio/wav"}, nil
}

type stubPlayback struct {
	done    chan error
	stopped atomic.Int32
}

func newStubPlayback() *stubPlayback { return &stubPlayback{done: make(chan error, 1)} }

func (p *stubPlayback) Done() <-chan error { return p.done }
func (p *stubPlayback) Stop()              { p.stopped.Add(1) }

type stubPlayer struct {
	mu    sync.Mutex
	clips []Clip
	// next returns the playback for each Play call; nil means end immediately.
	next func(Clip) (*stubPlayback, error)
}

func (p *stubPlayer) Play(_ context.Context, clip Clip) (Playback, error) {
	p.mu.Lock()
	p.clips = append(p.clips, clip)
	p.mu.Unlock()
	if p.next != nil {
		pb, err := p.next(clip)
		if err != nil {
			return nil, err
		}
		return pb, nil
	}
	pb := newStubPlayback()
	pb.done <- nil
	return pb, nil
}

type stubLocal struct {
	calls atomic.Int32
	voice scenario.VoiceConfig
}

func (l *stubLocal) SpeakLocal(_ context.Context, _ string, _ string, voice scenario.VoiceConfig) (Playback, error) {
	l.calls.Add(1)
	l.voice = voice
	pb := newStubPlayback()
	close(pb.done)
	return pb, nil
}

type fixedRef string

func (r fixedRef) ID() string { return string(r) }

func speakAndWait(t *testing.T, s *Speaker, text string) SpeakResult {
	t.Helper()
	results := make(chan SpeakResult, 2)
	s.Speak(context.Background(), text, func(r SpeakResult) { results <- r })
	select {
	case r := <-results:
		select {
		case extra := <-results:
			t.Fatalf("completion fired twice: %+v then %+v", r, extra)
		case <-time.After(20 * time.Millisecond):
		}
		return r
	case <-time.After(time.Second):
		t.Fatalf("completion not fired")
	}
	return SpeakResult{}
}

func TestSpeakerRemotePath(t *testing.T) {
	synth := &stubSynth{}
	player := &stubPlayer{}
	local := &stubLocal{}
	s := NewSpeaker(synth, player, local, fixedRef("sess-1"), SpeakerConfig{
		ScenarioID: "skeptical-cfo",
		Voice:      scenario.VoiceConfig{Provider: "remote", VoiceID: "onyx"},
	}, nil)

	res := speakAndWait(t, s, "  This is Richard.  ")
	if res.Err != nil || res.Fallback {
		t.Fatalf("unexpected result: %+v", res)
	}
	if local.calls.Load() != 0 {
		t.Fatalf("local speech used on the remote path")
	}
	if len(synth.reqs) != 1 {
		t.Fatalf("synthesis calls = %d, want 1", len(synth.reqs))
	}
	req := synth.reqs[0]
	if req.Text != "This is Richard." || req.Voice != "onyx" || req.Scenario != "skeptical-cfo" || req.SessionID != "sess-1" {
		t.Fatalf("unexpected speech request: %+v", req)
	}
	if len(player.clips) != 1 || player.clips[0].Format != "audio/wav" || player.clips[0].ID != res.PlaybackID {
		t.Fatalf("unexpected clips: %+v", player.clips)
	}
}

func TestSpeakerFallsBackOnSynthesisFailure(t *testing.T) {
	synth := &stubSynth{fn: func(context.Context, backend.SpeechRequest) (backend.Audio, error) {
		return backend.Audio{}, errors.New("502")
	}}
	local := &stubLocal{}
	voiceCfg := scenario.VoiceConfig{VoiceID: "nova"}
	s := NewSpeaker(synth, &stubPlayer{}, local, nil, SpeakerConfig{Voice: voiceCfg}, nil)

	res := speakAndWait(t, s, "hello")
	if !res.Fallback || res.Stage != "synthesis" || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if local.calls.Load() != 1 || local.voice.VoiceID != "nova" {
		t.Fatalf("local speech calls = %d voice=%q", local.calls.Load(), local.voice.VoiceID)
	}
}

func TestSpeakerFallsBackOnPlaybackFailure(t *testing.T) {
	var first *stubPlayback
	player := &stubPlayer{next: func(Clip) (*stubPlayback, error) {
		first = newStubPlayback()
		first.done <- errors.New("decode error")
		return first, nil
	}}
	local := &stubLocal{}
	s := NewSpeaker(&stubSynth{}, player, local, nil, SpeakerConfig{}, nil)

	res := speakAndWait(t, s, "hello")
	if !res.Fallback || res.Stage != "playback" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if first.stopped.Load() == 0 {
		t.Fatalf("failed remote playback should be stopped before local speech")
	}
}

func TestSpeakerReportsFailureWithoutLocalEngine(t *testing.T) {
	synth := &stubSynth{fn: func(context.Context, backend.SpeechRequest) (backend.Audio, error) {
		return backend.Audio{}, errors.New("down")
	}}
	s := NewSpeaker(synth, &stubPlayer{}, nil, nil, SpeakerConfig{}, nil)
	res := speakAndWait(t, s, "hello")
	if res.Err == nil || res.Fallback {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSpeakerStopCancelsOnce(t *testing.T) {
	pb := newStubPlayback()
	player := &stubPlayer{next: func(Clip) (*stubPlayback, error) { return pb, nil }}
	local := &stubLocal{}
	s := NewSpeaker(&stubSynth{}, player, local, nil, SpeakerConfig{}, nil)

	results := make(chan SpeakResult, 2)
	s.Speak(context.Background(), "a long answer", func(r SpeakResult) { results <- r })

	deadline := time.Now().Add(time.Second)
	for {
		player.mu.Lock()
		n := len(player.clips)
		player.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("playback never started")
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	select {
	case r := <-results:
		if !errors.Is(r.Err, ErrCanceled) {
			t.Fatalf("Err = %v, want ErrCanceled", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("completion not fired after Stop")
	}
	select {
	case r := <-results:
		t.Fatalf("completion fired twice: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
	if pb.stopped.Load() == 0 {
		t.Fatalf("playback not stopped")
	}
	if local.calls.Load() != 0 {
		t.Fatalf("cancellation must not fall back to local speech")
	}
}

func TestSpeakerNewLineStopsPrevious(t *testing.T) {
	var mu sync.Mutex
	var playbacks []*stubPlayback
	player := &stubPlayer{next: func(c Clip) (*stubPlayback, error) {
		pb := newStubPlayback()
		if c.Text == "second" {
			pb.done <- nil
		}
		mu.Lock()
		playbacks = append(playbacks, pb)
		mu.Unlock()
		return pb, nil
	}}
	s := NewSpeaker(&stubSynth{}, player, nil, nil, SpeakerConfig{}, nil)

	firstDone := make(chan SpeakResult, 1)
	s.Speak(context.Background(), "first", func(r SpeakResult) { firstDone <- r })
	time.Sleep(10 * time.Millisecond)
	second := speakAndWait(t, s, "second")

	r := <-firstDone
	if !errors.Is(r.Err, ErrCanceled) {
		t.Fatalf("first Err = %v, want ErrCanceled", r.Err)
	}
	if second.Err != nil {
		t.Fatalf("second Err = %v", second.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(playbacks) != 2 || playbacks[0].stopped.Load() == 0 {
		t.Fatalf("first playback should be stopped before the second plays")
	}
}

func TestSpeakerStopThenSpeakWaitsForStoppedLine(t *testing.T) {
	player := &stubPlayer{next: func(c Clip) (*stubPlayback, error) {
		pb := newStubPlayback()
		if c.Text == "second" {
			pb.done <- nil
		}
		return pb, nil
	}}
	s := NewSpeaker(&stubSynth{}, player, nil, nil, SpeakerConfig{}, nil)
	clips := func() []string {
		player.mu.Lock()
		defer player.mu.Unlock()
		var out []string
		for _, c := range player.clips {
			out = append(out, c.Text)
		}
		return out
	}

	hold := make(chan struct{})
	firstStopped := make(chan struct{})
	s.Speak(context.Background(), "first", func(SpeakResult) {
		close(firstStopped)
		<-hold
	})
	deadline := time.Now().Add(time.Second)
	for len(clips()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first playback never started")
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	<-firstStopped
	secondDone := make(chan SpeakResult, 1)
	s.Speak(context.Background(), "second", func(r SpeakResult) { secondDone <- r })

	time.Sleep(30 * time.Millisecond)
	if got := clips(); len(got) != 1 {
		t.Fatalf("second line played before the stopped one finished: %v", got)
	}

	close(hold)
	select {
	case r := <-secondDone:
		if r.Err != nil {
			t.Fatalf("second Err = %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second line never completed")
	}
	if got := clips(); len(got) != 2 || got[1] != "second" {
		t.Fatalf("clips = %v, want first then second", got)
	}
}
