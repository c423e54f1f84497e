package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callcoach/internal/protocol"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/voice"
)

// wsDevice is the trainee's browser seen as audio hardware. Commands go out
// on the connection's outbound queue; replies arrive through dispatch.
type wsDevice struct {
	ctx context.Context
	out chan<- any

	events chan voice.RecognitionEvent

	mu        sync.Mutex
	micWait   chan protocol.MicResult
	playbacks map[string]chan error
}

func newWSDevice(ctx context.Context, out chan<- any) *wsDevice {
	return &wsDevice{
		ctx:       ctx,
		out:       out,
		events:    make(chan voice.RecognitionEvent, 64),
		playbacks: make(map[string]chan error),
	}
}

func (d *wsDevice) send(msg any) bool {
	select {
	case d.out <- msg:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// Acquire asks the browser for the microphone and waits for mic_result.
func (d *wsDevice) Acquire(ctx context.Context, c voice.MicConstraints) (voice.MicStream, error) {
	wait := make(chan protocol.MicResult, 1)
	d.mu.Lock()
	d.micWait = wait
	d.mu.Unlock()

	if !d.send(protocol.MicRequest{
		Type:             protocol.TypeMicRequest,
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		AutoGainControl:  c.AutoGainControl,
	}) {
		return nil, d.ctx.Err()
	}

	select {
	case res := <-wait:
		if !res.Granted {
			detail := strings.TrimSpace(res.Detail)
			if detail == "" {
				detail = "declined"
			}
			return nil, fmt.Errorf("%w: %s", voice.ErrPermissionDenied, detail)
		}
		return wsStream{d: d}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	}
}

type wsStream struct{ d *wsDevice }

func (s wsStream) Release() error {
	s.d.send(protocol.Signal{Type: protocol.TypeMicRelease})
	return nil
}

func (d *wsDevice) Start(context.Context) error {
	if !d.send(protocol.Signal{Type: protocol.TypeListenStart}) {
		return errors.New("training surface disconnected")
	}
	return nil
}

func (d *wsDevice) Stop() error {
	d.send(protocol.Signal{Type: protocol.TypeListenStop})
	return nil
}

func (d *wsDevice) Events() <-chan voice.RecognitionEvent { return d.events }

func (d *wsDevice) Play(_ context.Context, clip voice.Clip) (voice.Playback, error) {
	if len(clip.Data) == 0 {
		return nil, errors.New("empty audio clip")
	}
	pb := d.register(clip.ID)
	if !d.send(protocol.PersonaAudio{
		Type:        protocol.TypePersonaAudio,
		PlaybackID:  clip.ID,
		Text:        clip.Text,
		Format:      clip.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
	}) {
		d.unregister(clip.ID)
		return nil, errors.New("training surface disconnected")
	}
	return pb, nil
}

// SpeakLocal asks the browser's own speech engine to read the line.
func (d *wsDevice) SpeakLocal(_ context.Context, id, text string, v scenario.VoiceConfig) (voice.Playback, error) {
	id += ":local"
	pb := d.register(id)
	if !d.send(protocol.PersonaSpeakLocal{
		Type:       protocol.TypePersonaSpeakLocal,
		PlaybackID: id,
		Text:       text,
		Voice:      v.VoiceID,
		Speed:      v.Speed,
		Pitch:      v.Pitch,
	}) {
		d.unregister(id)
		return nil, errors.New("training surface disconnected")
	}
	return pb, nil
}

type wsPlayback struct {
	d    *wsDevice
	id   string
	done chan error
}

func (p *wsPlayback) Done() <-chan error { return p.done }

func (p *wsPlayback) Stop() {
	if p.d.unregister(p.id) {
		p.d.send(protocol.PlaybackStop{Type: protocol.TypePlaybackStop, PlaybackID: p.id})
	}
}

func (d *wsDevice) register(id string) *wsPlayback {
	done := make(chan error, 1)
	d.mu.Lock()
	d.playbacks[id] = done
	d.mu.Unlock()
	return &wsPlayback{d: d, id: id, done: done}
}

func (d *wsDevice) unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.playbacks[id]
	delete(d.playbacks, id)
	return ok
}

// dispatch routes device replies from the surface. It reports whether the
// message was a device message.
func (d *wsDevice) dispatch(msg any) bool {
	switch m := msg.(type) {
	case protocol.MicResult:
		d.mu.Lock()
		wait := d.micWait
		d.micWait = nil
		d.mu.Unlock()
		if wait != nil {
			wait <- m
		}
	case protocol.Recognition:
		ev := voice.RecognitionEvent{Type: voice.RecognitionInterim, Text: m.Text, Timestamp: m.TSMs}
		if m.Final {
			ev.Type = voice.RecognitionFinal
		}
		if ev.Timestamp == 0 {
			ev.Timestamp = time.Now().UnixMilli()
		}
		d.emit(ev)
	case protocol.RecognitionError:
		d.emit(voice.RecognitionEvent{
			Type:      voice.RecognitionError,
			Code:      m.Code,
			Detail:    m.Detail,
			Timestamp: time.Now().UnixMilli(),
		})
	case protocol.PlaybackEnded:
		d.mu.Lock()
		done, ok := d.playbacks[m.PlaybackID]
		delete(d.playbacks, m.PlaybackID)
		d.mu.Unlock()
		if !ok {
			return true
		}
		if strings.TrimSpace(m.Error) != "" {
			done <- errors.New(m.Error)
		} else {
			done <- nil
		}
	default:
		return false
	}
	return true
}

// emit drops interim results when the queue is full; finals and errors wait.
func (d *wsDevice) emit(ev voice.RecognitionEvent) {
	if ev.Type == voice.RecognitionInterim {
		select {
		case d.events <- ev:
		default:
		}
		return
	}
	select {
	case d.events <- ev:
	case <-d.ctx.Done():
	}
}
