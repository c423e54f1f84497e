package audio

import (
	"testing"
	"time"
)

func TestSilenceWAVHeaderAndDuration(t *testing.T) {
	wav, err := SilenceWAV(500*time.Millisecond, 16000)
	if err != nil {
		t.Fatalf("SilenceWAV() error = %v", err)
	}
	if len(wav) != 44+16000 {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+16000)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("unexpected header: %q", wav[:44])
	}
	if got := WAVDuration(wav); got != 500*time.Millisecond {
		t.Fatalf("WAVDuration() = %v, want 500ms", got)
	}
}

func TestWAVDurationRejectsNonWAV(t *testing.T) {
	if got := WAVDuration([]byte("ID3 not a wav file at all, just some mp3 bytes..........")); got != 0 {
		t.Fatalf("WAVDuration() = %v, want 0", got)
	}
}
