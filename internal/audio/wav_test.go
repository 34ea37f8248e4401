package audio

import (
	"testing"
	"time"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	b, err := EncodeWAVPCM16LE(make([]byte, 320), 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(b) != 44+320 {
		t.Fatalf("len = %d, want %d", len(b), 44+320)
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		t.Fatalf("unexpected header %q", b[:44])
	}
}

func TestSilentWAVDuration(t *testing.T) {
	b := SilentWAV(500*time.Millisecond, 16000)
	got, err := WAVDuration(b)
	if err != nil {
		t.Fatalf("WAVDuration() error = %v", err)
	}
	if got != 500*time.Millisecond {
		t.Fatalf("WAVDuration() = %v, want 500ms", got)
	}
}

func TestWAVDurationRejectsOtherContainers(t *testing.T) {
	if _, err := WAVDuration([]byte("OggS not a wav at all, padded to be long enough....")); err == nil {
		t.Fatalf("WAVDuration() error = nil, want error")
	}
}
