package audio

import (
	"errors"
	"testing"
	"time"
)

func TestPCMToFloat32Scaling(t *testing.T) {
	pcm := EncodePCM16([]int16{0, 16384, -32768, 32767})
	samples, err := PCMToFloat32(pcm)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := []float32{0, 0.5, -1, 32767.0 / 32768.0}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], samples[i])
		}
	}
	for _, s := range samples {
		if s < -1 || s >= 1 {
			t.Fatalf("sample %v out of [-1, 1)", s)
		}
	}
}

func TestDecodePCM16LittleEndian(t *testing.T) {
	samples, err := DecodePCM16([]byte{0x01, 0x00, 0xff, 0xff})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if samples[0] != 1 || samples[1] != -1 {
		t.Fatalf("unexpected samples %v", samples)
	}
}

func TestDecodePCM16RejectsOddLength(t *testing.T) {
	if _, err := DecodePCM16([]byte{1, 2, 3}); !errors.Is(err, ErrOddPCM) {
		t.Fatalf("expected ErrOddPCM, got %v", err)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(SampleRate*3/2, SampleRate); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", got)
	}
	if got := Duration(100, 0); got != 0 {
		t.Fatalf("expected zero duration for zero rate, got %v", got)
	}
}
