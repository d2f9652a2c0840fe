package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	in := []int16{0, 1000, -1000, 16384, -32768}
	if err := WriteWAVFile(path, in, SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	ready, err := ProbeWAVFile(path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !ready {
		t.Fatal("expected 16 kHz mono pcm16 wav to be engine ready")
	}

	clip, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if !clip.EngineReady() {
		t.Fatalf("unexpected clip format %+v", clip)
	}
	if len(clip.Samples) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(clip.Samples))
	}
	want := Int16ToFloat32(in)
	for i := range want {
		if clip.Samples[i] != want[i] {
			t.Fatalf("sample %d: expected %v got %v", i, want[i], clip.Samples[i])
		}
	}
}

func TestProbeNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp3")
	if err := os.WriteFile(path, []byte("ID3 definitely not riff"), 0o644); err != nil {
		t.Fatal(err)
	}
	ready, err := ProbeWAVFile(path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ready {
		t.Fatal("non-wav input must not be engine ready")
	}
	if _, err := ReadWAVFile(path); err == nil {
		t.Fatal("expected decode error for non-wav input")
	}
}

func TestProbeOtherRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := WriteWAVFile(path, make([]int16, 441), 44100); err != nil {
		t.Fatal(err)
	}
	ready, err := ProbeWAVFile(path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ready {
		t.Fatal("44.1 kHz wav needs conversion")
	}
	clip, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if clip.Duration() != 10*time.Millisecond {
		t.Fatalf("expected 10ms clip, got %v", clip.Duration())
	}
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	out := Float32ToInt16([]float32{2, -2, 0.5})
	if out[0] != 32767 || out[1] != -32768 || out[2] != 16384 {
		t.Fatalf("unexpected clamp result %v", out)
	}
}
