package audio

import (
	"errors"
	"testing"
	"time"
)

func TestAccumulatorCapacity(t *testing.T) {
	acc := NewAccumulator(SampleRate, 30*time.Second)
	if acc.Capacity() != 30*SampleRate {
		t.Fatalf("expected capacity %d, got %d", 30*SampleRate, acc.Capacity())
	}
}

func TestAccumulatorRefusesOverflowingChunk(t *testing.T) {
	acc := NewAccumulator(10, time.Second)

	if err := acc.Append(make([]int16, 6)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := acc.Append(make([]int16, 5)); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if acc.Len() != 6 {
		t.Fatalf("overflowing chunk must be dropped whole, len=%d", acc.Len())
	}
	if err := acc.Append(make([]int16, 4)); err != nil {
		t.Fatalf("exact fill should succeed: %v", err)
	}
	if acc.Len() != 10 {
		t.Fatalf("expected full buffer, len=%d", acc.Len())
	}
	if err := acc.Append([]int16{1}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull once full, got %v", err)
	}
}

func TestAccumulatorResetAndConvert(t *testing.T) {
	acc := NewAccumulator(SampleRate, time.Second)
	n, err := acc.AppendPCM(EncodePCM16([]int16{16384, -16384}))
	if err != nil || n != 2 {
		t.Fatalf("append pcm: n=%d err=%v", n, err)
	}
	samples := acc.Float32()
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != -0.5 {
		t.Fatalf("unexpected float samples %v", samples)
	}
	acc.Reset()
	if acc.Len() != 0 || acc.Duration() != 0 {
		t.Fatalf("expected empty accumulator after reset")
	}
}

func TestAccumulatorAppendPCMOdd(t *testing.T) {
	acc := NewAccumulator(SampleRate, time.Second)
	if _, err := acc.AppendPCM([]byte{1}); !errors.Is(err, ErrOddPCM) {
		t.Fatalf("expected ErrOddPCM, got %v", err)
	}
}
