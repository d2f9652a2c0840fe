package audio

import (
	"testing"
	"time"
)

func TestSplitFixedLength(t *testing.T) {
	// 25 "seconds" at 1 Hz in 10 second segments
	samples := make([]float32, 25)
	segments := Split(samples, 1, 10*time.Second)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	wantLens := []int{10, 10, 5}
	for i, seg := range segments {
		if seg.Index != i {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
		if len(seg.Samples) != wantLens[i] {
			t.Fatalf("segment %d: expected %d samples, got %d", i, wantLens[i], len(seg.Samples))
		}
		if seg.Offset != time.Duration(i)*10*time.Second {
			t.Fatalf("segment %d: unexpected offset %v", i, seg.Offset)
		}
	}
}

func TestSplitShortInput(t *testing.T) {
	samples := make([]float32, SampleRate)
	segments := Split(samples, SampleRate, 5*time.Minute)
	if len(segments) != 1 || len(segments[0].Samples) != SampleRate {
		t.Fatalf("expected a single full segment, got %+v", segments)
	}
	if segments[0].Duration(SampleRate) != time.Second {
		t.Fatalf("unexpected duration %v", segments[0].Duration(SampleRate))
	}
}

func TestSplitEmpty(t *testing.T) {
	if segments := Split(nil, SampleRate, time.Minute); segments != nil {
		t.Fatalf("expected no segments, got %d", len(segments))
	}
}

func TestSplitExactMultiple(t *testing.T) {
	segments := Split(make([]float32, 20), 1, 10*time.Second)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
}
