package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/engine"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTranscriber(m *engine.Mock) *Transcriber {
	return New(m, Config{Params: engine.DefaultParams(engine.SamplingGreedy), PrintTimings: true}, newLogger())
}

func TestTranscribeConcatenatesSegments(t *testing.T) {
	m := engine.NewMock().WithScript(func(engine.Params, []float32) ([]engine.Segment, error) {
		return []engine.Segment{
			{Text: " And so my fellow Americans", End: time.Second},
			{Text: " ask not", Start: time.Second, End: 2 * time.Second},
		}, nil
	})
	tr := newTranscriber(m)

	res, err := tr.Transcribe(context.Background(), make([]float32, 2*audio.SampleRate), Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != " And so my fellow Americans ask not" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Recording != 2*time.Second {
		t.Fatalf("expected 2s recording, got %v", res.Recording)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	resets, prints := m.Timings()
	if resets != 1 || prints != 1 {
		t.Fatalf("expected one reset and one print, got %d/%d", resets, prints)
	}
}

func TestTranscribeRealtimeUsesSingleSegment(t *testing.T) {
	m := engine.NewMock()
	tr := newTranscriber(m)
	if _, err := tr.Transcribe(context.Background(), make([]float32, 10), Options{Realtime: true}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !m.LastParams().SingleSegment {
		t.Fatal("realtime must request a single segment")
	}
	if _, err := tr.Transcribe(context.Background(), make([]float32, 10), Options{}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if m.LastParams().SingleSegment {
		t.Fatal("one-shot must not request a single segment")
	}
}

func TestTranscribeEmpty(t *testing.T) {
	tr := newTranscriber(engine.NewMock())
	if _, err := tr.Transcribe(context.Background(), nil, Options{}); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestTranscribeEngineFailure(t *testing.T) {
	m := engine.NewMock().WithScript(func(engine.Params, []float32) ([]engine.Segment, error) {
		return nil, errors.New("bad model")
	})
	tr := newTranscriber(m)
	_, err := tr.Transcribe(context.Background(), make([]float32, 10), Options{})
	if !errors.Is(err, engine.ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}
	if _, prints := m.Timings(); prints != 0 {
		t.Fatal("timings must not be printed after a failed run")
	}
}

func TestTranscribeSerializesEngineAccess(t *testing.T) {
	var mu sync.Mutex
	inflight, peak := 0, 0
	m := engine.NewMock().WithScript(func(engine.Params, []float32) ([]engine.Segment, error) {
		mu.Lock()
		inflight++
		peak = max(peak, inflight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil, nil
	})
	tr := newTranscriber(m)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Transcribe(context.Background(), make([]float32, 10), Options{})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected serialized inference, saw %d concurrent", peak)
	}
}

func TestTranscribeWaitingHonoursContext(t *testing.T) {
	m := engine.NewMock().WithDelay(300 * time.Millisecond)
	tr := newTranscriber(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tr.Transcribe(context.Background(), make([]float32, 10), Options{})
	}()
	for m.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.Transcribe(ctx, make([]float32, 10), Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while the engine is busy, got %v", err)
	}
	if waited := time.Since(start); waited > 200*time.Millisecond {
		t.Fatalf("caller should give up with its context, waited %v", waited)
	}
	<-done
	if m.Calls() != 1 {
		t.Fatalf("cancelled caller must not reach the engine, got %d calls", m.Calls())
	}
}

func TestTranscribeTimeoutStartsAfterAcquire(t *testing.T) {
	m := engine.NewMock().WithDelay(100 * time.Millisecond)
	tr := newTranscriber(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tr.Transcribe(context.Background(), make([]float32, 10), Options{})
	}()
	for m.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Waiting plus inference exceeds the timeout; inference alone does not.
	if _, err := tr.Transcribe(context.Background(), make([]float32, 10), Options{Timeout: 400 * time.Millisecond}); err != nil {
		t.Fatalf("transcribe after waiting: %v", err)
	}
	<-done

	if _, err := tr.Transcribe(context.Background(), make([]float32, 10), Options{Timeout: 10 * time.Millisecond}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected inference to hit its timeout, got %v", err)
	}
}

func TestAnnotated(t *testing.T) {
	r := Result{Text: "hello", Recording: 1500 * time.Millisecond, Processing: 250 * time.Millisecond}
	out := r.Annotated()
	if !strings.HasPrefix(out, "hello\n\n[recording time: 1.500 s]") {
		t.Fatalf("unexpected annotation %q", out)
	}
	if !strings.Contains(out, "[processing time: 0.250 s]") {
		t.Fatalf("missing processing time in %q", out)
	}
}

func TestTranscribeSegmentsSequential(t *testing.T) {
	calls := 0
	m := engine.NewMock().WithScript(func(_ engine.Params, samples []float32) ([]engine.Segment, error) {
		calls++
		return []engine.Segment{{Text: fmt.Sprintf(" part%d", calls), End: audio.Duration(len(samples), audio.SampleRate)}}, nil
	})
	tr := newTranscriber(m)

	// 25 seconds in 10 second segments
	samples := make([]float32, 25*audio.SampleRate)
	var seen []SegmentResult
	res, err := tr.TranscribeSegments(context.Background(), samples, 10*time.Second, func(s SegmentResult) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("transcribe segments: %v", err)
	}
	if res.Text != " part1 part2 part3" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(seen) != 3 || seen[2].Total != 3 || seen[2].Offset != 20*time.Second {
		t.Fatalf("unexpected segment callbacks %+v", seen)
	}
	last := res.Segments[len(res.Segments)-1]
	if last.Start != 20*time.Second || last.End != 25*time.Second {
		t.Fatalf("segment spans must be shifted by offset, got %v-%v", last.Start, last.End)
	}
	if res.Recording != 25*time.Second {
		t.Fatalf("expected 25s recording, got %v", res.Recording)
	}
}

func TestTranscribeSegmentsCancelled(t *testing.T) {
	tr := newTranscriber(engine.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.TranscribeSegments(ctx, make([]float32, 100), time.Second, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
