//go:build whisper

package engine

import (
	"context"
	"fmt"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go"
)

// NativeAvailable reports whether the cgo whisper backend is compiled in.
func NativeAvailable() bool { return true }

type nativeContext struct {
	ctx *whisper.Context
}

func initNative(path string, _ ContextParams) (Context, error) {
	// GPU offload is decided when libwhisper is built; the Go init entry point
	// always uses the library defaults.
	c := whisper.Whisper_init(path)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrInitFailed, path)
	}
	return &nativeContext{ctx: c}, nil
}

func (n *nativeContext) RunFullInference(ctx context.Context, p Params, samples []float32) error {
	strategy := whisper.SAMPLING_GREEDY
	if p.Strategy == SamplingBeamSearch {
		strategy = whisper.SAMPLING_BEAM_SEARCH
	}
	wp := n.ctx.Whisper_full_default_params(strategy)
	wp.SetPrintRealtime(p.PrintRealtime)
	wp.SetPrintProgress(p.PrintProgress)
	wp.SetPrintTimestamps(p.PrintTimestamps)
	wp.SetPrintSpecial(p.PrintSpecial)
	wp.SetTranslate(p.Translate)
	wp.SetNoContext(p.NoContext)
	wp.SetSingleSegment(p.SingleSegment)
	wp.SetOffset(p.OffsetMS)
	if p.Threads > 0 {
		wp.SetThreads(p.Threads)
	}
	if p.Language != "" && p.Language != "auto" {
		id := n.ctx.Whisper_lang_id(p.Language)
		if id < 0 {
			return fmt.Errorf("%w: unsupported language %q", ErrInferenceFailed, p.Language)
		}
		if err := wp.SetLanguage(id); err != nil {
			return fmt.Errorf("%w: set language: %v", ErrInferenceFailed, err)
		}
	}
	if p.InitialPrompt != "" {
		wp.SetInitialPrompt(p.InitialPrompt)
	}

	// returning false from the encoder callback aborts the run
	encoderBegin := func() bool { return ctx.Err() == nil }
	if err := n.ctx.Whisper_full(wp, samples, encoderBegin, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	return nil
}

func (n *nativeContext) SegmentCount() int {
	return n.ctx.Whisper_full_n_segments()
}

func (n *nativeContext) SegmentText(i int) string {
	return n.ctx.Whisper_full_get_segment_text(i)
}

// segment timestamps are in 10ms ticks
func (n *nativeContext) SegmentSpan(i int) (time.Duration, time.Duration) {
	t0 := n.ctx.Whisper_full_get_segment_t0(i)
	t1 := n.ctx.Whisper_full_get_segment_t1(i)
	return time.Duration(t0) * 10 * time.Millisecond, time.Duration(t1) * 10 * time.Millisecond
}

func (n *nativeContext) ResetTimings() { n.ctx.Whisper_reset_timings() }

func (n *nativeContext) PrintTimings() { n.ctx.Whisper_print_timings() }

func (n *nativeContext) Close() error {
	if n.ctx != nil {
		n.ctx.Whisper_free()
		n.ctx = nil
	}
	return nil
}
