// Package transcribe runs one step of the pipeline: float samples in, text out.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/transcribe"

// ErrNoAudio is returned when there is nothing to transcribe.
var ErrNoAudio = errors.New("no audio to transcribe")

// Options vary per call.
type Options struct {
	// Realtime asks the engine for a single segment, which keeps repeated
	// passes over a growing buffer cheap.
	Realtime bool
	// Offset shifts reported segment spans, used for file segments.
	Offset time.Duration
	// Timeout bounds the inference itself. It starts once the engine is
	// acquired, so time spent waiting behind another caller does not count.
	Timeout time.Duration
}

// Result is the outcome of one inference.
type Result struct {
	Text       string
	Segments   []engine.Segment
	Recording  time.Duration
	Processing time.Duration
	Threads    int
}

// Annotated renders the text the way it is displayed to users, followed by
// recording and processing times in seconds.
func (r Result) Annotated() string {
	var b strings.Builder
	b.WriteString(r.Text)
	fmt.Fprintf(&b, "\n\n[recording time: %.3f s]", r.Recording.Seconds())
	fmt.Fprintf(&b, "  \n[processing time: %.3f s]", r.Processing.Seconds())
	return b.String()
}

// Transcriber owns an engine context and serializes access to it.
type Transcriber struct {
	// sem holds one token per engine context; acquiring it honours ctx.
	sem          chan struct{}
	engine       engine.Context
	params       engine.Params
	sampleRate   int
	printTimings bool
	log          *slog.Logger

	tracer    trace.Tracer
	durations metric.Float64Histogram
	seconds   metric.Float64Histogram
	failures  metric.Int64Counter
}

// Config for New.
type Config struct {
	Params       engine.Params
	SampleRate   int
	PrintTimings bool
}

func New(ctx engine.Context, cfg Config, log *slog.Logger) *Transcriber {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	t := &Transcriber{
		sem:          make(chan struct{}, 1),
		engine:       ctx,
		params:       cfg.Params,
		sampleRate:   cfg.SampleRate,
		printTimings: cfg.PrintTimings,
		log:          log.With(slog.String("component", "transcriber")),
		tracer:       otel.Tracer(instrumentationName),
	}
	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return t
}

func (t *Transcriber) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	t.durations, err = meter.Float64Histogram("scribe.inference.duration",
		metric.WithDescription("Wall time of a full engine inference"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	t.seconds, err = meter.Float64Histogram("scribe.inference.audio_seconds",
		metric.WithDescription("Audio length handed to the engine"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	t.failures, err = meter.Int64Counter("scribe.inference.failures",
		metric.WithDescription("Engine inferences that returned an error"))
	return err
}

// Params returns the base parameters used for every call.
func (t *Transcriber) Params() engine.Params { return t.params }

// Transcribe runs a full inference over samples and concatenates the
// resulting segments.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	if len(samples) == 0 {
		return Result{}, ErrNoAudio
	}
	params := t.params
	params.SingleSegment = opts.Realtime

	ctx, span := t.tracer.Start(ctx, "transcribe.inference", trace.WithAttributes(
		attribute.Int("samples", len(samples)),
		attribute.Bool("realtime", opts.Realtime),
		attribute.Int("threads", params.Threads),
	))
	defer span.End()

	if err := t.acquire(ctx); err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	defer t.release()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	t.log.Debug("processing samples", slog.Int("samples", len(samples)), slog.Bool("realtime", opts.Realtime))

	start := time.Now()
	t.engine.ResetTimings()
	if err := t.engine.RunFullInference(ctx, params, samples); err != nil {
		span.RecordError(err)
		if t.failures != nil {
			t.failures.Add(ctx, 1)
		}
		return Result{}, err
	}
	if t.printTimings {
		t.engine.PrintTimings()
	}
	elapsed := time.Since(start)

	segments := engine.Segments(t.engine)
	var text strings.Builder
	for i := range segments {
		text.WriteString(segments[i].Text)
		segments[i].Start += opts.Offset
		segments[i].End += opts.Offset
	}

	recording := audio.Duration(len(samples), t.sampleRate)
	if t.durations != nil {
		t.durations.Record(ctx, elapsed.Seconds())
		t.seconds.Record(ctx, recording.Seconds())
	}
	span.SetAttributes(attribute.Int("segments", len(segments)))
	t.log.Debug("processing done",
		slog.Duration("processing", elapsed),
		slog.Duration("recording", recording),
		slog.Int("threads", params.Threads))

	return Result{
		Text:       text.String(),
		Segments:   segments,
		Recording:  recording,
		Processing: elapsed,
		Threads:    params.Threads,
	}, nil
}

// SegmentResult is delivered once per file segment.
type SegmentResult struct {
	Index  int
	Total  int
	Offset time.Duration
	Result Result
}

// TranscribeSegments splits long audio into fixed-length segments and feeds
// them to the engine one after another. The returned result concatenates all
// segments; onSegment (optional) sees each one as it completes.
func (t *Transcriber) TranscribeSegments(ctx context.Context, samples []float32, length time.Duration, onSegment func(SegmentResult)) (Result, error) {
	if len(samples) == 0 {
		return Result{}, ErrNoAudio
	}
	parts := audio.Split(samples, t.sampleRate, length)

	var total Result
	var text strings.Builder
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := t.Transcribe(ctx, part.Samples, Options{Offset: part.Offset})
		if err != nil {
			return Result{}, fmt.Errorf("segment %d/%d: %w", part.Index+1, len(parts), err)
		}
		text.WriteString(res.Text)
		total.Segments = append(total.Segments, res.Segments...)
		total.Processing += res.Processing
		total.Threads = res.Threads
		if onSegment != nil {
			onSegment(SegmentResult{Index: part.Index, Total: len(parts), Offset: part.Offset, Result: res})
		}
	}
	total.Text = text.String()
	total.Recording = audio.Duration(len(samples), t.sampleRate)
	return total, nil
}

// Close waits for the running inference and releases the engine context.
func (t *Transcriber) Close() error {
	t.sem <- struct{}{}
	defer t.release()
	return t.engine.Close()
}

func (t *Transcriber) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transcriber) release() { <-t.sem }
