// Package engine is the boundary to the external speech inference engine.
// The Context interface mirrors the engine's C ABI: init from a model file,
// run a full inference over float samples, then read back segments.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	ErrModelNotFound     = errors.New("model file not found")
	ErrInitFailed        = errors.New("engine init failed")
	ErrInferenceFailed   = errors.New("engine inference failed")
	ErrNativeUnavailable = errors.New("native whisper engine not compiled in (build with -tags whisper)")
	ErrSegmentRange      = errors.New("segment index out of range")
)

type SamplingStrategy int

const (
	SamplingGreedy SamplingStrategy = iota
	SamplingBeamSearch
)

func (s SamplingStrategy) String() string {
	if s == SamplingBeamSearch {
		return "beam_search"
	}
	return "greedy"
}

// ContextParams are fixed at init time.
type ContextParams struct {
	UseGPU bool
}

// Params tune a single full inference.
type Params struct {
	Strategy        SamplingStrategy
	Language        string
	Threads         int
	Translate       bool
	NoContext       bool
	SingleSegment   bool
	PrintRealtime   bool
	PrintProgress   bool
	PrintTimestamps bool
	PrintSpecial    bool
	OffsetMS        int
	InitialPrompt   string
}

// DefaultParams matches the settings the capture pipeline has always used:
// english, timestamps and realtime printing on, no carried-over context.
func DefaultParams(strategy SamplingStrategy) Params {
	return Params{
		Strategy:        strategy,
		Language:        "en",
		Threads:         DefaultThreads(),
		PrintRealtime:   true,
		PrintTimestamps: true,
		NoContext:       true,
	}
}

// DefaultThreads leaves two cores free, capped at 8.
func DefaultThreads() int {
	return max(1, min(8, runtime.NumCPU()-2))
}

// Segment is one decoded span of text.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Context is an initialized engine handle. Implementations are not safe for
// concurrent inference; callers serialize RunFullInference and the segment
// reads that follow it.
type Context interface {
	RunFullInference(ctx context.Context, params Params, samples []float32) error
	SegmentCount() int
	SegmentText(i int) string
	SegmentSpan(i int) (start, end time.Duration)
	ResetTimings()
	PrintTimings()
	Close() error
}

// InitFromModelFile loads the native engine from a model file.
func InitFromModelFile(path string, params ContextParams) (Context, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, fmt.Errorf("stat model: %w", err)
	}
	return initNative(path, params)
}

// Open builds the backend selected by cfg.Mode.
func Open(cfg config.EngineConfig) (Context, error) {
	switch cfg.Mode {
	case "whisper":
		return InitFromModelFile(cfg.ModelPath, ContextParams{UseGPU: cfg.UseGPU})
	case "exec":
		return NewExecContext(cfg)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

// ParamsFor applies engine config on top of the defaults.
func ParamsFor(cfg config.EngineConfig) Params {
	p := DefaultParams(SamplingGreedy)
	if cfg.Language != "" {
		p.Language = cfg.Language
	}
	if cfg.Threads > 0 {
		p.Threads = cfg.Threads
	}
	p.Translate = cfg.Translate
	p.InitialPrompt = cfg.InitialPrompt
	return p
}

// Segments copies all segments out of c after an inference.
func Segments(c Context) []Segment {
	n := c.SegmentCount()
	out := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start, end := c.SegmentSpan(i)
		out = append(out, Segment{Text: c.SegmentText(i), Start: start, End: end})
	}
	return out
}
