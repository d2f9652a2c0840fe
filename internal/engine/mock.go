package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Script produces the segments a Mock returns for one inference.
type Script func(params Params, samples []float32) ([]Segment, error)

// Mock is an in-process engine for tests and dry runs. By default it emits a
// single segment describing the audio length.
type Mock struct {
	mu       sync.Mutex
	script   Script
	delay    time.Duration
	segments []Segment

	calls      int
	resets     int
	prints     int
	lastParams Params
	closed     bool
}

func NewMock() *Mock {
	return &Mock{script: defaultScript}
}

func defaultScript(_ Params, samples []float32) ([]Segment, error) {
	d := audio.Duration(len(samples), audio.SampleRate)
	return []Segment{{Text: fmt.Sprintf("[%d samples]", len(samples)), End: d}}, nil
}

// WithScript replaces the segment generator.
func (m *Mock) WithScript(s Script) *Mock {
	m.mu.Lock()
	m.script = s
	m.mu.Unlock()
	return m
}

// WithDelay makes every inference block for d, or until ctx is done.
func (m *Mock) WithDelay(d time.Duration) *Mock {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
	return m
}

func (m *Mock) RunFullInference(ctx context.Context, p Params, samples []float32) error {
	m.mu.Lock()
	m.calls++
	m.lastParams = p
	m.segments = nil
	script, delay := m.script, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	segments, err := script(p, samples)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	m.mu.Lock()
	m.segments = segments
	m.mu.Unlock()
	return nil
}

func (m *Mock) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

func (m *Mock) SegmentText(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.segments) {
		return ""
	}
	return m.segments[i].Text
}

func (m *Mock) SegmentSpan(i int) (time.Duration, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.segments) {
		return 0, 0
	}
	return m.segments[i].Start, m.segments[i].End
}

func (m *Mock) ResetTimings() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *Mock) PrintTimings() {
	m.mu.Lock()
	m.prints++
	m.mu.Unlock()
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns how many inferences ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Timings returns the ResetTimings and PrintTimings counters.
func (m *Mock) Timings() (resets, prints int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets, m.prints
}

func (m *Mock) LastParams() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastParams
}

func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
