package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrBufferFull means the incoming chunk would exceed the accumulator capacity.
// The chunk is dropped as a whole.
var ErrBufferFull = errors.New("audio buffer full")

// Accumulator is a fixed-capacity sample store for one capture. It is not a
// ring: once full it refuses new audio until Reset.
type Accumulator struct {
	mu         sync.Mutex
	samples    []int16
	capacity   int
	sampleRate int
}

// NewAccumulator sizes the store for maxDuration of audio at sampleRate.
func NewAccumulator(sampleRate int, maxDuration time.Duration) *Accumulator {
	capacity := int(maxDuration.Seconds() * float64(sampleRate))
	return &Accumulator{
		samples:    make([]int16, 0, capacity),
		capacity:   capacity,
		sampleRate: sampleRate,
	}
}

// Append stores samples unless doing so would exceed capacity.
func (a *Accumulator) Append(samples []int16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.samples)+len(samples) > a.capacity {
		return ErrBufferFull
	}
	a.samples = append(a.samples, samples...)
	return nil
}

// AppendPCM decodes and appends a raw PCM16 payload.
func (a *Accumulator) AppendPCM(pcm []byte) (int, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return 0, err
	}
	if err := a.Append(samples); err != nil {
		return 0, err
	}
	return len(samples), nil
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}

func (a *Accumulator) Capacity() int { return a.capacity }

func (a *Accumulator) SampleRate() int { return a.sampleRate }

// Duration of the audio held so far.
func (a *Accumulator) Duration() time.Duration {
	return Duration(a.Len(), a.sampleRate)
}

// Reset drops all samples and keeps the allocation.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.samples = a.samples[:0]
	a.mu.Unlock()
}

// Float32 returns a converted copy of the current contents.
func (a *Accumulator) Float32() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Int16ToFloat32(a.samples)
}
