package audio

import (
	"sync"
	"time"
)

// Accumulator holds every sample captured during the current session. The
// capture callback appends while the scheduler snapshots concurrently.
type Accumulator struct {
	mu      sync.RWMutex
	samples []float32
}

// NewAccumulator preallocates room for prealloc of audio. It is a sizing
// hint only: Append keeps growing the buffer past it.
func NewAccumulator(prealloc time.Duration) *Accumulator {
	n := int(prealloc.Seconds() * SampleRate)
	if n < 0 {
		n = 0
	}
	return &Accumulator{samples: make([]float32, 0, n)}
}

func (a *Accumulator) Append(frame Frame) {
	if len(frame) == 0 {
		return
	}
	a.mu.Lock()
	a.samples = append(a.samples, frame...)
	a.mu.Unlock()
}

// Snapshot copies all samples accumulated so far.
func (a *Accumulator) Snapshot() []float32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]float32, len(a.samples))
	copy(out, a.samples)
	return out
}

func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// Duration is the length of the accumulated audio.
func (a *Accumulator) Duration() time.Duration {
	return SamplesDuration(a.Len())
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.samples = a.samples[:0]
	a.mu.Unlock()
}

// SamplesDuration converts a canonical sample count into wall time.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
