package audio

import (
	"math"
	"sync"
)

const (
	silenceRMS    = 0.002
	minRMS        = 1e-10
	floorDB       = -55.0
	historySize   = 2
	currentWeight = 0.7
	historyWeight = 0.3
	noiseGate     = 0.04
)

// LevelMeter turns frames into a damped, noise-gated loudness in [0,1] for
// visual meters. History survives across sessions.
type LevelMeter struct {
	mu      sync.Mutex
	history []float64
}

func NewLevelMeter() *LevelMeter {
	return &LevelMeter{history: make([]float64, 0, historySize)}
}

// Process meters one frame and records its normalized level in the history.
// Silent frames always report 0 but still advance the smoothing history.
func (m *LevelMeter) Process(frame Frame) float64 {
	rms := RMS(frame)
	silent := rms < silenceRMS
	level := 0.0
	if !silent {
		level = Normalize(rms)
	}

	m.mu.Lock()
	// The mean covers the levels before this frame; level is added after.
	smoothed := m.smoothLocked(level)
	if len(m.history) == historySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:historySize-1]
	}
	m.history = append(m.history, level)
	m.mu.Unlock()

	if silent || smoothed < noiseGate {
		return 0
	}
	return smoothed
}

// Smooth reports the pre-gate value Process would compute for level against
// the current history, without recording it.
func (m *LevelMeter) Smooth(level float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smoothLocked(level)
}

func (m *LevelMeter) smoothLocked(level float64) float64 {
	var mean float64
	if len(m.history) > 0 {
		for _, v := range m.history {
			mean += v
		}
		mean /= float64(len(m.history))
	}
	return currentWeight*level + historyWeight*mean
}

// RMS is the root mean square of frame, 0 for an empty frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Normalize maps an RMS value onto [0,1] across a 55 dB range.
func Normalize(rms float64) float64 {
	db := 20 * math.Log10(math.Max(rms, minRMS))
	level := (db - floorDB) / -floorDB
	return math.Min(math.Max(level, 0), 1)
}
