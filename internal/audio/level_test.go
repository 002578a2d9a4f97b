package audio

import (
	"math"
	"testing"
)

func constantFrame(n int, v float32) Frame {
	f := make(Frame, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func sineFrame(n int, rms float64) Frame {
	amp := rms * math.Sqrt2
	f := make(Frame, n)
	for i := range f {
		f[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	return f
}

func TestNormalize(t *testing.T) {
	if got := Normalize(1); got != 1 {
		t.Fatalf("expected full scale to map to 1, got %v", got)
	}
	if got := Normalize(0); got != 0 {
		t.Fatalf("expected zero to map to 0, got %v", got)
	}
	// -27.5 dBFS sits in the middle of the 55 dB window.
	mid := math.Pow(10, -27.5/20)
	if got := Normalize(mid); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestSilenceGate(t *testing.T) {
	m := NewLevelMeter()
	for i := 0; i < 5; i++ {
		if got := m.Process(constantFrame(1600, 0.5)); got == 0 {
			t.Fatal("expected loud frame to register")
		}
	}
	for _, v := range []float32{0, 0.001, -0.0019} {
		if got := m.Process(constantFrame(1600, v)); got != 0 {
			t.Fatalf("expected silent frame (%v) to report 0, got %v", v, got)
		}
	}
}

func TestSilenceAdvancesHistory(t *testing.T) {
	m := NewLevelMeter()
	m.Process(constantFrame(1600, 0.5))
	m.Process(constantFrame(1600, 0.5))
	loud := m.Smooth(0)
	m.Process(constantFrame(1600, 0))
	m.Process(constantFrame(1600, 0))
	if got := m.Smooth(0); got != 0 {
		t.Fatalf("expected history to decay to silence, got %v (was %v)", got, loud)
	}
}

func TestLevelMonotonic(t *testing.T) {
	m := NewLevelMeter()
	m.Process(sineFrame(1600, 0.05))
	m.Process(sineFrame(1600, 0.01))

	prev := -1.0
	for rms := 0.002; rms <= 1.0; rms *= 1.25 {
		got := m.Smooth(Normalize(rms))
		if got < prev {
			t.Fatalf("smoothed level decreased at rms %v: %v < %v", rms, got, prev)
		}
		prev = got
	}
}

func TestLevelRange(t *testing.T) {
	m := NewLevelMeter()
	for _, rms := range []float64{0.003, 0.01, 0.1, 0.7} {
		got := m.Process(sineFrame(3200, rms))
		if got < 0 || got > 1 {
			t.Fatalf("level out of range for rms %v: %v", rms, got)
		}
	}
}

func TestNoiseGate(t *testing.T) {
	m := NewLevelMeter()
	// Just above the silence threshold; with no history it smooths below the gate.
	if got := m.Process(constantFrame(1600, 0.0025)); got != 0 {
		t.Fatalf("expected gated output, got %v", got)
	}
}

func TestRMSEmpty(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatal("expected 0 for empty frame")
	}
}

func TestSmoothingMeanExcludesCurrentFrame(t *testing.T) {
	m := NewLevelMeter()
	m.Process(constantFrame(1600, 0))
	m.Process(constantFrame(1600, 0))

	loud := Normalize(0.5)
	got := m.Process(constantFrame(1600, 0.5))
	if want := currentWeight * loud; math.Abs(got-want) > 1e-9 {
		t.Fatalf("first loud frame after silence: expected %v, got %v", want, got)
	}
	got = m.Process(constantFrame(1600, 0.5))
	if want := currentWeight*loud + historyWeight*loud/2; math.Abs(got-want) > 1e-9 {
		t.Fatalf("second loud frame: expected %v, got %v", want, got)
	}
}
