package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/stream"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeSource struct {
	mu       sync.Mutex
	tap      capture.Tap
	failures int
	attempts int
	stops    int
}

func (s *fakeSource) Start(_ context.Context, tap capture.Tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("device busy")
	}
	s.tap = tap
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.tap = nil
	return nil
}

func (s *fakeSource) feed(buf *goaudio.Float32Buffer) {
	s.mu.Lock()
	tap := s.tap
	s.mu.Unlock()
	if tap != nil {
		tap(buf)
	}
}

type countingRecognizer struct {
	mu       sync.Mutex
	finalErr error
	finals   int
}

func (r *countingRecognizer) Transcribe(_ context.Context, samples []float32, tag string) (stt.Result, error) {
	if tag == stt.TagFinal {
		r.mu.Lock()
		r.finals++
		r.mu.Unlock()
		if r.finalErr != nil {
			return stt.Result{}, r.finalErr
		}
	}
	return stt.Result{Text: fmt.Sprintf("%s:%d", tag, len(samples)), Confidence: 0.5}, nil
}

func (r *countingRecognizer) finalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finals
}

type failingProvisioner struct{}

func (failingProvisioner) EnsurePresent(context.Context, func(models.Progress)) (string, error) {
	return "", models.ErrModelMissing
}

type harness struct {
	machine *Machine
	source  *fakeSource
	rec     *countingRecognizer
	engine  *stt.Engine
	mu      sync.Mutex
	events  []Event
}

func newHarness(t *testing.T, prov models.Provisioner, permission capture.PermissionChecker) *harness {
	t.Helper()
	h := &harness{source: &fakeSource{}, rec: &countingRecognizer{}}
	h.engine = stt.NewEngine(h.rec, prov, testLogger())
	outputs := NewOutputs()
	t.Cleanup(outputs.Close)
	h.machine = New(h.source, permission, h.engine, outputs, Options{
		Streaming:    stream.Options{Period: time.Hour, MinSamples: 16000, OverrunRatio: 0.8},
		StartRetries: 3,
		RetryBackoff: time.Millisecond,
		Observe: func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	}, testLogger())
	return h
}

func (h *harness) kinds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Kind
	}
	return out
}

func stereo48k(seconds float64, value float32) *goaudio.Float32Buffer {
	frames := int(seconds * 48000)
	data := make([]float32, frames*2)
	for i := range data {
		data[i] = value
	}
	return &goaudio.Float32Buffer{Format: &goaudio.Format{NumChannels: 2, SampleRate: 48000}, Data: data}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	final, cancel := h.machine.Outputs().Final.Subscribe(1)
	defer cancel()

	if h.machine.State() != Idle {
		t.Fatalf("expected idle, got %s", h.machine.State())
	}
	if err := h.machine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.machine.State() != Capturing {
		t.Fatalf("expected capturing, got %s", h.machine.State())
	}
	id := h.machine.SessionID()
	if id == "" {
		t.Fatal("expected session id")
	}

	h.source.feed(stereo48k(1, 0.1))
	if err := h.machine.Start(ctx); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle on second start, got %v", err)
	}
	if h.machine.SessionID() != id {
		t.Fatal("second start must not replace the session")
	}
	if got := h.machine.BufferedDuration(); got != time.Second {
		t.Fatalf("second start must keep the buffer, got %v", got)
	}

	res := h.machine.Stop(ctx)
	if res.Text != "final:16000" {
		t.Fatalf("unexpected final text %q", res.Text)
	}
	if res.SessionID != id || res.Duration != time.Second || res.Confidence != 0.5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.machine.State() != Idle {
		t.Fatalf("expected idle after stop, got %s", h.machine.State())
	}
	select {
	case got := <-final:
		if got.Text != res.Text {
			t.Fatalf("published final %q differs from returned %q", got.Text, res.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected final transcript to be published")
	}

	if err := h.machine.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if h.machine.BufferedDuration() != 0 {
		t.Fatal("expected start to clear the previous buffer")
	}
	if h.machine.SessionID() == id {
		t.Fatal("expected a fresh session id")
	}
	h.machine.StopWithoutTranscription()

	want := []string{EventStart, EventFinal, EventStart, EventCancel}
	got := h.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	if res := h.machine.Stop(context.Background()); res != (Result{}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
	h.machine.StopWithoutTranscription()
	if h.source.stops != 0 {
		t.Fatal("idle stop must not touch the capture source")
	}
}

func TestStartRequiresPermission(t *testing.T) {
	h := newHarness(t, nil, capture.FilePermission{Path: t.TempDir() + "/absent"})
	if err := h.machine.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if h.machine.State() != Idle || h.source.attempts != 0 {
		t.Fatal("denied start must not begin capture")
	}
}

func TestStartRetriesCapture(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.source.failures = 2
	if err := h.machine.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed after retries: %v", err)
	}
	if h.source.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.source.attempts)
	}
	h.machine.StopWithoutTranscription()
}

func TestStartGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.source.failures = 10
	if err := h.machine.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if h.machine.State() != Idle {
		t.Fatalf("expected idle, got %s", h.machine.State())
	}
	if h.source.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.source.attempts)
	}
	if got := h.kinds(); len(got) != 1 || got[0] != EventStartFailed {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestStopWithEngineNotReady(t *testing.T) {
	h := newHarness(t, failingProvisioner{}, nil)
	ctx := context.Background()
	if err := h.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.source.feed(stereo48k(0.5, 0.2))
	res := h.machine.Stop(ctx)
	if res.Text != "" {
		t.Fatalf("expected empty text, got %q", res.Text)
	}
	if h.machine.State() != Idle {
		t.Fatalf("expected idle, got %s", h.machine.State())
	}
	if h.rec.finalCalls() != 0 {
		t.Fatal("final recognition must not run without a ready engine")
	}
}

func TestStopWithFinalFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rec.finalErr = errors.New("decoder crashed")
	ctx := context.Background()
	if err := h.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.source.feed(stereo48k(0.5, 0.2))
	res := h.machine.Stop(ctx)
	if res.Text != "" || res.SessionID == "" {
		t.Fatalf("expected empty text with session id, got %+v", res)
	}
	if h.machine.State() != Idle {
		t.Fatalf("expected idle, got %s", h.machine.State())
	}
}

func TestStopWithoutTranscription(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if err := h.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.source.feed(stereo48k(1, 0.2))
	h.machine.StopWithoutTranscription()
	if h.machine.State() != Idle {
		t.Fatalf("expected idle, got %s", h.machine.State())
	}
	if h.rec.finalCalls() != 0 {
		t.Fatal("cancel must not run recognition")
	}
	if h.machine.BufferedDuration() != 0 {
		t.Fatal("cancel must discard the buffer")
	}
}

func TestPartialsArePublished(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	partials, cancel := h.machine.Outputs().Partial.Subscribe(4)
	defer cancel()

	if err := h.engine.EnsureReady(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.source.feed(stereo48k(1, 0.2))
	if out := h.machine.Scheduler().Tick(); out != stream.OutcomeDispatched {
		t.Fatalf("expected dispatch, got %s", out)
	}
	select {
	case text := <-partials:
		if text != "partial:16000" {
			t.Fatalf("unexpected partial %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a partial transcript")
	}
	h.machine.StopWithoutTranscription()
}

func tone(rms float64) *goaudio.Float32Buffer {
	amp := rms * math.Sqrt2
	data := make([]float32, 16000)
	for i := range data {
		data[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return &goaudio.Float32Buffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 16000}, Data: data}
}

func TestSilenceThenToneLoudness(t *testing.T) {
	h := newHarness(t, nil, nil)
	levels, cancel := h.machine.Outputs().Level.Subscribe(8)
	defer cancel()
	if err := h.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.machine.StopWithoutTranscription()

	silent := &goaudio.Float32Buffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 16000}, Data: make([]float32, 16000)}
	for i := 0; i < 3; i++ {
		h.source.feed(silent)
	}
	h.source.feed(tone(0.1))

	var got []float64
	for len(got) < 4 {
		select {
		case v := <-levels:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("expected 4 levels, got %v", got)
		}
	}
	for i := 0; i < 3; i++ {
		if got[i] != 0 {
			t.Fatalf("silent frame %d produced level %v", i, got[i])
		}
	}
	if got[3] <= 0 {
		t.Fatalf("expected tone to register, got %v", got[3])
	}
}
