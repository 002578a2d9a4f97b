// Package session owns the dictation lifecycle: capture, streaming partials
// and the final full-buffer recognition.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	goaudio "github.com/go-audio/audio"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/broadcast"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/stream"
	"github.com/loqalabs/loqa-dictation/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotIdle          = errors.New("session not idle")
	ErrPermissionDenied = errors.New("capture permission denied")
)

// Engine is the recognition surface the session drives.
type Engine interface {
	EnsureReady(ctx context.Context) error
	Ready() bool
	Transcribe(ctx context.Context, samples []float32, tag string) (stt.Result, error)
}

// Result is the outcome of one session. Text is empty when finalization
// failed.
type Result struct {
	SessionID  string        `json:"session_id"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Outputs are the observable streams of a Machine.
type Outputs struct {
	Level   *broadcast.Broadcaster[float64]
	Partial *broadcast.Broadcaster[string]
	Final   *broadcast.Broadcaster[Result]
}

func NewOutputs() Outputs {
	return Outputs{
		Level:   broadcast.New[float64](),
		Partial: broadcast.New[string](),
		Final:   broadcast.New[Result](),
	}
}

func (o Outputs) Close() {
	o.Level.Close()
	o.Partial.Close()
	o.Final.Close()
}

const (
	EventStart       = "session.start"
	EventStartFailed = "session.start_failed"
	EventCancel      = "session.cancel"
	EventFinal       = "session.final"
)

// Event reports a lifecycle transition.
type Event struct {
	Kind      string
	SessionID string
	At        time.Time
	Result    Result
	Err       error
}

type Options struct {
	Streaming    stream.Options
	StartRetries int
	RetryBackoff time.Duration
	// Observe receives lifecycle events. It runs synchronously.
	Observe func(Event)
}

// Machine runs one session at a time. The level meter history outlives
// sessions; the buffer and reconciler baseline are cleared on each Start.
type Machine struct {
	source     capture.Source
	permission capture.PermissionChecker
	engine     Engine
	buffer     *audio.Accumulator
	meter      *audio.LevelMeter
	scheduler  *stream.Scheduler
	outputs    Outputs
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	sessions   metric.Int64Counter

	opMu sync.Mutex // serializes transitions

	mu        sync.RWMutex
	state     State
	sessionID string
	startedAt time.Time
}

func New(source capture.Source, permission capture.PermissionChecker, engine Engine, outputs Outputs, opts Options, logger *slog.Logger) *Machine {
	if permission == nil {
		permission = capture.AlwaysGranted{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StartRetries <= 0 {
		opts.StartRetries = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	m := &Machine{
		source:     source,
		permission: permission,
		engine:     engine,
		buffer:     audio.NewAccumulator(30 * time.Second),
		meter:      audio.NewLevelMeter(),
		outputs:    outputs,
		opts:       opts,
		logger:     logger.With(slog.String("component", "session")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-dictation/session"),
	}
	streamOpts := opts.Streaming
	userPublish := streamOpts.Publish
	streamOpts.Publish = func(text string) {
		m.outputs.Partial.Publish(text)
		if userPublish != nil {
			userPublish(text)
		}
	}
	m.scheduler = stream.New(engine, m.buffer, streamOpts, logger)

	counter, err := otel.Meter("github.com/loqalabs/loqa-dictation/session").Int64Counter("loqa.dictation.sessions", metric.WithDescription("Sessions by outcome"))
	if err != nil {
		m.logger.Warn("failed to create session counter", slogError(err))
	}
	m.sessions = counter
	return m
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID is the current or most recent session id.
func (m *Machine) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

func (m *Machine) Outputs() Outputs {
	return m.outputs
}

// Scheduler exposes the streaming scheduler, mainly for tests and tooling.
func (m *Machine) Scheduler() *stream.Scheduler {
	return m.scheduler
}

// BufferedDuration is the amount of audio captured in the current session.
func (m *Machine) BufferedDuration() time.Duration {
	return m.buffer.Duration()
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start begins a session. It is a no-op returning ErrNotIdle unless the
// machine is Idle and ErrPermissionDenied when capture is not allowed. A
// capture source that keeps failing leaves the machine Idle.
func (m *Machine) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if state := m.State(); state != Idle {
		m.logger.Debug("start ignored", slog.String("state", state.String()))
		return ErrNotIdle
	}
	if !m.permission.Granted(ctx) {
		m.logger.Warn("start refused: capture permission denied")
		return ErrPermissionDenied
	}

	id := uuid.NewString()
	m.buffer.Reset()
	m.scheduler.ResetBaseline()

	// Capture and streaming outlive the request that started them.
	runCtx := context.WithoutCancel(ctx)
	if err := m.startCapture(ctx, runCtx); err != nil {
		m.logger.Error("capture failed to start", slog.String("session_id", id), slogError(err))
		m.count("start_failed")
		m.emit(Event{Kind: EventStartFailed, SessionID: id, Err: err})
		return fmt.Errorf("start capture: %w", err)
	}

	m.mu.Lock()
	m.state = Capturing
	m.sessionID = id
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("session started", slog.String("session_id", id))
	m.count("started")
	m.emit(Event{Kind: EventStart, SessionID: id})

	m.scheduler.Start(runCtx)
	go m.warmUp(runCtx)
	return nil
}

func (m *Machine) startCapture(ctx, runCtx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryBackoff
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, m.source.Start(runCtx, m.OnBuffer)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.opts.StartRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("capture start failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slogError(err),
			)
		}),
	)
	return err
}

func (m *Machine) warmUp(ctx context.Context) {
	if err := m.engine.EnsureReady(ctx); err != nil {
		m.logger.Warn("engine warm-up failed", slogError(err))
	}
}

// OnBuffer is the capture tap: resample, append, meter.
func (m *Machine) OnBuffer(buf *goaudio.Float32Buffer) {
	frame := audio.ToMono16k(buf)
	m.buffer.Append(frame)
	m.outputs.Level.Publish(m.meter.Process(frame))
}

// Stop ends the session and runs the final recognition over everything
// captured. Any failure yields a Result with empty Text. Stop outside
// Capturing returns an empty Result.
func (m *Machine) Stop(ctx context.Context) Result {
	m.opMu.Lock()
	if m.State() != Capturing {
		m.opMu.Unlock()
		return Result{}
	}
	samples, id, started := m.halt()
	m.setState(Finalizing)
	m.opMu.Unlock()

	res := m.finalize(ctx, id, samples, started)
	m.setState(Idle)
	m.outputs.Final.Publish(res)
	m.emit(Event{Kind: EventFinal, SessionID: id, Result: res})
	return res
}

// StopWithoutTranscription abandons the session without recognition.
func (m *Machine) StopWithoutTranscription() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.State() != Capturing {
		return
	}
	_, id, _ := m.halt()
	m.setState(Idle)
	m.logger.Info("session cancelled", slog.String("session_id", id))
	m.count("cancelled")
	m.emit(Event{Kind: EventCancel, SessionID: id})
}

// halt stops capture and streaming, then takes and clears the buffer.
func (m *Machine) halt() ([]float32, string, time.Time) {
	if err := m.source.Stop(); err != nil {
		m.logger.Warn("capture stop failed", slogError(err))
	}
	m.scheduler.Stop()
	samples := m.buffer.Snapshot()
	m.buffer.Reset()

	m.mu.RLock()
	id, started := m.sessionID, m.startedAt
	m.mu.RUnlock()
	return samples, id, started
}

func (m *Machine) finalize(ctx context.Context, id string, samples []float32, started time.Time) Result {
	res := Result{SessionID: id, Duration: audio.SamplesDuration(len(samples))}
	ctx, span := m.tracer.Start(ctx, "session.finalize", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.Int("samples", len(samples)),
	))
	defer span.End()

	logger := m.logger.With(slog.String("session_id", id))
	if err := m.engine.EnsureReady(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine not ready")
		logger.Error("final recognition skipped: engine not ready", slogError(err))
		m.count("final_failed")
		res.Elapsed = time.Since(started)
		return res
	}
	if len(samples) == 0 {
		logger.Info("session ended with no audio")
		m.count("finalized")
		res.Elapsed = time.Since(started)
		return res
	}

	out, err := m.engine.Transcribe(ctx, samples, stt.TagFinal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "final recognition failed")
		logger.Error("final recognition failed", slogError(err))
		m.count("final_failed")
		res.Elapsed = time.Since(started)
		return res
	}
	res.Text = out.Text
	res.Confidence = out.Confidence
	res.Elapsed = time.Since(started)
	logger.Info("session finalized",
		slog.Duration("audio", res.Duration),
		slog.Int("chars", len(res.Text)),
	)
	m.count("finalized")
	return res
}

func (m *Machine) count(outcome string) {
	if m.sessions != nil {
		m.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Machine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if m.opts.Observe != nil {
		m.opts.Observe(ev)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
