// Package stream runs periodic partial recognition over the growing session
// buffer while capture is active.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/stt"
	"github.com/loqalabs/loqa-dictation/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome labels what a cycle did.
type Outcome string

const (
	OutcomeNotCapturing Outcome = "not_capturing"
	OutcomeInFlight     Outcome = "in_flight"
	OutcomeBackoff      Outcome = "backoff"
	OutcomeNotReady     Outcome = "engine_not_ready"
	OutcomeTooShort     Outcome = "too_short"
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
)

// Cycle describes one guard evaluation or one finished recognition call.
type Cycle struct {
	Outcome  Outcome
	Samples  int
	Duration time.Duration
	Text     string
	Overrun  bool
	Err      error
}

// Engine is the recognition surface the scheduler needs.
type Engine interface {
	Ready() bool
	Transcribe(ctx context.Context, samples []float32, tag string) (stt.Result, error)
}

// Buffer is the session sample store.
type Buffer interface {
	Len() int
	Snapshot() []float32
}

type Options struct {
	Period       time.Duration
	MinSamples   int
	OverrunRatio float64
	// Publish receives each reconciled partial transcript.
	Publish func(text string)
	// Observe receives every cycle outcome.
	Observe func(Cycle)
}

// OptionsFromConfig maps the streaming config section onto Options.
func OptionsFromConfig(cfg config.StreamingConfig) Options {
	return Options{
		Period:       time.Duration(cfg.CycleMS) * time.Millisecond,
		MinSamples:   cfg.MinSamples,
		OverrunRatio: cfg.OverrunRatio,
	}
}

// Scheduler serializes all guard state on a single work-queue goroutine. Only
// one recognition call is ever outstanding; an overlapping tick is skipped
// and so is the tick after it, as is the tick after a failed or slow call.
type Scheduler struct {
	opts       Options
	engine     Engine
	buffer     Buffer
	reconciler transcript.Reconciler
	logger     *slog.Logger
	tracer     trace.Tracer
	cycles     metric.Int64Counter
	partials   metric.Int64Counter
	latency    metric.Float64Histogram

	lifeMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
	stopTick chan struct{}
	tickDone chan struct{}
	calls    sync.WaitGroup

	stateMu sync.Mutex
	queue   chan func()
	loopCtx context.Context

	manual bool // no ticker; cycles only via Tick

	// owned by the queue goroutine
	capturing bool
	inFlight  bool
	skipNext  bool
}

func New(engine Engine, buffer Buffer, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = 1500 * time.Millisecond
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 16000
	}
	if opts.OverrunRatio <= 0 {
		opts.OverrunRatio = 0.8
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		opts:   opts,
		engine: engine,
		buffer: buffer,
		logger: logger.With(slog.String("component", "stream")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-dictation/stream"),
	}
	s.initMetrics()
	return s
}

func (s *Scheduler) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/stream")
	var err error
	if s.cycles, err = meter.Int64Counter("loqa.dictation.cycles", metric.WithDescription("Streaming cycles by outcome")); err != nil {
		s.logger.Warn("failed to create cycle counter", slogError(err))
	}
	if s.partials, err = meter.Int64Counter("loqa.dictation.partials", metric.WithDescription("Partial transcripts published")); err != nil {
		s.logger.Warn("failed to create partial counter", slogError(err))
	}
	if s.latency, err = meter.Float64Histogram("loqa.dictation.recognition.duration", metric.WithUnit("s"), metric.WithDescription("Streaming recognition call duration")); err != nil {
		s.logger.Warn("failed to create latency histogram", slogError(err))
	}
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if queue, _ := s.current(); queue != nil {
		return
	}
	queue := make(chan func())
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoop = stopLoop
	s.loopDone = make(chan struct{})
	s.stopTick = make(chan struct{})
	s.tickDone = make(chan struct{})
	s.capturing = true
	s.inFlight = false
	s.skipNext = false

	s.stateMu.Lock()
	s.queue = queue
	s.loopCtx = loopCtx
	s.stateMu.Unlock()

	go s.loop(loopCtx, queue, s.loopDone)
	if s.manual {
		close(s.tickDone)
	} else {
		go s.ticker(ctx, s.stopTick, s.tickDone)
	}
	s.logger.Debug("streaming started", slog.Duration("period", s.opts.Period))
}

// Stop halts ticking and waits for an outstanding recognition call to
// finish. Results arriving after Stop are not published.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if queue, _ := s.current(); queue == nil {
		return
	}
	close(s.stopTick)
	<-s.tickDone
	s.do(func() { s.capturing = false })
	s.calls.Wait()
	s.stopLoop()
	<-s.loopDone

	s.stateMu.Lock()
	s.queue = nil
	s.loopCtx = nil
	s.stateMu.Unlock()
	s.logger.Debug("streaming stopped")
}

// Tick runs one cycle now and returns its guard outcome. A stopped scheduler
// reports OutcomeNotCapturing.
func (s *Scheduler) Tick() Outcome {
	out := OutcomeNotCapturing
	if !s.do(func() { out = s.cycle() }) {
		return OutcomeNotCapturing
	}
	return out
}

// ResetBaseline clears the reconciler so the next partial starts fresh.
func (s *Scheduler) ResetBaseline() {
	s.reconciler.Reset()
}

// Baseline is the last raw partial hypothesis.
func (s *Scheduler) Baseline() string {
	return s.reconciler.Baseline()
}

func (s *Scheduler) loop(ctx context.Context, queue chan func(), done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-queue:
			fn()
		}
	}
}

func (s *Scheduler) ticker(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.opts.Period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// do runs fn on the queue goroutine and waits for it. It reports false when
// the scheduler is not running.
func (s *Scheduler) do(fn func()) bool {
	queue, ctx := s.current()
	if queue == nil {
		return false
	}
	done := make(chan struct{})
	select {
	case queue <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) current() (chan func(), context.Context) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.queue, s.loopCtx
}

func (s *Scheduler) cycle() Outcome {
	var out Outcome
	switch {
	case !s.capturing:
		out = OutcomeNotCapturing
	case s.inFlight:
		s.skipNext = true
		out = OutcomeInFlight
	case s.skipNext:
		s.skipNext = false
		out = OutcomeBackoff
	case !s.engine.Ready():
		out = OutcomeNotReady
	case s.buffer.Len() < s.opts.MinSamples:
		out = OutcomeTooShort
	default:
		s.dispatch()
		return OutcomeDispatched
	}
	s.record(Cycle{Outcome: out})
	return out
}

func (s *Scheduler) dispatch() {
	samples := s.buffer.Snapshot()
	s.inFlight = true
	s.record(Cycle{Outcome: OutcomeDispatched, Samples: len(samples)})

	_, ctx := s.current()
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		spanCtx, span := s.tracer.Start(ctx, "stream.recognize",
			trace.WithAttributes(attribute.Int("samples", len(samples))),
		)
		start := time.Now()
		res, err := s.engine.Transcribe(spanCtx, samples, stt.TagPartial)
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		c := Cycle{Outcome: OutcomeCompleted, Samples: len(samples), Duration: elapsed, Text: res.Text, Err: err}
		s.do(func() { s.complete(c) })
	}()
}

func (s *Scheduler) complete(c Cycle) {
	s.inFlight = false
	if s.latency != nil {
		s.latency.Record(context.Background(), c.Duration.Seconds())
	}

	if c.Err != nil {
		s.skipNext = true
		c.Outcome = OutcomeFailed
		s.logger.Warn("streaming recognition failed", slogError(c.Err), slog.Duration("elapsed", c.Duration))
	} else if c.Text != "" && s.capturing {
		display := s.reconciler.Apply(c.Text)
		if s.opts.Publish != nil {
			s.opts.Publish(display)
		}
		if s.partials != nil {
			s.partials.Add(context.Background(), 1)
		}
	}

	threshold := time.Duration(s.opts.OverrunRatio * float64(s.opts.Period))
	if c.Duration > threshold {
		s.skipNext = true
		c.Overrun = true
		s.logger.Debug("streaming call overran cycle",
			slog.Duration("elapsed", c.Duration),
			slog.Duration("threshold", threshold),
		)
	}
	s.record(c)
}

func (s *Scheduler) record(c Cycle) {
	if s.cycles != nil {
		s.cycles.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(c.Outcome))))
	}
	if s.opts.Observe != nil {
		s.opts.Observe(c)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
