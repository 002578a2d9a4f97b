package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictation/internal/models"
	"golang.org/x/sync/singleflight"
)

var ErrNotReady = errors.New("stt engine not ready")

// Engine gates a Recognizer behind a one-time readiness step: provision the
// model, then load it. Concurrent EnsureReady callers share one attempt; a
// failed attempt may be retried by a later call.
type Engine struct {
	recognizer  Recognizer
	provisioner models.Provisioner
	logger      *slog.Logger
	onProgress  func(models.Progress)

	ready atomic.Bool
	group singleflight.Group
}

type EngineOption func(*Engine)

// WithProgress forwards provisioning progress to fn.
func WithProgress(fn func(models.Progress)) EngineOption {
	return func(e *Engine) { e.onProgress = fn }
}

func NewEngine(recognizer Recognizer, provisioner models.Provisioner, logger *slog.Logger, opts ...EngineOption) *Engine {
	if provisioner == nil {
		provisioner = models.None{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		recognizer:  recognizer,
		provisioner: provisioner,
		logger:      logger.With(slog.String("component", "stt")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// EnsureReady provisions and loads the model once. The shared attempt runs
// detached from any single caller's cancellation; each caller stops waiting
// when its own ctx ends.
func (e *Engine) EnsureReady(ctx context.Context) error {
	if e.ready.Load() {
		return nil
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan("ready", func() (any, error) {
		if e.ready.Load() {
			return nil, nil
		}
		path, err := e.provisioner.EnsurePresent(flightCtx, e.report)
		if err != nil {
			return nil, fmt.Errorf("provision model: %w", err)
		}
		if loader, ok := e.recognizer.(Loader); ok {
			if err := loader.Load(flightCtx, path); err != nil {
				return nil, fmt.Errorf("load model: %w", err)
			}
		}
		e.ready.Store(true)
		e.logger.Info("stt engine ready", slog.String("model", path))
		return nil, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			e.logger.Warn("stt engine not ready", slogError(res.Err))
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) report(p models.Progress) {
	e.logger.Debug("model provisioning", slog.String("step", p.Label), slog.Float64("fraction", p.Fraction))
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

// Transcribe runs the recognizer over samples. It never triggers readiness.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, tag string) (Result, error) {
	if !e.ready.Load() {
		return Result{}, ErrNotReady
	}
	return e.recognizer.Transcribe(ctx, samples, tag)
}

// Close releases recognizer resources when it holds any.
func (e *Engine) Close() error {
	if c, ok := e.recognizer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
