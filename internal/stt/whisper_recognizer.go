//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

// whisperRecognizer runs whisper.cpp in process. The model is loaded once by
// Load; each call gets its own context.
type whisperRecognizer struct {
	cfg    config.STTConfig
	logger *slog.Logger
	mu     sync.Mutex
	model  whisper.Model
}

func NewWhisperRecognizer(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &whisperRecognizer{cfg: cfg, logger: logger.With(slog.String("component", "whisper"))}, nil
}

func (r *whisperRecognizer) Load(_ context.Context, modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		return nil
	}
	model, err := whisper.New(modelPath)
	if err != nil {
		return fmt.Errorf("load whisper model %q: %w", modelPath, err)
	}
	r.model = model
	r.logger.Info("whisper model loaded", slog.String("path", modelPath))
	return nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, samples []float32, tag string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return Result{}, errors.New("whisper model not loaded")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}
	if r.cfg.Language != "" {
		if err := wctx.SetLanguage(r.cfg.Language); err != nil {
			r.logger.Warn("unsupported language", slog.String("language", r.cfg.Language), slogError(err))
		}
	}
	if r.cfg.Threads > 0 {
		wctx.SetThreads(uint(r.cfg.Threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("whisper %s process: %w", tag, err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("whisper next segment: %w", err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
	}
	return Result{Text: strings.TrimSpace(strings.Join(segments, " "))}, nil
}

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}
