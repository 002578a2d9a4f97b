package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

const (
	TagPartial = "partial"
	TagFinal   = "final"
)

// Result captures recognizer output.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognizer abstracts STT backends. Samples are mono float32 at 16 kHz. The
// tag labels the call (partial or final) for logging and backends that care.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, tag string) (Result, error)
}

// Loader is implemented by recognizers that must load a model before their
// first call.
type Loader interface {
	Load(ctx context.Context, modelPath string) error
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg)
	case "whisper":
		return NewWhisperRecognizer(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// NeedsModel reports whether mode reads a local model file.
func NeedsModel(mode string) bool {
	return mode == "whisper" || mode == "exec"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
