// Package capture produces interleaved float32 audio buffers from a device or
// a recorded file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goaudio "github.com/go-audio/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

var (
	ErrNotRunning = errors.New("capture not running")
	ErrRunning    = errors.New("capture already running")
)

// Tap receives each captured buffer on the capture goroutine. It must not
// block and must not retain buf.Data past the call.
type Tap func(buf *goaudio.Float32Buffer)

// Source is an audio input. Stop is idempotent.
type Source interface {
	Start(ctx context.Context, tap Tap) error
	Stop() error
}

// New builds the source selected by cfg.Mode.
func New(cfg config.CaptureConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Mode {
	case "", "device":
		return NewDeviceSource(cfg, logger), nil
	case "file":
		return NewFileSource(cfg.FilePath, cfg.BufferFrames, cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
