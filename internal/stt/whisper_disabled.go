//go:build !whisper

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// ErrWhisperUnavailable is returned when the binary was built without the
// whisper tag.
var ErrWhisperUnavailable = errors.New("whisper recognizer not compiled in (build with -tags whisper)")

func NewWhisperRecognizer(config.STTConfig, *slog.Logger) (Recognizer, error) {
	return nil, ErrWhisperUnavailable
}
