package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, samples []float32, tag string) (Result, error) {
	seconds := time.Duration(len(samples)) * time.Second / 16000
	return Result{
		Text:       fmt.Sprintf("[%s transcript %s]", tag, seconds),
		Confidence: 0,
	}, nil
}
