package stt

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dictation/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openAIRecognizer posts audio to an OpenAI-compatible transcription endpoint.
type openAIRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(cfg config.STTConfig) (Recognizer, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && cfg.Endpoint == "" {
		return nil, fmt.Errorf("openai stt requires an api key or endpoint")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
	}, nil
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, samples []float32, tag string) (Result, error) {
	path, cleanup, err := tempWAV(samples)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: path,
		Language: r.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai %s transcription: %w", tag, err)
	}
	return Result{Text: strings.TrimSpace(resp.Text)}, nil
}
