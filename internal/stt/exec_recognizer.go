package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a command that reads a WAV file and prints
// {"text": ..., "confidence": ...} on stdout.
type execRecognizer struct {
	cmd       []string
	cfg       config.STTConfig
	mu        sync.Mutex
	modelPath string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Load(_ context.Context, modelPath string) error {
	r.mu.Lock()
	r.modelPath = modelPath
	r.mu.Unlock()
	return nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, samples []float32, tag string) (Result, error) {
	r.mu.Lock()
	modelPath := r.modelPath
	r.mu.Unlock()

	path, cleanup, err := tempWAV(samples)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", modelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if tag == TagPartial {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}
