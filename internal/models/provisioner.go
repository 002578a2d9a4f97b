// Package models makes sure the recognition model is present on disk before
// the engine loads it.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

var ErrModelMissing = errors.New("model file missing")

const (
	LabelLocating  = "locating"
	LabelVerifying = "verifying"
	LabelReady     = "ready"
)

// Progress is one provisioning step. Fraction runs from 0 to 1.
type Progress struct {
	Fraction float64 `json:"fraction"`
	Label    string  `json:"label"`
}

// Provisioner resolves the model the recognizer needs and returns its path.
type Provisioner interface {
	EnsurePresent(ctx context.Context, report func(Progress)) (string, error)
}

// LocalProvisioner expects the model to already sit in a local directory.
type LocalProvisioner struct {
	Directory string
	File      string
	SHA256    string
	MinBytes  int64
}

func NewLocalProvisioner(cfg config.ModelsConfig) *LocalProvisioner {
	return &LocalProvisioner{
		Directory: cfg.Directory,
		File:      cfg.File,
		SHA256:    strings.ToLower(strings.TrimSpace(cfg.SHA256)),
		MinBytes:  cfg.MinBytes,
	}
}

func (p *LocalProvisioner) Path() string {
	if filepath.IsAbs(p.File) || p.Directory == "" {
		return p.File
	}
	return filepath.Join(p.Directory, p.File)
}

func (p *LocalProvisioner) EnsurePresent(ctx context.Context, report func(Progress)) (string, error) {
	if report == nil {
		report = func(Progress) {}
	}
	path := p.Path()

	report(Progress{Fraction: 0, Label: LabelLocating})
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrModelMissing, path)
		}
		return "", fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrModelMissing, path)
	}
	minBytes := max(p.MinBytes, 1)
	if info.Size() < minBytes {
		return "", fmt.Errorf("model %s too small: %d bytes", path, info.Size())
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	report(Progress{Fraction: 0.5, Label: LabelVerifying})
	if p.SHA256 != "" {
		sum, err := fileSHA256(path)
		if err != nil {
			return "", err
		}
		if sum != p.SHA256 {
			return "", fmt.Errorf("model %s checksum mismatch: got %s", path, sum)
		}
	}

	report(Progress{Fraction: 1, Label: LabelReady})
	return path, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// None skips provisioning for recognizers that need no local model.
type None struct{}

func (None) EnsurePresent(_ context.Context, report func(Progress)) (string, error) {
	if report != nil {
		report(Progress{Fraction: 1, Label: LabelReady})
	}
	return "", nil
}
