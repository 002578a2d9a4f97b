package stt

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

func TestNewSelectsMode(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "mock"}, testLogger()); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "exec", Command: "stt-cli --json"}, testLogger()); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "exec"}, testLogger()); err == nil {
		t.Fatal("expected empty exec command to fail")
	}
	if _, err := New(config.STTConfig{Mode: "openai", APIKey: "sk-test"}, testLogger()); err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "cloud"}, testLogger()); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestTempWAV(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 2}
	path, cleanup, err := tempWAV(samples)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	defer func() {
		cleanup()
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("expected temp wav removed, stat err %v", err)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	want := []int{0, 16384, -16384, 32767, -32767, 32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], buf.Data[i])
		}
	}
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	script := filepath.Join(t.TempDir(), "fake-stt.sh")
	body := "#!/bin/sh\necho '{\"text\":\"hello world\",\"confidence\":0.9}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	rec, err := NewExecRecognizer(config.STTConfig{Command: script, Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := rec.Transcribe(context.Background(), make([]float32, 1600), TagFinal)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	script := filepath.Join(t.TempDir(), "broken-stt.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec, err := NewExecRecognizer(config.STTConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Transcribe(context.Background(), make([]float32, 160), TagPartial); err == nil {
		t.Fatal("expected failing command to return an error")
	}
}
