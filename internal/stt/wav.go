package stt

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	dictaudio "github.com/loqalabs/loqa-dictation/internal/audio"
)

func encodeWAV(w io.WriteSeeker, samples []float32) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: dictaudio.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = toPCM16(s)
	}

	enc := wav.NewEncoder(w, dictaudio.SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func toPCM16(s float32) int {
	v := math.Max(-1, math.Min(1, float64(s)))
	return int(math.Round(v * math.MaxInt16))
}

// tempWAV writes samples to a fresh temp file and returns its path with a
// cleanup func.
func tempWAV(samples []float32) (string, func(), error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	cleanup := func() { _ = os.Remove(name) }
	if err := encodeWAV(file, samples); err != nil {
		file.Close()
		cleanup()
		return "", nil, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp wav: %w", err)
	}
	return name, cleanup, nil
}
