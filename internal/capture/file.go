package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileSource replays a PCM WAV file in device-sized buffers. With realtime
// pacing each buffer is delivered after its own duration has elapsed;
// otherwise buffers are delivered back to back.
type FileSource struct {
	path     string
	frames   int
	realtime bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewFileSource(path string, bufferFrames int, realtime bool) *FileSource {
	if bufferFrames <= 0 {
		bufferFrames = 1024
	}
	return &FileSource{path: path, frames: bufferFrames, realtime: realtime}
}

func (s *FileSource) Start(ctx context.Context, tap Tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	buf, err := readWAV(s.path)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.err = nil
	go s.play(runCtx, buf, tap, done)
	return nil
}

func (s *FileSource) play(ctx context.Context, buf *goaudio.Float32Buffer, tap Tap, done chan struct{}) {
	defer close(done)
	channels := buf.Format.NumChannels
	step := s.frames * channels
	period := time.Duration(s.frames) * time.Second / time.Duration(buf.Format.SampleRate)

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}
	for off := 0; off < len(buf.Data); off += step {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		end := min(off+step, len(buf.Data))
		chunk := make([]float32, end-off)
		copy(chunk, buf.Data[off:end])
		tap(&goaudio.Float32Buffer{Format: buf.Format, Data: chunk, SourceBitDepth: buf.SourceBitDepth})
	}
}

// Done is closed once the whole file has been delivered or the source was
// stopped. It is nil before Start.
func (s *FileSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *FileSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// readWAV decodes a PCM WAV file into normalized float32 samples.
func readWAV(path string) (*goaudio.Float32Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	ints, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if ints.Format == nil || ints.Format.NumChannels <= 0 || ints.Format.SampleRate <= 0 {
		return nil, errors.New("wav file has no usable format")
	}
	depth := ints.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	scale, err := sampleScale(depth)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := &goaudio.Float32Buffer{
		Format:         ints.Format,
		Data:           make([]float32, len(ints.Data)),
		SourceBitDepth: depth,
	}
	for i, v := range ints.Data {
		out.Data[i] = float32(v) / scale
	}
	return out, nil
}

// sampleScale is the full-scale magnitude of a signed PCM sample of depth bits.
func sampleScale(depth int) (float32, error) {
	if depth <= 0 || depth > 32 {
		return 0, fmt.Errorf("unsupported wav bit depth %d", depth)
	}
	return float32(int64(1) << (depth - 1)), nil
}
