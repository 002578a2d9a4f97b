package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	goaudio "github.com/go-audio/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

// DeviceSource captures float32 audio from a microphone through miniaudio.
type DeviceSource struct {
	cfg    config.CaptureConfig
	logger *slog.Logger

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

func NewDeviceSource(cfg config.CaptureConfig, logger *slog.Logger) *DeviceSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceSource{cfg: cfg, logger: logger.With(slog.String("component", "capture"))}
}

func (s *DeviceSource) Start(_ context.Context, tap Tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return ErrRunning
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.logger.Debug("miniaudio", slog.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(max(s.cfg.Channels, 1))
	if s.cfg.SampleRate > 0 {
		deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	}
	if s.cfg.BufferFrames > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(s.cfg.BufferFrames)
	}
	if s.cfg.DeviceID != "" {
		id, err := findDevice(mctx, s.cfg.DeviceID)
		if err != nil {
			s.release(mctx, nil)
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	format := &goaudio.Format{NumChannels: int(deviceConfig.Capture.Channels)}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * format.NumChannels
			if len(input) < n*4 || format.SampleRate == 0 {
				return
			}
			data := make([]float32, n)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
			}
			tap(&goaudio.Float32Buffer{Format: format, Data: data, SourceBitDepth: 32})
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		s.release(mctx, nil)
		return fmt.Errorf("init capture device: %w", err)
	}
	format.SampleRate = int(device.SampleRate())

	if err := device.Start(); err != nil {
		s.release(mctx, device)
		return fmt.Errorf("start capture device: %w", err)
	}
	s.mctx = mctx
	s.device = device
	s.logger.Info("capture started",
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.NumChannels),
	)
	return nil
}

func findDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("list capture devices: %w", err)
	}
	for _, info := range infos {
		if info.Name() == name || info.ID.String() == name {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("capture device %q not found", name)
}

func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.release(s.mctx, s.device)
	s.device = nil
	s.mctx = nil
	s.logger.Info("capture stopped")
	return nil
}

func (s *DeviceSource) release(mctx *malgo.AllocatedContext, device *malgo.Device) {
	if device != nil {
		if err := device.Stop(); err != nil {
			s.logger.Warn("stop capture device", slogError(err))
		}
		device.Uninit()
	}
	if mctx != nil {
		if err := mctx.Uninit(); err != nil {
			s.logger.Warn("uninit audio context", slogError(err))
		}
		mctx.Free()
	}
}
