package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/broadcast"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/loqalabs/loqa-dictation/internal/stream"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// Pipeline is the assembled dictation core: capture source, engine, session
// machine, outputs and journal.
type Pipeline struct {
	cfg      config.Config
	Machine  *session.Machine
	Engine   *stt.Engine
	Outputs  session.Outputs
	Progress *broadcast.Broadcaster[models.Progress]
	Store    *eventstore.Store
	Journal  *eventstore.Journal
	logger   *slog.Logger
}

// NewPipeline wires the core from config. A nil source is built from
// cfg.Capture.
func NewPipeline(ctx context.Context, cfg config.Config, source capture.Source, logger *slog.Logger) (*Pipeline, error) {
	if source == nil {
		var err error
		source, err = capture.New(cfg.Capture, logger)
		if err != nil {
			return nil, err
		}
	}

	recognizer, err := stt.New(cfg.STT, logger)
	if err != nil {
		return nil, fmt.Errorf("build recognizer: %w", err)
	}
	var provisioner models.Provisioner = models.None{}
	if stt.NeedsModel(cfg.STT.Mode) && cfg.Models.File != "" {
		provisioner = models.NewLocalProvisioner(cfg.Models)
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		Outputs:  session.NewOutputs(),
		Progress: broadcast.New[models.Progress](),
		Store:    store,
		logger:   logger,
	}
	p.Journal = eventstore.NewJournal(store, logger, 256)
	p.Engine = stt.NewEngine(recognizer, provisioner, logger, stt.WithProgress(func(pr models.Progress) {
		p.Progress.Publish(pr)
	}))

	streamOpts := stream.OptionsFromConfig(cfg.Streaming)
	if cfg.Streaming.Enabled {
		streamOpts.Observe = func(c stream.Cycle) {
			if p.Machine != nil {
				p.Journal.Cycle(p.Machine.SessionID(), c)
			}
		}
	} else {
		// Partials off: every tick stops at the too_short guard.
		streamOpts.MinSamples = math.MaxInt
	}

	p.Machine = session.New(
		source,
		capture.NewPermissionChecker(cfg.Capture.PermissionFile),
		p.Engine,
		p.Outputs,
		session.Options{
			Streaming:    streamOpts,
			StartRetries: cfg.Capture.StartRetries,
			RetryBackoff: time.Duration(cfg.Capture.RetryBackoffMS) * time.Millisecond,
			Observe:      p.Journal.Session,
		},
		logger,
	)
	return p, nil
}

// Status is the local node snapshot used by the heartbeat and HTTP API.
func (p *Pipeline) Status() protocol.Status {
	return protocol.Status{
		State:       p.Machine.State().String(),
		SessionID:   p.Machine.SessionID(),
		EngineReady: p.Engine.Ready(),
		EngineMode:  p.cfg.STT.Mode,
		BufferedMS:  p.Machine.BufferedDuration().Milliseconds(),
	}
}

// Close abandons any active session and releases resources.
func (p *Pipeline) Close() error {
	p.Machine.StopWithoutTranscription()
	p.Outputs.Close()
	p.Progress.Close()
	p.Journal.Close()
	var errs []error
	if err := p.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := p.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event store: %w", err))
	}
	return errors.Join(errs...)
}
