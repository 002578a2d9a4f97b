// Package control exposes a dictation session over NATS: outputs are
// published on dictation.* subjects and the session is driven by
// request-reply on dictation.control.*.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/broadcast"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/nats-io/nats.go"
)

// Session is the part of session.Machine the service drives.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) session.Result
	StopWithoutTranscription()
	State() session.State
	SessionID() string
}

type Service struct {
	bus      *bus.Client
	session  Session
	outputs  session.Outputs
	progress *broadcast.Broadcaster[models.Progress]
	log      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	unsub   []func()
	wg      sync.WaitGroup
	started bool
}

func NewService(parent context.Context, busClient *bus.Client, sess Session, outputs session.Outputs, progress *broadcast.Broadcaster[models.Progress], log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		session:  sess,
		outputs:  outputs,
		progress: progress,
		log:      log.With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if s.started {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlStart:  s.handleStart,
		protocol.SubjectControlStop:   s.handleStop,
		protocol.SubjectControlCancel: s.handleCancel,
		protocol.SubjectControlState:  s.handleState,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	levels, cancelLevels := s.outputs.Level.Subscribe(64)
	partials, cancelPartials := s.outputs.Partial.Subscribe(16)
	finals, cancelFinals := s.outputs.Final.Subscribe(4)
	s.unsub = append(s.unsub, cancelLevels, cancelPartials, cancelFinals)

	forward(s, levels, func(level float64) (string, any) {
		return protocol.SubjectLevel, protocol.Level{SessionID: s.session.SessionID(), Level: level, Timestamp: time.Now().UTC()}
	})
	forward(s, partials, func(text string) (string, any) {
		return protocol.SubjectTranscriptPartial, protocol.Transcript{
			SessionID: s.session.SessionID(),
			Text:      text,
			Partial:   true,
			Timestamp: time.Now().UTC(),
		}
	})
	forward(s, finals, func(res session.Result) (string, any) {
		return protocol.SubjectTranscriptFinal, FinalTranscript(res)
	})
	if s.progress != nil {
		progress, cancelProgress := s.progress.Subscribe(16)
		s.unsub = append(s.unsub, cancelProgress)
		forward(s, progress, func(p models.Progress) (string, any) {
			return protocol.SubjectModelProgress, protocol.ModelProgress{Fraction: p.Fraction, Label: p.Label, Timestamp: time.Now().UTC()}
		})
	}

	s.started = true
	s.log.Info("control service listening", slog.Int("subjects", len(handlers)))
	return nil
}

// FinalTranscript converts a session result into its bus message.
func FinalTranscript(res session.Result) protocol.Transcript {
	return protocol.Transcript{
		SessionID:  res.SessionID,
		Text:       res.Text,
		Partial:    false,
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence,
		DurationMS: res.Duration.Milliseconds(),
	}
}

func forward[T any](s *Service, ch <-chan T, encode func(T) (string, any)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				subject, msg := encode(v)
				if err := s.bus.PublishJSON(subject, msg); err != nil {
					s.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
				}
			}
		}
	}()
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	for _, cancel := range s.unsub {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) reply(msg *nats.Msg, rep protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	if err := s.bus.RespondJSON(msg, rep); err != nil {
		s.log.Warn("failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) current() protocol.ControlReply {
	return protocol.ControlReply{State: s.session.State().String(), SessionID: s.session.SessionID()}
}

func (s *Service) handleStart(msg *nats.Msg) {
	err := s.session.Start(s.ctx)
	rep := s.current()
	if err != nil && !errors.Is(err, session.ErrNotIdle) {
		rep.Error = err.Error()
	}
	s.reply(msg, rep)
}

func (s *Service) handleStop(msg *nats.Msg) {
	if s.session.State() != session.Capturing {
		rep := s.current()
		rep.Error = "no active session"
		s.reply(msg, rep)
		return
	}
	res := s.session.Stop(s.ctx)
	rep := s.current()
	rep.SessionID = res.SessionID
	rep.Text = res.Text
	s.reply(msg, rep)
}

func (s *Service) handleCancel(msg *nats.Msg) {
	s.session.StopWithoutTranscription()
	s.reply(msg, s.current())
}

func (s *Service) handleState(msg *nats.Msg) {
	s.reply(msg, s.current())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
