package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/loqalabs/loqa-dictation/internal/broadcast"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/loqalabs/loqa-dictation/internal/stream"
	"github.com/loqalabs/loqa-dictation/internal/stt"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type tapSource struct {
	mu  sync.Mutex
	tap capture.Tap
}

func (s *tapSource) Start(_ context.Context, tap capture.Tap) error {
	s.mu.Lock()
	s.tap = tap
	s.mu.Unlock()
	return nil
}

func (s *tapSource) Stop() error {
	s.mu.Lock()
	s.tap = nil
	s.mu.Unlock()
	return nil
}

func (s *tapSource) feed(buf *goaudio.Float32Buffer) {
	s.mu.Lock()
	tap := s.tap
	s.mu.Unlock()
	if tap != nil {
		tap(buf)
	}
}

type fixture struct {
	conn    *nats.Conn
	source  *tapSource
	machine *session.Machine
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	progress := broadcast.New[models.Progress]()
	engine := stt.NewEngine(stt.NewMockRecognizer(), models.None{}, testLogger(), stt.WithProgress(func(p models.Progress) { progress.Publish(p) }))
	source := &tapSource{}
	outputs := session.NewOutputs()
	machine := session.New(source, capture.AlwaysGranted{}, engine, outputs, session.Options{
		Streaming: stream.Options{Period: time.Hour},
	}, testLogger())

	svc := NewService(context.Background(), bus.NewFromConn(conn, testLogger()), machine, outputs, progress, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &fixture{conn: conn, source: source, machine: machine, service: svc}
}

func (f *fixture) request(t *testing.T, subject string) protocol.ControlReply {
	t.Helper()
	msg, err := f.conn.Request(subject, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var rep protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return rep
}

func oneSecond() *goaudio.Float32Buffer {
	data := make([]float32, 16000)
	for i := range data {
		data[i] = 0.2
	}
	return &goaudio.Float32Buffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 16000}, Data: data}
}

func TestControlStartStop(t *testing.T) {
	f := newFixture(t)

	finals := make(chan *nats.Msg, 1)
	sub, err := f.conn.ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	levels := make(chan *nats.Msg, 8)
	levelSub, err := f.conn.ChanSubscribe(protocol.SubjectLevel, levels)
	if err != nil {
		t.Fatal(err)
	}
	defer levelSub.Unsubscribe()
	if err := f.conn.Flush(); err != nil {
		t.Fatal(err)
	}

	if rep := f.request(t, protocol.SubjectControlState); rep.State != "idle" {
		t.Fatalf("expected idle, got %+v", rep)
	}
	rep := f.request(t, protocol.SubjectControlStart)
	if rep.State != "capturing" || rep.SessionID == "" || rep.Error != "" {
		t.Fatalf("unexpected start reply %+v", rep)
	}
	if again := f.request(t, protocol.SubjectControlStart); again.SessionID != rep.SessionID || again.Error != "" {
		t.Fatalf("second start should be a quiet no-op, got %+v", again)
	}

	f.source.feed(oneSecond())
	select {
	case msg := <-levels:
		var lvl protocol.Level
		if err := json.Unmarshal(msg.Data, &lvl); err != nil {
			t.Fatal(err)
		}
		if lvl.Level <= 0 {
			t.Fatalf("expected audible level, got %v", lvl.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no level published")
	}

	stop := f.request(t, protocol.SubjectControlStop)
	if stop.State != "idle" || stop.Text != "[final transcript 1s]" || stop.SessionID != rep.SessionID {
		t.Fatalf("unexpected stop reply %+v", stop)
	}

	select {
	case msg := <-finals:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatal(err)
		}
		if tr.Partial || tr.Text != stop.Text || tr.DurationMS != 1000 {
			t.Fatalf("unexpected final transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final transcript published")
	}
}

func TestControlStopWhenIdle(t *testing.T) {
	f := newFixture(t)
	rep := f.request(t, protocol.SubjectControlStop)
	if rep.Error == "" || rep.State != "idle" {
		t.Fatalf("expected error reply, got %+v", rep)
	}
}

func TestControlCancel(t *testing.T) {
	f := newFixture(t)
	f.request(t, protocol.SubjectControlStart)
	f.source.feed(oneSecond())
	rep := f.request(t, protocol.SubjectControlCancel)
	if rep.State != "idle" || rep.Text != "" {
		t.Fatalf("unexpected cancel reply %+v", rep)
	}
	if f.machine.BufferedDuration() != 0 {
		t.Fatal("cancel must discard audio")
	}
}
