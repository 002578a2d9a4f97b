package runtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictation/internal/control"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

const writeWait = 5 * time.Second

// eventStream pushes session outputs to websocket clients as protocol.Event
// envelopes. Pass ?levels=0 to skip loudness readings.
type eventStream struct {
	pipeline *Pipeline
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newEventStream(p *Pipeline, logger *slog.Logger) *eventStream {
	return &eventStream{
		pipeline: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With(slog.String("component", "events")),
	}
}

func (e *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outputs := e.pipeline.Outputs
	var levels <-chan float64
	if r.URL.Query().Get("levels") != "0" {
		ch, cancel := outputs.Level.Subscribe(32)
		defer cancel()
		levels = ch
	}
	partials, cancelPartials := outputs.Partial.Subscribe(16)
	defer cancelPartials()
	finals, cancelFinals := outputs.Final.Subscribe(4)
	defer cancelFinals()
	progress, cancelProgress := e.pipeline.Progress.Subscribe(16)
	defer cancelProgress()

	// Subscribed before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	e.logger.Debug("websocket client connected", slog.String("remote", r.RemoteAddr))
	for {
		var ev protocol.Event
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case v, ok := <-levels:
			if !ok {
				return
			}
			ev = protocol.Event{Type: protocol.EventLevel, Data: protocol.Level{SessionID: e.pipeline.Machine.SessionID(), Level: v, Timestamp: time.Now().UTC()}}
		case text, ok := <-partials:
			if !ok {
				return
			}
			ev = protocol.Event{Type: protocol.EventPartial, Data: protocol.Transcript{SessionID: e.pipeline.Machine.SessionID(), Text: text, Partial: true, Timestamp: time.Now().UTC()}}
		case res, ok := <-finals:
			if !ok {
				return
			}
			ev = protocol.Event{Type: protocol.EventFinal, Data: control.FinalTranscript(res)}
		case pr, ok := <-progress:
			if !ok {
				return
			}
			ev = protocol.Event{Type: protocol.EventProgress, Data: protocol.ModelProgress{Fraction: pr.Fraction, Label: pr.Label, Timestamp: time.Now().UTC()}}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			e.logger.Debug("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}
