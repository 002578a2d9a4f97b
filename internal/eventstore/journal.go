package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/loqalabs/loqa-dictation/internal/stream"
)

const (
	TypeSessionStart       = "session.start"
	TypeSessionStartFailed = "session.start_failed"
	TypeSessionCancel      = "session.cancel"
	TypeSessionFinal       = "session.final"
	TypeStreamCycle        = "stream.cycle"
)

// Journal records lifecycle and streaming events off the caller's goroutine.
// When the write queue is full, entries are dropped and counted.
type Journal struct {
	store *Store
	log   *slog.Logger
	queue chan func(context.Context) error

	mu      sync.Mutex
	dropped int
	closed  bool
	done    chan struct{}
}

func NewJournal(store *Store, log *slog.Logger, buffer int) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	j := &Journal{
		store: store,
		log:   log.With(slog.String("component", "journal")),
		queue: make(chan func(context.Context) error, buffer),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) run() {
	defer close(j.done)
	for write := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := write(ctx); err != nil {
			j.log.Warn("journal write failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (j *Journal) enqueue(write func(context.Context) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- write:
	default:
		j.dropped++
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close flushes queued entries and stops the writer.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	<-j.done
}

// Session records a session lifecycle event.
func (j *Journal) Session(ev session.Event) {
	if ev.SessionID == "" {
		return
	}
	at := ev.At
	switch ev.Kind {
	case session.EventStart:
		j.enqueue(func(ctx context.Context) error {
			if err := j.store.StartSession(ctx, ev.SessionID); err != nil {
				return err
			}
			return j.store.AppendEvent(ctx, Event{SessionID: ev.SessionID, Type: TypeSessionStart, CreatedAt: at})
		})
	case session.EventStartFailed:
		detail := marshalDetail(map[string]any{"error": errString(ev.Err)})
		j.enqueue(func(ctx context.Context) error {
			if err := j.store.StartSession(ctx, ev.SessionID); err != nil {
				return err
			}
			if err := j.store.AppendEvent(ctx, Event{SessionID: ev.SessionID, Type: TypeSessionStartFailed, Detail: detail, CreatedAt: at}); err != nil {
				return err
			}
			return j.store.EndSession(ctx, Session{ID: ev.SessionID, EndedAt: at, Outcome: "start_failed"})
		})
	case session.EventCancel:
		j.enqueue(func(ctx context.Context) error {
			if err := j.store.AppendEvent(ctx, Event{SessionID: ev.SessionID, Type: TypeSessionCancel, CreatedAt: at}); err != nil {
				return err
			}
			return j.store.EndSession(ctx, Session{ID: ev.SessionID, EndedAt: at, Outcome: "cancelled"})
		})
	case session.EventFinal:
		res := ev.Result
		outcome := "finalized"
		if res.Text == "" {
			outcome = "empty"
		}
		detail := marshalDetail(map[string]any{
			"audio_ms":   res.Duration.Milliseconds(),
			"elapsed_ms": res.Elapsed.Milliseconds(),
			"chars":      len(res.Text),
			"confidence": res.Confidence,
		})
		j.enqueue(func(ctx context.Context) error {
			if err := j.store.AppendEvent(ctx, Event{SessionID: ev.SessionID, Type: TypeSessionFinal, Detail: detail, CreatedAt: at}); err != nil {
				return err
			}
			return j.store.EndSession(ctx, Session{
				ID:        ev.SessionID,
				EndedAt:   at,
				Outcome:   outcome,
				AudioMS:   res.Duration.Milliseconds(),
				ElapsedMS: res.Elapsed.Milliseconds(),
				Chars:     len(res.Text),
			})
		})
	}
}

// Cycle records a streaming cycle outcome for sessionID.
func (j *Journal) Cycle(sessionID string, c stream.Cycle) {
	if sessionID == "" {
		return
	}
	fields := map[string]any{"outcome": string(c.Outcome)}
	if c.Samples > 0 {
		fields["samples"] = c.Samples
	}
	if c.Duration > 0 {
		fields["duration_ms"] = c.Duration.Milliseconds()
	}
	if c.Overrun {
		fields["overrun"] = true
	}
	if c.Err != nil {
		fields["error"] = c.Err.Error()
	}
	detail := marshalDetail(fields)
	at := time.Now()
	j.enqueue(func(ctx context.Context) error {
		return j.store.AppendEvent(ctx, Event{SessionID: sessionID, Type: TypeStreamCycle, Detail: detail, CreatedAt: at})
	})
}

func marshalDetail(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
