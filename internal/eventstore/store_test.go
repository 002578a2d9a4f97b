package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/loqalabs/loqa-dictation/internal/stream"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.StartSession(ctx, "s"); err != nil {
		t.Fatalf("ephemeral writes should be no-ops: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.StartSession(ctx, sessionID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "test", Detail: []byte(`{"k":1}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Detail) != `{"k":1}` {
		t.Fatalf("unexpected detail: %s", events[0].Detail)
	}

	if err := es.EndSession(ctx, Session{ID: sessionID, Outcome: "finalized", AudioMS: 1500, Chars: 11}); err != nil {
		t.Fatalf("end session: %v", err)
	}
	sess, err := es.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != "finalized" || sess.AudioMS != 1500 || sess.Chars != 11 || sess.EndedAt.IsZero() {
		t.Fatalf("unexpected session %+v", sess)
	}
	if err := es.EndSession(ctx, Session{ID: "missing"}); err == nil {
		t.Fatal("expected error ending an unknown session")
	}
	if _, err := es.GetSession(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "old-session"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "new-session"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, newLogger(), 16)

	now := time.Now()
	j.Session(session.Event{Kind: session.EventStart, SessionID: "abc", At: now})
	j.Cycle("abc", stream.Cycle{Outcome: stream.OutcomeTooShort})
	j.Cycle("abc", stream.Cycle{Outcome: stream.OutcomeCompleted, Samples: 16000, Duration: 300 * time.Millisecond, Text: "secret words"})
	j.Session(session.Event{Kind: session.EventFinal, SessionID: "abc", At: now.Add(time.Second), Result: session.Result{
		SessionID: "abc",
		Text:      "secret words",
		Duration:  2 * time.Second,
		Elapsed:   2500 * time.Millisecond,
	}})
	j.Close()
	j.Close()

	events, err := es.ListSessionEvents(ctx, "abc", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{TypeSessionStart, TypeStreamCycle, TypeStreamCycle, TypeSessionFinal}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], e.Type)
		}
		var detail map[string]any
		if len(e.Detail) > 0 {
			if err := json.Unmarshal(e.Detail, &detail); err != nil {
				t.Fatalf("bad detail %s: %v", e.Detail, err)
			}
			for _, v := range detail {
				if s, ok := v.(string); ok && s == "secret words" {
					t.Fatal("journal must not store transcript text")
				}
			}
		}
	}

	sess, err := es.GetSession(ctx, "abc")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != "finalized" || sess.AudioMS != 2000 || sess.Chars != len("secret words") {
		t.Fatalf("unexpected session %+v", sess)
	}

	j.Session(session.Event{Kind: session.EventStart, SessionID: "late"})
	if _, err := es.GetSession(ctx, "late"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatal("closed journal must drop entries")
	}
}

func TestJournalCancel(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, newLogger(), 4)
	j.Session(session.Event{Kind: session.EventStart, SessionID: "c1", At: time.Now()})
	j.Session(session.Event{Kind: session.EventCancel, SessionID: "c1", At: time.Now()})
	j.Close()

	sess, err := es.GetSession(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Outcome != "cancelled" {
		t.Fatalf("expected cancelled outcome, got %q", sess.Outcome)
	}
}
