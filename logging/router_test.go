package logging_test

import (
	"context"
	"testing"
	"time"

	"rollback-arena/logging"
	"rollback-arena/logging/sinks"
)

func TestRouterDeliversAndFiltersBySeverity(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	cfg.Fields = map[string]any{"room": "lobby"}
	router := logging.NewRouter(logging.ClockFunc(func() time.Time { return time.Unix(10, 0) }), cfg, nil, []logging.NamedSink{{Name: "memory", Sink: memory}})

	pub := logging.WithSession(router, "session-1")
	pub.Publish(context.Background(), logging.Event{Type: "debug.ignored", Severity: logging.SeverityDebug})
	pub.Publish(context.Background(), logging.Event{Type: "warn.kept", Severity: logging.SeverityWarn, Frame: 12})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event after severity filter, got %d", len(events))
	}
	got := events[0]
	if got.Type != "warn.kept" || got.Frame != 12 {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.SessionID != "session-1" {
		t.Fatalf("expected session id stamped, got %q", got.SessionID)
	}
	if got.Extra["room"] != "lobby" {
		t.Fatalf("expected router fields merged, got %+v", got.Extra)
	}
	if !got.Time.Equal(time.Unix(10, 0)) {
		t.Fatalf("expected clock timestamp, got %v", got.Time)
	}
	if stats := router.Stats(); stats.EventsTotal != 1 {
		t.Fatalf("expected 1 forwarded event, got %+v", stats)
	}
}

func TestRouterIgnoresPublishAfterClose(t *testing.T) {
	memory := sinks.NewMemorySink()
	router := logging.NewRouter(nil, logging.DefaultConfig(), nil, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "late", Severity: logging.SeverityError})
	if len(memory.Events()) != 0 {
		t.Fatalf("expected no events after close")
	}
	if router.Sink("memory") != memory {
		t.Fatalf("expected named sink lookup to return memory sink")
	}
}
