package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"famsave.org/internal/auth"
	"famsave.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithAccount(ctx, "acc-42")

	if err := LogEvent(ctx, "auth.test", zap.String("foo", "bar")); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["type"] != "audit" {
		t.Fatalf("unexpected type: %v", fields["type"])
	}
	if fields["event"] != "auth.test" {
		t.Fatalf("unexpected event: %v", fields["event"])
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	if fields["account_id"] != "acc-42" {
		t.Fatalf("unexpected account id: %v", fields["account_id"])
	}
	if fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", fields)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty event name")
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), " ")); got != "" {
		t.Fatalf("blank request id should not be stored, got %q", got)
	}
}
