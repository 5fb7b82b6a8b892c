package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/journal"
)

func TestSQLiteSink_SendAndPersist(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	sink, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	entries := []journal.Entry{
		{ServerID: "lobby", From: "stopped", To: "starting", PID: 0, Reason: "start requested", OccurredAt: time.Now().UTC()},
		{ServerID: "lobby", From: "starting", To: "running", PID: 4242, Reason: "ready", OccurredAt: time.Now().UTC()},
		{ServerID: "lobby", From: "running", To: "stopping", PID: 4242, Reason: "stop requested", OccurredAt: time.Now().UTC()},
		{ServerID: "lobby", From: "stopping", To: "stopped", PID: 4242, ExitCode: 0, Reason: "stopped", OccurredAt: time.Now().UTC()},
	}
	for _, e := range entries {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send entry %+v: %v", e, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM server_journal WHERE server_id = ?`, "lobby").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != len(entries) {
		t.Fatalf("persisted %d entries, want %d", count, len(entries))
	}

	var to string
	var code int
	if err := sink.db.QueryRowContext(ctx, `SELECT to_state, exit_code FROM server_journal ORDER BY rowid DESC LIMIT 1`).Scan(&to, &code); err != nil {
		t.Fatalf("tail query: %v", err)
	}
	if to != "stopped" || code != 0 {
		t.Fatalf("last entry = %s/%d, want stopped/0", to, code)
	}
}

func TestSQLiteSink_MemoryDSN(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := journal.Entry{ServerID: "survival", From: "running", To: "crashed", PID: 9, ExitCode: 137, Reason: "unexpected exit", OccurredAt: time.Now().UTC()}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Failed to send entry: %v", err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
