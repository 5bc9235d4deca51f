package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRecordCompletionPersists(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	c := WorkflowCompletion{
		BatchID:      uuid.New(),
		ConnectionID: "conn-1",
		StartedAt:    time.Now().Add(-time.Minute),
		CompletedAt:  time.Now(),
		ClientIP:     "127.0.0.1",
		Stages:       []string{"ssh_command", "scp_transfer", "ssh_command"},
	}

	if err := rec.RecordCompletion(context.Background(), c); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	var count int64
	rec.db.Model(&completionRow{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestJoinStages(t *testing.T) {
	if got := joinStages(nil); got != "" {
		t.Fatalf("joinStages(nil) = %q, want empty", got)
	}
	if got := joinStages([]string{"a", "b"}); got != "a,b" {
		t.Fatalf("joinStages = %q, want a,b", got)
	}
}
