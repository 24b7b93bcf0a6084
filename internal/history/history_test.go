package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := New(filepath.Join(t.TempDir(), "updates.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRecordAndLatest(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	completed := time.Now().UTC()
	id, err := h.Record(ctx, &UpdateRecord{
		Operation:       OpApply,
		DeploymentType:  "git",
		Status:          StatusSuccess,
		FromVersion:     "abc123",
		ToVersion:       "def456",
		StartedAt:       completed.Add(-30 * time.Second),
		CompletedAt:     &completed,
		DurationSeconds: 30,
	})
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if id == 0 {
		t.Error("Record() should return a row ID")
	}

	latest, err := h.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() failed: %v", err)
	}
	if latest == nil {
		t.Fatal("Latest() returned nil for non-empty store")
	}
	if latest.Operation != OpApply || latest.Status != StatusSuccess {
		t.Errorf("Latest() = %+v", latest)
	}
	if latest.FromVersion != "abc123" || latest.ToVersion != "def456" {
		t.Errorf("Versions = %s -> %s", latest.FromVersion, latest.ToVersion)
	}
	if latest.CompletedAt == nil {
		t.Error("CompletedAt should round-trip")
	}
}

func TestLatest_EmptyStore(t *testing.T) {
	h := newTestHistory(t)

	latest, err := h.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() failed: %v", err)
	}
	if latest != nil {
		t.Errorf("Latest() = %+v, expected nil for empty store", latest)
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	for _, status := range []string{StatusNoUpdate, StatusFailed, StatusSuccess} {
		if _, err := h.Record(ctx, &UpdateRecord{
			Operation:      OpCheck,
			DeploymentType: "file_download",
			Status:         status,
		}); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	records, err := h.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(records))
	}
	if records[0].Status != StatusSuccess {
		t.Errorf("First record status = %s, expected most recent", records[0].Status)
	}
	if records[1].Status != StatusFailed {
		t.Errorf("Second record status = %s", records[1].Status)
	}
}

func TestRecord_DefaultsStartedAt(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if _, err := h.Record(ctx, &UpdateRecord{
		Operation:      OpRollback,
		DeploymentType: "git",
		Status:         StatusRolledBack,
	}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	latest, err := h.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() failed: %v", err)
	}
	if latest.StartedAt.IsZero() {
		t.Error("StartedAt should default to now")
	}
}
