package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal failed: %v", err)
	}
	return j
}

func TestRoomLifecycleIsRecorded(t *testing.T) {
	j := openTestJournal(t)
	opened := time.Unix(1_700_000_000, 0).UTC()

	if err := j.RoomOpened("room-1", "Standup", opened); err != nil {
		t.Fatalf("room opened failed: %v", err)
	}
	if err := j.RoomClosed("room-1", 4, opened.Add(30*time.Minute)); err != nil {
		t.Fatalf("room closed failed: %v", err)
	}

	entries, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.RoomID != "room-1" || e.Name != "Standup" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.ClosedAt == nil || !e.ClosedAt.After(e.OpenedAt) {
		t.Fatalf("entry should be closed after it opened: %+v", e)
	}
	if e.PeakMembers != 4 {
		t.Fatalf("expected peak of 4, got %d", e.PeakMembers)
	}
}

func TestRoomClosedFinalizesLatestOpenEntry(t *testing.T) {
	j := openTestJournal(t)
	base := time.Unix(1_700_100_000, 0).UTC()

	// The same room id can live twice; only the open entry is finalized.
	if err := j.RoomOpened("room-1", "First", base); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := j.RoomClosed("room-1", 2, base.Add(time.Minute)); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := j.RoomOpened("room-1", "Second", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if err := j.RoomClosed("room-1", 7, base.Add(3*time.Minute)); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	entries, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Name != "Second" || entries[0].PeakMembers != 7 {
		t.Fatalf("unexpected newest entry: %+v", entries[0])
	}
	if entries[1].Name != "First" || entries[1].PeakMembers != 2 {
		t.Fatalf("unexpected oldest entry: %+v", entries[1])
	}
}

func TestRoomClosedWithoutOpenEntryErrors(t *testing.T) {
	j := openTestJournal(t)
	if err := j.RoomClosed("missing", 1, time.Now()); err == nil {
		t.Fatalf("expected an error for an unknown room")
	}
}
