package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLog(t *testing.T, maxEvents int) *EventLog {
	t.Helper()
	dir, err := os.MkdirTemp("", "aurad-storage-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	log, err := NewEventLog(filepath.Join(dir, "events.db"), maxEvents)
	if err != nil {
		t.Fatalf("Failed to create event log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAndRecent(t *testing.T) {
	log := testLog(t, 100)

	if err := log.Append(EventXrun, "hw:0,0", -1, 0, "capture overrun"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := log.Append(EventSurface, "", 2, 513, "fader moved"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := log.Append(EventXrun, "hw:0,0", -1, 0, "playback underrun"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	t.Run("All Events", func(t *testing.T) {
		events, err := log.Recent("", 10)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
	})

	t.Run("Filtered By Category", func(t *testing.T) {
		events, err := log.Recent(EventXrun, 10)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 xrun events, got %d", len(events))
		}
		for _, e := range events {
			if e.Category != EventXrun {
				t.Errorf("unexpected category %s", e.Category)
			}
			if e.Device != "hw:0,0" {
				t.Errorf("unexpected device %s", e.Device)
			}
		}
	})

	t.Run("Counts", func(t *testing.T) {
		counts, err := log.CountByCategory()
		if err != nil {
			t.Fatalf("CountByCategory failed: %v", err)
		}
		if counts[EventXrun] != 2 || counts[EventSurface] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})
}

func TestRetention(t *testing.T) {
	log := testLog(t, 5)

	for i := 0; i < 12; i++ {
		if err := log.Append(EventMeter, "mock-0", 0, float64(i), ""); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	events, err := log.Recent("", 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected retention cap of 5, got %d", len(events))
	}
}

func TestCleanup(t *testing.T) {
	log := testLog(t, 0)

	if err := log.Append(EventLifecycle, "", -1, 0, "started"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	n, err := log.Cleanup(time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh events must survive cleanup, deleted %d", n)
	}

	n, err = log.Cleanup(-time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted event, got %d", n)
	}
}
