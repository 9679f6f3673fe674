package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestJSONWriter_RequiresPath(t *testing.T) {
	if _, err := NewJSONWriter(JSONWriterConfig{}); err == nil {
		t.Error("empty path should be rejected")
	}
}

func TestJSONWriter_WritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "tracker.log")
	w, err := NewJSONWriter(JSONWriterConfig{Path: path})
	if err != nil {
		t.Fatalf("NewJSONWriter: %v", err)
	}

	w.Log(NewUserRegisteredEvent("alice"))
	w.Log(NewPeerLoginEvent("alice", "127.0.0.1:7001"))
	w.Log(NewPeerLogoutEvent("alice", "127.0.0.1:7001", 120, 1.2))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	if events[0].EventType != EventUserRegistered || events[0].Username != "alice" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].EventType != EventPeerLogin || events[1].Address != "127.0.0.1:7001" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].UptimeSeconds != 120 || events[2].Score != 1.2 {
		t.Errorf("event 2 = %+v", events[2])
	}
	if events[2].Timestamp.IsZero() {
		t.Error("event timestamp missing")
	}
}

func TestJSONWriter_OmitsEmptyFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")
	w, err := NewJSONWriter(JSONWriterConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	w.Log(NewSnapshotFailedEvent("disk full"))
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if strings.Contains(line, "username") || strings.Contains(line, "room") {
		t.Errorf("empty fields serialized: %s", line)
	}
	if !strings.Contains(line, `"error":"disk full"`) {
		t.Errorf("error field missing: %s", line)
	}
}

func TestJSONWriter_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")

	w1, err := NewJSONWriter(JSONWriterConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	w1.Log(NewUserRegisteredEvent("alice"))
	w1.Close()

	w2, err := NewJSONWriter(JSONWriterConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	w2.Log(NewUserRegisteredEvent("bob"))
	w2.Close()

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Username != "alice" || events[1].Username != "bob" {
		t.Errorf("events = %+v", events)
	}
}

func TestJSONWriter_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")
	w, err := NewJSONWriter(JSONWriterConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}

	// Force the size over the 1MB threshold, then log once more to
	// trigger rotation.
	w.mu.Lock()
	w.written = w.maxBytes
	w.mu.Unlock()

	w.Log(NewUserRegisteredEvent("carol"))
	w.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 1 || events[0].Username != "carol" {
		t.Errorf("fresh log events = %+v", events)
	}
}

func TestJSONWriter_ConcurrentLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")
	w, err := NewJSONWriter(JSONWriterConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Log(NewUploadReportedEvent("dave", int64(j), float64(j)))
			}
		}()
	}
	wg.Wait()
	w.Close()

	events := readEvents(t, path)
	if len(events) != 400 {
		t.Errorf("got %d events, want 400", len(events))
	}
}

func TestJSONWriter_LogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")
	w, err := NewJSONWriter(JSONWriterConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	// Must not panic.
	w.Log(NewUserRegisteredEvent("late"))
}

func TestNoopLogger(t *testing.T) {
	var l Logger = &NoopLogger{}
	l.Log(NewUserRegisteredEvent("ghost"))
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestEventConstructors(t *testing.T) {
	ev := NewRequestRejectedEvent("delete_room", "mallory", "10.0.0.9:7001", "not the moderator")
	if ev.EventType != EventRequestRejected {
		t.Errorf("EventType = %s", ev.EventType)
	}
	if ev.Action != "delete_room" || ev.Reason != "not the moderator" {
		t.Errorf("event = %+v", ev)
	}

	ev = NewFilesAnnouncedEvent("alice", "127.0.0.1:7001", 3)
	if ev.FileCount != 3 {
		t.Errorf("FileCount = %d, want 3", ev.FileCount)
	}

	ev = NewRoomCreatedEvent("gophers", "alice", "127.0.0.1:7001")
	if ev.Room != "gophers" || ev.Username != "alice" {
		t.Errorf("event = %+v", ev)
	}
}
