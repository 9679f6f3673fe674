package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/wire"
)

type memberEvent struct {
	room, user, event string
}

type fakeRoomTracker struct {
	mu     sync.Mutex
	events []memberEvent
}

func (f *fakeRoomTracker) RoomMemberUpdate(ctx context.Context, room, username, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, memberEvent{room, username, event})
	return nil
}

func (f *fakeRoomTracker) snapshot() []memberEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memberEvent(nil), f.events...)
}

func containsEvent(events []memberEvent, want memberEvent) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

func newHostFixture(t *testing.T) (*Host, *fakeRoomTracker) {
	t.Helper()
	tracker := &fakeRoomTracker{}
	h := NewHost(filepath.Join(t.TempDir(), GroupLogDir), tracker, zap.NewNop())
	if err := h.Open("general"); err != nil {
		t.Fatal(err)
	}
	return h, tracker
}

// startMember runs Accept the way the peer endpoint would: in its own
// goroutine, closing the connection when the session ends.
func startMember(h *Host, conn net.Conn, room, user string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		h.Accept(context.Background(), conn, wire.JoinRoomRequest{
			Action:   wire.ActionJoinRoom,
			RoomName: room,
			Username: user,
		})
	}()
	return done
}

func TestOpenValidatesName(t *testing.T) {
	h, _ := newHostFixture(t)
	if err := h.Open("../escape"); err == nil {
		t.Error("traversal room name accepted")
	}
	if err := h.Open("general"); err == nil {
		t.Error("double Open accepted")
	}
	if !h.Hosting("general") {
		t.Error("fixture room not hosted")
	}
}

func TestAcceptUnknownRoom(t *testing.T) {
	h, tracker := newHostFixture(t)
	host, client := net.Pipe()
	done := startMember(h, host, "nowhere", "alice")

	if data, err := io.ReadAll(client); err != nil || len(data) != 0 {
		t.Errorf("got %d bytes, %v; want silent close", len(data), err)
	}
	<-done
	if len(tracker.snapshot()) != 0 {
		t.Error("unknown room emitted a member update")
	}
}

func TestMemberMessageFlow(t *testing.T) {
	h, tracker := newHostFixture(t)

	aliceHost, alice := net.Pipe()
	doneAlice := startMember(h, aliceHost, "general", "alice")
	waitFor(t, "alice join", func() bool {
		return containsEvent(tracker.snapshot(), memberEvent{"general", "alice", "join"})
	})

	bobHost, bob := net.Pipe()
	defer bob.Close()
	startMember(h, bobHost, "general", "bob")
	waitFor(t, "bob join", func() bool {
		return containsEvent(tracker.snapshot(), memberEvent{"general", "bob", "join"})
	})

	fmt.Fprintln(alice, "hello room")

	bobLines := bufio.NewScanner(bob)
	if !bobLines.Scan() {
		t.Fatal("bob never received the broadcast")
	}
	line := bobLines.Text()
	shape := regexp.MustCompile(`^\[general\]\[\d{2}:\d{2}:\d{2}\] \[alice\] hello room$`)
	if !shape.MatchString(line) {
		t.Errorf("broadcast line = %q", line)
	}

	// The sender gets no echo of its own message.
	alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := alice.Read(buf); err == nil {
		t.Errorf("sender received its own broadcast (%d bytes)", n)
	}

	data, err := os.ReadFile(filepath.Join(h.logDir, "general.log"))
	if err != nil {
		t.Fatalf("room log: %v", err)
	}
	if !strings.Contains(string(data), "[alice] hello room") {
		t.Errorf("room log = %q", data)
	}

	alice.Close()
	<-doneAlice
	waitFor(t, "alice leave", func() bool {
		return containsEvent(tracker.snapshot(), memberEvent{"general", "alice", "leave"})
	})
}

func TestReplayHistory(t *testing.T) {
	h, _ := newHostFixture(t)
	h.appendLog("general", "[general][10:00:00] [alice] first")
	h.appendLog("general", "[general][10:00:01] [bob] second")

	host, client := net.Pipe()
	done := startMember(h, host, "general", "carol")

	sc := bufio.NewScanner(client)
	var got []string
	for i := 0; i < 2 && sc.Scan(); i++ {
		got = append(got, sc.Text())
	}
	if len(got) != 2 || !strings.HasSuffix(got[0], "[alice] first") || !strings.HasSuffix(got[1], "[bob] second") {
		t.Errorf("replayed history = %q", got)
	}

	client.Close()
	<-done
}

func TestBanLifecycle(t *testing.T) {
	h, tracker := newHostFixture(t)

	modHost, mod := net.Pipe()
	defer mod.Close()
	startMember(h, modHost, "general", "mod")
	modOut := &syncBuffer{}
	go io.Copy(modOut, mod)

	bobHost, bob := net.Pipe()
	doneBob := startMember(h, bobHost, "general", "bob")
	bobOut := &syncBuffer{}
	go io.Copy(bobOut, bob)

	waitFor(t, "both joins", func() bool {
		events := tracker.snapshot()
		return containsEvent(events, memberEvent{"general", "mod", "join"}) &&
			containsEvent(events, memberEvent{"general", "bob", "join"})
	})

	if err := h.Ban(context.Background(), "general", "bob"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	<-doneBob

	if !strings.Contains(bobOut.String(), "you have been removed by the moderator") {
		t.Errorf("bob saw %q", bobOut.String())
	}
	waitFor(t, "expulsion broadcast", func() bool {
		return strings.Contains(modOut.String(), "bob was banned from the room")
	})

	events := tracker.snapshot()
	if !containsEvent(events, memberEvent{"general", "bob", "leave"}) {
		t.Error("ban never reported bob's leave")
	}
	if len(events) != 3 {
		t.Errorf("got %d member events, want 3 (the ban must not double-report)", len(events))
	}

	// A banned user is refused on rejoin, with no join reported.
	bob2Host, bob2 := net.Pipe()
	done2 := startMember(h, bob2Host, "general", "bob")
	sc := bufio.NewScanner(bob2)
	if !sc.Scan() || sc.Text() != "you are banned from this room" {
		t.Errorf("rejoin got %q", sc.Text())
	}
	<-done2
	if len(tracker.snapshot()) != 3 {
		t.Error("refused rejoin emitted a member update")
	}

	if err := h.Ban(context.Background(), "nowhere", "bob"); err == nil {
		t.Error("ban on unknown room accepted")
	}
	if err := h.Ban(context.Background(), "general", "ghost"); err == nil {
		t.Error("ban on absent member accepted")
	}
}

func TestCloseDisconnectsMembers(t *testing.T) {
	h, tracker := newHostFixture(t)

	aliceHost, alice := net.Pipe()
	done := startMember(h, aliceHost, "general", "alice")
	waitFor(t, "alice join", func() bool {
		return len(tracker.snapshot()) == 1
	})

	h.Close("general")

	buf := make([]byte, 1)
	if _, err := alice.Read(buf); err != io.EOF {
		t.Errorf("member read after Close: %v, want EOF", err)
	}
	<-done

	// The tracker cleared the member list on delete_room, so Close
	// reports nothing.
	if got := len(tracker.snapshot()); got != 1 {
		t.Errorf("got %d member events after Close, want 1", got)
	}
	if h.Hosting("general") {
		t.Error("room still hosted after Close")
	}
}

func TestJoinModeratorCanBan(t *testing.T) {
	h, tracker := newHostFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Minimal join_room endpoint in front of the host.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				raw, err := wire.ReadMessage(conn)
				if err != nil {
					return
				}
				var req wire.JoinRoomRequest
				if err := wire.Decode(raw, &req); err != nil {
					return
				}
				h.Accept(context.Background(), conn, req)
			}(conn)
		}
	}()

	// bob joins as a plain member over TCP.
	bob, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()
	if err := wire.WriteMessage(bob, wire.JoinRoomRequest{
		Action: wire.ActionJoinRoom, RoomName: "general", Username: "bob",
	}); err != nil {
		t.Fatal(err)
	}
	bobOut := &syncBuffer{}
	go io.Copy(bobOut, bob)
	waitFor(t, "bob join", func() bool {
		return containsEvent(tracker.snapshot(), memberEvent{"general", "bob", "join"})
	})

	// The moderator joins their own room through Join, over loopback.
	in := newScriptReader()
	modOut := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Join(context.Background(), JoinConfig{
			Addr:     ln.Addr().String(),
			RoomName: "general",
			Username: "mod",
			Host:     h,
			In:       in,
			Out:      modOut,
		})
	}()
	waitFor(t, "mod join", func() bool {
		return containsEvent(tracker.snapshot(), memberEvent{"general", "mod", "join"})
	})

	in.lines <- BanCommand + " bob\n"
	waitFor(t, "ban notice", func() bool {
		return strings.Contains(bobOut.String(), "you have been removed by the moderator")
	})
	waitFor(t, "expulsion broadcast", func() bool {
		return strings.Contains(modOut.String(), "bob was banned from the room")
	})
	if !containsEvent(tracker.snapshot(), memberEvent{"general", "bob", "leave"}) {
		t.Error("ban never reported bob's leave")
	}

	in.lines <- QuitCommand + "\n"
	if err := <-done; err != nil {
		t.Fatalf("Join: %v", err)
	}
}
