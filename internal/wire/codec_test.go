package wire

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// drip yields one byte per Read call, simulating a peer whose message
// arrives fragmented across many TCP segments.
type drip struct {
	data []byte
	pos  int
}

func (d *drip) Read(p []byte) (int, error) {
	if d.pos >= len(d.data) {
		return 0, io.EOF
	}
	p[0] = d.data[d.pos]
	d.pos++
	return 1, nil
}

func TestReadMessage_FragmentedInput(t *testing.T) {
	// Payload longer than any single read; must still decode whole.
	filler := strings.Repeat("x", 8192)
	msg := `{"action":"announce","username":"` + filler + `"}`

	raw, err := ReadMessage(&drip{data: []byte(msg)})
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var req AnnounceRequest
	if err := Decode(raw, &req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Action != ActionAnnounce {
		t.Errorf("Action = %q", req.Action)
	}
	if req.Username != filler {
		t.Error("long field truncated in transit")
	}
}

func TestReadMessage_Garbage(t *testing.T) {
	if _, err := ReadMessage(strings.NewReader("not json at all")); err == nil {
		t.Error("expected error for non-JSON input")
	}
	if _, err := ReadMessage(strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestEnvelopeThenBodyDecode(t *testing.T) {
	msg := `{"action":"login","username":"alice","password":"s3cret","port":4040}`

	raw, err := ReadMessage(strings.NewReader(msg))
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := Decode(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Action != ActionLogin {
		t.Fatalf("envelope action = %q", env.Action)
	}

	var req LoginRequest
	if err := Decode(raw, &req); err != nil {
		t.Fatal(err)
	}
	if req.Username != "alice" || req.Password != "s3cret" || req.Port != 4040 {
		t.Errorf("body decode lost fields: %+v", req)
	}
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Refuse("file not found")); err != nil {
		t.Fatal(err)
	}

	want := `{"status":false,"message":"file not found"}`
	if buf.String() != want {
		t.Errorf("wrote %s, want %s", buf.String(), want)
	}
}

func TestStatusReplyHelpers(t *testing.T) {
	if r := OK(); !r.Status || r.Message != "" || r.Error != "" {
		t.Errorf("OK() = %+v", r)
	}
	if r := OKMessage("done"); !r.Status || r.Message != "done" {
		t.Errorf("OKMessage = %+v", r)
	}
	if r := Refuse("no"); r.Status || r.Message != "no" {
		t.Errorf("Refuse = %+v", r)
	}
	if r := Crash("boom"); r.Status || r.Error != "boom" {
		t.Errorf("Crash = %+v", r)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		raw, err := ReadMessage(conn)
		if err != nil {
			return
		}
		var req GetPeerScoreRequest
		if Decode(raw, &req) != nil {
			return
		}
		_ = WriteMessage(conn, PeerScoreReply{Status: true, Score: 12.5, Tier: "prata"})
	}()

	var reply PeerScoreReply
	err = Call(context.Background(), ln.Addr().String(), GetPeerScoreRequest{
		Action:         ActionGetPeerScore,
		TargetUsername: "alice",
	}, &reply)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if !reply.Status || reply.Score != 12.5 || reply.Tier != "prata" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestCall_DeadDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// A listener we immediately close: dial must fail, not hang.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var reply StatusReply
	if err := Call(ctx, addr, Envelope{Action: ActionListFiles}, &reply); err == nil {
		t.Error("expected error calling closed listener")
	}
}

func TestSend_FireAndForget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan RoomMemberUpdateRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		raw, err := ReadMessage(conn)
		if err != nil {
			return
		}
		var req RoomMemberUpdateRequest
		if Decode(raw, &req) == nil {
			received <- req
		}
	}()

	err = Send(context.Background(), ln.Addr().String(), RoomMemberUpdateRequest{
		Action:   ActionRoomMemberUpdate,
		RoomName: "sala",
		Username: "bob",
		Event:    RoomEventJoin,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case req := <-received:
		if req.RoomName != "sala" || req.Event != RoomEventJoin {
			t.Errorf("received %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
}
