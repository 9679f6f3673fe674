package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/wire"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	reg, err := NewRegistry(RegistryConfig{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, Registry: reg})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv.Addr()
}

func call(t *testing.T, addr string, req, reply any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wire.Call(ctx, addr, req, reply); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestServerShareAndLogoutFlow(t *testing.T) {
	addr := startTestServer(t)

	var status wire.StatusReply
	call(t, addr, wire.RegisterRequest{
		Action: wire.ActionRegister, Username: "alice", Password: "pw",
	}, &status)
	if !status.Status {
		t.Fatalf("register refused: %+v", status)
	}

	call(t, addr, wire.LoginRequest{
		Action: wire.ActionLogin, Username: "alice", Password: "pw", Port: 7001,
	}, &status)
	if !status.Status {
		t.Fatalf("login refused: %+v", status)
	}

	call(t, addr, wire.AnnounceRequest{
		Action:   wire.ActionAnnounce,
		Username: "alice",
		Port:     7001,
		Files: map[string]wire.FileMeta{
			"debian.iso": {Size: 1 << 20, Hash: "fh", ChunkHashes: []string{"c0"}},
		},
	}, &status)
	if !status.Status {
		t.Fatalf("announce refused: %+v", status)
	}

	var files wire.ListFilesReply
	call(t, addr, wire.ListFilesRequest{Action: wire.ActionListFiles}, &files)
	entry, ok := files.Files["debian.iso"]
	if !ok {
		t.Fatalf("catalog = %+v, want debian.iso", files.Files)
	}
	if len(entry.Peers) != 1 || entry.Peers[0].Peer != "127.0.0.1:7001" {
		t.Fatalf("sources = %+v, want alice's endpoint", entry.Peers)
	}

	call(t, addr, wire.LogoutRequest{
		Action: wire.ActionLogout, Username: "alice", Port: 7001,
	}, &status)
	if !status.Status {
		t.Fatalf("logout refused: %+v", status)
	}

	call(t, addr, wire.ListFilesRequest{Action: wire.ActionListFiles}, &files)
	if peers := files.Files["debian.iso"].Peers; len(peers) != 0 {
		t.Errorf("sources after logout = %+v, want none", peers)
	}
}

func TestServerRefusesBeforeRegistration(t *testing.T) {
	addr := startTestServer(t)

	var status wire.StatusReply
	call(t, addr, wire.LoginRequest{
		Action: wire.ActionLogin, Username: "ghost", Password: "pw", Port: 7001,
	}, &status)
	if status.Status {
		t.Error("login without account accepted")
	}
	if status.Message == "" {
		t.Error("refusal carries no message")
	}
}

func TestServerUnknownAction(t *testing.T) {
	addr := startTestServer(t)

	var status wire.StatusReply
	call(t, addr, map[string]any{"action": "frobnicate"}, &status)
	if status.Status || status.Message != "unknown action" {
		t.Errorf("reply = %+v, want refusal with unknown action", status)
	}
}

func TestServerMalformedBody(t *testing.T) {
	addr := startTestServer(t)

	// Port as a string must take the error reply path, not kill the server.
	var status wire.StatusReply
	call(t, addr, map[string]any{
		"action": "login", "username": "alice", "password": "pw", "port": "seven",
	}, &status)
	if status.Status || status.Error == "" {
		t.Errorf("reply = %+v, want status false with error detail", status)
	}

	// Server is still alive.
	call(t, addr, wire.RegisterRequest{
		Action: wire.ActionRegister, Username: "alice", Password: "pw",
	}, &status)
	if !status.Status {
		t.Errorf("register after malformed request refused: %+v", status)
	}
}

func TestServerListFilesReplyHasNoStatus(t *testing.T) {
	addr := startTestServer(t)

	var m map[string]any
	call(t, addr, wire.ListFilesRequest{Action: wire.ActionListFiles}, &m)
	if _, ok := m["status"]; ok {
		t.Errorf("list_files reply carries status: %v", m)
	}
	if _, ok := m["files"]; !ok {
		t.Errorf("list_files reply missing files: %v", m)
	}
}

func TestServerScoresArePairArrays(t *testing.T) {
	addr := startTestServer(t)

	var status wire.StatusReply
	call(t, addr, wire.RegisterRequest{
		Action: wire.ActionRegister, Username: "alice", Password: "pw",
	}, &status)

	var m map[string]any
	call(t, addr, wire.GetScoresRequest{Action: wire.ActionGetScores}, &m)
	scores, ok := m["scores"].([]any)
	if !ok || len(scores) != 1 {
		t.Fatalf("scores = %v, want one entry", m["scores"])
	}
	pair, ok := scores[0].([]any)
	if !ok || len(pair) != 2 {
		t.Fatalf("entry = %v, want [username, stats] pair", scores[0])
	}
	if pair[0] != "alice" {
		t.Errorf("entry username = %v, want alice", pair[0])
	}
}

func TestServerActivePeersExcludesCaller(t *testing.T) {
	addr := startTestServer(t)

	var status wire.StatusReply
	for _, name := range []string{"alice", "bob"} {
		call(t, addr, wire.RegisterRequest{
			Action: wire.ActionRegister, Username: name, Password: "pw",
		}, &status)
	}
	call(t, addr, wire.LoginRequest{
		Action: wire.ActionLogin, Username: "alice", Password: "pw", Port: 7001,
	}, &status)
	call(t, addr, wire.LoginRequest{
		Action: wire.ActionLogin, Username: "bob", Password: "pw", Port: 7002,
	}, &status)

	var peers wire.ActivePeersReply
	call(t, addr, wire.GetActivePeersRequest{
		Action: wire.ActionGetActivePeers, Username: "alice", Port: 7001,
	}, &peers)
	if len(peers.Peers) != 1 || peers.Peers[0].Username != "bob" {
		t.Errorf("peers = %+v, want only bob", peers.Peers)
	}
	if peers.Peers[0].Address != "127.0.0.1:7002" {
		t.Errorf("peer address = %s", peers.Peers[0].Address)
	}
}

func TestServerStopUnblocksSilentClient(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, Registry: reg})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Connect and say nothing. The server has no read deadline of its
	// own, so only shutdown expiry can release the handler.
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung on a silent connection")
	}
}
