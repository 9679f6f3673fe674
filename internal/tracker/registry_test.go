package tracker

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/persist"
	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T, clk *fakeClock) *Registry {
	t.Helper()
	cfg := RegistryConfig{}
	if clk != nil {
		cfg.Clock = clk.now
	}
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func mustRegister(t *testing.T, r *Registry, username, password string) {
	t.Helper()
	if err := r.Register(username, password); err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
}

func mustLogin(t *testing.T, r *Registry, username, password string, key PeerKey) {
	t.Helper()
	if err := r.Login(username, password, key); err != nil {
		t.Fatalf("Login(%s): %v", username, err)
	}
}

// metaFor builds announce metadata whose chunk hash list matches size.
func metaFor(size int64, hash string) wire.FileMeta {
	n := int((size + (1 << 20) - 1) / (1 << 20))
	hashes := make([]string, n)
	for i := range hashes {
		hashes[i] = fmt.Sprintf("%s-chunk%d", hash, i)
	}
	return wire.FileMeta{Size: size, Hash: hash, ChunkHashes: hashes}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t, nil)

	mustRegister(t, r, "alice", "s3cret")
	if err := r.Register("alice", "other"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("second Register = %v, want ErrUsernameTaken", err)
	}
}

func TestRegisterRequiresCredentials(t *testing.T) {
	r := newTestRegistry(t, nil)

	if err := r.Register("", "pw"); err == nil {
		t.Error("empty username accepted")
	}
	if err := r.Register("bob", ""); err == nil {
		t.Error("empty password accepted")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "s3cret")
	key := PeerKey{IP: "10.0.0.1", Port: 6001}

	if err := r.Login("ghost", "s3cret", key); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown user login = %v, want ErrUnknownUser", err)
	}
	if err := r.Login("alice", "wrong", key); !errors.Is(err, ErrBadPassword) {
		t.Errorf("wrong password login = %v, want ErrBadPassword", err)
	}
	mustLogin(t, r, "alice", "s3cret", key)
}

func TestLoginReplacesPreviousSession(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	mustRegister(t, r, "bob", "pw")

	oldKey := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", oldKey)
	if _, err := r.Announce("alice", oldKey, map[string]wire.FileMeta{
		"iso": metaFor(1<<20, "h1"),
	}); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	newKey := PeerKey{IP: "10.0.0.1", Port: 6002}
	mustLogin(t, r, "alice", "pw", newKey)

	peers := r.ActivePeers("bob")
	if len(peers) != 1 || peers[0].Address != newKey.Address() {
		t.Fatalf("ActivePeers = %+v, want single session at %s", peers, newKey.Address())
	}

	// The stale endpoint must not survive as a file source.
	entry := r.ListFiles()["iso"]
	if len(entry.Peers) != 0 {
		t.Errorf("old session still listed as source: %+v", entry.Peers)
	}
}

func TestLogoutCreditsWholeSeconds(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(t, clk)
	mustRegister(t, r, "alice", "pw")

	key := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", key)
	clk.advance(125*time.Second + 700*time.Millisecond)

	if err := r.Logout("alice", key); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	// 125 whole seconds at 0.01 each; the fraction is dropped.
	score, tier := r.PeerScore("alice")
	if score != 1.25 {
		t.Errorf("score = %v, want 1.25", score)
	}
	if tier != reputation.TierBronze {
		t.Errorf("tier = %v, want bronze", tier)
	}
}

func TestLogoutRequiresMatchingSession(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	mustRegister(t, r, "bob", "pw")
	key := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", key)

	if err := r.Logout("alice", PeerKey{IP: "10.0.0.1", Port: 7000}); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("logout at unused key = %v, want ErrNotLoggedIn", err)
	}
	if err := r.Logout("bob", key); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("logout under wrong name = %v, want ErrNotAuthorized", err)
	}
}

func TestLogoutKeepsFileRecord(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	key := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", key)

	if _, err := r.Announce("alice", key, map[string]wire.FileMeta{
		"iso": metaFor(3<<20, "h1"),
	}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := r.Logout("alice", key); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	entry, ok := r.ListFiles()["iso"]
	if !ok {
		t.Fatal("file record vanished with its last source")
	}
	if len(entry.Peers) != 0 {
		t.Errorf("logged-out peer still listed: %+v", entry.Peers)
	}
	if entry.Hash != "h1" || entry.Size != 3<<20 {
		t.Errorf("metadata lost: %+v", entry)
	}
}

func TestAnnounceRequiresLogin(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")

	_, err := r.Announce("alice", PeerKey{IP: "10.0.0.1", Port: 6001}, map[string]wire.FileMeta{
		"iso": metaFor(1<<20, "h1"),
	})
	if !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Announce without session = %v, want ErrNotLoggedIn", err)
	}
}

func TestAnnounceSkipsBadEntries(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	key := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", key)

	short := metaFor(2<<20, "h2")
	short.ChunkHashes = short.ChunkHashes[:1]

	accepted, err := r.Announce("alice", key, map[string]wire.FileMeta{
		"good.iso":  metaFor(1<<20+512, "h1"),
		"../escape": metaFor(1<<20, "h3"),
		"short.iso": short,
		"":          metaFor(1<<20, "h4"),
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}

	files := r.ListFiles()
	if _, ok := files["good.iso"]; !ok {
		t.Error("valid entry missing from catalog")
	}
	if len(files) != 1 {
		t.Errorf("catalog = %v, want only good.iso", files)
	}
}

func TestAnnounceFirstWriterWinsMetadata(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	mustRegister(t, r, "bob", "pw")
	aliceKey := PeerKey{IP: "10.0.0.1", Port: 6001}
	bobKey := PeerKey{IP: "10.0.0.2", Port: 6001}
	mustLogin(t, r, "alice", "pw", aliceKey)
	mustLogin(t, r, "bob", "pw", bobKey)

	if _, err := r.Announce("alice", aliceKey, map[string]wire.FileMeta{
		"iso": metaFor(2<<20, "alice-hash"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce("bob", bobKey, map[string]wire.FileMeta{
		"iso": metaFor(5<<20, "bob-hash"),
	}); err != nil {
		t.Fatal(err)
	}

	entry := r.ListFiles()["iso"]
	if entry.Hash != "alice-hash" || entry.Size != 2<<20 {
		t.Errorf("metadata overwritten by later announce: %+v", entry)
	}
	if len(entry.Peers) != 2 {
		t.Errorf("peers = %+v, want both sources", entry.Peers)
	}
}

func TestListFilesOrdersPeersByScore(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	mustRegister(t, r, "bob", "pw")
	aliceKey := PeerKey{IP: "10.0.0.1", Port: 6001}
	bobKey := PeerKey{IP: "10.0.0.2", Port: 6001}
	mustLogin(t, r, "alice", "pw", aliceKey)
	mustLogin(t, r, "bob", "pw", bobKey)

	meta := metaFor(1<<20, "h1")
	if _, err := r.Announce("alice", aliceKey, map[string]wire.FileMeta{"iso": meta}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce("bob", bobKey, map[string]wire.FileMeta{"iso": meta}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 12; i++ {
		if err := r.ReportUpload("bob", bobKey); err != nil {
			t.Fatal(err)
		}
	}

	peers := r.ListFiles()["iso"].Peers
	if len(peers) != 2 {
		t.Fatalf("peers = %+v", peers)
	}
	if peers[0].Peer != bobKey.Address() {
		t.Errorf("best peer = %s, want %s first", peers[0].Peer, bobKey.Address())
	}
	if peers[0].Score != 12 || peers[0].Tier != reputation.TierPrata {
		t.Errorf("peer annotation = %+v", peers[0])
	}
}

func TestReportUploadAuthorization(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	mustRegister(t, r, "bob", "pw")
	key := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", key)

	if err := r.ReportUpload("alice", PeerKey{IP: "10.0.0.9", Port: 6001}); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("report from unknown endpoint = %v, want ErrNotLoggedIn", err)
	}
	if err := r.ReportUpload("bob", key); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("report crediting another user = %v, want ErrNotAuthorized", err)
	}
}

func TestPeerScoreDefaults(t *testing.T) {
	r := newTestRegistry(t, nil)

	score, tier := r.PeerScore("nobody")
	if score != 0 || tier != reputation.TierBronze {
		t.Errorf("unknown user = (%v, %v), want (0, bronze)", score, tier)
	}
}

func TestActivePeersExcludesCaller(t *testing.T) {
	r := newTestRegistry(t, nil)
	for _, name := range []string{"alice", "bob", "carol"} {
		mustRegister(t, r, name, "pw")
	}
	mustLogin(t, r, "carol", "pw", PeerKey{IP: "10.0.0.3", Port: 6001})
	mustLogin(t, r, "alice", "pw", PeerKey{IP: "10.0.0.1", Port: 6001})
	mustLogin(t, r, "bob", "pw", PeerKey{IP: "10.0.0.2", Port: 6001})

	peers := r.ActivePeers("bob")
	if len(peers) != 2 {
		t.Fatalf("peers = %+v, want 2", peers)
	}
	if peers[0].Username != "alice" || peers[1].Username != "carol" {
		t.Errorf("order = [%s %s], want [alice carol]", peers[0].Username, peers[1].Username)
	}
}

func TestScoresRankedBestFirst(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "alice", "pw")
	mustRegister(t, r, "bob", "pw")
	key := PeerKey{IP: "10.0.0.2", Port: 6001}
	mustLogin(t, r, "bob", "pw", key)
	for i := 0; i < 3; i++ {
		if err := r.ReportUpload("bob", key); err != nil {
			t.Fatal(err)
		}
	}

	ranked := r.Scores()
	if len(ranked) != 2 {
		t.Fatalf("ranked = %+v", ranked)
	}
	if ranked[0].Username != "bob" || ranked[0].Stats.Score != 3 {
		t.Errorf("top entry = %+v, want bob at 3", ranked[0])
	}
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}

	store := persist.NewStore(statePath, "", nil)
	r, err := NewRegistry(RegistryConfig{Store: store, Clock: clk.now})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	mustRegister(t, r, "alice", "pw")
	key := PeerKey{IP: "10.0.0.1", Port: 6001}
	mustLogin(t, r, "alice", "pw", key)
	if err := r.ReportUpload("alice", key); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateRoom("general", "alice", key); err != nil {
		t.Fatal(err)
	}
	clk.advance(200 * time.Second)
	if err := r.Logout("alice", key); err != nil {
		t.Fatal(err)
	}

	// Fresh process, same state file.
	r2, err := NewRegistry(RegistryConfig{Store: persist.NewStore(statePath, "", nil)})
	if err != nil {
		t.Fatalf("NewRegistry after restart: %v", err)
	}

	if err := r2.Login("alice", "pw", key); err != nil {
		t.Errorf("account lost across restart: %v", err)
	}
	score, _ := r2.PeerScore("alice")
	if score != 3 {
		t.Errorf("score = %v, want 3 (1 upload + 200s uptime)", score)
	}
	if rooms := r2.Rooms(); len(rooms) != 0 {
		t.Errorf("rooms restored live = %v, want all retired", rooms)
	}
	// Retired names stay taken.
	if err := r2.CreateRoom("general", "alice", key); !errors.Is(err, ErrRoomExists) {
		t.Errorf("recreate retired room = %v, want ErrRoomExists", err)
	}

	// Sessions and the catalog never survive a restart.
	if peers := r2.ActivePeers(""); len(peers) != 0 {
		t.Errorf("sessions restored = %+v", peers)
	}
	if files := r2.ListFiles(); len(files) != 0 {
		t.Errorf("catalog restored = %+v", files)
	}
}

func TestConcurrentRegistryMutations(t *testing.T) {
	r := newTestRegistry(t, nil)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			name := fmt.Sprintf("user%d", g)
			if err := r.Register(name, "pw"); err != nil {
				t.Errorf("Register(%s): %v", name, err)
				return
			}
			key := PeerKey{IP: fmt.Sprintf("10.0.0.%d", g+1), Port: 6001}
			if err := r.Login(name, "pw", key); err != nil {
				t.Errorf("Login(%s): %v", name, err)
				return
			}
			for i := 0; i < 20; i++ {
				if _, err := r.Announce(name, key, map[string]wire.FileMeta{
					fmt.Sprintf("file%d", g): metaFor(1<<20, "h"),
				}); err != nil {
					t.Errorf("Announce(%s): %v", name, err)
					return
				}
				if err := r.ReportUpload(name, key); err != nil {
					t.Errorf("ReportUpload(%s): %v", name, err)
					return
				}
				r.ListFiles()
				r.Scores()
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	ranked := r.Scores()
	if len(ranked) != 8 {
		t.Fatalf("got %d score rows, want 8", len(ranked))
	}
	for _, row := range ranked {
		if row.Stats.Uploads != 20 {
			t.Errorf("%s uploads = %d, want 20", row.Username, row.Stats.Uploads)
		}
	}
}
