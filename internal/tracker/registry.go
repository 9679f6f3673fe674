// Package tracker implements the coordination service every peer talks
// to: the account and session registry, the shared file catalog, the
// reputation table, and the chat room directory, plus the TCP server
// that answers one JSON request per connection.
package tracker

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/audit"
	"github.com/chunkswarm/chunkswarm/internal/hashutil"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"github.com/chunkswarm/chunkswarm/internal/persist"
	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Refusal reasons sent back to peers verbatim.
var (
	ErrUsernameTaken = errors.New("username already registered")
	ErrUnknownUser   = errors.New("unknown user")
	ErrBadPassword   = errors.New("invalid password")
	ErrNotLoggedIn   = errors.New("peer is not logged in")
	ErrNotAuthorized = errors.New("not authorized")
	ErrRoomExists    = errors.New("room name already in use")
	ErrUnknownRoom   = errors.New("unknown room")
	ErrNotModerator  = errors.New("only the moderator may do that")
)

// PeerKey identifies a live peer endpoint: the IP the tracker saw on
// the login connection plus the serving port the peer stated.
type PeerKey struct {
	IP   string
	Port int
}

// Address formats the key as ip:port.
func (k PeerKey) Address() string {
	return net.JoinHostPort(k.IP, strconv.Itoa(k.Port))
}

// ActivePeer is one live session.
type ActivePeer struct {
	Username  string
	LoginTime time.Time
}

// FileRecord is one advertised file and the peers serving it. Metadata
// is first-writer-wins; later conflicting announces only add the peer.
type FileRecord struct {
	Size        int64
	FileHash    string
	ChunkHashes []string
	Peers       map[PeerKey]struct{}
}

// RegistryConfig wires the registry's dependencies. Store may be nil
// for an in-memory registry; the rest default when unset.
type RegistryConfig struct {
	Store   *persist.Store
	Logger  *zap.Logger
	Audit   audit.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Registry is the authoritative state of the swarm. One RWMutex covers
// all five indices; handlers take it for the mutation plus reply
// assembly, never across network writes. Mutations to users, scores, or
// rooms write the snapshot through to disk under the same lock, which
// also serializes the file writes.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]string
	scores map[string]*reputation.Stats
	rooms  map[string]*persist.RoomState
	active map[PeerKey]*ActivePeer
	files  map[string]*FileRecord

	store   *persist.Store
	logger  *zap.Logger
	auditor audit.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry builds a registry, restoring users, scores, and rooms
// from the store when one is configured. Sessions and the file catalog
// always start empty.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auditor := cfg.Audit
	if auditor == nil {
		auditor = &audit.NoopLogger{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	snap := persist.NewSnapshot()
	if cfg.Store != nil {
		loaded, err := cfg.Store.Load()
		if err != nil {
			return nil, err
		}
		snap = loaded
	}

	r := &Registry{
		users:   snap.Users,
		scores:  snap.Scores,
		rooms:   snap.Rooms,
		active:  make(map[PeerKey]*ActivePeer),
		files:   make(map[string]*FileRecord),
		store:   cfg.Store,
		logger:  logger,
		auditor: auditor,
		metrics: m,
		now:     clock,
	}

	m.RegisteredUsers.Set(int64(len(r.users)))
	m.ChatRooms.Set(int64(r.liveRoomCountLocked()))
	return r, nil
}

// persistLocked writes the snapshot through to disk. The caller holds
// the write lock. A failed write is logged and audited but does not
// fail the operation; memory stays authoritative.
func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	snap := &persist.Snapshot{Users: r.users, Scores: r.scores, Rooms: r.rooms}
	if err := r.store.Save(snap); err != nil {
		r.logger.Error("failed to persist tracker state", zap.Error(err))
		r.auditor.Log(audit.NewSnapshotFailedEvent(err.Error()))
		r.metrics.SnapshotErrors.Inc()
		return
	}
	r.metrics.SnapshotsTotal.Inc()
}

// ensureStatsLocked returns the user's score row, creating a zeroed one
// if this is the first time the user is seen. Reports whether a row was
// created so the caller knows a persist is due.
func (r *Registry) ensureStatsLocked(username string) (*reputation.Stats, bool) {
	if stats, ok := r.scores[username]; ok {
		return stats, false
	}
	stats := &reputation.Stats{}
	stats.Recompute()
	r.scores[username] = stats
	return stats, true
}

// Register creates a new account. The password is stored as its SHA-256
// hex digest; accounts are never deleted.
func (r *Registry) Register(username, password string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if password == "" {
		return fmt.Errorf("password is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		return ErrUsernameTaken
	}
	r.users[username] = hashutil.HashBytes([]byte(password))
	r.ensureStatsLocked(username)
	r.persistLocked()

	r.metrics.RegisteredUsers.Set(int64(len(r.users)))
	r.auditor.Log(audit.NewUserRegisteredEvent(username))
	return nil
}

// Login authenticates and records a session at key. A user holds at
// most one session: any previous one is discarded without uptime
// credit, and its key is scrubbed from the file catalog.
func (r *Registry) Login(username, password string, key PeerKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	storedHash, ok := r.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if hashutil.HashBytes([]byte(password)) != storedHash {
		return ErrBadPassword
	}

	for oldKey, ap := range r.active {
		if ap.Username == username {
			delete(r.active, oldKey)
			r.dropPeerFromFilesLocked(oldKey)
			break
		}
	}

	r.active[key] = &ActivePeer{Username: username, LoginTime: r.now()}
	if _, created := r.ensureStatsLocked(username); created {
		r.persistLocked()
	}

	r.metrics.ActivePeers.Set(int64(len(r.active)))
	r.auditor.Log(audit.NewPeerLoginEvent(username, key.Address()))
	return nil
}

// Logout ends the session at key, credits the whole seconds it lasted
// to the user's score, and removes the peer from every file record.
func (r *Registry) Logout(username string, key PeerKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ap, ok := r.active[key]
	if !ok {
		return ErrNotLoggedIn
	}
	if ap.Username != username {
		return ErrNotAuthorized
	}

	uptime := int64(r.now().Sub(ap.LoginTime).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	stats, _ := r.ensureStatsLocked(username)
	stats.UptimeSeconds += uptime
	stats.Recompute()

	delete(r.active, key)
	r.dropPeerFromFilesLocked(key)
	r.persistLocked()

	r.metrics.ActivePeers.Set(int64(len(r.active)))
	r.auditor.Log(audit.NewPeerLogoutEvent(username, key.Address(), float64(uptime), stats.Score))
	return nil
}

// ReportUpload credits one served chunk to the user. The caller must be
// logged in at key under that name; peers only ever report themselves.
func (r *Registry) ReportUpload(username string, key PeerKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ap, ok := r.active[key]
	if !ok {
		return ErrNotLoggedIn
	}
	if ap.Username != username {
		return ErrNotAuthorized
	}

	stats, _ := r.ensureStatsLocked(username)
	stats.Uploads++
	stats.Recompute()
	r.persistLocked()

	r.auditor.Log(audit.NewUploadReportedEvent(username, stats.Uploads, stats.Score))
	return nil
}

// sessionForUserLocked finds the active session held under username, if
// any. Used by actions that carry no port and are verified by source IP.
func (r *Registry) sessionForUserLocked(username string) (PeerKey, *ActivePeer, bool) {
	for key, ap := range r.active {
		if ap.Username == username {
			return key, ap, true
		}
	}
	return PeerKey{}, nil, false
}

// Scores returns the whole reputation table ordered best-first.
func (r *Registry) Scores() []reputation.RankedScore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return reputation.Rank(r.scores)
}

// PeerScore returns a user's score and tier, defaulting to zero and
// bronze for unknown names.
func (r *Registry) PeerScore(username string) (float64, reputation.Tier) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats, ok := r.scores[username]
	if !ok {
		return 0, reputation.TierBronze
	}
	return stats.Score, stats.Tier
}

// ActivePeers lists every live session except the caller's own,
// ordered by username.
func (r *Registry) ActivePeers(exclude string) []wire.ActivePeer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]wire.ActivePeer, 0, len(r.active))
	for key, ap := range r.active {
		if ap.Username == exclude {
			continue
		}
		peers = append(peers, wire.ActivePeer{
			Username:  ap.Username,
			Address:   key.Address(),
			LoginTime: float64(ap.LoginTime.UnixNano()) / 1e9,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Username < peers[j].Username })
	return peers
}

func (r *Registry) dropPeerFromFilesLocked(key PeerKey) {
	for _, rec := range r.files {
		delete(rec.Peers, key)
	}
}

func (r *Registry) liveRoomCountLocked() int {
	n := 0
	for _, room := range r.rooms {
		if !room.Old {
			n++
		}
	}
	return n
}
