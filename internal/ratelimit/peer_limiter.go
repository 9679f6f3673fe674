package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chunkswarm/chunkswarm/internal/lifecycle"
)

// Per-requester limiting defaults. The expected-peer count matches the
// widest download fan-out a single downloader can aim at one serving
// peer's neighborhood.
const (
	DefaultExpectedPeers = 4
	DefaultMinPeerRate   = 100 * 1024
	DefaultIdleTimeout   = 30 * time.Second
)

// PeerLimiterConfig configures fair-share upload limiting across the
// peers currently requesting chunks.
type PeerLimiterConfig struct {
	// GlobalLimit caps total upload bandwidth in bytes/sec. 0 disables
	// both the global and the per-peer limits.
	GlobalLimit int64

	// PerPeerLimit caps each requester. 0 auto-divides GlobalLimit by
	// ExpectedPeers.
	PerPeerLimit int64

	// ExpectedPeers is used for the auto division.
	ExpectedPeers int

	// MinPeerLimit is the floor for the derived per-peer rate.
	MinPeerLimit int64

	// IdleTimeout is how long a requester's limiter may sit unused
	// before it is dropped.
	IdleTimeout time.Duration

	Logger *zap.Logger
}

// DefaultPeerLimiterConfig returns the defaults with no global cap set.
func DefaultPeerLimiterConfig() PeerLimiterConfig {
	return PeerLimiterConfig{
		ExpectedPeers: DefaultExpectedPeers,
		MinPeerLimit:  DefaultMinPeerRate,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

type peerLimiter struct {
	mu         sync.Mutex
	bucket     *rate.Limiter
	lastAccess time.Time
}

// PeerLimiterManager keeps one token bucket per requesting username so
// a single greedy downloader cannot monopolize the upload cap. Idle
// buckets are evicted in the background.
type PeerLimiterManager struct {
	mu       sync.RWMutex
	limiters map[string]*peerLimiter

	perPeerLimit int64
	idleTimeout  time.Duration

	global *Limiter
	logger *zap.Logger
	lc     *lifecycle.Manager
}

// NewPeerLimiterManager derives the per-peer rate from cfg and starts
// the idle-eviction ticker. The global limiter may be nil or unlimited.
func NewPeerLimiterManager(cfg PeerLimiterConfig, global *Limiter) *PeerLimiterManager {
	perPeerLimit := cfg.PerPeerLimit
	if perPeerLimit == 0 && cfg.GlobalLimit > 0 {
		expected := cfg.ExpectedPeers
		if expected <= 0 {
			expected = DefaultExpectedPeers
		}
		perPeerLimit = cfg.GlobalLimit / int64(expected)
	}
	if perPeerLimit > 0 && perPeerLimit < cfg.MinPeerLimit {
		perPeerLimit = cfg.MinPeerLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	m := &PeerLimiterManager{
		limiters:     make(map[string]*peerLimiter),
		perPeerLimit: perPeerLimit,
		idleTimeout:  idleTimeout,
		global:       global,
		logger:       logger,
		lc:           lifecycle.New(nil),
	}

	if m.perPeerLimit > 0 {
		m.lc.RunTicker(m.idleTimeout, m.evictIdle)
	}
	return m
}

// Enabled reports whether per-peer limiting is active.
func (m *PeerLimiterManager) Enabled() bool {
	return m != nil && m.perPeerLimit > 0
}

// bucketFor returns the requester's bucket, creating it on first use.
func (m *PeerLimiterManager) bucketFor(username string) *rate.Limiter {
	if !m.Enabled() {
		return nil
	}

	m.mu.RLock()
	pl, ok := m.limiters[username]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if pl, ok = m.limiters[username]; !ok {
			pl = &peerLimiter{
				bucket: rate.NewLimiter(rate.Limit(m.perPeerLimit), int(burstFor(m.perPeerLimit))),
			}
			m.limiters[username] = pl
			m.logger.Debug("created per-peer upload limiter",
				zap.String("peer", username),
				zap.Int64("limit_bytes_sec", m.perPeerLimit))
		}
		m.mu.Unlock()
	}

	pl.mu.Lock()
	pl.lastAccess = time.Now()
	pl.mu.Unlock()
	return pl.bucket
}

// Writer wraps w so writes respect both the global cap and the
// requester's share. The stricter limit dominates.
func (m *PeerLimiterManager) Writer(ctx context.Context, username string, w io.Writer) io.Writer {
	peer := m.bucketFor(username)

	var global *rate.Limiter
	if m != nil && m.global.Enabled() {
		global = m.global.bucket
	}

	if peer == nil && global == nil {
		return w
	}
	return &sharedLimitedWriter{w: w, global: global, peer: peer, ctx: ctx}
}

// PeerCount returns how many requesters currently hold a limiter.
func (m *PeerLimiterManager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}

func (m *PeerLimiterManager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.idleTimeout)
	removed := 0
	for username, pl := range m.limiters {
		pl.mu.Lock()
		idle := pl.lastAccess.Before(cutoff)
		pl.mu.Unlock()
		if idle {
			delete(m.limiters, username)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("evicted idle upload limiters", zap.Int("removed", removed))
	}
}

// Close stops the eviction ticker.
func (m *PeerLimiterManager) Close() {
	m.lc.Stop()
}

// sharedLimitedWriter debits the global bucket and then the requester's
// bucket before each write, splitting slices to the smaller burst.
type sharedLimitedWriter struct {
	w      io.Writer
	global *rate.Limiter
	peer   *rate.Limiter
	ctx    context.Context
}

func (sw *sharedLimitedWriter) Write(p []byte) (int, error) {
	step := maxBurst
	if sw.global != nil && sw.global.Burst() < step {
		step = sw.global.Burst()
	}
	if sw.peer != nil && sw.peer.Burst() < step {
		step = sw.peer.Burst()
	}

	n := 0
	for n < len(p) {
		end := n + step
		if end > len(p) {
			end = len(p)
		}
		chunk := p[n:end]

		if sw.global != nil {
			if err := sw.global.WaitN(sw.ctx, len(chunk)); err != nil {
				return n, err
			}
		}
		if sw.peer != nil {
			if err := sw.peer.WaitN(sw.ctx, len(chunk)); err != nil {
				return n, err
			}
		}

		written, err := sw.w.Write(chunk)
		n += written
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
