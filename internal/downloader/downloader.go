// Package downloader implements parallel chunk downloads from multiple
// peers, with the parallelism ceiling set by the downloader's own
// reputation tier.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/hashutil"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"github.com/chunkswarm/chunkswarm/internal/ratelimit"
	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/chunkswarm/chunkswarm/internal/sanitize"
	"github.com/chunkswarm/chunkswarm/internal/store"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

const (
	// Maximum full passes over the peer ring per chunk.
	MaxChunkRetries = 3

	// Timeout for one chunk attempt against one peer. Covers the
	// server-side tier delay, which can be up to ten seconds.
	ChunkTimeout = 20 * time.Second
)

var (
	ErrNoSources  = errors.New("no active sources for file")
	ErrIncomplete = errors.New("download incomplete")
)

// ScoreSource answers reputation queries. Implemented by the tracker
// client; tests substitute a canned one.
type ScoreSource interface {
	PeerScore(ctx context.Context, target string) (float64, reputation.Tier, error)
}

// ChunkFetcher fetches one raw chunk from one peer. The default dials
// the peer endpoint; tests substitute in-memory fetchers.
type ChunkFetcher func(ctx context.Context, peerAddr, fileName string, index int, username string) ([]byte, error)

// Config holds engine configuration. Tracker, Username, and
// DownloadsDir are required.
type Config struct {
	Tracker      ScoreSource
	Username     string
	DownloadsDir string
	Fetch        ChunkFetcher       // nil means the wire fetcher
	Limiter      *ratelimit.Limiter // optional download rate cap
	Store        *store.Store       // optional history recording
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Engine downloads files chunk by chunk.
type Engine struct {
	tracker      ScoreSource
	username     string
	downloadsDir string
	fetch        ChunkFetcher
	store        *store.Store
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// New creates an engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	fetch := cfg.Fetch
	if fetch == nil {
		fetch = WireFetcher(cfg.Limiter)
	}
	return &Engine{
		tracker:      cfg.Tracker,
		username:     cfg.Username,
		downloadsDir: cfg.DownloadsDir,
		fetch:        fetch,
		store:        cfg.Store,
		logger:       logger,
		metrics:      m,
	}
}

// Result describes one finished download.
type Result struct {
	FileName string
	Path     string
	Size     int64
	Hash     string
	Workers  int
	Tier     reputation.Tier
	Duration time.Duration
	Attempts map[int]int // ring passes used per chunk
	Bytes    int64
}

// task is one pending chunk.
type task struct {
	index int
	hash  string
}

// peerRing hands out peers round-robin. The mutex guards only the
// cursor; it is never held during network calls.
type peerRing struct {
	mu    sync.Mutex
	peers []string
	next  int
}

func newPeerRing(entry wire.FileEntry) *peerRing {
	peers := make([]string, len(entry.Peers))
	for i, p := range entry.Peers {
		peers[i] = p.Peer
	}
	return &peerRing{peers: peers}
}

func (r *peerRing) size() int { return len(r.peers) }

func (r *peerRing) take() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := r.peers[r.next]
	r.next = (r.next + 1) % len(r.peers)
	return addr
}

// attemptTracker counts ring passes per chunk and records the ones
// that ran out.
type attemptTracker struct {
	mu       sync.Mutex
	attempts map[int]int
	failed   map[int]error
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{attempts: make(map[int]int), failed: make(map[int]error)}
}

// record counts one failed pass and reports whether the chunk has
// retries left.
func (a *attemptTracker) record(index int, err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[index]++
	if a.attempts[index] < MaxChunkRetries {
		return true
	}
	a.failed[index] = err
	return false
}

func (a *attemptTracker) succeed(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[index]++
}

func (a *attemptTracker) snapshot() (map[int]int, map[int]error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	attempts := make(map[int]int, len(a.attempts))
	for k, v := range a.attempts {
		attempts[k] = v
	}
	failed := make(map[int]error, len(a.failed))
	for k, v := range a.failed {
		failed[k] = v
	}
	return attempts, failed
}

// Download fetches fileName as described by the catalog entry, placing
// the verified file in the downloads directory. On integrity failure
// the scratch directory is kept for inspection.
func (e *Engine) Download(ctx context.Context, fileName string, entry wire.FileEntry) (*Result, error) {
	start := time.Now()
	if len(entry.Peers) == 0 {
		return nil, ErrNoSources
	}

	e.metrics.ActiveDownloads.Inc()
	defer e.metrics.ActiveDownloads.Dec()

	// The engine's own tier caps parallelism. An unreachable tracker
	// or unknown user downgrades to bronze rather than failing.
	tier := reputation.TierBronze
	if e.tracker != nil {
		if _, t, err := e.tracker.PeerScore(ctx, e.username); err == nil {
			tier = t
		} else {
			e.logger.Warn("tier lookup failed, downloading as bronze", zap.Error(err))
		}
	}

	workers := tier.MaxWorkers()
	if workers > len(entry.Peers) {
		workers = len(entry.Peers)
	}
	total := chunkstore.ChunkCount(entry.Size)
	if workers > total && total > 0 {
		workers = total
	}

	scratch := filepath.Join(e.downloadsDir, "temp_"+entry.Hash)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	e.logger.Info("starting download",
		zap.String("file", fileName),
		zap.Int64("size", entry.Size),
		zap.Int("chunks", total),
		zap.Int("workers", workers),
		zap.String("tier", string(tier)),
		zap.Int("sources", len(entry.Peers)))

	// Every chunk can be enqueued at most MaxChunkRetries times, so at
	// this capacity a re-enqueue can never block a worker.
	queue := make(chan task, total*MaxChunkRetries)
	for i := 0; i < total; i++ {
		queue <- task{index: i, hash: entry.ChunkHashes[i]}
	}

	ring := newPeerRing(entry)
	tracker := newAttemptTracker()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return e.worker(gctx, scratch, fileName, queue, ring, tracker)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	attempts, failed := tracker.snapshot()
	if len(failed) > 0 {
		e.metrics.DownloadsTotal.WithLabel("failed").Inc()
		for index, err := range failed {
			e.logger.Error("chunk exhausted its retries",
				zap.String("file", fileName),
				zap.Int("chunk", index),
				zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %d of %d chunks failed", ErrIncomplete, len(failed), total)
	}
	for i := 0; i < total; i++ {
		if _, err := os.Stat(chunkstore.ChunkPath(scratch, i)); err != nil {
			e.metrics.DownloadsTotal.WithLabel("failed").Inc()
			return nil, fmt.Errorf("%w: chunk %d missing from scratch", ErrIncomplete, i)
		}
	}

	outPath := filepath.Join(e.downloadsDir, fileName)
	gotHash, err := chunkstore.Reassemble(scratch, outPath, total)
	if err != nil {
		e.metrics.DownloadsTotal.WithLabel("failed").Inc()
		return nil, fmt.Errorf("reassemble: %w", err)
	}
	if gotHash != entry.Hash {
		// Keep the scratch chunks: every one matched its chunk hash,
		// so a mismatch here means the announced metadata lied.
		os.Remove(outPath)
		e.metrics.DownloadsTotal.WithLabel("integrity_failure").Inc()
		return nil, fmt.Errorf("file %s: %w: got %s, want %s", fileName, hashutil.ErrMismatch, gotHash, entry.Hash)
	}
	if err := os.RemoveAll(scratch); err != nil {
		e.logger.Warn("failed to remove scratch directory", zap.String("dir", scratch), zap.Error(err))
	}

	result := &Result{
		FileName: fileName,
		Path:     outPath,
		Size:     entry.Size,
		Hash:     gotHash,
		Workers:  workers,
		Tier:     tier,
		Duration: time.Since(start),
		Attempts: attempts,
		Bytes:    entry.Size,
	}

	e.metrics.DownloadsTotal.WithLabel("ok").Inc()
	e.metrics.DownloadTime.Observe(result.Duration.Seconds())
	if e.store != nil {
		if err := e.store.RecordDownload(&store.Download{
			FileName: fileName,
			FileHash: gotHash,
			Size:     entry.Size,
			Workers:  workers,
			Duration: result.Duration,
		}); err != nil {
			e.logger.Warn("failed to record download history", zap.Error(err))
		}
	}

	e.logger.Info("download complete",
		zap.String("file", fileName),
		zap.Duration("duration", result.Duration),
		zap.Int("workers", workers))
	return result, nil
}

// worker drains the queue until it is empty. A failed ring pass either
// re-enqueues the chunk or, out of retries, records it and moves on so
// the other chunks still land in scratch.
func (e *Engine) worker(ctx context.Context, scratch, fileName string, queue chan task, ring *peerRing, tracker *attemptTracker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var t task
		select {
		case t = <-queue:
		default:
			return nil
		}

		err := e.tryChunk(ctx, scratch, fileName, t, ring)
		if err == nil {
			tracker.succeed(t.index)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.metrics.ChunkRetries.Inc()
		if tracker.record(t.index, err) {
			queue <- t
		}
	}
}

// tryChunk walks the ring once, trying each peer at most one time.
func (e *Engine) tryChunk(ctx context.Context, scratch, fileName string, t task, ring *peerRing) error {
	var lastErr error
	for i := 0; i < ring.size(); i++ {
		addr := ring.take()

		attemptCtx, cancel := context.WithTimeout(ctx, ChunkTimeout)
		fetchStart := time.Now()
		data, err := e.fetch(attemptCtx, addr, fileName, t.index, e.username)
		cancel()

		if err != nil {
			lastErr = fmt.Errorf("peer %s: %w", addr, err)
			e.logger.Debug("chunk attempt failed",
				zap.String("file", fileName),
				zap.Int("chunk", t.index),
				zap.String("peer", sanitize.Addr(addr)),
				zap.Error(err))
			continue
		}
		if got := hashutil.HashBytes(data); got != t.hash {
			lastErr = fmt.Errorf("peer %s: chunk %d: %w", addr, t.index, hashutil.ErrMismatch)
			e.logger.Warn("chunk failed verification",
				zap.String("file", fileName),
				zap.Int("chunk", t.index),
				zap.String("peer", sanitize.Addr(addr)))
			continue
		}

		if err := os.WriteFile(chunkstore.ChunkPath(scratch, t.index), data, 0644); err != nil {
			return fmt.Errorf("write chunk %d: %w", t.index, err)
		}
		e.metrics.ChunksFetched.Inc()
		e.metrics.BytesDownloaded.Add(int64(len(data)))
		e.metrics.ChunkFetchTime.Observe(time.Since(fetchStart).Seconds())
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoSources
	}
	return lastErr
}
