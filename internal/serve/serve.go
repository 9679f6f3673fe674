// Package serve implements the peer's own TCP endpoint: it hands out
// chunks of shared files, applying the reputation-based serving delay,
// and passes chat connections on to their owners.
package serve

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/lifecycle"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"github.com/chunkswarm/chunkswarm/internal/ratelimit"
	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/chunkswarm/chunkswarm/internal/sanitize"
	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// MaxQueuedConns caps concurrent inbound connections, matching the
// tracker's ceiling.
const MaxQueuedConns = 15

// TrackerClient is the slice of the tracker API the endpoint needs:
// the requester's tier for the serving delay, and upload credit
// afterwards.
type TrackerClient interface {
	PeerScore(ctx context.Context, target string) (float64, reputation.Tier, error)
	ReportUpload(ctx context.Context, username string, port int) error
}

// ChatHandler takes ownership of an inbound 1:1 chat connection.
type ChatHandler func(ctx context.Context, conn net.Conn, req wire.ChatRequest)

// JoinHandler takes ownership of an inbound room join connection.
type JoinHandler func(ctx context.Context, conn net.Conn, req wire.JoinRoomRequest)

// Config wires the endpoint. SharedDir, Username, and Tracker are
// required; handlers left nil refuse by closing.
type Config struct {
	Host       string // default 0.0.0.0
	Port       int    // 0 = OS assigned
	SharedDir  string
	Username   string
	Tracker    TrackerClient
	Limiters   *ratelimit.PeerLimiterManager // optional upload shaping
	OnChat     ChatHandler
	OnJoinRoom JoinHandler
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server is the peer's service endpoint.
type Server struct {
	host      string
	port      int
	sharedDir string
	username  string
	tracker   TrackerClient
	limiters  *ratelimit.PeerLimiterManager
	onChat    ChatHandler
	onJoin    JoinHandler
	logger    *zap.Logger
	metrics   *metrics.Metrics

	lc *lifecycle.Manager
	ln net.Listener
}

// New builds the endpoint.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return &Server{
		host:      host,
		port:      cfg.Port,
		sharedDir: cfg.SharedDir,
		username:  cfg.Username,
		tracker:   cfg.Tracker,
		limiters:  cfg.Limiters,
		onChat:    cfg.OnChat,
		onJoin:    cfg.OnJoinRoom,
		logger:    logger,
		metrics:   m,
	}
}

// Start binds the listener, usually on an OS-assigned port that the
// caller then states at login.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("peer endpoint listen: %w", err)
	}
	s.ln = netutil.LimitListener(ln, MaxQueuedConns)
	s.lc = lifecycle.New(ctx)
	s.lc.GoAccept(s.ln, s.handleConn)
	s.logger.Info("peer endpoint listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Port reports the bound port, or 0 before Start.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Addr reports the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for running transfers and chat
// sessions to finish.
func (s *Server) Stop() {
	if s.lc != nil {
		if err := s.lc.StopWithTimeout(10 * time.Second); err != nil {
			s.logger.Warn("peer endpoint did not drain cleanly", zap.Error(err))
		}
	}
}

// handleConn reads the single request and routes it. There is no
// protocol for refusals on this endpoint; anything unservable is
// answered by closing.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	stopExpiry := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopExpiry()

	raw, err := wire.ReadMessage(conn)
	if err != nil {
		s.logger.Debug("dropping unreadable peer request", zap.Error(err))
		return
	}
	var env wire.Envelope
	if err := wire.Decode(raw, &env); err != nil {
		return
	}

	switch env.Action {
	case wire.ActionRequestChunk:
		var req wire.ChunkRequest
		if err := wire.Decode(raw, &req); err != nil {
			return
		}
		s.serveChunk(ctx, conn, req)
	case wire.ActionInitiateChat:
		var req wire.ChatRequest
		if err := wire.Decode(raw, &req); err != nil {
			return
		}
		if s.onChat != nil {
			s.onChat(ctx, conn, req)
		}
	case wire.ActionJoinRoom:
		var req wire.JoinRoomRequest
		if err := wire.Decode(raw, &req); err != nil {
			return
		}
		if s.onJoin != nil {
			s.onJoin(ctx, conn, req)
		}
	default:
		s.logger.Debug("unknown peer action", zap.String("action", sanitize.String(string(env.Action))))
	}
}

// serveChunk streams one chunk file to the requester, after the delay
// its reputation tier earns it. Closing without bytes is the refusal.
func (s *Server) serveChunk(ctx context.Context, conn net.Conn, req wire.ChunkRequest) {
	logger := s.logger.With(
		zap.String("file", sanitize.FileName(req.FileName)),
		zap.Int("chunk", req.ChunkIndex),
		zap.String("requester", sanitize.Username(req.Username)),
	)

	if req.ChunkIndex < 0 {
		logger.Debug("negative chunk index")
		return
	}
	clean, err := security.CleanFileName(req.FileName)
	if err != nil {
		logger.Debug("unsafe file name in chunk request", zap.Error(err))
		return
	}
	chunkDir := chunkstore.ChunkDirFor(filepath.Join(s.sharedDir, clean))
	chunkPath := chunkstore.ChunkPath(chunkDir, req.ChunkIndex)
	if !security.WithinBase(s.sharedDir, chunkPath) {
		logger.Debug("chunk path escapes shared directory")
		return
	}

	f, err := os.Open(chunkPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to open chunk", zap.Error(err))
		}
		return
	}
	defer f.Close()

	// The requester's tier decides how long it waits.
	tier := reputation.TierBronze
	if s.tracker != nil {
		if _, t, err := s.tracker.PeerScore(ctx, req.Username); err == nil {
			tier = t
		} else {
			logger.Debug("requester tier lookup failed, serving as bronze", zap.Error(err))
		}
	}
	if delay := tier.UploadDelay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	s.metrics.ActiveUploads.Inc()
	defer s.metrics.ActiveUploads.Dec()

	var w io.Writer = conn
	if s.limiters.Enabled() {
		w = s.limiters.Writer(ctx, req.Username, conn)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		logger.Debug("chunk transfer aborted", zap.Int64("sent", n), zap.Error(err))
		return
	}

	s.metrics.ChunksServed.Inc()
	s.metrics.BytesUploaded.Add(n)
	logger.Debug("chunk served", zap.Int64("bytes", n), zap.String("tier", string(tier)))

	// Upload credit goes out after the bytes; a tracker hiccup only
	// costs the credit, never the transfer.
	s.lc.Go(func(ctx context.Context) {
		if err := s.tracker.ReportUpload(ctx, s.username, s.Port()); err != nil {
			s.logger.Warn("failed to report upload", zap.Error(err))
		}
	})
}
