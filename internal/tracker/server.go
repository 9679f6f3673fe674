package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/chunkswarm/chunkswarm/internal/audit"
	"github.com/chunkswarm/chunkswarm/internal/lifecycle"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"github.com/chunkswarm/chunkswarm/internal/requestid"
	"github.com/chunkswarm/chunkswarm/internal/sanitize"
	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// MaxQueuedConns caps the connections being served at once; beyond it
// the listener stops accepting and the OS backlog queues the rest.
const MaxQueuedConns = 15

// ServerConfig wires the tracker server. Registry is required.
type ServerConfig struct {
	Host     string
	Port     int
	Registry *Registry
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Audit    audit.Logger
}

// Server answers tracker requests over TCP, one request and one reply
// per connection.
type Server struct {
	reg     *Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
	auditor audit.Logger
	host    string
	port    int

	lc *lifecycle.Manager
	ln net.Listener
}

// NewServer builds a server around an existing registry.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	auditor := cfg.Audit
	if auditor == nil {
		auditor = &audit.NoopLogger{}
	}
	return &Server{
		reg:     cfg.Registry,
		logger:  logger,
		metrics: m,
		auditor: auditor,
		host:    cfg.Host,
		port:    cfg.Port,
	}
}

// Start binds the listener and begins accepting. It returns once the
// accept loop is running; Stop shuts it down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("tracker listen: %w", err)
	}
	s.ln = netutil.LimitListener(ln, MaxQueuedConns)
	s.lc = lifecycle.New(ctx)
	s.lc.GoAccept(s.ln, s.handleConn)
	s.logger.Info("tracker listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr reports the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for in-flight requests.
func (s *Server) Stop() {
	if s.lc != nil {
		if err := s.lc.StopWithTimeout(5 * time.Second); err != nil {
			s.logger.Warn("tracker did not drain cleanly", zap.Error(err))
		}
	}
}

// handleConn serves one request. Connections carry no deadline of their
// own; the client closes when it has the reply. Shutdown force-expires
// whatever is still reading so Stop cannot hang on a silent client.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	stopExpiry := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopExpiry()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With(
		zap.String("request_id", requestid.New()),
		zap.String("remote", remote),
	)

	raw, err := wire.ReadMessage(conn)
	if err != nil {
		logger.Debug("dropping unreadable request", zap.String("error", sanitize.Error(err)))
		return
	}

	var env wire.Envelope
	if err := wire.Decode(raw, &env); err != nil {
		s.writeReply(conn, logger, wire.Crash(err.Error()))
		return
	}
	action := sanitize.String(string(env.Action))
	if action == "" {
		action = "invalid"
	}

	start := time.Now()
	reply := s.dispatch(logger, security.HostOf(remote), raw, env.Action)
	s.metrics.RequestsTotal.WithLabel(action).Inc()
	s.metrics.RequestDuration.WithLabel(action).Observe(time.Since(start).Seconds())
	if sr, ok := reply.(wire.StatusReply); ok && !sr.Status {
		s.metrics.RequestFailures.WithLabel(action).Inc()
		if sr.Message != "" {
			s.auditor.Log(audit.NewRequestRejectedEvent(action, "", remote, sr.Message))
		}
		logger.Info("request refused",
			zap.String("action", action),
			zap.String("reason", sr.Message+sr.Error))
	} else {
		logger.Debug("request served", zap.String("action", action))
	}

	s.writeReply(conn, logger, reply)
}

func (s *Server) writeReply(conn net.Conn, logger *zap.Logger, reply any) {
	if err := wire.WriteMessage(conn, reply); err != nil {
		logger.Debug("failed to write reply", zap.Error(err))
	}
}

// dispatch routes one decoded envelope to its handler. A panicking
// handler answers with the error reply instead of killing the server.
func (s *Server) dispatch(logger *zap.Logger, connIP string, raw json.RawMessage, action wire.Action) (reply any) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panicked",
				zap.String("action", sanitize.String(string(action))),
				zap.Any("panic", rec))
			reply = wire.Crash(fmt.Sprint(rec))
		}
	}()

	switch action {
	case wire.ActionRegister:
		return s.handleRegister(raw)
	case wire.ActionLogin:
		return s.handleLogin(raw, connIP)
	case wire.ActionLogout:
		return s.handleLogout(raw, connIP)
	case wire.ActionAnnounce:
		return s.handleAnnounce(raw, connIP)
	case wire.ActionListFiles:
		return s.handleListFiles()
	case wire.ActionReportUpload:
		return s.handleReportUpload(raw, connIP)
	case wire.ActionGetScores:
		return s.handleGetScores()
	case wire.ActionGetPeerScore:
		return s.handleGetPeerScore(raw)
	case wire.ActionGetActivePeers:
		return s.handleGetActivePeers(raw)
	case wire.ActionCreateRoom:
		return s.handleCreateRoom(raw, connIP)
	case wire.ActionListRooms:
		return s.handleListRooms()
	case wire.ActionDeleteRoom:
		return s.handleDeleteRoom(raw, connIP)
	case wire.ActionRoomMemberUpdate:
		return s.handleRoomMemberUpdate(raw, connIP)
	default:
		return wire.Refuse("unknown action")
	}
}
