// Package chat carries the two conversation modes that ride on the peer
// endpoint: direct sessions opened with initiate_chat, and moderator
// hosted rooms joined with join_room. After the opening request the
// connection drops to plain newline-delimited text in both directions.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Commands the send loop intercepts locally instead of transmitting.
const (
	QuitCommand = "/quit"
	BanCommand  = "/ban"
)

// GroupLogDir is the directory name rooms log their history under,
// relative to the peer's data directory.
const GroupLogDir = "group_logs"

// SessionConfig describes one end of a direct conversation.
type SessionConfig struct {
	Conn       net.Conn
	RemoteUser string    // display name for incoming lines
	In         io.Reader // local input, typically stdin
	Out        io.Writer // local display
	Logger     *zap.Logger
}

// Session is one end of a direct conversation. Both ends run the same
// loop: lines read from In go out on the wire, lines arriving on the
// wire are shown on Out as "[user]: msg".
type Session struct {
	conn   net.Conn
	remote string
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		conn:   cfg.Conn,
		remote: cfg.RemoteUser,
		in:     cfg.In,
		out:    cfg.Out,
		logger: cfg.Logger,
	}
}

// Run relays messages until the local user types /quit, either input
// reaches EOF, or the remote end hangs up. The connection is closed on
// return. Cancelling ctx unblocks the wire side but not a read pending
// on In; with a terminal attached the user still has to press enter.
func (s *Session) Run(ctx context.Context) error {
	stopExpiry := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	defer stopExpiry()

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		sc := bufio.NewScanner(s.conn)
		for sc.Scan() {
			fmt.Fprintf(s.out, "[%s]: %s\n", s.remote, sc.Text())
		}
	}()

	input := bufio.NewScanner(s.in)
send:
	for input.Scan() {
		select {
		case <-recvDone:
			// Remote already hung up; drop the pending line.
			break send
		default:
		}
		line := input.Text()
		if line == QuitCommand {
			break send
		}
		if _, err := fmt.Fprintln(s.conn, line); err != nil {
			s.logger.Debug("chat send failed", zap.Error(err))
			break send
		}
	}

	s.conn.Close()
	<-recvDone
	s.logger.Info("chat session ended", zap.String("with", s.remote))
	return ctx.Err()
}

// Dial opens a direct conversation with the peer endpoint at addr,
// identifies the local user, and runs the session to completion.
func Dial(ctx context.Context, addr, fromUser string, cfg SessionConfig) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := wire.WriteMessage(conn, wire.ChatRequest{
		Action:   wire.ActionInitiateChat,
		FromUser: fromUser,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("initiate chat: %w", err)
	}
	cfg.Conn = conn
	return NewSession(cfg).Run(ctx)
}
