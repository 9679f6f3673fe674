package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// JoinConfig describes a member's attachment to a hosted room.
type JoinConfig struct {
	Addr     string // moderator's peer endpoint
	RoomName string
	Username string
	Host     *Host // set when the joining user moderates the room locally
	In       io.Reader
	Out      io.Writer
	Logger   *zap.Logger
}

// Join dials the room host, receives the replayed history, and relays
// lines both ways until the user types /quit or the host disconnects.
// A moderator joins their own room over loopback like any other member;
// the Host reference is what enables the /ban command.
func Join(ctx context.Context, cfg JoinConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial room host %s: %w", cfg.Addr, err)
	}
	if err := wire.WriteMessage(conn, wire.JoinRoomRequest{
		Action:   wire.ActionJoinRoom,
		RoomName: cfg.RoomName,
		Username: cfg.Username,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("join room: %w", err)
	}

	stopExpiry := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopExpiry()

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			// Lines arrive already stamped by the host.
			fmt.Fprintln(cfg.Out, sc.Text())
		}
	}()

	input := bufio.NewScanner(cfg.In)
send:
	for input.Scan() {
		select {
		case <-recvDone:
			break send
		default:
		}
		line := input.Text()
		if line == QuitCommand {
			break send
		}
		if cfg.Host != nil && strings.HasPrefix(line, BanCommand+" ") {
			target := strings.TrimSpace(strings.TrimPrefix(line, BanCommand+" "))
			if err := cfg.Host.Ban(ctx, cfg.RoomName, target); err != nil {
				fmt.Fprintf(cfg.Out, "ban failed: %v\n", err)
			}
			continue
		}
		if _, err := fmt.Fprintln(conn, line); err != nil {
			logger.Debug("room send failed", zap.Error(err))
			break send
		}
	}

	conn.Close()
	<-recvDone
	logger.Info("left room", zap.String("room", cfg.RoomName))
	return ctx.Err()
}
