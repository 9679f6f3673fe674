// Package trackerclient is the peer-side API to the tracker. Queries
// are retried with backoff because they are idempotent; mutations go
// out exactly once so a slow tracker cannot double-apply them.
package trackerclient

import (
	"context"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/chunkswarm/chunkswarm/internal/retry"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// RefusedError is a tracker refusal: the request arrived and was
// understood, but denied. Distinguishes policy from transport failure.
type RefusedError struct {
	Reason string
}

func (e *RefusedError) Error() string { return e.Reason }

// Client talks to one tracker.
type Client struct {
	addr   string
	logger *zap.Logger
}

// New returns a client for the tracker at addr.
func New(addr string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{addr: addr, logger: logger}
}

// Addr reports the tracker address this client targets.
func (c *Client) Addr() string { return c.addr }

func checkStatus(reply wire.StatusReply) error {
	if reply.Status {
		return nil
	}
	reason := reply.Message
	if reason == "" {
		reason = reply.Error
	}
	if reason == "" {
		reason = "request refused"
	}
	return &RefusedError{Reason: reason}
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.RegisterRequest{
		Action:   wire.ActionRegister,
		Username: username,
		Password: password,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}

// Login opens a session for username served at port.
func (c *Client) Login(ctx context.Context, username, password string, port int) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.LoginRequest{
		Action:   wire.ActionLogin,
		Username: username,
		Password: password,
		Port:     port,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}

// Logout closes the session, crediting its uptime.
func (c *Client) Logout(ctx context.Context, username string, port int) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.LogoutRequest{
		Action:   wire.ActionLogout,
		Username: username,
		Port:     port,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}

// Announce publishes the files the peer is serving. Returns the
// tracker's acceptance note.
func (c *Client) Announce(ctx context.Context, username string, port int, files map[string]wire.FileMeta) (string, error) {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.AnnounceRequest{
		Action:   wire.ActionAnnounce,
		Username: username,
		Port:     port,
		Files:    files,
	}, &reply); err != nil {
		return "", err
	}
	if err := checkStatus(reply); err != nil {
		return "", err
	}
	return reply.Message, nil
}

// ReportUpload credits the peer with one served chunk.
func (c *Client) ReportUpload(ctx context.Context, username string, port int) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.ReportUploadRequest{
		Action:   wire.ActionReportUpload,
		Username: username,
		Port:     port,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}

// ListFiles fetches the downloadable file catalog.
func (c *Client) ListFiles(ctx context.Context) (map[string]wire.FileEntry, error) {
	return retry.Do(ctx, retry.Queries, func() (map[string]wire.FileEntry, error) {
		var reply wire.ListFilesReply
		if err := wire.Call(ctx, c.addr, wire.ListFilesRequest{
			Action: wire.ActionListFiles,
		}, &reply); err != nil {
			return nil, err
		}
		return reply.Files, nil
	})
}

// Scores fetches the full ranking, best first.
func (c *Client) Scores(ctx context.Context) ([]reputation.RankedScore, error) {
	return retry.Do(ctx, retry.Queries, func() ([]reputation.RankedScore, error) {
		var reply wire.ScoresReply
		if err := wire.Call(ctx, c.addr, wire.GetScoresRequest{
			Action: wire.ActionGetScores,
		}, &reply); err != nil {
			return nil, err
		}
		if !reply.Status {
			return nil, retry.Permanent(&RefusedError{Reason: "get_scores refused"})
		}
		return reply.Scores, nil
	})
}

// PeerScore fetches one user's score and tier.
func (c *Client) PeerScore(ctx context.Context, target string) (float64, reputation.Tier, error) {
	reply, err := retry.Do(ctx, retry.Queries, func() (wire.PeerScoreReply, error) {
		var reply wire.PeerScoreReply
		if err := wire.Call(ctx, c.addr, wire.GetPeerScoreRequest{
			Action:         wire.ActionGetPeerScore,
			TargetUsername: target,
		}, &reply); err != nil {
			return reply, err
		}
		if !reply.Status {
			return reply, retry.Permanent(&RefusedError{Reason: "get_peer_score refused"})
		}
		return reply, nil
	})
	if err != nil {
		return 0, reputation.TierBronze, err
	}
	return reply.Score, reply.Tier, nil
}

// ActivePeers lists the other logged-in peers.
func (c *Client) ActivePeers(ctx context.Context, username string, port int) ([]wire.ActivePeer, error) {
	return retry.Do(ctx, retry.Queries, func() ([]wire.ActivePeer, error) {
		var reply wire.ActivePeersReply
		if err := wire.Call(ctx, c.addr, wire.GetActivePeersRequest{
			Action:   wire.ActionGetActivePeers,
			Username: username,
			Port:     port,
		}, &reply); err != nil {
			return nil, err
		}
		if !reply.Status {
			return nil, retry.Permanent(&RefusedError{Reason: "get_active_peers refused"})
		}
		return reply.Peers, nil
	})
}

// CreateRoom opens a chat room hosted at the caller's endpoint.
func (c *Client) CreateRoom(ctx context.Context, room, username string, port int) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.CreateRoomRequest{
		Action:   wire.ActionCreateRoom,
		RoomName: room,
		Username: username,
		Port:     port,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}

// Rooms lists the joinable chat rooms.
func (c *Client) Rooms(ctx context.Context) (map[string]wire.RoomInfo, error) {
	return retry.Do(ctx, retry.Queries, func() (map[string]wire.RoomInfo, error) {
		var reply wire.ListRoomsReply
		if err := wire.Call(ctx, c.addr, wire.ListRoomsRequest{
			Action: wire.ActionListRooms,
		}, &reply); err != nil {
			return nil, err
		}
		if !reply.Status {
			return nil, retry.Permanent(&RefusedError{Reason: "list_rooms refused"})
		}
		return reply.Rooms, nil
	})
}

// DeleteRoom retires a room. Moderator only.
func (c *Client) DeleteRoom(ctx context.Context, room, username string) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.DeleteRoomRequest{
		Action:   wire.ActionDeleteRoom,
		RoomName: room,
		Username: username,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}

// RoomMemberUpdate reports a join or leave to the tracker. Sent by the
// room host.
func (c *Client) RoomMemberUpdate(ctx context.Context, room, username, event string) error {
	var reply wire.StatusReply
	if err := wire.Call(ctx, c.addr, wire.RoomMemberUpdateRequest{
		Action:   wire.ActionRoomMemberUpdate,
		RoomName: room,
		Username: username,
		Event:    event,
	}, &reply); err != nil {
		return err
	}
	return checkStatus(reply)
}
