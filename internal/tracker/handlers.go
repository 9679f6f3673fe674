package tracker

import (
	"encoding/json"
	"fmt"

	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Handlers decode the action-specific body, run the registry call, and
// translate its outcome to a reply. Decode failures take the error
// reply path; registry refusals come back as the message.

func (s *Server) handleRegister(raw json.RawMessage) any {
	var req wire.RegisterRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if err := s.reg.Register(req.Username, req.Password); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OKMessage("user registered")
}

func (s *Server) handleLogin(raw json.RawMessage, connIP string) any {
	var req wire.LoginRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if !security.ValidPort(req.Port) {
		return wire.Refuse("invalid port")
	}
	key := PeerKey{IP: connIP, Port: req.Port}
	if err := s.reg.Login(req.Username, req.Password, key); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OKMessage("login successful")
}

func (s *Server) handleLogout(raw json.RawMessage, connIP string) any {
	var req wire.LogoutRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if !security.ValidPort(req.Port) {
		return wire.Refuse("invalid port")
	}
	key := PeerKey{IP: connIP, Port: req.Port}
	if err := s.reg.Logout(req.Username, key); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OKMessage("logout successful")
}

func (s *Server) handleAnnounce(raw json.RawMessage, connIP string) any {
	var req wire.AnnounceRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if !security.ValidPort(req.Port) {
		return wire.Refuse("invalid port")
	}
	key := PeerKey{IP: connIP, Port: req.Port}
	accepted, err := s.reg.Announce(req.Username, key, req.Files)
	if err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OKMessage(fmt.Sprintf("%d file(s) announced", accepted))
}

func (s *Server) handleListFiles() any {
	return wire.ListFilesReply{Files: s.reg.ListFiles()}
}

func (s *Server) handleReportUpload(raw json.RawMessage, connIP string) any {
	var req wire.ReportUploadRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if !security.ValidPort(req.Port) {
		return wire.Refuse("invalid port")
	}
	key := PeerKey{IP: connIP, Port: req.Port}
	if err := s.reg.ReportUpload(req.Username, key); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OK()
}

func (s *Server) handleGetScores() any {
	return wire.ScoresReply{Status: true, Scores: s.reg.Scores()}
}

func (s *Server) handleGetPeerScore(raw json.RawMessage) any {
	var req wire.GetPeerScoreRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	score, tier := s.reg.PeerScore(req.TargetUsername)
	return wire.PeerScoreReply{Status: true, Score: score, Tier: tier}
}

func (s *Server) handleGetActivePeers(raw json.RawMessage) any {
	var req wire.GetActivePeersRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	return wire.ActivePeersReply{Status: true, Peers: s.reg.ActivePeers(req.Username)}
}

func (s *Server) handleCreateRoom(raw json.RawMessage, connIP string) any {
	var req wire.CreateRoomRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if !security.ValidPort(req.Port) {
		return wire.Refuse("invalid port")
	}
	key := PeerKey{IP: connIP, Port: req.Port}
	if err := s.reg.CreateRoom(req.RoomName, req.Username, key); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OK()
}

func (s *Server) handleListRooms() any {
	return wire.ListRoomsReply{Status: true, Rooms: s.reg.Rooms()}
}

func (s *Server) handleDeleteRoom(raw json.RawMessage, connIP string) any {
	var req wire.DeleteRoomRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if err := s.reg.DeleteRoom(req.RoomName, req.Username, connIP); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OK()
}

func (s *Server) handleRoomMemberUpdate(raw json.RawMessage, connIP string) any {
	var req wire.RoomMemberUpdateRequest
	if err := wire.Decode(raw, &req); err != nil {
		return wire.Crash(err.Error())
	}
	if err := s.reg.RoomMemberUpdate(req.RoomName, req.Username, req.Event, connIP); err != nil {
		return wire.Refuse(err.Error())
	}
	return wire.OK()
}
