package wire

import "github.com/chunkswarm/chunkswarm/internal/reputation"

// StatusReply is the generic outcome reply. Message carries the refusal
// reason on status=false; Error is set only when a handler crashed.
type StatusReply struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK is the bare success reply.
func OK() StatusReply {
	return StatusReply{Status: true}
}

// OKMessage is a success reply with a human-readable note.
func OKMessage(msg string) StatusReply {
	return StatusReply{Status: true, Message: msg}
}

/// Refuse is a protocol-level refusal: the request was understood but not
// allowed or not satisfiable.
func Refuse(msg string) StatusReply {
	return StatusReply{Status: false, Message: msg}
}

// Crash reports a handler failure without killing the connection contract.
func Crash(detail string) StatusReply {
	return StatusReply{Status: false, Error: detail}
}

// RegisterRequest creates a user account.
type RegisterRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest opens a session. Port is the peer's service endpoint port;
// the host half of the peer address is taken from the connection itself.
type LoginRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

// LogoutRequest closes the session registered at (connection IP, Port).
type LogoutRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// FileMeta describes one announced file.
type FileMeta struct {
	Size        int64    `json:"size"`
	Hash        string   `json:"hash"`
	ChunkHashes []string `json:"chunk_hashes"`
}

// AnnounceRequest publishes the files a peer is serving.
type AnnounceRequest struct {
	Action   Action              `json:"action"`
	Username string              `json:"username"`
	Port     int                 `json:"port"`
	Files    map[string]FileMeta `json:"files"`
}

// ListFilesRequest asks for the downloadable file index.
type ListFilesRequest struct {
	Action Action `json:"action"`
}

// FilePeer is one source for a file, annotated with its reputation.
type FilePeer struct {
	Peer  string          `json:"peer"`
	Score float64         `json:"score"`
	Tier  reputation.Tier `json:"tier"`
}

// FileEntry is one file in the index with its currently-active sources.
type FileEntry struct {
	Size        int64      `json:"size"`
	Hash        string     `json:"hash"`
	ChunkHashes []string   `json:"chunk_hashes"`
	Peers       []FilePeer `json:"peers"`
}

// ListFilesReply maps file name to entry. Files with no active sources
// still appear, with an empty peer list. Unlike every other reply this
// one carries no status field; the catalog object is the whole answer.
type ListFilesReply struct {
	Files map[string]FileEntry `json:"files"`
}

// ReportUploadRequest credits the named user with one completed chunk
// upload. Sent by the serving peer about itself.
type ReportUploadRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// GetScoresRequest asks for the full ranking table.
type GetScoresRequest struct {
	Action Action `json:"action"`
}

// ScoresReply carries the ranking ordered best-first. Each entry is a
// [username, stats] pair on the wire.
type ScoresReply struct {
	Status bool                     `json:"status"`
	Scores []reputation.RankedScore `json:"scores"`
}

// GetPeerScoreRequest asks for one user's score and tier.
type GetPeerScoreRequest struct {
	Action         Action `json:"action"`
	TargetUsername string `json:"target_username"`
}

// PeerScoreReply answers GetPeerScoreRequest. Unknown users come back as
// score zero, bronze.
type PeerScoreReply struct {
	Status bool            `json:"status"`
	Score  float64         `json:"score"`
	Tier   reputation.Tier `json:"tier"`
}

// GetActivePeersRequest lists logged-in peers other than the caller,
// identified by its service port.
type GetActivePeersRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// ActivePeer is one logged-in peer. LoginTime is Unix seconds.
type ActivePeer struct {
	Username  string  `json:"username"`
	Address   string  `json:"address"`
	LoginTime float64 `json:"login_time"`
}

// ActivePeersReply answers GetActivePeersRequest.
type ActivePeersReply struct {
	Status bool         `json:"status"`
	Peers  []ActivePeer `json:"peers"`
}

// CreateRoomRequest opens a chat room hosted at the caller's endpoint.
type CreateRoomRequest struct {
	Action   Action `json:"action"`
	RoomName string `json:"room_name"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// ListRoomsRequest asks for the joinable rooms.
type ListRoomsRequest struct {
	Action Action `json:"action"`
}

// RoomInfo is one joinable room: who moderates it, where its host
// listens, and who is inside.
type RoomInfo struct {
	Moderator string   `json:"moderator"`
	Address   string   `json:"address"`
	Members   []string `json:"members"`
}

// ListRoomsReply maps room name to info.
type ListRoomsReply struct {
	Status bool                `json:"status"`
	Rooms  map[string]RoomInfo `json:"rooms"`
}

// DeleteRoomRequest removes a room. Only its moderator may send it; the
// tracker matches the caller against the moderator's live session.
type DeleteRoomRequest struct {
	Action   Action `json:"action"`
	RoomName string `json:"room_name"`
	Username string `json:"username"`
}

// RoomMemberUpdateRequest reports a join or leave observed by the room
// host. Event is RoomEventJoin or RoomEventLeave.
type RoomMemberUpdateRequest struct {
	Action   Action `json:"action"`
	RoomName string `json:"room_name"`
	Username string `json:"username"`
	Event    string `json:"event"`
}

// ChunkRequest asks a peer for one chunk of a shared file. The peer
// answers with raw chunk bytes and closes, or closes silently when it
// cannot serve.
type ChunkRequest struct {
	Action     Action `json:"action"`
	FileName   string `json:"file_name"`
	ChunkIndex int    `json:"chunk_index"`
	Username   string `json:"username"`
}

// ChatRequest opens a direct chat session on the receiving peer.
type ChatRequest struct {
	Action   Action `json:"action"`
	FromUser string `json:"from_user"`
}

// JoinRoomRequest attaches the caller to a room hosted by the receiving
// peer. The connection stays open as the chat transport.
type JoinRoomRequest struct {
	Action   Action `json:"action"`
	RoomName string `json:"room_name"`
	Username string `json:"username"`
}
