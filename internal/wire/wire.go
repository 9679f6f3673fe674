// Package wire defines the JSON message protocol spoken between peers and
// the tracker, and between peers directly. Every connection carries exactly
// one request and at most one reply, each a single JSON object; chunk
// payloads are raw bytes terminated by the sender closing the connection.
package wire

// Action discriminates request types. Dispatchers decode the envelope
// first, then re-decode the full body as the action-specific struct.
type Action string

// Tracker actions.
const (
	ActionRegister         Action = "register"
	ActionLogin            Action = "login"
	ActionLogout           Action = "logout"
	ActionAnnounce         Action = "announce"
	ActionListFiles        Action = "list_files"
	ActionReportUpload     Action = "report_upload"
	ActionGetScores        Action = "get_scores"
	ActionGetPeerScore     Action = "get_peer_score"
	ActionGetActivePeers   Action = "get_active_peers"
	ActionCreateRoom       Action = "create_room"
	ActionListRooms        Action = "list_rooms"
	ActionDeleteRoom       Action = "delete_room"
	ActionRoomMemberUpdate Action = "room_member_update"
)

// Peer endpoint actions.
const (
	ActionRequestChunk Action = "request_chunk"
	ActionInitiateChat Action = "initiate_chat"
	ActionJoinRoom     Action = "join_room"
)

// Envelope is the first-pass decode target: only the discriminator.
type Envelope struct {
	Action Action `json:"action"`
}

// Room membership events carried by ActionRoomMemberUpdate.
const (
	RoomEventJoin  = "join"
	RoomEventLeave = "leave"
)
