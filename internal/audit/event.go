// Package audit records security-relevant tracker activity to an
// append-only JSON log: account changes, session churn, and everything
// that moves a reputation score.
package audit

import (
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventUserRegistered is logged when a new account is created.
	EventUserRegistered EventType = "user_registered"
	// EventPeerLogin is logged when a peer starts a session.
	EventPeerLogin EventType = "peer_login"
	// EventPeerLogout is logged when a session ends, with the uptime
	// credited to the user's score.
	EventPeerLogout EventType = "peer_logout"
	// EventFilesAnnounced is logged when a peer publishes its catalog.
	EventFilesAnnounced EventType = "files_announced"
	// EventUploadReported is logged when a served chunk is credited.
	EventUploadReported EventType = "upload_reported"
	// EventRoomCreated is logged when a chat room is opened.
	EventRoomCreated EventType = "room_created"
	// EventRoomDeleted is logged when a chat room is closed.
	EventRoomDeleted EventType = "room_deleted"
	// EventRequestRejected is logged when a request fails authorization.
	EventRequestRejected EventType = "request_rejected"
	// EventSnapshotFailed is logged when persisting tracker state fails.
	EventSnapshotFailed EventType = "snapshot_failed"
)

// Event is a single audit log entry.
type Event struct {
	// Timestamp when the event occurred (RFC3339 in JSON).
	Timestamp time.Time `json:"timestamp"`

	// EventType identifies what happened.
	EventType EventType `json:"event_type"`

	// Username is the account the event concerns.
	Username string `json:"username,omitempty"`

	// Address is the peer endpoint involved, as ip:port.
	Address string `json:"address,omitempty"`

	// Room is the chat room name for room events.
	Room string `json:"room,omitempty"`

	// Action is the request action for rejections.
	Action string `json:"action,omitempty"`

	// FileCount is how many files an announce carried.
	FileCount int `json:"file_count,omitempty"`

	// Uploads is the user's upload count after the event.
	Uploads int64 `json:"uploads,omitempty"`

	// UptimeSeconds is the session length credited at logout.
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`

	// Score is the user's score after the event.
	Score float64 `json:"score,omitempty"`

	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`

	// Error carries failure details.
	Error string `json:"error,omitempty"`
}

// NewUserRegisteredEvent records a new account.
func NewUserRegisteredEvent(username string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventUserRegistered,
		Username:  username,
	}
}

// NewPeerLoginEvent records the start of a session.
func NewPeerLoginEvent(username, address string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventPeerLogin,
		Username:  username,
		Address:   address,
	}
}

// NewPeerLogoutEvent records the end of a session and the credit it
// earned.
func NewPeerLogoutEvent(username, address string, uptimeSeconds, score float64) Event {
	return Event{
		Timestamp:     time.Now(),
		EventType:     EventPeerLogout,
		Username:      username,
		Address:       address,
		UptimeSeconds: uptimeSeconds,
		Score:         score,
	}
}

// NewFilesAnnouncedEvent records a catalog publication.
func NewFilesAnnouncedEvent(username, address string, fileCount int) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventFilesAnnounced,
		Username:  username,
		Address:   address,
		FileCount: fileCount,
	}
}

// NewUploadReportedEvent records an upload credit and the resulting
// totals.
func NewUploadReportedEvent(username string, uploads int64, score float64) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventUploadReported,
		Username:  username,
		Uploads:   uploads,
		Score:     score,
	}
}

// NewRoomCreatedEvent records a chat room opening.
func NewRoomCreatedEvent(room, moderator, address string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventRoomCreated,
		Username:  moderator,
		Address:   address,
		Room:      room,
	}
}

// NewRoomDeletedEvent records a chat room closing.
func NewRoomDeletedEvent(room, moderator string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventRoomDeleted,
		Username:  moderator,
		Room:      room,
	}
}

// NewRequestRejectedEvent records a request that failed validation or
// authorization.
func NewRequestRejectedEvent(action, username, address, reason string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventRequestRejected,
		Action:    action,
		Username:  username,
		Address:   address,
		Reason:    reason,
	}
}

// NewSnapshotFailedEvent records a failed state snapshot.
func NewSnapshotFailedEvent(err string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventSnapshotFailed,
		Error:     err,
	}
}
