package tracker

import (
	"fmt"

	"github.com/chunkswarm/chunkswarm/internal/audit"
	"github.com/chunkswarm/chunkswarm/internal/persist"
	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// CreateRoom registers a chat room hosted at the caller's peer
// endpoint. The caller must be logged in at key under username and
// becomes the moderator. Room names are unique forever: a name used by
// a deleted room stays retired so its group log never gets mixed with
// a stranger's.
func (r *Registry) CreateRoom(roomName, username string, key PeerKey) error {
	clean, err := security.CleanRoomName(roomName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ap, ok := r.active[key]
	if !ok {
		return ErrNotLoggedIn
	}
	if ap.Username != username {
		return ErrNotAuthorized
	}
	if _, exists := r.rooms[clean]; exists {
		return ErrRoomExists
	}

	r.rooms[clean] = &persist.RoomState{
		Moderator: username,
		Address:   key.Address(),
		Members:   []string{},
	}
	r.persistLocked()

	r.metrics.ChatRooms.Set(int64(r.liveRoomCountLocked()))
	r.auditor.Log(audit.NewRoomCreatedEvent(clean, username, key.Address()))
	return nil
}

// Rooms lists the joinable rooms. Deleted rooms are kept in the
// snapshot for their history but never shown here.
func (r *Registry) Rooms() map[string]wire.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]wire.RoomInfo)
	for name, room := range r.rooms {
		if room.Old {
			continue
		}
		members := make([]string, len(room.Members))
		copy(members, room.Members)
		out[name] = wire.RoomInfo{
			Moderator: room.Moderator,
			Address:   room.Address,
			Members:   members,
		}
	}
	return out
}

// DeleteRoom retires a room. Only the moderator may delete, and the
// request carries no port, so the caller is matched by holding an
// active session under that name from connIP. The room record stays in
// the snapshot flagged old.
func (r *Registry) DeleteRoom(roomName, username, connIP string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomName]
	if !ok || room.Old {
		return ErrUnknownRoom
	}
	if room.Moderator != username {
		return ErrNotModerator
	}
	key, _, ok := r.sessionForUserLocked(username)
	if !ok {
		return ErrNotLoggedIn
	}
	if key.IP != connIP {
		return ErrNotAuthorized
	}

	room.Old = true
	room.Members = []string{}
	r.persistLocked()

	r.metrics.ChatRooms.Set(int64(r.liveRoomCountLocked()))
	r.auditor.Log(audit.NewRoomDeletedEvent(roomName, username))
	return nil
}

// RoomMemberUpdate applies a join or leave reported by the room host.
// Only the host may report, and the request carries no credentials, so
// the caller is verified by source IP against the room address.
func (r *Registry) RoomMemberUpdate(roomName, username, event, connIP string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomName]
	if !ok || room.Old {
		return ErrUnknownRoom
	}
	if security.HostOf(room.Address) != connIP {
		return ErrNotAuthorized
	}

	switch event {
	case wire.RoomEventJoin:
		for _, m := range room.Members {
			if m == username {
				return nil
			}
		}
		room.Members = append(room.Members, username)
	case wire.RoomEventLeave:
		kept := room.Members[:0]
		for _, m := range room.Members {
			if m != username {
				kept = append(kept, m)
			}
		}
		room.Members = kept
	default:
		return fmt.Errorf("unknown room event %q", event)
	}

	r.persistLocked()
	return nil
}
