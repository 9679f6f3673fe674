package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/sanitize"
	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Tracker is the slice of the tracker API the room host needs.
type Tracker interface {
	RoomMemberUpdate(ctx context.Context, room, username, event string) error
}

// Host carries the state a moderator keeps while hosting rooms:
// connected members, the ban list, and the on-disk message log. Member
// connections arrive through the peer endpoint's join_room handler.
type Host struct {
	logDir  string
	tracker Tracker
	logger  *zap.Logger

	mu    sync.Mutex
	rooms map[string]*hostedRoom
}

type hostedRoom struct {
	members map[string]net.Conn
	banned  map[string]struct{}
	logPath string
}

func NewHost(logDir string, tracker Tracker, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		logDir:  logDir,
		tracker: tracker,
		logger:  logger,
		rooms:   make(map[string]*hostedRoom),
	}
}

// Open starts hosting a room. The caller registers the room with the
// tracker first; Open only prepares local state.
func (h *Host) Open(roomName string) error {
	clean, err := security.CleanRoomName(roomName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(h.logDir, 0755); err != nil {
		return fmt.Errorf("create chat log dir: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[clean]; ok {
		return fmt.Errorf("room %q is already hosted", clean)
	}
	h.rooms[clean] = &hostedRoom{
		members: make(map[string]net.Conn),
		banned:  make(map[string]struct{}),
		logPath: filepath.Join(h.logDir, clean+".log"),
	}
	return nil
}

// Hosting reports whether this peer currently hosts roomName.
func (h *Host) Hosting(roomName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[roomName]
	return ok
}

// Close stops hosting a room and disconnects every member. Members see
// a plain EOF; the tracker already cleared the member list when the
// room was deleted.
func (h *Host) Close(roomName string) {
	h.mu.Lock()
	room := h.rooms[roomName]
	delete(h.rooms, roomName)
	var conns []net.Conn
	if room != nil {
		for _, c := range room.members {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Accept handles one joining member and blocks until they disconnect.
// It is wired as the peer endpoint's join_room handler, so the caller
// owns the connection and closes it when Accept returns.
func (h *Host) Accept(ctx context.Context, conn net.Conn, req wire.JoinRoomRequest) {
	logger := h.logger.With(
		zap.String("room", sanitize.RoomName(req.RoomName)),
		zap.String("member", sanitize.Username(req.Username)),
	)

	h.mu.Lock()
	room := h.rooms[req.RoomName]
	if room == nil {
		h.mu.Unlock()
		logger.Debug("join for a room not hosted here")
		return
	}
	if _, banned := room.banned[req.Username]; banned {
		h.mu.Unlock()
		fmt.Fprintln(conn, "you are banned from this room")
		logger.Info("banned member refused")
		return
	}
	if old := room.members[req.Username]; old != nil {
		old.Close()
	}
	room.members[req.Username] = conn
	logPath := room.logPath
	h.mu.Unlock()

	h.replayLog(conn, logPath)

	if err := h.tracker.RoomMemberUpdate(ctx, req.RoomName, req.Username, "join"); err != nil {
		logger.Warn("tracker join update failed", zap.Error(err))
	}
	logger.Info("member joined")

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		stamped := fmt.Sprintf("[%s][%s] [%s] %s",
			req.RoomName, time.Now().Format("15:04:05"), req.Username, line)
		h.appendLog(req.RoomName, stamped)
		h.broadcast(req.RoomName, stamped, req.Username)
	}

	// A member banned mid-session was already removed; only emit the
	// leave if this connection is still the registered one.
	h.mu.Lock()
	room = h.rooms[req.RoomName]
	left := room != nil && room.members[req.Username] == conn
	if left {
		delete(room.members, req.Username)
	}
	h.mu.Unlock()

	if left {
		if err := h.tracker.RoomMemberUpdate(ctx, req.RoomName, req.Username, "leave"); err != nil {
			logger.Warn("tracker leave update failed", zap.Error(err))
		}
		logger.Info("member left")
	}
}

// Ban ejects target from roomName and refuses any rejoin. Only the
// hosting process can reach it, which is what restricts the command to
// the moderator.
func (h *Host) Ban(ctx context.Context, roomName, target string) error {
	h.mu.Lock()
	room := h.rooms[roomName]
	if room == nil {
		h.mu.Unlock()
		return fmt.Errorf("room %q is not hosted here", roomName)
	}
	conn, ok := room.members[target]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s is not in the room", target)
	}
	delete(room.members, target)
	room.banned[target] = struct{}{}
	h.mu.Unlock()

	fmt.Fprintln(conn, "you have been removed by the moderator")
	conn.Close()

	h.broadcast(roomName, fmt.Sprintf("%s was banned from the room", target), "")
	if err := h.tracker.RoomMemberUpdate(ctx, roomName, target, "leave"); err != nil {
		h.logger.Warn("tracker leave update failed",
			zap.String("room", roomName), zap.Error(err))
	}
	return nil
}

// replayLog streams the room history to a fresh member.
func (h *Host) replayLog(conn net.Conn, logPath string) {
	f, err := os.Open(logPath)
	if err != nil {
		return // no history yet
	}
	defer f.Close()
	io.Copy(conn, f)
}

func (h *Host) appendLog(roomName, line string) {
	h.mu.Lock()
	room := h.rooms[roomName]
	if room == nil {
		h.mu.Unlock()
		return
	}
	path := room.logPath
	h.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		h.logger.Warn("cannot append chat log",
			zap.String("room", roomName), zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// broadcast fans a line out to every member except skip. Writes happen
// outside the lock; a dead member is reaped by its own session loop
// when the next read fails.
func (h *Host) broadcast(roomName, line, skip string) {
	h.mu.Lock()
	room := h.rooms[roomName]
	var conns []net.Conn
	if room != nil {
		for name, c := range room.members {
			if name == skip {
				continue
			}
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		fmt.Fprintln(c, line)
	}
}
