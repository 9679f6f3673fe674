package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/chat"
	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/fatih/color"
)

// Menu colors, one SprintfFunc per purpose.
var (
	titleColor = color.New(color.Bold).SprintfFunc()
	okColor    = color.New(color.FgGreen).SprintfFunc()
	warnColor  = color.New(color.FgYellow).SprintfFunc()
	failColor  = color.New(color.FgHiRed).SprintfFunc()
	nameColor  = color.New(color.FgCyan).SprintfFunc()
)

// tierColor renders a reputation tier in its own color.
func tierColor(t reputation.Tier) string {
	switch t {
	case reputation.TierDiamante:
		return color.New(color.FgHiCyan).Sprint(string(t))
	case reputation.TierOuro:
		return color.New(color.FgHiYellow).Sprint(string(t))
	case reputation.TierPrata:
		return color.New(color.FgHiWhite).Sprint(string(t))
	default:
		return color.New(color.FgRed).Sprint(string(t))
	}
}

// menu drives the interactive peer session.
type menu struct {
	app     *peerApp
	scanner *bufio.Scanner
	out     io.Writer
}

func newMenu(app *peerApp) *menu {
	return &menu{
		app:     app,
		scanner: bufio.NewScanner(app.stdin),
		out:     app.stdout,
	}
}

// loop runs the menu until the user quits, stdin closes, or ctx is
// canceled. While an incoming chat session owns stdin the menu idles.
func (m *menu) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if m.app.chatActive.Load() {
			time.Sleep(time.Second)
			continue
		}
		var again bool
		if m.app.username == "" {
			again = m.loggedOut(ctx)
		} else {
			again = m.loggedIn(ctx)
		}
		if !again {
			return
		}
	}
}

func (m *menu) loggedOut(ctx context.Context) bool {
	m.printf("\n%s\n", titleColor("chunkswarm peer"))
	m.printf("  [1] Register\n")
	m.printf("  [2] Login\n")
	m.printf("  [3] Quit\n")

	choice, ok := m.readLine("> ")
	if !ok {
		return false
	}
	switch choice {
	case "1":
		m.register(ctx)
	case "2":
		m.login(ctx)
	case "3":
		return false
	case "":
	default:
		m.printf("%s\n", warnColor("unknown option %q", choice))
	}
	return true
}

func (m *menu) loggedIn(ctx context.Context) bool {
	m.printf("\n%s\n", titleColor("Logged in as %s  |  port %d", m.app.username, m.app.endpoint.Port()))
	m.printf("  [1] Announce shared files\n")
	m.printf("  [2] List network files\n")
	m.printf("  [3] Download a file\n")
	m.printf("  [4] Collaboration ranking\n")
	m.printf("  [5] Chat with a peer\n")
	m.printf("  [6] Chat rooms\n")
	m.printf("  [7] Logout\n")

	choice, ok := m.readLine("> ")
	if !ok {
		return false
	}
	switch choice {
	case "1":
		m.announce(ctx)
	case "2":
		m.listFiles(ctx)
	case "3":
		m.download(ctx)
	case "4":
		m.ranking(ctx)
	case "5":
		m.directChat(ctx)
	case "6":
		m.roomsMenu(ctx)
	case "7":
		m.logout(ctx)
	case "":
	default:
		m.printf("%s\n", warnColor("unknown option %q", choice))
	}
	return true
}

func (m *menu) register(ctx context.Context) {
	username, ok := m.readLine("  Username: ")
	if !ok || username == "" {
		return
	}
	password, ok := m.readLine("  Password: ")
	if !ok {
		return
	}
	if err := m.app.tracker.Register(ctx, username, password); err != nil {
		m.printf("%s\n", failColor("registration failed: %v", err))
		return
	}
	m.printf("%s\n", okColor("registered, you can log in now"))
}

func (m *menu) login(ctx context.Context) {
	username, ok := m.readLine("  Username: ")
	if !ok || username == "" {
		return
	}
	password, ok := m.readLine("  Password: ")
	if !ok {
		return
	}
	if err := m.app.login(ctx, username, password); err != nil {
		m.printf("%s\n", failColor("login failed: %v", err))
		return
	}
	m.printf("%s\n", okColor("logged in as %s, serving chunks on port %d",
		m.app.username, m.app.endpoint.Port()))
}

func (m *menu) logout(ctx context.Context) {
	if err := m.app.logout(ctx); err != nil {
		m.printf("%s\n", warnColor("logout: %v", err))
		return
	}
	m.printf("%s\n", okColor("logged out"))
}

func (m *menu) announce(ctx context.Context) {
	note, n, err := m.app.announceShared(ctx)
	if err != nil {
		m.printf("%s\n", failColor("announce failed: %v", err))
		return
	}
	if n == 0 {
		m.printf("%s\n", warnColor("shared folder is empty, add files with 'chunkswarm share add'"))
		return
	}
	if note == "" {
		note = fmt.Sprintf("%d files announced", n)
	}
	m.printf("%s\n", okColor("%s", note))
}

func (m *menu) listFiles(ctx context.Context) {
	files, err := m.app.tracker.ListFiles(ctx)
	if err != nil {
		m.printf("%s\n", failColor("listing files failed: %v", err))
		return
	}
	m.app.catalog = files
	if len(files) == 0 {
		m.printf("%s\n", warnColor("no files on the network yet"))
		return
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	m.printf("\n%s\n", titleColor("Files on the network"))
	for _, name := range names {
		entry := files[name]
		var best float64
		for _, p := range entry.Peers {
			if p.Score > best {
				best = p.Score
			}
		}
		m.printf("  - %s (size %s, peers %d, best score %.2f)\n",
			nameColor("%s", name), formatBytes(entry.Size), len(entry.Peers), best)
	}
}

func (m *menu) download(ctx context.Context) {
	if len(m.app.catalog) == 0 {
		m.printf("%s\n", warnColor("list the network files first (option 2)"))
		return
	}
	name, ok := m.readLine("  File name: ")
	if !ok || name == "" {
		return
	}
	entry, found := m.app.catalog[name]
	if !found {
		m.printf("%s\n", failColor("%q is not in the network list", name))
		return
	}

	m.printf("Downloading %s (%s) from up to %d peers...\n",
		nameColor("%s", name), formatBytes(entry.Size), len(entry.Peers))
	res, err := m.app.engine.Download(ctx, name, entry)
	if err != nil {
		m.printf("%s\n", failColor("download failed: %v", err))
		return
	}
	m.printf("%s\n", okColor("saved %s (%s in %s, %d workers as %s)",
		res.Path, formatBytes(res.Size), res.Duration.Round(10*time.Millisecond),
		res.Workers, res.Tier))
}

func (m *menu) ranking(ctx context.Context) {
	scores, err := m.app.tracker.Scores(ctx)
	if err != nil {
		m.printf("%s\n", failColor("fetching ranking failed: %v", err))
		return
	}
	if len(scores) == 0 {
		m.printf("%s\n", warnColor("no scores yet"))
		return
	}

	m.printf("\n%s\n", titleColor("Collaboration ranking"))
	for i, rs := range scores {
		m.printf("  %d. %s: score %.2f [%s] (uploads %d, uptime %.1f min)\n",
			i+1, nameColor("%s", rs.Username), rs.Stats.Score, tierColor(rs.Stats.Tier),
			rs.Stats.Uploads, float64(rs.Stats.UptimeSeconds)/60)
	}
}

func (m *menu) directChat(ctx context.Context) {
	peers, err := m.app.tracker.ActivePeers(ctx, m.app.username, m.app.endpoint.Port())
	if err != nil {
		m.printf("%s\n", failColor("fetching active peers failed: %v", err))
		return
	}
	if len(peers) == 0 {
		m.printf("%s\n", warnColor("no other peers online"))
		return
	}

	m.printf("\n%s\n", titleColor("Active peers"))
	for i, p := range peers {
		m.printf("  [%d] %s (%s)\n", i+1, nameColor("%s", p.Username), p.Address)
	}
	choice, ok := m.readLine("  Peer number (0 cancels): ")
	if !ok || choice == "" || choice == "0" {
		return
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(peers) {
		m.printf("%s\n", warnColor("invalid peer number"))
		return
	}
	target := peers[n-1]

	m.printf("%s\n", titleColor("Connected to %s. Type %s to leave.", target.Username, chat.QuitCommand))
	err = chat.Dial(ctx, target.Address, m.app.username, chat.SessionConfig{
		RemoteUser: target.Username,
		In:         m.app.stdin,
		Out:        m.out,
		Logger:     m.app.logger,
	})
	if err != nil && ctx.Err() == nil {
		m.printf("%s\n", failColor("chat ended: %v", err))
	}
}

func (m *menu) roomsMenu(ctx context.Context) {
	for ctx.Err() == nil {
		m.printf("\n%s\n", titleColor("Chat rooms"))
		m.printf("  [1] List rooms\n")
		m.printf("  [2] Create a room\n")
		m.printf("  [3] Join a room\n")
		m.printf("  [4] Delete a room\n")
		m.printf("  [0] Back\n")

		choice, ok := m.readLine("> ")
		if !ok {
			return
		}
		switch choice {
		case "1":
			m.listRooms(ctx)
		case "2":
			m.createRoom(ctx)
		case "3":
			m.joinRoom(ctx)
		case "4":
			m.deleteRoom(ctx)
		case "0":
			return
		case "":
		default:
			m.printf("%s\n", warnColor("unknown option %q", choice))
		}
	}
}

func (m *menu) listRooms(ctx context.Context) {
	rooms, err := m.app.tracker.Rooms(ctx)
	if err != nil {
		m.printf("%s\n", failColor("listing rooms failed: %v", err))
		return
	}
	if len(rooms) == 0 {
		m.printf("%s\n", warnColor("no rooms yet"))
		return
	}

	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := rooms[name]
		members := "empty"
		if len(info.Members) > 0 {
			members = strings.Join(info.Members, ", ")
		}
		m.printf("  - %s (moderator %s) [%s]\n", nameColor("%s", name), info.Moderator, members)
	}
}

func (m *menu) createRoom(ctx context.Context) {
	name, ok := m.readLine("  Room name: ")
	if !ok || name == "" {
		return
	}
	if err := m.app.tracker.CreateRoom(ctx, name, m.app.username, m.app.endpoint.Port()); err != nil {
		m.printf("%s\n", failColor("creating room failed: %v", err))
		return
	}
	if err := m.app.rooms.Open(name); err != nil {
		m.printf("%s\n", warnColor("room registered but hosting it failed: %v", err))
		return
	}
	m.printf("%s\n", okColor("room %q created, hosted from this peer", name))
}

func (m *menu) joinRoom(ctx context.Context) {
	rooms, err := m.app.tracker.Rooms(ctx)
	if err != nil {
		m.printf("%s\n", failColor("listing rooms failed: %v", err))
		return
	}
	name, ok := m.readLine("  Room name: ")
	if !ok || name == "" {
		return
	}
	info, found := rooms[name]
	if !found {
		m.printf("%s\n", failColor("room %q does not exist", name))
		return
	}

	// A moderator joins their own room through the same wire path as
	// everyone else; the Host reference is what arms /ban.
	var host *chat.Host
	if m.app.rooms.Hosting(name) {
		host = m.app.rooms
	}

	m.printf("%s\n", titleColor("Joined %s. Type %s to leave.", name, chat.QuitCommand))
	if host != nil {
		m.printf("%s\n", warnColor("you moderate this room, %s <user> removes a member", chat.BanCommand))
	}
	err = chat.Join(ctx, chat.JoinConfig{
		Addr:     info.Address,
		RoomName: name,
		Username: m.app.username,
		Host:     host,
		In:       m.app.stdin,
		Out:      m.out,
		Logger:   m.app.logger,
	})
	if err != nil && ctx.Err() == nil {
		m.printf("%s\n", failColor("room session ended: %v", err))
	}
}

func (m *menu) deleteRoom(ctx context.Context) {
	name, ok := m.readLine("  Room name: ")
	if !ok || name == "" {
		return
	}
	if err := m.app.tracker.DeleteRoom(ctx, name, m.app.username); err != nil {
		m.printf("%s\n", failColor("deleting room failed: %v", err))
		return
	}
	if m.app.rooms.Hosting(name) {
		m.app.rooms.Close(name)
	}
	m.printf("%s\n", okColor("room %q deleted", name))
}

// readLine prints the prompt and reads one trimmed line. ok is false
// once stdin is exhausted.
func (m *menu) readLine(prompt string) (string, bool) {
	m.printf("%s", prompt)
	if !m.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(m.scanner.Text()), true
}

func (m *menu) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(m.out, format, args...)
}
