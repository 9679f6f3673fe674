// Package persist stores the tracker's durable state: registered users,
// reputation scores, and chat rooms. Active peers and the file catalog
// are session-lived and never written to disk.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/reputation"
)

// ErrCorruptSnapshot means the primary snapshot exists but cannot be
// parsed. The tracker refuses to boot over it rather than silently
// dropping the user database.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// RoomState is the durable form of a chat room.
type RoomState struct {
	Moderator string   `json:"moderator"`
	Address   string   `json:"address"`
	Members   []string `json:"members"`
	Old       bool     `json:"old"`
}

// Snapshot is everything that survives a tracker restart.
type Snapshot struct {
	Users  map[string]string            `json:"users"`
	Scores map[string]*reputation.Stats `json:"scores"`
	Rooms  map[string]*RoomState        `json:"rooms"`
}

// NewSnapshot returns an empty snapshot with all maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:  make(map[string]string),
		Scores: make(map[string]*reputation.Stats),
		Rooms:  make(map[string]*RoomState),
	}
}

// Store reads and writes snapshots at a fixed path, with an optional
// seed snapshot used on first boot.
type Store struct {
	path     string
	seedPath string
	logger   *zap.Logger
}

// NewStore creates a store. seedPath may be empty; logger may be nil.
func NewStore(path, seedPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, seedPath: seedPath, logger: logger}
}

// Path returns the primary snapshot path.
func (s *Store) Path() string {
	return s.path
}

// Load restores the snapshot. The primary file wins if it exists and is
// non-empty; otherwise the seed is loaded and written through as the new
// primary. With neither present an empty snapshot is returned.
//
// Rooms coming off disk are flagged old, since their moderator peers are
// not live anymore. Scores are recomputed so the stored score and tier
// always match the current formulas.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil && len(data) > 0:
		snap, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, s.path, err)
		}
		s.normalize(snap)

		if err := s.archive(data); err != nil {
			s.logger.Warn("failed to archive previous snapshot", zap.Error(err))
		}
		s.logger.Info("loaded tracker state",
			zap.String("path", s.path),
			zap.Int("users", len(snap.Users)),
			zap.Int("rooms", len(snap.Rooms)))
		return snap, nil

	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if s.seedPath != "" {
		data, err := os.ReadFile(s.seedPath)
		if err == nil && len(data) > 0 {
			snap, err := decode(data)
			if err != nil {
				return nil, fmt.Errorf("%w: seed %s: %v", ErrCorruptSnapshot, s.seedPath, err)
			}
			s.normalize(snap)

			if err := s.Save(snap); err != nil {
				s.logger.Warn("failed to write seed through to primary", zap.Error(err))
			}
			s.logger.Info("seeded tracker state",
				zap.String("seed", s.seedPath),
				zap.Int("users", len(snap.Users)))
			return snap, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read seed snapshot: %w", err)
		}
	}

	s.logger.Info("starting with empty tracker state", zap.String("path", s.path))
	return NewSnapshot(), nil
}

// Save writes the snapshot atomically: marshal to a temp file in the
// same directory, sync, then rename over the primary. A crash mid-write
// leaves the previous snapshot intact.
func (s *Store) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// normalize fills nil maps, flags loaded rooms as old, and recomputes
// every score from its raw counters.
func (s *Store) normalize(snap *Snapshot) {
	if snap.Users == nil {
		snap.Users = make(map[string]string)
	}
	if snap.Scores == nil {
		snap.Scores = make(map[string]*reputation.Stats)
	}
	if snap.Rooms == nil {
		snap.Rooms = make(map[string]*RoomState)
	}

	for _, room := range snap.Rooms {
		room.Old = true
	}
	for _, stats := range snap.Scores {
		stats.Recompute()
	}
}
