// Package store keeps the peer's local share library and download
// history in a small sqlite database next to the shared directory.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SharedFile is one pre-split entry in the local library. Size and
// MTimeUnix are compared against the file on disk to decide whether
// the stored split is still current.
type SharedFile struct {
	Name        string
	Size        int64
	MTimeUnix   int64
	FileHash    string
	ChunkHashes []string
	SplitAt     time.Time
}

// Current reports whether the entry still describes a file with the
// given size and modification time.
func (sf *SharedFile) Current(size, mtimeUnix int64) bool {
	return sf.Size == size && sf.MTimeUnix == mtimeUnix
}

// Download is one completed fetch, kept for history display.
type Download struct {
	FileName    string
	FileHash    string
	Size        int64
	Workers     int
	Duration    time.Duration
	CompletedAt time.Time
}

// Store wraps the library database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the library database at path, creating it and its parent
// directory as needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shared_files (
			name TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			mtime_unix INTEGER NOT NULL,
			file_hash TEXT NOT NULL,
			chunk_hashes TEXT NOT NULL,
			split_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_name TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			workers INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_downloads_completed_at
		ON downloads(completed_at);
	`)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupShared returns the library entry for name, or nil when the
// file was never split.
func (s *Store) LookupShared(name string) (*SharedFile, error) {
	var sf SharedFile
	var hashesJSON string
	var splitAt int64

	err := s.db.QueryRow(`
		SELECT name, size, mtime_unix, file_hash, chunk_hashes, split_at
		FROM shared_files WHERE name = ?`, name).Scan(
		&sf.Name, &sf.Size, &sf.MTimeUnix, &sf.FileHash, &hashesJSON, &splitAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(hashesJSON), &sf.ChunkHashes); err != nil {
		return nil, fmt.Errorf("corrupt chunk hash list for %s: %w", name, err)
	}
	sf.SplitAt = time.Unix(splitAt, 0)
	return &sf, nil
}

// PutShared inserts or replaces a library entry.
func (s *Store) PutShared(sf *SharedFile) error {
	hashesJSON, err := json.Marshal(sf.ChunkHashes)
	if err != nil {
		return err
	}
	splitAt := sf.SplitAt
	if splitAt.IsZero() {
		splitAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO shared_files (name, size, mtime_unix, file_hash, chunk_hashes, split_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sf.Name, sf.Size, sf.MTimeUnix, sf.FileHash, string(hashesJSON), splitAt.Unix())
	return err
}

// RemoveShared drops one library entry. Removing an absent entry is
// not an error.
func (s *Store) RemoveShared(name string) error {
	_, err := s.db.Exec(`DELETE FROM shared_files WHERE name = ?`, name)
	return err
}

// SharedFiles returns the whole library ordered by name.
func (s *Store) SharedFiles() ([]*SharedFile, error) {
	rows, err := s.db.Query(`
		SELECT name, size, mtime_unix, file_hash, chunk_hashes, split_at
		FROM shared_files ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*SharedFile
	for rows.Next() {
		var sf SharedFile
		var hashesJSON string
		var splitAt int64
		if err := rows.Scan(&sf.Name, &sf.Size, &sf.MTimeUnix, &sf.FileHash, &hashesJSON, &splitAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(hashesJSON), &sf.ChunkHashes); err != nil {
			return nil, fmt.Errorf("corrupt chunk hash list for %s: %w", sf.Name, err)
		}
		sf.SplitAt = time.Unix(splitAt, 0)
		files = append(files, &sf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shared files: %w", err)
	}

	return files, nil
}

// RecordDownload appends one history row.
func (s *Store) RecordDownload(d *Download) error {
	completedAt := d.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO downloads (file_name, file_hash, size, workers, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.FileName, d.FileHash, d.Size, d.Workers, d.Duration.Milliseconds(), completedAt.Unix())
	return err
}

// Downloads returns the fetch history, newest first. limit 0 means all.
func (s *Store) Downloads(limit int) ([]*Download, error) {
	q := `
		SELECT file_name, file_hash, size, workers, duration_ms, completed_at
		FROM downloads ORDER BY completed_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		var d Download
		var durationMS, completedAt int64
		if err := rows.Scan(&d.FileName, &d.FileHash, &d.Size, &d.Workers, &durationMS, &completedAt); err != nil {
			return nil, err
		}
		d.Duration = time.Duration(durationMS) * time.Millisecond
		d.CompletedAt = time.Unix(completedAt, 0)
		downloads = append(downloads, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating downloads: %w", err)
	}

	return downloads, nil
}
