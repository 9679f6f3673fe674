// Package security validates untrusted names and addresses arriving over
// the wire before they touch the filesystem or the peer registry.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

var (
	// ErrUnsafeName is returned for file names that could escape the
	// shared directory or corrupt logs and indexes.
	ErrUnsafeName = errors.New("unsafe file name")

	// ErrBadAddress is returned for malformed or out-of-range peer
	// addresses.
	ErrBadAddress = errors.New("invalid peer address")
)

// MaxNameLength bounds file and room names. Longer names are rejected
// rather than truncated so both sides agree on the key.
const MaxNameLength = 255

// CleanFileName validates a file name received from a remote peer. Names
// are keys into the tracker index and path components on disk, so anything
// that could traverse directories is rejected: separators, "..", leading
// slashes and control characters.
func CleanFileName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsafeName)
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrUnsafeName, MaxNameLength)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: contains path separator", ErrUnsafeName)
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: contains parent reference", ErrUnsafeName)
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control character", ErrUnsafeName)
		}
	}
	return name, nil
}

// WithinBase reports whether path resolves to a location inside base.
// Callers join validated components and still check the result, so a bug
// in the joining logic cannot turn into an escape.
func WithinBase(base, path string) bool {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CleanRoomName validates a chat room name. Rooms never touch the
// filesystem directly, but their names end up in the moderator's log file
// path, so the same rules apply.
func CleanRoomName(name string) (string, error) {
	return CleanFileName(name)
}
