// Package hashutil centralizes the SHA-256 hex hashing used for chunks,
// whole files and stored passwords.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// ErrMismatch is returned by VerifyFile when content does not hash to the
// expected value.
var ErrMismatch = errors.New("sha256 mismatch")

// HashBytes returns the hex-encoded SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader consumes r and returns the hex-encoded SHA-256 of everything
// read.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex-encoded SHA-256 of the file at path, streaming
// so large files never load fully into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// VerifyFile hashes the file at path and compares against want. A hash
// difference returns an error wrapping ErrMismatch; I/O failures are
// returned as-is.
func VerifyFile(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, want)
	}
	return nil
}

// HashingReader wraps an io.Reader and hashes everything read through it.
// The chunk splitter uses one to produce the whole-file hash in the same
// pass that cuts the chunks.
type HashingReader struct {
	r io.Reader
	h hash.Hash
}

// NewHashingReader returns a HashingReader over r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex-encoded SHA-256 of all bytes read so far.
func (hr *HashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// HashingWriter wraps an io.Writer and hashes everything written through
// it. Reassembly uses one to verify the rebuilt file as it is written.
type HashingWriter struct {
	w io.Writer
	h hash.Hash
}

// NewHashingWriter returns a HashingWriter over w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex-encoded SHA-256 of all bytes written so far.
func (hw *HashingWriter) Sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}
