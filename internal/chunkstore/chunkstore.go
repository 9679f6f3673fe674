// Package chunkstore splits shared files into fixed-size chunks on disk
// and reassembles them after download. Chunks for a file live in a sibling
// directory named "<file>_chunks", one file per chunk, named by index.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chunkswarm/chunkswarm/internal/hashutil"
)

// ChunkSize is the fixed chunk size. Both sides of a transfer assume it,
// so it is a compile-time constant rather than configuration.
const ChunkSize = 1 << 20 // 1 MiB

// ChunkDirSuffix is appended to a file name to form its chunk directory.
const ChunkDirSuffix = "_chunks"

// ErrMissingChunk is returned by Reassemble when an expected chunk file is
// absent from the chunk directory.
var ErrMissingChunk = errors.New("missing chunk")

// SplitInfo describes a split file: its whole-file hash plus one hash per
// chunk, in order.
type SplitInfo struct {
	Name        string
	Size        int64
	FileHash    string
	ChunkHashes []string
}

// ChunkCount returns the number of chunks for a file of the given size.
// An empty file has zero chunks.
func ChunkCount(size int64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}

// ChunkDirFor returns the chunk directory path for the file at path.
func ChunkDirFor(path string) string {
	return path + ChunkDirSuffix
}

// ChunkFileName returns the file name of chunk index within its directory.
func ChunkFileName(index int) string {
	return fmt.Sprintf("chunk_%d", index)
}

// ChunkPath returns the full path of chunk index inside dir.
func ChunkPath(dir string, index int) string {
	return filepath.Join(dir, ChunkFileName(index))
}

// Split cuts the file at path into ChunkSize pieces under its chunk
// directory and returns the per-chunk and whole-file hashes. The source is
// read once, in chunk-size increments, so memory use stays at one chunk
// regardless of file size. Splitting an already-split file overwrites the
// previous chunks.
func Split(path string) (*SplitInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	dir := ChunkDirFor(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	info := &SplitInfo{
		Name: filepath.Base(path),
		Size: stat.Size(),
	}

	hr := hashutil.NewHashingReader(f)
	buf := make([]byte, ChunkSize)
	for index := 0; ; index++ {
		n, readErr := io.ReadFull(hr, buf)
		if n > 0 {
			chunk := buf[:n]
			if err := os.WriteFile(ChunkPath(dir, index), chunk, 0644); err != nil {
				return nil, fmt.Errorf("write chunk %d: %w", index, err)
			}
			info.ChunkHashes = append(info.ChunkHashes, hashutil.HashBytes(chunk))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read chunk %d: %w", index, readErr)
		}
	}

	info.FileHash = hr.Sum()
	return info, nil
}

// Reassemble concatenates chunks 0..total-1 from chunkDir into outPath and
// returns the hash of the written file. A missing chunk aborts with
// ErrMissingChunk and removes the partial output; verifying the returned
// hash against the expected one is the caller's job.
func Reassemble(chunkDir, outPath string, total int) (string, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}

	hw := hashutil.NewHashingWriter(out)
	for index := 0; index < total; index++ {
		if err := appendChunk(hw, ChunkPath(chunkDir, index)); err != nil {
			out.Close()
			os.Remove(outPath)
			if os.IsNotExist(err) {
				return "", fmt.Errorf("chunk %d: %w", index, ErrMissingChunk)
			}
			return "", fmt.Errorf("chunk %d: %w", index, err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", err
	}
	return hw.Sum(), nil
}

func appendChunk(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
