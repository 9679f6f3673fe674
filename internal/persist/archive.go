package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ulikunitz/xz"
)

// maxArchives is how many compressed boot snapshots are kept.
const maxArchives = 5

// archive compresses the previous primary snapshot into
// archive/state-<unixts>.json.xz next to the primary, then prunes old
// archives. One archive lands per boot, giving a short restore history.
func (s *Store) archive(data []byte) error {
	dir := filepath.Join(filepath.Dir(s.path), "archive")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	name := fmt.Sprintf("state-%d.json.xz", time.Now().Unix())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		if os.IsExist(err) {
			// Second boot within the same second; the existing archive
			// already covers this state closely enough.
			return nil
		}
		return fmt.Errorf("failed to create archive: %w", err)
	}

	w, err := xz.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	return pruneArchives(dir)
}

// pruneArchives removes all but the newest maxArchives snapshots. The
// unix timestamp in the name makes lexical order chronological for any
// plausible tracker lifetime.
func pruneArchives(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".xz" {
			names = append(names, name)
		}
	}
	if len(names) <= maxArchives {
		return nil
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-maxArchives] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
