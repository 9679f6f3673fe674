package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "library.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLookupSharedMissing(t *testing.T) {
	s := openTestStore(t)

	sf, err := s.LookupShared("nope")
	if err != nil {
		t.Fatalf("LookupShared: %v", err)
	}
	if sf != nil {
		t.Errorf("got %+v for absent entry, want nil", sf)
	}
}

func TestPutLookupRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := &SharedFile{
		Name:        "debian.iso",
		Size:        3 << 20,
		MTimeUnix:   1_700_000_000,
		FileHash:    "fh",
		ChunkHashes: []string{"c0", "c1", "c2"},
		SplitAt:     time.Unix(1_700_000_100, 0),
	}
	if err := s.PutShared(in); err != nil {
		t.Fatalf("PutShared: %v", err)
	}

	out, err := s.LookupShared("debian.iso")
	if err != nil {
		t.Fatalf("LookupShared: %v", err)
	}
	if out == nil {
		t.Fatal("entry not found after put")
	}
	if out.Size != in.Size || out.MTimeUnix != in.MTimeUnix || out.FileHash != in.FileHash {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if len(out.ChunkHashes) != 3 || out.ChunkHashes[1] != "c1" {
		t.Errorf("chunk hashes = %v", out.ChunkHashes)
	}
	if !out.SplitAt.Equal(in.SplitAt) {
		t.Errorf("split_at = %v, want %v", out.SplitAt, in.SplitAt)
	}
}

func TestPutSharedReplaces(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutShared(&SharedFile{
		Name: "f", Size: 100, MTimeUnix: 1, FileHash: "old", ChunkHashes: []string{"a"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutShared(&SharedFile{
		Name: "f", Size: 200, MTimeUnix: 2, FileHash: "new", ChunkHashes: []string{"b"},
	}); err != nil {
		t.Fatal(err)
	}

	sf, err := s.LookupShared("f")
	if err != nil {
		t.Fatal(err)
	}
	if sf.FileHash != "new" || sf.Size != 200 {
		t.Errorf("entry = %+v, want replaced values", sf)
	}
}

func TestCurrent(t *testing.T) {
	sf := &SharedFile{Size: 100, MTimeUnix: 50}

	if !sf.Current(100, 50) {
		t.Error("unchanged file reported stale")
	}
	if sf.Current(101, 50) || sf.Current(100, 51) {
		t.Error("changed file reported current")
	}
}

func TestSharedFilesOrderedByName(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.PutShared(&SharedFile{
			Name: name, Size: 1, MTimeUnix: 1, FileHash: "h", ChunkHashes: []string{"c"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	files, err := s.SharedFiles()
	if err != nil {
		t.Fatalf("SharedFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d entries, want 3", len(files))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, sf := range files {
		if sf.Name != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, sf.Name, want[i])
		}
	}
}

func TestRemoveShared(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutShared(&SharedFile{
		Name: "f", Size: 1, MTimeUnix: 1, FileHash: "h", ChunkHashes: []string{"c"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveShared("f"); err != nil {
		t.Fatalf("RemoveShared: %v", err)
	}
	if sf, _ := s.LookupShared("f"); sf != nil {
		t.Errorf("entry survived removal: %+v", sf)
	}

	// Absent removals are quiet.
	if err := s.RemoveShared("f"); err != nil {
		t.Errorf("second RemoveShared: %v", err)
	}
}

func TestDownloadHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Unix(1_700_000_000, 0)
	for i, name := range []string{"first", "second", "third"} {
		if err := s.RecordDownload(&Download{
			FileName:    name,
			FileHash:    "h",
			Size:        int64(i) << 20,
			Workers:     i + 1,
			Duration:    time.Duration(i) * time.Second,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}

	all, err := s.Downloads(0)
	if err != nil {
		t.Fatalf("Downloads: %v", err)
	}
	if len(all) != 3 || all[0].FileName != "third" || all[2].FileName != "first" {
		t.Errorf("history order = %v", names(all))
	}

	top, err := s.Downloads(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].FileName != "third" {
		t.Errorf("limited history = %v", names(top))
	}
	if top[0].Workers != 3 || top[0].Duration != 2*time.Second {
		t.Errorf("history row = %+v", top[0])
	}
}

func names(ds []*Download) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.FileName
	}
	return out
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "library.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutShared(&SharedFile{
		Name: "f", Size: 9, MTimeUnix: 1, FileHash: "h", ChunkHashes: []string{"c"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	sf, err := s2.LookupShared("f")
	if err != nil {
		t.Fatal(err)
	}
	if sf == nil || sf.Size != 9 {
		t.Errorf("entry lost across reopen: %+v", sf)
	}
}
