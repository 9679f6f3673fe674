package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/store"
	"github.com/chunkswarm/chunkswarm/internal/wire"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// libraryFile is the peer's local database, kept next to the shared and
// downloads folders.
const libraryFile = "library.db"

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage the shared library",
	}

	cmd.AddCommand(shareAddCmd())
	cmd.AddCommand(shareListCmd())

	return cmd
}

func shareAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>...",
		Short: "Copy files into the shared folder and split them into chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogger()
			if err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := os.MkdirAll(cfg.Peer.SharedDir, 0o755); err != nil {
				return err
			}

			st, err := store.Open(libraryFile, logger)
			if err != nil {
				return fmt.Errorf("failed to open library: %w", err)
			}
			defer st.Close()

			for _, arg := range args {
				name, err := security.CleanFileName(filepath.Base(arg))
				if err != nil {
					return fmt.Errorf("unusable file name %q: %w", filepath.Base(arg), err)
				}
				if err := copyIntoShared(arg, filepath.Join(cfg.Peer.SharedDir, name)); err != nil {
					return fmt.Errorf("copying %s: %w", arg, err)
				}
				meta, err := ensureSplit(st, cfg.Peer.SharedDir, name)
				if err != nil {
					return fmt.Errorf("splitting %s: %w", name, err)
				}
				fmt.Printf("  [OK] %s (%s, %d chunks)\n", name, formatBytes(meta.Size), len(meta.ChunkHashes))
			}

			fmt.Printf("\nFiles are published to the tracker on the next announce.\n")
			return nil
		},
	}
}

func shareListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the shared library and recent downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogger()
			if err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			st, err := store.Open(libraryFile, logger)
			if err != nil {
				return fmt.Errorf("failed to open library: %w", err)
			}
			defer st.Close()

			rows, err := st.SharedFiles()
			if err != nil {
				return err
			}

			fmt.Printf("Shared files (%d)\n", len(rows))
			fmt.Printf("══════════════════════════════════════════════════════════════\n")
			for _, row := range rows {
				fmt.Printf("  %-32s %10s  %4d chunks  %s\n",
					row.Name, formatBytes(row.Size), len(row.ChunkHashes), shortHash(row.FileHash))
			}
			if len(rows) == 0 {
				fmt.Printf("  (empty, use 'chunkswarm share add')\n")
			}

			hist, err := st.Downloads(10)
			if err != nil {
				return err
			}
			if len(hist) > 0 {
				fmt.Printf("\nRecent downloads\n")
				fmt.Printf("══════════════════════════════════════════════════════════════\n")
				for _, d := range hist {
					fmt.Printf("  %-32s %10s  %d workers  %s  %s\n",
						d.FileName, formatBytes(d.Size), d.Workers,
						d.Duration.Round(time.Millisecond),
						d.CompletedAt.Format("2006-01-02 15:04"))
				}
			}
			return nil
		},
	}
}

// copyIntoShared copies src to dst unless they are already the same
// file, so re-adding something from the shared folder is a no-op.
func copyIntoShared(src, dst string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if absSrc == absDst {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ensureSplit returns the announce metadata for one shared file,
// splitting it into chunks only when the stored entry no longer matches
// the file on disk.
func ensureSplit(st *store.Store, sharedDir, name string) (wire.FileMeta, error) {
	path := filepath.Join(sharedDir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return wire.FileMeta{}, err
	}

	row, err := st.LookupShared(name)
	if err != nil {
		return wire.FileMeta{}, err
	}
	if row != nil && row.Current(fi.Size(), fi.ModTime().Unix()) {
		return wire.FileMeta{Size: row.Size, Hash: row.FileHash, ChunkHashes: row.ChunkHashes}, nil
	}

	info, err := chunkstore.Split(path)
	if err != nil {
		return wire.FileMeta{}, err
	}
	err = st.PutShared(&store.SharedFile{
		Name:        name,
		Size:        info.Size,
		MTimeUnix:   fi.ModTime().Unix(),
		FileHash:    info.FileHash,
		ChunkHashes: info.ChunkHashes,
		SplitAt:     time.Now(),
	})
	if err != nil {
		return wire.FileMeta{}, err
	}
	return wire.FileMeta{Size: info.Size, Hash: info.FileHash, ChunkHashes: info.ChunkHashes}, nil
}

// sharedIndex builds the announce map for every regular file in the
// shared folder. Chunk directories are skipped; a file that cannot be
// split is logged and left out rather than sinking the whole announce.
func sharedIndex(st *store.Store, sharedDir string, logger *zap.Logger) (map[string]wire.FileMeta, error) {
	entries, err := os.ReadDir(sharedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]wire.FileMeta{}, nil
		}
		return nil, err
	}

	files := make(map[string]wire.FileMeta, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		meta, err := ensureSplit(st, sharedDir, e.Name())
		if err != nil {
			logger.Warn("skipping shared file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		files[e.Name()] = meta
	}
	return files, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
