package tracker

import (
	"sort"

	"go.uber.org/zap"

	"github.com/chunkswarm/chunkswarm/internal/audit"
	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/reputation"
	"github.com/chunkswarm/chunkswarm/internal/sanitize"
	"github.com/chunkswarm/chunkswarm/internal/security"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Announce records the files the peer at key is currently serving. The
// caller must be logged in at key under username. Entries with unsafe
// names or a chunk hash list that does not match the stated size are
// skipped; the rest register the peer as a source. Metadata for a file
// already in the catalog is kept as-is. Returns how many entries were
// accepted. The catalog is session state and is not persisted.
func (r *Registry) Announce(username string, key PeerKey, files map[string]wire.FileMeta) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ap, ok := r.active[key]
	if !ok {
		return 0, ErrNotLoggedIn
	}
	if ap.Username != username {
		return 0, ErrNotAuthorized
	}

	accepted := 0
	for name, meta := range files {
		clean, err := security.CleanFileName(name)
		if err != nil {
			r.logger.Warn("skipping announced file with unsafe name",
				zap.String("username", sanitize.Username(username)), zap.Error(err))
			continue
		}
		if meta.Size < 0 || len(meta.ChunkHashes) != chunkstore.ChunkCount(meta.Size) {
			r.logger.Warn("skipping announced file with inconsistent chunk list",
				zap.String("username", sanitize.Username(username)),
				zap.String("file", clean),
				zap.Int64("size", meta.Size),
				zap.Int("chunk_hashes", len(meta.ChunkHashes)))
			continue
		}

		rec, exists := r.files[clean]
		if !exists {
			rec = &FileRecord{
				Size:        meta.Size,
				FileHash:    meta.Hash,
				ChunkHashes: meta.ChunkHashes,
				Peers:       make(map[PeerKey]struct{}),
			}
			r.files[clean] = rec
		}
		rec.Peers[key] = struct{}{}
		accepted++
	}

	r.metrics.TrackedFiles.Set(int64(len(r.files)))
	r.auditor.Log(audit.NewFilesAnnouncedEvent(username, key.Address(), accepted))
	return accepted, nil
}

// ListFiles returns the catalog with each file's currently-active
// sources, best reputation first. Peers whose session has ended are
// filtered out but the file entry itself remains.
func (r *Registry) ListFiles() map[string]wire.FileEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]wire.FileEntry, len(r.files))
	for name, rec := range r.files {
		peers := make([]wire.FilePeer, 0, len(rec.Peers))
		for key := range rec.Peers {
			ap, ok := r.active[key]
			if !ok {
				continue
			}
			score, tier := 0.0, r.tierForLocked(ap.Username)
			if stats, ok := r.scores[ap.Username]; ok {
				score = stats.Score
			}
			peers = append(peers, wire.FilePeer{Peer: key.Address(), Score: score, Tier: tier})
		}
		sort.Slice(peers, func(i, j int) bool {
			if peers[i].Score != peers[j].Score {
				return peers[i].Score > peers[j].Score
			}
			return peers[i].Peer < peers[j].Peer
		})
		out[name] = wire.FileEntry{
			Size:        rec.Size,
			Hash:        rec.FileHash,
			ChunkHashes: rec.ChunkHashes,
			Peers:       peers,
		}
	}
	return out
}

func (r *Registry) tierForLocked(username string) reputation.Tier {
	if stats, ok := r.scores[username]; ok {
		return stats.Tier
	}
	return reputation.TierBronze
}
