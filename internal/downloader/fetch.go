package downloader

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/ratelimit"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// WireFetcher returns the production ChunkFetcher: dial the peer, send
// request_chunk, then read raw chunk bytes until the peer closes. A
// peer that cannot serve closes without writing, which surfaces here
// as an empty read.
func WireFetcher(limiter *ratelimit.Limiter) ChunkFetcher {
	return func(ctx context.Context, peerAddr, fileName string, index int, username string) ([]byte, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", peerAddr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				return nil, err
			}
		}

		if err := wire.WriteMessage(conn, wire.ChunkRequest{
			Action:     wire.ActionRequestChunk,
			FileName:   fileName,
			ChunkIndex: index,
			Username:   username,
		}); err != nil {
			return nil, err
		}

		var r io.Reader = conn
		if limiter.Enabled() {
			r = limiter.Reader(ctx, conn)
		}
		data, err := io.ReadAll(io.LimitReader(r, chunkstore.ChunkSize+1))
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errors.New("peer declined to serve the chunk")
		}
		if len(data) > chunkstore.ChunkSize {
			return nil, errors.New("peer sent an oversized chunk")
		}
		return data, nil
	}
}
