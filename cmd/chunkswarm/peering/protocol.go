package peering

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
)

// fetchChunk opens a fresh connection, sends one chunk request and reads the
// reply until the provider closes. Every failure wraps ErrChunkFetch.
func fetchChunk(ctx context.Context, work ChunkAssignment, fileName string, totalChunks int, dialTimeout, ioTimeout time.Duration) ([]byte, error) {
	request, err := protocol.Encode(protocol.ChunkRequest{FileName: fileName, ChunkID: work.ChunkID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrChunkFetch, err)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", work.Provider.String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", protocol.ErrChunkFetch, work.Provider, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrChunkFetch, err)
	}

	if _, err := io.WriteString(conn, request); err != nil {
		return nil, fmt.Errorf("%w: failed to send request to %s: %v", protocol.ErrChunkFetch, work.Provider, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	data, err := io.ReadAll(io.LimitReader(conn, protocol.ChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read chunk %d from %s: %v", protocol.ErrChunkFetch, work.ChunkID, work.Provider, err)
	}

	switch {
	case len(data) == 0:
		return nil, fmt.Errorf("%w: empty reply for chunk %d from %s", protocol.ErrChunkFetch, work.ChunkID, work.Provider)
	case len(data) > protocol.ChunkSize:
		return nil, fmt.Errorf("%w: oversized reply for chunk %d from %s", protocol.ErrChunkFetch, work.ChunkID, work.Provider)
	case work.ChunkID < totalChunks-1 && len(data) < protocol.ChunkSize:
		// Only the last chunk may be short.
		return nil, fmt.Errorf("%w: truncated chunk %d from %s (%d bytes)", protocol.ErrChunkFetch, work.ChunkID, work.Provider, len(data))
	}
	return data, nil
}
