package peering

import (
	"context"
	"fmt"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
)

// Tracker answers discovery queries. *registry.Client satisfies it.
type Tracker interface {
	Discover(ctx context.Context, fileName string) ([]protocol.Addr, int, error)
}

func getProviders(ctx context.Context, tracker Tracker, fileName string) ([]protocol.Addr, int, error) {
	providers, totalChunks, err := tracker.Discover(ctx, fileName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to discover %s: %w", fileName, err)
	}
	// A registry never lists zero providers for a known file, but a reply of
	// only a chunk count still has nobody to fetch from.
	if len(providers) == 0 && totalChunks > 0 {
		return nil, 0, fmt.Errorf("no providers available for %s: %w", fileName, protocol.ErrDiscoveryNotFound)
	}
	return providers, totalChunks, nil
}
