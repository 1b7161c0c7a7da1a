package registry

import (
	"context"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"go.uber.org/zap"
)

// Sweep removes every provider that has at least one file whose last
// heartbeat is older than the stale threshold.
func (r *Registry) Sweep() []protocol.ProviderID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []protocol.ProviderID
	for id, p := range r.providers {
		if r.exempt != 0 && id == r.exempt {
			continue
		}
		for _, f := range p.Files {
			if now.Sub(f.LastSeen) > r.staleAfter {
				evicted = append(evicted, id)
				break
			}
		}
	}

	for _, id := range evicted {
		p := r.providers[id]
		delete(r.providers, id)
		if r.byAddr[p.Addr] == id {
			delete(r.byAddr, p.Addr)
		}
		r.logger.Info("Removing inactive provider",
			zap.Stringer("provider", id),
			zap.Stringer("addr", p.Addr))
	}
	return evicted
}

// RunEviction sweeps the table every interval until ctx is cancelled.
func (r *Registry) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
