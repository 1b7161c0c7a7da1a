package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"go.uber.org/zap"
)

type FileRecord struct {
	ID          protocol.FileID `json:"id"`
	Name        string          `json:"name"`
	Size        int64           `json:"size"`
	TotalChunks int             `json:"total_chunks"`
	LastSeen    time.Time       `json:"last_seen"`
}

type ProviderRecord struct {
	ID    protocol.ProviderID             `json:"id"`
	Addr  protocol.Addr                   `json:"addr"`
	Files map[protocol.FileID]*FileRecord `json:"files"`
}

type Stats struct {
	Providers   int    `json:"providers"`
	Files       int    `json:"files"`
	Discoveries uint64 `json:"discoveries"`
}

// Registry is the in-memory provider table. Every exported method takes the
// table lock, so request handling and the eviction sweep never observe a
// partial update.
type Registry struct {
	mu             sync.RWMutex
	providers      map[protocol.ProviderID]*ProviderRecord
	byAddr         map[protocol.Addr]protocol.ProviderID
	lastProviderID protocol.ProviderID
	lastFileID     protocol.FileID

	discoveries atomic.Uint64

	staleAfter time.Duration
	exempt     protocol.ProviderID
	now        func() time.Time
	logger     *zap.Logger
}

type Option func(*Registry)

func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

// WithExemptProvider keeps one provider id out of eviction. Zero disables it.
func WithExemptProvider(id protocol.ProviderID) Option {
	return func(r *Registry) { r.exempt = id }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		providers:  make(map[protocol.ProviderID]*ProviderRecord),
		byAddr:     make(map[protocol.Addr]protocol.ProviderID),
		staleAfter: protocol.StaleThreshold,
		now:        time.Now,
		logger:     zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover lists every provider offering fileName, ordered by provider id,
// together with the file's chunk count. Each call counts as one discovery.
func (r *Registry) Discover(fileName string) ([]protocol.Addr, int, error) {
	r.discoveries.Add(1)
	return r.Lookup(fileName)
}

// Lookup is Discover without touching the discovery counter.
func (r *Registry) Lookup(fileName string) ([]protocol.Addr, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]protocol.ProviderID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var providers []protocol.Addr
	totalChunks := 0
	var earliest protocol.FileID
	for _, id := range ids {
		p := r.providers[id]
		for _, f := range p.Files {
			if f.Name != fileName {
				continue
			}
			if earliest == 0 || f.ID < earliest {
				earliest = f.ID
				totalChunks = f.TotalChunks
			}
			providers = append(providers, p.Addr)
			break
		}
	}

	if len(providers) == 0 {
		return nil, 0, fmt.Errorf("%s: %w", fileName, protocol.ErrDiscoveryNotFound)
	}
	return providers, totalChunks, nil
}

// Register records a provider's inventory under a fresh provider id. A
// provider re-registering from the same address replaces its old record.
func (r *Registry) Register(addr protocol.Addr, files []protocol.FileEntry) (protocol.ProviderID, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("empty inventory from %s: %w", addr, protocol.ErrRegistrationRejected)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byAddr[addr]; ok {
		delete(r.providers, old)
		r.logger.Info("Replacing provider record",
			zap.Stringer("old", old), zap.Stringer("addr", addr))
	}

	r.lastProviderID++
	p := &ProviderRecord{
		ID:    r.lastProviderID,
		Addr:  addr,
		Files: make(map[protocol.FileID]*FileRecord, len(files)),
	}

	now := r.now()
	for _, entry := range files {
		if existing := p.findFile(entry.Name); existing != nil {
			existing.Size = entry.Size
			existing.TotalChunks = protocol.TotalChunks(entry.Size)
			continue
		}
		r.lastFileID++
		p.Files[r.lastFileID] = &FileRecord{
			ID:          r.lastFileID,
			Name:        entry.Name,
			Size:        entry.Size,
			TotalChunks: protocol.TotalChunks(entry.Size),
			LastSeen:    now,
		}
	}

	r.providers[p.ID] = p
	r.byAddr[addr] = p.ID

	r.logger.Info("Registered provider",
		zap.Stringer("provider", p.ID),
		zap.Stringer("addr", addr),
		zap.Int("files", len(p.Files)))
	return p.ID, nil
}

// Heartbeat refreshes the liveness timestamp of every file owned by the
// provider at addr.
func (r *Registry) Heartbeat(addr protocol.Addr) (protocol.ProviderID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byAddr[addr]
	if !ok {
		return 0, fmt.Errorf("%s: %w", addr, protocol.ErrHeartbeatUnregistered)
	}

	now := r.now()
	for _, f := range r.providers[id].Files {
		f.LastSeen = now
	}
	return id, nil
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	files := 0
	for _, p := range r.providers {
		files += len(p.Files)
	}
	return Stats{
		Providers:   len(r.providers),
		Files:       files,
		Discoveries: r.discoveries.Load(),
	}
}

// Snapshot returns deep copies of all provider records ordered by id.
func (r *Registry) Snapshot() []ProviderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderRecord, 0, len(r.providers))
	for _, p := range r.providers {
		cp := ProviderRecord{ID: p.ID, Addr: p.Addr, Files: make(map[protocol.FileID]*FileRecord, len(p.Files))}
		for id, f := range p.Files {
			fc := *f
			cp.Files[id] = &fc
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *ProviderRecord) findFile(name string) *FileRecord {
	for _, f := range p.Files {
		if f.Name == name {
			return f
		}
	}
	return nil
}
