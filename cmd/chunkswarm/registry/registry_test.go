package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock, opts ...Option) *Registry {
	opts = append([]Option{WithClock(clock.Now), WithLogger(zap.NewNop())}, opts...)
	return New(opts...)
}

var (
	addrA = protocol.Addr{Host: "127.0.0.1", Port: 6010}
	addrB = protocol.Addr{Host: "127.0.0.1", Port: 6011}
)

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	t.Run("register assigns increasing ids", func(t *testing.T) {
		idA, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}, {"b.txt", 10}})
		require.NoError(t, err)
		idB, err := reg.Register(addrB, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)
		assert.Equal(t, protocol.ProviderID(1), idA)
		assert.Equal(t, protocol.ProviderID(2), idB)
	})

	t.Run("discover lists every provider once", func(t *testing.T) {
		providers, total, err := reg.Discover("a.bin")
		require.NoError(t, err)
		assert.Equal(t, []protocol.Addr{addrA, addrB}, providers)
		assert.Equal(t, 3, total)

		providers, total, err = reg.Discover("b.txt")
		require.NoError(t, err)
		assert.Equal(t, []protocol.Addr{addrA}, providers)
		assert.Equal(t, 1, total)
	})

	t.Run("unknown file is not found", func(t *testing.T) {
		_, _, err := reg.Discover("missing.bin")
		assert.ErrorIs(t, err, protocol.ErrDiscoveryNotFound)
	})

	t.Run("stats count discoveries", func(t *testing.T) {
		stats := reg.Stats()
		assert.Equal(t, 2, stats.Providers)
		assert.Equal(t, 3, stats.Files)
		assert.Equal(t, uint64(3), stats.Discoveries)
	})
}

func TestRegisterEmptyInventory(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	_, err := reg.Register(addrA, nil)
	assert.ErrorIs(t, err, protocol.ErrRegistrationRejected)
	assert.Equal(t, 0, reg.Stats().Providers)

	id, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 1}})
	require.NoError(t, err)
	assert.Equal(t, protocol.ProviderID(1), id, "a rejected registration must not consume an id")
}

func TestReRegisterReplacesRecord(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	first, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}})
	require.NoError(t, err)
	second, err := reg.Register(addrA, []protocol.FileEntry{{"c.bin", 100}})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	_, _, err = reg.Discover("a.bin")
	assert.ErrorIs(t, err, protocol.ErrDiscoveryNotFound)

	providers, _, err := reg.Discover("c.bin")
	require.NoError(t, err)
	assert.Equal(t, []protocol.Addr{addrA}, providers)
	assert.Equal(t, 1, reg.Stats().Providers)
}

func TestHeartbeat(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	_, err := reg.Heartbeat(addrA)
	assert.ErrorIs(t, err, protocol.ErrHeartbeatUnregistered)

	id, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}, {"b.bin", 20}})
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	got, err := reg.Heartbeat(addrA)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, p := range reg.Snapshot() {
		for _, f := range p.Files {
			assert.Equal(t, clock.Now(), f.LastSeen, "file %s", f.Name)
		}
	}
}

func TestEviction(t *testing.T) {
	t.Run("silent provider is evicted", func(t *testing.T) {
		clock := newFakeClock()
		reg := newTestRegistry(clock)

		_, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)

		clock.Advance(protocol.StaleThreshold)
		assert.Empty(t, reg.Sweep(), "exactly at the threshold is not stale")

		clock.Advance(time.Second)
		assert.Equal(t, []protocol.ProviderID{1}, reg.Sweep())

		_, _, err = reg.Discover("a.bin")
		assert.ErrorIs(t, err, protocol.ErrDiscoveryNotFound)

		_, err = reg.Heartbeat(addrA)
		assert.ErrorIs(t, err, protocol.ErrHeartbeatUnregistered)
	})

	t.Run("heartbeating provider stays", func(t *testing.T) {
		clock := newFakeClock()
		reg := newTestRegistry(clock)

		_, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)
		_, err = reg.Register(addrB, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)

		for i := 0; i < 30; i++ {
			clock.Advance(protocol.SweepInterval)
			if i%3 == 2 {
				_, err := reg.Heartbeat(addrA)
				require.NoError(t, err)
			}
			reg.Sweep()
		}

		providers, _, err := reg.Discover("a.bin")
		require.NoError(t, err)
		assert.Equal(t, []protocol.Addr{addrA}, providers)
	})

	t.Run("exempt provider survives", func(t *testing.T) {
		clock := newFakeClock()
		reg := newTestRegistry(clock, WithExemptProvider(1))

		_, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)
		_, err = reg.Register(addrB, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		assert.Equal(t, []protocol.ProviderID{2}, reg.Sweep())

		providers, _, err := reg.Discover("a.bin")
		require.NoError(t, err)
		assert.Equal(t, []protocol.Addr{addrA}, providers)
	})
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		addr := protocol.Addr{Host: "127.0.0.1", Port: 7000 + i}
		go func() {
			defer wg.Done()
			reg.Register(addr, []protocol.FileEntry{{"a.bin", 3000}})
		}()
		go func() {
			defer wg.Done()
			reg.Discover("a.bin")
			reg.Heartbeat(addr)
		}()
		go func() {
			defer wg.Done()
			reg.Sweep()
		}()
	}
	wg.Wait()

	providers, _, err := reg.Discover("a.bin")
	require.NoError(t, err)
	assert.Len(t, providers, 20)
}
