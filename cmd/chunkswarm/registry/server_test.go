package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestServerHandle(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	srv := NewServer(reg, nil, zap.NewNop())

	t.Run("register then discover", func(t *testing.T) {
		reply := srv.Handle("REGISTER_FILES 127.0.0.1 6010 a.bin:3000")
		assert.Equal(t, "REGISTERED S1 : (127.0.0.1, 6010)", reply)

		reply = srv.Handle("REQUEST a.bin")
		assert.Equal(t, "127.0.0.1,6010 3", reply)
	})

	t.Run("heartbeat", func(t *testing.T) {
		assert.Equal(t, "HEARTBEAT RECEIVED S1 : (127.0.0.1, 6010)", srv.Handle("HEARTBEAT 127.0.0.1 6010"))
		assert.Equal(t, protocol.ReplyNotRegistered, srv.Handle("HEARTBEAT 127.0.0.1 9999"))
	})

	t.Run("not found", func(t *testing.T) {
		assert.Equal(t, "No Seeders with file nope.bin.", srv.Handle("REQUEST nope.bin"))
	})

	t.Run("empty inventory rejected", func(t *testing.T) {
		before := reg.Stats()
		assert.Equal(t, protocol.ReplyNoFiles, srv.Handle("REGISTER_FILES 127.0.0.1 6020"))
		assert.Equal(t, before.Providers, reg.Stats().Providers)
	})

	t.Run("malformed requests leave the table unchanged", func(t *testing.T) {
		before := reg.Stats()

		reply := srv.Handle("DELETE_ALL now")
		assert.True(t, strings.HasPrefix(reply, "ERROR:"))
		assert.Equal(t, protocol.ReplyUnknownType, reply)

		reply = srv.Handle("REGISTER_FILES 127.0.0.1 port a.bin:10")
		assert.Equal(t, protocol.ReplyInvalidFormat, reply)

		reply = srv.Handle("HEARTBEAT")
		assert.Equal(t, protocol.ReplyInvalidFormat, reply)

		after := reg.Stats()
		assert.Equal(t, before.Providers, after.Providers)
		assert.Equal(t, before.Files, after.Files)
	})
}

func TestServerRateLimit(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	srv := NewServer(reg, rate.NewLimiter(rate.Every(time.Hour), 1), zap.NewNop())

	assert.Equal(t, "REGISTERED S1 : (127.0.0.1, 6010)", srv.Handle("REGISTER_FILES 127.0.0.1 6010 a.bin:3000"))
	assert.Equal(t, protocol.ReplyRateLimited, srv.Handle("REGISTER_FILES 127.0.0.1 6011 a.bin:3000"))
	assert.Equal(t, 1, reg.Stats().Providers)
}

func TestServerOverUDP(t *testing.T) {
	reg := New(WithLogger(zap.NewNop()))
	srv := NewServer(reg, nil, zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	client := NewClient(srv.Addr().String(), 2*time.Second)

	_, _, err := client.Discover(ctx, "a.bin")
	assert.ErrorIs(t, err, protocol.ErrDiscoveryNotFound)

	id, err := client.Register(ctx, addrA, []protocol.FileEntry{{"a.bin", 3000}})
	require.NoError(t, err)
	assert.Equal(t, protocol.ProviderID(1), id)

	providers, total, err := client.Discover(ctx, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, []protocol.Addr{addrA}, providers)
	assert.Equal(t, 3, total)

	got, err := client.Heartbeat(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = client.Heartbeat(ctx, addrB)
	assert.ErrorIs(t, err, protocol.ErrHeartbeatUnregistered)

	_, err = client.Register(ctx, addrB, nil)
	assert.ErrorIs(t, err, protocol.ErrRegistrationRejected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerLargeDiscovery(t *testing.T) {
	reg := New(WithLogger(zap.NewNop()))
	const count = 5000
	for i := range count {
		addr := protocol.Addr{Host: fmt.Sprintf("10.%d.%d.1", i/256, i%256), Port: 6000}
		_, err := reg.Register(addr, []protocol.FileEntry{{"a.bin", 3000}})
		require.NoError(t, err)
	}

	srv := NewServer(reg, nil, zap.NewNop())
	reply := srv.Handle("REQUEST a.bin")
	assert.LessOrEqual(t, len(reply), maxReply)

	providers, total, err := protocol.DecodeDiscovery(reply)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.NotEmpty(t, providers)
	assert.Less(t, len(providers), count)
	assert.Equal(t, protocol.Addr{Host: "10.0.0.1", Port: 6000}, providers[0])

	t.Run("over UDP", func(t *testing.T) {
		require.NoError(t, srv.Listen("127.0.0.1:0"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go srv.Serve(ctx)

		client := NewClient(srv.Addr().String(), 2*time.Second)
		got, total, err := client.Discover(ctx, "a.bin")
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, providers, got)
	})
}

func TestClientUnreachableRegistry(t *testing.T) {
	// Nothing listens on this socket once it is closed.
	srv := NewServer(New(WithLogger(zap.NewNop())), nil, zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	addr := srv.Addr().String()
	srv.conn.Close()

	client := NewClient(addr, 200*time.Millisecond)
	_, err := client.Register(context.Background(), addrA, []protocol.FileEntry{{"a.bin", 3000}})
	assert.ErrorIs(t, err, protocol.ErrRegistrationRejected)
}

func TestAdminAPI(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	_, err := reg.Register(addrA, []protocol.FileEntry{{"a.bin", 3000}})
	require.NoError(t, err)

	admin := NewAdmin(reg, zap.NewNop())

	t.Run("ping", func(t *testing.T) {
		resp := httptest.NewRecorder()
		admin.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("status", func(t *testing.T) {
		resp := httptest.NewRecorder()
		admin.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/status", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"providers":1`)
	})

	t.Run("file lookup", func(t *testing.T) {
		resp := httptest.NewRecorder()
		admin.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/files/a.bin", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"total_chunks":3`)
		assert.Contains(t, resp.Body.String(), "127.0.0.1:6010")

		resp = httptest.NewRecorder()
		admin.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/files/missing", nil))
		assert.Equal(t, http.StatusNotFound, resp.Code)

		assert.Zero(t, reg.Stats().Discoveries, "admin lookups are not discoveries")
	})

	t.Run("providers", func(t *testing.T) {
		resp := httptest.NewRecorder()
		admin.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/providers", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"name":"a.bin"`)
	})
}
