package seeding

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Registrar is the registry surface a serving agent needs.
type Registrar interface {
	Register(ctx context.Context, addr protocol.Addr, files []protocol.FileEntry) (protocol.ProviderID, error)
	Heartbeat(ctx context.Context, addr protocol.Addr) (protocol.ProviderID, error)
}

type Options struct {
	// ListenHost is the interface to bind. Port 0 picks an ephemeral port.
	ListenHost string
	Port       int
	// AdvertiseHost is the host published to the registry. Empty means the
	// bound host, or the first non-loopback address when bound to all
	// interfaces.
	AdvertiseHost     string
	HeartbeatInterval time.Duration
	MaxUploads        int64
	ReadTimeout       time.Duration
}

func DefaultOptions() Options {
	return Options{
		ListenHost:        "127.0.0.1",
		HeartbeatInterval: protocol.HeartbeatInterval,
		MaxUploads:        64,
		ReadTimeout:       10 * time.Second,
	}
}

// Agent advertises an inventory to the registry and serves chunks of it over
// TCP, one request per connection.
type Agent struct {
	inventory *Inventory
	registry  Registrar
	opts      Options
	logger    *zap.Logger

	listener net.Listener
	addr     protocol.Addr
	id       atomic.Uint64
	uploads  *semaphore.Weighted
	served   atomic.Uint64
}

func NewAgent(inv *Inventory, reg Registrar, opts Options, logger *zap.Logger) *Agent {
	defaults := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.MaxUploads <= 0 {
		opts.MaxUploads = defaults.MaxUploads
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Agent{
		inventory: inv,
		registry:  reg,
		opts:      opts,
		logger:    logger,
		uploads:   semaphore.NewWeighted(opts.MaxUploads),
	}
}

// Listen binds the chunk listener. A bind failure is fatal to the agent.
func (a *Agent) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: setListenerOptions}
	address := net.JoinHostPort(a.opts.ListenHost, strconv.Itoa(a.opts.Port))
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", address, err)
	}

	bound, err := protocol.AddrFromNet(ln.Addr())
	if err != nil {
		ln.Close()
		return err
	}
	bound.Host = advertiseHost(a.opts.AdvertiseHost, bound.Host)

	a.listener = ln
	a.addr = bound
	a.logger.Info("Serving agent listening",
		zap.Stringer("bind", ln.Addr()),
		zap.Stringer("advertise", bound))
	return nil
}

// Addr is the advertised address. It is only valid after Listen.
func (a *Agent) Addr() protocol.Addr {
	return a.addr
}

// ProviderID is the id assigned by the last successful registration.
func (a *Agent) ProviderID() protocol.ProviderID {
	return protocol.ProviderID(a.id.Load())
}

func (a *Agent) Served() uint64 {
	return a.served.Load()
}

// Register submits the inventory once. An empty inventory or an unreachable
// registry is fatal; there is no retry.
func (a *Agent) Register(ctx context.Context) (protocol.ProviderID, error) {
	if a.listener == nil {
		return 0, errors.New("serving agent is not listening")
	}
	entries := a.inventory.Entries()
	if len(entries) == 0 {
		return 0, fmt.Errorf("no files to advertise: %w", protocol.ErrRegistrationRejected)
	}

	id, err := a.registry.Register(ctx, a.addr, entries)
	if err != nil {
		return 0, err
	}
	a.id.Store(uint64(id))
	a.logger.Info("Registered with registry",
		zap.Stringer("provider", id),
		zap.Stringer("addr", a.addr),
		zap.Int("files", len(entries)))
	return id, nil
}

// LivenessLoop heartbeats every interval until ctx is cancelled. Failures are
// logged and the loop carries on.
func (a *Agent) LivenessLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	id, err := a.registry.Heartbeat(ctx, a.addr)
	switch {
	case errors.Is(err, protocol.ErrHeartbeatUnregistered):
		a.logger.Warn("Registry does not know this agent", zap.Stringer("addr", a.addr))
	case err != nil:
		a.logger.Warn("Heartbeat failed", zap.Stringer("addr", a.addr), zap.Error(err))
	default:
		a.logger.Debug("Heartbeat acknowledged", zap.Stringer("provider", id))
	}
}

// Serve accepts chunk requests until ctx is cancelled. At most MaxUploads
// connections are handled at once.
func (a *Agent) Serve(ctx context.Context) error {
	if a.listener == nil {
		return errors.New("serving agent is not listening")
	}

	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		if err := a.uploads.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := a.listener.Accept()
		if err != nil {
			a.uploads.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("Failed to accept connection", zap.Error(err))
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer a.uploads.Release(1)
			a.handleConn(conn)
		}()
	}
}

// Run is the full agent lifecycle: bind, register, heartbeat and serve.
func (a *Agent) Run(ctx context.Context) error {
	if a.listener == nil {
		if err := a.Listen(ctx); err != nil {
			return err
		}
	}
	if _, err := a.Register(ctx); err != nil {
		a.listener.Close()
		return err
	}
	go a.LivenessLoop(ctx)
	return a.Serve(ctx)
}

func (a *Agent) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(a.opts.ReadTimeout))

	line, err := bufio.NewReader(io.LimitReader(conn, 4096)).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		a.logger.Warn("Failed to read chunk request", zap.Stringer("peer", conn.RemoteAddr()), zap.Error(err))
		return
	}

	req, err := protocol.DecodeChunkRequest(line)
	if err != nil {
		a.logger.Warn("Malformed chunk request", zap.Stringer("peer", conn.RemoteAddr()), zap.Error(err))
		return
	}

	item, ok := a.inventory.Lookup(req.FileName)
	if !ok {
		a.logger.Warn("Request for unadvertised file", zap.String("file", req.FileName))
		return
	}

	data, err := readChunk(item.Path, req.ChunkID)
	if err != nil {
		a.logger.Warn("Failed to read chunk",
			zap.String("file", req.FileName),
			zap.Int("chunk", req.ChunkID),
			zap.Error(err))
		return
	}

	if _, err := conn.Write(data); err != nil {
		a.logger.Warn("Failed to send chunk",
			zap.String("file", req.FileName),
			zap.Int("chunk", req.ChunkID),
			zap.Error(err))
		return
	}
	a.served.Add(1)
	a.logger.Debug("Sent chunk",
		zap.String("file", req.FileName),
		zap.Int("chunk", req.ChunkID),
		zap.Int("bytes", len(data)),
		zap.Stringer("peer", conn.RemoteAddr()))
}

// readChunk returns up to ChunkSize bytes at the chunk's offset. A chunk past
// the end of the file is empty.
func readChunk(path string, chunkID int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, protocol.ChunkSize)
	n, err := f.ReadAt(buf, protocol.ChunkOffset(chunkID))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func advertiseHost(configured, bound string) string {
	if configured != "" {
		return configured
	}
	ip := net.ParseIP(bound)
	if ip == nil || !ip.IsUnspecified() {
		return bound
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
