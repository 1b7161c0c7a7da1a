package registry

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
)

// Client talks to a registry over UDP. Every call uses its own socket.
type Client struct {
	addr    string
	timeout time.Duration
}

func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Discover(ctx context.Context, fileName string) ([]protocol.Addr, int, error) {
	line, err := protocol.Encode(protocol.Message{Verb: protocol.VerbRequest, FileName: fileName})
	if err != nil {
		return nil, 0, err
	}
	reply, err := c.roundTrip(ctx, line)
	if err != nil {
		return nil, 0, err
	}
	return protocol.DecodeDiscovery(reply)
}

// Register submits an inventory. An empty inventory or an unreachable
// registry both yield ErrRegistrationRejected.
func (c *Client) Register(ctx context.Context, addr protocol.Addr, files []protocol.FileEntry) (protocol.ProviderID, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("no files to register: %w", protocol.ErrRegistrationRejected)
	}
	line, err := protocol.Encode(protocol.Message{Verb: protocol.VerbRegister, Addr: addr, Files: files})
	if err != nil {
		return 0, err
	}
	reply, err := c.roundTrip(ctx, line)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", protocol.ErrRegistrationRejected, err)
	}
	return protocol.DecodeRegistered(reply)
}

func (c *Client) Heartbeat(ctx context.Context, addr protocol.Addr) (protocol.ProviderID, error) {
	line, err := protocol.Encode(protocol.Message{Verb: protocol.VerbHeartbeat, Addr: addr})
	if err != nil {
		return 0, err
	}
	reply, err := c.roundTrip(ctx, line)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeHeartbeatAck(reply)
}

func (c *Client) roundTrip(ctx context.Context, line string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return "", fmt.Errorf("failed to contact registry %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("failed to send to registry %s: %w", c.addr, err)
	}

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("no reply from registry %s: %w", c.addr, err)
	}
	return string(buf[:n]), nil
}
