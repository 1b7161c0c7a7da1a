package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	ChunkSize = 1024

	StaleThreshold    = 45 * time.Second
	HeartbeatInterval = 30 * time.Second
	SweepInterval     = 10 * time.Second
)

type Verb string

const (
	VerbRequest   Verb = "REQUEST"
	VerbRegister  Verb = "REGISTER_FILES"
	VerbHeartbeat Verb = "HEARTBEAT"
)

// ProviderID identifies a serving agent for the lifetime of a registry process.
type ProviderID uint64

func (id ProviderID) String() string {
	return fmt.Sprintf("S%d", uint64(id))
}

func ParseProviderID(s string) (ProviderID, error) {
	if !strings.HasPrefix(s, "S") {
		return 0, fmt.Errorf("invalid provider id %q: missing S prefix", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid provider id %q", s)
	}
	return ProviderID(n), nil
}

type FileID uint64

func (id FileID) String() string {
	return fmt.Sprintf("F%d", uint64(id))
}

// Addr is the host/port pair a serving agent listens on for chunk requests.
type Addr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func NewAddr(host string, port int) (Addr, error) {
	if host == "" {
		return Addr{}, fmt.Errorf("empty host")
	}
	if port <= 0 || port > 65535 {
		return Addr{}, fmt.Errorf("port %d out of range", port)
	}
	return Addr{Host: host, Port: port}, nil
}

// AddrFromNet converts a listener or connection address.
func AddrFromNet(a net.Addr) (Addr, error) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return NewAddr(host, port)
}

// String returns the dialable host:port form.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Wire returns the "ip,port" form used in discovery replies.
func (a Addr) Wire() string {
	return a.Host + "," + strconv.Itoa(a.Port)
}

type FileEntry struct {
	Name string
	Size int64
}

// Message is a decoded registry request.
type Message struct {
	Verb     Verb
	FileName string
	Addr     Addr
	Files    []FileEntry
}

type ChunkRequest struct {
	FileName string
	ChunkID  int
}

// TotalChunks returns ceil(size / ChunkSize). An empty file has no chunks.
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

func ChunkOffset(chunkID int) int64 {
	return int64(chunkID) * ChunkSize
}

// ValidFileName reports whether name can be carried by the space, comma and
// colon delimited wire format.
func ValidFileName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, " \t\r\n,:")
}
