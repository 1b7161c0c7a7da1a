package peering

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
)

// State is a transfer session phase. SEEDING and FAILED are terminal.
type State int

const (
	StateInit State = iota
	StateDiscover
	StateAssign
	StateFetching
	StateAssemble
	StateVerify
	StateSeeding
	StateFailed
)

var stateNames = [...]string{
	StateInit:     "INIT",
	StateDiscover: "DISCOVER",
	StateAssign:   "ASSIGN",
	StateFetching: "FETCHING",
	StateAssemble: "ASSEMBLE",
	StateVerify:   "VERIFY",
	StateSeeding:  "SEEDING",
	StateFailed:   "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) Terminal() bool {
	return s == StateSeeding || s == StateFailed
}

type ChunkAssignment struct {
	ChunkID  int
	Provider protocol.Addr
}

// Event is one human-readable status line emitted during a session.
type Event struct {
	Session uuid.UUID
	State   State
	Message string
	Time    time.Time
}

// Outcome describes how a session ended. Missing lists chunk ids that were
// never fetched and therefore left out of the assembled file.
type Outcome struct {
	Session     uuid.UUID
	FileName    string
	State       State
	OutputPath  string
	Digest      string
	Providers   []protocol.Addr
	TotalChunks int
	Missing     []int
	Err         error
}

type chunkResult struct {
	chunkID int
	path    string
	size    int
	err     error
}
