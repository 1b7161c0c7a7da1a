package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrDiscoveryNotFound     = errors.New("no providers for file")
	ErrRegistrationRejected  = errors.New("registration rejected")
	ErrHeartbeatUnregistered = errors.New("provider not registered")
	ErrChunkFetch            = errors.New("chunk fetch failed")
	ErrIntegrityMismatch     = errors.New("integrity mismatch")
	ErrMalformedMessage      = errors.New("malformed message")

	ErrUnknownVerb = fmt.Errorf("%w: unknown message type", ErrMalformedMessage)
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Registry error replies.
const (
	ReplyUnknownType   = "ERROR: Unknown message type."
	ReplyInvalidFormat = "ERROR: Invalid message format."
	ReplyNotRegistered = "ERROR: Seeder not registered."
	ReplyNoFiles       = "ERROR: No files to register."
	ReplyRateLimited   = "ERROR: Rate limit exceeded."
	ReplyTooLarge      = "ERROR: Reply too large."

	errorReplyPrefix = "ERROR:"
	notFoundPrefix   = "No Seeders with file "
)
