package registry

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxDatagram = 64 * 1024
	// maxReply is the largest UDP payload over IPv4.
	maxReply = 65507
)

// Server answers registry requests over UDP, one datagram per exchange.
type Server struct {
	registry *Registry
	limiter  *rate.Limiter
	logger   *zap.Logger
	conn     net.PacketConn
}

// NewServer wraps reg. A nil limiter admits every request.
func NewServer(reg *Registry, limiter *rate.Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	return &Server{
		registry: reg,
		limiter:  limiter,
		logger:   logger,
	}
}

func (s *Server) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind registry socket %s: %w", addr, err)
	}
	s.conn = conn
	s.logger.Info("Registry listening", zap.Stringer("addr", conn.LocalAddr()))
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads requests until ctx is cancelled. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("registry server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Failed to read datagram", zap.Error(err))
			continue
		}

		reply := s.Handle(string(buf[:n]))
		if len(reply) > maxReply {
			s.logger.Warn("Reply exceeds datagram size", zap.Stringer("to", from), zap.Int("bytes", len(reply)))
			reply = protocol.ReplyTooLarge
		}
		if _, err := s.conn.WriteTo([]byte(reply), from); err != nil {
			s.logger.Warn("Failed to send reply", zap.Stringer("to", from), zap.Error(err))
		}
	}
}

// Handle decodes one request, applies it to the table and returns the reply.
// Malformed requests never touch the table.
func (s *Server) Handle(raw string) string {
	if s.limiter != nil && !s.limiter.Allow() {
		return protocol.ReplyRateLimited
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("Rejected request", zap.String("message", raw), zap.Error(err))
		if errors.Is(err, protocol.ErrUnknownVerb) {
			return protocol.ReplyUnknownType
		}
		return protocol.ReplyInvalidFormat
	}

	switch msg.Verb {
	case protocol.VerbRequest:
		providers, total, err := s.registry.Discover(msg.FileName)
		if err != nil {
			s.logger.Info("Discovery miss", zap.String("file", msg.FileName))
			return protocol.EncodeNotFound(msg.FileName)
		}
		reply, kept := protocol.EncodeDiscoveryWithin(providers, total, maxReply)
		if kept < len(providers) {
			s.logger.Warn("Discovery reply truncated",
				zap.String("file", msg.FileName),
				zap.Int("providers", len(providers)),
				zap.Int("sent", kept))
		}
		s.logger.Info("Discovery hit",
			zap.String("file", msg.FileName),
			zap.Int("providers", kept),
			zap.Int("chunks", total))
		return reply

	case protocol.VerbRegister:
		id, err := s.registry.Register(msg.Addr, msg.Files)
		if err != nil {
			return protocol.ReplyNoFiles
		}
		return protocol.EncodeRegistered(id, msg.Addr)

	case protocol.VerbHeartbeat:
		id, err := s.registry.Heartbeat(msg.Addr)
		if err != nil {
			s.logger.Info("Heartbeat from unregistered provider", zap.Stringer("addr", msg.Addr))
			return protocol.ReplyNotRegistered
		}
		s.logger.Debug("Heartbeat processed", zap.Stringer("provider", id))
		return protocol.EncodeHeartbeatAck(id, msg.Addr)
	}

	return protocol.ReplyUnknownType
}
