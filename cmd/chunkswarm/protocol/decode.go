package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Decode parses one registry request datagram.
func Decode(raw string) (Message, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Message{}, fmt.Errorf("empty message: %w", ErrMalformedMessage)
	}

	switch Verb(parts[0]) {
	case VerbRequest:
		return decodeRequest(parts)
	case VerbRegister:
		return decodeRegister(parts)
	case VerbHeartbeat:
		return decodeHeartbeat(parts)
	default:
		return Message{}, fmt.Errorf("verb %q: %w", parts[0], ErrUnknownVerb)
	}
}

func decodeRequest(parts []string) (Message, error) {
	if len(parts) != 2 {
		return Message{}, fmt.Errorf("REQUEST expects 1 argument, got %d: %w", len(parts)-1, ErrMalformedMessage)
	}
	return Message{Verb: VerbRequest, FileName: parts[1]}, nil
}

// decodeRegister accepts a missing inventory so the registry can reject it
// explicitly instead of treating it as garbage.
func decodeRegister(parts []string) (Message, error) {
	if len(parts) != 3 && len(parts) != 4 {
		return Message{}, fmt.Errorf("REGISTER_FILES expects 3 arguments, got %d: %w", len(parts)-1, ErrMalformedMessage)
	}

	addr, err := decodeAddr(parts[1], parts[2])
	if err != nil {
		return Message{}, err
	}

	msg := Message{Verb: VerbRegister, Addr: addr}
	if len(parts) == 4 {
		files, err := decodeInventory(parts[3])
		if err != nil {
			return Message{}, err
		}
		msg.Files = files
	}
	return msg, nil
}

func decodeHeartbeat(parts []string) (Message, error) {
	if len(parts) != 3 {
		return Message{}, fmt.Errorf("HEARTBEAT expects 2 arguments, got %d: %w", len(parts)-1, ErrMalformedMessage)
	}
	addr, err := decodeAddr(parts[1], parts[2])
	if err != nil {
		return Message{}, err
	}
	return Message{Verb: VerbHeartbeat, Addr: addr}, nil
}

func decodeAddr(host, portStr string) (Addr, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port %q: %w", portStr, ErrMalformedMessage)
	}
	addr, err := NewAddr(host, port)
	if err != nil {
		return Addr{}, fmt.Errorf("%v: %w", err, ErrMalformedMessage)
	}
	return addr, nil
}

func decodeInventory(s string) ([]FileEntry, error) {
	var files []FileEntry
	for _, item := range strings.Split(s, ",") {
		if item == "" {
			continue
		}
		idx := strings.LastIndex(item, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("inventory item %q: missing size: %w", item, ErrMalformedMessage)
		}
		size, err := strconv.ParseInt(item[idx+1:], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("inventory item %q: invalid size: %w", item, ErrMalformedMessage)
		}
		files = append(files, FileEntry{Name: item[:idx], Size: size})
	}
	return files, nil
}

// DecodeChunkRequest parses "REQUEST <fileName> <chunkId>" as sent to a
// serving agent.
func DecodeChunkRequest(raw string) (ChunkRequest, error) {
	parts := strings.Fields(raw)
	if len(parts) != 3 || Verb(parts[0]) != VerbRequest {
		return ChunkRequest{}, fmt.Errorf("chunk request %q: %w", strings.TrimSpace(raw), ErrMalformedMessage)
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil || id < 0 {
		return ChunkRequest{}, fmt.Errorf("invalid chunk id %q: %w", parts[2], ErrMalformedMessage)
	}
	return ChunkRequest{FileName: parts[1], ChunkID: id}, nil
}

// DecodeDiscovery parses a discovery reply into the provider list and the
// file's chunk count.
func DecodeDiscovery(raw string) ([]Addr, int, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, notFoundPrefix) {
		return nil, 0, fmt.Errorf("%s: %w", strings.TrimSuffix(strings.TrimPrefix(raw, notFoundPrefix), "."), ErrDiscoveryNotFound)
	}
	if err := replyError(raw); err != nil {
		return nil, 0, err
	}

	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil, 0, fmt.Errorf("empty discovery reply: %w", ErrMalformedMessage)
	}

	total, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || total < 0 {
		return nil, 0, fmt.Errorf("invalid chunk count %q: %w", parts[len(parts)-1], ErrMalformedMessage)
	}

	providers := make([]Addr, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		host, port, ok := strings.Cut(p, ",")
		if !ok {
			return nil, 0, fmt.Errorf("invalid provider %q: %w", p, ErrMalformedMessage)
		}
		addr, err := decodeAddr(host, port)
		if err != nil {
			return nil, 0, err
		}
		providers = append(providers, addr)
	}
	return providers, total, nil
}

func DecodeRegistered(raw string) (ProviderID, error) {
	raw = strings.TrimSpace(raw)
	if raw == ReplyNoFiles {
		return 0, fmt.Errorf("%s: %w", raw, ErrRegistrationRejected)
	}
	if err := replyError(raw); err != nil {
		return 0, err
	}
	parts := strings.Fields(raw)
	if len(parts) < 2 || parts[0] != "REGISTERED" {
		return 0, fmt.Errorf("unexpected registration reply %q: %w", raw, ErrMalformedMessage)
	}
	return ParseProviderID(parts[1])
}

func DecodeHeartbeatAck(raw string) (ProviderID, error) {
	raw = strings.TrimSpace(raw)
	if raw == ReplyNotRegistered {
		return 0, ErrHeartbeatUnregistered
	}
	if err := replyError(raw); err != nil {
		return 0, err
	}
	parts := strings.Fields(raw)
	if len(parts) < 3 || parts[0] != "HEARTBEAT" || parts[1] != "RECEIVED" {
		return 0, fmt.Errorf("unexpected heartbeat reply %q: %w", raw, ErrMalformedMessage)
	}
	return ParseProviderID(parts[2])
}

func replyError(raw string) error {
	if !strings.HasPrefix(raw, errorReplyPrefix) {
		return nil
	}
	if raw == ReplyRateLimited {
		return ErrRateLimited
	}
	return fmt.Errorf("registry replied %q: %w", raw, ErrMalformedMessage)
}
