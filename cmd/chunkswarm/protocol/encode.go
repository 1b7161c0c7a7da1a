package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode renders a registry request, chunk request or file inventory in its
// wire form.
func Encode(value any) (string, error) {
	switch v := value.(type) {
	case Message:
		return encodeMessage(v)
	case ChunkRequest:
		if !ValidFileName(v.FileName) {
			return "", fmt.Errorf("invalid file name %q", v.FileName)
		}
		if v.ChunkID < 0 {
			return "", fmt.Errorf("invalid chunk id %d", v.ChunkID)
		}
		return fmt.Sprintf("%s %s %d\n", VerbRequest, v.FileName, v.ChunkID), nil
	case []FileEntry:
		return encodeInventory(v)
	default:
		return "", fmt.Errorf("unsupported type for wire encoding: %T", value)
	}
}

func encodeMessage(m Message) (string, error) {
	switch m.Verb {
	case VerbRequest:
		if !ValidFileName(m.FileName) {
			return "", fmt.Errorf("invalid file name %q", m.FileName)
		}
		return fmt.Sprintf("%s %s", VerbRequest, m.FileName), nil
	case VerbRegister:
		inventory, err := encodeInventory(m.Files)
		if err != nil {
			return "", err
		}
		if inventory == "" {
			return fmt.Sprintf("%s %s %d", VerbRegister, m.Addr.Host, m.Addr.Port), nil
		}
		return fmt.Sprintf("%s %s %d %s", VerbRegister, m.Addr.Host, m.Addr.Port, inventory), nil
	case VerbHeartbeat:
		return fmt.Sprintf("%s %s %d", VerbHeartbeat, m.Addr.Host, m.Addr.Port), nil
	default:
		return "", fmt.Errorf("unsupported verb %q", m.Verb)
	}
}

func encodeInventory(files []FileEntry) (string, error) {
	items := make([]string, 0, len(files))
	for _, f := range files {
		if !ValidFileName(f.Name) {
			return "", fmt.Errorf("invalid file name %q", f.Name)
		}
		if f.Size < 0 {
			return "", fmt.Errorf("negative size for %s", f.Name)
		}
		items = append(items, f.Name+":"+strconv.FormatInt(f.Size, 10))
	}
	return strings.Join(items, ","), nil
}

func EncodeDiscovery(providers []Addr, totalChunks int) string {
	parts := make([]string, 0, len(providers)+1)
	for _, p := range providers {
		parts = append(parts, p.Wire())
	}
	parts = append(parts, strconv.Itoa(totalChunks))
	return strings.Join(parts, " ")
}

// EncodeDiscoveryWithin is EncodeDiscovery limited to maxLen bytes. Providers
// are kept in order until the next one would not fit; the second result is
// how many made it into the reply.
func EncodeDiscoveryWithin(providers []Addr, totalChunks, maxLen int) (string, int) {
	suffix := strconv.Itoa(totalChunks)
	var b strings.Builder
	kept := 0
	for _, p := range providers {
		w := p.Wire()
		if b.Len()+len(w)+1+len(suffix) > maxLen {
			break
		}
		b.WriteString(w)
		b.WriteByte(' ')
		kept++
	}
	b.WriteString(suffix)
	return b.String(), kept
}

func EncodeNotFound(fileName string) string {
	return notFoundPrefix + fileName + "."
}

func EncodeRegistered(id ProviderID, addr Addr) string {
	return fmt.Sprintf("REGISTERED %s : (%s, %d)", id, addr.Host, addr.Port)
}

func EncodeHeartbeatAck(id ProviderID, addr Addr) string {
	return fmt.Sprintf("HEARTBEAT RECEIVED %s : (%s, %d)", id, addr.Host, addr.Port)
}
