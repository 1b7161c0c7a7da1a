package seeding

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"go.uber.org/zap"
)

// Item is one advertised file. Name is what peers ask for, Path is where the
// bytes live locally.
type Item struct {
	Name string
	Path string
	Size int64
}

// Inventory maps advertised names to local files.
type Inventory struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewInventory() *Inventory {
	return &Inventory{items: make(map[string]Item)}
}

// BuildInventory advertises each path under its base name. Missing files and
// names the wire format cannot carry are skipped with a warning.
func BuildInventory(paths []string, logger *zap.Logger) *Inventory {
	if logger == nil {
		logger = zap.L()
	}
	inv := NewInventory()
	for _, p := range paths {
		if err := inv.Add(filepath.Base(p), p); err != nil {
			logger.Warn("Skipping file", zap.String("path", p), zap.Error(err))
		}
	}
	return inv
}

// Add advertises the file at path under name, replacing any previous entry
// with the same name.
func (inv *Inventory) Add(name, path string) error {
	if !protocol.ValidFileName(name) {
		return fmt.Errorf("file name %q cannot be advertised", name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.items[name] = Item{Name: name, Path: path, Size: info.Size()}
	return nil
}

func (inv *Inventory) Lookup(name string) (Item, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	item, ok := inv.items[name]
	return item, ok
}

func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.items)
}

// Entries returns the registration payload ordered by name.
func (inv *Inventory) Entries() []protocol.FileEntry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	entries := make([]protocol.FileEntry, 0, len(inv.items))
	for _, item := range inv.items {
		entries = append(entries, protocol.FileEntry{Name: item.Name, Size: item.Size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
