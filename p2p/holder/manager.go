// Package holder implements gossip.Holder as a file-per-item store on disk,
// backed by an in-memory index, the same shape as this tree's snapshot
// manager (one file per unit of data, JSON-free binary payloads, a safe
// path join guarding against escape).
package holder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cosmossdk.io/log"

	"github.com/paw-chain/gossipd/p2p/gossip"
)

// Config configures a Manager.
type Config struct {
	// Dir is the directory items are persisted under. Created if absent.
	Dir string
}

func DefaultConfig(dataDir string) Config {
	return Config{Dir: filepath.Join(dataDir, "gossip-items")}
}

// Manager is a gossip.Holder[Id, PeerId, Item] backed by one file per item,
// mirroring the snapshot package's chunk-per-file layout but for gossiped
// items rather than state chunks. Put is idempotent: an item already in the
// in-memory cache is reported as success without writing it again; an item
// that is only on disk (e.g. after a restart) is written again.
type Manager[Id, PeerId comparable, Item any] struct {
	cfg    Config
	codec  gossip.Codec[Id, Item]
	ident  gossip.Identifier[Id, Item]
	logger log.Logger

	mu    sync.RWMutex
	cache map[Id]Item
}

// NewManager creates a Manager, creating Dir if it does not already exist.
func NewManager[Id, PeerId comparable, Item any](cfg Config, codec gossip.Codec[Id, Item], ident gossip.Identifier[Id, Item], logger log.Logger) (*Manager[Id, PeerId, Item], error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("holder: directory not specified")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("holder: create directory: %w", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Manager[Id, PeerId, Item]{
		cfg:    cfg,
		codec:  codec,
		ident:  ident,
		logger: logger,
		cache:  make(map[Id]Item),
	}
	return m, nil
}

// Put stores item, satisfying gossip.Holder. sender is accepted for callers
// that want to log provenance; the store itself is sender-agnostic.
func (m *Manager[Id, PeerId, Item]) Put(ctx context.Context, item Item, sender *PeerId) error {
	id := m.ident.ID(item)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[id]; exists {
		return nil
	}

	data, err := m.codec.EncodeItem(item)
	if err != nil {
		return fmt.Errorf("holder: encode item: %w", err)
	}

	idb, err := m.codec.EncodeID(id)
	if err != nil {
		return fmt.Errorf("holder: encode id: %w", err)
	}
	path, err := m.itemPath(idb)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("holder: write item: %w", err)
	}

	m.cache[id] = item
	m.logger.Debug("item stored", "id", id)
	return nil
}

// Get retrieves the item identified by id, satisfying gossip.Holder.
// requester is accepted for provenance logging only.
func (m *Manager[Id, PeerId, Item]) Get(ctx context.Context, id Id, requester PeerId) (Item, error) {
	m.mu.RLock()
	item, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return item, nil
	}

	var zero Item
	idb, err := m.codec.EncodeID(id)
	if err != nil {
		return zero, fmt.Errorf("holder: encode id: %w", err)
	}
	path, err := m.itemPath(idb)
	if err != nil {
		return zero, err
	}
	data, err := m.readFileSafe(path)
	if err != nil {
		return zero, fmt.Errorf("holder: item not found: %w", err)
	}
	decoded, err := m.codec.DecodeItem(data)
	if err != nil {
		return zero, fmt.Errorf("holder: decode item: %w", err)
	}

	m.mu.Lock()
	m.cache[id] = decoded
	m.mu.Unlock()

	return decoded, nil
}

// Has reports whether id is in the in-memory cache, without touching disk.
// An item that is only on disk and has not been Put or Get since start is
// reported as absent.
func (m *Manager[Id, PeerId, Item]) Has(id Id) bool {
	m.mu.RLock()
	_, ok := m.cache[id]
	m.mu.RUnlock()
	return ok
}

func (m *Manager[Id, PeerId, Item]) itemPath(idHex []byte) (string, error) {
	name := fmt.Sprintf("%x.item", idHex)
	return filepath.Join(m.cfg.Dir, name), nil
}

func (m *Manager[Id, PeerId, Item]) readFileSafe(path string) ([]byte, error) {
	cleanBase := filepath.Clean(m.cfg.Dir)
	cleanPath := filepath.Clean(path)
	if !strings.HasPrefix(cleanPath, cleanBase+string(os.PathSeparator)) && cleanPath != cleanBase {
		return nil, fmt.Errorf("item path %s escapes base %s", cleanPath, cleanBase)
	}
	return os.ReadFile(cleanPath)
}
