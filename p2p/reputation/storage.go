package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cosmossdk.io/log"
)

// Storage persists peer reputation records.
type Storage interface {
	Save(rep *PeerReputation) error
	Load(peerID PeerID) (*PeerReputation, error)
	LoadAll() (map[PeerID]*PeerReputation, error)
	Delete(peerID PeerID) error
	Cleanup(olderThan time.Time) error
	Close() error
}

// FileStorage implements Storage as one JSON file per peer, with a
// write-behind cache flushed on a timer or when it fills.
type FileStorage struct {
	dataDir       string
	logger        log.Logger
	mu            sync.RWMutex
	writeCache    map[PeerID]*PeerReputation
	cacheSize     int
	flushInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// FileStorageConfig configures FileStorage.
type FileStorageConfig struct {
	DataDir       string
	CacheSize     int
	FlushInterval time.Duration
	EnableCache   bool
}

// DefaultFileStorageConfig returns the default file storage configuration.
func DefaultFileStorageConfig(homeDir string) FileStorageConfig {
	return FileStorageConfig{
		DataDir:       filepath.Join(homeDir, "data", "p2p", "reputation"),
		CacheSize:     1000,
		FlushInterval: 30 * time.Second,
		EnableCache:   true,
	}
}

// NewFileStorage creates a file-based Storage rooted at config.DataDir.
func NewFileStorage(config FileStorageConfig, logger log.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &FileStorage{
		dataDir:       config.DataDir,
		logger:        logger,
		writeCache:    make(map[PeerID]*PeerReputation),
		cacheSize:     config.CacheSize,
		flushInterval: config.FlushInterval,
		stopChan:      make(chan struct{}),
	}

	if config.EnableCache {
		fs.wg.Add(1)
		go fs.backgroundFlusher()
	}

	return fs, nil
}

// Save caches rep, flushing to disk once the cache reaches cacheSize.
func (fs *FileStorage) Save(rep *PeerReputation) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.writeCache[rep.PeerID] = rep
	if len(fs.writeCache) >= fs.cacheSize {
		return fs.flushCache()
	}
	return nil
}

// Load returns peerID's reputation, checking the write cache before disk.
func (fs *FileStorage) Load(peerID PeerID) (*PeerReputation, error) {
	fs.mu.RLock()
	if rep, ok := fs.writeCache[peerID]; ok {
		fs.mu.RUnlock()
		return rep, nil
	}
	fs.mu.RUnlock()

	data, err := os.ReadFile(fs.getPeerFilePath(peerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read peer file: %w", err)
	}

	var rep PeerReputation
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer data: %w", err)
	}
	return &rep, nil
}

// LoadAll loads every peer's reputation from disk, then overlays anything
// still sitting in the write cache.
func (fs *FileStorage) LoadAll() (map[PeerID]*PeerReputation, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	peers := make(map[PeerID]*PeerReputation)

	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dataDir, entry.Name()))
		if err != nil {
			fs.logger.Error("failed to read peer file", "file", entry.Name(), "error", err)
			continue
		}
		var rep PeerReputation
		if err := json.Unmarshal(data, &rep); err != nil {
			fs.logger.Error("failed to unmarshal peer data", "file", entry.Name(), "error", err)
			continue
		}
		peers[rep.PeerID] = &rep
	}

	for peerID, rep := range fs.writeCache {
		peers[peerID] = rep
	}
	return peers, nil
}

// Delete removes peerID's cached and on-disk reputation.
func (fs *FileStorage) Delete(peerID PeerID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.writeCache, peerID)
	if err := os.Remove(fs.getPeerFilePath(peerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete peer file: %w", err)
	}
	return nil
}

// Cleanup removes on-disk peer files not modified since olderThan.
func (fs *FileStorage) Cleanup(olderThan time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(olderThan) {
			filePath := filepath.Join(fs.dataDir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				fs.logger.Error("failed to remove old peer file", "file", entry.Name(), "error", err)
			} else {
				count++
			}
		}
	}

	fs.logger.Info("cleaned up old reputation data", "files_removed", count, "older_than", olderThan)
	return nil
}

// Close stops the background flusher and performs a final flush.
func (fs *FileStorage) Close() error {
	close(fs.stopChan)
	fs.wg.Wait()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushCache()
}

// Flush forces an immediate cache flush.
func (fs *FileStorage) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushCache()
}

// flushCache writes cached entries to disk; caller must hold fs.mu.
func (fs *FileStorage) flushCache() error {
	if len(fs.writeCache) == 0 {
		return nil
	}

	errCount := 0
	for peerID, rep := range fs.writeCache {
		if err := fs.saveToDisk(rep); err != nil {
			fs.logger.Error("failed to save peer to disk", "peer_id", peerID, "error", err)
			errCount++
		}
	}
	fs.writeCache = make(map[PeerID]*PeerReputation)

	if errCount > 0 {
		return fmt.Errorf("failed to save %d peers", errCount)
	}
	return nil
}

func (fs *FileStorage) saveToDisk(rep *PeerReputation) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal peer data: %w", err)
	}
	if err := os.WriteFile(fs.getPeerFilePath(rep.PeerID), data, 0600); err != nil {
		return fmt.Errorf("failed to write peer file: %w", err)
	}
	return nil
}

func (fs *FileStorage) getPeerFilePath(peerID PeerID) string {
	return filepath.Join(fs.dataDir, fmt.Sprintf("%s.json", peerID))
}

func (fs *FileStorage) backgroundFlusher() {
	defer fs.wg.Done()

	ticker := time.NewTicker(fs.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.Lock()
			if err := fs.flushCache(); err != nil {
				fs.logger.Error("background flush failed", "error", err)
			}
			fs.mu.Unlock()
		case <-fs.stopChan:
			return
		}
	}
}

// MemoryStorage is an in-memory Storage, used by tests.
type MemoryStorage struct {
	peers map[PeerID]*PeerReputation
	mu    sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{peers: make(map[PeerID]*PeerReputation)}
}

func (ms *MemoryStorage) Save(rep *PeerReputation) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	repCopy := *rep
	ms.peers[rep.PeerID] = &repCopy
	return nil
}

func (ms *MemoryStorage) Load(peerID PeerID) (*PeerReputation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rep, ok := ms.peers[peerID]
	if !ok {
		return nil, nil
	}
	repCopy := *rep
	return &repCopy, nil
}

func (ms *MemoryStorage) LoadAll() (map[PeerID]*PeerReputation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make(map[PeerID]*PeerReputation, len(ms.peers))
	for id, rep := range ms.peers {
		repCopy := *rep
		result[id] = &repCopy
	}
	return result, nil
}

func (ms *MemoryStorage) Delete(peerID PeerID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.peers, peerID)
	return nil
}

func (ms *MemoryStorage) Cleanup(olderThan time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for id, rep := range ms.peers {
		if rep.LastSeen.Before(olderThan) {
			delete(ms.peers, id)
		}
	}
	return nil
}

func (ms *MemoryStorage) Close() error { return nil }
