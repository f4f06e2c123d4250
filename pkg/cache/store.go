// Package cache is the offline result cache. While the agent is disconnected
// every scheduled result is written to <dir>/<schedule_id>.json, replacing
// the previous one, so the directory always holds the last known good
// snapshot per schedule.
package cache

import (
	"container/list"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/storage"
)

// keyPattern matches keys that are safe to use as file names.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// StoreConfig holds configuration for a cache Store.
type StoreConfig struct {
	// FS is the filesystem the cache lives on. Default: afero.NewOsFs().
	FS afero.Fs

	// Dir is the directory holding one <key>.json file per entry.
	Dir string

	// MaxSizeMB is the maximum total cache size in megabytes. Default: 50.
	MaxSizeMB int

	Logger *slog.Logger
}

// CacheStats holds runtime statistics for a cache Store.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Evictions int64 `json:"evictions"`
	Size      int64 `json:"size"`
	Entries   int   `json:"entries"`
}

// KeyError reports a key that cannot be used as a file name.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("cache: invalid key %q", e.Key)
}

// lruEntry is the value stored in each list.Element.
type lruEntry struct {
	key  string
	size int64
}

// Store is a disk-backed key-value cache with LRU eviction. Writes are atomic
// via temp-file-then-rename.
type Store struct {
	cfg    StoreConfig
	logger *slog.Logger

	mu        sync.Mutex
	lru       *list.List               // front = most recently written or read
	items     map[string]*list.Element // key -> *list.Element (value is *lruEntry)
	curSize   int64
	hits      int64
	misses    int64
	writes    int64
	evictions int64
}

// NewStore creates a cache Store. The directory is created if missing and
// existing entries are indexed, oldest modification time at the back of the
// LRU.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if ok, _ := afero.DirExists(cfg.FS, cfg.Dir); !ok {
		if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, &storage.StorageError{Op: "write", Path: cfg.Dir, Err: err}
		}
	}

	s := &Store{
		cfg:    cfg,
		logger: logger.With("component", "cache"),
		lru:    list.New(),
		items:  make(map[string]*list.Element),
	}
	if err := s.scanDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// ValidKey reports whether key can be stored.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && key != "." && key != ".."
}

// Dir returns the directory the cache writes to.
func (s *Store) Dir() string { return s.cfg.Dir }

// Path returns the file that holds key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.cfg.Dir, key+".json")
}

// Get returns the raw bytes stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, false
	}
	data, err := afero.ReadFile(s.cfg.FS, s.Path(key))
	if err != nil {
		// Removed behind our back; forget it.
		s.removeLocked(key, elem)
		s.misses++
		return nil, false
	}
	s.lru.MoveToFront(elem)
	s.hits++
	return data, true
}

// Put stores value under key, replacing any previous value. The previous file
// is left intact when the write fails.
func (s *Store) Put(key string, value []byte) error {
	if !ValidKey(key) {
		return &KeyError{Key: key}
	}
	if err := storage.AtomicWrite(s.cfg.FS, s.Path(key), value); err != nil {
		return err
	}

	size := int64(len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		s.curSize += size - entry.size
		entry.size = size
		s.lru.MoveToFront(elem)
	} else {
		s.items[key] = s.lru.PushFront(&lruEntry{key: key, size: size})
		s.curSize += size
	}
	s.evictLocked(key)
	return nil
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.lru.Remove(elem)
		delete(s.items, key)
		s.curSize -= elem.Value.(*lruEntry).size
	}
	if !ValidKey(key) {
		return nil
	}
	return storage.Remove(s.cfg.FS, s.Path(key))
}

// Has reports whether key is cached.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key := range s.items {
		if err := storage.Remove(s.cfg.FS, s.Path(key)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.lru.Init()
	s.items = make(map[string]*list.Element)
	s.curSize = 0
	return firstErr
}

// Size returns the current total size of cached data in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curSize
}

// Stats returns a snapshot of cache statistics.
func (s *Store) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CacheStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Writes:    s.writes,
		Evictions: s.evictions,
		Size:      s.curSize,
		Entries:   s.lru.Len(),
	}
}

func (s *Store) maxBytes() int64 {
	return int64(s.cfg.MaxSizeMB) * 1024 * 1024
}

// removeLocked drops key from the index and deletes its file.
// Caller must hold s.mu.
func (s *Store) removeLocked(key string, elem *list.Element) {
	s.curSize -= elem.Value.(*lruEntry).size
	s.lru.Remove(elem)
	delete(s.items, key)
	_ = storage.Remove(s.cfg.FS, s.Path(key))
}

// evictLocked removes least recently used entries until the cache fits. The
// entry just written (keep) is never evicted.
// Caller must hold s.mu.
func (s *Store) evictLocked(keep string) {
	maxB := s.maxBytes()
	for s.curSize > maxB && s.lru.Len() > 1 {
		back := s.lru.Back()
		entry := back.Value.(*lruEntry)
		if entry.key == keep {
			break
		}
		s.removeLocked(entry.key, back)
		s.evictions++
		s.logger.Warn("evicted cached result", "key", entry.key, "size", entry.size)
	}
}

// scanDir indexes the *.json files already in the directory.
func (s *Store) scanDir() error {
	infos, err := afero.ReadDir(s.cfg.FS, s.cfg.Dir)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil
		}
		return &storage.StorageError{Op: "list", Path: s.cfg.Dir, Err: err}
	}

	// ReadDir sorts by name; order by modification time instead so the
	// oldest entries sit at the back.
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].ModTime().After(infos[j].ModTime())
	})

	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || storage.IsTemp(name) || filepath.Ext(name) != ".json" {
			if storage.IsTemp(name) {
				// Leftover from an interrupted write.
				_ = s.cfg.FS.Remove(filepath.Join(s.cfg.Dir, name))
			}
			continue
		}
		key := name[:len(name)-len(".json")]
		if !ValidKey(key) {
			continue
		}
		s.items[key] = s.lru.PushBack(&lruEntry{key: key, size: fi.Size()})
		s.curSize += fi.Size()
	}
	return nil
}
