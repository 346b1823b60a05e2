package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CacheEntry is the local record of which session an identity registered.
type CacheEntry struct {
	Identity  string    `json:"identity"`
	SessionID string    `json:"session_id"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache is a directory of per-identity JSON files. It is a hint only; the
// store is authoritative.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir. The directory is created lazily.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(ident string) string {
	sum := sha256.Sum256([]byte(ident))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])+".json")
}

// Load returns the entry for ident.
func (c *Cache) Load(ident string) (CacheEntry, bool) {
	data, err := os.ReadFile(c.path(ident))
	if err != nil {
		return CacheEntry{}, false
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil || e.Identity != ident {
		return CacheEntry{}, false
	}
	return e, true
}

// Save writes e atomically (temp file + rename).
func (c *Cache) Save(e CacheEntry) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create session cache dir: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("create cache temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cache temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close cache temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(e.Identity)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

// Remove deletes the entry for ident.
func (c *Cache) Remove(ident string) error {
	return os.Remove(c.path(ident))
}
