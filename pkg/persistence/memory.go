package persistence

import (
	"context"
	"sync"

	"github.com/godaddy/asherah/go/fileencryption"
)

var (
	// Verify MemorySettingsStore implements the SettingsStore interface.
	_ fileencryption.SettingsStore = (*MemorySettingsStore)(nil)
	// Verify MemoryFileCache implements the FileCache interface.
	_ fileencryption.FileCache = (*MemoryFileCache)(nil)
)

// MemorySettingsStore is an in-memory implementation of a SettingsStore.
//
// NOTE: It should not be used in production and is for testing only!
type MemorySettingsStore struct {
	sync.RWMutex

	users map[string]fileencryption.UserSettings
	app   map[string]string
}

// NewMemorySettingsStore returns a new in-memory settings store.
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{
		users: make(map[string]fileencryption.UserSettings),
		app:   make(map[string]string),
	}
}

// LoadUser returns a copy of the settings of uid, or nil if not present.
func (s *MemorySettingsStore) LoadUser(_ context.Context, uid string) (*fileencryption.UserSettings, error) {
	s.RLock()
	defer s.RUnlock()

	if v, ok := s.users[uid]; ok {
		return &v, nil
	}

	return nil, nil
}

// InsertUser stores settings if none are present for the user.
func (s *MemorySettingsStore) InsertUser(_ context.Context, settings *fileencryption.UserSettings) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.users[settings.UID]; ok {
		return false, nil
	}

	s.users[settings.UID] = *settings

	return true, nil
}

// SetRecoveryEnabled updates the recovery flag of uid.
func (s *MemorySettingsStore) SetRecoveryEnabled(_ context.Context, uid string, enabled bool) error {
	s.Lock()
	defer s.Unlock()

	if v, ok := s.users[uid]; ok {
		v.RecoveryEnabled = enabled
		s.users[uid] = v
	}

	return nil
}

// SwapMigrationStatus moves the status of uid from one value to another.
func (s *MemorySettingsStore) SwapMigrationStatus(
	_ context.Context, uid string, from, to fileencryption.MigrationStatus,
) (bool, error) {
	s.Lock()
	defer s.Unlock()

	v, ok := s.users[uid]
	if !ok || v.MigrationStatus != from {
		return false, nil
	}

	v.MigrationStatus = to
	s.users[uid] = v

	return true, nil
}

// AppValue returns an application value or "" if not present.
func (s *MemorySettingsStore) AppValue(_ context.Context, key string) (string, error) {
	s.RLock()
	defer s.RUnlock()

	return s.app[key], nil
}

// SetAppValue replaces an application value.
func (s *MemorySettingsStore) SetAppValue(_ context.Context, key, value string) error {
	s.Lock()
	defer s.Unlock()

	s.app[key] = value

	return nil
}

// MemoryFileCache is an in-memory implementation of a FileCache.
//
// NOTE: It should not be used in production and is for testing only!
type MemoryFileCache struct {
	sync.RWMutex

	entries map[string]fileencryption.FileInfo
}

// NewMemoryFileCache returns a new in-memory file cache.
func NewMemoryFileCache() *MemoryFileCache {
	return &MemoryFileCache{
		entries: make(map[string]fileencryption.FileInfo),
	}
}

// Get returns a copy of the record for path, or nil if not present.
func (c *MemoryFileCache) Get(_ context.Context, path string) (*fileencryption.FileInfo, error) {
	c.RLock()
	defer c.RUnlock()

	if v, ok := c.entries[path]; ok {
		return &v, nil
	}

	return nil, nil
}

// Put inserts or replaces the record for path.
func (c *MemoryFileCache) Put(_ context.Context, path string, info *fileencryption.FileInfo) error {
	c.Lock()
	defer c.Unlock()

	c.entries[path] = *info

	return nil
}

// Delete removes the record for path.
func (c *MemoryFileCache) Delete(_ context.Context, path string) error {
	c.Lock()
	defer c.Unlock()

	delete(c.entries, path)

	return nil
}
