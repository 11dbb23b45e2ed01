package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah/go/fileencryption"
)

var (
	// Verify BadgerFileCache implements the FileCache interface.
	_ fileencryption.FileCache = (*BadgerFileCache)(nil)

	getBadgerTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.filecache.badger.get", fileencryption.MetricsPrefix), nil)
	putBadgerTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.filecache.badger.put", fileencryption.MetricsPrefix), nil)
)

const fileCachePrefix = "filecache:"

// BadgerFileCache implements the FileCache interface on a BadgerDB. Records are stored as JSON under the file path.
type BadgerFileCache struct {
	db *badger.DB
}

// NewBadgerFileCache returns a FileCache backed by db. The caller owns db and closes it.
func NewBadgerFileCache(db *badger.DB) *BadgerFileCache {
	return &BadgerFileCache{
		db: db,
	}
}

func fileCacheKey(path string) []byte {
	return []byte(fileCachePrefix + path)
}

// Get returns the record for path. The return value will be nil if not present.
func (c *BadgerFileCache) Get(_ context.Context, path string) (*fileencryption.FileInfo, error) {
	defer getBadgerTimer.UpdateSince(time.Now())

	var info *fileencryption.FileInfo

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileCacheKey(path))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}

			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error loading file cache entry of %s", path)
	}

	return info, nil
}

// Put inserts or replaces the record for path.
func (c *BadgerFileCache) Put(_ context.Context, path string, info *fileencryption.FileInfo) error {
	defer putBadgerTimer.UpdateSince(time.Now())

	b, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "error marshaling file cache entry")
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileCacheKey(path), b)
	})

	return errors.Wrapf(err, "error storing file cache entry of %s", path)
}

// Delete removes the record for path.
func (c *BadgerFileCache) Delete(_ context.Context, path string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileCacheKey(path))
	})

	return errors.Wrapf(err, "error deleting file cache entry of %s", path)
}
