package fileencryption

import (
	"sort"
	"sync"

	"github.com/godaddy/asherah/go/fileencryption/internal"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

// privateKeyCache holds the decrypted private keys of a session, indexed by principal. Replacing or closing an entry
// closes the underlying secret.
//
// privateKeyCache is safe for concurrent use.
type privateKeyCache struct {
	rw   sync.RWMutex
	keys map[string]*internal.CryptoKey
}

func newPrivateKeyCache() *privateKeyCache {
	return &privateKeyCache{
		keys: make(map[string]*internal.CryptoKey),
	}
}

// Get returns the key of principal if present and not closed.
func (c *privateKeyCache) Get(principal string) (*internal.CryptoKey, bool) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	k, ok := c.keys[principal]
	if !ok || k.IsClosed() {
		return nil, false
	}

	return k, true
}

// Set stores key, closing any key it replaces.
func (c *privateKeyCache) Set(key *internal.CryptoKey) {
	c.rw.Lock()
	defer c.rw.Unlock()

	if old, ok := c.keys[key.Principal()]; ok && old != key {
		old.Close()
	}

	c.keys[key.Principal()] = key
}

// Principals returns the principals with an open key, sorted.
func (c *privateKeyCache) Principals() []string {
	c.rw.RLock()
	defer c.rw.RUnlock()

	out := make([]string, 0, len(c.keys))

	for p, k := range c.keys {
		if !k.IsClosed() {
			out = append(out, p)
		}
	}

	sort.Strings(out)

	return out
}

// Close closes every key and empties the cache.
func (c *privateKeyCache) Close() error {
	c.rw.Lock()
	defer c.rw.Unlock()

	for p, k := range c.keys {
		log.Debugf("closing private key of %s\n", p)
		k.Close()
	}

	c.keys = make(map[string]*internal.CryptoKey)

	return nil
}
