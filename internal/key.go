package internal

import (
	"fmt"
	"sync"
	"time"

	"github.com/godaddy/asherah/go/securememory"
)

// CryptoKey holds decrypted key material for one principal in a locked section of memory.
type CryptoKey struct {
	principal string
	loaded    int64
	secret    securememory.Secret
	once      sync.Once
}

// Principal returns the user or system key id the key belongs to.
func (k *CryptoKey) Principal() string {
	return k.principal
}

// Loaded returns the time the key was unlocked as a Unix epoch in seconds.
func (k *CryptoKey) Loaded() int64 {
	return k.loaded
}

// Close destroys the underlying buffer for this key. It is safe to call more than once.
func (k *CryptoKey) Close() {
	k.once.Do(k.close)
}

func (k *CryptoKey) close() {
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed returns true if the underlying buffer has been closed.
func (k *CryptoKey) IsClosed() bool {
	if k.secret == nil {
		return true
	}

	return k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){principal(%s) secret(%p)}", k, k.principal, k.secret)
}

// WithBytes implements BytesAccessor.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// NewCryptoKey moves key into a new secret owned by principal. The key slice is wiped by the
// secret factory once it has been copied.
func NewCryptoKey(factory securememory.SecretFactory, principal string, key []byte) (*CryptoKey, error) {
	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{
		principal: principal,
		loaded:    time.Now().Unix(),
		secret:    sec,
	}, nil
}

type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey makes the bytes behind key readable for the duration of action. A reference MUST
// not be stored to the provided bytes.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc is WithKey for actions that produce a result.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}
