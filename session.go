package fileencryption

import (
	"context"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption/internal"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt/legacy"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

// SessionFactory is used to create sessions for authenticated users and owns the components they share.
type SessionFactory struct {
	Config        *Config
	Fs            afero.Fs
	Keys          *KeyManager
	Util          *Util
	FileCache     FileCache
	Settings      SettingsStore
	Passphrase    PassphraseSource
	SecretFactory securememory.SecretFactory

	users  UserDirectory
	shares ShareResolver
}

// FactoryOption is used to configure additional options in a SessionFactory.
type FactoryOption func(*SessionFactory)

// WithSecretFactory sets the factory to use for creating Secrets
func WithSecretFactory(f securememory.SecretFactory) FactoryOption {
	return func(factory *SessionFactory) {
		factory.SecretFactory = f
	}
}

// WithMetrics enables or disables metrics.
func WithMetrics(enabled bool) FactoryOption {
	return func(factory *SessionFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// WithPassphraseSource sets the source of the system passphrase protecting the master and public share keys.
func WithPassphraseSource(source PassphraseSource) FactoryOption {
	return func(factory *SessionFactory) {
		factory.Passphrase = source
	}
}

// WithUserDirectory sets the directory used to expand groups and iterate users.
func WithUserDirectory(users UserDirectory) FactoryOption {
	return func(factory *SessionFactory) {
		factory.users = users
	}
}

// WithShareResolver sets the resolver used to find share recipients.
func WithShareResolver(shares ShareResolver) FactoryOption {
	return func(factory *SessionFactory) {
		factory.shares = shares
	}
}

// NewSessionFactory creates a new session factory storing files and keys in fs.
func NewSessionFactory(config *Config, fs afero.Fs, files FileCache, settings SettingsStore, opts ...FactoryOption) *SessionFactory {
	factory := &SessionFactory{
		Config:        config,
		Fs:            fs,
		FileCache:     files,
		Settings:      settings,
		SecretFactory: new(memguard.SecretFactory),
	}

	for _, opt := range opts {
		opt(factory)
	}

	factory.Keys = NewKeyManager(fs, config)
	factory.Util = NewUtil(factory.Keys, settings, files, factory.users, factory.shares)

	return factory
}

// Close will close any open resources owned by this factory. It should be called when the factory is no longer
// required.
func (f *SessionFactory) Close() error {
	return f.Keys.Close()
}

// GetSession returns a new, uninitialized session for uid.
func (f *SessionFactory) GetSession(uid string) (*Session, error) {
	if uid == "" {
		return nil, errors.New("uid cannot be empty")
	}

	s := &Session{
		uid:     uid,
		factory: f,
		keys:    newPrivateKeyCache(),
	}

	log.Debugf("[GetSession] for uid %s. Session(%p)\n", uid, s)

	return s, nil
}

// InitStatus is the progress of Session.Init.
type InitStatus int

const (
	NotInitialized InitStatus = iota
	InitExecuted
	InitSuccessful
)

func (s InitStatus) String() string {
	switch s {
	case InitExecuted:
		return "INIT_EXECUTED"
	case InitSuccessful:
		return "INIT_SUCCESSFUL"
	}

	return "NOT_INITIALIZED"
}

// Session holds the private keys unlocked for one user. It is not meant to outlive the request that created it.
type Session struct {
	uid     string
	factory *SessionFactory
	keys    *privateKeyCache

	mu     sync.Mutex
	status InitStatus
}

// UID returns the user the session belongs to.
func (s *Session) UID() string {
	return s.uid
}

// Status returns the initialization status.
func (s *Session) Status() InitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *Session) setStatus(status InitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
}

// Init unlocks the user's private key with password. In master key mode the master key is unlocked instead and
// password is not used. On failure the status stays InitExecuted.
func (s *Session) Init(ctx context.Context, password []byte) error {
	s.setStatus(InitExecuted)

	if s.factory.Config.MasterKeyEnabled() {
		if err := s.UnlockSystemKey(ctx, s.factory.Config.MasterKeyID); err != nil {
			return err
		}

		s.setStatus(InitSuccessful)

		return nil
	}

	blob, err := s.factory.Keys.GetPrivateKey(s.uid)
	if err != nil {
		return err
	}

	if err := s.unlock(s.uid, blob, password); err != nil {
		return errors.WithMessagef(err, "error unlocking private key of %s", s.uid)
	}

	s.setStatus(InitSuccessful)

	return nil
}

// UnlockSystemKey unlocks the private key of a system principal with the system passphrase.
func (s *Session) UnlockSystemKey(ctx context.Context, id string) error {
	if s.factory.Passphrase == nil {
		return errors.WithMessage(ErrUnsupportedOperation, "no system passphrase source configured")
	}

	blob, err := s.factory.Keys.GetPrivateKey(id)
	if err != nil {
		return err
	}

	passphrase, err := s.factory.Passphrase.Passphrase(ctx)
	if err != nil {
		return errors.Wrap(err, "error loading system passphrase")
	}

	defer internal.Wipe(passphrase)

	return s.unlock(id, blob, passphrase)
}

// UnlockRecoveryKey unlocks the recovery key with the recovery password.
func (s *Session) UnlockRecoveryKey(ctx context.Context, password []byte) error {
	id := s.factory.Config.RecoveryKeyID

	blob, err := s.factory.Keys.GetPrivateKey(id)
	if err != nil {
		return err
	}

	return s.unlock(id, blob, password)
}

// HasPrivateKey reports whether the private key of principal is unlocked.
func (s *Session) HasPrivateKey(principal string) bool {
	_, ok := s.keys.Get(principal)

	return ok
}

func (s *Session) unlock(principal string, blob, passphrase []byte) error {
	pem, err := crypt.DecryptPrivateKey(blob, passphrase, s.factory.Config.KeyDerivation)
	if err != nil {
		return err
	}

	defer internal.Wipe(pem)

	key, err := internal.NewCryptoKey(s.factory.SecretFactory, principal, pem)
	if err != nil {
		return err
	}

	s.keys.Set(key)

	return nil
}

// principals returns the unlocked principals in the order they are tried: master, the user, then the others.
func (s *Session) principals() []string {
	first := []string{s.factory.Config.MasterKeyID, s.uid}
	out := make([]string, 0, len(first))

	for _, p := range first {
		if s.HasPrivateKey(p) {
			out = append(out, p)
		}
	}

	for _, p := range s.keys.Principals() {
		if p != first[0] && p != first[1] {
			out = append(out, p)
		}
	}

	return out
}

// FileKey returns the plaintext key of the file at p, opened with the first unlocked private key that has a share
// key for it.
func (s *Session) FileKey(_ context.Context, p string) ([]byte, error) {
	keys := s.factory.Keys

	blob, err := keys.GetFileKey(p, false)
	if errors.Is(err, ErrLegacyFileKey) && s.factory.Config.LegacySupport {
		blob, err = keys.GetFileKey(p, true)
	}

	if err != nil {
		return nil, err
	}

	shareKeys, err := keys.GetShareKeys(p)
	if err != nil {
		return nil, err
	}

	return s.OpenFolder(&KeyFolder{FileKey: blob, ShareKeys: shareKeys})
}

// OpenFolder opens the file key held in folder, which need not be at the canonical location of any file. Keys sealed
// in the legacy format are opened too.
func (s *Session) OpenFolder(folder *KeyFolder) ([]byte, error) {
	if len(folder.FileKey) == 0 {
		return nil, notFound("file key in folder")
	}

	legacyFormat := legacy.IsLegacySealed(folder.FileKey)

	var lastErr error

	for _, principal := range s.principals() {
		shareKey, ok := folder.ShareKeys[principal]
		if !ok {
			continue
		}

		fileKey, err := s.OpenSealed(principal, folder.FileKey, shareKey, legacyFormat)
		if err == nil {
			return fileKey, nil
		}

		if !errors.Is(err, ErrDecryptionFailed) {
			return nil, err
		}

		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, notFound("share key for %s", s.uid)
}

// OpenSealed opens a sealed blob with principal's unlocked private key.
func (s *Session) OpenSealed(principal string, blob, shareKey []byte, legacyFormat bool) ([]byte, error) {
	key, ok := s.keys.Get(principal)
	if !ok {
		return nil, notFound("unlocked private key of %s", principal)
	}

	return internal.WithKeyFunc(key, func(pem []byte) ([]byte, error) {
		if legacyFormat {
			return legacy.OpenSealed(blob, shareKey, pem)
		}

		return crypt.MultiKeyDecrypt(blob, shareKey, pem)
	})
}

// Close scrubs every unlocked private key. Closing twice is safe.
func (s *Session) Close() error {
	s.setStatus(NotInitialized)

	return s.keys.Close()
}
