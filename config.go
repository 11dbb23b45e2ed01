package fileencryption

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
)

// Default values for Config if not overridden.
const (
	DefaultPublicKeyDir       = "/public-keys"
	DefaultVersionSearchRange = 5
	DefaultUserPageSize       = 500
	DefaultPublicKeyCacheSize = 1000
)

// Application value names used to persist Config in a SettingsStore.
const (
	AppMasterKeyID          = "masterKeyId"
	AppRecoveryKeyID        = "recoveryKeyId"
	AppPublicShareKeyID     = "publicShareKeyId"
	AppUseMasterKey         = "useMasterKey"
	AppRecoveryAdminEnabled = "recoveryAdminEnabled"
)

// Prefixes of system principal ids. A principal whose id starts with one of these is never a user.
const (
	MasterKeyPrefix   = "master_"
	RecoveryKeyPrefix = "recovery_"
	PublicSharePrefix = "pubShare_"
)

// Config contains the options shared by every component of this library.
type Config struct {
	// ModuleID names the encryption module in file headers and key paths.
	ModuleID string
	// Cipher is used for new files and private keys.
	Cipher string
	// KeypairBits is the RSA modulus size of new keypairs.
	KeypairBits int
	// KeyDerivation stretches passphrases protecting private keys.
	KeyDerivation crypt.KeyDerivation
	// PublicKeyDir holds the public keys of all users.
	PublicKeyDir string
	// SystemMounts are mounts whose keys live in the system-wide key root.
	SystemMounts []SystemMount
	// MasterKeyID, RecoveryKeyID and PublicShareKeyID identify the system principals.
	MasterKeyID      string
	RecoveryKeyID    string
	PublicShareKeyID string
	// RecoveryAdminEnabled allows users to opt in to the recovery key.
	RecoveryAdminEnabled bool
	// VersionSearchRange bounds the search for a file's correct encrypted version.
	VersionSearchRange int
	// UserPageSize is the page size used when iterating all users.
	UserPageSize int
	// PublicKeyCacheSize bounds the number of cached public keys.
	PublicKeyCacheSize int
	// LegacySupport allows reading keys and content written in the legacy formats.
	LegacySupport bool

	mu        sync.RWMutex
	masterKey bool
}

// ConfigOption is used to configure a Config.
type ConfigOption func(*Config)

// WithModuleID sets the encryption module id.
func WithModuleID(id string) ConfigOption {
	return func(c *Config) {
		c.ModuleID = id
	}
}

// WithCipher sets the cipher used for new content.
func WithCipher(cipherName string) ConfigOption {
	return func(c *Config) {
		c.Cipher = cipherName
	}
}

// WithKeypairBits sets the RSA modulus size of new keypairs.
func WithKeypairBits(bits int) ConfigOption {
	return func(c *Config) {
		c.KeypairBits = bits
	}
}

// WithKeyDerivation sets the passphrase stretching parameters.
func WithKeyDerivation(kd crypt.KeyDerivation) ConfigOption {
	return func(c *Config) {
		c.KeyDerivation = kd
	}
}

// WithPublicKeyDir sets the directory holding user public keys.
func WithPublicKeyDir(dir string) ConfigOption {
	return func(c *Config) {
		c.PublicKeyDir = dir
	}
}

// WithSystemMounts registers system-wide mount points.
func WithSystemMounts(mounts ...SystemMount) ConfigOption {
	return func(c *Config) {
		c.SystemMounts = append(c.SystemMounts, mounts...)
	}
}

// WithMasterKey enables master key mode at construction. This is how a persisted enabled state is restored.
func WithMasterKey(id string) ConfigOption {
	return func(c *Config) {
		c.masterKey = true
		if id != "" {
			c.MasterKeyID = id
		}
	}
}

// WithRecoveryKey sets the recovery key id and whether the administrator enabled recovery.
func WithRecoveryKey(id string, adminEnabled bool) ConfigOption {
	return func(c *Config) {
		c.RecoveryKeyID = id
		c.RecoveryAdminEnabled = adminEnabled
	}
}

// WithPublicShareKeyID sets the id of the key used for public link shares.
func WithPublicShareKeyID(id string) ConfigOption {
	return func(c *Config) {
		c.PublicShareKeyID = id
	}
}

// WithVersionSearchRange sets how many versions above the recorded one are tried when repairing. Every lower version
// is tried as well.
func WithVersionSearchRange(n int) ConfigOption {
	return func(c *Config) {
		c.VersionSearchRange = n
	}
}

// WithUserPageSize sets the page size used when iterating all users.
func WithUserPageSize(n int) ConfigOption {
	return func(c *Config) {
		c.UserPageSize = n
	}
}

// WithLegacySupport enables reading the legacy key and content formats.
func WithLegacySupport() ConfigOption {
	return func(c *Config) {
		c.LegacySupport = true
	}
}

// NewConfig returns a new Config with default values. System key ids not set by an option are generated.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		ModuleID:           crypt.DefaultModuleID,
		Cipher:             crypt.DefaultCipher,
		KeypairBits:        crypt.DefaultKeypairBits,
		PublicKeyDir:       DefaultPublicKeyDir,
		MasterKeyID:        newKeyID(MasterKeyPrefix),
		RecoveryKeyID:      newKeyID(RecoveryKeyPrefix),
		PublicShareKeyID:   newKeyID(PublicSharePrefix),
		VersionSearchRange: DefaultVersionSearchRange,
		UserPageSize:       DefaultUserPageSize,
		PublicKeyCacheSize: DefaultPublicKeyCacheSize,
		KeyDerivation: crypt.KeyDerivation{
			Iterations: crypt.DefaultPBKDF2Iterations,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// LoadConfig restores the persisted system key ids and flags from store, generating and storing any id that is
// missing. Options are applied after the persisted values.
func LoadConfig(ctx context.Context, store SettingsStore, opts ...ConfigOption) (*Config, error) {
	c := NewConfig()

	for name, field := range map[string]*string{
		AppMasterKeyID:      &c.MasterKeyID,
		AppRecoveryKeyID:    &c.RecoveryKeyID,
		AppPublicShareKeyID: &c.PublicShareKeyID,
	} {
		v, err := store.AppValue(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "error loading %s", name)
		}

		if v == "" {
			if err := store.SetAppValue(ctx, name, *field); err != nil {
				return nil, errors.Wrapf(err, "error storing %s", name)
			}

			continue
		}

		*field = v
	}

	for name, field := range map[string]*bool{
		AppUseMasterKey:         &c.masterKey,
		AppRecoveryAdminEnabled: &c.RecoveryAdminEnabled,
	} {
		v, err := store.AppValue(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "error loading %s", name)
		}

		*field = v == "1"
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// MasterKeyEnabled reports whether all files are sealed to the single master key.
func (c *Config) MasterKeyEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.masterKey
}

// EnableMasterKey switches to master key mode. The switch is only allowed on a fresh installation: if files are
// already encrypted with per-user keys it fails with ErrPerUserDataPresent. Enabling twice is a no-op.
func (c *Config) EnableMasterKey(perUserDataPresent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.masterKey {
		return nil
	}

	if perUserDataPresent {
		return ErrPerUserDataPresent
	}

	c.masterKey = true

	return nil
}

// DisableMasterKey always fails once master key mode is enabled.
func (c *Config) DisableMasterKey() error {
	if c.MasterKeyEnabled() {
		return ErrMasterKeyIrreversible
	}

	return nil
}

// Layout returns the key path layout for this configuration.
func (c *Config) Layout() Layout {
	return Layout{
		ModuleID:     c.ModuleID,
		PublicKeyDir: c.PublicKeyDir,
		Mounts:       c.SystemMounts,
	}
}

// IsSystemPrincipal reports whether id names one of the system keys rather than a user.
func IsSystemPrincipal(id string) bool {
	for _, p := range []string{MasterKeyPrefix, RecoveryKeyPrefix, PublicSharePrefix} {
		if strings.HasPrefix(id, p) {
			return true
		}
	}

	return false
}

func newKeyID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func boolValue(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
