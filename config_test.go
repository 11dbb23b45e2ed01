package fileencryption

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
)

type MockSettingsStore struct {
	mock.Mock
}

func (m *MockSettingsStore) LoadUser(ctx context.Context, uid string) (*UserSettings, error) {
	ret := m.Called(ctx, uid)

	var settings *UserSettings
	if b := ret.Get(0); b != nil {
		settings = b.(*UserSettings)
	}

	return settings, ret.Error(1)
}

func (m *MockSettingsStore) InsertUser(ctx context.Context, settings *UserSettings) (bool, error) {
	ret := m.Called(ctx, settings)

	return ret.Bool(0), ret.Error(1)
}

func (m *MockSettingsStore) SetRecoveryEnabled(ctx context.Context, uid string, enabled bool) error {
	return m.Called(ctx, uid, enabled).Error(0)
}

func (m *MockSettingsStore) SwapMigrationStatus(ctx context.Context, uid string, from, to MigrationStatus) (bool, error) {
	ret := m.Called(ctx, uid, from, to)

	return ret.Bool(0), ret.Error(1)
}

func (m *MockSettingsStore) AppValue(ctx context.Context, key string) (string, error) {
	ret := m.Called(ctx, key)

	return ret.String(0), ret.Error(1)
}

func (m *MockSettingsStore) SetAppValue(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func TestNewConfig_Defaults(t *testing.T) {
	c := NewConfig()

	assert.Equal(t, crypt.DefaultModuleID, c.ModuleID)
	assert.Equal(t, crypt.DefaultCipher, c.Cipher)
	assert.Equal(t, crypt.DefaultKeypairBits, c.KeypairBits)
	assert.Equal(t, DefaultPublicKeyDir, c.PublicKeyDir)
	assert.Equal(t, DefaultVersionSearchRange, c.VersionSearchRange)
	assert.Equal(t, DefaultUserPageSize, c.UserPageSize)
	assert.Equal(t, crypt.DefaultPBKDF2Iterations, c.KeyDerivation.Iterations)
	assert.False(t, c.LegacySupport)
	assert.False(t, c.MasterKeyEnabled())

	assert.True(t, IsSystemPrincipal(c.MasterKeyID))
	assert.True(t, IsSystemPrincipal(c.RecoveryKeyID))
	assert.True(t, IsSystemPrincipal(c.PublicShareKeyID))

	// ids are unique per installation
	assert.NotEqual(t, c.MasterKeyID, NewConfig().MasterKeyID)
}

func TestNewConfig_Options(t *testing.T) {
	c := NewConfig(
		WithModuleID("MOD"),
		WithCipher(crypt.AES128CFB),
		WithKeypairBits(crypt.MinKeypairBits),
		WithPublicKeyDir("/pk"),
		WithSystemMounts(SystemMount{MountPoint: "a"}, SystemMount{MountPoint: "b"}),
		WithMasterKey("master_x"),
		WithRecoveryKey("recovery_x", true),
		WithPublicShareKeyID("pubShare_x"),
		WithVersionSearchRange(9),
		WithUserPageSize(10),
		WithLegacySupport(),
	)

	assert.Equal(t, "MOD", c.ModuleID)
	assert.Equal(t, crypt.AES128CFB, c.Cipher)
	assert.Equal(t, crypt.MinKeypairBits, c.KeypairBits)
	assert.Equal(t, "/pk", c.PublicKeyDir)
	assert.Len(t, c.SystemMounts, 2)
	assert.True(t, c.MasterKeyEnabled())
	assert.Equal(t, "master_x", c.MasterKeyID)
	assert.Equal(t, "recovery_x", c.RecoveryKeyID)
	assert.True(t, c.RecoveryAdminEnabled)
	assert.Equal(t, "pubShare_x", c.PublicShareKeyID)
	assert.Equal(t, 9, c.VersionSearchRange)
	assert.Equal(t, 10, c.UserPageSize)
	assert.True(t, c.LegacySupport)

	l := c.Layout()
	assert.Equal(t, "MOD", l.ModuleID)
	assert.Equal(t, "/pk", l.PublicKeyDir)
	assert.Len(t, l.Mounts, 2)
}

func TestConfig_MasterKeyIsOneWay(t *testing.T) {
	c := NewConfig()

	assert.NoError(t, c.DisableMasterKey())

	err := c.EnableMasterKey(true)
	assert.True(t, errors.Is(err, ErrPerUserDataPresent))
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))
	assert.False(t, c.MasterKeyEnabled())

	require.NoError(t, c.EnableMasterKey(false))
	assert.True(t, c.MasterKeyEnabled())

	// once enabled, existing per-user data no longer matters
	assert.NoError(t, c.EnableMasterKey(true))

	err = c.DisableMasterKey()
	assert.True(t, errors.Is(err, ErrMasterKeyIrreversible))
	assert.True(t, c.MasterKeyEnabled())
}

func TestLoadConfig_GeneratesMissingIDs(t *testing.T) {
	ctx := context.Background()
	store := new(MockSettingsStore)

	for _, name := range []string{AppMasterKeyID, AppRecoveryKeyID, AppPublicShareKeyID} {
		store.On("AppValue", ctx, name).Return("", nil).Once()
	}

	store.On("SetAppValue", ctx, AppMasterKeyID, mock.MatchedBy(func(v string) bool {
		return IsSystemPrincipal(v)
	})).Return(nil).Once()
	store.On("SetAppValue", ctx, AppRecoveryKeyID, mock.Anything).Return(nil).Once()
	store.On("SetAppValue", ctx, AppPublicShareKeyID, mock.Anything).Return(nil).Once()
	store.On("AppValue", ctx, AppUseMasterKey).Return("", nil).Once()
	store.On("AppValue", ctx, AppRecoveryAdminEnabled).Return("", nil).Once()

	c, err := LoadConfig(ctx, store)
	require.NoError(t, err)

	assert.False(t, c.MasterKeyEnabled())
	assert.False(t, c.RecoveryAdminEnabled)
	store.AssertExpectations(t)
}

func TestLoadConfig_RestoresPersistedValues(t *testing.T) {
	ctx := context.Background()
	store := new(MockSettingsStore)

	store.On("AppValue", ctx, AppMasterKeyID).Return("master_1", nil)
	store.On("AppValue", ctx, AppRecoveryKeyID).Return("recovery_1", nil)
	store.On("AppValue", ctx, AppPublicShareKeyID).Return("pubShare_1", nil)
	store.On("AppValue", ctx, AppUseMasterKey).Return("1", nil)
	store.On("AppValue", ctx, AppRecoveryAdminEnabled).Return("0", nil)

	c, err := LoadConfig(ctx, store, WithVersionSearchRange(2))
	require.NoError(t, err)

	assert.Equal(t, "master_1", c.MasterKeyID)
	assert.Equal(t, "recovery_1", c.RecoveryKeyID)
	assert.Equal(t, "pubShare_1", c.PublicShareKeyID)
	assert.True(t, c.MasterKeyEnabled())
	assert.False(t, c.RecoveryAdminEnabled)
	assert.Equal(t, 2, c.VersionSearchRange)
	store.AssertNotCalled(t, "SetAppValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestLoadConfig_StoreError(t *testing.T) {
	ctx := context.Background()
	store := new(MockSettingsStore)

	store.On("AppValue", ctx, mock.Anything).Return("", errors.New("boom"))

	_, err := LoadConfig(ctx, store)
	assert.EqualError(t, errors.Cause(err), "boom")
}

func TestKeyUnavailableError(t *testing.T) {
	err := error(&KeyUnavailableError{Path: "/alice/files/a.txt", Err: notFound("share key for %s", "alice")})

	assert.True(t, errors.Is(err, ErrDecryptionFailed))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUnsupportedOperation))
	assert.Contains(t, err.Error(), "/alice/files/a.txt")

	var kerr *KeyUnavailableError
	require.True(t, errors.As(errors.Wrap(err, "opening"), &kerr))
	assert.Equal(t, "/alice/files/a.txt", kerr.Path)
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, errors.Is(ErrLegacyFileKey, ErrDecryptionFailed))
	assert.True(t, errors.Is(ErrSignatureMismatch, ErrDecryptionFailed))
	assert.True(t, errors.Is(ErrNotOwner, ErrUnsupportedOperation))
	assert.True(t, errors.Is(ErrNotReady, ErrUnsupportedOperation))
	assert.False(t, errors.Is(ErrNotFound, ErrDecryptionFailed))
}
