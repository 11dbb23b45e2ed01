package fileencryption_test

import (
	"context"
	"io"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	"github.com/godaddy/asherah/go/fileencryption/pkg/kms"
	"github.com/godaddy/asherah/go/fileencryption/pkg/persistence"
)

var ctx = context.Background()

const systemPassphrase = "system passphrase"

type MockShareResolver struct {
	mock.Mock
}

func (m *MockShareResolver) UsersSharingFile(ctx context.Context, owner, rel string) ([]string, bool, error) {
	ret := m.Called(ctx, owner, rel)

	var users []string
	if b := ret.Get(0); b != nil {
		users = b.([]string)
	}

	return users, ret.Bool(1), ret.Error(2)
}

type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) Users(ctx context.Context, offset, limit int) ([]string, error) {
	ret := m.Called(ctx, offset, limit)

	var users []string
	if b := ret.Get(0); b != nil {
		users = b.([]string)
	}

	return users, ret.Error(1)
}

func (m *MockUserDirectory) UsersInGroup(ctx context.Context, group string) ([]string, error) {
	ret := m.Called(ctx, group)

	var users []string
	if b := ret.Get(0); b != nil {
		users = b.([]string)
	}

	return users, ret.Error(1)
}

type MockFileCache struct {
	mock.Mock
}

func (m *MockFileCache) Get(ctx context.Context, p string) (*fileencryption.FileInfo, error) {
	ret := m.Called(ctx, p)

	var info *fileencryption.FileInfo
	if b := ret.Get(0); b != nil {
		info = b.(*fileencryption.FileInfo)
	}

	return info, ret.Error(1)
}

func (m *MockFileCache) Put(ctx context.Context, p string, info *fileencryption.FileInfo) error {
	return m.Called(ctx, p, info).Error(0)
}

func (m *MockFileCache) Delete(ctx context.Context, p string) error {
	return m.Called(ctx, p).Error(0)
}

type harness struct {
	fs       afero.Fs
	files    *persistence.MemoryFileCache
	settings *persistence.MemorySettingsStore
	config   *fileencryption.Config
	factory  *fileencryption.SessionFactory
	util     *fileencryption.Util
	keys     *fileencryption.KeyManager
}

func newHarness(t *testing.T, opts ...fileencryption.ConfigOption) *harness {
	t.Helper()

	return newHarnessWith(t, nil, opts...)
}

func newHarnessWith(
	t *testing.T, factoryOpts []fileencryption.FactoryOption, opts ...fileencryption.ConfigOption,
) *harness {
	t.Helper()

	h := &harness{
		fs:       afero.NewMemMapFs(),
		files:    persistence.NewMemoryFileCache(),
		settings: persistence.NewMemorySettingsStore(),
		config: fileencryption.NewConfig(append([]fileencryption.ConfigOption{
			fileencryption.WithKeypairBits(crypt.MinKeypairBits),
			fileencryption.WithKeyDerivation(crypt.KeyDerivation{Salt: []byte("salt"), Iterations: 1}),
		}, opts...)...),
	}

	factoryOpts = append([]fileencryption.FactoryOption{
		fileencryption.WithPassphraseSource(kms.StaticPassphrase(systemPassphrase)),
	}, factoryOpts...)

	h.factory = fileencryption.NewSessionFactory(h.config, h.fs, h.files, h.settings, factoryOpts...)
	h.util = h.factory.Util
	h.keys = h.factory.Keys

	t.Cleanup(func() { h.factory.Close() })

	return h
}

func password(uid string) []byte {
	return []byte(uid + " password")
}

func (h *harness) addUser(t *testing.T, uid string) {
	t.Helper()

	require.NoError(t, h.util.SetupServerSide(ctx, uid, password(uid)))
}

func (h *harness) session(t *testing.T, uid string) *fileencryption.Session {
	t.Helper()

	return h.sessionWith(t, uid, password(uid))
}

func (h *harness) sessionWith(t *testing.T, uid string, pass []byte) *fileencryption.Session {
	t.Helper()

	s, err := h.factory.GetSession(uid)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx, pass))

	t.Cleanup(func() { s.Close() })

	return s
}

func (h *harness) write(t *testing.T, s *fileencryption.Session, p string, content []byte) {
	t.Helper()

	w, err := s.Open(ctx, p, fileencryption.ModeWrite)
	require.NoError(t, err)

	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func (h *harness) read(s *fileencryption.Session, p string) ([]byte, error) {
	r, err := s.Open(ctx, p, fileencryption.ModeRead)
	if err != nil {
		return nil, err
	}

	defer r.Close()

	return io.ReadAll(r)
}

func (h *harness) shareKeys(t *testing.T, p string) []string {
	t.Helper()

	dir, err := h.keys.FileKeyDir(p)
	require.NoError(t, err)

	folder, err := h.keys.ReadFolder(dir)
	require.NoError(t, err)

	return folder.Recipients()
}

func home(uid, rel string) string {
	return path.Join("/", uid, fileencryption.FilesDir, rel)
}
