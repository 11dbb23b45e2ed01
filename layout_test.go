package fileencryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() Layout {
	return Layout{
		ModuleID:     "OC_DEFAULT_MODULE",
		PublicKeyDir: DefaultPublicKeyDir,
		Mounts:       []SystemMount{{MountPoint: "ext", Users: []string{"all"}}},
	}
}

func TestLayout_Path(t *testing.T) {
	l := testLayout()

	tests := []struct {
		kind     PathKind
		expected string
	}{
		{PathPublicKeyDir, "/public-keys"},
		{PathEncryptionDir, "/alice/files_encryption"},
		{PathKeyfilesDir, "/alice/files_encryption/keys"},
		{PathPublicKeyFile, "/public-keys/alice.public.key"},
		{PathPrivateKeyFile, "/alice/files_encryption/alice.private.key"},
		{PathKind(99), ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, l.Path("alice", tt.kind))
	}
}

func TestLayout_SystemPrincipalKeys(t *testing.T) {
	l := testLayout()

	assert.Equal(t, "/files_encryption/OC_DEFAULT_MODULE/master_1234.public.key", l.PublicKeyPath("master_1234"))
	assert.Equal(t, "/files_encryption/OC_DEFAULT_MODULE/recovery_1234.private.key", l.PrivateKeyPath("recovery_1234"))
	assert.Equal(t, "/owncloud_private_key/pubShare_1234.private.key", l.LegacySystemPrivateKeyPath("pubShare_1234"))
	assert.Equal(t, "/public-keys/pubShare_1234.public.key", l.LegacyPublicKeyPath("pubShare_1234"))
}

func TestLayout_FileKeyDir(t *testing.T) {
	l := testLayout()

	tests := []struct {
		name     string
		rel      string
		expected string
	}{
		{"user file", "files/docs/a.txt", "/alice/files_encryption/keys/files/docs/a.txt/OC_DEFAULT_MODULE"},
		{"mount root", "files/ext", "/files_encryption/keys/files/ext/OC_DEFAULT_MODULE"},
		{"mount file", "files/ext/a.txt", "/files_encryption/keys/files/ext/a.txt/OC_DEFAULT_MODULE"},
		{"mount name prefix", "files/extra/a.txt", "/alice/files_encryption/keys/files/extra/a.txt/OC_DEFAULT_MODULE"},
		{"outside files", "ext/a.txt", "/alice/files_encryption/keys/ext/a.txt/OC_DEFAULT_MODULE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, l.FileKeyDir("alice", tt.rel))
		})
	}

	assert.Equal(t, "/alice/files_encryption/keys/fileKey", FileKeyPath("/alice/files_encryption/keys"))
	assert.Equal(t, "/d/bob.shareKey", ShareKeyPath("/d", "bob"))
}

func TestLayout_FileKeyDirOf(t *testing.T) {
	l := testLayout()

	dir, err := l.FileKeyDirOf("/alice/files/a.txt.ocTransferId42.part")
	require.NoError(t, err)
	assert.Equal(t, "/alice/files_encryption/keys/files/a.txt/OC_DEFAULT_MODULE", dir)

	_, err = l.FileKeyDirOf("/alice")
	assert.Error(t, err)
}

func TestLayout_LegacyPaths(t *testing.T) {
	l := testLayout()

	assert.Equal(t, "/alice/files_encryption/keyfiles/docs/a.txt.key", l.LegacyKeyfilePath("alice", "files/docs/a.txt"))
	assert.Equal(t, "/alice/files_encryption/share-keys/a.txt.bob.shareKey", l.LegacyShareKeyPath("alice", "files/a.txt", "bob"))
	assert.Equal(t, "/alice/files_encryption/keyfiles", l.LegacyKeyfilesRoot("alice"))
	assert.Equal(t, "/alice/files_encryption/share-keys", l.LegacyShareKeysRoot("alice"))
}

func TestUIDAndFilename(t *testing.T) {
	tests := []struct {
		path string
		uid  string
		rel  string
	}{
		{"/alice/files/a.txt", "alice", "files/a.txt"},
		{"alice/files/docs/a.txt", "alice", "files/docs/a.txt"},
		{"/alice/files/a.txt.part", "alice", "files/a.txt"},
		{"/alice/files/a.txt.ocTransferId1234.part", "alice", "files/a.txt"},
		{"//alice//files/a.txt", "alice", "files/a.txt"},
	}

	for _, tt := range tests {
		uid, rel, err := UIDAndFilename(tt.path)
		if assert.NoError(t, err, tt.path) {
			assert.Equal(t, tt.uid, uid)
			assert.Equal(t, tt.rel, rel)
		}
	}

	for _, p := range []string{"/", "/alice", ""} {
		_, _, err := UIDAndFilename(p)
		assert.Error(t, err, p)
	}
}

func TestIsPartFile(t *testing.T) {
	assert.True(t, IsPartFile("/alice/files/a.txt.part"))
	assert.True(t, IsPartFile("/alice/files/a.txt.ocTransferId7.part"))
	assert.False(t, IsPartFile("/alice/files/a.part.txt"))
	assert.Equal(t, "a.txt", StripPartFileExtension("a.txt.ocTransferId7.part"))
}

func TestIsSharedPath(t *testing.T) {
	assert.True(t, IsSharedPath("/bob/files/Shared/a.txt"))
	assert.False(t, IsSharedPath("/bob/files/docs/Shared/a.txt"))
	assert.False(t, IsSharedPath("/bob/files/a.txt"))
}
