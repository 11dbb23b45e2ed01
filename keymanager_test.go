package fileencryption_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
)

func TestKeyManager_ProvisionKeypair(t *testing.T) {
	h := newHarness(t)

	created, err := h.keys.ProvisionKeypair("alice", password("alice"))
	require.NoError(t, err)
	assert.True(t, created)

	pub, err := h.keys.GetPublicKey("alice")
	require.NoError(t, err)

	created, err = h.keys.ProvisionKeypair("alice", password("alice"))
	require.NoError(t, err)
	assert.False(t, created)

	again, err := h.keys.GetPublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, pub, again)

	require.NoError(t, h.fs.Remove(h.keys.Layout().PrivateKeyPath("alice")))

	_, err = h.keys.ProvisionKeypair("alice", password("alice"))
	assert.ErrorIs(t, err, fileencryption.ErrValidationFailed)
}

func TestKeyManager_DeleteUserKeysInvalidatesCache(t *testing.T) {
	h := newHarness(t)

	_, err := h.keys.ProvisionKeypair("alice", password("alice"))
	require.NoError(t, err)

	_, err = h.keys.GetPublicKey("alice")
	require.NoError(t, err)

	require.NoError(t, h.keys.DeleteUserKeys("alice"))

	_, err = h.keys.GetPublicKey("alice")
	assert.ErrorIs(t, err, fileencryption.ErrNotFound)

	public, private, err := h.keys.HasKeypair("alice")
	require.NoError(t, err)
	assert.False(t, public)
	assert.False(t, private)

	// deleting again is a no-op
	assert.NoError(t, h.keys.DeleteUserKeys("alice"))
}

func TestKeyManager_RotatedKeypairSealsForNewKey(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	old, err := h.keys.GetPublicKey("alice")
	require.NoError(t, err)

	kp, err := crypt.CreateKeypair(crypt.MinKeypairBits)
	require.NoError(t, err)

	blob, err := crypt.EncryptPrivateKey(kp.PrivateKey, password("alice"), h.config.KeyDerivation, h.config.Cipher)
	require.NoError(t, err)

	require.NoError(t, h.keys.SetPrivateKey("alice", blob))
	require.NoError(t, h.keys.SetPublicKey("alice", kp.PublicKey))

	pub, err := h.keys.GetPublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pub)
	assert.NotEqual(t, old, pub)

	p := home("alice", "a.txt")
	fileKey := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, h.util.Seal(p, fileKey, []string{"alice"}))

	got, err := h.session(t, "alice").FileKey(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, fileKey, got)
}

func TestKeyManager_Folders(t *testing.T) {
	h := newHarness(t)
	p := home("alice", "a.txt")

	dir, err := h.keys.FileKeyDir(p)
	require.NoError(t, err)
	assert.Equal(t, "/alice/files_encryption/keys/files/a.txt/OC_DEFAULT_MODULE", dir)

	_, err = h.keys.ReadFolder(dir)
	assert.ErrorIs(t, err, fileencryption.ErrNotFound)

	require.NoError(t, h.keys.WriteFolder(dir, &fileencryption.KeyFolder{
		FileKey:   []byte("sealed"),
		ShareKeys: map[string][]byte{"alice": []byte("a"), "bob": []byte("b")},
	}))

	folder, err := h.keys.ReadFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), folder.FileKey)
	assert.Equal(t, []string{"alice", "bob"}, folder.Recipients())

	// share keys of other recipients are kept
	require.NoError(t, h.keys.SetShareKeys(p, map[string][]byte{"carol": []byte("c")}))
	assert.Equal(t, []string{"alice", "bob", "carol"}, h.shareKeys(t, p))

	// writing a folder drops recipients it does not name
	require.NoError(t, h.keys.WriteFolder(dir, &fileencryption.KeyFolder{
		ShareKeys: map[string][]byte{"alice": []byte("a2")},
	}))

	folder, err = h.keys.ReadFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), folder.FileKey)
	assert.Equal(t, map[string][]byte{"alice": []byte("a2")}, folder.ShareKeys)

	require.NoError(t, h.keys.DeleteShareKey(p, "alice"))
	require.NoError(t, h.keys.DeleteShareKey(p, "alice"))

	_, err = h.keys.GetShareKey(p, "alice")
	assert.ErrorIs(t, err, fileencryption.ErrNotFound)

	// no temporary files are left behind
	entries, err := afero.ReadDir(h.fs, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fileencryption.FileKeyName, entries[0].Name())

	ok, err := h.keys.HasFileKey(p)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.keys.DeleteAllFileKeys(p))

	ok, err = h.keys.HasFileKey(p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyManager_RenameKeysOfFolder(t *testing.T) {
	h := newHarness(t)

	for _, p := range []string{home("alice", "docs/a.txt"), home("alice", "docs/sub/b.txt")} {
		require.NoError(t, h.keys.SetFileKey(p, []byte("sealed "+p)))
		require.NoError(t, h.keys.SetShareKeys(p, map[string][]byte{"alice": []byte("a")}))
	}

	require.NoError(t, h.keys.RenameKeys(home("alice", "docs"), home("alice", "archive")))

	paths, err := h.keys.FileKeyPaths("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{home("alice", "archive/a.txt"), home("alice", "archive/sub/b.txt")}, paths)

	dir, err := h.keys.FileKeyDir(home("alice", "archive/sub/b.txt"))
	require.NoError(t, err)

	folder, err := h.keys.ReadFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed "+home("alice", "docs/sub/b.txt")), folder.FileKey)

	err = h.keys.RenameKeys(home("alice", "missing"), home("alice", "other"))
	assert.ErrorIs(t, err, fileencryption.ErrNotFound)
}

func TestKeyManager_FileKeyPathsWithoutKeys(t *testing.T) {
	h := newHarness(t)

	paths, err := h.keys.FileKeyPaths("nobody")
	require.NoError(t, err)
	assert.Empty(t, paths)
}
