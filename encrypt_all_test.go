package fileencryption_test

import (
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt/legacy/legacytest"
)

func TestFindEncFiles(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	encrypted := home("alice", "enc.txt")
	plain := home("alice", "docs/plain.txt")
	old := home("alice", "old.txt")

	h.write(t, h.session(t, "alice"), encrypted, []byte("secret"))
	require.NoError(t, afero.WriteFile(h.fs, plain, []byte("plain"), 0o640))
	require.NoError(t, afero.WriteFile(h.fs, old, legacytest.Encrypt([]byte("old"), legacytest.CreateKey()), 0o640))
	require.NoError(t, h.files.Put(ctx, old, &fileencryption.FileInfo{Encrypted: true}))

	// upload leftovers are ignored
	require.NoError(t, afero.WriteFile(h.fs, home("alice", "x.txt.ocTransferId42.part"), []byte("x"), 0o640))

	found, err := h.util.FindEncFiles(ctx, home("alice", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{encrypted}, found.Encrypted)
	assert.Equal(t, []string{plain}, found.Plain)
	assert.Equal(t, []string{old}, found.Legacy)

	_, err = h.util.FindEncFiles(ctx, home("bob", ""))
	assert.True(t, errors.Is(err, fileencryption.ErrNotFound))
}

func TestEncryptAll(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	passphrase := legacytest.CreateKey()
	mtime := time.Date(2019, 5, 6, 7, 8, 9, 0, time.UTC)

	files := map[string]string{
		home("alice", "a.txt"):      "a",
		home("alice", "docs/b.txt"): "b",
		home("alice", "old.txt"):    "written long ago",
	}

	for p, content := range files {
		data := []byte(content)
		if p == home("alice", "old.txt") {
			data = legacytest.Encrypt(data, passphrase)
			require.NoError(t, h.files.Put(ctx, p, &fileencryption.FileInfo{Encrypted: true}))
		}

		require.NoError(t, afero.WriteFile(h.fs, p, data, 0o640))
		require.NoError(t, h.fs.Chtimes(p, mtime, mtime))
	}

	alice := h.session(t, "alice")

	found, err := h.util.EncryptAll(ctx, alice, home("alice", ""), passphrase)
	require.NoError(t, err)

	sort.Strings(found.Plain)
	assert.Equal(t, []string{home("alice", "a.txt"), home("alice", "docs/b.txt")}, found.Plain)
	assert.Equal(t, []string{home("alice", "old.txt")}, found.Legacy)

	for p, content := range files {
		encrypted, err := h.util.IsEncrypted(p)
		require.NoError(t, err)
		assert.True(t, encrypted, p)

		got, err := h.read(alice, p)
		require.NoError(t, err, p)
		assert.Equal(t, content, string(got))

		stat, err := h.fs.Stat(p)
		require.NoError(t, err)
		assert.True(t, mtime.Equal(stat.ModTime()), p)

		info, err := h.files.Get(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, mtime.Unix(), info.Mtime)
		assert.Equal(t, int64(len(content)), info.UnencryptedSize)
	}

	// a second run has nothing left to do
	found, err = h.util.EncryptAll(ctx, alice, home("alice", ""), passphrase)
	require.NoError(t, err)
	assert.Empty(t, found.Plain)
	assert.Empty(t, found.Legacy)
	assert.Len(t, found.Encrypted, 3)
}

func TestEncryptAll_LegacyWithoutPassphrase(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	old := home("alice", "old.txt")
	require.NoError(t, afero.WriteFile(h.fs, old, legacytest.Encrypt([]byte("old"), legacytest.CreateKey()), 0o640))
	require.NoError(t, h.files.Put(ctx, old, &fileencryption.FileInfo{Encrypted: true}))
	require.NoError(t, afero.WriteFile(h.fs, home("alice", "a.txt"), []byte("a"), 0o640))

	alice := h.session(t, "alice")

	_, err := h.util.EncryptAll(ctx, alice, home("alice", ""), nil)
	assert.True(t, errors.Is(err, fileencryption.ErrUnsupportedOperation))

	// the plain file is encrypted anyway
	got, err := h.read(alice, home("alice", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	encrypted, err := h.util.IsEncrypted(old)
	require.NoError(t, err)
	assert.False(t, encrypted)
}

func TestDecryptAll(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	alice := h.session(t, "alice")
	mtime := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

	files := map[string]string{
		home("alice", "a.txt"):      "a",
		home("alice", "docs/b.txt"): "b",
	}

	for p, content := range files {
		h.write(t, alice, p, []byte(content))
		require.NoError(t, h.fs.Chtimes(p, mtime, mtime))
	}

	require.NoError(t, h.util.DecryptAll(ctx, alice))

	for p, content := range files {
		got, err := afero.ReadFile(h.fs, p)
		require.NoError(t, err)
		assert.Equal(t, content, string(got))

		stat, err := h.fs.Stat(p)
		require.NoError(t, err)
		assert.True(t, mtime.Equal(stat.ModTime()), p)

		info, err := h.files.Get(ctx, p)
		require.NoError(t, err)
		assert.False(t, info.Encrypted)
		assert.Equal(t, int64(len(content)), info.UnencryptedSize)
	}

	ok, err := afero.Exists(h.fs, h.keys.Layout().UserKeyRoot("alice"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecryptAll_KeepsKeysOnFailure(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")

	shared := home("alice", "shared.txt")
	own := home("alice", "own.txt")

	alice := h.session(t, "alice")
	h.write(t, alice, shared, []byte("for bob"))
	h.write(t, alice, own, []byte("mine"))

	// alice handed the file over and can no longer open it
	require.NoError(t, h.util.SetSharedFileKeyfiles(ctx, alice, []string{"bob"}, shared))

	err := h.util.DecryptAll(ctx, alice)
	assert.True(t, errors.Is(err, fileencryption.ErrDecryptionFailed))

	got, err := afero.ReadFile(h.fs, own)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got))

	ok, err := h.keys.HasFileKey(shared)
	require.NoError(t, err)
	assert.True(t, ok)
}

func version(uid, name string, ts int64) string {
	return "/" + uid + "/" + fileencryption.VersionsDir + "/" + name + fileencryption.VersionSuffix + strconv.FormatInt(ts, 10)
}

func TestUtil_Versions(t *testing.T) {
	h := newHarness(t)

	for _, p := range []string{
		version("alice", "docs/a.txt", 1600000000),
		version("alice", "docs/a.txt", 1500000000),
		version("alice", "docs/ab.txt", 1500000000),
		"/alice/files_versions/docs/a.txt.vbackup",
		"/alice/files_versions/a.txt.v1500000000",
	} {
		require.NoError(t, afero.WriteFile(h.fs, p, []byte("v"), 0o640))
	}

	versions, err := h.util.Versions(home("alice", "docs/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{version("alice", "docs/a.txt", 1500000000), version("alice", "docs/a.txt", 1600000000)}, versions)

	versions, err = h.util.Versions(home("alice", "none.txt"))
	require.NoError(t, err)
	assert.Empty(t, versions)

	versions, err = h.util.Versions(home("bob", "docs/a.txt"))
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestEncryptAll_Versions(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	passphrase := legacytest.CreateKey()
	mtime := time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC)

	p := home("alice", "a.txt")
	plainVersion := version("alice", "a.txt", 1500000000)
	legacyVersion := version("alice", "a.txt", 1400000000)

	require.NoError(t, afero.WriteFile(h.fs, p, []byte("current"), 0o640))
	require.NoError(t, afero.WriteFile(h.fs, plainVersion, []byte("previous"), 0o640))
	require.NoError(t, afero.WriteFile(h.fs, legacyVersion, legacytest.Encrypt([]byte("oldest"), passphrase), 0o640))
	require.NoError(t, h.files.Put(ctx, legacyVersion, &fileencryption.FileInfo{Encrypted: true}))

	for _, v := range []string{plainVersion, legacyVersion} {
		require.NoError(t, h.fs.Chtimes(v, mtime, mtime))
	}

	alice := h.session(t, "alice")

	found, err := h.util.EncryptAll(ctx, alice, home("alice", ""), passphrase)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, found.Plain)

	for v, content := range map[string]string{plainVersion: "previous", legacyVersion: "oldest"} {
		encrypted, err := h.util.IsEncrypted(v)
		require.NoError(t, err)
		assert.True(t, encrypted, v)

		got, err := h.read(alice, v)
		require.NoError(t, err, v)
		assert.Equal(t, content, string(got))

		stat, err := h.fs.Stat(v)
		require.NoError(t, err)
		assert.True(t, mtime.Equal(stat.ModTime()), v)
	}

	// versions already carrying a header are left alone
	before, err := afero.ReadFile(h.fs, plainVersion)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(h.fs, home("alice", "b.txt"), []byte("b"), 0o640))
	require.NoError(t, afero.WriteFile(h.fs, version("alice", "b.txt", 1500000000), []byte("old b"), 0o640))

	_, err = h.util.EncryptAll(ctx, alice, home("alice", ""), passphrase)
	require.NoError(t, err)

	after, err := afero.ReadFile(h.fs, plainVersion)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := h.read(alice, version("alice", "b.txt", 1500000000))
	require.NoError(t, err)
	assert.Equal(t, "old b", string(got))
}

func TestDecryptAll_Versions(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	alice := h.session(t, "alice")

	p := home("alice", "a.txt")
	v := version("alice", "a.txt", 1500000000)
	untouched := version("alice", "a.txt", 1400000000)

	h.write(t, alice, p, []byte("current"))
	h.write(t, alice, v, []byte("previous"))
	require.NoError(t, afero.WriteFile(h.fs, untouched, []byte("never encrypted"), 0o640))

	require.NoError(t, h.util.DecryptAll(ctx, alice))

	for path, content := range map[string]string{p: "current", v: "previous", untouched: "never encrypted"} {
		got, err := afero.ReadFile(h.fs, path)
		require.NoError(t, err)
		assert.Equal(t, content, string(got))
	}

	ok, err := afero.Exists(h.fs, h.keys.Layout().UserKeyRoot("alice"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecryptAll_KeepsKeysWhenVersionFails(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")

	alice := h.session(t, "alice")

	p := home("alice", "a.txt")
	v := version("alice", "a.txt", 1500000000)

	h.write(t, alice, p, []byte("current"))
	h.write(t, alice, v, []byte("previous"))

	// the version's keys are gone
	require.NoError(t, h.keys.DeleteAllFileKeys(v))

	err := h.util.DecryptAll(ctx, alice)
	require.Error(t, err)

	got, err := afero.ReadFile(h.fs, p)
	require.NoError(t, err)
	assert.Equal(t, "current", string(got))

	ok, err := afero.Exists(h.fs, h.keys.Layout().UserKeyRoot("alice"))
	require.NoError(t, err)
	assert.True(t, ok)
}
