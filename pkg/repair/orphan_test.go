package repair_test

import (
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/repair"
)

func TestOrphanScanner_Scan(t *testing.T) {
	env := newEnv(t)
	env.addUser(t, "alice")

	kept := userFile("alice", "docs/a.txt")
	deleted := userFile("alice", "docs/b.txt")

	env.write(t, kept, "kept")
	env.write(t, deleted, "deleted")
	require.NoError(t, env.fs.Remove(deleted))

	// a malformed folder is reported in the log only
	weird := path.Join(env.keys.Layout().UserKeyRoot("alice"), "files/weird", moduleID, "notes")
	require.NoError(t, afero.WriteFile(env.fs, weird, []byte("?"), 0o640))

	orphans, err := repair.NewOrphanScanner(env.util).Scan(ctx)
	require.NoError(t, err)

	require.Len(t, orphans, 1)
	assert.Equal(t, repair.Orphan{
		Owner:  "alice",
		KeyDir: path.Dir(env.keyDir(t, deleted)),
		Path:   deleted,
	}, orphans[0])
}

func TestOrphanScanner_SystemRoot(t *testing.T) {
	env := newEnv(t, fileencryption.WithSystemMounts(fileencryption.SystemMount{
		MountPoint: "ext",
		Users:      []string{"all"},
	}))
	env.addUser(t, "alice")
	env.addUser(t, "bob")

	kept := userFile("alice", "ext/a.txt")
	deleted := userFile("alice", "ext/b.txt")

	env.write(t, kept, "kept")
	env.write(t, deleted, "deleted")

	// the mount is visible to bob too
	require.NoError(t, afero.WriteFile(env.fs, userFile("bob", "ext/a.txt"), []byte("x"), 0o640))
	require.NoError(t, env.fs.Remove(kept))
	require.NoError(t, env.fs.Remove(deleted))

	orphans, err := repair.NewOrphanScanner(env.util).Scan(ctx)
	require.NoError(t, err)

	require.Len(t, orphans, 1)
	assert.Equal(t, "", orphans[0].Owner)
	assert.Equal(t, "files/ext/b.txt", orphans[0].Path)
	assert.Equal(t, path.Dir(env.keyDir(t, deleted)), orphans[0].KeyDir)
}

func TestOrphanScanner_Clean(t *testing.T) {
	env := newEnv(t)
	env.addUser(t, "alice")

	first := userFile("alice", "a.txt")
	second := userFile("alice", "b.txt")

	env.write(t, first, "a")
	env.write(t, second, "b")
	require.NoError(t, env.fs.Remove(first))
	require.NoError(t, env.fs.Remove(second))

	scanner := repair.NewOrphanScanner(env.util)

	orphans, err := scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	// nothing is deleted without confirmation
	report, err := scanner.Clean(ctx, orphans, repair.ConfirmFunc(func(o repair.Orphan) bool {
		return o.Path == first
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary().Fixed)
	assert.Equal(t, 1, report.Summary().Skipped)

	ok, err := afero.DirExists(env.fs, env.keyDir(t, first))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = afero.DirExists(env.fs, env.keyDir(t, second))
	require.NoError(t, err)
	assert.True(t, ok)

	// a file that reappeared keeps its keys
	require.NoError(t, afero.WriteFile(env.fs, second, []byte("back"), 0o640))

	report, err = scanner.Clean(ctx, orphans[1:], repair.ConfirmAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary().Skipped)

	ok, err = afero.DirExists(env.fs, env.keyDir(t, second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOrphanScanner_RevokedRecipient(t *testing.T) {
	env := newEnv(t)
	env.addUser(t, "alice")
	env.addUser(t, "bob")

	p := userFile("alice", "shared.txt")
	env.write(t, p, "for alice and bob")

	require.NoError(t, env.util.SetSharedFileKeyfiles(ctx, env.session(t, "alice"), []string{"alice", "bob"}, p))

	shareKeys, err := env.keys.GetShareKeys(p)
	require.NoError(t, err)
	require.Len(t, shareKeys, 2)

	bobKey, err := env.session(t, "bob").OpenFolder(&fileencryption.KeyFolder{
		FileKey:   mustFileKey(t, env, p),
		ShareKeys: shareKeys,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, bobKey)

	// revoke bob
	require.NoError(t, env.keys.DeleteShareKey(p, "bob"))

	content, err := env.read(t, p)
	require.NoError(t, err)
	assert.Equal(t, "for alice and bob", content)

	_, err = env.session(t, "bob").FileKey(ctx, p)
	assert.True(t, errors.Is(err, fileencryption.ErrNotFound))

	// the file still exists for alice, so its keys are not orphaned
	orphans, err := repair.NewOrphanScanner(env.util).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func mustFileKey(t *testing.T, env *testEnv, p string) []byte {
	t.Helper()

	blob, err := env.keys.GetFileKey(p, false)
	require.NoError(t, err)

	return blob
}
