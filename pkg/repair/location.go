package repair

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
)

// KeyLocationFixer moves keys that sit in the wrong key root. Keys of files on a system-wide mount belong to the
// system key root and all others to the owner's key root; a mount that was added or removed after files were written
// leaves keys in the other one.
type KeyLocationFixer struct {
	util     *fileencryption.Util
	unlocker Unlocker
	opts     options
}

// NewKeyLocationFixer returns a KeyLocationFixer.
func NewKeyLocationFixer(util *fileencryption.Util, unlocker Unlocker, opts ...Option) *KeyLocationFixer {
	return &KeyLocationFixer{
		util:     util,
		unlocker: unlocker,
		opts:     newOptions(opts),
	}
}

// Run checks every encrypted file of uid. A key found in the wrong root is copied to the expected location, the file
// is decrypted with the copy, and only then is the old key removed. With dryRun nothing is changed.
func (f *KeyLocationFixer) Run(ctx context.Context, uid string, dryRun bool) (*Report, error) {
	defer timer("keylocation").UpdateSince(time.Now())

	report := newReport("fix-key-location", f.opts.logger)

	s, err := f.unlocker.Unlock(ctx, uid)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	found, err := f.util.FindEncFiles(ctx, path.Join("/", uid, fileencryption.FilesDir))
	if err != nil {
		return nil, err
	}

	for _, p := range found.Encrypted {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := report.fail(p, f.fix(ctx, s, report, p, dryRun)); err != nil {
			return report, err
		}
	}

	return report.done()
}

func (f *KeyLocationFixer) fix(
	ctx context.Context, s *fileencryption.Session, report *Report, p string, dryRun bool,
) error {
	keys := f.util.Keys()
	layout := keys.Layout()

	uid, rel, err := fileencryption.UIDAndFilename(p)
	if err != nil {
		return err
	}

	expected := layout.FileKeyDir(uid, rel)

	other := layout.FileKeyDirIn(layout.UserKeyRoot(uid), rel)
	if !layout.IsSystemWideMountPoint(rel) {
		other = layout.FileKeyDirIn(layout.SystemKeyRoot(), rel)
	}

	version, err := fileVersion(ctx, f.util, p)
	if err != nil {
		return err
	}

	if err := checkCanonical(ctx, s, p, version); err == nil {
		report.add(p, StatusOK, "key in %s", expected)
		return nil
	} else if !recoverable(err) {
		return err
	}

	folder, err := keys.ReadFolder(other)
	if err != nil {
		return errors.WithMessagef(err, "no usable key in %s", expected)
	}

	if err := verifyFolder(ctx, s, p, folder, version); err != nil {
		return err
	}

	if dryRun {
		report.add(p, StatusDryRun, "would move key from %s to %s", other, expected)
		return nil
	}

	if err := replaceVerified(ctx, f.util, s, p, expected, folder, version); err != nil {
		return err
	}

	if err := keys.RemoveFolder(other); err != nil {
		return err
	}

	removeEmptyParents(keys.Fs(), path.Dir(other), keyRootOf(layout, uid, other))

	report.add(p, StatusFixed, "moved key from %s to %s", other, expected)

	return nil
}

// fileVersion returns the encrypted version recorded in the file cache, 0 without a record.
func fileVersion(ctx context.Context, util *fileencryption.Util, p string) (int, error) {
	info, err := util.FileCache().Get(ctx, p)
	if err != nil || info == nil {
		return 0, err
	}

	return info.EncryptedVersion, nil
}

// checkCanonical decrypts the file at p with the key at its canonical location.
func checkCanonical(ctx context.Context, s *fileencryption.Session, p string, version int) error {
	fileKey, err := s.FileKey(ctx, p)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	return s.Verify(ctx, p, fileKey, version)
}

// verifyFolder decrypts the file at p with the key in folder without writing anything.
func verifyFolder(
	ctx context.Context, s *fileencryption.Session, p string, folder *fileencryption.KeyFolder, version int,
) error {
	fileKey, err := s.OpenFolder(folder)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	return s.Verify(ctx, p, fileKey, version)
}

// replaceVerified writes folder to dir, the canonical key location of p, and checks the file opens through it. If the
// check fails the previous content of dir is put back.
func replaceVerified(
	ctx context.Context, util *fileencryption.Util, s *fileencryption.Session, p, dir string,
	folder *fileencryption.KeyFolder, version int,
) error {
	keys := util.Keys()

	previous, err := keys.ReadFolder(dir)
	if err != nil && !errors.Is(err, fileencryption.ErrNotFound) {
		return err
	}

	if err := keys.WriteFolder(dir, folder); err != nil {
		return err
	}

	verr := checkCanonical(ctx, s, p, version)
	if verr == nil {
		return nil
	}

	// WriteFolder keeps a fileKey the previous folder did not have
	if err := keys.RemoveFolder(dir); err != nil {
		return err
	}

	if previous != nil {
		if err := keys.WriteFolder(dir, previous); err != nil {
			return err
		}
	}

	return validationFailed("%s does not open with the copied key: %v", p, verr)
}

func keyRootOf(layout fileencryption.Layout, uid, dir string) string {
	if root := layout.UserKeyRoot(uid); strings.HasPrefix(dir, root+"/") {
		return root
	}

	return layout.SystemKeyRoot()
}

// removeEmptyParents removes dir and its parents up to, not including, root while they are empty.
func removeEmptyParents(fs afero.Fs, dir, root string) {
	for strings.HasPrefix(dir, root+"/") {
		empty, err := afero.IsEmpty(fs, dir)
		if err != nil || !empty {
			return
		}

		if err := fs.Remove(dir); err != nil {
			return
		}

		dir = path.Dir(dir)
	}
}
