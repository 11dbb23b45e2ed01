package repair

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
)

// FindOptions configures LostKeyFinder.Find.
type FindOptions struct {
	// DryRun reports the key that would be used without copying it.
	DryRun bool
	// AllUsers also searches the key roots of every other user.
	AllUsers bool
}

// LostKeyFinder searches the key store for a key that opens a file whose canonical key is missing or broken.
type LostKeyFinder struct {
	util     *fileencryption.Util
	unlocker Unlocker
	opts     options
}

// NewLostKeyFinder returns a LostKeyFinder.
func NewLostKeyFinder(util *fileencryption.Util, unlocker Unlocker, opts ...Option) *LostKeyFinder {
	return &LostKeyFinder{
		util:     util,
		unlocker: unlocker,
		opts:     newOptions(opts),
	}
}

// Find searches a key for the file at the absolute path p, e.g. /alice/files/a.txt. Candidates are key folders of a
// file with the same name in the owner's key root, the system key root and, with AllUsers, every other user's key
// root. Each is tried in memory; the first that decrypts the file is copied to the canonical location. Unsigned content
// decrypts under any key, so there every candidate is tried and the key is copied only if exactly one opens the file.
// Nothing is written before a candidate succeeds. Paths inside a Shared folder fail with fileencryption.ErrNotOwner.
func (f *LostKeyFinder) Find(ctx context.Context, p string, opts FindOptions) (*Report, error) {
	defer timer("lostkey").UpdateSince(time.Now())

	if fileencryption.IsSharedPath(p) {
		return nil, errors.WithMessagef(fileencryption.ErrNotOwner, "%s", p)
	}

	uid, rel, err := fileencryption.UIDAndFilename(p)
	if err != nil {
		return nil, err
	}

	report := newReport("find-lost-key", f.opts.logger)

	encrypted, err := f.util.IsEncrypted(p)
	if err != nil {
		return report, report.fail(p, err)
	}

	if !encrypted {
		report.add(p, StatusSkipped, "not encrypted")
		return report.done()
	}

	s, err := f.unlocker.Unlock(ctx, uid)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	if err := report.fail(p, f.find(ctx, s, report, p, uid, rel, opts)); err != nil {
		return report, err
	}

	return report.done()
}

func (f *LostKeyFinder) find(
	ctx context.Context, s *fileencryption.Session, report *Report, p, uid, rel string, opts FindOptions,
) error {
	keys := f.util.Keys()
	canonical := keys.Layout().FileKeyDir(uid, rel)

	version, err := fileVersion(ctx, f.util, p)
	if err != nil {
		return err
	}

	if err := checkCanonical(ctx, s, p, version); err == nil {
		report.add(p, StatusOK, "key in %s opens the file", canonical)
		return nil
	} else if !recoverable(err) {
		return err
	}

	header, err := f.util.Header(p)
	if err != nil {
		return err
	}

	candidates, err := f.candidates(ctx, uid, path.Base(rel), canonical, opts.AllUsers)
	if err != nil {
		return err
	}

	var (
		matches []string
		match   *fileencryption.KeyFolder
	)

	for _, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		folder, err := keys.ReadFolder(dir)
		if err != nil {
			if recoverable(err) {
				continue
			}

			return err
		}

		if err := verifyFolder(ctx, s, p, folder, version); err != nil {
			if recoverable(err) {
				f.opts.logger.WithField("candidate", dir).Debugf("candidate rejected: %v", err)
				continue
			}

			return err
		}

		matches = append(matches, dir)
		match = folder

		if header != nil && header.Signed {
			break
		}
	}

	switch {
	case len(matches) == 0:
		return errors.WithMessagef(fileencryption.ErrNotFound, "none of %d candidate keys opens the file", len(candidates))
	case len(matches) > 1:
		return validationFailed("content is not signed and %d candidate keys open it: %v", len(matches), matches)
	}

	if opts.DryRun {
		report.add(p, StatusDryRun, "key found in %s", matches[0])
		return nil
	}

	if err := replaceVerified(ctx, f.util, s, p, canonical, match, version); err != nil {
		return err
	}

	report.add(p, StatusFixed, "copied key from %s", matches[0])

	return nil
}

// candidates returns the module directories below the searched key roots whose file is called name, except canonical.
func (f *LostKeyFinder) candidates(ctx context.Context, uid, name, canonical string, allUsers bool) ([]string, error) {
	layout := f.util.Keys().Layout()
	roots := []string{layout.UserKeyRoot(uid), layout.SystemKeyRoot()}

	if allUsers {
		err := f.util.EachUser(ctx, func(other string) error {
			if other != uid {
				roots = append(roots, layout.UserKeyRoot(other))
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	fs := f.util.Keys().Fs()

	var out []string

	for _, root := range roots {
		err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == root {
					return filepath.SkipDir
				}

				return err
			}

			if !info.IsDir() || info.Name() != layout.ModuleID {
				return nil
			}

			if p != canonical && path.Base(path.Dir(p)) == name {
				out = append(out, p)
			}

			return filepath.SkipDir
		})
		if err != nil && err != filepath.SkipDir {
			return nil, errors.Wrapf(err, "error walking %s", root)
		}
	}

	return out, nil
}
