package repair

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt/legacy"
)

// VersionFixer repairs file cache records whose encrypted version does not match the version the content was signed
// with.
type VersionFixer struct {
	util     *fileencryption.Util
	unlocker Unlocker
	opts     options
}

// NewVersionFixer returns a VersionFixer.
func NewVersionFixer(util *fileencryption.Util, unlocker Unlocker, opts ...Option) *VersionFixer {
	return &VersionFixer{
		util:     util,
		unlocker: unlocker,
		opts:     newOptions(opts),
	}
}

// Run checks the files of uid below scopePath, relative to the user's files directory ("" for all of them). For a
// file that does not open at its recorded version, the versions below it down to 1 and then the versions above it up
// to Config.VersionSearchRange are tried in memory. The first that opens the file is persisted. If none does, the
// record is left unchanged and the file is reported as failed.
//
// Files without a header that the cache marks encrypted are marked plain when legacy support is off and their size
// rules out legacy content. Files that may hold legacy content are skipped and left to LegacyFormatFixer.
func (f *VersionFixer) Run(ctx context.Context, uid, scopePath string) (*Report, error) {
	defer timer("version").UpdateSince(time.Now())

	report := newReport("fix-encrypted-version", f.opts.logger)

	s, err := f.unlocker.Unlock(ctx, uid)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	found, err := f.util.FindEncFiles(ctx, path.Join("/", uid, fileencryption.FilesDir, scopePath))
	if err != nil {
		return nil, err
	}

	for _, p := range found.Encrypted {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := report.fail(p, f.fix(ctx, s, report, p)); err != nil {
			return report, err
		}
	}

	if !f.util.Keys().Config().LegacySupport {
		for _, p := range found.Legacy {
			if err := report.fail(p, f.markPlain(ctx, report, p)); err != nil {
				return report, err
			}
		}
	}

	return report.done()
}

func (f *VersionFixer) fix(ctx context.Context, s *fileencryption.Session, report *Report, p string) error {
	files := f.util.FileCache()

	info, err := files.Get(ctx, p)
	if err != nil {
		return err
	}

	if info == nil {
		info = &fileencryption.FileInfo{Encrypted: true}
	}

	current := info.EncryptedVersion

	fileKey, err := s.FileKey(ctx, p)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	if err := s.Verify(ctx, p, fileKey, current); err == nil {
		report.add(p, StatusOK, "version %d", current)
		return nil
	} else if !recoverable(err) {
		return err
	}

	searchRange := f.util.Keys().Config().VersionSearchRange

	for _, v := range candidateVersions(current, searchRange) {
		err := s.Verify(ctx, p, fileKey, v)
		if err != nil {
			if recoverable(err) {
				continue
			}

			return err
		}

		info.EncryptedVersion = v
		info.Encrypted = true

		if err := files.Put(ctx, p, info); err != nil {
			return err
		}

		if err := readThrough(ctx, s, p); err != nil {
			info.EncryptedVersion = current
			if perr := files.Put(ctx, p, info); perr != nil {
				return perr
			}

			return validationFailed("%s opens at version %d but not through the file cache: %v", p, v, err)
		}

		report.add(p, StatusFixed, "version %d -> %d", current, v)

		return nil
	}

	return errors.WithMessagef(fileencryption.ErrDecryptionFailed,
		"no version between 1 and %d opens the file, keeping %d", current+searchRange, current)
}

// markPlain is the version 0 trial for content without a header that the cache marks encrypted.
func (f *VersionFixer) markPlain(ctx context.Context, report *Report, p string) error {
	files := f.util.FileCache()

	stat, err := f.util.Keys().Fs().Stat(p)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", p)
	}

	if legacy.MayBeContent(stat.Size()) {
		report.add(p, StatusSkipped, "may hold legacy content, run fix-legacy-format")
		return nil
	}

	info, err := files.Get(ctx, p)
	if err != nil {
		return err
	}

	if info == nil {
		return nil
	}

	previous := info.EncryptedVersion

	info.Encrypted = false
	info.EncryptedVersion = 0

	if err := files.Put(ctx, p, info); err != nil {
		return err
	}

	report.add(p, StatusFixed, "version %d -> 0, not encrypted", previous)

	return nil
}

// candidateVersions returns the versions tried after current: current-1 down to 1, then current+1 up to
// current+searchRange.
func candidateVersions(current, searchRange int) []int {
	var out []int

	for v := current - 1; v >= 1; v-- {
		out = append(out, v)
	}

	for v := current + 1; v <= current+searchRange; v++ {
		out = append(out, v)
	}

	return out
}

// readThrough reads the file at p the way clients do, resolving key and version from the stores.
func readThrough(ctx context.Context, s *fileencryption.Session, p string) error {
	st, err := s.Open(ctx, p, fileencryption.ModeRead)
	if err != nil {
		return err
	}

	defer st.Close()

	_, err = io.Copy(io.Discard, st)

	return err
}
