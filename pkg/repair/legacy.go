package repair

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt/legacy"
)

// LegacyFileKeyDropper re-encrypts files whose content has a current header but whose file key is still sealed in the
// legacy format. The legacy key is read without requiring legacy support to be enabled.
type LegacyFileKeyDropper struct {
	util     *fileencryption.Util
	unlocker Unlocker
	opts     options
}

// NewLegacyFileKeyDropper returns a LegacyFileKeyDropper.
func NewLegacyFileKeyDropper(util *fileencryption.Util, unlocker Unlocker, opts ...Option) *LegacyFileKeyDropper {
	return &LegacyFileKeyDropper{
		util:     util,
		unlocker: unlocker,
		opts:     newOptions(opts),
	}
}

// Run re-encrypts every file of uid that has a legacy file key. Files with a current key are not reported.
func (d *LegacyFileKeyDropper) Run(ctx context.Context, uid string, dryRun bool) (*Report, error) {
	defer timer("legacykey").UpdateSince(time.Now())

	report := newReport("drop-legacy-filekeys", d.opts.logger)

	s, err := d.unlocker.Unlock(ctx, uid)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	found, err := d.util.FindEncFiles(ctx, path.Join("/", uid, fileencryption.FilesDir))
	if err != nil {
		return nil, err
	}

	keys := d.util.Keys()

	for _, p := range found.Encrypted {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, err := keys.GetFileKey(p, false)
		if err == nil {
			continue
		}

		if !errors.Is(err, fileencryption.ErrLegacyFileKey) {
			if err := report.fail(p, err); err != nil {
				return report, err
			}

			continue
		}

		if dryRun {
			report.add(p, StatusDryRun, "file key is sealed in the legacy format")
			continue
		}

		if err := report.fail(p, d.drop(ctx, s, report, p)); err != nil {
			return report, err
		}
	}

	return report.done()
}

func (d *LegacyFileKeyDropper) drop(ctx context.Context, s *fileencryption.Session, report *Report, p string) error {
	dir, err := d.util.Keys().FileKeyDir(p)
	if err != nil {
		return err
	}

	folder, err := d.util.Keys().ReadFolder(dir)
	if err != nil {
		return err
	}

	fileKey, err := s.OpenFolder(folder)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	version, err := fileVersion(ctx, d.util, p)
	if err != nil {
		return err
	}

	src, err := s.OpenWithKey(ctx, p, fileKey, version)
	if err != nil {
		return err
	}

	defer src.Close()

	if err := reencrypt(ctx, d.util, s, p, src); err != nil {
		return err
	}

	report.add(p, StatusFixed, "re-encrypted with a new file key")

	return nil
}

// LegacyFormatFixer re-encrypts files whose content is still in the legacy Blowfish format.
type LegacyFormatFixer struct {
	util     *fileencryption.Util
	unlocker Unlocker
	opts     options
}

// NewLegacyFormatFixer returns a LegacyFormatFixer.
func NewLegacyFormatFixer(util *fileencryption.Util, unlocker Unlocker, opts ...Option) *LegacyFormatFixer {
	return &LegacyFormatFixer{
		util:     util,
		unlocker: unlocker,
		opts:     newOptions(opts),
	}
}

// ScanLegacyFormat returns the files of uid that hold legacy content: no header, but marked encrypted in the file
// cache.
func (f *LegacyFormatFixer) ScanLegacyFormat(ctx context.Context, uid string) ([]string, error) {
	defer timer("legacyformat.scan").UpdateSince(time.Now())

	found, err := f.util.FindEncFiles(ctx, path.Join("/", uid, fileencryption.FilesDir))
	if err != nil {
		return nil, err
	}

	return found.Legacy, nil
}

// FixLegacyFormat decrypts the legacy content of every file of uid with passphrase and writes it again in the current
// format.
func (f *LegacyFormatFixer) FixLegacyFormat(
	ctx context.Context, uid string, passphrase []byte, dryRun bool,
) (*Report, error) {
	defer timer("legacyformat.fix").UpdateSince(time.Now())

	report := newReport("fix-legacy-format", f.opts.logger)

	files, err := f.ScanLegacyFormat(ctx, uid)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return report.done()
	}

	if dryRun {
		for _, p := range files {
			report.add(p, StatusDryRun, "legacy content")
		}

		return report.done()
	}

	s, err := f.unlocker.Unlock(ctx, uid)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := report.fail(p, f.fix(ctx, s, report, p, passphrase)); err != nil {
			return report, err
		}
	}

	return report.done()
}

func (f *LegacyFormatFixer) fix(
	ctx context.Context, s *fileencryption.Session, report *Report, p string, passphrase []byte,
) error {
	raw, err := afero.ReadFile(f.util.Keys().Fs(), p)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", p)
	}

	plain, err := legacy.Blowfish{}.Decrypt(raw, passphrase)
	if err != nil {
		return err
	}

	defer clear(plain)

	if err := reencrypt(ctx, f.util, s, p, bytes.NewReader(plain)); err != nil {
		return err
	}

	report.add(p, StatusFixed, "re-encrypted legacy content")

	return nil
}

// reencrypt replaces the content of p with src encrypted under a new file key. The new content is written to a
// temporary file next to p and read back in full before anything of p is touched. The keys of p are then resealed
// for its recipients and the temporary file replaces p. If the replacement fails the previous keys are restored.
func reencrypt(ctx context.Context, util *fileencryption.Util, s *fileencryption.Session, p string, src io.Reader) error {
	fs := util.Keys().Fs()

	stat, err := fs.Stat(p)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", p)
	}

	// not a part file name, those share the key folder of the final name
	tmp := path.Join(path.Dir(p), "."+path.Base(p)+"."+uuid.NewString()[:8]+".tmp")
	defer cleanupTemp(ctx, util, tmp)

	written, err := writeHashed(ctx, s, tmp, src)
	if err != nil {
		return err
	}

	read, err := readHashed(ctx, s, tmp)
	if err != nil {
		return err
	}

	if !bytes.Equal(written, read) {
		return validationFailed("content of %s changed while reading it back", tmp)
	}

	fileKey, err := s.FileKey(ctx, tmp)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	recipients, err := util.Recipients(ctx, p, s.UID())
	if err != nil {
		return err
	}

	keys := util.Keys()

	dir, err := keys.FileKeyDir(p)
	if err != nil {
		return err
	}

	previous, err := keys.ReadFolder(dir)
	if err != nil && !errors.Is(err, fileencryption.ErrNotFound) {
		return err
	}

	if err := util.Seal(p, fileKey, recipients); err != nil {
		return err
	}

	if err := fs.Rename(tmp, p); err != nil {
		if previous != nil {
			_ = keys.WriteFolder(dir, previous)
		}

		return errors.Wrapf(err, "error replacing %s", p)
	}

	info, err := util.FileCache().Get(ctx, tmp)
	if err != nil {
		return err
	}

	if info == nil {
		return errors.Errorf("no file cache entry for %s", tmp)
	}

	info.Mtime = stat.ModTime().Unix()

	if err := util.FileCache().Put(ctx, p, info); err != nil {
		return err
	}

	return errors.Wrapf(fs.Chtimes(p, stat.ModTime(), stat.ModTime()), "error restoring mtime of %s", p)
}

func writeHashed(ctx context.Context, s *fileencryption.Session, p string, src io.Reader) ([]byte, error) {
	w, err := s.Open(ctx, p, fileencryption.ModeWrite)
	if err != nil {
		return nil, err
	}

	h := sha256.New()

	if _, err := io.Copy(io.MultiWriter(w, h), src); err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

func readHashed(ctx context.Context, s *fileencryption.Session, p string) ([]byte, error) {
	r, err := s.Open(ctx, p, fileencryption.ModeRead)
	if err != nil {
		return nil, err
	}

	defer r.Close()

	h := sha256.New()

	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// cleanupTemp removes what is left of a temporary file: the file if it was not renamed, its keys and its cache entry.
func cleanupTemp(ctx context.Context, util *fileencryption.Util, tmp string) {
	fs := util.Keys().Fs()

	if ok, _ := afero.Exists(fs, tmp); ok {
		_ = fs.Remove(tmp)
	}

	if dir, err := util.Keys().FileKeyDir(tmp); err == nil {
		_ = util.Keys().RemoveFolder(path.Dir(dir))
	}

	_ = util.FileCache().Delete(ctx, tmp)
}
