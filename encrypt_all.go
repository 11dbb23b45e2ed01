package fileencryption

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt/legacy"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

// Found classifies the files below a directory.
type Found struct {
	// Plain files have no encryption header.
	Plain []string
	// Encrypted files have a header or the layout of headerless encrypted content.
	Encrypted []string
	// Legacy files carry no recognizable layout but the file cache marks them encrypted. They hold Blowfish content.
	Legacy []string
}

// FindEncFiles walks dir and classifies every file. Upload part files and files with a malformed header are skipped.
func (u *Util) FindEncFiles(ctx context.Context, dir string) (*Found, error) {
	found := &Found{}

	err := afero.Walk(u.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || IsPartFile(p) {
			return nil
		}

		header, _, err := u.readHeader(p)
		if errors.Is(err, ErrDecryptionFailed) {
			log.Debugf("skipping %s: %v\n", p, err)
			return nil
		}

		if err != nil {
			return err
		}

		if header != nil {
			found.Encrypted = append(found.Encrypted, p)
			return nil
		}

		cached, err := u.files.Get(ctx, p)
		if err != nil {
			return err
		}

		if cached != nil && cached.Encrypted {
			found.Legacy = append(found.Legacy, p)
		} else {
			found.Plain = append(found.Plain, p)
		}

		return nil
	})
	if err != nil {
		return nil, wrapNotExist(err, dir)
	}

	return found, nil
}

// Versions returns the stored versions of the file at p, sorted by name. The versions of /alice/files/docs/a.txt are
// the files /alice/files_versions/docs/a.txt.v<timestamp>.
func (u *Util) Versions(p string) ([]string, error) {
	uid, rel, err := UIDAndFilename(p)
	if err != nil {
		return nil, err
	}

	name := trimFiles(rel)
	if name == rel {
		return nil, nil
	}

	dir := path.Join("/", uid, VersionsDir, path.Dir(name))
	prefix := path.Base(name) + VersionSuffix

	infos, err := afero.ReadDir(u.fs, dir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", dir)
	}

	var versions []string

	for _, info := range infos {
		if info.IsDir() || !strings.HasPrefix(info.Name(), prefix) {
			continue
		}

		if _, err := strconv.ParseUint(strings.TrimPrefix(info.Name(), prefix), 10, 64); err != nil {
			continue
		}

		versions = append(versions, path.Join(dir, info.Name()))
	}

	return versions, nil
}

// EncryptAll encrypts every plain and legacy file below dir for the session's user, keeping modification times.
// Legacy files are decrypted with legacyPassphrase first. Once the current files are done, the stored versions of
// every converted file are encrypted the same way. Failures are collected and do not stop the walk.
func (u *Util) EncryptAll(ctx context.Context, s *Session, dir string, legacyPassphrase []byte) (*Found, error) {
	found, err := u.FindEncFiles(ctx, dir)
	if err != nil {
		return nil, err
	}

	var (
		result    *multierror.Error
		converted []string
	)

	for _, p := range found.Plain {
		if err := u.encryptFile(ctx, s, p, nil); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", p))
			continue
		}

		converted = append(converted, p)
	}

	for _, p := range found.Legacy {
		if legacyPassphrase == nil {
			result = multierror.Append(result, errors.WithMessagef(ErrUnsupportedOperation, "%s: no legacy passphrase", p))
			continue
		}

		if err := u.encryptFile(ctx, s, p, legacyPassphrase); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", p))
			continue
		}

		converted = append(converted, p)
	}

	for _, p := range converted {
		if err := u.encryptVersions(ctx, s, p, legacyPassphrase); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return found, result.ErrorOrNil()
}

// encryptVersions encrypts the versions of p that carry no header. Versions the file cache marks encrypted hold
// legacy content.
func (u *Util) encryptVersions(ctx context.Context, s *Session, p string, legacyPassphrase []byte) error {
	versions, err := u.Versions(p)
	if err != nil {
		return errors.WithMessagef(err, "%s", p)
	}

	var result *multierror.Error

	for _, v := range versions {
		header, _, err := u.readHeader(v)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", v))
			continue
		}

		if header != nil {
			continue
		}

		cached, err := u.files.Get(ctx, v)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", v))
			continue
		}

		var passphrase []byte

		if cached != nil && cached.Encrypted {
			if legacyPassphrase == nil {
				result = multierror.Append(result, errors.WithMessagef(ErrUnsupportedOperation, "%s: no legacy passphrase", v))
				continue
			}

			passphrase = legacyPassphrase
		}

		if err := u.encryptFile(ctx, s, v, passphrase); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", v))
			continue
		}

		log.Debugf("encrypted version %s\n", v)
	}

	return result.ErrorOrNil()
}

func (u *Util) encryptFile(ctx context.Context, s *Session, p string, legacyPassphrase []byte) error {
	info, err := u.fs.Stat(p)
	if err != nil {
		return wrapNotExist(err, p)
	}

	src, err := u.openSource(p, legacyPassphrase)
	if err != nil {
		return err
	}

	defer src.Close()

	w, err := s.Open(ctx, p, ModeWrite)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	return u.keepMtime(ctx, p, info.ModTime())
}

// openSource opens the plaintext of a file about to be encrypted. The writer replaces the file through a temporary
// file, so plain files are streamed while legacy content is decrypted up front.
func (u *Util) openSource(p string, legacyPassphrase []byte) (io.ReadCloser, error) {
	if legacyPassphrase == nil {
		f, err := u.fs.Open(p)
		if err != nil {
			return nil, wrapNotExist(err, p)
		}

		return f, nil
	}

	raw, err := afero.ReadFile(u.fs, p)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", p)
	}

	plain, err := legacy.Blowfish{}.Decrypt(raw, legacyPassphrase)
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(plain)), nil
}

// DecryptAll decrypts every encrypted file of the session's user in place, keeping modification times, followed by
// the stored versions of those files. If every file and version was decrypted the user's key tree is removed.
func (u *Util) DecryptAll(ctx context.Context, s *Session) error {
	uid := s.UID()

	found, err := u.FindEncFiles(ctx, path.Join("/", uid, FilesDir))
	if err != nil {
		return err
	}

	var result *multierror.Error

	for _, p := range found.Encrypted {
		if err := u.decryptFile(ctx, s, p); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", p))
		}
	}

	for _, p := range found.Encrypted {
		versions, err := u.Versions(p)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", p))
			continue
		}

		for _, v := range versions {
			header, _, err := u.readHeader(v)
			if err == nil && header == nil {
				continue
			}

			if err == nil {
				err = u.decryptFile(ctx, s, v)
			}

			if err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "%s", v))
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	return u.keys.RemoveFolder(u.layout.UserKeyRoot(uid))
}

func (u *Util) decryptFile(ctx context.Context, s *Session, p string) error {
	info, err := u.fs.Stat(p)
	if err != nil {
		return wrapNotExist(err, p)
	}

	r, err := s.Open(ctx, p, ModeRead)
	if err != nil {
		return err
	}

	defer r.Close()

	tmp := p + ".part"

	out, err := u.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return errors.Wrapf(err, "error creating %s", tmp)
	}

	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = u.fs.Remove(tmp)
		return err
	}

	if err := u.fs.Rename(tmp, p); err != nil {
		_ = u.fs.Remove(tmp)
		return errors.Wrapf(err, "error replacing %s", p)
	}

	if err := u.files.Put(ctx, p, &FileInfo{Size: n, UnencryptedSize: n, Mtime: info.ModTime().Unix()}); err != nil {
		return err
	}

	if err := u.fs.Chtimes(p, info.ModTime(), info.ModTime()); err != nil {
		return errors.Wrapf(err, "error restoring mtime of %s", p)
	}

	return u.keys.DeleteAllFileKeys(p)
}

func (u *Util) keepMtime(ctx context.Context, p string, mtime time.Time) error {
	if err := u.fs.Chtimes(p, mtime, mtime); err != nil {
		return errors.Wrapf(err, "error restoring mtime of %s", p)
	}

	info, err := u.files.Get(ctx, p)
	if err != nil || info == nil {
		return err
	}

	info.Mtime = mtime.Unix()

	return u.files.Put(ctx, p, info)
}
