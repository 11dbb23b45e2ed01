package repair

import (
	"bytes"
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
)

const legacyKeySuffix = ".key"

// FormatMigrator moves keys from the legacy layout into the current one. The legacy layout kept one
// keyfiles/<path>.key per file and one share-keys/<path>.<recipient>.shareKey per recipient below each user's
// encryption directory, and the system keypairs in a global directory.
type FormatMigrator struct {
	util *fileencryption.Util
	fs   afero.Fs
	opts options
}

// NewFormatMigrator returns a FormatMigrator.
func NewFormatMigrator(util *fileencryption.Util, opts ...Option) *FormatMigrator {
	return &FormatMigrator{
		util: util,
		fs:   util.Keys().Fs(),
		opts: newOptions(opts),
	}
}

// Run migrates the system keys and then every user, a page of users at a time. A user is claimed through the
// migration status so concurrent runs do not migrate the same user twice. A user left in progress by an interrupted
// run is resumed. Every key is written to its new location and read back before its legacy copy is removed.
func (m *FormatMigrator) Run(ctx context.Context) (*Report, error) {
	defer timer("migrate").UpdateSince(time.Now())

	report := newReport("migrate-key-layout", m.opts.logger)

	if err := m.migrateSystemKeys(report); err != nil {
		return report, err
	}

	err := m.util.EachUser(ctx, func(uid string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		return m.migrateUser(ctx, report, uid)
	})
	if err != nil {
		return report, err
	}

	return report.done()
}

func (m *FormatMigrator) migrateSystemKeys(report *Report) error {
	config := m.util.Keys().Config()
	layout := m.util.Keys().Layout()

	for _, id := range []string{config.MasterKeyID, config.RecoveryKeyID, config.PublicShareKeyID} {
		moves := map[string]string{
			layout.LegacySystemPrivateKeyPath(id): layout.PrivateKeyPath(id),
			layout.LegacyPublicKeyPath(id):        layout.PublicKeyPath(id),
		}

		for src, dst := range moves {
			if err := report.fail(src, m.moveFile(report, src, dst)); err != nil {
				return err
			}
		}
	}

	removeEmptyTree(m.fs, path.Dir(layout.LegacySystemPrivateKeyPath(config.MasterKeyID)))

	return nil
}

// moveFile copies src to dst, reads dst back, and removes src. An existing dst with different content wins and src is
// kept.
func (m *FormatMigrator) moveFile(report *Report, src, dst string) error {
	data, err := afero.ReadFile(m.fs, src)
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return errors.Wrapf(err, "error reading %s", src)
	}

	existing, err := afero.ReadFile(m.fs, dst)
	switch {
	case err == nil && !bytes.Equal(existing, data):
		report.add(src, StatusSkipped, "%s exists with different content", dst)
		return nil
	case err != nil && !os.IsNotExist(err):
		return errors.Wrapf(err, "error reading %s", dst)
	case err != nil:
		if err := m.util.Keys().WriteKeyFile(dst, data); err != nil {
			return err
		}

		check, err := afero.ReadFile(m.fs, dst)
		if err != nil {
			return errors.Wrapf(err, "error reading %s", dst)
		}

		if !bytes.Equal(check, data) {
			return validationFailed("%s does not match %s", dst, src)
		}
	}

	if err := m.fs.Remove(src); err != nil {
		return errors.Wrapf(err, "error removing %s", src)
	}

	report.add(src, StatusFixed, "moved to %s", dst)

	return nil
}

func (m *FormatMigrator) migrateUser(ctx context.Context, report *Report, uid string) error {
	status, err := m.util.MigrationStatus(ctx, uid)
	if err != nil {
		return err
	}

	logger := m.opts.logger.WithField("uid", uid)

	switch status {
	case fileencryption.MigrationCompleted:
		return nil
	case fileencryption.MigrationInProgress:
		logger.Warn("resuming interrupted migration")
	default:
		won, err := m.util.BeginMigration(ctx, uid)
		if err != nil {
			return err
		}

		if !won {
			logger.Info("migration claimed by another run")
			return nil
		}
	}

	failed := report.Summary().Failed

	if err := m.migrateKeys(ctx, report, uid); err != nil {
		if _, ferr := m.util.FinishMigration(ctx, uid, false); ferr != nil {
			logger.WithError(ferr).Error("unable to reset migration status")
		}

		return err
	}

	success := report.Summary().Failed == failed

	if _, err := m.util.FinishMigration(ctx, uid, success); err != nil {
		return err
	}

	logger.WithField("success", success).Info("migration finished")

	return nil
}

// migrateKeys moves every legacy keyfile of uid together with its share keys into the key folder of the file.
func (m *FormatMigrator) migrateKeys(ctx context.Context, report *Report, uid string) error {
	layout := m.util.Keys().Layout()
	keyfilesRoot := layout.LegacyKeyfilesRoot(uid)
	shareKeysRoot := layout.LegacyShareKeysRoot(uid)

	dirs, err := m.keyfileDirs(keyfilesRoot)
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(dir, keyfilesRoot), "/")

		groups, err := m.groupShareKeys(dir, path.Join(shareKeysRoot, rel))
		if err != nil {
			return err
		}

		for _, g := range groups {
			file := path.Join("/", uid, fileencryption.FilesDir, rel, g.name)

			if err := report.fail(file, m.moveKeyFolder(report, uid, file, g)); err != nil {
				return err
			}
		}
	}

	removeEmptyTree(m.fs, keyfilesRoot)
	removeEmptyTree(m.fs, shareKeysRoot)

	return nil
}

// keyfileDirs returns every directory below root, root included, sorted.
func (m *FormatMigrator) keyfileDirs(root string) ([]string, error) {
	var dirs []string

	err := afero.Walk(m.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return nil
			}

			return err
		}

		if info.IsDir() {
			dirs = append(dirs, p)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error walking %s", root)
	}

	sort.Strings(dirs)

	return dirs, nil
}

type legacyKeys struct {
	name      string
	keyfile   string
	shareKeys map[string]string
}

// groupShareKeys pairs the keyfiles in dir with the share keys in shareDir. A share key is named
// <file>.<recipient>.shareKey, and both file names and user ids may contain dots, so a share key belongs to the
// longest file name it starts with.
func (m *FormatMigrator) groupShareKeys(dir, shareDir string) ([]*legacyKeys, error) {
	infos, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", dir)
	}

	var groups []*legacyKeys

	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), legacyKeySuffix) {
			continue
		}

		groups = append(groups, &legacyKeys{
			name:      strings.TrimSuffix(info.Name(), legacyKeySuffix),
			keyfile:   path.Join(dir, info.Name()),
			shareKeys: map[string]string{},
		})
	}

	// longest names first so the first match is the longest
	byLength := append([]*legacyKeys(nil), groups...)
	sort.SliceStable(byLength, func(i, j int) bool { return len(byLength[i].name) > len(byLength[j].name) })

	shares, err := afero.ReadDir(m.fs, shareDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "error reading %s", shareDir)
	}

	for _, info := range shares {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, fileencryption.ShareKeySuffix) {
			continue
		}

		matched := false

		for _, g := range byLength {
			recipient := strings.TrimSuffix(strings.TrimPrefix(name, g.name+"."), fileencryption.ShareKeySuffix)
			if strings.HasPrefix(name, g.name+".") && recipient != "" {
				g.shareKeys[recipient] = path.Join(shareDir, name)
				matched = true

				break
			}
		}

		if !matched {
			m.opts.logger.WithFields(logrus.Fields{"path": path.Join(shareDir, name)}).Warn("share key without keyfile")
		}
	}

	return groups, nil
}

// moveKeyFolder writes the keys of one legacy file to its key folder, reads them back and removes the legacy copies.
// Share keys already in the folder are kept, so a run interrupted while removing legacy copies converges.
func (m *FormatMigrator) moveKeyFolder(report *Report, uid, file string, g *legacyKeys) error {
	keys := m.util.Keys()

	fileKey, err := afero.ReadFile(m.fs, g.keyfile)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", g.keyfile)
	}

	_, rel, err := fileencryption.UIDAndFilename(file)
	if err != nil {
		return err
	}

	dir := keys.Layout().FileKeyDir(uid, rel)

	folder, err := keys.ReadFolder(dir)
	switch {
	case errors.Is(err, fileencryption.ErrNotFound):
		folder = &fileencryption.KeyFolder{ShareKeys: map[string][]byte{}}
	case err != nil:
		return err
	case len(folder.FileKey) > 0 && !bytes.Equal(folder.FileKey, fileKey):
		report.add(file, StatusSkipped, "%s holds a different file key", dir)
		return nil
	}

	folder.FileKey = fileKey

	for recipient, p := range g.shareKeys {
		data, err := afero.ReadFile(m.fs, p)
		if err != nil {
			return errors.Wrapf(err, "error reading %s", p)
		}

		folder.ShareKeys[recipient] = data
	}

	if len(folder.ShareKeys) == 0 {
		report.add(file, StatusSkipped, "no share keys for %s", g.keyfile)
		return nil
	}

	if err := keys.WriteFolder(dir, folder); err != nil {
		return err
	}

	check, err := keys.ReadFolder(dir)
	if err != nil {
		return err
	}

	if !sameFolder(check, folder) {
		return validationFailed("keys in %s do not match the legacy keys", dir)
	}

	for _, p := range g.shareKeys {
		if err := m.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "error removing %s", p)
		}
	}

	if err := m.fs.Remove(g.keyfile); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "error removing %s", g.keyfile)
	}

	report.add(file, StatusFixed, "moved keys for %v to %s", folder.Recipients(), dir)

	return nil
}

func sameFolder(a, b *fileencryption.KeyFolder) bool {
	if !bytes.Equal(a.FileKey, b.FileKey) || len(a.ShareKeys) != len(b.ShareKeys) {
		return false
	}

	for id, key := range a.ShareKeys {
		if !bytes.Equal(key, b.ShareKeys[id]) {
			return false
		}
	}

	return true
}

// removeEmptyTree removes root if no file is left below it.
func removeEmptyTree(fs afero.Fs, root string) {
	files := 0

	err := afero.Walk(fs, root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			files++
		}

		return nil
	})
	if err != nil || files > 0 {
		return
	}

	_ = fs.RemoveAll(root)
}

// MasterKeyEnabler switches an installation to master key mode. The switch is one way.
type MasterKeyEnabler struct {
	util   *fileencryption.Util
	source fileencryption.PassphraseSource
}

// NewMasterKeyEnabler returns a MasterKeyEnabler that protects the master key with the passphrase from source.
func NewMasterKeyEnabler(util *fileencryption.Util, source fileencryption.PassphraseSource) *MasterKeyEnabler {
	return &MasterKeyEnabler{util: util, source: source}
}

// Enable turns master key mode on after checking that no user key tree holds file keys. It fails with
// fileencryption.ErrPerUserDataPresent otherwise. Enabling twice is a no-op.
func (e *MasterKeyEnabler) Enable(ctx context.Context) error {
	defer timer("masterkey.enable").UpdateSince(time.Now())

	return e.util.EnableMasterKey(ctx, e.source)
}

// Disable fails with fileencryption.ErrMasterKeyIrreversible once master key mode is on.
func (e *MasterKeyEnabler) Disable(_ context.Context) error {
	return e.util.Keys().Config().DisableMasterKey()
}
