package fileencryption

import (
	"context"
	"io"
	"os"
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

// Util bundles the operations that need the key layout together with the settings, share and user collaborators.
type Util struct {
	fs       afero.Fs
	config   *Config
	layout   Layout
	keys     *KeyManager
	settings SettingsStore
	files    FileCache
	users    UserDirectory
	shares   ShareResolver
}

// NewUtil returns a Util. users and shares may be nil, in which case groups expand to nobody and files are shared
// with nobody.
func NewUtil(keys *KeyManager, settings SettingsStore, files FileCache, users UserDirectory, shares ShareResolver) *Util {
	return &Util{
		fs:       keys.Fs(),
		config:   keys.Config(),
		layout:   keys.Layout(),
		keys:     keys,
		settings: settings,
		files:    files,
		users:    users,
		shares:   shares,
	}
}

// Keys returns the KeyManager.
func (u *Util) Keys() *KeyManager {
	return u.keys
}

// FileCache returns the file metadata cache.
func (u *Util) FileCache() FileCache {
	return u.files
}

// Users returns the user directory, which may be nil.
func (u *Util) Users() UserDirectory {
	return u.users
}

// GetPath returns a per-user location.
func (u *Util) GetPath(uid string, kind PathKind) string {
	return u.layout.Path(uid, kind)
}

// Ready reports whether all directories and both halves of the keypair of uid exist.
func (u *Util) Ready(uid string) bool {
	for _, kind := range []PathKind{PathEncryptionDir, PathKeyfilesDir, PathPublicKeyFile, PathPrivateKeyFile} {
		if ok, err := afero.Exists(u.fs, u.GetPath(uid, kind)); err != nil || !ok {
			return false
		}
	}

	return true
}

// SetupServerSide creates the directories and keypair of uid, protecting the private key with passphrase, and creates
// the settings record. Existing keys are never overwritten, so running it again is a no-op. If only one half of the
// keypair exists it fails with ErrValidationFailed.
func (u *Util) SetupServerSide(ctx context.Context, uid string, passphrase []byte) error {
	for _, dir := range []string{
		path.Join("/", uid, FilesDir),
		u.GetPath(uid, PathPublicKeyDir),
		u.GetPath(uid, PathEncryptionDir),
		u.GetPath(uid, PathKeyfilesDir),
	} {
		if err := u.fs.MkdirAll(dir, dirPerm); err != nil {
			return errors.Wrapf(err, "error creating %s", dir)
		}
	}

	if _, err := u.keys.ProvisionKeypair(uid, passphrase); err != nil {
		return err
	}

	_, err := u.settings.InsertUser(ctx, &UserSettings{
		UID:             uid,
		Mode:            ServerSideMode,
		MigrationStatus: MigrationOpen,
	})

	return errors.Wrapf(err, "error storing settings of %s", uid)
}

// IsMasterKeyEnabled reports whether files are sealed to the master key only.
func (u *Util) IsMasterKeyEnabled() bool {
	return u.config.MasterKeyEnabled()
}

// EnableMasterKey switches to master key mode, provisions the master keypair and persists the flag. It fails with
// ErrPerUserDataPresent if any user key tree already holds file keys.
func (u *Util) EnableMasterKey(ctx context.Context, source PassphraseSource) error {
	present, err := u.PerUserDataPresent(ctx)
	if err != nil {
		return err
	}

	if err := u.config.EnableMasterKey(present); err != nil {
		return err
	}

	if _, err := u.keys.ProvisionSystemKey(ctx, u.config.MasterKeyID, source); err != nil {
		return err
	}

	if err := u.settings.SetAppValue(ctx, AppMasterKeyID, u.config.MasterKeyID); err != nil {
		return err
	}

	return u.settings.SetAppValue(ctx, AppUseMasterKey, boolValue(true))
}

// PerUserDataPresent reports whether any user has file keys in a per-user key root.
func (u *Util) PerUserDataPresent(ctx context.Context) (bool, error) {
	found := false

	err := u.EachUser(ctx, func(uid string) error {
		paths, err := u.keys.FileKeyPaths(uid)
		if err != nil {
			return err
		}

		if len(paths) > 0 {
			found = true
			return errStopIteration
		}

		return nil
	})
	if err != nil && err != errStopIteration {
		return false, err
	}

	return found, nil
}

var errStopIteration = errors.New("stop")

// EachUser calls fn for every user, a page of Config.UserPageSize at a time, until a short page. Without a user
// directory the top level directories of the storage that hold a files directory are used instead.
func (u *Util) EachUser(ctx context.Context, fn func(uid string) error) error {
	if u.users == nil {
		return u.eachHome(fn)
	}

	limit := u.config.UserPageSize
	if limit <= 0 {
		limit = DefaultUserPageSize
	}

	for offset := 0; ; offset += limit {
		page, err := u.users.Users(ctx, offset, limit)
		if err != nil {
			return errors.Wrap(err, "error listing users")
		}

		for _, uid := range page {
			if err := fn(uid); err != nil {
				return err
			}
		}

		if len(page) < limit {
			return nil
		}
	}
}

func (u *Util) eachHome(fn func(uid string) error) error {
	infos, err := afero.ReadDir(u.fs, "/")
	if err != nil {
		return errors.Wrap(err, "error listing homes")
	}

	for _, info := range infos {
		if !info.IsDir() || info.Name() == EncryptionDir {
			continue
		}

		if ok, _ := afero.DirExists(u.fs, path.Join("/", info.Name(), FilesDir)); !ok {
			continue
		}

		if err := fn(info.Name()); err != nil {
			return err
		}
	}

	return nil
}

// IsRecoveryEnabledForUser reports whether the administrator enabled recovery and uid opted in.
func (u *Util) IsRecoveryEnabledForUser(ctx context.Context, uid string) (bool, error) {
	if !u.config.RecoveryAdminEnabled {
		return false, nil
	}

	settings, err := u.settings.LoadUser(ctx, uid)
	if err != nil || settings == nil {
		return false, err
	}

	return settings.RecoveryEnabled, nil
}

// SetRecoveryForUser updates the recovery opt-in of uid.
func (u *Util) SetRecoveryForUser(ctx context.Context, uid string, enabled bool) error {
	settings, err := u.loadOrCreate(ctx, uid)
	if err != nil {
		return err
	}

	if settings.RecoveryEnabled == enabled {
		return nil
	}

	return u.settings.SetRecoveryEnabled(ctx, uid, enabled)
}

// MigrationStatus returns the migration status of uid, creating the record if needed.
func (u *Util) MigrationStatus(ctx context.Context, uid string) (MigrationStatus, error) {
	settings, err := u.loadOrCreate(ctx, uid)
	if err != nil {
		return MigrationOpen, err
	}

	return settings.MigrationStatus, nil
}

// BeginMigration moves uid from open to in progress and reports whether this caller won the transition.
func (u *Util) BeginMigration(ctx context.Context, uid string) (bool, error) {
	if _, err := u.loadOrCreate(ctx, uid); err != nil {
		return false, err
	}

	return u.settings.SwapMigrationStatus(ctx, uid, MigrationOpen, MigrationInProgress)
}

// FinishMigration moves uid from in progress to completed, or back to open if the migration failed.
func (u *Util) FinishMigration(ctx context.Context, uid string, success bool) (bool, error) {
	next := MigrationCompleted
	if !success {
		next = MigrationOpen
	}

	return u.settings.SwapMigrationStatus(ctx, uid, MigrationInProgress, next)
}

func (u *Util) loadOrCreate(ctx context.Context, uid string) (*UserSettings, error) {
	settings, err := u.settings.LoadUser(ctx, uid)
	if err != nil {
		return nil, err
	}

	if settings != nil {
		return settings, nil
	}

	settings = &UserSettings{UID: uid, Mode: ServerSideMode, MigrationStatus: MigrationOpen}

	if _, err := u.settings.InsertUser(ctx, settings); err != nil {
		return nil, err
	}

	return u.settings.LoadUser(ctx, uid)
}

// PublicShareKeyID returns the id of the key used for public link shares.
func (u *Util) PublicShareKeyID() string {
	return u.config.PublicShareKeyID
}

// RecoveryKeyID returns the id of the recovery key.
func (u *Util) RecoveryKeyID() string {
	return u.config.RecoveryKeyID
}

// FilterShareReadyUsers splits uids into those with a complete keypair and those without. System principals are
// ready when their public key exists.
func (u *Util) FilterShareReadyUsers(uids []string) (ready, unready []string) {
	for _, uid := range uids {
		ok := false
		if IsSystemPrincipal(uid) {
			ok, _ = afero.Exists(u.fs, u.layout.PublicKeyPath(uid))
		} else {
			ok = u.Ready(uid)
		}

		if ok {
			ready = append(ready, uid)
		} else {
			unready = append(unready, uid)
		}
	}

	return ready, unready
}

// SharingUsers returns everybody who must be able to open the owner's file at rel: the owner, share recipients, the
// public share key if a public link exists, the recovery key if the owner opted in, and the users of a system-wide
// mount. The result is sorted and free of duplicates.
func (u *Util) SharingUsers(ctx context.Context, owner, rel, currentUser string) ([]string, error) {
	if u.config.MasterKeyEnabled() {
		return []string{u.config.MasterKeyID}, nil
	}

	set := map[string]struct{}{owner: {}}

	if u.shares != nil {
		users, public, err := u.shares.UsersSharingFile(ctx, owner, rel)
		if err != nil {
			return nil, errors.Wrapf(err, "error resolving shares of %s", rel)
		}

		for _, uid := range users {
			set[uid] = struct{}{}
		}

		if public {
			set[u.config.PublicShareKeyID] = struct{}{}
		}
	}

	recovery, err := u.IsRecoveryEnabledForUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	if recovery {
		set[u.config.RecoveryKeyID] = struct{}{}
	}

	if u.layout.IsSystemWideMountPoint(rel) {
		users, err := u.mountUsers(ctx, rel)
		if err != nil {
			return nil, err
		}

		for _, uid := range users {
			set[uid] = struct{}{}
		}
	}

	if currentUser != "" && currentUser != owner && !IsSystemPrincipal(currentUser) {
		log.Debugf("%s writes %s owned by %s\n", currentUser, rel, owner)
	}

	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}

	sort.Strings(out)

	return out, nil
}

func (u *Util) mountUsers(ctx context.Context, rel string) ([]string, error) {
	var out []string

	single := Layout{Mounts: nil}

	for _, m := range u.config.SystemMounts {
		single.Mounts = []SystemMount{m}
		if !single.IsSystemWideMountPoint(rel) {
			continue
		}

		for _, uid := range m.Users {
			if uid != "all" {
				out = append(out, uid)
				continue
			}

			if err := u.EachUser(ctx, func(uid string) error {
				out = append(out, uid)
				return nil
			}); err != nil {
				return nil, err
			}
		}

		if u.users == nil {
			continue
		}

		for _, g := range m.Groups {
			members, err := u.users.UsersInGroup(ctx, g)
			if err != nil {
				return nil, errors.Wrapf(err, "error expanding group %s", g)
			}

			out = append(out, members...)
		}
	}

	return out, nil
}

// IsSystemWideMountPoint reports whether rel (relative to a user's home) is on a system-wide mount.
func (u *Util) IsSystemWideMountPoint(rel string) bool {
	return u.layout.IsSystemWideMountPoint(rel)
}

// SetSharedFileKeyfiles reseals the key of the file at p for exactly recipients. The session must be able to open the
// current key. If any recipient is not ready it fails with ErrNotReady and nothing is written.
func (u *Util) SetSharedFileKeyfiles(ctx context.Context, s *Session, recipients []string, p string) error {
	_, unready := u.FilterShareReadyUsers(recipients)
	if len(unready) > 0 {
		return errors.WithMessagef(ErrNotReady, "%v", unready)
	}

	fileKey, err := s.FileKey(ctx, p)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	return u.Seal(p, fileKey, recipients)
}

// Seal seals fileKey for recipients and replaces the keys of the file at p.
func (u *Util) Seal(p string, fileKey []byte, recipients []string) error {
	pubs, err := u.keys.GetPublicKeys(recipients...)
	if err != nil {
		return err
	}

	sealed, err := crypt.MultiKeyEncrypt(fileKey, pubs)
	if err != nil {
		return err
	}

	return u.keys.SetSealed(p, sealed)
}

// Recipients returns the ready principals the file at p must be sealed for when written by currentUser. Users that
// are not ready are skipped with a warning.
func (u *Util) Recipients(ctx context.Context, p, currentUser string) ([]string, error) {
	owner, rel, err := UIDAndFilename(p)
	if err != nil {
		return nil, err
	}

	users, err := u.SharingUsers(ctx, owner, rel, currentUser)
	if err != nil {
		return nil, err
	}

	ready, unready := u.FilterShareReadyUsers(users)
	if len(unready) > 0 {
		log.Warnf("skipping users not ready for encryption of %s: %v\n", p, unready)
	}

	if len(ready) == 0 {
		return nil, errors.WithMessagef(ErrNotReady, "no recipient for %s", p)
	}

	return ready, nil
}

// FileSize returns the plaintext size of the file at p, computed from the raw size and the length of the last block.
func (u *Util) FileSize(ctx context.Context, s *Session, p string) (int64, error) {
	info, err := u.fs.Stat(p)
	if err != nil {
		return 0, wrapNotExist(err, p)
	}

	header, dataStart, err := u.readHeader(p)
	if err != nil {
		return 0, err
	}

	if header == nil {
		return info.Size(), nil
	}

	size := info.Size() - dataStart
	if size <= 0 {
		return 0, nil
	}

	cipherBlock := int64(crypt.CipherBlockSize(header.Signed))
	plainBlock := int64(crypt.PlainBlockSize(header.Signed))
	lastBlock := (size+cipherBlock-1)/cipherBlock - 1

	stream, err := s.Open(ctx, p, ModeRead)
	if err != nil {
		return 0, err
	}

	defer stream.Close()

	if _, err := stream.Seek(lastBlock*plainBlock, io.SeekStart); err != nil {
		return 0, err
	}

	last, err := io.ReadAll(stream)
	if err != nil {
		return 0, err
	}

	return lastBlock*plainBlock + int64(len(last)), nil
}

// FixFileSize recomputes the plaintext size of the file at p and corrects the file cache. It reports whether the
// cached size was wrong.
func (u *Util) FixFileSize(ctx context.Context, s *Session, p string) (bool, error) {
	size, err := u.FileSize(ctx, s, p)
	if err != nil {
		return false, err
	}

	info, err := u.files.Get(ctx, p)
	if err != nil {
		return false, err
	}

	if info == nil {
		return false, notFound("file cache entry of %s", p)
	}

	if info.UnencryptedSize == size {
		return false, nil
	}

	log.Debugf("fixing size of %s: %d -> %d\n", p, info.UnencryptedSize, size)
	info.UnencryptedSize = size

	return true, u.files.Put(ctx, p, info)
}

// IsEncrypted reports whether the file at p starts with an encryption header.
func (u *Util) IsEncrypted(p string) (bool, error) {
	header, _, err := u.readHeader(p)

	return header != nil, err
}

// Header returns the header of the file at p, or nil for a plain file.
func (u *Util) Header(p string) (*crypt.Header, error) {
	header, _, err := u.readHeader(p)

	return header, err
}

// readHeader returns the header of an encrypted file and the offset of its first block. The header is nil for plain
// files.
func (u *Util) readHeader(p string) (*crypt.Header, int64, error) {
	f, err := u.fs.Open(p)
	if err != nil {
		return nil, 0, wrapNotExist(err, p)
	}

	defer f.Close()

	buf := make([]byte, crypt.HeaderSize)

	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, 0, errors.Wrapf(err, "error reading %s", p)
	}

	content := crypt.ParseContent(buf[:n])

	switch content.Kind {
	case crypt.KindEncrypted:
		if content.Header.Headerless {
			return &content.Header, 0, nil
		}

		return &content.Header, crypt.HeaderSize, nil
	case crypt.KindMalformed:
		return nil, 0, errors.WithMessagef(ErrDecryptionFailed, "malformed header in %s: %v", p, content.Err)
	}

	return nil, 0, nil
}

func wrapNotExist(err error, p string) error {
	if os.IsNotExist(err) {
		return notFound("file %s", p)
	}

	return errors.Wrapf(err, "error opening %s", p)
}
