package fileencryption

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/cache"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption/internal"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt/legacy"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

var (
	keyLoadTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.keymanager.load", MetricsPrefix), nil)
	keyStoreTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.keymanager.store", MetricsPrefix), nil)
)

var errSkipWalk = errors.New("skip")

const (
	dirPerm  os.FileMode = 0o750
	filePerm os.FileMode = 0o640
)

// KeyFolder is the content of one file key directory.
type KeyFolder struct {
	FileKey   []byte
	ShareKeys map[string][]byte
}

// Recipients returns the sorted ids that hold a share key.
func (f *KeyFolder) Recipients() []string {
	ids := make([]string, 0, len(f.ShareKeys))
	for id := range f.ShareKeys {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// publicKeyEntry keys the public key cache. Writing a public key bumps the generation of its principal, so
// readers never see an entry loaded before the write.
type publicKeyEntry struct {
	principal  string
	generation uint64
}

// Sum64 implements cache.Hash, structs are not hashed by the cache.
func (e publicKeyEntry) Sum64() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.principal))

	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], e.generation)
	_, _ = h.Write(gen[:])

	return h.Sum64()
}

// KeyManager reads and writes keypairs, file keys and share keys on the underlying storage. Public keys are cached
// after the first load.
type KeyManager struct {
	fs         afero.Fs
	config     *Config
	layout     Layout
	publicKeys cache.LoadingCache

	mu          sync.Mutex
	generations map[string]uint64
}

// NewKeyManager returns a KeyManager storing keys in fs.
func NewKeyManager(fs afero.Fs, config *Config) *KeyManager {
	k := &KeyManager{
		fs:          fs,
		config:      config,
		layout:      config.Layout(),
		generations: make(map[string]uint64),
	}

	size := config.PublicKeyCacheSize
	if size <= 0 {
		size = DefaultPublicKeyCacheSize
	}

	k.publicKeys = cache.NewLoadingCache(func(key cache.Key) (cache.Value, error) {
		return k.readFile(k.layout.PublicKeyPath(key.(publicKeyEntry).principal))
	}, cache.WithMaximumSize(size))

	return k
}

// Config returns the configuration the KeyManager was created with.
func (k *KeyManager) Config() *Config {
	return k.config
}

// Layout returns the key path layout.
func (k *KeyManager) Layout() Layout {
	return k.layout
}

// Fs returns the storage keys are kept in.
func (k *KeyManager) Fs() afero.Fs {
	return k.fs
}

// Close releases the public key cache.
func (k *KeyManager) Close() error {
	return k.publicKeys.Close()
}

// MasterKeyID returns the id of the master key.
func (k *KeyManager) MasterKeyID() string {
	return k.config.MasterKeyID
}

// GetPublicKey returns the PEM public key of principal, which may be a user or a system principal.
func (k *KeyManager) GetPublicKey(principal string) ([]byte, error) {
	v, err := k.publicKeys.Get(k.publicKeyEntry(principal))
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

// GetPublicKeys returns the public keys of all principals or fails on the first missing one.
func (k *KeyManager) GetPublicKeys(principals ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(principals))

	for _, p := range principals {
		pub, err := k.GetPublicKey(p)
		if err != nil {
			return nil, err
		}

		out[p] = pub
	}

	return out, nil
}

// SetPublicKey stores the public key of principal.
func (k *KeyManager) SetPublicKey(principal string, key []byte) error {
	defer k.invalidatePublicKey(principal)

	return k.writeFile(k.layout.PublicKeyPath(principal), key)
}

func (k *KeyManager) publicKeyEntry(principal string) publicKeyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	return publicKeyEntry{principal: principal, generation: k.generations[principal]}
}

// invalidatePublicKey must run after the key file changed. The stale entry is dropped asynchronously, the
// generation bump takes effect immediately.
func (k *KeyManager) invalidatePublicKey(principal string) {
	k.mu.Lock()
	stale := publicKeyEntry{principal: principal, generation: k.generations[principal]}
	k.generations[principal]++
	k.mu.Unlock()

	k.publicKeys.Invalidate(stale)
}

// GetPrivateKey returns the encrypted private key of principal.
func (k *KeyManager) GetPrivateKey(principal string) ([]byte, error) {
	return k.readFile(k.layout.PrivateKeyPath(principal))
}

// SetPrivateKey stores the encrypted private key of principal.
func (k *KeyManager) SetPrivateKey(principal string, blob []byte) error {
	return k.writeFile(k.layout.PrivateKeyPath(principal), blob)
}

// GetUserKeys returns both halves of principal's keypair.
func (k *KeyManager) GetUserKeys(principal string) (publicKey, privateKey []byte, err error) {
	if publicKey, err = k.GetPublicKey(principal); err != nil {
		return nil, nil, err
	}

	if privateKey, err = k.GetPrivateKey(principal); err != nil {
		return nil, nil, err
	}

	return publicKey, privateKey, nil
}

// HasKeypair reports which halves of principal's keypair exist.
func (k *KeyManager) HasKeypair(principal string) (public, private bool, err error) {
	if public, err = afero.Exists(k.fs, k.layout.PublicKeyPath(principal)); err != nil {
		return false, false, err
	}

	if private, err = afero.Exists(k.fs, k.layout.PrivateKeyPath(principal)); err != nil {
		return false, false, err
	}

	return public, private, nil
}

// DeleteUserKeys removes both halves of principal's keypair.
func (k *KeyManager) DeleteUserKeys(principal string) error {
	defer k.invalidatePublicKey(principal)

	for _, p := range []string{k.layout.PublicKeyPath(principal), k.layout.PrivateKeyPath(principal)} {
		if err := k.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "error deleting %s", p)
		}
	}

	return nil
}

// ProvisionKeypair creates a keypair for principal protected by passphrase unless one exists. It reports whether a
// keypair was created. A half keypair is never overwritten and fails with ErrValidationFailed.
func (k *KeyManager) ProvisionKeypair(principal string, passphrase []byte) (bool, error) {
	public, private, err := k.HasKeypair(principal)
	if err != nil {
		return false, err
	}

	switch {
	case public && private:
		return false, nil
	case public || private:
		return false, errors.WithMessagef(ErrValidationFailed, "incomplete keypair for %s", principal)
	}

	kp, err := crypt.CreateKeypair(k.config.KeypairBits)
	if err != nil {
		return false, err
	}

	blob, err := crypt.EncryptPrivateKey(kp.PrivateKey, passphrase, k.config.KeyDerivation, k.config.Cipher)
	if err != nil {
		return false, err
	}

	if err := k.SetPrivateKey(principal, blob); err != nil {
		return false, err
	}

	if err := k.SetPublicKey(principal, kp.PublicKey); err != nil {
		return false, err
	}

	log.Debugf("created keypair for %s\n", principal)

	return true, nil
}

// ProvisionSystemKey creates the keypair of a system principal, protected by the system passphrase, unless one exists.
func (k *KeyManager) ProvisionSystemKey(ctx context.Context, id string, source PassphraseSource) (bool, error) {
	if public, private, err := k.HasKeypair(id); err != nil || (public && private) {
		return false, err
	}

	passphrase, err := source.Passphrase(ctx)
	if err != nil {
		return false, errors.Wrap(err, "error loading system passphrase")
	}

	defer internal.Wipe(passphrase)

	return k.ProvisionKeypair(id, passphrase)
}

// FileKeyDir resolves the key directory of an absolute file path.
func (k *KeyManager) FileKeyDir(p string) (string, error) {
	return k.layout.FileKeyDirOf(p)
}

// GetFileKey returns the sealed file key of the file at p. With legacy unset a blob in the legacy format fails with
// ErrLegacyFileKey. With legacy set the blob must be in the legacy format.
func (k *KeyManager) GetFileKey(p string, legacyFormat bool) ([]byte, error) {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return nil, err
	}

	blob, err := k.readFile(FileKeyPath(dir))
	if err != nil {
		return nil, err
	}

	if legacy.IsLegacySealed(blob) != legacyFormat {
		if legacyFormat {
			return nil, errors.WithMessagef(ErrDecryptionFailed, "file key of %s is not in the legacy format", p)
		}

		return nil, errors.WithMessagef(ErrLegacyFileKey, "%s", p)
	}

	return blob, nil
}

// SetFileKey stores the sealed file key of the file at p.
func (k *KeyManager) SetFileKey(p string, blob []byte) error {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return err
	}

	return k.writeFile(FileKeyPath(dir), blob)
}

// DeleteFileKey removes the sealed file key of the file at p. Removing an absent key is not an error.
func (k *KeyManager) DeleteFileKey(p string) error {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return err
	}

	return k.remove(FileKeyPath(dir))
}

// GetShareKey returns the share key of recipient for the file at p.
func (k *KeyManager) GetShareKey(p, recipient string) ([]byte, error) {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return nil, err
	}

	return k.readFile(ShareKeyPath(dir, recipient))
}

// GetShareKeys returns all share keys of the file at p.
func (k *KeyManager) GetShareKeys(p string) (map[string][]byte, error) {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return nil, err
	}

	folder, err := k.ReadFolder(dir)
	if err != nil {
		return nil, err
	}

	return folder.ShareKeys, nil
}

// SetShareKeys stores share keys for the file at p. Existing keys of other recipients are kept.
func (k *KeyManager) SetShareKeys(p string, keys map[string][]byte) error {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return err
	}

	for recipient, key := range keys {
		if err := k.writeFile(ShareKeyPath(dir, recipient), key); err != nil {
			return err
		}
	}

	return nil
}

// DeleteShareKey removes the share key of recipient for the file at p. Removing an absent key is not an error.
func (k *KeyManager) DeleteShareKey(p, recipient string) error {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return err
	}

	return k.remove(ShareKeyPath(dir, recipient))
}

// SetSealed replaces all keys of the file at p with sealed. Share keys of recipients not in sealed are removed.
func (k *KeyManager) SetSealed(p string, sealed *crypt.Sealed) error {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return err
	}

	return k.WriteFolder(dir, &KeyFolder{FileKey: sealed.Data, ShareKeys: sealed.Keys})
}

// DeleteAllFileKeys removes the key directory of the file at p.
func (k *KeyManager) DeleteAllFileKeys(p string) error {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return err
	}

	return k.RemoveFolder(dir)
}

// HasFileKey reports whether the file at p has a sealed file key.
func (k *KeyManager) HasFileKey(p string) (bool, error) {
	dir, err := k.FileKeyDir(p)
	if err != nil {
		return false, err
	}

	return afero.Exists(k.fs, FileKeyPath(dir))
}

// CopyKeys copies the keys of the file or folder at src to dst. For a folder the keys of every file below it are
// copied.
func (k *KeyManager) CopyKeys(src, dst string) error {
	srcDir, err := k.FileKeyDir(src)
	if err != nil {
		return err
	}

	dstDir, err := k.FileKeyDir(dst)
	if err != nil {
		return err
	}

	// the module directory of src holds the keys of src itself, its parent mirrors the file tree below a folder
	return k.copyTree(path.Dir(srcDir), path.Dir(dstDir))
}

// RenameKeys moves the keys of the file or folder at src to dst.
func (k *KeyManager) RenameKeys(src, dst string) error {
	if err := k.CopyKeys(src, dst); err != nil {
		return err
	}

	srcDir, err := k.FileKeyDir(src)
	if err != nil {
		return err
	}

	return k.RemoveFolder(path.Dir(srcDir))
}

// ReadFolder reads the content of a key directory. A missing directory fails with ErrNotFound.
func (k *KeyManager) ReadFolder(dir string) (*KeyFolder, error) {
	defer keyLoadTimer.UpdateSince(time.Now())

	infos, err := afero.ReadDir(k.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("key folder %s", dir)
		}

		return nil, errors.Wrapf(err, "error reading %s", dir)
	}

	folder := &KeyFolder{ShareKeys: map[string][]byte{}}

	for _, info := range infos {
		name := info.Name()

		switch {
		case info.IsDir():
			continue
		case name == FileKeyName:
			if folder.FileKey, err = afero.ReadFile(k.fs, path.Join(dir, name)); err != nil {
				return nil, errors.Wrapf(err, "error reading %s", name)
			}
		case strings.HasSuffix(name, ShareKeySuffix):
			data, err := afero.ReadFile(k.fs, path.Join(dir, name))
			if err != nil {
				return nil, errors.Wrapf(err, "error reading %s", name)
			}

			folder.ShareKeys[strings.TrimSuffix(name, ShareKeySuffix)] = data
		}
	}

	return folder, nil
}

// WriteFolder makes dir hold exactly the keys in folder.
func (k *KeyManager) WriteFolder(dir string, folder *KeyFolder) error {
	if folder.FileKey != nil {
		if err := k.writeFile(FileKeyPath(dir), folder.FileKey); err != nil {
			return err
		}
	}

	for recipient, key := range folder.ShareKeys {
		if err := k.writeFile(ShareKeyPath(dir, recipient), key); err != nil {
			return err
		}
	}

	infos, err := afero.ReadDir(k.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", dir)
	}

	for _, info := range infos {
		name := info.Name()
		if !strings.HasSuffix(name, ShareKeySuffix) {
			continue
		}

		if _, ok := folder.ShareKeys[strings.TrimSuffix(name, ShareKeySuffix)]; !ok {
			if err := k.remove(path.Join(dir, name)); err != nil {
				return err
			}
		}
	}

	return nil
}

// RemoveFolder deletes a key directory and everything below it. Removing an absent directory is not an error.
func (k *KeyManager) RemoveFolder(dir string) error {
	if err := k.fs.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "error removing %s", dir)
	}

	return nil
}

// FileKeyPaths returns the absolute paths of all files of uid that have keys in the user's key root.
func (k *KeyManager) FileKeyPaths(uid string) ([]string, error) {
	root := k.layout.UserKeyRoot(uid)

	var out []string

	err := afero.Walk(k.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return errSkipWalk
			}

			return err
		}

		if info.IsDir() || info.Name() != FileKeyName || path.Base(path.Dir(p)) != k.layout.ModuleID {
			return nil
		}

		rel := strings.TrimPrefix(path.Dir(path.Dir(p)), root+"/")
		out = append(out, path.Join("/", uid, rel))

		return nil
	})
	if err != nil && err != errSkipWalk {
		return nil, errors.Wrapf(err, "error walking %s", root)
	}

	return out, nil
}

func (k *KeyManager) copyTree(src, dst string) error {
	return afero.Walk(k.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == src {
				return notFound("keys %s", src)
			}

			return err
		}

		target := path.Join(dst, strings.TrimPrefix(p, src))
		if info.IsDir() {
			return k.fs.MkdirAll(target, dirPerm)
		}

		data, err := afero.ReadFile(k.fs, p)
		if err != nil {
			return errors.Wrapf(err, "error reading %s", p)
		}

		return k.writeFile(target, data)
	})
}

func (k *KeyManager) readFile(p string) ([]byte, error) {
	defer keyLoadTimer.UpdateSince(time.Now())

	data, err := afero.ReadFile(k.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("key %s", p)
		}

		return nil, errors.Wrapf(err, "error reading %s", p)
	}

	return data, nil
}

// writeFile replaces p through a temporary file so readers never observe a partial key.
// WriteKeyFile writes data to p below the key store through a temporary file and a rename, creating the directory.
func (k *KeyManager) WriteKeyFile(p string, data []byte) error {
	return k.writeFile(p, data)
}

func (k *KeyManager) writeFile(p string, data []byte) error {
	defer keyStoreTimer.UpdateSince(time.Now())

	return writeAtomic(k.fs, p, data)
}

func (k *KeyManager) remove(p string) error {
	if err := k.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "error removing %s", p)
	}

	return nil
}

func writeAtomic(fs afero.Fs, p string, data []byte) error {
	if err := fs.MkdirAll(path.Dir(p), dirPerm); err != nil {
		return errors.Wrapf(err, "error creating %s", path.Dir(p))
	}

	tmp := p + "." + uuid.NewString() + ".tmp"

	if err := afero.WriteFile(fs, tmp, data, filePerm); err != nil {
		return errors.Wrapf(err, "error writing %s", p)
	}

	if err := fs.Rename(tmp, p); err != nil {
		_ = fs.Remove(tmp)
		return errors.Wrapf(err, "error writing %s", p)
	}

	return nil
}
