package fileencryption

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Names of the files and directories making up the key layout.
const (
	EncryptionDir    = "files_encryption"
	KeysDir          = "keys"
	FileKeyName      = "fileKey"
	ShareKeySuffix   = ".shareKey"
	PublicKeySuffix  = ".public.key"
	PrivateKeySuffix = ".private.key"
	FilesDir         = "files"
	VersionsDir      = "files_versions"
	VersionSuffix    = ".v"

	legacyKeyfilesDir   = "keyfiles"
	legacyShareKeysDir  = "share-keys"
	legacySystemKeysDir = "/owncloud_private_key"
	legacyKeySuffix     = ".key"
)

// PathKind selects one of the per-user locations returned by Layout.Path.
type PathKind int

const (
	PathPublicKeyDir PathKind = iota
	PathEncryptionDir
	PathKeyfilesDir
	PathPublicKeyFile
	PathPrivateKeyFile
)

// Layout resolves where keys are stored. Every method is a pure function of its arguments and the layout's fields.
//
// Per-user file keys live below /<uid>/files_encryption/keys, mirroring the file's path relative to the user's home,
// with one directory per encryption module holding the fileKey and one <recipient>.shareKey per recipient. Keys of
// files on system-wide mounts live below /files_encryption/keys instead.
type Layout struct {
	ModuleID     string
	PublicKeyDir string
	Mounts       []SystemMount
}

// Path returns a per-user location.
func (l Layout) Path(uid string, kind PathKind) string {
	switch kind {
	case PathPublicKeyDir:
		return l.PublicKeyDir
	case PathEncryptionDir:
		return path.Join("/", uid, EncryptionDir)
	case PathKeyfilesDir:
		return l.UserKeyRoot(uid)
	case PathPublicKeyFile:
		return l.PublicKeyPath(uid)
	case PathPrivateKeyFile:
		return l.PrivateKeyPath(uid)
	}

	return ""
}

// PublicKeyPath returns where the public key of principal is stored.
func (l Layout) PublicKeyPath(principal string) string {
	if IsSystemPrincipal(principal) {
		return path.Join("/", EncryptionDir, l.ModuleID, principal+PublicKeySuffix)
	}

	return path.Join(l.PublicKeyDir, principal+PublicKeySuffix)
}

// PrivateKeyPath returns where the encrypted private key of principal is stored.
func (l Layout) PrivateKeyPath(principal string) string {
	if IsSystemPrincipal(principal) {
		return path.Join("/", EncryptionDir, l.ModuleID, principal+PrivateKeySuffix)
	}

	return path.Join("/", principal, EncryptionDir, principal+PrivateKeySuffix)
}

// UserKeyRoot returns the root of a user's file keys.
func (l Layout) UserKeyRoot(uid string) string {
	return path.Join("/", uid, EncryptionDir, KeysDir)
}

// SystemKeyRoot returns the root of the file keys of system-wide mounts.
func (l Layout) SystemKeyRoot() string {
	return path.Join("/", EncryptionDir, KeysDir)
}

// KeyRoot returns the root holding the key of the file at rel in uid's home.
func (l Layout) KeyRoot(uid, rel string) string {
	if l.IsSystemWideMountPoint(rel) {
		return l.SystemKeyRoot()
	}

	return l.UserKeyRoot(uid)
}

// FileKeyDir returns the directory holding the keys of the file at rel (relative to uid's home, e.g. "files/a.txt").
func (l Layout) FileKeyDir(uid, rel string) string {
	return l.FileKeyDirIn(l.KeyRoot(uid, rel), rel)
}

// FileKeyDirIn returns the key directory of rel below an explicit root.
func (l Layout) FileKeyDirIn(root, rel string) string {
	return path.Join(root, rel, l.ModuleID)
}

// FileKeyPath returns the fileKey path inside a key directory.
func FileKeyPath(dir string) string {
	return path.Join(dir, FileKeyName)
}

// ShareKeyPath returns the share key path of recipient inside a key directory.
func ShareKeyPath(dir, recipient string) string {
	return path.Join(dir, recipient+ShareKeySuffix)
}

// IsSystemWideMountPoint reports whether rel (relative to a user's home) is on a system-wide mount.
func (l Layout) IsSystemWideMountPoint(rel string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(rel, "/"), FilesDir+"/")
	if rest == strings.TrimPrefix(rel, "/") {
		return false
	}

	for _, m := range l.Mounts {
		mp := strings.Trim(m.MountPoint, "/")
		if mp != "" && (rest == mp || strings.HasPrefix(rest, mp+"/")) {
			return true
		}
	}

	return false
}

// LegacyKeyfilePath returns where the legacy layout stored the sealed file key of rel.
func (l Layout) LegacyKeyfilePath(uid, rel string) string {
	return path.Join("/", uid, EncryptionDir, legacyKeyfilesDir, trimFiles(rel)+legacyKeySuffix)
}

// LegacyShareKeyPath returns where the legacy layout stored the share key of recipient for rel.
func (l Layout) LegacyShareKeyPath(uid, rel, recipient string) string {
	return path.Join("/", uid, EncryptionDir, legacyShareKeysDir, trimFiles(rel)+"."+recipient+ShareKeySuffix)
}

// LegacyKeyfilesRoot returns the root of a user's legacy file keys.
func (l Layout) LegacyKeyfilesRoot(uid string) string {
	return path.Join("/", uid, EncryptionDir, legacyKeyfilesDir)
}

// LegacyShareKeysRoot returns the root of a user's legacy share keys.
func (l Layout) LegacyShareKeysRoot(uid string) string {
	return path.Join("/", uid, EncryptionDir, legacyShareKeysDir)
}

// LegacySystemPrivateKeyPath returns where the legacy layout stored the private key of a system principal.
func (l Layout) LegacySystemPrivateKeyPath(id string) string {
	return path.Join(legacySystemKeysDir, id+PrivateKeySuffix)
}

// LegacyPublicKeyPath returns where the legacy layout stored the public key of a system principal.
func (l Layout) LegacyPublicKeyPath(id string) string {
	return path.Join(l.PublicKeyDir, id+PublicKeySuffix)
}

func trimFiles(rel string) string {
	return strings.TrimPrefix(strings.TrimPrefix(rel, "/"), FilesDir+"/")
}

var partFile = regexp.MustCompile(`(\.ocTransferId\d+)?\.part$`)

// UIDAndFilename splits an absolute file path such as /alice/files/a.txt into the owner and the path relative to the
// owner's home. Upload part suffixes are removed from the file name.
func UIDAndFilename(p string) (uid, rel string, err error) {
	parts := strings.SplitN(strings.Trim(path.Clean("/"+p), "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("path %q is not below a user home", p)
	}

	return parts[0], StripPartFileExtension(parts[1]), nil
}

// StripPartFileExtension removes an upload part suffix (".part" or ".ocTransferId<digits>.part") from p.
func StripPartFileExtension(p string) string {
	return partFile.ReplaceAllString(p, "")
}

// IsPartFile reports whether p carries an upload part suffix.
func IsPartFile(p string) bool {
	return partFile.MatchString(p)
}

// IsSharedPath reports whether p is inside the legacy Shared folder of a user, e.g. /alice/files/Shared/x.
func IsSharedPath(p string) bool {
	parts := strings.Split(strings.Trim(p, "/"), "/")

	return len(parts) > 2 && parts[1] == FilesDir && parts[2] == "Shared"
}

// FileKeyDirOf resolves the key directory of an absolute file path.
func (l Layout) FileKeyDirOf(p string) (string, error) {
	uid, rel, err := UIDAndFilename(p)
	if err != nil {
		return "", err
	}

	return l.FileKeyDir(uid, rel), nil
}
