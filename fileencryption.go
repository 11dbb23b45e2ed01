// Package fileencryption implements transparent per-file encryption for a hierarchical file store. File content is
// encrypted in fixed size blocks under a per-file key. That key is sealed for every principal allowed to read the file
// (the owner, share recipients, an optional recovery key) or for a single system-wide master key.
//
// Your main interaction with the library will be the SessionFactory, created on application start up, and the
// Session it returns for an authenticated user. A Session holds that user's decrypted private key in locked memory
// and must be closed as soon as the request that needed it is done.
//
// Keys are stored next to the files they protect in the same storage, under a layout that is a pure function of the
// file path (see Layout). The repair package contains the maintenance operations that find and fix keys that ended
// up in the wrong place.
package fileencryption

import "context"

// MetricsPrefix prefixes all metrics names.
const MetricsPrefix = "fe"

// FileInfo is the per-file metadata kept by the storage layer's file cache.
type FileInfo struct {
	Encrypted        bool  `json:"encrypted"`
	EncryptedVersion int   `json:"encryptedVersion"`
	Size             int64 `json:"size"`
	UnencryptedSize  int64 `json:"unencryptedSize"`
	Mtime            int64 `json:"mtime"`
}

// FileCache stores FileInfo records by absolute file path.
type FileCache interface {
	// Get returns the record for path. The return value will be nil if not present.
	Get(ctx context.Context, path string) (*FileInfo, error)
	// Put inserts or replaces the record for path.
	Put(ctx context.Context, path string, info *FileInfo) error
	// Delete removes the record for path. Deleting an absent record is not an error.
	Delete(ctx context.Context, path string) error
}

// MigrationStatus tracks the initial encryption of a user's existing files.
type MigrationStatus int

const (
	MigrationOpen       MigrationStatus = 0
	MigrationInProgress MigrationStatus = -1
	MigrationCompleted  MigrationStatus = 1
)

// UserSettings holds the per-user encryption preferences.
type UserSettings struct {
	UID             string          `json:"uid"`
	Mode            string          `json:"mode"`
	RecoveryEnabled bool            `json:"recoveryEnabled"`
	MigrationStatus MigrationStatus `json:"migrationStatus"`
}

// ServerSideMode is the only mode written to UserSettings.
const ServerSideMode = "server-side"

// SettingsStore persists per-user encryption preferences and the application values (key ids, flags) that survive
// restarts.
type SettingsStore interface {
	// LoadUser returns the settings for uid. The return value will be nil if not present.
	LoadUser(ctx context.Context, uid string) (*UserSettings, error)
	// InsertUser stores settings if no record exists for the user and reports whether it did.
	InsertUser(ctx context.Context, settings *UserSettings) (bool, error)
	// SetRecoveryEnabled updates the recovery flag of an existing record.
	SetRecoveryEnabled(ctx context.Context, uid string, enabled bool) error
	// SwapMigrationStatus moves the status of uid between two values and reports whether exactly one record changed.
	SwapMigrationStatus(ctx context.Context, uid string, from, to MigrationStatus) (bool, error)
	// AppValue returns an application value or "" if not present.
	AppValue(ctx context.Context, key string) (string, error)
	// SetAppValue inserts or replaces an application value.
	SetAppValue(ctx context.Context, key, value string) error
}

// UserDirectory enumerates accounts.
type UserDirectory interface {
	// Users returns at most limit user ids starting at offset.
	Users(ctx context.Context, offset, limit int) ([]string, error)
	// UsersInGroup returns the members of a group.
	UsersInGroup(ctx context.Context, group string) ([]string, error)
}

// ShareResolver reports who a file is shared with.
type ShareResolver interface {
	// UsersSharingFile returns the recipients of shares of the owner's file at rel (relative to the owner's home,
	// e.g. "files/a.txt") and whether a public link exists.
	UsersSharingFile(ctx context.Context, owner, rel string) (users []string, public bool, err error)
}

// PassphraseSource supplies the fixed system passphrase protecting the private keys of system principals.
type PassphraseSource interface {
	Passphrase(ctx context.Context) ([]byte, error)
}

// SystemMount is an external storage mounted for several users. Keys for files below it are kept in the system-wide
// key root.
type SystemMount struct {
	// MountPoint is relative to each user's files directory, e.g. "shared-drive".
	MountPoint string
	// Users lists user ids with access, or "all".
	Users  []string
	Groups []string
}
