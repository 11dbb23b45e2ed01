package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah/go/fileencryption"
)

const (
	defaultLoadUserQuery      = "SELECT mode, recovery_enabled, migration_status FROM encryption_settings WHERE uid = ?"
	defaultInsertUserQuery    = "INSERT INTO encryption_settings (uid, mode, recovery_enabled, migration_status) VALUES (?, ?, ?, ?)"
	defaultSetRecoveryQuery   = "UPDATE encryption_settings SET recovery_enabled = ? WHERE uid = ?"
	defaultSwapMigrationQuery = "UPDATE encryption_settings SET migration_status = ? WHERE uid = ? AND migration_status = ?"
	defaultLoadAppValueQuery  = "SELECT configvalue FROM encryption_appconfig WHERE configkey = ?"
	defaultDeleteAppValue     = "DELETE FROM encryption_appconfig WHERE configkey = ?"
	defaultInsertAppValue     = "INSERT INTO encryption_appconfig (configkey, configvalue) VALUES (?, ?)"
)

// Schema creates the tables used by SQLSettingsStore. It is portable across the supported databases.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS encryption_settings (
		uid VARCHAR(64) NOT NULL PRIMARY KEY,
		mode VARCHAR(64) NOT NULL,
		recovery_enabled INTEGER NOT NULL DEFAULT 0,
		migration_status INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS encryption_appconfig (
		configkey VARCHAR(64) NOT NULL PRIMARY KEY,
		configvalue VARCHAR(4000)
	)`,
}

var (
	// Verify SQLSettingsStore implements the SettingsStore interface.
	_ fileencryption.SettingsStore = (*SQLSettingsStore)(nil)

	storeSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.settings.sql.store", fileencryption.MetricsPrefix), nil)
	loadSQLTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.settings.sql.load", fileencryption.MetricsPrefix), nil)
)

// SQLDBType identifies a specific database/sql driver.
type SQLDBType string

const (
	Postgres SQLDBType = "postgres"
	Oracle   SQLDBType = "oracle"
	MySQL    SQLDBType = "mysql"
	SQLite   SQLDBType = "sqlite"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q converts "?" characters to $1, $2, $n on postgres, :1, :2, :n on Oracle.
func (t SQLDBType) q(sql string) string {
	var pref string

	//nolint:exhaustive
	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return sql
	}

	n := 0

	return qrx.ReplaceAllStringFunc(sql, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLSettingsStoreOption is used to configure additional options in a SQLSettingsStore.
type SQLSettingsStoreOption func(*SQLSettingsStore)

// WithSQLDBType configures the SQLSettingsStore for use with the specified family of database/sql drivers such as
// Postgres, Oracle, SQLite or MySQL (default).
func WithSQLDBType(t SQLDBType) SQLSettingsStoreOption {
	return func(s *SQLSettingsStore) {
		s.dbType = t
	}
}

// SQLSettingsStore implements the SettingsStore interface for a RDBMS. See Schema for the required tables.
type SQLSettingsStore struct {
	db     *sql.DB
	dbType SQLDBType
}

// NewSQLSettingsStore returns a new SQLSettingsStore using the provided sql connection.
func NewSQLSettingsStore(dbHandle *sql.DB, opts ...SQLSettingsStoreOption) *SQLSettingsStore {
	store := &SQLSettingsStore{
		db:     dbHandle,
		dbType: DefaultDBType,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// CreateTables creates the tables in Schema if they do not exist.
func (s *SQLSettingsStore) CreateTables(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "error creating tables")
		}
	}

	return nil
}

// LoadUser returns the settings of uid. The return value will be nil if not present.
func (s *SQLSettingsStore) LoadUser(ctx context.Context, uid string) (*fileencryption.UserSettings, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	settings := &fileencryption.UserSettings{UID: uid}

	var recovery, status int

	err := s.db.QueryRowContext(ctx, s.dbType.q(defaultLoadUserQuery), uid).Scan(&settings.Mode, &recovery, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrapf(err, "error loading settings of %s", uid)
	}

	settings.RecoveryEnabled = recovery == 1
	settings.MigrationStatus = fileencryption.MigrationStatus(status)

	return settings, nil
}

// InsertUser attempts to insert the settings if none are present for the user. If a record exists, the method will
// return false.
func (s *SQLSettingsStore) InsertUser(ctx context.Context, settings *fileencryption.UserSettings) (bool, error) {
	existing, err := s.LoadUser(ctx, settings.UID)
	if err != nil || existing != nil {
		return false, err
	}

	defer storeSQLTimer.UpdateSince(time.Now())

	_, err = s.db.ExecContext(ctx, s.dbType.q(defaultInsertUserQuery),
		settings.UID, settings.Mode, boolInt(settings.RecoveryEnabled), int(settings.MigrationStatus))
	if err != nil {
		// a concurrent insert wins the race, which is not an error for the caller
		if existing, lerr := s.LoadUser(ctx, settings.UID); lerr == nil && existing != nil {
			return false, nil
		}

		return false, errors.Wrapf(err, "error storing settings of %s", settings.UID)
	}

	return true, nil
}

// SetRecoveryEnabled updates the recovery flag of uid.
func (s *SQLSettingsStore) SetRecoveryEnabled(ctx context.Context, uid string, enabled bool) error {
	defer storeSQLTimer.UpdateSince(time.Now())

	if _, err := s.db.ExecContext(ctx, s.dbType.q(defaultSetRecoveryQuery), boolInt(enabled), uid); err != nil {
		return errors.Wrapf(err, "error updating recovery flag of %s", uid)
	}

	return nil
}

// SwapMigrationStatus moves the migration status of uid from one value to another and reports whether a row changed.
func (s *SQLSettingsStore) SwapMigrationStatus(
	ctx context.Context, uid string, from, to fileencryption.MigrationStatus,
) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	res, err := s.db.ExecContext(ctx, s.dbType.q(defaultSwapMigrationQuery), int(to), uid, int(from))
	if err != nil {
		return false, errors.Wrapf(err, "error updating migration status of %s", uid)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "error reading affected rows")
	}

	return n == 1, nil
}

// AppValue returns an application value or "" if not present.
func (s *SQLSettingsStore) AppValue(ctx context.Context, key string) (string, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	var value sql.NullString

	if err := s.db.QueryRowContext(ctx, s.dbType.q(defaultLoadAppValueQuery), key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}

		return "", errors.Wrapf(err, "error loading %s", key)
	}

	return value.String, nil
}

// SetAppValue replaces an application value.
func (s *SQLSettingsStore) SetAppValue(ctx context.Context, key, value string) error {
	defer storeSQLTimer.UpdateSince(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error starting transaction")
	}

	if _, err := tx.ExecContext(ctx, s.dbType.q(defaultDeleteAppValue), key); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "error storing %s", key)
	}

	if _, err := tx.ExecContext(ctx, s.dbType.q(defaultInsertAppValue), key, value); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "error storing %s", key)
	}

	return errors.Wrapf(tx.Commit(), "error storing %s", key)
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
