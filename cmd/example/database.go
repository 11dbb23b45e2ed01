package main

import (
	"context"
	"database/sql"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/persistence"
)

// getDB gets a database handle to the mysql instance with the provided connection string.
func getDB(connStr string) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(connStr)
	if err != nil {
		return nil, err
	}

	dsn.ParseTime = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(90)

	return db, nil
}

func getSQLiteDB(file string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers
	db.SetMaxOpenConns(1)

	return db, nil
}

// CreateSettingsStore returns the settings store selected by the options and the handle to close when done, if any.
func CreateSettingsStore(ctx context.Context) (fileencryption.SettingsStore, func() error, error) {
	var (
		db     *sql.DB
		dbType persistence.SQLDBType
		err    error
	)

	switch opts.Settings {
	case storeMySQL:
		if opts.ConnectionString == "" {
			return nil, nil, errors.New("connection string is a mandatory parameter with settings store mysql")
		}

		logger.Debug("Using mysql settings store...")

		db, err = getDB(opts.ConnectionString)
		dbType = persistence.MySQL
	case storeSQLite:
		if opts.ConnectionString == "" {
			return nil, nil, errors.New("connection string is a mandatory parameter with settings store sqlite")
		}

		logger.Debug("Using sqlite settings store...")

		db, err = getSQLiteDB(opts.ConnectionString)
		dbType = persistence.SQLite
	default:
		logger.Warn("Using in-memory settings store, system key ids are not kept between runs")

		return persistence.NewMemorySettingsStore(), func() error { return nil }, nil
	}

	if err != nil {
		return nil, nil, errors.Wrap(err, "error opening settings database")
	}

	store := persistence.NewSQLSettingsStore(db, persistence.WithSQLDBType(dbType))

	if opts.CreateTables || dbType == persistence.SQLite {
		if err := store.CreateTables(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	return store, db.Close, nil
}

// CreateFileCache returns the file cache selected by the options and the handle to close when done.
func CreateFileCache() (fileencryption.FileCache, func() error, error) {
	if opts.FileCache != cacheBadger {
		logger.Debug("Using in-memory file cache...")

		return persistence.NewMemoryFileCache(), func() error { return nil }, nil
	}

	logger.Debugf("Using badger file cache in %s...", opts.BadgerDir)

	db, err := badger.Open(badger.DefaultOptions(opts.BadgerDir).WithLogger(nil))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error opening badger in %s", opts.BadgerDir)
	}

	return persistence.NewBadgerFileCache(db), db.Close, nil
}
