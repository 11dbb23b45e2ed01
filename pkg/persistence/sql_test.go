package persistence

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/godaddy/asherah/go/fileencryption"
)

// SQLSuite runs the SQLSettingsStore against an in-memory SQLite database.
type SQLSuite struct {
	suite.Suite

	ctx   context.Context
	db    *sql.DB
	store *SQLSettingsStore
}

func (suite *SQLSuite) SetupTest() {
	suite.ctx = context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	suite.Require().NoError(err)

	// each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	suite.db = db
	suite.store = NewSQLSettingsStore(db, WithSQLDBType(SQLite))
	suite.Require().NoError(suite.store.CreateTables(suite.ctx))
}

func (suite *SQLSuite) TearDownTest() {
	suite.db.Close()
}

func (suite *SQLSuite) TestCreateTables_Idempotent() {
	suite.NoError(suite.store.CreateTables(suite.ctx))
}

func (suite *SQLSuite) TestLoadUser_NotPresent() {
	settings, err := suite.store.LoadUser(suite.ctx, "nobody")

	suite.NoError(err)
	suite.Nil(settings)
}

func (suite *SQLSuite) TestInsertUser() {
	settings := &fileencryption.UserSettings{
		UID:             "alice",
		Mode:            fileencryption.ServerSideMode,
		RecoveryEnabled: true,
		MigrationStatus: fileencryption.MigrationCompleted,
	}

	inserted, err := suite.store.InsertUser(suite.ctx, settings)
	suite.Require().NoError(err)
	suite.True(inserted)

	loaded, err := suite.store.LoadUser(suite.ctx, "alice")
	suite.Require().NoError(err)
	suite.Equal(settings, loaded)

	// the first record wins
	inserted, err = suite.store.InsertUser(suite.ctx, &fileencryption.UserSettings{UID: "alice", Mode: "other"})
	suite.NoError(err)
	suite.False(inserted)

	loaded, err = suite.store.LoadUser(suite.ctx, "alice")
	suite.Require().NoError(err)
	suite.Equal(fileencryption.ServerSideMode, loaded.Mode)
}

func (suite *SQLSuite) TestSetRecoveryEnabled() {
	_, err := suite.store.InsertUser(suite.ctx, &fileencryption.UserSettings{UID: "alice", Mode: fileencryption.ServerSideMode})
	suite.Require().NoError(err)

	suite.Require().NoError(suite.store.SetRecoveryEnabled(suite.ctx, "alice", true))

	loaded, err := suite.store.LoadUser(suite.ctx, "alice")
	suite.Require().NoError(err)
	suite.True(loaded.RecoveryEnabled)

	suite.Require().NoError(suite.store.SetRecoveryEnabled(suite.ctx, "alice", false))

	loaded, err = suite.store.LoadUser(suite.ctx, "alice")
	suite.Require().NoError(err)
	suite.False(loaded.RecoveryEnabled)
}

func (suite *SQLSuite) TestSwapMigrationStatus() {
	_, err := suite.store.InsertUser(suite.ctx, &fileencryption.UserSettings{UID: "alice", Mode: fileencryption.ServerSideMode})
	suite.Require().NoError(err)

	won, err := suite.store.SwapMigrationStatus(suite.ctx, "alice", fileencryption.MigrationOpen, fileencryption.MigrationInProgress)
	suite.Require().NoError(err)
	suite.True(won)

	// a second claim loses
	won, err = suite.store.SwapMigrationStatus(suite.ctx, "alice", fileencryption.MigrationOpen, fileencryption.MigrationInProgress)
	suite.Require().NoError(err)
	suite.False(won)

	won, err = suite.store.SwapMigrationStatus(suite.ctx, "alice", fileencryption.MigrationInProgress, fileencryption.MigrationCompleted)
	suite.Require().NoError(err)
	suite.True(won)

	loaded, err := suite.store.LoadUser(suite.ctx, "alice")
	suite.Require().NoError(err)
	suite.Equal(fileencryption.MigrationCompleted, loaded.MigrationStatus)

	won, err = suite.store.SwapMigrationStatus(suite.ctx, "nobody", fileencryption.MigrationOpen, fileencryption.MigrationInProgress)
	suite.NoError(err)
	suite.False(won)
}

func (suite *SQLSuite) TestAppValue() {
	v, err := suite.store.AppValue(suite.ctx, fileencryption.AppMasterKeyID)
	suite.Require().NoError(err)
	suite.Equal("", v)

	suite.Require().NoError(suite.store.SetAppValue(suite.ctx, fileencryption.AppMasterKeyID, "master_1"))
	suite.Require().NoError(suite.store.SetAppValue(suite.ctx, fileencryption.AppMasterKeyID, "master_2"))

	v, err = suite.store.AppValue(suite.ctx, fileencryption.AppMasterKeyID)
	suite.Require().NoError(err)
	suite.Equal("master_2", v)
}

func (suite *SQLSuite) TestLoadConfig_Persists() {
	first, err := fileencryption.LoadConfig(suite.ctx, suite.store)
	suite.Require().NoError(err)

	second, err := fileencryption.LoadConfig(suite.ctx, suite.store)
	suite.Require().NoError(err)

	suite.Equal(first.MasterKeyID, second.MasterKeyID)
	suite.Equal(first.RecoveryKeyID, second.RecoveryKeyID)
	suite.Equal(first.PublicShareKeyID, second.PublicShareKeyID)
	suite.False(second.MasterKeyEnabled())
}

func TestSQLSuite(t *testing.T) {
	suite.Run(t, new(SQLSuite))
}

func TestSQLDBType_Q(t *testing.T) {
	query := "UPDATE t SET a = ? WHERE b = ? AND c = ?"

	tests := []struct {
		dbType   SQLDBType
		expected string
	}{
		{MySQL, query},
		{SQLite, query},
		{Postgres, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3"},
		{Oracle, "UPDATE t SET a = :1 WHERE b = :2 AND c = :3"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dbType), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.dbType.q(query))
		})
	}
}

func TestNewSQLSettingsStore_DefaultsToMySQL(t *testing.T) {
	store := NewSQLSettingsStore(nil)

	require.NotNil(t, store)
	assert.Equal(t, MySQL, store.dbType)
}
