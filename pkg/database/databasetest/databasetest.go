// Package databasetest opens throwaway migrated databases for package tests.
package databasetest

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
)

// NewSQLite returns a migrated SQLite database living in the test's temp dir.
func NewSQLite(t testing.TB) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	db, err := database.Connect(database.Config{
		Driver:   database.DriverSQLite,
		DSN:      database.SQLiteDSN(path),
		MaxConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.ApplyMigrations(db, zap.NewNop().Sugar()))
	return db
}
