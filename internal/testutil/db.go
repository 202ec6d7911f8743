// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/templui/downloadgroups/internal/db"
)

// NewDB opens an in-memory SQLite database with all migrations applied.
func NewDB(t *testing.T) *sqlx.DB {
	t.Helper()

	database, err := db.Init("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	err = db.RunMigrations(database.DB, "sqlite")
	require.NoError(t, err)

	return database
}
