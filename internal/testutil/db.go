package testutil

import (
	"database/sql"
	"testing"

	"github.com/vrsandeep/imdb-etl/internal/assets"
	"github.com/vrsandeep/imdb-etl/internal/db"
)

// SetupTestDB creates an in-memory SQLite queue database and applies all
// migrations. It is closed automatically when the test completes.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.InitDB(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	if err := db.RunMigrations(database, assets.MigrationsFS); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}
