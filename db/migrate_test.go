package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("creates every table", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "pipeline_jobs", "chapters", "ai_model_usage"} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}

		versions, err := AppliedVersions(db)
		require.NoError(t, err)
		assert.Equal(t, []string{"000", "001", "002", "003"}, versions)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(MemoryPath, nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil))

		versions, err := AppliedVersions(db)
		require.NoError(t, err)
		assert.Len(t, versions, 4)
	})

	t.Run("pipeline_jobs rejects unknown status", func(t *testing.T) {
		db, err := Open(MemoryPath, nil)
		require.NoError(t, err)
		defer db.Close()
		require.NoError(t, Migrate(db, nil))

		_, err = db.Exec(`INSERT INTO pipeline_jobs (id, type, target_id, status, created_at, updated_at)
			VALUES ('j1', 'dev_edit', 'ch-1', 'cancelled', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		assert.Error(t, err)
	})
}
