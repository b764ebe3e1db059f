package store

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTables = []string{
	"runs", "snapshots", "snapshot_components", "snapshot_values", "snapshot_links",
	"snapshot_inputs", "snapshot_queue_entries", "trace_events",
}

func TestOpenCreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "open %d", i)
		for _, table := range allTables {
			assert.NotNil(t, getTableColumns(t, s.db, table), "table %s", table)
		}
		require.NoError(t, s.Close())
	}
	assert.FileExists(t, path)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM trace_events").Scan(&count))
	assert.Zero(t, count)
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/runs.db")
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	assert.NoError(t, (&Store{}).Close())

	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { _ = s.Close() })
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.checkPragmas())

	_, err := s.db.Exec("PRAGMA foreign_keys = OFF")
	require.NoError(t, err)
	assert.ErrorContains(t, s.checkPragmas(), "foreign_keys")
}

func TestSchemaColumns(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		table   string
		columns []string
	}{
		{"runs", []string{"run_id", "model_hash", "engine_version", "ir_version", "trace_hash"}},
		{"snapshots", []string{
			"id", "seq", "run_id", "label", "content_hash", "time_step", "clock_start",
			"clock_finish", "zeno_limit", "step_count", "discrete_step",
		}},
		{"snapshot_components", []string{"snapshot_id", "position", "name", "type", "state"}},
		{"snapshot_values", []string{"snapshot_id", "component", "kind", "name", "value"}},
		{"snapshot_links", []string{"snapshot_id", "component", "name", "target"}},
		{"snapshot_inputs", []string{"snapshot_id", "component", "name", "source_component", "source_variable"}},
		{"snapshot_queue_entries", []string{"snapshot_id", "component", "queue", "position", "simultaneous", "messages"}},
		{"trace_events", []string{
			"run_id", "seq", "step", "microstep", "clock", "kind", "component",
			"transition", "from_state", "to_state", "var", "value", "enabled",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			assert.Subset(t, getTableColumns(t, s.db, tt.table), tt.columns)
		})
	}
}

// Simulated time is the only clock; wall time never reaches the database.
func TestSchemaHasNoWallTime(t *testing.T) {
	s := createTestStore(t)

	for _, table := range allTables {
		for _, col := range getTableColumns(t, s.db, table) {
			if col == "time_step" {
				continue
			}
			assert.NotContains(t, col, "time", "%s.%s", table, col)
			assert.False(t, strings.HasSuffix(col, "_at"), "%s.%s", table, col)
		}
	}
}

func TestConstraints(t *testing.T) {
	s := createTestStore(t)
	_, err := s.db.Exec(`INSERT INTO runs (run_id, model_hash, engine_version, ir_version) VALUES ('r', 'h', '0', '1')`)
	require.NoError(t, err)

	t.Run("snapshot requires run", func(t *testing.T) {
		_, err := s.db.Exec(`
			INSERT INTO snapshots
			(id, seq, run_id, content_hash, time_step, clock_start, clock_finish, zeno_limit, step_count, discrete_step)
			VALUES ('s1', 1, 'missing-run', 'h', 0.1, 0, 0, 100, 0, 0)
		`)
		assert.Error(t, err)
	})

	t.Run("event kind", func(t *testing.T) {
		_, err := s.db.Exec(`INSERT INTO trace_events (run_id, seq, step, microstep, clock, kind) VALUES ('r', 1, 0, 0, 0, 'bogus')`)
		assert.Error(t, err)
	})

	t.Run("seq unique per run", func(t *testing.T) {
		insert := `INSERT INTO trace_events (run_id, seq, step, microstep, clock, kind) VALUES ('r', 7, 0, 0, 0, 'transition')`
		_, err := s.db.Exec(insert)
		require.NoError(t, err)
		_, err = s.db.Exec(insert)
		assert.Error(t, err)
	})
}

func TestMigrations(t *testing.T) {
	wantIndexes := []string{"idx_trace_events_component", "idx_trace_events_kind_clock"}

	t.Run("fresh database", func(t *testing.T) {
		s := createTestStore(t)
		assert.Equal(t, currentSchemaVersion, userVersion(t, s.db))
		assert.Subset(t, getTableIndexes(t, s.db, "trace_events"), wantIndexes)
	})

	t.Run("upgrade from v0", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "old.db")
		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		_, err = db.Exec(schemaSQL)
		require.NoError(t, err)
		require.Equal(t, 0, userVersion(t, db))
		require.NoError(t, db.Close())

		s, err := Open(path)
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, currentSchemaVersion, userVersion(t, s.db))
		assert.Subset(t, getTableIndexes(t, s.db, "trace_events"), wantIndexes)
	})

	t.Run("newer database is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "new.db")
		s, err := Open(path)
		require.NoError(t, err)
		_, err = s.db.Exec("PRAGMA user_version = 99")
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, err = Open(path)
		assert.ErrorContains(t, err, "newer than this build")
	})
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&v))
	return v
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		columns = append(columns, name)
	}
	require.NoError(t, rows.Err())
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?", table)
	require.NoError(t, err)
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes = append(indexes, name)
	}
	require.NoError(t, rows.Err())
	return indexes
}
