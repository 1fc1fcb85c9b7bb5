package crsql_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

func createCRRNotesTable(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "notes", false))
	})
}

func TestMerge_PropagatesInsertAcrossReplicas(t *testing.T) {
	dbA := newTestDB(t)
	dbB := newTestDB(t)
	createCRRNotesTable(t, dbA)
	createCRRNotesTable(t, dbB)

	_, err := dbA.Exec(`INSERT INTO notes(id, body) VALUES (1, 'hello')`)
	require.NoError(t, err)

	changes := exportAllChanges(t, dbA, 0)
	require.NotEmpty(t, changes)

	withState(t, dbB, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, changes)
		require.NoError(t, err)
		assert.Equal(t, len(changes), stats.Accepted)
		assert.Zero(t, stats.Dropped)
	})

	var body string
	require.NoError(t, dbB.QueryRow(`SELECT body FROM notes WHERE id = 1`).Scan(&body))
	assert.Equal(t, "hello", body)
}

func TestMerge_IsIdempotent(t *testing.T) {
	dbA := newTestDB(t)
	dbB := newTestDB(t)
	createCRRNotesTable(t, dbA)
	createCRRNotesTable(t, dbB)

	_, err := dbA.Exec(`INSERT INTO notes(id, body) VALUES (1, 'hello')`)
	require.NoError(t, err)
	changes := exportAllChanges(t, dbA, 0)
	require.NotEmpty(t, changes)

	withState(t, dbB, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, changes)
		require.NoError(t, err)
		assert.Equal(t, len(changes), stats.Accepted)
	})

	// Replaying the identical batch must be a no-op: already-seen
	// site-versions are recognized and dropped, not reapplied.
	withState(t, dbB, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, changes)
		require.NoError(t, err)
		assert.Zero(t, stats.Accepted, "replaying an already-merged batch must not be accepted again")
	})

	var count int
	require.NoError(t, dbB.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMerge_ResurrectsDeletedRow(t *testing.T) {
	dbA := newTestDB(t)
	dbB := newTestDB(t)
	createCRRNotesTable(t, dbA)
	createCRRNotesTable(t, dbB)

	_, err := dbA.Exec(`INSERT INTO notes(id, body) VALUES (1, 'hello')`)
	require.NoError(t, err)
	first := exportAllChanges(t, dbA, 0)
	withState(t, dbB, func(s *crsql.ConnState) {
		_, err := crsql.MergeWithStats(s, first)
		require.NoError(t, err)
	})

	_, err = dbA.Exec(`DELETE FROM notes WHERE id = 1`)
	require.NoError(t, err)
	deleteChanges := exportAllChanges(t, dbA, maxDBVersion(first))
	require.NotEmpty(t, deleteChanges)

	withState(t, dbB, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, deleteChanges)
		require.NoError(t, err)
		assert.Equal(t, len(deleteChanges), stats.Accepted)
	})

	var count int
	require.NoError(t, dbB.QueryRow(`SELECT COUNT(*) FROM notes WHERE id = 1`).Scan(&count))
	assert.Zero(t, count, "deletion on A must propagate as a tombstone on B")

	_, err = dbA.Exec(`INSERT INTO notes(id, body) VALUES (1, 'hello again')`)
	require.NoError(t, err)
	revive := exportAllChanges(t, dbA, maxDBVersion(deleteChanges))
	require.NotEmpty(t, revive)

	withState(t, dbB, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, revive)
		require.NoError(t, err)
		assert.Equal(t, len(revive), stats.Accepted)
		assert.Equal(t, 1, stats.Resurrected, "a row that comes back after a tombstone must be counted as a resurrection")
	})

	var body string
	require.NoError(t, dbB.QueryRow(`SELECT body FROM notes WHERE id = 1`).Scan(&body))
	assert.Equal(t, "hello again", body)
}

func TestMerge_PeerVersionSurvivesReconnect(t *testing.T) {
	dbA := newTestDB(t)
	createCRRNotesTable(t, dbA)

	dir := t.TempDir()
	dbBPath := dir + "/b.db"
	dbB := newTestDBAtPath(t, dbBPath)
	createCRRNotesTable(t, dbB)

	_, err := dbA.Exec(`INSERT INTO notes(id, body) VALUES (1, 'hello')`)
	require.NoError(t, err)
	changes := exportAllChanges(t, dbA, 0)
	require.NotEmpty(t, changes)

	withState(t, dbB, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, changes)
		require.NoError(t, err)
		assert.Equal(t, len(changes), stats.Accepted)
	})

	require.NoError(t, dbB.Close())
	reopened := newTestDBAtPath(t, dbBPath)

	// Replaying the same batch after closing and reopening the database
	// must still be recognized as already applied: the last-seen
	// site-version for dbA's peer id has to have been persisted, not
	// reset to empty by the fresh Open.
	withState(t, reopened, func(s *crsql.ConnState) {
		stats, err := crsql.MergeWithStats(s, changes)
		require.NoError(t, err)
		assert.Zero(t, stats.Accepted, "a peer's last-seen site-version must persist across reconnect")
	})
}

func maxDBVersion(changes []crsql.ChangeRecord) int64 {
	var max int64
	for _, c := range changes {
		if int64(c.DBVersion) > max {
			max = int64(c.DBVersion)
		}
	}
	return max
}
