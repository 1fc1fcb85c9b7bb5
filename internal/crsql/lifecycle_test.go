package crsql_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

func TestCreateCRR_BasicAndCapture(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, done INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)

	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "todos", false))
	})

	_, err = db.Exec(`INSERT INTO todos(id, title, done) VALUES (1, 'buy milk', 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE todos SET done = 1 WHERE id = 1`)
	require.NoError(t, err)

	changes := exportAllChanges(t, db, 0)
	assert.NotEmpty(t, changes, "insert+update should have produced clock rows visible through crsql_changes")

	var sawUpdate bool
	for _, c := range changes {
		if c.Table == "todos" && c.ColVersion > 1 {
			sawUpdate = true
		}
	}
	assert.True(t, sawUpdate, "expected at least one column bumped past col_version 1 by the UPDATE")
}

func TestCreateCRR_IdempotentReconversion(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "widgets", false))
		require.NoError(t, crsql.CreateCRR(s, "widgets", false), "re-running CreateCRR on an unchanged schema must be a no-op, not an error")
	})
}

func TestCreateCRR_RejectsMissingTable(t *testing.T) {
	db := newTestDB(t)

	withState(t, db, func(s *crsql.ConnState) {
		err := crsql.CreateCRR(s, "does_not_exist", false)
		require.Error(t, err)
		assert.True(t, crsql.IsSchemaError(err))
	})
}

func TestCreateCRR_RejectsPKSetChange(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, email TEXT)`)
	require.NoError(t, err)
	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "accounts", false))
	})

	// Simulate an out-of-band schema change that alters the pk set: drop
	// and recreate the user table with a composite key, leaving the old
	// clock table (and its single-column pk) behind.
	_, err = db.Exec(`DROP TABLE accounts`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE accounts (id INTEGER, email TEXT, tenant TEXT, PRIMARY KEY (id, tenant))`)
	require.NoError(t, err)

	withState(t, db, func(s *crsql.ConnState) {
		err := crsql.CreateCRR(s, "accounts", false)
		require.Error(t, err)
		assert.True(t, crsql.IsSchemaError(err), "changing the pk set in place must be rejected, not silently rewritten")
	})
}

func TestBeginAlterCommitAlter_RoundTrip(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, kind TEXT)`)
	require.NoError(t, err)
	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "events", false))
	})

	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.BeginAlter(s, "events"))
	})
	_, err = db.Exec(`ALTER TABLE events ADD COLUMN payload TEXT`)
	require.NoError(t, err)
	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CommitAlter(s, "events"))
	})

	_, err = db.Exec(`INSERT INTO events(id, kind, payload) VALUES (1, 'created', 'hello')`)
	require.NoError(t, err)

	changes := exportAllChanges(t, db, 0)
	assert.NotEmpty(t, changes, "insert on the post-ALTER schema should be captured, including the new column")

	var payload string
	require.NoError(t, db.QueryRow(`SELECT payload FROM events WHERE id = 1`).Scan(&payload))
	assert.Equal(t, "hello", payload)
}

func TestCreateCRR_RollbackLeavesNoPartialConversion(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE gadgets (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "gadgets", false))
	})

	// A second CreateCRR against a table whose pk set has since changed
	// out from under it must fail after having already reflected the
	// schema and found the clock table: the savepoint CreateCRR opens
	// around its own steps must undo that partial work, not leave a
	// half-converted table behind.
	_, err = db.Exec(`DROP TABLE gadgets`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE gadgets (id INTEGER, name TEXT, tenant TEXT, PRIMARY KEY (id, tenant))`)
	require.NoError(t, err)

	withState(t, db, func(s *crsql.ConnState) {
		err := crsql.CreateCRR(s, "gadgets", false)
		require.Error(t, err)
		assert.True(t, crsql.IsSchemaError(err))
	})

	// The connection must still be usable afterward: a savepoint left
	// open (RELEASE never called, or called after a failed ROLLBACK TO)
	// would leave every subsequent statement inside a stuck transaction.
	_, err = db.Exec(`INSERT INTO gadgets(id, name, tenant) VALUES (1, 'widget', 'acme')`)
	require.NoError(t, err, "the connection must not be left inside a dangling transaction after CreateCRR fails")
}

func TestCapture_HostRollbackDiscardsChanges(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE events2 (id INTEGER PRIMARY KEY, note TEXT)`)
	require.NoError(t, err)
	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.CreateCRR(s, "events2", false))
	})

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO events2(id, note) VALUES (1, 'temp')`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events2`).Scan(&count))
	assert.Zero(t, count, "rolled-back insert must not persist in the user table")

	changes := exportAllChanges(t, db, 0)
	assert.Empty(t, changes, "rolled-back insert must leave no clock rows behind")

	// A real, committed insert afterward must still work: the rollback
	// must not have left pending db/site-version counters stuck.
	_, err = db.Exec(`INSERT INTO events2(id, note) VALUES (2, 'real')`)
	require.NoError(t, err)
	changes = exportAllChanges(t, db, 0)
	assert.NotEmpty(t, changes, "a commit following an earlier rollback must still be captured")
}

func TestBeginAlter_RejectsNonCRRTable(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`CREATE TABLE plain (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	withState(t, db, func(s *crsql.ConnState) {
		err := crsql.BeginAlter(s, "plain")
		require.Error(t, err)
		assert.True(t, crsql.IsSchemaError(err))
	})
}
