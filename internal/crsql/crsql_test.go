package crsql_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

var driverSeq int64

// newTestDBAtPath opens a fresh crsqlite-backed database at path through
// a uniquely named driver registration, so parallel test functions don't
// collide on database/sql's one-registration-per-name rule. Exposing the
// path (rather than always using a throwaway temp file) lets a test
// close and reopen the same database file to exercise state that must
// survive a reconnect.
func newTestDBAtPath(t *testing.T, path string) *sql.DB {
	t.Helper()
	name := fmt.Sprintf("crsqlite_test_%d", atomic.AddInt64(&driverSeq, 1))
	crsql.Register(name, false)

	db, err := sql.Open(name, path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestDB opens a fresh temp-file SQLite database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return newTestDBAtPath(t, t.TempDir()+"/test.db")
}

// withState borrows db's single connection and hands the test its
// Extension State, for exercising the Go-level lifecycle/merge API
// directly rather than only through SQL.
func withState(t *testing.T, db *sql.DB, fn func(*crsql.ConnState)) {
	t.Helper()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Raw(func(driverConn any) error {
		s, ok := crsql.StateFor(driverConn)
		require.True(t, ok)
		fn(s)
		return nil
	})
	require.NoError(t, err)
}

// exportAllChanges drives crsql_changes the way a peer would, returning
// everything with db_version > since.
func exportAllChanges(t *testing.T, db *sql.DB, since int64) []crsql.ChangeRecord {
	t.Helper()
	rows, err := db.Query(`SELECT tbl, pk, cid, val, col_version, db_version, site_id, cl, seq, site_version
		FROM crsql_changes WHERE db_version > ? ORDER BY db_version, seq`, since)
	require.NoError(t, err)
	defer rows.Close()

	var out []crsql.ChangeRecord
	for rows.Next() {
		var (
			table                                      string
			pk, siteIDBytes                             []byte
			cid                                         int
			val                                         any
			colVersion, dbVersion, cl, seq, siteVersion int64
		)
		require.NoError(t, rows.Scan(&table, &pk, &cid, &val, &colVersion, &dbVersion, &siteIDBytes, &cl, &seq, &siteVersion))

		var siteID crsql.SiteID
		copy(siteID[:], siteIDBytes)

		out = append(out, crsql.ChangeRecord{
			Table:       table,
			PK:          pk,
			CID:         cid,
			Value:       val,
			ColVersion:  crsql.ColumnVersion(colVersion),
			DBVersion:   crsql.DBVersion(dbVersion),
			SiteID:      siteID,
			CL:          cl,
			Seq:         crsql.Seq(seq),
			SiteVersion: crsql.SiteVersion(siteVersion),
		})
	}
	require.NoError(t, rows.Err())
	return out
}
