package crsql_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

func TestRewrite_ClassifiesStatements(t *testing.T) {
	cases := []struct {
		sql   string
		kind  crsql.StatementKind
		table string
	}{
		{"CREATE TABLE foo (id INTEGER PRIMARY KEY)", crsql.StatementCreateTable, "foo"},
		{"create table if not exists bar (id integer primary key)", crsql.StatementCreateTable, "bar"},
		{"ALTER TABLE foo ADD COLUMN bar TEXT", crsql.StatementAlterTable, "foo"},
		{"CREATE INDEX idx_foo ON foo(bar)", crsql.StatementCreateIndex, ""},
		{"CREATE UNIQUE INDEX idx_foo2 ON foo(bar)", crsql.StatementCreateIndex, ""},
		{"DROP INDEX idx_foo", crsql.StatementDropIndex, ""},
		{"DROP TABLE foo", crsql.StatementDropTable, "foo"},
		{"DROP TABLE IF EXISTS foo", crsql.StatementDropTable, "foo"},
		{"INSERT INTO foo VALUES (1)", crsql.StatementOther, ""},
	}
	for _, c := range cases {
		r := crsql.Rewrite(c.sql)
		assert.Equal(t, c.kind, r.Kind, c.sql)
		assert.Equal(t, c.table, r.Table, c.sql)
	}
}

func TestApply_AlterTableBracketsLifecycleOnlyWhenAlreadyCRR(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`CREATE TABLE plain (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	withState(t, db, func(s *crsql.ConnState) {
		require.NoError(t, crsql.Apply(s, `ALTER TABLE plain ADD COLUMN extra TEXT`))
	})

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('plain') WHERE name = 'extra'`).Scan(&count))
	assert.Equal(t, 1, count)
}
