package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

var driverRegistered bool

// ensureDriver registers the crsqlite database/sql driver exactly once per
// process, mirroring sql.Register's own one-shot-per-name contract.
func ensureDriver() {
	if driverRegistered {
		return
	}
	crsql.RegisterDefault()
	driverRegistered = true
}

// openDB opens path through the crsqlite driver.
func openDB(path string) (*sql.DB, error) {
	ensureDriver()
	db, err := sql.Open(crsql.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// withState borrows a single raw connection from db and hands the
// caller its extension state, the way a CLI command reaches the engine's
// Go API directly instead of only through the SQL scalar-function/vtab
// surface.
func withState(ctx context.Context, db *sql.DB, fn func(*crsql.ConnState) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		state, ok := crsql.StateFor(driverConn)
		if !ok {
			return fmt.Errorf("connection has no crsqlite extension state")
		}
		return fn(state)
	})
}
