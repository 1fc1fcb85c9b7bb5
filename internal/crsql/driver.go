package crsql

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// DriverName is the name under which the crsqlite driver is registered
// with database/sql.
const DriverName = "crsqlite"

// connStates maps a live *sqlite3.SQLiteConn to its extension state. A
// package-level registry is required because database/sql.driver.Conn
// offers no side channel to stash a value on the connection itself; the
// map is the only place anything looks like global state, and it holds
// no business data — every real field lives on *ConnState. database/sql
// can open and close connections from its pool concurrently, so every
// access goes through connStatesMu.
var (
	connStatesMu sync.Mutex
	connStates   = map[*sqlite3.SQLiteConn]*ConnState{}
)

// wrappedDriver delegates Open to the real sqlite3 driver, then wires
// crsqlite extension state onto the returned connection and wraps it so
// Close tears that state down instead of leaking it.
type wrappedDriver struct {
	inner            driver.Driver
	mergeEqualValues bool
}

// Register installs the crsqlite database/sql driver. mergeEqualValues
// controls whether a write that doesn't change a column's value still
// bumps its col_version (see RegisterDefault for the default policy).
// Call once per process, mirroring database/sql/driver registration
// idioms such as lib/pq or mattn's own sqlite3 package.
func Register(name string, mergeEqualValues bool) {
	sql.Register(name, &wrappedDriver{
		inner:            &sqlite3.SQLiteDriver{},
		mergeEqualValues: mergeEqualValues,
	})
}

// RegisterDefault registers the driver under DriverName with
// mergeEqualValues defaulted to false, the less-surprising choice.
func RegisterDefault() {
	Register(DriverName, false)
}

func (d *wrappedDriver) Open(name string) (driver.Conn, error) {
	c, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	sc, ok := c.(*sqlite3.SQLiteConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("crsqlite: underlying driver returned %T, want *sqlite3.SQLiteConn", c)
	}
	if err := wireConnection(sc, d.mergeEqualValues); err != nil {
		sc.Close()
		return nil, err
	}
	return &wrappedConn{SQLiteConn: sc}, nil
}

// wrappedConn is *sqlite3.SQLiteConn plus lifecycle cleanup: Close
// evicts and closes this connection's extension state before closing
// the underlying connection. Every other driver.Conn method (and the
// optional interfaces database/sql probes for, like driver.Queryer and
// driver.ConnBeginTx) is satisfied by promotion from the embedded
// *sqlite3.SQLiteConn.
type wrappedConn struct {
	*sqlite3.SQLiteConn
}

func (c *wrappedConn) Close() error {
	connStatesMu.Lock()
	state, ok := connStates[c.SQLiteConn]
	if ok {
		delete(connStates, c.SQLiteConn)
	}
	connStatesMu.Unlock()

	closeErr := c.SQLiteConn.Close()
	if ok {
		if err := state.Close(); err != nil && closeErr == nil {
			return err
		}
	}
	return closeErr
}

// StateFor returns the extension state wired onto driverConn, which may
// be either the raw *sqlite3.SQLiteConn or the *wrappedConn this
// package's driver hands back through (*sql.Conn).Raw, for callers that
// reach it directly to drive CreateCRR/Merge instead of only through
// the SQL scalar-function surface.
func StateFor(driverConn any) (*ConnState, bool) {
	var conn *sqlite3.SQLiteConn
	switch c := driverConn.(type) {
	case *sqlite3.SQLiteConn:
		conn = c
	case *wrappedConn:
		conn = c.SQLiteConn
	default:
		return nil, false
	}
	connStatesMu.Lock()
	defer connStatesMu.Unlock()
	s, ok := connStates[conn]
	return s, ok
}

func wireConnection(conn *sqlite3.SQLiteConn, mergeEqualValues bool) error {
	siteID, err := loadOrCreateSiteID(conn)
	if err != nil {
		return &InitError{Cause: err}
	}

	state, err := Open(conn, siteID, mergeEqualValues)
	if err != nil {
		return err
	}
	connStatesMu.Lock()
	connStates[conn] = state
	connStatesMu.Unlock()

	if err := registerScalarFunctions(conn, state); err != nil {
		return &InitError{Cause: err}
	}
	if err := conn.CreateModule("crsql_changes", &changesModule{state: state}); err != nil {
		return &InitError{Cause: fmt.Errorf("register crsql_changes module: %w", err)}
	}
	return nil
}

// loadOrCreateSiteID loads the site id persisted on a previous open, or
// generates a new 16-byte id with google/uuid the first time a
// database is opened.
func loadOrCreateSiteID(conn *sqlite3.SQLiteConn) (SiteID, error) {
	if err := execDirectOn(conn, `CREATE TABLE IF NOT EXISTS crsql_local_site_id (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		site_id BLOB NOT NULL
	)`); err != nil {
		return SiteID{}, err
	}

	queryer, ok := interface{}(conn).(driver.Queryer)
	if !ok {
		return SiteID{}, fmt.Errorf("connection does not implement driver.Queryer")
	}
	rows, err := queryer.Query("SELECT site_id FROM crsql_local_site_id WHERE id = 1", nil)
	if err != nil {
		return SiteID{}, fmt.Errorf("read local site id: %w", err)
	}
	dest := make([]driver.Value, 1)
	readErr := rows.Next(dest)
	rows.Close()

	if readErr == nil {
		var id SiteID
		b, _ := dest[0].([]byte)
		copy(id[:], b)
		return id, nil
	}

	newID := uuid.New()
	var id SiteID
	copy(id[:], newID[:])

	execer, ok := interface{}(conn).(driver.Execer)
	if !ok {
		return SiteID{}, fmt.Errorf("connection does not implement driver.Execer")
	}
	if _, err := execer.Exec("INSERT INTO crsql_local_site_id(id, site_id) VALUES (1, ?)", []driver.Value{id[:]}); err != nil {
		return SiteID{}, fmt.Errorf("persist local site id: %w", err)
	}
	return id, nil
}

func execDirectOn(conn *sqlite3.SQLiteConn, query string) error {
	execer, ok := interface{}(conn).(driver.Execer)
	if !ok {
		return fmt.Errorf("connection does not implement driver.Execer")
	}
	_, err := execer.Exec(query, nil)
	return err
}

// registerScalarFunctions installs the SQL-callable surface:
// crsql_as_crr, crsql_begin_alter/commit_alter, crsql_site_id,
// crsql_db_version, crsql_next_db_version, crsql_internal_sync_bit, and
// the after_insert/update/delete callbacks invoked only by triggers.
func registerScalarFunctions(conn *sqlite3.SQLiteConn, s *ConnState) error {
	reg := func(name string, impl interface{}, pure bool) error {
		if err := conn.RegisterFunc(name, impl, pure); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		return nil
	}

	if err := reg("crsql_as_crr", func(table string) (int64, error) {
		if err := CreateCRR(s, table, false); err != nil {
			return 0, err
		}
		return 1, nil
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_begin_alter", func(table string) (int64, error) {
		if err := BeginAlter(s, table); err != nil {
			return 0, err
		}
		return 1, nil
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_commit_alter", func(table string) (int64, error) {
		if err := CommitAlter(s, table); err != nil {
			return 0, err
		}
		return 1, nil
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_site_id", func() []byte {
		return append([]byte{}, s.siteID[:]...)
	}, true); err != nil {
		return err
	}

	if err := reg("crsql_db_version", func() int64 {
		return int64(s.committedDBVersion)
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_next_db_version", func() (int64, error) {
		v, err := s.nextDBVersion()
		return int64(v), err
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_internal_sync_bit", func() int64 {
		return int64(s.sync.Get())
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_after_insert", func(args ...interface{}) (int64, error) {
		table, pks := splitTableAndValues(args)
		if err := s.afterInsert(table, pks); err != nil {
			return 0, err
		}
		return 1, nil
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_after_delete", func(args ...interface{}) (int64, error) {
		table, pks := splitTableAndValues(args)
		if err := s.afterDelete(table, pks); err != nil {
			return 0, err
		}
		return 1, nil
	}, false); err != nil {
		return err
	}

	if err := reg("crsql_after_update", func(args ...interface{}) (int64, error) {
		if err := dispatchAfterUpdate(s, args); err != nil {
			return 0, err
		}
		return 1, nil
	}, false); err != nil {
		return err
	}

	return nil
}

// splitTableAndValues converts scalar-function call args (table name
// followed by pk values) into the driver.Value slice the capture
// implementations expect.
func splitTableAndValues(args []interface{}) (string, []driver.Value) {
	if len(args) == 0 {
		return "", nil
	}
	table, _ := args[0].(string)
	vals := make([]driver.Value, len(args)-1)
	for i, a := range args[1:] {
		vals[i] = driver.Value(a)
	}
	return table, vals
}

// dispatchAfterUpdate decodes the crsql_after_update(...) argument
// layout built by buildTriggerDDL: table, pkCount, new pks, old pks,
// then (name, new, old) triples per non-pk column.
func dispatchAfterUpdate(s *ConnState, args []interface{}) error {
	if len(args) < 2 {
		return &StructuralError{Reason: "crsql_after_update called with too few arguments"}
	}
	table, _ := args[0].(string)
	n64, _ := args[1].(int64)
	n := int(n64)
	if len(args) < 2+2*n {
		return &StructuralError{Reason: "crsql_after_update argument list shorter than declared pk count"}
	}
	rest := args[2:]
	pkNew := make([]driver.Value, n)
	for i := 0; i < n; i++ {
		pkNew[i] = driver.Value(rest[i])
	}
	pkOld := make([]driver.Value, n)
	for i := 0; i < n; i++ {
		pkOld[i] = driver.Value(rest[n+i])
	}
	colArgs := rest[2*n:]
	if len(colArgs)%3 != 0 {
		return &StructuralError{Reason: "crsql_after_update column argument list not a multiple of 3"}
	}
	var changed []changedColumn
	for i := 0; i < len(colArgs); i += 3 {
		name, _ := colArgs[i].(string)
		changed = append(changed, changedColumn{
			name:   name,
			newVal: driver.Value(colArgs[i+1]),
			oldVal: driver.Value(colArgs[i+2]),
		})
	}
	return s.afterUpdate(table, pkNew, pkOld, changed)
}
