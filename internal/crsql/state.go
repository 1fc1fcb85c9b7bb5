package crsql

import (
	"database/sql/driver"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"
)

const tableInfoCacheSize = 64

// ConnState is the per-connection extension state. One instance is
// allocated per *sqlite3.SQLiteConn when the crsqlite driver opens the
// connection (wrappedDriver.Open) and torn down when it closes.
type ConnState struct {
	conn   *sqlite3.SQLiteConn
	siteID SiteID

	mergeEqualValues bool

	sync syncBit

	stmts map[string]*sqlite3.SQLiteStmt

	tableInfos          *lru.Cache[string, *TableInfo]
	lastSchemaVersion    int
	lastDataVersion      int

	pendingDBVersion   DBVersion
	committedDBVersion DBVersion
	dbVersionLoaded    bool

	pendingSiteVersion   SiteVersion
	committedSiteVersion SiteVersion
	siteVersionLoaded    bool
	nextSiteVersionSet   bool

	seq Seq

	lastSiteVersions map[SiteID]SiteVersion

	updatedTableInfosThisTx map[string]bool
}

// Open allocates extension state for conn, ensures the meta-tables
// exist, and registers the commit/rollback hooks.
func Open(conn *sqlite3.SQLiteConn, siteID SiteID, mergeEqualValues bool) (*ConnState, error) {
	cache, err := lru.New[string, *TableInfo](tableInfoCacheSize)
	if err != nil {
		return nil, &InitError{Cause: err}
	}

	s := &ConnState{
		conn:                    conn,
		siteID:                  siteID,
		mergeEqualValues:        mergeEqualValues,
		stmts:                   make(map[string]*sqlite3.SQLiteStmt),
		tableInfos:              cache,
		lastSiteVersions:        make(map[SiteID]SiteVersion),
		updatedTableInfosThisTx: make(map[string]bool),
		pendingDBVersion:        -1,
		pendingSiteVersion:      -1,
	}

	if err := s.ensureMetaTables(); err != nil {
		return nil, &InitError{Cause: err}
	}
	if err := s.loadTrackedPeers(); err != nil {
		return nil, &InitError{Cause: err}
	}

	conn.RegisterCommitHook(func() int {
		if err := s.onCommit(); err != nil {
			return 1 // non-zero forces rollback
		}
		return 0
	})
	conn.RegisterRollbackHook(s.onRollback)

	return s, nil
}

// SiteID returns this connection's local site identity.
func (s *ConnState) SiteID() SiteID {
	return s.siteID
}

// CommittedDBVersion returns the last db-version observed as committed.
func (s *ConnState) CommittedDBVersion() DBVersion {
	return s.committedDBVersion
}

// CommittedSiteVersion returns the last site-version observed as committed.
func (s *ConnState) CommittedSiteVersion() SiteVersion {
	return s.committedSiteVersion
}

// Close finalizes every cached statement and releases state. Idempotent.
func (s *ConnState) Close() error {
	var firstErr error
	for key, stmt := range s.stmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.stmts, key)
	}
	s.tableInfos.Purge()
	if firstErr != nil {
		return &HostEngineError{Op: "finalize statements on close", Cause: firstErr}
	}
	return nil
}

func (s *ConnState) ensureMetaTables() error {
	ddl := `
CREATE TABLE IF NOT EXISTS crsql_site_id (
	ordinal INTEGER PRIMARY KEY,
	site_id BLOB UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS crsql_tracked_peers (
	site_id BLOB PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS crsql_site_version (
	site_id BLOB PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0
);
`
	if err := s.execDirect(ddl); err != nil {
		return fmt.Errorf("create meta tables: %w", err)
	}
	return s.ensureLocalSiteIDOrdinal()
}

func (s *ConnState) ensureLocalSiteIDOrdinal() error {
	_, err := s.prepared("crsql_insert_site_id_ordinal",
		"INSERT OR IGNORE INTO crsql_site_id(site_id) VALUES (?)")
	if err != nil {
		return err
	}
	return s.execPrepared("crsql_insert_site_id_ordinal", s.siteID[:])
}

// loadTrackedPeers populates lastSiteVersions from crsql_tracked_peers,
// the durable record of the highest site-version accepted from each
// peer. Without this, peer monotonicity bookkeeping would reset to
// empty on every Open, letting a reconnect replay a batch the database
// already applied before it was closed.
func (s *ConnState) loadTrackedPeers() error {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return fmt.Errorf("connection does not implement driver.Queryer")
	}
	rows, err := queryer.Query("SELECT site_id, version FROM crsql_tracked_peers", nil)
	if err != nil {
		return &HostEngineError{Op: "load tracked peers", Cause: err}
	}
	defer rows.Close()

	dest := make([]driver.Value, 2)
	for {
		if err := rows.Next(dest); err != nil {
			break
		}
		var id SiteID
		b, _ := dest[0].([]byte)
		copy(id[:], b)
		s.lastSiteVersions[id] = SiteVersion(toInt64(dest[1]))
	}
	return nil
}

// persistPeerVersion durably records the highest site-version accepted
// from id, so it survives a reconnect or process restart.
func (s *ConnState) persistPeerVersion(id SiteID, v SiteVersion) error {
	if _, err := s.prepared("crsql_upsert_tracked_peer",
		`INSERT INTO crsql_tracked_peers(site_id, version) VALUES (?, ?)
		 ON CONFLICT(site_id) DO UPDATE SET version = excluded.version WHERE excluded.version > crsql_tracked_peers.version`); err != nil {
		return err
	}
	return s.execPrepared("crsql_upsert_tracked_peer", id[:], int64(v))
}

// invalidateSchemaCache drops every cached TableInfo. CreateCRR calls it
// each time it (re)installs a table's capture triggers.
func (s *ConnState) invalidateSchemaCache() {
	s.tableInfos.Purge()
}

// execDirect runs ad-hoc DDL/DML with no bound parameters via the
// driver.Execer interface mattn/go-sqlite3 implements.
func (s *ConnState) execDirect(query string) error {
	execer, ok := interface{}(s.conn).(driver.Execer)
	if !ok {
		return fmt.Errorf("connection does not implement driver.Execer")
	}
	_, err := execer.Exec(query, nil)
	return err
}

// prepared lazily prepares and caches a statement keyed by name,
// resetting (never finalizing) it between uses.
func (s *ConnState) prepared(name, query string) (*sqlite3.SQLiteStmt, error) {
	if stmt, ok := s.stmts[name]; ok {
		return stmt, nil
	}
	stmt, err := s.conn.Prepare(query)
	if err != nil {
		return nil, &HostEngineError{Op: "prepare " + name, Cause: err}
	}
	sqliteStmt := stmt.(*sqlite3.SQLiteStmt)
	s.stmts[name] = sqliteStmt
	return sqliteStmt, nil
}

func (s *ConnState) execPrepared(name string, args ...driver.Value) error {
	stmt, ok := s.stmts[name]
	if !ok {
		return fmt.Errorf("statement %q not prepared", name)
	}
	_, err := stmt.Exec(args)
	if err != nil {
		return &HostEngineError{Op: "exec " + name, Cause: err}
	}
	return nil
}
