package crsql

import (
	"database/sql/driver"
	"fmt"
)

// nextDBVersion returns the db-version to stamp the change currently
// being captured with. The committed value is re-read from storage only
// when PRAGMA data_version indicates
// the database may have changed out from under this connection; a
// pending value, once staged, is reused for the rest of the transaction.
func (s *ConnState) nextDBVersion() (DBVersion, error) {
	if s.pendingDBVersion != -1 {
		return s.pendingDBVersion, nil
	}
	if err := s.refreshCommittedDBVersionIfStale(); err != nil {
		return 0, err
	}
	s.pendingDBVersion = s.committedDBVersion + 1
	return s.pendingDBVersion, nil
}

func (s *ConnState) refreshCommittedDBVersionIfStale() error {
	dv, err := s.readIntPragma("data_version")
	if err != nil {
		return err
	}
	if s.dbVersionLoaded && dv == s.lastDataVersion {
		return nil
	}
	s.lastDataVersion = dv

	v, err := s.queryScalarInt("SELECT COALESCE(MAX(version), 0) FROM crsql_site_version WHERE site_id = ?", s.siteID[:])
	if err != nil {
		return err
	}
	s.committedDBVersion = DBVersion(v)
	s.dbVersionLoaded = true
	return nil
}

// nextSiteVersion is analogous to nextDBVersion, but inserts the
// (site-id, next-value) row into the site-version table on first use of
// the transaction, guarded by nextSiteVersionSet to avoid duplicate
// inserts.
func (s *ConnState) nextSiteVersion() (SiteVersion, error) {
	if s.pendingSiteVersion != -1 {
		return s.pendingSiteVersion, nil
	}
	if !s.siteVersionLoaded {
		v, err := s.queryScalarInt("SELECT COALESCE(version, 0) FROM crsql_site_version WHERE site_id = ?", s.siteID[:])
		if err != nil {
			return 0, err
		}
		s.committedSiteVersion = SiteVersion(v)
		s.siteVersionLoaded = true
	}
	s.pendingSiteVersion = s.committedSiteVersion + 1

	if !s.nextSiteVersionSet {
		if _, err := s.prepared("crsql_upsert_site_version",
			`INSERT INTO crsql_site_version(site_id, version) VALUES (?, ?)
			 ON CONFLICT(site_id) DO UPDATE SET version = excluded.version`); err != nil {
			return 0, err
		}
		if err := s.execPrepared("crsql_upsert_site_version", s.siteID[:], int64(s.pendingSiteVersion)); err != nil {
			return 0, err
		}
		s.nextSiteVersionSet = true
	}
	return s.pendingSiteVersion, nil
}

// nextSeq returns the current seq then increments it.
func (s *ConnState) nextSeq() Seq {
	cur := s.seq
	s.seq++
	return cur
}

// stamp returns the CausalStamp to attach to the change currently being
// captured, advancing db-version, site-version and seq as needed.
func (s *ConnState) stamp() (CausalStamp, error) {
	dbv, err := s.nextDBVersion()
	if err != nil {
		return CausalStamp{}, err
	}
	sv, err := s.nextSiteVersion()
	if err != nil {
		return CausalStamp{}, err
	}
	return CausalStamp{
		DBVersion:   dbv,
		SiteVersion: sv,
		SiteID:      s.siteID,
		Seq:         s.nextSeq(),
	}, nil
}

// onCommit promotes pending counters to committed. This happens only
// here, in the commit hook SQLite runs as the transaction commits; a
// non-nil error makes the hook turn the commit into a rollback.
func (s *ConnState) onCommit() error {
	if s.pendingDBVersion != -1 {
		s.committedDBVersion = s.pendingDBVersion
		s.dbVersionLoaded = true
	}
	if s.pendingSiteVersion != -1 {
		s.committedSiteVersion = s.pendingSiteVersion
		s.siteVersionLoaded = true
	}
	s.resetTxState()
	return nil
}

// onRollback performs the same resets as onCommit, without promotion.
func (s *ConnState) onRollback() {
	s.resetTxState()
}

func (s *ConnState) resetTxState() {
	s.pendingDBVersion = -1
	s.pendingSiteVersion = -1
	s.seq = 0
	s.nextSiteVersionSet = false
	s.updatedTableInfosThisTx = make(map[string]bool)
}

func (s *ConnState) readIntPragma(name string) (int, error) {
	return s.queryScalarInt(fmt.Sprintf("PRAGMA %s", name))
}

// queryScalarInt runs a single-row, single-column query directly against
// the connection, bypassing the statement cache (used for pragmas and
// small lookups that are not on the capture hot path).
func (s *ConnState) queryScalarInt(query string, args ...driver.Value) (int, error) {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return 0, fmt.Errorf("connection does not implement driver.Queryer")
	}
	rows, err := queryer.Query(query, args)
	if err != nil {
		return 0, &HostEngineError{Op: "query " + query, Cause: err}
	}
	defer rows.Close()

	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return 0, nil
	}
	switch v := dest[0].(type) {
	case int64:
		return int(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected pragma/scalar type %T", v)
	}
}
