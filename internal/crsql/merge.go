package crsql

import (
	"database/sql/driver"
	"strings"
)

// MergeStats summarizes the outcome of a Merge call, for logging and
// metrics. Version-comparison drops are not errors, just counted here.
type MergeStats struct {
	Accepted int
	Dropped  int
	Resurrected int
}

// Merge accepts peer change records, compares versions, writes winners
// into the user table and clock table, and updates the
// last-seen-site-version map. Capture triggers are suppressed for the
// duration via the sync bit, since writing the merge winner into the
// user table would otherwise re-enter capture as a local write.
func Merge(s *ConnState, records []ChangeRecord) error {
	_, err := MergeWithStats(s, records)
	return err
}

// MergeWithStats is Merge with accept/drop/resurrect counts returned for
// callers that want to log or export metrics (wired by cmd/crsqlctl and
// internal/metrics).
func MergeWithStats(s *ConnState, records []ChangeRecord) (MergeStats, error) {
	var stats MergeStats
	for _, r := range records {
		accepted, resurrected, err := s.applyOne(r)
		if err != nil {
			return stats, err
		}
		if accepted {
			stats.Accepted++
			if resurrected {
				stats.Resurrected++
			}
		} else {
			stats.Dropped++
		}
	}
	return stats, nil
}

// applyOne applies a single change record: idempotent-replay check,
// LWW comparison, then the user-table and clock-table write.
func (s *ConnState) applyOne(r ChangeRecord) (accepted bool, resurrected bool, err error) {
	info, err := s.loadTableInfo(r.Table)
	if err != nil {
		return false, false, err
	}

	pkParts, err := decodePK(r.PK, len(info.PKColumns))
	if err != nil {
		return false, false, err
	}
	pkVals := make([]driver.Value, len(pkParts))
	for i, p := range pkParts {
		pkVals[i] = []byte(p)
	}

	// Site-version monotonicity / idempotent-replay short circuit.
	lastSeen := s.lastSiteVersions[r.SiteID]
	if r.SiteVersion <= lastSeen {
		existingVersion, _, found, err := s.clockSelectColumnOrSentinel(info, pkVals, r.CID)
		if err != nil {
			return false, false, err
		}
		if found && existingVersion >= r.ColVersion {
			return false, false, nil
		}
	}

	// Compare against the existing clock row by descending priority
	// (col_version, site_id bytewise).
	existingVersion, existingSiteID, found, err := s.clockSelectColumnOrSentinelWithSite(info, pkVals, r.CID)
	if err != nil {
		return false, false, err
	}
	if found {
		if !lwwWins(r.ColVersion, r.SiteID, existingVersion, existingSiteID) {
			if err := s.bumpLastSiteVersion(r.SiteID, r.SiteVersion); err != nil {
				return false, false, err
			}
			return false, false, nil
		}
	}

	// A cell change that does not out-version the row's tombstone loses
	// to it.
	if r.CID != SentinelCID {
		tombVersion, sentinelCL, sentinelFound, err := s.clockSelectSentinel(info, pkVals)
		if err != nil {
			return false, false, err
		}
		if sentinelFound && sentinelCL%2 != 0 && r.ColVersion <= tombVersion {
			if err := s.bumpLastSiteVersion(r.SiteID, r.SiteVersion); err != nil {
				return false, false, err
			}
			return false, false, nil
		}
	}

	release := s.sync.acquire()
	defer release()

	if r.CID == SentinelCID {
		resurrected, err = s.applySentinelChange(info, pkVals, r)
	} else {
		resurrected, err = s.applyCellChange(info, pkVals, r)
	}
	if err != nil {
		return false, false, err
	}

	stamp := CausalStamp{DBVersion: r.DBVersion, SiteVersion: r.SiteVersion, SiteID: r.SiteID, Seq: r.Seq}
	if err := s.upsertClockRow(info, pkVals, r.CID, r.ColVersion, stamp, r.CL); err != nil {
		return false, false, err
	}

	if err := s.bumpLastSiteVersion(r.SiteID, r.SiteVersion); err != nil {
		return false, false, err
	}
	return true, resurrected, nil
}

// lwwWins reports whether the incoming key is greater than the stored
// key under (col_version, site_id) descending priority.
func lwwWins(incomingVersion ColumnVersion, incomingSite SiteID, existingVersion ColumnVersion, existingSite SiteID) bool {
	if incomingVersion != existingVersion {
		return incomingVersion > existingVersion
	}
	return incomingSite.Compare(existingSite) > 0
}

func (s *ConnState) clockSelectColumnOrSentinel(info *TableInfo, pkVals []driver.Value, cid int) (ColumnVersion, int64, bool, error) {
	if cid == SentinelCID {
		return s.clockSelectSentinel(info, pkVals)
	}
	return s.clockSelectColumn(info, pkVals, cid)
}

func (s *ConnState) clockSelectColumnOrSentinelWithSite(info *TableInfo, pkVals []driver.Value, cid int) (ColumnVersion, SiteID, bool, error) {
	version, _, found, err := s.clockSelectColumnOrSentinel(info, pkVals, cid)
	if err != nil || !found {
		return 0, SiteID{}, found, err
	}
	ordinal, err := s.clockSelectSiteOrdinal(info, pkVals, cid)
	if err != nil {
		return 0, SiteID{}, false, err
	}
	siteID, err := s.resolveSiteIDByOrdinal(ordinal)
	if err != nil {
		return 0, SiteID{}, false, err
	}
	return version, siteID, true, nil
}

func (s *ConnState) clockSelectSiteOrdinal(info *TableInfo, pkVals []driver.Value, cid int) (int64, error) {
	name := "clock_select_site_ordinal"
	query := "SELECT __crsql_site_id FROM " + quoteIdent(clockTableName(info.Name)) + " WHERE " + pkWhereClause(info) + " AND __crsql_cid = ?"
	if _, err := s.prepared(name+info.Name, query); err != nil {
		return 0, err
	}
	stmt := s.stmts[name+info.Name]
	args := append(append([]driver.Value{}, pkVals...), int64(cid))
	rows, err := stmt.Query(args)
	if err != nil {
		return 0, &HostEngineError{Op: "select clock row site ordinal", Cause: err}
	}
	defer rows.Close()
	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return 0, nil
	}
	return toInt64(dest[0]), nil
}

// applySentinelChange creates or tombstones the user-table row based on
// r.CL's parity, reporting whether this revives a previously
// tombstoned row.
func (s *ConnState) applySentinelChange(info *TableInfo, pkVals []driver.Value, r ChangeRecord) (resurrected bool, err error) {
	isLive := r.CL%2 == 0
	_, prevCL, prevFound, err := s.clockSelectSentinel(info, pkVals)
	if err != nil {
		return false, err
	}
	rowExists, err := s.userRowExists(info, pkVals)
	if err != nil {
		return false, err
	}
	if isLive && !rowExists {
		if err := s.insertBarePKRow(info, pkVals); err != nil {
			return false, err
		}
		resurrected = prevFound && prevCL%2 != 0
	} else if !isLive && rowExists {
		if err := s.deleteUserRow(info, pkVals); err != nil {
			return false, err
		}
	}
	return resurrected, nil
}

// applyCellChange applies a non-sentinel cell change. A tombstoned row
// whose incoming cell change out-versions the tombstone is resurrected
// by bumping cl to the next even number.
func (s *ConnState) applyCellChange(info *TableInfo, pkVals []driver.Value, r ChangeRecord) (resurrected bool, err error) {
	_, sentinelCL, sentinelFound, err := s.clockSelectSentinel(info, pkVals)
	if err != nil {
		return false, err
	}

	colName := ""
	for _, c := range info.NonPKColumns {
		if c.CID == r.CID {
			colName = c.Name
			break
		}
	}
	if colName == "" {
		return false, &StructuralError{Reason: "unknown column id in change record"}
	}

	rowExists, err := s.userRowExists(info, pkVals)
	if err != nil {
		return false, err
	}

	if sentinelFound && sentinelCL%2 != 0 {
		nextCL := sentinelCL + 1
		sentinelStamp := CausalStamp{DBVersion: r.DBVersion, SiteVersion: r.SiteVersion, SiteID: r.SiteID, Seq: r.Seq}
		if err := s.upsertClockRow(info, pkVals, SentinelCID, 0, sentinelStamp, nextCL); err != nil {
			return false, err
		}
		resurrected = true
		rowExists = false
	}

	if !rowExists {
		if err := s.insertBarePKRow(info, pkVals); err != nil {
			return false, err
		}
	}
	if err := s.setCellValue(info, pkVals, colName, r.Value); err != nil {
		return false, err
	}
	return resurrected, nil
}

func (s *ConnState) userRowExists(info *TableInfo, pkVals []driver.Value) (bool, error) {
	q := "SELECT 1 FROM " + quoteIdent(info.Name) + " WHERE " + pkWhereClause(info)
	name := "user_row_exists:" + info.Name
	if _, err := s.prepared(name, q); err != nil {
		return false, err
	}
	stmt := s.stmts[name]
	rows, err := stmt.Query(pkVals)
	if err != nil {
		return false, &HostEngineError{Op: "check user row existence", Cause: err}
	}
	defer rows.Close()
	dest := make([]driver.Value, 1)
	return rows.Next(dest) == nil, nil
}

func (s *ConnState) insertBarePKRow(info *TableInfo, pkVals []driver.Value) error {
	pkNames := info.pkColumnNames()
	placeholders := make([]string, len(pkNames))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	q := "INSERT OR IGNORE INTO " + quoteIdent(info.Name) + " (" + quoteIdentList(pkNames) + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	name := "insert_bare_pk:" + info.Name
	if _, err := s.prepared(name, q); err != nil {
		return err
	}
	return s.execPrepared(name, pkVals...)
}

func (s *ConnState) deleteUserRow(info *TableInfo, pkVals []driver.Value) error {
	q := "DELETE FROM " + quoteIdent(info.Name) + " WHERE " + pkWhereClause(info)
	name := "delete_user_row:" + info.Name
	if _, err := s.prepared(name, q); err != nil {
		return err
	}
	return s.execPrepared(name, pkVals...)
}

func (s *ConnState) setCellValue(info *TableInfo, pkVals []driver.Value, colName string, value any) error {
	q := "UPDATE " + quoteIdent(info.Name) + " SET " + quoteIdent(colName) + " = ? WHERE " + pkWhereClause(info)
	name := "set_cell:" + info.Name + ":" + colName
	if _, err := s.prepared(name, q); err != nil {
		return err
	}
	args := append([]driver.Value{driver.Value(value)}, pkVals...)
	return s.execPrepared(name, args...)
}

// bumpLastSiteVersion advances the in-memory and durable high-water
// mark for a peer's site-version. last_site_versions[peer] never
// decreases: a no-op if v does not exceed what is already recorded.
func (s *ConnState) bumpLastSiteVersion(id SiteID, v SiteVersion) error {
	if v > s.lastSiteVersions[id] {
		s.lastSiteVersions[id] = v
		return s.persistPeerVersion(id, v)
	}
	return nil
}
