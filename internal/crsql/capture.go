package crsql

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// clockUpsertSQL returns the INSERT ... ON CONFLICT statement used to
// write one clock row for table described by info.
func clockUpsertSQL(info *TableInfo) string {
	pkNames := info.pkColumnNames()
	clock := quoteIdent(clockTableName(info.Name))

	cols := append(append([]string{}, pkNames...), "__crsql_cid", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq", "__crsql_cl", "__crsql_site_version")
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	conflictCols := append(append([]string{}, pkNames...), "__crsql_cid")

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET __crsql_col_version=excluded.__crsql_col_version, __crsql_db_version=excluded.__crsql_db_version, __crsql_site_id=excluded.__crsql_site_id, __crsql_seq=excluded.__crsql_seq, __crsql_cl=excluded.__crsql_cl, __crsql_site_version=excluded.__crsql_site_version",
		clock, quoteIdentList(cols), strings.Join(placeholders, ", "), quoteIdentList(conflictCols),
	)
}

func quoteIdentList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}

func pkWhereClause(info *TableInfo) string {
	parts := make([]string, len(info.PKColumns))
	for i, pk := range info.PKColumns {
		parts[i] = quoteIdent(pk.Name) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

func (s *ConnState) clockSelectSentinel(info *TableInfo, pkVals []driver.Value) (colVersion ColumnVersion, cl int64, found bool, err error) {
	name := "clock_select_sentinel:" + info.Name
	query := fmt.Sprintf("SELECT __crsql_col_version, __crsql_cl FROM %s WHERE %s AND __crsql_cid = %d",
		quoteIdent(clockTableName(info.Name)), pkWhereClause(info), SentinelCID)
	if _, err := s.prepared(name, query); err != nil {
		return 0, 0, false, err
	}
	stmt := s.stmts[name]
	rows, execErr := stmt.Query(pkVals)
	if execErr != nil {
		return 0, 0, false, &HostEngineError{Op: "select sentinel clock row", Cause: execErr}
	}
	defer rows.Close()
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		return 0, 0, false, nil
	}
	return ColumnVersion(toInt64(dest[0])), toInt64(dest[1]), true, nil
}

func (s *ConnState) upsertClockRow(info *TableInfo, pkVals []driver.Value, cid int, colVersion ColumnVersion, stampv CausalStamp, cl int64) error {
	name := "clock_upsert:" + info.Name
	if _, err := s.prepared(name, clockUpsertSQL(info)); err != nil {
		return err
	}
	ordinal, err := s.resolveSiteOrdinal(stampv.SiteID)
	if err != nil {
		return err
	}
	args := append([]driver.Value{}, pkVals...)
	args = append(args, int64(cid), int64(colVersion), int64(stampv.DBVersion), ordinal, int64(stampv.Seq), cl, int64(stampv.SiteVersion))
	return s.execPrepared(name, args...)
}

// afterInsert is the insert trigger callback: it ensures clock rows for
// every non-pk column and the sentinel, bumping the sentinel cl to the
// next even number (row becomes live).
func (s *ConnState) afterInsert(table string, pkVals []driver.Value) error {
	info, err := s.loadTableInfo(table)
	if err != nil {
		return err
	}
	if _, err := s.nextDBVersion(); err != nil {
		return err
	}
	if _, err := s.nextSiteVersion(); err != nil {
		return err
	}

	_, prevCL, found, err := s.clockSelectSentinel(info, pkVals)
	if err != nil {
		return err
	}
	nextCL := int64(0)
	if found {
		nextCL = prevCL
		if nextCL%2 != 0 {
			nextCL++
		}
	}
	sentinelStamp := CausalStamp{DBVersion: s.pendingDBVersion, SiteVersion: s.pendingSiteVersion, SiteID: s.siteID, Seq: s.nextSeq()}
	if err := s.upsertClockRow(info, pkVals, SentinelCID, 1, sentinelStamp, nextCL); err != nil {
		return err
	}

	for _, col := range info.NonPKColumns {
		colStamp := CausalStamp{DBVersion: s.pendingDBVersion, SiteVersion: s.pendingSiteVersion, SiteID: s.siteID, Seq: s.nextSeq()}
		if err := s.upsertClockRow(info, pkVals, col.CID, 1, colStamp, nextCL); err != nil {
			return err
		}
	}
	return nil
}

// afterDelete is the delete trigger callback: it bumps the sentinel cl
// to the next odd number (row becomes tombstoned). Per-column clock
// rows are left intact so late-arriving inserts from peers with older
// col-versions lose to the tombstone.
func (s *ConnState) afterDelete(table string, pkVals []driver.Value) error {
	info, err := s.loadTableInfo(table)
	if err != nil {
		return err
	}
	if _, err := s.nextDBVersion(); err != nil {
		return err
	}
	if _, err := s.nextSiteVersion(); err != nil {
		return err
	}

	colVersion, prevCL, found, err := s.clockSelectSentinel(info, pkVals)
	if err != nil {
		return err
	}
	nextCL := int64(1)
	if found {
		nextCL = prevCL
		if nextCL%2 == 0 {
			nextCL++
		}
		colVersion++
	} else {
		colVersion = 1
	}
	stamp := CausalStamp{DBVersion: s.pendingDBVersion, SiteVersion: s.pendingSiteVersion, SiteID: s.siteID, Seq: s.nextSeq()}
	return s.upsertClockRow(info, pkVals, SentinelCID, colVersion, stamp, nextCL)
}

// afterUpdate is the update trigger callback. When the primary key
// changes between pkOld and pkNew, the update is treated as
// delete-of-old plus insert-of-new. changedCols carries a (name, newVal,
// oldVal) triple for every non-pk column; a column whose value did not
// change is skipped unless mergeEqualValues is set.
func (s *ConnState) afterUpdate(table string, pkNew, pkOld []driver.Value, changedCols []changedColumn) error {
	info, err := s.loadTableInfo(table)
	if err != nil {
		return err
	}

	if !pkEqual(pkNew, pkOld) {
		if err := s.afterDelete(table, pkOld); err != nil {
			return err
		}
		return s.afterInsert(table, pkNew)
	}

	if len(changedCols) == 0 {
		return nil
	}

	if _, err := s.nextDBVersion(); err != nil {
		return err
	}
	if _, err := s.nextSiteVersion(); err != nil {
		return err
	}

	_, cl, found, err := s.clockSelectSentinel(info, pkNew)
	if err != nil {
		return err
	}
	if !found {
		cl = 0
	}

	for _, cc := range changedCols {
		if !s.mergeEqualValues && valuesEqual(cc.newVal, cc.oldVal) {
			continue
		}
		cid := -1
		for _, col := range info.NonPKColumns {
			if col.Name == cc.name {
				cid = col.CID
				break
			}
		}
		if cid == -1 {
			continue
		}
		prevVersion, _, colFound, err := s.clockSelectColumn(info, pkNew, cid)
		if err != nil {
			return err
		}
		next := ColumnVersion(1)
		if colFound {
			next = prevVersion + 1
		}
		stamp := CausalStamp{DBVersion: s.pendingDBVersion, SiteVersion: s.pendingSiteVersion, SiteID: s.siteID, Seq: s.nextSeq()}
		if err := s.upsertClockRow(info, pkNew, cid, next, stamp, cl); err != nil {
			return err
		}
	}
	return nil
}

func (s *ConnState) clockSelectColumn(info *TableInfo, pkVals []driver.Value, cid int) (ColumnVersion, int64, bool, error) {
	name := fmt.Sprintf("clock_select_col:%s:%d", info.Name, cid)
	query := fmt.Sprintf("SELECT __crsql_col_version, __crsql_cl FROM %s WHERE %s AND __crsql_cid = %d",
		quoteIdent(clockTableName(info.Name)), pkWhereClause(info), cid)
	if _, err := s.prepared(name, query); err != nil {
		return 0, 0, false, err
	}
	stmt := s.stmts[name]
	rows, execErr := stmt.Query(pkVals)
	if execErr != nil {
		return 0, 0, false, &HostEngineError{Op: "select column clock row", Cause: execErr}
	}
	defer rows.Close()
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		return 0, 0, false, nil
	}
	return ColumnVersion(toInt64(dest[0])), toInt64(dest[1]), true, nil
}

type changedColumn struct {
	name   string
	newVal driver.Value
	oldVal driver.Value
}

func pkEqual(a, b []driver.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b driver.Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok && bok {
		return string(ab) == string(bb)
	}
	return a == b
}
