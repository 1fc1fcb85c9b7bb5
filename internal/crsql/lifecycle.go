package crsql

import (
	"database/sql/driver"
	"fmt"
)

// createCRRSavepoint names the savepoint CreateCRR opens around its own
// seven steps when noTx is false. A fixed name is fine: CreateCRR never
// recurses or runs concurrently with itself on one connection.
const createCRRSavepoint = "crsql_create_crr"

// CreateCRR idempotently converts table into a conflict-free
// replicated relation: it reflects the schema, creates or validates the
// companion clock table, (re)installs capture triggers, and backfills
// any existing rows. These steps must either run entirely under a
// host-engine transaction or be invoked with noTx = true when already
// inside one; when noTx is false, CreateCRR opens its own SAVEPOINT so a
// mid-sequence failure (for example the clock table is created but
// trigger recreation fails) leaves neither the clock table nor the
// triggers behind.
func CreateCRR(s *ConnState, table string, noTx bool) (err error) {
	if !noTx {
		if err := s.execDirect("SAVEPOINT " + createCRRSavepoint); err != nil {
			return fmt.Errorf("begin savepoint: %w", err)
		}
		defer func() {
			if err != nil {
				_ = s.execDirect("ROLLBACK TO " + createCRRSavepoint)
				_ = s.execDirect("RELEASE " + createCRRSavepoint)
				s.onRollback()
				return
			}
			err = s.execDirect("RELEASE " + createCRRSavepoint)
		}()
	}

	cols, err := s.reflectColumns(table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return &SchemaError{Table: table, Reason: "table does not exist"}
	}
	if err := s.checkCompatibility(table, cols); err != nil {
		return err
	}

	newInfo := &TableInfo{Name: table}
	for _, c := range cols {
		if c.isPK {
			newInfo.PKColumns = append(newInfo.PKColumns, ColumnInfo{Name: c.name, CID: c.cid})
		} else {
			newInfo.NonPKColumns = append(newInfo.NonPKColumns, ColumnInfo{Name: c.name, CID: c.cid})
		}
	}

	exists, err := s.clockTableExists(table)
	if err != nil {
		return err
	}

	if !exists {
		if err := s.createClockTable(newInfo); err != nil {
			return fmt.Errorf("create clock table: %w", err)
		}
	} else {
		oldPK, err := s.clockTablePKColumns(table)
		if err != nil {
			return err
		}
		if !stringSlicesEqual(oldPK, newInfo.pkColumnNames()) {
			return &SchemaError{
				Table:  table,
				Reason: "primary key set changed; DROP and recreate the CRR explicitly instead of converting in place",
			}
		}
		if err := s.dropTriggersOnly(table); err != nil {
			return err
		}
	}

	if err := s.recreateTriggers(newInfo); err != nil {
		return fmt.Errorf("recreate triggers: %w", err)
	}

	s.invalidateSchemaCache()
	s.tableInfos.Add(table, newInfo)

	return s.backfill(newInfo)
}

func (s *ConnState) dropTriggersOnly(table string) error {
	for _, suffix := range []string{"itrig", "utrig", "dtrig"} {
		if err := s.execDirect(dropTriggerDDL(table, suffix)); err != nil {
			return fmt.Errorf("drop trigger %s: %w", suffix, err)
		}
	}
	return nil
}

func (s *ConnState) clockTableExists(table string) (bool, error) {
	v, err := s.queryScalarInt("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?", clockTableName(table))
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

// clockTablePKColumns derives the pk column set an existing clock table
// was built with: every column that is not one of the seven fixed
// __crsql_* bookkeeping columns.
func (s *ConnState) clockTablePKColumns(table string) ([]string, error) {
	cols, err := s.reflectColumns(clockTableName(table))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, c := range cols {
		switch c.name {
		case "__crsql_cid", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq", "__crsql_cl", "__crsql_site_version":
			continue
		}
		names = append(names, c.name)
	}
	return names, nil
}

// backfill synthesizes insert-like clock rows, with col_version=1, the
// current next_db_version(), local site id, and a seq counter, for
// every row currently in the user table not yet represented in the
// clock table.
func (s *ConnState) backfill(info *TableInfo) error {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return fmt.Errorf("connection does not implement driver.Queryer")
	}

	pkSelectCols := quoteIdentList(info.pkColumnNames())
	rows, err := queryer.Query(fmt.Sprintf("SELECT %s FROM %s", pkSelectCols, quoteIdent(info.Name)), nil)
	if err != nil {
		return &HostEngineError{Op: "scan user table for backfill", Cause: err}
	}
	defer rows.Close()

	dest := make([]driver.Value, len(info.PKColumns))
	var pending [][]driver.Value
	for {
		if err := rows.Next(dest); err != nil {
			break
		}
		row := make([]driver.Value, len(dest))
		copy(row, dest)
		pending = append(pending, row)
	}

	for _, pk := range pending {
		_, _, found, err := s.clockSelectSentinel(info, pk)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if _, err := s.nextDBVersion(); err != nil {
			return err
		}
		if _, err := s.nextSiteVersion(); err != nil {
			return err
		}
		sentinelStamp := CausalStamp{DBVersion: s.pendingDBVersion, SiteVersion: s.pendingSiteVersion, SiteID: s.siteID, Seq: s.nextSeq()}
		if err := s.upsertClockRow(info, pk, SentinelCID, 1, sentinelStamp, 0); err != nil {
			return err
		}
		for _, col := range info.NonPKColumns {
			colStamp := CausalStamp{DBVersion: s.pendingDBVersion, SiteVersion: s.pendingSiteVersion, SiteID: s.siteID, Seq: s.nextSeq()}
			if err := s.upsertClockRow(info, pk, col.CID, 1, colStamp, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// BeginAlter drops the capture triggers of table so a subsequent
// ALTER TABLE on the host schema does not trip over trigger bodies that
// reference soon-to-be-stale columns.
func BeginAlter(s *ConnState, table string) error {
	exists, err := s.clockTableExists(table)
	if err != nil {
		return err
	}
	if !exists {
		return &SchemaError{Table: table, Reason: "not a CRR"}
	}
	return s.dropTriggersOnly(table)
}

// CommitAlter re-runs CreateCRR against the post-ALTER schema, which
// recreates triggers and keeps existing clock rows when the primary key
// set is unchanged. Backfill only covers rows not yet in the clock
// table; rows already tracked get no clock rows for newly added columns.
func CommitAlter(s *ConnState, table string) error {
	return CreateCRR(s, table, true)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
