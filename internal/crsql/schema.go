package crsql

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// buildClockTableDDL renders the shadow clock table for table T:
// `(pk1, …, pkN, __crsql_cid, __crsql_col_version, __crsql_db_version,
// __crsql_site_id, __crsql_seq, __crsql_cl, __crsql_site_version)` with
// a primary key on `(pk…, __crsql_cid)`.
func buildClockTableDDL(info *TableInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(clockTableName(info.Name)))
	for _, pk := range info.PKColumns {
		fmt.Fprintf(&b, "\t%s,\n", quoteIdent(pk.Name))
	}
	b.WriteString("\t__crsql_cid INTEGER NOT NULL,\n")
	b.WriteString("\t__crsql_col_version INTEGER NOT NULL,\n")
	b.WriteString("\t__crsql_db_version INTEGER NOT NULL,\n")
	b.WriteString("\t__crsql_site_id INTEGER NOT NULL,\n")
	b.WriteString("\t__crsql_seq INTEGER NOT NULL,\n")
	b.WriteString("\t__crsql_cl INTEGER NOT NULL,\n")
	b.WriteString("\t__crsql_site_version INTEGER NOT NULL,\n")
	b.WriteString("\tPRIMARY KEY (")
	for i, pk := range info.PKColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(pk.Name))
	}
	b.WriteString(", __crsql_cid)\n)")
	return b.String()
}

func (s *ConnState) createClockTable(info *TableInfo) error {
	return s.execDirect(buildClockTableDDL(info))
}

// resolveSiteOrdinal interns a SiteID into the small-integer ordinal
// space used by clock rows. Returns the ordinal, inserting if not
// already present.
func (s *ConnState) resolveSiteOrdinal(id SiteID) (int64, error) {
	if _, err := s.prepared("crsql_insert_site_id_ordinal2",
		"INSERT OR IGNORE INTO crsql_site_id(site_id) VALUES (?)"); err != nil {
		return 0, err
	}
	if err := s.execPrepared("crsql_insert_site_id_ordinal2", id[:]); err != nil {
		return 0, err
	}
	v, err := s.queryScalarInt("SELECT ordinal FROM crsql_site_id WHERE site_id = ?", id[:])
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func (s *ConnState) resolveSiteIDByOrdinal(ordinal int64) (SiteID, error) {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return SiteID{}, fmt.Errorf("connection does not implement driver.Queryer")
	}
	rows, err := queryer.Query("SELECT site_id FROM crsql_site_id WHERE ordinal = ?", []driver.Value{ordinal})
	if err != nil {
		return SiteID{}, &HostEngineError{Op: "resolve site id by ordinal", Cause: err}
	}
	defer rows.Close()

	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return SiteID{}, &StructuralError{Reason: fmt.Sprintf("no site_id registered for ordinal %d", ordinal)}
	}
	var id SiteID
	b, _ := dest[0].([]byte)
	copy(id[:], b)
	return id, nil
}
