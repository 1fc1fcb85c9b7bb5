package crsql

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// ColumnInfo is one reflected column of a user table.
type ColumnInfo struct {
	Name string
	CID  int
}

// TableInfo is the reflected schema of a user table: primary-key
// columns, non-pk columns, and their column ids.
type TableInfo struct {
	Name          string
	PKColumns     []ColumnInfo
	NonPKColumns  []ColumnInfo
	SchemaVersion int
}

// pkColumnNames returns the pk column names in declared order.
func (t *TableInfo) pkColumnNames() []string {
	names := make([]string, len(t.PKColumns))
	for i, c := range t.PKColumns {
		names[i] = c.Name
	}
	return names
}

func (t *TableInfo) pkSetEqual(other *TableInfo) bool {
	if len(t.PKColumns) != len(other.PKColumns) {
		return false
	}
	for i := range t.PKColumns {
		if t.PKColumns[i].Name != other.PKColumns[i].Name {
			return false
		}
	}
	return true
}

// clockTableName returns the companion clock table name T__crsql_clock.
func clockTableName(table string) string {
	return table + "__crsql_clock"
}

// loadTableInfo reflects table via PRAGMA table_info,
// caching the result keyed by schema version so repeated mutations on an
// unchanged schema skip reflection entirely.
func (s *ConnState) loadTableInfo(table string) (*TableInfo, error) {
	schemaVersion, err := s.readIntPragma("schema_version")
	if err != nil {
		return nil, err
	}

	if cached, ok := s.tableInfos.Get(table); ok && cached.SchemaVersion == schemaVersion {
		return cached, nil
	}

	cols, err := s.reflectColumns(table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &SchemaError{Table: table, Reason: "table does not exist or has no columns"}
	}

	info := &TableInfo{Name: table, SchemaVersion: schemaVersion}
	for _, c := range cols {
		if c.isPK {
			info.PKColumns = append(info.PKColumns, ColumnInfo{Name: c.name, CID: c.cid})
		} else {
			info.NonPKColumns = append(info.NonPKColumns, ColumnInfo{Name: c.name, CID: c.cid})
		}
	}

	s.tableInfos.Add(table, info)
	return info, nil
}

type reflectedColumn struct {
	cid      int
	name     string
	ctype    string
	notNull  bool
	dflt     *string
	isPK     bool
}

func (s *ConnState) reflectColumns(table string) ([]reflectedColumn, error) {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return nil, fmt.Errorf("connection does not implement driver.Queryer")
	}

	rows, err := queryer.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)), nil)
	if err != nil {
		return nil, &HostEngineError{Op: "pragma_table_info", Cause: err}
	}
	defer rows.Close()

	var out []reflectedColumn
	dest := make([]driver.Value, len(rows.Columns()))
	for {
		if err := rows.Next(dest); err != nil {
			break
		}
		c := reflectedColumn{
			cid:  int(toInt64(dest[0])),
			name: toString(dest[1]),
			ctype: toString(dest[2]),
		}
		c.notNull = toInt64(dest[3]) != 0
		if dest[4] != nil {
			d := toString(dest[4])
			c.dflt = &d
		}
		c.isPK = toInt64(dest[5]) != 0
		out = append(out, c)
	}
	return out, nil
}

// checkCompatibility enforces CRR-eligibility: at least one pk column;
// no AUTOINCREMENT pk; every column nullable or defaulted (merge must
// be able to insert a row knowing only some columns); no check or
// foreign-key constraints that would reject merged rows.
func (s *ConnState) checkCompatibility(table string, cols []reflectedColumn) error {
	hasPK := false
	for _, c := range cols {
		if c.isPK {
			hasPK = true
		}
		if !c.isPK && c.notNull && c.dflt == nil {
			return &SchemaError{Table: table, Reason: fmt.Sprintf("column %q is NOT NULL with no default; merge could not insert a row knowing only some columns", c.name)}
		}
	}
	if !hasPK {
		return &SchemaError{Table: table, Reason: "table has no primary key column"}
	}

	createSQL, err := s.tableCreateSQL(table)
	if err != nil {
		return err
	}
	upper := strings.ToUpper(createSQL)
	if strings.Contains(upper, "AUTOINCREMENT") {
		return &SchemaError{Table: table, Reason: "AUTOINCREMENT primary keys are not CRR-eligible"}
	}
	if strings.Contains(upper, "CHECK") {
		return &SchemaError{Table: table, Reason: "CHECK constraints may reject merged rows and are not CRR-eligible"}
	}
	if strings.Contains(upper, "REFERENCES") {
		return &SchemaError{Table: table, Reason: "foreign-key constraints may reject merged rows and are not CRR-eligible"}
	}
	return nil
}

func (s *ConnState) tableCreateSQL(table string) (string, error) {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return "", fmt.Errorf("connection does not implement driver.Queryer")
	}
	rows, err := queryer.Query("SELECT sql FROM sqlite_master WHERE type='table' AND name = ?", []driver.Value{table})
	if err != nil {
		return "", &HostEngineError{Op: "read sqlite_master", Cause: err}
	}
	defer rows.Close()
	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return "", &SchemaError{Table: table, Reason: "table not found in sqlite_master"}
	}
	return toString(dest[0]), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func toInt64(v driver.Value) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v driver.Value) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
