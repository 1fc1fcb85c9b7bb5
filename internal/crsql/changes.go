package crsql

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// changesModule implements the crsql_changes virtual table, both the
// read side (a scan over every clock table) and the write side (INSERT
// driving Merge). It is registered as an eponymous-only module
// (EponymousOnlyModule), so `SELECT * FROM crsql_changes` works with no
// prior `CREATE VIRTUAL TABLE` statement; Connect binds the schema.
type changesModule struct {
	state *ConnState
}

// EponymousOnlyModule marks changesModule as eponymous-only for
// mattn/go-sqlite3's CreateModule.
func (m *changesModule) EponymousOnlyModule() {}

const changesSchema = `CREATE TABLE x (
	tbl TEXT,
	pk BLOB,
	cid INTEGER,
	val BLOB,
	col_version INTEGER,
	db_version INTEGER,
	site_id BLOB,
	cl INTEGER,
	seq INTEGER,
	site_version INTEGER
)`

func (m *changesModule) Create(c *sqlite3.SQLiteConn, args []string) (sqlite3.VTab, error) {
	if err := c.DeclareVTab(changesSchema); err != nil {
		return nil, err
	}
	return &changesTable{state: m.state}, nil
}

func (m *changesModule) Connect(c *sqlite3.SQLiteConn, args []string) (sqlite3.VTab, error) {
	return m.Create(c, args)
}

// changesTable is the VTab side; it also implements the writable-vtab
// Insert contract so `INSERT INTO crsql_changes VALUES (...)` drives
// Merge.
type changesTable struct {
	state *ConnState
}

func (t *changesTable) Open() (sqlite3.VTabCursor, error) {
	return &changesCursor{table: t}, nil
}

// comparisonOps are the constraint operators Filter actually knows how
// to apply. BestIndex only claims Used for a constraint whose op is in
// this set; every other op (LIKE, MATCH, ...) is left unclaimed so
// SQLite re-checks it itself against the unfiltered row.
var comparisonOps = map[uint8]string{
	sqlite3.OpEQ: "=",
	sqlite3.OpGT: ">",
	sqlite3.OpGE: ">=",
	sqlite3.OpLT: "<",
	sqlite3.OpLE: "<=",
}

// BestIndex reports that equality/range filters on db_version and
// site_version, and equality on site_id, are usable, letting Filter
// push them into the per-table clock scan instead of returning every
// row. Only constraints in comparisonOps are claimed; anything else is
// left for SQLite to re-check. changesFilter holds one predicate per
// column, so only the first usable constraint on each column is claimed;
// SQLite re-checks any further ones on the same column.
func (t *changesTable) BestIndex(cst []sqlite3.InfoConstraint, ob []sqlite3.InfoOrderBy) (*sqlite3.IndexResult, error) {
	used := make([]bool, len(cst))
	claimed := make(map[int]bool)
	var idxParts []string
	for i, c := range cst {
		if !c.Usable || claimed[c.Column] {
			continue
		}
		switch c.Column {
		case colDBVersion, colSiteVersion:
			if _, ok := comparisonOps[uint8(c.Op)]; !ok {
				continue
			}
			used[i] = true
			claimed[c.Column] = true
			idxParts = append(idxParts, fmt.Sprintf("%d:%d", c.Column, c.Op))
		case colSiteID:
			// Filter only implements equality for site_id; any other op
			// is left unclaimed for SQLite to re-check.
			if c.Op != sqlite3.OpEQ {
				continue
			}
			used[i] = true
			claimed[c.Column] = true
			idxParts = append(idxParts, fmt.Sprintf("%d:%d", c.Column, c.Op))
		}
	}
	return &sqlite3.IndexResult{
		Used:           used,
		IdxNum:         0,
		IdxStr:         strings.Join(idxParts, ","),
		AlreadyOrdered: true,
		EstimatedCost:  1000,
		EstimatedRows:  1000,
	}, nil
}

func (t *changesTable) Disconnect() error { return nil }
func (t *changesTable) Destroy() error    { return nil }

// Insert feeds one incoming row of `INSERT INTO crsql_changes VALUES
// (...)` into Merge.
func (t *changesTable) Insert(_ interface{}, vals []interface{}) (int64, error) {
	rec, err := changeRecordFromRow(vals)
	if err != nil {
		return 0, err
	}
	if err := Merge(t.state, []ChangeRecord{rec}); err != nil {
		return 0, err
	}
	return 0, nil
}

func (t *changesTable) Update(oldVal interface{}, vals []interface{}) error {
	return &SchemaError{Table: "crsql_changes", Reason: "updates are not supported; insert a new change record instead"}
}

func (t *changesTable) Delete(val interface{}) error {
	return &SchemaError{Table: "crsql_changes", Reason: "deletes are not supported"}
}

const (
	colTable = iota
	colPK
	colCID
	colVal
	colColVersion
	colDBVersion
	colSiteID
	colCL
	colSeq
	colSiteVersion
)

// changesRow is the internal representation of one emitted change,
// carrying whether the site id should be blanked for self-authored rows.
type changesRow struct {
	rec      ChangeRecord
	isLocal  bool
}

type changesCursor struct {
	table *changesTable
	rows  []changesRow
	pos   int
}

// rangePredicate is one db_version/site_version comparison Filter pushes
// into the per-table clock-table scan.
type rangePredicate struct {
	sqlOp string
	value int64
}

// changesFilter carries the constraints BestIndex claimed as Used,
// decoded back out of idxStr/vals. site_id is applied in Go once each
// row's real site id is resolved, since resolving an unknown site id
// would otherwise intern it as a side effect of a read.
type changesFilter struct {
	dbVersion   *rangePredicate
	siteVersion *rangePredicate
	siteID      *SiteID
}

// parseIdxStr reconstructs the predicates BestIndex encoded as
// "col:op,col:op,..." in idxStr, zipped positionally with vals in the
// same order the constraints were marked Used.
func parseIdxStr(idxStr string, vals []interface{}) (changesFilter, error) {
	var f changesFilter
	if idxStr == "" {
		return f, nil
	}
	parts := strings.Split(idxStr, ",")
	if len(parts) != len(vals) {
		return f, &StructuralError{Reason: "crsql_changes: idxStr/argv length mismatch"}
	}
	for i, part := range parts {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return f, &StructuralError{Reason: "crsql_changes: malformed index string"}
		}
		col, err := strconv.Atoi(kv[0])
		if err != nil {
			return f, &StructuralError{Reason: "crsql_changes: malformed index column"}
		}
		op, err := strconv.Atoi(kv[1])
		if err != nil {
			return f, &StructuralError{Reason: "crsql_changes: malformed index operator"}
		}
		switch col {
		case colDBVersion, colSiteVersion:
			sqlOp, ok := comparisonOps[uint8(op)]
			if !ok {
				return f, &StructuralError{Reason: "crsql_changes: unsupported index operator"}
			}
			pred := &rangePredicate{sqlOp: sqlOp, value: toAnyInt64(vals[i])}
			if col == colDBVersion {
				f.dbVersion = pred
			} else {
				f.siteVersion = pred
			}
		case colSiteID:
			b, ok := vals[i].([]byte)
			if !ok {
				return f, &StructuralError{Reason: "crsql_changes: site_id filter value must be a blob"}
			}
			var id SiteID
			copy(id[:], b)
			f.siteID = &id
		}
	}
	return f, nil
}

func (c *changesCursor) Filter(idxNum int, idxStr string, vals []interface{}) error {
	filter, err := parseIdxStr(idxStr, vals)
	if err != nil {
		return err
	}
	rows, err := c.table.state.scanChanges(filter)
	if err != nil {
		return err
	}
	c.rows = rows
	c.pos = 0
	return nil
}

func (c *changesCursor) Next() error {
	c.pos++
	return nil
}

func (c *changesCursor) EOF() bool {
	return c.pos >= len(c.rows)
}

func (c *changesCursor) Rowid() (int64, error) {
	return int64(c.pos), nil
}

func (c *changesCursor) Close() error {
	c.rows = nil
	return nil
}

func (c *changesCursor) Column(ctx *sqlite3.SQLiteContext, col int) error {
	if c.EOF() {
		return fmt.Errorf("crsql_changes: column access past EOF")
	}
	row := c.rows[c.pos]
	r := row.rec
	switch col {
	case colTable:
		ctx.ResultText(r.Table)
	case colPK:
		ctx.ResultBlob(r.PK)
	case colCID:
		ctx.ResultInt(r.CID)
	case colVal:
		resultAny(ctx, r.Value)
	case colColVersion:
		ctx.ResultInt64(int64(r.ColVersion))
	case colDBVersion:
		ctx.ResultInt64(int64(r.DBVersion))
	case colSiteID:
		if row.isLocal {
			ctx.ResultBlob([]byte{})
		} else {
			ctx.ResultBlob(r.SiteID[:])
		}
	case colCL:
		ctx.ResultInt64(r.CL)
	case colSeq:
		ctx.ResultInt64(int64(r.Seq))
	case colSiteVersion:
		ctx.ResultInt64(int64(r.SiteVersion))
	}
	return nil
}

func resultAny(ctx *sqlite3.SQLiteContext, v any) {
	switch t := v.(type) {
	case nil:
		ctx.ResultNull()
	case string:
		ctx.ResultText(t)
	case []byte:
		ctx.ResultBlob(t)
	case int64:
		ctx.ResultInt64(t)
	case float64:
		ctx.ResultDouble(t)
	default:
		ctx.ResultText(fmt.Sprintf("%v", t))
	}
}

// scanChanges enumerates every clock table in the database (recomputed
// each call, which is always after a schema-version-gated TableInfo
// reload), reads its rows, joins live cell values back from the user
// table, and returns the result ordered by (db_version ASC, seq ASC),
// the causal order that must stay stable across restarts. filter's
// db_version/site_version predicates are pushed into each table's SQL
// scan; its site_id predicate is applied in Go once a row's real site
// id has been resolved.
func (s *ConnState) scanChanges(filter changesFilter) ([]changesRow, error) {
	tables, err := s.listClockTables()
	if err != nil {
		return nil, err
	}

	var out []changesRow
	for _, userTable := range tables {
		info, err := s.loadTableInfo(userTable)
		if err != nil {
			return nil, err
		}
		rows, err := s.scanOneClockTable(info, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rec.DBVersion != out[j].rec.DBVersion {
			return out[i].rec.DBVersion < out[j].rec.DBVersion
		}
		return out[i].rec.Seq < out[j].rec.Seq
	})
	return out, nil
}

func (s *ConnState) listClockTables() ([]string, error) {
	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return nil, fmt.Errorf("connection does not implement driver.Queryer")
	}
	rows, err := queryer.Query("SELECT name FROM sqlite_master WHERE type='table' AND name LIKE '%__crsql_clock'", nil)
	if err != nil {
		return nil, &HostEngineError{Op: "enumerate clock tables", Cause: err}
	}
	defer rows.Close()
	var out []string
	dest := make([]driver.Value, 1)
	for {
		if err := rows.Next(dest); err != nil {
			break
		}
		name := toString(dest[0])
		out = append(out, strings.TrimSuffix(name, "__crsql_clock"))
	}
	return out, nil
}

func (s *ConnState) scanOneClockTable(info *TableInfo, filter changesFilter) ([]changesRow, error) {
	pkNames := info.pkColumnNames()
	selectCols := append(append([]string{}, pkNames...), "__crsql_cid", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq", "__crsql_cl", "__crsql_site_version")

	queryer, ok := interface{}(s.conn).(driver.Queryer)
	if !ok {
		return nil, fmt.Errorf("connection does not implement driver.Queryer")
	}

	var where []string
	var args []driver.Value
	if filter.dbVersion != nil {
		where = append(where, fmt.Sprintf("__crsql_db_version %s ?", filter.dbVersion.sqlOp))
		args = append(args, filter.dbVersion.value)
	}
	if filter.siteVersion != nil {
		where = append(where, fmt.Sprintf("__crsql_site_version %s ?", filter.siteVersion.sqlOp))
		args = append(args, filter.siteVersion.value)
	}

	q := fmt.Sprintf("SELECT %s FROM %s", quoteIdentList(selectCols), quoteIdent(clockTableName(info.Name)))
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY __crsql_db_version, __crsql_seq"

	rows, err := queryer.Query(q, args)
	if err != nil {
		return nil, &HostEngineError{Op: "scan clock table " + info.Name, Cause: err}
	}
	defer rows.Close()

	dest := make([]driver.Value, len(selectCols))
	var out []changesRow
	for {
		if err := rows.Next(dest); err != nil {
			break
		}
		pkVals := append([]driver.Value{}, dest[:len(pkNames)]...)
		cid := int(toInt64(dest[len(pkNames)]))
		colVersion := ColumnVersion(toInt64(dest[len(pkNames)+1]))
		dbVersion := DBVersion(toInt64(dest[len(pkNames)+2]))
		ordinal := toInt64(dest[len(pkNames)+3])
		seq := Seq(toInt64(dest[len(pkNames)+4]))
		cl := toInt64(dest[len(pkNames)+5])
		siteVersion := SiteVersion(toInt64(dest[len(pkNames)+6]))

		siteID, err := s.resolveSiteIDByOrdinal(ordinal)
		if err != nil {
			return nil, err
		}
		if filter.siteID != nil && siteID != *filter.siteID {
			continue
		}

		pkBlob, err := encodePK(driverValuesToAny(pkVals))
		if err != nil {
			return nil, err
		}

		var value any
		if cid != SentinelCID && cl%2 == 0 {
			value, err = s.readCellValue(info, pkVals, cid)
			if err != nil {
				return nil, err
			}
		}

		out = append(out, changesRow{
			rec: ChangeRecord{
				Table:       info.Name,
				PK:          pkBlob,
				CID:         cid,
				Value:       value,
				ColVersion:  colVersion,
				DBVersion:   dbVersion,
				SiteID:      siteID,
				CL:          cl,
				Seq:         seq,
				SiteVersion: siteVersion,
			},
			isLocal: siteID == s.siteID,
		})
	}
	return out, nil
}

func (s *ConnState) readCellValue(info *TableInfo, pkVals []driver.Value, cid int) (any, error) {
	var colName string
	for _, c := range info.NonPKColumns {
		if c.CID == cid {
			colName = c.Name
			break
		}
	}
	if colName == "" {
		return nil, nil
	}
	name := fmt.Sprintf("read_cell:%s:%d", info.Name, cid)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", quoteIdent(colName), quoteIdent(info.Name), pkWhereClause(info))
	if _, err := s.prepared(name, q); err != nil {
		return nil, err
	}
	stmt := s.stmts[name]
	rows, err := stmt.Query(pkVals)
	if err != nil {
		return nil, &HostEngineError{Op: "read cell value", Cause: err}
	}
	defer rows.Close()
	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return nil, nil
	}
	return dest[0], nil
}

func driverValuesToAny(vals []driver.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func changeRecordFromRow(vals []interface{}) (ChangeRecord, error) {
	if len(vals) != 10 {
		return ChangeRecord{}, &StructuralError{Reason: fmt.Sprintf("crsql_changes insert expects 10 columns, got %d", len(vals))}
	}
	var siteID SiteID
	if b, ok := vals[colSiteID].([]byte); ok {
		copy(siteID[:], b)
	}
	return ChangeRecord{
		Table:       toAnyString(vals[colTable]),
		PK:          toAnyBytes(vals[colPK]),
		CID:         int(toAnyInt64(vals[colCID])),
		Value:       vals[colVal],
		ColVersion:  ColumnVersion(toAnyInt64(vals[colColVersion])),
		DBVersion:   DBVersion(toAnyInt64(vals[colDBVersion])),
		SiteID:      siteID,
		CL:          toAnyInt64(vals[colCL]),
		Seq:         Seq(toAnyInt64(vals[colSeq])),
		SiteVersion: SiteVersion(toAnyInt64(vals[colSiteVersion])),
	}, nil
}

func toAnyString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toAnyBytes(v interface{}) []byte {
	b, _ := v.([]byte)
	return b
}

func toAnyInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
