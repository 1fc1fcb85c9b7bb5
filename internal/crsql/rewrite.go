package crsql

import (
	"regexp"
	"strings"
)

// StatementKind classifies a DDL statement for lifecycle dispatch.
type StatementKind int

const (
	StatementOther StatementKind = iota
	StatementCreateTable
	StatementAlterTable
	StatementCreateIndex
	StatementDropIndex
	StatementDropTable
)

// RewriteResult carries the engine-compatible statement to execute and
// the table name (if any) a meta-query should subsequently drive
// through the CRR lifecycle.
type RewriteResult struct {
	Kind  StatementKind
	Table string
	SQL   string
}

var (
	createTableRE = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?["']?([\w.]+)["']?`)
	alterTableRE  = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+["']?([\w.]+)["']?`)
	createIndexRE = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:UNIQUE\s+)?INDEX`)
	dropIndexRE   = regexp.MustCompile(`(?is)^\s*DROP\s+INDEX`)
	dropTableRE   = regexp.MustCompile(`(?is)^\s*DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?["']?([\w.]+)["']?`)
)

// Rewrite classifies a user DDL statement and extracts the qualified
// table name where one applies. It never interprets full DML.
func Rewrite(sql string) RewriteResult {
	trimmed := strings.TrimSpace(sql)

	if m := createTableRE.FindStringSubmatch(trimmed); m != nil {
		return RewriteResult{Kind: StatementCreateTable, Table: m[1], SQL: trimmed}
	}
	if m := alterTableRE.FindStringSubmatch(trimmed); m != nil {
		return RewriteResult{Kind: StatementAlterTable, Table: m[1], SQL: trimmed}
	}
	if createIndexRE.MatchString(trimmed) {
		return RewriteResult{Kind: StatementCreateIndex, SQL: trimmed}
	}
	if dropIndexRE.MatchString(trimmed) {
		return RewriteResult{Kind: StatementDropIndex, SQL: trimmed}
	}
	if m := dropTableRE.FindStringSubmatch(trimmed); m != nil {
		return RewriteResult{Kind: StatementDropTable, Table: m[1], SQL: trimmed}
	}
	return RewriteResult{Kind: StatementOther, SQL: trimmed}
}

// Apply executes the rewritten statement and, for CREATE/ALTER TABLE,
// drives the CRR lifecycle meta-query. ALTER TABLE is bracketed with
// BeginAlter/CommitAlter so the capture triggers do not trip over a
// transiently inconsistent schema.
func Apply(s *ConnState, sql string) error {
	r := Rewrite(sql)

	switch r.Kind {
	case StatementCreateTable:
		if err := s.execDirect(r.SQL); err != nil {
			return &HostEngineError{Op: "create table", Cause: err}
		}
		return CreateCRR(s, r.Table, false)
	case StatementAlterTable:
		hadCRR, _ := s.clockTableExists(r.Table)
		if hadCRR {
			if err := BeginAlter(s, r.Table); err != nil {
				return err
			}
		}
		if err := s.execDirect(r.SQL); err != nil {
			return &HostEngineError{Op: "alter table", Cause: err}
		}
		if hadCRR {
			return CommitAlter(s, r.Table)
		}
		return nil
	default:
		if err := s.execDirect(r.SQL); err != nil {
			return &HostEngineError{Op: "exec rewritten statement", Cause: err}
		}
		return nil
	}
}
