package crsql

import (
	"fmt"
	"strings"
)

func triggerName(table, suffix string) string {
	return table + "__crsql_" + suffix
}

// dropTriggerDDL drops a previously-installed capture trigger, used by
// lifecycle when recreating triggers after a schema drift.
func dropTriggerDDL(table, suffix string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(triggerName(table, suffix)))
}

// buildTriggerDDL renders the three AFTER row-level triggers, each
// guarded by `WHEN crsql_internal_sync_bit() = 0` so merge writes do
// not re-enter capture. Trigger bodies call back into Go through the
// crsql_after_insert/update/delete scalar functions.
func buildTriggerDDL(info *TableInfo) []string {
	pkNames := info.pkColumnNames()

	var insertArgs []string
	insertArgs = append(insertArgs, quotedLiteral(info.Name))
	for _, pk := range pkNames {
		insertArgs = append(insertArgs, "NEW."+quoteIdent(pk))
	}
	itrig := fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT ON %s WHEN crsql_internal_sync_bit() = 0 BEGIN SELECT crsql_after_insert(%s); END",
		quoteIdent(triggerName(info.Name, "itrig")),
		quoteIdent(info.Name),
		strings.Join(insertArgs, ", "),
	)

	var deleteArgs []string
	deleteArgs = append(deleteArgs, quotedLiteral(info.Name))
	for _, pk := range pkNames {
		deleteArgs = append(deleteArgs, "OLD."+quoteIdent(pk))
	}
	dtrig := fmt.Sprintf(
		"CREATE TRIGGER %s AFTER DELETE ON %s WHEN crsql_internal_sync_bit() = 0 BEGIN SELECT crsql_after_delete(%s); END",
		quoteIdent(triggerName(info.Name, "dtrig")),
		quoteIdent(info.Name),
		strings.Join(deleteArgs, ", "),
	)

	// Update trigger arguments: table, N (pk count), new pks, old pks,
	// then a (name, new, old) triple for every non-pk column:
	// after_update(table, N, pk_new…, pk_old…, [name, col_new, col_old]…).
	var updateArgs []string
	updateArgs = append(updateArgs, quotedLiteral(info.Name), fmt.Sprintf("%d", len(pkNames)))
	for _, pk := range pkNames {
		updateArgs = append(updateArgs, "NEW."+quoteIdent(pk))
	}
	for _, pk := range pkNames {
		updateArgs = append(updateArgs, "OLD."+quoteIdent(pk))
	}
	for _, col := range info.NonPKColumns {
		updateArgs = append(updateArgs, quotedLiteral(col.Name), "NEW."+quoteIdent(col.Name), "OLD."+quoteIdent(col.Name))
	}
	utrig := fmt.Sprintf(
		"CREATE TRIGGER %s AFTER UPDATE ON %s WHEN crsql_internal_sync_bit() = 0 BEGIN SELECT crsql_after_update(%s); END",
		quoteIdent(triggerName(info.Name, "utrig")),
		quoteIdent(info.Name),
		strings.Join(updateArgs, ", "),
	)

	return []string{itrig, utrig, dtrig}
}

func quotedLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *ConnState) recreateTriggers(info *TableInfo) error {
	for _, suffix := range []string{"itrig", "utrig", "dtrig"} {
		if err := s.execDirect(dropTriggerDDL(info.Name, suffix)); err != nil {
			return fmt.Errorf("drop trigger %s: %w", suffix, err)
		}
	}
	for _, ddl := range buildTriggerDDL(info) {
		if err := s.execDirect(ddl); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}
