package sqlguard

import (
	"fmt"

	"github.com/xwb1989/sqlparser"
)

// CountQuery rewrites an UPDATE or DELETE statement's filter predicate into
// a row-count estimate query against the same table. The returned query is a
// plain read; executing it never performs the mutation. The text is the
// canonical MySQL-style render, so callers run it through Normalize for the
// target dialect before execution.
func CountQuery(query string) (table string, countSQL string, err error) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse write statement: %w", err)
	}

	var tableExprs sqlparser.TableExprs
	var where *sqlparser.Where
	switch s := stmt.(type) {
	case *sqlparser.Update:
		tableExprs = s.TableExprs
		where = s.Where
	case *sqlparser.Delete:
		tableExprs = s.TableExprs
		where = s.Where
	default:
		return "", "", fmt.Errorf("not a write statement: %T", stmt)
	}

	table = firstTableName(tableExprs)
	if table == "" {
		return "", "", fmt.Errorf("could not determine target table")
	}

	countSQL = fmt.Sprintf("select count(*) from %s%s", table, sqlparser.String(where))
	return table, countSQL, nil
}

// firstTableName extracts the primary target table of a write statement.
func firstTableName(exprs sqlparser.TableExprs) string {
	if len(exprs) == 0 {
		return ""
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return ""
	}
	name, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return ""
	}
	return name.Name.String()
}
