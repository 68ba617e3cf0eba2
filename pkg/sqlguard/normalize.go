package sqlguard

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// Dialect names a target store's SQL flavor.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Normalize transpiles validated query text into the target dialect by
// re-rendering it from the AST. Model output skews toward MySQL-flavored
// SQL, so the canonical render is MySQL style; for Postgres targets the
// identifier quoting and literal escaping are rewritten afterwards. On any
// failure the original text is returned along with the error so the caller
// can pass it through with a warning; the safety validator has already
// bounded the blast radius.
func Normalize(query string, target Dialect) (string, error) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return query, fmt.Errorf("transpile failed: %w", err)
	}

	normalized := sqlparser.String(stmt)
	if target == DialectPostgres {
		normalized = rewriteForPostgres(normalized)
	}
	return normalized, nil
}

// rewriteForPostgres converts a MySQL-style render into Postgres form:
// backtick identifier quoting becomes double quotes, and backslash escapes
// inside string literals become the doubled-quote form Postgres
// standard-conforming strings expect. Backticks inside literals are data
// and stay as they are.
func rewriteForPostgres(sql string) string {
	var sb strings.Builder
	sb.Grow(len(sql))

	inLiteral := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if inLiteral {
			switch {
			case c == '\\' && i+1 < len(sql):
				// The MySQL render escapes with a backslash; Postgres
				// reads a backslash literally.
				next := sql[i+1]
				switch next {
				case '\'':
					sb.WriteString("''")
				case '\\':
					sb.WriteByte('\\')
				default:
					sb.WriteByte(c)
					sb.WriteByte(next)
				}
				i++
			case c == '\'' && i+1 < len(sql) && sql[i+1] == '\'':
				// Already a doubled quote, keep it as one escaped quote.
				sb.WriteString("''")
				i++
			case c == '\'':
				inLiteral = false
				sb.WriteByte(c)
			default:
				sb.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\'':
			inLiteral = true
			sb.WriteByte(c)
		case '`':
			sb.WriteByte('"')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
