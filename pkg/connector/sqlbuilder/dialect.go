// Package sqlbuilder renders scan requests into SQL for the relational
// connectors.
package sqlbuilder

import (
	"fmt"
	"strings"
)

// Dialect captures the syntax differences between SQL backends.
type Dialect interface {
	Name() string
	// QuoteIdent quotes one identifier part
	QuoteIdent(name string) string
	// Placeholder returns the bind marker for the n-th argument, from 1
	Placeholder(n int) string
	// OrderKey renders one ORDER BY key with nulls last ascending and first
	// descending
	OrderKey(expr string, desc bool) string
	// IntegerType and FloatType name the types SUM and AVG results are cast to
	IntegerType() string
	FloatType() string
	// Like returns the case-sensitive pattern operator and the pattern
	// rewritten for it
	Like(pattern string) (op, arg string)
}

type ansi struct {
	name     string
	quote    byte
	numbered string
	intType  string
	fltType  string
}

func (d ansi) Name() string { return d.name }

func (d ansi) QuoteIdent(name string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

func (d ansi) Placeholder(n int) string {
	if d.numbered != "" {
		return fmt.Sprintf("%s%d", d.numbered, n)
	}
	return "?"
}

func (d ansi) OrderKey(expr string, desc bool) string {
	if desc {
		return expr + " DESC NULLS FIRST"
	}
	return expr + " ASC NULLS LAST"
}

func (d ansi) IntegerType() string { return d.intType }
func (d ansi) FloatType() string   { return d.fltType }

func (d ansi) Like(pattern string) (string, string) { return "LIKE", pattern }

type sqliteDialect struct{ ansi }

// SQLite's LIKE folds ASCII case; GLOB does not.
func (sqliteDialect) Like(pattern string) (string, string) {
	return "GLOB", GlobPattern(pattern)
}

// GlobPattern rewrites a LIKE pattern as an equivalent GLOB pattern.
func GlobPattern(like string) string {
	var sb strings.Builder
	for _, r := range like {
		switch r {
		case '%':
			sb.WriteByte('*')
		case '_':
			sb.WriteByte('?')
		case '*', '?', '[':
			sb.WriteByte('[')
			sb.WriteRune(r)
			sb.WriteByte(']')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

type mysqlDialect struct{ ansi }

// MySQL has no NULLS FIRST/LAST; order on the null flag first.
func (mysqlDialect) OrderKey(expr string, desc bool) string {
	if desc {
		return fmt.Sprintf("%s IS NULL DESC, %s DESC", expr, expr)
	}
	return fmt.Sprintf("%s IS NULL ASC, %s ASC", expr, expr)
}

// Dialects of the supported backends.
var (
	Postgres  Dialect = ansi{name: "postgres", quote: '"', numbered: "$", intType: "BIGINT", fltType: "DOUBLE PRECISION"}
	SQLite    Dialect = sqliteDialect{ansi{name: "sqlite", quote: '"', intType: "INTEGER", fltType: "REAL"}}
	DuckDB    Dialect = ansi{name: "duckdb", quote: '"', intType: "BIGINT", fltType: "DOUBLE"}
	Snowflake Dialect = ansi{name: "snowflake", quote: '"', intType: "NUMBER(18,0)", fltType: "DOUBLE"}
	BigQuery  Dialect = ansi{name: "bigquery", quote: '`', intType: "INT64", fltType: "FLOAT64"}
	MySQL     Dialect = mysqlDialect{ansi{name: "mysql", quote: '`', intType: "SIGNED", fltType: "DOUBLE"}}
)
