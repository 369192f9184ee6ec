package postgres

import "strings"

// quoteIdent double-quotes a SQL identifier, escaping embedded quotes by
// doubling them, so callers never interpolate raw dataset/codelist ids into
// a query string unescaped.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualified(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}
