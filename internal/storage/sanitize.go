package storage

import "strings"

// SanitizeIdent lowercases s and replaces any character outside [a-z0-9_]
// with '_', for safe use as part of a SQL identifier. Callers still quote
// the resulting identifier with the backend's own quoting rules; this only
// removes characters that quoting can't make safe (e.g. embedded quotes
// used for injection).
func SanitizeIdent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "_"
	}
	return out
}

// TableName derives the data table name for a dataset id (e.g. "nama_10_gdp"
// -> "data_nama_10_gdp"), truncated to 63 bytes (the Postgres/SQLite
// practical identifier limit).
func TableName(datasetID string) string {
	name := "data_" + SanitizeIdent(datasetID)
	const maxLen = 63
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}
