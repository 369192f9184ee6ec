package storage

import "eurostatpipeline/internal/sdmx"

// ColumnKind is a backend-agnostic logical column type; each backend maps
// these to its own SQL types.
type ColumnKind string

const (
	ColumnText   ColumnKind = "text"
	ColumnDouble ColumnKind = "double"
)

// ColumnSpec describes one column of the wide observation table.
type ColumnSpec struct {
	Name       string
	Kind       ColumnKind
	Nullable   bool
	PrimaryKey bool
}

// ObservationColumns derives the column set for dsd's data table, shared
// across backends so every adapter agrees on table shape: one text column
// per non-time dimension (primary key), one text time_period column
// (primary key), the primary measure as a nullable double, and an
// obs_flags nullable text column.
func ObservationColumns(dsd *sdmx.DSD) []ColumnSpec {
	cols := make([]ColumnSpec, 0, len(dsd.Dimensions)+2)
	for _, d := range dsd.Dimensions {
		cols = append(cols, ColumnSpec{Name: d.ID, Kind: ColumnText, PrimaryKey: true})
	}
	cols = append(cols, ColumnSpec{Name: "time_period", Kind: ColumnText, PrimaryKey: true})
	cols = append(cols, ColumnSpec{Name: dsd.PrimaryMeasureID, Kind: ColumnDouble, Nullable: true})
	cols = append(cols, ColumnSpec{Name: "obs_flags", Kind: ColumnText, Nullable: true})
	return cols
}

// PrimaryKeyColumns returns the subset of ObservationColumns marked as
// primary key, in order.
func PrimaryKeyColumns(dsd *sdmx.DSD) []string {
	out := make([]string, 0, len(dsd.Dimensions)+1)
	for _, d := range dsd.Dimensions {
		out = append(out, d.ID)
	}
	return append(out, "time_period")
}

// CodelistTableName derives the lookup table name for a codelist id.
func CodelistTableName(codelistID string) string {
	return "cl_" + SanitizeIdent(codelistID)
}
