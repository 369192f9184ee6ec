// Package model holds the pipeline-wide record types: the unpivoted
// Observation row and the IngestionHistory bookkeeping record.
package model

import "time"

// Representation selects whether dimension values are emitted as raw codes
// ("standard") or resolved human-readable labels ("full").
type Representation string

const (
	RepresentationStandard Representation = "standard"
	RepresentationFull     Representation = "full"
)

// LoadStrategy decides whether a run skips unchanged sources, replaces a
// dataset wholesale, or merges new rows into it.
type LoadStrategy string

const (
	LoadStrategyFull  LoadStrategy = "full"
	LoadStrategyDelta LoadStrategy = "delta"
)

// IngestionStatus is the lifecycle state of one ingestion run.
type IngestionStatus string

const (
	IngestionRunning IngestionStatus = "running"
	IngestionSuccess IngestionStatus = "success"
	IngestionFailed  IngestionStatus = "failed"
	IngestionSkipped IngestionStatus = "skipped"
)

// DimValue is one dimension_id/value pair, order-significant: the slice
// index matches the DSD's DimensionColumns() order.
type DimValue struct {
	DimensionID string
	Value       string
}

// Observation is a single unpivoted cell from the source wide matrix: the
// dimension tuple plus one time period, carrying a (possibly null) value
// and (possibly null) flags.
//
// Every source cell produces exactly one Observation, even when the cell is
// empty or unparseable (the null-emitting policy in SPEC_FULL.md §4.3) —
// unlike the pandas original this pipeline was distilled from, which drops
// missing observations during the unpivot.
type Observation struct {
	Dimensions []DimValue
	TimePeriod string
	ObsValue   *float64
	ObsFlags   *string
}

// Get returns the value for a dimension id, or "" if absent.
func (o Observation) Get(dimensionID string) string {
	for _, dv := range o.Dimensions {
		if dv.DimensionID == dimensionID {
			return dv.Value
		}
	}
	return ""
}

// IngestionHistory is one row of the run-history ledger persisted by a
// Loader, used to decide delta-vs-full loads and to audit past runs.
type IngestionHistory struct {
	IngestionID      int64
	DatasetID        string
	DSDVersion       string
	LoadStrategy     LoadStrategy
	Representation   Representation
	Status           IngestionStatus
	StartTime        time.Time
	EndTime          *time.Time
	RowsLoaded       *int64
	SourceLastUpdate *time.Time
	ErrorDetails     *string
}
