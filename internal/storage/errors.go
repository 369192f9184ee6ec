package storage

import "errors"

var (
	// ErrSchemaEvolutionConflict is returned by PrepareSchema when an
	// existing column's type is incompatible with the DSD's declared type
	// for that dimension/measure.
	ErrSchemaEvolutionConflict = errors.New("storage: schema evolution conflict")

	// ErrBulkLoadFailed wraps a backend-specific bulk-load error.
	ErrBulkLoadFailed = errors.New("storage: bulk load failed")

	// ErrFinalizeFailed wraps a backend-specific finalize (swap/merge) error.
	ErrFinalizeFailed = errors.New("storage: finalize failed")

	// ErrIngestionHistoryWriteFailed wraps a failure to persist an
	// IngestionHistory record.
	ErrIngestionHistoryWriteFailed = errors.New("storage: ingestion history write failed")
)
