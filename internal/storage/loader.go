// Package storage defines the Loader capability set a database backend must
// implement to serve as this pipeline's target store, plus a pluggable
// registry so new backends can be added without touching the orchestrator.
//
// Grounded on the teacher's internal/storage/multi_repository.go, whose
// MultiRepository interface and RegisterMulti/NewMulti factory-registry
// (including panic-on-duplicate-registration) this package generalizes: the
// teacher's interface serves a dimension/fact star-schema loader, this one
// serves a single wide observation table plus codelist and ingestion-history
// bookkeeping, per SPEC_FULL.md §4.4.
package storage

import (
	"context"
	"fmt"

	"eurostatpipeline/internal/model"
	"eurostatpipeline/internal/sdmx"
)

// FinalizeStrategy selects how a staging table is merged into its target.
type FinalizeStrategy string

const (
	// FinalizeSwap atomically replaces the target table with the staging
	// table (used for full loads).
	FinalizeSwap FinalizeStrategy = "swap"
	// FinalizeMerge upserts staging rows into the target table by primary
	// key (used for delta loads).
	FinalizeMerge FinalizeStrategy = "merge"
)

// Config carries backend connection settings. DSN is the only field every
// backend needs; backend-specific settings live behind the DSN (e.g.
// Postgres connection strings, SQLite file paths).
type Config struct {
	DSN string
}

// Loader is the capability set a storage backend must provide. Every method
// takes a schema name so the same backend instance can serve multiple
// logical namespaces (data vs. metadata) without separate connections.
type Loader interface {
	// PrepareSchema ensures table exists in schema with columns derived from
	// dsd, creating it if absent and adding newly-appeared nullable columns
	// if present. It returns ErrSchemaEvolutionConflict if an existing
	// column's type is incompatible with dsd. When lastIngestion is non-nil
	// and its DSDVersion matches dsd.Version, implementations may skip the
	// column-diff work entirely.
	PrepareSchema(ctx context.Context, dsd *sdmx.DSD, table, schema string, lastIngestion *model.IngestionHistory) error

	// ManageCodelists upserts each codelist's codes into a per-codelist
	// lookup table in schema (table name derived via CodelistTableName).
	ManageCodelists(ctx context.Context, codelists map[string]*sdmx.Codelist, schema string) error

	// BulkLoadStaging loads every Observation from observations into a new
	// staging table using the backend's native bulk-insert path, returning
	// the staging table's name and the number of rows loaded.
	BulkLoadStaging(ctx context.Context, dsd *sdmx.DSD, table, schema string, observations <-chan model.Observation, useUnloggedTable bool) (stagingTable string, rowCount int64, err error)

	// FinalizeLoad applies strategy to move staging into target within a
	// single transaction: swap renames staging to target (dropping the old
	// target), merge upserts staging rows into target and then drops staging.
	FinalizeLoad(ctx context.Context, dsd *sdmx.DSD, staging, target, schema string, strategy FinalizeStrategy) error

	// GetIngestionState returns the most recent successful ingestion record
	// for datasetID, or nil if none exists.
	GetIngestionState(ctx context.Context, datasetID, schema string) (*model.IngestionHistory, error)

	// SaveIngestionState persists rec (insert, not update) into schema's
	// ingestion-history table.
	SaveIngestionState(ctx context.Context, rec *model.IngestionHistory, schema string) error

	// CloseConnection releases the backend's connection pool/handle.
	CloseConnection() error
}

// Factory constructs a Loader from cfg.
type Factory func(ctx context.Context, cfg Config) (Loader, error)

var registry = make(map[string]Factory)

// RegisterLoader registers factory under kind (e.g. "postgres", "sqlite").
// It panics if kind is empty, factory is nil, or kind is already registered,
// since this only ever happens at package init time — a collision is a
// programming error, not a runtime condition to recover from.
func RegisterLoader(kind string, factory Factory) {
	if kind == "" {
		panic("storage: RegisterLoader called with empty kind")
	}
	if factory == nil {
		panic("storage: RegisterLoader called with nil factory for kind " + kind)
	}
	if _, exists := registry[kind]; exists {
		panic("storage: RegisterLoader called twice for kind " + kind)
	}
	registry[kind] = factory
}

// NewLoader constructs the Loader registered under kind.
func NewLoader(ctx context.Context, kind string, cfg Config) (Loader, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend kind %q", kind)
	}
	return factory(ctx, cfg)
}
