// Package postgres is the canonical storage.Loader adapter: PostgreSQL via
// pgx, using COPY FROM STDIN (pgx.CopyFrom) for the bulk-load path and an
// atomic table-rename swap or ON CONFLICT merge to finalize a load.
//
// Grounded on the teacher's internal/storage/postgres/multi_repo.go for the
// pgxpool wiring and DDL-builder style, but the load path itself is new:
// the teacher's InsertFactRows does row-by-row INSERT ... ON CONFLICT, which
// SPEC_FULL.md explicitly forbids for the dataset bulk-load path (a few
// million observations per run would be pathologically slow one row at a
// time) — so BulkLoadStaging uses pgx.CopyFrom instead, the pgx idiom for
// Postgres's COPY protocol.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eurostatpipeline/internal/model"
	"eurostatpipeline/internal/sdmx"
	"eurostatpipeline/internal/storage"
)

func init() {
	storage.RegisterLoader("postgres", New)
}

// Loader implements storage.Loader against a PostgreSQL database.
type Loader struct {
	pool *pgxpool.Pool
}

// New constructs a Loader from cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Loader, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	return &Loader{pool: pool}, nil
}

func (l *Loader) CloseConnection() error {
	l.pool.Close()
	return nil
}

func sqlType(kind storage.ColumnKind) string {
	switch kind {
	case storage.ColumnDouble:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// PrepareSchema ensures the data table exists in schema with columns
// derived from dsd, adding any newly-appeared nullable columns. When
// lastIngestion already reflects dsd's version, the column-diff work is
// skipped entirely.
func (l *Loader) PrepareSchema(ctx context.Context, dsd *sdmx.DSD, table, schema string, lastIngestion *model.IngestionHistory) error {
	if _, err := l.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
		return fmt.Errorf("postgres: creating schema %s: %w", schema, err)
	}

	cols := storage.ObservationColumns(dsd)
	if err := l.createTableIfNotExists(ctx, schema, table, cols, false); err != nil {
		return err
	}

	if lastIngestion != nil && lastIngestion.DSDVersion == dsd.Version {
		return nil
	}

	existing, err := l.existingColumns(ctx, schema, table)
	if err != nil {
		return err
	}

	for _, c := range cols {
		existingType, ok := existing[c.Name]
		if !ok {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteQualified(schema, table), quoteIdent(c.Name), sqlType(c.Kind))
			if _, err := l.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: adding column %s.%s: %w", table, c.Name, err)
			}
			continue
		}
		if !typeCompatible(existingType, c.Kind) {
			return fmt.Errorf("%w: column %s.%s has type %q, dsd requires %s", storage.ErrSchemaEvolutionConflict, table, c.Name, existingType, sqlType(c.Kind))
		}
	}
	return nil
}

func typeCompatible(pgType string, kind storage.ColumnKind) bool {
	pgType = strings.ToLower(pgType)
	switch kind {
	case storage.ColumnDouble:
		return strings.Contains(pgType, "double") || strings.Contains(pgType, "real") || strings.Contains(pgType, "numeric")
	default:
		return strings.Contains(pgType, "text") || strings.Contains(pgType, "char")
	}
}

func (l *Loader) existingColumns(ctx context.Context, schema, table string) (map[string]string, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		schema, table)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("postgres: scanning column metadata: %w", err)
		}
		out[name] = dataType
	}
	return out, rows.Err()
}

func (l *Loader) createTableIfNotExists(ctx context.Context, schema, table string, cols []storage.ColumnSpec, unlogged bool) error {
	var b strings.Builder
	b.WriteString("CREATE ")
	if unlogged {
		b.WriteString("UNLOGGED ")
	}
	b.WriteString("TABLE IF NOT EXISTS ")
	b.WriteString(quoteQualified(schema, table))
	b.WriteString(" (")

	var pk []string
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(sqlType(c.Kind))
		if !c.Nullable && !c.PrimaryKey {
			b.WriteString(" NOT NULL")
		}
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	if len(pk) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, p := range pk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(p))
		}
		b.WriteString(")")
	}
	b.WriteString(")")

	if _, err := l.pool.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("postgres: creating table %s.%s: %w", schema, table, err)
	}
	return nil
}

// ManageCodelists upserts each codelist's codes into schema.cl_<id> via a
// COPY into a temp table followed by an ON CONFLICT merge.
func (l *Loader) ManageCodelists(ctx context.Context, codelists map[string]*sdmx.Codelist, schema string) error {
	for id, cl := range codelists {
		if err := l.manageOneCodelist(ctx, id, cl, schema); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) manageOneCodelist(ctx context.Context, id string, cl *sdmx.Codelist, schema string) error {
	target := storage.CodelistTableName(id)
	cols := []storage.ColumnSpec{
		{Name: "code", Kind: storage.ColumnText, PrimaryKey: true},
		{Name: "label", Kind: storage.ColumnText, Nullable: true},
		{Name: "description", Kind: storage.ColumnText, Nullable: true},
		{Name: "parent_code", Kind: storage.ColumnText, Nullable: true},
	}
	if err := l.createTableIfNotExists(ctx, schema, target, cols, false); err != nil {
		return err
	}
	if len(cl.Codes) == 0 {
		return nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: beginning codelist tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tempName := "tmp_" + storage.SanitizeIdent(id) + "_" + shortUUID()
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (code TEXT, label TEXT, description TEXT, parent_code TEXT) ON COMMIT DROP",
		quoteIdent(tempName))); err != nil {
		return fmt.Errorf("postgres: creating temp codelist table: %w", err)
	}

	rows := make([][]any, 0, len(cl.Codes))
	for code, entry := range cl.Codes {
		var parent any
		if entry.ParentCode != "" {
			parent = entry.ParentCode
		}
		rows = append(rows, []any{code, entry.Label, entry.Description, parent})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempName}, []string{"code", "label", "description", "parent_code"}, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres: copying codelist rows: %w", err)
	}

	mergeSQL := fmt.Sprintf(`
		INSERT INTO %s (code, label, description, parent_code)
		SELECT code, label, description, parent_code FROM %s
		ON CONFLICT (code) DO UPDATE SET
			label = excluded.label,
			description = excluded.description,
			parent_code = excluded.parent_code
	`, quoteQualified(schema, target), quoteIdent(tempName))
	if _, err := tx.Exec(ctx, mergeSQL); err != nil {
		return fmt.Errorf("postgres: merging codelist %s: %w", id, err)
	}

	return tx.Commit(ctx)
}

// observationCopySource adapts a <-chan model.Observation to pgx.CopyFromSource.
type observationCopySource struct {
	ch        <-chan model.Observation
	dsd       *sdmx.DSD
	current   model.Observation
	hasValue  bool
	rowCount  *int64
}

func (s *observationCopySource) Next() bool {
	obs, ok := <-s.ch
	if !ok {
		return false
	}
	s.current = obs
	s.hasValue = true
	*s.rowCount++
	return true
}

func (s *observationCopySource) Values() ([]any, error) {
	if !s.hasValue {
		return nil, fmt.Errorf("postgres: Values called before Next")
	}
	row := make([]any, 0, len(s.dsd.Dimensions)+2)
	for _, dv := range s.current.Dimensions {
		row = append(row, dv.Value)
	}
	row = append(row, s.current.TimePeriod)
	if s.current.ObsValue != nil {
		row = append(row, *s.current.ObsValue)
	} else {
		row = append(row, nil)
	}
	if s.current.ObsFlags != nil {
		row = append(row, *s.current.ObsFlags)
	} else {
		row = append(row, nil)
	}
	return row, nil
}

func (s *observationCopySource) Err() error { return nil }

// BulkLoadStaging creates a new staging table and COPYs every observation
// into it via pgx's CopyFrom (Postgres's native COPY FROM STDIN path).
func (l *Loader) BulkLoadStaging(ctx context.Context, dsd *sdmx.DSD, table, schema string, observations <-chan model.Observation, useUnloggedTable bool) (string, int64, error) {
	staging := table + "_staging_" + shortUUID()
	cols := storage.ObservationColumns(dsd)
	// Staging carries the same composite primary key as the target (dims +
	// time_period) so a swap rename hands the target its PK back;
	// finalizeMerge's ON CONFLICT relies on the target's own primary key.
	if err := l.createTableIfNotExists(ctx, schema, staging, cols, useUnloggedTable); err != nil {
		return "", 0, fmt.Errorf("%w: %v", storage.ErrBulkLoadFailed, err)
	}

	columnNames := make([]string, len(cols))
	for i, c := range cols {
		columnNames[i] = c.Name
	}

	var rowCount int64
	src := &observationCopySource{ch: observations, dsd: dsd, rowCount: &rowCount}
	if _, err := l.pool.CopyFrom(ctx, pgx.Identifier{schema, staging}, columnNames, src); err != nil {
		return "", 0, fmt.Errorf("%w: copying into %s: %v", storage.ErrBulkLoadFailed, staging, err)
	}

	return staging, rowCount, nil
}

// FinalizeLoad applies strategy within a single transaction. Swap renames
// the staging table to target and drops the previous target; merge upserts
// staging into target and then drops the staging table.
func (l *Loader) FinalizeLoad(ctx context.Context, dsd *sdmx.DSD, staging, target, schema string, strategy storage.FinalizeStrategy) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning finalize tx: %v", storage.ErrFinalizeFailed, err)
	}
	defer tx.Rollback(ctx)

	switch strategy {
	case storage.FinalizeSwap:
		if err := l.finalizeSwap(ctx, tx, staging, target, schema); err != nil {
			return err
		}
	case storage.FinalizeMerge:
		if err := l.finalizeMerge(ctx, tx, dsd, staging, target, schema); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown finalize strategy %q", storage.ErrFinalizeFailed, strategy)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing: %v", storage.ErrFinalizeFailed, err)
	}
	return nil
}

func (l *Loader) finalizeSwap(ctx context.Context, tx pgx.Tx, staging, target, schema string) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, target).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: checking target existence: %v", storage.ErrFinalizeFailed, err)
	}

	backup := target + "_backup_" + shortUUID()
	if exists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteQualified(schema, target), quoteIdent(backup))); err != nil {
			return fmt.Errorf("%w: renaming target to backup: %v", storage.ErrFinalizeFailed, err)
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteQualified(schema, staging), quoteIdent(target))); err != nil {
		return fmt.Errorf("%w: renaming staging to target: %v", storage.ErrFinalizeFailed, err)
	}
	if exists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteQualified(schema, backup))); err != nil {
			return fmt.Errorf("%w: dropping backup: %v", storage.ErrFinalizeFailed, err)
		}
	}
	return nil
}

func (l *Loader) finalizeMerge(ctx context.Context, tx pgx.Tx, dsd *sdmx.DSD, staging, target, schema string) error {
	cols := storage.ObservationColumns(dsd)
	pk := storage.PrimaryKeyColumns(dsd)

	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = c.Name
	}

	var updateSet []string
	for _, c := range cols {
		if c.PrimaryKey {
			continue
		}
		updateSet = append(updateSet, fmt.Sprintf("%s = excluded.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
	}

	quotedCols := make([]string, len(colNames))
	for i, c := range colNames {
		quotedCols[i] = quoteIdent(c)
	}
	quotedPK := make([]string, len(pk))
	for i, p := range pk {
		quotedPK[i] = quoteIdent(p)
	}

	mergeSQL := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT %s FROM %s
		ON CONFLICT (%s) DO UPDATE SET %s
	`,
		quoteQualified(schema, target), strings.Join(quotedCols, ", "),
		strings.Join(quotedCols, ", "), quoteQualified(schema, staging),
		strings.Join(quotedPK, ", "), strings.Join(updateSet, ", "))

	if _, err := tx.Exec(ctx, mergeSQL); err != nil {
		return fmt.Errorf("%w: merging staging into target: %v", storage.ErrFinalizeFailed, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteQualified(schema, staging))); err != nil {
		return fmt.Errorf("%w: dropping staging: %v", storage.ErrFinalizeFailed, err)
	}
	return nil
}

const ingestionHistoryTable = "_ingestion_history"

func (l *Loader) ensureIngestionHistoryTable(ctx context.Context, schema string) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ingestion_id BIGSERIAL PRIMARY KEY,
			dataset_id TEXT NOT NULL,
			dsd_version TEXT,
			load_strategy TEXT NOT NULL,
			representation TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			rows_loaded BIGINT,
			source_last_update TIMESTAMPTZ,
			error_details TEXT
		)
	`, quoteQualified(schema, ingestionHistoryTable))
	if _, err := l.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
		return fmt.Errorf("postgres: creating schema %s: %w", schema, err)
	}
	if _, err := l.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: creating ingestion history table: %w", err)
	}
	return nil
}

func (l *Loader) GetIngestionState(ctx context.Context, datasetID, schema string) (*model.IngestionHistory, error) {
	if err := l.ensureIngestionHistoryTable(ctx, schema); err != nil {
		return nil, err
	}

	row := l.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT ingestion_id, dataset_id, dsd_version, load_strategy, representation, status,
		       start_time, end_time, rows_loaded, source_last_update, error_details
		FROM %s
		WHERE dataset_id = $1 AND status = 'success'
		ORDER BY ingestion_id DESC
		LIMIT 1
	`, quoteQualified(schema, ingestionHistoryTable)), datasetID)

	var h model.IngestionHistory
	var loadStrategy, representation, status string
	var endTime, sourceLastUpdate *time.Time
	var rowsLoaded *int64
	var errorDetails *string
	var dsdVersion *string

	err := row.Scan(&h.IngestionID, &h.DatasetID, &dsdVersion, &loadStrategy, &representation, &status,
		&h.StartTime, &endTime, &rowsLoaded, &sourceLastUpdate, &errorDetails)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: querying ingestion state for %s: %w", datasetID, err)
	}

	if dsdVersion != nil {
		h.DSDVersion = *dsdVersion
	}
	h.LoadStrategy = model.LoadStrategy(loadStrategy)
	h.Representation = model.Representation(representation)
	h.Status = model.IngestionStatus(status)
	h.EndTime = endTime
	h.RowsLoaded = rowsLoaded
	h.SourceLastUpdate = sourceLastUpdate
	h.ErrorDetails = errorDetails
	return &h, nil
}

func (l *Loader) SaveIngestionState(ctx context.Context, rec *model.IngestionHistory, schema string) error {
	if err := l.ensureIngestionHistoryTable(ctx, schema); err != nil {
		return err
	}

	var dsdVersion any
	if rec.DSDVersion != "" {
		dsdVersion = rec.DSDVersion
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s
			(dataset_id, dsd_version, load_strategy, representation, status, start_time, end_time, rows_loaded, source_last_update, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, quoteQualified(schema, ingestionHistoryTable))

	_, err := l.pool.Exec(ctx, stmt,
		rec.DatasetID, dsdVersion, string(rec.LoadStrategy), string(rec.Representation), string(rec.Status),
		rec.StartTime, rec.EndTime, rec.RowsLoaded, rec.SourceLastUpdate, rec.ErrorDetails)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIngestionHistoryWriteFailed, err)
	}
	return nil
}

func shortUUID() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", "")[:12]
}
