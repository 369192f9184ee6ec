// Package sqlite is the secondary storage.Loader adapter. SQLite has no
// COPY-protocol equivalent, so this is the allowed last resort: a single
// transaction holding a batch of prepared-statement INSERTs, per
// SPEC_FULL.md §4.4's bulk-load fallback rule.
//
// Grounded on the teacher's internal/storage/sqlite/multi_repo.go: same
// database/sql + modernc.org/sqlite wiring, same RFC3339Nano string
// timestamps (SQLite has no native TIMESTAMPTZ), same "INSERT OR IGNORE"
// idiom in spirit — though here the conflict-handling target is a staging
// table's finalize merge rather than dimension-key dedupe.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"eurostatpipeline/internal/model"
	"eurostatpipeline/internal/sdmx"
	"eurostatpipeline/internal/storage"
)

func init() {
	storage.RegisterLoader("sqlite", New)
}

// Loader implements storage.Loader against a SQLite database file.
type Loader struct {
	db *sql.DB
}

// New opens cfg.DSN as a SQLite database.
func New(ctx context.Context, cfg storage.Config) (storage.Loader, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.DSN, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pinging %s: %w", cfg.DSN, err)
	}
	return &Loader{db: db}, nil
}

func (l *Loader) CloseConnection() error {
	return l.db.Close()
}

func sqlType(kind storage.ColumnKind) string {
	switch kind {
	case storage.ColumnDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quoteIdent(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\"\"") + "\""
}

func tableRef(schema, table string) string {
	// SQLite has no schemas within a single-file database in this adapter's
	// configuration; schema is folded into the table name prefix so callers
	// can still separate "data" vs "meta" namespaces.
	if schema == "" {
		return quoteIdent(table)
	}
	return quoteIdent(schema + "_" + table)
}

func (l *Loader) createTableIfNotExists(ctx context.Context, schema, table string, cols []storage.ColumnSpec) error {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(tableRef(schema, table))
	b.WriteString(" (")

	var pk []string
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(sqlType(c.Kind))
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

	if _, err := l.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("sqlite: creating table %s: %w", table, err)
	}
	return nil
}

func (l *Loader) existingColumns(ctx context.Context, schema, table string) (map[string]struct{}, error) {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableRef(schema, table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading table_info for %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: scanning table_info: %w", err)
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// PrepareSchema ensures the data table exists with columns derived from dsd,
// adding newly-appeared nullable columns. SQLite's relaxed type affinity
// means a genuine type conflict cannot be detected the way Postgres's
// information_schema allows, so this adapter only ever adds columns.
func (l *Loader) PrepareSchema(ctx context.Context, dsd *sdmx.DSD, table, schema string, lastIngestion *model.IngestionHistory) error {
	cols := storage.ObservationColumns(dsd)
	if err := l.createTableIfNotExists(ctx, schema, table, cols); err != nil {
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
		if _, ok := existing[c.Name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableRef(schema, table), quoteIdent(c.Name), sqlType(c.Kind))
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: adding column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

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
	if err := l.createTableIfNotExists(ctx, schema, target, cols); err != nil {
		return err
	}
	if len(cl.Codes) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning codelist tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (code, label, description, parent_code) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(code) DO UPDATE SET label=excluded.label, description=excluded.description, parent_code=excluded.parent_code",
		tableRef(schema, target)))
	if err != nil {
		return fmt.Errorf("sqlite: preparing codelist upsert: %w", err)
	}
	defer stmt.Close()

	for code, entry := range cl.Codes {
		var parent any
		if entry.ParentCode != "" {
			parent = entry.ParentCode
		}
		if _, err := stmt.ExecContext(ctx, code, entry.Label, entry.Description, parent); err != nil {
			return fmt.Errorf("sqlite: upserting code %s: %w", code, err)
		}
	}

	return tx.Commit()
}

// BulkLoadStaging is SQLite's last-resort bulk path: a single transaction
// wrapping a batch of prepared-statement inserts, since SQLite has no
// COPY-protocol equivalent.
func (l *Loader) BulkLoadStaging(ctx context.Context, dsd *sdmx.DSD, table, schema string, observations <-chan model.Observation, useUnloggedTable bool) (string, int64, error) {
	staging := table + "_staging_" + fmt.Sprintf("%d", time.Now().UnixNano())
	cols := storage.ObservationColumns(dsd)
	// Staging carries the same composite primary key as the target (dims +
	// time_period) so a swap rename hands the target its PK back;
	// finalizeMerge's ON CONFLICT relies on the target's own primary key.
	if err := l.createTableIfNotExists(ctx, schema, staging, cols); err != nil {
		return "", 0, fmt.Errorf("%w: %v", storage.ErrBulkLoadFailed, err)
	}

	placeholders := make([]string, len(cols))
	colNames := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		colNames[i] = quoteIdent(c.Name)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableRef(schema, staging), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: beginning tx: %v", storage.ErrBulkLoadFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return "", 0, fmt.Errorf("%w: preparing insert: %v", storage.ErrBulkLoadFailed, err)
	}
	defer stmt.Close()

	var rowCount int64
	for obs := range observations {
		row := make([]any, 0, len(cols))
		for _, dv := range obs.Dimensions {
			row = append(row, dv.Value)
		}
		row = append(row, obs.TimePeriod)
		if obs.ObsValue != nil {
			row = append(row, *obs.ObsValue)
		} else {
			row = append(row, nil)
		}
		if obs.ObsFlags != nil {
			row = append(row, *obs.ObsFlags)
		} else {
			row = append(row, nil)
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return "", 0, fmt.Errorf("%w: inserting row: %v", storage.ErrBulkLoadFailed, err)
		}
		rowCount++
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("%w: committing: %v", storage.ErrBulkLoadFailed, err)
	}
	return staging, rowCount, nil
}

func (l *Loader) FinalizeLoad(ctx context.Context, dsd *sdmx.DSD, staging, target, schema string, strategy storage.FinalizeStrategy) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning finalize tx: %v", storage.ErrFinalizeFailed, err)
	}
	defer tx.Rollback()

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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing: %v", storage.ErrFinalizeFailed, err)
	}
	return nil
}

func (l *Loader) finalizeSwap(ctx context.Context, tx *sql.Tx, staging, target, schema string) error {
	var exists bool
	name := target
	if schema != "" {
		name = schema + "_" + target
	}
	row := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)", name)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("%w: checking target existence: %v", storage.ErrFinalizeFailed, err)
	}

	backup := target + "_backup_" + fmt.Sprintf("%d", time.Now().UnixNano())
	if exists {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tableRef(schema, target), tableRef(schema, backup))); err != nil {
			return fmt.Errorf("%w: renaming target to backup: %v", storage.ErrFinalizeFailed, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tableRef(schema, staging), tableRef(schema, target))); err != nil {
		return fmt.Errorf("%w: renaming staging to target: %v", storage.ErrFinalizeFailed, err)
	}
	if exists {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableRef(schema, backup))); err != nil {
			return fmt.Errorf("%w: dropping backup: %v", storage.ErrFinalizeFailed, err)
		}
	}
	return nil
}

func (l *Loader) finalizeMerge(ctx context.Context, tx *sql.Tx, dsd *sdmx.DSD, staging, target, schema string) error {
	cols := storage.ObservationColumns(dsd)
	pk := storage.PrimaryKeyColumns(dsd)

	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = quoteIdent(c.Name)
	}
	var updateSet []string
	for _, c := range cols {
		if c.PrimaryKey {
			continue
		}
		updateSet = append(updateSet, fmt.Sprintf("%s=excluded.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
	}
	quotedPK := make([]string, len(pk))
	for i, p := range pk {
		quotedPK[i] = quoteIdent(p)
	}

	mergeSQL := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT %s FROM %s
		ON CONFLICT (%s) DO UPDATE SET %s
	`, tableRef(schema, target), strings.Join(colNames, ", "),
		strings.Join(colNames, ", "), tableRef(schema, staging),
		strings.Join(quotedPK, ", "), strings.Join(updateSet, ", "))

	if _, err := tx.ExecContext(ctx, mergeSQL); err != nil {
		return fmt.Errorf("%w: merging staging into target: %v", storage.ErrFinalizeFailed, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableRef(schema, staging))); err != nil {
		return fmt.Errorf("%w: dropping staging: %v", storage.ErrFinalizeFailed, err)
	}
	return nil
}

const ingestionHistoryTable = "_ingestion_history"

func (l *Loader) ensureIngestionHistoryTable(ctx context.Context, schema string) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ingestion_id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id TEXT NOT NULL,
			dsd_version TEXT,
			load_strategy TEXT NOT NULL,
			representation TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			rows_loaded INTEGER,
			source_last_update TEXT,
			error_details TEXT
		)
	`, tableRef(schema, ingestionHistoryTable))
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: creating ingestion history table: %w", err)
	}
	return nil
}

func (l *Loader) GetIngestionState(ctx context.Context, datasetID, schema string) (*model.IngestionHistory, error) {
	if err := l.ensureIngestionHistoryTable(ctx, schema); err != nil {
		return nil, err
	}

	row := l.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT ingestion_id, dataset_id, dsd_version, load_strategy, representation, status,
		       start_time, end_time, rows_loaded, source_last_update, error_details
		FROM %s
		WHERE dataset_id = ? AND status = 'success'
		ORDER BY ingestion_id DESC
		LIMIT 1
	`, tableRef(schema, ingestionHistoryTable)), datasetID)

	var h model.IngestionHistory
	var loadStrategy, representation, status, startTime string
	var dsdVersion, endTime, sourceLastUpdate, errorDetails *string
	var rowsLoaded *int64

	err := row.Scan(&h.IngestionID, &h.DatasetID, &dsdVersion, &loadStrategy, &representation, &status,
		&startTime, &endTime, &rowsLoaded, &sourceLastUpdate, &errorDetails)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: querying ingestion state for %s: %w", datasetID, err)
	}

	if dsdVersion != nil {
		h.DSDVersion = *dsdVersion
	}
	h.LoadStrategy = model.LoadStrategy(loadStrategy)
	h.Representation = model.Representation(representation)
	h.Status = model.IngestionStatus(status)
	if t, perr := time.Parse(time.RFC3339Nano, startTime); perr == nil {
		h.StartTime = t
	}
	if endTime != nil {
		if t, perr := time.Parse(time.RFC3339Nano, *endTime); perr == nil {
			h.EndTime = &t
		}
	}
	if sourceLastUpdate != nil {
		if t, perr := time.Parse(time.RFC3339Nano, *sourceLastUpdate); perr == nil {
			h.SourceLastUpdate = &t
		}
	}
	h.RowsLoaded = rowsLoaded
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
	var endTime, sourceLastUpdate any
	if rec.EndTime != nil {
		endTime = rec.EndTime.UTC().Format(time.RFC3339Nano)
	}
	if rec.SourceLastUpdate != nil {
		sourceLastUpdate = rec.SourceLastUpdate.UTC().Format(time.RFC3339Nano)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s
			(dataset_id, dsd_version, load_strategy, representation, status, start_time, end_time, rows_loaded, source_last_update, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tableRef(schema, ingestionHistoryTable))

	_, err := l.db.ExecContext(ctx, stmt,
		rec.DatasetID, dsdVersion, string(rec.LoadStrategy), string(rec.Representation), string(rec.Status),
		rec.StartTime.UTC().Format(time.RFC3339Nano), endTime, rec.RowsLoaded, sourceLastUpdate, rec.ErrorDetails)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIngestionHistoryWriteFailed, err)
	}
	return nil
}
