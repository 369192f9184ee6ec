// Package orchestrator wires the Fetcher, Parsers, Transformer, and Loader
// together into one dataset ingestion run, deciding between a delta
// short-circuit, a full (swap) load, and a delta (merge) load.
//
// This package is intentionally thin: it owns control flow and error/state
// bookkeeping, not any parsing or storage logic of its own, mirroring the
// teacher's internal/multitable/runner.go, whose Run method is itself a
// short wiring function over already-built components.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"eurostatpipeline/internal/fetcher"
	"eurostatpipeline/internal/metrics"
	"eurostatpipeline/internal/model"
	"eurostatpipeline/internal/parser/inventory"
	"eurostatpipeline/internal/parser/sdmxml"
	"eurostatpipeline/internal/parser/tsv"
	"eurostatpipeline/internal/sdmx"
	"eurostatpipeline/internal/storage"
	"eurostatpipeline/internal/transformer"
)

// Logger is the minimal logging interface Orchestrator writes stage
// transitions to. *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Orchestrator wires one Fetcher and one Loader into repeatable ingestion
// runs.
type Orchestrator struct {
	Fetcher    *fetcher.Fetcher
	Loader     storage.Loader
	DataSchema string
	MetaSchema string
	ChunkSize  int
	Logger     Logger         // defaults to a discarding logger when nil
	Metrics    metrics.Backend // if set, installed as the process-wide backend on first Run
}

func (o *Orchestrator) logger() func(format string, v ...any) {
	if o.Logger == nil {
		l := log.New(io.Discard, "", 0)
		return l.Printf
	}
	return o.Logger.Printf
}

var installMetricsOnce sync.Once

func (o *Orchestrator) installMetrics() {
	if o.Metrics == nil {
		return
	}
	installMetricsOnce.Do(func() {
		metrics.SetBackend(o.Metrics)
	})
}

// RunOptions configures a single dataset ingestion.
type RunOptions struct {
	DatasetID         string
	Representation    model.Representation
	RequestedStrategy model.LoadStrategy // caller's preference; full always wins if no prior history
	UseUnloggedStaging bool
}

// Run executes one ingestion: fetch inventory + DSD + codelists, decide
// full/delta/skip, stream-transform-load, and record the outcome.
//
// On any failure, Run attempts (best effort) to persist a "failed"
// IngestionHistory record before returning the
// error, so GetIngestionState continues to reflect the last successful load
// rather than silently retrying from an unknown state.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*model.IngestionHistory, error) {
	o.installMetrics()
	startTime := time.Now().UTC()
	hist := &model.IngestionHistory{
		DatasetID:      opts.DatasetID,
		LoadStrategy:   opts.RequestedStrategy,
		Representation: opts.Representation,
		Status:         model.IngestionRunning,
		StartTime:      startTime,
	}

	result, err := o.run(ctx, opts, hist)
	if err != nil {
		o.logger()("stage=failed dataset=%s error=%v", opts.DatasetID, err)
		metrics.IncCounter("ingestion_step_total", 1, metrics.Labels{"step": "run", "status": "failed"})
		hist.Status = model.IngestionFailed
		errMsg := err.Error()
		hist.ErrorDetails = &errMsg
		end := time.Now().UTC()
		hist.EndTime = &end
		if saveErr := o.Loader.SaveIngestionState(ctx, hist, o.MetaSchema); saveErr != nil {
			return nil, fmt.Errorf("run failed (%w), and saving failure state also failed: %v", err, saveErr)
		}
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, opts RunOptions, hist *model.IngestionHistory) (*model.IngestionHistory, error) {
	logf := o.logger()
	logf("stage=start dataset=%s strategy=%s", opts.DatasetID, opts.RequestedStrategy)

	invPath, err := o.Fetcher.GetInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching inventory: %w", err)
	}
	invFile, err := os.Open(invPath)
	if err != nil {
		return nil, fmt.Errorf("opening inventory: %w", err)
	}
	defer invFile.Close()

	inv, err := inventory.Parse(invFile)
	if err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}

	invRecord, err := inv.Lookup(opts.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("looking up %s in inventory: %w", opts.DatasetID, err)
	}
	hist.SourceLastUpdate = &invRecord.LastUpdate
	logf("stage=inventory ok dataset=%s source_last_update=%s", opts.DatasetID, invRecord.LastUpdate.Format(time.RFC3339))

	lastIngestion, err := o.Loader.GetIngestionState(ctx, opts.DatasetID, o.MetaSchema)
	if err != nil {
		return nil, fmt.Errorf("reading prior ingestion state: %w", err)
	}

	strategy := opts.RequestedStrategy
	if strategy == "" {
		strategy = model.LoadStrategyDelta
	}

	if lastIngestion == nil {
		strategy = model.LoadStrategyFull
	} else if strategy == model.LoadStrategyDelta {
		if lastIngestion.SourceLastUpdate != nil && !invRecord.LastUpdate.After(*lastIngestion.SourceLastUpdate) {
			hist.Status = model.IngestionSkipped
			hist.LoadStrategy = strategy
			end := time.Now().UTC()
			hist.EndTime = &end
			if err := o.Loader.SaveIngestionState(ctx, hist, o.MetaSchema); err != nil {
				return nil, fmt.Errorf("saving skipped ingestion state: %w", err)
			}
			logf("stage=decide skip dataset=%s reason=source_unchanged", opts.DatasetID)
			metrics.IncCounter("ingestion_step_total", 1, metrics.Labels{"step": "run", "status": "skipped"})
			return hist, nil
		}
	}
	hist.LoadStrategy = strategy
	logf("stage=decide dataset=%s strategy=%s", opts.DatasetID, strategy)

	dsdPath, err := o.Fetcher.GetDSD(ctx, opts.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("fetching dsd: %w", err)
	}
	dsdFile, err := os.Open(dsdPath)
	if err != nil {
		return nil, fmt.Errorf("opening dsd: %w", err)
	}
	defer dsdFile.Close()

	dsd, err := sdmxml.ParseDSD(dsdFile)
	if err != nil {
		return nil, fmt.Errorf("parsing dsd: %w", err)
	}
	hist.DSDVersion = dsd.Version
	logf("stage=dsd ok dataset=%s version=%s dimensions=%d", opts.DatasetID, dsd.Version, len(dsd.Dimensions))

	codelists, err := o.fetchCodelists(ctx, dsd)
	if err != nil {
		return nil, fmt.Errorf("fetching codelists: %w", err)
	}
	logf("stage=codelists ok dataset=%s count=%d", opts.DatasetID, len(codelists))

	if err := o.Loader.PrepareSchema(ctx, dsd, storage.TableName(opts.DatasetID), o.DataSchema, lastIngestion); err != nil {
		return nil, fmt.Errorf("preparing schema: %w", err)
	}
	if err := o.Loader.ManageCodelists(ctx, codelists, o.MetaSchema); err != nil {
		return nil, fmt.Errorf("managing codelists: %w", err)
	}
	logf("stage=schema ok dataset=%s", opts.DatasetID)

	tsvPath, err := o.Fetcher.GetTSV(ctx, opts.DatasetID, invRecord.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("fetching tsv: %w", err)
	}

	loadStart := time.Now()
	rowCount, stagingTable, err := o.loadObservations(ctx, tsvPath, dsd, codelists, opts)
	if err != nil {
		return nil, fmt.Errorf("loading observations: %w", err)
	}
	loadDuration := time.Since(loadStart)
	logf("stage=load ok dataset=%s rows=%d duration=%s", opts.DatasetID, rowCount, loadDuration.Truncate(time.Millisecond))
	metrics.ObserveHistogram("ingestion_step_duration_seconds", loadDuration.Seconds(), metrics.Labels{"step": "load", "status": "ok"})

	finalizeStrategy := storage.FinalizeMerge
	if strategy == model.LoadStrategyFull {
		finalizeStrategy = storage.FinalizeSwap
	}
	if err := o.Loader.FinalizeLoad(ctx, dsd, stagingTable, storage.TableName(opts.DatasetID), o.DataSchema, finalizeStrategy); err != nil {
		return nil, fmt.Errorf("finalizing load: %w", err)
	}
	logf("stage=finalize ok dataset=%s strategy=%s", opts.DatasetID, finalizeStrategy)

	hist.Status = model.IngestionSuccess
	hist.RowsLoaded = &rowCount
	end := time.Now().UTC()
	hist.EndTime = &end
	if err := o.Loader.SaveIngestionState(ctx, hist, o.MetaSchema); err != nil {
		return nil, fmt.Errorf("saving ingestion state: %w", err)
	}
	logf("stage=done dataset=%s status=%s", opts.DatasetID, hist.Status)

	metrics.IncCounter("ingestion_step_total", 1, metrics.Labels{"step": "run", "status": "ok"})
	metrics.IncCounter("ingestion_observations_total", float64(rowCount), metrics.Labels{"kind": "observation"})

	return hist, nil
}

// fetchCodelists fetches and parses every codelist referenced by dsd's
// dimensions and attributes concurrently: each codelist is an independent
// HTTP round trip, and a DSD with dozens of coded dimensions would otherwise
// serialize that latency needlessly.
func (o *Orchestrator) fetchCodelists(ctx context.Context, dsd *sdmx.DSD) (map[string]*sdmx.Codelist, error) {
	ids := make(map[string]struct{})
	for _, d := range dsd.Dimensions {
		if d.CodelistID != "" {
			ids[d.CodelistID] = struct{}{}
		}
	}
	for _, a := range dsd.Attributes {
		if a.CodelistID != "" {
			ids[a.CodelistID] = struct{}{}
		}
	}

	var (
		mu        sync.Mutex
		codelists = make(map[string]*sdmx.Codelist, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	for id := range ids {
		id := id
		g.Go(func() error {
			path, err := o.Fetcher.GetCodelist(gctx, id)
			if err != nil {
				return fmt.Errorf("fetching codelist %s: %w", id, err)
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening codelist %s: %w", id, err)
			}
			defer f.Close()

			cl, err := sdmxml.ParseCodelist(f)
			if err != nil {
				return fmt.Errorf("parsing codelist %s: %w", id, err)
			}

			mu.Lock()
			codelists[id] = cl
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return codelists, nil
}

// loadObservations streams the TSV through the transformer and into the
// loader's bulk path concurrently: the transformer goroutine blocks on a
// bounded channel send, the loader goroutine blocks on its backend's bulk
// insert/copy, so memory use stays bounded by the channel buffer regardless
// of dataset size.
func (o *Orchestrator) loadObservations(ctx context.Context, tsvPath string, dsd *sdmx.DSD, codelists map[string]*sdmx.Codelist, opts RunOptions) (int64, string, error) {
	f, err := os.Open(tsvPath)
	if err != nil {
		return 0, "", fmt.Errorf("opening tsv: %w", err)
	}
	defer f.Close()

	chunkSize := o.ChunkSize
	if chunkSize <= 0 {
		chunkSize = tsv.DefaultChunkSize
	}

	reader, err := tsv.NewReader(f, chunkSize)
	if err != nil {
		return 0, "", fmt.Errorf("opening tsv matrix: %w", err)
	}
	defer reader.Close()

	stream, err := transformer.New(reader, dsd, codelists, opts.Representation)
	if err != nil {
		return 0, "", fmt.Errorf("starting transform: %w", err)
	}

	obsCh := make(chan model.Observation, chunkSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(obsCh)
		for {
			obs, err := stream.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case obsCh <- *obs:
			case <-ctx.Done():
				return
			}
		}
	}()

	staging, rowCount, loadErr := o.Loader.BulkLoadStaging(ctx, dsd, storage.TableName(opts.DatasetID), o.DataSchema, obsCh, opts.UseUnloggedStaging)

	select {
	case err := <-errCh:
		return 0, "", fmt.Errorf("streaming transform: %w", err)
	default:
	}

	if loadErr != nil {
		return 0, "", loadErr
	}
	return rowCount, staging, nil
}
