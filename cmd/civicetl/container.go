// Package main wires the ingest end-to-end: config → chunk source →
// normalizer → storage repository → pipeline driver. This file keeps the CLI
// layer thin: it depends only on storage-agnostic interfaces and never
// imports database drivers or backend-specific packages directly.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"civicetl/internal/config"
	"civicetl/internal/metrics"
	"civicetl/internal/metrics/datadog"
	"civicetl/internal/metrics/prompush"
	"civicetl/internal/normalize"
	"civicetl/internal/pipeline"
	"civicetl/internal/report"
	"civicetl/internal/source"
	"civicetl/internal/storage"
	"civicetl/internal/transformer/builtin"
)

// Function variables used to introduce test seams.
// In production these point to real implementations; tests can override them.
var (
	newRepositoryFn = storage.New
	openSourceFn    = source.Open
	openReportFn    = report.Open
)

const (
	defaultPushgatewayURL = "http://localhost:9091"
	defaultDatadogAddr    = "127.0.0.1:8125"
)

// withRun tags every log line of this process with a fresh run id and the job.
func withRun(log *zap.Logger, p config.Pipeline) *zap.Logger {
	return log.With(zap.String("run_id", uuid.NewString()), zap.String("job", p.Job))
}

// runIngest builds every collaborator from p and drives the pipeline to
// completion. The repository and source are closed before it returns.
func runIngest(ctx context.Context, p config.Pipeline, log *zap.Logger) (pipeline.Stats, error) {
	norm, err := normalize.New(normalize.Options{
		KeyPolicy: normalize.KeyPolicy(p.Normalize.KeyPolicy),
		Sentinel:  p.Normalize.Sentinel,
		Dedup:     builtin.Policy(p.Normalize.Dedup),
	})
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("init normalizer: %w", err)
	}

	repo, err := initRepository(ctx, p, log)
	if err != nil {
		return pipeline.Stats{}, err
	}
	defer repo.Close()

	scfg := source.FromPipeline(p)
	scfg.Logger = log
	scfg.OnParseError = func(line int, err error) {
		log.Debug("skipped malformed record", zap.Int("line", line), zap.Error(err))
	}
	src, err := openSourceFn(ctx, scfg)
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	log.Info("pipeline starting",
		zap.String("source", p.Source.Kind),
		zap.String("storage", p.Storage.Kind),
		zap.String("conflict_mode", p.Storage.DB.ConflictMode),
		zap.Int("row_limit", p.Runtime.RowLimit),
		zap.Int("chunk_size", p.Runtime.ChunkSize),
	)

	d := pipeline.New(src, norm, repo, pipeline.Options{
		Job:            p.Job,
		Logger:         log,
		SkipSchema:     !p.Storage.DB.AutoCreateTable,
		SchemaPerChunk: p.Storage.DB.SchemaPerChunk,
	})
	return d.Run(ctx)
}

// initRepository constructs the storage repository from the pipeline spec and
// returns a backend-agnostic Repository.
func initRepository(ctx context.Context, p config.Pipeline, log *zap.Logger) (storage.Repository, error) {
	mode, err := storage.ParseConflictMode(p.Storage.DB.ConflictMode)
	if err != nil {
		return nil, err
	}
	repo, err := newRepositoryFn(ctx, storage.Config{
		Kind:         p.Storage.Kind,
		DSN:          p.Storage.DB.DSN,
		ConflictMode: mode,
		MaxConns:     p.Storage.DB.MaxConns,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

// setupMetrics installs the configured metrics backend and returns a flush
// function for the end of the run. Backend failures only disable metrics.
func setupMetrics(p config.Pipeline, log *zap.Logger) (flush func()) {
	noop := func() {}
	name := strings.ToLower(strings.TrimSpace(p.Metrics.Backend))

	var (
		b   metrics.Backend
		err error
	)
	switch name {
	case "", "none":
		log.Debug("metrics disabled")
		return noop
	case "prometheus":
		url := p.Metrics.PushgatewayURL
		if url == "" {
			url = defaultPushgatewayURL
		}
		b, err = prompush.NewBackend(p.Job, url)
		log = log.With(zap.String("url", url))
	case "datadog":
		addr := p.Metrics.DatadogAddr
		if addr == "" {
			addr = defaultDatadogAddr
		}
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "civic.",
			GlobalTags: []string{"job:" + p.Job},
		})
		log = log.With(zap.String("addr", addr))
	default:
		log.Warn("unknown metrics backend; metrics disabled", zap.String("backend", name))
		return noop
	}
	if err != nil {
		log.Warn("metrics backend init failed; using nop", zap.String("backend", name), zap.Error(err))
		return noop
	}

	metrics.SetBackend(b)
	log.Info("metrics enabled", zap.String("backend", name))
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics flush failed", zap.Error(err))
		}
	}
}

// logSummary prints the end-of-run totals.
func logSummary(log *zap.Logger, st pipeline.Stats) {
	ns := st.Normalize
	log.Info("ingest summary",
		zap.Int("chunks", st.Chunks),
		zap.String("raw_rows", humanize.Comma(int64(st.RawRows))),
		zap.String("parse_skipped", humanize.Comma(int64(st.ParseSkipped))),
		zap.String("incidents_emitted", humanize.Comma(int64(ns.Incidents))),
		zap.String("incidents_written", humanize.Comma(st.IncidentsWritten)),
		zap.String("locations_emitted", humanize.Comma(int64(ns.Locations))),
		zap.String("locations_written", humanize.Comma(st.LocationsWritten)),
		zap.String("dropped_null_id", humanize.Comma(int64(ns.NullIDDrops))),
		zap.String("dropped_key_policy", humanize.Comma(int64(ns.KeyPolicyDrops))),
		zap.String("dropped_duplicates", humanize.Comma(int64(ns.DuplicateIncidents+ns.DuplicateLocations))),
		zap.String("dropped_incomplete_locations", humanize.Comma(int64(ns.IncompleteLocations))),
		zap.Any("violations", st.Violations),
		zap.Duration("elapsed", st.Duration),
	)
}
