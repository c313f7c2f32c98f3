// Package pipeline contains the ingest driver: the control loop that pulls
// chunks from a source, normalizes them, and writes both tables through one
// transactional unit per chunk.
//
// Execution is strictly sequential. Exactly one chunk is resident at a time
// and no storage connection is held across chunks:
//
//	START → { NORMALIZE → WRITE_INCIDENT → WRITE_LOCATION → COMMIT }* → DONE
//
// A uniqueness violation on one table is a routine, per-table event: it is
// logged and counted, the write for that table is discarded, and the chunk
// continues. Every other error aborts the run after the chunk's unit has been
// rolled back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"civicetl/internal/metrics"
	"civicetl/internal/normalize"
	"civicetl/internal/schema"
	"civicetl/internal/source"
	"civicetl/internal/storage"
	"civicetl/internal/transformer"
)

// Stage is a state of the driver's state machine.
type Stage int

const (
	StageStart Stage = iota
	StageNormalize
	StageWriteIncident
	StageWriteLocation
	StageCommit
	StageDone
)

var stageNames = [...]string{
	StageStart:         "START",
	StageNormalize:     "NORMALIZE",
	StageWriteIncident: "WRITE_INCIDENT",
	StageWriteLocation: "WRITE_LOCATION",
	StageCommit:        "COMMIT",
	StageDone:          "DONE",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// metricStep is the step label used for metrics ("write_incident").
func (s Stage) metricStep() string { return strings.ToLower(s.String()) }

// ChunkError reports a fatal error together with where it happened. Seq is 0
// for errors raised before the first chunk.
type ChunkError struct {
	Seq   int
	Stage Stage
	Err   error
}

func (e *ChunkError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("pipeline: chunk %d: %s: %v", e.Seq, e.Stage, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Normalizer turns one raw chunk into the two sub-chunks. It is satisfied by
// *normalize.Normalizer.
type Normalizer interface {
	Normalize(c *transformer.Chunk) (normalize.Batch, error)
}

// Options configures a Driver.
type Options struct {
	// Job labels logs and metrics.
	Job    string
	Logger *zap.Logger

	// Schema is bootstrapped through Repository.EnsureSchema. Defaults to
	// schema.CivicSchema().
	Schema schema.Schema

	// SkipSchema leaves schema creation to the operator.
	SkipSchema bool

	// SchemaPerChunk re-runs the idempotent bootstrap before every chunk
	// instead of once at START.
	SchemaPerChunk bool
}

// Stats summarizes a run.
type Stats struct {
	Chunks  int
	RawRows int

	// ParseSkipped counts malformed source records, when the source reports
	// them.
	ParseSkipped int

	// Normalize accumulates the normalizer's per-chunk counters (emitted and
	// dropped rows).
	Normalize normalize.Stats

	IncidentsWritten int64
	LocationsWritten int64

	// Violations counts uniqueness violations per table name. Each entry is
	// one discarded table write for one chunk.
	Violations map[string]int

	Duration time.Duration
}

// Driver runs the ingest loop. A Driver is single-use.
type Driver struct {
	src  source.Source
	norm Normalizer
	repo storage.Repository
	opt  Options
	log  *zap.Logger
}

// New returns a Driver. The driver does not take ownership of src or repo;
// callers close them.
func New(src source.Source, norm Normalizer, repo storage.Repository, opt Options) *Driver {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if len(opt.Schema.Tables) == 0 {
		opt.Schema = schema.CivicSchema()
	}
	if opt.Job == "" {
		opt.Job = "civicetl"
	}
	return &Driver{
		src:  src,
		norm: norm,
		repo: repo,
		opt:  opt,
		log:  opt.Logger,
	}
}

// Run processes chunks until the source is exhausted. The returned Stats are
// valid even when err is non-nil and cover every committed chunk.
func (d *Driver) Run(ctx context.Context) (st Stats, err error) {
	start := time.Now()
	st.Violations = map[string]int{}
	defer func() {
		st.Duration = time.Since(start)
		d.syncSourceStats(&st)
		metrics.RecordStep(d.opt.Job, "run", err, st.Duration)
		metrics.RecordRow(d.opt.Job, "parse_skipped", int64(st.ParseSkipped))
	}()

	if !d.opt.SchemaPerChunk {
		if err := d.ensureSchema(ctx); err != nil {
			return st, &ChunkError{Stage: StageStart, Err: err}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		c, err := d.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("pipeline: read chunk %d: %w", st.Chunks+1, err)
		}
		if err := d.runChunk(ctx, c, &st); err != nil {
			return st, err
		}
	}

	d.log.Info("pipeline done",
		zap.Stringer("stage", StageDone),
		zap.Int("chunks", st.Chunks),
		zap.Int("raw_rows", st.RawRows),
		zap.Int64("incidents_written", st.IncidentsWritten),
		zap.Int64("locations_written", st.LocationsWritten),
		zap.Any("violations", st.Violations),
	)
	return st, nil
}

func (d *Driver) ensureSchema(ctx context.Context) error {
	if d.opt.SkipSchema {
		return nil
	}
	t0 := time.Now()
	err := d.repo.EnsureSchema(ctx, d.opt.Schema)
	metrics.RecordStep(d.opt.Job, "ensure_schema", err, time.Since(t0))
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// runChunk drives one chunk through NORMALIZE, both writes and COMMIT. The
// transactional unit is always released before returning; on any error it
// is rolled back.
func (d *Driver) runChunk(ctx context.Context, c *transformer.Chunk, st *Stats) (err error) {
	seq := c.Seq
	chunkStart := time.Now()
	fail := func(stage Stage, err error) error {
		return &ChunkError{Seq: seq, Stage: stage, Err: err}
	}

	if d.opt.SchemaPerChunk {
		if err := d.ensureSchema(ctx); err != nil {
			c.Free()
			return fail(StageStart, err)
		}
	}

	// NORMALIZE, then hand the raw rows back to the pool before any I/O.
	t0 := time.Now()
	raw := c.Len()
	b, err := d.norm.Normalize(c)
	c.Free()
	metrics.RecordStep(d.opt.Job, StageNormalize.metricStep(), err, time.Since(t0))
	if err != nil {
		return fail(StageNormalize, err)
	}

	tx, err := d.repo.Begin(ctx)
	if err != nil {
		return fail(StageWriteIncident, fmt.Errorf("begin: %w", err))
	}
	defer func() {
		// Release must run even when ctx is already cancelled.
		if rerr := tx.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("pipeline: chunk %d: release: %w", seq, rerr))
		}
	}()

	violations := map[string]int{}
	incWritten, err := d.write(ctx, tx, seq, StageWriteIncident, schema.IncidentTable, schema.IncidentRows(b.Incidents), violations)
	if err != nil {
		return fail(StageWriteIncident, err)
	}
	locWritten, err := d.write(ctx, tx, seq, StageWriteLocation, schema.LocationTable, schema.LocationRows(b.Locations), violations)
	if err != nil {
		return fail(StageWriteLocation, err)
	}

	t0 = time.Now()
	err = tx.Commit(ctx)
	metrics.RecordStep(d.opt.Job, StageCommit.metricStep(), err, time.Since(t0))
	if err != nil {
		return fail(StageCommit, err)
	}

	ns := b.Stats

	st.Chunks++
	st.RawRows += raw
	st.Normalize.Add(ns)
	st.IncidentsWritten += incWritten
	st.LocationsWritten += locWritten
	for table, n := range violations {
		st.Violations[table] += n
		for i := 0; i < n; i++ {
			metrics.RecordViolation(d.opt.Job, table)
		}
	}

	d.recordChunk(ns, incWritten, locWritten)
	d.log.Info("chunk committed",
		zap.Int("chunk", seq),
		zap.Int("raw_rows", raw),
		zap.Int("incidents", ns.Incidents),
		zap.Int("locations", ns.Locations),
		zap.Int("incidents_dropped", ns.NullIDDrops+ns.KeyPolicyDrops+ns.DuplicateIncidents),
		zap.Int("locations_dropped", ns.IncompleteLocations+ns.DuplicateLocations),
		zap.Int64("incidents_written", incWritten),
		zap.Int64("locations_written", locWritten),
		zap.Duration("elapsed", time.Since(chunkStart)),
	)
	return nil
}

// write appends rows to table. A uniqueness violation is swallowed: the
// table's write for this chunk is discarded, 0 rows are reported and the
// violation is counted in violations.
func (d *Driver) write(ctx context.Context, tx storage.Tx, seq int, stage Stage, table schema.Table, rows [][]any, violations map[string]int) (int64, error) {
	t0 := time.Now()
	n, err := tx.Append(ctx, table, rows)
	if storage.IsUniqueViolation(err) {
		metrics.RecordStep(d.opt.Job, stage.metricStep(), nil, time.Since(t0))
		violations[table.Name]++
		d.log.Info("uniqueness violation, table write discarded",
			zap.String("table", table.Name),
			zap.Int("chunk", seq),
			zap.Int("rows", len(rows)),
			zap.Error(err),
		)
		return 0, nil
	}
	metrics.RecordStep(d.opt.Job, stage.metricStep(), err, time.Since(t0))
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Driver) recordChunk(ns normalize.Stats, incWritten, locWritten int64) {
	job := d.opt.Job
	metrics.RecordChunks(job, 1)
	metrics.RecordRow(job, "raw", int64(ns.RawRows))
	metrics.RecordRow(job, "incident_written", incWritten)
	metrics.RecordRow(job, "location_written", locWritten)
	metrics.RecordRow(job, "null_id_dropped", int64(ns.NullIDDrops))
	metrics.RecordRow(job, "key_policy_dropped", int64(ns.KeyPolicyDrops))
	metrics.RecordRow(job, "duplicate_dropped", int64(ns.DuplicateIncidents+ns.DuplicateLocations))
	metrics.RecordRow(job, "incomplete_location_dropped", int64(ns.IncompleteLocations))
}

// statsSource is implemented by the sources returned from source.Open.
type statsSource interface {
	Stats() source.Stats
}

func (d *Driver) syncSourceStats(st *Stats) {
	if s, ok := d.src.(statsSource); ok {
		st.ParseSkipped = s.Stats().Skipped
	}
}
