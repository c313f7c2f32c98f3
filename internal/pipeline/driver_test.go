package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"civicetl/internal/normalize"
	"civicetl/internal/schema"
	"civicetl/internal/source"
	"civicetl/internal/storage"
	"civicetl/internal/transformer"
)

// raw is one raw row keyed by column name; missing keys are null.
type raw map[string]any

func chunkOf(seq int, rows ...raw) *transformer.Chunk {
	c := transformer.NewChunk(seq, schema.RawColumns, len(rows))
	for _, r := range rows {
		row := transformer.GetRow(len(schema.RawColumns))
		for i, col := range schema.RawColumns {
			row.V[i] = r[col]
		}
		c.Append(row)
	}
	return c
}

func incidentRow(id, zip, borough string) raw {
	return raw{
		"unique_key":     id,
		"agency":         "NYPD",
		"complaint_type": "Noise",
		"status":         "Open",
		"city":           "NEW YORK",
		"incident_zip":   zip,
		"borough":        borough,
	}
}

// fakeSource replays chunks, then returns io.EOF or err.
type fakeSource struct {
	chunks []*transformer.Chunk
	err    error
	pulled int
	closed bool
	stats  source.Stats
}

func (s *fakeSource) Next(context.Context) (*transformer.Chunk, error) {
	if s.pulled < len(s.chunks) {
		c := s.chunks[s.pulled]
		s.pulled++
		s.stats.Chunks++
		return c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeSource) Close() error        { s.closed = true; return nil }
func (s *fakeSource) Stats() source.Stats { return s.stats }

// call records one Append.
type call struct {
	Table string
	Rows  int
}

// fakeRepo records calls and injects errors per table and chunk.
type fakeRepo struct {
	schemaCalls int
	schemaErr   error
	beginErr    error
	commitErr   error

	// appendErr returns the error for the n-th transaction (1-based).
	appendErr func(tx int, table string) error

	txs      int
	calls    []call
	commits  int
	releases int
	open     int // transactions begun but not released
	maxOpen  int
}

func (r *fakeRepo) EnsureSchema(context.Context, schema.Schema) error {
	r.schemaCalls++
	return r.schemaErr
}

func (r *fakeRepo) Begin(context.Context) (storage.Tx, error) {
	if r.beginErr != nil {
		return nil, r.beginErr
	}
	r.txs++
	r.open++
	if r.open > r.maxOpen {
		r.maxOpen = r.open
	}
	return &fakeTx{repo: r, n: r.txs}, nil
}

func (r *fakeRepo) Close() {}

type fakeTx struct {
	repo     *fakeRepo
	n        int
	released bool
}

func (t *fakeTx) Append(_ context.Context, table schema.Table, rows [][]any) (int64, error) {
	if t.repo.appendErr != nil {
		if err := t.repo.appendErr(t.n, table.Name); err != nil {
			return 0, err
		}
	}
	t.repo.calls = append(t.repo.calls, call{Table: table.Name, Rows: len(rows)})
	return int64(len(rows)), nil
}

func (t *fakeTx) Commit(context.Context) error {
	if t.repo.commitErr != nil {
		return t.repo.commitErr
	}
	t.repo.commits++
	return nil
}

func (t *fakeTx) Release(context.Context) error {
	if !t.released {
		t.released = true
		t.repo.releases++
		t.repo.open--
	}
	return nil
}

func violation(table string) error {
	return &storage.UniqueViolationError{Table: table, Err: errors.New("duplicate key")}
}

func mustNormalizer(t *testing.T) *normalize.Normalizer {
	t.Helper()
	n, err := normalize.New(normalize.Options{})
	if err != nil {
		t.Fatalf("normalize.New: %v", err)
	}
	return n
}

func TestStage_String(t *testing.T) {
	t.Parallel()
	got := []string{}
	for s := StageStart; s <= StageDone; s++ {
		got = append(got, s.String())
	}
	want := []string{"START", "NORMALIZE", "WRITE_INCIDENT", "WRITE_LOCATION", "COMMIT", "DONE"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stage names (-want +got):\n%s", diff)
	}
	if s := Stage(42).String(); s != "Stage(42)" {
		t.Fatalf("unknown stage = %q", s)
	}
}

func TestRun_WritesEveryChunkInOrder(t *testing.T) {
	t.Parallel()
	src := &fakeSource{chunks: []*transformer.Chunk{
		chunkOf(1, incidentRow("A1", "10001", "MANHATTAN"), incidentRow("A2", "10001", "MANHATTAN")),
		chunkOf(2, incidentRow("B1", "11201", "BROOKLYN")),
	}, stats: source.Stats{Skipped: 3}}
	repo := &fakeRepo{}

	st, err := New(src, mustNormalizer(t), repo, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []call{
		{schema.IncidentTableName, 2}, {schema.LocationTableName, 1},
		{schema.IncidentTableName, 1}, {schema.LocationTableName, 1},
	}
	if diff := cmp.Diff(want, repo.calls); diff != "" {
		t.Fatalf("append calls (-want +got):\n%s", diff)
	}
	if repo.schemaCalls != 1 {
		t.Errorf("EnsureSchema calls = %d, want 1", repo.schemaCalls)
	}
	if repo.commits != 2 || repo.releases != 2 {
		t.Errorf("commits=%d releases=%d, want 2/2", repo.commits, repo.releases)
	}
	if repo.maxOpen != 1 {
		t.Errorf("max concurrently open units = %d, want 1", repo.maxOpen)
	}
	if st.Chunks != 2 || st.RawRows != 3 || st.IncidentsWritten != 3 || st.LocationsWritten != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.ParseSkipped != 3 {
		t.Errorf("ParseSkipped = %d, want 3", st.ParseSkipped)
	}
	if len(st.Violations) != 0 {
		t.Errorf("violations = %v, want none", st.Violations)
	}
}

// TestRun_IncidentViolationStillWritesLocations: a violation on the incident
// table for chunk N must not stop the location write for chunk N nor the
// processing of chunk N+1.
func TestRun_IncidentViolationStillWritesLocations(t *testing.T) {
	t.Parallel()
	src := &fakeSource{chunks: []*transformer.Chunk{
		chunkOf(1, incidentRow("A1", "10001", "MANHATTAN")),
		chunkOf(2, incidentRow("B1", "11201", "BROOKLYN")),
	}}
	repo := &fakeRepo{appendErr: func(tx int, table string) error {
		if tx == 1 && table == schema.IncidentTableName {
			return violation(table)
		}
		return nil
	}}

	st, err := New(src, mustNormalizer(t), repo, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []call{
		{schema.LocationTableName, 1},
		{schema.IncidentTableName, 1}, {schema.LocationTableName, 1},
	}
	if diff := cmp.Diff(want, repo.calls); diff != "" {
		t.Fatalf("append calls (-want +got):\n%s", diff)
	}
	if repo.commits != 2 {
		t.Errorf("commits = %d, want 2", repo.commits)
	}
	if diff := cmp.Diff(map[string]int{schema.IncidentTableName: 1}, st.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}
	if st.IncidentsWritten != 1 || st.LocationsWritten != 2 {
		t.Errorf("written incidents=%d locations=%d, want 1/2", st.IncidentsWritten, st.LocationsWritten)
	}
}

func TestRun_BothTablesViolateStillCommits(t *testing.T) {
	t.Parallel()
	src := &fakeSource{chunks: []*transformer.Chunk{chunkOf(1, incidentRow("A1", "10001", "MANHATTAN"))}}
	repo := &fakeRepo{appendErr: func(_ int, table string) error { return violation(table) }}

	st, err := New(src, mustNormalizer(t), repo, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.commits != 1 {
		t.Errorf("commits = %d, want 1", repo.commits)
	}
	want := map[string]int{schema.IncidentTableName: 1, schema.LocationTableName: 1}
	if diff := cmp.Diff(want, st.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}
}

// A violation inside a chunk whose commit fails is not reported.
func TestRun_FailedCommitDiscardsViolations(t *testing.T) {
	t.Parallel()
	boom := errors.New("commit: connection reset")
	src := &fakeSource{chunks: []*transformer.Chunk{chunkOf(1, incidentRow("A1", "10001", "MANHATTAN"))}}
	repo := &fakeRepo{
		commitErr: boom,
		appendErr: func(_ int, table string) error {
			if table == schema.IncidentTableName {
				return violation(table)
			}
			return nil
		},
	}

	st, err := New(src, mustNormalizer(t), repo, Options{}).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(st.Violations) != 0 {
		t.Errorf("violations = %v, want none for an uncommitted chunk", st.Violations)
	}
}

func TestRun_FatalErrorsAbortWithStage(t *testing.T) {
	t.Parallel()
	boom := errors.New("store unreachable")

	cases := []struct {
		name      string
		repo      *fakeRepo
		wantStage Stage
		wantSeq   int
		wantTx    bool // a unit was begun and must be released
	}{
		{
			name:      "schema",
			repo:      &fakeRepo{schemaErr: boom},
			wantStage: StageStart,
		},
		{
			name:      "begin",
			repo:      &fakeRepo{beginErr: boom},
			wantStage: StageWriteIncident,
			wantSeq:   1,
		},
		{
			name: "incident append",
			repo: &fakeRepo{appendErr: func(_ int, table string) error {
				if table == schema.IncidentTableName {
					return boom
				}
				return nil
			}},
			wantStage: StageWriteIncident,
			wantSeq:   1,
			wantTx:    true,
		},
		{
			name: "location append",
			repo: &fakeRepo{appendErr: func(_ int, table string) error {
				if table == schema.LocationTableName {
					return boom
				}
				return nil
			}},
			wantStage: StageWriteLocation,
			wantSeq:   1,
			wantTx:    true,
		},
		{
			name:      "commit",
			repo:      &fakeRepo{commitErr: boom},
			wantStage: StageCommit,
			wantSeq:   1,
			wantTx:    true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{chunks: []*transformer.Chunk{
				chunkOf(1, incidentRow("A1", "10001", "MANHATTAN")),
				chunkOf(2, incidentRow("B1", "11201", "BROOKLYN")),
			}}
			st, err := New(src, mustNormalizer(t), tc.repo, Options{}).Run(context.Background())
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want %v", err, boom)
			}
			var ce *ChunkError
			if !errors.As(err, &ce) {
				t.Fatalf("err %T is not a *ChunkError", err)
			}
			if ce.Stage != tc.wantStage || ce.Seq != tc.wantSeq {
				t.Errorf("stage=%s seq=%d, want %s/%d", ce.Stage, ce.Seq, tc.wantStage, tc.wantSeq)
			}
			if tc.wantTx && tc.repo.releases != 1 {
				t.Errorf("releases = %d, want 1", tc.repo.releases)
			}
			if tc.repo.open != 0 {
				t.Errorf("%d units left open", tc.repo.open)
			}
			if src.pulled > 1 {
				t.Errorf("pulled %d chunks after a fatal error, want at most 1", src.pulled)
			}
			if st.Chunks != 0 {
				t.Errorf("Chunks = %d, want 0", st.Chunks)
			}
		})
	}
}

func TestRun_MissingColumnsIsFatalAtNormalize(t *testing.T) {
	t.Parallel()
	c := transformer.NewChunk(1, []string{"unique_key"}, 1)
	row := transformer.GetRow(1)
	row.V[0] = "A1"
	c.Append(row)
	src := &fakeSource{chunks: []*transformer.Chunk{c}}
	repo := &fakeRepo{}

	_, err := New(src, mustNormalizer(t), repo, Options{}).Run(context.Background())
	var mc *schema.MissingColumnsError
	if !errors.As(err, &mc) {
		t.Fatalf("err = %v, want *schema.MissingColumnsError", err)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) || ce.Stage != StageNormalize {
		t.Fatalf("err = %v, want NORMALIZE stage", err)
	}
	if repo.txs != 0 {
		t.Errorf("began %d units, want 0", repo.txs)
	}
}

func TestRun_SourceErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("http 503")
	src := &fakeSource{
		chunks: []*transformer.Chunk{chunkOf(1, incidentRow("A1", "10001", "MANHATTAN"))},
		err:    boom,
	}
	st, err := New(src, mustNormalizer(t), &fakeRepo{}, Options{}).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if st.Chunks != 1 {
		t.Errorf("Chunks = %d, want the first chunk committed", st.Chunks)
	}
}

func TestRun_SchemaPerChunk(t *testing.T) {
	t.Parallel()
	src := &fakeSource{chunks: []*transformer.Chunk{
		chunkOf(1, incidentRow("A1", "10001", "MANHATTAN")),
		chunkOf(2, incidentRow("B1", "11201", "BROOKLYN")),
		chunkOf(3, incidentRow("C1", "10451", "BRONX")),
	}}
	repo := &fakeRepo{}
	if _, err := New(src, mustNormalizer(t), repo, Options{SchemaPerChunk: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.schemaCalls != 3 {
		t.Fatalf("EnsureSchema calls = %d, want 3", repo.schemaCalls)
	}
}

func TestRun_SkipSchema(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{schemaErr: errors.New("must not be called")}
	if _, err := New(&fakeSource{}, mustNormalizer(t), repo, Options{SkipSchema: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.schemaCalls != 0 {
		t.Fatalf("EnsureSchema calls = %d, want 0", repo.schemaCalls)
	}
}

func TestRun_CancelledContextStops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{chunks: []*transformer.Chunk{chunkOf(1, incidentRow("A1", "10001", "MANHATTAN"))}}
	_, err := New(src, mustNormalizer(t), &fakeRepo{}, Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if src.pulled != 0 {
		t.Fatalf("pulled %d chunks from a cancelled run", src.pulled)
	}
}

func TestRun_FreesRawChunk(t *testing.T) {
	t.Parallel()
	c := chunkOf(1, incidentRow("A1", "10001", "MANHATTAN"))
	src := &fakeSource{chunks: []*transformer.Chunk{c}}
	if _, err := New(src, mustNormalizer(t), &fakeRepo{}, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("raw chunk still holds %d rows", c.Len())
	}
}
