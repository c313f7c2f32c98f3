package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"civicetl/internal/schema"
	"civicetl/internal/storage"
	_ "civicetl/internal/storage/sqlite"
	"civicetl/internal/transformer"
)

func sqliteRepo(t *testing.T, dsn string, mode storage.ConflictMode) storage.Repository {
	t.Helper()
	repo, err := storage.New(context.Background(), storage.Config{
		Kind:         "sqlite",
		DSN:          dsn,
		ConflictMode: mode,
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	return repo
}

func ingest(t *testing.T, dsn string, mode storage.ConflictMode, chunks ...*transformer.Chunk) Stats {
	t.Helper()
	repo := sqliteRepo(t, dsn, mode)
	defer repo.Close()
	st, err := New(&fakeSource{chunks: chunks}, mustNormalizer(t), repo, Options{Job: "test"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return st
}

func ids(t *testing.T, dsn, query string) []string {
	t.Helper()
	db, err := storage.OpenReader(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer db.Close()
	var out []string
	if err := db.Select(&out, query); err != nil {
		t.Fatalf("select: %v", err)
	}
	return out
}

func incidentIDs(t *testing.T, dsn string) []string {
	return ids(t, dsn, "SELECT incident_id FROM incident ORDER BY incident_id")
}

func locationIDs(t *testing.T, dsn string) []string {
	return ids(t, dsn, "SELECT id FROM locations ORDER BY id")
}

func twoChunks() []*transformer.Chunk {
	return []*transformer.Chunk{
		chunkOf(1,
			incidentRow("A1", "10001", "MANHATTAN"),
			incidentRow("A2", "10001", "MANHATTAN"),
			incidentRow("A2", "10001", "MANHATTAN"),
		),
		chunkOf(2,
			incidentRow("B1", "10001", "MANHATTAN"),
			incidentRow("B2", "11201", "BROOKLYN"),
		),
	}
}

// TestSQLite_CrossChunkLocationViolation: the location key recurs in chunk 2,
// so chunk 2's location write is discarded while its incidents still land.
func TestSQLite_CrossChunkLocationViolation(t *testing.T) {
	t.Parallel()
	dsn := filepath.Join(t.TempDir(), "civic.db")

	st := ingest(t, dsn, storage.ConflictReject, twoChunks()...)

	if diff := cmp.Diff([]string{"A1", "A2", "B1", "B2"}, incidentIDs(t, dsn)); diff != "" {
		t.Errorf("incidents (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"10001_MANHATTAN"}, locationIDs(t, dsn)); diff != "" {
		t.Errorf("locations (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{schema.LocationTableName: 1}, st.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}
	if st.Normalize.DuplicateIncidents != 1 {
		t.Errorf("DuplicateIncidents = %d, want 1", st.Normalize.DuplicateIncidents)
	}
}

func TestSQLite_IgnoreModeKeepsNewLocations(t *testing.T) {
	t.Parallel()
	dsn := filepath.Join(t.TempDir(), "civic.db")

	st := ingest(t, dsn, storage.ConflictIgnore, twoChunks()...)

	if diff := cmp.Diff([]string{"10001_MANHATTAN", "11201_BROOKLYN"}, locationIDs(t, dsn)); diff != "" {
		t.Errorf("locations (-want +got):\n%s", diff)
	}
	if len(st.Violations) != 0 {
		t.Errorf("violations = %v, want none in ignore mode", st.Violations)
	}
	if st.LocationsWritten != 2 {
		t.Errorf("LocationsWritten = %d, want 2", st.LocationsWritten)
	}
}

// TestSQLite_ReingestIsIdempotent: running the same data twice adds no rows
// and reports one violation per table per chunk instead of failing.
func TestSQLite_ReingestIsIdempotent(t *testing.T) {
	t.Parallel()
	dsn := filepath.Join(t.TempDir(), "civic.db")

	ingest(t, dsn, storage.ConflictReject, twoChunks()...)
	wantInc, wantLoc := incidentIDs(t, dsn), locationIDs(t, dsn)

	st := ingest(t, dsn, storage.ConflictReject, twoChunks()...)

	if diff := cmp.Diff(wantInc, incidentIDs(t, dsn)); diff != "" {
		t.Errorf("incidents changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantLoc, locationIDs(t, dsn)); diff != "" {
		t.Errorf("locations changed (-want +got):\n%s", diff)
	}
	want := map[string]int{schema.IncidentTableName: 2, schema.LocationTableName: 2}
	if diff := cmp.Diff(want, st.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}
	if st.IncidentsWritten != 0 || st.LocationsWritten != 0 {
		t.Errorf("written incidents=%d locations=%d, want 0/0", st.IncidentsWritten, st.LocationsWritten)
	}
	if st.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2", st.Chunks)
	}
}

// TestSQLite_SentinelKeyJoins: an incident with a null zip keys to
// "None_BROOKLYN"; no location row exists for it, so the join finds nothing.
func TestSQLite_SentinelKeyJoins(t *testing.T) {
	t.Parallel()
	dsn := filepath.Join(t.TempDir(), "civic.db")

	nullZip := incidentRow("N1", "", "BROOKLYN")
	delete(nullZip, "incident_zip")
	ingest(t, dsn, storage.ConflictReject,
		chunkOf(1, nullZip, incidentRow("A1", "10001", "MANHATTAN")),
	)

	got := ids(t, dsn, "SELECT location_id FROM incident ORDER BY incident_id")
	if diff := cmp.Diff([]string{"10001_MANHATTAN", "None_BROOKLYN"}, got); diff != "" {
		t.Errorf("location ids (-want +got):\n%s", diff)
	}
	joined := ids(t, dsn, "SELECT i.incident_id FROM incident i JOIN locations l ON i.location_id = l.id ORDER BY i.incident_id")
	if diff := cmp.Diff([]string{"A1"}, joined); diff != "" {
		t.Errorf("joined (-want +got):\n%s", diff)
	}
}
