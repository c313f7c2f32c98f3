package transformer

import (
	"testing"
	"time"
)

// TestPlanApplyDates verifies the default layouts, and that blank or
// unparseable dates degrade to NULL without touching other columns.
func TestPlanApplyDates(t *testing.T) {
	t.Parallel()
	cols := []string{"id", "created_date", "closed_date"}
	plan := CompilePlan(cols, CoerceSpec{Types: map[string]string{"created_date": "date", "closed_date": "date"}})

	tests := []struct {
		name       string
		in         []any
		wantTime   time.Time
		wantNulled int
	}{
		{"socrata", []any{"A1", "2024-01-01T10:30:00.000", nil}, time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), 0},
		{"date only", []any{"A1", "2024-01-01", "  "}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{"us", []any{"A1", "03/04/2021 01:02:03 PM", "garbage"}, time.Date(2021, 3, 4, 13, 2, 3, 0, time.UTC), 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := GetRow(len(cols))
			defer r.Free()
			copy(r.V, tc.in)
			if got := plan.Apply(r); got != tc.wantNulled {
				t.Fatalf("nulled=%d want %d", got, tc.wantNulled)
			}
			if r.V[0] != "A1" {
				t.Fatalf("id=%v want A1", r.V[0])
			}
			got, ok := r.V[1].(time.Time)
			if !ok || !got.Equal(tc.wantTime) {
				t.Fatalf("created=%v want %v", r.V[1], tc.wantTime)
			}
			if r.V[2] != nil {
				t.Fatalf("closed=%v want nil", r.V[2])
			}
		})
	}
}

// TestPlanApplyText checks trimming, NBSP cleanup, and blank-to-NULL for text.
func TestPlanApplyText(t *testing.T) {
	t.Parallel()
	plan := CompilePlan([]string{"a", "b", "c"}, CoerceSpec{})
	r := GetRow(3)
	defer r.Free()
	r.V[0], r.V[1], r.V[2] = "  NEW YORK ", "", " "
	if n := plan.Apply(r); n != 0 {
		t.Fatalf("nulled=%d want 0", n)
	}
	if r.V[0] != "NEW YORK" || r.V[1] != nil || r.V[2] != nil {
		t.Fatalf("got %#v", r.V)
	}
}

func TestPlanApplyIntBool(t *testing.T) {
	t.Parallel()
	plan := CompilePlan([]string{"n", "b", "x"}, CoerceSpec{
		Types:  map[string]string{"n": "int", "b": "bool", "x": "bool"},
		Truthy: []string{"Y"},
		Falsy:  []string{"N"},
	})
	r := GetRow(3)
	defer r.Free()
	r.V[0], r.V[1], r.V[2] = "10001.0", "y", "maybe"
	if n := plan.Apply(r); n != 1 {
		t.Fatalf("nulled=%d want 1", n)
	}
	if r.V[0] != int64(10001) || r.V[1] != true || r.V[2] != nil {
		t.Fatalf("got %#v", r.V)
	}
}

func TestValidateSpecSanity(t *testing.T) {
	t.Parallel()
	cols := []string{"a", "b"}
	if err := ValidateSpecSanity(cols, CoerceSpec{Types: map[string]string{"a": "date"}}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := ValidateSpecSanity(cols, CoerceSpec{Types: map[string]string{"z": "date"}}); err == nil {
		t.Fatalf("unknown column: want error")
	}
	if err := ValidateSpecSanity(cols, CoerceSpec{Types: map[string]string{"a": "uuid"}}); err == nil {
		t.Fatalf("unknown type: want error")
	}
}
