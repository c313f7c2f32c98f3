// Package report runs the read-only reporting queries against the finished
// incident and locations tables. Queries return raw groups; averaging and
// arg-max selection happen in memory so the SQL stays portable across every
// storage backend.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"civicetl/internal/storage"
)

// BoroughResolution is the mean time from creation to closure of the
// resolved incidents in one borough.
type BoroughResolution struct {
	Borough   string
	MeanHours float64
	Closed    int // incidents contributing to the mean
}

// TopComplaint is the most frequent complaint type for one location type.
type TopComplaint struct {
	LocationType  string
	ComplaintType string
	Count         int
}

// Report bundles the three reporting queries.
type Report struct {
	DistinctCities int
	Resolution     []BoroughResolution
	TopComplaints  []TopComplaint
}

// Reader queries a populated store.
type Reader struct {
	db *sqlx.DB
}

// Open connects to the store through the backend's registered reader.
func Open(ctx context.Context, kind, dsn string) (*Reader, error) {
	db, err := storage.OpenReader(ctx, kind, dsn)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	return NewReader(db), nil
}

// NewReader wraps an existing handle.
func NewReader(db *sqlx.DB) *Reader { return &Reader{db: db} }

// DB exposes the handle for ad-hoc queries.
func (r *Reader) DB() *sqlx.DB { return r.db }

// Close closes the underlying handle.
func (r *Reader) Close() error { return r.db.Close() }

const distinctCitiesSQL = `SELECT COUNT(DISTINCT city) FROM locations WHERE city IS NOT NULL`

// DistinctCities counts the distinct non-null cities among locations.
func (r *Reader) DistinctCities(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, distinctCitiesSQL); err != nil {
		return 0, fmt.Errorf("report: distinct cities: %w", err)
	}
	return n, nil
}

const resolutionSQL = `SELECT l.borough AS borough, i.created_date AS created_date, i.closed_date AS closed_date
FROM incident i
JOIN locations l ON i.location_id = l.id
WHERE i.closed_date IS NOT NULL AND i.created_date IS NOT NULL`

type resolutionRow struct {
	Borough string    `db:"borough"`
	Created time.Time `db:"created_date"`
	Closed  time.Time `db:"closed_date"`
}

// MeanResolutionByBorough averages closed_date - created_date per borough,
// in hours, over resolved incidents that join to a location. Rows closed
// before they were created are ignored. Results are sorted by borough.
func (r *Reader) MeanResolutionByBorough(ctx context.Context) ([]BoroughResolution, error) {
	rows, err := r.db.QueryxContext(ctx, resolutionSQL)
	if err != nil {
		return nil, fmt.Errorf("report: resolution: %w", err)
	}
	defer rows.Close()

	type acc struct {
		sum time.Duration
		n   int
	}
	groups := map[string]*acc{}
	for rows.Next() {
		var row resolutionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("report: resolution scan: %w", err)
		}
		d := row.Closed.Sub(row.Created)
		if d < 0 {
			continue
		}
		a := groups[row.Borough]
		if a == nil {
			a = &acc{}
			groups[row.Borough] = a
		}
		a.sum += d
		a.n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: resolution: %w", err)
	}

	out := make([]BoroughResolution, 0, len(groups))
	for b, a := range groups {
		out = append(out, BoroughResolution{
			Borough:   b,
			MeanHours: a.sum.Hours() / float64(a.n),
			Closed:    a.n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Borough < out[j].Borough })
	return out, nil
}

const complaintCountsSQL = `SELECT location_type, complaint_type, COUNT(*) AS n
FROM incident
WHERE location_type IS NOT NULL AND complaint_type IS NOT NULL
GROUP BY location_type, complaint_type`

type complaintCount struct {
	LocationType  string `db:"location_type"`
	ComplaintType string `db:"complaint_type"`
	N             int    `db:"n"`
}

// TopComplaintByLocationType returns, per location type, the complaint type
// with the highest count. Ties go to the alphabetically first complaint.
// Results are sorted by location type.
func (r *Reader) TopComplaintByLocationType(ctx context.Context) ([]TopComplaint, error) {
	var counts []complaintCount
	if err := r.db.SelectContext(ctx, &counts, complaintCountsSQL); err != nil {
		return nil, fmt.Errorf("report: complaint counts: %w", err)
	}
	return topComplaints(counts), nil
}

func topComplaints(counts []complaintCount) []TopComplaint {
	best := map[string]TopComplaint{}
	for _, c := range counts {
		cur, ok := best[c.LocationType]
		if !ok || c.N > cur.Count || (c.N == cur.Count && c.ComplaintType < cur.ComplaintType) {
			best[c.LocationType] = TopComplaint{
				LocationType:  c.LocationType,
				ComplaintType: c.ComplaintType,
				Count:         c.N,
			}
		}
	}
	out := make([]TopComplaint, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationType < out[j].LocationType })
	return out
}

// Build runs the three queries concurrently.
func (r *Reader) Build(ctx context.Context) (Report, error) {
	var rep Report
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.DistinctCities(ctx)
		rep.DistinctCities = n
		return err
	})
	g.Go(func() error {
		res, err := r.MeanResolutionByBorough(ctx)
		rep.Resolution = res
		return err
	})
	g.Go(func() error {
		top, err := r.TopComplaintByLocationType(ctx)
		rep.TopComplaints = top
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return rep, nil
}
