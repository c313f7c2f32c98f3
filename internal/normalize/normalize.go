// Package normalize turns one raw chunk into two independently de-duplicated
// sub-chunks: incidents and locations.
//
// Both sides derive the synthetic join key with LocationKey, so an incident's
// location_id and the matching location's id are byte-identical. Filtering
// and de-duplication are local to the chunk; cross-chunk uniqueness is the
// sink's job.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"civicetl/internal/schema"
	"civicetl/internal/transformer"
	"civicetl/internal/transformer/builtin"
)

// KeyPolicy decides what happens to an incident whose zip or borough is null.
type KeyPolicy string

const (
	// KeySentinel keeps the incident; the null part becomes the sentinel
	// ("None_BROOKLYN", "10001_None").
	KeySentinel KeyPolicy = "sentinel"
	// KeyDrop drops the incident.
	KeyDrop KeyPolicy = "drop"
)

// DefaultSentinel stands in for a null key part.
const DefaultSentinel = "None"

// KeySeparator joins the zip and borough parts of a location key.
const KeySeparator = "_"

// ParseKeyPolicy normalizes s. Empty means KeySentinel.
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch p := KeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return KeySentinel, nil
	case KeySentinel, KeyDrop:
		return p, nil
	default:
		return "", fmt.Errorf("unknown key policy %q (want sentinel or drop)", s)
	}
}

// Options configures a Normalizer.
type Options struct {
	KeyPolicy KeyPolicy
	Sentinel  string
	Dedup     builtin.Policy
}

// Stats counts what happened to the rows of one or more chunks.
type Stats struct {
	RawRows int

	Incidents          int // emitted
	NullIDDrops        int // incident_id was null
	KeyPolicyDrops     int // dropped by KeyDrop
	DuplicateIncidents int

	Locations           int // emitted
	IncompleteLocations int // zip or borough null
	DuplicateLocations  int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.RawRows += o.RawRows
	s.Incidents += o.Incidents
	s.NullIDDrops += o.NullIDDrops
	s.KeyPolicyDrops += o.KeyPolicyDrops
	s.DuplicateIncidents += o.DuplicateIncidents
	s.Locations += o.Locations
	s.IncompleteLocations += o.IncompleteLocations
	s.DuplicateLocations += o.DuplicateLocations
}

// Batch is the normalized form of one chunk.
type Batch struct {
	Seq       int
	Incidents []schema.Incident
	Locations []schema.Location
	Stats     Stats
}

// Normalizer is stateless across chunks and safe for concurrent use.
type Normalizer struct {
	opt       Options
	incidents builtin.DeDup[schema.Incident]
	locations builtin.DeDup[schema.Location]
}

// New validates opt and returns a Normalizer.
func New(opt Options) (*Normalizer, error) {
	kp, err := ParseKeyPolicy(string(opt.KeyPolicy))
	if err != nil {
		return nil, err
	}
	dp, err := builtin.ParsePolicy(string(opt.Dedup))
	if err != nil {
		return nil, err
	}
	opt.KeyPolicy, opt.Dedup = kp, dp
	if opt.Sentinel == "" {
		opt.Sentinel = DefaultSentinel
	}
	return &Normalizer{
		opt: opt,
		incidents: builtin.DeDup[schema.Incident]{
			Policy: dp,
			Key:    func(i *schema.Incident) []any { return []any{i.IncidentID} },
			Score:  incidentScore,
		},
		locations: builtin.DeDup[schema.Location]{
			Policy: dp,
			Key:    func(l *schema.Location) []any { return []any{l.ID} },
			Score:  locationScore,
		},
	}, nil
}

// LocationKey derives the synthetic join key from the raw zip and borough:
// part(zip) + "_" + part(borough), where part(nil) is sentinel. complete
// reports whether both parts were present.
func LocationKey(zip, borough *string, sentinel string) (key string, complete bool) {
	part := func(p *string) string {
		if p == nil {
			return sentinel
		}
		return *p
	}
	return part(zip) + KeySeparator + part(borough), zip != nil && borough != nil
}

// columns holds the positions of the raw columns within a chunk.
type columns struct {
	uniqueKey, agency, complaintType, descriptor, status int
	created, closed, locationType, city, zip, borough    int
}

func resolve(c *transformer.Chunk) (columns, error) {
	if err := schema.CheckColumns(c.Columns, schema.RawColumns); err != nil {
		return columns{}, err
	}
	ix := func(name string) int { i, _ := c.Index(name); return i }
	return columns{
		uniqueKey:     ix(schema.RawUniqueKey),
		agency:        ix(schema.RawAgency),
		complaintType: ix(schema.RawComplaintType),
		descriptor:    ix(schema.RawDescriptor),
		status:        ix(schema.RawStatus),
		created:       ix(schema.RawCreatedDate),
		closed:        ix(schema.RawClosedDate),
		locationType:  ix(schema.RawLocationType),
		city:          ix(schema.RawCity),
		zip:           ix(schema.RawIncidentZip),
		borough:       ix(schema.RawBorough),
	}, nil
}

// Normalize derives the incident and location sub-chunks of c. The only error
// is a chunk lacking raw columns (*schema.MissingColumnsError). c is not
// modified and may be freed once Normalize returns.
func (n *Normalizer) Normalize(c *transformer.Chunk) (Batch, error) {
	cols, err := resolve(c)
	if err != nil {
		return Batch{}, err
	}

	st := Stats{RawRows: c.Len()}
	incidents := make([]schema.Incident, 0, c.Len())
	locations := make([]schema.Location, 0, c.Len())

	for _, r := range c.Rows {
		v := r.V
		zip := text(v[cols.zip])
		borough := text(v[cols.borough])
		key, complete := LocationKey(zip, borough, n.opt.Sentinel)

		if complete {
			locations = append(locations, schema.Location{
				ID:      key,
				City:    text(v[cols.city]),
				Zipcode: zip,
				Borough: borough,
			})
		} else {
			st.IncompleteLocations++
		}

		id := text(v[cols.uniqueKey])
		switch {
		case id == nil:
			st.NullIDDrops++
			continue
		case !complete && n.opt.KeyPolicy == KeyDrop:
			st.KeyPolicyDrops++
			continue
		}
		incidents = append(incidents, schema.Incident{
			IncidentID:     *id,
			Agency:         text(v[cols.agency]),
			ComplaintType:  text(v[cols.complaintType]),
			Descriptor:     text(v[cols.descriptor]),
			IncidentStatus: text(v[cols.status]),
			CreatedDate:    date(v[cols.created]),
			ClosedDate:     date(v[cols.closed]),
			LocationType:   text(v[cols.locationType]),
			LocationID:     key,
		})
	}

	incidents, st.DuplicateIncidents = n.incidents.Apply(incidents)
	locations, st.DuplicateLocations = n.locations.Apply(locations)
	st.Incidents = len(incidents)
	st.Locations = len(locations)

	return Batch{Seq: c.Seq, Incidents: incidents, Locations: locations, Stats: st}, nil
}

// text stringifies a raw value. Numbers are formatted without exponent so a
// zip read as a number keys the same as one read as text.
func text(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case int64:
		s = fmt.Sprintf("%d", t)
	case float64:
		s = fmt.Sprintf("%.0f", t)
		if float64(int64(t)) != t {
			s = fmt.Sprint(t)
		}
	case time.Time:
		s = t.Format(time.RFC3339)
	default:
		s = fmt.Sprint(t)
	}
	if s == "" {
		return nil
	}
	return &s
}

// date accepts coerced timestamps and, for chunks built without a coercion
// plan, strings in one of the default layouts. Anything else is nil.
func date(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		if p, ok := transformer.ParseDate(strings.TrimSpace(t), transformer.DefaultDateLayouts, time.UTC); ok {
			return &p
		}
	}
	return nil
}

func incidentScore(i *schema.Incident) int {
	n := 0
	for _, p := range []*string{i.Agency, i.ComplaintType, i.Descriptor, i.IncidentStatus, i.LocationType} {
		if p != nil {
			n++
		}
	}
	if i.CreatedDate != nil {
		n++
	}
	if i.ClosedDate != nil {
		n++
	}
	return n
}

func locationScore(l *schema.Location) int {
	if l.City != nil {
		return 1
	}
	return 0
}
