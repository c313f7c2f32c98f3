// Package schema defines the entities produced by the ingest pipeline, the raw
// column contract expected from the source, and the declarative description
// of the two destination tables.
package schema

import "time"

// Incident is one reported service request.
type Incident struct {
	IncidentID     string     `db:"incident_id"`
	Agency         *string    `db:"agency"`
	ComplaintType  *string    `db:"complaint_type"`
	Descriptor     *string    `db:"descriptor"`
	IncidentStatus *string    `db:"incident_status"`
	CreatedDate    *time.Time `db:"created_date"`
	ClosedDate     *time.Time `db:"closed_date"` // nil while unresolved
	LocationType   *string    `db:"location_type"`
	LocationID     string     `db:"location_id"`
}

// Values returns the incident fields in IncidentTable column order.
func (i Incident) Values() []any {
	return []any{
		i.IncidentID,
		strOrNil(i.Agency),
		strOrNil(i.ComplaintType),
		strOrNil(i.Descriptor),
		strOrNil(i.IncidentStatus),
		timeOrNil(i.CreatedDate),
		timeOrNil(i.ClosedDate),
		strOrNil(i.LocationType),
		i.LocationID,
	}
}

// Location is one distinct zipcode+borough combination.
type Location struct {
	ID      string  `db:"id"`
	City    *string `db:"city"`
	Zipcode *string `db:"zipcode"`
	Borough *string `db:"borough"`
}

// Values returns the location fields in LocationTable column order.
func (l Location) Values() []any {
	return []any{l.ID, strOrNil(l.City), strOrNil(l.Zipcode), strOrNil(l.Borough)}
}

// IncidentRows converts incidents into positional rows for Tx.Append.
func IncidentRows(in []Incident) [][]any {
	out := make([][]any, len(in))
	for i := range in {
		out[i] = in[i].Values()
	}
	return out
}

// LocationRows converts locations into positional rows for Tx.Append.
func LocationRows(in []Location) [][]any {
	out := make([][]any, len(in))
	for i := range in {
		out[i] = in[i].Values()
	}
	return out
}

// strOrNil keeps typed nil pointers from reaching database drivers.
func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func timeOrNil(p *time.Time) any {
	if p == nil {
		return nil
	}
	return *p
}
