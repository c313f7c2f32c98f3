package schema

import (
	"fmt"
	"strings"
)

// Raw source column names.
const (
	RawUniqueKey     = "unique_key"
	RawAgency        = "agency"
	RawComplaintType = "complaint_type"
	RawDescriptor    = "descriptor"
	RawStatus        = "status"
	RawCreatedDate   = "created_date"
	RawClosedDate    = "closed_date"
	RawLocationType  = "location_type"
	RawCity          = "city"
	RawIncidentZip   = "incident_zip"
	RawBorough       = "borough"
)

// RawColumns is the fixed column set every source chunk must carry, in the
// order the chunk reader projects them.
var RawColumns = []string{
	RawUniqueKey,
	RawAgency,
	RawComplaintType,
	RawDescriptor,
	RawStatus,
	RawCreatedDate,
	RawClosedDate,
	RawLocationType,
	RawCity,
	RawIncidentZip,
	RawBorough,
}

// RawDateColumns are coerced to timestamps at the source boundary; every
// other raw column stays a string.
var RawDateColumns = []string{RawCreatedDate, RawClosedDate}

// RawTypes maps raw columns to coercion kinds understood by
// transformer.CompilePlan.
func RawTypes() map[string]string {
	m := make(map[string]string, len(RawColumns))
	for _, c := range RawColumns {
		m[c] = "text"
	}
	for _, c := range RawDateColumns {
		m[c] = "date"
	}
	return m
}

// MissingColumnsError reports a raw header that lacks required columns. It is
// a configuration error: the run cannot proceed with that source.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("source is missing required columns: %s", strings.Join(e.Missing, ", "))
}

// CheckColumns returns a *MissingColumnsError when any of required is absent
// from have.
func CheckColumns(have, required []string) error {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := set[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Missing: missing}
	}
	return nil
}
