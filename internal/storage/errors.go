package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUniqueViolation is matched by errors.Is for any primary-key or unique
// constraint rejection reported by a backend.
var ErrUniqueViolation = errors.New("unique violation")

// UniqueViolationError reports that a write into Table was rejected because a
// row with the same key already exists. The write was rolled back; the rest
// of the transactional unit is intact.
type UniqueViolationError struct {
	Table string
	Err   error
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on %s: %v", e.Table, e.Err)
}

func (e *UniqueViolationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUniqueViolation) true.
func (e *UniqueViolationError) Is(target error) bool { return target == ErrUniqueViolation }

// IsUniqueViolation reports whether err is (or wraps) a uniqueness violation.
func IsUniqueViolation(err error) bool { return errors.Is(err, ErrUniqueViolation) }

// ConflictMode selects how a backend treats rows whose key already exists.
type ConflictMode string

const (
	// ConflictReject lets the store reject the write; the table's rows for
	// the chunk are discarded and a *UniqueViolationError is returned.
	ConflictReject ConflictMode = "reject"
	// ConflictIgnore uses the dialect's insert-ignore form so already-present
	// keys are skipped row by row and no violation is reported.
	ConflictIgnore ConflictMode = "ignore"
)

// ParseConflictMode maps a config string to a ConflictMode. Empty means reject.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch ConflictMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictReject:
		return ConflictReject, nil
	case ConflictIgnore:
		return ConflictIgnore, nil
	default:
		return "", fmt.Errorf("unknown conflict_mode %q (want reject|ignore)", s)
	}
}
