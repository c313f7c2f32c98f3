// Package builtin contains reusable transforms used by the normalizer.
//
// DeDup is the policy-driven de-duplication transform. It collapses items
// that share a key and chooses a winner according to a configurable policy:
//
//   - "keep-first"   : keep the earliest occurrence in the batch (default)
//   - "keep-last"    : keep the latest occurrence in the batch
//   - "most-complete": keep the item with the most non-empty fields;
//     ties break by "keep-last"
//
// This runs in-memory on a single chunk. It removes intra-chunk duplicates
// *before* hitting the database so that the database's primary-key
// constraints only ever see cross-chunk collisions.
//
// Keys: an item's key is the concatenation of its key parts as strings
// (nil -> "\x00", parts separated by "\x1f"). The seen-set stores the 128-bit
// xxh3 digest of that string instead of the string itself, which keeps the
// map's memory flat for long keys.
package builtin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// Policy selects the winner among duplicates.
type Policy string

const (
	KeepFirst    Policy = "keep-first"
	KeepLast     Policy = "keep-last"
	MostComplete Policy = "most-complete"
)

// ParsePolicy normalizes s into a Policy. Empty means KeepFirst.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return KeepFirst, nil
	case KeepFirst, KeepLast, MostComplete:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q (want keep-first, keep-last or most-complete)", s)
	}
}

// DeDup implements a configurable, in-memory de-duplication policy.
type DeDup[T any] struct {
	Policy Policy

	// Key returns the key parts for item. nil and "" are distinct parts.
	Key func(item *T) []any

	// Score returns the completeness score used by MostComplete.
	Score func(item *T) int
}

// Apply returns the winning items in their original relative order and the
// number of items that lost to a duplicate.
func (d DeDup[T]) Apply(in []T) (out []T, dropped int) {
	if len(in) == 0 || d.Key == nil {
		return in, 0
	}
	policy := d.Policy
	if policy == "" {
		policy = KeepFirst
	}

	type slot struct {
		index int
		score int
	}
	winners := make(map[xxh3.Uint128]slot, len(in))
	var buf []byte

	for i := range in {
		buf = appendKey(buf[:0], d.Key(&in[i]))
		key := xxh3.Hash128(buf)

		prev, exists := winners[key]
		switch policy {
		case KeepFirst:
			if !exists {
				winners[key] = slot{index: i}
			}
		case MostComplete:
			s := slot{index: i}
			if d.Score != nil {
				s.score = d.Score(&in[i])
			}
			if !exists || s.score >= prev.score {
				winners[key] = s
			}
		default: // KeepLast
			winners[key] = slot{index: i}
		}
	}

	indexes := make([]int, 0, len(winners))
	for _, s := range winners {
		indexes = append(indexes, s.index)
	}
	sort.Ints(indexes)

	out = make([]T, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, in[idx])
	}
	return out, len(in) - len(out)
}

func appendKey(b []byte, parts []any) []byte {
	for i, v := range parts {
		if i > 0 {
			b = append(b, '\x1f')
		}
		switch t := v.(type) {
		case nil:
			b = append(b, '\x00')
		case string:
			b = append(b, t...)
		case *string:
			if t == nil {
				b = append(b, '\x00')
			} else {
				b = append(b, *t...)
			}
		default:
			b = fmt.Append(b, t)
		}
	}
	return b
}
