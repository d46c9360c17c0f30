// Package fingerprint derives the grouping key used throughout the pipeline
// and provides the majority-vote combiner used when merging per-record fields
// into one issue description.
package fingerprint

import (
	"fmt"

	"github.com/nikolajve/faultline/internal/models"
)

// Build computes the deterministic grouping key for a classified failure:
// carrier, bare file name and line number joined with dashes, e.g.
// "GLS-CarrierService-142". Equal inputs always produce equal keys.
func Build(carrier models.Carrier, file, line string) string {
	return fmt.Sprintf("%s-%s-%s", carrier, file, line)
}

// MajorityVote returns the most frequent value in the sequence. Among values
// tied for the maximum count, the one encountered first in the input wins;
// callers depend on this insertion-order tie-break.
func MajorityVote[T comparable](values []T) (T, bool) {
	var winner T
	if len(values) == 0 {
		return winner, false
	}

	counts := make(map[T]int, len(values))
	for _, v := range values {
		counts[v]++
	}

	// Second scan in input order: strict > hands ties to the value whose
	// first occurrence comes earliest.
	best := 0
	for _, v := range values {
		if counts[v] > best {
			best = counts[v]
			winner = v
		}
	}
	return winner, true
}
