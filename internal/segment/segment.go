package segment

import (
	"github.com/tkhasanov/newsletter-engine/internal/errs"
	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// Unsegmented is the implicit bucket for rows no segment predicate claimed.
const Unsegmented = "unsegmented"

// Predicate decides whether a member row belongs to a segment.
type Predicate func(m model.Member) bool

// registry is the closed set of supported segment predicates. Adding a
// segment means adding an entry here; the partitioning control flow stays
// untouched.
var registry = map[string]Predicate{
	"status:free": func(m model.Member) bool {
		return m.Status == model.MemberFree
	},
	"status:-free": func(m model.Member) bool {
		return m.Status != model.MemberFree
	},
}

// Known reports whether a segment label has a registered predicate.
func Known(label string) bool {
	_, ok := registry[label]
	return ok
}

// Partition assigns each member to exactly one bucket. Labels are evaluated
// in the order given and each label consumes its matches from the remaining
// pool, so buckets are mutually exclusive even if predicates overlap.
// Leftover rows land under Unsegmented, which is present only when non-empty.
func Partition(members []model.Member, labels []string) (map[string][]model.Member, error) {
	for _, l := range labels {
		if !Known(l) {
			return nil, errs.NewValidation("unknown segment %q", l)
		}
	}

	buckets := make(map[string][]model.Member, len(labels)+1)
	remaining := members

	for _, l := range labels {
		pred := registry[l]
		matched := make([]model.Member, 0, len(remaining))
		rest := make([]model.Member, 0, len(remaining))
		for _, m := range remaining {
			if pred(m) {
				matched = append(matched, m)
			} else {
				rest = append(rest, m)
			}
		}
		buckets[l] = matched
		remaining = rest
	}

	if len(remaining) > 0 {
		buckets[Unsegmented] = remaining
	}
	return buckets, nil
}
