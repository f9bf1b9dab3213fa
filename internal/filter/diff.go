// Package filter computes incremental filter updates for a logical query and
// builds the filter lists queries are made of.
package filter

import (
	"slices"

	"nostr-engine/internal/types"
)

// Diff returns the filters that must be sent, as a new subscription, to get what
// next asks for beyond what prev already asked for.
//
// Filters are compared by position. List fields only ever grow: the delta carries
// the added members, and a list with nothing added keeps the previous values.
// Unchanged since, until and limit are carried over; a change to any of them
// replaces the whole filter at that position.
// Positions with nothing new are left out, so an empty result means no wire traffic.
func Diff(prev, next []types.Filter) []types.Filter {
	var result []types.Filter
	for i, n := range next {
		if i >= len(prev) {
			result = append(result, Clone(n))
			continue
		}
		if delta, changed := diffOne(prev[i], n); changed {
			result = append(result, delta)
		}
	}
	return result
}

func diffOne(p, n types.Filter) (types.Filter, bool) {
	if criticalChanged(p, n) {
		return Clone(n), true
	}

	var delta types.Filter
	changed := false

	if n.IDs != nil {
		delta.IDs, changed = addedOr(p.IDs, n.IDs, changed)
	}
	if n.Authors != nil {
		delta.Authors, changed = addedOr(p.Authors, n.Authors, changed)
	}
	if n.Kinds != nil {
		delta.Kinds, changed = addedOr(p.Kinds, n.Kinds, changed)
	}
	for name, values := range n.Tags {
		if delta.Tags == nil {
			delta.Tags = make(map[string][]string, len(n.Tags))
		}
		delta.Tags[name], changed = addedOr(p.Tags[name], values, changed)
	}

	// since/until/limit are equal here; the delta keeps the same bounds
	bounds := Clone(types.Filter{Since: n.Since, Until: n.Until, Limit: n.Limit})
	delta.Since, delta.Until, delta.Limit = bounds.Since, bounds.Until, bounds.Limit

	delta.Search = n.Search
	if p.Search != n.Search {
		changed = true
	}
	return delta, changed
}

// addedOr returns the members of next missing from prev, or a copy of prev when
// nothing was added.
func addedOr[T comparable](prev, next []T, changed bool) ([]T, bool) {
	var added []T
	for _, v := range next {
		if !slices.Contains(prev, v) && !slices.Contains(added, v) {
			added = append(added, v)
		}
	}
	if len(added) == 0 {
		return slices.Clone(prev), changed
	}
	return added, true
}

func criticalChanged(p, n types.Filter) bool {
	return !ptrEqual(p.Since, n.Since) || !ptrEqual(p.Until, n.Until) || !ptrEqual(p.Limit, n.Limit)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Equal reports whether two filter lists are structurally identical.
// Nil and empty lists are treated the same.
func Equal(a, b []types.Filter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalOne(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalOne(a, b types.Filter) bool {
	if !slices.Equal(a.IDs, b.IDs) || !slices.Equal(a.Authors, b.Authors) || !slices.Equal(a.Kinds, b.Kinds) {
		return false
	}
	if a.Search != b.Search || criticalChanged(a, b) {
		return false
	}
	if countTags(a.Tags) != countTags(b.Tags) {
		return false
	}
	for name, values := range a.Tags {
		if len(values) == 0 {
			continue
		}
		if !slices.Equal(values, b.Tags[name]) {
			return false
		}
	}
	return true
}

func countTags(tags map[string][]string) int {
	n := 0
	for _, values := range tags {
		if len(values) > 0 {
			n++
		}
	}
	return n
}

// Clone deep-copies a filter so callers can keep it after the source changes
func Clone(f types.Filter) types.Filter {
	out := types.Filter{
		IDs:     slices.Clone(f.IDs),
		Authors: slices.Clone(f.Authors),
		Kinds:   slices.Clone(f.Kinds),
		Search:  f.Search,
	}
	if f.Tags != nil {
		out.Tags = make(map[string][]string, len(f.Tags))
		for name, values := range f.Tags {
			out.Tags[name] = slices.Clone(values)
		}
	}
	if f.Since != nil {
		v := *f.Since
		out.Since = &v
	}
	if f.Until != nil {
		v := *f.Until
		out.Until = &v
	}
	if f.Limit != nil {
		v := *f.Limit
		out.Limit = &v
	}
	return out
}

// CloneAll deep-copies a filter list
func CloneAll(filters []types.Filter) []types.Filter {
	if filters == nil {
		return nil
	}
	out := make([]types.Filter, len(filters))
	for i, f := range filters {
		out[i] = Clone(f)
	}
	return out
}
