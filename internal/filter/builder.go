package filter

import (
	"nostr-engine/internal/types"
	"nostr-engine/internal/util"
)

// Request is a logical query: a stable id chosen by the caller and the
// filters (ORed) that make it up.
type Request struct {
	ID       string
	builders []*Builder
}

// NewRequest starts a request with the given logical id
func NewRequest(id string) *Request {
	return &Request{ID: id}
}

// WithFilter appends a new filter to the request and returns its builder
func (r *Request) WithFilter() *Builder {
	b := &Builder{}
	r.builders = append(r.builders, b)
	return b
}

// Build returns a fresh copy of the request filters
func (r *Request) Build() []types.Filter {
	filters := make([]types.Filter, 0, len(r.builders))
	for _, b := range r.builders {
		filters = append(filters, Clone(b.f))
	}
	return filters
}

// FromFilters wraps an already built filter list, e.g. one parsed from JSON
func FromFilters(id string, filters []types.Filter) *Request {
	r := NewRequest(id)
	for _, f := range filters {
		r.builders = append(r.builders, &Builder{f: Clone(f)})
	}
	return r
}

// Builder accumulates the fields of one filter. Values are deduplicated and
// keep their first-seen order, so rebuilding the same intent yields the same
// filter and diffs stay empty.
type Builder struct {
	f types.Filter
}

func (b *Builder) IDs(ids ...string) *Builder {
	b.f.IDs = util.AppendDedupe(b.f.IDs, ids)
	return b
}

func (b *Builder) Authors(authors ...string) *Builder {
	b.f.Authors = util.AppendDedupe(b.f.Authors, authors)
	return b
}

func (b *Builder) Kinds(kinds ...int) *Builder {
	b.f.Kinds = util.AppendDedupe(b.f.Kinds, kinds)
	return b
}

// Tag adds values for a single-letter tag filter ("#e", "#p", ...)
func (b *Builder) Tag(name string, values ...string) *Builder {
	if b.f.Tags == nil {
		b.f.Tags = make(map[string][]string)
	}
	b.f.Tags[name] = util.AppendDedupe(b.f.Tags[name], values)
	return b
}

func (b *Builder) Since(ts int64) *Builder {
	b.f.Since = &ts
	return b
}

func (b *Builder) Until(ts int64) *Builder {
	b.f.Until = &ts
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.f.Limit = &n
	return b
}

func (b *Builder) Search(q string) *Builder {
	b.f.Search = q
	return b
}
