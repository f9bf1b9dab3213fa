package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Filter represents a Nostr subscription filter (NIP-01).
// Fields are ANDed together; a list of filters is ORed.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string // single-letter tag name -> values, sent as "#<name>"
	Since   *int64
	Until   *int64
	Limit   *int
	Search  string // NIP-50 search query
}

// ToMap builds the NIP-01 REQ filter object
func (f Filter) ToMap() map[string]interface{} {
	reqFilter := make(map[string]interface{})
	if len(f.IDs) > 0 {
		reqFilter["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		reqFilter["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		reqFilter["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			reqFilter["#"+name] = values
		}
	}
	if f.Since != nil {
		reqFilter["since"] = *f.Since
	}
	if f.Until != nil {
		reqFilter["until"] = *f.Until
	}
	if f.Limit != nil {
		reqFilter["limit"] = *f.Limit
	}
	if f.Search != "" {
		reqFilter["search"] = f.Search
	}
	return reqFilter
}

// MarshalJSON encodes the filter in NIP-01 wire form
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.ToMap())
}

// UnmarshalJSON decodes a NIP-01 filter object, including "#x" tag keys
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch key {
		case "ids":
			err = json.Unmarshal(value, &f.IDs)
		case "authors":
			err = json.Unmarshal(value, &f.Authors)
		case "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case "limit":
			f.Limit = new(int)
			err = json.Unmarshal(value, f.Limit)
		case "search":
			err = json.Unmarshal(value, &f.Search)
		default:
			if len(key) == 2 && key[0] == '#' {
				var values []string
				err = json.Unmarshal(value, &values)
				if err == nil {
					if f.Tags == nil {
						f.Tags = make(map[string][]string)
					}
					f.Tags[key[1:]] = values
				}
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

// String renders a compact, stable description for logs
func (f Filter) String() string {
	var parts []string
	if len(f.IDs) > 0 {
		parts = append(parts, fmt.Sprintf("ids=%d", len(f.IDs)))
	}
	if len(f.Authors) > 0 {
		parts = append(parts, fmt.Sprintf("authors=%d", len(f.Authors)))
	}
	if len(f.Kinds) > 0 {
		parts = append(parts, fmt.Sprintf("kinds=%v", f.Kinds))
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("#%s=%d", name, len(f.Tags[name])))
	}
	if f.Since != nil {
		parts = append(parts, fmt.Sprintf("since=%d", *f.Since))
	}
	if f.Until != nil {
		parts = append(parts, fmt.Sprintf("until=%d", *f.Until))
	}
	if f.Limit != nil {
		parts = append(parts, fmt.Sprintf("limit=%d", *f.Limit))
	}
	if f.Search != "" {
		parts = append(parts, fmt.Sprintf("search=%q", f.Search))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
