package record

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing records.
type SortOrder int

const (
	// SortByCreatedDesc orders records by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders records by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how records are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Operations []Operation
	Venue      string
	Agent      string
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
	Query      string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Operations != nil {
		opts.Operations = normalizeOperations(opts.Operations)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.Venue = strings.TrimSpace(opts.Venue)
	opts.Agent = strings.TrimSpace(opts.Agent)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching records before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithOperations filters records by the provided operation types.
func WithOperations(operations ...Operation) ListOption {
	return func(opts *ListOptions) {
		opts.Operations = append(opts.Operations[:0], operations...)
	}
}

// WithVenue filters records by execution venue.
func WithVenue(venue string) ListOption {
	return func(opts *ListOptions) {
		opts.Venue = venue
	}
}

// WithAgent filters records by the acting agent identity.
func WithAgent(agent string) ListOption {
	return func(opts *ListOptions) {
		opts.Agent = agent
	}
}

// WithCreatedSince filters records created after the provided instant (inclusive).
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.Unix()
	}
}

// WithCreatedUntil filters records created before the provided instant (inclusive).
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of records.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters records by fuzzy matching across asset, position and tx fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeOperations(input []Operation) []Operation {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Operation]struct{}, len(input))
	result := make([]Operation, 0, len(input))
	for _, op := range input {
		if !IsValidOperation(op) {
			continue
		}
		if _, ok := seen[op]; ok {
			continue
		}
		seen[op] = struct{}{}
		result = append(result, op)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
