package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit    int
	Offset   int
	State    string   // Optional state filter
	Patterns []string // Optional point/name globs
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Page applies offset and limit to a total of n items, returning the slice
// bounds and the pagination metadata.
func (o ListOptions) Page(n int) (start, end int, pg *Pagination) {
	o.Clamp()
	start = o.Offset
	if start > n {
		start = n
	}
	end = start + o.Limit
	if end > n {
		end = n
	}
	return start, end, &Pagination{Total: n, Limit: o.Limit, Offset: o.Offset, HasMore: end < n}
}

// Clamp enforces limits (max 500, min 1). Task pools are commonly
// listed whole, so the ceiling is higher than a typical page.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
