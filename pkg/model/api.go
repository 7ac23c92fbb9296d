package model

import "time"

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response wraps every orchestration engine reply. Status tells whether
// Data or Error is meaningful.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// NewResponse builds an envelope stamped with the current UTC time. A
// non-nil apiErr makes it an error envelope.
func NewResponse(reqID string, data any, pg *Pagination, apiErr *APIError) Response {
	resp := Response{
		Status:     StatusOK,
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
	}
	if apiErr != nil {
		resp.Status = StatusError
		resp.Data = nil
		resp.Error = apiErr
	}
	return resp
}

// Pagination describes the page a list reply holds.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Page sizes for job listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListOptions selects a page of jobs, optionally only those of one scope.
type ListOptions struct {
	Limit  int
	Offset int
	Scope  string
}

// DefaultListOptions returns the first page at the default size.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultPageSize}
}

// Clamp keeps Limit within [1, MaxPageSize] and Offset non-negative.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	if o.Limit > MaxPageSize {
		o.Limit = MaxPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Page returns the pagination block for a reply of returned items out of
// total matches.
func (o ListOptions) Page(total, returned int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+returned < total,
	}
}
