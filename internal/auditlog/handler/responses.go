package handler

import (
	"audittrail/internal/auditlog/service"
	audit "audittrail/pkg/platform/audit"
)

// LogsResponse is the body of a successful read.
type LogsResponse struct {
	Logs      []audit.Record `json:"logs"`
	Count     int            `json:"count"`
	NextToken *string        `json:"next_token"`
	HasMore   bool           `json:"has_more"`
	// PageSize is echoed only when the caller asked for pagination.
	PageSize *int `json:"page_size,omitempty"`
}

// FromPage converts an engine page to the response body.
func FromPage(page *service.Page) *LogsResponse {
	logs := make([]audit.Record, 0, len(page.Entries))
	for _, e := range page.Entries {
		logs = append(logs, e.ToRecord())
	}
	resp := &LogsResponse{
		Logs:    logs,
		Count:   len(logs),
		HasMore: page.HasMore(),
	}
	if page.NextToken != "" {
		token := page.NextToken
		resp.NextToken = &token
	}
	if page.Paginated {
		size := page.PageSize
		resp.PageSize = &size
	}
	return resp
}
