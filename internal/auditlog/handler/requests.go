package handler

import (
	"net/url"
	"strconv"
	"strings"

	"audittrail/internal/auditlog/service"
	dErrors "audittrail/pkg/domain-errors"
	audit "audittrail/pkg/platform/audit"
)

// maxTokenLength bounds next_token before any decoding work.
const maxTokenLength = 4096

// QueryParams is the parsed query string of a read request.
type QueryParams struct {
	Operation audit.Operation
	Hours     *int
	PageSize  *int
	NextToken string
}

// ParseQuery reads operation, hours, page_size and next_token. Empty values
// count as absent.
func ParseQuery(values url.Values) (QueryParams, error) {
	var p QueryParams

	if raw := strings.TrimSpace(values.Get("operation")); raw != "" {
		op, ok := audit.ParseOperation(raw)
		if !ok {
			return p, dErrors.Newf(dErrors.CodeBadRequest, "Invalid operation: %s", raw)
		}
		p.Operation = op
	}

	if raw := strings.TrimSpace(values.Get("hours")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return p, dErrors.New(dErrors.CodeBadRequest, "hours must be a positive integer")
		}
		p.Hours = &n
	}

	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, dErrors.New(dErrors.CodeBadRequest, "page_size must be an integer")
		}
		p.PageSize = &n
	}

	p.NextToken = strings.TrimSpace(values.Get("next_token"))
	if len(p.NextToken) > maxTokenLength {
		return p, dErrors.New(dErrors.CodeInvalidCursor, "Invalid next_token")
	}
	return p, nil
}

func (p QueryParams) apply(req *service.Request) {
	req.Operation = p.Operation
	req.Hours = p.Hours
	req.PageSize = p.PageSize
	req.NextToken = p.NextToken
}
