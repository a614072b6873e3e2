package audit

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	dErrors "audittrail/pkg/domain-errors"
)

const (
	FieldLogID         = "log_id"
	FieldTimestamp     = "timestamp"
	FieldClientID      = "client_id"
	FieldAgentID       = "agent_id"
	FieldCrudOperation = "crud_operation"
	FieldSourceService = "source_service"
	FieldTTL           = "ttl"
	FieldAttributeName = "attribute_name"
	FieldBeforeValue   = "before_value"
	FieldAfterValue    = "after_value"
	FieldCorrelationID = "correlation_id"
)

// requiredFields must be present and non-empty on every entry.
var requiredFields = []string{
	FieldLogID, FieldTimestamp, FieldClientID, FieldAgentID,
	FieldCrudOperation, FieldSourceService, FieldTTL,
}

var conditionalFields = []string{FieldAttributeName, FieldBeforeValue, FieldAfterValue}

// conditionalRules lists, per operation, the conditional fields it requires.
// Every other conditional field is forbidden for that operation.
var conditionalRules = map[Operation][]string{
	OperationCreate: {FieldAfterValue},
	OperationRead:   {},
	OperationUpdate: {FieldAttributeName, FieldBeforeValue, FieldAfterValue},
	OperationDelete: {FieldBeforeValue},
}

// timestampLayouts are the ISO-8601 shapes accepted off the queue. Values
// without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// RequiredConditionalFields returns the conditional fields op requires.
func RequiredConditionalFields(op Operation) []string {
	return conditionalRules[op]
}

// ValidateRecord checks an untyped entry as received off the queue and
// returns the typed entry. It rejects rather than defaults: no field is
// invented, trimmed, or coerced into a different value.
func ValidateRecord(fields map[string]any) (Entry, error) {
	strs := make(map[string]string, len(requiredFields))
	for _, name := range requiredFields {
		raw, ok := fields[name]
		if !ok || raw == nil {
			return Entry{}, invalidf("missing required field: %s", name)
		}
		if name == FieldTTL {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return Entry{}, invalidf("field %s must be a string", name)
		}
		if strings.TrimSpace(s) == "" {
			return Entry{}, invalidf("field %s cannot be empty", name)
		}
		strs[name] = s
	}

	ttl, err := parseTTL(fields[FieldTTL])
	if err != nil {
		return Entry{}, err
	}

	op := Operation(strs[FieldCrudOperation])
	if !op.IsValid() {
		return Entry{}, invalidf("invalid crud_operation: %s", strs[FieldCrudOperation])
	}

	conditional := make(map[string]string, len(conditionalFields))
	for _, name := range conditionalFields {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return Entry{}, invalidf("field %s must be a string", name)
		}
		if s != "" {
			conditional[name] = s
		}
	}
	if err := checkConditional(op, conditional); err != nil {
		return Entry{}, err
	}

	ts, err := ParseTimestamp(strs[FieldTimestamp])
	if err != nil {
		return Entry{}, invalidf("invalid timestamp format: %s", strs[FieldTimestamp])
	}

	var correlationID string
	if raw, ok := fields[FieldCorrelationID]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return Entry{}, invalidf("field %s must be a string", FieldCorrelationID)
		}
		correlationID = s
	}

	return Entry{
		LogID:         strs[FieldLogID],
		Timestamp:     ts,
		ClientID:      strs[FieldClientID],
		AgentID:       strs[FieldAgentID],
		SourceService: strs[FieldSourceService],
		TTL:           ttl,
		CorrelationID: correlationID,
		Change: NewChange(op,
			conditional[FieldAttributeName],
			conditional[FieldBeforeValue],
			conditional[FieldAfterValue]),
	}, nil
}

// Validate re-checks a typed entry. The variant already rules out forbidden
// fields, so only emptiness is left to check.
func (e Entry) Validate() error {
	required := map[string]string{
		FieldLogID:         e.LogID,
		FieldClientID:      e.ClientID,
		FieldAgentID:       e.AgentID,
		FieldSourceService: e.SourceService,
	}
	for _, name := range requiredFields {
		v, ok := required[name]
		if ok && strings.TrimSpace(v) == "" {
			return invalidf("field %s cannot be empty", name)
		}
	}
	if e.Timestamp.IsZero() {
		return invalidf("field %s cannot be empty", FieldTimestamp)
	}
	if e.TTL <= 0 {
		return invalidf("field %s cannot be empty", FieldTTL)
	}
	if e.Change == nil {
		return invalidf("missing required field: %s", FieldCrudOperation)
	}

	attributeName, beforeValue, afterValue := e.ConditionalFields()
	present := make(map[string]string, 3)
	for name, v := range map[string]string{
		FieldAttributeName: attributeName,
		FieldBeforeValue:   beforeValue,
		FieldAfterValue:    afterValue,
	} {
		if v != "" {
			present[name] = v
		}
	}
	return checkConditional(e.Operation(), present)
}

func checkConditional(op Operation, present map[string]string) error {
	required := conditionalRules[op]
	for _, name := range required {
		if _, ok := present[name]; !ok {
			return invalidf("%s is required for %s operation", name, op)
		}
	}
	for _, name := range conditionalFields {
		if _, ok := present[name]; !ok {
			continue
		}
		if !slices.Contains(required, name) {
			return invalidf("%s is not allowed for %s operation", name, op)
		}
	}
	return nil
}

// ParseTimestamp parses an ISO-8601 instant and normalizes it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseTTL accepts the numeric shapes a JSON decoder may produce, plus
// decimal strings. Zero counts as empty.
func parseTTL(raw any) (int64, error) {
	var ttl int64
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, invalidf("field %s must be an integer", FieldTTL)
			}
			if n, err = floatTTL(f); err != nil {
				return 0, err
			}
		}
		ttl = n
	case float64:
		n, err := floatTTL(v)
		if err != nil {
			return 0, err
		}
		ttl = n
	case int:
		ttl = int64(v)
	case int64:
		ttl = v
	case int32:
		ttl = int64(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, invalidf("field %s cannot be empty", FieldTTL)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, invalidf("field %s must be an integer", FieldTTL)
		}
		ttl = n
	default:
		return 0, invalidf("field %s must be an integer", FieldTTL)
	}
	if ttl <= 0 {
		return 0, invalidf("field %s cannot be empty", FieldTTL)
	}
	return ttl, nil
}

// floatTTL converts a whole float that fits in int64. 2^63 itself does not.
func floatTTL(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, invalidf("field %s must be an integer", FieldTTL)
	}
	return int64(f), nil
}

// IsInvalidEntry reports whether err is a validation rejection.
func IsInvalidEntry(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeValidation)
}

func invalidf(format string, args ...any) error {
	return dErrors.Newf(dErrors.CodeValidation, format, args...)
}
