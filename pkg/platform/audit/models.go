package audit

import (
	"strings"
	"time"
)

// Operation is the business-level mutation being audited. It describes an
// external change to a client record, never a change to the audit row itself.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationRead   Operation = "READ"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Operations lists every operation in a fixed order. Fan-out queries iterate
// it so partition handling is deterministic.
var Operations = []Operation{OperationCreate, OperationRead, OperationUpdate, OperationDelete}

// IsValid reports whether o is one of the four audited operations.
func (o Operation) IsValid() bool {
	switch o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

func (o Operation) String() string { return string(o) }

// ParseOperation reads an operation filter as typed by a caller; case is ignored.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	return op, op.IsValid()
}

// Change carries the operation-specific fields of an entry. Only the variants
// that need conditional values have them, so a READ entry cannot hold an
// after value by construction.
type Change interface {
	Operation() Operation
	isChange()
}

// Created records a CREATE; the created value is required.
type Created struct {
	AfterValue string
}

// Read records a READ; it has no conditional fields.
type Read struct{}

// Updated records an UPDATE of one attribute.
type Updated struct {
	AttributeName string
	BeforeValue   string
	AfterValue    string
}

// Deleted records a DELETE; the removed value is required.
type Deleted struct {
	BeforeValue string
}

func (Created) Operation() Operation { return OperationCreate }
func (Read) Operation() Operation    { return OperationRead }
func (Updated) Operation() Operation { return OperationUpdate }
func (Deleted) Operation() Operation { return OperationDelete }

func (Created) isChange() {}
func (Read) isChange()    {}
func (Updated) isChange() {}
func (Deleted) isChange() {}

// Entry is one immutable audit trail row.
type Entry struct {
	LogID         string
	Timestamp     time.Time
	ClientID      string
	AgentID       string
	SourceService string
	// TTL is the retention expiry in epoch seconds.
	TTL int64
	// CorrelationID ties the entry to the producer's request, when known.
	CorrelationID string
	Change        Change
}

// Operation returns the audited operation, or "" for an entry without a change.
func (e Entry) Operation() Operation {
	if e.Change == nil {
		return ""
	}
	return e.Change.Operation()
}

// ExpiredAt reports whether the entry's retention has lapsed at now.
func (e Entry) ExpiredAt(now time.Time) bool {
	return e.TTL <= now.Unix()
}

// Key returns the entry's position in the newest-first total order used by
// every index: timestamp first, log id as the tie-break.
func (e Entry) Key() Key {
	return Key{Timestamp: e.Timestamp, LogID: e.LogID}
}

// Key orders entries by (timestamp, log_id).
type Key struct {
	Timestamp time.Time
	LogID     string
}

// Before reports whether k sorts strictly before other in newest-first
// order, i.e. k is newer than other.
func (k Key) Before(other Key) bool {
	if !k.Timestamp.Equal(other.Timestamp) {
		return k.Timestamp.After(other.Timestamp)
	}
	return k.LogID > other.LogID
}

// TimestampLayout is the wire format of entry timestamps.
const TimestampLayout = time.RFC3339Nano

// Record is the wire shape of an entry as it travels on the queue and in API
// responses. Conditional fields are omitted when the operation does not use them.
type Record struct {
	LogID         string  `json:"log_id"`
	Timestamp     string  `json:"timestamp"`
	ClientID      string  `json:"client_id"`
	AgentID       string  `json:"agent_id"`
	CrudOperation string  `json:"crud_operation"`
	SourceService string  `json:"source_service"`
	TTL           int64   `json:"ttl"`
	AttributeName *string `json:"attribute_name,omitempty"`
	BeforeValue   *string `json:"before_value,omitempty"`
	AfterValue    *string `json:"after_value,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// ToRecord converts an entry to its wire shape.
func (e Entry) ToRecord() Record {
	r := Record{
		LogID:         e.LogID,
		Timestamp:     e.Timestamp.UTC().Format(TimestampLayout),
		ClientID:      e.ClientID,
		AgentID:       e.AgentID,
		CrudOperation: string(e.Operation()),
		SourceService: e.SourceService,
		TTL:           e.TTL,
		CorrelationID: e.CorrelationID,
	}
	switch c := e.Change.(type) {
	case Created:
		r.AfterValue = &c.AfterValue
	case Updated:
		r.AttributeName = &c.AttributeName
		r.BeforeValue = &c.BeforeValue
		r.AfterValue = &c.AfterValue
	case Deleted:
		r.BeforeValue = &c.BeforeValue
	}
	return r
}

// ConditionalFields returns the attribute name, before value and after value
// of the entry, empty where the operation does not carry them. Stores use it
// to flatten the variant into columns.
func (e Entry) ConditionalFields() (attributeName, beforeValue, afterValue string) {
	switch c := e.Change.(type) {
	case Created:
		return "", "", c.AfterValue
	case Updated:
		return c.AttributeName, c.BeforeValue, c.AfterValue
	case Deleted:
		return "", c.BeforeValue, ""
	}
	return "", "", ""
}

// NewChange rebuilds the variant for op from flattened fields. It does not
// validate; stores use it for rows that passed validation on the way in.
func NewChange(op Operation, attributeName, beforeValue, afterValue string) Change {
	switch op {
	case OperationCreate:
		return Created{AfterValue: afterValue}
	case OperationUpdate:
		return Updated{AttributeName: attributeName, BeforeValue: beforeValue, AfterValue: afterValue}
	case OperationDelete:
		return Deleted{BeforeValue: beforeValue}
	default:
		return Read{}
	}
}
