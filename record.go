package vigil

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the category of a record.
type Kind string

const (
	KindEmail           Kind = "email"
	KindMessage         Kind = "message"
	KindCalendar        Kind = "calendar"
	KindFinancialEvent  Kind = "financial_event"
	KindFileDrop        Kind = "file_drop"
	KindApprovalRequest Kind = "approval_request"
	KindPlan            Kind = "plan"
)

// AllKinds lists every valid record kind.
var AllKinds = []Kind{
	KindEmail,
	KindMessage,
	KindCalendar,
	KindFinancialEvent,
	KindFileDrop,
	KindApprovalRequest,
	KindPlan,
}

// String returns the raw string value of the kind.
func (k Kind) String() string { return string(k) }

// ParseKind converts a string into a Kind, returning ErrUnknownKind for unknown values.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if s == string(k) {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}

// Priority orders records by urgency.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Rank returns 0 for urgent through 3 for low. Unknown priorities rank last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// ParsePriority converts a string into a Priority. Empty input yields medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if _, ok := priorityRank[p]; !ok {
		return "", ErrUnknownPriority
	}
	return p, nil
}

// Decision is the resolution of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// Ref identifies a record across the whole store.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

// ParseRef parses the "kind:id" form produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Ref{}, fmt.Errorf("vigil: invalid ref %q, want kind:id", s)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q", err, kind)
	}
	return Ref{Kind: k, ID: id}, nil
}

// Record is a unit of work. It is serialized to a markdown file with YAML
// frontmatter, or to a Redis hash when the Redis store is used.
type Record struct {
	// ID is derived from the source event id and used for de-duplication.
	ID string
	// Kind is the record category.
	Kind Kind
	// Priority orders records for the external agent.
	Priority Priority
	// Stage is the current location of the record.
	Stage Stage
	// CreatedAt is when the record was materialized (UTC).
	CreatedAt time.Time
	// ExpiresAt, if set, auto-rejects the record while it is pending approval.
	ExpiresAt time.Time
	// Fields holds source-specific metadata (invoice_id, from, subject, ...).
	Fields map[string]string
	// Body is the human-readable markdown body.
	Body string

	// Decision is set once an approval request is resolved.
	Decision  Decision
	DecidedBy string
	DecidedAt time.Time
	// Reason explains a rejection (e.g. "expired").
	Reason string
	// Error captures why an approved action failed.
	Error string
	// Result is an optional note attached by the action handler.
	Result string

	// Path is the file backing the record in a FileStore. Informational only.
	Path string
}

// Ref returns the store identity of the record.
func (r *Record) Ref() Ref { return Ref{Kind: r.Kind, ID: r.ID} }

// Expired reports whether the record carries a deadline that has passed.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Field returns a source field or "".
func (r *Record) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// RecordFilter is a function used to filter records during List.
type RecordFilter func(*Record) bool
