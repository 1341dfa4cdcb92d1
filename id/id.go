// Package id defines TypeID-based identity types for all introq entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all introq entity types.
const (
	PrefixEvent       Prefix = "evt"
	PrefixTask        Prefix = "task"
	PrefixDeadLetter  Prefix = "dle"
	PrefixAction      Prefix = "act"
	PrefixOpportunity Prefix = "opp"
	PrefixRequest     Prefix = "req"
	PrefixOffer       Prefix = "offer"
	PrefixPriority    Prefix = "pri"
	PrefixAward       Prefix = "crd"
	PrefixUser        Prefix = "user"
	PrefixWorker      Prefix = "wkr"
)

// ID is the primary identifier type for all introq entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "evt_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Per-entity aliases
// ──────────────────────────────────────────────────

// EventID is a type-safe identifier for events (prefix: "evt").
type EventID = ID

// TaskID is a type-safe identifier for scheduled tasks (prefix: "task").
type TaskID = ID

// DeadLetterID is a type-safe identifier for dead letter entries (prefix: "dle").
type DeadLetterID = ID

// ActionID is a type-safe identifier for audit actions (prefix: "act").
type ActionID = ID

// OpportunityID is a type-safe identifier for intro opportunities (prefix: "opp").
type OpportunityID = ID

// RequestID is a type-safe identifier for connection requests (prefix: "req").
type RequestID = ID

// OfferID is a type-safe identifier for intro offers (prefix: "offer").
type OfferID = ID

// PriorityID is a type-safe identifier for priority entries (prefix: "pri").
type PriorityID = ID

// AwardID is a type-safe identifier for credit awards (prefix: "crd").
type AwardID = ID

// UserID is a type-safe identifier for users (prefix: "user").
type UserID = ID

// WorkerID is a type-safe identifier for dispatcher replicas (prefix: "wkr").
type WorkerID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewEventID generates a new unique event ID.
func NewEventID() ID { return New(PrefixEvent) }

// NewTaskID generates a new unique task ID.
func NewTaskID() ID { return New(PrefixTask) }

// NewDeadLetterID generates a new unique dead letter entry ID.
func NewDeadLetterID() ID { return New(PrefixDeadLetter) }

// NewActionID generates a new unique audit action ID.
func NewActionID() ID { return New(PrefixAction) }

// NewOpportunityID generates a new unique opportunity ID.
func NewOpportunityID() ID { return New(PrefixOpportunity) }

// NewRequestID generates a new unique connection request ID.
func NewRequestID() ID { return New(PrefixRequest) }

// NewOfferID generates a new unique offer ID.
func NewOfferID() ID { return New(PrefixOffer) }

// NewPriorityID generates a new unique priority entry ID.
func NewPriorityID() ID { return New(PrefixPriority) }

// NewAwardID generates a new unique credit award ID.
func NewAwardID() ID { return New(PrefixAward) }

// NewUserID generates a new unique user ID.
func NewUserID() ID { return New(PrefixUser) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseEventID parses a string and validates the "evt" prefix.
func ParseEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEvent) }

// ParseTaskID parses a string and validates the "task" prefix.
func ParseTaskID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTask) }

// ParseDeadLetterID parses a string and validates the "dle" prefix.
func ParseDeadLetterID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDeadLetter) }

// ParseOpportunityID parses a string and validates the "opp" prefix.
func ParseOpportunityID(s string) (ID, error) { return ParseWithPrefix(s, PrefixOpportunity) }

// ParseRequestID parses a string and validates the "req" prefix.
func ParseRequestID(s string) (ID, error) { return ParseWithPrefix(s, PrefixRequest) }

// ParseOfferID parses a string and validates the "offer" prefix.
func ParseOfferID(s string) (ID, error) { return ParseWithPrefix(s, PrefixOffer) }

// ParseUserID parses a string and validates the "user" prefix.
func ParseUserID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUser) }

// ParseWorkerID parses a string and validates the "wkr" prefix.
func ParseWorkerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorker) }

// ParseAny parses a string into an ID without type checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
