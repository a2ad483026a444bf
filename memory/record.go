package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags a memory record. The set is closed.
type Type string

const (
	TypeTransaction      Type = "transaction"
	TypePreference       Type = "preference"
	TypeConversation     Type = "conversation"
	TypeAction           Type = "action"
	TypeRegistrationStep Type = "registration_step"
	TypeRoutingDecision  Type = "routing_decision"
	TypeAgentInteraction Type = "agent_interaction"
)

// Types lists every valid memory type.
var Types = []Type{
	TypeTransaction,
	TypePreference,
	TypeConversation,
	TypeAction,
	TypeRegistrationStep,
	TypeRoutingDecision,
	TypeAgentInteraction,
}

// Valid reports whether t is one of the known tags.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Metadata describes who a record belongs to and where it came from.
// UserID and Timestamp are always present on stored records.
type Metadata struct {
	UserID    string
	Timestamp int64 // epoch milliseconds

	ThreadID   string
	Category   string
	Amount     *float64
	Confidence *float64
	Source     string

	// Extra carries tag-specific fields (e.g. from_agent/to_agent for
	// routing decisions). Values must be JSON-compatible.
	Extra map[string]any
}

// Time returns Timestamp as a time.Time.
func (m Metadata) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Record is a single stored fact or utterance. Records are immutable once
// written and are only removed through batch criteria.
type Record struct {
	ID       string
	Type     Type
	Content  string
	Metadata Metadata
}

// NewRecord builds a record stamped with a fresh id.
func NewRecord(memType Type, content string, meta Metadata) Record {
	return Record{
		ID:       uuid.New().String(),
		Type:     memType,
		Content:  content,
		Metadata: meta,
	}
}

// Validate checks the invariants every store relies on.
func (r Record) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
	if r.Metadata.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRecord)
	}
	if r.Metadata.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	return nil
}

// WithID returns the record with an id assigned if it had none.
func (r Record) WithID() Record {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return r
}

// SearchResult pairs a record with its relevance score in [0, 1].
type SearchResult struct {
	Record Record
	Score  float64
}

const (
	// DefaultSearchLimit applies when SearchOptions.Limit is zero.
	DefaultSearchLimit = 10

	// DefaultMinScore applies when SearchOptions.MinScore is zero.
	DefaultMinScore = 0.5
)

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	Type   Type   // empty = any type
	UserID string // empty = any user
	Limit  int    // 0 = DefaultSearchLimit

	// MinScore drops results below the threshold.
	// 0 selects DefaultMinScore, a negative value disables the threshold.
	MinScore float64
}

// Normalized resolves defaults.
func (o SearchOptions) Normalized() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultSearchLimit
	}
	if o.MinScore == 0 {
		o.MinScore = DefaultMinScore
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
	return o
}

// DeleteCriteria selects records for bulk deletion. Fields combine
// conjunctively; at least one must be set.
type DeleteCriteria struct {
	UserID string
	Type   Type
	Before int64 // epoch ms, exclusive; 0 = unbounded
}

// IsEmpty reports whether no criterion is set.
func (c DeleteCriteria) IsEmpty() bool {
	return c.UserID == "" && c.Type == "" && c.Before <= 0
}

// ClampScore maps a similarity onto [0, 1].
func ClampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
