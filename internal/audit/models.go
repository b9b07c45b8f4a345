package audit

import "time"

// Decision values recorded for each processed delivery.
const (
	DecisionApplied          = "applied"
	DecisionDuplicateIgnored = "duplicate_ignored"
	DecisionStaleIgnored     = "stale_ignored"
	DecisionUnknownIgnored   = "unknown_type_ignored"
	DecisionRejected         = "rejected"
)

type Entry struct {
	Seq       int64     `json:"seq" db:"seq"`
	EventID   string    `json:"event_id" db:"event_id"`
	EventType string    `json:"event_type" db:"event_type"`
	EntityID  string    `json:"entity_id,omitempty" db:"entity_id"`
	Decision  string    `json:"decision" db:"decision"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
