package ledger

import "time"

// Outcome is the durable processing result recorded for a logical event.
// It is written once on first classification and returned verbatim on
// every subsequent delivery of the same event identifier.
type Outcome string

const (
	// OutcomePending marks a row reserved inside an open transaction; it is
	// never visible after commit because Finalize runs in the same
	// transaction.
	OutcomePending Outcome = "pending"

	OutcomeApplied            Outcome = "applied"
	OutcomeDuplicateIgnored   Outcome = "duplicate_ignored"
	OutcomeStaleIgnored       Outcome = "stale_ignored"
	OutcomeMalformed          Outcome = "malformed"
	OutcomeUnknownTypeIgnored Outcome = "unknown_type_ignored"
)

// Classification is the verdict of the check-and-reserve step.
type Classification struct {
	FirstSeen     bool
	PriorOutcome  Outcome
	DeliveryCount int
}

// Record is one row of the idempotency ledger.
type Record struct {
	EventID       string
	EventType     string
	EntityID      string
	ProviderTS    time.Time
	Payload       []byte
	Outcome       Outcome
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	DeliveryCount int
}
