package escrow

import "time"

// Event kinds a caller can report through RecordExternalEvent.
const (
	EventPaymentSubmitted = "payment_submitted"
	EventOfferAccepted    = "offer_accepted"
)

// Operator resolutions for manual_review records.
const (
	ResolutionRefund  = "refund"
	ResolutionProceed = "proceed"
)

// Event describes one status transition for realtime subscribers.
type Event struct {
	EscrowID string    `json:"escrowId"`
	Kind     Kind      `json:"kind"`
	From     Status    `json:"from,omitempty"`
	To       Status    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives transition events. Publish must not block: the hub
// drops slow subscribers rather than stalling the state machine.
type EventSink interface {
	Publish(evt Event)
}
