package escrow

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition marks a status edge outside the lifecycle table. It
// indicates a bug in the caller and is never persisted.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions is the complete set of legal status edges. Terminal statuses
// have no outgoing edges. pending_payment can reach refunded directly for
// the case where money lands only after the deadline passed.
var transitions = map[Status][]Status{
	StatusPendingPayment:   {StatusPaymentConfirmed, StatusManualReview, StatusCancelled, StatusExpired, StatusRefunded},
	StatusPaymentConfirmed: {StatusOfferCreated, StatusRefunded, StatusFailed},
	StatusOfferCreated:     {StatusOfferAccepted, StatusRefunded, StatusFailed},
	StatusOfferAccepted:    {StatusCompleted, StatusRefunded, StatusFailed},
	StatusManualReview:     {StatusPaymentConfirmed, StatusRefunded, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
