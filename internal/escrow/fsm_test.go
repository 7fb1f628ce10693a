package escrow

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPendingPayment, StatusPaymentConfirmed},
		{StatusPendingPayment, StatusManualReview},
		{StatusPendingPayment, StatusCancelled},
		{StatusPendingPayment, StatusExpired},
		{StatusPendingPayment, StatusRefunded},
		{StatusPaymentConfirmed, StatusOfferCreated},
		{StatusPaymentConfirmed, StatusRefunded},
		{StatusPaymentConfirmed, StatusFailed},
		{StatusOfferCreated, StatusOfferAccepted},
		{StatusOfferCreated, StatusRefunded},
		{StatusOfferCreated, StatusFailed},
		{StatusOfferAccepted, StatusCompleted},
		{StatusOfferAccepted, StatusRefunded},
		{StatusOfferAccepted, StatusFailed},
		{StatusManualReview, StatusPaymentConfirmed},
		{StatusManualReview, StatusRefunded},
		{StatusManualReview, StatusFailed},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPendingPayment, StatusOfferCreated},  // cannot skip confirmation
		{StatusPendingPayment, StatusCompleted},     // cannot skip the whole flow
		{StatusPendingPayment, StatusFailed},        // nothing to fail before money moves
		{StatusPaymentConfirmed, StatusCancelled},   // confirmed money refunds, never cancels
		{StatusPaymentConfirmed, StatusExpired},     // same
		{StatusPaymentConfirmed, StatusCompleted},   // cannot skip custody
		{StatusOfferCreated, StatusCompleted},       // cannot skip acceptance
		{StatusOfferCreated, StatusPaymentConfirmed},// no going backwards
		{StatusOfferAccepted, StatusOfferCreated},   // no going backwards
		{StatusManualReview, StatusCompleted},       // operator resumes the flow, not the end
		{StatusManualReview, StatusCancelled},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired, StatusFailed}
	all := []Status{
		StatusPendingPayment, StatusPaymentConfirmed, StatusOfferCreated,
		StatusOfferAccepted, StatusManualReview, StatusCompleted,
		StatusRefunded, StatusCancelled, StatusExpired, StatusFailed,
	}
	for _, from := range terminals {
		if !isTerminalStatus(from) {
			t.Errorf("isTerminalStatus(%s) = false", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s has an exit to %s", from, to)
			}
		}
	}
}

func TestCheckTransitionError(t *testing.T) {
	err := checkTransition(StatusCompleted, StatusRefunded)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	if err := checkTransition(StatusPendingPayment, StatusPaymentConfirmed); err != nil {
		t.Fatalf("legal edge returned %v", err)
	}
}

func TestPublicStatus(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{StatusPendingPayment, "pending"},
		{StatusPaymentConfirmed, "processing"},
		{StatusOfferCreated, "processing"},
		{StatusOfferAccepted, "processing"},
		{StatusManualReview, "processing"},
		{StatusCompleted, "completed"},
		{StatusRefunded, "refunded"},
		{StatusCancelled, "failed"},
		{StatusExpired, "failed"},
		{StatusFailed, "failed"},
	}
	for _, tc := range cases {
		rec := &Record{Status: tc.status}
		if got := rec.PublicStatus(); got != tc.want {
			t.Errorf("PublicStatus(%s) = %q, want %q", tc.status, got, tc.want)
		}
	}
}
