package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("connection reset")
	rec := Recoverable("xrpl", "submit", base)
	term := Terminal("eth", "transfer", "insufficient_funds", base)

	if !IsRecoverable(rec) {
		t.Error("expected recoverable")
	}
	if IsTerminal(rec) {
		t.Error("recoverable should not classify as terminal")
	}
	if !IsTerminal(term) {
		t.Error("expected terminal")
	}
	if IsRecoverable(term) {
		t.Error("terminal should not classify as recoverable")
	}

	// Wrapping preserves classification.
	wrapped := errors.Join(errors.New("step failed"), rec)
	if !IsRecoverable(wrapped) {
		t.Error("expected wrapped error to stay recoverable")
	}

	if !errors.Is(rec, base) {
		t.Error("expected Unwrap to reach the underlying error")
	}

	if got := TerminalReason(term); got != "insufficient_funds" {
		t.Errorf("TerminalReason = %q, want insufficient_funds", got)
	}
	if got := TerminalReason(rec); got != "" {
		t.Errorf("TerminalReason on recoverable = %q, want empty", got)
	}
}

func TestTerminalError_Message(t *testing.T) {
	withErr := Terminal("btc", "send", "double_spend", errors.New("rejected"))
	if withErr.Error() == "" {
		t.Fatal("empty error message")
	}

	noErr := Terminal("btc", "send", "double_spend", nil)
	if noErr.Error() == "" {
		t.Fatal("empty error message without cause")
	}
}

type stubAdapter struct {
	id string
}

func (s *stubAdapter) ID() string { return s.id }
func (s *stubAdapter) SubmitPayment(ctx context.Context, req PaymentReq) (*Submission, error) {
	return nil, ErrUnsupported
}
func (s *stubAdapter) GetStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	return nil, ErrUnsupported
}
func (s *stubAdapter) CreateOffer(ctx context.Context, req OfferReq) (*OfferResult, error) {
	return nil, ErrUnsupported
}
func (s *stubAdapter) AcceptOffer(ctx context.Context, req AcceptReq) (*Submission, error) {
	return nil, ErrUnsupported
}
func (s *stubAdapter) FindAcceptance(ctx context.Context, q AcceptanceQuery) (*Submission, error) {
	return nil, ErrNoSubmission
}
func (s *stubAdapter) TransferAsset(ctx context.Context, req TransferReq) (*Submission, error) {
	return nil, ErrUnsupported
}
func (s *stubAdapter) MintAsset(ctx context.Context, req MintReq) (*Submission, error) {
	return nil, ErrUnsupported
}
func (s *stubAdapter) LookupSubmission(ctx context.Context, reference string) (*Submission, error) {
	return nil, ErrNoSubmission
}
func (s *stubAdapter) Balance(ctx context.Context, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{id: ETH})
	r.Register(&stubAdapter{id: XRPL})

	a, err := r.Get(ETH)
	if err != nil {
		t.Fatalf("Get(eth) error: %v", err)
	}
	if a.ID() != ETH {
		t.Errorf("adapter ID = %s, want eth", a.ID())
	}

	if _, err := r.Get("solana"); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("expected ErrUnknownChain, got %v", err)
	}

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != ETH || ids[1] != XRPL {
		t.Errorf("IDs = %v, want [eth xrpl]", ids)
	}
}

func TestRef(t *testing.T) {
	if got := Ref("esc_ab12", "refund"); got != "esc_ab12:refund" {
		t.Errorf("Ref = %q", got)
	}
}

func TestAccountLock_Serializes(t *testing.T) {
	var l AccountLock

	unlock, err := l.Acquire(context.Background(), "rBroker1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Second acquire on the same account blocks until unlock.
	acquired := make(chan struct{})
	go func() {
		u2, err := l.Acquire(context.Background(), "rBroker1")
		if err != nil {
			t.Errorf("second Acquire failed: %v", err)
			return
		}
		close(acquired)
		u2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after unlock")
	}
}

func TestAccountLock_ContextCancel(t *testing.T) {
	var l AccountLock

	unlock, err := l.Acquire(context.Background(), "rBroker1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(ctx, "rBroker1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
