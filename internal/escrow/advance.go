package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/traces"
)

// Step tags carried on-chain with every broker submission, so
// LookupSubmission can reattach a landed transaction to its escrow after a
// crash. The write order is always hash-then-status: evidence of a
// submission is durable before anything depends on it.
const (
	StepPayment  = "payment"
	StepOffer    = "offer"
	StepAccept   = "accept"
	StepMint     = "mint"
	StepTransfer = "transfer"
	StepPayout   = "payout"
	StepRefund   = "refund"
)

// Advance runs at most one status transition for an escrow. The poller
// drives it; the service nudges it through the scheduler after external
// events. A nil error with an unchanged status means the escrow is waiting
// on the outside world: a payment, an acceptance, or confirmations.
func (s *Service) Advance(ctx context.Context, id string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.advance", traces.EscrowID(id))
	defer span.End()

	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Status(string(rec.Status)))
	if rec.IsTerminal() {
		if s.sched != nil {
			s.sched.Remove(rec.ID)
		}
		return rec, nil
	}

	// A submitted refund owns the record until it settles.
	if rec.RefundTxHash != "" {
		return s.settleRefund(ctx, rec)
	}

	// Lazy expiry, with two exemptions: manual_review waits for an operator
	// indefinitely, and a record whose asset already left custody must
	// finish its payout rather than refund a delivered trade.
	if rec.Status != StatusManualReview && rec.TransferTxHash == "" && time.Now().After(rec.ExpiresAt) {
		return s.expire(ctx, rec)
	}

	switch rec.Status {
	case StatusPendingPayment:
		return s.advancePendingPayment(ctx, rec)
	case StatusPaymentConfirmed:
		return s.advancePaymentConfirmed(ctx, rec)
	case StatusOfferCreated:
		return s.advanceOfferCreated(ctx, rec)
	case StatusOfferAccepted:
		return s.advanceOfferAccepted(ctx, rec)
	case StatusManualReview:
		return rec, nil
	}
	return rec, fmt.Errorf("escrow %s in unknown status %q", rec.ID, rec.Status)
}

// advancePendingPayment watches for the payer's funding transaction and
// confirms it. Underpayment parks the record for an operator; it never
// refunds on its own.
func (s *Service) advancePendingPayment(ctx context.Context, rec *Record) (*Record, error) {
	if rec.PaymentTxHash == "" {
		// The payer may have attached the escrow reference to a payment
		// nobody reported. Adopt it if the ledger shows one.
		adapter, err := s.registry.Get(rec.PaymentChain)
		if err != nil {
			return rec, err
		}
		sub, err := adapter.LookupSubmission(ctx, chain.Ref(rec.ID, StepPayment))
		if errors.Is(err, chain.ErrNoSubmission) {
			return rec, nil
		}
		if err != nil {
			return rec, err
		}
		rec.PaymentTxHash = sub.TxHash
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
		s.logger.Info("adopted payment from ledger scan", "escrowId", rec.ID, "txHash", sub.TxHash)
	}

	res, err := s.checker.Check(ctx, rec.PaymentChain, rec.PaymentTxHash)
	if err != nil {
		return rec, err
	}
	if !res.IsFinal {
		return rec, nil
	}

	gross := money.MustParse(rec.GrossAmount)
	paid := res.Amount
	if paid == nil || paid.Sign() == 0 {
		// The ledger could not attribute a delivered amount. Trust the
		// declared gross rather than inventing an underpayment.
		paid = gross
	}
	rec.PaidAmount = money.Format(paid)
	now := time.Now().UTC()
	rec.PaymentConfirmedAt = &now

	if paid.Cmp(gross) < 0 {
		reason := fmt.Sprintf("underpayment: received %s of %s", rec.PaidAmount, rec.GrossAmount)
		return s.transition(ctx, rec, StatusManualReview, reason)
	}
	return s.transition(ctx, rec, StatusPaymentConfirmed, "")
}

// advancePaymentConfirmed runs the kind-specific custody step that puts the
// conveyance offer on the asset ledger.
func (s *Service) advancePaymentConfirmed(ctx context.Context, rec *Record) (*Record, error) {
	adapter, err := s.registry.Get(rec.AssetChain)
	if err != nil {
		return rec, err
	}

	switch rec.Kind {
	case KindTradeBuy:
		return s.placeBuyOffer(ctx, rec, adapter)
	case KindTradeSell:
		return s.acceptSellOffer(ctx, rec, adapter)
	case KindMint:
		return s.mintAndOffer(ctx, rec, adapter)
	}
	return rec, fmt.Errorf("escrow %s has unknown kind %q", rec.ID, rec.Kind)
}

// placeBuyOffer asks the current owner to convey the asset into custody: a
// zero-priced offer directed at the owner. The owner's money arrives later
// as an explicit payout, which keeps the sequence identical when payment
// and asset live on different chains.
func (s *Service) placeBuyOffer(ctx context.Context, rec *Record, adapter chain.Adapter) (*Record, error) {
	if rec.OfferID == "" {
		ref := chain.Ref(rec.ID, StepOffer)
		if sub, err := adapter.LookupSubmission(ctx, ref); err == nil && sub.OfferID != "" {
			rec.OfferID, rec.OfferTxHash = sub.OfferID, sub.TxHash
		} else if err != nil && !errors.Is(err, chain.ErrNoSubmission) {
			return rec, err
		} else {
			res, err := adapter.CreateOffer(ctx, chain.OfferReq{
				Taker:     rec.PayeeAddress,
				Owner:     rec.PayeeAddress,
				AssetID:   rec.AssetID,
				Issuer:    rec.AssetIssuer,
				Reference: ref,
			})
			if err != nil {
				return s.custodyFailure(ctx, rec, "offer", err)
			}
			rec.OfferID, rec.OfferTxHash = res.OfferID, res.TxHash
		}
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}
	return s.transition(ctx, rec, StatusOfferCreated, "")
}

// acceptSellOffer takes custody of the asset by accepting the owner's
// pre-created directed offer with the broker account. The acceptance hash
// gates offer_created -> offer_accepted like any externally signed one.
func (s *Service) acceptSellOffer(ctx context.Context, rec *Record, adapter chain.Adapter) (*Record, error) {
	if rec.AcceptanceTxHash == "" {
		ref := chain.Ref(rec.ID, StepAccept)
		if sub, err := adapter.LookupSubmission(ctx, ref); err == nil {
			rec.AcceptanceTxHash = sub.TxHash
		} else if !errors.Is(err, chain.ErrNoSubmission) {
			return rec, err
		} else {
			sub, err := adapter.AcceptOffer(ctx, chain.AcceptReq{
				OfferID:   rec.OfferID,
				Owner:     rec.PayeeAddress,
				AssetID:   rec.AssetID,
				Issuer:    rec.AssetIssuer,
				Reference: ref,
			})
			if err != nil {
				return s.custodyFailure(ctx, rec, "acceptance", err)
			}
			rec.AcceptanceTxHash = sub.TxHash
		}
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}
	return s.transition(ctx, rec, StatusOfferCreated, "")
}

// mintAndOffer issues the asset to broker custody, then places the
// buyer-facing conveyance offer. Two submissions, each durable before the
// next fires; the single transition to offer_created happens after both.
func (s *Service) mintAndOffer(ctx context.Context, rec *Record, adapter chain.Adapter) (*Record, error) {
	if rec.MintTxHash == "" {
		ref := chain.Ref(rec.ID, StepMint)
		if sub, err := adapter.LookupSubmission(ctx, ref); err == nil && sub.AssetID != "" {
			rec.MintTxHash, rec.AssetID = sub.TxHash, sub.AssetID
		} else if err != nil && !errors.Is(err, chain.ErrNoSubmission) {
			return rec, err
		} else {
			sub, err := adapter.MintAsset(ctx, chain.MintReq{
				AssetURI:  rec.AssetURI,
				Issuer:    rec.AssetIssuer,
				Reference: ref,
			})
			if err != nil {
				return s.custodyFailure(ctx, rec, "mint", err)
			}
			rec.MintTxHash, rec.AssetID = sub.TxHash, sub.AssetID
		}
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}

	if rec.OfferID == "" {
		ref := chain.Ref(rec.ID, StepOffer)
		if sub, err := adapter.LookupSubmission(ctx, ref); err == nil && sub.OfferID != "" {
			rec.OfferID, rec.OfferTxHash = sub.OfferID, sub.TxHash
		} else if err != nil && !errors.Is(err, chain.ErrNoSubmission) {
			return rec, err
		} else {
			res, err := adapter.CreateOffer(ctx, chain.OfferReq{
				Taker:     rec.BuyerAddress,
				AssetID:   rec.AssetID,
				Issuer:    rec.AssetIssuer,
				Reference: ref,
			})
			if err != nil {
				return s.custodyFailure(ctx, rec, "offer", err)
			}
			rec.OfferID, rec.OfferTxHash = res.OfferID, res.TxHash
		}
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}
	return s.transition(ctx, rec, StatusOfferCreated, "")
}

// advanceOfferCreated waits for the counterparty's acceptance and its
// finality. trade_sell acceptances were broker-signed in the previous step;
// the other kinds poll the ledger for the externally signed one.
func (s *Service) advanceOfferCreated(ctx context.Context, rec *Record) (*Record, error) {
	adapter, err := s.registry.Get(rec.AssetChain)
	if err != nil {
		return rec, err
	}

	if rec.AcceptanceTxHash == "" {
		counterparty := rec.PayeeAddress // trade_buy: the owner accepts
		if rec.Kind == KindMint {
			counterparty = rec.BuyerAddress // mint: the buyer claims the asset
		}
		sub, err := adapter.FindAcceptance(ctx, chain.AcceptanceQuery{
			OfferID:      rec.OfferID,
			AssetID:      rec.AssetID,
			Issuer:       rec.AssetIssuer,
			Counterparty: counterparty,
		})
		if errors.Is(err, chain.ErrNoSubmission) {
			return rec, nil // nobody has accepted yet
		}
		if err != nil {
			return rec, err
		}
		rec.AcceptanceTxHash = sub.TxHash
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
		s.logger.Info("acceptance detected", "escrowId", rec.ID, "txHash", sub.TxHash)
	}

	res, err := s.checker.Check(ctx, rec.AssetChain, rec.AcceptanceTxHash)
	if err != nil {
		return rec, err
	}
	if res.Found && !res.Succeeded {
		// The recorded acceptance failed on-ledger. Forget it and go back
		// to watching for a real one.
		s.logger.Warn("acceptance failed on-ledger, rescanning", "escrowId", rec.ID, "txHash", rec.AcceptanceTxHash)
		rec.AcceptanceTxHash = ""
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
		return rec, nil
	}
	if !res.IsFinal {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.AcceptedAt = &now
	if rec.Kind == KindMint {
		// The buyer's acceptance conveys the minted asset: acceptance is
		// the delivery.
		rec.TransferTxHash = rec.AcceptanceTxHash
		rec.TransferredAt = &now
	}
	return s.transition(ctx, rec, StatusOfferAccepted, "")
}

// advanceOfferAccepted finishes delivery and settlement: the asset to the
// buyer on the asset chain, the net amount to the payee on the payment
// chain. Once the asset has left custody a refund is no longer possible;
// an unrecoverable payout marks the record failed for human follow-up.
func (s *Service) advanceOfferAccepted(ctx context.Context, rec *Record) (*Record, error) {
	if rec.TransferTxHash == "" {
		adapter, err := s.registry.Get(rec.AssetChain)
		if err != nil {
			return rec, err
		}
		ref := chain.Ref(rec.ID, StepTransfer)
		if sub, err := adapter.LookupSubmission(ctx, ref); err == nil {
			rec.TransferTxHash = sub.TxHash
		} else if !errors.Is(err, chain.ErrNoSubmission) {
			return rec, err
		} else {
			sub, err := adapter.TransferAsset(ctx, chain.TransferReq{
				To:        rec.BuyerAddress,
				AssetID:   rec.AssetID,
				Issuer:    rec.AssetIssuer,
				Reference: ref,
			})
			if err != nil {
				// Custody still holds the asset, so the buyer can get
				// their money back.
				return s.custodyFailure(ctx, rec, "delivery", err)
			}
			rec.TransferTxHash = sub.TxHash
		}
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}

	if rec.TransferredAt == nil {
		res, err := s.checker.Check(ctx, rec.AssetChain, rec.TransferTxHash)
		if err != nil {
			return rec, err
		}
		if res.Found && !res.Succeeded {
			s.logger.Warn("delivery failed on-ledger, resubmitting", "escrowId", rec.ID, "txHash", rec.TransferTxHash)
			rec.TransferTxHash = ""
			if err := s.update(ctx, rec); err != nil {
				return rec, err
			}
			return rec, nil
		}
		if !res.IsFinal {
			return rec, nil
		}
		now := time.Now().UTC()
		rec.TransferredAt = &now
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}

	net := money.MustParse(rec.NetPayeeAmount)
	if rec.PayoutTxHash == "" && net.Sign() > 0 {
		adapter, err := s.registry.Get(rec.PaymentChain)
		if err != nil {
			return rec, err
		}
		ref := chain.Ref(rec.ID, StepPayout)
		if sub, err := adapter.LookupSubmission(ctx, ref); err == nil {
			rec.PayoutTxHash = sub.TxHash
		} else if !errors.Is(err, chain.ErrNoSubmission) {
			return rec, err
		} else {
			sub, err := adapter.SubmitPayment(ctx, chain.PaymentReq{
				To:        rec.PayeeAddress,
				Amount:    net,
				Reference: ref,
			})
			if err != nil {
				if chain.IsTerminal(err) {
					// The asset is delivered; the money cannot come back.
					return s.transition(ctx, rec, StatusFailed, "payout failed: "+chain.TerminalReason(err))
				}
				return rec, err
			}
			rec.PayoutTxHash = sub.TxHash
		}
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
	}

	if rec.PayoutTxHash != "" && rec.PaidOutAt == nil {
		res, err := s.checker.Check(ctx, rec.PaymentChain, rec.PayoutTxHash)
		if err != nil {
			return rec, err
		}
		if res.Found && !res.Succeeded {
			s.logger.Warn("payout failed on-ledger, resubmitting", "escrowId", rec.ID, "txHash", rec.PayoutTxHash)
			rec.PayoutTxHash = ""
			if err := s.update(ctx, rec); err != nil {
				return rec, err
			}
			return rec, nil
		}
		if !res.IsFinal {
			return rec, nil
		}
		now := time.Now().UTC()
		rec.PaidOutAt = &now
	}

	return s.transition(ctx, rec, StatusCompleted, "")
}

// custodyFailure routes a pre-delivery chain failure: terminal errors
// abandon the trade and send the paid amount back, anything else is left
// for the queue to retry.
func (s *Service) custodyFailure(ctx context.Context, rec *Record, step string, err error) (*Record, error) {
	if chain.IsTerminal(err) {
		s.logger.Warn("custody step failed terminally",
			"escrowId", rec.ID, "step", step, "reason", chain.TerminalReason(err), "error", err)
		return s.refund(ctx, rec, step+" failed: "+chain.TerminalReason(err))
	}
	return rec, err
}

// expire handles a record found past its deadline. Confirmed money is
// returned to the payer; a record that never saw confirmed funds simply
// expires. A funding transaction may have landed between polls, so a
// recorded hash gets one last confirmation check before the record closes.
func (s *Service) expire(ctx context.Context, rec *Record) (*Record, error) {
	if rec.PaymentConfirmedAt != nil {
		return s.refund(ctx, rec, "expired before completion")
	}

	if rec.PaymentTxHash != "" {
		res, err := s.checker.Check(ctx, rec.PaymentChain, rec.PaymentTxHash)
		if err != nil {
			return rec, err
		}
		if res.IsFinal {
			paid := res.Amount
			if paid == nil || paid.Sign() == 0 {
				paid = money.MustParse(rec.GrossAmount)
			}
			rec.PaidAmount = money.Format(paid)
			now := time.Now().UTC()
			rec.PaymentConfirmedAt = &now
			return s.refund(ctx, rec, "expired before completion")
		}
	}
	return s.transition(ctx, rec, StatusExpired, "expired with no confirmed payment")
}

// refund returns the paid amount to the payer. It fires at most once per
// record: the submitted hash is durable before anything else happens, and
// from then on settleRefund owns the record. The status does not move until
// the refund wire is final, so a crash mid-refund resumes correctly.
func (s *Service) refund(ctx context.Context, rec *Record, reason string) (*Record, error) {
	if rec.RefundTxHash != "" {
		return s.settleRefund(ctx, rec)
	}

	paid, ok := money.Parse(rec.PaidAmount)
	if !ok || paid.Sign() == 0 {
		return rec, fmt.Errorf("refund %s: no confirmed funds on record", rec.ID)
	}

	adapter, err := s.registry.Get(rec.PaymentChain)
	if err != nil {
		return rec, err
	}
	ref := chain.Ref(rec.ID, StepRefund)
	if sub, err := adapter.LookupSubmission(ctx, ref); err == nil {
		rec.RefundTxHash = sub.TxHash
	} else if !errors.Is(err, chain.ErrNoSubmission) {
		return rec, err
	} else {
		sub, err := adapter.SubmitPayment(ctx, chain.PaymentReq{
			To:        rec.PayerAddress,
			Amount:    paid,
			Reference: ref,
		})
		if err != nil {
			if chain.IsTerminal(err) {
				metrics.RefundsTotal.WithLabelValues("failed").Inc()
				failReason := "refund failed: " + chain.TerminalReason(err)
				if CanTransition(rec.Status, StatusFailed) {
					return s.transition(ctx, rec, StatusFailed, failReason)
				}
				// pending_payment has no edge to failed; park the money
				// problem for an operator instead.
				return s.transition(ctx, rec, StatusManualReview, failReason)
			}
			return rec, err
		}
		rec.RefundTxHash = sub.TxHash
	}
	rec.Reason = reason
	if err := s.update(ctx, rec); err != nil {
		return rec, err
	}

	metrics.RefundsTotal.WithLabelValues("submitted").Inc()
	s.logger.Info("refund submitted",
		"escrowId", rec.ID, "amount", rec.PaidAmount, "txHash", rec.RefundTxHash, "reason", reason)
	s.schedule(rec.ID, time.Now())
	return rec, nil
}

// settleRefund waits for a submitted refund to reach finality, then closes
// the record. A refund that failed on-ledger is cleared so the next pass
// submits a fresh one; the record stays open rather than dropping funds.
func (s *Service) settleRefund(ctx context.Context, rec *Record) (*Record, error) {
	res, err := s.checker.Check(ctx, rec.PaymentChain, rec.RefundTxHash)
	if err != nil {
		return rec, err
	}
	if res.Found && !res.Succeeded {
		s.logger.Warn("refund failed on-ledger, resubmitting", "escrowId", rec.ID, "txHash", rec.RefundTxHash)
		rec.RefundTxHash = ""
		if err := s.update(ctx, rec); err != nil {
			return rec, err
		}
		metrics.RefundsTotal.WithLabelValues("retried").Inc()
		return rec, nil
	}
	if !res.IsFinal {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.RefundedAt = &now
	metrics.RefundsTotal.WithLabelValues("confirmed").Inc()
	return s.transition(ctx, rec, StatusRefunded, rec.Reason)
}
