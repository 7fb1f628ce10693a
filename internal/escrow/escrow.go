// Package escrow implements the multi-chain exchange escrow engine.
//
// One escrow record walks a fixed lifecycle:
//
//	pending_payment   -> the payer funds the broker's custodial account
//	payment_confirmed -> the funding transaction reached chain finality
//	offer_created     -> the conveyance offer exists on the asset ledger
//	offer_accepted    -> the counterparty's acceptance reached finality
//	completed         -> asset delivered, net amount paid out
//
// Underpaid records park in manual_review for an operator. cancelled,
// expired, refunded, and failed are the remaining terminal exits. All value
// moves through per-chain broker accounts, and the record keeps every
// transaction hash so a crash never loses track of funds.
package escrow

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/pagination"
)

// Kind selects which orchestration flow an escrow runs.
type Kind string

const (
	// KindTradeBuy buys an existing asset: the engine places a conveyance
	// offer directed at the current owner after payment confirms.
	KindTradeBuy Kind = "trade_buy"
	// KindTradeSell sells through a pre-created owner offer: the engine
	// accepts it with the broker account after payment confirms.
	KindTradeSell Kind = "trade_sell"
	// KindMint issues a new asset to broker custody and conveys it to the
	// buyer once minted.
	KindMint Kind = "mint"
)

// Status is an escrow's position in the lifecycle.
type Status string

const (
	StatusPendingPayment   Status = "pending_payment"   // waiting for the payer's funds
	StatusPaymentConfirmed Status = "payment_confirmed" // funds final in custody
	StatusOfferCreated     Status = "offer_created"     // conveyance offer live on the asset ledger
	StatusOfferAccepted    Status = "offer_accepted"    // acceptance final, settlement in progress
	StatusManualReview     Status = "manual_review"     // parked for an operator decision
	StatusCompleted        Status = "completed"         // asset delivered, payee paid
	StatusRefunded         Status = "refunded"          // paid amount returned to the payer
	StatusCancelled        Status = "cancelled"         // withdrawn before any payment activity
	StatusExpired          Status = "expired"           // deadline passed with no confirmed payment
	StatusFailed           Status = "failed"            // unrecoverable, needs human follow-up
)

// Sentinel errors returned by the service. Handlers map these onto HTTP
// status codes with errors.Is.
var (
	ErrNotFound        = errors.New("escrow not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotCancellable  = errors.New("escrow can no longer be cancelled")
	ErrTerminalState   = errors.New("escrow already in a terminal state")
	ErrNotManualReview = errors.New("escrow is not awaiting manual review")
	ErrEventConflict   = errors.New("event conflicts with recorded transaction")
)

// Record is one escrow: the parties, the asset, the money split, and every
// transaction hash the engine has submitted or observed for it. Amount
// fields are fixed-point decimal strings (see the money package).
type Record struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	PayerAddress  string `json:"payerAddress"`
	PayeeAddress  string `json:"payeeAddress"`
	BuyerAddress  string `json:"buyerAddress"`
	BrokerAddress string `json:"brokerAddress"`

	AssetChain  string `json:"assetChain"`
	AssetID     string `json:"assetId,omitempty"`
	AssetIssuer string `json:"assetIssuer,omitempty"`
	AssetURI    string `json:"assetUri,omitempty"`

	PaymentChain       string     `json:"paymentChain"`
	GrossAmount        string     `json:"grossAmount"`
	PaidAmount         string     `json:"paidAmount,omitempty"`
	PaymentTxHash      string     `json:"paymentTxHash,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`

	BrokerFee      string `json:"brokerFee"`
	RoyaltyAmount  string `json:"royaltyAmount"`
	NetPayeeAmount string `json:"netPayeeAmount"`

	OfferID          string     `json:"offerId,omitempty"`
	OfferTxHash      string     `json:"offerTxHash,omitempty"`
	AcceptanceTxHash string     `json:"acceptanceTxHash,omitempty"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`

	MintTxHash     string     `json:"mintTxHash,omitempty"`
	TransferTxHash string     `json:"transferTxHash,omitempty"`
	TransferredAt  *time.Time `json:"transferredAt,omitempty"`

	PayoutTxHash string     `json:"payoutTxHash,omitempty"`
	PaidOutAt    *time.Time `json:"paidOutAt,omitempty"`
	RefundTxHash string     `json:"refundTxHash,omitempty"`
	RefundedAt   *time.Time `json:"refundedAt,omitempty"`

	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the record can never change again.
func (r *Record) IsTerminal() bool {
	return isTerminalStatus(r.Status)
}

func isTerminalStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// PublicStatus collapses the internal lifecycle into the coarse view shown
// to end users: pending, processing, completed, refunded, or failed.
func (r *Record) PublicStatus() string {
	switch r.Status {
	case StatusPendingPayment:
		return "pending"
	case StatusPaymentConfirmed, StatusOfferCreated, StatusOfferAccepted, StatusManualReview:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	default:
		// cancelled, expired, failed
		return "failed"
	}
}

// holdsFunds reports whether broker custody still carries this record's
// paid amount: money confirmed in, not yet paid out or returned. Completed
// records keep only the broker's own fee; failed records are excluded
// because an operator owns whatever is left in them.
func holdsFunds(r *Record) bool {
	return r.PaymentConfirmedAt != nil &&
		r.PaidOutAt == nil && r.RefundedAt == nil &&
		r.Status != StatusCompleted && r.Status != StatusFailed
}

// Filter narrows List results. Zero-value fields match everything.
type Filter struct {
	Status Status
	Kind   Kind
	Party  string // exact match against payer, payee, or buyer address
	Chain  string // matches either the payment or the asset chain
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)
	// ListNonTerminal returns in-flight records, oldest first.
	ListNonTerminal(ctx context.Context, limit int) ([]*Record, error)
	// CountByStatus returns record counts grouped by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// SumHeldByChain sums paid amounts still in broker custody, keyed by
	// payment chain. The reconciler compares these against live balances.
	SumHeldByChain(ctx context.Context) (map[string]*big.Int, error)
}

// CreateRequest is the payload for opening an escrow.
type CreateRequest struct {
	Kind         string `json:"kind" binding:"required"`
	PayerAddress string `json:"payerAddress" binding:"required"`
	PayeeAddress string `json:"payeeAddress" binding:"required"`
	BuyerAddress string `json:"buyerAddress"` // defaults to the payer

	AssetChain  string `json:"assetChain" binding:"required"`
	AssetID     string `json:"assetId"`
	AssetIssuer string `json:"assetIssuer"`
	AssetURI    string `json:"assetUri"` // mint only: metadata the new asset points at

	PaymentChain   string `json:"paymentChain" binding:"required"`
	GrossAmount    string `json:"grossAmount" binding:"required"`
	NetPayeeAmount string `json:"netPayeeAmount"` // mint only: the creator's take
	RoyaltyPct     string `json:"royaltyPct"`     // trades: decimal percent, e.g. "5"

	OfferID   string `json:"offerId"`   // trade_sell: the owner's existing directed offer
	ExpiresIn string `json:"expiresIn"` // Go duration, e.g. "2h"; service default applies when empty
}

// EventRequest reports an externally observed transaction hash.
type EventRequest struct {
	Kind   string `json:"kind" binding:"required"`
	TxHash string `json:"txHash" binding:"required"`
}

// CancelRequest optionally explains a cancellation.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the operator's exit from manual_review.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // refund or proceed
	Note       string `json:"note"`
}

// Page is one window of a listed result set.
type Page struct {
	Records    []*Record `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// Stats aggregates the book by status.
type Stats struct {
	ByStatus map[Status]int64 `json:"byStatus"`
	Open     int64            `json:"open"`
	Terminal int64            `json:"terminal"`
	Total    int64            `json:"total"`
}
