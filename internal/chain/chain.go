// Package chain defines the ledger adapter contract shared by all chain
// families. The escrow engine drives every on-chain action through the
// Adapter interface and never sees a raw transport error: adapters normalize
// failures into RecoverableError or TerminalError at the boundary.
package chain

import (
	"context"
	"math/big"
)

// Registry keys for the supported chain families.
const (
	XRPL = "xrpl"
	ETH  = "eth"
	BTC  = "btc"
)

// -----------------------------------------------------------------------------
// Requests and results
// -----------------------------------------------------------------------------

// PaymentReq describes a broker-signed value transfer (custody funding,
// refunds, payouts). Amount is in micro-units (6 decimals).
type PaymentReq struct {
	To        string
	Amount    *big.Int
	Reference string // escrow step reference carried on-chain
}

// OfferReq describes a directed conditional offer: only Taker can accept.
// Owner names the current asset holder when the broker is offering to buy;
// leave it empty when the broker holds the asset and is offering to sell.
type OfferReq struct {
	Taker     string
	Owner     string
	AssetID   string
	Issuer    string
	Amount    *big.Int // price in micro-units; zero for pure asset offers
	Reference string
}

// AcceptReq accepts a counterparty's directed offer as the broker. Chains
// without native offers use Owner/AssetID/Issuer to perform the equivalent
// custody move.
type AcceptReq struct {
	OfferID   string
	Owner     string // current asset holder
	AssetID   string
	Issuer    string
	Reference string
}

// AcceptanceQuery asks whether a counterparty has accepted a directed offer.
// Counterparty is who was expected to accept; AssetID and Issuer let
// log-scanning chains identify the asset movement.
type AcceptanceQuery struct {
	OfferID      string
	AssetID      string
	Issuer       string
	Counterparty string
}

// TransferReq moves an asset held by the broker to a recipient.
type TransferReq struct {
	To        string
	AssetID   string
	Issuer    string
	Reference string
}

// MintReq creates a new asset under the broker's issuer capability.
type MintReq struct {
	AssetURI  string
	Issuer    string
	Reference string
}

// Submission is the durable result of a broker-signed transaction. AssetID
// is set only by MintAsset (and by LookupSubmission when it finds a mint):
// the ledger-assigned id of the newly issued asset. OfferID is set when
// LookupSubmission finds an offer-create, so reconciliation can adopt the
// offer as well as the hash.
type Submission struct {
	TxHash    string
	Reference string
	Amount    *big.Int // nil for pure asset moves
	AssetID   string
	OfferID   string
}

// OfferResult identifies a created directed offer.
type OfferResult struct {
	OfferID string
	TxHash  string
}

// TxStatus reports what the ledger knows about a transaction. Succeeded is
// meaningful only when Found: a found-but-failed transaction (reverted
// contract call, rejected engine result) never becomes final.
type TxStatus struct {
	Found         bool
	Succeeded     bool
	Confirmations int64
	BlockHeight   int64
	Amount        *big.Int // delivered amount in micro-units, nil if unknown
}

// -----------------------------------------------------------------------------
// Adapter
// -----------------------------------------------------------------------------

// Adapter is the per-family ledger client. Implementations serialize
// submissions per custodial account (see AccountLock) so two in-flight
// escrows never race one account's nonce or sequence number.
type Adapter interface {
	// ID returns the registry key (xrpl, eth, btc).
	ID() string

	// SubmitPayment sends a broker-signed value transfer.
	SubmitPayment(ctx context.Context, req PaymentReq) (*Submission, error)

	// GetStatus reports confirmations for a transaction hash.
	GetStatus(ctx context.Context, txHash string) (*TxStatus, error)

	// CreateOffer places a directed conditional offer. Native on xrpl;
	// custody-emulated on chains without the primitive.
	CreateOffer(ctx context.Context, req OfferReq) (*OfferResult, error)

	// AcceptOffer accepts a counterparty's directed offer as the broker.
	AcceptOffer(ctx context.Context, req AcceptReq) (*Submission, error)

	// FindAcceptance looks for the counterparty's transaction accepting a
	// broker-created offer. The engine polls this rather than waiting for a
	// push: acceptance is signed externally and can land at any time.
	// Returns ErrNoSubmission while nothing has landed.
	FindAcceptance(ctx context.Context, q AcceptanceQuery) (*Submission, error)

	// TransferAsset moves a custody-held asset to a recipient.
	TransferAsset(ctx context.Context, req TransferReq) (*Submission, error)

	// MintAsset issues a new asset to the broker's intermediary account.
	// Returns ErrUnsupported on chains without an issuance primitive.
	MintAsset(ctx context.Context, req MintReq) (*Submission, error)

	// LookupSubmission finds an already-landed broker transaction carrying
	// the given reference, for crash reconciliation. Returns ErrNoSubmission
	// when no transaction matches.
	LookupSubmission(ctx context.Context, reference string) (*Submission, error)

	// Balance returns the account's spendable balance in micro-units.
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// Signer provides custodial signing without exposing key material.
type Signer interface {
	Address() string
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Ref builds the on-chain reference for an escrow step, e.g.
// Ref("esc_ab12", "refund") -> "esc_ab12:refund". Adapters carry it in a
// memo, label, or log field so LookupSubmission can find the transaction
// after a crash.
func Ref(escrowID, step string) string {
	return escrowID + ":" + step
}
