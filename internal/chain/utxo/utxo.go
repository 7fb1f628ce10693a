// Package utxo implements the ledger adapter for Bitcoin-family chains over
// a bitcoind-style wallet JSON-RPC endpoint. The family has no conditional
// offer primitive, so offers are custody-emulated: CreateOffer allocates a
// labeled deposit address, acceptance is the counterparty's deposit landing
// on it, and TransferAsset is a forward out of the broker wallet. Step
// references ride in wallet transaction comments so submissions can be found
// again after a crash.
//
// The node wallet signs and sequences everything; the adapter never touches
// key material. Asset forwarding assumes an asset-aware wallet backend that
// binds collectibles to the spent output.
package utxo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcutil"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/retry"
)

const (
	// satsPerMicro converts engine micro-units (6 decimals) to satoshis
	// (8 decimals).
	satsPerMicro = btcutil.SatoshiPerBitcoin / 1_000_000

	// assetCarrySats is the output value bound to a forwarded asset. The
	// asset rides the output; the value just has to clear the dust limit.
	assetCarrySats = 10_000

	// lookupCount is how many recent wallet transactions a reference or
	// acceptance search scans.
	lookupCount = 200

	// readAttempts and readDelay tune retries for idempotent queries.
	// Sends and address allocations never retry at this layer.
	readAttempts = 3
	readDelay    = 100 * time.Millisecond
)

// Client talks to a bitcoind-style wallet JSON-RPC endpoint.
type Client struct {
	rpcURL         string
	rpcUser        string
	rpcPass        string
	custodyAddress string
	http           *http.Client
	nextID         atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Bitcoin-family adapter. auth is the node's rpcuser:rpcpassword
// pair; custodyAddress is the broker wallet's primary receive address.
func New(rpcURL, auth, custodyAddress string, opts ...Option) (*Client, error) {
	if rpcURL == "" {
		return nil, errors.New("utxo: RPC URL required")
	}
	if custodyAddress == "" {
		return nil, errors.New("utxo: custody address required")
	}
	c := &Client{
		rpcURL:         rpcURL,
		custodyAddress: custodyAddress,
		http:           &http.Client{Timeout: 15 * time.Second},
	}
	if auth != "" {
		c.rpcUser, c.rpcPass, _ = strings.Cut(auth, ":")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile-time interface check
var _ chain.Adapter = (*Client)(nil)

// ID returns the registry key.
func (c *Client) ID() string { return chain.BTC }

// -----------------------------------------------------------------------------
// JSON-RPC plumbing
// -----------------------------------------------------------------------------

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
	ID     int64           `json:"id"`
}

// Wallet RPC error codes the adapter cares about.
const (
	codeInvalidAddressOrKey = -5 // also: unknown transaction id
	codeInsufficientFunds   = -6
	codeInvalidParameter    = -8
)

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	body := jsonRPCRequest{
		JSONRPC: "1.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.rpcUser != "" || c.rpcPass != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return chain.Recoverable(chain.BTC, method, err)
	}
	defer resp.Body.Close()
	// bitcoind answers RPC-level failures with non-200 statuses and still
	// carries the error object in the body, so decode before rejecting.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return chain.Recoverable(chain.BTC, method, err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return chain.Recoverable(chain.BTC, method,
				fmt.Errorf("rpc status=%d body=%s", resp.StatusCode, string(raw)))
		}
		return chain.Recoverable(chain.BTC, method, err)
	}
	if rpcResp.Error != nil {
		return walletError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return chain.Recoverable(chain.BTC, method, errors.New("empty rpc result"))
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// readCall runs an idempotent query, retrying transient RPC failures.
func (c *Client) readCall(ctx context.Context, method string, params []interface{}, out interface{}) error {
	return retry.Do(ctx, readAttempts, readDelay, func() error {
		err := c.call(ctx, method, params, out)
		if err != nil && !chain.IsRecoverable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// errNotFound marks a gettransaction for a hash the wallet has never seen.
var errNotFound = errors.New("utxo: transaction not found")

func walletError(method string, e *jsonRPCError) error {
	switch e.Code {
	case codeInvalidAddressOrKey:
		if method == "gettransaction" {
			return errNotFound
		}
		return chain.Terminal(chain.BTC, method, "invalid_destination", fmt.Errorf("rpc %d: %s", e.Code, e.Message))
	case codeInsufficientFunds:
		return chain.Terminal(chain.BTC, method, "insufficient_funds", fmt.Errorf("rpc %d: %s", e.Code, e.Message))
	case codeInvalidParameter:
		return chain.Terminal(chain.BTC, method, "invalid_parameter", fmt.Errorf("rpc %d: %s", e.Code, e.Message))
	default:
		return chain.Recoverable(chain.BTC, method, fmt.Errorf("rpc %d: %s", e.Code, e.Message))
	}
}

// -----------------------------------------------------------------------------
// Amount conversion
// -----------------------------------------------------------------------------

// coinString renders micro-units as the decimal coin amount wallet RPCs
// expect. Strings avoid float rounding on the wire.
func coinString(micro *big.Int) (string, error) {
	if micro == nil || micro.Sign() <= 0 {
		return "", errors.New("amount must be positive")
	}
	sats := new(big.Int).Mul(micro, big.NewInt(satsPerMicro))
	if !sats.IsInt64() {
		return "", fmt.Errorf("amount %s overflows satoshis", micro)
	}
	return strconv.FormatFloat(btcutil.Amount(sats.Int64()).ToBTC(), 'f', -1, 64), nil
}

// coinToMicro converts a wallet-reported coin amount to micro-units,
// truncating sub-micro dust.
func coinToMicro(coins float64) *big.Int {
	amt, err := btcutil.NewAmount(coins)
	if err != nil {
		return big.NewInt(0)
	}
	return big.NewInt(int64(amt) / satsPerMicro)
}

// -----------------------------------------------------------------------------
// Adapter operations
// -----------------------------------------------------------------------------

// SubmitPayment sends coins from the broker wallet. The step reference rides
// in the wallet transaction comment.
func (c *Client) SubmitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.BTC, "submit_payment")
	sub, err := c.submitPayment(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) submitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	amount, err := coinString(req.Amount)
	if err != nil {
		return nil, chain.Terminal(chain.BTC, "submit_payment", "invalid_amount", err)
	}
	var txid string
	if err := c.call(ctx, "sendtoaddress", []interface{}{req.To, amount, req.Reference}, &txid); err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: txid, Reference: req.Reference, Amount: req.Amount}, nil
}

type walletTx struct {
	TxID          string  `json:"txid"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	BlockHeight   int64   `json:"blockheight"`
	Comment       string  `json:"comment"`
	Details       []struct {
		Category string  `json:"category"`
		Address  string  `json:"address"`
		Amount   float64 `json:"amount"`
	} `json:"details"`
}

// GetStatus reports confirmation depth for a wallet transaction. A negative
// confirmation count means the transaction conflicts with the active chain
// and will never confirm.
func (c *Client) GetStatus(ctx context.Context, txHash string) (*chain.TxStatus, error) {
	var tx walletTx
	err := c.readCall(ctx, "gettransaction", []interface{}{txHash}, &tx)
	if errors.Is(err, errNotFound) {
		return &chain.TxStatus{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &chain.TxStatus{
		Found:       true,
		Succeeded:   tx.Confirmations >= 0,
		BlockHeight: tx.BlockHeight,
	}
	if tx.Confirmations > 0 {
		status.Confirmations = tx.Confirmations
	}
	// Delivered amount is what the wallet received, summed across outputs.
	received := big.NewInt(0)
	for _, d := range tx.Details {
		if d.Category == "receive" {
			received.Add(received, coinToMicro(d.Amount))
		}
	}
	if received.Sign() > 0 {
		status.Amount = received
	}
	return status, nil
}

// CreateOffer emulates a directed offer: it allocates a fresh deposit
// address labeled with the step reference and hands it out as the offer id.
// The counterparty accepts by sending the asset there; nothing lands
// on-chain until they do.
func (c *Client) CreateOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	done := metrics.ObserveChainOp(chain.BTC, "create_offer")
	res, err := c.createOffer(ctx, req)
	done(chain.Outcome(err))
	return res, err
}

func (c *Client) createOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	var address string
	if err := c.call(ctx, "getnewaddress", []interface{}{req.Reference}, &address); err != nil {
		return nil, err
	}
	return &chain.OfferResult{OfferID: address}, nil
}

// AcceptOffer emulates accepting a counterparty's offer. Their offer is the
// deposit they already made into broker custody, so accepting means
// verifying the deposit is a wallet transaction that can still confirm.
func (c *Client) AcceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.BTC, "accept_offer")
	sub, err := c.acceptOffer(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) acceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	var tx walletTx
	err := c.readCall(ctx, "gettransaction", []interface{}{req.OfferID}, &tx)
	if errors.Is(err, errNotFound) {
		return nil, chain.Recoverable(chain.BTC, "accept_offer",
			fmt.Errorf("deposit %s not seen by wallet", req.OfferID))
	}
	if err != nil {
		return nil, err
	}
	if tx.Confirmations < 0 {
		return nil, chain.Terminal(chain.BTC, "accept_offer", "asset_unavailable",
			fmt.Errorf("deposit %s conflicts with the active chain", req.OfferID))
	}
	return &chain.Submission{TxHash: tx.TxID, Reference: req.Reference}, nil
}

type listedTx struct {
	Address       string  `json:"address"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	TxID          string  `json:"txid"`
	Comment       string  `json:"comment"`
}

// FindAcceptance scans recent wallet history for a deposit on the offer's
// address. Newest entries win so a replaced deposit resolves to the one that
// can still confirm.
func (c *Client) FindAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.BTC, "find_acceptance")
	sub, err := c.findAcceptance(ctx, q)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) findAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	txs, err := c.listRecent(ctx)
	if err != nil {
		return nil, err
	}
	// listtransactions returns oldest first.
	for i := len(txs) - 1; i >= 0; i-- {
		t := txs[i]
		if t.Category != "receive" || t.Address != q.OfferID || t.Confirmations < 0 {
			continue
		}
		return &chain.Submission{
			TxHash:  t.TxID,
			Amount:  coinToMicro(t.Amount),
			AssetID: q.AssetID,
		}, nil
	}
	return nil, chain.ErrNoSubmission
}

// TransferAsset forwards a custody-held asset out of the broker wallet. The
// asset rides a dust-clearing output; the wallet backend binds it to the
// spent collectible.
func (c *Client) TransferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.BTC, "transfer_asset")
	sub, err := c.transferAsset(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) transferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	amount := strconv.FormatFloat(btcutil.Amount(assetCarrySats).ToBTC(), 'f', -1, 64)
	comment := req.Reference
	if req.AssetID != "" {
		comment = req.Reference + " asset=" + req.AssetID
	}
	var txid string
	if err := c.call(ctx, "sendtoaddress", []interface{}{req.To, amount, comment}, &txid); err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: txid, Reference: req.Reference, AssetID: req.AssetID}, nil
}

// MintAsset is unsupported: the family has no issuance primitive.
func (c *Client) MintAsset(ctx context.Context, req chain.MintReq) (*chain.Submission, error) {
	return nil, chain.ErrUnsupported
}

// LookupSubmission scans recent wallet sends for a comment carrying the
// reference. Used after a crash to adopt a landed submission instead of
// double-submitting.
func (c *Client) LookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.BTC, "lookup_submission")
	sub, err := c.lookupSubmission(ctx, reference)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) lookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	txs, err := c.listRecent(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		t := txs[i]
		if t.Category != "send" || t.Confirmations < 0 {
			continue
		}
		if t.Comment != reference && !strings.HasPrefix(t.Comment, reference+" ") {
			continue
		}
		sub := &chain.Submission{TxHash: t.TxID, Reference: reference}
		// Send amounts are negative wallet deltas.
		if t.Amount < 0 {
			sub.Amount = coinToMicro(-t.Amount)
		}
		return sub, nil
	}
	return nil, chain.ErrNoSubmission
}

func (c *Client) listRecent(ctx context.Context) ([]listedTx, error) {
	var txs []listedTx
	if err := c.readCall(ctx, "listtransactions", []interface{}{"*", lookupCount, 0, true}, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// Balance returns the broker wallet's spendable balance in micro-units. The
// wallet is the custody account, so the account argument is informational.
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	var coins float64
	if err := c.readCall(ctx, "getbalance", []interface{}{}, &coins); err != nil {
		return nil, err
	}
	return coinToMicro(coins), nil
}
