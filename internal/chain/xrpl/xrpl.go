// Package xrpl implements the ledger adapter for XRP Ledger family chains
// over JSON-RPC 2.0. The ledger's native directed NFT offers back the
// engine's conditional-offer model one to one; escrow step references ride
// in transaction memos so submissions can be found again after a crash.
//
// Amounts are drops, which equal the engine's micro-units exactly.
package xrpl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/retry"
)

const (
	// txFee is the fixed network fee in drops attached to every submission.
	txFee = "12"

	// ledgerBuffer is added to the current validated index for
	// LastLedgerSequence, bounding how long a submission can float.
	ledgerBuffer = 20

	// validationPoll is the interval between tx lookups while waiting for a
	// submission to validate.
	validationPoll = 500 * time.Millisecond

	// validationTimeout bounds the wait for ledger-assigned ids (offer and
	// token ids live in validated metadata).
	validationTimeout = 20 * time.Second

	// lookupLimit is how many recent account transactions a reference
	// search scans.
	lookupLimit = 200

	// readAttempts and readDelay tune retries for idempotent queries.
	// Submissions never retry at this layer.
	readAttempts = 3
	readDelay    = 100 * time.Millisecond
)

// NFT transaction flags.
const (
	flagSellNFToken   = 0x00000001
	flagTransferable  = 0x00000008
	defaultTokenTaxon = 0
)

// Client talks to a rippled-style JSON-RPC endpoint.
type Client struct {
	rpcURL    string
	authToken string
	signer    chain.Signer
	http      *http.Client
	accounts  *chain.AccountLock
	nextID    atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates an XRPL adapter. signer holds the broker's custodial account.
func New(rpcURL, authToken string, signer chain.Signer, opts ...Option) (*Client, error) {
	if rpcURL == "" {
		return nil, errors.New("xrpl: RPC URL required")
	}
	if signer == nil {
		return nil, errors.New("xrpl: signer required")
	}
	c := &Client{
		rpcURL:    rpcURL,
		authToken: authToken,
		signer:    signer,
		http:      &http.Client{Timeout: 15 * time.Second},
		accounts:  &chain.AccountLock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile-time interface check
var _ chain.Adapter = (*Client)(nil)

// ID returns the registry key.
func (c *Client) ID() string { return chain.XRPL }

// -----------------------------------------------------------------------------
// JSON-RPC plumbing
// -----------------------------------------------------------------------------

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcError carries the ledger-level error field some servers return inside
// result instead of the envelope error.
type rpcError struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	body := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
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
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return chain.Recoverable(chain.XRPL, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return chain.Recoverable(chain.XRPL, method,
			fmt.Errorf("rpc status=%d body=%s", resp.StatusCode, string(b)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return chain.Recoverable(chain.XRPL, method, err)
	}
	if rpcResp.Error != nil {
		return chain.Recoverable(chain.XRPL, method,
			fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return chain.Recoverable(chain.XRPL, method, errors.New("empty rpc result"))
	}
	// Ledger-level errors ride inside result with status "error".
	var lerr rpcError
	if err := json.Unmarshal(rpcResp.Result, &lerr); err == nil && lerr.Error != "" {
		return ledgerError(method, lerr)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// readCall runs an idempotent query, retrying transient RPC failures.
// Ledger-level and HTTP-level hiccups come back as recoverable; anything
// else stops immediately.
func (c *Client) readCall(ctx context.Context, method string, params, out interface{}) error {
	return retry.Do(ctx, readAttempts, readDelay, func() error {
		err := c.call(ctx, method, params, out)
		if err != nil && !chain.IsRecoverable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// errNotFound marks a tx lookup for an unknown hash.
var errNotFound = errors.New("xrpl: transaction not found")

func ledgerError(method string, lerr rpcError) error {
	switch lerr.Error {
	case "txnNotFound":
		return errNotFound
	case "actNotFound":
		return chain.Terminal(chain.XRPL, method, "account_not_found", errors.New(lerr.ErrorMessage))
	case "tooBusy", "slowDown", "noNetwork", "noCurrent", "noClosed":
		return chain.Recoverable(chain.XRPL, method, fmt.Errorf("%s: %s", lerr.Error, lerr.ErrorMessage))
	default:
		return chain.Recoverable(chain.XRPL, method, fmt.Errorf("%s: %s", lerr.Error, lerr.ErrorMessage))
	}
}

// classifyEngine maps a submit engine result to the adapter error model.
// tes = applied; tel/ter = retryable locally or later; everything else
// (tec, tem, tef) is terminal.
func classifyEngine(op, code, message string) error {
	switch {
	case strings.HasPrefix(code, "tes"):
		return nil
	case strings.HasPrefix(code, "tel"), strings.HasPrefix(code, "ter"):
		return chain.Recoverable(chain.XRPL, op, fmt.Errorf("%s: %s", code, message))
	default:
		return chain.Terminal(chain.XRPL, op, terminalReason(code), fmt.Errorf("%s: %s", code, message))
	}
}

func terminalReason(code string) string {
	switch code {
	case "tecUNFUNDED_PAYMENT", "tecUNFUNDED_OFFER", "tecINSUFFICIENT_FUNDS", "terINSUF_FEE_B":
		return "insufficient_funds"
	case "tecNO_ENTRY", "tecOBJECT_NOT_FOUND", "tecNO_PERMISSION":
		return "asset_unavailable"
	case "temBAD_SIGNATURE", "temBAD_AUTH_MASTER", "tefBAD_AUTH":
		return "bad_signature"
	case "tecEXPIRED":
		return "offer_expired"
	default:
		return strings.ToLower(code)
	}
}

// -----------------------------------------------------------------------------
// Signing and submission
// -----------------------------------------------------------------------------

// memos wraps a step reference for the Memos transaction field.
func memos(reference string) []map[string]interface{} {
	if reference == "" {
		return nil
	}
	return []map[string]interface{}{
		{"Memo": map[string]interface{}{
			"MemoData": strings.ToUpper(hex.EncodeToString([]byte(reference))),
		}},
	}
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

type accountInfoResult struct {
	AccountData struct {
		Balance  string `json:"Balance"`
		Sequence uint32 `json:"Sequence"`
	} `json:"account_data"`
}

type ledgerResult struct {
	LedgerIndex int64 `json:"ledger_index"`
}

// submitSigned fills the account/sequence/fee fields, signs, and submits one
// transaction. The broker account's sequence is a serialized resource: the
// whole read-sign-submit window runs under the account lock.
func (c *Client) submitSigned(ctx context.Context, op string, tx map[string]interface{}) (string, error) {
	account := c.signer.Address()

	unlock, err := c.accounts.Acquire(ctx, account)
	if err != nil {
		return "", chain.Recoverable(chain.XRPL, op, err)
	}
	defer unlock()

	var info accountInfoResult
	if err := c.call(ctx, "account_info", map[string]interface{}{
		"account":      account,
		"ledger_index": "validated",
	}, &info); err != nil {
		return "", err
	}

	var lgr ledgerResult
	if err := c.call(ctx, "ledger", map[string]interface{}{
		"ledger_index": "validated",
	}, &lgr); err != nil {
		return "", err
	}

	tx["Account"] = account
	tx["Sequence"] = info.AccountData.Sequence
	tx["Fee"] = txFee
	tx["LastLedgerSequence"] = lgr.LedgerIndex + ledgerBuffer

	payload, err := json.Marshal(tx)
	if err != nil {
		return "", chain.Terminal(chain.XRPL, op, "encode_failed", err)
	}
	blob, err := c.signer.Sign(ctx, payload)
	if err != nil {
		return "", chain.Terminal(chain.XRPL, op, "bad_signature", err)
	}

	var res submitResult
	if err := c.call(ctx, "submit", map[string]interface{}{
		"tx_blob": strings.ToUpper(hex.EncodeToString(blob)),
	}, &res); err != nil {
		return "", err
	}
	if err := classifyEngine(op, res.EngineResult, res.EngineResultMessage); err != nil {
		return "", err
	}
	return res.TxJSON.Hash, nil
}

// -----------------------------------------------------------------------------
// Adapter operations
// -----------------------------------------------------------------------------

// SubmitPayment sends drops from the broker account.
func (c *Client) SubmitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "submit_payment")
	sub, err := c.submitPayment(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) submitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, chain.Terminal(chain.XRPL, "submit_payment", "invalid_amount", errors.New("amount must be positive"))
	}
	tx := map[string]interface{}{
		"TransactionType": "Payment",
		"Destination":     req.To,
		"Amount":          req.Amount.String(),
	}
	if m := memos(req.Reference); m != nil {
		tx["Memos"] = m
	}
	hash, err := c.submitSigned(ctx, "submit_payment", tx)
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference, Amount: req.Amount}, nil
}

type txResult struct {
	Hash        string `json:"hash"`
	Validated   bool   `json:"validated"`
	LedgerIndex int64  `json:"ledger_index"`
	Meta        *struct {
		TransactionResult string          `json:"TransactionResult"`
		DeliveredAmount   json.RawMessage `json:"delivered_amount"`
		OfferID           string          `json:"offer_id"`
		NFTokenID         string          `json:"nftoken_id"`
	} `json:"meta"`
}

// GetStatus reports validation depth for a transaction hash.
func (c *Client) GetStatus(ctx context.Context, txHash string) (*chain.TxStatus, error) {
	var res txResult
	err := c.readCall(ctx, "tx", map[string]interface{}{
		"transaction": txHash,
		"binary":      false,
	}, &res)
	if errors.Is(err, errNotFound) {
		return &chain.TxStatus{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	if !res.Validated {
		return &chain.TxStatus{Found: true}, nil
	}

	var lgr ledgerResult
	if err := c.readCall(ctx, "ledger", map[string]interface{}{
		"ledger_index": "validated",
	}, &lgr); err != nil {
		return nil, err
	}

	status := &chain.TxStatus{
		Found:       true,
		BlockHeight: res.LedgerIndex,
	}
	if lgr.LedgerIndex >= res.LedgerIndex {
		status.Confirmations = lgr.LedgerIndex - res.LedgerIndex + 1
	}
	if res.Meta != nil {
		status.Succeeded = res.Meta.TransactionResult == "tesSUCCESS"
		// delivered_amount is a drops string for XRP; issued-currency
		// objects are left nil.
		var drops string
		if json.Unmarshal(res.Meta.DeliveredAmount, &drops) == nil && drops != "" {
			if amt, ok := new(big.Int).SetString(drops, 10); ok {
				status.Amount = amt
			}
		}
	}
	return status, nil
}

// waitValidated polls tx until the hash validates, for ledger-assigned ids.
func (c *Client) waitValidated(ctx context.Context, op, hash string) (*txResult, error) {
	ctx, cancel := context.WithTimeout(ctx, validationTimeout)
	defer cancel()

	ticker := time.NewTicker(validationPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, chain.Recoverable(chain.XRPL, op, fmt.Errorf("validation wait for %s: %w", hash, ctx.Err()))
		case <-ticker.C:
			var res txResult
			err := c.call(ctx, "tx", map[string]interface{}{
				"transaction": hash,
				"binary":      false,
			}, &res)
			if errors.Is(err, errNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !res.Validated {
				continue
			}
			if res.Meta != nil && res.Meta.TransactionResult != "tesSUCCESS" {
				return nil, classifyEngine(op, res.Meta.TransactionResult, "failed on validation")
			}
			return &res, nil
		}
	}
}

// CreateOffer places a directed NFT offer and waits for validation to learn
// the ledger-assigned offer id.
func (c *Client) CreateOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "create_offer")
	res, err := c.createOffer(ctx, req)
	done(chain.Outcome(err))
	return res, err
}

func (c *Client) createOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	amount := "0"
	if req.Amount != nil {
		amount = req.Amount.String()
	}
	tx := map[string]interface{}{
		"TransactionType": "NFTokenCreateOffer",
		"NFTokenID":       req.AssetID,
		"Amount":          amount,
		"Destination":     req.Taker,
	}
	if req.Owner != "" {
		// Buy offer: the asset sits with Owner; acceptance pays them Amount.
		tx["Owner"] = req.Owner
	} else {
		// Sell offer: the broker holds the asset.
		tx["Flags"] = flagSellNFToken
	}
	if m := memos(req.Reference); m != nil {
		tx["Memos"] = m
	}

	hash, err := c.submitSigned(ctx, "create_offer", tx)
	if err != nil {
		return nil, err
	}
	validated, err := c.waitValidated(ctx, "create_offer", hash)
	if err != nil {
		return nil, err
	}
	if validated.Meta == nil || validated.Meta.OfferID == "" {
		return nil, chain.Recoverable(chain.XRPL, "create_offer", fmt.Errorf("no offer id in meta for %s", hash))
	}
	return &chain.OfferResult{OfferID: validated.Meta.OfferID, TxHash: hash}, nil
}

// AcceptOffer accepts a counterparty's directed sell offer as the broker.
func (c *Client) AcceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "accept_offer")
	sub, err := c.acceptOffer(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) acceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	tx := map[string]interface{}{
		"TransactionType":  "NFTokenAcceptOffer",
		"NFTokenSellOffer": req.OfferID,
	}
	if m := memos(req.Reference); m != nil {
		tx["Memos"] = m
	}
	hash, err := c.submitSigned(ctx, "accept_offer", tx)
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference}, nil
}

// FindAcceptance scans broker-account history for a validated
// NFTokenAcceptOffer consuming the given offer. Acceptances land in the
// broker's history because they consume the broker's offer object.
func (c *Client) FindAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "find_acceptance")
	sub, err := c.findAcceptance(ctx, q)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) findAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	var res accountTxResult
	if err := c.readCall(ctx, "account_tx", map[string]interface{}{
		"account":          c.signer.Address(),
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"limit":            lookupLimit,
		"forward":          false,
	}, &res); err != nil {
		return nil, err
	}
	for _, t := range res.Transactions {
		if !t.Validated || t.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		if t.Tx.TransactionType != "NFTokenAcceptOffer" {
			continue
		}
		if t.Tx.NFTokenSellOffer != q.OfferID && t.Tx.NFTokenBuyOffer != q.OfferID {
			continue
		}
		return &chain.Submission{TxHash: t.Tx.Hash, AssetID: q.AssetID}, nil
	}
	return nil, chain.ErrNoSubmission
}

// TransferAsset conveys a broker-held token to a recipient. The ledger has
// no push transfer: the conveyance is a zero-amount directed sell offer the
// recipient's wallet claims.
func (c *Client) TransferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "transfer_asset")
	sub, err := c.transferAsset(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) transferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	tx := map[string]interface{}{
		"TransactionType": "NFTokenCreateOffer",
		"NFTokenID":       req.AssetID,
		"Amount":          "0",
		"Destination":     req.To,
		"Flags":           flagSellNFToken,
	}
	if m := memos(req.Reference); m != nil {
		tx["Memos"] = m
	}
	hash, err := c.submitSigned(ctx, "transfer_asset", tx)
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference}, nil
}

// MintAsset issues a token to the broker account and waits for validation to
// learn the ledger-assigned token id.
func (c *Client) MintAsset(ctx context.Context, req chain.MintReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "mint_asset")
	sub, err := c.mintAsset(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) mintAsset(ctx context.Context, req chain.MintReq) (*chain.Submission, error) {
	tx := map[string]interface{}{
		"TransactionType": "NFTokenMint",
		"NFTokenTaxon":    defaultTokenTaxon,
		"Flags":           flagTransferable,
	}
	if req.AssetURI != "" {
		tx["URI"] = strings.ToUpper(hex.EncodeToString([]byte(req.AssetURI)))
	}
	if req.Issuer != "" && req.Issuer != c.signer.Address() {
		tx["Issuer"] = req.Issuer
	}
	if m := memos(req.Reference); m != nil {
		tx["Memos"] = m
	}

	hash, err := c.submitSigned(ctx, "mint_asset", tx)
	if err != nil {
		return nil, err
	}
	validated, err := c.waitValidated(ctx, "mint_asset", hash)
	if err != nil {
		return nil, err
	}
	if validated.Meta == nil || validated.Meta.NFTokenID == "" {
		return nil, chain.Recoverable(chain.XRPL, "mint_asset", fmt.Errorf("no token id in meta for %s", hash))
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference, AssetID: validated.Meta.NFTokenID}, nil
}

type accountTxResult struct {
	Transactions []struct {
		Validated bool `json:"validated"`
		Tx        struct {
			Hash             string `json:"hash"`
			TransactionType  string `json:"TransactionType"`
			Amount           string `json:"Amount"`
			NFTokenSellOffer string `json:"NFTokenSellOffer"`
			NFTokenBuyOffer  string `json:"NFTokenBuyOffer"`
			Memos            []struct {
				Memo struct {
					MemoData string `json:"MemoData"`
				} `json:"Memo"`
			} `json:"Memos"`
		} `json:"tx"`
		Meta struct {
			TransactionResult string `json:"TransactionResult"`
			NFTokenID         string `json:"nftoken_id"`
			OfferID           string `json:"offer_id"`
		} `json:"meta"`
	} `json:"transactions"`
}

// LookupSubmission scans recent broker-account history for a transaction
// whose memo carries the reference. Used after a crash to adopt a landed
// submission instead of double-submitting.
func (c *Client) LookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.XRPL, "lookup_submission")
	sub, err := c.lookupSubmission(ctx, reference)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) lookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	var res accountTxResult
	if err := c.readCall(ctx, "account_tx", map[string]interface{}{
		"account":          c.signer.Address(),
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"limit":            lookupLimit,
		"forward":          false,
	}, &res); err != nil {
		return nil, err
	}

	want := strings.ToUpper(hex.EncodeToString([]byte(reference)))
	for _, t := range res.Transactions {
		if !t.Validated || t.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		for _, m := range t.Tx.Memos {
			if !strings.EqualFold(m.Memo.MemoData, want) {
				continue
			}
			sub := &chain.Submission{
				TxHash:    t.Tx.Hash,
				Reference: reference,
				AssetID:   t.Meta.NFTokenID,
				OfferID:   t.Meta.OfferID,
			}
			if amt, ok := new(big.Int).SetString(t.Tx.Amount, 10); ok {
				sub.Amount = amt
			}
			return sub, nil
		}
	}
	return nil, chain.ErrNoSubmission
}

// Balance returns an account's spendable drops.
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	var info accountInfoResult
	if err := c.readCall(ctx, "account_info", map[string]interface{}{
		"account":      account,
		"ledger_index": "validated",
	}, &info); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(info.AccountData.Balance, 10)
	if !ok {
		return nil, chain.Recoverable(chain.XRPL, "balance", fmt.Errorf("bad balance %q", info.AccountData.Balance))
	}
	return bal, nil
}
