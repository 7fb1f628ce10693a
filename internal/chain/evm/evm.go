// Package evm implements the ledger adapter for Ethereum-family chains.
// Value settles in a 6-decimal ERC-20 token, so token units equal the
// engine's micro-units one to one; assets are ERC-721 style tokens on the
// contract named by the escrow's issuer field.
//
// The family has no conditional offer primitive. Offers are custody-emulated:
// a broker offer is an off-chain instruction with a synthetic id, acceptance
// is the counterparty's asset transfer into broker custody, and the adapter
// detects it by scanning Transfer logs. Step references are keccak tags
// appended to calldata so submissions can be found again after a crash.
package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/idgen"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
)

// ERC20 minimal ABI for the settlement token.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC721 minimal ABI for asset contracts.
const erc721ABI = `[
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"safeTransferFrom","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"transferFrom","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"}],"name":"mint","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":true,"name":"tokenId","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// Transfer event signature shared by ERC-20 and ERC-721.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var zeroTopic = common.Hash{}

const (
	// DefaultGasLimit when estimation fails for transient reasons.
	DefaultGasLimit = uint64(200000)

	// receiptPoll is the interval between receipt checks while waiting for
	// a mint to land.
	receiptPoll = 500 * time.Millisecond

	// mintWaitTimeout bounds the wait for the ledger-assigned token id.
	mintWaitTimeout = 60 * time.Second

	// lookupWindow is how many recent blocks a reference or acceptance
	// search scans.
	lookupWindow = 5000
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Config for creating the adapter.
type Config struct {
	RPCURL        string
	ChainID       int64
	TokenContract string // settlement token (6 decimals)
}

// Client drives an Ethereum-family chain through an EthClient.
type Client struct {
	client   EthClient
	signer   chain.Signer
	broker   common.Address
	chainID  *big.Int
	token    common.Address
	erc20    abi.ABI
	erc721   abi.ABI
	accounts *chain.AccountLock
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// New creates an Ethereum-family adapter. signer holds the broker's
// custodial account and signs transaction digests.
func New(cfg Config, signer chain.Signer, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, errors.New("evm: signer required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("evm: chain id required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, errors.New("evm: settlement token contract required")
	}
	if !common.IsHexAddress(signer.Address()) {
		return nil, errors.New("evm: signer address is not an evm address")
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse erc20 abi: %w", err)
	}
	erc721, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse erc721 abi: %w", err)
	}

	c := &Client{
		signer:   signer,
		broker:   common.HexToAddress(signer.Address()),
		chainID:  big.NewInt(cfg.ChainID),
		token:    common.HexToAddress(cfg.TokenContract),
		erc20:    erc20,
		erc721:   erc721,
		accounts: &chain.AccountLock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("evm: RPC URL required")
		}
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("evm: connect: %w", err)
		}
		c.client = ec
	}
	return c, nil
}

// Compile-time interface check
var _ chain.Adapter = (*Client)(nil)

// ID returns the registry key.
func (c *Client) ID() string { return chain.ETH }

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// -----------------------------------------------------------------------------
// Error classification
// -----------------------------------------------------------------------------

func classifySend(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return chain.Terminal(chain.ETH, op, "insufficient_funds", err)
	case strings.Contains(msg, "execution reverted"):
		return chain.Terminal(chain.ETH, op, "execution_reverted", err)
	default:
		// nonce races, known transactions, and transport hiccups all clear
		// on retry with a fresh nonce read.
		return chain.Recoverable(chain.ETH, op, err)
	}
}

func classifyEstimate(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return chain.Terminal(chain.ETH, op, "execution_reverted", err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "gas required exceeds"):
		return chain.Terminal(chain.ETH, op, "insufficient_funds", err)
	default:
		return nil // transient: fall back to the default gas limit
	}
}

// -----------------------------------------------------------------------------
// Reference tags and token ids
// -----------------------------------------------------------------------------

// refTag derives the 32-byte calldata tag for a step reference. Solidity ABI
// decoding ignores trailing calldata, so the tag rides for free.
func refTag(reference string) []byte {
	return crypto.Keccak256([]byte(reference))
}

func parseTokenID(assetID string) (*big.Int, error) {
	s := strings.TrimSpace(assetID)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	id, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("bad token id %q", assetID)
	}
	return id, nil
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// -----------------------------------------------------------------------------
// Signing and submission
// -----------------------------------------------------------------------------

// submitTx builds, signs, and sends one contract call. The broker account's
// nonce is a serialized resource: the whole read-sign-send window runs under
// the account lock.
func (c *Client) submitTx(ctx context.Context, op string, to common.Address, data []byte) (string, error) {
	unlock, err := c.accounts.Acquire(ctx, c.signer.Address())
	if err != nil {
		return "", chain.Recoverable(chain.ETH, op, err)
	}
	defer unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.broker)
	if err != nil {
		return "", chain.Recoverable(chain.ETH, op, err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", chain.Recoverable(chain.ETH, op, err)
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.broker,
		To:   &to,
		Data: data,
	})
	if err != nil {
		if terr := classifyEstimate(op, err); terr != nil {
			return "", terr
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	ethSigner := types.LatestSignerForChainID(c.chainID)
	sig, err := c.signer.Sign(ctx, ethSigner.Hash(tx).Bytes())
	if err != nil {
		return "", chain.Terminal(chain.ETH, op, "bad_signature", err)
	}
	signed, err := tx.WithSignature(ethSigner, sig)
	if err != nil {
		return "", chain.Terminal(chain.ETH, op, "bad_signature", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", classifySend(op, err)
	}
	return signed.Hash().Hex(), nil
}

// waitMined polls for a receipt until the transaction lands, for
// ledger-assigned ids that live in logs.
func (c *Client) waitMined(ctx context.Context, op, txHash string) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, mintWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()

	hash := common.HexToHash(txHash)
	for {
		select {
		case <-ctx.Done():
			return nil, chain.Recoverable(chain.ETH, op, fmt.Errorf("receipt wait for %s: %w", txHash, ctx.Err()))
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				continue
			}
			if err != nil {
				return nil, chain.Recoverable(chain.ETH, op, err)
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, chain.Terminal(chain.ETH, op, "execution_reverted",
					fmt.Errorf("tx %s reverted", txHash))
			}
			return receipt, nil
		}
	}
}

// -----------------------------------------------------------------------------
// Adapter operations
// -----------------------------------------------------------------------------

// SubmitPayment sends settlement tokens from the broker account.
func (c *Client) SubmitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.ETH, "submit_payment")
	sub, err := c.submitPayment(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) submitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, chain.Terminal(chain.ETH, "submit_payment", "invalid_amount", errors.New("amount must be positive"))
	}
	if !common.IsHexAddress(req.To) {
		return nil, chain.Terminal(chain.ETH, "submit_payment", "invalid_destination", fmt.Errorf("bad address %q", req.To))
	}
	data, err := c.erc20.Pack("transfer", common.HexToAddress(req.To), req.Amount)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "submit_payment", "encode_failed", err)
	}
	hash, err := c.submitTx(ctx, "submit_payment", c.token, append(data, refTag(req.Reference)...))
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference, Amount: req.Amount}, nil
}

// GetStatus reports confirmation depth for a transaction hash. Delivered
// amount is the settlement-token value that reached the broker.
func (c *Client) GetStatus(ctx context.Context, txHash string) (*chain.TxStatus, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &chain.TxStatus{Found: false}, nil
	}
	if err != nil {
		return nil, chain.Recoverable(chain.ETH, "get_status", err)
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, chain.Recoverable(chain.ETH, "get_status", err)
	}

	block := receipt.BlockNumber.Int64()
	status := &chain.TxStatus{
		Found:       true,
		Succeeded:   receipt.Status == types.ReceiptStatusSuccessful,
		BlockHeight: block,
	}
	if int64(head) >= block {
		status.Confirmations = int64(head) - block + 1
	}

	received := big.NewInt(0)
	for _, lg := range receipt.Logs {
		if lg.Address != c.token || len(lg.Topics) != 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != c.broker {
			continue
		}
		received.Add(received, new(big.Int).SetBytes(lg.Data))
	}
	if received.Sign() > 0 {
		status.Amount = received
	}
	return status, nil
}

// CreateOffer emulates a directed offer: it verifies the asset still sits
// with the expected owner and hands out a synthetic offer id. The
// counterparty accepts by transferring the asset into broker custody.
func (c *Client) CreateOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	done := metrics.ObserveChainOp(chain.ETH, "create_offer")
	res, err := c.createOffer(ctx, req)
	done(chain.Outcome(err))
	return res, err
}

func (c *Client) createOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	if !common.IsHexAddress(req.Issuer) {
		return nil, chain.Terminal(chain.ETH, "create_offer", "invalid_contract", fmt.Errorf("bad contract %q", req.Issuer))
	}
	tokenID, err := parseTokenID(req.AssetID)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "create_offer", "invalid_asset", err)
	}
	if req.Owner != "" {
		holder, err := c.ownerOf(ctx, common.HexToAddress(req.Issuer), tokenID)
		if err != nil {
			return nil, err
		}
		if holder != common.HexToAddress(req.Owner) {
			return nil, chain.Terminal(chain.ETH, "create_offer", "asset_unavailable",
				fmt.Errorf("token %s held by %s, not %s", req.AssetID, holder.Hex(), req.Owner))
		}
	}
	return &chain.OfferResult{OfferID: idgen.WithPrefix("off_")}, nil
}

func (c *Client) ownerOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, error) {
	data, err := c.erc721.Pack("ownerOf", tokenID)
	if err != nil {
		return common.Address{}, chain.Terminal(chain.ETH, "owner_of", "encode_failed", err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
			return common.Address{}, chain.Terminal(chain.ETH, "owner_of", "asset_unavailable", err)
		}
		return common.Address{}, chain.Recoverable(chain.ETH, "owner_of", err)
	}
	return common.BytesToAddress(result), nil
}

// AcceptOffer pulls the asset into broker custody: the counterparty's offer
// is the approval they granted, accepting it is the transferFrom.
func (c *Client) AcceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.ETH, "accept_offer")
	sub, err := c.acceptOffer(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) acceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	if !common.IsHexAddress(req.Issuer) {
		return nil, chain.Terminal(chain.ETH, "accept_offer", "invalid_contract", fmt.Errorf("bad contract %q", req.Issuer))
	}
	if !common.IsHexAddress(req.Owner) {
		return nil, chain.Terminal(chain.ETH, "accept_offer", "invalid_parameter", fmt.Errorf("bad owner %q", req.Owner))
	}
	tokenID, err := parseTokenID(req.AssetID)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "accept_offer", "invalid_asset", err)
	}
	data, err := c.erc721.Pack("transferFrom", common.HexToAddress(req.Owner), c.broker, tokenID)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "accept_offer", "encode_failed", err)
	}
	hash, err := c.submitTx(ctx, "accept_offer", common.HexToAddress(req.Issuer), append(data, refTag(req.Reference)...))
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference}, nil
}

// FindAcceptance scans Transfer logs for the counterparty's asset deposit
// into broker custody.
func (c *Client) FindAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.ETH, "find_acceptance")
	sub, err := c.findAcceptance(ctx, q)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) findAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	if !common.IsHexAddress(q.Issuer) {
		return nil, chain.Terminal(chain.ETH, "find_acceptance", "invalid_contract", fmt.Errorf("bad contract %q", q.Issuer))
	}
	tokenID, err := parseTokenID(q.AssetID)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "find_acceptance", "invalid_asset", err)
	}

	from, to, err := c.lookupRange(ctx, "find_acceptance")
	if err != nil {
		return nil, err
	}
	var fromFilter []common.Hash
	if q.Counterparty != "" && common.IsHexAddress(q.Counterparty) {
		fromFilter = []common.Hash{addressTopic(common.HexToAddress(q.Counterparty))}
	}
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{common.HexToAddress(q.Issuer)},
		Topics: [][]common.Hash{
			{transferEventSig},
			fromFilter,
			{addressTopic(c.broker)},
			{common.BigToHash(tokenID)},
		},
	})
	if err != nil {
		return nil, chain.Recoverable(chain.ETH, "find_acceptance", err)
	}
	if len(logs) == 0 {
		return nil, chain.ErrNoSubmission
	}
	lg := logs[len(logs)-1]
	return &chain.Submission{TxHash: lg.TxHash.Hex(), AssetID: q.AssetID}, nil
}

// TransferAsset moves a custody-held asset to a recipient.
func (c *Client) TransferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.ETH, "transfer_asset")
	sub, err := c.transferAsset(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) transferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	if !common.IsHexAddress(req.Issuer) {
		return nil, chain.Terminal(chain.ETH, "transfer_asset", "invalid_contract", fmt.Errorf("bad contract %q", req.Issuer))
	}
	if !common.IsHexAddress(req.To) {
		return nil, chain.Terminal(chain.ETH, "transfer_asset", "invalid_destination", fmt.Errorf("bad address %q", req.To))
	}
	tokenID, err := parseTokenID(req.AssetID)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "transfer_asset", "invalid_asset", err)
	}
	data, err := c.erc721.Pack("safeTransferFrom", c.broker, common.HexToAddress(req.To), tokenID)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "transfer_asset", "encode_failed", err)
	}
	hash, err := c.submitTx(ctx, "transfer_asset", common.HexToAddress(req.Issuer), append(data, refTag(req.Reference)...))
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash, Reference: req.Reference, AssetID: req.AssetID}, nil
}

// MintAsset issues a token to the broker account and waits for the receipt
// to learn the ledger-assigned token id.
func (c *Client) MintAsset(ctx context.Context, req chain.MintReq) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.ETH, "mint_asset")
	sub, err := c.mintAsset(ctx, req)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) mintAsset(ctx context.Context, req chain.MintReq) (*chain.Submission, error) {
	if !common.IsHexAddress(req.Issuer) {
		return nil, chain.Terminal(chain.ETH, "mint_asset", "invalid_contract", fmt.Errorf("bad contract %q", req.Issuer))
	}
	contract := common.HexToAddress(req.Issuer)
	data, err := c.erc721.Pack("mint", c.broker, req.AssetURI)
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "mint_asset", "encode_failed", err)
	}
	hash, err := c.submitTx(ctx, "mint_asset", contract, append(data, refTag(req.Reference)...))
	if err != nil {
		return nil, err
	}
	receipt, err := c.waitMined(ctx, "mint_asset", hash)
	if err != nil {
		return nil, err
	}
	for _, lg := range receipt.Logs {
		if lg.Address != contract || len(lg.Topics) != 4 || lg.Topics[0] != transferEventSig {
			continue
		}
		if lg.Topics[1] != zeroTopic {
			continue
		}
		tokenID := new(big.Int).SetBytes(lg.Topics[3].Bytes())
		return &chain.Submission{TxHash: hash, Reference: req.Reference, AssetID: tokenID.String()}, nil
	}
	return nil, chain.Recoverable(chain.ETH, "mint_asset", fmt.Errorf("no mint transfer in receipt for %s", hash))
}

// LookupSubmission scans recent Transfer logs touching the broker for a
// transaction whose calldata carries the reference tag. Used after a crash
// to adopt a landed submission instead of double-submitting.
func (c *Client) LookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	done := metrics.ObserveChainOp(chain.ETH, "lookup_submission")
	sub, err := c.lookupSubmission(ctx, reference)
	done(chain.Outcome(err))
	return sub, err
}

func (c *Client) lookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	from, to, err := c.lookupRange(ctx, "lookup_submission")
	if err != nil {
		return nil, err
	}
	// Broker-signed moves show from=broker; broker-signed mints show
	// from=zero with to=broker.
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Topics: [][]common.Hash{
			{transferEventSig},
			{addressTopic(c.broker), zeroTopic},
		},
	})
	if err != nil {
		return nil, chain.Recoverable(chain.ETH, "lookup_submission", err)
	}

	tag := refTag(reference)
	for i := len(logs) - 1; i >= 0; i-- {
		lg := logs[i]
		if lg.Topics[1] == zeroTopic &&
			(len(lg.Topics) < 3 || common.BytesToAddress(lg.Topics[2].Bytes()) != c.broker) {
			continue
		}
		tx, _, err := c.client.TransactionByHash(ctx, lg.TxHash)
		if err != nil {
			return nil, chain.Recoverable(chain.ETH, "lookup_submission", err)
		}
		if !bytes.HasSuffix(tx.Data(), tag) {
			continue
		}
		sub := &chain.Submission{TxHash: lg.TxHash.Hex(), Reference: reference}
		if lg.Address == c.token && len(lg.Topics) == 3 {
			sub.Amount = new(big.Int).SetBytes(lg.Data)
		}
		if len(lg.Topics) == 4 && lg.Topics[1] == zeroTopic {
			sub.AssetID = new(big.Int).SetBytes(lg.Topics[3].Bytes()).String()
		}
		return sub, nil
	}
	return nil, chain.ErrNoSubmission
}

func (c *Client) lookupRange(ctx context.Context, op string) (*big.Int, *big.Int, error) {
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, nil, chain.Recoverable(chain.ETH, op, err)
	}
	from := int64(head) - lookupWindow
	if from < 0 {
		from = 0
	}
	return big.NewInt(from), new(big.Int).SetUint64(head), nil
}

// Balance returns an account's settlement-token balance in micro-units.
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, chain.Terminal(chain.ETH, "balance", "invalid_parameter", fmt.Errorf("bad address %q", account))
	}
	data, err := c.erc20.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, chain.Terminal(chain.ETH, "balance", "encode_failed", err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, chain.Recoverable(chain.ETH, "balance", err)
	}
	return new(big.Int).SetBytes(result), nil
}
