package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
)

// Well-known development key, account 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testToken = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

type fakeEthClient struct {
	mu          sync.Mutex
	sent        []*types.Transaction
	sendErr     error
	estimateErr error
	receipt     *types.Receipt
	receiptErr  error
	head        uint64
	callResult  []byte
	callErr     error
	logs        []types.Log
	filterErr   error
	lastQuery   ethereum.FilterQuery
	txByHash    *types.Transaction
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}
func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 60_000, nil
}
func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return nil
}
func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}
func (f *fakeEthClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	if f.txByHash == nil {
		return nil, false, ethereum.NotFound
	}
	return f.txByHash, false, nil
}
func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}
func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.lastQuery = q
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.logs, nil
}
func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}
func (f *fakeEthClient) Close() {}

func newTestClient(t *testing.T, fake *fakeEthClient) *Client {
	t.Helper()
	signer, err := NewKeySigner(testKey)
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	c, err := New(Config{ChainID: 8453, TokenContract: testToken}, signer, WithClient(fake))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestSubmitPayment_SendsTaggedTokenTransfer(t *testing.T) {
	fake := &fakeEthClient{}
	c := newTestClient(t, fake)

	to := "0x1111111111111111111111111111111111111111"
	sub, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:        to,
		Amount:    big.NewInt(98_411_000),
		Reference: "esc_e1:payout",
	})
	if err != nil {
		t.Fatalf("SubmitPayment failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(fake.sent))
	}
	tx := fake.sent[0]
	if sub.TxHash != tx.Hash().Hex() {
		t.Errorf("TxHash = %s, want %s", sub.TxHash, tx.Hash().Hex())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(testToken) {
		t.Errorf("tx.To = %v, want settlement token", tx.To())
	}
	if tx.Nonce() != 7 {
		t.Errorf("Nonce = %d, want 7", tx.Nonce())
	}

	data := tx.Data()
	// transfer(address,uint256) selector
	if len(data) < 4 || common.Bytes2Hex(data[:4]) != "a9059cbb" {
		t.Errorf("selector = %x", data[:4])
	}
	tag := refTag("esc_e1:payout")
	if len(data) < 32 || common.Bytes2Hex(data[len(data)-32:]) != common.Bytes2Hex(tag) {
		t.Error("calldata does not end with the reference tag")
	}

	// Signature must recover to the broker.
	ethSigner := types.LatestSignerForChainID(big.NewInt(8453))
	from, err := types.Sender(ethSigner, tx)
	if err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
	if from.Hex() != c.signer.Address() {
		t.Errorf("recovered sender %s, want %s", from.Hex(), c.signer.Address())
	}
}

func TestSubmitPayment_TerminalOnInsufficientFunds(t *testing.T) {
	fake := &fakeEthClient{sendErr: errors.New("insufficient funds for gas * price + value")}
	c := newTestClient(t, fake)

	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:     "0x1111111111111111111111111111111111111111",
		Amount: big.NewInt(5),
	})
	if !chain.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if got := chain.TerminalReason(err); got != "insufficient_funds" {
		t.Errorf("reason = %s, want insufficient_funds", got)
	}
}

func TestSubmitPayment_RecoverableOnNonceRace(t *testing.T) {
	fake := &fakeEthClient{sendErr: errors.New("nonce too low")}
	c := newTestClient(t, fake)

	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:     "0x1111111111111111111111111111111111111111",
		Amount: big.NewInt(5),
	})
	if !chain.IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}
}

func TestSubmitPayment_TerminalOnRevertingEstimate(t *testing.T) {
	fake := &fakeEthClient{estimateErr: errors.New("execution reverted: ERC20: transfer amount exceeds balance")}
	c := newTestClient(t, fake)

	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:     "0x1111111111111111111111111111111111111111",
		Amount: big.NewInt(5),
	})
	if !chain.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestGetStatus_ConfirmationsAndDeliveredAmount(t *testing.T) {
	fake := &fakeEthClient{head: 100}
	c := newTestClient(t, fake)

	payer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	fake.receipt = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(69),
		Logs: []*types.Log{{
			Address: common.HexToAddress(testToken),
			Topics: []common.Hash{
				transferEventSig,
				addressTopic(payer),
				addressTopic(c.broker),
			},
			Data: common.BigToHash(big.NewInt(100_000_000)).Bytes(),
		}},
	}

	status, err := c.GetStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Found || !status.Succeeded {
		t.Errorf("expected found+succeeded, got %+v", status)
	}
	if status.Confirmations != 32 {
		t.Errorf("Confirmations = %d, want 32", status.Confirmations)
	}
	if status.Amount == nil || status.Amount.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("Amount = %v, want 100000000", status.Amount)
	}
}

func TestGetStatus_RevertedNeverSucceeds(t *testing.T) {
	fake := &fakeEthClient{head: 100}
	fake.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(90)}
	c := newTestClient(t, fake)

	status, err := c.GetStatus(context.Background(), "0xbad")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Found || status.Succeeded {
		t.Errorf("reverted tx must be found but not succeeded, got %+v", status)
	}
}

func TestGetStatus_NotFoundIsNotAnError(t *testing.T) {
	fake := &fakeEthClient{}
	c := newTestClient(t, fake)

	status, err := c.GetStatus(context.Background(), "0x4d15")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Found {
		t.Error("expected Found=false for unknown hash")
	}
}

func TestCreateOffer_VerifiesOwnerAndIssuesSyntheticID(t *testing.T) {
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	fake := &fakeEthClient{callResult: common.BytesToHash(owner.Bytes()).Bytes()}
	c := newTestClient(t, fake)

	res, err := c.CreateOffer(context.Background(), chain.OfferReq{
		Taker:     owner.Hex(),
		Owner:     owner.Hex(),
		AssetID:   "42",
		Issuer:    "0x4444444444444444444444444444444444444444",
		Reference: "esc_e1:offer",
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !strings.HasPrefix(res.OfferID, "off_") {
		t.Errorf("OfferID = %s, want off_ prefix", res.OfferID)
	}
	if res.TxHash != "" {
		t.Errorf("emulated offer has no tx, got %s", res.TxHash)
	}
}

func TestCreateOffer_TerminalWhenAssetMoved(t *testing.T) {
	somebody := common.HexToAddress("0x5555555555555555555555555555555555555555")
	fake := &fakeEthClient{callResult: common.BytesToHash(somebody.Bytes()).Bytes()}
	c := newTestClient(t, fake)

	_, err := c.CreateOffer(context.Background(), chain.OfferReq{
		Owner:   "0x3333333333333333333333333333333333333333",
		AssetID: "42",
		Issuer:  "0x4444444444444444444444444444444444444444",
	})
	if !chain.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if got := chain.TerminalReason(err); got != "asset_unavailable" {
		t.Errorf("reason = %s, want asset_unavailable", got)
	}
}

func TestAcceptOffer_PullsAssetIntoCustody(t *testing.T) {
	fake := &fakeEthClient{}
	c := newTestClient(t, fake)

	owner := "0x3333333333333333333333333333333333333333"
	issuer := "0x4444444444444444444444444444444444444444"
	sub, err := c.AcceptOffer(context.Background(), chain.AcceptReq{
		OfferID:   "approval",
		Owner:     owner,
		AssetID:   "42",
		Issuer:    issuer,
		Reference: "esc_s1:accept",
	})
	if err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(fake.sent))
	}
	tx := fake.sent[0]
	if sub.TxHash != tx.Hash().Hex() {
		t.Errorf("TxHash mismatch")
	}
	if *tx.To() != common.HexToAddress(issuer) {
		t.Errorf("tx.To = %v, want asset contract", tx.To())
	}
	// transferFrom(address,address,uint256) selector
	if common.Bytes2Hex(tx.Data()[:4]) != "23b872dd" {
		t.Errorf("selector = %x", tx.Data()[:4])
	}
}

func TestFindAcceptance_ScansTransferLogs(t *testing.T) {
	fake := &fakeEthClient{head: 10_000}
	c := newTestClient(t, fake)

	issuer := "0x4444444444444444444444444444444444444444"
	fake.logs = []types.Log{{
		Address: common.HexToAddress(issuer),
		TxHash:  common.HexToHash("0xac14"),
		Topics: []common.Hash{
			transferEventSig,
			addressTopic(common.HexToAddress("0x3333333333333333333333333333333333333333")),
			addressTopic(c.broker),
			common.BigToHash(big.NewInt(42)),
		},
	}}

	sub, err := c.FindAcceptance(context.Background(), chain.AcceptanceQuery{
		OfferID:      "off_x",
		AssetID:      "42",
		Issuer:       issuer,
		Counterparty: "0x3333333333333333333333333333333333333333",
	})
	if err != nil {
		t.Fatalf("FindAcceptance failed: %v", err)
	}
	if sub.TxHash != common.HexToHash("0xac14").Hex() {
		t.Errorf("TxHash = %s", sub.TxHash)
	}

	q := fake.lastQuery
	if len(q.Addresses) != 1 || q.Addresses[0] != common.HexToAddress(issuer) {
		t.Errorf("query addresses = %v", q.Addresses)
	}
	if len(q.Topics) != 4 {
		t.Fatalf("query topics = %d positions, want 4", len(q.Topics))
	}
	if q.Topics[3][0] != common.BigToHash(big.NewInt(42)) {
		t.Errorf("token id topic = %v", q.Topics[3])
	}
}

func TestFindAcceptance_NothingLanded(t *testing.T) {
	fake := &fakeEthClient{head: 10_000}
	c := newTestClient(t, fake)

	_, err := c.FindAcceptance(context.Background(), chain.AcceptanceQuery{
		OfferID: "off_x",
		AssetID: "42",
		Issuer:  "0x4444444444444444444444444444444444444444",
	})
	if !errors.Is(err, chain.ErrNoSubmission) {
		t.Fatalf("expected ErrNoSubmission, got %v", err)
	}
}

func TestTransferAsset_SendsSafeTransferFrom(t *testing.T) {
	fake := &fakeEthClient{}
	c := newTestClient(t, fake)

	sub, err := c.TransferAsset(context.Background(), chain.TransferReq{
		To:        "0x6666666666666666666666666666666666666666",
		AssetID:   "42",
		Issuer:    "0x4444444444444444444444444444444444444444",
		Reference: "esc_e1:transfer",
	})
	if err != nil {
		t.Fatalf("TransferAsset failed: %v", err)
	}
	if sub.AssetID != "42" {
		t.Errorf("AssetID = %s", sub.AssetID)
	}
	tx := fake.sent[0]
	// safeTransferFrom(address,address,uint256) selector
	if common.Bytes2Hex(tx.Data()[:4]) != "42842e0e" {
		t.Errorf("selector = %x", tx.Data()[:4])
	}
}

func TestMintAsset_LearnsTokenIDFromReceipt(t *testing.T) {
	fake := &fakeEthClient{head: 100}
	c := newTestClient(t, fake)

	issuer := "0x4444444444444444444444444444444444444444"
	fake.receipt = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(99),
		Logs: []*types.Log{{
			Address: common.HexToAddress(issuer),
			Topics: []common.Hash{
				transferEventSig,
				zeroTopic,
				addressTopic(c.broker),
				common.BigToHash(big.NewInt(777)),
			},
		}},
	}

	sub, err := c.MintAsset(context.Background(), chain.MintReq{
		AssetURI:  "ipfs://riddle/7",
		Issuer:    issuer,
		Reference: "esc_m1:mint",
	})
	if err != nil {
		t.Fatalf("MintAsset failed: %v", err)
	}
	if sub.AssetID != "777" {
		t.Errorf("AssetID = %s, want 777", sub.AssetID)
	}
}

func TestLookupSubmission_MatchesCalldataTag(t *testing.T) {
	fake := &fakeEthClient{head: 10_000}
	c := newTestClient(t, fake)

	// Send a real payment through the adapter so a correctly tagged
	// transaction exists, then point the log scan at it.
	sub, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:        "0x1111111111111111111111111111111111111111",
		Amount:    big.NewInt(40_000_000),
		Reference: "esc_m1:payout",
	})
	if err != nil {
		t.Fatalf("SubmitPayment failed: %v", err)
	}
	sent := fake.sent[0]
	fake.txByHash = sent
	fake.logs = []types.Log{{
		Address: common.HexToAddress(testToken),
		TxHash:  sent.Hash(),
		Topics: []common.Hash{
			transferEventSig,
			addressTopic(c.broker),
			addressTopic(common.HexToAddress("0x1111111111111111111111111111111111111111")),
		},
		Data: common.BigToHash(big.NewInt(40_000_000)).Bytes(),
	}}

	found, err := c.LookupSubmission(context.Background(), "esc_m1:payout")
	if err != nil {
		t.Fatalf("LookupSubmission failed: %v", err)
	}
	if found.TxHash != sub.TxHash {
		t.Errorf("TxHash = %s, want %s", found.TxHash, sub.TxHash)
	}
	if found.Amount == nil || found.Amount.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Errorf("Amount = %v, want 40000000", found.Amount)
	}
}

func TestLookupSubmission_IgnoresUntaggedTransactions(t *testing.T) {
	fake := &fakeEthClient{head: 10_000}
	c := newTestClient(t, fake)

	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:        "0x1111111111111111111111111111111111111111",
		Amount:    big.NewInt(5),
		Reference: "esc_other:refund",
	})
	if err != nil {
		t.Fatalf("SubmitPayment failed: %v", err)
	}
	sent := fake.sent[0]
	fake.txByHash = sent
	fake.logs = []types.Log{{
		Address: common.HexToAddress(testToken),
		TxHash:  sent.Hash(),
		Topics: []common.Hash{
			transferEventSig,
			addressTopic(c.broker),
			addressTopic(common.HexToAddress("0x1111111111111111111111111111111111111111")),
		},
	}}

	_, err = c.LookupSubmission(context.Background(), "esc_m1:payout")
	if !errors.Is(err, chain.ErrNoSubmission) {
		t.Fatalf("expected ErrNoSubmission, got %v", err)
	}
}

func TestBalance_ReadsSettlementToken(t *testing.T) {
	fake := &fakeEthClient{callResult: common.BigToHash(big.NewInt(250_000_000)).Bytes()}
	c := newTestClient(t, fake)

	bal, err := c.Balance(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Errorf("Balance = %v, want 250000000", bal)
	}
}

func TestNewKeySigner_DerivesAddress(t *testing.T) {
	signer, err := NewKeySigner("0x" + testKey)
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	if signer.Address() != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Errorf("Address = %s", signer.Address())
	}
	if _, err := NewKeySigner("short"); err == nil {
		t.Error("expected error for malformed key")
	}
}
