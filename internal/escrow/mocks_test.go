package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/confirm"
)

// Well-formed addresses for each chain family, used across the package
// tests. The service validates address shape per chain at create time.
const (
	xrplPayer  = "rN7n7otQDd6FczFgLdSqtcsAUxDkw6fzRH"
	xrplPayee  = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	xrplBroker = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"

	ethPayer  = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	ethPayee  = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	ethBroker = "0xdAC17F958D2ee523a2206206994597C13D831ec7"

	btcPayer  = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	btcPayee  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	btcBroker = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"

	paymentHash = "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
	secondHash  = "1111111111111111111111111111111111111111111111111111111111111111"
)

// mockAdapter is a scriptable chain adapter. Each method records its
// request, then dispatches to the test-supplied function or a benign
// default: submissions succeed with generated hashes, status checks report
// instant finality, and scans find nothing.
type mockAdapter struct {
	id string

	mu        sync.Mutex
	seq       int
	payments  []chain.PaymentReq
	offers    []chain.OfferReq
	accepts   []chain.AcceptReq
	transfers []chain.TransferReq
	mints     []chain.MintReq

	submitPayment  func(chain.PaymentReq) (*chain.Submission, error)
	getStatus      func(string) (*chain.TxStatus, error)
	createOffer    func(chain.OfferReq) (*chain.OfferResult, error)
	acceptOffer    func(chain.AcceptReq) (*chain.Submission, error)
	findAcceptance func(chain.AcceptanceQuery) (*chain.Submission, error)
	transferAsset  func(chain.TransferReq) (*chain.Submission, error)
	mintAsset      func(chain.MintReq) (*chain.Submission, error)
	lookup         func(string) (*chain.Submission, error)
}

func newMockAdapter(id string) *mockAdapter {
	return &mockAdapter{id: id}
}

func (m *mockAdapter) nextHash(step string) string {
	m.seq++
	return fmt.Sprintf("%s_%s_tx_%d", m.id, step, m.seq)
}

func (m *mockAdapter) ID() string { return m.id }

func (m *mockAdapter) SubmitPayment(ctx context.Context, req chain.PaymentReq) (*chain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, req)
	if m.submitPayment != nil {
		return m.submitPayment(req)
	}
	return &chain.Submission{TxHash: m.nextHash("pay"), Reference: req.Reference}, nil
}

func (m *mockAdapter) GetStatus(ctx context.Context, txHash string) (*chain.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getStatus != nil {
		return m.getStatus(txHash)
	}
	return &chain.TxStatus{Found: true, Succeeded: true, Confirmations: 1_000_000}, nil
}

func (m *mockAdapter) CreateOffer(ctx context.Context, req chain.OfferReq) (*chain.OfferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, req)
	if m.createOffer != nil {
		return m.createOffer(req)
	}
	return &chain.OfferResult{OfferID: fmt.Sprintf("%s_off_%d", m.id, len(m.offers)), TxHash: m.nextHash("offer")}, nil
}

func (m *mockAdapter) AcceptOffer(ctx context.Context, req chain.AcceptReq) (*chain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepts = append(m.accepts, req)
	if m.acceptOffer != nil {
		return m.acceptOffer(req)
	}
	return &chain.Submission{TxHash: m.nextHash("accept"), Reference: req.Reference}, nil
}

func (m *mockAdapter) FindAcceptance(ctx context.Context, q chain.AcceptanceQuery) (*chain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findAcceptance != nil {
		return m.findAcceptance(q)
	}
	return nil, chain.ErrNoSubmission
}

func (m *mockAdapter) TransferAsset(ctx context.Context, req chain.TransferReq) (*chain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, req)
	if m.transferAsset != nil {
		return m.transferAsset(req)
	}
	return &chain.Submission{TxHash: m.nextHash("xfer"), Reference: req.Reference}, nil
}

func (m *mockAdapter) MintAsset(ctx context.Context, req chain.MintReq) (*chain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mints = append(m.mints, req)
	if m.mintAsset != nil {
		return m.mintAsset(req)
	}
	return &chain.Submission{TxHash: m.nextHash("mint"), Reference: req.Reference, AssetID: fmt.Sprintf("nft_%s_%d", m.id, len(m.mints))}, nil
}

func (m *mockAdapter) LookupSubmission(ctx context.Context, reference string) (*chain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup != nil {
		return m.lookup(reference)
	}
	return nil, chain.ErrNoSubmission
}

func (m *mockAdapter) Balance(ctx context.Context, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockAdapter) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *mockAdapter) offerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.offers)
}

func (m *mockAdapter) lastPayment() chain.PaymentReq {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[len(m.payments)-1]
}

var _ chain.Adapter = (*mockAdapter)(nil)

// captureSink collects published transition events.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// statuses returns the To statuses in publish order.
func (c *captureSink) statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, len(c.events))
	for i, e := range c.events {
		out[i] = e.To
	}
	return out
}

type testEnv struct {
	store   *MemoryStore
	queue   *Queue
	sink    *captureSink
	xrpl    *mockAdapter
	eth     *mockAdapter
	btc     *mockAdapter
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store: NewMemoryStore(),
		queue: NewQueue(),
		sink:  &captureSink{},
		xrpl:  newMockAdapter(chain.XRPL),
		eth:   newMockAdapter(chain.ETH),
		btc:   newMockAdapter(chain.BTC),
	}

	reg := chain.NewRegistry()
	reg.Register(env.xrpl)
	reg.Register(env.eth)
	reg.Register(env.btc)

	checker := confirm.New(reg, map[string]int64{
		chain.XRPL: 1,
		chain.ETH:  32,
		chain.BTC:  1,
	}, nil)

	env.service = NewService(env.store, reg, checker).
		WithBroker(chain.XRPL, xrplBroker).
		WithBroker(chain.ETH, ethBroker).
		WithBroker(chain.BTC, btcBroker).
		WithFees("1.589", "15").
		WithTTL(time.Hour).
		WithScheduler(env.queue).
		WithEventSink(env.sink).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	return env
}

// advanceOK runs one Advance and fails the test on error.
func (e *testEnv) advanceOK(t *testing.T, id string) *Record {
	t.Helper()
	rec, err := e.service.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("Advance(%s) error: %v", id, err)
	}
	return rec
}

// forceExpire rewinds a stored record's deadline into the past.
func (e *testEnv) forceExpire(t *testing.T, id string) {
	t.Helper()
	rec, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	if err := e.store.Update(context.Background(), rec); err != nil {
		t.Fatalf("Update(%s) error: %v", id, err)
	}
}

// xrplTradeBuy is the canonical create request used by flow tests: a 100.00
// purchase on a single chain with the default 1.589% broker fee.
func xrplTradeBuy() CreateRequest {
	return CreateRequest{
		Kind:         string(KindTradeBuy),
		PayerAddress: xrplPayer,
		PayeeAddress: xrplPayee,
		AssetChain:   chain.XRPL,
		AssetID:      "000813886E2C466A5C1511871D1181E7FC287B05BAB5D52EBBC54F1A00000001",
		PaymentChain: chain.XRPL,
		GrossAmount:  "100",
	}
}
