package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/confirm"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/fees"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/idgen"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/pagination"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/traces"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/validation"
)

// Bounds on caller-supplied expiry windows and list pages.
const (
	MinExpiry = time.Minute
	MaxExpiry = 7 * 24 * time.Hour

	DefaultPageSize = 50
	MaxPageSize     = 200

	resumeBatch = 10_000
)

// Service orchestrates escrow records against the chain adapters.
type Service struct {
	store    Store
	registry *chain.Registry
	checker  *confirm.Checker

	sched  Scheduler
	sink   EventSink
	logger *slog.Logger

	brokers    map[string]string // chain -> custodial account address
	feePct     *big.Int          // broker fee, micro-percent
	maxRoyalty *big.Int          // royalty cap, micro-percent
	defaultTTL time.Duration

	locks sync.Map // per-escrow mutexes
}

// NewService creates the escrow service. Brokers, fees, and the default
// expiry come in through the With builders; out of the box the fee is zero,
// royalties cap at 15%, and escrows live one hour.
func NewService(store Store, registry *chain.Registry, checker *confirm.Checker) *Service {
	return &Service{
		store:      store,
		registry:   registry,
		checker:    checker,
		logger:     slog.Default(),
		brokers:    make(map[string]string),
		feePct:     big.NewInt(0),
		maxRoyalty: money.MustParse("15"),
		defaultTTL: time.Hour,
	}
}

// WithBroker registers the custodial account address for a chain.
func (s *Service) WithBroker(chainID, address string) *Service {
	if address != "" {
		s.brokers[chainID] = address
	}
	return s
}

// WithFees sets the broker fee percent and the royalty percent cap, both as
// decimal strings ("1.589"). Empty strings keep the current values.
func (s *Service) WithFees(feePct, maxRoyaltyPct string) *Service {
	if feePct != "" {
		if v, ok := fees.ParsePercent(feePct); ok {
			s.feePct = v
		}
	}
	if maxRoyaltyPct != "" {
		if v, ok := fees.ParsePercent(maxRoyaltyPct); ok {
			s.maxRoyalty = v
		}
	}
	return s
}

// WithTTL sets the default expiry window for new escrows.
func (s *Service) WithTTL(d time.Duration) *Service {
	if d > 0 {
		s.defaultTTL = d
	}
	return s
}

// WithScheduler wires the work queue used for evaluation nudges.
func (s *Service) WithScheduler(sched Scheduler) *Service {
	s.sched = sched
	return s
}

// WithEventSink wires the realtime transition stream.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(lg *slog.Logger) *Service {
	if lg != nil {
		s.logger = lg
	}
	return s
}

// escrowLock returns the mutex for one escrow ID. It serializes state
// transitions so an Advance and a cancel can never interleave.
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create opens an escrow in pending_payment and schedules its first poll.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.Chain(req.PaymentChain))
	defer span.End()

	kind := Kind(req.Kind)
	switch kind {
	case KindTradeBuy, KindTradeSell, KindMint:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, req.Kind)
	}

	if _, err := s.registry.Get(req.PaymentChain); err != nil {
		return nil, fmt.Errorf("%w: payment chain %q not enabled", ErrInvalidInput, req.PaymentChain)
	}
	if _, err := s.registry.Get(req.AssetChain); err != nil {
		return nil, fmt.Errorf("%w: asset chain %q not enabled", ErrInvalidInput, req.AssetChain)
	}
	broker := s.brokers[req.PaymentChain]
	if broker == "" {
		return nil, fmt.Errorf("%w: no custodial account configured for chain %q", ErrInvalidInput, req.PaymentChain)
	}

	buyer := req.BuyerAddress
	if buyer == "" {
		buyer = req.PayerAddress
	}

	// Each address must be well formed on the chain it is used on. The
	// payee receives the payout on the payment chain and, for trades, also
	// acts on the asset ledger, so trades require it valid on both.
	var chk validation.Checker
	chk.Require("payer_address", req.PayerAddress)
	chk.Require("payee_address", req.PayeeAddress)
	chk.Address(req.PaymentChain, "payer_address", req.PayerAddress)
	chk.Address(req.PaymentChain, "payee_address", req.PayeeAddress)
	chk.Address(req.AssetChain, "buyer_address", buyer)
	chk.Amount("gross_amount", req.GrossAmount)
	if kind != KindMint {
		chk.Address(req.AssetChain, "payee_address", req.PayeeAddress)
	}
	if err := chk.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	gross, ok := money.Parse(req.GrossAmount)
	if !ok || gross.Sign() <= 0 {
		return nil, fmt.Errorf("%w: gross_amount must be positive", ErrInvalidInput)
	}

	switch kind {
	case KindTradeBuy, KindTradeSell:
		if req.AssetID == "" {
			return nil, fmt.Errorf("%w: asset_id is required for trades", ErrInvalidInput)
		}
		if req.NetPayeeAmount != "" {
			return nil, fmt.Errorf("%w: net_payee_amount is computed for trades", ErrInvalidInput)
		}
		if kind == KindTradeSell && req.OfferID == "" {
			return nil, fmt.Errorf("%w: trade_sell requires the owner's offer_id", ErrInvalidInput)
		}
		if kind == KindTradeBuy && req.OfferID != "" {
			return nil, fmt.Errorf("%w: offer_id is engine-assigned for trade_buy", ErrInvalidInput)
		}
	case KindMint:
		if req.AssetChain == chain.BTC {
			return nil, fmt.Errorf("%w: chain %q cannot mint assets", ErrInvalidInput, req.AssetChain)
		}
		if req.AssetID != "" {
			return nil, fmt.Errorf("%w: asset_id is ledger-assigned for mints", ErrInvalidInput)
		}
		if req.OfferID != "" {
			return nil, fmt.Errorf("%w: offer_id is engine-assigned for mints", ErrInvalidInput)
		}
		if req.AssetURI == "" {
			return nil, fmt.Errorf("%w: mint requires asset_uri", ErrInvalidInput)
		}
		if req.NetPayeeAmount == "" {
			return nil, fmt.Errorf("%w: mint requires net_payee_amount", ErrInvalidInput)
		}
	}

	var split *fees.Split
	switch kind {
	case KindMint:
		net, ok := money.Parse(req.NetPayeeAmount)
		if !ok {
			return nil, fmt.Errorf("%w: malformed net_payee_amount", ErrInvalidInput)
		}
		sp, err := fees.FromNet(gross, net, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		split = sp
	default:
		var royaltyPct *big.Int
		if req.RoyaltyPct != "" {
			v, ok := fees.ParsePercent(req.RoyaltyPct)
			if !ok {
				return nil, fmt.Errorf("%w: malformed royalty_pct", ErrInvalidInput)
			}
			if v.Cmp(s.maxRoyalty) > 0 {
				return nil, fmt.Errorf("%w: royalty_pct exceeds cap of %s%%", ErrInvalidInput, money.Format(s.maxRoyalty))
			}
			royaltyPct = v
		}
		sp, err := fees.Compute(gross, s.feePct, royaltyPct)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		split = sp
	}

	ttl := s.defaultTTL
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d < MinExpiry || d > MaxExpiry {
			return nil, fmt.Errorf("%w: expires_in must be a duration between %s and %s", ErrInvalidInput, MinExpiry, MaxExpiry)
		}
		ttl = d
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             idgen.WithPrefix("esc_"),
		Kind:           kind,
		PayerAddress:   req.PayerAddress,
		PayeeAddress:   req.PayeeAddress,
		BuyerAddress:   buyer,
		BrokerAddress:  broker,
		AssetChain:     req.AssetChain,
		AssetID:        req.AssetID,
		AssetIssuer:    req.AssetIssuer,
		AssetURI:       req.AssetURI,
		PaymentChain:   req.PaymentChain,
		GrossAmount:    money.Format(gross),
		BrokerFee:      money.Format(split.BrokerFee),
		RoyaltyAmount:  money.Format(split.Royalty),
		NetPayeeAmount: money.Format(split.NetPayee),
		OfferID:        req.OfferID,
		Status:         StatusPendingPayment,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	span.SetAttributes(traces.EscrowID(rec.ID), traces.Amount(rec.GrossAmount))

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metrics.EscrowsCreatedTotal.WithLabelValues(string(kind)).Inc()
	metrics.ActiveEscrows.WithLabelValues(string(StatusPendingPayment)).Inc()
	s.schedule(rec.ID, now)
	s.publish(Event{EscrowID: rec.ID, Kind: kind, To: StatusPendingPayment, At: now})
	s.logger.Info("escrow created",
		"escrowId", rec.ID, "kind", kind,
		"paymentChain", rec.PaymentChain, "assetChain", rec.AssetChain,
		"gross", rec.GrossAmount, "net", rec.NetPayeeAmount)
	return rec, nil
}

// Get returns one escrow record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of records, newest first.
func (s *Service) List(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cursor", ErrInvalidInput)
	}
	filter.Cursor = cur
	filter.Limit = limit + 1

	recs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.Page(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return &Page{Records: items, NextCursor: next, HasMore: more}, nil
}

// RecordExternalEvent adopts a caller-observed transaction hash. Reporting
// the same hash twice is a no-op; a different hash for an already-occupied
// slot is a conflict, because replacing evidence mid-flight could strand
// funds that the first transaction actually moved.
func (s *Service) RecordExternalEvent(ctx context.Context, id, kind, txHash string) (*Record, error) {
	txHash = strings.TrimSpace(txHash)
	if !validation.IsValidTxHash(txHash) {
		return nil, fmt.Errorf("%w: malformed tx_hash", ErrInvalidInput)
	}

	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, rec.Status)
	}

	switch kind {
	case EventPaymentSubmitted:
		if rec.PaymentTxHash == txHash {
			return rec, nil
		}
		if rec.PaymentTxHash != "" {
			return nil, fmt.Errorf("%w: payment already recorded as %s", ErrEventConflict, rec.PaymentTxHash)
		}
		if rec.Status != StatusPendingPayment {
			return nil, fmt.Errorf("%w: escrow is %s", ErrEventConflict, rec.Status)
		}
		rec.PaymentTxHash = txHash
	case EventOfferAccepted:
		if rec.AcceptanceTxHash == txHash {
			return rec, nil
		}
		if rec.AcceptanceTxHash != "" {
			return nil, fmt.Errorf("%w: acceptance already recorded as %s", ErrEventConflict, rec.AcceptanceTxHash)
		}
		if rec.Status != StatusOfferCreated {
			return nil, fmt.Errorf("%w: escrow is %s", ErrEventConflict, rec.Status)
		}
		rec.AcceptanceTxHash = txHash
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, kind)
	}

	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}
	s.schedule(rec.ID, time.Now())
	s.logger.Info("external event recorded", "escrowId", rec.ID, "event", kind, "txHash", txHash)
	return rec, nil
}

// RequestCancel withdraws an escrow that has seen no payment activity.
// Once any payment hash is on record only the refund path remains.
func (s *Service) RequestCancel(ctx context.Context, id, reason string) (*Record, error) {
	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, rec.Status)
	}
	if rec.Status != StatusPendingPayment || rec.PaymentTxHash != "" {
		return nil, ErrNotCancellable
	}
	if reason == "" {
		reason = "cancelled by caller"
	}
	return s.transition(ctx, rec, StatusCancelled, reason)
}

// Resolve is the operator exit from manual_review: refund returns the paid
// amount to the payer, proceed continues the flow at the originally
// computed split.
func (s *Service) Resolve(ctx context.Context, id, resolution, note string) (*Record, error) {
	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusManualReview {
		return nil, fmt.Errorf("%w: escrow is %s", ErrNotManualReview, rec.Status)
	}

	switch resolution {
	case ResolutionRefund:
		if note == "" {
			note = "refunded by operator"
		}
		return s.refund(ctx, rec, note)
	case ResolutionProceed:
		reason := "proceeding at operator's direction"
		if note != "" {
			reason = note
		}
		return s.transition(ctx, rec, StatusPaymentConfirmed, reason)
	default:
		return nil, fmt.Errorf("%w: resolution must be %q or %q", ErrInvalidInput, ResolutionRefund, ResolutionProceed)
	}
}

// Stats aggregates the book by status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{ByStatus: counts}
	for status, n := range counts {
		st.Total += n
		if isTerminalStatus(status) {
			st.Terminal += n
		} else {
			st.Open += n
		}
	}
	return st, nil
}

// ResumeAll schedules every non-terminal record for evaluation and seeds
// the active-status gauges from the store. The poller calls it once at
// startup so a restart picks up exactly where the previous process died.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	if counts, err := s.store.CountByStatus(ctx); err == nil {
		for status, n := range counts {
			if !isTerminalStatus(status) {
				metrics.ActiveEscrows.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}

	recs, err := s.store.ListNonTerminal(ctx, resumeBatch)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	for _, rec := range recs {
		s.schedule(rec.ID, now)
	}
	return len(recs), nil
}

// transition applies one legal status edge and persists the whole record.
// Submission hashes must already be durable before the call (see
// advance.go); confirmation timestamps and reasons may ride along.
func (s *Service) transition(ctx context.Context, rec *Record, to Status, reason string) (*Record, error) {
	from := rec.Status
	if err := checkTransition(from, to); err != nil {
		return rec, err
	}
	rec.Status = to
	if reason != "" {
		rec.Reason = reason
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if err := s.store.Update(ctx, rec); err != nil {
		rec.Status = from
		return rec, fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	metrics.ActiveEscrows.WithLabelValues(string(from)).Dec()
	if rec.IsTerminal() {
		metrics.EscrowDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
		if s.sched != nil {
			s.sched.Remove(rec.ID)
		}
	} else {
		metrics.ActiveEscrows.WithLabelValues(string(to)).Inc()
		s.schedule(rec.ID, now)
	}
	s.publish(Event{EscrowID: rec.ID, Kind: rec.Kind, From: from, To: to, Reason: rec.Reason, At: now})
	s.logger.Info("escrow transition", "escrowId", rec.ID, "from", from, "to", to, "reason", reason)
	return rec, nil
}

// update persists rec without a status change, stamping UpdatedAt.
func (s *Service) update(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, rec)
}

func (s *Service) schedule(id string, at time.Time) {
	if s.sched != nil {
		s.sched.Schedule(id, at)
	}
}

func (s *Service) publish(evt Event) {
	if s.sink != nil {
		s.sink.Publish(evt)
	}
}
