package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
)

type mockSummer struct {
	held map[string]*big.Int
	err  error
}

func (m *mockSummer) SumHeldByChain(_ context.Context) (map[string]*big.Int, error) {
	return m.held, m.err
}

type mockReader struct {
	balance *big.Int
	err     error
}

func (m *mockReader) Balance(_ context.Context, _ string) (*big.Int, error) {
	if m.err != nil {
		return nil, m.err
	}
	return new(big.Int).Set(m.balance), nil
}

func custodians(readers map[string]*mockReader) map[string]Custodian {
	out := make(map[string]Custodian, len(readers))
	for id, r := range readers {
		out[id] = Custodian{Reader: r, Account: "broker_" + id}
	}
	return out
}

func TestReconcileCustody_Match(t *testing.T) {
	// Broker holds exactly what open escrows imply on both chains
	summer := &mockSummer{held: map[string]*big.Int{
		"xrpl": money.MustParse("140.000000"),
		"eth":  money.MustParse("7.000000"),
	}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: money.MustParse("140.000000")},
		"eth":  {balance: money.MustParse("7.000000")},
	}))

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if !report.Healthy {
		t.Errorf("expected healthy report, got %+v", report)
	}
	if len(report.Chains) != 2 {
		t.Fatalf("expected 2 chain results, got %d", len(report.Chains))
	}
	// Sorted by chain id
	if report.Chains[0].Chain != "eth" || report.Chains[1].Chain != "xrpl" {
		t.Errorf("expected chains sorted [eth xrpl], got [%s %s]",
			report.Chains[0].Chain, report.Chains[1].Chain)
	}
}

func TestReconcileCustody_SurplusIsHealthy(t *testing.T) {
	// Accrued fees leave the broker holding more than the escrow total
	summer := &mockSummer{held: map[string]*big.Int{
		"xrpl": money.MustParse("100.000000"),
	}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: money.MustParse("250.000000")},
	}))

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if !report.Healthy {
		t.Error("surplus should not be flagged")
	}
	if report.Chains[0].Diff != "150.000000" {
		t.Errorf("expected diff 150.000000, got %s", report.Chains[0].Diff)
	}
}

func TestReconcileCustody_Shortfall(t *testing.T) {
	// Broker is 5 short of what escrows say it should hold
	summer := &mockSummer{held: map[string]*big.Int{
		"xrpl": money.MustParse("100.000000"),
	}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: money.MustParse("95.000000")},
	}))

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if report.Healthy {
		t.Error("expected shortfall to be flagged")
	}
	cr := report.Chains[0]
	if cr.Match {
		t.Error("expected chain mismatch")
	}
	if cr.Diff != "-5.000000" {
		t.Errorf("expected diff -5.000000, got %s", cr.Diff)
	}
}

func TestReconcileCustody_WithinThreshold(t *testing.T) {
	summer := &mockSummer{held: map[string]*big.Int{
		"xrpl": money.MustParse("100.000000"),
	}}
	// 0.50 short, within the default 1.000000 threshold
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: money.MustParse("99.500000")},
	}))

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if !report.Healthy {
		t.Error("expected match, 0.50 shortfall is within the 1.00 threshold")
	}
}

func TestReconcileCustody_CustomThreshold(t *testing.T) {
	summer := &mockSummer{held: map[string]*big.Int{
		"xrpl": money.MustParse("100.000000"),
	}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: money.MustParse("99.500000")},
	}))
	svc.SetAlertThreshold("0.100000")

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if report.Healthy {
		t.Error("expected mismatch, 0.50 shortfall exceeds the 0.10 threshold")
	}
}

func TestReconcileCustody_NoOpenEscrows(t *testing.T) {
	// Chain absent from the held map reconciles against zero
	summer := &mockSummer{held: map[string]*big.Int{}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"btc": {balance: money.MustParse("3.000000")},
	}))

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if !report.Healthy {
		t.Error("expected healthy report with no open escrows")
	}
	if report.Chains[0].HeldTotal != "0.000000" {
		t.Errorf("expected held 0.000000, got %s", report.Chains[0].HeldTotal)
	}
}

func TestReconcileCustody_ReaderError(t *testing.T) {
	summer := &mockSummer{held: map[string]*big.Int{
		"xrpl": money.MustParse("100.000000"),
		"eth":  money.MustParse("7.000000"),
	}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {err: errors.New("rpc timeout")},
		"eth":  {balance: money.MustParse("7.000000")},
	}))

	report, err := svc.ReconcileCustody(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCustody failed: %v", err)
	}
	if report.Healthy {
		t.Error("expected unhealthy report when a balance read fails")
	}

	var xrplResult, ethResult *ChainResult
	for i := range report.Chains {
		switch report.Chains[i].Chain {
		case "xrpl":
			xrplResult = &report.Chains[i]
		case "eth":
			ethResult = &report.Chains[i]
		}
	}
	if xrplResult == nil || xrplResult.Error == "" {
		t.Errorf("expected xrpl result to carry the read error, got %+v", xrplResult)
	}
	if ethResult == nil || !ethResult.Match {
		t.Errorf("expected eth to still reconcile, got %+v", ethResult)
	}
}

func TestReconcileCustody_SummerError(t *testing.T) {
	summer := &mockSummer{err: errors.New("db down")}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: big.NewInt(0)},
	}))

	if _, err := svc.ReconcileCustody(context.Background()); err == nil {
		t.Fatal("expected error when the store sum fails")
	}
}

func TestTimerStartStop(t *testing.T) {
	summer := &mockSummer{held: map[string]*big.Int{}}
	svc := NewService(summer, custodians(map[string]*mockReader{
		"xrpl": {balance: big.NewInt(0)},
	}))
	timer := NewTimer(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer did not start")
	}

	timer.Stop()
	deadline = time.Now().Add(2 * time.Second)
	for timer.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if timer.Running() {
		t.Fatal("timer did not stop")
	}
}
