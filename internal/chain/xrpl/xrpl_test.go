package xrpl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
)

type fakeSigner struct {
	addr     string
	payloads [][]byte
}

func (s *fakeSigner) Address() string { return s.addr }
func (s *fakeSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return []byte("signed-blob"), nil
}

// newTestServer fakes a rippled JSON-RPC endpoint. handlers maps method
// names to result payloads.
func newTestServer(t *testing.T, handlers map[string]func(params map[string]interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		h, ok := handlers[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			return
		}
		var params map[string]interface{}
		if len(req.Params) > 0 {
			params, _ = req.Params[0].(map[string]interface{})
		}
		result, err := json.Marshal(h(params))
		if err != nil {
			t.Errorf("marshal result: %v", err)
			return
		}
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func baseHandlers(engineResult, hash string) map[string]func(params map[string]interface{}) interface{} {
	return map[string]func(params map[string]interface{}) interface{}{
		"account_info": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{
				"account_data": map[string]interface{}{
					"Balance":  "250000000",
					"Sequence": 42,
				},
			}
		},
		"ledger": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{"ledger_index": 1000}
		},
		"submit": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{
				"engine_result":         engineResult,
				"engine_result_message": "test",
				"tx_json":               map[string]interface{}{"hash": hash},
			}
		},
	}
}

func newTestClient(t *testing.T, url string, signer chain.Signer) *Client {
	t.Helper()
	c, err := New(url, "", signer)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestSubmitPayment_SignsSequencedTxWithMemo(t *testing.T) {
	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	srv := newTestServer(t, baseHandlers("tesSUCCESS", "ABC123"))
	defer srv.Close()

	c := newTestClient(t, srv.URL, signer)
	sub, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:        "rPayer2222222222222222222222222222",
		Amount:    big.NewInt(100_000_000),
		Reference: "esc_x1:refund",
	})
	if err != nil {
		t.Fatalf("SubmitPayment failed: %v", err)
	}
	if sub.TxHash != "ABC123" {
		t.Errorf("TxHash = %s, want ABC123", sub.TxHash)
	}

	if len(signer.payloads) != 1 {
		t.Fatalf("expected 1 signed payload, got %d", len(signer.payloads))
	}
	var tx map[string]interface{}
	if err := json.Unmarshal(signer.payloads[0], &tx); err != nil {
		t.Fatalf("signed payload is not JSON: %v", err)
	}
	if tx["TransactionType"] != "Payment" {
		t.Errorf("TransactionType = %v", tx["TransactionType"])
	}
	if tx["Account"] != signer.addr {
		t.Errorf("Account = %v, want broker address", tx["Account"])
	}
	if tx["Sequence"] != float64(42) {
		t.Errorf("Sequence = %v, want 42", tx["Sequence"])
	}
	if tx["LastLedgerSequence"] != float64(1020) {
		t.Errorf("LastLedgerSequence = %v, want 1020", tx["LastLedgerSequence"])
	}
	if tx["Amount"] != "100000000" {
		t.Errorf("Amount = %v, want 100000000", tx["Amount"])
	}

	wantMemo := strings.ToUpper(hex.EncodeToString([]byte("esc_x1:refund")))
	raw, _ := json.Marshal(tx["Memos"])
	if !strings.Contains(string(raw), wantMemo) {
		t.Errorf("memo %s not found in %s", wantMemo, raw)
	}
}

func TestSubmitPayment_TerminalOnTecResult(t *testing.T) {
	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	srv := newTestServer(t, baseHandlers("tecUNFUNDED_PAYMENT", "DEAD"))
	defer srv.Close()

	c := newTestClient(t, srv.URL, signer)
	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:     "rPayer2222222222222222222222222222",
		Amount: big.NewInt(5),
	})
	if !chain.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if got := chain.TerminalReason(err); got != "insufficient_funds" {
		t.Errorf("reason = %s, want insufficient_funds", got)
	}
}

func TestSubmitPayment_RecoverableOnTerResult(t *testing.T) {
	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	srv := newTestServer(t, baseHandlers("terQUEUED", "QUEUED1"))
	defer srv.Close()

	c := newTestClient(t, srv.URL, signer)
	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{
		To:     "rPayer2222222222222222222222222222",
		Amount: big.NewInt(5),
	})
	if !chain.IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}
}

func TestSubmitPayment_RejectsNonPositiveAmount(t *testing.T) {
	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	c := newTestClient(t, "http://127.0.0.1:1", signer)

	_, err := c.SubmitPayment(context.Background(), chain.PaymentReq{To: "rX", Amount: big.NewInt(0)})
	if !chain.IsTerminal(err) {
		t.Fatalf("expected terminal error for zero amount, got %v", err)
	}
}

func TestGetStatus_ConfirmationDepth(t *testing.T) {
	handlers := map[string]func(params map[string]interface{}) interface{}{
		"tx": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{
				"hash":         "ABC123",
				"validated":    true,
				"ledger_index": 995,
				"meta": map[string]interface{}{
					"TransactionResult": "tesSUCCESS",
					"delivered_amount":  "100000000",
				},
			}
		},
		"ledger": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{"ledger_index": 1000}
		},
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	status, err := c.GetStatus(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Found || !status.Succeeded {
		t.Errorf("expected found+succeeded, got %+v", status)
	}
	if status.Confirmations != 6 {
		t.Errorf("Confirmations = %d, want 6", status.Confirmations)
	}
	if status.BlockHeight != 995 {
		t.Errorf("BlockHeight = %d, want 995", status.BlockHeight)
	}
	if status.Amount == nil || status.Amount.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("Amount = %v, want 100000000", status.Amount)
	}
}

func TestGetStatus_NotFoundIsNotAnError(t *testing.T) {
	handlers := map[string]func(params map[string]interface{}) interface{}{
		"tx": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{
				"error":         "txnNotFound",
				"error_message": "Transaction not found.",
			}
		},
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	status, err := c.GetStatus(context.Background(), "MISSING")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Found {
		t.Error("expected Found=false for unknown hash")
	}
}

func TestGetStatus_TransportFailure(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &fakeSigner{addr: "rBroker"})
	if _, err := c.GetStatus(context.Background(), "ABC"); !chain.IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}
}

func TestCreateOffer_ReturnsLedgerAssignedOfferID(t *testing.T) {
	handlers := baseHandlers("tesSUCCESS", "OFFERTX1")
	handlers["tx"] = func(params map[string]interface{}) interface{} {
		return map[string]interface{}{
			"hash":         "OFFERTX1",
			"validated":    true,
			"ledger_index": 1001,
			"meta": map[string]interface{}{
				"TransactionResult": "tesSUCCESS",
				"offer_id":          "OFFERID99",
			},
		}
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	c := newTestClient(t, srv.URL, signer)
	res, err := c.CreateOffer(context.Background(), chain.OfferReq{
		Taker:     "rOwner3333333333333333333333333333",
		Owner:     "rOwner3333333333333333333333333333",
		AssetID:   "000800006203F49C21D5D6E022CB16DE3538F248662FC73C",
		Amount:    big.NewInt(98_411_000),
		Reference: "esc_x1:offer",
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if res.OfferID != "OFFERID99" {
		t.Errorf("OfferID = %s, want OFFERID99", res.OfferID)
	}
	if res.TxHash != "OFFERTX1" {
		t.Errorf("TxHash = %s, want OFFERTX1", res.TxHash)
	}

	// Buy offer: Owner set, no sell flag.
	var tx map[string]interface{}
	if err := json.Unmarshal(signer.payloads[0], &tx); err != nil {
		t.Fatalf("signed payload: %v", err)
	}
	if tx["Owner"] != "rOwner3333333333333333333333333333" {
		t.Errorf("Owner = %v", tx["Owner"])
	}
	if _, hasFlags := tx["Flags"]; hasFlags {
		t.Error("buy offer must not carry the sell flag")
	}
}

func TestAcceptOffer_SubmitsAcceptWithReference(t *testing.T) {
	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	srv := newTestServer(t, baseHandlers("tesSUCCESS", "ACCEPT1"))
	defer srv.Close()

	c := newTestClient(t, srv.URL, signer)
	sub, err := c.AcceptOffer(context.Background(), chain.AcceptReq{
		OfferID:   "OFFERID99",
		Reference: "esc_s1:accept",
	})
	if err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if sub.TxHash != "ACCEPT1" {
		t.Errorf("TxHash = %s, want ACCEPT1", sub.TxHash)
	}

	var tx map[string]interface{}
	if err := json.Unmarshal(signer.payloads[0], &tx); err != nil {
		t.Fatalf("signed payload: %v", err)
	}
	if tx["TransactionType"] != "NFTokenAcceptOffer" {
		t.Errorf("TransactionType = %v", tx["TransactionType"])
	}
	if tx["NFTokenSellOffer"] != "OFFERID99" {
		t.Errorf("NFTokenSellOffer = %v", tx["NFTokenSellOffer"])
	}
}

func TestFindAcceptance_MatchesOfferID(t *testing.T) {
	handlers := map[string]func(params map[string]interface{}) interface{}{
		"account_tx": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{
				"transactions": []interface{}{
					map[string]interface{}{
						"validated": true,
						"tx": map[string]interface{}{
							"hash":            "PAY1",
							"TransactionType": "Payment",
							"Amount":          "7",
						},
						"meta": map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
					map[string]interface{}{
						"validated": true,
						"tx": map[string]interface{}{
							"hash":             "TAKER9",
							"TransactionType":  "NFTokenAcceptOffer",
							"NFTokenBuyOffer":  "OFFERID99",
							"NFTokenSellOffer": "",
						},
						"meta": map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
				},
			}
		},
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	sub, err := c.FindAcceptance(context.Background(), chain.AcceptanceQuery{
		OfferID: "OFFERID99",
		AssetID: "TOKEN77",
	})
	if err != nil {
		t.Fatalf("FindAcceptance failed: %v", err)
	}
	if sub.TxHash != "TAKER9" {
		t.Errorf("TxHash = %s, want TAKER9", sub.TxHash)
	}
}

func TestFindAcceptance_NothingLanded(t *testing.T) {
	handlers := map[string]func(params map[string]interface{}) interface{}{
		"account_tx": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{"transactions": []interface{}{}}
		},
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	_, err := c.FindAcceptance(context.Background(), chain.AcceptanceQuery{OfferID: "NOPE"})
	if !errors.Is(err, chain.ErrNoSubmission) {
		t.Fatalf("expected ErrNoSubmission, got %v", err)
	}
}

func TestMintAsset_ReturnsTokenID(t *testing.T) {
	handlers := baseHandlers("tesSUCCESS", "MINTTX1")
	handlers["tx"] = func(params map[string]interface{}) interface{} {
		return map[string]interface{}{
			"hash":         "MINTTX1",
			"validated":    true,
			"ledger_index": 1002,
			"meta": map[string]interface{}{
				"TransactionResult": "tesSUCCESS",
				"nftoken_id":        "TOKEN77",
			},
		}
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	signer := &fakeSigner{addr: "rBroker111111111111111111111111111"}
	c := newTestClient(t, srv.URL, signer)
	sub, err := c.MintAsset(context.Background(), chain.MintReq{
		AssetURI:  "ipfs://riddle/1",
		Reference: "esc_m1:mint",
	})
	if err != nil {
		t.Fatalf("MintAsset failed: %v", err)
	}
	if sub.AssetID != "TOKEN77" {
		t.Errorf("AssetID = %s, want TOKEN77", sub.AssetID)
	}
	if sub.TxHash != "MINTTX1" {
		t.Errorf("TxHash = %s, want MINTTX1", sub.TxHash)
	}
}

func TestLookupSubmission_MatchesMemo(t *testing.T) {
	ref := "esc_x1:refund"
	memo := strings.ToUpper(hex.EncodeToString([]byte(ref)))
	handlers := map[string]func(params map[string]interface{}) interface{}{
		"account_tx": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{
				"transactions": []interface{}{
					map[string]interface{}{
						"validated": true,
						"tx": map[string]interface{}{
							"hash":            "OTHER",
							"TransactionType": "Payment",
							"Amount":          "5",
						},
						"meta": map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
					map[string]interface{}{
						"validated": true,
						"tx": map[string]interface{}{
							"hash":            "FOUND1",
							"TransactionType": "Payment",
							"Amount":          "100000000",
							"Memos": []interface{}{
								map[string]interface{}{
									"Memo": map[string]interface{}{"MemoData": memo},
								},
							},
						},
						"meta": map[string]interface{}{"TransactionResult": "tesSUCCESS"},
					},
				},
			}
		},
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	sub, err := c.LookupSubmission(context.Background(), ref)
	if err != nil {
		t.Fatalf("LookupSubmission failed: %v", err)
	}
	if sub.TxHash != "FOUND1" {
		t.Errorf("TxHash = %s, want FOUND1", sub.TxHash)
	}
	if sub.Amount == nil || sub.Amount.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("Amount = %v, want 100000000", sub.Amount)
	}
}

func TestLookupSubmission_NoMatch(t *testing.T) {
	handlers := map[string]func(params map[string]interface{}) interface{}{
		"account_tx": func(params map[string]interface{}) interface{} {
			return map[string]interface{}{"transactions": []interface{}{}}
		},
	}
	srv := newTestServer(t, handlers)
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	_, err := c.LookupSubmission(context.Background(), "esc_none:offer")
	if !errors.Is(err, chain.ErrNoSubmission) {
		t.Fatalf("expected ErrNoSubmission, got %v", err)
	}
}

func TestBalance(t *testing.T) {
	srv := newTestServer(t, baseHandlers("tesSUCCESS", ""))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSigner{addr: "rBroker"})
	bal, err := c.Balance(context.Background(), "rBroker")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Errorf("Balance = %v, want 250000000", bal)
	}
}
