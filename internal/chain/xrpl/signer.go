package xrpl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
)

// NodeSigner signs transactions through a rippled admin endpoint's sign
// method. The engine hands it a prepared tx_json payload and gets back the
// signed blob; the account secret never crosses the engine boundary in
// either direction, it stays inside the signer.
type NodeSigner struct {
	rpcURL  string
	address string
	secret  string
	http    *http.Client
}

// NewNodeSigner creates a signer for the broker account backed by a rippled
// admin endpoint.
func NewNodeSigner(rpcURL, address, secret string) (*NodeSigner, error) {
	if rpcURL == "" {
		return nil, errors.New("xrpl: signer RPC URL required")
	}
	if address == "" || secret == "" {
		return nil, errors.New("xrpl: signer address and secret required")
	}
	return &NodeSigner{
		rpcURL:  rpcURL,
		address: address,
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

var _ chain.Signer = (*NodeSigner)(nil)

// Address returns the broker's classic address.
func (s *NodeSigner) Address() string { return s.address }

type signResult struct {
	TxBlob string `json:"tx_blob"`
	Error  string `json:"error"`
}

// Sign submits the prepared tx_json to the node's sign method and returns
// the raw signed blob bytes.
func (s *NodeSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	var txJSON map[string]interface{}
	if err := json.Unmarshal(payload, &txJSON); err != nil {
		return nil, fmt.Errorf("xrpl: sign payload is not tx json: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"method": "sign",
		"params": []interface{}{map[string]interface{}{
			"secret":  s.secret,
			"tx_json": txJSON,
		}},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xrpl: sign status %d", resp.StatusCode)
	}

	var envelope struct {
		Result signResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope.Result.Error != "" {
		return nil, fmt.Errorf("xrpl: sign failed: %s", envelope.Result.Error)
	}
	if envelope.Result.TxBlob == "" {
		return nil, errors.New("xrpl: sign returned no blob")
	}
	blob, err := hex.DecodeString(strings.TrimSpace(envelope.Result.TxBlob))
	if err != nil {
		return nil, fmt.Errorf("xrpl: sign returned non-hex blob: %w", err)
	}
	return blob, nil
}
