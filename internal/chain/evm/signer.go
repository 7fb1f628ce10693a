package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
)

// KeySigner signs transaction digests with a locally held secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner creates a signer from a hex private key, with or without the
// 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(hexKey, "0x")
	if len(trimmed) != 64 {
		return nil, errors.New("evm: private key must be 64 hex characters")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("evm: invalid private key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

var _ chain.Signer = (*KeySigner)(nil)

// Address returns the broker's checksummed address.
func (s *KeySigner) Address() string { return s.address.Hex() }

// Sign produces a 65-byte [R || S || V] signature over a 32-byte digest.
func (s *KeySigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("evm: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, s.key)
}
