// Package fees decomposes a gross escrow amount into broker fee, creator
// royalty, and net payee share.
//
// The decomposition always sums exactly to the gross amount. Royalty and
// net shares round down; the broker fee absorbs every rounding remainder,
// so the payee's share is never rounded up.
package fees

import (
	"errors"
	"math/big"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
)

// Percentages are carried as micro-percent: 1.589% == 1_589_000.
// percentScale is 100% in micro-percent.
const percentScale = 100_000_000

var (
	ErrInvalidPercent  = errors.New("fees: invalid percent")
	ErrPercentTooHigh  = errors.New("fees: fee and royalty exceed 100%")
	ErrNegativeAmount  = errors.New("fees: negative amount")
	ErrNetExceedsGross = errors.New("fees: net exceeds gross")
)

// Split is the exact decomposition of a gross amount.
type Split struct {
	BrokerFee *big.Int
	Royalty   *big.Int
	NetPayee  *big.Int
}

// ParsePercent converts a decimal percent string ("1.589") into
// micro-percent. Negative and malformed inputs are rejected.
func ParsePercent(s string) (*big.Int, bool) {
	return money.Parse(s)
}

// Compute splits gross by fee and royalty percentages (micro-percent).
// Nil percentages are treated as zero.
func Compute(gross, feePct, royaltyPct *big.Int) (*Split, error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if feePct == nil {
		feePct = big.NewInt(0)
	}
	if royaltyPct == nil {
		royaltyPct = big.NewInt(0)
	}
	if feePct.Sign() < 0 || royaltyPct.Sign() < 0 {
		return nil, ErrInvalidPercent
	}

	scale := big.NewInt(percentScale)
	combined := new(big.Int).Add(feePct, royaltyPct)
	if combined.Cmp(scale) > 0 {
		return nil, ErrPercentTooHigh
	}

	// royalty = floor(gross * royaltyPct / scale)
	royalty := new(big.Int).Mul(gross, royaltyPct)
	royalty.Quo(royalty, scale)

	// net = floor(gross * (scale - feePct - royaltyPct) / scale)
	net := new(big.Int).Sub(scale, combined)
	net.Mul(net, gross)
	net.Quo(net, scale)

	// Remainder lands in the broker fee.
	fee := new(big.Int).Sub(gross, royalty)
	fee.Sub(fee, net)

	return &Split{BrokerFee: fee, Royalty: royalty, NetPayee: net}, nil
}

// FromNet builds a split from explicit gross and net amounts (mint escrows
// quote a creator payout rather than a percentage). Royalty may be nil.
// The broker fee is whatever remains.
func FromNet(gross, net, royalty *big.Int) (*Split, error) {
	if gross == nil || gross.Sign() < 0 || net == nil || net.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if royalty == nil {
		royalty = big.NewInt(0)
	}
	if royalty.Sign() < 0 {
		return nil, ErrNegativeAmount
	}

	spoken := new(big.Int).Add(net, royalty)
	if spoken.Cmp(gross) > 0 {
		return nil, ErrNetExceedsGross
	}

	fee := new(big.Int).Sub(gross, spoken)
	return &Split{
		BrokerFee: fee,
		Royalty:   new(big.Int).Set(royalty),
		NetPayee:  new(big.Int).Set(net),
	}, nil
}

// Sum returns fee + royalty + net. Valid splits sum to the gross amount.
func (s *Split) Sum() *big.Int {
	total := new(big.Int).Add(s.BrokerFee, s.Royalty)
	return total.Add(total, s.NetPayee)
}
