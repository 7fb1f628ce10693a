// Package validation provides request validation for the exchange API:
// per-chain address shapes, amount grammar, and request body guards.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/gin-gonic/gin"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
)

// Request body limits.
const (
	MaxRequestSize  = 1 << 20 // 1 MiB
	MaxReasonLength = 500     // free-text reason and note fields
)

var (
	ethAddress = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// xrplAddress matches classic addresses over the ripple base58 alphabet
	// (no 0, O, I, l).
	xrplAddress = regexp.MustCompile(`^r[rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz]{24,34}$`)
	// txHash matches 64 hex chars for all three families, 0x prefix optional.
	txHash = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{64}$`)
)

// btcNets are the networks a BTC address may belong to. Validation accepts
// any of them; which network the engine actually talks to is an RPC-endpoint
// concern, not an address-shape concern.
var btcNets = []*chaincfg.Params{
	&chaincfg.MainNetParams,
	&chaincfg.TestNet3Params,
	&chaincfg.RegressionNetParams,
}

// RequestSizeMiddleware caps request body reads; a body past the limit
// fails the handler's bind call.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// IsValidAddress checks an address against the shape rules of one chain
// family. Unknown chain keys never validate.
func IsValidAddress(chainID, addr string) bool {
	switch chainID {
	case chain.ETH:
		return ethAddress.MatchString(addr)
	case chain.XRPL:
		return xrplAddress.MatchString(addr)
	case chain.BTC:
		return validBTC(addr)
	default:
		return false
	}
}

// validBTC reports whether addr decodes as base58 or bech32 on any
// supported network.
func validBTC(addr string) bool {
	for _, params := range btcNets {
		if _, err := btcutil.DecodeAddress(addr, params); err == nil {
			return true
		}
	}
	return false
}

// IsValidTxHash checks if a string looks like a transaction hash.
func IsValidTxHash(s string) bool {
	return txHash.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes, and truncates to
// maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	return s[:min(len(s), maxLen)]
}

// FieldError names one rejected field and why.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every field rejection found in one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Checker accumulates field errors across one request so the caller gets
// every rejection at once. The zero value is ready to use.
type Checker struct {
	errs Errors
}

func (c *Checker) add(field, msg string) {
	c.errs = append(c.errs, FieldError{Field: field, Message: msg})
}

// Require rejects empty and all-whitespace values.
func (c *Checker) Require(field, value string) {
	if strings.TrimSpace(value) == "" {
		c.add(field, "is required")
	}
}

// Address rejects values not well formed on the given chain. Empty values
// pass; pair with Require when the field is mandatory.
func (c *Checker) Address(chainID, field, value string) {
	if value != "" && !IsValidAddress(chainID, value) {
		c.add(field, "must be a valid "+chainID+" address")
	}
}

// TxHash rejects values that do not look like a transaction hash.
func (c *Checker) TxHash(field, value string) {
	if value != "" && !IsValidTxHash(value) {
		c.add(field, "must be a 64-char hex transaction hash")
	}
}

// Amount rejects values that are not positive decimal amounts.
func (c *Checker) Amount(field, value string) {
	if value != "" && !isAmount(value) {
		c.add(field, "must be a positive decimal amount")
	}
}

// MaxLen rejects values longer than max bytes.
func (c *Checker) MaxLen(field, value string, max int) {
	if len(value) > max {
		c.add(field, "exceeds maximum length")
	}
}

// Err returns the collected rejections, or nil when every check passed.
func (c *Checker) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

// Fields returns the rejections for JSON rendering.
func (c *Checker) Fields() Errors {
	return c.errs
}

// isAmount reports whether s is a plain decimal with digits on both sides
// of an optional point and at least one nonzero digit.
func isAmount(s string) bool {
	intPart, frac, dotted := strings.Cut(s, ".")
	if intPart == "" || (dotted && frac == "") {
		return false
	}
	nonzero := false
	for _, part := range [2]string{intPart, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
			if r != '0' {
				nonzero = true
			}
		}
	}
	return nonzero
}
