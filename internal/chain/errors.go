package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported marks an operation a chain family cannot perform.
	ErrUnsupported = errors.New("chain: operation not supported")

	// ErrUnknownChain is returned by the registry for unregistered keys.
	ErrUnknownChain = errors.New("chain: unknown chain")

	// ErrNoSubmission is returned by LookupSubmission when no broker
	// transaction carries the requested reference.
	ErrNoSubmission = errors.New("chain: no submission found")
)

// RecoverableError marks a transient failure: timeout, rate limit, RPC
// hiccup, nonce race. Callers retry with backoff; status never changes.
type RecoverableError struct {
	Chain string
	Op    string
	Err   error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("chain %s: %s failed (recoverable): %v", e.Chain, e.Op, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// TerminalError marks an unrecoverable failure: bad signature, insufficient
// funds, asset unavailable, double-spend. Callers abort toward refund.
type TerminalError struct {
	Chain  string
	Op     string
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain %s: %s failed (%s): %v", e.Chain, e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("chain %s: %s failed (%s)", e.Chain, e.Op, e.Reason)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Recoverable wraps err as a RecoverableError.
func Recoverable(chainID, op string, err error) error {
	return &RecoverableError{Chain: chainID, Op: op, Err: err}
}

// Terminal wraps err as a TerminalError with a short machine-readable reason.
func Terminal(chainID, op, reason string, err error) error {
	return &TerminalError{Chain: chainID, Op: op, Reason: reason, Err: err}
}

// IsRecoverable reports whether err is (or wraps) a RecoverableError.
func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}

// IsTerminal reports whether err is (or wraps) a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// TerminalReason extracts the reason from a TerminalError, or "" if err is
// not terminal.
func TerminalReason(err error) string {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// Outcome maps an adapter error to a metrics label: ok, terminal, or
// recoverable.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTerminal(err):
		return "terminal"
	default:
		return "recoverable"
	}
}
