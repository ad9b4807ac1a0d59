package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// LedgerErrorKind classification of a ledger gateway failure
type LedgerErrorKind string

const (
	LedgerErrorTransient    LedgerErrorKind = "transient"              // retry next loop
	LedgerErrorHistoryLimit LedgerErrorKind = "history_limit_exceeded" // block outside the node's retained history
	LedgerErrorAlreadyKnown LedgerErrorKind = "already_known"          // broadcast: tx already in the pool or chain
	LedgerErrorNonceTooLow  LedgerErrorKind = "nonce_too_low"          // broadcast: nonce already consumed
	LedgerErrorTimeout      LedgerErrorKind = "timeout"                // call deadline hit, outcome unknown
	LedgerErrorFatal        LedgerErrorKind = "fatal"
)

// LedgerError tagged error returned by every LedgerClient method
type LedgerError struct {
	Kind LedgerErrorKind
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewLedgerError builds a tagged error, mainly for gateway fakes
func NewLedgerError(kind LedgerErrorKind, op string, err error) *LedgerError {
	return &LedgerError{Kind: kind, Op: op, Err: err}
}

// LedgerErrorKindOf returns the tag of err, or "" when err is not a ledger error
func LedgerErrorKindOf(err error) LedgerErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsHistoryLimit reports a block query outside the retained history window
func IsHistoryLimit(err error) bool {
	return LedgerErrorKindOf(err) == LedgerErrorHistoryLimit
}

// IsAlreadyKnown reports a broadcast of a transaction the node already has
func IsAlreadyKnown(err error) bool {
	return LedgerErrorKindOf(err) == LedgerErrorAlreadyKnown
}

// IsNonceTooLow reports a broadcast whose nonce is already consumed
func IsNonceTooLow(err error) bool {
	return LedgerErrorKindOf(err) == LedgerErrorNonceTooLow
}

// IsTimeout reports a call that hit its deadline
func IsTimeout(err error) bool {
	return LedgerErrorKindOf(err) == LedgerErrorTimeout
}

var (
	alreadyKnownTokens = []string{"already known", "known transaction", "already imported", "alreadyknown", "already exists"}
	nonceTooLowTokens  = []string{"nonce too low", "nonce is too low", "oldnonce"}
	historyTokens      = []string{"missing trie node", "pruned history unavailable"}
	transientTokens    = []string{"timeout", "connection refused", "connection reset", "rate limit", "too many requests", "eof", "temporarily", "unavailable", "502", "503", "504"}
)

// isHistoryLimitMessage matches the node answers for data outside its retained
// history, e.g. "historical state 0x.. is not available" or
// "required historical state unavailable (reexec=128)"
func isHistoryLimitMessage(lower string) bool {
	if containsAny(lower, historyTokens) {
		return true
	}
	i := strings.Index(lower, "historical state")
	return i >= 0 && containsAny(lower[i:], []string{"not available", "unavailable"})
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// classifyLedgerError tags err coming out of op.
// Unknown read failures are transient; unknown broadcast failures are fatal.
func classifyLedgerError(op string, err error, broadcast bool) error {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}

	kind := classify(err, broadcast)
	return &LedgerError{Kind: kind, Op: op, Err: err}
}

func classify(err error, broadcast bool) LedgerErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return LedgerErrorTimeout
	}
	if errors.Is(err, context.Canceled) {
		return LedgerErrorTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return LedgerErrorTimeout
	}

	lower := strings.ToLower(err.Error())
	if broadcast {
		if containsAny(lower, alreadyKnownTokens) {
			return LedgerErrorAlreadyKnown
		}
		if containsAny(lower, nonceTooLowTokens) {
			return LedgerErrorNonceTooLow
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return LedgerErrorTransient
		}
	}

	if !broadcast && isHistoryLimitMessage(lower) {
		return LedgerErrorHistoryLimit
	}
	if containsAny(lower, transientTokens) {
		return LedgerErrorTransient
	}
	if broadcast {
		return LedgerErrorFatal
	}
	return LedgerErrorTransient
}
