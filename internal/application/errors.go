package application

import (
	"context"
	"errors"
	"strings"
)

// Failure taxonomy for dispatcher submissions. ErrSubmissionTimeout means
// the outcome is unknown, not that the transaction failed; callers must not
// treat it as a definite failure.
var (
	ErrConnectivityExhausted = errors.New("all rpc endpoints unreachable")
	ErrInsufficientFunds     = errors.New("insufficient funds for gas")
	ErrSubmissionTimeout     = errors.New("transaction inclusion timed out")
	ErrExecutionReverted     = errors.New("execution reverted")
	ErrUserRejected          = errors.New("signer rejected transaction")
)

type failureClass int

const (
	classConnectivity failureClass = iota
	classInsufficientFunds
	classTimeout
	classReverted
	classRejected
	classUnknown
)

// classify buckets a raw provider error by substring, the only signal the
// RPC surface gives us.
func classify(err error) failureClass {
	if err == nil {
		return classUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance"):
		return classInsufficientFunds
	case strings.Contains(msg, "revert"):
		return classReverted
	case strings.Contains(msg, "user denied") || strings.Contains(msg, "rejected"):
		return classRejected
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return classTimeout
	case strings.Contains(msg, "nonce"):
		return classConnectivity
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "refused") || strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "rpc status"):
		return classConnectivity
	default:
		return classUnknown
	}
}

// retryable reports whether the failure should move the dispatcher to the
// next endpoint rather than surface immediately.
func (c failureClass) retryable() bool {
	return c == classConnectivity || c == classTimeout
}

// UserMessage translates a submission failure into the one plain-language
// string shown to the player. A failed chain write is never presented as
// data loss; that wording is the caller's job.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrInsufficientFunds) || strings.Contains(msg, "insufficient funds"):
		return "Your wallet does not have enough funds to cover gas."
	case strings.Contains(msg, "already ended"):
		return "This game has already ended."
	case strings.Contains(msg, "wrong player") || strings.Contains(msg, "not the player"):
		return "Only the player who started this game can end it."
	case errors.Is(err, ErrUserRejected) || strings.Contains(msg, "rejected") || strings.Contains(msg, "user denied"):
		return "Transaction was rejected in your wallet."
	case errors.Is(err, ErrSubmissionTimeout) || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return "The network is slow right now. Your transaction may still go through."
	case strings.Contains(msg, "nonce"):
		return "Wallet is out of sync with the network. Please try again."
	default:
		return "Transaction failed. Please try again."
	}
}
