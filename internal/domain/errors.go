package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for the engine's failure taxonomy. Callers match with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) preserves the class.
var (
	// Rejected: business-rule violations. The offending order is dropped and
	// the loop continues.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSignal     = errors.New("invalid signal")

	// Retryable: bounded retries, then accepted or escalated.
	ErrPartialFill = errors.New("partial fill")

	// Abort-Day: the current run halts, prior persisted state is untouched.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrStateCorrupt     = errors.New("state corrupt")

	// Fatal: unrecoverable invariant violations, e.g. negative share counts.
	ErrInvariant = errors.New("invariant violation")
)

// Severity buckets an error into the engine's handling policy.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityRejected
	SeverityRetryable
	SeverityAbortDay
	SeverityFatal
)

// String returns the severity name used in logs.
func (s Severity) String() string {
	switch s {
	case SeverityRejected:
		return "rejected"
	case SeverityRetryable:
		return "retryable"
	case SeverityAbortDay:
		return "abort_day"
	case SeverityFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify maps an error onto the taxonomy. Unknown errors default to
// Abort-Day: live runs prefer to skip a day over risking an incorrect trade.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeverityNone
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidSignal):
		return SeverityRejected
	case errors.Is(err, ErrPartialFill), isTransientNet(err):
		return SeverityRetryable
	case errors.Is(err, ErrSlippageExceeded), errors.Is(err, ErrAuthExpired), errors.Is(err, ErrStateCorrupt):
		return SeverityAbortDay
	case errors.Is(err, ErrInvariant):
		return SeverityFatal
	default:
		return SeverityAbortDay
	}
}

func isTransientNet(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// SlippageError carries the measured slippage that tripped the abort threshold.
type SlippageError struct {
	Symbol      string
	SlippagePct float64
	ThresholdPct float64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage exceeded for %s: %.4f >= %.4f", e.Symbol, e.SlippagePct, e.ThresholdPct)
}

// Unwrap lets errors.Is(err, ErrSlippageExceeded) match.
func (e *SlippageError) Unwrap() error { return ErrSlippageExceeded }
