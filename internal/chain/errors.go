package chain

import "strings"

// Kind classifies an execution-layer error for the Tx Executor's retry
// policy, per the taxonomy in spec section 7.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindRateLimited
	KindStaleBlockhash
	KindInsufficientBalance
	KindQuoteUnavailable
	KindOnChainProgramError
	KindUnauthorized
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindStaleBlockhash:
		return "stale_blockhash"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindQuoteUnavailable:
		return "quote_unavailable"
	case KindOnChainProgramError:
		return "on_chain_program_error"
	case KindUnauthorized:
		return "unauthorized"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the Tx Executor should retry an attempt that
// failed with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindStaleBlockhash:
		return true
	default:
		return false
	}
}

// ClassifiedError pairs a Kind with the underlying message, used throughout
// the scheduler and executor instead of raw errors so callers never inspect
// error strings a second time.
type ClassifiedError struct {
	Kind    Kind
	Message string
}

func (e *ClassifiedError) Error() string { return e.Message }

// ClassifyError maps a raw error's text to a Kind, matching on the same
// substrings the bonding-curve swap path surfaces at the RPC/HTTP boundary.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	raw := err.Error()
	ce := &ClassifiedError{Message: raw}

	switch {
	case containsAny(raw, "blockhash not found", "block height exceeded", "not confirmed", "blockhashexpired"):
		ce.Kind = KindStaleBlockhash
	case containsAny(raw, "429", "rate limit", "too many requests"):
		ce.Kind = KindRateLimited
	case containsAny(raw, "timeout", "connection refused", "connection reset", "503", "502", "unavailable", "eof",
		"simulation failed", "simulation-failed", "simulation timeout", "simulation-timeout"):
		ce.Kind = KindTransientNetwork
	case containsAny(raw, "insufficient funds", "insufficient lamports", "no record of a prior credit"):
		ce.Kind = KindInsufficientBalance
	case containsAny(raw, "no route", "quote unavailable", "no liquidity"):
		ce.Kind = KindQuoteUnavailable
	case containsAny(raw, "not authorized", "unauthorized", "wallet not found", "401", "403", "404"):
		ce.Kind = KindUnauthorized
	case containsAny(raw, "custom program error", "instructionerror"):
		ce.Kind = KindOnChainProgramError
	default:
		ce.Kind = KindFatal
	}
	return ce
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
