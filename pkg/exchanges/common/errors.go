package common

import (
	"errors"
	"fmt"
)

// Error classes surfaced by exchange clients. Match with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrClockSkew        = errors.New("clock skew")
	ErrBadRequest       = errors.New("exchange rejected request")
	ErrRateLimited      = errors.New("rate limited")
	ErrAuth             = errors.New("authentication failed")
	ErrForbidden        = errors.New("forbidden")
	ErrExchangeDown     = errors.New("exchange unavailable")
	ErrNotFound         = errors.New("order not found")
	ErrAmbiguousOutcome = errors.New("ambiguous outcome")
)

// ExchangeError carries the exchange's raw code and message.
type ExchangeError struct {
	Class   error
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Class, e.Message)
	}
	return fmt.Sprintf("%s: %v (status %d, code %d): %s", e.Op, e.Class, e.Status, e.Code, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Class }

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ClockSkewError reports a local clock too far from the server's.
type ClockSkewError struct {
	DriftMs      int64
	RecvWindowMs int64
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("clock drift %dms exceeds recvWindow %dms", e.DriftMs, e.RecvWindowMs)
}

func (e *ClockSkewError) Unwrap() error { return ErrClockSkew }

// ErrorClass returns a short metric label for err.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrClockSkew):
		return "clock_skew"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAmbiguousOutcome):
		return "ambiguous"
	case errors.Is(err, ErrExchangeDown):
		return "exchange_down"
	default:
		return "other"
	}
}
