package models

import "errors"

var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrRideNotFound        = errors.New("ride not found")
	ErrRideAlreadyTaken    = errors.New("ride already taken")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNoDriversAvailable  = errors.New("no drivers available")
	ErrBadRequest          = errors.New("bad request")
)

// Error codes carried in error envelopes.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeUnauthorized         = "unauthorized"
	CodeInvalidTransition    = "invalid_transition"
	CodeRideNotFound         = "ride_not_found"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeBadRequest           = "bad_request"
	CodeInternal             = "internal"
)

// ErrorCode classifies err into the code sent back to the client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrRideNotFound):
		return CodeRideNotFound
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrNoDriversAvailable):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
