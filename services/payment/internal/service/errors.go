package service

import "errors"

var (
	ErrValidation         = errors.New("validation")            // 400
	ErrSignatureMismatch  = errors.New("signature mismatch")    // 400, permanent
	ErrForbidden          = errors.New("forbidden")             // 403
	ErrNotFound           = errors.New("not found")             // 404
	ErrConflict           = errors.New("conflict")              // 409
	ErrInvalidState       = errors.New("invalid payment state") // 409
	ErrGatewayRejected    = errors.New("gateway rejected")      // 502
	ErrGatewayUnavailable = errors.New("gateway unavailable")   // 503, retryable
)

// OrderError carries the payment record id of a failed order creation so
// the client can retry with it.
type OrderError struct {
	PaymentRecordID string
	Err             error
}

func (e *OrderError) Error() string { return e.Err.Error() }
func (e *OrderError) Unwrap() error { return e.Err }

// gatewayError tags a gateway failure with a service sentinel. The message
// stays the gateway's own; it already names the failure kind.
type gatewayError struct {
	kind error
	err  error
}

func (e *gatewayError) Error() string   { return e.err.Error() }
func (e *gatewayError) Unwrap() []error { return []error{e.kind, e.err} }

func wrapGateway(kind, err error) error { return &gatewayError{kind: kind, err: err} }
