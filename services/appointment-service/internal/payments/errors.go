package payments

import (
	"errors"
	"fmt"
)

// Kind separates tenant misconfiguration (non-retryable, caller must fix
// settings) from processor-side failures (retryable via Retry Payment).
type Kind int

const (
	KindConfig Kind = iota + 1
	KindGateway
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payments: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrPaymentsDisabled  = errors.New("payments are not enabled for this organization")
	ErrMissingCredential = errors.New("organization has no processor secret key configured")
	ErrMissingPriceID    = errors.New("appointment type has no price id configured")
)

func configErr(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

func gatewayErr(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, Err: err}
}

// IsConfig reports whether err is a tenant configuration error.
func IsConfig(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindConfig
}

// IsGateway reports whether err is a processor-side (network/API) error.
func IsGateway(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindGateway
}
