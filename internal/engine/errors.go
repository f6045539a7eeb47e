package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/RecipePlayground/internal/payment"
	"github.com/digkill/RecipePlayground/internal/recipeapi"
)

var (
	ErrNotExecutable    = errors.New("step is not executable")
	ErrQuotaUnavailable = errors.New("quota status is still loading")
	ErrLoginRequired    = errors.New("login required")
	ErrBusy             = errors.New("an execution is already in progress")
	ErrNoPaymentPending = errors.New("no payment is pending")
	ErrNothingToRetry   = errors.New("nothing to retry")
)

// ErrorKind classifies terminal failures of a session.
type ErrorKind string

const (
	KindTransport     ErrorKind = "transport"
	KindUpstream      ErrorKind = "upstream"
	KindPaymentSetup  ErrorKind = "payment_setup"
	KindPaymentFailed ErrorKind = "payment_failed"
)

// ExecutionError is the error retained by a session in the Failed phase.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the execution itself can help.
func (e *ExecutionError) Retryable() bool {
	return e.Kind != KindPaymentSetup
}

func classify(err error) *ExecutionError {
	var apiErr *recipeapi.APIError
	switch {
	case errors.As(err, &apiErr):
		return &ExecutionError{Kind: KindUpstream, Message: apiErr.Display(), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ExecutionError{Kind: KindTransport, Message: "execution was interrupted", Err: err}
	default:
		return &ExecutionError{Kind: KindTransport, Message: "network error", Err: err}
	}
}

func paymentError(outcome payment.Outcome) *ExecutionError {
	if outcome.IsSetupFailure() {
		return &ExecutionError{Kind: KindPaymentSetup, Message: "payment is not available right now", Err: outcome.Err}
	}
	return &ExecutionError{Kind: KindPaymentFailed, Message: "payment failed", Err: outcome.Err}
}
