package service

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentRequired  = errors.New("free limit reached, payment required")
	ErrInvalidPayment   = errors.New("payment is not valid for this execution")
	ErrUnsupportedTool  = errors.New("tool is not executable by this endpoint")
	ErrOrderNotFound    = errors.New("order not found")
	ErrForbidden        = errors.New("order belongs to another user")
	ErrAlreadyProcessed = errors.New("order already processed")
	ErrInvalidAmount    = errors.New("amount does not match the execution price")
)

// LimitError reports the counters behind a refused free execution.
type LimitError struct {
	Used  int
	Limit int
	Price int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("free limit reached: %d/%d used", e.Used, e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrPaymentRequired }

const (
	CodeAIUnavailable  = "AI_UNAVAILABLE"
	CodeImageGenFailed = "IMAGE_GENERATION_FAILED"
)

// BackendError wraps a failure of the model backends.
type BackendError struct {
	Code string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
