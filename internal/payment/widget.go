package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrCancelled = errors.New("payment cancelled by user")
	ErrSetup     = errors.New("payment setup failed")
)

// WidgetRequest is what the external payment widget needs to start a charge.
type WidgetRequest struct {
	Method     string
	Amount     int
	Currency   string
	OrderID    string
	OrderName  string
	SuccessURL string
	FailURL    string
}

// Widget is the external payment SDK. RequestPayment blocks until the payment
// completes out of band, the user cancels, or the widget fails locally.
type Widget interface {
	Load(ctx context.Context) error
	RequestPayment(ctx context.Context, req WidgetRequest) (token string, err error)
}

// SetupError means the widget cannot be used until configuration is fixed.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment setup: %s: %v", e.Reason, e.Err)
	}
	return "payment setup: " + e.Reason
}

func (e *SetupError) Unwrap() error { return e.Err }

func (e *SetupError) Is(target error) bool { return target == ErrSetup }

// loadTimeout bounds a shared widget load. The load outlives the caller that
// started it, so no single caller's deadline applies.
const loadTimeout = 30 * time.Second

// Loader loads a widget at most once per process. Concurrent callers share a
// single in-flight load; a failed load is retried by the next caller. A
// caller that gives up stops waiting but does not abort the load for others.
type Loader struct {
	widget Widget
	group  singleflight.Group
	loaded atomic.Bool
}

func NewLoader(widget Widget) *Loader {
	return &Loader{widget: widget}
}

func (l *Loader) Ensure(ctx context.Context) error {
	if l.loaded.Load() {
		return nil
	}
	ch := l.group.DoChan("load", func() (any, error) {
		if l.loaded.Load() {
			return nil, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		if err := l.widget.Load(loadCtx); err != nil {
			return nil, err
		}
		l.loaded.Store(true)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return nil
		}
		var setupErr *SetupError
		if errors.As(res.Err, &setupErr) {
			return res.Err
		}
		return &SetupError{Reason: "load payment widget", Err: res.Err}
	}
}

func (l *Loader) Loaded() bool {
	return l.loaded.Load()
}

func (l *Loader) Widget() Widget {
	return l.widget
}

// IsCancellation reports whether err is the user backing out of a payment
// rather than a failure. Widgets that only report cancellation by message are
// matched on its text.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel")
}
