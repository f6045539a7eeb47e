// Package payment creates payment orders and drives the external payment
// widget once the free allowance is exhausted.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/pkg/metrics"
)

// OrderCreator creates a payment order on the server.
type OrderCreator interface {
	CreateOrder(ctx context.Context, recipeSlug string, step int, toolSlug string) (models.PaymentOrder, error)
}

type Status int

const (
	StatusSuccess Status = iota + 1
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one payment attempt.
type Outcome struct {
	Status Status
	Token  string
	Err    error
}

func Success(token string) Outcome { return Outcome{Status: StatusSuccess, Token: token} }
func Cancelled() Outcome           { return Outcome{Status: StatusCancelled} }
func Failed(err error) Outcome     { return Outcome{Status: StatusFailed, Err: err} }

// IsSetupFailure reports whether the attempt failed because the widget
// cannot be used at all.
func (o Outcome) IsSetupFailure() bool {
	return o.Status == StatusFailed && errors.Is(o.Err, ErrSetup)
}

type Config struct {
	Method     string
	SuccessURL string
	FailURL    string
}

type Gate struct {
	orders OrderCreator
	loader *Loader
	cfg    Config
	log    *slog.Logger
}

func NewGate(orders OrderCreator, loader *Loader, cfg Config, log *slog.Logger) *Gate {
	if cfg.Method == "" {
		cfg.Method = "CARD"
	}
	return &Gate{orders: orders, loader: loader, cfg: cfg, log: log}
}

// CreateOrder asks the server for a new order. Orders are never reused across
// attempts.
func (g *Gate) CreateOrder(ctx context.Context, recipeSlug string, step int, toolSlug string) (models.PaymentOrder, error) {
	order, err := g.orders.CreateOrder(ctx, recipeSlug, step, toolSlug)
	if err != nil {
		return models.PaymentOrder{}, fmt.Errorf("create payment order: %w", err)
	}
	if order.OrderID == "" {
		return models.PaymentOrder{}, fmt.Errorf("create payment order: empty order id")
	}
	return order, nil
}

// RequestPayment hands order to the widget and waits for the outcome. There is
// no timeout here; the wait ends with the user, the widget, or ctx.
func (g *Gate) RequestPayment(ctx context.Context, order models.PaymentOrder) Outcome {
	outcome := g.requestPayment(ctx, order)
	metrics.PaymentOutcomes.WithLabelValues(outcome.Status.String()).Inc()
	if g.log != nil {
		if outcome.Status == StatusFailed {
			g.log.Error("payment failed", "order_id", order.OrderID, "err", outcome.Err)
		} else {
			g.log.Info("payment finished", "order_id", order.OrderID, "status", outcome.Status.String())
		}
	}
	return outcome
}

func (g *Gate) requestPayment(ctx context.Context, order models.PaymentOrder) Outcome {
	if err := g.loader.Ensure(ctx); err != nil {
		if ctx.Err() != nil {
			return Cancelled()
		}
		return Failed(err)
	}

	token, err := g.loader.Widget().RequestPayment(ctx, WidgetRequest{
		Method:     g.cfg.Method,
		Amount:     order.AmountMinorUnits,
		Currency:   order.Currency,
		OrderID:    order.OrderID,
		OrderName:  order.DisplayName,
		SuccessURL: g.cfg.SuccessURL,
		FailURL:    g.cfg.FailURL,
	})
	if err != nil {
		if IsCancellation(err) || ctx.Err() != nil {
			return Cancelled()
		}
		return Failed(err)
	}
	if token == "" {
		return Failed(errors.New("payment widget returned an empty token"))
	}
	return Success(token)
}

// Pay creates a fresh order for req and requests payment for it.
func (g *Gate) Pay(ctx context.Context, req models.ExecutionRequest) Outcome {
	order, err := g.CreateOrder(ctx, req.RecipeSlug, req.StepNumber, req.ToolSlug)
	if err != nil {
		if ctx.Err() != nil {
			return Cancelled()
		}
		metrics.PaymentOutcomes.WithLabelValues(StatusFailed.String()).Inc()
		if g.log != nil {
			g.log.Error("payment order failed", "recipe", req.RecipeSlug, "step", req.StepNumber, "err", err)
		}
		return Failed(err)
	}
	return g.RequestPayment(ctx, order)
}
