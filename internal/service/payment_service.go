package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/pkg/metrics"
)

type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	FindByPaymentKey(ctx context.Context, paymentKey string) (*models.Payment, error)
	Confirm(ctx context.Context, orderID, paymentKey, method string) (bool, error)
	MarkCancelledByOrder(ctx context.Context, orderID string) error
	MarkRefundedByKey(ctx context.Context, paymentKey string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Payment, error)
}

type PaymentConfig struct {
	Price       int
	Currency    string
	OrderPrefix string
}

const (
	orderName         = "Recipe step execution (1 run)"
	paymentListLimit  = 50
	webhookStatusType = "PAYMENT_STATUS_CHANGED"
)

type PaymentService struct {
	cfg      PaymentConfig
	log      *slog.Logger
	payments PaymentStore
	usage    UsageStore
	now      func() time.Time
}

func NewPaymentService(cfg PaymentConfig, log *slog.Logger, payments PaymentStore, usage UsageStore) *PaymentService {
	if cfg.OrderPrefix == "" {
		cfg.OrderPrefix = "recipe"
	}
	return &PaymentService{
		cfg:      cfg,
		log:      log,
		payments: payments,
		usage:    usage,
		now:      time.Now,
	}
}

// CreateOrder records a pending order for one paid run of a recipe step.
func (s *PaymentService) CreateOrder(ctx context.Context, userID, recipeSlug string, step int, toolSlug string) (models.PaymentOrder, error) {
	record := &models.Payment{
		UserID:     userID,
		OrderID:    s.newOrderID(),
		RecipeSlug: recipeSlug,
		StepNumber: step,
		ToolSlug:   toolSlug,
		Amount:     s.cfg.Price,
		Currency:   s.cfg.Currency,
		OrderName:  orderName,
		Status:     models.PaymentPending,
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return models.PaymentOrder{}, fmt.Errorf("record order: %w", err)
	}
	metrics.PaymentOutcomes.WithLabelValues("order_created").Inc()

	return models.PaymentOrder{
		OrderID:          record.OrderID,
		AmountMinorUnits: record.Amount,
		DisplayName:      record.OrderName,
		PaymentID:        record.ID,
		Currency:         record.Currency,
	}, nil
}

// newOrderID formats prefix-millis-random.
func (s *PaymentService) newOrderID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return s.cfg.OrderPrefix + "-" + strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + random
}

// Confirm marks a pending order paid by userID and counts it in the paid
// totals.
func (s *PaymentService) Confirm(ctx context.Context, userID, paymentKey, orderID string, amount int, method string) (*models.Payment, error) {
	if amount != s.cfg.Price {
		return nil, ErrInvalidAmount
	}

	p, err := s.payments.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	if p == nil {
		return nil, ErrOrderNotFound
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	if p.Status != models.PaymentPending {
		return nil, ErrAlreadyProcessed
	}

	ok, err := s.payments.Confirm(ctx, orderID, paymentKey, method)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyProcessed
	}

	if err := s.usage.AddPaid(ctx, userID, p.Amount); err != nil {
		s.log.Error("failed to add paid totals", "user_id", userID, "order_id", orderID, "err", err)
	}
	metrics.PaymentOutcomes.WithLabelValues("confirmed").Inc()

	p.PaymentKey = paymentKey
	p.Method = method
	p.Status = models.PaymentConfirmed
	confirmedAt := s.now().UTC()
	p.ConfirmedAt = &confirmedAt
	return p, nil
}

// WebhookEvent is a status change pushed by the payment provider.
type WebhookEvent struct {
	EventType string `json:"eventType"`
	Data      struct {
		PaymentKey string `json:"paymentKey"`
		OrderID    string `json:"orderId"`
		Status     string `json:"status"`
	} `json:"data"`
}

// HandleWebhook applies cancellations and refunds. Other events are ignored.
func (s *PaymentService) HandleWebhook(ctx context.Context, evt WebhookEvent) error {
	if evt.EventType != webhookStatusType {
		s.log.Debug("ignoring payment webhook", "event_type", evt.EventType)
		return nil
	}

	switch evt.Data.Status {
	case "CANCELED":
		if evt.Data.OrderID == "" {
			return nil
		}
		if err := s.payments.MarkCancelledByOrder(ctx, evt.Data.OrderID); err != nil {
			return err
		}
		metrics.PaymentOutcomes.WithLabelValues("cancelled").Inc()
	case "PARTIAL_CANCELED":
		if evt.Data.PaymentKey == "" {
			return nil
		}
		if err := s.payments.MarkRefundedByKey(ctx, evt.Data.PaymentKey); err != nil {
			return err
		}
		metrics.PaymentOutcomes.WithLabelValues("refunded").Inc()
	}
	return nil
}

func (s *PaymentService) List(ctx context.Context, userID string) ([]models.Payment, error) {
	list, err := s.payments.ListByUser(ctx, userID, paymentListLimit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.Payment{}
	}
	return list, nil
}
