// Package servicetest provides in-memory stores for tests of the service
// layer and its callers.
package servicetest

import (
	"context"
	"sync"
	"time"

	"github.com/digkill/RecipePlayground/internal/models"
)

type Usage struct {
	mu      sync.Mutex
	records map[string]*models.UsageRecord
}

func NewUsage() *Usage {
	return &Usage{records: map[string]*models.UsageRecord{}}
}

func (m *Usage) rec(userID string) *models.UsageRecord {
	r, ok := m.records[userID]
	if !ok {
		r = &models.UsageRecord{UserID: userID}
		m.records[userID] = r
	}
	return r
}

func (m *Usage) Get(ctx context.Context, userID string, today time.Time) (models.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rec(userID), nil
}

func (m *Usage) ConsumeFree(ctx context.Context, userID string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rec(userID)
	if r.DailyFreeUsed >= limit {
		return false, nil
	}
	r.DailyFreeUsed++
	r.TotalFreeUsed++
	return true, nil
}

func (m *Usage) ReleaseFree(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rec(userID)
	r.DailyFreeUsed = max(0, r.DailyFreeUsed-1)
	r.TotalFreeUsed = max(0, r.TotalFreeUsed-1)
	return nil
}

func (m *Usage) AddPaid(ctx context.Context, userID string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rec(userID)
	r.TotalPaidUsed++
	r.TotalPaidAmount += amount
	return nil
}

func (m *Usage) Used(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec(userID).DailyFreeUsed
}

type Payments struct {
	mu   sync.Mutex
	rows []*models.Payment
}

func (m *Payments) Create(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = int64(len(m.rows) + 1)
	cp := *p
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *Payments) find(match func(*models.Payment) bool) *models.Payment {
	for _, p := range m.rows {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (m *Payments) FindByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(p *models.Payment) bool { return p.OrderID == orderID }), nil
}

func (m *Payments) FindByPaymentKey(ctx context.Context, key string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(p *models.Payment) bool { return p.PaymentKey != "" && p.PaymentKey == key }), nil
}

func (m *Payments) Confirm(ctx context.Context, orderID, key, method string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.OrderID == orderID && p.Status == models.PaymentPending {
			p.PaymentKey = key
			p.Method = method
			p.Status = models.PaymentConfirmed
			return true, nil
		}
	}
	return false, nil
}

func (m *Payments) MarkCancelledByOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.OrderID == orderID {
			p.Status = models.PaymentCancelled
		}
	}
	return nil
}

func (m *Payments) MarkRefundedByKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.PaymentKey == key {
			p.Status = models.PaymentRefunded
		}
	}
	return nil
}

func (m *Payments) ListByUser(ctx context.Context, userID string, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].UserID == userID {
			out = append(out, *m.rows[i])
		}
	}
	return out, nil
}

type History struct {
	mu      sync.Mutex
	entries []models.ExecutionLog
	Limit   int
	Offset  int
}

func (m *History) Log(ctx context.Context, e *models.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *e)
	return nil
}

func (m *History) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Limit, m.Offset = limit, offset
	return m.entries, nil
}

func (m *History) All() []models.ExecutionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ExecutionLog(nil), m.entries...)
}
