package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/RecipePlayground/internal/payment"
)

// Sender is the part of the Bot API the invoice widget needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type chatKey struct{}

// WithChat binds ctx to the chat an invoice should be sent to.
func WithChat(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatKey{}, chatID)
}

func chatFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(chatKey{}).(int64)
	return id, ok
}

type invoiceResult struct {
	token string
	err   error
}

type pendingInvoice struct {
	chatID int64
	amount int
	done   chan invoiceResult
}

// InvoiceWidget charges through Telegram invoices. The invoice payload is the
// order id; the Telegram charge id becomes the payment token.
type InvoiceWidget struct {
	api           Sender
	providerToken string

	mu      sync.Mutex
	pending map[string]*pendingInvoice
}

func NewInvoiceWidget(api Sender, providerToken string) *InvoiceWidget {
	return &InvoiceWidget{
		api:           api,
		providerToken: providerToken,
		pending:       make(map[string]*pendingInvoice),
	}
}

func (w *InvoiceWidget) Load(ctx context.Context) error {
	if w.providerToken == "" {
		return &payment.SetupError{Reason: "telegram payment provider token is not configured"}
	}
	return nil
}

// RequestPayment sends an invoice to the chat bound to ctx and waits for
// Resolve or for ctx to end.
func (w *InvoiceWidget) RequestPayment(ctx context.Context, req payment.WidgetRequest) (string, error) {
	chatID, ok := chatFromContext(ctx)
	if !ok {
		return "", errors.New("invoice widget: no chat bound to the payment")
	}

	p := &pendingInvoice{chatID: chatID, amount: req.Amount, done: make(chan invoiceResult, 1)}
	w.mu.Lock()
	w.pending[req.OrderID] = p
	w.mu.Unlock()
	defer w.forget(req.OrderID, p)

	title := req.OrderName
	if title == "" {
		title = "Recipe step execution"
	}
	invoice := tgbotapi.NewInvoice(chatID,
		title,
		"One paid run of the selected recipe step",
		req.OrderID,
		w.providerToken,
		"recipe-step",
		req.Currency,
		[]tgbotapi.LabeledPrice{{Label: title, Amount: req.Amount}},
	)
	invoice.SuggestedTipAmounts = []int{}
	if _, err := w.api.Send(invoice); err != nil {
		return "", fmt.Errorf("send invoice: %w", err)
	}

	select {
	case res := <-p.done:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *InvoiceWidget) forget(orderID string, p *pendingInvoice) {
	w.mu.Lock()
	if w.pending[orderID] == p {
		delete(w.pending, orderID)
	}
	w.mu.Unlock()
}

// Pending reports whether orderID is still waiting for payment in chatID.
func (w *InvoiceWidget) Pending(orderID string, chatID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[orderID]
	return ok && p.chatID == chatID
}

// Resolve finishes the wait for orderID. It reports false when nothing was
// waiting, for example because the user cancelled in the meantime.
func (w *InvoiceWidget) Resolve(orderID, token string, err error) bool {
	w.mu.Lock()
	p, ok := w.pending[orderID]
	if ok {
		delete(w.pending, orderID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- invoiceResult{token: token, err: err}
	return true
}

// AnswerPreCheckout accepts the checkout only for an order that is still
// waiting and whose amount matches.
func (w *InvoiceWidget) AnswerPreCheckout(q *tgbotapi.PreCheckoutQuery) error {
	w.mu.Lock()
	p, ok := w.pending[q.InvoicePayload]
	w.mu.Unlock()

	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: true}
	switch {
	case !ok:
		answer.OK = false
		answer.ErrorMessage = "This order is no longer awaiting payment."
	case p.amount != q.TotalAmount:
		answer.OK = false
		answer.ErrorMessage = "The order amount has changed."
	}
	if _, err := w.api.Request(answer); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}
