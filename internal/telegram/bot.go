package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/RecipePlayground/internal/chain"
	"github.com/digkill/RecipePlayground/internal/config"
	"github.com/digkill/RecipePlayground/internal/engine"
	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/payment"
	"github.com/digkill/RecipePlayground/internal/quota"
	"github.com/digkill/RecipePlayground/internal/recipeapi"
	"github.com/digkill/RecipePlayground/internal/recipes"
	"github.com/digkill/RecipePlayground/internal/tools"
)

const historyPageSize = 10

// account is everything shared by the sessions of one Telegram user.
type account struct {
	client  *recipeapi.Client
	tracker *quota.Tracker
	gate    *payment.Gate
}

type Bot struct {
	cfg      config.Bot
	api      *tgbotapi.BotAPI
	log      *slog.Logger
	catalog  *recipes.Catalog
	client   *recipeapi.Client
	registry *tools.Registry
	widget   *InvoiceWidget
	loader   *payment.Loader
	state    *StateManager

	mu        sync.Mutex
	accounts  map[int64]*account
	throttles map[int64]*throttle

	wg sync.WaitGroup
}

func NewBot(cfg config.Bot, api *tgbotapi.BotAPI, log *slog.Logger, catalog *recipes.Catalog, client *recipeapi.Client) *Bot {
	widget := NewInvoiceWidget(api, cfg.TelegramPaymentProviderToken)
	return &Bot{
		cfg:       cfg,
		api:       api,
		log:       log,
		catalog:   catalog,
		client:    client,
		registry:  tools.Default(),
		widget:    widget,
		loader:    payment.NewLoader(widget),
		state:     NewStateManager(),
		accounts:  make(map[int64]*account),
		throttles: make(map[int64]*throttle),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "recipes", len(b.catalog.List()))

	for {
		select {
		case update := <-updates:
			switch {
			case update.Message != nil:
				b.handleMessage(ctx, update.Message)
			case update.CallbackQuery != nil:
				b.handleCallback(ctx, update.CallbackQuery)
			case update.PreCheckoutQuery != nil:
				if err := b.widget.AnswerPreCheckout(update.PreCheckoutQuery); err != nil {
					b.log.Error("pre-checkout failed", "err", err)
				}
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

// spawn runs fn off the update loop. Engine calls block for the whole run or
// payment, and the loop must keep answering pre-checkout queries meanwhile.
func (b *Bot) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bot) account(from *tgbotapi.User) *account {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acc, ok := b.accounts[from.ID]; ok {
		return acc
	}
	client := b.client.WithUser(strconv.FormatInt(from.ID, 10))
	acc := &account{
		client:  client,
		tracker: quota.NewTracker(client),
		gate:    payment.NewGate(client, b.loader, payment.Config{Method: "TELEGRAM"}, b.log),
	}
	userID := from.ID
	acc.tracker.Subscribe(func(s models.QuotaStatus) {
		b.log.Debug("quota updated", "user_id", userID, "remaining_free", s.RemainingFree, "limit", s.DailyFreeLimit)
	})
	b.accounts[from.ID] = acc
	return acc
}

func (b *Bot) editThrottle(chatID int64) *throttle {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.throttles[chatID]
	if !ok {
		t = newThrottle(b.cfg.StreamEditInterval)
		b.throttles[chatID] = t
	}
	return t
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	st := b.state.Get(msg.Chat.ID)
	if step, ok := st.takeEditing(); ok {
		b.applyPrompt(msg.Chat.ID, st, step, strings.TrimSpace(msg.Text))
		return
	}
	b.sendText(msg.Chat.ID, "Send /recipes to pick a recipe.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		name := ""
		if msg.From != nil {
			name = msg.From.FirstName
		}
		b.sendText(chatID, fmt.Sprintf("Hi, %s!\n\nPick a recipe and run its steps one by one. Every day some runs are free; after that a run is paid.\n\nCommands:\n/recipes - list recipes\n/balance - free runs left today\n/history - recent runs\n/payments - your payments", name))
		b.sendRecipes(chatID)
	case "recipes":
		b.sendRecipes(chatID)
	case "balance":
		if msg.From == nil {
			return
		}
		acc := b.account(msg.From)
		b.spawn(func() { b.sendBalance(ctx, chatID, acc) })
	case "history":
		if msg.From == nil {
			return
		}
		acc := b.account(msg.From)
		b.spawn(func() { b.sendHistory(ctx, chatID, acc) })
	case "payments":
		if msg.From == nil {
			return
		}
		acc := b.account(msg.From)
		b.spawn(func() { b.sendPayments(ctx, chatID, acc) })
	default:
		b.sendText(chatID, "Unknown command. Use /recipes.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		b.answer(cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID

	var notice string
	switch data := cb.Data; {
	case strings.HasPrefix(data, cbRecipe):
		notice = b.openRecipe(ctx, chatID, cb.From, strings.TrimPrefix(data, cbRecipe))
	case strings.HasPrefix(data, cbStep):
		n, err := strconv.Atoi(strings.TrimPrefix(data, cbStep))
		if err != nil {
			notice = "Unknown step"
			break
		}
		notice = b.showStep(chatID, n, cb.Message.MessageID)
	case data == cbList:
		b.sendRecipes(chatID)
	case data == cbRun:
		notice = b.runStep(ctx, chatID, cb.From)
	case data == cbPay:
		notice = b.payStep(ctx, chatID)
	case data == cbCancel:
		notice = b.cancelPayment(chatID)
	case data == cbRetry:
		notice = b.retryStep(ctx, chatID)
	case data == cbEdit:
		notice = b.startEdit(chatID)
	case data == cbReset:
		notice = b.resetPrompt(chatID)
	default:
		notice = "Unknown action"
	}
	b.answer(cb.ID, notice)
}

func (b *Bot) openRecipe(ctx context.Context, chatID int64, from *tgbotapi.User, slug string) string {
	recipe, err := b.catalog.Get(slug)
	if err != nil || len(recipe.Steps) == 0 {
		return "Recipe not found"
	}
	st := b.state.Get(chatID)
	old := st.open(recipe.Slug, recipe.Steps[0].StepNumber)
	acc := b.account(from)

	b.spawn(func() {
		for _, sess := range old {
			sess.Reset()
		}
		if _, err := acc.tracker.Refresh(ctx); err != nil {
			b.log.Warn("refresh quota", "user_id", from.ID, "err", err)
		}
	})
	b.renderStep(chatID, recipe.Steps[0].StepNumber)
	return ""
}

func (b *Bot) showStep(chatID int64, n, messageID int) string {
	st := b.state.Get(chatID)
	slug, _, _ := st.view()
	if _, _, err := b.catalog.Step(slug, n); err != nil {
		return "Step not found"
	}
	st.show(n, messageID)
	b.renderStep(chatID, n)
	return ""
}

// current resolves the recipe and step shown in chatID.
func (b *Bot) current(st *chatState) (models.Recipe, models.RecipeStep, *models.RecipeStep, error) {
	slug, n, _ := st.view()
	recipe, err := b.catalog.Get(slug)
	if err != nil {
		return models.Recipe{}, models.RecipeStep{}, nil, err
	}
	step, prev, err := b.catalog.Step(slug, n)
	if err != nil {
		return models.Recipe{}, models.RecipeStep{}, nil, err
	}
	return recipe, step, prev, nil
}

func (b *Bot) sessionFor(chatID int64, st *chatState, acc *account, recipe models.Recipe, step models.RecipeStep) (*engine.Session, error) {
	return st.sessionOr(step.StepNumber, func() (*engine.Session, error) {
		return engine.NewSession(engine.Config{
			RecipeSlug: recipe.Slug,
			Category:   recipe.Category,
			Step:       step,
			Registry:   b.registry,
			Executor:   acc.client,
			Tracker:    acc.tracker,
			Payments:   acc.gate,
			Observer:   b.observer(chatID, recipe.Slug, step.StepNumber),
			Log:        b.log,
		})
	})
}

func (b *Bot) runStep(ctx context.Context, chatID int64, from *tgbotapi.User) string {
	st := b.state.Get(chatID)
	recipe, step, prevStep, err := b.current(st)
	if err != nil {
		return "Open a recipe first"
	}
	acc := b.account(from)
	sess, err := b.sessionFor(chatID, st, acc, recipe, step)
	if err != nil {
		return describe(err)
	}

	var prev *chain.Previous
	if step.UsePreviousResult && prevStep != nil {
		prev = &chain.Previous{}
		if ps := st.session(prevStep.StepNumber); ps != nil {
			snap := ps.Snapshot()
			prev.Completed = snap.Phase == engine.PhaseCompleted
			prev.Result = snap.Result
		}
	}
	prompt := st.prompt(step.StepNumber)

	b.spawn(func() {
		if acc.tracker.Loading() {
			if _, err := acc.tracker.Refresh(ctx); err != nil {
				b.log.Error("refresh quota before run", "user_id", from.ID, "err", err)
			}
		}
		if _, err := sess.Execute(ctx, prompt, prev); err != nil {
			b.sendText(chatID, describe(err))
		}
	})
	return "Running"
}

func (b *Bot) payStep(ctx context.Context, chatID int64) string {
	sess := b.shownSession(chatID)
	if sess == nil {
		return describe(engine.ErrNoPaymentPending)
	}
	b.spawn(func() {
		if _, err := sess.Pay(WithChat(ctx, chatID)); err != nil {
			b.sendText(chatID, describe(err))
		}
	})
	return "Sending invoice"
}

func (b *Bot) cancelPayment(chatID int64) string {
	sess := b.shownSession(chatID)
	if sess == nil {
		return describe(engine.ErrNoPaymentPending)
	}
	if err := sess.CancelPayment(); err != nil {
		return describe(err)
	}
	return "Cancelled"
}

func (b *Bot) retryStep(ctx context.Context, chatID int64) string {
	sess := b.shownSession(chatID)
	if sess == nil {
		return describe(engine.ErrNothingToRetry)
	}
	b.spawn(func() {
		if _, err := sess.Retry(ctx); err != nil {
			b.sendText(chatID, describe(err))
		}
	})
	return "Retrying"
}

func (b *Bot) startEdit(chatID int64) string {
	st := b.state.Get(chatID)
	_, step, _, err := b.current(st)
	if err != nil {
		return "Open a recipe first"
	}
	st.setEditing(true)
	text := fmt.Sprintf("Send the new prompt for step %d.", step.StepNumber)
	if step.UsePreviousResult {
		text += fmt.Sprintf(" Put %s where the previous result should go.", chain.Placeholder)
	}
	b.sendText(chatID, text)
	return ""
}

func (b *Bot) applyPrompt(chatID int64, st *chatState, n int, prompt string) {
	if prompt == "" {
		b.sendText(chatID, "The prompt cannot be empty.")
		return
	}
	st.setPrompt(n, prompt)
	b.refreshCard(chatID, st, n)
}

func (b *Bot) resetPrompt(chatID int64) string {
	st := b.state.Get(chatID)
	_, n, _ := st.view()
	st.setPrompt(n, "")
	b.refreshCard(chatID, st, n)
	return "Prompt restored"
}

// refreshCard drops the result of step n after its prompt changed and shows
// a fresh card.
func (b *Bot) refreshCard(chatID int64, st *chatState, n int) {
	st.show(n, 0)
	if sess := st.session(n); sess != nil {
		b.spawn(sess.Reset)
		return
	}
	b.renderStep(chatID, n)
}

func (b *Bot) shownSession(chatID int64) *engine.Session {
	st := b.state.Get(chatID)
	_, n, _ := st.view()
	return st.session(n)
}

func (b *Bot) observer(chatID int64, slug string, n int) engine.Observer {
	return func(snap engine.Snapshot) {
		st := b.state.Get(chatID)
		current, shown, _ := st.view()
		if current != slug {
			return
		}
		if shown == n && b.editThrottle(chatID).allow(snap.Phase != engine.PhaseStreaming) {
			b.renderSnapshot(chatID, n, snap)
		}
		if snap.Phase == engine.PhaseCompleted {
			b.deliverResult(chatID, snap.Result)
		}
	}
}

func (b *Bot) renderStep(chatID int64, n int) {
	var snap engine.Snapshot
	if sess := b.state.Get(chatID).session(n); sess != nil {
		snap = sess.Snapshot()
	}
	b.renderSnapshot(chatID, n, snap)
}

// renderSnapshot edits the step card in place, or sends a new card when the
// chat has none yet.
func (b *Bot) renderSnapshot(chatID int64, n int, snap engine.Snapshot) {
	st := b.state.Get(chatID)
	st.render.Lock()
	defer st.render.Unlock()

	slug, _, cardID := st.view()
	recipe, err := b.catalog.Get(slug)
	if err != nil {
		return
	}
	step, _, err := b.catalog.Step(slug, n)
	if err != nil {
		return
	}
	prompt := st.prompt(n)
	if prompt == "" {
		prompt = step.PromptTemplate
	}
	c := card{
		recipe:     recipe,
		step:       step,
		prompt:     prompt,
		executable: chain.Executable(step, b.registry),
		snap:       snap,
	}

	if cardID != 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, cardID, c.text(), c.keyboard())
		if _, err := b.api.Request(edit); err != nil && !notModified(err) {
			b.log.Error("edit step card", "chat_id", chatID, "err", err)
		}
		return
	}

	msg := tgbotapi.NewMessage(chatID, c.text())
	msg.ReplyMarkup = c.keyboard()
	sent, err := b.api.Send(msg)
	if err != nil {
		b.log.Error("send step card", "chat_id", chatID, "err", err)
		return
	}
	st.show(n, sent.MessageID)
}

func (b *Bot) deliverResult(chatID int64, result models.ExecutionResult) {
	switch result.Kind {
	case models.ResultImage:
		data, err := result.ImageBytes()
		if err != nil {
			b.log.Error("decode image result", "err", err)
			b.sendText(chatID, "The image could not be decoded.")
			return
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "result" + imageExt(result.MimeType), Bytes: data})
		if _, err := b.api.Send(photo); err != nil {
			b.log.Error("send image", "err", err)
		}
	case models.ResultText:
		if len([]rune(result.Content)) <= maxCardResult {
			return
		}
		for _, part := range splitMessage(result.Content, maxMessageRunes) {
			b.sendText(chatID, part)
		}
	}
}

func imageExt(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	orderID := sp.InvoicePayload
	if msg.From == nil {
		b.log.Error("successful payment without sender", "order_id", orderID)
		return
	}
	acc := b.account(msg.From)

	if err := acc.client.ConfirmPayment(ctx, sp.TelegramPaymentChargeID, orderID, sp.TotalAmount); err != nil {
		b.log.Error("confirm payment", "order_id", orderID, "err", err)
		if !b.widget.Resolve(orderID, "", err) {
			b.sendText(msg.Chat.ID, fmt.Sprintf("The payment for order %s could not be confirmed. Please contact support.", orderID))
		}
		return
	}
	if !b.widget.Resolve(orderID, sp.TelegramPaymentChargeID, nil) {
		b.log.Warn("payment arrived after the order was abandoned", "order_id", orderID)
		b.sendText(msg.Chat.ID, fmt.Sprintf("Payment for order %s was received after it was cancelled. Please contact support.", orderID))
	}
}

func (b *Bot) sendRecipes(chatID int64) {
	list := b.catalog.List()
	if len(list) == 0 {
		b.sendText(chatID, "No recipes are available yet.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Pick a recipe:")
	msg.ReplyMarkup = recipeKeyboard(list)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send recipes", "err", err)
	}
}

func (b *Bot) sendBalance(ctx context.Context, chatID int64, acc *account) {
	status, err := acc.tracker.Refresh(ctx)
	if err != nil {
		b.log.Error("balance", "err", err)
		b.sendText(chatID, "Could not load your balance. Try again later.")
		return
	}
	b.sendText(chatID, fmt.Sprintf("Free runs left today: %d of %d.", status.RemainingFree, status.DailyFreeLimit))
}

func (b *Bot) sendHistory(ctx context.Context, chatID int64, acc *account) {
	entries, err := acc.client.History(ctx, historyPageSize, 0)
	if err != nil {
		b.log.Error("history", "err", err)
		b.sendText(chatID, "Could not load your history. Try again later.")
		return
	}
	if len(entries) == 0 {
		b.sendText(chatID, "No runs yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Recent runs:\n")
	for _, e := range entries {
		cost := "free"
		if !e.IsFree {
			cost = "paid"
		}
		fmt.Fprintf(&sb, "%s %s #%d %s: %s (%s)\n", e.CreatedAt.Format("2006-01-02 15:04"), e.RecipeSlug, e.StepNumber, e.ToolSlug, e.Status, cost)
	}
	b.sendText(chatID, sb.String())
}

func (b *Bot) sendPayments(ctx context.Context, chatID int64, acc *account) {
	list, err := acc.client.ListPayments(ctx)
	if err != nil {
		b.log.Error("list payments", "err", err)
		b.sendText(chatID, "Could not load your payments. Try again later.")
		return
	}
	if len(list) == 0 {
		b.sendText(chatID, "No payments yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Payments:\n")
	for _, p := range list {
		fmt.Fprintf(&sb, "%s %s #%d: %d %s, %s\n", p.CreatedAt.Format("2006-01-02"), p.RecipeSlug, p.StepNumber, p.Amount, p.Currency, p.Status)
	}
	b.sendText(chatID, sb.String())
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// describe turns an engine refusal into a message for the chat.
func describe(err error) string {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return "This step is already running."
	case errors.Is(err, engine.ErrQuotaUnavailable):
		return "Your free runs are still loading. Try again in a moment."
	case errors.Is(err, engine.ErrLoginRequired):
		return "You need to be signed in to run steps."
	case errors.Is(err, engine.ErrNotExecutable):
		return "This step has nothing to run."
	case errors.Is(err, engine.ErrNoPaymentPending):
		return "No payment is pending for this step."
	case errors.Is(err, engine.ErrNothingToRetry):
		return "Nothing to retry yet."
	case errors.Is(err, chain.ErrAwaitingPrevious):
		return "Run the previous step first."
	case errors.Is(err, chain.ErrPreviousNotText):
		return "The previous step did not produce text."
	default:
		return "Something went wrong. Try again later."
	}
}
