package telegram

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/RecipePlayground/internal/engine"
	"github.com/digkill/RecipePlayground/internal/models"
)

// Telegram rejects messages over 4096 characters. The card keeps room for
// its header and buttons.
const (
	maxMessageRunes = 4000
	maxCardResult   = 3000
	maxCardPrompt   = 600
)

const (
	cbRecipe = "recipe:"
	cbStep   = "step:"
	cbRun    = "run"
	cbPay    = "pay"
	cbCancel = "cancel"
	cbRetry  = "retry"
	cbEdit   = "edit"
	cbReset  = "reset"
	cbList   = "list"
)

// card is everything shown for one step.
type card struct {
	recipe     models.Recipe
	step       models.RecipeStep
	prompt     string
	executable bool
	snap       engine.Snapshot
}

func (c card) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nStep %d/%d: %s\nTool: %s\n\n", c.recipe.Title, c.step.StepNumber, len(c.recipe.Steps), c.step.Title, c.step.ToolSlug)
	fmt.Fprintf(&b, "Prompt:\n%s\n", truncate(c.prompt, maxCardPrompt))

	if !c.executable {
		b.WriteString("\nThis step cannot be run here.")
		return b.String()
	}

	switch c.snap.Phase {
	case engine.PhaseDispatching:
		b.WriteString("\nRunning...")
	case engine.PhaseStreaming:
		b.WriteString("\nResult (streaming):\n")
		b.WriteString(truncate(c.snap.Result.Content, maxCardResult))
	case engine.PhasePaymentRequired:
		b.WriteString("\nThe free runs for today are used up. Pay for one run to continue.")
	case engine.PhaseCompleted:
		if c.snap.Result.Kind == models.ResultImage {
			b.WriteString("\nDone. The image is sent below.")
		} else {
			b.WriteString("\nResult:\n")
			b.WriteString(truncate(c.snap.Result.Content, maxCardResult))
		}
	case engine.PhaseFailed:
		b.WriteString("\nFailed")
		if c.snap.Err != nil {
			b.WriteString(": " + c.snap.Err.Message)
		}
	}
	return b.String()
}

func (c card) keyboard() tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{}
	if c.executable {
		switch c.snap.Phase {
		case engine.PhaseDispatching, engine.PhaseStreaming:
		case engine.PhasePaymentRequired:
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Pay", cbPay),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", cbCancel),
			))
		case engine.PhaseFailed:
			row := tgbotapi.NewInlineKeyboardRow()
			if c.snap.Err == nil || c.snap.Err.Retryable() {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData("Retry", cbRetry))
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData("Edit prompt", cbEdit))
			rows = append(rows, row)
		default:
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Run", cbRun),
				tgbotapi.NewInlineKeyboardButtonData("Edit prompt", cbEdit),
				tgbotapi.NewInlineKeyboardButtonData("Reset prompt", cbReset),
			))
		}
	}
	if busy := c.snap.Phase == engine.PhaseDispatching || c.snap.Phase == engine.PhaseStreaming; !busy {
		nav := tgbotapi.NewInlineKeyboardRow()
		if prev, ok := neighbour(c.recipe, c.step.StepNumber, -1); ok {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("< Prev", fmt.Sprintf("%s%d", cbStep, prev)))
		}
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Recipes", cbList))
		if next, ok := neighbour(c.recipe, c.step.StepNumber, 1); ok {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Next >", fmt.Sprintf("%s%d", cbStep, next)))
		}
		rows = append(rows, nav)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// neighbour returns the step number dir positions away from n.
func neighbour(r models.Recipe, n, dir int) (int, bool) {
	for i, s := range r.Steps {
		if s.StepNumber != n {
			continue
		}
		j := i + dir
		if j < 0 || j >= len(r.Steps) {
			return 0, false
		}
		return r.Steps[j].StepNumber, true
	}
	return 0, false
}

func recipeKeyboard(list []models.Recipe) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(list))
	for _, r := range list {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(r.Title, cbRecipe+r.Slug),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks.
func splitMessage(text string, limit int) []string {
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// throttle limits how often streaming edits hit the Bot API.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, now: time.Now}
}

// allow reports whether an update may be sent now. Forced updates always pass
// and restart the interval.
func (t *throttle) allow(force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !force && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
