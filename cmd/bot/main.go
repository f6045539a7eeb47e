package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/RecipePlayground/internal/config"
	"github.com/digkill/RecipePlayground/internal/recipeapi"
	"github.com/digkill/RecipePlayground/internal/recipes"
	"github.com/digkill/RecipePlayground/internal/telegram"
	"github.com/digkill/RecipePlayground/pkg/logger"
)

func main() {
	cfg, err := config.LoadBot()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	catalog, err := recipes.Load(cfg.RecipesPath)
	if err != nil {
		log.Fatalf("recipes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	if cfg.TelegramPaymentProviderToken == "" {
		logr.Warn("TELEGRAM_PAYMENT_PROVIDER_TOKEN not set, paid runs are unavailable")
	}

	client := recipeapi.NewClient(recipeapi.Options{
		BaseURL: cfg.RecipeAPIURL,
		APIKey:  cfg.RecipeAPIKey,
		Timeout: cfg.RequestTimeout,
		Log:     logr,
	})

	bot := telegram.NewBot(cfg, botAPI, logr, catalog, client)
	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
