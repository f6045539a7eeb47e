package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server configures the recipe execution API.
type Server struct {
	ListenAddr string
	APIKey     string
	MySQLDSN   string
	LogLevel   string

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RateLimitPerMinIP   int
	RateLimitPerMinUser int

	DailyFreeExecutions  int
	ExecutionPriceMinor  int
	PaymentCurrency      string
	PaymentOrderPrefix   string
	PaymentWebhookSecret string
	MaxPromptLength      int
	MaxSystemPromptLen   int

	LLMBaseURL     string
	LLMAPIKey      string
	KIEAPIKey      string
	KIEBaseURL     string
	RequestTimeout time.Duration

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// S3Enabled reports whether generated images should be archived.
func (c Server) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// Bot configures the Telegram host.
type Bot struct {
	BotToken                     string
	TelegramPaymentProviderToken string
	RecipeAPIURL                 string
	RecipeAPIKey                 string
	RecipesPath                  string
	RequestTimeout               time.Duration
	StreamEditInterval           time.Duration
	LogLevel                     string
}

const defaultKIEBaseURL = "https://api.kie.ai"

func LoadServer() (Server, error) {
	if err := loadEnvFile(); err != nil {
		return Server{}, err
	}

	cfg := Server{
		ListenAddr:           getEnv("SERVER_LISTEN_ADDR", ":8080"),
		APIKey:               os.Getenv("SERVER_API_KEY"),
		MySQLDSN:             os.Getenv("MYSQL_DSN"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		RateLimitPerMinIP:    getInt("RATE_LIMIT_PER_MINUTE_IP", 20),
		RateLimitPerMinUser:  getInt("RATE_LIMIT_PER_MINUTE_USER", 10),
		DailyFreeExecutions:  getInt("DAILY_FREE_EXECUTIONS", 3),
		ExecutionPriceMinor:  getInt("EXECUTION_PRICE_MINOR_UNITS", 990),
		PaymentCurrency:      getEnv("PAYMENT_CURRENCY", "KRW"),
		PaymentOrderPrefix:   getEnv("PAYMENT_ORDER_PREFIX", "recipe"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		MaxPromptLength:      getInt("MAX_PROMPT_LENGTH", 4000),
		MaxSystemPromptLen:   getInt("MAX_SYSTEM_PROMPT_LENGTH", 2000),
		LLMBaseURL:           strings.TrimRight(getEnv("LLM_BASE_URL", "https://api.openai.com/v1"), "/"),
		LLMAPIKey:            os.Getenv("LLM_API_KEY"),
		KIEAPIKey:            os.Getenv("KIE_API_KEY"),
		KIEBaseURL:           normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		RequestTimeout:       time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3Region:             os.Getenv("S3_REGION"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:      os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:       getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:             getEnv("S3_PREFIX", "recipe-images"),
	}

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "SERVER_API_KEY")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if cfg.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if cfg.S3Bucket != "" && cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Server{}, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if cfg.DailyFreeExecutions < 0 {
		return Server{}, fmt.Errorf("DAILY_FREE_EXECUTIONS must not be negative")
	}
	if cfg.ExecutionPriceMinor <= 0 {
		return Server{}, fmt.Errorf("EXECUTION_PRICE_MINOR_UNITS must be positive")
	}

	return cfg, nil
}

func LoadBot() (Bot, error) {
	if err := loadEnvFile(); err != nil {
		return Bot{}, err
	}

	cfg := Bot{
		BotToken:                     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramPaymentProviderToken: os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN"),
		RecipeAPIURL:                 strings.TrimRight(getEnv("RECIPE_API_URL", "http://localhost:8080"), "/"),
		RecipeAPIKey:                 os.Getenv("RECIPE_API_KEY"),
		RecipesPath:                  getEnv("RECIPES_PATH", filepath.Join("configs", "recipes.yaml")),
		RequestTimeout:               time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		StreamEditInterval:           time.Millisecond * time.Duration(getInt("STREAM_EDIT_INTERVAL_MS", 1200)),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
	}

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.RecipeAPIKey == "" {
		missing = append(missing, "RECIPE_API_KEY")
	}
	if len(missing) > 0 {
		return Bot{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// normalizeKIEBaseURL forces the API host. The root kie.ai domain serves HTML.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile applies the first .env file found. A missing file is not an
// error; the environment alone may carry the configuration.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
