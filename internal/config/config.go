package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Environment string
	DataDir     string
	DBPath      string

	// Keyed buffer/dedup store. Empty RedisAddr selects the in-memory store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Messaging channel identity. Namespace scopes conversation keys,
	// Platform scopes sessions.
	BrandNamespace string
	Platform       string

	DebounceSeconds  int
	BufferTTLSeconds int
	DedupTTLSeconds  int
	SendDelaySeconds int
	RecentTurnLimit  int

	SummaryEveryTurns int
	SummaryMinTurns   int
	SummaryMaxTokens  int
	SummaryCron       string

	ControlResendToken string
	ResendNotice       string
	KickoffTemplate    string

	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMTimeoutSec   int
	ExtractMaxToken int

	GreenAPIBaseURL     string
	GreenAPIInstanceID  string
	GreenAPIToken       string
	GreenAPIPollSeconds int

	ContextProviderURL    string
	ContextCacheTTLMin    int
	ContextTimeoutSeconds int
}

func FromEnv() Config {
	dataDir := stringOrDefault("DIALOG_ENGINE_DATA_DIR", "/data")
	dbPath := stringOrDefault("DIALOG_ENGINE_DB_PATH", filepath.Join(dataDir, "dialog-engine", "dialog.sqlite"))

	return Config{
		Environment: stringOrDefault("DIALOG_ENGINE_ENV", "development"),
		DataDir:     dataDir,
		DBPath:      dbPath,

		RedisAddr:     strings.TrimSpace(os.Getenv("DIALOG_ENGINE_REDIS_ADDR")),
		RedisPassword: os.Getenv("DIALOG_ENGINE_REDIS_PASSWORD"),
		RedisDB:       intOrDefault("DIALOG_ENGINE_REDIS_DB", 1),

		BrandNamespace: stringOrDefault("DIALOG_ENGINE_BRAND_NAMESPACE", "default"),
		Platform:       stringOrDefault("DIALOG_ENGINE_PLATFORM", "whatsapp"),

		DebounceSeconds:  intOrDefault("DIALOG_ENGINE_DEBOUNCE_SECONDS", 8),
		BufferTTLSeconds: intOrDefault("DIALOG_ENGINE_BUFFER_TTL_SECONDS", 60),
		DedupTTLSeconds:  intOrDefault("DIALOG_ENGINE_DEDUP_TTL_SECONDS", 120),
		SendDelaySeconds: intOrDefault("DIALOG_ENGINE_SEND_DELAY_SECONDS", 2),
		RecentTurnLimit:  intOrDefault("DIALOG_ENGINE_RECENT_TURN_LIMIT", 30),

		SummaryEveryTurns: intOrDefault("DIALOG_ENGINE_SUMMARY_EVERY_TURNS", 5),
		SummaryMinTurns:   intOrDefault("DIALOG_ENGINE_SUMMARY_MIN_TURNS", 3),
		SummaryMaxTokens:  intOrDefault("DIALOG_ENGINE_SUMMARY_MAX_TOKENS", 160),
		SummaryCron:       stringOrDefault("DIALOG_ENGINE_SUMMARY_CRON", "0 */6 * * *"),

		ControlResendToken: stringOrDefault("DIALOG_ENGINE_CONTROL_RESEND_TOKEN", "#resend"),
		ResendNotice: stringOrDefault(
			"DIALOG_ENGINE_RESEND_NOTICE",
			"Извините, не удалось обработать сообщение. Отправьте его, пожалуйста, ещё раз текстом.",
		),
		KickoffTemplate: stringOrDefault(
			"DIALOG_ENGINE_KICKOFF_TEMPLATE",
			"Здравствуйте! Я помощник по объекту {address} (собственник {owner}, цена {price}). Чем могу помочь?",
		),

		LLMBaseURL:      stringOrDefault("DIALOG_ENGINE_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:       strings.TrimSpace(os.Getenv("DIALOG_ENGINE_LLM_API_KEY")),
		LLMModel:        stringOrDefault("DIALOG_ENGINE_LLM_MODEL", "gpt-4o-mini"),
		LLMTimeoutSec:   intOrDefault("DIALOG_ENGINE_LLM_TIMEOUT_SECONDS", 60),
		ExtractMaxToken: intOrDefault("DIALOG_ENGINE_EXTRACT_MAX_TOKENS", 400),

		GreenAPIBaseURL:     stringOrDefault("DIALOG_ENGINE_GREENAPI_BASE_URL", "https://api.green-api.com"),
		GreenAPIInstanceID:  strings.TrimSpace(os.Getenv("DIALOG_ENGINE_GREENAPI_INSTANCE_ID")),
		GreenAPIToken:       strings.TrimSpace(os.Getenv("DIALOG_ENGINE_GREENAPI_TOKEN")),
		GreenAPIPollSeconds: intOrDefault("DIALOG_ENGINE_GREENAPI_POLL_SECONDS", 5),

		ContextProviderURL:    strings.TrimSpace(os.Getenv("DIALOG_ENGINE_CONTEXT_PROVIDER_URL")),
		ContextCacheTTLMin:    intOrDefault("DIALOG_ENGINE_CONTEXT_CACHE_TTL_MINUTES", 10),
		ContextTimeoutSeconds: intOrDefault("DIALOG_ENGINE_CONTEXT_TIMEOUT_SECONDS", 15),
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
