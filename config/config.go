package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Config captures runtime configuration for the settlement exchange.
type Config struct {
	ListenAddress string
	DatabaseURL   string

	AutoCreateSchema bool

	FeePercent    decimal.Decimal
	MinFee        int64
	StarterTokens int64
	MinEscrow     int64
	MaxEscrow     int64

	DefaultTTLMinutes    int
	DisputeTTLMinutes    int
	ExpiryWarningMinutes int
	ExpiryIntervalSecs   int

	APIKeySaltRounds        int
	KeyRotationGraceMinutes int
	RequireSignature        bool
	SignatureMaxAgeSeconds  int

	RegisterRateLimitPerHour int
	RegisterRateLimitPerDay  int
	RateLimitAuthPerMinute   int
	RateLimitPublicPerMinute int

	DefaultDailySpendLimit int64
	SpendingWindowHours    int
	HourlyVelocityLimit    int64
	SpendingFreezeMinutes  int

	WebhookTimeoutSeconds int
	WebhookMaxRetries     int
	WebhookQueueCapacity  int

	InviteCode string

	TSAURL            string
	TSATimeoutSeconds int

	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  string

	LogFile      string
	LogMaxSizeMB int
	LogBackups   int
	Environment  string
}

const envPrefix = "A2A_EXCHANGE_"

// FromEnv builds a configuration using environment variables. Unset values
// fall back to development defaults; malformed values are errors.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:            getenvDefault(envPrefix+"LISTEN", ":3000"),
		AutoCreateSchema:         true,
		MinFee:                   0,
		StarterTokens:            100,
		MinEscrow:                1,
		MaxEscrow:                10_000,
		DefaultTTLMinutes:        30,
		DisputeTTLMinutes:        1440,
		ExpiryWarningMinutes:     5,
		ExpiryIntervalSecs:       60,
		APIKeySaltRounds:         10,
		KeyRotationGraceMinutes:  5,
		SignatureMaxAgeSeconds:   300,
		RegisterRateLimitPerHour: 10,
		RegisterRateLimitPerDay:  50,
		RateLimitAuthPerMinute:   60,
		RateLimitPublicPerMinute: 120,
		SpendingWindowHours:      24,
		SpendingFreezeMinutes:    60,
		WebhookTimeoutSeconds:    10,
		WebhookMaxRetries:        3,
		WebhookQueueCapacity:     1024,
		TSATimeoutSeconds:        30,
		LogMaxSizeMB:             100,
		LogBackups:               3,
		Environment:              getenvDefault(envPrefix+"ENV", ""),
		InviteCode:               strings.TrimSpace(os.Getenv(envPrefix + "INVITE_CODE")),
		TSAURL:                   strings.TrimSpace(os.Getenv(envPrefix + "TSA_URL")),
		LogFile:                  strings.TrimSpace(os.Getenv(envPrefix + "LOG_FILE")),
		OTLPEndpoint:             strings.TrimSpace(os.Getenv(envPrefix + "OTLP_ENDPOINT")),
		OTLPHeaders:              strings.TrimSpace(os.Getenv(envPrefix + "OTLP_HEADERS")),
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = getenvDefault(envPrefix+"DATABASE_URL", "a2a_exchange.db")
	}

	feeRaw := getenvDefault(envPrefix+"FEE_PERCENT", "3")
	fee, err := decimal.NewFromString(feeRaw)
	if err != nil {
		return Config{}, fmt.Errorf("parse %sFEE_PERCENT: %w", envPrefix, err)
	}
	if fee.IsNegative() {
		return Config{}, errors.New(envPrefix + "FEE_PERCENT must not be negative")
	}
	cfg.FeePercent = fee

	if err := parseBool(envPrefix+"AUTO_CREATE_SCHEMA", &cfg.AutoCreateSchema); err != nil {
		return Config{}, err
	}
	if err := parseBool(envPrefix+"REQUIRE_SIGNATURE", &cfg.RequireSignature); err != nil {
		return Config{}, err
	}
	if err := parseBool(envPrefix+"OTLP_INSECURE", &cfg.OTLPInsecure); err != nil {
		return Config{}, err
	}

	for _, field := range []struct {
		name string
		dst  *int64
		min  int64
	}{
		{"MIN_FEE", &cfg.MinFee, 0},
		{"STARTER_TOKENS", &cfg.StarterTokens, 0},
		{"MIN_ESCROW", &cfg.MinEscrow, 1},
		{"MAX_ESCROW", &cfg.MaxEscrow, 1},
		{"DEFAULT_DAILY_SPEND_LIMIT", &cfg.DefaultDailySpendLimit, 0},
		{"HOURLY_VELOCITY_LIMIT", &cfg.HourlyVelocityLimit, 0},
	} {
		if err := parseInt64(envPrefix+field.name, field.dst, field.min); err != nil {
			return Config{}, err
		}
	}

	for _, field := range []struct {
		name string
		dst  *int
		min  int
	}{
		{"DEFAULT_TTL_MINUTES", &cfg.DefaultTTLMinutes, 1},
		{"DISPUTE_TTL_MINUTES", &cfg.DisputeTTLMinutes, 1},
		{"EXPIRY_WARNING_MINUTES", &cfg.ExpiryWarningMinutes, 0},
		{"EXPIRY_INTERVAL_SECONDS", &cfg.ExpiryIntervalSecs, 1},
		{"API_KEY_SALT_ROUNDS", &cfg.APIKeySaltRounds, 4},
		{"KEY_ROTATION_GRACE_MINUTES", &cfg.KeyRotationGraceMinutes, 0},
		{"SIGNATURE_MAX_AGE_SECONDS", &cfg.SignatureMaxAgeSeconds, 1},
		{"REGISTER_RATE_LIMIT_PER_HOUR", &cfg.RegisterRateLimitPerHour, 0},
		{"REGISTER_RATE_LIMIT_PER_DAY", &cfg.RegisterRateLimitPerDay, 0},
		{"RATE_LIMIT_AUTH_PER_MINUTE", &cfg.RateLimitAuthPerMinute, 0},
		{"RATE_LIMIT_PUBLIC_PER_MINUTE", &cfg.RateLimitPublicPerMinute, 0},
		{"SPENDING_WINDOW_HOURS", &cfg.SpendingWindowHours, 1},
		{"SPENDING_FREEZE_MINUTES", &cfg.SpendingFreezeMinutes, 1},
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeoutSeconds, 1},
		{"WEBHOOK_MAX_RETRIES", &cfg.WebhookMaxRetries, 0},
		{"WEBHOOK_QUEUE_CAP", &cfg.WebhookQueueCapacity, 1},
		{"TSA_TIMEOUT_SECONDS", &cfg.TSATimeoutSeconds, 1},
		{"LOG_MAX_SIZE_MB", &cfg.LogMaxSizeMB, 1},
		{"LOG_BACKUPS", &cfg.LogBackups, 0},
	} {
		if err := parseInt(envPrefix+field.name, field.dst, field.min); err != nil {
			return Config{}, err
		}
	}

	if cfg.MinEscrow > cfg.MaxEscrow {
		return Config{}, fmt.Errorf("%sMIN_ESCROW (%d) exceeds %sMAX_ESCROW (%d)", envPrefix, cfg.MinEscrow, envPrefix, cfg.MaxEscrow)
	}
	return cfg, nil
}

// PostgresDSN reports whether the database URL targets postgres rather than
// a sqlite file path.
func (c Config) PostgresDSN() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://") ||
		strings.Contains(c.DatabaseURL, "host=")
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseInt(key string, dst *int, min int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if val < min {
		return fmt.Errorf("%s must be at least %d", key, min)
	}
	*dst = val
	return nil
}

func parseInt64(key string, dst *int64, min int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if val < min {
		return fmt.Errorf("%s must be at least %d", key, min)
	}
	*dst = val
	return nil
}

func parseBool(key string, dst *bool) error {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return nil
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	default:
		return fmt.Errorf("parse %s: invalid boolean %q", key, raw)
	}
	return nil
}
