// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment provider
	StripeSecretKey string // Enables real transfers when set
	ProviderTimeout time.Duration
	WebhookSecret   string // HMAC secret for inbound provider webhooks

	// OperatorAPIKey seeds one operator key at startup so the admin API
	// is reachable on a fresh deployment.
	OperatorAPIKey string

	// Settlement worker
	WorkerInterval time.Duration
	WorkerBatch    int
	LockTTL        time.Duration
	MaxAttempts    int

	// Observability
	OTLPEndpoint string
	RateLimitRPM int

	// Settlement policy (versioned, frozen per booking at creation)
	Policy Policy
}

// Policy is the versioned settlement policy. It is loaded once at startup
// and passed explicitly into every calculator; fee snapshots frozen under an
// older version are never recomputed against a newer one.
type Policy struct {
	Version int

	// CommissionBP is the platform commission on the room fee, in basis points.
	CommissionBP int

	// RoomFeeReleaseDelay is added to check-in confirmation before the room
	// fee split becomes release-eligible.
	RoomFeeReleaseDelay time.Duration

	// DepositRefundDelay is added to check-out confirmation before the
	// security deposit becomes refund-eligible.
	DepositRefundDelay time.Duration

	// DisputeWindow overrides the dispute-window close time when positive;
	// zero means the window closes with deposit refund eligibility.
	DisputeWindow time.Duration

	// Cancellation refund tiers, most-generous first.
	Tiers []RefundTier

	// PayoutThreshold is the minimum realtor payout worth transferring;
	// smaller amounts accumulate until a later settlement.
	PayoutThreshold int64 // cents
}

// RefundTier defines the room-fee split applied when a booking is cancelled
// at least MinHoursBefore hours before check-in.
type RefundTier struct {
	Name           string
	MinHoursBefore int // tier applies when hoursUntilCheckIn >= this
	GuestBP        int // share of room fee refunded to the guest
	RealtorBP      int // share of room fee paid to the realtor
	PlatformBP     int // declared platform share; platform also absorbs rounding
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 120
	DefaultCommissionBP  = 1000 // 10%
	DefaultWorkerBatch   = 100
	DefaultMaxAttempts   = 5
	DefaultPolicyVersion = 1
)

var (
	DefaultRoomFeeReleaseDelay = time.Hour
	DefaultDepositRefundDelay  = 48 * time.Hour
	DefaultWorkerInterval      = time.Minute
	DefaultLockTTL             = 5 * time.Minute
	DefaultProviderTimeout     = 15 * time.Second
)

// DefaultTiers returns the stock cancellation tiers: EARLY (>=96h) full
// refund, MEDIUM (24-96h) 50/40/10, LATE (<24h) 0/90/10.
func DefaultTiers() []RefundTier {
	return []RefundTier{
		{Name: "EARLY", MinHoursBefore: 96, GuestBP: 10000, RealtorBP: 0, PlatformBP: 0},
		{Name: "MEDIUM", MinHoursBefore: 24, GuestBP: 5000, RealtorBP: 4000, PlatformBP: 1000},
		{Name: "LATE", MinHoursBefore: 0, GuestBP: 0, RealtorBP: 9000, PlatformBP: 1000},
	}
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		OperatorAPIKey:  os.Getenv("OPERATOR_API_KEY"),
		WorkerInterval:  getEnvDuration("WORKER_INTERVAL", DefaultWorkerInterval),
		WorkerBatch:     int(getEnvInt64("WORKER_BATCH", DefaultWorkerBatch)),
		LockTTL:         getEnvDuration("LOCK_TTL", DefaultLockTTL),
		MaxAttempts:     int(getEnvInt64("MAX_TRANSFER_ATTEMPTS", DefaultMaxAttempts)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		Policy: Policy{
			Version:             int(getEnvInt64("POLICY_VERSION", DefaultPolicyVersion)),
			CommissionBP:        int(getEnvInt64("COMMISSION_BP", DefaultCommissionBP)),
			RoomFeeReleaseDelay: getEnvDuration("ROOM_FEE_RELEASE_DELAY", DefaultRoomFeeReleaseDelay),
			DepositRefundDelay:  getEnvDuration("DEPOSIT_REFUND_DELAY", DefaultDepositRefundDelay),
			DisputeWindow:       getEnvDuration("DISPUTE_WINDOW", 0),
			Tiers:               DefaultTiers(),
			PayoutThreshold:     getEnvInt64("PAYOUT_THRESHOLD_CENTS", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Policy.CommissionBP < 0 || c.Policy.CommissionBP > 10000 {
		return fmt.Errorf("COMMISSION_BP must be between 0 and 10000")
	}
	if c.Policy.RoomFeeReleaseDelay <= 0 {
		return fmt.Errorf("ROOM_FEE_RELEASE_DELAY must be positive")
	}
	if c.Policy.DepositRefundDelay <= 0 {
		return fmt.Errorf("DEPOSIT_REFUND_DELAY must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_TRANSFER_ATTEMPTS must be at least 1")
	}
	return ValidateTiers(c.Policy.Tiers)
}

// ValidateTiers checks that tiers are ordered most-generous first and that
// no tier allocates more than 100% of the room fee.
func ValidateTiers(tiers []RefundTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one refund tier is required")
	}
	prev := -1
	for i, t := range tiers {
		if t.GuestBP < 0 || t.RealtorBP < 0 || t.PlatformBP < 0 {
			return fmt.Errorf("tier %s: negative share", t.Name)
		}
		if t.GuestBP+t.RealtorBP+t.PlatformBP > 10000 {
			return fmt.Errorf("tier %s: shares exceed 100%%", t.Name)
		}
		if i > 0 && t.MinHoursBefore >= prev {
			return fmt.Errorf("tiers must be ordered by descending MinHoursBefore")
		}
		prev = t.MinHoursBefore
	}
	if tiers[len(tiers)-1].MinHoursBefore != 0 {
		return fmt.Errorf("last tier must cover MinHoursBefore=0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
