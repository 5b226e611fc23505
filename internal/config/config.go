package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/core-coin/go-core/v2/common"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	NonceStoreDefault = "default"
	NonceStoreRedis   = "redis"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int
	// AnalyticsAPIKeys protect the analytics endpoints when not empty
	AnalyticsAPIKeys []string

	// Storage configuration
	Storage          string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Nonce configuration
	NonceStore         string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	NonceTTL           time.Duration
	NoncePurgeInterval time.Duration
	RequireMemo        bool

	// Management API configuration
	ManagementAPIURL   string
	ManagementCacheTTL time.Duration

	// Blockchain configuration
	SolanaDevnetRPC   string
	SolanaMainnetRPC  string
	CoreRPCURL        string
	CoreNetworkID     *big.Int
	CoreConfirmations uint64

	// Gate configuration
	VerifyTimeout     time.Duration
	ForwardTimeout    time.Duration
	ForwardMaxRetries int
	MaxBodyBytes      int64
	ChallengeRate     float64
	ChallengeBurst    int

	// SMTP configuration
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPassword       string
	SMTPSender         string
	BillingAlertEmails []string

	// Telegram configuration
	TelegramBotToken    string
	TelegramAlertChatID string

	// Error reporting
	SentryDSN string
}

// CoreNetwork returns the gateway network name for CoreNetworkID
// NetworkID 1 = xcb (mainnet), NetworkID 3 = xab (devin testnet)
func (c *Config) CoreNetwork() string {
	if c.CoreNetworkID.Cmp(big.NewInt(1)) == 0 {
		return "xcb"
	}
	return "xab"
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		APIPort:          getEnvAsInt("API_PORT", 8402),
		AnalyticsAPIKeys: getEnvAsList("ANALYTICS_API_KEYS"),

		Storage:          getEnv("STORAGE", StoragePostgres),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "paygate"),

		NonceStore:         getEnv("NONCE_STORE", NonceStoreDefault),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvAsInt("REDIS_DB", 0),
		NonceTTL:           getEnvAsDuration("NONCE_TTL", 5*time.Minute),
		NoncePurgeInterval: getEnvAsDuration("NONCE_PURGE_INTERVAL", 5*time.Minute),
		RequireMemo:        getEnvAsBool("REQUIRE_MEMO", false),

		ManagementAPIURL:   strings.TrimRight(getEnv("MANAGEMENT_API_URL", ""), "/"),
		ManagementCacheTTL: getEnvAsDuration("MANAGEMENT_CACHE_TTL", 30*time.Second),

		SolanaDevnetRPC:   getEnv("SOLANA_DEVNET_RPC", rpc.DevNet_RPC),
		SolanaMainnetRPC:  getEnv("SOLANA_MAINNET_RPC", rpc.MainNetBeta_RPC),
		CoreRPCURL:        getEnv("CORE_RPC_URL", ""),
		CoreNetworkID:     getEnvAsBigInt("CORE_NETWORK_ID", big.NewInt(1)), // Default to Mainnet ID
		CoreConfirmations: uint64(getEnvAsInt("CORE_CONFIRMATIONS", 12)),

		VerifyTimeout:     getEnvAsDuration("VERIFY_TIMEOUT", 5*time.Second),
		ForwardTimeout:    getEnvAsDuration("FORWARD_TIMEOUT", 30*time.Second),
		ForwardMaxRetries: getEnvAsInt("FORWARD_MAX_RETRIES", 2),
		MaxBodyBytes:      int64(getEnvAsInt("MAX_BODY_BYTES", 10<<20)),
		ChallengeRate:     getEnvAsFloat("CHALLENGE_RATE", 5),
		ChallengeBurst:    getEnvAsInt("CHALLENGE_BURST", 20),

		SMTPHost:           getEnv("SMTP_HOST", ""),
		SMTPPort:           getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:           getEnv("SMTP_USER", ""),
		SMTPPassword:       getEnv("SMTP_PASSWORD", ""),
		SMTPSender:         getEnv("SMTP_SENDER", ""),
		BillingAlertEmails: getEnvAsList("BILLING_ALERT_EMAILS"),

		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAlertChatID: getEnv("TELEGRAM_ALERT_CHAT_ID", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	// Address parsing in go-core depends on the default network id
	common.DefaultNetworkID = common.NetworkID(cfg.CoreNetworkID.Int64())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.ManagementAPIURL == "" {
		return fmt.Errorf("MANAGEMENT_API_URL is required")
	}

	switch c.Storage {
	case StoragePostgres:
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required")
		}
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	switch c.NonceStore {
	case NonceStoreDefault:
	case NonceStoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when NONCE_STORE=redis")
		}
	default:
		return fmt.Errorf("NONCE_STORE must be %q or %q, got %q", NonceStoreDefault, NonceStoreRedis, c.NonceStore)
	}

	if c.SolanaDevnetRPC == "" && c.SolanaMainnetRPC == "" && c.CoreRPCURL == "" {
		return fmt.Errorf("at least one of SOLANA_DEVNET_RPC, SOLANA_MAINNET_RPC or CORE_RPC_URL is required")
	}

	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("VERIFY_TIMEOUT must be positive")
	}
	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("FORWARD_TIMEOUT must be positive")
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("NONCE_TTL must be positive")
	}
	if c.ForwardMaxRetries < 0 {
		return fmt.Errorf("FORWARD_MAX_RETRIES must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}

	if len(c.BillingAlertEmails) > 0 && (c.SMTPHost == "" || c.SMTPSender == "") {
		return fmt.Errorf("SMTP_HOST and SMTP_SENDER are required when BILLING_ALERT_EMAILS is set")
	}
	if c.TelegramAlertChatID != "" && c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when TELEGRAM_ALERT_CHAT_ID is set")
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(name string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return nil
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
