// Package config handles engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig holds the per-chain connection and custody settings.
type ChainConfig struct {
	RPCURL           string
	RPCAuthToken     string // optional bearer token for the RPC endpoint
	BrokerAddress    string // custodial account funds flow through
	BrokerSecret     string // opaque signing secret, handed to the signer
	MinConfirmations int64
	ChainID          int64  // EVM network id used when signing transactions
	TokenContract    string // EVM settlement token contract address
}

// Config holds all engine configuration.
type Config struct {
	// HTTP listener
	Port     string
	Env      string // development, staging, or production
	LogLevel string
	LogFmt   string // "text" or "json"

	// DatabaseURL is the postgres DSN; leaving it empty selects the
	// in-memory store.
	DatabaseURL string

	// Escrow engine
	PollInterval  time.Duration // work-queue drain cadence
	EscrowTTL     time.Duration // default expires_in when the caller omits one
	BrokerFeePct  string        // default broker fee percent, e.g. "1.589"
	MaxRoyaltyPct string        // royalty percent cap accepted at create

	// Chains, keyed by chain id ("xrpl", "eth", "btc")
	Chains map[string]ChainConfig

	// Traces
	OTLPEndpoint string

	// HTTP hardening
	AllowedOrigins []string
	RateLimitRPM   int

	// Custody reconciliation
	ReconcileAlertThreshold string // amount, e.g. "1.00"
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFmt       = "text"
	DefaultPollInterval = 15 * time.Second
	DefaultEscrowTTL    = time.Hour
	DefaultBrokerFee    = "1.589"
	DefaultMaxRoyalty   = "15"
	DefaultRateLimit    = 120

	// Finality minimums per ledger family. Account ledgers validate in one
	// close; probabilistic chains need depth; UTXO depth is a platform risk
	// choice.
	DefaultConfirmXRPL = 1
	DefaultConfirmETH  = 32
	DefaultConfirmBTC  = 1
)

// Load assembles the configuration from the process environment, reading a
// local .env file first when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          envOr("PORT", DefaultPort),
		Env:           envOr("ENV", DefaultEnv),
		LogLevel:      envOr("LOG_LEVEL", DefaultLogLevel),
		LogFmt:        envOr("LOG_FORMAT", DefaultLogFmt),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		PollInterval:  envDuration("POLL_INTERVAL", DefaultPollInterval),
		EscrowTTL:     envDuration("ESCROW_TTL", DefaultEscrowTTL),
		BrokerFeePct:  envOr("BROKER_FEE_PCT", DefaultBrokerFee),
		MaxRoyaltyPct: envOr("MAX_ROYALTY_PCT", DefaultMaxRoyalty),
		Chains: map[string]ChainConfig{
			"xrpl": loadChain("XRPL", DefaultConfirmXRPL),
			"eth":  loadChain("ETH", DefaultConfirmETH),
			"btc":  loadChain("BTC", DefaultConfirmBTC),
		},
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AllowedOrigins:          splitList(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitRPM:            int(envInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		ReconcileAlertThreshold: envOr("RECONCILE_ALERT_THRESHOLD", "1.00"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadChain reads one chain's settings from its env prefix
// (RPC_URL_XRPL, BROKER_ADDRESS_XRPL, ...).
func loadChain(suffix string, defaultConfirm int64) ChainConfig {
	return ChainConfig{
		RPCURL:           os.Getenv("RPC_URL_" + suffix),
		RPCAuthToken:     os.Getenv("RPC_AUTH_" + suffix),
		BrokerAddress:    os.Getenv("BROKER_ADDRESS_" + suffix),
		BrokerSecret:     os.Getenv("BROKER_SECRET_" + suffix),
		MinConfirmations: envInt64("CONFIRM_MIN_"+suffix, defaultConfirm),
		ChainID:          envInt64("CHAIN_ID_"+suffix, 0),
		TokenContract:    os.Getenv("TOKEN_CONTRACT_" + suffix),
	}
}

// Validate checks that all required configuration is present. A chain with
// no RPC URL is treated as disabled; at least one chain must be enabled,
// and an enabled chain needs its custodial account.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.EscrowTTL <= 0 {
		return fmt.Errorf("ESCROW_TTL must be positive")
	}

	enabled := 0
	for id, cc := range c.Chains {
		if cc.RPCURL == "" {
			continue
		}
		enabled++
		if cc.BrokerAddress == "" {
			return fmt.Errorf("BROKER_ADDRESS_%s is required when RPC_URL_%s is set", strings.ToUpper(id), strings.ToUpper(id))
		}
		if cc.MinConfirmations < 1 {
			return fmt.Errorf("CONFIRM_MIN_%s must be at least 1", strings.ToUpper(id))
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no chains configured: set at least one RPC_URL_{XRPL,ETH,BTC}")
	}

	return nil
}

// Enabled reports whether a chain has an RPC endpoint configured.
func (c *Config) Enabled(chainID string) bool {
	cc, ok := c.Chains[chainID]
	return ok && cc.RPCURL != ""
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction gates hardening that only matters on real deployments,
// such as gin release mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// envOr and friends fall back on unset, empty, or unparseable values.

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
