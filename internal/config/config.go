package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root relayer configuration, loaded from a YAML file and
// then overlaid with environment variables. Secrets never live in the
// YAML file — they're env-only, the same split the original backend
// applies to its KMS and NATS credentials.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	Admission AdmissionConfig `yaml:"admission"`
	Queue     QueueConfig     `yaml:"queue"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Audit     AuditConfig     `yaml:"audit"`
	Admin     AdminConfig     `yaml:"admin"`

	Secrets Secrets `yaml:"-"`
}

// ServerConfig is the operator HTTP surface's bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ChainConfig names the chain this relayer instance serves and the RPC
// endpoints the chain adapter dials, in fallback order.
type ChainConfig struct {
	ChainID      int64    `yaml:"chainId"`
	Name         string   `yaml:"name"`
	RPCEndpoints []string `yaml:"rpcEndpoints"`
}

// AdmissionConfig tunes the C1 admission gate.
type AdmissionConfig struct {
	RateLimit        int64         `yaml:"rateLimit"`
	RateWindow       time.Duration `yaml:"rateWindow"`
	ReplayWindow     time.Duration `yaml:"replayWindow"`
	MaxIntentAge     time.Duration `yaml:"maxIntentAge"`
	MinAmount        string        `yaml:"minAmount"`
	MaxAmount        string        `yaml:"maxAmount"`
	ValidAPIKeysFile string        `yaml:"validApiKeysFile"`
}

// MinAmountInt parses MinAmount, defaulting to nil (no floor) when unset.
func (a AdmissionConfig) MinAmountInt() (*big.Int, error) {
	return parseOptionalAmount(a.MinAmount)
}

// MaxAmountInt parses MaxAmount, defaulting to nil (no ceiling) when unset.
func (a AdmissionConfig) MaxAmountInt() (*big.Int, error) {
	return parseOptionalAmount(a.MaxAmount)
}

func parseOptionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

// QueueConfig tunes the C2 priority queue.
type QueueConfig struct {
	MaxSize   int64         `yaml:"maxSize"`
	BaseDelay time.Duration `yaml:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay"`
}

// WalletConfig tunes the C4 wallet pool.
type WalletConfig struct {
	Addresses             []string      `yaml:"addresses"`
	MinBalance            string        `yaml:"minBalance"`
	AlertThreshold        string        `yaml:"alertThreshold"`
	BalanceCacheTTL       time.Duration `yaml:"balanceCacheTtl"`
	RotationInterval      time.Duration `yaml:"rotationInterval"`
	LowSuccessRate        float64       `yaml:"lowSuccessRate"`
	MaxConcurrentLeases   int           `yaml:"maxConcurrentLeases"`
	BalanceCheckInterval  time.Duration `yaml:"balanceCheckInterval"`
}

// MinBalanceInt parses MinBalance, defaulting to nil (no minimum) when unset.
func (w WalletConfig) MinBalanceInt() (*big.Int, error) {
	return parseOptionalAmount(w.MinBalance)
}

// AlertThresholdInt parses AlertThreshold, defaulting to nil (no alerting) when unset.
func (w WalletConfig) AlertThresholdInt() (*big.Int, error) {
	return parseOptionalAmount(w.AlertThreshold)
}

// SchedulerConfig tunes the C3 worker pool.
type SchedulerConfig struct {
	Workers             int           `yaml:"workers"`
	PollIdle            time.Duration `yaml:"pollIdle"`
	SubmitGas           uint64        `yaml:"submitGas"`
	ReceiptPollInterval time.Duration `yaml:"receiptPollInterval"`
}

// RedisConfig points the KV store at a Redis instance; when Addr is
// empty the service falls back to the in-memory store, which is fine for
// a single instance but loses state across restarts.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// AuditConfig wires the durable Postgres audit log and the best-effort
// NATS fanout.
type AuditConfig struct {
	PostgresDSN  string `yaml:"postgresDsn"`
	NATSURL      string `yaml:"natsUrl"`
	NATSSubject  string `yaml:"natsSubject"`
}

// AdminConfig names the admin username; the password, TOTP secret and
// JWT signing key are env-only, never YAML (see Secrets).
type AdminConfig struct {
	Username   string   `yaml:"username"`
	AllowedIPs []string `yaml:"allowedIps"` // exact IPs or CIDR ranges; empty means localhost-only
}

// Secrets is the env-var-only overlay, parsed with caarlos0/env rather
// than accepted from YAML at all, so a secret can never accidentally
// ship inside a checked-in config file.
type Secrets struct {
	AdminPassword    string `env:"RELAYER_ADMIN_PASSWORD"`
	AdminTOTPSecret  string `env:"RELAYER_ADMIN_TOTP_SECRET"`
	AdminJWTSecret   string `env:"RELAYER_ADMIN_JWT_SECRET"`
	RedisPassword    string `env:"RELAYER_REDIS_PASSWORD"`
	KeystorePassword string `env:"RELAYER_KEYSTORE_PASSWORD"`
}

// Load reads path as YAML, then fills Secrets from environment variables
// (no other field is read from the environment), following the
// precedence the original backend router established: environment
// variable beats YAML, YAML beats the zero-value default.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		return nil, fmt.Errorf("parse env secrets: %w", err)
	}
	cfg.Secrets = secrets

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Admission.RateWindow == 0 {
		cfg.Admission.RateWindow = time.Minute
	}
	if cfg.Admission.ReplayWindow == 0 {
		cfg.Admission.ReplayWindow = 24 * time.Hour
	}
	if cfg.Admission.MaxIntentAge == 0 {
		cfg.Admission.MaxIntentAge = 5 * time.Minute
	}
	if cfg.Queue.BaseDelay == 0 {
		cfg.Queue.BaseDelay = time.Second
	}
	if cfg.Queue.MaxDelay == 0 {
		cfg.Queue.MaxDelay = 5 * time.Minute
	}
	if cfg.Wallet.BalanceCacheTTL == 0 {
		cfg.Wallet.BalanceCacheTTL = 30 * time.Second
	}
	if cfg.Wallet.BalanceCheckInterval == 0 {
		cfg.Wallet.BalanceCheckInterval = time.Minute
	}
	if cfg.Wallet.MaxConcurrentLeases == 0 {
		cfg.Wallet.MaxConcurrentLeases = 8
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.PollIdle == 0 {
		cfg.Scheduler.PollIdle = 500 * time.Millisecond
	}
	if cfg.Scheduler.SubmitGas == 0 {
		cfg.Scheduler.SubmitGas = 21000
	}
	if cfg.Scheduler.ReceiptPollInterval == 0 {
		cfg.Scheduler.ReceiptPollInterval = 10 * time.Second
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
}
