// Package config loads service configuration and the runtime claim policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "120s" decode naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON renders the duration as a string like "30s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClaimPolicy is the runtime policy for claim processing. Handlers read the
// policy once at the start of a request and use that snapshot throughout, so
// a mid-request policy change cannot produce a torn decision.
type ClaimPolicy struct {
	RewardAmount      int64    `yaml:"reward_amount" json:"reward_amount"`
	MaxClaims         int64    `yaml:"max_claims" json:"max_claims"`
	MinScore          float64  `yaml:"min_score" json:"min_score"`
	MinAccountAgeDays int      `yaml:"min_account_age_days" json:"min_account_age_days"`
	MinFollowers      int64    `yaml:"min_followers" json:"min_followers"`
	Disabled          bool     `yaml:"disabled" json:"disabled"`
	RequireProofTx    bool     `yaml:"require_proof_tx" json:"require_proof_tx"`
	CollectionAddress string   `yaml:"collection_address" json:"collection_address"`
	ReservationTTL    Duration `yaml:"reservation_ttl" json:"reservation_ttl"`
	LockTTL           Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr           string `yaml:"addr"`
		AdminJWTSecret string `yaml:"admin_jwt_secret"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
	} `yaml:"server"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Oracle struct {
		BaseURL string   `yaml:"base_url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"oracle"`

	Ledger struct {
		RPCURL          string   `yaml:"rpc_url"`
		Timeout         Duration `yaml:"timeout"`
		TreasuryAddress string   `yaml:"treasury_address"`
	} `yaml:"ledger"`

	Epoch struct {
		SubjectID string   `yaml:"subject_id"`
		Duration  Duration `yaml:"duration"`
	} `yaml:"epoch"`

	Policy   ClaimPolicy `yaml:"policy"`
	LogLevel string      `yaml:"log_level"`
}

// Default returns the configuration defaults applied before file and env
// overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.RateLimitRPS = 5
	cfg.Server.RateLimitBurst = 10
	cfg.Redis.Addr = "localhost:6379"
	cfg.Oracle.Timeout = Duration(10 * time.Second)
	cfg.Ledger.Timeout = Duration(30 * time.Second)
	cfg.Epoch.SubjectID = "featured"
	cfg.Epoch.Duration = Duration(24 * time.Hour)
	cfg.Policy = ClaimPolicy{
		RewardAmount:      100000000,
		MaxClaims:         1,
		MinScore:          0.5,
		MinAccountAgeDays: 30,
		MinFollowers:      10,
		ReservationTTL:    Duration(120 * time.Second),
		LockTTL:           Duration(30 * time.Second),
	}
	cfg.LogLevel = "info"
	return cfg
}

// Load reads configuration from the given YAML path (optional) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAIM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CLAIM_ADMIN_JWT_SECRET"); v != "" {
		cfg.Server.AdminJWTSecret = v
	}
	if v := os.Getenv("CLAIM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CLAIM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CLAIM_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("CLAIM_ORACLE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("CLAIM_LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("CLAIM_TREASURY_ADDRESS"); v != "" {
		cfg.Ledger.TreasuryAddress = v
	}
	if v := os.Getenv("CLAIM_SUBJECT_ID"); v != "" {
		cfg.Epoch.SubjectID = v
	}
	if v := os.Getenv("CLAIM_REWARD_AMOUNT"); v != "" {
		if amount, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Policy.RewardAmount = amount
		}
	}
	if v := os.Getenv("CLAIM_MAX_CLAIMS"); v != "" {
		if max, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Policy.MaxClaims = max
		}
	}
	if v := os.Getenv("CLAIM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Policy.MaxClaims < 1 {
		return fmt.Errorf("policy.max_claims must be >= 1, got %d", c.Policy.MaxClaims)
	}
	if c.Policy.RewardAmount <= 0 {
		return fmt.Errorf("policy.reward_amount must be positive, got %d", c.Policy.RewardAmount)
	}
	if c.Policy.ReservationTTL <= 0 {
		return fmt.Errorf("policy.reservation_ttl must be positive")
	}
	if c.Policy.LockTTL <= 0 {
		return fmt.Errorf("policy.lock_ttl must be positive")
	}
	if c.Epoch.Duration <= 0 {
		return fmt.Errorf("epoch.duration must be positive")
	}
	return nil
}

// PolicyProvider publishes the active ClaimPolicy atomically. Admin updates
// swap the whole value; readers always see a complete policy.
type PolicyProvider struct {
	current atomic.Pointer[ClaimPolicy]
}

// NewPolicyProvider creates a provider seeded with the given policy.
func NewPolicyProvider(policy ClaimPolicy) *PolicyProvider {
	p := &PolicyProvider{}
	p.current.Store(&policy)
	return p
}

// Current returns a snapshot of the active policy.
func (p *PolicyProvider) Current() ClaimPolicy {
	return *p.current.Load()
}

// Update replaces the active policy.
func (p *PolicyProvider) Update(policy ClaimPolicy) {
	p.current.Store(&policy)
}

// SetDisabled flips only the kill switch, preserving the rest of the policy.
func (p *PolicyProvider) SetDisabled(disabled bool) {
	policy := *p.current.Load()
	policy.Disabled = disabled
	p.current.Store(&policy)
}
