package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Signer      SignerConfig      `yaml:"signer"`
	Storage     StorageConfig     `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Persistence PersistenceConfig `yaml:"persistence"`
	NATS        NATSConfig        `yaml:"nats"`
	Logging     LoggingConfig     `yaml:"logging"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"` // empty = *
	TrustedProxies     []string `yaml:"trustedProxies"`     // empty = forwarding headers ignored
}

// LedgerConfig ledger RPC gateway configuration
type LedgerConfig struct {
	RPCURL         string  `yaml:"rpcUrl"`
	ChainID        int64   `yaml:"chainId"`        // 0 = ask the node
	RequestsPerSec float64 `yaml:"requestsPerSec"` // 0 = unlimited
	Burst          int     `yaml:"burst"`
	WaitTimeout    int     `yaml:"waitTimeout"` // seconds to wait for the node at startup
}

// SignerConfig signing identity configuration
type SignerConfig struct {
	Mode       string `yaml:"mode"`       // "remote" (Odyn) or "privateKey"
	Endpoint   string `yaml:"endpoint"`   // Odyn API base URL
	PrivateKey string `yaml:"privateKey"` // hex, development only
	Timeout    int    `yaml:"timeout"`    // seconds
}

// StorageConfig durable state store configuration
type StorageConfig struct {
	Driver   string `yaml:"driver"`   // odyn | postgres | leveldb | memory
	Endpoint string `yaml:"endpoint"` // Odyn API base URL (driver=odyn)
	DSN      string `yaml:"dsn"`      // driver=postgres
	Path     string `yaml:"path"`     // driver=leveldb
	Timeout  int    `yaml:"timeout"`  // seconds
}

// EngineConfig reconciliation loop configuration
type EngineConfig struct {
	PollInterval     time.Duration       `yaml:"pollInterval"`
	CallTimeout      time.Duration       `yaml:"callTimeout"`
	GasLimit         uint64              `yaml:"gasLimit"`
	GasMarginPct     int64               `yaml:"gasMarginPct"` // 110 = +10%
	HistoryLimit     int                 `yaml:"historyLimit"`
	MaxBlocksPerLoop uint64              `yaml:"maxBlocksPerLoop"` // 0 = scan up to the head every loop
	FailedBackoff    FailedBackoffConfig `yaml:"failedBackoff"`
}

// FailedBackoffConfig optional per-record backoff for failed echoes
type FailedBackoffConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// PersistenceConfig snapshot cadence configuration
type PersistenceConfig struct {
	Interval     time.Duration `yaml:"interval"`
	IdleBlocks   uint64        `yaml:"idleBlocks"`
	SnapshotKey  string        `yaml:"snapshotKey"`
	LegacyPrefix string        `yaml:"legacyPrefix"`
}

// NATSConfig NATS event publishing configuration
type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables publishing
	SubjectPrefix string `yaml:"subjectPrefix"`
	Timeout       int    `yaml:"timeout"`
}

// LoggingConfig logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`   // empty = stdout
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	JWTSecret    string        `yaml:"jwtSecret"` // empty disables /api/admin
	Username     string        `yaml:"username"`
	PasswordHash string        `yaml:"passwordHash"` // bcrypt
	TOTPSecret   string        `yaml:"totpSecret"`   // base32, empty disables login
	TokenTTL     time.Duration `yaml:"tokenTtl"`
	AllowedIPs   []string      `yaml:"allowedIPs"` // metrics whitelist, localhost is always allowed
}

// Enabled reports whether the admin API can authenticate anyone
func (a AdminConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// Defaults
const (
	DefaultPublicRPC    = "https://sepolia.base.org"
	DefaultEnclaveRPC   = "http://127.0.0.1:8545"
	DefaultMockOdyn     = "http://odyn.sparsity.cloud:18000"
	DefaultEnclaveOdyn  = "http://localhost:18000"
	DefaultSnapshotKey  = "echo_state.json"
	DefaultLegacyPrefix = "echo_records/"
)

// LoadConfig Load configuration file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			logrus.Infof("🔧 Using local configuration file: %s", configPath)
		}
	}

	var cfg Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logrus.Infof("✅ [Config] Loaded configuration from %s", configPath)
	case os.IsNotExist(err):
		logrus.Warnf("⚠️ [Config] %s not found, using defaults and environment", configPath)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	overrideFromEnv(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func inEnclave() bool {
	return strings.EqualFold(os.Getenv("IN_ENCLAVE"), "true")
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.CORSAllowedOrigins = append(cfg.Server.CORSAllowedOrigins, origin)
			}
		}
	}

	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = nil
		for _, proxy := range strings.Split(v, ",") {
			if proxy = strings.TrimSpace(proxy); proxy != "" {
				cfg.Server.TrustedProxies = append(cfg.Server.TrustedProxies, proxy)
			}
		}
	}

	if v := os.Getenv("ECHO_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("ECHO_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ledger.ChainID = id
		}
	}

	if v := os.Getenv("ODYN_ENDPOINT"); v != "" {
		cfg.Signer.Endpoint = v
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("SIGNER_MODE"); v != "" {
		cfg.Signer.Mode = v
	}
	if v := os.Getenv("SIGNER_PRIVATE_KEY"); v != "" {
		cfg.Signer.PrivateKey = v
	}

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LEVELDB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		cfg.Admin.Username = v
	}
	if v := os.Getenv("ADMIN_PASSWORD_HASH"); v != "" {
		cfg.Admin.PasswordHash = v
	}
	if v := os.Getenv("ADMIN_TOTP_SECRET"); v != "" {
		cfg.Admin.TOTPSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}

	if c.Ledger.RPCURL == "" {
		if inEnclave() {
			c.Ledger.RPCURL = DefaultEnclaveRPC
		} else {
			c.Ledger.RPCURL = DefaultPublicRPC
		}
	}
	if c.Ledger.Burst <= 0 {
		c.Ledger.Burst = 1
	}
	if c.Ledger.WaitTimeout <= 0 {
		c.Ledger.WaitTimeout = 300
	}

	odyn := DefaultMockOdyn
	if inEnclave() {
		odyn = DefaultEnclaveOdyn
	}
	if c.Signer.Mode == "" {
		c.Signer.Mode = "remote"
	}
	if c.Signer.Endpoint == "" {
		c.Signer.Endpoint = odyn
	}
	if c.Signer.Timeout <= 0 {
		c.Signer.Timeout = 10
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "odyn"
	}
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = odyn
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/echo-state"
	}
	if c.Storage.Timeout <= 0 {
		c.Storage.Timeout = 30
	}

	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = 10 * time.Second
	}
	if c.Engine.CallTimeout <= 0 {
		c.Engine.CallTimeout = 15 * time.Second
	}
	if c.Engine.GasLimit == 0 {
		c.Engine.GasLimit = 21000
	}
	if c.Engine.GasMarginPct <= 0 {
		c.Engine.GasMarginPct = 110
	}
	if c.Engine.HistoryLimit <= 0 {
		c.Engine.HistoryLimit = 100
	}
	if c.Engine.FailedBackoff.InitialInterval <= 0 {
		c.Engine.FailedBackoff.InitialInterval = 10 * time.Second
	}
	if c.Engine.FailedBackoff.MaxInterval <= 0 {
		c.Engine.FailedBackoff.MaxInterval = 10 * time.Minute
	}

	if c.Persistence.Interval <= 0 {
		c.Persistence.Interval = 60 * time.Second
	}
	if c.Persistence.IdleBlocks == 0 {
		c.Persistence.IdleBlocks = 200
	}
	if c.Persistence.SnapshotKey == "" {
		c.Persistence.SnapshotKey = DefaultSnapshotKey
	}
	if c.Persistence.LegacyPrefix == "" {
		c.Persistence.LegacyPrefix = DefaultLegacyPrefix
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "echo.transfer"
	}
	if c.NATS.Timeout <= 0 {
		c.NATS.Timeout = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}

	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = 12 * time.Hour
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch c.Signer.Mode {
	case "remote":
	case "privateKey":
		if c.Signer.PrivateKey == "" {
			return fmt.Errorf("signer.privateKey is required when signer.mode=privateKey")
		}
	default:
		return fmt.Errorf("unknown signer mode %q", c.Signer.Mode)
	}

	switch c.Storage.Driver {
	case "odyn", "leveldb", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Engine.GasMarginPct < 100 {
		return fmt.Errorf("engine.gasMarginPct must be >= 100, got %d", c.Engine.GasMarginPct)
	}
	if c.Admin.Enabled() && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwtSecret must be at least 32 bytes")
	}
	if c.Persistence.SnapshotKey == c.Persistence.LegacyPrefix {
		return fmt.Errorf("persistence.snapshotKey must differ from persistence.legacyPrefix")
	}
	return nil
}

// ListenAddr host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
