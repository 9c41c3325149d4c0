package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"

	cryptoinfra "equiaudit/internal/infra/crypto"
)

const (
	LedgerBackendFile     = "file"
	LedgerBackendPostgres = "postgres"
	LedgerBackendMemory   = "memory"

	AuthModeNone     = "none"
	AuthModeAdminKey = "admin_key"
)

var semverPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)

type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	LogLevel    string `mapstructure:"log_level"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	LedgerBackend string `mapstructure:"ledger_backend"`
	LedgerPath    string `mapstructure:"ledger_path"`

	OutputDir            string `mapstructure:"output_dir"`
	DigestAlgorithm      string `mapstructure:"digest_algorithm"`
	ExportVersion        string `mapstructure:"export_version"`
	IncludeCanonicalCopy bool   `mapstructure:"include_canonical_copy"`
	SchemaDir            string `mapstructure:"schema_dir"`
	PolicyDir            string `mapstructure:"policy_dir"`

	AuthMode    string `mapstructure:"auth_mode"`
	AdminAPIKey string `mapstructure:"admin_api_key"`

	RateLimitRequests      int  `mapstructure:"rate_limit_requests"`
	RateLimitWindowSeconds int  `mapstructure:"rate_limit_window_seconds"`
	RateLimitFailClosed    bool `mapstructure:"rate_limit_fail_closed"`
	RateLimitMaxKeys       int  `mapstructure:"rate_limit_max_keys"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

var defaults = map[string]any{
	"http_addr":                 ":8080",
	"log_level":                 "info",
	"postgres_dsn":              "",
	"ledger_backend":            LedgerBackendFile,
	"ledger_path":               "data/ledger/AuditTrail.jsonl",
	"output_dir":                "data/exports",
	"digest_algorithm":          cryptoinfra.DigestSHA256,
	"export_version":            "1.0.0",
	"include_canonical_copy":    false,
	"schema_dir":                "",
	"policy_dir":                "",
	"auth_mode":                 AuthModeNone,
	"admin_api_key":             "",
	"rate_limit_requests":       0,
	"rate_limit_window_seconds": 60,
	"rate_limit_fail_closed":    false,
	"rate_limit_max_keys":       10000,
	"redis_addr":                "",
	"redis_password":            "",
	"redis_db":                  0,
	"max_upload_bytes":          32 << 20,
}

// Load reads defaults, then the optional YAML file at path, then environment
// variables named after the upper-cased keys (HTTP_ADDR, LEDGER_BACKEND, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case LedgerBackendFile:
		if c.LedgerPath == "" {
			errs = append(errs, errors.New("LEDGER_PATH is required for the file backend"))
		}
	case LedgerBackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
		}
	case LedgerBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported LEDGER_BACKEND %q", c.LedgerBackend))
	}
	if _, err := cryptoinfra.NewDigester(c.DigestAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("DIGEST_ALGORITHM: %w", err))
	}
	if !semverPattern.MatchString(c.ExportVersion) {
		errs = append(errs, fmt.Errorf("EXPORT_VERSION %q is not MAJOR.MINOR.PATCH", c.ExportVersion))
	}
	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeAdminKey:
		if c.AdminAPIKey == "" {
			errs = append(errs, errors.New("ADMIN_API_KEY is required when AUTH_MODE=admin_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode))
	}
	if c.RateLimitRequests < 0 || c.RateLimitWindowSeconds < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) RateLimitWindow() time.Duration {
	if c.RateLimitWindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c Config) Digester() (cryptoinfra.Digester, error) {
	return cryptoinfra.NewDigester(c.DigestAlgorithm)
}
