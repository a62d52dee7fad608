// Package config loads server configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const minSigningSecretLength = 32

// Config holds all server configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// ServerURL is the externally visible base URL, used in discovery
	// metadata and redirect targets.
	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost:8080"`

	// Environment is the deployment environment (development, production)
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// AdminUsername is the administrator login name
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`

	// AdminPassword is the administrator password. Ignored when
	// AdminPasswordHash is set.
	AdminPassword string `env:"ADMIN_PASSWORD"`

	// AdminPasswordHash is the bcrypt hash of the administrator password,
	// preferred over AdminPassword.
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	// HomeAssistantURL is the default Home Assistant base URL used for
	// requests that carry no credentials of their own
	HomeAssistantURL string `env:"HA_URL"`

	// HomeAssistantToken is the default long-lived access token paired
	// with HomeAssistantURL
	HomeAssistantToken string `env:"HA_TOKEN"`

	// TokenSigningSecret signs access tokens. Must be at least 32 bytes.
	TokenSigningSecret string `env:"TOKEN_SIGNING_SECRET"`

	// ProvisioningKey authorizes the client_credentials grant when paired
	// with AdminUsername. Empty disables that shape.
	ProvisioningKey string `env:"PROVISIONING_KEY"`

	// ServiceKey is the service-wide key accepted as both client_id and
	// client_secret. Empty disables that shape.
	ServiceKey string `env:"SERVICE_KEY"`

	// AdminAPIKey gates the client administration endpoints. Empty
	// disables them.
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// DataDir is where state snapshots are written
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// SnapshotInterval is how often state is flushed to disk
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5m"`

	// AuthorizationCodeTTL is the authorization code lifetime
	AuthorizationCodeTTL time.Duration `env:"AUTH_CODE_TTL" envDefault:"10m"`

	// AccessTokenTTL is the access token lifetime
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`

	// AdminSessionTTL is the admin session lifetime
	AdminSessionTTL time.Duration `env:"ADMIN_SESSION_TTL" envDefault:"8760h"`

	// RateLimitPerSecond is the per-IP request rate on OAuth endpoints.
	// Zero or negative disables rate limiting.
	RateLimitPerSecond int `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`

	// RateLimitBurst is the per-IP burst allowance
	RateLimitBurst int `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// TrustProxy enables X-Forwarded-For parsing for client IPs
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`

	// TrustedProxyCount is the number of trusted reverse proxies in front
	// of the server when TrustProxy is enabled
	TrustedProxyCount int `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	// AuditEnabled turns security audit logging on
	AuditEnabled bool `env:"AUDIT_ENABLED" envDefault:"true"`

	// MetricsEnabled turns OpenTelemetry metrics on
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"false"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, errors.New("SERVER_URL is required"))
	} else if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		errs = append(errs, errors.New("SERVER_URL must be an http or https URL"))
	}

	if c.TokenSigningSecret == "" {
		errs = append(errs, errors.New("TOKEN_SIGNING_SECRET is required"))
	} else if len(c.TokenSigningSecret) < minSigningSecretLength {
		errs = append(errs, fmt.Errorf("TOKEN_SIGNING_SECRET must be at least %d bytes", minSigningSecretLength))
	}

	if c.AdminPassword == "" && c.AdminPasswordHash == "" {
		errs = append(errs, errors.New("one of ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required"))
	}

	if c.IsProduction() && !strings.HasPrefix(c.ServerURL, "https://") {
		errs = append(errs, errors.New("SERVER_URL must use https in production"))
	}

	if c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("SNAPSHOT_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
