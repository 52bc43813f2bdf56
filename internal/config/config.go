package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	FHIREndpointURL string `mapstructure:"FHIR_ENDPOINT_URL"`
	EDIGatewayURL   string `mapstructure:"EDI_GATEWAY_URL"`

	SubmitMaxAttempts int           `mapstructure:"SUBMIT_MAX_ATTEMPTS"`
	BreakerThreshold  int           `mapstructure:"BREAKER_THRESHOLD"`
	BreakerCooldown   time.Duration `mapstructure:"BREAKER_COOLDOWN"`

	TrackerInterval       time.Duration `mapstructure:"TRACKER_INTERVAL"`
	TrackerWorkers        int           `mapstructure:"TRACKER_WORKERS"`
	TrackerPollTimeout    time.Duration `mapstructure:"TRACKER_POLL_TIMEOUT"`
	TrackerErrorThreshold int           `mapstructure:"TRACKER_ERROR_THRESHOLD"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8002")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SUBMIT_MAX_ATTEMPTS", 3)
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "1m")
	v.SetDefault("TRACKER_INTERVAL", "5m")
	v.SetDefault("TRACKER_WORKERS", 4)
	v.SetDefault("TRACKER_POLL_TIMEOUT", "10s")
	v.SetDefault("TRACKER_ERROR_THRESHOLD", 3)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"FHIR_ENDPOINT_URL", "EDI_GATEWAY_URL",
		"SUBMIT_MAX_ATTEMPTS", "BREAKER_THRESHOLD", "BREAKER_COOLDOWN",
		"TRACKER_INTERVAL", "TRACKER_WORKERS", "TRACKER_POLL_TIMEOUT",
		"TRACKER_ERROR_THRESHOLD", "REQUEST_TIMEOUT",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: all requests get admin access.")
		if cfg.DatabaseURL == "" {
			log.Println("WARNING: DATABASE_URL is unset; workflow state lives in memory only.")
		}
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the server refuses to start without durable storage, real authentication,
// and both payer gateway endpoints.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required outside development; workflow records must survive restarts")
	}
	if c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	if len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.FHIREndpointURL == "" {
		return fmt.Errorf("FHIR_ENDPOINT_URL is required outside development")
	}
	if c.EDIGatewayURL == "" {
		return fmt.Errorf("EDI_GATEWAY_URL is required outside development")
	}
	if c.SubmitMaxAttempts < 1 {
		return fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be at least 1, got %d", c.SubmitMaxAttempts)
	}
	return nil
}
