// Package appconfig loads configuration for the oauthx command.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bionicotaku/lingo-utils-oauthx"
)

const envPrefix = "OAUTHX_"

// Config is the application configuration, read from YAML and overridden by
// OAUTHX_* environment variables.
type Config struct {
	Env             string        `yaml:"env" validate:"oneof=dev test prod"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Issuer          string        `yaml:"issuer" validate:"required,url"`
	JWKSURL         string        `yaml:"jwksUrl" validate:"omitempty,url"`
	Audience        string        `yaml:"audience" validate:"required"`
	RequiredScope   string        `yaml:"requiredScope"`
	UserInfoURL     string        `yaml:"userInfoUrl" validate:"omitempty,url"`
	Strategy        string        `yaml:"strategy" validate:"oneof=standard claims_caching"`
	CacheTTLCeiling time.Duration `yaml:"cacheTtlCeiling" validate:"gte=0"`
	ClockSkew       time.Duration `yaml:"clockSkew" validate:"gte=0"`
	Cache           CacheConfig   `yaml:"cache"`
	DatabaseDSN     string        `yaml:"databaseDsn"`
	Log             LogConfig     `yaml:"log"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	Tracing         bool          `yaml:"tracing"`
}

// CacheConfig selects the claims cache backend.
type CacheConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory redis"`
	MaxEntries    int    `yaml:"maxEntries" validate:"gte=0"`
	RedisAddr     string `yaml:"redisAddr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redisPassword"`
}

// LogConfig controls the zap logger built by the command.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Env:             "dev",
		Port:            8080,
		Strategy:        string(oauthx.StrategyStandard),
		CacheTTLCeiling: 30 * time.Minute,
		Cache:           CacheConfig{Backend: "memory"},
		Log:             LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads .env (when present), the YAML file at path (when non-empty) and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	strategy, err := oauthx.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	cfg.Strategy = string(strategy)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationError(verrs)
		}
		return err
	}
	if c.IssuerConfig().GoogleIDToken() {
		return fmt.Errorf("issuer %s without jwksUrl selects Google ID token validation; ID tokens carry no scope claim and cannot be authorized", c.Issuer)
	}
	if c.IsProduction() && c.Strategy == string(oauthx.StrategyClaimsCaching) && c.Cache.Backend == "memory" {
		return errors.New("claims caching in prod requires the redis cache backend")
	}
	return nil
}

// IsProduction reports whether the dev bypass must stay disabled.
func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

// IssuerConfig maps the application settings onto the validator's issuer.
func (c *Config) IssuerConfig() oauthx.IssuerConfig {
	return oauthx.IssuerConfig{
		Name:      "default",
		Issuer:    c.Issuer,
		JWKSURL:   c.JWKSURL,
		Audience:  c.Audience,
		ClockSkew: c.ClockSkew,
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Env, "ENV")
	setString(&c.Issuer, "ISSUER")
	setString(&c.JWKSURL, "JWKS_URL")
	setString(&c.Audience, "AUDIENCE")
	setString(&c.RequiredScope, "REQUIRED_SCOPE")
	setString(&c.UserInfoURL, "USERINFO_URL")
	setString(&c.Strategy, "STRATEGY")
	setString(&c.Cache.Backend, "CACHE_BACKEND")
	setString(&c.Cache.RedisAddr, "REDIS_ADDR")
	setString(&c.Cache.RedisPassword, "REDIS_PASSWORD")
	setString(&c.DatabaseDSN, "DATABASE_DSN")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	if v := os.Getenv(envPrefix + "CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		c.Port = p
	}
	if v := os.Getenv(envPrefix + "CACHE_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCACHE_MAX_ENTRIES: %w", envPrefix, err)
		}
		c.Cache.MaxEntries = n
	}
	if v := os.Getenv(envPrefix + "TRACING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRACING: %w", envPrefix, err)
		}
		c.Tracing = b
	}
	for key, dst := range map[string]*time.Duration{
		"CACHE_TTL_CEILING": &c.CacheTTLCeiling,
		"CLOCK_SKEW":        &c.ClockSkew,
	} {
		if v := os.Getenv(envPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validationError(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		field := err.Namespace()
		switch err.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, err.Param()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s validation failed on '%s' tag", field, err.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
