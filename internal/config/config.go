package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "ROLODEX"
	defaultEnvFile       = ".env"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDriver        = "sqlite"
	defaultDatabaseDSN   = "rolodex.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "app_session"
	defaultIssuer        = "tauth"
	defaultNameThreshold = 0.5
	defaultCountryCode   = "1"
	defaultNationalLen   = 10
	defaultCacheBackend  = "memory"
	defaultCacheCapacity = 4096
	defaultCacheTTL      = 24 * time.Hour
	defaultRateRPS       = 5.0
	defaultRateBurst     = 20
	defaultFetchTimeout  = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	SessionSecret     string
	SessionIssuer     string
	SessionCookieName string
	NameThreshold     float64
	PhoneCountryCode  string
	PhoneNationalLen  int
	CacheBackend      string
	CacheCapacity     int
	CacheTTL          time.Duration
	RedisAddress      string
	RateLimitRPS      float64
	RateLimitBurst    int
	MediaBucket       string
	MediaPublicURL    string
	MediaFetchTimeout time.Duration
}

// LoadEnvFile exports the variables of a dotenv file into the process environment. A missing
// default file is not an error; an explicitly named one is.
func LoadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultEnvFile
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("matching.name_threshold", defaultNameThreshold)
	configViper.SetDefault("phone.country_code", defaultCountryCode)
	configViper.SetDefault("phone.national_length", defaultNationalLen)
	configViper.SetDefault("cache.backend", defaultCacheBackend)
	configViper.SetDefault("cache.capacity", defaultCacheCapacity)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("ratelimit.rps", defaultRateRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
	configViper.SetDefault("media.fetch_timeout", defaultFetchTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SessionSecret:     configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		NameThreshold:     configViper.GetFloat64("matching.name_threshold"),
		PhoneCountryCode:  configViper.GetString("phone.country_code"),
		PhoneNationalLen:  configViper.GetInt("phone.national_length"),
		CacheBackend:      strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		CacheCapacity:     configViper.GetInt("cache.capacity"),
		CacheTTL:          configViper.GetDuration("cache.ttl"),
		RedisAddress:      configViper.GetString("redis.address"),
		RateLimitRPS:      configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:    configViper.GetInt("ratelimit.burst"),
		MediaBucket:       configViper.GetString("media.bucket"),
		MediaPublicURL:    configViper.GetString("media.public_base_url"),
		MediaFetchTimeout: configViper.GetDuration("media.fetch_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.NameThreshold < 0 || c.NameThreshold > 1 {
		return fmt.Errorf("matching.name_threshold must be within [0,1], got %v", c.NameThreshold)
	}
	if c.PhoneNationalLen < 0 {
		return fmt.Errorf("phone.national_length must not be negative")
	}
	switch c.CacheBackend {
	case "memory":
		if c.CacheCapacity <= 0 {
			return fmt.Errorf("cache.capacity must be positive")
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.CacheBackend)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must not be negative")
	}
	return nil
}
