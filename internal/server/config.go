// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the Beacon service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// AuthConfig holds identity verification settings. Secret selects HMAC mode and
// JWKSURL selects JWKS mode; Roles is the recognized role set.
type AuthConfig struct {
	Secret           string
	Issuer           string
	JWKSURL          string
	Roles            []string
	HandshakeTimeout time.Duration
}

// PresenceConfig holds presence state machine tuning.
type PresenceConfig struct {
	// OfflineGrace debounces the offline transition so a page reload's
	// close-then-reopen does not flicker offline/online. Zero disables it.
	OfflineGrace time.Duration
}

// TypingConfig holds typing-indicator tuning.
type TypingConfig struct {
	// Expiry bounds how long a typing-start stays live without a refresh
	// before a stop is synthesized for the peer.
	Expiry time.Duration
}

// StoreConfig selects the durable storage backend.
type StoreConfig struct {
	Driver string // "sqlite" or "memory"
	DSN    string
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	Auth           AuthConfig
	Presence       PresenceConfig
	Typing         TypingConfig
	Store          StoreConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 8192,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			Roles:            []string{"member", "admin", "superadmin"},
			HandshakeTimeout: 10 * time.Second,
		},
		Presence: PresenceConfig{
			OfflineGrace: 3 * time.Second,
		},
		Typing: TypingConfig{
			Expiry: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "beacon.db",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if len(cfg.Auth.Roles) == 0 {
		cfg.Auth.Roles = append([]string(nil), def.Auth.Roles...)
	}
	if cfg.Auth.HandshakeTimeout <= 0 {
		cfg.Auth.HandshakeTimeout = def.Auth.HandshakeTimeout
	}
	if cfg.Presence.OfflineGrace < 0 {
		cfg.Presence.OfflineGrace = def.Presence.OfflineGrace
	}
	if cfg.Typing.Expiry <= 0 {
		cfg.Typing.Expiry = def.Typing.Expiry
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = def.Store.DSN
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitized.Auth.Roles = append([]string(nil), cfg.Auth.Roles...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.Auth.Roles = append([]string(nil), cfg.Auth.Roles...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64Value(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if issuer := os.Getenv("AUTH_ISSUER"); issuer != "" {
		cfg.Auth.Issuer = issuer
	}
	if jwksURL := os.Getenv("AUTH_JWKS_URL"); jwksURL != "" {
		cfg.Auth.JWKSURL = jwksURL
	}
	if roles := os.Getenv("AUTH_ROLES"); roles != "" {
		cfg.Auth.Roles = splitAndTrim(roles)
	}
	if timeout := os.Getenv("AUTH_HANDSHAKE_TIMEOUT"); timeout != "" {
		cfg.Auth.HandshakeTimeout = parseSeconds(timeout, cfg.Auth.HandshakeTimeout)
	}
	if grace := os.Getenv("PRESENCE_OFFLINE_GRACE"); grace != "" {
		cfg.Presence.OfflineGrace = parseSeconds(grace, cfg.Presence.OfflineGrace)
	}
	if expiry := os.Getenv("TYPING_EXPIRY"); expiry != "" {
		cfg.Typing.Expiry = parseSeconds(expiry, cfg.Typing.Expiry)
	}
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	return &cfg
}

// rawConfig mirrors Config for YAML decoding; durations are strings parsed
// with time.ParseDuration so the file can say "3s" rather than nanoseconds.
type rawConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	RateLimit      struct {
		Burst          int    `yaml:"burst"`
		RefillInterval string `yaml:"refill_interval"`
	} `yaml:"rate_limit"`
	Auth struct {
		Secret           string   `yaml:"secret"`
		Issuer           string   `yaml:"issuer"`
		JWKSURL          string   `yaml:"jwks_url"`
		Roles            []string `yaml:"roles"`
		HandshakeTimeout string   `yaml:"handshake_timeout"`
	} `yaml:"auth"`
	Presence struct {
		OfflineGrace string `yaml:"offline_grace"`
	} `yaml:"presence"`
	Typing struct {
		Expiry string `yaml:"expiry"`
	} `yaml:"typing"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
}

// LoadConfigFile reads a YAML configuration file and merges it over defaults.
// Durations use Go duration syntax (for example "3s" or "500ms").
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := defaultConfig()
	if raw.Port != "" {
		cfg.Port = raw.Port
	}
	if len(raw.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = raw.AllowedOrigins
	}
	if raw.MaxMessageSize > 0 {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if raw.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if err := applyDuration(&cfg.RateLimit.RefillInterval, raw.RateLimit.RefillInterval); err != nil {
		return nil, fmt.Errorf("rate_limit.refill_interval: %w", err)
	}
	cfg.Auth.Secret = raw.Auth.Secret
	cfg.Auth.Issuer = raw.Auth.Issuer
	cfg.Auth.JWKSURL = raw.Auth.JWKSURL
	if len(raw.Auth.Roles) > 0 {
		cfg.Auth.Roles = raw.Auth.Roles
	}
	if err := applyDuration(&cfg.Auth.HandshakeTimeout, raw.Auth.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("auth.handshake_timeout: %w", err)
	}
	if err := applyDuration(&cfg.Presence.OfflineGrace, raw.Presence.OfflineGrace); err != nil {
		return nil, fmt.Errorf("presence.offline_grace: %w", err)
	}
	if err := applyDuration(&cfg.Typing.Expiry, raw.Typing.Expiry); err != nil {
		return nil, fmt.Errorf("typing.expiry: %w", err)
	}
	if raw.Store.Driver != "" {
		cfg.Store.Driver = raw.Store.Driver
	}
	if raw.Store.DSN != "" {
		cfg.Store.DSN = raw.Store.DSN
	}
	return &cfg, nil
}

func applyDuration(target *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
