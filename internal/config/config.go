// Package config handles loading and validation of bypassgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// BYPASSGATE_ prefix:
//
//	server.address → BYPASSGATE_SERVER_ADDRESS
//	throttle.key_strategy.header_name → BYPASSGATE_THROTTLE_KEY_STRATEGY_HEADER_NAME
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via BYPASSGATE_CONFIG_FILE.
const defaultConfigFile = "/etc/bypassgate/config.yaml"

// envPrefix is prepended to every environment variable override.
const envPrefix = "BYPASSGATE_"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// StoreBackend selects where client activity records live.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

func (s StoreBackend) Valid() bool {
	switch s {
	case StoreBackendMemory, StoreBackendRedis:
		return true
	}
	return false
}

// KeyStrategyType defines how a client identifier is derived from a request.
type KeyStrategyType string

const (
	KeyStrategyClientIP KeyStrategyType = "clientip"
	KeyStrategyHeader   KeyStrategyType = "header"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyClientIP, KeyStrategyHeader:
		return true
	}
	return false
}

// MatchMode controls how error keywords are matched against provider output.
type MatchMode string

const (
	MatchModeSubstring MatchMode = "substring"
	MatchModeToken     MatchMode = "token"
)

func (m MatchMode) Valid() bool {
	switch m {
	case MatchModeSubstring, MatchModeToken:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level bypassgate configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	Throttle ThrottleConfig `yaml:"throttle" envPrefix:"THROTTLE_"`
	Resolver ResolverConfig `yaml:"resolver" envPrefix:"RESOLVER_"`
	Redis    RedisConfig    `yaml:"redis"    envPrefix:"REDIS_"`
	Logging  LoggingConfig  `yaml:"logging"  envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing"  envPrefix:"TRACING_"`
}

// ServerConfig holds the public HTTP server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`

	// CORSAllowOrigin is sent as Access-Control-Allow-Origin on every
	// response. Empty disables CORS headers entirely.
	CORSAllowOrigin string `yaml:"cors_allow_origin" env:"CORS_ALLOW_ORIGIN"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`

	// GRPCHealthAddress, when set, exposes the standard grpc.health.v1
	// service on this address. Empty disables it.
	GRPCHealthAddress string `yaml:"grpc_health_address" env:"GRPC_HEALTH_ADDRESS"`
}

// ThrottleConfig holds the burst-throttling policy.
type ThrottleConfig struct {
	Enabled       bool              `yaml:"enabled"        env:"ENABLED"`
	Threshold     int64             `yaml:"threshold"      env:"THRESHOLD"`
	Window        string            `yaml:"window"         env:"WINDOW"`
	BlockDuration string            `yaml:"block_duration" env:"BLOCK_DURATION"`
	Store         StoreBackend      `yaml:"store"          env:"STORE"`
	KeyPrefix     string            `yaml:"key_prefix"     env:"KEY_PREFIX"`
	KeyStrategy   KeyStrategyConfig `yaml:"key_strategy"   envPrefix:"KEY_STRATEGY_"`
}

// KeyStrategyConfig defines how the client identifier is extracted.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are honored. When empty, only RemoteAddr is used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// ResolverConfig holds the fallback resolver settings.
type ResolverConfig struct {
	APIKey        RedactedString `yaml:"api_key"        env:"API_KEY"`
	ProvidersFile string         `yaml:"providers_file" env:"PROVIDERS_FILE"`
	Timeout       string         `yaml:"timeout"        env:"TIMEOUT"`
	MaxBodyBytes  int64          `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	UserAgent     string         `yaml:"user_agent"     env:"USER_AGENT"`

	// ErrorKeywords replaces the built-in keyword list when non-empty.
	ErrorKeywords []string  `yaml:"error_keywords" env:"ERROR_KEYWORDS" envSeparator:","`
	MatchMode     MatchMode `yaml:"match_mode"     env:"MATCH_MODE"`

	// ProviderRPS caps outbound calls per provider name. 0 means unlimited.
	ProviderRPS float64 `yaml:"provider_rps" env:"PROVIDER_RPS"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON(). Use Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

func (r RedactedString) GoString() string { return r.String() }

func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with the production defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":3000",
			ReadTimeout:     "30s",
			WriteTimeout:    "150s", // lifted by /bypass while providers are tried
			IdleTimeout:     "120s",
			DrainTimeout:    "30s",
			CORSAllowOrigin: "*",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Throttle: ThrottleConfig{
			Enabled:       true,
			Threshold:     10,
			Window:        "60s",
			BlockDuration: "10m",
			Store:         StoreBackendMemory,
			KeyPrefix:     "bypassgate",
			KeyStrategy: KeyStrategyConfig{
				Type: KeyStrategyClientIP,
			},
		},
		Resolver: ResolverConfig{
			ProvidersFile: "/etc/bypassgate/apisbypass.json",
			Timeout:       "60s",
			MaxBodyBytes:  1 << 20,
			MatchMode:     MatchModeSubstring,
			UserAgent:     "bypassgate",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "bypassgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	if p := os.Getenv(envPrefix + "CONFIG_FILE"); p != "" {
		return p
	}
	return defaultConfigFile
}

// Load reads configuration from ConfigFilePath and overlays environment
// variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. A missing file is not an error; defaults
// and env overrides still apply.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize lowercases enum fields so "Redis" or "TOKEN" match the
// canonical constants.
func (cfg *Config) normalize() {
	cfg.Throttle.Store = StoreBackend(strings.ToLower(string(cfg.Throttle.Store)))
	cfg.Throttle.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.Throttle.KeyStrategy.Type)))
	cfg.Resolver.MatchMode = MatchMode(strings.ToLower(string(cfg.Resolver.MatchMode)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateThrottle(cfg); err != nil {
		return err
	}
	if err := validateResolver(cfg); err != nil {
		return err
	}
	if cfg.Throttle.Enabled && cfg.Throttle.Store == StoreBackendRedis {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"throttle.window", cfg.Throttle.Window},
		{"throttle.block_duration", cfg.Throttle.BlockDuration},
		{"resolver.timeout", cfg.Resolver.Timeout},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true")
	}
	if v := cfg.Server.TLS.MinVersion; !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateThrottle(cfg *Config) error {
	t := cfg.Throttle
	if !t.Enabled {
		return nil
	}
	if t.Threshold < 1 {
		return fmt.Errorf("throttle.threshold must be >= 1")
	}
	if d, _ := time.ParseDuration(t.Window); d <= 0 {
		return fmt.Errorf("throttle.window must be a positive duration")
	}
	if d, _ := time.ParseDuration(t.BlockDuration); d <= 0 {
		return fmt.Errorf("throttle.block_duration must be a positive duration")
	}
	if !t.Store.Valid() {
		return fmt.Errorf("invalid throttle.store %q: must be memory or redis", t.Store)
	}
	ks := t.KeyStrategy
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown throttle.key_strategy.type %q", ks.Type)
	}
	if ks.Type == KeyStrategyHeader && ks.HeaderName == "" {
		return fmt.Errorf("throttle.key_strategy.header_name is required when type is %q", ks.Type)
	}
	for _, cidr := range ks.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid throttle.key_strategy.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	return nil
}

func validateResolver(cfg *Config) error {
	r := cfg.Resolver
	if r.APIKey == "" {
		return fmt.Errorf("resolver.api_key is required")
	}
	if r.ProvidersFile == "" {
		return fmt.Errorf("resolver.providers_file is required")
	}
	if r.MatchMode != "" && !r.MatchMode.Valid() {
		return fmt.Errorf("invalid resolver.match_mode %q: must be substring or token", r.MatchMode)
	}
	if r.MaxBodyBytes < 0 {
		return fmt.Errorf("resolver.max_body_bytes must be >= 0")
	}
	if r.ProviderRPS < 0 {
		return fmt.Errorf("resolver.provider_rps must be >= 0")
	}
	return nil
}

func validateRedis(rc RedisConfig) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed but cannot be applied without a process restart.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Admin.GRPCHealthAddress != old.Admin.GRPCHealthAddress {
		fields = append(fields, "admin.grpc_health_address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Throttle.Store != old.Throttle.Store {
		fields = append(fields, "throttle.store")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Resolver.Timeout != old.Resolver.Timeout {
		fields = append(fields, "resolver.timeout")
	}
	if c.Resolver.MaxBodyBytes != old.Resolver.MaxBodyBytes {
		fields = append(fields, "resolver.max_body_bytes")
	}
	if c.Resolver.UserAgent != old.Resolver.UserAgent {
		fields = append(fields, "resolver.user_agent")
	}
	if c.Logging != old.Logging {
		fields = append(fields, "logging")
	}
	return fields
}
