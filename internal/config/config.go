// Package config collects every component's tunables into one
// environment/file-loadable settings tree, one section per component.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/trafficctl/shiftd/internal/limiter"
)

// ARCHITECTURAL DISCOVERY: one settings tree, one env-var prefix, one file
// format — every component reads its own sub-struct and nothing else.
type Config struct {
	HTTP       *HTTPConfig       `json:"http"`
	Limiter    *LimiterConfig    `json:"limiter"`
	Store      *StoreConfig      `json:"store"`
	CommandBus *CommandBusConfig `json:"commandBus"`
	GeoIP      *GeoIPConfig      `json:"geoip"`
	Admin      *AdminConfig      `json:"admin"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// LimiterConfig mirrors limiter.Config with JSON tags (the file loader reads
// its durations as strings via configFile); ToLimiterConfig converts it to
// the type C1 actually consumes.
type LimiterConfig struct {
	Capacity           int           `json:"capacity"`
	RefillRate         int           `json:"refillRate"`
	RefillInterval     time.Duration `json:"refillInterval"`
	MaxEventsPerSecond float64       `json:"maxEventsPerSecond"`
	AutoThrottle       bool          `json:"autoThrottle"`
	ThrottleLatencyMs  int           `json:"throttleLatencyMs"`
	BanThreshold       int           `json:"banThreshold"`
	BanDuration        time.Duration `json:"banDuration"`
	InactivityEviction time.Duration `json:"inactivityEviction"`
}

func (c LimiterConfig) ToLimiterConfig() limiter.Config {
	return limiter.Config{
		Capacity:           c.Capacity,
		RefillRate:         c.RefillRate,
		RefillInterval:     c.RefillInterval,
		MaxEventsPerSecond: c.MaxEventsPerSecond,
		AutoThrottle:       c.AutoThrottle,
		ThrottleLatencyMs:  c.ThrottleLatencyMs,
		BanThreshold:       c.BanThreshold,
		BanDuration:        c.BanDuration,
		InactivityEviction: c.InactivityEviction,
	}
}

func limiterConfigFrom(c limiter.Config) *LimiterConfig {
	return &LimiterConfig{
		Capacity:           c.Capacity,
		RefillRate:         c.RefillRate,
		RefillInterval:     c.RefillInterval,
		MaxEventsPerSecond: c.MaxEventsPerSecond,
		AutoThrottle:       c.AutoThrottle,
		ThrottleLatencyMs:  c.ThrottleLatencyMs,
		BanThreshold:       c.BanThreshold,
		BanDuration:        c.BanDuration,
		InactivityEviction: c.InactivityEviction,
	}
}

// StoreConfig selects and configures C6's backend.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "mysql".
	Backend        string        `json:"backend"`
	SQLitePath     string        `json:"sqlitePath"`
	MySQLDSN       string        `json:"mysqlDSN"`
	ConnectTimeout time.Duration `json:"connectTimeout"`
	OpTimeout      time.Duration `json:"opTimeout"`
}

// CommandBusConfig selects and configures C4's backend.
type CommandBusConfig struct {
	// Backend is "local" (default, single-node) or "redis" (multi-node).
	Backend   string `json:"backend"`
	RedisAddr string `json:"redisAddr"`
	NodeID    string `json:"nodeId"`
}

// GeoIPConfig points C8 at a MaxMind GeoLite2-City database. An empty
// DatabasePath is valid and yields always-empty lookups.
type GeoIPConfig struct {
	DatabasePath string `json:"databasePath"`
}

// AdminConfig configures C7's auth and global ingress limit.
type AdminConfig struct {
	APIKey             string `json:"apiKey"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute"`
}

// DefaultConfig returns the defaults a deployment starts from before any
// env/file overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Limiter: limiterConfigFrom(limiter.DefaultConfig()),
		Store: &StoreConfig{
			Backend:        "sqlite",
			SQLitePath:     "./shiftd.db",
			ConnectTimeout: 2 * time.Second,
			OpTimeout:      30 * time.Second,
		},
		CommandBus: &CommandBusConfig{
			Backend: "local",
			NodeID:  defaultNodeID(),
		},
		GeoIP: &GeoIPConfig{},
		Admin: &AdminConfig{
			RateLimitPerMinute: 100,
		},
	}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-1"
	}
	return host
}

// Validate rejects configurations that would fail at startup rather than
// letting a component discover the problem later.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http read/write timeouts must be positive")
	}

	if c.Limiter == nil {
		return fmt.Errorf("limiter configuration is required")
	}
	if c.Limiter.Capacity <= 0 || c.Limiter.RefillRate <= 0 {
		return fmt.Errorf("limiter capacity and refillRate must be positive")
	}

	if c.Store == nil {
		return fmt.Errorf("store configuration is required")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlitePath is required for the sqlite backend")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("store.mysqlDSN is required for the mysql backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"sqlite\" or \"mysql\", got %q", c.Store.Backend)
	}

	if c.CommandBus == nil {
		return fmt.Errorf("commandBus configuration is required")
	}
	switch c.CommandBus.Backend {
	case "local":
	case "redis":
		if c.CommandBus.RedisAddr == "" {
			return fmt.Errorf("commandBus.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("commandBus.backend must be \"local\" or \"redis\", got %q", c.CommandBus.Backend)
	}

	if c.Admin == nil {
		return fmt.Errorf("admin configuration is required")
	}
	if c.Admin.APIKey == "" {
		return fmt.Errorf("admin.apiKey must be set — an empty key would lock out every admin route")
	}
	if c.Admin.RateLimitPerMinute < 0 {
		return fmt.Errorf("admin.rateLimitPerMinute cannot be negative")
	}

	return nil
}

// LoadFromEnv overrides DefaultConfig with SHIFTD_-prefixed environment
// variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("SHIFTD_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("SHIFTD_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("SHIFTD_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("SHIFTD_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = d
		}
	}

	if v := os.Getenv("SHIFTD_LIMITER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limiter.Capacity = n
		}
	}
	if v := os.Getenv("SHIFTD_LIMITER_REFILL_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limiter.RefillRate = n
		}
	}
	if v := os.Getenv("SHIFTD_LIMITER_BAN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limiter.BanThreshold = n
		}
	}
	if v := os.Getenv("SHIFTD_LIMITER_BAN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limiter.BanDuration = d
		}
	}
	if v := os.Getenv("SHIFTD_LIMITER_AUTO_THROTTLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Limiter.AutoThrottle = b
		}
	}

	if v := os.Getenv("SHIFTD_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("SHIFTD_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("SHIFTD_STORE_MYSQL_DSN"); v != "" {
		cfg.Store.MySQLDSN = v
	}

	if v := os.Getenv("SHIFTD_COMMANDBUS_BACKEND"); v != "" {
		cfg.CommandBus.Backend = v
	}
	if v := os.Getenv("SHIFTD_COMMANDBUS_REDIS_ADDR"); v != "" {
		cfg.CommandBus.RedisAddr = v
	}
	if v := os.Getenv("SHIFTD_COMMANDBUS_NODE_ID"); v != "" {
		cfg.CommandBus.NodeID = v
	}

	if v := os.Getenv("SHIFTD_GEOIP_DATABASE_PATH"); v != "" {
		cfg.GeoIP.DatabasePath = v
	}

	if v := os.Getenv("SHIFTD_ADMIN_API_KEY"); v != "" {
		cfg.Admin.APIKey = v
	}
	if v := os.Getenv("SHIFTD_ADMIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admin.RateLimitPerMinute = n
		}
	}

	return cfg
}

// configFile is the JSON-on-disk shape: same tree, durations as strings
// so the file stays human-editable.
type configFile struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"readTimeout"`
		WriteTimeout string `json:"writeTimeout"`
	} `json:"http"`
	Limiter *struct {
		Capacity           int     `json:"capacity"`
		RefillRate         int     `json:"refillRate"`
		RefillInterval     string  `json:"refillInterval"`
		MaxEventsPerSecond float64 `json:"maxEventsPerSecond"`
		AutoThrottle       *bool   `json:"autoThrottle"`
		ThrottleLatencyMs  int     `json:"throttleLatencyMs"`
		BanThreshold       int     `json:"banThreshold"`
		BanDuration        string  `json:"banDuration"`
		InactivityEviction string  `json:"inactivityEviction"`
	} `json:"limiter"`
	Store      *StoreConfig      `json:"store"`
	CommandBus *CommandBusConfig `json:"commandBus"`
	GeoIP      *GeoIPConfig      `json:"geoip"`
	Admin      *AdminConfig      `json:"admin"`
}

// LoadFromFile parses a JSON config file on top of DefaultConfig, then
// validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fileCfg configFile
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if h := fileCfg.HTTP; h != nil {
		if h.Host != "" {
			cfg.HTTP.Host = h.Host
		}
		if h.Port > 0 {
			cfg.HTTP.Port = h.Port
		}
		if h.ReadTimeout != "" {
			if d, err := time.ParseDuration(h.ReadTimeout); err == nil {
				cfg.HTTP.ReadTimeout = d
			}
		}
		if h.WriteTimeout != "" {
			if d, err := time.ParseDuration(h.WriteTimeout); err == nil {
				cfg.HTTP.WriteTimeout = d
			}
		}
	}

	if l := fileCfg.Limiter; l != nil {
		if l.Capacity > 0 {
			cfg.Limiter.Capacity = l.Capacity
		}
		if l.RefillRate > 0 {
			cfg.Limiter.RefillRate = l.RefillRate
		}
		if l.RefillInterval != "" {
			if d, err := time.ParseDuration(l.RefillInterval); err == nil {
				cfg.Limiter.RefillInterval = d
			}
		}
		if l.MaxEventsPerSecond > 0 {
			cfg.Limiter.MaxEventsPerSecond = l.MaxEventsPerSecond
		}
		if l.AutoThrottle != nil {
			cfg.Limiter.AutoThrottle = *l.AutoThrottle
		}
		if l.ThrottleLatencyMs > 0 {
			cfg.Limiter.ThrottleLatencyMs = l.ThrottleLatencyMs
		}
		if l.BanThreshold > 0 {
			cfg.Limiter.BanThreshold = l.BanThreshold
		}
		if l.BanDuration != "" {
			if d, err := time.ParseDuration(l.BanDuration); err == nil {
				cfg.Limiter.BanDuration = d
			}
		}
		if l.InactivityEviction != "" {
			if d, err := time.ParseDuration(l.InactivityEviction); err == nil {
				cfg.Limiter.InactivityEviction = d
			}
		}
	}

	if fileCfg.Store != nil {
		cfg.Store = fileCfg.Store
	}
	if fileCfg.CommandBus != nil {
		cfg.CommandBus = fileCfg.CommandBus
	}
	if fileCfg.GeoIP != nil {
		cfg.GeoIP = fileCfg.GeoIP
	}
	if fileCfg.Admin != nil {
		cfg.Admin = fileCfg.Admin
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence layers defaults, then environment, then an
// optional file. A successfully-loaded file replaces the env-loaded config
// wholesale rather than merging into it.
func LoadConfigWithPrecedence(path string) *Config {
	cfg := LoadFromEnv()

	if path != "" {
		if fileCfg, err := LoadFromFile(path); err == nil {
			cfg = fileCfg
		}
	}

	return cfg
}
