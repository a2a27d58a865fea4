// Package config provides configuration management for tally.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37780

	// DefaultWorkerHost binds the worker to loopback unless configured.
	DefaultWorkerHost = "127.0.0.1"

	// Database drivers.
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerHost string `json:"worker_host"`
	WorkerPort int    `json:"worker_port"`
	AuthToken  string `json:"-"` // Empty disables token auth

	// Database settings
	DBDriver string `json:"db_driver"`
	DBDSN    string `json:"-"`
	MaxConns int    `json:"max_conns"`

	// Scoring settings
	ScoringTablePath string `json:"scoring_table_path"` // YAML; empty uses the shipped table

	// Redis standings (optional). Empty address keeps standings in SQL.
	RedisAddr      string `json:"redis_addr"`
	RedisPassword  string `json:"-"`
	RedisKeyPrefix string `json:"redis_key_prefix"`
	RedisDB        int    `json:"redis_db"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"` // Empty logs to stderr only

	// Store timeouts
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// Award endpoint rate limit per client (requests/second and burst)
	AwardRate  float64 `json:"award_rate"`
	AwardBurst int     `json:"award_burst"`

	// Browser origins allowed by CORS
	CORSOrigins []string `json:"cors_origins"`

	// OTLP/HTTP metric export. Empty endpoint disables export.
	OTLPEndpoint string            `json:"otlp_endpoint"`
	OTLPHeaders  map[string]string `json:"-"`
	OTLPInsecure bool              `json:"otlp_insecure"`

	// Standings reconciliation. A zero interval disables the scheduler.
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	ReconcileSettle   time.Duration `json:"reconcile_settle"`
}

// DataDir returns the data directory path (~/.tally).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tally")
}

// DBPath returns the default SQLite database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "tally.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "TALLY_WORKER_PORT": 37780,
  "TALLY_DB_DRIVER": "sqlite",
  "TALLY_LOG_LEVEL": "info"
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// SQLiteDSN builds a DSN for a SQLite database file with a busy timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerHost:   DefaultWorkerHost,
		WorkerPort:   DefaultWorkerPort,
		DBDriver:     DriverSQLite,
		DBDSN:        SQLiteDSN(DBPath()),
		MaxConns:     4,
		LogLevel:     "info",
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 3 * time.Second,
		AwardRate:    20,
		AwardBurst:   40,

		ReconcileSettle: time.Minute,
		CORSOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:5173",
		},
	}
}

// Load loads configuration from the settings file, merging with defaults,
// then applies environment overrides.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom is Load with an explicit settings file. A missing file is not
// an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var settings map[string]interface{}
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
		cfg.apply(func(key string) (interface{}, bool) {
			v, ok := settings[key]
			return v, ok
		})
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg.apply(func(key string) (interface{}, bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil, false
		}
		return v, true
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply maps TALLY_* keys onto the config. Values may be JSON-typed
// (settings file) or strings (environment).
func (c *Config) apply(lookup func(key string) (interface{}, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			if s, ok := v.(string); ok {
				*dst = strings.TrimSpace(s)
			}
		}
	}
	num := func(key string, set func(float64)) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		switch n := v.(type) {
		case float64:
			set(n)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				set(f)
			}
		}
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		switch b := v.(type) {
		case bool:
			*dst = b
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				*dst = parsed
			}
		}
	}
	list := func(key string, dst *[]string) {
		var raw string
		str(key, &raw)
		if raw == "" {
			return
		}
		*dst = splitList(raw)
	}
	millis := func(key string, dst *time.Duration) {
		num(key, func(v float64) {
			if v > 0 {
				*dst = time.Duration(v) * time.Millisecond
			}
		})
	}

	str("TALLY_WORKER_HOST", &c.WorkerHost)
	num("TALLY_WORKER_PORT", func(v float64) { c.WorkerPort = int(v) })
	str("TALLY_AUTH_TOKEN", &c.AuthToken)

	str("TALLY_DB_DRIVER", &c.DBDriver)
	str("TALLY_DB_DSN", &c.DBDSN)
	num("TALLY_DB_MAX_CONNS", func(v float64) {
		if v > 0 {
			c.MaxConns = int(v)
		}
	})

	str("TALLY_SCORING_TABLE", &c.ScoringTablePath)

	str("TALLY_REDIS_ADDR", &c.RedisAddr)
	str("TALLY_REDIS_PASSWORD", &c.RedisPassword)
	str("TALLY_REDIS_KEY_PREFIX", &c.RedisKeyPrefix)
	num("TALLY_REDIS_DB", func(v float64) { c.RedisDB = int(v) })

	str("TALLY_LOG_LEVEL", &c.LogLevel)
	str("TALLY_LOG_FILE", &c.LogFile)

	millis("TALLY_READ_TIMEOUT_MS", &c.ReadTimeout)
	millis("TALLY_WRITE_TIMEOUT_MS", &c.WriteTimeout)

	num("TALLY_AWARD_RATE", func(v float64) { c.AwardRate = v })
	num("TALLY_AWARD_BURST", func(v float64) { c.AwardBurst = int(v) })

	list("TALLY_CORS_ORIGINS", &c.CORSOrigins)

	num("TALLY_RECONCILE_INTERVAL_MINUTES", func(v float64) {
		if v >= 0 {
			c.ReconcileInterval = time.Duration(v * float64(time.Minute))
		}
	})
	num("TALLY_RECONCILE_SETTLE_SECONDS", func(v float64) {
		if v >= 0 {
			c.ReconcileSettle = time.Duration(v * float64(time.Second))
		}
	})

	str("TALLY_OTLP_ENDPOINT", &c.OTLPEndpoint)
	flag("TALLY_OTLP_INSECURE", &c.OTLPInsecure)
	var headers string
	str("TALLY_OTLP_HEADERS", &headers)
	if headers != "" {
		c.OTLPHeaders = ParseHeaders(headers)
	}
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseHeaders converts "key=value,foo=bar" into a header map.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range splitList(raw) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			headers[key] = strings.TrimSpace(value)
		}
	}
	return headers
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		return fmt.Errorf("invalid worker port %d", c.WorkerPort)
	}
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db dsn is required")
	}
	if c.AwardRate < 0 || c.AwardBurst < 0 {
		return fmt.Errorf("award rate limit must not be negative")
	}
	return nil
}

// Addr returns the worker listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}
