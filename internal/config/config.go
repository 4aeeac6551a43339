// Package config loads the exporter configuration from environment
// variables, with optional .env file support for development deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Backend modes accepted by BACKEND_MODE.
const (
	ModeAggregator = "aggregator"
	ModeDirect     = "direct"
)

// Config is the full runtime configuration.
type Config struct {
	Store   StoreConfig
	Backend BackendConfig
	Sync    SyncConfig
	Silence SilenceConfig
	Mapping MappingConfig
	Log     LogConfig
	Server  ServerConfig

	// EnvFile is the .env path that was loaded, if any. The watcher
	// monitors it for runtime-tunable changes.
	EnvFile string
}

// StoreConfig configures the PostgreSQL connection pool.
type StoreConfig struct {
	Host           string `validate:"required"`
	Port           int    `validate:"min=1,max=65535"`
	Name           string `validate:"required"`
	User           string `validate:"required"`
	Password       string
	SSLMode        string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	DSN            string // full connection string override
	PoolMin        int32  `validate:"min=0"`
	PoolMax        int32  `validate:"min=1"`
	TimeoutSeconds int    `validate:"min=1"`
	AutoMigrate    bool
}

// ConnString returns the pgx connection string, honoring the DSN override.
func (s StoreConfig) ConnString() string {
	if s.DSN != "" {
		return s.DSN
	}
	parts := []string{
		fmt.Sprintf("host=%s", s.Host),
		fmt.Sprintf("port=%d", s.Port),
		fmt.Sprintf("dbname=%s", s.Name),
		fmt.Sprintf("user=%s", s.User),
	}
	if s.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", s.Password))
	}
	parts = append(parts, fmt.Sprintf("sslmode=%s", s.SSLMode))
	return strings.Join(parts, " ")
}

// Timeout returns the per-query timeout.
func (s StoreConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// BackendConfig selects and configures the notification backend.
type BackendConfig struct {
	Mode         string `validate:"oneof=aggregator direct"`
	Alertmanager AlertmanagerConfig
	OpsGenie     OpsGenieConfig
}

// AlertmanagerConfig configures the aggregator backend.
type AlertmanagerConfig struct {
	URL             string
	Username        string
	Password        string
	TimeoutSeconds  int `validate:"min=1"`
	RetryCount      int `validate:"min=1"`
	RetryIntervalMS int `validate:"min=0"`
}

// Timeout returns the HTTP client timeout.
func (a AlertmanagerConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RetryInterval returns the pause between retry attempts.
func (a AlertmanagerConfig) RetryInterval() time.Duration {
	return time.Duration(a.RetryIntervalMS) * time.Millisecond
}

// OpsGenieConfig configures the direct incident backend.
type OpsGenieConfig struct {
	URL             string
	APIKey          string
	DefaultTeam     string
	DefaultPriority string `validate:"oneof=P1 P2 P3 P4 P5"`
	TimeoutSeconds  int    `validate:"min=1"`
	RetryCount      int    `validate:"min=1"`
	RetryIntervalMS int    `validate:"min=0"`
	RateLimitRPS    float64
}

// Timeout returns the HTTP client timeout.
func (o OpsGenieConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// RetryInterval returns the pause between retry attempts.
func (o OpsGenieConfig) RetryInterval() time.Duration {
	return time.Duration(o.RetryIntervalMS) * time.Millisecond
}

// SyncConfig controls the reconciliation loop.
type SyncConfig struct {
	Enabled                  bool
	IntervalSeconds          int `validate:"min=1"`
	HeartbeatEnabled         bool
	HeartbeatIntervalSeconds int `validate:"min=1"`
	BatchSize                int `validate:"min=1,max=10000"`
	OnStartup                bool
	HistoryHours             int `validate:"min=1"`
	AlarmLevels              []string
	SeverityFilter           []string
}

// Interval returns the scan interval.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// HeartbeatInterval returns the re-push interval for long-lived alarms.
func (s SyncConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// History returns how far back new alarms are picked up.
func (s SyncConfig) History() time.Duration {
	return time.Duration(s.HistoryHours) * time.Hour
}

// SilenceConfig controls suppression handling for masked alarms.
type SilenceConfig struct {
	UseAPI            bool
	DurationHours     int `validate:"min=1"`
	AutoRemoveOnClear bool
	CommentTemplate   string
	Operator          string
}

// Duration returns the suppression window length.
func (s SilenceConfig) Duration() time.Duration {
	return time.Duration(s.DurationHours) * time.Hour
}

// MappingConfig holds the severity/state translation tables and the static
// labels stamped onto every notification.
type MappingConfig struct {
	Severity     map[string]string
	State        map[string]string
	StaticLabels map[string]string
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	Compress   bool
}

// ServerConfig configures the operator HTTP listener.
type ServerConfig struct {
	Host string
	Port int `validate:"min=1,max=65535"`
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "zmc",
			User:           "zmc_sync",
			SSLMode:        "disable",
			PoolMin:        2,
			PoolMax:        10,
			TimeoutSeconds: 30,
			AutoMigrate:    true,
		},
		Backend: BackendConfig{
			Mode: ModeAggregator,
			Alertmanager: AlertmanagerConfig{
				URL:             "http://localhost:9093",
				TimeoutSeconds:  30,
				RetryCount:      3,
				RetryIntervalMS: 1000,
			},
			OpsGenie: OpsGenieConfig{
				URL:             "https://api.opsgenie.com",
				DefaultPriority: "P3",
				TimeoutSeconds:  30,
				RetryCount:      3,
				RetryIntervalMS: 1000,
				RateLimitRPS:    10,
			},
		},
		Sync: SyncConfig{
			Enabled:                  true,
			IntervalSeconds:          60,
			HeartbeatEnabled:         false,
			HeartbeatIntervalSeconds: 120,
			BatchSize:                100,
			OnStartup:                true,
			HistoryHours:             24,
			AlarmLevels:              []string{"1", "2", "3", "4"},
		},
		Silence: SilenceConfig{
			UseAPI:            true,
			DurationHours:     24,
			AutoRemoveOnClear: true,
			CommentTemplate:   "Silenced by ZMC at {time}. Operator: {operator}",
			Operator:          "zmc-alarm-exporter",
		},
		Mapping: MappingConfig{
			Severity: map[string]string{
				"0": "warning",
				"1": "critical",
				"2": "error",
				"3": "warning",
				"4": "info",
			},
			State: map[string]string{
				"A": "RESOLVED",
				"M": "SILENCED",
				"C": "RESOLVED",
			},
			StaticLabels: map[string]string{
				"source": "BSS_OSS_L1",
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

// Load builds the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.EnvFile = loadEnvFile()

	// Store
	envString(&cfg.Store.Host, "ZMC_DB_HOST")
	envInt(&cfg.Store.Port, "ZMC_DB_PORT")
	envString(&cfg.Store.Name, "ZMC_DB_NAME")
	envString(&cfg.Store.User, "ZMC_DB_USER")
	envString(&cfg.Store.Password, "ZMC_DB_PASSWORD")
	envString(&cfg.Store.SSLMode, "ZMC_DB_SSLMODE")
	envString(&cfg.Store.DSN, "ZMC_DB_DSN")
	envInt32(&cfg.Store.PoolMin, "ZMC_DB_POOL_MIN")
	envInt32(&cfg.Store.PoolMax, "ZMC_DB_POOL_MAX")
	envInt(&cfg.Store.TimeoutSeconds, "ZMC_DB_TIMEOUT_SECONDS")
	envBool(&cfg.Store.AutoMigrate, "ZMC_DB_AUTO_MIGRATE")

	// Backend
	envString(&cfg.Backend.Mode, "BACKEND_MODE")
	cfg.Backend.Mode = strings.ToLower(strings.TrimSpace(cfg.Backend.Mode))
	envString(&cfg.Backend.Alertmanager.URL, "ALERTMANAGER_URL")
	envString(&cfg.Backend.Alertmanager.Username, "ALERTMANAGER_USERNAME")
	envString(&cfg.Backend.Alertmanager.Password, "ALERTMANAGER_PASSWORD")
	envInt(&cfg.Backend.Alertmanager.TimeoutSeconds, "ALERTMANAGER_TIMEOUT_SECONDS")
	envInt(&cfg.Backend.Alertmanager.RetryCount, "ALERTMANAGER_RETRY_COUNT")
	envInt(&cfg.Backend.Alertmanager.RetryIntervalMS, "ALERTMANAGER_RETRY_INTERVAL_MS")
	envString(&cfg.Backend.OpsGenie.URL, "OPSGENIE_API_URL")
	envString(&cfg.Backend.OpsGenie.APIKey, "OPSGENIE_API_KEY")
	envString(&cfg.Backend.OpsGenie.DefaultTeam, "OPSGENIE_DEFAULT_TEAM")
	envString(&cfg.Backend.OpsGenie.DefaultPriority, "OPSGENIE_DEFAULT_PRIORITY")
	envInt(&cfg.Backend.OpsGenie.TimeoutSeconds, "OPSGENIE_TIMEOUT_SECONDS")
	envInt(&cfg.Backend.OpsGenie.RetryCount, "OPSGENIE_RETRY_COUNT")
	envInt(&cfg.Backend.OpsGenie.RetryIntervalMS, "OPSGENIE_RETRY_INTERVAL_MS")
	envFloat(&cfg.Backend.OpsGenie.RateLimitRPS, "OPSGENIE_RATE_LIMIT_RPS")

	// Sync
	envBool(&cfg.Sync.Enabled, "SYNC_ENABLED")
	envInt(&cfg.Sync.IntervalSeconds, "SYNC_INTERVAL_SECONDS")
	envBool(&cfg.Sync.HeartbeatEnabled, "HEARTBEAT_ENABLED")
	envInt(&cfg.Sync.HeartbeatIntervalSeconds, "HEARTBEAT_INTERVAL_SECONDS")
	envInt(&cfg.Sync.BatchSize, "SYNC_BATCH_SIZE")
	envBool(&cfg.Sync.OnStartup, "SYNC_ON_STARTUP")
	envInt(&cfg.Sync.HistoryHours, "SYNC_HISTORY_HOURS")
	envCSV(&cfg.Sync.AlarmLevels, "ALARM_LEVELS")
	envCSV(&cfg.Sync.SeverityFilter, "SEVERITY_FILTER")

	// Silence
	envBool(&cfg.Silence.UseAPI, "SILENCE_USE_API")
	envInt(&cfg.Silence.DurationHours, "SILENCE_DEFAULT_DURATION_HOURS")
	envBool(&cfg.Silence.AutoRemoveOnClear, "SILENCE_AUTO_REMOVE_ON_CLEAR")
	envString(&cfg.Silence.CommentTemplate, "SILENCE_COMMENT_TEMPLATE")
	envString(&cfg.Silence.Operator, "SILENCE_OPERATOR")

	// Mapping
	if raw := os.Getenv("SEVERITY_MAPPING"); raw != "" {
		m, err := parsePairs(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SEVERITY_MAPPING: %w", err)
		}
		for k, v := range m {
			cfg.Mapping.Severity[k] = v
		}
	}
	if raw := os.Getenv("STATE_MAPPING"); raw != "" {
		m, err := parsePairs(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid STATE_MAPPING: %w", err)
		}
		for k, v := range m {
			cfg.Mapping.State[k] = v
		}
	}
	envLabel(cfg.Mapping.StaticLabels, "source", "LABEL_SOURCE")
	envLabel(cfg.Mapping.StaticLabels, "cluster", "LABEL_CLUSTER")
	envLabel(cfg.Mapping.StaticLabels, "datacenter", "LABEL_DATACENTER")
	if raw := os.Getenv("LABEL_STATIC"); raw != "" {
		m, err := parsePairs(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LABEL_STATIC: %w", err)
		}
		for k, v := range m {
			cfg.Mapping.StaticLabels[k] = v
		}
	}

	// Log
	envString(&cfg.Log.Level, "LOG_LEVEL")
	envString(&cfg.Log.Format, "LOG_FORMAT")
	envString(&cfg.Log.File, "LOG_FILE")
	envInt(&cfg.Log.MaxSizeMB, "LOG_MAX_SIZE_MB")
	envInt(&cfg.Log.MaxAgeDays, "LOG_MAX_AGE_DAYS")
	envBool(&cfg.Log.Compress, "LOG_COMPRESS")

	// Server
	envString(&cfg.Server.Host, "SERVER_HOST")
	envInt(&cfg.Server.Port, "SERVER_PORT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and the cross-field rules the
// struct tags cannot express. Any failure here is fatal at startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Backend.Mode {
	case ModeAggregator:
		if c.Backend.Alertmanager.URL == "" {
			return fmt.Errorf("ALERTMANAGER_URL is required in aggregator mode")
		}
	case ModeDirect:
		if c.Backend.OpsGenie.APIKey == "" {
			return fmt.Errorf("OPSGENIE_API_KEY is required in direct mode")
		}
	}

	for _, lvl := range c.Sync.AlarmLevels {
		if len(lvl) != 1 || lvl < "0" || lvl > "4" {
			return fmt.Errorf("ALARM_LEVELS entry %q is not a severity digit 0-4", lvl)
		}
	}

	for digit, sev := range c.Mapping.Severity {
		if len(digit) != 1 || digit < "0" || digit > "4" {
			return fmt.Errorf("SEVERITY_MAPPING key %q is not a severity digit 0-4", digit)
		}
		if !validSeverity(sev) {
			return fmt.Errorf("SEVERITY_MAPPING value %q for level %s is not one of critical/error/warning/info", sev, digit)
		}
	}
	for _, sev := range c.Sync.SeverityFilter {
		if !validSeverity(sev) {
			return fmt.Errorf("SEVERITY_FILTER entry %q is not one of critical/error/warning/info", sev)
		}
	}

	// Active alarms always fire; only the cleared states may be remapped.
	for state, target := range c.Mapping.State {
		switch state {
		case "A", "M", "C":
		default:
			return fmt.Errorf("STATE_MAPPING key %q is not one of A/M/C", state)
		}
		if target != "RESOLVED" && target != "SILENCED" {
			return fmt.Errorf("STATE_MAPPING value %q for state %s must be RESOLVED or SILENCED", target, state)
		}
	}

	if c.Store.PoolMin > c.Store.PoolMax {
		return fmt.Errorf("ZMC_DB_POOL_MIN %d exceeds ZMC_DB_POOL_MAX %d", c.Store.PoolMin, c.Store.PoolMax)
	}

	return nil
}

func validSeverity(s string) bool {
	switch s {
	case "critical", "error", "warning", "info":
		return true
	}
	return false
}

// Sanitized returns the effective configuration with secrets masked, for
// the admin config endpoint and startup logging.
func (c *Config) Sanitized() map[string]any {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return map[string]any{
		"store": map[string]any{
			"host":        c.Store.Host,
			"port":        c.Store.Port,
			"name":        c.Store.Name,
			"user":        c.Store.User,
			"password":    mask(c.Store.Password),
			"sslmode":     c.Store.SSLMode,
			"poolMin":     c.Store.PoolMin,
			"poolMax":     c.Store.PoolMax,
			"autoMigrate": c.Store.AutoMigrate,
		},
		"backend": map[string]any{
			"mode": c.Backend.Mode,
			"alertmanager": map[string]any{
				"url":      c.Backend.Alertmanager.URL,
				"username": c.Backend.Alertmanager.Username,
				"password": mask(c.Backend.Alertmanager.Password),
				"retries":  c.Backend.Alertmanager.RetryCount,
			},
			"opsgenie": map[string]any{
				"url":             c.Backend.OpsGenie.URL,
				"apiKey":          mask(c.Backend.OpsGenie.APIKey),
				"defaultTeam":     c.Backend.OpsGenie.DefaultTeam,
				"defaultPriority": c.Backend.OpsGenie.DefaultPriority,
				"rateLimitRps":    c.Backend.OpsGenie.RateLimitRPS,
			},
		},
		"sync": map[string]any{
			"enabled":           c.Sync.Enabled,
			"intervalSeconds":   c.Sync.IntervalSeconds,
			"heartbeatEnabled":  c.Sync.HeartbeatEnabled,
			"heartbeatSeconds":  c.Sync.HeartbeatIntervalSeconds,
			"batchSize":         c.Sync.BatchSize,
			"onStartup":         c.Sync.OnStartup,
			"historyHours":      c.Sync.HistoryHours,
			"alarmLevels":       c.Sync.AlarmLevels,
			"severityFilter":    c.Sync.SeverityFilter,
		},
		"silence": map[string]any{
			"useApi":            c.Silence.UseAPI,
			"durationHours":     c.Silence.DurationHours,
			"autoRemoveOnClear": c.Silence.AutoRemoveOnClear,
			"operator":          c.Silence.Operator,
		},
		"mapping": map[string]any{
			"severity":     c.Mapping.Severity,
			"state":        c.Mapping.State,
			"staticLabels": c.Mapping.StaticLabels,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
			"file":   c.Log.File,
		},
		"server": map[string]any{
			"host": c.Server.Host,
			"port": c.Server.Port,
		},
	}
}

// loadEnvFile loads ZMC_ENV_FILE when set, falling back to ./.env. Returns
// the path that was loaded, or "".
func loadEnvFile() string {
	if path := os.Getenv("ZMC_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Unable to load env file")
			return ""
		}
		log.Info().Str("path", path).Msg("Loaded env file")
		return path
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err == nil {
			log.Info().Str("path", ".env").Msg("Loaded env file")
			return ".env"
		}
	}
	return ""
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		return
	}
	*dst = n
}

func envInt32(dst *int32, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		return
	}
	*dst = int32(n)
}

func envFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric env value")
		return
	}
	*dst = f
}

func envBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-boolean env value")
		return
	}
	*dst = b
}

// envCSV splits a comma-separated env value, dropping empty entries.
func envCSV(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// envLabel sets a static label from an env var, removing it when the value
// is explicitly empty but the variable is present.
func envLabel(labels map[string]string, name, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if v == "" {
		delete(labels, name)
		return
	}
	labels[name] = v
}

// parsePairs parses "k1:v1,k2:v2" (also accepting k=v) into a map.
func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		var key, value string
		if i := strings.IndexAny(pair, ":="); i > 0 {
			key = strings.TrimSpace(pair[:i])
			value = strings.TrimSpace(pair[i+1:])
		}
		if key == "" || value == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
