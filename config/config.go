// Package config loads the YAML configuration of the scheduling daemon.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/directory"
	"github.com/cyp0633/libitip/recurrence"
	"github.com/cyp0633/libitip/scheduling"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultContextID   = 1
	defaultLocale      = "en"
	defaultTimezone    = "UTC"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultMaxAttempts = 3
	defaultBackoff     = 10 * time.Millisecond
)

// RetryConfig bounds the retries of storage writes.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
}

// RecurrenceConfig controls the recurrence-id cache.
type RecurrenceConfig struct {
	CacheEnabled    bool          `yaml:"cache_enabled" json:"cache_enabled"`
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries" json:"cache_max_entries"`
}

// DefaultsConfig holds the notification settings used when a recipient's
// own settings are unknown.
type DefaultsConfig struct {
	Locale   string `yaml:"locale" json:"locale"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

// DatabaseConfig selects the storage. An empty DSN keeps everything in
// memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
	// Migrate applies pending migrations on startup.
	Migrate bool `yaml:"migrate" json:"migrate"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is text or json.
	Format string `yaml:"format" json:"format"`
}

// Config is the top-level configuration.
type Config struct {
	// ServerUID identifies this deployment in the X-OX-ITIP marker of
	// outgoing messages. A random one is generated on first run.
	ServerUID string `yaml:"server_uid" json:"server_uid"`
	// ContextID is the tenant all users below belong to.
	ContextID int `yaml:"context_id" json:"context_id"`
	// Listen is the HTTP listen address of the receiver.
	Listen string `yaml:"listen" json:"listen"`

	// AutoProcess is always, known or never.
	AutoProcess string `yaml:"auto_process" json:"auto_process"`
	// CounterFields are the event fields accepted from a COUNTER.
	CounterFields []string `yaml:"counter_fields" json:"counter_fields"`

	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	Recurrence RecurrenceConfig `yaml:"recurrence" json:"recurrence"`
	Defaults   DefaultsConfig   `yaml:"defaults" json:"defaults"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Log        LogConfig        `yaml:"log" json:"log"`

	// Users are the internal calendar users and resources.
	Users []directory.Entry `yaml:"users" json:"users"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		ServerUID:   uuid.NewString(),
		ContextID:   defaultContextID,
		Listen:      defaultListen,
		AutoProcess: string(scheduling.AutoProcessKnown),
		Retry: RetryConfig{
			MaxAttempts: defaultMaxAttempts,
			Backoff:     defaultBackoff,
		},
		Recurrence: RecurrenceConfig{
			CacheEnabled:    true,
			CacheTTL:        recurrence.DefaultCacheConfig.TTL,
			CacheMaxEntries: recurrence.DefaultCacheConfig.MaxEntries,
		},
		Defaults: DefaultsConfig{Locale: defaultLocale, Timezone: defaultTimezone},
		Log:      LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Users:    []directory.Entry{},
	}
	for _, f := range scheduling.DefaultCounterFields {
		cfg.CounterFields = append(cfg.CounterFields, string(f))
	}
	return cfg
}

// Normalize fills in missing values so that partially filled files behave
// like the defaults.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.ServerUID == "" {
		c.ServerUID = d.ServerUID
	}
	if c.ContextID <= 0 {
		c.ContextID = d.ContextID
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	c.AutoProcess = strings.ToLower(strings.TrimSpace(c.AutoProcess))
	if c.AutoProcess == "" {
		c.AutoProcess = d.AutoProcess
	}
	if len(c.CounterFields) == 0 {
		c.CounterFields = d.CounterFields
	}
	for i, f := range c.CounterFields {
		c.CounterFields[i] = strings.ToUpper(strings.TrimSpace(f))
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = d.Retry.Backoff
	}
	if c.Recurrence.CacheTTL <= 0 {
		c.Recurrence.CacheTTL = d.Recurrence.CacheTTL
	}
	if c.Recurrence.CacheMaxEntries <= 0 {
		c.Recurrence.CacheMaxEntries = d.Recurrence.CacheMaxEntries
	}
	if c.Defaults.Locale == "" {
		c.Defaults.Locale = d.Defaults.Locale
	}
	if c.Defaults.Timezone == "" {
		c.Defaults.Timezone = d.Defaults.Timezone
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Users == nil {
		c.Users = []directory.Entry{}
	}
}

// Validate reports values that cannot be normalized away.
func (c *Config) Validate() error {
	var errs []error
	switch scheduling.AutoProcess(c.AutoProcess) {
	case scheduling.AutoProcessAlways, scheduling.AutoProcessKnown, scheduling.AutoProcessNever:
	default:
		errs = append(errs, fmt.Errorf("auto_process: unknown mode %q", c.AutoProcess))
	}
	if _, err := language.Parse(c.Defaults.Locale); err != nil {
		errs = append(errs, fmt.Errorf("defaults.locale: %w", err))
	}
	if _, err := time.LoadLocation(c.Defaults.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("defaults.timezone: %w", err))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if _, err := directory.New(c.Users); err != nil {
		errs = append(errs, fmt.Errorf("users: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads the configuration at path. A missing file is created with the
// defaults so that the generated server uid stays stable across restarts.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".itipd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// RetryPolicy returns the storage retry policy.
func (c *Config) RetryPolicy() scheduling.RetryPolicy {
	p := scheduling.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.Backoff = c.Retry.Backoff
	return p
}

// CounterEventFields returns the accepted COUNTER fields.
func (c *Config) CounterEventFields() []calendar.EventField {
	fields := make([]calendar.EventField, 0, len(c.CounterFields))
	for _, f := range c.CounterFields {
		fields = append(fields, calendar.EventField(f))
	}
	return fields
}

// RecipientDefaults returns the fallback notification settings.
func (c *Config) RecipientDefaults() (scheduling.RecipientSettings, error) {
	tag, err := language.Parse(c.Defaults.Locale)
	if err != nil {
		return scheduling.RecipientSettings{}, err
	}
	loc, err := time.LoadLocation(c.Defaults.Timezone)
	if err != nil {
		return scheduling.RecipientSettings{}, err
	}
	return scheduling.RecipientSettings{Locale: tag, TimeZone: loc}, nil
}

// EngineConfig returns the recurrence engine settings.
func (c *Config) EngineConfig() recurrence.EngineConfig {
	if !c.Recurrence.CacheEnabled {
		return recurrence.DisabledCacheConfig
	}
	cfg := recurrence.DefaultEngineConfig
	cfg.CacheConfig.TTL = c.Recurrence.CacheTTL
	cfg.CacheConfig.MaxEntries = c.Recurrence.CacheMaxEntries
	return cfg
}

// Directory builds the static user directory.
func (c *Config) Directory() (*directory.Directory, error) {
	return directory.New(c.Users)
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
