package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// SessionBackend selects the session store implementation.
type SessionBackend string

const (
	SessionBackendYAML   SessionBackend = "yaml"
	SessionBackendSQLite SessionBackend = "sqlite"
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	SessionsDir string `toml:"sessions_dir" validate:"required"`
	LogsDir     string `toml:"logs_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level" validate:"required,oneof=debug info warn error"`
	Format LogFormat `toml:"format" validate:"required,oneof=json text"`
	File   string    `toml:"file"`
}

// ExecutorConfig holds settings for step execution.
type ExecutorConfig struct {
	// Shell runs bash steps. Empty means bash from PATH, falling back to /bin/sh.
	Shell string `toml:"shell"`

	// KillGracePeriod is how long a timed-out process group gets between
	// SIGTERM and SIGKILL.
	KillGracePeriod time.Duration `toml:"kill_grace_period" validate:"gte=0"`

	// MaxRecipeDepth caps sub-recipe nesting.
	MaxRecipeDepth int `toml:"max_recipe_depth" validate:"min=1"`
}

// SessionConfig holds session persistence settings.
type SessionConfig struct {
	Backend     SessionBackend `toml:"backend" validate:"required,oneof=yaml sqlite"`
	SQLitePath  string         `toml:"sqlite_path"`
	CleanupDays int            `toml:"cleanup_days" validate:"gte=0"`
}

// AgentConfig holds agent-related settings.
type AgentConfig struct {
	// Command is the shell command used to spawn agents. The prompt is written
	// to its stdin and its stdout becomes the step output.
	Command string `toml:"command"`

	// DefaultProvider is used for model resolution when a step names none.
	DefaultProvider string `toml:"default_provider"`
}

// ProviderConfig lists the models a provider offers.
type ProviderConfig struct {
	Models []string `toml:"models"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Textfile is written in Prometheus text format when a run ends.
	Textfile string `toml:"textfile"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Exporter string `toml:"exporter" validate:"omitempty,oneof=stdout none"`
	File     string `toml:"file"`
}

// Config is the main configuration struct for the recipe engine.
type Config struct {
	Version   string                    `toml:"version" validate:"required"`
	Paths     PathsConfig               `toml:"paths"`
	Logging   LoggingConfig             `toml:"logging"`
	Executor  ExecutorConfig            `toml:"executor"`
	Session   SessionConfig             `toml:"session"`
	Agent     AgentConfig               `toml:"agent"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Metrics   MetricsConfig             `toml:"metrics"`
	Tracing   TracingConfig             `toml:"tracing"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			SessionsDir: ".recipes/sessions",
			LogsDir:     ".recipes/logs",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
		Executor: ExecutorConfig{
			KillGracePeriod: 3 * time.Second,
			MaxRecipeDepth:  5,
		},
		Session: SessionConfig{
			Backend:     SessionBackendYAML,
			CleanupDays: 7,
		},
		Providers: map[string]ProviderConfig{},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.recipes/config.toml -> .recipes/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".recipes", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".recipes", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their TOML names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Tag() == "required" {
		return errors.ConfigMissingField(field)
	}
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return errors.ConfigInvalidValue(field, fe.Value(), reason)
}

// SessionsDir returns the absolute sessions directory path.
func (c *Config) SessionsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.SessionsDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// LogFile returns the absolute log file path, or "" when file logging is off.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

// SQLitePath returns the absolute path of the SQLite session database.
func (c *Config) SQLitePath(baseDir string) string {
	if c.Session.SQLitePath == "" {
		return filepath.Join(c.SessionsDir(baseDir), "sessions.db")
	}
	return resolve(baseDir, c.Session.SQLitePath)
}

// ProviderModels returns the configured model list for a provider.
func (c *Config) ProviderModels(name string) ([]string, bool) {
	p, ok := c.Providers[name]
	if !ok {
		return nil, false
	}
	return p.Models, true
}

func resolve(baseDir, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
