// Package config provides configuration loading and validation for mriseg.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/mriseg/internal/classes"
)

// EnvPrefix prefixes environment overrides, e.g. MRI_SAAS_MODEL_BATCH_SIZE.
const EnvPrefix = "MRI_SAAS"

// EnvConfigPath names the environment variable holding a config file path.
const EnvConfigPath = EnvPrefix + "_CONFIG"

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Files    FilesConfig    `mapstructure:"files"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIPrefix       string        `mapstructure:"api_prefix"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ModelConfig holds inference settings.
type ModelConfig struct {
	Backend     string        `mapstructure:"backend"`
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Device      string        `mapstructure:"device"`
	NumClasses  int           `mapstructure:"num_classes"`
	InputSize   int           `mapstructure:"input_size"`
	DisplaySize int           `mapstructure:"display_size"`
	BatchSize   int           `mapstructure:"batch_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// FilesConfig holds upload settings.
type FilesConfig struct {
	MaxFileSizeMB int64  `mapstructure:"max_file_size_mb"`
	SamplePath    string `mapstructure:"sample_path"`
}

// MaxBytes returns the upload limit in bytes.
func (f FilesConfig) MaxBytes() int64 {
	return f.MaxFileSizeMB * 1024 * 1024
}

// SessionsConfig holds session lifetime settings.
type SessionsConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	EvictLRU        bool          `mapstructure:"evict_lru"`
}

// WorkersConfig holds segmentation worker pool settings.
type WorkersConfig struct {
	Size       int `mapstructure:"size"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.api_prefix", "/api/v1")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:8080"})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("model.backend", "intensity")
	v.SetDefault("model.command", "")
	v.SetDefault("model.args", []string{})
	v.SetDefault("model.device", "cuda")
	v.SetDefault("model.num_classes", 10)
	v.SetDefault("model.input_size", 256)
	v.SetDefault("model.display_size", 512)
	v.SetDefault("model.batch_size", 8)
	v.SetDefault("model.timeout", 5*time.Minute)

	v.SetDefault("files.max_file_size_mb", 100)
	v.SetDefault("files.sample_path", "")

	v.SetDefault("sessions.retention", time.Hour)
	v.SetDefault("sessions.cleanup_interval", 5*time.Minute)
	v.SetDefault("sessions.max_sessions", 64)
	v.SetDefault("sessions.evict_lru", true)

	v.SetDefault("workers.size", 2)
	v.SetDefault("workers.queue_depth", 16)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration with no file and no environment overrides.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Defaults always decode.
	_ = v.Unmarshal(&c)
	return c
}

// Load reads configuration from defaults, an optional file, and the environment.
//
// The file is path if non-empty, else $MRI_SAAS_CONFIG, else mriseg.{toml,yaml,json}
// in the working directory or $HOME/.config/mriseg. An explicitly named file
// must exist; a searched-for file is optional.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mriseg")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mriseg"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr cannot be empty")
	check(strings.HasPrefix(c.Server.APIPrefix, "/") && !strings.HasSuffix(c.Server.APIPrefix, "/"),
		"server.api_prefix must start with / and not end with /, got %q", c.Server.APIPrefix)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	switch c.Model.Backend {
	case "intensity":
	case "exec":
		check(c.Model.Command != "", "model.command is required for the exec backend")
	default:
		errs = append(errs, fmt.Errorf("model.backend must be intensity or exec, got %q", c.Model.Backend))
	}
	// Labels above the class table would have no name, color, or statistic.
	check(c.Model.NumClasses >= 2 && c.Model.NumClasses <= classes.Count,
		"model.num_classes must be between 2 and %d, got %d", classes.Count, c.Model.NumClasses)
	check(c.Model.InputSize > 0, "model.input_size must be positive")
	check(c.Model.DisplaySize > 0, "model.display_size must be positive")
	check(c.Model.BatchSize > 0, "model.batch_size must be positive")
	check(c.Model.Timeout >= 0, "model.timeout cannot be negative")

	check(c.Files.MaxFileSizeMB > 0, "files.max_file_size_mb must be positive")

	check(c.Sessions.Retention > 0, "sessions.retention must be positive")
	check(c.Sessions.CleanupInterval > 0, "sessions.cleanup_interval must be positive")
	check(c.Sessions.MaxSessions > 0, "sessions.max_sessions must be positive")

	check(c.Workers.Size > 0, "workers.size must be positive")
	check(c.Workers.QueueDepth > 0, "workers.queue_depth must be positive")

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	check(c.Log.Format == "text" || c.Log.Format == "json",
		"log.format must be text or json, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
