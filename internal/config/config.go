// Package config loads symstream settings from the TOML config file and
// SYMSTREAM_* environment variables through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".symstream"
	envPrefix  = "SYMSTREAM"
	dbFile     = "symstream.db"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Analysis   AnalysisConfig
	Milestones domain.Thresholds
	Log        LogConfig
}

type ServerConfig struct {
	Listen         string
	ReadLimit      int64
	WriteTimeout   time.Duration
	PongWait       time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

type StorageConfig struct {
	Path     string
	PoolSize int
}

// AnalysisConfig selects the analyzer and tunes the job queue. An empty
// Endpoint runs the built-in baseline models.
type AnalysisConfig struct {
	Endpoint      string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
}

type LogConfig struct {
	Level string
	JSON  bool
}

func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(homeDir, configDir), nil
}

// DefaultPath is $HOME/.symstream/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, configName+"."+configType), nil
}

func Defaults() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server: ServerConfig{
			Listen:       "127.0.0.1:8080",
			ReadLimit:    64 << 10,
			WriteTimeout: 10 * time.Second,
			PongWait:     60 * time.Second,
			SendBuffer:   64,
		},
		Storage: StorageConfig{
			Path:     filepath.Join(dir, dbFile),
			PoolSize: 8,
		},
		Analysis: AnalysisConfig{
			Timeout:       30 * time.Second,
			MaxAttempts:   3,
			Backoff:       time.Second,
			Workers:       2,
			QueueSize:     64,
			SweepInterval: 5 * time.Second,
		},
		Milestones: domain.DefaultThresholds(),
		Log: LogConfig{
			Level: "info",
		},
	}, nil
}

// Load reads path, or $HOME/.symstream/config.toml when path is empty, on
// top of the defaults. A missing default file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	defaults, err := Defaults()
	if err != nil {
		return Config{}, err
	}
	setDefaults(v, defaults)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		dir, err := Dir()
		if err != nil {
			return Config{}, err
		}
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var file fileSchema
	if err := v.UnmarshalKey("version", &file.Version); err != nil {
		return Config{}, fmt.Errorf("decode config version: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return Config{}, err
	}

	var milestones []milestoneSchema
	if err := v.UnmarshalKey("milestones", &milestones); err != nil {
		return Config{}, fmt.Errorf("decode milestones: %w", err)
	}

	cfg := Config{
		Server: ServerConfig{
			Listen:         v.GetString("server.listen"),
			ReadLimit:      v.GetInt64("server.read_limit"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			PongWait:       v.GetDuration("server.pong_wait"),
			SendBuffer:     v.GetInt("server.send_buffer"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Storage: StorageConfig{
			Path:     v.GetString("storage.path"),
			PoolSize: v.GetInt("storage.pool_size"),
		},
		Analysis: AnalysisConfig{
			Endpoint:      v.GetString("analysis.endpoint"),
			Timeout:       v.GetDuration("analysis.timeout"),
			MaxAttempts:   v.GetInt("analysis.max_attempts"),
			Backoff:       v.GetDuration("analysis.backoff"),
			Workers:       v.GetInt("analysis.workers"),
			QueueSize:     v.GetInt("analysis.queue_size"),
			SweepInterval: v.GetDuration("analysis.sweep_interval"),
		},
		Milestones: thresholdsFromSchema(milestones),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
	}
	cfg.Milestones.Normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("%w: server.listen is required", ErrInvalid)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("%w: server.read_limit must be positive", ErrInvalid)
	}
	if c.Server.WriteTimeout <= 0 || c.Server.PongWait <= 0 {
		return fmt.Errorf("%w: server timeouts must be positive", ErrInvalid)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("%w: server.send_buffer must be positive", ErrInvalid)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("%w: storage.path is required", ErrInvalid)
	}
	if c.Analysis.MaxAttempts <= 0 {
		return fmt.Errorf("%w: analysis.max_attempts must be positive", ErrInvalid)
	}
	if c.Analysis.Backoff <= 0 || c.Analysis.Timeout <= 0 || c.Analysis.SweepInterval <= 0 {
		return fmt.Errorf("%w: analysis durations must be positive", ErrInvalid)
	}
	if c.Analysis.Workers <= 0 || c.Analysis.QueueSize <= 0 {
		return fmt.Errorf("%w: analysis.workers and analysis.queue_size must be positive", ErrInvalid)
	}
	if len(c.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone is required", ErrInvalid)
	}
	if err := c.Milestones.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("version", currentSchemaVersion)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.read_limit", d.Server.ReadLimit)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.pong_wait", d.Server.PongWait)
	v.SetDefault("server.send_buffer", d.Server.SendBuffer)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.pool_size", d.Storage.PoolSize)
	v.SetDefault("analysis.endpoint", d.Analysis.Endpoint)
	v.SetDefault("analysis.timeout", d.Analysis.Timeout)
	v.SetDefault("analysis.max_attempts", d.Analysis.MaxAttempts)
	v.SetDefault("analysis.backoff", d.Analysis.Backoff)
	v.SetDefault("analysis.workers", d.Analysis.Workers)
	v.SetDefault("analysis.queue_size", d.Analysis.QueueSize)
	v.SetDefault("analysis.sweep_interval", d.Analysis.SweepInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	milestones := make([]map[string]any, 0, len(d.Milestones))
	for _, m := range d.Milestones {
		milestones = append(milestones, map[string]any{"name": m.Name, "count": m.Count, "analyze": m.Analyze})
	}
	v.SetDefault("milestones", milestones)
}
