package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/symstream/internal/domain"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	currentSchemaVersion = 1
	configFileMode       = 0o600
	configDirMode        = 0o700
	tempFilePattern      = ".config-*.toml.tmp"
)

var ErrExists = errors.New("config file already exists")

type fileSchema struct {
	Version    int               `toml:"version"`
	Server     serverSchema      `toml:"server"`
	Storage    storageSchema     `toml:"storage"`
	Analysis   analysisSchema    `toml:"analysis"`
	Log        logSchema         `toml:"log"`
	Milestones []milestoneSchema `toml:"milestones"`
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported config schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

type serverSchema struct {
	Listen         string   `toml:"listen"`
	ReadLimit      int64    `toml:"read_limit"`
	WriteTimeout   string   `toml:"write_timeout"`
	PongWait       string   `toml:"pong_wait"`
	SendBuffer     int      `toml:"send_buffer"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type storageSchema struct {
	Path     string `toml:"path"`
	PoolSize int    `toml:"pool_size"`
}

type analysisSchema struct {
	Endpoint      string `toml:"endpoint"`
	Timeout       string `toml:"timeout"`
	MaxAttempts   int    `toml:"max_attempts"`
	Backoff       string `toml:"backoff"`
	Workers       int    `toml:"workers"`
	QueueSize     int    `toml:"queue_size"`
	SweepInterval string `toml:"sweep_interval"`
}

type logSchema struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

type milestoneSchema struct {
	Name    string `toml:"name" mapstructure:"name"`
	Count   int    `toml:"count" mapstructure:"count"`
	Analyze bool   `toml:"analyze" mapstructure:"analyze"`
}

// Encode renders cfg in the config file format.
func Encode(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(toSchema(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	return data, nil
}

// WriteFile atomically replaces path with cfg. Unless overwrite is set an
// existing file is left alone and ErrExists is returned.
func WriteFile(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}

	data, err := Encode(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), configDirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tempFile.Chmod(configFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false

	return nil
}

func toSchema(cfg Config) fileSchema {
	milestones := make([]milestoneSchema, 0, len(cfg.Milestones))
	for _, m := range cfg.Milestones {
		milestones = append(milestones, milestoneSchema{Name: m.Name, Count: m.Count, Analyze: m.Analyze})
	}

	return fileSchema{
		Version: currentSchemaVersion,
		Server: serverSchema{
			Listen:         cfg.Server.Listen,
			ReadLimit:      cfg.Server.ReadLimit,
			WriteTimeout:   formatDuration(cfg.Server.WriteTimeout),
			PongWait:       formatDuration(cfg.Server.PongWait),
			SendBuffer:     cfg.Server.SendBuffer,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Storage: storageSchema{
			Path:     cfg.Storage.Path,
			PoolSize: cfg.Storage.PoolSize,
		},
		Analysis: analysisSchema{
			Endpoint:      cfg.Analysis.Endpoint,
			Timeout:       formatDuration(cfg.Analysis.Timeout),
			MaxAttempts:   cfg.Analysis.MaxAttempts,
			Backoff:       formatDuration(cfg.Analysis.Backoff),
			Workers:       cfg.Analysis.Workers,
			QueueSize:     cfg.Analysis.QueueSize,
			SweepInterval: formatDuration(cfg.Analysis.SweepInterval),
		},
		Log: logSchema{
			Level: cfg.Log.Level,
			JSON:  cfg.Log.JSON,
		},
		Milestones: milestones,
	}
}

func thresholdsFromSchema(milestones []milestoneSchema) domain.Thresholds {
	thresholds := make(domain.Thresholds, 0, len(milestones))
	for _, m := range milestones {
		thresholds = append(thresholds, domain.Milestone{Name: m.Name, Count: m.Count, Analyze: m.Analyze})
	}

	return thresholds
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
