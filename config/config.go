// Package config loads client configuration from a YAML file and the
// environment. Environment variables override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	eventbus "github.com/glimte/eventbus-go"
)

// Environment variables read by Load
const (
	EnvHost           = "EVENTBUS_HOST"
	EnvPort           = "EVENTBUS_PORT"
	EnvUsername       = "EVENTBUS_USERNAME"
	EnvPassword       = "EVENTBUS_PASSWORD"
	EnvServiceName    = "EVENTBUS_SERVICE_NAME"
	EnvVHost          = "EVENTBUS_VHOST"
	EnvManagementPort = "EVENTBUS_MANAGEMENT_PORT"
	EnvPrefetchCount  = "EVENTBUS_PREFETCH_COUNT"
	EnvLogLevel       = "EVENTBUS_LOG_LEVEL"
	EnvLogFormat      = "EVENTBUS_LOG_FORMAT"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
	ErrInvalidValue     = errors.New("invalid configuration value")
)

// Config is the file layout
type Config struct {
	Broker eventbus.Config `yaml:"broker"`
	Log    LogConfig       `yaml:"log"`
}

// LogConfig selects the log level and format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, when not empty, and applies the environment on top.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	return ParseYAML(data)
}

// ParseYAML decodes a configuration document. Unknown keys are rejected so
// that typos do not silently fall back to defaults.
func ParseYAML(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields with the EVENTBUS_* variables that are set
func (c *Config) ApplyEnv() error {
	b := &c.Broker
	b.Host = getEnv(EnvHost, b.Host)
	b.Username = getEnv(EnvUsername, b.Username)
	b.Password = getEnv(EnvPassword, b.Password)
	b.ServiceName = getEnv(EnvServiceName, b.ServiceName)
	b.VHost = getEnv(EnvVHost, b.VHost)
	c.Log.Level = getEnv(EnvLogLevel, c.Log.Level)
	c.Log.Format = getEnv(EnvLogFormat, c.Log.Format)

	var errs []error
	for _, f := range []struct {
		key string
		dst *int
	}{
		{EnvPort, &b.Port},
		{EnvManagementPort, &b.ManagementPort},
		{EnvPrefetchCount, &b.PrefetchCount},
	} {
		v, err := getEnvInt(f.key, *f.dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = v
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidValue, key, v)
	}
	return n, nil
}
