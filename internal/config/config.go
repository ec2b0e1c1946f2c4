// Package config loads node settings from defaults, an optional YAML file,
// a .env file and P2PCHAT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"p2pchat/internal/channel"
	"p2pchat/internal/crypto"
	"p2pchat/internal/proto"
)

const EnvPrefix = "P2PCHAT_"

type Config struct {
	SecretKey        string        `yaml:"secret_key"`
	ListenAddr       string        `yaml:"listen_addr"`
	DataDir          string        `yaml:"data_dir"`
	Framing          string        `yaml:"framing"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	APIAddr          string        `yaml:"api_addr"`
	MaxConnsPerIP    int           `yaml:"max_conns_per_ip"`
}

func Default() *Config {
	return &Config{
		ListenAddr:       "0.0.0.0:0",
		Framing:          string(channel.FramingStream),
		HandshakeTimeout: proto.DefaultHandshakeTimeout,
		LogLevel:         "info",
		LogFormat:        "console",
		APIAddr:          "127.0.0.1:8484",
		MaxConnsPerIP:    16,
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. A .env file in the working directory is read if
// present and never overrides variables already set.
func Load(path string) (*Config, error) {
	return LoadWithEnvFile(path, ".env")
}

func LoadWithEnvFile(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (c *Config) applyEnv() error {
	for key, dst := range map[string]*string{
		"SECRET":      &c.SecretKey,
		"LISTEN_ADDR": &c.ListenAddr,
		"DATA_DIR":    &c.DataDir,
		"FRAMING":     &c.Framing,
		"LOG_LEVEL":   &c.LogLevel,
		"LOG_FORMAT":  &c.LogFormat,
		"API_ADDR":    &c.APIAddr,
	} {
		if v, ok := getEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := getEnv("HANDSHAKE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sHANDSHAKE_TIMEOUT: %w", EnvPrefix, err)
		}
		c.HandshakeTimeout = d
	}
	if v, ok := getEnv("MAX_CONNS_PER_IP"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_CONNS_PER_IP: %w", EnvPrefix, err)
		}
		c.MaxConnsPerIP = n
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := channel.ParseFraming(c.Framing); err != nil {
		return err
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.MaxConnsPerIP < 0 {
		return fmt.Errorf("max_conns_per_ip must not be negative")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.APIAddr != "" {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			return fmt.Errorf("api_addr: %w", err)
		}
	}
	if c.SecretKey != "" {
		if _, err := crypto.ParseSecretKey(c.SecretKey); err != nil {
			return fmt.Errorf("secret_key: %w", err)
		}
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// FramingMode returns the parsed framing; Validate has already checked it.
func (c *Config) FramingMode() channel.Framing {
	f, _ := channel.ParseFraming(c.Framing)
	return f
}

// Secret returns the configured key, or a zero key when none is set.
func (c *Config) Secret() (crypto.SecretKey, error) {
	if c.SecretKey == "" {
		return crypto.SecretKey{}, nil
	}
	return crypto.ParseSecretKey(c.SecretKey)
}
