package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PULLWATCH_SOCKET.
const EnvPrefix = "PULLWATCH"

const (
	KeyBaseDir        = "base_dir"
	KeySocket         = "socket"
	KeyAPIVersion     = "api_version"
	KeyReportInterval = "report_interval"
	KeyReadBuffer     = "read_buffer"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
)

type Config struct {
	BaseDir        string        `mapstructure:"base_dir"`
	Socket         string        `mapstructure:"socket"`
	APIVersion     string        `mapstructure:"api_version"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	ReadBuffer     int           `mapstructure:"read_buffer"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
}

// NewViper returns a viper instance with defaults and environment lookup set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBaseDir, getBaseDir())
	v.SetDefault(KeySocket, "/var/run/docker.sock")
	v.SetDefault(KeyAPIVersion, "v1.43")
	v.SetDefault(KeyReportInterval, 10*time.Second)
	v.SetDefault(KeyReadBuffer, 1024)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func getBaseDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.wei"
	}
	return filepath.Join(homeDir, ".wei")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("%s must not be empty", KeyBaseDir)
	}
	if cfg.Socket == "" {
		return nil, fmt.Errorf("%s must not be empty", KeySocket)
	}
	if !strings.HasPrefix(cfg.APIVersion, "v") {
		return nil, fmt.Errorf("%s must look like v1.43, got %q", KeyAPIVersion, cfg.APIVersion)
	}
	if cfg.ReportInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", KeyReportInterval, cfg.ReportInterval)
	}
	if cfg.ReadBuffer <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", KeyReadBuffer, cfg.ReadBuffer)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("%s must be one of: text, json", KeyLogFormat)
	}

	return &cfg, nil
}

// NewLogger builds the process logger. Status output owns stdout, so out is
// normally stderr.
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
