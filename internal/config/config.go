package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quantarax/e2ee/internal/chunker"
	"github.com/quantarax/e2ee/internal/validation"
	"gopkg.in/yaml.v3"
)

// Config holds channel configuration
type Config struct {
	Keys          KeysConfig          `yaml:"keys"`
	Messages      MessagesConfig      `yaml:"messages"`
	Stream        StreamConfig        `yaml:"stream"`
	Certificates  CertificatesConfig  `yaml:"certificates"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
	CertStore     CertStoreConfig     `yaml:"cert_store"`
}

type KeysConfig struct {
	MaxKeyAge           time.Duration `yaml:"max_key_age"`
	RotationGracePeriod time.Duration `yaml:"rotation_grace_period"`
	MaxRetainedVersions int           `yaml:"max_retained_versions"`
}

type MessagesConfig struct {
	// MaxClockSkew bounds |now - message timestamp|; 0 disables the check.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
	// FailureReportRate limits decrypt-failure log/audit records per
	// session per second; 0 reports every failure.
	FailureReportRate  float64 `yaml:"failure_report_rate"`
	FailureReportBurst int     `yaml:"failure_report_burst"`
}

type StreamConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type CertificatesConfig struct {
	Lifetime time.Duration `yaml:"lifetime"`
	Issuer   string        `yaml:"issuer"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ObservabilityConfig struct {
	// MetricsAddress serves /metrics and /healthz; empty disables.
	MetricsAddress string `yaml:"metrics_address"`
	ServiceName    string `yaml:"service_name"`
	// TracingEndpoint is the Jaeger collector URL; empty uses
	// OTEL_EXPORTER_JAEGER_ENDPOINT or disables tracing.
	TracingEndpoint  string  `yaml:"tracing_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type CertStoreConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	storePath := filepath.Join(homeDir, ".local", "share", "remotec-e2ee", "certs.db")

	return &Config{
		Keys: KeysConfig{
			MaxKeyAge:           24 * time.Hour,
			RotationGracePeriod: 30 * time.Second,
			MaxRetainedVersions: 2,
		},
		Messages: MessagesConfig{
			MaxClockSkew:       5 * time.Minute,
			FailureReportRate:  1,
			FailureReportBurst: 10,
		},
		Stream: StreamConfig{
			ChunkSize: chunker.DefaultChunkSize,
		},
		Certificates: CertificatesConfig{
			Lifetime: 365 * 24 * time.Hour,
			Issuer:   "remotec-e2ee",
		},
		Log: LogConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			MetricsAddress:   "127.0.0.1:9464",
			ServiceName:      "remotec-e2ee",
			TraceSampleRatio: 1,
		},
		CertStore: CertStoreConfig{
			Path: storePath,
		},
	}
}

// LoadConfig reads a YAML file over the defaults, applies E2EE_*
// environment overrides and validates the result. An empty path yields the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies E2EE_LOG_LEVEL, E2EE_METRICS_ADDRESS and
// E2EE_CERT_STORE.
func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("E2EE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("E2EE_METRICS_ADDRESS"); ok {
		cfg.Observability.MetricsAddress = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv("E2EE_CERT_STORE")); v != "" {
		cfg.CertStore.Path = v
	}
}

// Validate checks every value is usable.
func (c *Config) Validate() error {
	if err := validation.ValidateRangeDuration(c.Keys.MaxKeyAge, time.Minute, 30*24*time.Hour); err != nil {
		return fmt.Errorf("keys.max_key_age: %w", err)
	}
	if err := validation.ValidateRangeDuration(c.Keys.RotationGracePeriod, 0, time.Hour); err != nil {
		return fmt.Errorf("keys.rotation_grace_period: %w", err)
	}
	if err := validation.ValidateRangeInt(c.Keys.MaxRetainedVersions, 0, 16); err != nil {
		return fmt.Errorf("keys.max_retained_versions: %w", err)
	}
	if err := validation.ValidateRangeDuration(c.Messages.MaxClockSkew, 0, 24*time.Hour); err != nil {
		return fmt.Errorf("messages.max_clock_skew: %w", err)
	}
	if c.Messages.FailureReportRate < 0 {
		return fmt.Errorf("messages.failure_report_rate: %w: %v", validation.ErrOutOfRange, c.Messages.FailureReportRate)
	}
	if c.Messages.FailureReportRate > 0 {
		if err := validation.ValidateRangeInt(c.Messages.FailureReportBurst, 1, 10000); err != nil {
			return fmt.Errorf("messages.failure_report_burst: %w", err)
		}
	}
	if err := validation.ValidateRangeInt(c.Stream.ChunkSize, chunker.MinChunkSize, chunker.MaxChunkSize); err != nil {
		return fmt.Errorf("stream.chunk_size: %w", err)
	}
	if err := validation.ValidateRangeDuration(c.Certificates.Lifetime, time.Minute, 10*365*24*time.Hour); err != nil {
		return fmt.Errorf("certificates.lifetime: %w", err)
	}
	if err := validation.ValidateStringNonEmpty(c.Certificates.Issuer); err != nil {
		return fmt.Errorf("certificates.issuer: %w", err)
	}
	if c.Observability.MetricsAddress != "" {
		if err := validation.ValidateAddr(c.Observability.MetricsAddress); err != nil {
			return fmt.Errorf("observability.metrics_address: %w", err)
		}
	}
	if err := validation.ValidateStringNonEmpty(c.Observability.ServiceName); err != nil {
		return fmt.Errorf("observability.service_name: %w", err)
	}
	if r := c.Observability.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability.trace_sample_ratio: %w: %v", validation.ErrOutOfRange, r)
	}
	if err := validation.ValidateFilePath(c.CertStore.Path, false); err != nil {
		return fmt.Errorf("cert_store.path: %w", err)
	}
	return nil
}
