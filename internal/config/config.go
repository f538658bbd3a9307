// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds configuration shared by the chart binaries.
type Config struct {
	Port     string `mapstructure:"PORT" validate:"required,numeric"`
	Env      string `mapstructure:"ENV" validate:"oneof=development staging production"`
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	FHIRBaseURL     string        `mapstructure:"FHIR_BASE_URL" validate:"required,url"`
	FHIRAccessToken string        `mapstructure:"FHIR_ACCESS_TOKEN"`
	FHIRTimeout     time.Duration `mapstructure:"FHIR_TIMEOUT" validate:"gt=0"`
	FHIRMaxRetries  int           `mapstructure:"FHIR_MAX_RETRIES" validate:"gte=0,lte=10"`

	Locale            string        `mapstructure:"LOCALE" validate:"required"`
	APIKeys           string        `mapstructure:"API_KEYS" validate:"required"`
	ViewerLoadTimeout time.Duration `mapstructure:"VIEWER_LOAD_TIMEOUT" validate:"gt=0"`
	ExportWorkers     int           `mapstructure:"EXPORT_WORKERS" validate:"gte=1,lte=64"`

	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic         string   `mapstructure:"AUDIT_TOPIC" validate:"required"`
	AuditConsumerGroup string   `mapstructure:"AUDIT_CONSUMER_GROUP" validate:"required"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT" validate:"required_if=TracingEnabled true"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE" validate:"gte=0,lte=1"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"FHIR_BASE_URL", "FHIR_ACCESS_TOKEN", "FHIR_TIMEOUT", "FHIR_MAX_RETRIES",
	"LOCALE", "API_KEYS", "VIEWER_LOAD_TIMEOUT", "EXPORT_WORKERS",
	"DATABASE_URL", "KAFKA_BROKERS", "AUDIT_TOPIC", "AUDIT_CONSUMER_GROUP",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads configuration from the environment, falling back to .env in
// the working directory and then to defaults.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("FHIR_TIMEOUT", "15s")
	v.SetDefault("FHIR_MAX_RETRIES", 3)
	v.SetDefault("LOCALE", "en")
	v.SetDefault("API_KEYS", "demo-api-key-12345:demo-client")
	v.SetDefault("VIEWER_LOAD_TIMEOUT", "30s")
	v.SetDefault("EXPORT_WORKERS", 4)
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("AUDIT_TOPIC", "audit.trail")
	v.SetDefault("AUDIT_CONSUMER_GROUP", "chart-audit-projector")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// The .env file is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = splitList(cfg.KafkaBrokers[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the API key list.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseAPIKeys(c.APIKeys); err != nil {
		return err
	}
	return nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// APIKeyMap returns API keys mapped to client ids.
func (c *Config) APIKeyMap() map[string]string {
	m, _ := ParseAPIKeys(c.APIKeys)
	return m
}

// ParseAPIKeys parses "key:client,key2:client2".
func ParseAPIKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		key, client, ok := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry %q: want key:client", pair)
		}
		out[key] = client
	}
	if len(out) == 0 {
		return nil, errors.New("API_KEYS is empty")
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
