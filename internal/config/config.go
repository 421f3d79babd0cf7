// Package config loads and holds all gateway configuration.
// Settings are layered: defaults → gateway-config.yaml → environment
// variables (env vars win), the same precedence the teacher proxy used with
// JSON; the file format here is YAML, matching the rest of this corpus.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// Config holds the full gateway configuration.
type Config struct {
	BindAddress    string `yaml:"bindAddress" validate:"required"`
	GatewayPort    int    `yaml:"gatewayPort" validate:"gt=0"`
	ManagementPort int    `yaml:"managementPort" validate:"gt=0"`
	LogLevel       string `yaml:"logLevel"`

	MaxPayloadBytes  int64         `yaml:"maxPayloadBytes" validate:"gt=0"`
	MaxInFlight      int           `yaml:"maxInFlight" validate:"gt=0"`
	DefaultTimeoutMs int           `yaml:"defaultTimeoutMs" validate:"gt=0"`
	IdempotencyTTL   time.Duration `yaml:"idempotencyTTL"`
	IdempotencyCap   int           `yaml:"idempotencyCapacity" validate:"gt=0"`
	IdempotencyCache string        `yaml:"idempotencyCacheFile"` // empty = in-memory only

	AuditLogPath    string `yaml:"auditLogPath" validate:"required"`
	AuditBufferSize int    `yaml:"auditBufferSize" validate:"gt=0"`

	TokenTTL           time.Duration `yaml:"tokenTTL"`
	TokenSigningKey    string        `yaml:"tokenSigningKey"`
	PreviousSigningKey string        `yaml:"previousSigningKey"`
	PayloadSigningKey  string        `yaml:"payloadSigningKey"`
	PreviousPayloadKey string        `yaml:"previousPayloadKey"`
	ClockSkewTolerance time.Duration `yaml:"clockSkewTolerance"`

	PIIVerifyThreshold float64 `yaml:"piiVerifyThreshold"`
	PIICacheFile       string  `yaml:"piiCacheFile"`
	PIICacheCapacity   int     `yaml:"piiCacheCapacity" validate:"gt=0"`

	ManagementToken string `yaml:"managementToken"`

	RoleSensitivity map[domain.Role][]domain.Sensitivity    `yaml:"roleSensitivity"`
	RoleHints       map[domain.Role][]domain.ProcessingHint `yaml:"roleHints"`
	RoleMaxCostUSD  map[domain.Role]float64                 `yaml:"roleMaxCostUSD"`

	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig is the on-disk shape of a backend registry entry.
type BackendConfig struct {
	ID                  string               `yaml:"id" validate:"required"`
	Type                domain.BackendType   `yaml:"type" validate:"required"`
	Capabilities        []domain.Capability  `yaml:"capabilities"`
	CostPer1kTokens     float64              `yaml:"costPer1kTokens" validate:"gte=0"`
	AvgLatencyMs        float64              `yaml:"avgLatencyMs" validate:"gt=0"`
	MaxTokens           int                  `yaml:"maxTokens" validate:"gt=0"`
	ConfidenceThreshold float64              `yaml:"confidenceThreshold" validate:"gte=0,lte=1"`
	PIIAllowed          bool                 `yaml:"piiAllowed"`
	SensitivityAllowed  []domain.Sensitivity `yaml:"sensitivityAllowed"`
}

var validate = validator.New()

// Load returns config with defaults overridden by gateway-config.yaml and
// environment variables, then validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	loadEnv(cfg)
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the baseline configuration before any file/env overlay.
func Defaults() *Config {
	return &Config{
		BindAddress:        "127.0.0.1",
		GatewayPort:        8443,
		ManagementPort:     8444,
		LogLevel:           "info",
		MaxPayloadBytes:    1 << 20, // 1 MiB
		MaxInFlight:        256,
		DefaultTimeoutMs:   30000,
		IdempotencyTTL:     10 * time.Minute,
		IdempotencyCap:     10000,
		AuditLogPath:       "audit.log",
		AuditBufferSize:    1024,
		TokenTTL:           15 * time.Minute,
		ClockSkewTolerance: 60 * time.Second,
		PIIVerifyThreshold: 0.7,
		PIICacheCapacity:   50000,
		RoleSensitivity: map[domain.Role][]domain.Sensitivity{
			domain.RoleUser:    {domain.SensitivityPublic, domain.SensitivityInternal},
			domain.RoleService: {domain.SensitivityPublic, domain.SensitivityInternal, domain.SensitivitySensitive},
			domain.RoleAdmin:   {domain.SensitivityPublic, domain.SensitivityInternal, domain.SensitivitySensitive, domain.SensitivityPII, domain.SensitivityConfidential},
			domain.RoleSystem:  {domain.SensitivityPublic, domain.SensitivityInternal, domain.SensitivitySensitive, domain.SensitivityPII, domain.SensitivityConfidential},
		},
		RoleHints: map[domain.Role][]domain.ProcessingHint{
			domain.RoleUser:    {domain.HintAuto, domain.HintModelSmall, domain.HintRuleEngine},
			domain.RoleService: {domain.HintAuto, domain.HintModelSmall, domain.HintModelLarge, domain.HintRuleEngine, domain.HintHybrid},
			domain.RoleAdmin:   {domain.HintAuto, domain.HintModelSmall, domain.HintModelLarge, domain.HintModelPrivate, domain.HintRuleEngine, domain.HintHybrid},
			domain.RoleSystem:  {domain.HintAuto, domain.HintModelSmall, domain.HintModelLarge, domain.HintModelPrivate, domain.HintRuleEngine, domain.HintHybrid},
		},
		RoleMaxCostUSD: map[domain.Role]float64{
			domain.RoleUser:    0.10,
			domain.RoleService: 1.00,
			domain.RoleAdmin:   10.00,
			domain.RoleSystem:  100.00,
		},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator-controlled config, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil // file is optional
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GatewayPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("TOKEN_SIGNING_KEY"); v != "" {
		cfg.TokenSigningKey = v
	}
	if v := os.Getenv("PREVIOUS_SIGNING_KEY"); v != "" {
		cfg.PreviousSigningKey = v
	}
	if v := os.Getenv("PAYLOAD_SIGNING_KEY"); v != "" {
		cfg.PayloadSigningKey = v
	}
	if v := os.Getenv("PREVIOUS_PAYLOAD_KEY"); v != "" {
		cfg.PreviousPayloadKey = v
	}
	if v := os.Getenv("AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := os.Getenv("IDEMPOTENCY_CACHE_FILE"); v != "" {
		cfg.IdempotencyCache = v
	}
	if v := os.Getenv("PII_CACHE_FILE"); v != "" {
		cfg.PIICacheFile = v
	}
}
