// Package config provides configuration loading for governd.
//
// Configuration is loaded from a YAML file, then overridden by GOVERND_
// prefixed environment variables, then filled with defaults and validated.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the complete governd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Operator     OperatorConfig     `koanf:"operator"`
	Logging      LoggingConfig      `koanf:"logging"`
	Gateway      GatewayConfig      `koanf:"gateway"`
	Backend      BackendConfig      `koanf:"backend"`
	Audit        AuditConfig        `koanf:"audit"`
	Policy       PolicyConfig       `koanf:"policy"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
}

// ServerConfig holds the public gateway listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// OperatorConfig holds the loopback-only operator listener. Resume signals
// and plan approvals arrive here, never on the public gateway.
type OperatorConfig struct {
	Addr string `koanf:"addr"`
}

// LoggingConfig selects the zap logger construction.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// GatewayConfig holds the security context settings.
type GatewayConfig struct {
	APIKeys            []string `koanf:"api_keys"`
	RateLimitPerSecond int      `koanf:"rate_limit_per_second"`
	MaxURLBytes        int      `koanf:"max_url_bytes"`
	MaxHeaderBytes     int      `koanf:"max_header_bytes"`
	MaxBodyBytes       int64    `koanf:"max_body_bytes"`
}

// BackendConfig holds the external collaborator endpoints.
type BackendConfig struct {
	ReasonerURL     string        `koanf:"reasoner_url"`
	ReasonerModel   string        `koanf:"reasoner_model"`
	ReasonerTimeout time.Duration `koanf:"reasoner_timeout"`
	ReasonerRate    float64       `koanf:"reasoner_rate"`
	MaxRetries      int           `koanf:"max_retries"`
	ActionURL       string        `koanf:"action_url"`
	GateURL         string        `koanf:"gate_url"`
}

// AuditConfig holds audit sink settings. HistoryPath doubles as the
// calibration seed source at startup.
type AuditConfig struct {
	HistoryPath string `koanf:"history_path"`
	NATSURL     string `koanf:"nats_url"`
	Subject     string `koanf:"subject"`
	BufferSize  int    `koanf:"buffer_size"`
}

// PolicyConfig points at the policy YAML. Policy is load-once: governd does
// not watch the file for changes.
type PolicyConfig struct {
	Path string `koanf:"path"`
}

// OrchestratorConfig paces and shapes the control loop.
type OrchestratorConfig struct {
	LoopInterval time.Duration `koanf:"loop_interval"`
	PlanMode     string        `koanf:"plan_mode"` // single, set, delegate
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Operator.Addr == "" {
		cfg.Operator.Addr = "127.0.0.1:9091"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Gateway.RateLimitPerSecond == 0 {
		cfg.Gateway.RateLimitPerSecond = 10
	}
	if cfg.Gateway.MaxURLBytes == 0 {
		cfg.Gateway.MaxURLBytes = 2 * 1024
	}
	if cfg.Gateway.MaxHeaderBytes == 0 {
		cfg.Gateway.MaxHeaderBytes = 8 * 1024
	}
	if cfg.Gateway.MaxBodyBytes == 0 {
		cfg.Gateway.MaxBodyBytes = 1024 * 1024
	}
	if cfg.Backend.ReasonerURL == "" {
		cfg.Backend.ReasonerURL = "http://localhost:11434"
	}
	if cfg.Backend.ReasonerModel == "" {
		cfg.Backend.ReasonerModel = "qwen2.5:7b"
	}
	if cfg.Backend.ReasonerTimeout == 0 {
		cfg.Backend.ReasonerTimeout = 120 * time.Second
	}
	if cfg.Backend.ReasonerRate == 0 {
		cfg.Backend.ReasonerRate = 2.0
	}
	if cfg.Backend.MaxRetries == 0 {
		cfg.Backend.MaxRetries = 3
	}
	if cfg.Backend.ActionURL == "" {
		cfg.Backend.ActionURL = "http://localhost:8081"
	}
	if cfg.Backend.GateURL == "" {
		cfg.Backend.GateURL = "http://localhost:8082"
	}
	if cfg.Audit.Subject == "" {
		cfg.Audit.Subject = "governd.audit.events"
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 256
	}
	if cfg.Orchestrator.LoopInterval == 0 {
		cfg.Orchestrator.LoopInterval = time.Second
	}
	if cfg.Orchestrator.PlanMode == "" {
		cfg.Orchestrator.PlanMode = "single"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Operator.Addr != "" && !isLoopback(c.Operator.Addr) {
		return fmt.Errorf("operator listener must bind a loopback address, got %s", c.Operator.Addr)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %s", c.Logging.Format)
	}
	for _, key := range c.Gateway.APIKeys {
		if !strings.HasPrefix(key, "sk_test_") && !strings.HasPrefix(key, "sk_prod_") {
			return fmt.Errorf("api key must use the sk_test_ or sk_prod_ namespace")
		}
	}
	if c.Gateway.RateLimitPerSecond < 1 {
		return fmt.Errorf("gateway rate limit must be at least 1, got %d", c.Gateway.RateLimitPerSecond)
	}
	if c.Backend.MaxRetries < 1 {
		return fmt.Errorf("backend max_retries must be at least 1, got %d", c.Backend.MaxRetries)
	}
	switch c.Orchestrator.PlanMode {
	case "single", "set", "delegate":
	default:
		return fmt.Errorf("plan_mode must be single, set, or delegate, got %s", c.Orchestrator.PlanMode)
	}
	return nil
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
