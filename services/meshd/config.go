package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the orchestrator daemon.
type Config struct {
	ListenAddress string
	Environment   string

	OrchestratorID string
	ChannelSecret  string

	MirrorBaseURL string
	MirrorAPIKey  string
	AuditTopicID  string
	LedgerNodeURL string

	RequestsPerSecond float64
	Burst             int
}

type fileConfig struct {
	Listen            string  `toml:"listen"`
	OrchestratorID    string  `toml:"orchestratorId"`
	AuditTopic        string  `toml:"auditTopic"`
	RequestsPerSecond float64 `toml:"requestsPerSecond"`
	Burst             int     `toml:"burst"`
}

const (
	envListen        = "MESH_LISTEN"
	envEnvironment   = "MESH_ENV"
	envOrchestrator  = "MESH_ORCHESTRATOR_ID"
	envChannelSecret = "MESH_CHANNEL_SECRET"
	envMirrorURL     = "MESH_MIRROR_URL"
	envMirrorAPIKey  = "MESH_MIRROR_API_KEY"
	envAuditTopic    = "MESH_AUDIT_TOPIC"
	envLedgerNode    = "MESH_LEDGER_NODE_URL"
	envConfigFile    = "MESH_CONFIG"
	envRatePerSecond = "MESH_RATE_PER_SECOND"
	envRateBurst     = "MESH_RATE_BURST"
)

// LoadConfigFromEnv resolves configuration from the environment, with an
// optional TOML file overlay named by MESH_CONFIG applied first.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:     ":8080",
		Environment:       getenvDefault(envEnvironment, "dev"),
		OrchestratorID:    "meshd-1",
		RequestsPerSecond: 50,
		Burst:             100,
	}

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		var overlay fileConfig
		if _, err := toml.DecodeFile(path, &overlay); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if overlay.Listen != "" {
			cfg.ListenAddress = overlay.Listen
		}
		if overlay.OrchestratorID != "" {
			cfg.OrchestratorID = overlay.OrchestratorID
		}
		if overlay.AuditTopic != "" {
			cfg.AuditTopicID = overlay.AuditTopic
		}
		if overlay.RequestsPerSecond > 0 {
			cfg.RequestsPerSecond = overlay.RequestsPerSecond
		}
		if overlay.Burst > 0 {
			cfg.Burst = overlay.Burst
		}
	}

	cfg.ListenAddress = getenvDefault(envListen, cfg.ListenAddress)
	cfg.OrchestratorID = getenvDefault(envOrchestrator, cfg.OrchestratorID)
	cfg.ChannelSecret = strings.TrimSpace(os.Getenv(envChannelSecret))
	cfg.MirrorBaseURL = strings.TrimSpace(os.Getenv(envMirrorURL))
	cfg.MirrorAPIKey = strings.TrimSpace(os.Getenv(envMirrorAPIKey))
	cfg.AuditTopicID = getenvDefault(envAuditTopic, cfg.AuditTopicID)
	cfg.LedgerNodeURL = strings.TrimSpace(os.Getenv(envLedgerNode))
	if raw := strings.TrimSpace(os.Getenv(envRatePerSecond)); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			cfg.RequestsPerSecond = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envRateBurst)); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Burst = value
		}
	}

	if cfg.MirrorBaseURL == "" {
		return nil, fmt.Errorf("%s is required", envMirrorURL)
	}
	if cfg.ChannelSecret == "" {
		return nil, fmt.Errorf("%s is required", envChannelSecret)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}
