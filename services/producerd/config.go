package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"trustmesh/ap2"
	"trustmesh/ledger"
	"trustmesh/mesh"
	"trustmesh/trust"
)

// Config captures runtime configuration for the trust score producer.
type Config struct {
	ListenAddress string
	Environment   string

	AgentID string
	Account ledger.AccountID
	Network string
	Asset   string

	MirrorBaseURL string
	MirrorAPIKey  string
	MeshURL       string

	Product           ProductConfig
	Trust             trust.Config
	MaxTimeoutSeconds int
}

// ProductConfig describes the single product this producer sells. The
// marketplace supports many; one process publishes one.
type ProductConfig struct {
	ID           string   `toml:"id"`
	Version      string   `toml:"version"`
	HumanName    string   `toml:"humanName"`
	Description  string   `toml:"description"`
	DefaultPrice string   `toml:"defaultPrice"`
	Currency     string   `toml:"currency"`
	EndpointPath string   `toml:"endpointPath"`
	RateCalls    int      `toml:"rateCalls"`
	RatePeriod   int      `toml:"ratePeriodSeconds"`
	Uptime       string   `toml:"uptime"`
	ResponseTime string   `toml:"responseTime"`
	Capabilities []string `toml:"capabilities"`
}

// fileConfig is the optional TOML overlay loaded from PRODUCER_CONFIG.
type fileConfig struct {
	Listen  string        `toml:"listen"`
	Network string        `toml:"network"`
	Asset   string        `toml:"asset"`
	Product ProductConfig `toml:"product"`
	Trust   struct {
		TrustedTopics     []string `toml:"trustedTopics"`
		SuspiciousTopics  []string `toml:"suspiciousTopics"`
		MaliciousAccounts []string `toml:"maliciousAccounts"`
	} `toml:"trust"`
}

const (
	envListen       = "PRODUCER_LISTEN"
	envEnvironment  = "PRODUCER_ENV"
	envAgentID      = "PRODUCER_AGENT_ID"
	envAccount      = "PRODUCER_ACCOUNT"
	envNetwork      = "PRODUCER_NETWORK"
	envAsset        = "PRODUCER_ASSET"
	envMirrorURL    = "PRODUCER_MIRROR_URL"
	envMirrorAPIKey = "PRODUCER_MIRROR_API_KEY"
	envMeshURL      = "PRODUCER_MESH_URL"
	envConfigFile   = "PRODUCER_CONFIG"
	envDefaultPrice = "PRODUCER_DEFAULT_PRICE"
	envTrustedSet   = "PRODUCER_TRUSTED_TOPICS"
	envSuspectSet   = "PRODUCER_SUSPICIOUS_TOPICS"
	envMaliciousSet = "PRODUCER_MALICIOUS_ACCOUNTS"
	envPayTimeout   = "PRODUCER_PAYMENT_TIMEOUT_SECONDS"
)

// LoadConfigFromEnv resolves configuration from the environment, with an
// optional TOML file overlay named by PRODUCER_CONFIG applied first.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:     ":8081",
		Environment:       getenvDefault(envEnvironment, "dev"),
		Network:           "ledger-mainnet",
		Asset:             "native",
		MaxTimeoutSeconds: parseIntDefault(envPayTimeout, 300),
		Product: ProductConfig{
			ID:           "trustscore.basic.v1",
			Version:      "1.0.0",
			HumanName:    "Basic Trust Score",
			Description:  "Component-based reputation score for a ledger account.",
			DefaultPrice: "30000",
			Currency:     string(ap2.CurrencyNative),
			EndpointPath: "/trustscore",
			RateCalls:    100,
			RatePeriod:   86400,
			Uptime:       "99.9%",
			ResponseTime: "500ms",
			Capabilities: []string{"trustscore"},
		},
	}

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		var overlay fileConfig
		if _, err := toml.DecodeFile(path, &overlay); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		applyFileConfig(cfg, overlay)
	}

	cfg.ListenAddress = getenvDefault(envListen, cfg.ListenAddress)
	cfg.AgentID = strings.TrimSpace(os.Getenv(envAgentID))
	cfg.Network = getenvDefault(envNetwork, cfg.Network)
	cfg.Asset = getenvDefault(envAsset, cfg.Asset)
	cfg.MirrorBaseURL = strings.TrimSpace(os.Getenv(envMirrorURL))
	cfg.MirrorAPIKey = strings.TrimSpace(os.Getenv(envMirrorAPIKey))
	cfg.MeshURL = strings.TrimSpace(os.Getenv(envMeshURL))
	cfg.Product.DefaultPrice = getenvDefault(envDefaultPrice, cfg.Product.DefaultPrice)
	if topics := splitList(os.Getenv(envTrustedSet)); len(topics) > 0 {
		cfg.Trust.TrustedTopics = topics
	}
	if topics := splitList(os.Getenv(envSuspectSet)); len(topics) > 0 {
		cfg.Trust.SuspiciousTopics = topics
	}
	if accounts := splitList(os.Getenv(envMaliciousSet)); len(accounts) > 0 {
		cfg.Trust.MaliciousAccounts = nil
		for _, raw := range accounts {
			id, err := ledger.ParseAccountID(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", envMaliciousSet, err)
			}
			cfg.Trust.MaliciousAccounts = append(cfg.Trust.MaliciousAccounts, id)
		}
	}

	account, err := ledger.ParseAccountID(os.Getenv(envAccount))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envAccount, err)
	}
	cfg.Account = account
	if cfg.AgentID == "" {
		cfg.AgentID = cfg.Account.String()
	}
	if cfg.MirrorBaseURL == "" {
		return nil, fmt.Errorf("%s is required", envMirrorURL)
	}
	if _, err := ap2.ParsePrice(cfg.Product.DefaultPrice); err != nil {
		return nil, fmt.Errorf("default price: %w", err)
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, overlay fileConfig) {
	if overlay.Listen != "" {
		cfg.ListenAddress = overlay.Listen
	}
	if overlay.Network != "" {
		cfg.Network = overlay.Network
	}
	if overlay.Asset != "" {
		cfg.Asset = overlay.Asset
	}
	mergeProduct(&cfg.Product, overlay.Product)
	if len(overlay.Trust.TrustedTopics) > 0 {
		cfg.Trust.TrustedTopics = overlay.Trust.TrustedTopics
	}
	if len(overlay.Trust.SuspiciousTopics) > 0 {
		cfg.Trust.SuspiciousTopics = overlay.Trust.SuspiciousTopics
	}
	for _, raw := range overlay.Trust.MaliciousAccounts {
		if id, err := ledger.ParseAccountID(raw); err == nil {
			cfg.Trust.MaliciousAccounts = append(cfg.Trust.MaliciousAccounts, id)
		}
	}
}

func mergeProduct(dst *ProductConfig, src ProductConfig) {
	if src.ID != "" {
		dst.ID = src.ID
	}
	if src.Version != "" {
		dst.Version = src.Version
	}
	if src.HumanName != "" {
		dst.HumanName = src.HumanName
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.DefaultPrice != "" {
		dst.DefaultPrice = src.DefaultPrice
	}
	if src.Currency != "" {
		dst.Currency = src.Currency
	}
	if src.EndpointPath != "" {
		dst.EndpointPath = src.EndpointPath
	}
	if src.RateCalls > 0 {
		dst.RateCalls = src.RateCalls
	}
	if src.RatePeriod > 0 {
		dst.RatePeriod = src.RatePeriod
	}
	if src.Uptime != "" {
		dst.Uptime = src.Uptime
	}
	if src.ResponseTime != "" {
		dst.ResponseTime = src.ResponseTime
	}
	if len(src.Capabilities) > 0 {
		dst.Capabilities = src.Capabilities
	}
}

// product materializes the registry entry for the configured product.
func (c *Config) product(now time.Time) mesh.Product {
	return mesh.Product{
		ProductID:       c.Product.ID,
		Version:         c.Product.Version,
		HumanName:       c.Product.HumanName,
		Description:     c.Product.Description,
		ProducerAgentID: c.AgentID,
		EndpointPath:    c.Product.EndpointPath,
		DefaultPrice:    c.Product.DefaultPrice,
		Currency:        ap2.Currency(c.Product.Currency),
		Network:         c.Network,
		RateLimit:       ap2.RateLimit{Calls: c.Product.RateCalls, PeriodSeconds: c.Product.RatePeriod},
		SLA:             ap2.SLA{Uptime: c.Product.Uptime, ResponseTime: c.Product.ResponseTime},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
