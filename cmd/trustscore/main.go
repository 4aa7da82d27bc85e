// Command trustscore buys one trust score from the marketplace: it registers
// as a consumer, negotiates an offer, pays the 402 challenge through the
// facilitator and prints the resulting score as JSON.
//
// The target account may be given as a bare id or embedded in free text:
//
//	trustscore 0.0.2
//	trustscore "how trustworthy is 0.0.7304745?"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trustmesh/consumer"
	"trustmesh/ledger"
	"trustmesh/mesh"
	"trustmesh/observability/logging"
	"trustmesh/payment"
)

const (
	envAgentID  = "TRUSTSCORE_AGENT_ID"
	envAccount  = "TRUSTSCORE_ACCOUNT"
	envNodeURL  = "TRUSTSCORE_NODE_URL"
	envNodeKey  = "TRUSTSCORE_NODE_API_KEY"
	envMeshURL  = "TRUSTSCORE_MESH_URL"
	envEndpoint = "TRUSTSCORE_ENDPOINT"
	envProduct  = "TRUSTSCORE_PRODUCT"
	envMaxPrice = "TRUSTSCORE_MAX_PRICE"
)

func main() {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	var (
		productID = flag.String("product", getenv(envProduct, "trustscore.basic.v1"), "product id to purchase")
		endpoint  = flag.String("endpoint", os.Getenv(envEndpoint), "producer base URL")
		meshURL   = flag.String("mesh", os.Getenv(envMeshURL), "orchestrator base URL (optional)")
		maxPrice  = flag.String("max-price", os.Getenv(envMaxPrice), "negotiation price cap (defaults to the listed price)")
		timeout   = flag.Duration("timeout", 2*time.Minute, "overall request deadline")
	)
	flag.Parse()

	logger := logging.Setup("trustscore", "cli")

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: trustscore [flags] <account id or question containing one>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	input := strings.Join(flag.Args(), " ")
	target, ok := ledger.ExtractAccountID(input)
	if !ok {
		log.Fatalf("no account id of the form 0.0.<number> found in %q", input)
	}
	if *endpoint == "" {
		log.Fatalf("%s or -endpoint is required", envEndpoint)
	}

	account, err := ledger.ParseAccountID(os.Getenv(envAccount))
	if err != nil {
		log.Fatalf("%s: %v", envAccount, err)
	}
	agentID := getenv(envAgentID, account.String())
	nodeURL := strings.TrimSpace(os.Getenv(envNodeURL))
	if nodeURL == "" {
		log.Fatalf("%s is required to settle payments", envNodeURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	node := ledger.NewHTTPNodeClient(nodeURL, os.Getenv(envNodeKey))
	wallet, err := payment.NewNativeWallet(account, node)
	if err != nil {
		log.Fatalf("build wallet: %v", err)
	}
	facilitator := payment.NewFacilitator(node)

	cfg := consumer.Config{
		AgentID:     agentID,
		Account:     account,
		Wallet:      wallet,
		Facilitator: facilitator,
		Logger:      logger,
		MaxPrice:    *maxPrice,
	}
	if *meshURL != "" {
		meshClient := mesh.NewClient(*meshURL, logger)
		if _, err := meshClient.Register(ctx, agentID, mesh.RoleConsumer, []string{"trustscore"}); err != nil {
			logger.Warn("mesh registration failed", "error", err)
		}
		cfg.Directory = meshClient
		cfg.Events = meshClient
	}

	agent, err := consumer.New(cfg)
	if err != nil {
		log.Fatalf("build consumer: %v", err)
	}

	score, err := agent.RequestScore(ctx, target.String(), *productID, *endpoint)
	if err != nil {
		logger.Error("score purchase failed", "account", target.String(), "error", err)
		os.Exit(2)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(score); err != nil {
		log.Fatalf("encode score: %v", err)
	}
}

func getenv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}
