package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rawblock/tracecost-engine/internal/api"
	"github.com/rawblock/tracecost-engine/internal/graph"
	"github.com/rawblock/tracecost-engine/internal/pipeline"
)

func main() {
	log.Println("Starting RawBlock Trace-Cost Engine (economic privacy estimator)...")

	// ─── Configuration ──────────────────────────────────────────────
	// Everything is optional: without DATABASE_URL the entity store
	// falls back to the JSON document; without PREMIUM_ORACLE_KEY
	// Tier 3 attribution stays off.
	// ────────────────────────────────────────────────────────────────
	cfg := pipeline.Config{
		PrimaryBase:          getEnvOrDefault("ESPLORA_PRIMARY", pipeline.DefaultPrimaryBase),
		FallbackBase:         getEnvOrDefault("ESPLORA_FALLBACK", pipeline.DefaultFallbackBase),
		ClusterOracleURL:     getEnvOrDefault("CLUSTER_ORACLE_URL", pipeline.DefaultClusterOracle),
		PremiumOracleURL:     getEnvOrDefault("PREMIUM_ORACLE_URL", pipeline.DefaultPremiumOracle),
		PremiumKey:           os.Getenv("PREMIUM_ORACLE_KEY"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		FallbackEntitiesPath: getEnvOrDefault("ENTITIES_JSON", "data/known_entities.json"),
	}

	p := pipeline.New(cfg)
	defer p.Close()

	// One-shot mode: `engine trace <target> [flags]` prints the report
	// JSON and exits. Everything else serves the HTTP API.
	if len(os.Args) > 1 && os.Args[1] == "trace" {
		runOnce(p, os.Args[2:])
		return
	}

	hub := api.NewHub()
	go hub.Run()

	r := api.SetupRouter(p, hub)

	port := getEnvOrDefault("PORT", "5340")
	log.Printf("Engine running on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// runOnce executes a single trace from the command line.
func runOnce(p *pipeline.Pipeline, args []string) {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	depth := fs.Int("depth", pipeline.DefaultDepth, "max BFS hops to traverse (1-20)")
	nodeLimit := fs.Int("node-limit", pipeline.DefaultNodeLimit, "max transaction nodes to visit (10-5000)")
	direction := fs.String("direction", string(graph.DirectionForward), "traversal direction: forward, backward, both")
	thorough := fs.Bool("thorough", false, "query all addresses via the cluster oracle (slower)")
	noCluster := fs.Bool("no-cluster-oracle", false, "skip cluster oracle queries (local attribution only)")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: engine trace [flags] <address-or-txid>")
		os.Exit(2)
	}
	target := fs.Arg(0)

	// Ctrl-C aborts in-flight HTTP calls; the partial result is discarded.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := p.Run(ctx, pipeline.Request{
		Target:            target,
		Depth:             *depth,
		NodeLimit:         *nodeLimit,
		Direction:         graph.Direction(*direction),
		Thorough:          *thorough,
		SkipClusterOracle: *noCluster,
	})

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Error: interrupted; partial result discarded")
		os.Exit(1)
	}

	if result.Graph.RootTxid == "" {
		fmt.Fprintf(os.Stderr, "Error: could not resolve target: %s\n", target)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result.Report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
	fmt.Println(string(out))
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
