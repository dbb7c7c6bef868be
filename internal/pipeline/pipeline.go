package pipeline

import (
	"context"
	"log"

	"github.com/rawblock/tracecost-engine/internal/attribution"
	"github.com/rawblock/tracecost-engine/internal/complexity"
	"github.com/rawblock/tracecost-engine/internal/costmodel"
	"github.com/rawblock/tracecost-engine/internal/entitydb"
	"github.com/rawblock/tracecost-engine/internal/esplora"
	"github.com/rawblock/tracecost-engine/internal/graph"
	"github.com/rawblock/tracecost-engine/internal/report"
	"github.com/rawblock/tracecost-engine/pkg/models"
)

// Analysis Pipeline
//
// Runs the full linear flow: Resolve → Traverse → Attribute → Measure →
// Cost → Emit. Traversal and attribution are I/O-bound and rate-limited;
// measurement and costing are pure functions of the in-memory graph.

// Default upstream endpoints. All are read-only public surfaces.
const (
	DefaultPrimaryBase   = "https://mempool.space/api"
	DefaultFallbackBase  = "https://blockstream.info/api"
	DefaultClusterOracle = "https://www.walletexplorer.com/api/1/address"
	DefaultPremiumOracle = "https://api.arkhamintelligence.com/intelligence/address"
)

// Traversal bounds. Requests outside these ranges are clamped.
const (
	DefaultDepth     = 5
	MinDepth         = 1
	MaxDepth         = 20
	DefaultNodeLimit = 500
	MinNodeLimit     = 10
	MaxNodeLimit     = 5000
)

// Config wires the pipeline to its upstreams and the entity store.
type Config struct {
	PrimaryBase      string
	FallbackBase     string
	ClusterOracleURL string
	PremiumOracleURL string
	PremiumKey       string

	DatabaseURL          string // entity store primary backend
	FallbackEntitiesPath string // entity store JSON fallback
}

// Request is one analysis job.
type Request struct {
	Target            string
	Depth             int
	NodeLimit         int
	Direction         graph.Direction
	Thorough          bool
	SkipClusterOracle bool

	// TraversalProgress and AttributionProgress, when set, receive live
	// counters from the respective phases.
	TraversalProgress   func(visited, nodeLimit, depth int)
	AttributionProgress func(attributed, total int)
}

// Result bundles the pipeline's records along with the flattened report.
type Result struct {
	Graph    *models.GraphResult
	Metrics  models.ComplexityMetrics
	Estimate models.CostEstimate
	Report   report.Report
}

// Pipeline holds the long-lived clients shared across runs.
type Pipeline struct {
	client     *esplora.Client
	store      *entitydb.Store
	attributor *attribution.Engine
	premiumKey string
}

// New builds a pipeline from config, filling in default endpoints.
func New(cfg Config) *Pipeline {
	if cfg.PrimaryBase == "" {
		cfg.PrimaryBase = DefaultPrimaryBase
	}
	if cfg.FallbackBase == "" {
		cfg.FallbackBase = DefaultFallbackBase
	}
	if cfg.ClusterOracleURL == "" {
		cfg.ClusterOracleURL = DefaultClusterOracle
	}
	if cfg.PremiumOracleURL == "" {
		cfg.PremiumOracleURL = DefaultPremiumOracle
	}

	store := entitydb.Open(entitydb.Config{
		DatabaseURL:  cfg.DatabaseURL,
		FallbackPath: cfg.FallbackEntitiesPath,
	})

	return &Pipeline{
		client:     esplora.NewClient(cfg.PrimaryBase, cfg.FallbackBase),
		store:      store,
		attributor: attribution.NewEngine(store, cfg.ClusterOracleURL, cfg.PremiumOracleURL),
		premiumKey: cfg.PremiumKey,
	}
}

// Close releases the entity store.
func (p *Pipeline) Close() {
	p.store.Close()
}

// Run executes one analysis. It never returns an error: an unresolvable
// target surfaces as an empty-root graph with a warning, and every other
// failure is absorbed quantitatively into the result.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	req = clamp(req)

	log.Printf("pipeline: tracing %s (depth=%d, limit=%d, direction=%s)",
		req.Target, req.Depth, req.NodeLimit, req.Direction)

	g := graph.Traverse(ctx, p.client, req.Target, graph.Options{
		MaxDepth:  req.Depth,
		NodeLimit: req.NodeLimit,
		Direction: req.Direction,
		Progress:  req.TraversalProgress,
	})

	if g.RootTxid != "" {
		p.attributor.Attribute(ctx, g, attribution.Options{
			SkipClusterOracle: req.SkipClusterOracle,
			Thorough:          req.Thorough,
			PremiumKey:        p.premiumKey,
			Progress:          req.AttributionProgress,
		})
	}

	metrics := complexity.Compute(g)
	estimate := costmodel.Compute(metrics)

	log.Printf("pipeline: %s done — %d nodes, %d addresses, floor %s",
		req.Target, metrics.NodeCount, metrics.UniqueAddresses, estimate.PrivacyFloor)

	return Result{
		Graph:    g,
		Metrics:  metrics,
		Estimate: estimate,
		Report:   report.Build(g, metrics, estimate),
	}
}

// clamp enforces the traversal bounds and defaults.
func clamp(req Request) Request {
	if req.Depth == 0 {
		req.Depth = DefaultDepth
	}
	if req.Depth < MinDepth {
		req.Depth = MinDepth
	}
	if req.Depth > MaxDepth {
		req.Depth = MaxDepth
	}
	if req.NodeLimit == 0 {
		req.NodeLimit = DefaultNodeLimit
	}
	if req.NodeLimit < MinNodeLimit {
		req.NodeLimit = MinNodeLimit
	}
	if req.NodeLimit > MaxNodeLimit {
		req.NodeLimit = MaxNodeLimit
	}
	switch req.Direction {
	case graph.DirectionForward, graph.DirectionBackward, graph.DirectionBoth:
	default:
		req.Direction = graph.DirectionForward
	}
	return req
}
