package attribution

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rawblock/tracecost-engine/internal/entitydb"
	"github.com/rawblock/tracecost-engine/internal/ratelimit"
	"github.com/rawblock/tracecost-engine/pkg/models"
)

// Three-Tier Entity Attribution
//
// Resolves addresses in a completed graph to real-world entity labels:
//
//   Tier 1: local entity store (instant, no I/O beyond the index)
//   Tier 2: cluster oracle (0.8 req/s — the pipeline's slowest source)
//   Tier 3: premium oracle (optional, requires an API key)
//
// Attribution runs as a batch pass AFTER traversal so the rate-limited
// oracles never block graph construction. Every tier coerces transport
// and parse errors to "no match" — one failed lookup never fails the
// analysis.
//
// The Tier 2 cap exists because of the oracle's rate: 200 lookups take
// about four minutes. Thorough mode removes the cap.

// DefaultOracleLimit caps Tier 2 queries unless thorough mode is on.
const DefaultOracleLimit = 200

const (
	// SourceClusterOracle tags Tier 2 matches.
	SourceClusterOracle = "walletexplorer"
	// SourcePremiumOracle tags Tier 3 matches.
	SourcePremiumOracle = "arkham"

	callerID = "tracecost-engine"

	oracleTimeout = 15 * time.Second
)

// Options controls one attribution pass.
type Options struct {
	SkipClusterOracle bool
	Thorough          bool   // query every unmatched address in Tier 2
	PremiumKey        string // enables Tier 3 when non-empty
	// Progress, when set, is called after each resolution with the count
	// of attributed addresses and the total under consideration.
	Progress func(attributed, total int)
}

// Engine runs the pipeline against configured oracle endpoints.
type Engine struct {
	store      *entitydb.Store
	http       *http.Client
	clusterURL string
	premiumURL string

	clusterLimiter *ratelimit.Limiter
	premiumLimiter *ratelimit.Limiter
}

// NewEngine wires the engine to its store and oracle endpoints.
func NewEngine(store *entitydb.Store, clusterURL, premiumURL string) *Engine {
	return &Engine{
		store:          store,
		http:           &http.Client{Timeout: oracleTimeout},
		clusterURL:     clusterURL,
		premiumURL:     premiumURL,
		clusterLimiter: ratelimit.ClusterOracle,
		premiumLimiter: ratelimit.PremiumOracle,
	}
}

// Attribute mutates the graph in place: entity labels land on node
// attribution maps, and AttributionResults/AttributionSummary are
// populated. Idempotent per tier — re-running over an attributed graph
// re-derives the same assignments.
func (e *Engine) Attribute(ctx context.Context, graph *models.GraphResult, opts Options) {
	e.store.Load(ctx)

	// Index every address referenced by any input or output.
	addressNodes := make(map[string][]string)
	for _, node := range graph.Nodes {
		for _, in := range node.Inputs {
			if in.Address != "" {
				addressNodes[in.Address] = append(addressNodes[in.Address], node.Txid)
			}
		}
		for _, out := range node.Outputs {
			if out.Address != "" {
				addressNodes[out.Address] = append(addressNodes[out.Address], node.Txid)
			}
		}
	}

	allAddresses := make([]string, 0, len(addressNodes))
	for addr := range addressNodes {
		allAddresses = append(allAddresses, addr)
	}
	sort.Strings(allAddresses) // map order is random; keep the Tier 2 cap deterministic

	total := len(allAddresses)
	resolved := make(map[string]*models.AttributionResult)
	var results []models.AttributionResult
	bySource := make(map[string]int)
	byCategory := make(map[string]int)

	record := func(r *models.AttributionResult) {
		resolved[r.Address] = r
		results = append(results, *r)
		applyAttribution(graph, addressNodes[r.Address], r.Address, r.Entity)
		bySource[r.Source]++
		if r.Category != "" {
			byCategory[r.Category]++
		}
		if opts.Progress != nil {
			opts.Progress(len(resolved), total)
		}
	}

	// ─── Tier 1: local store ─────────────────────────────────────────
	for _, addr := range allAddresses {
		if r := e.store.Lookup(ctx, addr); r != nil {
			record(r)
		}
	}

	// ─── Tier 2: cluster oracle ──────────────────────────────────────
	var unmatched []string
	for _, addr := range allAddresses {
		if _, ok := resolved[addr]; !ok {
			unmatched = append(unmatched, addr)
		}
	}

	if !opts.SkipClusterOracle {
		toQuery := unmatched
		if !opts.Thorough && len(unmatched) > DefaultOracleLimit {
			toQuery = unmatched[:DefaultOracleLimit]
			graph.Warnings = append(graph.Warnings, fmt.Sprintf(
				"Cluster oracle: queried %d of %d unattributed addresses (capped for speed). "+
					"Use thorough mode to check all.", DefaultOracleLimit, len(unmatched)))
		}

		for _, addr := range toQuery {
			if entity := e.queryClusterOracle(ctx, addr); entity != "" {
				record(&models.AttributionResult{
					Address:    addr,
					Entity:     entity,
					Source:     SourceClusterOracle,
					Confidence: "cluster",
				})
			}
		}

		graph.OracleAddressesQueried = len(toQuery)
		graph.OracleAddressesTotalUnmatched = len(unmatched)
	} else {
		graph.OracleAddressesQueried = 0
		graph.OracleAddressesTotalUnmatched = len(unmatched)
	}

	// ─── Tier 3: premium oracle ──────────────────────────────────────
	if opts.PremiumKey != "" {
		for _, addr := range allAddresses {
			if _, ok := resolved[addr]; ok {
				continue
			}
			if r := e.queryPremiumOracle(ctx, addr, opts.PremiumKey); r != nil {
				record(r)
			}
		}
	}

	// ─── Summary ─────────────────────────────────────────────────────
	sourcesUsed := []string{entitydb.SourceLocal}
	if !opts.SkipClusterOracle {
		sourcesUsed = append(sourcesUsed, SourceClusterOracle)
	}
	if opts.PremiumKey != "" {
		sourcesUsed = append(sourcesUsed, SourcePremiumOracle)
	}

	graph.AttributionResults = results
	graph.AttributionSummary = &models.AttributionSummary{
		TotalAddresses:  total,
		AttributedCount: len(resolved),
		BySource:        bySource,
		ByCategory:      byCategory,
		CoverageRate:    float64(len(resolved)) / float64(max(total, 1)),
		SourcesUsed:     sourcesUsed,
	}
}

// applyAttribution writes one address -> entity assignment onto every node
// referencing the address. Assignments are idempotent.
func applyAttribution(graph *models.GraphResult, txids []string, address, entity string) {
	for _, txid := range txids {
		if node, ok := graph.Nodes[txid]; ok {
			if node.AttributedEntities == nil {
				node.AttributedEntities = make(map[string]string)
			}
			node.AttributedEntities[address] = entity
		}
	}
}

// queryClusterOracle asks the cluster oracle for an address label.
// Returns "" on any error or miss — never raises. Vendors disagree on the
// response shape (found vs _found, label vs wallet_name); both are
// accepted without normalizing to one field.
func (e *Engine) queryClusterOracle(ctx context.Context, address string) string {
	if err := e.clusterLimiter.Acquire(ctx); err != nil {
		return ""
	}
	defer e.clusterLimiter.Release()

	reqURL := fmt.Sprintf("%s?address=%s&caller=%s", e.clusterURL, url.QueryEscape(address), callerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return ""
	}

	resp, err := e.http.Do(req)
	if err != nil {
		log.Printf("attribution: cluster oracle failed for %s: %v", address, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	var data struct {
		Found      bool   `json:"found"`
		AltFound   bool   `json:"_found"`
		Label      string `json:"label"`
		WalletName string `json:"wallet_name"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		log.Printf("attribution: cluster oracle decode failed for %s: %v", address, err)
		return ""
	}
	if !data.Found && !data.AltFound {
		return ""
	}
	if data.Label != "" {
		return data.Label
	}
	return data.WalletName
}

// queryPremiumOracle asks the premium oracle for an address label.
// Returns nil on any error or miss — never raises.
func (e *Engine) queryPremiumOracle(ctx context.Context, address, apiKey string) *models.AttributionResult {
	if err := e.premiumLimiter.Acquire(ctx); err != nil {
		return nil
	}
	defer e.premiumLimiter.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s", e.premiumURL, url.PathEscape(address)), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("API-Key", apiKey)

	resp, err := e.http.Do(req)
	if err != nil {
		log.Printf("attribution: premium oracle failed for %s: %v", address, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	var data struct {
		ArkhamEntity struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"arkhamEntity"`
		ArkhamLabel struct {
			Name string `json:"name"`
		} `json:"arkhamLabel"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		log.Printf("attribution: premium oracle decode failed for %s: %v", address, err)
		return nil
	}

	name := data.ArkhamEntity.Name
	if name == "" {
		name = data.ArkhamLabel.Name
	}
	if name == "" {
		return nil
	}

	return &models.AttributionResult{
		Address:    address,
		Entity:     name,
		Source:     SourcePremiumOracle,
		Category:   strings.ToLower(data.ArkhamEntity.Type),
		Confidence: "probable",
	}
}
