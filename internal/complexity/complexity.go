package complexity

import (
	"fmt"
	"math"
	"sort"

	"github.com/rawblock/tracecost-engine/pkg/models"
)

// Graph Complexity Analysis
//
// Pure computation — no I/O, no goroutines. Operates on a completed
// GraphResult to produce the ComplexityMetrics that drive the cost model.
// Identical inputs produce identical outputs regardless of call order.

// Known CoinJoin denominations in satoshis: Wasabi v1 (0.1 BTC) plus the
// Whirlpool/Ashigaru pool sizes.
var knownDenominations = map[int64]bool{
	10_000_000: true, // 0.1 BTC (Wasabi v1)
	100_000:    true, // 0.001 BTC
	1_000_000:  true, // 0.01 BTC
	2_500_000:  true, // 0.025 BTC (Ashigaru)
	5_000_000:  true, // 0.05 BTC
	25_000_000: true, // 0.25 BTC (Ashigaru)
	50_000_000: true, // 0.5 BTC
}

// minEqualOutputsForCoinJoin gates all CoinJoin checks: below this many
// outputs a transaction is never flagged.
const minEqualOutputsForCoinJoin = 5

// Compute derives all complexity metrics from a traversed graph.
// An empty graph returns a zeroed record without error.
func Compute(graph *models.GraphResult) models.ComplexityMetrics {
	if len(graph.Nodes) == 0 {
		return models.ComplexityMetrics{}
	}

	m := models.ComplexityMetrics{
		NodeCount:       len(graph.Nodes),
		EdgeCount:       len(graph.Edges),
		UniqueAddresses: len(graph.AddressesSeen),
		MaxDepth:        graph.MaxDepthReached,
	}

	// Branch factor: outputs per resolved tx. Fan-in: inputs per resolved
	// non-coinbase tx.
	var outputSum, outputN, inputSum, inputN int
	maxBranch, maxFanIn := 0, 0
	for _, node := range graph.Nodes {
		if !node.Resolved {
			m.UnresolvedPaths++
			continue
		}
		outputSum += len(node.Outputs)
		outputN++
		if len(node.Outputs) > maxBranch {
			maxBranch = len(node.Outputs)
		}
		if !node.IsCoinbase {
			inputSum += len(node.Inputs)
			inputN++
			if len(node.Inputs) > maxFanIn {
				maxFanIn = len(node.Inputs)
			}
		}
	}
	m.AvgBranchFactor, m.MaxBranchFactor = 1.0, 1
	if outputN > 0 {
		m.AvgBranchFactor = round2(float64(outputSum) / float64(outputN))
		m.MaxBranchFactor = maxBranch
	}
	m.AvgFanIn, m.MaxFanIn = 1.0, 1
	if inputN > 0 {
		m.AvgFanIn = round2(float64(inputSum) / float64(inputN))
		m.MaxFanIn = maxFanIn
	}

	// Attribution rate over the distinct attributed addresses.
	attributed := make(map[string]bool)
	for _, node := range graph.Nodes {
		for addr := range node.AttributedEntities {
			attributed[addr] = true
		}
	}
	m.AttributedAddresses = len(attributed)
	m.TotalAddresses = m.UniqueAddresses
	m.AttributionRate = round4(float64(len(attributed)) / float64(max(m.UniqueAddresses, 1)))

	// Coverage accounting: prefer the attribution summary; fall back to the
	// oracle bookkeeping when attribution never ran.
	if graph.AttributionSummary != nil {
		m.AddressesChecked = graph.AttributionSummary.TotalAddresses
		m.UnattributedAddresses = graph.AttributionSummary.TotalAddresses - graph.AttributionSummary.AttributedCount
	} else {
		m.AddressesChecked = m.AttributedAddresses + graph.OracleAddressesQueried
		m.UnattributedAddresses = m.UniqueAddresses - m.AttributedAddresses
	}

	// CoinJoin detection over resolved nodes. Sorted so identical graphs
	// always report identical signal lists.
	for _, node := range graph.Nodes {
		if node.Resolved && IsCoinJoin(node) {
			m.MixingTxids = append(m.MixingTxids, node.Txid)
		}
	}
	sort.Strings(m.MixingTxids)
	m.MixingSignals = len(m.MixingTxids)
	m.CoinJoinDetected = m.MixingSignals > 0

	// Root transaction pattern.
	if root, ok := graph.Nodes[graph.RootTxid]; ok && root.Resolved {
		rootIsCoinJoin := false
		for _, txid := range m.MixingTxids {
			if txid == root.Txid {
				rootIsCoinJoin = true
				break
			}
		}
		m.RootPattern, m.RootPatternDetail = classifyPattern(root, rootIsCoinJoin)
	}

	// Taproot ratio and script-type breakdown over addressed inputs and
	// outputs of resolved nodes.
	scriptCounts := make(map[string]int)
	taprootCount, scriptTotal := 0, 0
	var totalValue int64
	for _, node := range graph.Nodes {
		if !node.Resolved {
			continue
		}
		for _, in := range node.Inputs {
			if in.Address != "" {
				scriptCounts[string(in.ScriptType)]++
				scriptTotal++
				if in.ScriptType == models.ScriptP2TR {
					taprootCount++
				}
			}
		}
		for _, out := range node.Outputs {
			totalValue += out.ValueSat
			if out.Address != "" {
				scriptCounts[string(out.ScriptType)]++
				scriptTotal++
				if out.ScriptType == models.ScriptP2TR {
					taprootCount++
				}
			}
		}
	}
	if scriptTotal > 0 {
		m.TaprootRatio = round4(float64(taprootCount) / float64(scriptTotal))
	}
	m.ScriptTypeCounts = scriptCounts
	m.TotalValueSat = totalValue

	// Sources exhausted: the oracle checked every unmatched address (the
	// skipped case counts too — both sides are then zero).
	m.SourcesExhausted = graph.OracleAddressesQueried >= graph.OracleAddressesTotalUnmatched

	return m
}

// IsCoinJoin applies the value-histogram heuristics to one resolved node:
//
//  1. Known denomination: ≥3 outputs share a Wasabi/Whirlpool amount.
//  2. Majority equal-output: the most frequent positive value appears ≥5
//     times AND covers >50% of outputs (excludes exchange batch payments,
//     which spread many distinct amounts).
//  3. Multi-denomination: ≥3 distinct values each appearing ≥3 times
//     (Wasabi v2 style).
//
// Transactions with fewer than 5 outputs are never flagged; zero-value
// outputs (OP_RETURN) are excluded from the histogram.
func IsCoinJoin(node *models.GraphNode) bool {
	outputs := node.Outputs
	if len(outputs) < minEqualOutputsForCoinJoin {
		return false
	}

	valueCounts := make(map[int64]int)
	for _, out := range outputs {
		if out.ValueSat > 0 {
			valueCounts[out.ValueSat]++
		}
	}
	if len(valueCounts) == 0 {
		return false
	}

	// Check 1: known denomination match
	for value, count := range valueCounts {
		if count >= 3 && knownDenominations[value] {
			return true
		}
	}

	// Check 2: majority equal-output at any value
	mostCommonCount := 0
	for _, count := range valueCounts {
		if count > mostCommonCount {
			mostCommonCount = count
		}
	}
	if mostCommonCount >= minEqualOutputsForCoinJoin &&
		float64(mostCommonCount)/float64(len(outputs)) > 0.5 {
		return true
	}

	// Check 3: several groups of equal outputs
	equalGroups := 0
	for _, count := range valueCounts {
		if count >= 3 {
			equalGroups++
		}
	}
	return equalGroups >= 3
}

// classifyPattern buckets a transaction by shape. Order is strict:
// coinjoin > consolidation > peel chain > fan-out > simple.
func classifyPattern(node *models.GraphNode, isCoinJoin bool) (models.TxPattern, string) {
	nIn, nOut := len(node.Inputs), len(node.Outputs)
	detail := fmt.Sprintf("%d-in → %d-out", nIn, nOut)

	switch {
	case isCoinJoin:
		return models.PatternCoinJoin, detail
	case nIn >= 5 && nOut <= 2:
		return models.PatternConsolidation, detail
	case nIn <= 2 && nOut == 2:
		return models.PatternPeelChain, detail
	case nIn <= 3 && nOut >= 5:
		return models.PatternFanOut, detail
	default:
		return models.PatternSimple, detail
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
