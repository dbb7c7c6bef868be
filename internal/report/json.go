package report

import (
	"strings"

	"github.com/rawblock/tracecost-engine/pkg/models"
)

// Structured Report Emission
//
// Flattens the three in-memory records (graph result, complexity metrics,
// cost estimate) into the stable JSON field contract consumed by the API
// and the one-shot CLI mode. Field names here are the wire contract — do
// not rename them.

// Report is the top-level JSON document.
type Report struct {
	Input          string          `json:"input"`
	RootTxid       string          `json:"root_txid"`
	Depth          int             `json:"depth"`
	RequestedDepth int             `json:"requested_depth"`
	IsDormant      bool            `json:"is_dormant"`
	DormancyNote   string          `json:"dormancy_note,omitempty"`
	Graph          GraphSection    `json:"graph"`
	TimeEstimate   TimeSection     `json:"time_estimate"`
	CostEstimate   map[string]Tier `json:"cost_estimate"`
	PrivacyFloor   FloorSection    `json:"privacy_floor"`
	Attribution    *AttribSection  `json:"attribution,omitempty"`
	Warnings       []string        `json:"warnings"`
}

// GraphSection summarizes traversal and complexity.
type GraphSection struct {
	NodeCount             int     `json:"node_count"`
	EdgeCount             int     `json:"edge_count"`
	UniqueAddresses       int     `json:"unique_addresses"`
	BranchFactor          float64 `json:"branch_factor"`
	AvgFanIn              float64 `json:"avg_fan_in"`
	MaxFanIn              int     `json:"max_fan_in"`
	RootPattern           string  `json:"root_pattern,omitempty"`
	RootPatternDetail     string  `json:"root_pattern_detail,omitempty"`
	AttributionRate       float64 `json:"attribution_rate"`
	AddressesChecked      int     `json:"addresses_checked"`
	UnattributedAddresses int     `json:"unattributed_addresses"`
	WeAddressesQueried    int     `json:"we_addresses_queried"`
	WeAddressesSkipped    int     `json:"we_addresses_skipped"`
	MixingDetected        bool    `json:"mixing_detected"`
	MixingSignals         int     `json:"mixing_signals"`
	TaprootRatio          float64 `json:"taproot_ratio"`
	FetchFailures         int     `json:"fetch_failures"`
	NodeLimitHit          bool    `json:"node_limit_hit"`
}

// TimeSection carries the hour model behind the dollar figures.
type TimeSection struct {
	BaseHoursPerHop           float64     `json:"base_hours_per_hop"`
	TotalHops                 int         `json:"total_hops"`
	Multipliers               Multipliers `json:"multipliers"`
	UnresolvedAdditionalHours float64     `json:"unresolved_additional_hours"`
	Confidence                string      `json:"confidence"`
	ConfidenceNote            string      `json:"confidence_note,omitempty"`
}

// Multipliers are the four cost multipliers.
type Multipliers struct {
	Mixing    float64 `json:"mixing"`
	Branching float64 `json:"branching"`
	Taproot   float64 `json:"taproot"`
	FanIn     float64 `json:"fan_in"`
}

// Tier is one analyst tier's dollar estimate.
type Tier struct {
	HourlyRate      float64 `json:"hourly_rate"`
	ToolingOverhead float64 `json:"tooling_overhead"`
	HoursLow        float64 `json:"hours_low"`
	HoursHigh       float64 `json:"hours_high"`
	TotalLow        float64 `json:"total_low"`
	TotalHigh       float64 `json:"total_high"`
}

// FloorSection is the privacy-floor classification.
type FloorSection struct {
	Rating  string `json:"rating"`
	Label   string `json:"label"`
	Summary string `json:"summary"`
}

// AttribSection is the attribution summary plus the per-address map.
type AttribSection struct {
	TotalAddresses  int                      `json:"total_addresses"`
	AttributedCount int                      `json:"attributed_count"`
	CoverageRate    float64                  `json:"coverage_rate"`
	BySource        map[string]int           `json:"by_source"`
	ByCategory      map[string]int           `json:"by_category"`
	SourcesUsed     []string                 `json:"sources_used"`
	Addresses       map[string]AddressAttrib `json:"addresses"`
}

// AddressAttrib is one address's resolved label.
type AddressAttrib struct {
	Entity     string `json:"entity"`
	Source     string `json:"source"`
	Category   string `json:"category,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

var floorEmoji = map[models.PrivacyFloor]string{
	models.FloorTraceable:   "\U0001F534",
	models.FloorCostly:      "\U0001F7E1",
	models.FloorExpensive:   "\U0001F7E0",
	models.FloorHighFloor:   "\U0001F7E2",
	models.FloorImpractical: "\U0001F7E3",
}

// Build assembles the report from the pipeline's three records.
func Build(graph *models.GraphResult, metrics models.ComplexityMetrics, estimate models.CostEstimate) Report {
	weSkipped := graph.OracleAddressesTotalUnmatched - graph.OracleAddressesQueried
	if weSkipped < 0 {
		weSkipped = 0
	}

	r := Report{
		Input:          graph.RootInput,
		RootTxid:       graph.RootTxid,
		Depth:          metrics.MaxDepth,
		RequestedDepth: graph.RequestedMaxDepth,
		IsDormant:      graph.IsDormant,
		Graph: GraphSection{
			NodeCount:             metrics.NodeCount,
			EdgeCount:             metrics.EdgeCount,
			UniqueAddresses:       metrics.UniqueAddresses,
			BranchFactor:          metrics.AvgBranchFactor,
			AvgFanIn:              metrics.AvgFanIn,
			MaxFanIn:              metrics.MaxFanIn,
			RootPattern:           string(metrics.RootPattern),
			RootPatternDetail:     metrics.RootPatternDetail,
			AttributionRate:       metrics.AttributionRate,
			AddressesChecked:      metrics.AddressesChecked,
			UnattributedAddresses: metrics.UnattributedAddresses,
			WeAddressesQueried:    graph.OracleAddressesQueried,
			WeAddressesSkipped:    weSkipped,
			MixingDetected:        metrics.CoinJoinDetected,
			MixingSignals:         metrics.MixingSignals,
			TaprootRatio:          metrics.TaprootRatio,
			FetchFailures:         metrics.UnresolvedPaths,
			NodeLimitHit:          graph.NodeLimitHit,
		},
		TimeEstimate: TimeSection{
			BaseHoursPerHop: estimate.BaseHoursPerHop,
			TotalHops:       estimate.TotalHops,
			Multipliers: Multipliers{
				Mixing:    estimate.MixingMultiplier,
				Branching: estimate.BranchingMultiplier,
				Taproot:   estimate.TaprootMultiplier,
				FanIn:     estimate.FanInMultiplier,
			},
			UnresolvedAdditionalHours: estimate.UnresolvedHours,
			Confidence:                estimate.Confidence,
			ConfidenceNote:            estimate.ConfidenceNote,
		},
		CostEstimate: make(map[string]Tier, len(estimate.Tiers)),
		PrivacyFloor: FloorSection{
			Rating:  string(estimate.PrivacyFloor),
			Label:   floorEmoji[estimate.PrivacyFloor] + " " + estimate.PrivacyFloor.Label(),
			Summary: estimate.PrivacyFloorSummary,
		},
		Warnings: graph.Warnings,
	}
	if graph.IsDormant {
		r.DormancyNote = graph.DormancyNote
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}

	for _, tier := range estimate.Tiers {
		r.CostEstimate[tierKey(tier.TierName)] = Tier{
			HourlyRate:      tier.HourlyRate,
			ToolingOverhead: tier.ToolingOverhead,
			HoursLow:        tier.EstimatedHoursLow,
			HoursHigh:       tier.EstimatedHoursHigh,
			TotalLow:        tier.TotalLow,
			TotalHigh:       tier.TotalHigh,
		}
	}

	if graph.AttributionSummary != nil {
		section := &AttribSection{
			TotalAddresses:  graph.AttributionSummary.TotalAddresses,
			AttributedCount: graph.AttributionSummary.AttributedCount,
			CoverageRate:    graph.AttributionSummary.CoverageRate,
			BySource:        graph.AttributionSummary.BySource,
			ByCategory:      graph.AttributionSummary.ByCategory,
			SourcesUsed:     graph.AttributionSummary.SourcesUsed,
			Addresses:       make(map[string]AddressAttrib, len(graph.AttributionResults)),
		}
		for _, ar := range graph.AttributionResults {
			section.Addresses[ar.Address] = AddressAttrib{
				Entity:     ar.Entity,
				Source:     ar.Source,
				Category:   ar.Category,
				Confidence: ar.Confidence,
			}
		}
		r.Attribution = section
	}

	return r
}

// tierKey turns "Mid-level analyst" into "mid-level_analyst".
func tierKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
