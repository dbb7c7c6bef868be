package costmodel

import (
	"fmt"
	"math"

	"github.com/rawblock/tracecost-engine/pkg/models"
)

// Forensic Cost Estimation
//
// Translates ComplexityMetrics into analyst time and dollar estimates
// across three tiers, then classifies the economic privacy floor. Pure
// and deterministic: every constant below is part of the contract.
//
// Rates and thresholds sourced from:
//   - ExpertPages 2024 Expert Witness Fees Survey (median $451/hr)
//   - SEAK 2024 Expert Witness Survey (median file review $450/hr)
//   - A&D Forensics minimum case threshold ($5,000)

type tierDef struct {
	name    string
	rate    float64 // USD/hr
	tooling float64 // USD/hr
}

var tiers = []tierDef{
	{"Mid-level analyst", 200.0, 0.0},
	{"Senior specialist", 450.0, 150.0},
	{"Litigation expert", 1000.0, 150.0},
}

// Base minutes per hop keyed by attribution rate thresholds, descending.
// First threshold the rate exceeds wins.
var baseTimeThresholds = []struct {
	rate    float64
	minutes float64
}{
	{0.7, 12},  // >70% attributed: 12 min/hop
	{0.4, 45},  // >40%: 45 min/hop
	{0.1, 180}, // >10%: 3 hrs/hop
	{0.0, 480}, // <=10%: 8 hrs/hop
}

const (
	mixingMultiplier    = 3.5
	taprootThreshold    = 0.5
	taprootMultiplier   = 1.4
	unresolvedHoursEach = 8.0

	// Low estimate uses the base hours; high multiplies by this factor.
	highEstimateFactor = 1.6

	minimumCaseThreshold = 5_000.0
)

// Privacy floor thresholds against the senior-tier mean cost, ascending.
var floorThresholds = []struct {
	limit float64
	floor models.PrivacyFloor
}{
	{500, models.FloorTraceable},
	{5_000, models.FloorCostly},
	{50_000, models.FloorExpensive},
	{500_000, models.FloorHighFloor},
}

// Compute estimates the forensic tracing cost from complexity metrics.
func Compute(metrics models.ComplexityMetrics) models.CostEstimate {
	// Dormant or empty graph: nothing to trace.
	if metrics.MaxDepth == 0 && metrics.NodeCount <= 1 {
		return zeroEstimate()
	}

	baseMinutes := baseTimePerHop(metrics.AttributionRate)
	baseHoursPerHop := baseMinutes / 60.0

	mixingMult := 1.0
	if metrics.CoinJoinDetected {
		mixingMult = mixingMultiplier
	}
	branchingMult := 1.0
	if metrics.AvgBranchFactor > 5 {
		branchingMult = metrics.AvgBranchFactor / 5.0
	}
	taprootMult := 1.0
	if metrics.TaprootRatio > taprootThreshold {
		taprootMult = taprootMultiplier
	}
	fanInMult := 1.0
	if metrics.AvgFanIn > 5 {
		// Uncapped: 79 inputs really is ~16x the work of 5.
		fanInMult = metrics.AvgFanIn / 5.0
	}
	effectiveMult := mixingMult * branchingMult * taprootMult * fanInMult

	totalHops := max(metrics.MaxDepth, 1)
	baseTotal := baseHoursPerHop * float64(totalHops) * effectiveMult
	unresolvedHours := float64(metrics.UnresolvedPaths) * unresolvedHoursEach

	hoursLow := baseTotal
	hoursHigh := baseTotal*highEstimateFactor + unresolvedHours

	estimates := make([]models.TierEstimate, 0, len(tiers))
	for _, tier := range tiers {
		effectiveRate := tier.rate + tier.tooling
		estimates = append(estimates, models.TierEstimate{
			TierName:           tier.name,
			HourlyRate:         tier.rate,
			ToolingOverhead:    tier.tooling,
			EstimatedHoursLow:  round1(hoursLow),
			EstimatedHoursHigh: round1(hoursHigh),
			TotalLow:           math.Round(hoursLow * effectiveRate),
			TotalHigh:          math.Round(hoursHigh * effectiveRate),
		})
	}

	// Floor classification keys on the senior specialist tier.
	senior := estimates[1]
	referenceCost := (senior.TotalLow + senior.TotalHigh) / 2
	floor := classifyFloor(referenceCost)

	confidence := confidenceGrade(metrics)
	confidenceNote := buildConfidenceNote(metrics)

	thresholdNote := ""
	if senior.TotalHigh < minimumCaseThreshold {
		thresholdNote = fmt.Sprintf(
			"Most forensic firms require a minimum $%s investigation value (A&D Forensics, confirmed public).",
			formatUSD(minimumCaseThreshold))
	}

	return models.CostEstimate{
		Tiers:                    estimates,
		BaseHoursPerHop:          baseHoursPerHop,
		TotalHops:                totalHops,
		MixingMultiplier:         mixingMult,
		BranchingMultiplier:      round2(branchingMult),
		TaprootMultiplier:        taprootMult,
		FanInMultiplier:          round2(fanInMult),
		UnresolvedHours:          unresolvedHours,
		PrivacyFloor:             floor,
		PrivacyFloorSummary:      floorSummary(floor, senior),
		Confidence:               confidence,
		ConfidenceNote:           confidenceNote,
		MinimumCaseThresholdNote: thresholdNote,
	}
}

// zeroEstimate is the short-circuit for dormant targets and empty graphs.
func zeroEstimate() models.CostEstimate {
	zeroTiers := make([]models.TierEstimate, 0, len(tiers))
	for _, tier := range tiers {
		zeroTiers = append(zeroTiers, models.TierEstimate{
			TierName:        tier.name,
			HourlyRate:      tier.rate,
			ToolingOverhead: tier.tooling,
		})
	}
	return models.CostEstimate{
		Tiers:               zeroTiers,
		MixingMultiplier:    1.0,
		BranchingMultiplier: 1.0,
		TaprootMultiplier:   1.0,
		FanInMultiplier:     1.0,
		PrivacyFloor:        models.FloorTraceable,
		PrivacyFloorSummary: "No tracing required — single node with no outgoing activity.",
		Confidence:          "high",
	}
}

func baseTimePerHop(attributionRate float64) float64 {
	for _, t := range baseTimeThresholds {
		if attributionRate > t.rate {
			return t.minutes
		}
	}
	return baseTimeThresholds[len(baseTimeThresholds)-1].minutes
}

func classifyFloor(referenceCostUSD float64) models.PrivacyFloor {
	for _, t := range floorThresholds {
		if referenceCostUSD < t.limit {
			return t.floor
		}
	}
	return models.FloorImpractical
}

// confidenceGrade maps the attribution rate onto a grade, with the
// sources-exhausted promotion: when every source was fully consulted, low
// attribution reflects genuinely unknown addresses, so the estimate is as
// informed as it can get and floors at "moderate".
func confidenceGrade(metrics models.ComplexityMetrics) string {
	coverage := metrics.AttributionRate

	var confidence string
	switch {
	case coverage >= 0.7 && metrics.UnresolvedPaths == 0:
		confidence = "high"
	case coverage >= 0.4:
		confidence = "moderate"
	case coverage >= 0.1:
		confidence = "low"
	default:
		confidence = "very low"
	}

	if metrics.SourcesExhausted && (confidence == "low" || confidence == "very low") {
		confidence = "moderate"
	}
	return confidence
}

func buildConfidenceNote(metrics models.ComplexityMetrics) string {
	if metrics.AttributionRate >= 0.4 || metrics.TotalAddresses == 0 {
		return ""
	}
	pct := metrics.AttributionRate * 100
	if metrics.SourcesExhausted {
		return fmt.Sprintf(
			"Only %.0f%% of addresses attributed (%d/%d). "+
				"Unattributed addresses may include unlabeled exchange or service nodes. "+
				"Add a premium oracle API key for better bech32/taproot coverage.",
			pct, metrics.AttributedAddresses, metrics.TotalAddresses)
	}
	return fmt.Sprintf(
		"Only %.0f%% of addresses attributed (%d/%d). "+
			"Cost estimate may be significantly overstated if unattributed addresses "+
			"include exchange or service nodes. Run in thorough mode to check all addresses.",
		pct, metrics.AttributedAddresses, metrics.TotalAddresses)
}

func floorSummary(floor models.PrivacyFloor, senior models.TierEstimate) string {
	costRange := fmt.Sprintf("$%s–$%s", formatUSD(senior.TotalLow), formatUSD(senior.TotalHigh))
	switch floor {
	case models.FloorTraceable:
		return costRange + " for senior analyst. Any motivated party can afford this trace."
	case models.FloorCostly:
		return costRange + " for senior analyst. Viable for law enforcement, out of reach for most private actors."
	case models.FloorExpensive:
		return costRange + " for senior analyst. Requires significant financial motivation. Out of reach for most private actors."
	case models.FloorHighFloor:
		return costRange + " for senior analyst. Only justified by very large amounts at stake."
	default:
		return costRange + " for senior analyst. Economically invisible to all but nation-state actors."
	}
}

// formatUSD renders a non-negative dollar amount with thousands separators.
func formatUSD(v float64) string {
	whole := int64(math.Round(v))
	if whole < 1000 {
		return fmt.Sprintf("%d", whole)
	}
	var parts []string
	for whole > 0 {
		if whole >= 1000 {
			parts = append([]string{fmt.Sprintf("%03d", whole%1000)}, parts...)
		} else {
			parts = append([]string{fmt.Sprintf("%d", whole)}, parts...)
		}
		whole /= 1000
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
