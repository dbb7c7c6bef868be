package models

// ScriptType identifies the output script template of an input or output.
type ScriptType string

const (
	ScriptP2PKH   ScriptType = "p2pkh"   // Legacy (1...)
	ScriptP2SH    ScriptType = "p2sh"    // Script hash, includes wrapped segwit (3...)
	ScriptP2WPKH  ScriptType = "p2wpkh"  // Native segwit v0 (bc1q...)
	ScriptP2WSH   ScriptType = "p2wsh"   // Segwit v0 script hash
	ScriptP2TR    ScriptType = "p2tr"    // Taproot (bc1p...)
	ScriptUnknown ScriptType = "unknown" // Anything the provider reports that we don't map
)

// ScriptTypeFromEsplora maps an Esplora scriptpubkey_type string onto a
// ScriptType. Unrecognized tags (future script versions, nonstandard,
// op_return) collapse to ScriptUnknown.
func ScriptTypeFromEsplora(scriptpubkeyType string) ScriptType {
	switch scriptpubkeyType {
	case "p2pkh":
		return ScriptP2PKH
	case "p2sh":
		return ScriptP2SH
	case "v0_p2wpkh":
		return ScriptP2WPKH
	case "v0_p2wsh":
		return ScriptP2WSH
	case "v1_p2tr":
		return ScriptP2TR
	default:
		return ScriptUnknown
	}
}

// TxInput represents a single transaction input.
type TxInput struct {
	PrevTxid   string     `json:"prevTxid"`
	PrevVout   uint32     `json:"prevVout"`
	Address    string     `json:"address,omitempty"` // empty for coinbase inputs
	ValueSat   int64      `json:"valueSat"`
	ScriptType ScriptType `json:"scriptType"`
}

// TxOutput represents a single transaction output with its spend status.
type TxOutput struct {
	Address      string     `json:"address,omitempty"` // empty for OP_RETURN or unparseable
	ValueSat     int64      `json:"valueSat"`
	ScriptType   ScriptType `json:"scriptType"`
	Spent        bool       `json:"spent"`
	SpendingTxid string     `json:"spendingTxid,omitempty"`
}

// GraphNode is a node in the BFS graph. Each node is a transaction;
// addresses appear only as fields within inputs/outputs, matching
// Bitcoin's UTXO model where the transaction is the atomic unit.
type GraphNode struct {
	Txid        string     `json:"txid"`
	Inputs      []TxInput  `json:"inputs"`
	Outputs     []TxOutput `json:"outputs"`
	FeeSat      int64      `json:"feeSat"`
	SizeBytes   int        `json:"sizeBytes"`
	Weight      int        `json:"weight"`
	Timestamp   int64      `json:"timestamp,omitempty"`   // block time, unix seconds; 0 = unconfirmed
	BlockHeight int        `json:"blockHeight,omitempty"` // 0 = unconfirmed
	Depth       int        `json:"depth"`                 // BFS depth from root
	IsCoinbase  bool       `json:"isCoinbase"`
	RBFSignaled bool       `json:"rbfSignaled"` // any non-coinbase input sequence < 0xFFFFFFFE (BIP125)
	Resolved    bool       `json:"resolved"`    // false when the fetch failed after fallback
	// AttributedEntities maps address -> entity name for any attributed
	// address this node references, e.g. {"1A1z...": "Binance"}.
	AttributedEntities map[string]string `json:"attributedEntities,omitempty"`
}

// GraphEdge is a directed edge linking two transactions via a spent output.
type GraphEdge struct {
	FromTxid  string `json:"fromTxid"`
	ToTxid    string `json:"toTxid"`
	Address   string `json:"address,omitempty"`
	ValueSat  int64  `json:"valueSat"`
	VoutIndex int    `json:"voutIndex"`
}

// AttributionResult is the entity label resolved for one address by any tier.
type AttributionResult struct {
	Address    string `json:"address"`
	Entity     string `json:"entity"`
	Source     string `json:"source"`               // "local_db", "walletexplorer", "arkham"
	Category   string `json:"category,omitempty"`   // "exchange", "mining_pool", "service", "notable"
	Confidence string `json:"confidence,omitempty"` // "confirmed", "probable", "cluster"
}

// AttributionSummary aggregates attribution statistics across all tiers.
type AttributionSummary struct {
	TotalAddresses  int            `json:"totalAddresses"`
	AttributedCount int            `json:"attributedCount"`
	BySource        map[string]int `json:"bySource"`
	ByCategory      map[string]int `json:"byCategory"`
	CoverageRate    float64        `json:"coverageRate"`
	SourcesUsed     []string       `json:"sourcesUsed"`
}

// GraphResult is the complete output of a BFS traversal plus attribution.
// It is mutated under a single lock by BFS workers, then by the attribution
// engine, and is read-only afterwards. Nothing persists across runs.
type GraphResult struct {
	RootInput         string                `json:"rootInput"` // original user input (txid or address)
	RootTxid          string                `json:"rootTxid"`  // resolved root; empty when resolution failed
	Nodes             map[string]*GraphNode `json:"nodes"`
	Edges             []GraphEdge           `json:"edges"`
	AddressesSeen     map[string]struct{}   `json:"-"`
	MaxDepthReached   int                   `json:"maxDepthReached"`
	RequestedMaxDepth int                   `json:"requestedMaxDepth"`
	NodeLimitHit      bool                  `json:"nodeLimitHit"`
	UnresolvedCount   int                   `json:"unresolvedCount"`
	IsDormant         bool                  `json:"isDormant"`     // target address has never spent
	DormancyNote      string                `json:"dormancyNote,omitempty"`
	// Cluster-oracle bookkeeping: how many unmatched addresses were actually
	// queried vs. how many were unmatched after Tier 1. Drives the
	// sources-exhausted computation downstream.
	OracleAddressesQueried        int `json:"oracleAddressesQueried"`
	OracleAddressesTotalUnmatched int `json:"oracleAddressesTotalUnmatched"`

	Warnings           []string            `json:"warnings"`
	AttributionResults []AttributionResult `json:"attributionResults,omitempty"`
	AttributionSummary *AttributionSummary `json:"attributionSummary,omitempty"`
}

// NewGraphResult constructs an empty result for a traversal rooted at rootTxid.
func NewGraphResult(rootInput, rootTxid string) *GraphResult {
	return &GraphResult{
		RootInput:     rootInput,
		RootTxid:      rootTxid,
		Nodes:         make(map[string]*GraphNode),
		AddressesSeen: make(map[string]struct{}),
	}
}
