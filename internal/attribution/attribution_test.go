package attribution

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rawblock/tracecost-engine/internal/entitydb"
	"github.com/rawblock/tracecost-engine/internal/ratelimit"
	"github.com/rawblock/tracecost-engine/pkg/models"
)

func testStore(t *testing.T, doc string) *entitydb.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s := entitydb.Open(entitydb.Config{FallbackPath: path})
	t.Cleanup(s.Close)
	return s
}

const knownEntities = `{
	"entities": {
		"exchanges": {
			"kraken": {"name": "Kraken", "known_addresses": ["1KrakenDeposit"]}
		}
	}
}`

// testGraph builds a two-node graph over four addresses:
// 1KrakenDeposit (Tier 1 hit), 1ClusterHit, 1PremiumHit, 1NobodyKnows.
func testGraph() *models.GraphResult {
	g := models.NewGraphResult("tx1", "tx1")
	g.Nodes["tx1"] = &models.GraphNode{
		Txid:     "tx1",
		Resolved: true,
		Inputs: []models.TxInput{
			{PrevTxid: "tx0", Address: "1KrakenDeposit", ValueSat: 100000, ScriptType: models.ScriptP2PKH},
		},
		Outputs: []models.TxOutput{
			{Address: "1ClusterHit", ValueSat: 60000, ScriptType: models.ScriptP2PKH, Spent: true, SpendingTxid: "tx2"},
			{Address: "1PremiumHit", ValueSat: 39000, ScriptType: models.ScriptP2PKH},
		},
		AttributedEntities: make(map[string]string),
	}
	g.Nodes["tx2"] = &models.GraphNode{
		Txid:     "tx2",
		Resolved: true,
		Inputs: []models.TxInput{
			{PrevTxid: "tx1", Address: "1ClusterHit", ValueSat: 60000, ScriptType: models.ScriptP2PKH},
		},
		Outputs: []models.TxOutput{
			{Address: "1NobodyKnows", ValueSat: 59000, ScriptType: models.ScriptP2PKH},
		},
		AttributedEntities: make(map[string]string),
	}
	for _, a := range []string{"1KrakenDeposit", "1ClusterHit", "1PremiumHit", "1NobodyKnows"} {
		g.AddressesSeen[a] = struct{}{}
	}
	return g
}

// fastEngine builds an engine with test-speed limiters.
func fastEngine(store *entitydb.Store, clusterURL, premiumURL string) *Engine {
	e := NewEngine(store, clusterURL, premiumURL)
	e.clusterLimiter = ratelimit.New(10000, 10, 100)
	e.premiumLimiter = ratelimit.New(10000, 10, 100)
	return e
}

func clusterOracleServer(t *testing.T, labels map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := r.URL.Query().Get("address")
		if r.URL.Query().Get("caller") == "" {
			t.Error("cluster oracle query missing caller id")
		}
		if label, ok := labels[addr]; ok {
			fmt.Fprintf(w, `{"found": true, "label": %q}`, label)
			return
		}
		fmt.Fprint(w, `{"found": false}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestThreeTierPipeline(t *testing.T) {
	store := testStore(t, knownEntities)
	cluster := clusterOracleServer(t, map[string]string{"1ClusterHit": "MixerWallet-42"})
	premium := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("API-Key") != "sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/1PremiumHit" {
			fmt.Fprint(w, `{"arkhamEntity": {"name": "Coinbase", "type": "CEX"}}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer premium.Close()

	g := testGraph()
	e := fastEngine(store, cluster.URL, premium.URL)
	e.Attribute(context.Background(), g, Options{PremiumKey: "sekrit"})

	s := g.AttributionSummary
	if s == nil {
		t.Fatal("no attribution summary")
	}
	if s.TotalAddresses != 4 {
		t.Errorf("total addresses = %d, want 4", s.TotalAddresses)
	}
	if s.AttributedCount != 3 {
		t.Errorf("attributed count = %d, want 3", s.AttributedCount)
	}
	if s.AttributedCount > s.TotalAddresses {
		t.Error("attributed count exceeds total addresses")
	}
	if s.BySource[entitydb.SourceLocal] != 1 || s.BySource[SourceClusterOracle] != 1 || s.BySource[SourcePremiumOracle] != 1 {
		t.Errorf("by source = %v", s.BySource)
	}
	if s.ByCategory["exchange"] != 1 || s.ByCategory["cex"] != 1 {
		t.Errorf("by category = %v", s.ByCategory)
	}

	// Entity labels must land on every node referencing the address.
	if g.Nodes["tx1"].AttributedEntities["1KrakenDeposit"] != "Kraken" {
		t.Error("Tier 1 label missing from tx1")
	}
	if g.Nodes["tx1"].AttributedEntities["1ClusterHit"] != "MixerWallet-42" ||
		g.Nodes["tx2"].AttributedEntities["1ClusterHit"] != "MixerWallet-42" {
		t.Error("Tier 2 label should appear on both nodes referencing the address")
	}
	if g.Nodes["tx1"].AttributedEntities["1PremiumHit"] != "Coinbase" {
		t.Error("Tier 3 label missing")
	}
}

func TestSkipClusterOracle(t *testing.T) {
	store := testStore(t, knownEntities)
	var hits atomic.Int32
	cluster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"found": false}`)
	}))
	defer cluster.Close()

	g := testGraph()
	e := fastEngine(store, cluster.URL, "http://premium.invalid")
	e.Attribute(context.Background(), g, Options{SkipClusterOracle: true})

	if hits.Load() != 0 {
		t.Errorf("cluster oracle queried %d times despite skip", hits.Load())
	}
	if g.OracleAddressesQueried != 0 {
		t.Errorf("oracle queried = %d, want 0", g.OracleAddressesQueried)
	}
	if g.OracleAddressesTotalUnmatched != 3 {
		t.Errorf("oracle unmatched = %d, want 3", g.OracleAddressesTotalUnmatched)
	}
}

func TestClusterOracleWalletNameAndAltFound(t *testing.T) {
	store := testStore(t, `{"entities": {}}`)
	cluster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"_found": true, "wallet_name": "OldVendorWallet"}`)
	}))
	defer cluster.Close()

	g := models.NewGraphResult("tx1", "tx1")
	g.Nodes["tx1"] = &models.GraphNode{
		Txid: "tx1", Resolved: true,
		Outputs:            []models.TxOutput{{Address: "1Legacy", ValueSat: 1}},
		AttributedEntities: make(map[string]string),
	}
	e := fastEngine(store, cluster.URL, "")
	e.Attribute(context.Background(), g, Options{})

	if len(g.AttributionResults) != 1 || g.AttributionResults[0].Entity != "OldVendorWallet" {
		t.Fatalf("alternate response shape not accepted: %+v", g.AttributionResults)
	}
	if g.AttributionResults[0].Confidence != "cluster" {
		t.Errorf("confidence = %s, want cluster", g.AttributionResults[0].Confidence)
	}
}

func TestOracleLimitCapsQueriesAndWarns(t *testing.T) {
	store := testStore(t, `{"entities": {}}`)
	var hits atomic.Int32
	cluster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"found": false}`)
	}))
	defer cluster.Close()

	// One node referencing more addresses than the cap.
	g := models.NewGraphResult("tx1", "tx1")
	node := &models.GraphNode{Txid: "tx1", Resolved: true, AttributedEntities: make(map[string]string)}
	for i := 0; i < DefaultOracleLimit+50; i++ {
		node.Outputs = append(node.Outputs, models.TxOutput{
			Address: fmt.Sprintf("1Addr%04d", i), ValueSat: 1000})
	}
	g.Nodes["tx1"] = node

	e := fastEngine(store, cluster.URL, "")
	e.Attribute(context.Background(), g, Options{})

	if int(hits.Load()) != DefaultOracleLimit {
		t.Errorf("oracle hit %d times, want %d", hits.Load(), DefaultOracleLimit)
	}
	if g.OracleAddressesQueried != DefaultOracleLimit {
		t.Errorf("queried = %d, want %d", g.OracleAddressesQueried, DefaultOracleLimit)
	}
	if g.OracleAddressesTotalUnmatched != DefaultOracleLimit+50 {
		t.Errorf("unmatched = %d, want %d", g.OracleAddressesTotalUnmatched, DefaultOracleLimit+50)
	}
	if len(g.Warnings) != 1 {
		t.Fatalf("warnings = %v, want the cap warning", g.Warnings)
	}

	// Thorough mode lifts the cap.
	hits.Store(0)
	g2 := models.NewGraphResult("tx1", "tx1")
	g2.Nodes["tx1"] = node
	e.Attribute(context.Background(), g2, Options{Thorough: true})
	if int(hits.Load()) != DefaultOracleLimit+50 {
		t.Errorf("thorough mode hit %d times, want %d", hits.Load(), DefaultOracleLimit+50)
	}
	if len(g2.Warnings) != 0 {
		t.Errorf("thorough mode should not warn, got %v", g2.Warnings)
	}
}

func TestOracleErrorsAreCoerced(t *testing.T) {
	store := testStore(t, `{"entities": {}}`)
	cluster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cluster.Close()
	premium := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not json`)
	}))
	defer premium.Close()

	g := testGraph()
	e := fastEngine(store, cluster.URL, premium.URL)
	e.Attribute(context.Background(), g, Options{PremiumKey: "k"})

	if s := g.AttributionSummary; s == nil || s.AttributedCount != 0 {
		t.Fatalf("failing oracles must yield zero attributions, got %+v", g.AttributionSummary)
	}
}

func TestTier1Idempotent(t *testing.T) {
	store := testStore(t, knownEntities)
	g := testGraph()
	e := fastEngine(store, "http://cluster.invalid", "")

	e.Attribute(context.Background(), g, Options{SkipClusterOracle: true})
	first := g.Nodes["tx1"].AttributedEntities["1KrakenDeposit"]
	firstCount := g.AttributionSummary.AttributedCount

	e.Attribute(context.Background(), g, Options{SkipClusterOracle: true})
	if g.Nodes["tx1"].AttributedEntities["1KrakenDeposit"] != first {
		t.Error("re-running Tier 1 changed an assignment")
	}
	if g.AttributionSummary.AttributedCount != firstCount {
		t.Errorf("re-run changed attributed count: %d -> %d", firstCount, g.AttributionSummary.AttributedCount)
	}
}
