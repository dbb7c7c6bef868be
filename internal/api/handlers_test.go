package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/tracecost-engine/internal/esplora"
	"github.com/rawblock/tracecost-engine/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func txid(c byte) string { return strings.Repeat(string([]byte{c}), 64) }

func fixtureRouter(t *testing.T) *gin.Engine {
	t.Helper()
	root := txid('a')
	tx := esplora.TxRecord{
		Txid: root,
		Vin: []esplora.VinRecord{{Txid: txid('b'), Sequence: 0xFFFFFFFF,
			Prevout: &esplora.VoutRecord{ScriptPubKeyType: "p2pkh", ScriptPubKeyAddress: "1in", Value: 10000}}},
		Vout:   []esplora.VoutRecord{{ScriptPubKeyType: "p2pkh", ScriptPubKeyAddress: "1out", Value: 9000}},
		Status: esplora.TxStatus{Confirmed: true},
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		switch {
		case len(parts) == 3 && parts[2] == "outspends":
			json.NewEncoder(w).Encode([]esplora.Outspend{{Spent: false}})
		case len(parts) == 2 && parts[0] == "tx" && parts[1] == root:
			json.NewEncoder(w).Encode(tx)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	p := pipeline.New(pipeline.Config{PrimaryBase: upstream.URL, FallbackBase: upstream.URL})
	t.Cleanup(p.Close)

	hub := NewHub()
	go hub.Run()
	return SetupRouter(p, hub)
}

func TestHealthEndpoint(t *testing.T) {
	router := fixtureRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func postTrace(t *testing.T, router *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trace", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestTraceRejectsMalformedTarget(t *testing.T) {
	router := fixtureRouter(t)

	w := postTrace(t, router, `{"target": "not-a-target"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = postTrace(t, router, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing target: status = %d, want 400", w.Code)
	}
}

func TestTraceReturnsReport(t *testing.T) {
	router := fixtureRouter(t)

	w := postTrace(t, router, `{"target": "`+txid('a')+`", "depth": 2, "skipClusterOracle": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		TraceID string          `json:"traceId"`
		Report  json.RawMessage `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TraceID == "" {
		t.Error("missing trace id")
	}

	var rep map[string]any
	if err := json.Unmarshal(resp.Report, &rep); err != nil {
		t.Fatal(err)
	}
	if rep["root_txid"] != txid('a') {
		t.Errorf("report root = %v", rep["root_txid"])
	}
	if _, ok := rep["privacy_floor"]; !ok {
		t.Error("report missing privacy_floor")
	}
}

func TestTraceUnresolvableTxidIs404(t *testing.T) {
	router := fixtureRouter(t)

	// Well-formed txid the upstream does not know.
	w := postTrace(t, router, `{"target": "`+txid('f')+`", "skipClusterOracle": true}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "could not resolve") {
		t.Errorf("body = %s", w.Body.String())
	}
}
