package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/rawblock/tracecost-engine/internal/pipeline"
)

func TestTraceCostPricing(t *testing.T) {
	tests := []struct {
		name      string
		depth     int
		nodeLimit int
		want      float64
	}{
		{"defaults", 0, 0, 63}, // default depth 5 reaches 2^6-1 nodes, below the 500 default limit
		{"deep wide trace", 20, 5000, 5000},
		{"shallow trace capped by reachability", 1, 5000, 3}, // 2^2-1
		{"depth two", 2, 500, 7},                             // 2^3-1
		{"node limit clamped up", 5, 1, float64(pipeline.MinNodeLimit)},
		{"node limit clamped down", 20, 99999, float64(pipeline.MaxNodeLimit)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TraceCost(tt.depth, tt.nodeLimit); got != tt.want {
				t.Errorf("TraceCost(%d, %d) = %v, want %v", tt.depth, tt.nodeLimit, got, tt.want)
			}
		})
	}
}

func TestReserveSpendsAndRefills(t *testing.T) {
	b := NewUpstreamBudget(100.0, 10)

	if ok, _ := b.Reserve("1.2.3.4", 10); !ok {
		t.Fatal("fresh budget should cover its full capacity")
	}
	ok, retryAfter := b.Reserve("1.2.3.4", 10)
	if ok {
		t.Fatal("drained budget should deny")
	}
	if retryAfter <= 0 || retryAfter > 150*time.Millisecond {
		t.Errorf("retryAfter = %v, want ~100ms for a 10-credit deficit at 100/s", retryAfter)
	}

	time.Sleep(120 * time.Millisecond)
	if ok, _ := b.Reserve("1.2.3.4", 10); !ok {
		t.Fatal("budget should refill over time")
	}
}

func TestReserveIsolatesClients(t *testing.T) {
	b := NewUpstreamBudget(1.0, 5)

	if ok, _ := b.Reserve("10.0.0.1", 5); !ok {
		t.Fatal("first client denied")
	}
	if ok, _ := b.Reserve("10.0.0.2", 5); !ok {
		t.Fatal("second client should have its own budget")
	}
}

func TestReserveClampsOversizedCost(t *testing.T) {
	// A cost above capacity charges the whole budget instead of never
	// succeeding.
	b := NewUpstreamBudget(1.0, 5)
	if ok, _ := b.Reserve("10.0.0.9", 50); !ok {
		t.Fatal("oversized cost should be served by a full budget")
	}
	if ok, _ := b.Reserve("10.0.0.9", 1); ok {
		t.Fatal("budget should be empty after an oversized charge")
	}
}

// An expensive trace drains the caller's budget; the next request gets 429
// with a Retry-After hint.
func TestTraceBudgetExhaustion(t *testing.T) {
	router := fixtureRouter(t)

	// Valid but unknown txid: charged before resolution, resolves to 404.
	body := `{"target": "` + txid('f') + `", "depth": 20, "nodeLimit": 5000, "skipClusterOracle": true}`
	if w := postTrace(t, router, body); w.Code != http.StatusNotFound {
		t.Fatalf("first trace: status = %d, want 404", w.Code)
	}

	w := postTrace(t, router, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("drained budget: status = %d, want 429; body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}
