package api

import (
	"sync"
	"time"

	"github.com/rawblock/tracecost-engine/internal/pipeline"
)

// Per-IP Upstream Budget
//
// A trace is not a cheap request: every node the traversal may visit is
// one or two provider fetches, all drawn from the engine's shared
// rate-limit budget. Throttling callers by request count would let a
// single depth-20/5000-node trace cost the same as a health probe, so the
// gate charges each caller in fetch credits instead: a request costs as
// many credits as nodes it is allowed to visit, and credits refill
// continuously per IP.
//
// Stale entries are swept inline during Reserve rather than by a
// background goroutine; the map only grows while callers are active.

const (
	// creditsPerSecond refills each IP at roughly a quarter of one
	// provider's sustained request rate.
	creditsPerSecond = 2.0
	// maxCredits lets an IP burst three traces charged at the default
	// node limit before waiting on the refill.
	maxCredits = 3 * pipeline.DefaultNodeLimit

	budgetSweepInterval = 10 * time.Minute
)

type ipBudget struct {
	credits float64
	last    time.Time
}

// UpstreamBudget meters per-IP spend against the engine's upstream
// capacity. Safe for concurrent use.
type UpstreamBudget struct {
	mu        sync.Mutex
	rate      float64 // credits added per second per IP
	capacity  float64
	budgets   map[string]*ipBudget
	lastSweep time.Time
}

// NewUpstreamBudget creates a budget refilling at rate credits/second up
// to capacity per IP.
func NewUpstreamBudget(rate, capacity float64) *UpstreamBudget {
	return &UpstreamBudget{
		rate:      rate,
		capacity:  capacity,
		budgets:   make(map[string]*ipBudget),
		lastSweep: time.Now(),
	}
}

// TraceCost prices a trace request in fetch credits: the node limit the
// traversal will honor, after the same clamping the pipeline applies,
// lowered to the number of nodes the clamped depth can reach — a shallow
// trace is cheap regardless of the requested limit ceiling.
func TraceCost(depth, nodeLimit int) float64 {
	if nodeLimit == 0 {
		nodeLimit = pipeline.DefaultNodeLimit
	}
	if nodeLimit < pipeline.MinNodeLimit {
		nodeLimit = pipeline.MinNodeLimit
	}
	if nodeLimit > pipeline.MaxNodeLimit {
		nodeLimit = pipeline.MaxNodeLimit
	}

	if depth == 0 {
		depth = pipeline.DefaultDepth
	}
	if depth < pipeline.MinDepth {
		depth = pipeline.MinDepth
	}
	if depth > pipeline.MaxDepth {
		depth = pipeline.MaxDepth
	}

	// A depth-d traversal of branch factor ~2 touches at most 2^(d+1)-1
	// nodes; below that the node limit can never be reached, so charge
	// the smaller of the two.
	reachable := float64(int64(1)<<uint(depth+1)) - 1
	cost := float64(nodeLimit)
	if reachable < cost {
		cost = reachable
	}
	return cost
}

// Reserve charges cost credits against the caller's budget. When the
// budget cannot cover the cost it returns false and how long the caller
// should wait for enough credits to accrue.
func (b *UpstreamBudget) Reserve(ip string, cost float64) (bool, time.Duration) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) > budgetSweepInterval {
		for addr, entry := range b.budgets {
			if now.Sub(entry.last) > budgetSweepInterval {
				delete(b.budgets, addr)
			}
		}
		b.lastSweep = now
	}

	entry, ok := b.budgets[ip]
	if !ok {
		entry = &ipBudget{credits: b.capacity, last: now}
		b.budgets[ip] = entry
	} else {
		entry.credits += now.Sub(entry.last).Seconds() * b.rate
		if entry.credits > b.capacity {
			entry.credits = b.capacity
		}
		entry.last = now
	}

	if cost > b.capacity {
		cost = b.capacity
	}
	if entry.credits >= cost {
		entry.credits -= cost
		return true, 0
	}

	deficit := cost - entry.credits
	return false, time.Duration(deficit / b.rate * float64(time.Second))
}
