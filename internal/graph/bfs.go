package graph

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/tracecost-engine/internal/esplora"
	"github.com/rawblock/tracecost-engine/pkg/models"
)

// BFS Transaction Graph Traversal
//
// Traverses the Bitcoin transaction graph breadth-first from a resolved
// root txid using a fixed pool of workers. Each worker pulls (txid, depth)
// pairs from a shared frontier, fetches the transaction through the
// rate-limited Esplora client (with provider fallback), installs the parsed
// node under the result lock, and enqueues unvisited neighbors.
//
// Depth is a logical BFS guarantee, not a temporal one: a node's depth is
// its distance from the root in the breadth-first tree, but two nodes at
// the same depth land in the result in arbitrary order.
//
// Termination: a worker that finds the frontier empty waits up to
// workerTimeout; if at wake time no worker is mid-item and the frontier is
// still empty, it exits. Traversal is complete when all workers have
// exited. The check is sound because a worker only leaves the active set
// after enqueuing its children.

// Direction selects which neighbors the traversal follows.
type Direction string

const (
	DirectionForward  Direction = "forward"  // follow spending txids of outputs
	DirectionBackward Direction = "backward" // follow prev txids of inputs
	DirectionBoth     Direction = "both"
)

const (
	numWorkers    = 5
	workerTimeout = 3 * time.Second
)

// Options configures one traversal.
type Options struct {
	MaxDepth  int
	NodeLimit int
	Direction Direction
	// Progress, when set, is called after each installed node with the
	// visited count, the node limit, and the node's depth.
	Progress func(visited, nodeLimit, depth int)
}

// Traverse performs the BFS and returns a fully populated graph result.
// It never returns an error: an unresolvable target yields an empty-root
// result carrying a warning, and individual fetch failures become
// unresolved stub nodes.
func Traverse(ctx context.Context, client *esplora.Client, target string, opts Options) *models.GraphResult {
	rootTxid := resolveTarget(ctx, client, target)
	if rootTxid == "" {
		result := models.NewGraphResult(target, "")
		result.RequestedMaxDepth = opts.MaxDepth
		result.Warnings = append(result.Warnings, fmt.Sprintf("Could not resolve target: %s", target))
		return result
	}

	result := models.NewGraphResult(target, rootTxid)
	result.RequestedMaxDepth = opts.MaxDepth

	t := &traversal{
		client:   client,
		opts:     opts,
		result:   result,
		visited:  map[string]struct{}{rootTxid: {}},
		frontier: make(chan workItem, opts.NodeLimit+numWorkers),
	}
	t.frontier <- workItem{txid: rootTxid, depth: 0}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(ctx)
		}()
	}
	wg.Wait()

	result.Edges = buildEdges(result)
	detectDormancy(result, target)
	return result
}

type workItem struct {
	txid  string
	depth int
}

type traversal struct {
	client *esplora.Client
	opts   Options

	// mu protects the result, the visited set, and the paired
	// "check visited + enqueue" step during frontier expansion.
	mu     sync.Mutex
	result *models.GraphResult

	visited  map[string]struct{}
	frontier chan workItem

	// activeMu guards the count of workers currently processing an item;
	// consulted on frontier timeout to detect global quiescence.
	activeMu      sync.Mutex
	activeWorkers int
}

func (t *traversal) worker(ctx context.Context) {
	timer := time.NewTimer(workerTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(workerTimeout)

		select {
		case <-ctx.Done():
			return
		case item := <-t.frontier:
			t.activeMu.Lock()
			t.activeWorkers++
			t.activeMu.Unlock()

			t.process(ctx, item)

			t.activeMu.Lock()
			t.activeWorkers--
			t.activeMu.Unlock()
		case <-timer.C:
			t.activeMu.Lock()
			idle := t.activeWorkers == 0 && len(t.frontier) == 0
			t.activeMu.Unlock()
			if idle {
				return
			}
		}
	}
}

func (t *traversal) process(ctx context.Context, item workItem) {
	tx := t.client.FetchTxWithFallback(ctx, item.txid)
	if tx == nil {
		t.mu.Lock()
		t.result.Nodes[item.txid] = &models.GraphNode{
			Txid:               item.txid,
			Depth:              item.depth,
			Resolved:           false,
			AttributedEntities: make(map[string]string),
		}
		t.result.UnresolvedCount++
		t.mu.Unlock()
		return
	}

	var outspends []esplora.Outspend
	if t.opts.Direction == DirectionForward || t.opts.Direction == DirectionBoth {
		outspends = t.client.FetchOutspendsWithFallback(ctx, item.txid)
	}

	node := esplora.ParseTx(tx, item.depth, outspends)

	t.mu.Lock()
	t.result.Nodes[item.txid] = node

	for _, in := range node.Inputs {
		if in.Address != "" {
			t.result.AddressesSeen[in.Address] = struct{}{}
		}
	}
	for _, out := range node.Outputs {
		if out.Address != "" {
			t.result.AddressesSeen[out.Address] = struct{}{}
		}
	}

	if item.depth > t.result.MaxDepthReached {
		t.result.MaxDepthReached = item.depth
	}

	if item.depth < t.opts.MaxDepth && len(t.visited) < t.opts.NodeLimit {
		for _, neighbor := range neighbors(node, t.opts.Direction) {
			if len(t.visited) >= t.opts.NodeLimit {
				break
			}
			if _, seen := t.visited[neighbor]; seen {
				continue
			}
			t.visited[neighbor] = struct{}{}
			t.frontier <- workItem{txid: neighbor, depth: item.depth + 1}
		}
	}
	if len(t.visited) >= t.opts.NodeLimit {
		t.result.NodeLimitHit = true
	}
	visited := len(t.visited)
	t.mu.Unlock()

	if t.opts.Progress != nil {
		t.opts.Progress(visited, t.opts.NodeLimit, item.depth)
	}
}

// neighbors extracts the txids the traversal should expand to from one node.
func neighbors(node *models.GraphNode, direction Direction) []string {
	var out []string

	if direction == DirectionForward || direction == DirectionBoth {
		for _, o := range node.Outputs {
			if o.Spent && o.SpendingTxid != "" {
				out = append(out, o.SpendingTxid)
			}
		}
	}

	if direction == DirectionBackward || direction == DirectionBoth {
		if !node.IsCoinbase {
			for _, in := range node.Inputs {
				if in.PrevTxid != "" {
					out = append(out, in.PrevTxid)
				}
			}
		}
	}

	return out
}

// buildEdges derives the edge list from resolved nodes' spent outputs whose
// spending transaction is also in the node set. Sorted so identical node
// sets always produce identical edge lists.
func buildEdges(result *models.GraphResult) []models.GraphEdge {
	var edges []models.GraphEdge
	for _, node := range result.Nodes {
		if !node.Resolved {
			continue
		}
		for i, out := range node.Outputs {
			if !out.Spent || out.SpendingTxid == "" {
				continue
			}
			if _, ok := result.Nodes[out.SpendingTxid]; !ok {
				continue
			}
			edges = append(edges, models.GraphEdge{
				FromTxid:  node.Txid,
				ToTxid:    out.SpendingTxid,
				Address:   out.Address,
				ValueSat:  out.ValueSat,
				VoutIndex: i,
			})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromTxid != edges[j].FromTxid {
			return edges[i].FromTxid < edges[j].FromTxid
		}
		return edges[i].VoutIndex < edges[j].VoutIndex
	})
	return edges
}

// detectDormancy flags an address target that has received funds but never
// spent: traversal could not expand and no resolved node spends from it.
func detectDormancy(result *models.GraphResult, target string) {
	target = strings.TrimSpace(target)
	if !IsAddress(target) || result.MaxDepthReached != 0 {
		return
	}

	for _, node := range result.Nodes {
		if !node.Resolved {
			continue
		}
		for _, in := range node.Inputs {
			if in.Address == target {
				return
			}
		}
	}

	result.IsDormant = true
	result.DormancyNote = "No outgoing transactions found. " +
		"This address has received funds but never spent. Nothing to trace."
	log.Printf("graph: target %s is dormant (funds received, never spent)", target)
}
