package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/tracecost-engine/internal/graph"
	"github.com/rawblock/tracecost-engine/internal/pipeline"
)

// TraceHandler serves the analysis endpoints.
type TraceHandler struct {
	pipeline *pipeline.Pipeline
	hub      *Hub
	budget   *UpstreamBudget
}

// TraceRequest is the POST /api/v1/trace body.
type TraceRequest struct {
	Target            string `json:"target" binding:"required"`
	Depth             int    `json:"depth"`
	NodeLimit         int    `json:"nodeLimit"`
	Direction         string `json:"direction"`
	Thorough          bool   `json:"thorough"`
	SkipClusterOracle bool   `json:"skipClusterOracle"`
}

// Health reports liveness.
func (h *TraceHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "tracecost-engine"})
}

// Trace runs the full pipeline synchronously and returns the report.
// Traversal and attribution progress is streamed to websocket subscribers
// under a per-request trace id.
func (h *TraceHandler) Trace(c *gin.Context) {
	var req TraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if !graph.IsTxid(req.Target) && !graph.IsAddress(req.Target) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "target must be a Bitcoin address (1..., 3..., bc1...) or a 64-char txid",
		})
		return
	}

	// Charge the caller for the upstream fetches this trace may consume.
	// Priced after validation so malformed requests cost nothing.
	cost := TraceCost(req.Depth, req.NodeLimit)
	if ok, retryAfter := h.budget.Reserve(c.ClientIP(), cost); !ok {
		c.Header("Retry-After", retryAfter.String())
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "upstream budget exhausted for this client",
			"retryAfter": retryAfter.String(),
		})
		return
	}

	traceID := uuid.New().String()

	result := h.pipeline.Run(c.Request.Context(), pipeline.Request{
		Target:            req.Target,
		Depth:             req.Depth,
		NodeLimit:         req.NodeLimit,
		Direction:         graph.Direction(req.Direction),
		Thorough:          req.Thorough,
		SkipClusterOracle: req.SkipClusterOracle,
		TraversalProgress: func(visited, nodeLimit, depth int) {
			h.hub.BroadcastProgress(ProgressEvent{
				TraceID: traceID, Phase: "traversal",
				Done: visited, Total: nodeLimit, Depth: depth,
			})
		},
		AttributionProgress: func(attributed, total int) {
			h.hub.BroadcastProgress(ProgressEvent{
				TraceID: traceID, Phase: "attribution",
				Done: attributed, Total: total,
			})
		},
	})

	if result.Graph.RootTxid == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"traceId":  traceID,
			"error":    "could not resolve target",
			"warnings": result.Graph.Warnings,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"traceId": traceID,
		"report":  result.Report,
	})
}
