package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/onebullex/risk-engine/internal/cdc"
	"github.com/onebullex/risk-engine/internal/db"
	"github.com/onebullex/risk-engine/internal/decision"
	"github.com/onebullex/risk-engine/internal/notify"
	"github.com/onebullex/risk-engine/pkg/models"
)

type APIHandler struct {
	dbStore *db.PostgresStore
	cascade *decision.Cascade
	alerts  *notify.AlertManager
	wsHub   *Hub
}

func SetupRouter(dbStore *db.PostgresStore, cascade *decision.Cascade,
	alerts *notify.AlertManager, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var.
	// Production: ALLOWED_ORIGINS=https://risk.onebullex.internal
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{dbStore: dbStore, cascade: cascade, alerts: alerts, wsHub: wsHub}

	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1")
	{
		api.POST("/decision", AuthMiddleware(), limiter.Middleware(), handler.handleDecision)
		api.POST("/cdc", AuthMiddleware(), limiter.Middleware(), handler.handleCDCBatch)
		api.GET("/decisions", AuthMiddleware(), handler.handleRecentDecisions)
		api.GET("/alerts", AuthMiddleware(), handler.handleRecentAlerts)
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)
	}

	return r
}

// handleDecision accepts an HTTP-style envelope and runs the cascade.
// POST /api/v1/decision {"user_code": "U1", "txn_id": "T1"}
// The body may also be form-urlencoded (user_code=U1&txn_id=T1), and either
// shape may arrive base64-encoded with Content-Transfer-Encoding: base64.
func (h *APIHandler) handleDecision(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	payload, err := decodeEnvelope(body, c.GetHeader("Content-Transfer-Encoding") == "base64")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request Parsing Failed: " + err.Error()})
		return
	}

	userCode := cdc.RowString(payload, "user_code", "userCode")
	if userCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing user_code"})
		return
	}
	txnID := cdc.RowString(payload, "txn_id", "txnId", "code", "id")

	resp := h.cascade.Decide(c.Request.Context(), userCode, txnID)
	h.broadcastDecision(resp)
	c.JSON(http.StatusOK, resp)
}

// decodeEnvelope parses a request body as JSON first, then as a
// form-urlencoded query string. Upstream callers deliver both shapes, and
// some gateways base64-encode the body in transit.
func decodeEnvelope(body []byte, base64Encoded bool) (map[string]any, error) {
	if base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 body: %v", err)
		}
		body = decoded
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		return payload, nil
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("body is neither JSON nor form-urlencoded")
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	payload = make(map[string]any, len(values))
	for k, v := range values {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}
	return payload, nil
}

// handleCDCBatch accepts a Kafka/Canal batch envelope of withdraw inserts
// and runs the cascade for each row. Unprocessable records are skipped with
// a reason, never failed.
// POST /api/v1/cdc [{"value": {"type":"INSERT","data":[{...}]}}]
func (h *APIHandler) handleCDCBatch(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	records, err := cdc.ParseBatch(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := make([]any, 0, len(records))
	for _, rec := range records {
		doc, ok := cdc.DecodeValue(rec.Value)
		if !ok {
			results = append(results, gin.H{"skipped": cdc.SkipInvalidValue})
			continue
		}
		rows, skip := cdc.Rows(doc)
		if skip != "" {
			results = append(results, gin.H{"skipped": skip})
			continue
		}
		for _, row := range rows {
			userCode, txnID, skip := cdc.ExtractKeys(row)
			if skip != "" {
				results = append(results, gin.H{"skipped": skip})
				continue
			}
			resp := h.cascade.Decide(c.Request.Context(), userCode, txnID)
			h.broadcastDecision(resp)
			results = append(results, resp)
		}
	}

	c.JSON(http.StatusOK, gin.H{"processed": len(results), "results": results})
}

// handleRecentDecisions returns the latest decision-log rows.
// GET /api/v1/decisions?limit=50
func (h *APIHandler) handleRecentDecisions(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	decisions, err := h.dbStore.RecentDecisions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch decisions", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decisions, "count": len(decisions)})
}

// handleRecentAlerts returns the in-memory alert history, newest first.
// GET /api/v1/alerts?limit=100
func (h *APIHandler) handleRecentAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"data": h.alerts.Recent(limit)})
}

// handleHealth returns engine status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "OneBullEx Withdrawal Risk Engine",
		"dbConnected": h.dbStore != nil,
	})
}

// broadcastDecision pushes the verdict to connected dashboards.
func (h *APIHandler) broadcastDecision(resp models.DecisionResponse) {
	if h.wsHub == nil {
		return
	}
	h.wsHub.BroadcastJSON(gin.H{"type": "decision", "decision": resp})
}
