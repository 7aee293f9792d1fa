package main

import (
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/onebullex/risk-engine/internal/config"
	"github.com/onebullex/risk-engine/internal/db"
	"github.com/onebullex/risk-engine/internal/enrich"
	"github.com/onebullex/risk-engine/internal/worker"
)

// The enrichment worker runs as a small HTTP service: the CDC pipeline
// delivers withdraw_record batches to POST /cdc, the worker refreshes the
// sanctions and destination-age dimensions.

func main() {
	log.Println("Starting OneBullEx Risk Enrichment Worker...")

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}
	cfg := config.Load()

	dbConn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		log.Printf("Warning: DB schema init failed: %v", err)
	}

	sanctions := enrich.NewSanctionsClient(cfg.ChainalysisAPIKey, cfg.ChainalysisURL, cfg.SanctionsTTL)
	destAge := enrich.NewAgeClient(cfg.BlockchairAPIKey, cfg.BlockchairBaseURL, cfg.DestAgeTTL)
	w := worker.New(dbConn, sanctions, destAge, cfg.RecheckInterval)

	r := gin.Default()
	r.POST("/cdc", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
			return
		}
		results, err := w.ProcessBatch(c.Request.Context(), body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"processed": len(results), "results": results})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "operational", "worker": "risk-enrichment"})
	})

	port := config.GetEnvOrDefault("WORKER_PORT", "8081")
	log.Printf("Worker running on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
}
