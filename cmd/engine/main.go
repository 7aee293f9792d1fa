package main

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/onebullex/risk-engine/internal/ai"
	"github.com/onebullex/risk-engine/internal/api"
	"github.com/onebullex/risk-engine/internal/config"
	"github.com/onebullex/risk-engine/internal/db"
	"github.com/onebullex/risk-engine/internal/decision"
	"github.com/onebullex/risk-engine/internal/enrich"
	"github.com/onebullex/risk-engine/internal/notify"
	"github.com/onebullex/risk-engine/internal/rules"
)

func main() {
	log.Println("Starting OneBullEx Withdrawal Risk Decision Engine...")

	// .env is for local development only; production injects real env vars.
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

	// WebSocket hub for the ops dashboard.
	wsHub := api.NewHub()
	go wsHub.Run()

	lark := notify.NewLarkClient(cfg.LarkWebhookURL)
	alerts := notify.NewAlertManager(lark, func(alert notify.Alert) {
		wsHub.BroadcastJSON(map[string]any{"type": "alert", "alert": alert})
	})

	sanctions := enrich.NewSanctionsClient(cfg.ChainalysisAPIKey, cfg.ChainalysisURL, cfg.SanctionsTTL)
	destAge := enrich.NewAgeClient(cfg.BlockchairAPIKey, cfg.BlockchairBaseURL, cfg.DestAgeTTL)
	ruleEngine := rules.NewEngine(dbConn, cfg.RuleCacheTTL)
	agent := ai.NewAgent(cfg.GeminiAPIKey, cfg.GeminiModel)

	cascade := decision.NewCascade(dbConn, sanctions, destAge, ruleEngine, agent, alerts,
		cfg.FeatureFetchRetries, cfg.FeatureFetchDelay)

	r := api.SetupRouter(dbConn, cascade, alerts, wsHub)

	log.Printf("Engine running on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
