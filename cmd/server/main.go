package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmail/flowmail/internal/api"
	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/mailer"
	"github.com/flowmail/flowmail/internal/pkg/distlock"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/store"
	"github.com/flowmail/flowmail/internal/tracking"
	"github.com/flowmail/flowmail/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting FlowMail API server...")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
	}

	st := store.New(db)
	gateway := mailer.NewGateway(cfg.MailGatewayURL, cfg.MailGatewayToken)
	resend := mailer.NewResend(cfg.ResendAPIKey)
	lock := distlock.New(redisClient, db, "campaign-scheduler", 2*time.Minute)

	server := api.NewServer(cfg, st,
		worker.NewDeliveryWorker(st, gateway, cfg),
		worker.NewLeadScoreWorker(st),
		worker.NewBestTimeWorker(st),
		worker.NewTriggerScanner(st),
		worker.NewAutomationWorker(st, cfg),
		worker.NewCampaignScheduler(st, lock),
		worker.NewEnqueuer(st, resend, cfg),
		tracking.NewHandler(st, cfg),
	)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}
