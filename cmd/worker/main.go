package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/mailer"
	"github.com/flowmail/flowmail/internal/pkg/distlock"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/store"
	"github.com/flowmail/flowmail/internal/worker"

	_ "github.com/lib/pq"
)

// Default loop intervals, overridable as a group with POLL_INTERVAL_SECONDS.
const (
	deliveryInterval  = 30 * time.Second
	eventInterval     = time.Minute
	schedulerInterval = time.Minute
	recoveryInterval  = 5 * time.Minute
)

func main() {
	log.Println("Starting FlowMail worker supervisor...")

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
	lock := distlock.New(redisClient, db, "campaign-scheduler", 2*time.Minute)

	delivery := worker.NewDeliveryWorker(st, gateway, cfg)
	leadScore := worker.NewLeadScoreWorker(st)
	bestTime := worker.NewBestTimeWorker(st)
	scanner := worker.NewTriggerScanner(st)
	execution := worker.NewAutomationWorker(st, cfg)
	scheduler := worker.NewCampaignScheduler(st, lock)
	recovery := worker.NewRecoveryWorker(st)

	interval := func(def time.Duration) time.Duration {
		if cfg.PollInterval > 0 {
			return cfg.PollInterval
		}
		return def
	}

	delivery.Start(interval(deliveryInterval))
	leadScore.Start(interval(eventInterval))
	bestTime.Start(interval(eventInterval))
	scanner.Start(interval(eventInterval))
	execution.Start(interval(deliveryInterval))
	scheduler.Start(interval(schedulerInterval))
	recovery.Start(interval(recoveryInterval))
	log.Println("All workers started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down workers...")
	recovery.Stop()
	scheduler.Stop()
	execution.Stop()
	scanner.Stop()
	bestTime.Stop()
	leadScore.Stop()
	delivery.Stop()
	log.Println("Shutdown complete")
}
