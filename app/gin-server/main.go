package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/curaline/telecare/config"
	"github.com/curaline/telecare/internal/api/handlers"
	"github.com/curaline/telecare/internal/api/middleware"
	"github.com/curaline/telecare/internal/api/routes"
	"github.com/curaline/telecare/internal/cache"
	"github.com/curaline/telecare/internal/logger"
	"github.com/curaline/telecare/internal/media"
	"github.com/curaline/telecare/internal/notify"
	"github.com/curaline/telecare/internal/providers/llm"
	mongorepo "github.com/curaline/telecare/internal/repositories/mongo"
	pgrepo "github.com/curaline/telecare/internal/repositories/postgres"
	"github.com/curaline/telecare/internal/rtctoken"
	"github.com/curaline/telecare/internal/services"
	"github.com/curaline/telecare/internal/workers"
)

func main() {
	_ = godotenv.Load()

	lg := logger.New()
	ctx := context.Background()

	// Init PostgreSQL (session records)
	if err := config.InitPostgres(); err != nil {
		log.Fatalf("PostgreSQL init error: %v", err)
	}
	if err := config.MigratePostgres(); err != nil {
		log.Fatalf("PostgreSQL migration error: %v", err)
	}
	lg.Info("PostgreSQL connected")

	// Init Redis (notifications + journal stream)
	if err := config.InitRedis(); err != nil {
		log.Fatalf("Redis init error: %v", err)
	}
	lg.Info("Redis connected")

	// Init MongoDB (media event journal)
	if err := config.InitMongo(); err != nil {
		log.Fatalf("MongoDB init error: %v", err)
	}
	if err := config.EnsureMongoIndexes(); err != nil {
		log.Fatalf("MongoDB index error: %v", err)
	}
	lg.Info("MongoDB connected")

	mongoDBName := os.Getenv("MONGO_DB")
	if mongoDBName == "" {
		mongoDBName = "telecare"
	}
	mongoDB := config.MongoClient.Database(mongoDBName)

	// Repositories
	consultations := pgrepo.NewConsultationRepo(config.PostgresDB)
	events := mongorepo.NewEventRepo(mongoDB)

	// Channel authorization
	rtcCfg := config.LoadRTC()
	issuer := rtctoken.NewIssuer(rtcCfg.AppID, rtcCfg.AppCertificate)

	// Media stack
	dialer, err := media.NewGatewayDialer(lg, rtcCfg.GatewayURL)
	if err != nil {
		log.Fatalf("media gateway init error: %v", err)
	}
	devices, err := media.NewDevices(lg)
	if err != nil {
		log.Fatalf("media devices init error: %v", err)
	}
	journal := &workers.EventJournal{Redis: config.RedisClient, Logger: lg}
	registry := media.NewRegistry(dialer, devices, journal, lg, rtcCfg.JoinTimeout)

	// Journal persistence workers
	journalPool := &workers.JournalWorkerPool{
		Redis:  config.RedisClient,
		Events: events,
		Logger: lg,
	}
	if err := journalPool.Start(ctx); err != nil {
		log.Fatalf("journal worker error: %v", err)
	}

	// Notifications
	notifier := notify.NewRedisNotifier(config.RedisClient, cache.NewRedisCache(config.RedisClient))

	// Summarization collaborator (best effort downstream; fatal only if
	// misconfigured at boot)
	summarizer, err := llm.NewVertexGemini(ctx,
		os.Getenv("VERTEX_PROJECT_ID"),
		os.Getenv("VERTEX_LOCATION"),
		os.Getenv("VERTEX_MODEL"),
	)
	if err != nil {
		log.Fatalf("summarizer init error: %v", err)
	}
	defer summarizer.Close()

	// Services
	consultSvc := services.NewConsultService(consultations, issuer, registry, notifier, lg)
	reportSvc := services.NewReportService(consultations, summarizer, lg)

	// HTTP
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(lg))

	routes.RegisterRoutes(r, routes.Deps{
		Consultation: handlers.NewConsultationHandler(consultSvc, reportSvc, events),
		Token:        handlers.NewTokenHandler(issuer),
		WS:           handlers.NewWSHandler(notifier, config.RedisClient),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
