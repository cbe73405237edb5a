package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gridchat/chat-server/internal/ban"
	"github.com/gridchat/chat-server/internal/cache"
	"github.com/gridchat/chat-server/internal/config"
	"github.com/gridchat/chat-server/internal/messaging"
	"github.com/gridchat/chat-server/internal/ratelimit"
	"github.com/gridchat/chat-server/internal/rest"
	"github.com/gridchat/chat-server/internal/storage"
	"github.com/gridchat/chat-server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	redisClient, err := cache.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required: bans are checked against the shared user and room tables")
	}
	db, err := storage.Open(context.Background(), cfg.DatabaseURL, storage.DefaultDBConfig())
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	bans := ban.NewManager(ban.NewRedisStore(redisClient), storage.NewPostgres(db))

	// Ban activities go out on the same external stream as the chat server's.
	var (
		natsClient *messaging.NATSClient
		kafka      *messaging.KafkaPublisher
		bus        ws.Bus
		sink       ws.ExternalSink
	)
	if cfg.NATSEnabled {
		if natsClient, err = messaging.NewNATSClient(cfg.NATS); err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	}
	if cfg.Kafka.Enabled() {
		if kafka, err = messaging.NewKafkaPublisher(cfg.Kafka); err != nil {
			log.Fatalf("failed to create Kafka producer: %v", err)
		}
		sink = kafka
	}
	if bus != nil || sink != nil {
		bans.SetPublisher(ws.NewHub(cfg.ServerName+"-rest", ws.NewConnectionManager(), bus, sink))
	}

	gin.SetMode(gin.ReleaseMode)
	handler := rest.NewHandler(bans, ratelimit.NewLimiter(redisClient))
	srv := &http.Server{
		Addr:    cfg.RESTAddr,
		Handler: handler.Router(),
	}

	log.Printf("gridchat REST API listening on %s", cfg.RESTAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("rest server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	closeAll(db, natsClient, kafka)
	if err := redisClient.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
}

func closeAll(db *sql.DB, nc *messaging.NATSClient, kafka *messaging.KafkaPublisher) {
	if nc != nil {
		nc.Close()
	}
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			log.Printf("kafka close error: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		log.Printf("db close error: %v", err)
	}
}
