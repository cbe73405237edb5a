package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/ban"
	"github.com/gridchat/chat-server/internal/cache"
	"github.com/gridchat/chat-server/internal/config"
	"github.com/gridchat/chat-server/internal/delivery"
	"github.com/gridchat/chat-server/internal/directory"
	"github.com/gridchat/chat-server/internal/messaging"
	"github.com/gridchat/chat-server/internal/metrics"
	"github.com/gridchat/chat-server/internal/moderation"
	"github.com/gridchat/chat-server/internal/presence"
	"github.com/gridchat/chat-server/internal/ratelimit"
	"github.com/gridchat/chat-server/internal/router"
	"github.com/gridchat/chat-server/internal/storage"
	"github.com/gridchat/chat-server/internal/ws"
)

// chatStore is everything the server needs from the authoritative store.
type chatStore interface {
	directory.Store
	router.MessageStore
	delivery.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("gridchat server starting")
	cfg.Log()

	// --- Redis ---
	redisClient, err := cache.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Store ---
	var (
		store chatStore
		db    *sql.DB
	)
	if cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL not set, using the in-memory store")
		store = storage.NewMemory()
	} else {
		db, err = storage.Open(context.Background(), cfg.DatabaseURL, storage.DefaultDBConfig())
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := storage.Migrate(db); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		store = storage.NewPostgres(db)
	}

	// --- Buses ---
	var (
		bus        ws.Bus
		sink       ws.ExternalSink
		natsClient *messaging.NATSClient
		kafka      *messaging.KafkaPublisher
	)
	if cfg.NATSEnabled {
		natsClient, err = messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	}
	if cfg.Kafka.Enabled() {
		kafka, err = messaging.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			log.Fatalf("failed to create Kafka producer: %v", err)
		}
		sink = kafka
	}

	// --- Core ---
	conns := ws.NewConnectionManager()
	hub := ws.NewHub(cfg.ServerName, conns, bus, sink)
	if err := hub.Start(); err != nil {
		log.Fatalf("failed to start hub: %v", err)
	}

	chatCache := cache.NewRedis(redisClient)
	tracker := presence.NewTracker(chatCache)
	engine := acl.NewEngine(store)
	dir := directory.New(store, chatCache, hub, engine, tracker)

	bans := ban.NewManager(ban.NewRedisStore(redisClient), dir)
	bans.SetPublisher(hub)
	deliveries := delivery.NewTracker(store, dir, cfg.DeliveryGuarantee)

	terms := cfg.Blacklist
	if cfg.BlacklistFile != "" {
		fileTerms, err := moderation.LoadTerms(cfg.BlacklistFile)
		if err != nil {
			log.Fatalf("failed to load blacklist: %v", err)
		}
		terms = append(terms, fileTerms...)
	}
	filter := moderation.NewFilter(terms)
	log.Printf("  blacklist:       %d terms", filter.Size())

	msgRouter := router.New(router.Deps{
		Store:      store,
		Transport:  hub,
		Rooms:      dir,
		Bans:       bans,
		CrossRoom:  engine,
		Presence:   tracker,
		Deliveries: deliveries,
		Blacklist:  filter,
		Spam:       moderation.NewSpamScorer(cfg.SpamThreshold),
	}, cfg.Router)

	a := &app{
		dir:        dir,
		router:     msgRouter,
		hub:        hub,
		conns:      conns,
		bans:       bans,
		presence:   tracker,
		deliveries: deliveries,
		engine:     engine,
	}

	// --- Transport ---
	limiter := ratelimit.NewLimiter(redisClient)
	dispatcher := ws.NewMessageDispatcher(limiter)
	a.register(dispatcher)

	server := ws.NewServer(cfg.Server, conns, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	server.SetOnConnect(a.connect)
	server.SetOnReady(a.ready)
	server.SetOnDisconnect(a.disconnect)
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		// Runs the disconnect hook for every connection while the buses are
		// still up.
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if kafka != nil {
			if err := kafka.Close(); err != nil {
				log.Printf("kafka close error: %v", err)
			}
		}
		if db != nil {
			db.Close()
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
