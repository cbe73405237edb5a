// Package config reads the chat server settings from the environment. A
// .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gridchat/chat-server/internal/messaging"
	"github.com/gridchat/chat-server/internal/moderation"
	"github.com/gridchat/chat-server/internal/router"
	"github.com/gridchat/chat-server/internal/ws"
)

// Config holds everything cmd/chatserver and cmd/restapi need to start.
type Config struct {
	Server ws.ServerConfig
	NATS   messaging.NATSConfig
	Kafka  messaging.KafkaConfig
	Router router.Config

	ServerName  string
	RedisAddr   string
	NATSEnabled bool
	DatabaseURL string // empty selects the in-memory store
	RESTAddr    string

	// DeliveryGuarantee enables at-least-once tracking for private rooms.
	DeliveryGuarantee bool

	Blacklist     []string
	BlacklistFile string
	SpamThreshold float64
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "chat-1"
	}
	return Config{
		Server:        ws.DefaultServerConfig(),
		NATS:          messaging.DefaultNATSConfig(),
		Kafka:         messaging.DefaultKafkaConfig(),
		Router:        router.DefaultConfig(),
		ServerName:    name,
		RedisAddr:     "localhost:6379",
		RESTAddr:      ":8081",
		SpamThreshold: moderation.DefaultSpamThreshold,
	}
}

// Load reads .env (if any) and the environment on top of Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Malformed numbers and
// durations are reported rather than silently ignored.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	p.str("LISTEN_ADDR", &c.Server.ListenAddr)
	p.positive("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	p.positive("MAX_CONNECTIONS", &c.Server.MaxConnections)
	p.duration("READ_TIMEOUT", &c.Server.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &c.Server.WriteTimeout)

	p.str("SERVER_NAME", &c.ServerName)
	c.NATS.Name = c.ServerName
	p.str("REDIS_ADDR", &c.RedisAddr)
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATSEnabled = true
	}
	p.str("DATABASE_URL", &c.DatabaseURL)
	p.str("REST_ADDR", &c.RESTAddr)

	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	p.str("KAFKA_TOPIC", &c.Kafka.Topic)

	p.boolean("DELIVERY_GUARANTEE", &c.DeliveryGuarantee)
	if v := getenv("HISTORY_TYPE"); v != "" {
		switch v {
		case router.HistoryTop, router.HistoryUnread:
			c.Router.HistoryStrategy = v
		default:
			p.fail("HISTORY_TYPE", v, fmt.Errorf("want %s or %s", router.HistoryTop, router.HistoryUnread))
		}
	}
	p.positive("HISTORY_LIMIT", &c.Router.HistoryLimit)
	p.boolean("SPAM_BLOCK", &c.Router.SpamBlock)

	if v := getenv("BLACKLIST"); v != "" {
		c.Blacklist = splitList(v)
	}
	p.str("BLACKLIST_FILE", &c.BlacklistFile)
	if v := getenv("SPAM_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			p.fail("SPAM_THRESHOLD", v, fmt.Errorf("want a number in (0, 1]"))
		} else {
			c.SpamThreshold = f
		}
	}

	if p.err != nil {
		return Config{}, p.err
	}
	return c, nil
}

// Log prints the effective settings in the startup banner format.
func (c Config) Log() {
	store := "memory"
	if c.DatabaseURL != "" {
		store = "postgres"
	}
	nats := "disabled"
	if c.NATSEnabled {
		nats = c.NATS.URL
	}
	log.Printf("  listen_addr:     %s", c.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", c.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", c.Server.MaxConnections)
	log.Printf("  read_timeout:    %s", c.Server.ReadTimeout)
	log.Printf("  write_timeout:   %s", c.Server.WriteTimeout)
	log.Printf("  server_name:     %s", c.ServerName)
	log.Printf("  redis_addr:      %s", c.RedisAddr)
	log.Printf("  nats_url:        %s", nats)
	log.Printf("  kafka_brokers:   %v", c.Kafka.Brokers)
	log.Printf("  store:           %s", store)
	log.Printf("  history:         %s/%d", c.Router.HistoryStrategy, c.Router.HistoryLimit)
	log.Printf("  delivery:        %v", c.DeliveryGuarantee)
	log.Printf("  spam:            threshold=%.2f block=%v", c.SpamThreshold, c.Router.SpamBlock)
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s=%q: %w", key, value, err)
	}
}

func (p *parser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) positive(key string, dst *int) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil && n <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
