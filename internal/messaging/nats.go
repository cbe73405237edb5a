// Package messaging carries events between chat server nodes and out to
// external consumers. NATS is the internal bus: it fans client emits out
// across nodes and carries internal activities. Kafka receives the external
// activity stream.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectEmit             = "chat.emit"
	SubjectActivityInternal = "chat.activity.internal"
	SubjectActivityExternal = "chat.activity.external"
)

// NATSConfig holds the bus connection settings.
type NATSConfig struct {
	URL           string
	Name          string // shown by the NATS server; set to the node name
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "gridchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

func (c NATSConfig) options() []nats.Option {
	return []nats.Option{
		nats.Name(c.Name),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] %v", err)
		}),
	}
}

// Envelope is a client emit travelling between server nodes. Every node
// delivers it to its local connections subscribed to Room.
type Envelope struct {
	Event     string          `json:"event"`
	Room      string          `json:"room"`
	Broadcast bool            `json:"broadcast"`
	Origin    string          `json:"origin"`
	Payload   json.RawMessage `json:"payload"`
}

// NATSClient is the node's handle on the bus.
type NATSClient struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient fails if the first connection attempt fails; later drops
// are retried in the background per the config.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL, config.options()...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %s", nc.ConnectedUrl(), config.Name)
	return &NATSClient{conn: nc}, nil
}

// PublishEmit sends an emit to every node, this one included.
func (c *NATSClient) PublishEmit(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: encode emit: %w", err)
	}
	return c.conn.Publish(SubjectEmit, data)
}

// SubscribeEmits calls handler for every emit published by any node.
// Undecodable envelopes are logged and dropped.
func (c *NATSClient) SubscribeEmits(handler func(env Envelope)) error {
	sub, err := c.conn.Subscribe(SubjectEmit, func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			log.Printf("[nats] %v", err)
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", SubjectEmit, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("messaging: bad emit envelope: %w", err)
	}
	if env.Room == "" || env.Event == "" {
		return Envelope{}, fmt.Errorf("messaging: emit envelope without room or event")
	}
	return env, nil
}

// PublishActivity sends an encoded activity on the internal or external
// activity subject.
func (c *NATSClient) PublishActivity(external bool, data []byte) error {
	return c.conn.Publish(activitySubject(external), data)
}

func activitySubject(external bool) string {
	if external {
		return SubjectActivityExternal
	}
	return SubjectActivityInternal
}

// Close drains subscriptions, flushes pending publishes and closes the
// connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
}
