package messaging

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// KafkaConfig holds the external activity stream settings.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Retries     int
	Compression string // none | snappy | lz4 | zstd
}

// DefaultKafkaConfig returns defaults with no brokers; a config without
// brokers disables the external stream.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:       "chat-activities",
		Retries:     3,
		Compression: "snappy",
	}
}

// Enabled reports whether brokers are configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c KafkaConfig) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "gridchat"

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	if cfg.Producer.Retry.Max <= 0 {
		cfg.Producer.Retry.Max = 1
	}
	// The key is the room id so a room's activities stay ordered.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// KafkaPublisher writes activities to the external Kafka topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to the configured brokers.
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	cfg := config.saramaConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: config: %w", err)
	}
	producer, err := sarama.NewSyncProducer(config.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: new producer: %w", err)
	}
	log.Printf("[kafka] producer connected to %s topic=%s", strings.Join(config.Brokers, ","), config.Topic)
	return newKafkaPublisher(producer, config.Topic), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish sends one encoded activity keyed by key.
func (p *KafkaPublisher) Publish(key string, data []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(data),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka: send to %s: %w", p.topic, err)
	}
	log.Printf("[kafka] published key=%s partition=%d offset=%d", key, partition, offset)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("kafka: close: %w", err)
	}
	return nil
}
