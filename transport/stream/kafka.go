package stream

import (
	"context"
	"fmt"

	"github.com/maxpert/ripple/cfg"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	RegisterProducer("kafka", func(config cfg.StreamConfiguration) (Producer, error) {
		return NewKafkaProducer(DefaultKafkaConfig(config.Brokers))
	})
}

// KafkaConfig holds configuration for KafkaProducer
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaProducer writes synchronously; the hash balancer keeps one entity on
// one partition
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(config KafkaConfig) (*KafkaProducer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}
	return &KafkaProducer{writer: writer}, nil
}

func (k *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
