package statebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

var errNotInitialized = errors.New("kafka consumer not initialized")

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig selects the outbox topic. Without a group the reader starts at
// the newest offset, since clients only want what happens after they connect.
type KafkaConfig struct {
	Brokers []string      `mapstructure:"brokers"`
	Topic   string        `mapstructure:"topic"`
	GroupID string        `mapstructure:"group_id"`
	MaxWait time.Duration `mapstructure:"max_wait"`
}

func (c KafkaConfig) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c KafkaConfig) readerConfig() (kafka.ReaderConfig, error) {
	brokers := c.brokers()
	if len(brokers) == 0 {
		return kafka.ReaderConfig{}, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return kafka.ReaderConfig{}, fmt.Errorf("kafka topic required")
	}
	maxWait := c.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       strings.TrimSpace(c.Topic),
		GroupID:     strings.TrimSpace(c.GroupID),
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     maxWait,
		StartOffset: kafka.LastOffset,
	}
	if rc.GroupID != "" {
		rc.CommitInterval = time.Second
	}
	return rc, nil
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	rc, err := cfg.readerConfig()
	if err != nil {
		return nil, err
	}
	return &KafkaConsumer{reader: kafka.NewReader(rc)}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errNotInitialized
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Offset: msg.Offset, Time: msg.Time}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
