// Package statebus reads the journal outbox stream that backs envelope
// topics sourced from Kafka instead of a bus channel.
package statebus

import (
	"context"
	"time"
)

// Message is one outbox record.
type Message struct {
	Topic  string
	Key    []byte
	Value  []byte
	Offset int64
	Time   time.Time
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
