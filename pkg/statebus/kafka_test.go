package statebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "journal.outbox"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
}

func TestKafkaConfigDefaults(t *testing.T) {
	t.Parallel()

	rc, err := KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092", "\t"}, Topic: " journal.outbox "}.readerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.Brokers) != 1 || rc.Brokers[0] != "127.0.0.1:9092" {
		t.Fatalf("expected trimmed broker list, got %v", rc.Brokers)
	}
	if rc.Topic != "journal.outbox" {
		t.Fatalf("expected trimmed topic, got %q", rc.Topic)
	}
	if rc.StartOffset != kafka.LastOffset {
		t.Fatalf("expected reader to start at newest offset, got %d", rc.StartOffset)
	}
	if rc.CommitInterval != 0 {
		t.Fatalf("expected no commits without a group, got %s", rc.CommitInterval)
	}
	if rc.MaxWait != 500*time.Millisecond {
		t.Fatalf("unexpected max wait %s", rc.MaxWait)
	}

	grouped, err := KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t", GroupID: "tradegate"}.readerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grouped.CommitInterval != time.Second {
		t.Fatalf("expected group commits every second, got %s", grouped.CommitInterval)
	}
}

func TestKafkaConsumerCloseAndReadGuard(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized error, got %v", err)
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerReadMessage(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := consumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		at := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{
			Topic: "journal.outbox", Key: []byte("entry-7"), Value: []byte(`{"k":"v"}`), Offset: 42, Time: at,
		}}}
		msg, err := consumer.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Value) != `{"k":"v"}` || string(msg.Key) != "entry-7" || msg.Offset != 42 || !msg.Time.Equal(at) {
			t.Fatalf("unexpected message: %+v", msg)
		}
	})
}
