package stream

import (
	"context"

	"go.uber.org/zap"

	"tradegate/pkg/keys"
	"tradegate/pkg/metrics"
	"tradegate/pkg/statebus"
)

// KafkaSource relays a journal outbox topic. Messages are envelopes.
type KafkaSource struct {
	spec     keys.TopicSpec
	consumer statebus.Consumer
	filter   *envelopeFilter
}

func NewKafkaSource(spec keys.TopicSpec, consumer statebus.Consumer, dedupWindow int, m *metrics.Metrics, log *zap.Logger) *KafkaSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSource{
		spec:     spec,
		consumer: consumer,
		filter:   newEnvelopeFilter(spec.Name, dedupWindow, m, log.With(zap.String("topic", spec.Name))),
	}
}

func (k *KafkaSource) Name() string { return k.spec.Name }

func (k *KafkaSource) Next(ctx context.Context) ([]Frame, error) {
	msg, err := k.consumer.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	f, keep := k.filter.apply(Frame{Topic: k.spec.Name, Event: k.spec.Event, Data: Payload(msg.Value)}, msg.Value)
	if !keep {
		return nil, nil
	}
	return []Frame{f}, nil
}

func (k *KafkaSource) Close() error { return k.consumer.Close() }
