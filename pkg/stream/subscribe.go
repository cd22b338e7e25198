package stream

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradegate/pkg/bus"
	"tradegate/pkg/envelope"
	"tradegate/pkg/keys"
	"tradegate/pkg/metrics"
)

// SubscribeSource relays messages from the channels behind one subscribe
// topic. Payloads pass through unmodified.
type SubscribeSource struct {
	spec     keys.TopicSpec
	conn     *bus.Connector
	log      *zap.Logger
	filter   *envelopeFilter
	channels map[string]string // subscribed channel or pattern -> concrete topic
	opts     bus.ListenOptions

	start  sync.Once
	frames chan Frame
	errs   chan error
}

func NewSubscribeSource(spec keys.TopicSpec, resolver *keys.Resolver, conn *bus.Connector, dedupWindow int, m *metrics.Metrics, log *zap.Logger) *SubscribeSource {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SubscribeSource{
		spec:     spec,
		conn:     conn,
		log:      log.With(zap.String("topic", spec.Name)),
		channels: map[string]string{},
		frames:   make(chan Frame, 16),
		errs:     make(chan error, 1),
	}
	if spec.Envelope {
		s.filter = newEnvelopeFilter(spec.Name, dedupWindow, m, s.log)
	}
	for _, sub := range resolver.Subscriptions(spec) {
		s.channels[sub.Name] = sub.Topic
		if sub.Pattern {
			s.opts.Patterns = append(s.opts.Patterns, sub.Name)
		} else {
			s.opts.Channels = append(s.opts.Channels, sub.Name)
		}
	}
	return s
}

func (s *SubscribeSource) Name() string { return s.spec.Name }

// Next starts the subscription on first use and returns one frame per
// message.
func (s *SubscribeSource) Next(ctx context.Context) ([]Frame, error) {
	s.start.Do(func() {
		go func() {
			if err := s.conn.Listen(ctx, s.opts, s.handle); err != nil && ctx.Err() == nil {
				s.errs <- err
			}
		}()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.errs:
		return nil, err
	case f := <-s.frames:
		return []Frame{f}, nil
	}
}

func (s *SubscribeSource) handle(ctx context.Context, msg *redis.Message) {
	key := msg.Channel
	if msg.Pattern != "" {
		key = msg.Pattern
	}
	topic, ok := s.channels[key]
	if !ok {
		return
	}
	f := Frame{Topic: topic, Event: s.spec.Event, Data: Payload([]byte(msg.Payload))}
	if s.filter != nil {
		var keep bool
		if f, keep = s.filter.apply(f, []byte(msg.Payload)); !keep {
			return
		}
	}
	select {
	case s.frames <- f:
	case <-ctx.Done():
	}
}

// envelopeFilter validates envelopes, drops redeliveries and logs gaps.
// Late envelopes with an unseen id are forwarded so clients can fill gaps.
type envelopeFilter struct {
	topic   string
	tracker *envelope.Tracker
	metrics *metrics.Metrics
	log     *zap.Logger
}

func newEnvelopeFilter(topic string, window int, m *metrics.Metrics, log *zap.Logger) *envelopeFilter {
	if m == nil {
		m = metrics.New()
	}
	return &envelopeFilter{topic: topic, tracker: envelope.NewTracker(window), metrics: m, log: log}
}

func (e *envelopeFilter) apply(f Frame, raw []byte) (Frame, bool) {
	env, err := envelope.Parse(raw)
	if err != nil {
		e.metrics.EnvelopeDropped.WithLabelValues(e.topic, "invalid").Inc()
		e.log.Warn("dropping invalid envelope", zap.Error(err))
		return f, false
	}
	obs := e.tracker.Observe(env)
	switch obs.Verdict {
	case envelope.Duplicate:
		e.metrics.EnvelopeDropped.WithLabelValues(e.topic, obs.Verdict.String()).Inc()
		return f, false
	case envelope.Stale:
		e.metrics.EnvelopeLate.WithLabelValues(e.topic).Inc()
		e.log.Info("forwarding late envelope",
			zap.String("aggregate", env.Aggregate()),
			zap.String("event_id", env.EventID),
			zap.Int64("sequence", env.Sequence))
	case envelope.Gap:
		e.metrics.EnvelopeGaps.WithLabelValues(e.topic).Inc()
		e.log.Warn("envelope sequence gap",
			zap.String("aggregate", env.Aggregate()),
			zap.Int64("missing_from", obs.MissingFrom),
			zap.Int64("missing_to", obs.MissingTo))
	}
	f.ID = env.EventID
	if f.Event == "" {
		f.Event = env.Type
	}
	return f, true
}
