package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradegate/pkg/bus"
	"tradegate/pkg/keys"
)

// Event names emitted by polling topics.
const (
	EventSnapshot = "snapshot"
	EventDiff     = "diff"
)

// PollSource reads the keys behind one polling topic on a fixed interval and
// emits only when a value changed.
type PollSource struct {
	spec     keys.TopicSpec
	resolver *keys.Resolver
	conn     *bus.Connector
	interval time.Duration
	log      *zap.Logger

	ticker *time.Ticker

	mu      sync.Mutex
	gen     uint64
	applied uint64
	last    map[string][]byte
}

func NewPollSource(spec keys.TopicSpec, resolver *keys.Resolver, conn *bus.Connector, interval time.Duration, log *zap.Logger) *PollSource {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PollSource{
		spec:     spec,
		resolver: resolver,
		conn:     conn,
		interval: interval,
		log:      log.With(zap.String("topic", spec.Name)),
		last:     map[string][]byte{},
	}
}

func (p *PollSource) Name() string { return p.spec.Name }

// Next polls immediately on the first call and then once per interval.
func (p *PollSource) Next(ctx context.Context) ([]Frame, error) {
	if p.ticker == nil {
		p.ticker = time.NewTicker(p.interval)
	} else {
		select {
		case <-ctx.Done():
			p.ticker.Stop()
			return nil, ctx.Err()
		case <-p.ticker.C:
		}
	}
	return p.Poll(ctx)
}

// Poll reads every key once. Reads are bounded by the interval; a result that
// arrives after a later poll has already been applied is discarded. While the
// bus is down nothing is emitted.
func (p *PollSource) Poll(ctx context.Context) ([]Frame, error) {
	if !p.conn.Up() {
		return nil, nil
	}
	refs := p.resolver.Keys(p.spec)
	if len(refs) == 0 {
		return nil, nil
	}
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.Name
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	values, err := p.conn.Commands().MGet(readCtx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", p.spec.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen < p.applied {
		p.log.Debug("discarding stale poll result", zap.Uint64("generation", gen))
		return nil, nil
	}
	p.applied = gen

	var frames []Frame
	for i, ref := range refs {
		s, ok := values[i].(string)
		if !ok {
			delete(p.last, ref.Topic)
			continue
		}
		cur := []byte(s)
		prev, seen := p.last[ref.Topic]
		if seen && bytes.Equal(prev, cur) {
			continue
		}
		p.last[ref.Topic] = cur
		frames = append(frames, p.frame(ref.Topic, prev, seen, cur))
	}
	return frames, nil
}

func (p *PollSource) frame(topic string, prev []byte, seen bool, cur []byte) Frame {
	if seen {
		if d, ok := diffObjects(prev, cur); ok && !d.Empty() {
			data, _ := json.Marshal(d)
			return Frame{Topic: topic, Event: EventDiff, Data: data}
		}
	}
	return Frame{Topic: topic, Event: EventSnapshot, Data: Payload(cur)}
}

// Snapshot returns the last broadcast value of topic as a full frame.
func (p *PollSource) Snapshot(topic string) (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.last[topic]
	if !ok {
		return Frame{}, false
	}
	return Frame{Topic: topic, Event: EventSnapshot, Data: Payload(cur)}, true
}
