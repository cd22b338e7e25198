package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tradegate/pkg/bus"
	"tradegate/pkg/metrics"
)

// Producer yields the next batch of frames for one topic. Polling and
// subscription topics both satisfy it, so the distributor never branches on
// delivery mode. An empty batch is normal.
type Producer interface {
	Name() string
	Next(ctx context.Context) ([]Frame, error)
}

// Snapshotter is implemented by producers that can replay their latest state
// to a newly connected client.
type Snapshotter interface {
	Snapshot(topic string) (Frame, bool)
}

// Distributor runs one goroutine per producer and broadcasts what they yield.
type Distributor struct {
	hub       *Hub
	producers []Producer
	metrics   *metrics.Metrics
	log       *zap.Logger
	backoff   bus.Backoff
}

func NewDistributor(hub *Hub, m *metrics.Metrics, log *zap.Logger, producers ...Producer) *Distributor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Distributor{hub: hub, producers: producers, metrics: m, log: log, backoff: bus.DefaultBackoff}
}

// Run blocks until ctx is done and every producer loop has exited.
func (d *Distributor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range d.producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()
			d.loop(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (d *Distributor) loop(ctx context.Context, p Producer) {
	log := d.log.With(zap.String("producer", p.Name()))
	failures := 0
	for {
		frames, err := p.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.metrics.PollErrors.WithLabelValues(p.Name()).Inc()
			log.Warn("producer read failed", zap.Error(err), zap.Int("consecutive", failures+1))
			if bus.Wait(ctx, d.backoff.Delay(failures)) != nil {
				return
			}
			failures++
			continue
		}
		failures = 0
		for _, f := range frames {
			d.hub.Broadcast(f)
		}
	}
}

// Snapshots returns the latest known frame for each topic, for replay to a
// new client before live frames.
func (d *Distributor) Snapshots(topics []string) []Frame {
	var out []Frame
	for _, t := range topics {
		for _, p := range d.producers {
			s, ok := p.(Snapshotter)
			if !ok {
				continue
			}
			if f, ok := s.Snapshot(t); ok {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Publish broadcasts a frame produced inside the gateway itself.
func (d *Distributor) Publish(f Frame) { d.hub.Broadcast(f) }
