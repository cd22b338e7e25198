package stream

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HeartbeatRecord is the liveness document written to the governance bus.
type HeartbeatRecord struct {
	Instance    string         `json:"instance"`
	Host        string         `json:"host"`
	PID         int            `json:"pid"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	At          time.Time      `json:"at"`
	Connections int            `json:"connections"`
	Topics      map[string]int `json:"topics"`
}

// Heartbeat publishes a liveness record that outlives the next scheduled write
// but expires before the one after it, so a crashed process disappears
// instead of lying.
type Heartbeat struct {
	rdb      redis.Cmdable
	key      string
	instance string
	interval time.Duration
	hub      *Hub
	started  time.Time
	log      *zap.Logger
}

func NewHeartbeat(rdb redis.Cmdable, key, instance string, interval time.Duration, hub *Hub, log *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{rdb: rdb, key: key, instance: instance, interval: interval, hub: hub, started: time.Now().UTC(), log: log}
}

// TTL is one and a half intervals. An on-time beat refreshes the record
// first, and a single missed beat lets it expire.
func (h *Heartbeat) TTL() time.Duration { return h.interval + h.interval/2 }

func (h *Heartbeat) record(status string) HeartbeatRecord {
	host, _ := os.Hostname()
	total, per := h.hub.Counts()
	return HeartbeatRecord{
		Instance:    h.instance,
		Host:        host,
		PID:         os.Getpid(),
		Status:      status,
		StartedAt:   h.started,
		At:          time.Now().UTC(),
		Connections: total,
		Topics:      per,
	}
}

func (h *Heartbeat) write(ctx context.Context, status string, ttl time.Duration) error {
	raw, err := json.Marshal(h.record(status))
	if err != nil {
		return err
	}
	return h.rdb.Set(ctx, h.key, raw, ttl).Err()
}

// Run beats until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		if err := h.write(ctx, "live", h.TTL()); err != nil && ctx.Err() == nil {
			h.log.Warn("heartbeat write failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Drain writes the final record during shutdown. It expires after one
// interval.
func (h *Heartbeat) Drain(ctx context.Context) error {
	return h.write(ctx, "draining", h.interval)
}
