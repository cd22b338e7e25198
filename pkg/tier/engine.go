package tier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradegate/pkg/bus"
)

var ErrNoDocument = errors.New("gate document not found")

// Engine serves gate checks from an immutable snapshot. Only the reload
// routine writes; readers never lock.
type Engine struct {
	current  atomic.Pointer[Snapshot]
	log      *zap.Logger
	onReload func(*Snapshot)
}

func NewEngine(initial *Snapshot, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if initial == nil {
		initial = Default()
	}
	e := &Engine{log: log}
	e.current.Store(initial)
	return e
}

// OnReload registers a callback run after each successful swap. Set it before
// Watch starts.
func (e *Engine) OnReload(fn func(*Snapshot)) { e.onReload = fn }

func (e *Engine) Snapshot() *Snapshot { return e.current.Load() }

func (e *Engine) Check(t Tier, key string) Decision {
	return e.current.Load().Check(t, key)
}

// Require returns a *Denial when the gate is not allowed for t.
func (e *Engine) Require(t Tier, key string) error {
	if key == "" {
		return nil
	}
	if !e.Check(t, key).Allowed {
		return &Denial{Gate: key, Tier: t}
	}
	return nil
}

// Load re-fetches the whole document and swaps it in. On any failure the
// previous snapshot stays in place.
func (e *Engine) Load(ctx context.Context, rdb redis.Cmdable, key string) error {
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoDocument
	}
	if err != nil {
		return fmt.Errorf("fetch gate document: %w", err)
	}
	s, err := Compile(raw)
	if err != nil {
		return err
	}
	prev := e.current.Swap(s)
	e.log.Info("gate document loaded", zap.Int("version", s.Version()), zap.Int("previous_version", prev.Version()))
	if e.onReload != nil {
		e.onReload(s)
	}
	return nil
}

// Watch reloads on every message on channel, and after every resubscribe so
// notifications sent while disconnected are not lost.
func (e *Engine) Watch(ctx context.Context, conn *bus.Connector, key, channel string) error {
	reload := func(ctx context.Context) {
		if err := e.Load(ctx, conn.Commands(), key); err != nil {
			if errors.Is(err, ErrNoDocument) {
				e.log.Debug("no gate document published, keeping current", zap.String("key", key))
				return
			}
			e.log.Warn("gate reload failed, keeping current document", zap.Error(err))
		}
	}
	return conn.Listen(ctx, bus.ListenOptions{
		Channels:     []string{channel},
		OnSubscribed: reload,
	}, func(ctx context.Context, _ *redis.Message) {
		reload(ctx)
	})
}
