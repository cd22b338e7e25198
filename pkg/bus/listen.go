package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler receives every message delivered on a subscription. It runs on the
// subscription goroutine and must not block.
type Handler func(ctx context.Context, msg *redis.Message)

type ListenOptions struct {
	Channels []string
	Patterns []string
	// OnSubscribed runs after every successful (re)subscribe, so callers can
	// re-read state they may have missed while disconnected.
	OnSubscribed func(ctx context.Context)
}

var errNothingToListen = errors.New("no channels or patterns")

const unsubscribeTimeout = time.Second

// Listen subscribes on the dedicated subscription client and delivers
// messages until ctx is done. Subscriptions do not survive a dropped
// connection, so any receive error closes the subscription and resubscribes
// after a capped backoff.
func (c *Connector) Listen(ctx context.Context, opts ListenOptions, handle Handler) error {
	if len(opts.Channels) == 0 && len(opts.Patterns) == 0 {
		return errNothingToListen
	}
	attempt := 0
	for {
		subscribed, err := c.listenOnce(ctx, opts, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			attempt = 0
		}
		c.log.Warn("subscription dropped, resubscribing",
			zap.Strings("channels", opts.Channels),
			zap.Strings("patterns", opts.Patterns),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := Wait(ctx, c.backoff.Delay(attempt)); err != nil {
			return err
		}
		attempt++
	}
}

func (c *Connector) listenOnce(ctx context.Context, opts ListenOptions, handle Handler) (bool, error) {
	var ps *redis.PubSub
	if len(opts.Patterns) > 0 {
		ps = c.sub.PSubscribe(ctx, opts.Patterns...)
	} else {
		ps = c.sub.Subscribe(ctx, opts.Channels...)
	}
	defer ps.Close()
	// ReceiveMessage blocks on the socket, so cancellation unsubscribes and
	// closes the subscription to release it.
	stop := context.AfterFunc(ctx, func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if len(opts.Patterns) > 0 {
			_ = ps.PUnsubscribe(unsubCtx, opts.Patterns...)
		}
		if len(opts.Channels) > 0 {
			_ = ps.Unsubscribe(unsubCtx, opts.Channels...)
		}
		_ = ps.Close()
	})
	defer stop()
	if len(opts.Patterns) > 0 && len(opts.Channels) > 0 {
		if err := ps.Subscribe(ctx, opts.Channels...); err != nil {
			return false, err
		}
	}
	if _, err := ps.Receive(ctx); err != nil {
		return false, err
	}
	if opts.OnSubscribed != nil {
		opts.OnSubscribed(ctx)
	}
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return true, err
		}
		handle(ctx, msg)
	}
}
