package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnknownBus is returned when a topic or component names a bus that was
// never configured.
var ErrUnknownBus = errors.New("unknown bus")

// Connector owns the connections to one bus: a command client and a
// dedicated client for subscriptions, since a subscribed connection cannot
// issue ordinary commands.
type Connector struct {
	name     Name
	cmd      *redis.Client
	sub      *redis.Client
	up       atomic.Bool
	log      *zap.Logger
	backoff  Backoff
	interval time.Duration
}

// Dial builds the clients for one bus. Unreachability is not an error here:
// the connector starts down and Watch brings it up once a ping succeeds.
func Dial(ctx context.Context, name Name, opts Options, log *zap.Logger) (*Connector, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBus, name)
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("bus %s: addr is required", name)
	}
	tlsConfig, err := opts.TLS.build(name)
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("bus %s: require_tls=true but tls is not enabled", name)
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connector{
		name:     name,
		cmd:      redis.NewClient(opts.redisOptions(name, "cmd", tlsConfig)),
		sub:      redis.NewClient(opts.redisOptions(name, "sub", tlsConfig)),
		log:      log.With(zap.String("bus", string(name))),
		backoff:  DefaultBackoff,
		interval: 5 * time.Second,
	}
	c.probe(ctx)
	return c, nil
}

// NewConnector wraps existing clients. Used by tests and by callers that
// build clients themselves.
func NewConnector(name Name, cmd, sub *redis.Client, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	if sub == nil {
		sub = cmd
	}
	c := &Connector{name: name, cmd: cmd, sub: sub, log: log, backoff: DefaultBackoff, interval: 5 * time.Second}
	c.up.Store(true)
	return c
}

func (c *Connector) Name() Name { return c.name }

// Commands returns the client used for reads, writes and publishes.
func (c *Connector) Commands() *redis.Client { return c.cmd }

// Subscriptions returns the client reserved for SUBSCRIBE/PSUBSCRIBE.
func (c *Connector) Subscriptions() *redis.Client { return c.sub }

func (c *Connector) Up() bool { return c.up.Load() }

func (c *Connector) probe(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := c.cmd.Ping(pingCtx).Err()
	if err == nil {
		err = c.sub.Ping(pingCtx).Err()
	}
	was := c.up.Swap(err == nil)
	switch {
	case err == nil && !was:
		c.log.Info("bus connected")
	case err != nil && was:
		c.log.Warn("bus connection lost", zap.Error(err))
	}
	return err == nil
}

// Watch keeps the liveness flag current until ctx is done. While the bus is
// down it probes on a capped exponential schedule.
func (c *Connector) Watch(ctx context.Context) {
	attempt := 0
	for {
		wait := c.interval
		if !c.up.Load() {
			wait = c.backoff.Delay(attempt)
			attempt++
		}
		if err := Wait(ctx, wait); err != nil {
			return
		}
		if c.probe(ctx) {
			attempt = 0
		} else if attempt%10 == 0 {
			c.log.Debug("bus still unreachable", zap.Int("attempt", attempt))
		}
	}
}

func (c *Connector) Close() error {
	var errs []error
	if c.sub != nil && c.sub != c.cmd {
		errs = append(errs, c.sub.Close())
	}
	if c.cmd != nil {
		errs = append(errs, c.cmd.Close())
	}
	c.up.Store(false)
	return errors.Join(errs...)
}

// Set holds one connector per configured bus. Buses are never wired to each
// other; components ask the set for exactly the bus they were registered on.
type Set struct {
	conns map[Name]*Connector
}

func NewSet(conns ...*Connector) *Set {
	s := &Set{conns: make(map[Name]*Connector, len(conns))}
	for _, c := range conns {
		if c != nil {
			s.conns[c.name] = c
		}
	}
	return s
}

// DialAll connects every bus in opts.
func DialAll(ctx context.Context, opts map[Name]Options, log *zap.Logger) (*Set, error) {
	s := &Set{conns: make(map[Name]*Connector, len(opts))}
	for _, name := range Names {
		o, ok := opts[name]
		if !ok {
			continue
		}
		c, err := Dial(ctx, name, o, log)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.conns[name] = c
	}
	return s, nil
}

func (s *Set) Get(name Name) (*Connector, error) {
	c, ok := s.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBus, name)
	}
	return c, nil
}

func (s *Set) Watch(ctx context.Context) {
	for _, c := range s.conns {
		go c.Watch(ctx)
	}
}

// Status reports liveness per bus, for health output.
func (s *Set) Status() map[Name]bool {
	out := make(map[Name]bool, len(s.conns))
	for name, c := range s.conns {
		out[name] = c.Up()
	}
	return out
}

func (s *Set) Close() error {
	var errs []error
	for _, c := range s.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
