package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradegate/pkg/bus"
	"tradegate/pkg/keys"
	"tradegate/pkg/metrics"
)

type Options struct {
	Key            string        `mapstructure:"key"`
	CatalogueKey   string        `mapstructure:"catalogue_key"`
	RebuildChannel string        `mapstructure:"rebuild_channel"`
	WindowDays     int           `mapstructure:"window_days"`
	DailyAt        string        `mapstructure:"daily_at"`
	Timezone       string        `mapstructure:"timezone"`
	TTL            time.Duration `mapstructure:"ttl"`
}

func (o Options) withDefaults() Options {
	if o.Key == "" {
		o.Key = keys.ScheduleKey
	}
	if o.CatalogueKey == "" {
		o.CatalogueKey = keys.ScheduleCatalogueKey
	}
	if o.RebuildChannel == "" {
		o.RebuildChannel = keys.ScheduleRebuildChannel
	}
	if o.WindowDays <= 0 {
		o.WindowDays = DefaultWindowDays
	}
	if o.DailyAt == "" {
		o.DailyAt = "06:00"
	}
	if o.Timezone == "" {
		o.Timezone = "America/New_York"
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// Service owns the rebuild triggers: startup, a daily clock time, the
// rebuild channel and explicit calls from the admin API.
type Service struct {
	conn      *bus.Connector
	pub       *Publisher
	opts      Options
	loc       *time.Location
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
	onPublish func(Artifact)

	mu sync.Mutex
}

func NewService(conn *bus.Connector, opts Options, m *metrics.Metrics, log *zap.Logger) (*Service, error) {
	opts = opts.withDefaults()
	if _, err := time.Parse("15:04", opts.DailyAt); err != nil {
		return nil, fmt.Errorf("schedule daily_at %q is not HH:MM", opts.DailyAt)
	}
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule timezone: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		conn:    conn,
		pub:     NewPublisher(conn.Commands(), opts.Key, opts.TTL),
		opts:    opts,
		loc:     loc,
		metrics: m,
		log:     log.With(zap.String("component", "schedule")),
		now:     time.Now,
	}, nil
}

// OnPublish registers a callback run after every successful publish.
func (s *Service) OnPublish(fn func(Artifact)) { s.onPublish = fn }

// Catalogue loads the stored catalogue, or the built-in one when none is
// stored.
func (s *Service) Catalogue(ctx context.Context) (*Catalogue, error) {
	raw, err := s.conn.Commands().Get(ctx, s.opts.CatalogueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultCatalogue(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return ParseCatalogue(raw)
}

// Rebuild builds and publishes a fresh artifact. published is false when a
// newer build had already been stored.
func (s *Service) Rebuild(ctx context.Context, reason string) (art Artifact, published bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		result := "published"
		switch {
		case err != nil:
			result = "error"
		case !published:
			result = "superseded"
		}
		s.metrics.ScheduleBuilds.WithLabelValues(result).Inc()
	}()

	cat, err := s.Catalogue(ctx)
	if err != nil {
		return Artifact{}, false, err
	}
	art = Build(cat, NewHolidays(cat.Holidays, cat.Exchange), s.now(), s.opts.WindowDays)
	published, err = s.pub.Publish(ctx, art)
	if err != nil {
		return Artifact{}, false, err
	}
	s.log.Info("schedule rebuilt",
		zap.String("reason", reason),
		zap.Bool("published", published),
		zap.String("window_start", art.WindowStart),
		zap.Int("events", art.Events()))
	if published && s.onPublish != nil {
		s.onPublish(art)
	}
	return art, published, nil
}

// Current returns the artifact readers currently see.
func (s *Service) Current(ctx context.Context) (Artifact, bool, error) {
	return s.pub.Current(ctx)
}

// Run rebuilds at startup and then on every trigger until ctx is done.
func (s *Service) Run(ctx context.Context) {
	triggers := make(chan string, 1)
	fire := func(reason string) {
		select {
		case triggers <- reason:
		default:
		}
	}
	go func() {
		err := s.conn.Listen(ctx, bus.ListenOptions{Channels: []string{s.opts.RebuildChannel}},
			func(context.Context, *redis.Message) { fire("catalogue changed") })
		if err != nil && ctx.Err() == nil {
			s.log.Warn("rebuild channel listener stopped", zap.Error(err))
		}
	}()

	fire("startup")
	for {
		next := NextDaily(s.now(), s.opts.DailyAt, s.loc)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fire("daily")
		case reason := <-triggers:
			timer.Stop()
			if _, _, err := s.Rebuild(ctx, reason); err != nil && ctx.Err() == nil {
				s.log.Warn("schedule rebuild failed", zap.String("reason", reason), zap.Error(err))
			}
		}
	}
}

// NextDaily returns the first instant after now at clock time at in loc.
func NextDaily(now time.Time, at string, loc *time.Location) time.Time {
	today := civilIn(now, loc)
	next := today.At(at, loc)
	if !next.After(now) {
		next = today.AddDays(1).At(at, loc)
	}
	return next
}
