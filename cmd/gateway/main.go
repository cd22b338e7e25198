package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tradegate/pkg/audit"
	"tradegate/pkg/auth"
	"tradegate/pkg/bus"
	"tradegate/pkg/config"
	"tradegate/pkg/hardening"
	"tradegate/pkg/httpx"
	"tradegate/pkg/keys"
	"tradegate/pkg/metrics"
	"tradegate/pkg/proxy"
	"tradegate/pkg/ratelimit"
	"tradegate/pkg/schedule"
	"tradegate/pkg/statebus"
	"tradegate/pkg/stream"
	"tradegate/pkg/telemetry"
	"tradegate/pkg/tier"
)

type gatewayInitTelemetryFunc func(ctx context.Context, o telemetry.Options, log *zap.Logger) (func(context.Context) error, error)
type gatewayDialBusFunc func(ctx context.Context, name bus.Name, opts bus.Options, log *zap.Logger) (*bus.Connector, error)
type gatewayOpenAuditFunc func(ctx context.Context, opts audit.PostgresOptions) (*pgxpool.Pool, error)
type gatewayKafkaFunc func(cfg statebus.KafkaConfig) (statebus.Consumer, error)
type gatewayListenFunc func(server *http.Server) error
type gatewaySignalFunc func() (context.Context, context.CancelFunc)

// startup collects the side-effecting constructors runGateway depends on.
type startup struct {
	initTelemetry gatewayInitTelemetryFunc
	dialBus       gatewayDialBusFunc
	openAudit     gatewayOpenAuditFunc
	newKafka      gatewayKafkaFunc
	listen        gatewayListenFunc
	signalContext gatewaySignalFunc
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	dialBusFnG     = bus.Dial
	openAuditFnG   = audit.Open
	newKafkaFnG    = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) { return statebus.NewKafkaConsumer(cfg) }
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	signalFnG      = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

func main() {
	deps := startup{
		initTelemetry: initTelemetryG,
		dialBus:       dialBusFnG,
		openAudit:     openAuditFnG,
		newKafka:      newKafkaFnG,
		listen:        listenFnG,
		signalContext: signalFnG,
	}
	if err := runGateway(os.Args[1:], deps); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(args []string, deps startup) error {
	loader, err := config.NewLoader(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := telemetry.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := deps.signalContext()
	defer stop()

	shutdownTelemetry, err := deps.initTelemetry(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	gov, err := deps.dialBus(ctx, bus.Governance, cfg.Buses[bus.Governance], logger)
	if err != nil {
		return fmt.Errorf("bus %s: %w", bus.Governance, err)
	}
	cfg = loader.Central(ctx, gov.Commands(), keys.ConfigKey, cfg, logger.Named("config"))
	if err := hardening.ValidateProduction(cfg); err != nil {
		_ = gov.Close()
		return err
	}
	conns := []*bus.Connector{gov}
	for _, name := range []bus.Name{bus.Market, bus.Intel} {
		c, err := deps.dialBus(ctx, name, cfg.Buses[name], logger)
		if err != nil {
			_ = bus.NewSet(conns...).Close()
			return fmt.Errorf("bus %s: %w", name, err)
		}
		conns = append(conns, c)
	}
	buses := bus.NewSet(conns...)
	defer func() {
		if err := buses.Close(); err != nil {
			logger.Warn("bus close failed", zap.Error(err))
		}
	}()

	s, closers, err := assemble(ctx, cfg, logger, buses, gov, deps)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		return err
	}

	// Producers and background loops stop before the hub, so the hub can
	// evict every client once nothing feeds it.
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	hubDone := make(chan struct{})
	go func() { defer close(hubDone); s.Hub.Run(hubCtx) }()
	distDone := make(chan struct{})
	go func() { defer close(distDone); s.Dist.Run(loopCtx) }()
	buses.Watch(loopCtx)
	go func() {
		if err := s.Gates.Watch(loopCtx, gov, cfg.Tier.GatesKey, cfg.Tier.ReloadChannel); err != nil && loopCtx.Err() == nil {
			logger.Warn("gate reload listener stopped", zap.Error(err))
		}
	}()
	go s.Schedule.Run(loopCtx)
	heartbeat := stream.NewHeartbeat(gov.Commands(), keys.Heartbeat(cfg.Instance), cfg.Instance,
		cfg.Stream.HeartbeatInterval, s.Hub, logger.Named("heartbeat"))
	heartbeatDone := make(chan struct{})
	go func() { defer close(heartbeatDone); heartbeat.Run(loopCtx) }()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	if deps.listen == nil {
		return errors.New("listen function required")
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- deps.listen(server) }()
	logger.Info("gateway listening",
		zap.String("addr", cfg.Addr),
		zap.String("instance", cfg.Instance),
		zap.Int("config_version", cfg.Version),
		zap.Int("topics", len(s.Resolver.Specs())))
	s.Lifecycle.Emit("gateway.started", map[string]any{"instance": cfg.Instance, "config_version": cfg.Version})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("listen: %w", err)
		}
	}

	s.Lifecycle.Emit("gateway.draining", map[string]any{"instance": cfg.Instance})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- server.Shutdown(shutdownCtx) }()

	stopLoops()
	<-distDone
	<-heartbeatDone
	stopHub()
	<-hubDone
	if err := <-shutdownDone; err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := heartbeat.Drain(shutdownCtx); err != nil {
		logger.Warn("final heartbeat failed", zap.Error(err))
	}
	logger.Info("gateway stopped")
	return runErr
}

// assemble builds the Server. The returned closers are released after the
// hub stops, even when assembly fails part-way.
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger, buses *bus.Set, gov *bus.Connector, deps startup) (*Server, []io.Closer, error) {
	var closers []io.Closer
	m := metrics.New()
	trust := httpx.NewProxyTrust(cfg.HTTP.TrustedProxies)

	resolver, err := keys.NewResolver(cfg.Topics, cfg.Location())
	if err != nil {
		return nil, closers, fmt.Errorf("topics: %w", err)
	}
	verifier, err := auth.NewVerifier(cfg.Auth.Issuers, cfg.Auth.Skew,
		telemetry.InstrumentClient(&http.Client{Timeout: cfg.Auth.JWKSTimeout}))
	if err != nil {
		return nil, closers, fmt.Errorf("issuers: %w", err)
	}
	sessCfg := cfg.Auth.Session
	if sessCfg.Secret == "" {
		sessCfg.Secret = ephemeralSecret()
		logger.Warn("no session secret configured, sessions will not survive a restart")
	}
	sessions, err := auth.NewSessions(sessCfg, trust)
	if err != nil {
		return nil, closers, fmt.Errorf("sessions: %w", err)
	}
	if cfg.Auth.Bypass {
		logger.Error("auth boundary bypassed, every request runs with override tier")
	}

	gates := tier.NewEngine(tier.Default(), logger.Named("tier"))
	if err := gates.Load(ctx, gov.Commands(), cfg.Tier.GatesKey); err != nil {
		if errors.Is(err, tier.ErrNoDocument) {
			logger.Info("no gate document published, using built-in gates", zap.String("key", cfg.Tier.GatesKey))
		} else {
			logger.Warn("gate document not loaded, using built-in gates", zap.Error(err))
		}
	}

	hub := stream.NewHub(cfg.Stream.QueueDepth, m, logger.Named("hub"))
	producers, kafkaClosers, err := buildProducers(cfg, resolver, buses, m, logger.Named("stream"), deps.newKafka)
	closers = append(closers, kafkaClosers...)
	if err != nil {
		return nil, closers, err
	}
	dist := stream.NewDistributor(hub, m, logger.Named("distributor"), producers...)
	lifecycle := stream.NewLifecycle(cfg.Instance, dist.Publish, logger.Named("lifecycle"))
	gates.OnReload(func(snap *tier.Snapshot) {
		lifecycle.Emit("gates.reloaded", map[string]any{"version": snap.Version()})
	})

	intel, err := buses.Get(bus.Intel)
	if err != nil {
		return nil, closers, err
	}
	svc, err := schedule.NewService(intel, cfg.Schedule, m, logger)
	if err != nil {
		return nil, closers, fmt.Errorf("schedule: %w", err)
	}
	svc.OnPublish(func(art schedule.Artifact) {
		lifecycle.Emit("schedule.published", map[string]any{
			"version":      art.Version,
			"events":       art.Events(),
			"window_start": art.WindowStart,
			"window_end":   art.WindowEnd,
		})
	})

	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.URL != "" {
		pool, err := deps.openAudit(ctx, cfg.Audit.PostgresOptions)
		if err != nil {
			return nil, closers, fmt.Errorf("audit: %w", err)
		}
		closers = append(closers, poolCloser{pool})
		applied, err := audit.Migrate(ctx, pool, audit.Migrations(), logger.Sugar().Infof)
		if err != nil {
			return nil, closers, fmt.Errorf("audit migrate: %w", err)
		}
		logger.Info("audit store ready", zap.Int("migrations_applied", applied))
		sink = &audit.Writer{DB: pool, HashSalt: []byte(cfg.Audit.HashSalt)}
	}

	s := &Server{
		Config:    cfg,
		Log:       logger,
		Metrics:   m,
		Buses:     buses,
		Resolver:  resolver,
		Verifier:  verifier,
		Sessions:  sessions,
		Tiers:     tier.Resolver{GenericRole: cfg.Tier.GenericRole},
		Gates:     gates,
		Hub:       hub,
		Dist:      dist,
		Lifecycle: lifecycle,
		Schedule:  svc,
		Audit:     sink,
		Trust:     trust,
		Started:   time.Now(),
	}
	if len(cfg.Proxy) > 0 {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		s.Proxy, err = proxy.New(cfg.Proxy, proxy.Options{
			Transport: telemetry.InstrumentTransport(transport),
			Gates:     gates,
			TierOf:    s.tierOf,
			Metrics:   m,
			Audit:     sink,
			Log:       logger.Named("proxy"),
		})
		if err != nil {
			return nil, closers, err
		}
	}
	limiter := ratelimit.NewRedis(gov.Commands(), cfg.Auth.LoginRateWindow)
	limiter.Log = logger.Named("ratelimit")
	s.Limiter = limiter
	return s, closers, nil
}

// buildProducers creates one producer per catalogue topic. Kafka-backed
// topics are skipped when no brokers are configured.
func buildProducers(cfg *config.Config, resolver *keys.Resolver, buses *bus.Set, m *metrics.Metrics, logger *zap.Logger, newKafka gatewayKafkaFunc) ([]stream.Producer, []io.Closer, error) {
	var producers []stream.Producer
	var closers []io.Closer
	for _, spec := range resolver.Specs() {
		if spec.Source == keys.SourceKafka {
			if len(cfg.Kafka.Brokers) == 0 {
				logger.Warn("kafka topic disabled, no brokers configured", zap.String("topic", spec.Name))
				continue
			}
			consumer, err := newKafka(statebus.KafkaConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   spec.KafkaTopic,
				GroupID: cfg.Kafka.GroupID,
				MaxWait: cfg.Kafka.MaxWait,
			})
			if err != nil {
				return nil, closers, fmt.Errorf("kafka topic %s: %w", spec.Name, err)
			}
			src := stream.NewKafkaSource(spec, consumer, cfg.Stream.DedupWindow, m, logger)
			producers = append(producers, src)
			closers = append(closers, src)
			continue
		}
		conn, err := buses.Get(spec.Bus)
		if err != nil {
			return nil, closers, fmt.Errorf("topic %s: %w", spec.Name, err)
		}
		switch spec.Mode {
		case keys.Poll:
			producers = append(producers, stream.NewPollSource(spec, resolver, conn, cfg.Stream.PollInterval, logger))
		case keys.Subscribe:
			producers = append(producers, stream.NewSubscribeSource(spec, resolver, conn, cfg.Stream.DedupWindow, m, logger))
		}
	}
	return producers, closers, nil
}

type poolCloser struct{ pool *pgxpool.Pool }

func (p poolCloser) Close() error {
	p.pool.Close()
	return nil
}

func ephemeralSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
