package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tradegate/pkg/audit"
	"tradegate/pkg/bus"
	"tradegate/pkg/keys"
	"tradegate/pkg/statebus"
	"tradegate/pkg/stream"
	"tradegate/pkg/telemetry"
)

func okTelemetry(context.Context, telemetry.Options, *zap.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func testStartup(t *testing.T) startup {
	return startup{
		initTelemetry: okTelemetry,
		dialBus:       bus.Dial,
		openAudit: func(context.Context, audit.PostgresOptions) (*pgxpool.Pool, error) {
			t.Fatal("audit must not be opened without a url")
			return nil, nil
		},
		newKafka: func(statebus.KafkaConfig) (statebus.Consumer, error) {
			t.Fatal("kafka must not be dialled without brokers")
			return nil, nil
		},
		listen: func(*http.Server) error { return http.ErrServerClosed },
		signalContext: func() (context.Context, context.CancelFunc) {
			return context.WithCancel(context.Background())
		},
	}
}

func setBusEnv(t *testing.T) (gov, market, intel *miniredis.Miniredis) {
	t.Helper()
	gov, market, intel = miniredis.RunT(t), miniredis.RunT(t), miniredis.RunT(t)
	t.Setenv("BUSES_GOVERNANCE_ADDR", gov.Addr())
	t.Setenv("BUSES_MARKET_ADDR", market.Addr())
	t.Setenv("BUSES_INTEL_ADDR", intel.Addr())
	t.Setenv("AUTH_SESSION_SECRET", strings.Repeat("k", 32))
	return gov, market, intel
}

func TestRunGatewayHelp(t *testing.T) {
	deps := testStartup(t)
	deps.initTelemetry = func(context.Context, telemetry.Options, *zap.Logger) (func(context.Context) error, error) {
		t.Fatal("telemetry must not start when help was requested")
		return nil, nil
	}
	if err := runGateway([]string{"--help"}, deps); err != nil {
		t.Fatalf("help must not be an error, got %v", err)
	}
}

func TestRunGatewayStartupErrors(t *testing.T) {
	t.Run("config_error", func(t *testing.T) {
		err := runGateway([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, testStartup(t))
		if err == nil || !strings.Contains(err.Error(), "config:") {
			t.Fatalf("expected wrapped config error, got %v", err)
		}
	})

	t.Run("telemetry_error", func(t *testing.T) {
		deps := testStartup(t)
		deps.initTelemetry = func(context.Context, telemetry.Options, *zap.Logger) (func(context.Context) error, error) {
			return nil, errors.New("otel down")
		}
		deps.dialBus = func(context.Context, bus.Name, bus.Options, *zap.Logger) (*bus.Connector, error) {
			t.Fatal("buses must not be dialled on telemetry error")
			return nil, nil
		}
		err := runGateway(nil, deps)
		if err == nil || !strings.Contains(err.Error(), "otel:") {
			t.Fatalf("expected wrapped telemetry error, got %v", err)
		}
	})

	t.Run("bus_error", func(t *testing.T) {
		setBusEnv(t)
		deps := testStartup(t)
		listened := false
		deps.dialBus = func(ctx context.Context, name bus.Name, opts bus.Options, log *zap.Logger) (*bus.Connector, error) {
			if name == bus.Intel {
				return nil, errors.New("tls material unreadable")
			}
			return bus.Dial(ctx, name, opts, log)
		}
		deps.listen = func(*http.Server) error { listened = true; return nil }
		err := runGateway(nil, deps)
		if err == nil || !strings.Contains(err.Error(), "bus intel:") {
			t.Fatalf("expected wrapped bus error, got %v", err)
		}
		if listened {
			t.Fatal("listen must not be called when a bus cannot be configured")
		}
	})

	t.Run("production_hardening", func(t *testing.T) {
		setBusEnv(t)
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("STRICT_PROD_SECURITY", "true")
		deps := testStartup(t)
		deps.listen = func(*http.Server) error {
			t.Fatal("listen must not be called when hardening fails")
			return nil
		}
		if err := runGateway(nil, deps); err == nil {
			t.Fatal("expected hardening error for plaintext buses in production")
		}
	})

	t.Run("kafka_error", func(t *testing.T) {
		setBusEnv(t)
		t.Setenv("KAFKA_BROKERS", "kafka-1:9092")
		deps := testStartup(t)
		deps.newKafka = func(statebus.KafkaConfig) (statebus.Consumer, error) {
			return nil, errors.New("bad brokers")
		}
		err := runGateway(nil, deps)
		if err == nil || !strings.Contains(err.Error(), "kafka topic journal") {
			t.Fatalf("expected kafka error, got %v", err)
		}
	})
}

func TestRunGatewayServesAndDrains(t *testing.T) {
	gov, _, _ := setBusEnv(t)
	gov.Set(keys.ConfigKey, `{"version": 9, "poll_interval": 200}`)
	t.Setenv("INSTANCE", "gw-test")

	deps := testStartup(t)
	var health map[string]any
	deps.listen = func(srv *http.Server) error {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("health returned %d", rec.Code)
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &health)
		return http.ErrServerClosed
	}
	if err := runGateway(nil, deps); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if health["config_version"] != float64(9) || health["instance"] != "gw-test" {
		t.Fatalf("central document not applied: %v", health)
	}

	raw, err := gov.Get(keys.Heartbeat("gw-test"))
	if err != nil {
		t.Fatalf("final heartbeat missing: %v", err)
	}
	var hb stream.HeartbeatRecord
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.Status != "draining" {
		t.Fatalf("expected draining heartbeat, got %q", hb.Status)
	}
	if ttl := gov.TTL(keys.Heartbeat("gw-test")); ttl <= 0 || ttl > 10*time.Second {
		t.Fatalf("draining heartbeat must expire within one interval, got %s", ttl)
	}
}

func TestRunGatewayListenError(t *testing.T) {
	setBusEnv(t)
	deps := testStartup(t)
	deps.listen = func(*http.Server) error { return errors.New("address in use") }
	err := runGateway(nil, deps)
	if err == nil || !strings.Contains(err.Error(), "listen: address in use") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunGatewayStopsOnSignal(t *testing.T) {
	setBusEnv(t)
	t.Setenv("ADDR", "127.0.0.1:0")
	deps := testStartup(t)
	ctx, cancel := context.WithCancel(context.Background())
	deps.signalContext = func() (context.Context, context.CancelFunc) { return ctx, cancel }
	deps.listen = func(srv *http.Server) error {
		cancel()
		return srv.ListenAndServe()
	}
	done := make(chan error, 1)
	go func() { done <- runGateway(nil, deps) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not stop after the signal")
	}
}

func TestMainCallsFatalOnError(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryG
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryG = origInitTelemetry
	}()

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	initTelemetryG = func(context.Context, telemetry.Options, *zap.Logger) (func(context.Context) error, error) {
		return nil, errors.New("otel down")
	}
	main()
	if !fatalCalled {
		t.Fatal("logFatalf should be called when startup fails")
	}
}
