package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"tradegate/pkg/bus"
)

var ErrNoCentral = errors.New("central config document not found")

// FetchCentral reads the raw central document.
func FetchCentral(ctx context.Context, rdb redis.Cmdable, key string) ([]byte, error) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCentral
	}
	if err != nil {
		return nil, fmt.Errorf("fetch central config: %w", err)
	}
	return raw, nil
}

// centralOverlay maps the central document onto configuration paths. Keys
// it does not own are returned so the caller can report them.
func centralOverlay(raw []byte) (map[string]any, []string, error) {
	var doc map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return nil, nil, fmt.Errorf("parse central config: %w", err)
	}
	overlay := map[string]any{}
	stream := map[string]any{}
	var ignored []string
	for key, val := range doc {
		switch key {
		case "version", "topics", "proxy", "schedule":
			overlay[key] = val
		case "poll_interval", "heartbeat_interval":
			d, err := durationValue(val)
			if err != nil {
				return nil, nil, fmt.Errorf("central config %s: %w", key, err)
			}
			stream[key] = d
		case "buses":
			buses, err := busAddrs(val)
			if err != nil {
				return nil, nil, err
			}
			overlay["buses"] = buses
		default:
			ignored = append(ignored, key)
		}
	}
	if len(stream) > 0 {
		overlay["stream"] = stream
	}
	sort.Strings(ignored)
	return overlay, ignored, nil
}

// durationValue accepts Go duration strings or a number of milliseconds.
func durationValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		if _, err := time.ParseDuration(t); err != nil {
			return "", err
		}
		return t, nil
	case float64:
		if t <= 0 {
			return "", fmt.Errorf("must be positive, got %v", t)
		}
		return (time.Duration(t) * time.Millisecond).String(), nil
	default:
		return "", fmt.Errorf("unsupported value %v", v)
	}
}

// busAddrs takes only market and intel addresses. The governance bus carries
// this document and cannot be moved by it.
func busAddrs(v any) (map[string]any, error) {
	in, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("central config buses must be an object")
	}
	out := map[string]any{}
	for _, name := range []bus.Name{bus.Market, bus.Intel} {
		entry, ok := in[string(name)].(map[string]any)
		if !ok {
			continue
		}
		addr, ok := entry["addr"].(string)
		if !ok || addr == "" {
			continue
		}
		out[string(name)] = map[string]any{"addr": addr}
	}
	return out, nil
}

// WithCentral rebuilds the configuration with the central document layered
// over the file and under environment and flags.
func (l *Loader) WithCentral(raw []byte) (*Config, []string, error) {
	overlay, ignored, err := centralOverlay(raw)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := l.build(overlay)
	if err != nil {
		return nil, ignored, err
	}
	return cfg, ignored, nil
}

// Central applies the central document when it is reachable and valid. Any
// failure keeps base and is logged at warn.
func (l *Loader) Central(ctx context.Context, rdb redis.Cmdable, key string, base *Config, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	raw, err := FetchCentral(ctx, rdb, key)
	if err != nil {
		log.Warn("central config unavailable, using built-in defaults", zap.String("key", key), zap.Error(err))
		return base
	}
	cfg, ignored, err := l.WithCentral(raw)
	if len(ignored) > 0 {
		log.Warn("central config has unknown fields", zap.Strings("fields", ignored))
	}
	if err != nil {
		log.Warn("central config rejected, using built-in defaults", zap.String("key", key), zap.Error(err))
		return base
	}
	log.Info("central config applied", zap.Int("version", cfg.Version))
	return cfg
}
